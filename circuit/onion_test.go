package circuit

import (
	"bytes"
	"testing"

	"github.com/a7maadf/anonnet/wire"
)

// buildHopChain returns the originator-side hop list and, separately,
// each relay's own single-layer HopCrypto, for N simulated hops.
func buildHopChain(t *testing.T, n int) ([]*Hop, []*HopCrypto) {
	t.Helper()
	originatorHops := make([]*Hop, n)
	relayCryptos := make([]*HopCrypto, n)
	for i := 0; i < n; i++ {
		orig, hop := hopPair(t)
		originatorHops[i] = &Hop{Crypto: orig}
		relayCryptos[i] = hop
	}
	return originatorHops, relayCryptos
}

func TestSealOutwardPeeledInOrder(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		hops, relays := buildHopChain(t, n)
		rc := &wire.RelayCell{RelayCmd: wire.RelayData, Payload: []byte("payload")}
		plain, err := encodeRelayCell(rc)
		if err != nil {
			t.Fatalf("encodeRelayCell: %v", err)
		}

		ct, err := sealOutward(hops, plain)
		if err != nil {
			t.Fatalf("sealOutward(n=%d): %v", n, err)
		}

		// Each relay peels exactly one layer, hop 1 first.
		for i := 0; i < n; i++ {
			peeled, err := relays[i].OpenOutward(ct)
			if err != nil {
				t.Fatalf("hop %d OpenOutward: %v", i, err)
			}
			ct = peeled
		}

		if len(ct) != wire.CellBodySize {
			t.Fatalf("n=%d: final peel length = %d, want %d", n, len(ct), wire.CellBodySize)
		}
		got, err := wire.DecodeRelayCell(ct)
		if err != nil {
			t.Fatalf("DecodeRelayCell: %v", err)
		}
		if !verifyRelayDigest(got) {
			t.Fatalf("n=%d: digest mismatch after full peel", n)
		}
		if !bytes.Equal(got.Payload, rc.Payload) {
			t.Fatalf("n=%d: payload = %q, want %q", n, got.Payload, rc.Payload)
		}
	}
}

func TestOpenInwardStripsInOrder(t *testing.T) {
	for _, n := range []int{1, 2, 3} {
		hops, relays := buildHopChain(t, n)
		rc := &wire.RelayCell{RelayCmd: wire.RelayExtended, Payload: []byte("ephemeral-pub-bytes-000000000000")}
		plain, err := encodeRelayCell(rc)
		if err != nil {
			t.Fatalf("encodeRelayCell: %v", err)
		}

		// Every hop from the terminal one back to hop 1 adds a layer.
		ct := plain
		for i := n - 1; i >= 0; i-- {
			sealed, err := relays[i].SealInward(ct)
			if err != nil {
				t.Fatalf("hop %d SealInward: %v", i, err)
			}
			ct = sealed
		}

		opened, err := openInward(hops, ct)
		if err != nil {
			t.Fatalf("openInward(n=%d): %v", n, err)
		}
		if len(opened) != wire.CellBodySize {
			t.Fatalf("n=%d: opened length = %d, want %d", n, len(opened), wire.CellBodySize)
		}
		got, err := wire.DecodeRelayCell(opened)
		if err != nil {
			t.Fatalf("DecodeRelayCell: %v", err)
		}
		if !verifyRelayDigest(got) {
			t.Fatalf("n=%d: digest mismatch after full strip", n)
		}
	}
}

func TestIntermediatePeelIsNotRecognised(t *testing.T) {
	hops, relays := buildHopChain(t, 3)
	rc := &wire.RelayCell{RelayCmd: wire.RelayData, Payload: []byte("x")}
	plain, err := encodeRelayCell(rc)
	if err != nil {
		t.Fatalf("encodeRelayCell: %v", err)
	}
	ct, err := sealOutward(hops, plain)
	if err != nil {
		t.Fatalf("sealOutward: %v", err)
	}

	peeledAtHop1, err := relays[0].OpenOutward(ct)
	if err != nil {
		t.Fatalf("hop 0 OpenOutward: %v", err)
	}
	if len(peeledAtHop1) == wire.CellBodySize {
		t.Fatal("hop 0 (non-terminal) produced a full-length plaintext, expected still-wrapped ciphertext")
	}
}
