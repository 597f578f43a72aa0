package circuit

import (
	"encoding/binary"

	"github.com/a7maadf/anonnet/wire"
	"lukechampine.com/blake3"
)

func digest32(buf []byte) uint32 {
	sum := blake3.Sum256(buf)
	return binary.LittleEndian.Uint32(sum[:4])
}

// padToCellBody pads plaintext up to wire.CellBodySize with zero bytes,
// so every circuit's first onion layer starts from the same ciphertext
// length regardless of how many hops it will eventually have.
func padToCellBody(plaintext []byte) []byte {
	if len(plaintext) >= wire.CellBodySize {
		return plaintext
	}
	padded := make([]byte, wire.CellBodySize)
	copy(padded, plaintext)
	return padded
}

// sealOutward wraps plaintext in one AEAD layer per hop, applied in the
// order hN, h(N-1), ..., h1 per §4.5 so that h1 (the node closest to the
// originator) peels the outermost layer first.
func sealOutward(hops []*Hop, plaintext []byte) ([]byte, error) {
	ct := padToCellBody(plaintext)
	var err error
	for i := len(hops) - 1; i >= 0; i-- {
		ct, err = hops[i].Crypto.SealOutward(ct)
		if err != nil {
			return nil, err
		}
	}
	return ct, nil
}

// openInward strips each hop's return-path layer in order h1, h2, ...,
// hN, the originator's side of a RELAY cell coming back from the
// circuit.
func openInward(hops []*Hop, ciphertext []byte) ([]byte, error) {
	pt := ciphertext
	var err error
	for i := 0; i < len(hops); i++ {
		pt, err = hops[i].Crypto.OpenInward(pt)
		if err != nil {
			return nil, err
		}
	}
	return pt, nil
}

// encodeRelayCell builds the padded plaintext for a RelayCell, computing
// its digest over the canonical payload bytes before any onion layer is
// applied.
func encodeRelayCell(r *wire.RelayCell) ([]byte, error) {
	r.Digest = relayDigest(r)
	return r.Encode()
}

// relayDigest computes a truncated blake3 digest over the relay
// command, stream id and payload, used the same way
// original_source/crates/core/src/circuit/types.rs's RelayCell verifies
// its own integrity independent of the per-hop AEAD tag (the AEAD
// authenticates the link, this digest authenticates the end-to-end
// relay payload across re-encryption at each hop).
func relayDigest(r *wire.RelayCell) uint32 {
	buf := make([]byte, 1+2+len(r.Payload))
	buf[0] = byte(r.RelayCmd)
	buf[1] = byte(r.StreamID)
	buf[2] = byte(r.StreamID >> 8)
	copy(buf[3:], r.Payload)
	return digest32(buf)
}

func verifyRelayDigest(r *wire.RelayCell) bool {
	return r.Digest == relayDigest(r)
}
