package circuit

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// ephemeralKeyPair is a one-shot X25519 key pair consumed by exactly one
// hop's key exchange, matching original_source's EphemeralKeyPair
// forward-secrecy contract (the private half is never reused). Mirrors
// the clamping transport/handshake.go already performs for its own
// ephemeral exchange.
type ephemeralKeyPair struct {
	priv [32]byte
	pub  [32]byte
}

func newEphemeralKeyPair() (*ephemeralKeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return nil, fmt.Errorf("circuit: generate ephemeral key: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	var pub [32]byte
	curve25519.ScalarBaseMult(&pub, &priv)
	return &ephemeralKeyPair{priv: priv, pub: pub}, nil
}

func (k *ephemeralKeyPair) sharedSecret(theirPub [32]byte) [32]byte {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &k.priv, &theirPub)
	return shared
}
