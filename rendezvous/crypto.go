package rendezvous

import (
	"crypto/rand"
	"fmt"

	"github.com/a7maadf/anonnet/circuit"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// introduceKeyLabel domain-separates the ECIES-style key sealing
// INTRODUCE1's inner plaintext from every other KDF use in this system.
const introduceKeyLabel = "anonnet-rendezvous-introduce"

func newX25519KeyPair() (priv, pub [32]byte, err error) {
	if _, err = rand.Read(priv[:]); err != nil {
		return priv, pub, fmt.Errorf("rendezvous: generate key pair: %w", err)
	}
	priv[0] &= 248
	priv[31] &= 127
	priv[31] |= 64
	curve25519.ScalarBaseMult(&pub, &priv)
	return priv, pub, nil
}

func x25519Shared(priv, theirPub [32]byte) [32]byte {
	var shared [32]byte
	curve25519.ScalarMult(&shared, &priv, &theirPub)
	return shared
}

func introduceKey(shared [32]byte) [32]byte {
	h := blake3.New(32, nil)
	h.Write([]byte(introduceKeyLabel))
	h.Write(shared[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// sealToService anonymously seals plaintext to servicePub, generating a
// fresh ephemeral key pair for the purpose (the ephemeral public key
// travels alongside the ciphertext in the clear; only the service's
// static private key can derive the shared secret needed to open it).
func sealToService(servicePub [32]byte, plaintext []byte) (ephemeralPriv [32]byte, ephemeralPub [32]byte, ciphertext []byte, err error) {
	ephPriv, ephPub, err := newX25519KeyPair()
	if err != nil {
		return ephemeralPriv, ephemeralPub, nil, err
	}
	shared := x25519Shared(ephPriv, servicePub)
	key := introduceKey(shared)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return ephemeralPriv, ephemeralPub, nil, fmt.Errorf("rendezvous: init introduce cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte // single-use ephemeral key, zero nonce is safe
	return ephPriv, ephPub, aead.Seal(nil, nonce[:], plaintext, nil), nil
}

// openFromClient reverses sealToService at the service, given its static
// private key and the client's ephemeral public value.
func openFromClient(servicePriv [32]byte, ephemeralPub [32]byte, ciphertext []byte) ([]byte, error) {
	shared := x25519Shared(servicePriv, ephemeralPub)
	key := introduceKey(shared)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("rendezvous: init introduce cipher: %w", err)
	}
	var nonce [chacha20poly1305.NonceSize]byte
	return aead.Open(nil, nonce[:], ciphertext, nil)
}

// deriveEndToEnd computes the client/service shared rendezvous session
// key from their ephemeral DH values and wraps it the same way every
// circuit hop's onion layer is: independent forward/backward AEADs with
// independent nonce counters (circuit.HopCrypto), reused here rather than
// duplicated since a rendezvous session is cryptographically just one
// more hop — the innermost one, known only to the two endpoints.
func deriveEndToEnd(myPriv [32]byte, theirPub [32]byte, isClient bool) (*circuit.HopCrypto, error) {
	shared := x25519Shared(myPriv, theirPub)
	return circuit.NewHopCrypto(shared, isClient)
}
