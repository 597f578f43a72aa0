package transport

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/a7maadf/anonnet/identity"
	"github.com/btcsuite/btcd/btcec"
	"golang.org/x/crypto/curve25519"
	"lukechampine.com/blake3"
)

// handshakeMessage is the plaintext exchanged by both sides before the
// session key exists. Encoded manually with explicit length prefixes,
// following wire.ServiceDescriptor's own encoding style.
type handshakeMessage struct {
	Version       uint16
	NodeID        identity.NodeID
	PoWWitness    uint64
	PoWDifficulty uint8
	PublicKey     []byte // compressed secp256k1, for NodeId/PoW/signature verification
	EphemeralPub  [32]byte
	ChallengeNonce [32]byte
}

const handshakeVersion = 1

func encodeHandshake(m *handshakeMessage) []byte {
	buf := make([]byte, 0, 2+identity.NodeIDSize+8+1+2+len(m.PublicKey)+32+32)
	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], m.Version)
	buf = append(buf, tmp2[:]...)
	buf = append(buf, m.NodeID[:]...)
	var tmp8 [8]byte
	binary.LittleEndian.PutUint64(tmp8[:], m.PoWWitness)
	buf = append(buf, tmp8[:]...)
	buf = append(buf, m.PoWDifficulty)
	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(m.PublicKey)))
	buf = append(buf, tmp2[:]...)
	buf = append(buf, m.PublicKey...)
	buf = append(buf, m.EphemeralPub[:]...)
	buf = append(buf, m.ChallengeNonce[:]...)
	return buf
}

func decodeHandshake(raw []byte) (*handshakeMessage, error) {
	const minLen = 2 + identity.NodeIDSize + 8 + 1 + 2 + 32 + 32
	if len(raw) < minLen {
		return nil, errors.New("transport: handshake message truncated")
	}
	m := &handshakeMessage{}
	off := 0
	m.Version = binary.LittleEndian.Uint16(raw[off:])
	off += 2
	copy(m.NodeID[:], raw[off:])
	off += identity.NodeIDSize
	m.PoWWitness = binary.LittleEndian.Uint64(raw[off:])
	off += 8
	m.PoWDifficulty = raw[off]
	off++
	pubLen := int(binary.LittleEndian.Uint16(raw[off:]))
	off += 2
	if off+pubLen+64 > len(raw) {
		return nil, errors.New("transport: handshake message malformed public key length")
	}
	m.PublicKey = append([]byte(nil), raw[off:off+pubLen]...)
	off += pubLen
	copy(m.EphemeralPub[:], raw[off:off+32])
	off += 32
	copy(m.ChallengeNonce[:], raw[off:off+32])
	return m, nil
}

// handshakeSignaturePayload binds a signature to both challenge nonces
// and both ephemeral public values, so a captured signature cannot be
// replayed against a different key exchange.
func handshakeSignaturePayload(localNonce, peerNonce [32]byte, localEph, peerEph [32]byte) []byte {
	buf := make([]byte, 0, 128)
	buf = append(buf, localNonce[:]...)
	buf = append(buf, peerNonce[:]...)
	buf = append(buf, localEph[:]...)
	buf = append(buf, peerEph[:]...)
	return buf
}

// handshake performs the four-step transport handshake and returns an
// established Session. Fails closed on any NodeId/PoW/signature/version
// mismatch; the caller is responsible for closing conn in that case.
func handshake(conn net.Conn, self *identity.Identity, timeout time.Duration) (*Session, error) {
	deadline := time.Now().Add(timeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("transport: set handshake deadline: %w", err)
	}
	defer conn.SetDeadline(time.Time{})

	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, fmt.Errorf("transport: generate ephemeral key: %w", err)
	}
	ephPriv[0] &= 248
	ephPriv[31] &= 127
	ephPriv[31] |= 64
	var ephPub [32]byte
	curve25519.ScalarBaseMult(&ephPub, &ephPriv)

	var localNonce [32]byte
	if _, err := rand.Read(localNonce[:]); err != nil {
		return nil, fmt.Errorf("transport: generate challenge nonce: %w", err)
	}

	local := &handshakeMessage{
		Version:        handshakeVersion,
		NodeID:         self.NodeID,
		PoWWitness:     self.PoW.Witness,
		PoWDifficulty:  self.PoW.Difficulty,
		PublicKey:      self.PublicKey.SerializeCompressed(),
		EphemeralPub:   ephPub,
		ChallengeNonce: localNonce,
	}
	if err := writeFrame(conn, encodeHandshake(local)); err != nil {
		return nil, fmt.Errorf("transport: send handshake: %w", err)
	}

	raw, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: receive handshake: %w", err)
	}
	peer, err := decodeHandshake(raw)
	if err != nil {
		return nil, err
	}
	if peer.Version != handshakeVersion {
		return nil, fmt.Errorf("transport: unsupported peer version %d", peer.Version)
	}

	peerPub, err := btcec.ParsePubKey(peer.PublicKey, btcec.S256())
	if err != nil {
		return nil, fmt.Errorf("transport: malformed peer public key: %w", err)
	}
	if !identity.VerifyRemote(peer.NodeID, peerPub, identity.ProofOfWork{Witness: peer.PoWWitness, Difficulty: peer.PoWDifficulty}) {
		return nil, errors.New("transport: peer NodeId/proof-of-work verification failed")
	}

	localSigPayload := handshakeSignaturePayload(localNonce, peer.ChallengeNonce, ephPub, peer.EphemeralPub)
	localDigest := blake3.Sum256(localSigPayload)
	localSig, err := self.PrivateKey.Sign(localDigest[:])
	if err != nil {
		return nil, fmt.Errorf("transport: sign handshake: %w", err)
	}
	if err := writeFrame(conn, localSig.Serialize()); err != nil {
		return nil, fmt.Errorf("transport: send handshake signature: %w", err)
	}

	peerSigRaw, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("transport: receive handshake signature: %w", err)
	}
	peerSig, err := btcec.ParseDERSignature(peerSigRaw, btcec.S256())
	if err != nil {
		return nil, errors.New("transport: peer handshake signature malformed")
	}
	peerSigPayload := handshakeSignaturePayload(peer.ChallengeNonce, localNonce, peer.EphemeralPub, ephPub)
	peerDigest := blake3.Sum256(peerSigPayload)
	if !peerSig.Verify(peerDigest[:], peerPub) {
		return nil, errors.New("transport: peer handshake signature does not verify")
	}

	var shared [32]byte
	curve25519.ScalarMult(&shared, &ephPriv, &peer.EphemeralPub)

	return newSession(conn, self.NodeID, peer.NodeID, shared)
}
