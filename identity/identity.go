/*
Package identity implements the long-lived peer keypair, the derived
NodeId, and the proof-of-work gate a NodeId must satisfy before any peer
will accept a handshake claiming it.

Grounded on PeernetOfficial-core's Peer ID.go (secp256k1 keypair via
btcec, NodeId = blake3(compressed public key)) and on
_examples/original_source/crates/core/src/identity/pow.rs for the
proof-of-work predicate shape: hash(public_key ∥ witness) has ≥ D
leading zero bits; no timestamp
field — the credit-scoring use of the timestamp in original_source is
ledger business and out of scope here).
*/
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec"
	"lukechampine.com/blake3"
)

// NodeIDSize is the length in bytes of a NodeId (128 bits).
const NodeIDSize = 16

// NodeID is the Kademlia-space identifier of a peer: the first NodeIDSize
// bytes of blake3(compressed public key).
type NodeID [NodeIDSize]byte

// String renders the NodeID as hex, for logging.
func (n NodeID) String() string {
	return fmt.Sprintf("%x", n[:])
}

// Distance returns the XOR (Kademlia) distance between two NodeIDs.
func Distance(a, b NodeID) NodeID {
	var d NodeID
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

// Less reports whether a is closer to nothing (i.e. lexicographically
// smaller) than b — used only for deterministic tie-breaks, never for distance comparisons.
func Less(a, b NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// DeriveNodeID computes the NodeId for a public key.
func DeriveNodeID(pub *btcec.PublicKey) NodeID {
	sum := blake3.Sum256(pub.SerializeCompressed())
	var id NodeID
	copy(id[:], sum[:NodeIDSize])
	return id
}

// ProofOfWork is a witness that hash(public_key ∥ witness) has at least
// Difficulty leading zero bits.
type ProofOfWork struct {
	Witness    uint64
	Difficulty uint8
}

// hashWitness computes hash(public_key ∥ witness) as blake3.
func hashWitness(pubCompressed []byte, witness uint64) [32]byte {
	buf := make([]byte, len(pubCompressed)+8)
	copy(buf, pubCompressed)
	binary.LittleEndian.PutUint64(buf[len(pubCompressed):], witness)
	return blake3.Sum256(buf)
}

func leadingZeroBits(h [32]byte) int {
	count := 0
	for _, b := range h {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return count
			}
			count++
		}
	}
	return count
}

// Mine performs a linear search over the witness counter until the PoW
// predicate is satisfied. It is deterministic in outcome (the first
// satisfying witness) but not in wall-clock time; the only observable
// side effect is CPU time.
func Mine(pub *btcec.PublicKey, difficulty uint8) ProofOfWork {
	compressed := pub.SerializeCompressed()
	for witness := uint64(0); ; witness++ {
		h := hashWitness(compressed, witness)
		if leadingZeroBits(h) >= int(difficulty) {
			return ProofOfWork{Witness: witness, Difficulty: difficulty}
		}
	}
}

// Verify reports whether the witness satisfies the PoW predicate for pub
// at the claimed difficulty.
func Verify(pub *btcec.PublicKey, pow ProofOfWork) bool {
	h := hashWitness(pub.SerializeCompressed(), pow.Witness)
	return leadingZeroBits(h) >= int(pow.Difficulty)
}

// Identity is a node's long-lived cryptographic identity.
type Identity struct {
	PrivateKey *btcec.PrivateKey
	PublicKey  *btcec.PublicKey
	NodeID     NodeID
	PoW        ProofOfWork
}

// Generate creates a fresh Identity: a secp256k1 keypair, its derived
// NodeId, and a proof-of-work witness at the given difficulty.
func Generate(difficulty uint8) (*Identity, error) {
	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	pub := priv.PubKey()
	pow := Mine(pub, difficulty)
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		NodeID:     DeriveNodeID(pub),
		PoW:        pow,
	}, nil
}

// FromPrivateKeyBytes reconstructs an Identity from a persisted private
// key and proof-of-work, without re-mining (used when loading
// identity.key on startup).
func FromPrivateKeyBytes(raw []byte, pow ProofOfWork) (*Identity, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty private key")
	}
	priv, pub := btcec.PrivKeyFromBytes(btcec.S256(), raw)
	return &Identity{
		PrivateKey: priv,
		PublicKey:  pub,
		NodeID:     DeriveNodeID(pub),
		PoW:        pow,
	}, nil
}

// VerifyRemote validates a claimed remote identity: the NodeId must
// match derive(public_key), and the PoW witness must validate against it.
func VerifyRemote(claimedNodeID NodeID, pub *btcec.PublicKey, pow ProofOfWork) bool {
	if DeriveNodeID(pub) != claimedNodeID {
		return false
	}
	return Verify(pub, pow)
}

// RandomChallenge returns a fresh 32-byte random nonce, used in the
// transport handshake's challenge/response step.
func RandomChallenge() ([32]byte, error) {
	var c [32]byte
	_, err := rand.Read(c[:])
	return c, err
}
