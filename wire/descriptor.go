/*
ServiceDescriptor canonical encoding and signing.

Encoding follows the teacher's length-prefixed field style seen in
protocol/Message Encoding.go (each variable-length field prefixed with
its size, fixed-size scalars inline); signing follows Blockchain.go's
pattern of signing the canonical byte encoding of everything except the
signature itself.
*/
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/btcsuite/btcd/btcec"
	"lukechampine.com/blake3"
)

// DescriptorVersion is the current on-wire descriptor format version.
// Bumping it is how forward compatibility is reserved.
const DescriptorVersion = 1

// MaxIntroPoints is the hard upper bound on intro points a descriptor may list.
const MaxIntroPoints = 8

// IntroPoint is one entry of a ServiceDescriptor's intro_points list.
type IntroPoint struct {
	IntroNodeID [16]byte
	IntroPubKey *btcec.PublicKey
}

// ServiceDescriptor is the signed record published to the DHT at
// key = address.
type ServiceDescriptor struct {
	Version       uint16
	Address       ServiceAddress
	ServicePubKey *btcec.PublicKey
	// ServiceEncPub is the service's long-lived X25519 public key clients
	// seal an INTRODUCE1 request under (§4.6); distinct from ServicePubKey,
	// which is a secp256k1 signing key and not usable for ECDH.
	ServiceEncPub [32]byte
	IntroPoints   []IntroPoint
	CreatedAt     time.Time
	TTL           time.Duration
	Signature     []byte // DER-encoded ECDSA signature over EncodeForSigning()
}

// EncodeForSigning returns the canonical byte encoding covering every
// field except Signature itself.
func (d *ServiceDescriptor) EncodeForSigning() []byte {
	var buf bytes.Buffer
	var tmp2 [2]byte
	var tmp8 [8]byte

	binary.LittleEndian.PutUint16(tmp2[:], d.Version)
	buf.Write(tmp2[:])
	buf.Write(d.Address[:])

	pubBytes := d.ServicePubKey.SerializeCompressed()
	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(pubBytes)))
	buf.Write(tmp2[:])
	buf.Write(pubBytes)
	buf.Write(d.ServiceEncPub[:])

	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(d.IntroPoints)))
	buf.Write(tmp2[:])
	for _, ip := range d.IntroPoints {
		buf.Write(ip.IntroNodeID[:])
		ipub := ip.IntroPubKey.SerializeCompressed()
		binary.LittleEndian.PutUint16(tmp2[:], uint16(len(ipub)))
		buf.Write(tmp2[:])
		buf.Write(ipub)
	}

	binary.LittleEndian.PutUint64(tmp8[:], uint64(d.CreatedAt.Unix()))
	buf.Write(tmp8[:])
	binary.LittleEndian.PutUint64(tmp8[:], uint64(d.TTL.Seconds()))
	buf.Write(tmp8[:])

	return buf.Bytes()
}

// Encode serializes the full descriptor, signature included, for
// storage in the DHT or the local descriptor cache.
func (d *ServiceDescriptor) Encode() []byte {
	var buf bytes.Buffer
	buf.Write(d.EncodeForSigning())
	var tmp2 [2]byte
	binary.LittleEndian.PutUint16(tmp2[:], uint16(len(d.Signature)))
	buf.Write(tmp2[:])
	buf.Write(d.Signature)
	return buf.Bytes()
}

// DecodeDescriptor parses bytes produced by Encode.
func DecodeDescriptor(raw []byte) (*ServiceDescriptor, error) {
	r := bytes.NewReader(raw)
	var tmp2 [2]byte
	var tmp8 [8]byte

	if _, err := io.ReadFull(r, tmp2[:]); err != nil {
		return nil, errors.New("wire: descriptor truncated at version")
	}
	d := &ServiceDescriptor{Version: binary.LittleEndian.Uint16(tmp2[:])}

	if _, err := io.ReadFull(r, d.Address[:]); err != nil {
		return nil, errors.New("wire: descriptor truncated at address")
	}

	if _, err := io.ReadFull(r, tmp2[:]); err != nil {
		return nil, errors.New("wire: descriptor truncated at pubkey length")
	}
	pubLen := binary.LittleEndian.Uint16(tmp2[:])
	pubBytes := make([]byte, pubLen)
	if _, err := io.ReadFull(r, pubBytes); err != nil {
		return nil, errors.New("wire: descriptor truncated at pubkey")
	}
	pub, err := btcec.ParsePubKey(pubBytes, btcec.S256())
	if err != nil {
		return nil, errors.New("wire: descriptor public key malformed")
	}
	d.ServicePubKey = pub

	if _, err := io.ReadFull(r, d.ServiceEncPub[:]); err != nil {
		return nil, errors.New("wire: descriptor truncated at encryption public key")
	}

	if _, err := io.ReadFull(r, tmp2[:]); err != nil {
		return nil, errors.New("wire: descriptor truncated at intro count")
	}
	introCount := int(binary.LittleEndian.Uint16(tmp2[:]))
	if introCount < 1 || introCount > MaxIntroPoints {
		return nil, errors.New("wire: descriptor intro point count out of range")
	}
	d.IntroPoints = make([]IntroPoint, introCount)
	for i := range d.IntroPoints {
		var ip IntroPoint
		if _, err := io.ReadFull(r, ip.IntroNodeID[:]); err != nil {
			return nil, errors.New("wire: descriptor truncated at intro node id")
		}
		if _, err := io.ReadFull(r, tmp2[:]); err != nil {
			return nil, errors.New("wire: descriptor truncated at intro pubkey length")
		}
		ipLen := binary.LittleEndian.Uint16(tmp2[:])
		ipBytes := make([]byte, ipLen)
		if _, err := io.ReadFull(r, ipBytes); err != nil {
			return nil, errors.New("wire: descriptor truncated at intro pubkey")
		}
		ipub, err := btcec.ParsePubKey(ipBytes, btcec.S256())
		if err != nil {
			return nil, errors.New("wire: descriptor intro public key malformed")
		}
		ip.IntroPubKey = ipub
		d.IntroPoints[i] = ip
	}

	if _, err := io.ReadFull(r, tmp8[:]); err != nil {
		return nil, errors.New("wire: descriptor truncated at created_at")
	}
	d.CreatedAt = time.Unix(int64(binary.LittleEndian.Uint64(tmp8[:])), 0).UTC()
	if _, err := io.ReadFull(r, tmp8[:]); err != nil {
		return nil, errors.New("wire: descriptor truncated at ttl")
	}
	d.TTL = time.Duration(binary.LittleEndian.Uint64(tmp8[:])) * time.Second

	if _, err := io.ReadFull(r, tmp2[:]); err != nil {
		return nil, errors.New("wire: descriptor truncated at signature length")
	}
	sigLen := binary.LittleEndian.Uint16(tmp2[:])
	d.Signature = make([]byte, sigLen)
	if _, err := io.ReadFull(r, d.Signature); err != nil {
		return nil, errors.New("wire: descriptor truncated at signature")
	}

	return d, nil
}

// Sign signs the descriptor in place using the service's long-term
// signing key. Address and ServicePubKey must already be set.
func (d *ServiceDescriptor) Sign(priv *btcec.PrivateKey) error {
	digest := blake3.Sum256(d.EncodeForSigning())
	sig, err := priv.Sign(digest[:])
	if err != nil {
		return err
	}
	d.Signature = sig.Serialize()
	return nil
}

// Verify checks that the signature verifies, that deriving an address
// from ServicePubKey matches Address, and that the descriptor has not
// expired (created_at + ttl > now).
func (d *ServiceDescriptor) Verify(now time.Time) error {
	if d.ServicePubKey == nil {
		return errors.New("wire: descriptor missing service public key")
	}
	if DeriveServiceAddress(d.ServicePubKey) != d.Address {
		return errors.New("wire: descriptor address does not match derive(public_key)")
	}
	if len(d.IntroPoints) < 1 || len(d.IntroPoints) > MaxIntroPoints {
		return errors.New("wire: descriptor intro point count out of range")
	}
	if !d.CreatedAt.Add(d.TTL).After(now) {
		return errors.New("wire: descriptor expired")
	}
	sig, err := btcec.ParseDERSignature(d.Signature, btcec.S256())
	if err != nil {
		return errors.New("wire: descriptor signature malformed")
	}
	digest := blake3.Sum256(d.EncodeForSigning())
	if !sig.Verify(digest[:], d.ServicePubKey) {
		return errors.New("wire: descriptor signature does not verify")
	}
	return nil
}

// Equal reports whether two descriptors encode the same signed content.
func (d *ServiceDescriptor) Equal(other *ServiceDescriptor) bool {
	return bytes.Equal(d.EncodeForSigning(), other.EncodeForSigning()) &&
		bytes.Equal(d.Signature, other.Signature)
}
