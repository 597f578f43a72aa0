package circuit

import (
	"encoding/binary"
	"errors"

	"github.com/a7maadf/anonnet/wire"
)

// linkCell is the envelope circuit cells travel in over a peer's
// KindCircuit notify channel: circuit_id + command + a variable-length
// body. wire.Cell's fixed-size array framing models the conceptual,
// per-spec cell shape (and is kept for CREATE/CREATED/DESTROY, whose
// bodies never grow); RELAY cell bodies grow by one AEAD tag per onion
// layer peeled or added, so they are carried here as a length-prefixed
// blob instead of forced into a fixed array, while still being padded up
// to wire.CellBodySize before the first layer is applied so that a
// three-hop circuit cannot be told apart from a one-hop circuit by
// ciphertext length on the wire between the originator and hop 1.
type linkCell struct {
	CircuitID ID
	Command   wire.Command
	Body      []byte
}

const linkCellHeaderSize = 8 + 1 + 2

func encodeLinkCell(c *linkCell) []byte {
	buf := make([]byte, linkCellHeaderSize+len(c.Body))
	binary.LittleEndian.PutUint64(buf[0:8], uint64(c.CircuitID))
	buf[8] = byte(c.Command)
	binary.LittleEndian.PutUint16(buf[9:11], uint16(len(c.Body)))
	copy(buf[linkCellHeaderSize:], c.Body)
	return buf
}

func decodeLinkCell(raw []byte) (*linkCell, error) {
	if len(raw) < linkCellHeaderSize {
		return nil, errors.New("circuit: link cell truncated")
	}
	length := int(binary.LittleEndian.Uint16(raw[9:11]))
	if linkCellHeaderSize+length > len(raw) {
		return nil, errors.New("circuit: link cell body length mismatch")
	}
	return &linkCell{
		CircuitID: ID(binary.LittleEndian.Uint64(raw[0:8])),
		Command:   wire.Command(raw[8]),
		Body:      append([]byte(nil), raw[linkCellHeaderSize:linkCellHeaderSize+length]...),
	}, nil
}

// encodeEphemeralPub / decodeEphemeralPub handle the plaintext
// CREATE/CREATED payloads exchanged directly between two adjacent nodes:
// just an X25519 ephemeral public key.
func encodeEphemeralPub(pub [32]byte) []byte { return append([]byte(nil), pub[:]...) }

func decodeEphemeralPub(raw []byte) ([32]byte, error) {
	var pub [32]byte
	if len(raw) != 32 {
		return pub, errors.New("circuit: malformed ephemeral public key")
	}
	copy(pub[:], raw)
	return pub, nil
}

// extendBody is the plaintext of a RelayExtendInner relay command: where
// to extend to, and the originator's ephemeral public key for the new
// hop's key exchange.
type extendBody struct {
	NextHopAddress string
	EphemeralPub   [32]byte
}

func encodeExtendBody(b *extendBody) []byte {
	addr := []byte(b.NextHopAddress)
	buf := make([]byte, 2+len(addr)+32)
	binary.LittleEndian.PutUint16(buf[0:2], uint16(len(addr)))
	copy(buf[2:], addr)
	copy(buf[2+len(addr):], b.EphemeralPub[:])
	return buf
}

func decodeExtendBody(raw []byte) (*extendBody, error) {
	if len(raw) < 2 {
		return nil, errors.New("circuit: extend body truncated")
	}
	addrLen := int(binary.LittleEndian.Uint16(raw[0:2]))
	if 2+addrLen+32 > len(raw) {
		return nil, errors.New("circuit: extend body malformed")
	}
	b := &extendBody{NextHopAddress: string(raw[2 : 2+addrLen])}
	copy(b.EphemeralPub[:], raw[2+addrLen:2+addrLen+32])
	return b, nil
}
