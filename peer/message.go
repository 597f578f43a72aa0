package peer

import (
	"encoding/binary"
	"errors"
)

// Kind identifies the handler table a message routes to. Every message
// on a peer's main stream starts with a Kind byte and an 8-byte request
// id, following PeernetOfficial-core's Message Encoding.go convention of
// a fixed command byte followed by a structured body.
type Kind byte

const (
	KindPing Kind = iota
	KindPong
	KindDHTFindNode
	KindDHTFindNodeReply
	KindDHTFindValue
	KindDHTFindValueReply
	KindDHTStore
	KindDHTStoreReply
	KindDirectory
	KindDirectoryReply
	KindCircuit // circuit cells: payload is a link cell as encoded by the circuit package, no request/reply correlation
)

type envelope struct {
	Kind      Kind
	RequestID uint64
	Payload   []byte
}

const envelopeHeaderSize = 1 + 8

func encodeEnvelope(e *envelope) []byte {
	buf := make([]byte, envelopeHeaderSize+len(e.Payload))
	buf[0] = byte(e.Kind)
	binary.LittleEndian.PutUint64(buf[1:9], e.RequestID)
	copy(buf[9:], e.Payload)
	return buf
}

func decodeEnvelope(raw []byte) (*envelope, error) {
	if len(raw) < envelopeHeaderSize {
		return nil, errors.New("peer: envelope truncated")
	}
	return &envelope{
		Kind:      Kind(raw[0]),
		RequestID: binary.LittleEndian.Uint64(raw[1:9]),
		Payload:   raw[9:],
	}, nil
}
