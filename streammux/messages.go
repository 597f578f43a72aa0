package streammux

import (
	"encoding/binary"
	"errors"
)

// beginBody is BEGIN's payload: which local port on the far side of the
// circuit (service host, or whatever the rendezvous splice leads to) the
// new stream should connect to.
type beginBody struct {
	TargetPort uint16
}

func encodeBegin(b *beginBody) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, b.TargetPort)
	return buf
}

func decodeBegin(raw []byte) (*beginBody, error) {
	if len(raw) != 2 {
		return nil, errors.New("streammux: BEGIN malformed")
	}
	return &beginBody{TargetPort: binary.LittleEndian.Uint16(raw)}, nil
}

// endReason explains why a stream is closing, carried in END's payload.
type endReason uint8

const (
	endNormal endReason = iota
	endRefused
	endError
)

func encodeEnd(reason endReason) []byte {
	return []byte{byte(reason)}
}

func decodeEnd(raw []byte) (endReason, error) {
	if len(raw) != 1 {
		return 0, errors.New("streammux: END malformed")
	}
	return endReason(raw[0]), nil
}
