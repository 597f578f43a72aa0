// Package transport provides authenticated-encrypted connections between
// nodes and the bidirectional framed streams multiplexed over them.
//
// Grounded on PeernetOfficial-core's Network.go (UDP socket lifecycle,
// a per-socket read loop handing decoded packets to worker goroutines)
// generalized to TCP-style reliable connections with length-prefixed
// framing, since circuit cells require in-order delivery per link.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// MaxFrameSize is the upper bound on a single framed message.
const MaxFrameSize = 10 << 20 // 10 MiB

const frameHeaderSize = 4

// writeFrame writes a length-prefixed frame to w.
func writeFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds max %d", len(payload), MaxFrameSize)
	}
	var header [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one length-prefixed frame from r.
func readFrame(r io.Reader) ([]byte, error) {
	var header [frameHeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint32(header[:])
	if length > MaxFrameSize {
		return nil, fmt.Errorf("transport: incoming frame of %d bytes exceeds max %d", length, MaxFrameSize)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
