package transport

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
)

// envelope flags multiplex independent byte streams over one Session.
const (
	flagOpen byte = iota
	flagData
	flagClose
)

func encodeEnvelope(streamID uint32, flag byte, payload []byte) []byte {
	buf := make([]byte, 5+len(payload))
	binary.LittleEndian.PutUint32(buf[:4], streamID)
	buf[4] = flag
	copy(buf[5:], payload)
	return buf
}

func decodeEnvelope(raw []byte) (streamID uint32, flag byte, payload []byte, err error) {
	if len(raw) < 5 {
		return 0, 0, nil, errors.New("transport: envelope truncated")
	}
	streamID = binary.LittleEndian.Uint32(raw[:4])
	flag = raw[4]
	payload = raw[5:]
	return streamID, flag, payload, nil
}

// Stream is one bidirectional, ordered byte channel multiplexed over a
// Session, analogous to a single QUIC/yamux stream: each stream's bytes
// are length-prefixed messages, not a raw byte pipe, because circuit
// cells are always exchanged as whole fixed-size units.
type Stream struct {
	id      uint32
	session *Session

	inbound chan []byte
	closeOnce sync.Once
	closed  chan struct{}
}

// ID returns the stream's session-local identifier.
func (st *Stream) ID() uint32 { return st.id }

// Send writes one message to the peer on this stream.
func (st *Stream) Send(payload []byte) error {
	return st.session.sendMessage(encodeEnvelope(st.id, flagData, payload))
}

// Recv blocks until the next message arrives on this stream, or returns
// io.EOF once the stream (or its session) has closed.
func (st *Stream) Recv() ([]byte, error) {
	select {
	case msg, ok := <-st.inbound:
		if !ok {
			return nil, io.EOF
		}
		return msg, nil
	case <-st.closed:
		return nil, io.EOF
	}
}

// Close half-closes the stream from the local side and notifies the peer.
func (st *Stream) Close() error {
	err := st.session.sendMessage(encodeEnvelope(st.id, flagClose, nil))
	st.closeLocally()
	return err
}

func (st *Stream) closeLocally() {
	st.closeOnce.Do(func() { close(st.closed) })
}

// OpenStream allocates a new session-local stream id and notifies the
// peer that it is open.
func (s *Session) OpenStream() (*Stream, error) {
	s.streamsMutex.Lock()
	if s.closed {
		s.streamsMutex.Unlock()
		return nil, errors.New("transport: session closed")
	}
	id := s.nextStreamID
	s.nextStreamID += 2 // even/odd split keeps both sides' ids disjoint
	st := &Stream{id: id, session: s, inbound: make(chan []byte, 64), closed: make(chan struct{})}
	s.streams[id] = st
	s.streamsMutex.Unlock()

	if err := s.sendMessage(encodeEnvelope(id, flagOpen, nil)); err != nil {
		return nil, fmt.Errorf("transport: open stream: %w", err)
	}
	return st, nil
}

// AcceptStream blocks until the peer opens a new stream.
func (s *Session) AcceptStream() (*Stream, error) {
	st, ok := <-s.acceptQueue
	if !ok {
		return nil, errors.New("transport: session closed")
	}
	return st, nil
}

// Run drives the session's receive loop, dispatching envelopes to their
// streams, until the connection errs out or Close is called. Callers run
// this in its own goroutine per session.
func (s *Session) Run() error {
	for {
		raw, err := s.recvMessage()
		if err != nil {
			s.Close()
			return err
		}
		streamID, flag, payload, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}

		switch flag {
		case flagOpen:
			s.streamsMutex.Lock()
			if s.closed {
				s.streamsMutex.Unlock()
				continue
			}
			st := &Stream{id: streamID, session: s, inbound: make(chan []byte, 64), closed: make(chan struct{})}
			s.streams[streamID] = st
			s.streamsMutex.Unlock()
			select {
			case s.acceptQueue <- st:
			default:
			}

		case flagData:
			s.streamsMutex.Lock()
			st := s.streams[streamID]
			s.streamsMutex.Unlock()
			if st == nil {
				continue
			}
			select {
			case st.inbound <- payload:
			case <-st.closed:
			}

		case flagClose:
			s.streamsMutex.Lock()
			st := s.streams[streamID]
			delete(s.streams, streamID)
			s.streamsMutex.Unlock()
			if st != nil {
				close(st.inbound)
			}
		}
	}
}
