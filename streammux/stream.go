/*
Package streammux implements §4.7's per-circuit stream multiplexer:
BEGIN/DATA/END framing plus SENDME-acknowledged send/receive windows,
layered on top of an already-open circuit — ordinary or, via the
optional end-to-end HopCrypto, rendezvous-spliced. Grounded on
transport/stream.go's envelope-multiplexed Stream (one
io.ReadWriteCloser per logical channel, dispatched out of a single
receive loop) generalized from one stream per transport session to many
streams sharing one circuit, with the relay cell's own StreamID taking
the place of transport's envelope-prefixed id.
*/
package streammux

import (
	"io"
	"sync"

	"github.com/a7maadf/anonnet/anonerr"
	"github.com/a7maadf/anonnet/circuit"
	"github.com/a7maadf/anonnet/config"
	"github.com/a7maadf/anonnet/wire"
	"go.uber.org/zap"
)

type streamState int

const (
	stateOpen streamState = iota
	stateHalfClosedLocal
	stateHalfClosedRemote
	stateClosed
)

// Stream is one BEGIN/DATA/END-framed byte pipe multiplexed onto a
// circuit. It implements io.ReadWriteCloser. Reads are fed whole,
// cell-boundary-aligned chunks but Read itself behaves like an ordinary
// byte stream: a short Read only returns less than len(p) if that is all
// the currently buffered chunk holds.
type Stream struct {
	id     uint16
	circ   *circuit.Circuit
	mux    *Mux
	crypto *circuit.HopCrypto

	mutex        sync.Mutex
	cond         *sync.Cond
	state        streamState
	endDelivered bool
	sendWindow   int
	recvWindow   int

	incoming chan []byte
	leftover []byte // Read-side-only, no lock needed: single caller per io.Reader convention
	connected chan error
}

func newStream(id uint16, circ *circuit.Circuit, mux *Mux, crypto *circuit.HopCrypto) *Stream {
	s := &Stream{
		id:         id,
		circ:       circ,
		mux:        mux,
		crypto:     crypto,
		sendWindow: config.Defaults.SendWindow,
		recvWindow: config.Defaults.RecvWindow,
		incoming:   make(chan []byte, 64),
		connected:  make(chan error, 1),
	}
	s.cond = sync.NewCond(&s.mutex)
	return s
}

// ID returns the stream's circuit-local identifier.
func (s *Stream) ID() uint16 { return s.id }

// Write chunks p into at most config.Defaults.MaxRelayPayload-sized DATA
// cells, blocking while the send window is exhausted until a SENDME
// replenishes it.
func (s *Stream) Write(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > config.Defaults.MaxRelayPayload {
			chunk = chunk[:config.Defaults.MaxRelayPayload]
		}
		if err := s.sendChunk(chunk); err != nil {
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (s *Stream) sendChunk(chunk []byte) error {
	s.mutex.Lock()
	for s.sendWindow <= 0 && s.state != stateClosed && s.state != stateHalfClosedLocal {
		s.cond.Wait()
	}
	if s.state == stateClosed || s.state == stateHalfClosedLocal {
		s.mutex.Unlock()
		return anonerr.New(anonerr.CircuitFault, "streammux.Stream.Write", "stream is closed")
	}
	s.sendWindow--
	s.mutex.Unlock()

	payload := append([]byte(nil), chunk...)
	if s.crypto != nil {
		sealed, err := s.crypto.SealOutward(payload)
		if err != nil {
			return anonerr.Wrap(anonerr.Local, "streammux.Stream.Write", "seal stream payload", err)
		}
		payload = sealed
	}
	if err := s.mux.manager.SendRelay(s.circ, &wire.RelayCell{RelayCmd: wire.RelayData, StreamID: s.id, Payload: payload}); err != nil {
		return anonerr.Wrap(anonerr.CircuitFault, "streammux.Stream.Write", "send DATA", err)
	}
	return nil
}

// Read drains the next available cell-boundary-aligned chunk (or the
// tail of the previous one) into p.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.leftover) > 0 {
		n := copy(p, s.leftover)
		s.leftover = s.leftover[n:]
		return n, nil
	}
	chunk, ok := <-s.incoming
	if !ok {
		return 0, io.EOF
	}
	n := copy(p, chunk)
	if n < len(chunk) {
		s.leftover = chunk[n:]
	}
	return n, nil
}

// Close half-closes the stream locally and sends END, unless the peer
// already closed its half, in which case the stream is now fully closed.
func (s *Stream) Close() error {
	s.mutex.Lock()
	if s.state == stateClosed || s.state == stateHalfClosedLocal {
		s.mutex.Unlock()
		return nil
	}
	if s.state == stateHalfClosedRemote {
		s.state = stateClosed
	} else {
		s.state = stateHalfClosedLocal
	}
	s.mutex.Unlock()
	s.cond.Broadcast()
	return s.mux.manager.SendRelay(s.circ, &wire.RelayCell{RelayCmd: wire.RelayEnd, StreamID: s.id, Payload: encodeEnd(endNormal)})
}

// deliverData decrypts (if an end-to-end layer is bound) and buffers one
// inbound DATA cell's payload, and emits a SENDME once the receive window
// is exhausted, per §4.7's "SENDME relay cells acknowledge consumed
// windows" back-pressure scheme.
func (s *Stream) deliverData(payload []byte) {
	s.mutex.Lock()
	closed := s.state == stateClosed || s.state == stateHalfClosedRemote
	s.mutex.Unlock()
	if closed {
		return
	}

	plain := payload
	if s.crypto != nil {
		opened, err := s.crypto.OpenInward(payload)
		if err != nil {
			s.mux.logger.Debug("streammux: failed to open DATA payload, dropping", zap.Error(err))
			return
		}
		plain = opened
	}
	select {
	case s.incoming <- plain:
	default:
		s.mux.logger.Warn("streammux: receive buffer full, dropping DATA cell", zap.Uint16("stream_id", s.id))
	}

	s.mutex.Lock()
	s.recvWindow--
	needSendme := s.recvWindow <= 0
	if needSendme {
		s.recvWindow = config.Defaults.RecvWindow
	}
	s.mutex.Unlock()
	if needSendme {
		_ = s.mux.manager.SendRelay(s.circ, &wire.RelayCell{RelayCmd: wire.RelaySendme, StreamID: s.id})
	}
}

// deliverSendme replenishes the send window by the full receive-window
// size the peer just reset to, and wakes any Write blocked on it.
func (s *Stream) deliverSendme() {
	s.mutex.Lock()
	s.sendWindow += config.Defaults.RecvWindow
	s.mutex.Unlock()
	s.cond.Broadcast()
}

// deliverEnd records the peer's half (or full) close and unblocks any
// pending Read/Write.
func (s *Stream) deliverEnd() {
	s.mutex.Lock()
	if s.endDelivered {
		s.mutex.Unlock()
		return
	}
	s.endDelivered = true
	if s.state == stateHalfClosedLocal {
		s.state = stateClosed
	} else {
		s.state = stateHalfClosedRemote
	}
	s.mutex.Unlock()
	close(s.incoming)
	s.cond.Broadcast()
}
