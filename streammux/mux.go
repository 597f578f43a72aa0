package streammux

import (
	"context"
	"sync"
	"time"

	"github.com/a7maadf/anonnet/anonerr"
	"github.com/a7maadf/anonnet/circuit"
	"github.com/a7maadf/anonnet/wire"
	"go.uber.org/zap"
)

// openTimeout bounds how long OpenStream waits for CONNECTED before
// giving up, mirroring rendezvous.replyTimeout's role for its own
// handshake replies.
const openTimeout = 20 * time.Second

type streamKey struct {
	circ *circuit.Circuit
	id   uint16
}

// Mux dispatches BEGIN/DATA/END/CONNECTED/SENDME relay cells for every
// stream multiplexed onto circuits it has been bound to, and both opens
// new streams as a dialer (OpenStream) and accepts inbound ones once
// OnAccept is installed.
//
// A rendezvous splice makes both the client and the service circuit
// originators in their own right, meeting only at a relay-only
// rendezvous point (see circuit.Manager.ForwardAcrossLink); stream
// traffic for either side therefore always arrives through that side's
// own circuit.Manager.OnInward, never OnTerminal, so one OnInward-keyed
// dispatcher serves both roles.
type Mux struct {
	manager *circuit.Manager
	logger  *zap.Logger

	mutex    sync.Mutex
	streams  map[streamKey]*Stream
	nextID   map[*circuit.Circuit]uint16
	crypto   map[*circuit.Circuit]*circuit.HopCrypto
	onAccept func(circ *circuit.Circuit, targetPort uint16, stream *Stream)
}

// NewMux creates a stream multiplexer bound to manager.
func NewMux(manager *circuit.Manager, logger *zap.Logger) *Mux {
	return &Mux{
		manager: manager,
		logger:  logger,
		streams: make(map[streamKey]*Stream),
		nextID:  make(map[*circuit.Circuit]uint16),
		crypto:  make(map[*circuit.Circuit]*circuit.HopCrypto),
	}
}

// Bind records the end-to-end crypto layer (nil for an ordinary circuit
// with no rendezvous splice) that streams opened or accepted on circ must
// use. Call once a circuit is ready to carry stream traffic, before any
// OpenStream call or inbound BEGIN on it.
func (m *Mux) Bind(circ *circuit.Circuit, crypto *circuit.HopCrypto) {
	m.mutex.Lock()
	m.crypto[circ] = crypto
	m.mutex.Unlock()
}

// Unbind drops a circuit's crypto binding and any of its streams still
// tracked, once the circuit itself has been destroyed.
func (m *Mux) Unbind(circ *circuit.Circuit) {
	m.mutex.Lock()
	delete(m.crypto, circ)
	delete(m.nextID, circ)
	for key := range m.streams {
		if key.circ == circ {
			delete(m.streams, key)
		}
	}
	m.mutex.Unlock()
}

// OnAccept installs the callback invoked once per inbound BEGIN. The
// callback runs in its own goroutine with an already-CONNECTED stream and
// owns its lifecycle, typically dialing a local TCP target identified by
// targetPort and copying bytes both directions until either side closes.
// A nil callback (the default) refuses every inbound BEGIN with END.
func (m *Mux) OnAccept(fn func(circ *circuit.Circuit, targetPort uint16, stream *Stream)) {
	m.mutex.Lock()
	m.onAccept = fn
	m.mutex.Unlock()
}

func (m *Mux) allocateID(circ *circuit.Circuit) uint16 {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	id := m.nextID[circ] + 1
	m.nextID[circ] = id
	return id
}

// OpenStream sends BEGIN for targetPort on circ and blocks until the peer
// replies CONNECTED (or END, or ctx/timeout expires).
func (m *Mux) OpenStream(ctx context.Context, circ *circuit.Circuit, targetPort uint16) (*Stream, error) {
	id := m.allocateID(circ)
	m.mutex.Lock()
	crypto := m.crypto[circ]
	m.mutex.Unlock()

	s := newStream(id, circ, m, crypto)
	m.mutex.Lock()
	m.streams[streamKey{circ, id}] = s
	m.mutex.Unlock()

	begin := &wire.RelayCell{RelayCmd: wire.RelayBegin, StreamID: id, Payload: encodeBegin(&beginBody{TargetPort: targetPort})}
	if err := m.manager.SendRelay(circ, begin); err != nil {
		m.removeStream(circ, id)
		return nil, anonerr.Wrap(anonerr.CircuitFault, "streammux.OpenStream", "send BEGIN", err)
	}

	select {
	case err := <-s.connected:
		if err != nil {
			m.removeStream(circ, id)
			return nil, err
		}
		return s, nil
	case <-time.After(openTimeout):
		m.removeStream(circ, id)
		return nil, anonerr.New(anonerr.CircuitFault, "streammux.OpenStream", "timed out waiting for CONNECTED")
	case <-ctx.Done():
		m.removeStream(circ, id)
		return nil, anonerr.Wrap(anonerr.Local, "streammux.OpenStream", "context cancelled", ctx.Err())
	}
}

func (m *Mux) removeStream(circ *circuit.Circuit, id uint16) {
	m.mutex.Lock()
	delete(m.streams, streamKey{circ, id})
	m.mutex.Unlock()
}

// HandleInward claims BEGIN/DATA/END/CONNECTED/SENDME relay cells
// arriving on any circuit and reports whether it
// consumed rc, so a composite dispatcher (assembled in the node package)
// knows not to try another handler.
func (m *Mux) HandleInward(circ *circuit.Circuit, rc *wire.RelayCell) bool {
	switch rc.RelayCmd {
	case wire.RelayBegin, wire.RelayData, wire.RelayEnd, wire.RelayConnected, wire.RelaySendme:
	default:
		return false
	}

	key := streamKey{circ, rc.StreamID}
	m.mutex.Lock()
	s, ok := m.streams[key]
	onAccept := m.onAccept
	crypto := m.crypto[circ]
	m.mutex.Unlock()

	switch rc.RelayCmd {
	case wire.RelayBegin:
		if ok {
			return true // duplicate BEGIN on a live stream id, drop
		}
		body, err := decodeBegin(rc.Payload)
		if err != nil {
			m.logger.Debug("streammux: malformed BEGIN", zap.Error(err))
			return true
		}
		ns := newStream(rc.StreamID, circ, m, crypto)
		m.mutex.Lock()
		m.streams[key] = ns
		m.mutex.Unlock()
		if onAccept == nil {
			m.reject(circ, rc.StreamID, endRefused)
			m.removeStream(circ, rc.StreamID)
			return true
		}
		if err := m.manager.SendRelay(circ, &wire.RelayCell{RelayCmd: wire.RelayConnected, StreamID: rc.StreamID}); err != nil {
			m.logger.Debug("streammux: sending CONNECTED", zap.Error(err))
			m.removeStream(circ, rc.StreamID)
			return true
		}
		go onAccept(circ, body.TargetPort, ns)
		return true

	case wire.RelayConnected:
		if ok {
			select {
			case s.connected <- nil:
			default:
			}
		}
		return true

	case wire.RelayData:
		if ok {
			s.deliverData(rc.Payload)
		}
		return true

	case wire.RelaySendme:
		if ok {
			s.deliverSendme()
		}
		return true

	case wire.RelayEnd:
		if ok {
			s.deliverEnd()
			select {
			case s.connected <- anonerr.New(anonerr.ServiceUnreachable, "streammux", "stream refused"):
			default:
			}
			m.removeStream(circ, rc.StreamID)
		}
		return true
	}
	return true
}

func (m *Mux) reject(circ *circuit.Circuit, id uint16, reason endReason) {
	_ = m.manager.SendRelay(circ, &wire.RelayCell{RelayCmd: wire.RelayEnd, StreamID: id, Payload: encodeEnd(reason)})
}
