package peer

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/transport"
	"go.uber.org/zap"
)

// RequestHandler answers an inbound request-kind message with a reply
// payload. Handlers must not block: long work is expected to be
// off-loaded to a task keyed by circuit/stream, per the no-blocking-the-
// ingress-loop rule this package enforces by running each handler call
// in its own goroutine.
type RequestHandler func(ctx context.Context, from *Peer, payload []byte) ([]byte, error)

// NotifyHandler handles a one-way message kind (circuit cells) that has
// no request/reply correlation.
type NotifyHandler func(from *Peer, payload []byte)

// Manager is the connection manager: it owns the peer dictionary,
// accepts and dials transport sessions, and dispatches inbound messages.
type Manager struct {
	self    *identity.Identity
	logger  *zap.Logger
	timeout time.Duration

	mutex sync.RWMutex
	peers map[identity.NodeID]*Peer

	requestMutex    sync.RWMutex
	requestHandlers map[Kind]RequestHandler
	notifyHandlers  map[Kind]NotifyHandler

	pendingMutex sync.Mutex
	pending      map[uint64]chan *envelope

	// OnConnect is invoked exactly once per newly-established peer,
	// after registration, so the caller can insert it into the routing
	// table. It must not block.
	OnConnect func(*Peer)
}

// NewManager creates a connection manager for self.
func NewManager(self *identity.Identity, logger *zap.Logger, handshakeTimeout time.Duration) *Manager {
	return &Manager{
		self:            self,
		logger:          logger,
		timeout:         handshakeTimeout,
		peers:           make(map[identity.NodeID]*Peer),
		requestHandlers: make(map[Kind]RequestHandler),
		notifyHandlers:  make(map[Kind]NotifyHandler),
		pending:         make(map[uint64]chan *envelope),
	}
}

// RegisterRequestHandler installs the handler for an inbound request kind.
func (m *Manager) RegisterRequestHandler(kind Kind, handler RequestHandler) {
	m.requestMutex.Lock()
	defer m.requestMutex.Unlock()
	m.requestHandlers[kind] = handler
}

// RegisterNotifyHandler installs the handler for a one-way message kind.
func (m *Manager) RegisterNotifyHandler(kind Kind, handler NotifyHandler) {
	m.requestMutex.Lock()
	defer m.requestMutex.Unlock()
	m.notifyHandlers[kind] = handler
}

// Connect dials addr, completes the handshake, and registers the
// resulting peer. If a connection to the same NodeId already exists,
// the lower NodeId wins the race: the higher side's new connection is
// closed and the existing Peer is returned instead.
func (m *Manager) Connect(ctx context.Context, addr string) (*Peer, error) {
	session, err := transport.Dial(addr, m.self, m.timeout)
	if err != nil {
		return nil, err
	}
	return m.register(session, addr, true)
}

// Serve accepts inbound connections on ln until ctx is cancelled.
func (m *Manager) Serve(ctx context.Context, ln *transport.Listener) {
	for {
		session, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			m.logger.Warn("peer: inbound handshake failed", zap.Error(err))
			continue
		}
		if _, err := m.register(session, session.RemoteAddr().String(), false); err != nil {
			m.logger.Warn("peer: failed to register inbound peer", zap.Error(err))
		}
	}
}

func (m *Manager) register(session *transport.Session, addr string, initiator bool) (*Peer, error) {
	var main *transport.Stream
	var err error
	if initiator {
		main, err = session.OpenStream()
	} else {
		main, err = session.AcceptStream()
	}
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("peer: establishing main stream: %w", err)
	}

	candidate := newPeer(session.PeerNodeID, addr, session, main)

	// Convention: the lower NodeId of the pair is always the dialer.
	// Only one live connection per peer is kept; a connection that
	// violates the convention loses the race to one that doesn't.
	localIsLower := identity.Less(m.self.NodeID, session.PeerNodeID)
	candidateFollowsConvention := localIsLower == initiator

	m.mutex.Lock()
	existing, hasExisting := m.peers[session.PeerNodeID]
	keepExisting := hasExisting && existing.Status() == StatusConnected && !candidateFollowsConvention
	if !keepExisting {
		m.peers[session.PeerNodeID] = candidate
	}
	m.mutex.Unlock()

	if keepExisting {
		session.Close()
		return existing, nil
	}
	if hasExisting {
		existing.markDisconnected()
	}

	go m.dispatchLoop(candidate)

	if m.OnConnect != nil {
		m.OnConnect(candidate)
	}
	return candidate, nil
}

// Disconnect marks a peer disconnected without removing it from the
// dictionary, so recently-seen peers can still be re-contacted.
func (m *Manager) Disconnect(id identity.NodeID) {
	m.mutex.RLock()
	p, ok := m.peers[id]
	m.mutex.RUnlock()
	if ok {
		p.markDisconnected()
	}
}

// Lookup returns the dictionary entry for id, if any.
func (m *Manager) Lookup(id identity.NodeID) (*Peer, bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.peers[id]
	return p, ok
}

// Peers returns a snapshot of every peer in the dictionary.
func (m *Manager) Peers() []*Peer {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	out := make([]*Peer, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p)
	}
	return out
}

func (m *Manager) dispatchLoop(p *Peer) {
	for {
		raw, err := p.main.Recv()
		if err != nil {
			p.markDisconnected()
			return
		}
		env, err := decodeEnvelope(raw)
		if err != nil {
			continue
		}
		p.touch()

		switch env.Kind {
		case KindPong, KindDHTFindNodeReply, KindDHTFindValueReply, KindDHTStoreReply, KindDirectoryReply:
			m.resolvePending(env)

		case KindCircuit:
			m.requestMutex.RLock()
			handler := m.notifyHandlers[KindCircuit]
			m.requestMutex.RUnlock()
			if handler != nil {
				go handler(p, env.Payload)
			}

		default:
			go m.handleRequest(p, env)
		}
	}
}

func (m *Manager) handleRequest(p *Peer, env *envelope) {
	m.requestMutex.RLock()
	handler, ok := m.requestHandlers[env.Kind]
	m.requestMutex.RUnlock()
	if !ok {
		if env.Kind == KindPing {
			m.reply(p, KindPong, env.RequestID, nil)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	reply, err := handler(ctx, p, env.Payload)
	if err != nil {
		return
	}
	m.reply(p, replyKind(env.Kind), env.RequestID, reply)
}

func replyKind(request Kind) Kind {
	switch request {
	case KindDHTFindNode:
		return KindDHTFindNodeReply
	case KindDHTFindValue:
		return KindDHTFindValueReply
	case KindDHTStore:
		return KindDHTStoreReply
	case KindDirectory:
		return KindDirectoryReply
	default:
		return KindPong
	}
}

func (m *Manager) reply(p *Peer, kind Kind, requestID uint64, payload []byte) {
	_ = p.main.Send(encodeEnvelope(&envelope{Kind: kind, RequestID: requestID, Payload: payload}))
}

func (m *Manager) resolvePending(env *envelope) {
	m.pendingMutex.Lock()
	ch, ok := m.pending[env.RequestID]
	if ok {
		delete(m.pending, env.RequestID)
	}
	m.pendingMutex.Unlock()
	if ok {
		ch <- env
	}
}

var requestIDCounter uint64

func newRequestID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err == nil {
		return binary.LittleEndian.Uint64(b[:])
	}
	return atomic.AddUint64(&requestIDCounter, 1)
}

// SendRequest sends a request-kind message to p and blocks for a reply
// or until ctx is done. A ctx without a deadline is bounded by
// DefaultRequestTimeout.
func (m *Manager) SendRequest(ctx context.Context, p *Peer, kind Kind, payload []byte) ([]byte, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultRequestTimeout)
		defer cancel()
	}
	requestID := newRequestID()
	ch := make(chan *envelope, 1)
	m.pendingMutex.Lock()
	m.pending[requestID] = ch
	m.pendingMutex.Unlock()

	defer func() {
		m.pendingMutex.Lock()
		delete(m.pending, requestID)
		m.pendingMutex.Unlock()
	}()

	if err := p.main.Send(encodeEnvelope(&envelope{Kind: kind, RequestID: requestID, Payload: payload})); err != nil {
		return nil, err
	}

	select {
	case env := <-ch:
		return env.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SendNotify sends a one-way message (circuit cell) to p.
func (m *Manager) SendNotify(p *Peer, kind Kind, payload []byte) error {
	return p.main.Send(encodeEnvelope(&envelope{Kind: kind, RequestID: 0, Payload: payload}))
}

// Ping checks liveness by round-tripping a KindPing/KindPong exchange.
func (m *Manager) Ping(ctx context.Context, p *Peer) error {
	_, err := m.SendRequest(ctx, p, KindPing, nil)
	return err
}
