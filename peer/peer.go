// Package peer implements the connection manager: the authenticated
// peer dictionary, duplicate-connection resolution, and the message
// dispatch tables that route inbound requests to the DHT, Directory,
// and Circuit Engine without blocking a peer's ingress loop.
//
// Grounded on PeernetOfficial-core's peer list bookkeeping
// (PeerInfo/Connection in Peer ID.go and Connection.go: a status enum,
// last-seen timestamps, one active connection per peer) adapted from
// Peernet's UDP multi-connection-per-peer model to this system's single
// authenticated TCP session per peer.
package peer

import (
	"sync"
	"time"

	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/transport"
)

// Status mirrors the Connected/Disconnected distinction the connection
// manager must preserve: a disconnected peer is never evicted from the
// dictionary, only marked so it can be re-contacted.
type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
)

// Peer is one entry of the connection manager's peer dictionary.
type Peer struct {
	NodeID  identity.NodeID
	Address string

	mutex      sync.RWMutex
	session    *transport.Session
	main       *transport.Stream
	status     Status
	connectedAt time.Time
	lastSeen    time.Time

	// reliability is an exponentially-weighted moving average of circuit
	// extend success against this peer (Open Question decision 2 in
	// DESIGN.md): a single stale failure does not permanently disqualify
	// a relay the way a raw success ratio would.
	reliability float64
}

const reliabilityEWMAWeight = 0.2

func newPeer(id identity.NodeID, address string, session *transport.Session, main *transport.Stream) *Peer {
	return &Peer{
		NodeID:      id,
		Address:     address,
		session:     session,
		main:        main,
		status:      StatusConnected,
		connectedAt: time.Now(),
		lastSeen:    time.Now(),
		reliability: 1.0,
	}
}

// RecordExtendResult folds a single circuit-extend success/failure into
// the peer's reliability score.
func (p *Peer) RecordExtendResult(success bool) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	observed := 0.0
	if success {
		observed = 1.0
	}
	p.reliability = p.reliability*(1-reliabilityEWMAWeight) + observed*reliabilityEWMAWeight
}

// Reliability returns the peer's current EWMA reliability score in [0,1].
func (p *Peer) Reliability() float64 {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.reliability
}

// Status returns the peer's current connection status.
func (p *Peer) Status() Status {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.status
}

// LastSeen returns the last time a message was received from this peer.
func (p *Peer) LastSeen() time.Time {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.lastSeen
}

func (p *Peer) touch() {
	p.mutex.Lock()
	p.lastSeen = time.Now()
	p.mutex.Unlock()
}

func (p *Peer) markDisconnected() {
	p.mutex.Lock()
	p.status = StatusDisconnected
	p.mutex.Unlock()
}

func (p *Peer) sessionHandle() *transport.Session {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	return p.session
}
