package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/peer"
)

// ID is a node-local circuit identifier: unique only on the single link
// it names, never across the whole path (see Circuit doc comment).
type ID uint64

func newID() (ID, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, fmt.Errorf("circuit: generate circuit id: %w", err)
	}
	return ID(binary.LittleEndian.Uint64(b[:])), nil
}

// State is a circuit's lifecycle stage.
type State int

const (
	StateBuilding State = iota
	StateOpen
	StateClosing
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "building"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Purpose tags what a circuit is for, driving pool partitioning and
// path-selection policy (entry/exit quality bars differ by purpose).
type Purpose int

const (
	PurposeGeneral Purpose = iota
	PurposeToIntro
	PurposeToRendezvous
	PurposeToService
)

func (p Purpose) String() string {
	switch p {
	case PurposeGeneral:
		return "general"
	case PurposeToIntro:
		return "to-intro"
	case PurposeToRendezvous:
		return "to-rendezvous"
	case PurposeToService:
		return "to-service"
	default:
		return "unknown"
	}
}

// MinHops / MaxHops bound circuit length (§4.5.1: N = min(3,
// connected_relay_count), 1 ≤ N ≤ 3).
const (
	MinHops = 1
	MaxHops = 3
)

// Hop is one originator-held hop state: its identity and onion layer
// crypto. Only hops[0] has a direct transport connection (Circuit.entryPeer);
// every cell for every hop physically travels to hop 1 first and is
// telescoped onward by the relays themselves.
type Hop struct {
	NodeID identity.NodeID
	Crypto *HopCrypto
}

// Circuit is the originator's view of a telescoped path: an ordered
// list of Hops (the originator holds one HopCrypto per hop; an
// intermediate relay holds exactly one, tracked separately by a Link),
// reached by LinkID on the link to Hops[0].
type Circuit struct {
	LinkID  ID
	Purpose Purpose

	mutex      sync.RWMutex
	hops       []*Hop
	state      State
	weakened   bool // fewer than MaxHops hops were available at build time
	createdAt  time.Time
	lastUsedAt time.Time
	bytesSent  uint64
	bytesRecv  uint64

	entryPeer *peer.Peer // the only hop the originator is directly connected to

	// pendingEphemeral is the key generated for the hop currently being
	// telescoped in, held until its CREATED/EXTENDED reply arrives.
	pendingEphemeral *ephemeralKeyPair
	pendingNodeID    identity.NodeID

	// pendingExtend carries the CREATED/EXTENDED reply for the hop
	// currently being telescoped, delivered by Manager's dispatch loop.
	pendingExtend chan extendResult
}

type extendResult struct {
	peerEphemeral [32]byte
	err           error
}

func newCircuit(linkID ID, purpose Purpose) *Circuit {
	now := time.Now()
	return &Circuit{
		LinkID:        linkID,
		Purpose:       purpose,
		state:         StateBuilding,
		createdAt:     now,
		lastUsedAt:    now,
		pendingExtend: make(chan extendResult, 1),
	}
}

// EntryPeer returns the directly connected first hop, or nil before the
// first CREATE completes.
func (c *Circuit) EntryPeer() *peer.Peer {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.entryPeer
}

// Length returns the number of hops currently telescoped.
func (c *Circuit) Length() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.hops)
}

// State returns the circuit's current lifecycle stage.
func (c *Circuit) State() State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state
}

// Weakened reports whether this circuit was built with fewer than
// MaxHops hops because too few distinct relays were available.
func (c *Circuit) Weakened() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.weakened
}

// EntryHop returns the first hop (the one directly connected to the
// originator), or nil if the circuit has no hops yet.
func (c *Circuit) EntryHop() *Hop {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if len(c.hops) == 0 {
		return nil
	}
	return c.hops[0]
}

// hopsSnapshot returns a defensive copy of the current hop list, used by
// onion layering so the mutex isn't held across crypto operations.
func (c *Circuit) hopsSnapshot() []*Hop {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	out := make([]*Hop, len(c.hops))
	copy(out, c.hops)
	return out
}

func (c *Circuit) setEntryPeer(p *peer.Peer) {
	c.mutex.Lock()
	c.entryPeer = p
	c.mutex.Unlock()
}

func (c *Circuit) setPending(eph *ephemeralKeyPair, nodeID identity.NodeID) {
	c.mutex.Lock()
	c.pendingEphemeral = eph
	c.pendingNodeID = nodeID
	c.mutex.Unlock()
}

func (c *Circuit) takePending() (*ephemeralKeyPair, identity.NodeID) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	eph, id := c.pendingEphemeral, c.pendingNodeID
	c.pendingEphemeral = nil
	return eph, id
}

func (c *Circuit) addHop(h *Hop) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.hops = append(c.hops, h)
	if len(c.hops) >= MinHops {
		// Spec §4.5: "When all N hops are live ... Circuit state → Open."
		// The builder still decides the target N; reaching it flips state.
	}
}

func (c *Circuit) markOpen(weakened bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = StateOpen
	c.weakened = weakened
}

func (c *Circuit) markFailed() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.state != StateClosed {
		c.state = StateFailed
	}
}

func (c *Circuit) markClosed() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.state = StateClosed
}

func (c *Circuit) touch() {
	c.mutex.Lock()
	c.lastUsedAt = time.Now()
	c.mutex.Unlock()
}

func (c *Circuit) addSent(n uint64) {
	c.mutex.Lock()
	c.bytesSent += n
	c.lastUsedAt = time.Now()
	c.mutex.Unlock()
}

func (c *Circuit) addRecv(n uint64) {
	c.mutex.Lock()
	c.bytesRecv += n
	c.lastUsedAt = time.Now()
	c.mutex.Unlock()
}

// IsExpired reports whether the circuit has exceeded idleTimeout since
// last use or maxAge since creation.
func (c *Circuit) IsExpired(idleTimeout, maxAge time.Duration) bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	now := time.Now()
	return now.Sub(c.lastUsedAt) > idleTimeout || now.Sub(c.createdAt) > maxAge
}

// Link is an intermediate hop's view of one circuit: the pairing
// between the upstream link (where the cell arrived) and the downstream
// link (where it was extended to), established at EXTEND time exactly
// as spec'd: "Pairing of circuit_ids is established at EXTEND time."
type Link struct {
	UpstreamPeer   *peer.Peer
	UpstreamID     ID
	DownstreamPeer *peer.Peer // nil until EXTEND completes
	DownstreamID   ID

	Crypto *HopCrypto // this hop's own layer, shared with the originator

	mutex     sync.Mutex
	state     State
	createdAt time.Time
}

func newLink(upstreamPeer *peer.Peer, upstreamID ID, crypto *HopCrypto) *Link {
	return &Link{
		UpstreamPeer: upstreamPeer,
		UpstreamID:   upstreamID,
		Crypto:       crypto,
		state:        StateBuilding,
		createdAt:    time.Now(),
	}
}

func (l *Link) setDownstream(p *peer.Peer, id ID) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	l.DownstreamPeer = p
	l.DownstreamID = id
	l.state = StateOpen
}

func (l *Link) State() State {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return l.state
}
