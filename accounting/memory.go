package accounting

import (
	"sync"
	"time"

	"github.com/a7maadf/anonnet/identity"
	"github.com/google/uuid"
)

// Balance is one peer's running counters: bytes charged (originated or
// terminated locally through this peer) and bytes credited (forwarded
// on this peer's behalf as an intermediate hop).
type Balance struct {
	Charged  int64
	Credited int64
}

// InMemory is a process-local counting Hook: it keeps a running
// per-peer Balance and an event log, and can be told to refuse relaying
// for specific peers. It is not persisted across restarts and carries
// no notion of a credit limit — spec.md leaves the refusal policy to
// the hook implementation, and this one exposes Refuse/Allow so a test
// or an operator tool can flip CanRelay for a peer directly, matching
// how S6 ("Accounting refusal") describes the scenario: a node whose
// hook has already decided a peer may not relay.
type InMemory struct {
	mutex    sync.Mutex
	balances map[identity.NodeID]*Balance
	refused  map[identity.NodeID]bool
	events   []event
	maxEvents int
}

// NewInMemory returns an InMemory hook that retains at most maxEvents
// of its most recent events (0 disables retention entirely, which is
// the common case: only the running balances are usually needed).
func NewInMemory(maxEvents int) *InMemory {
	return &InMemory{
		balances:  make(map[identity.NodeID]*Balance),
		refused:   make(map[identity.NodeID]bool),
		maxEvents: maxEvents,
	}
}

func (h *InMemory) balanceFor(peer identity.NodeID) *Balance {
	b, ok := h.balances[peer]
	if !ok {
		b = &Balance{}
		h.balances[peer] = b
	}
	return b
}

func (h *InMemory) record(peer identity.NodeID, bytes int, direction Direction, credited bool) {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	b := h.balanceFor(peer)
	if credited {
		b.Credited += int64(bytes)
	} else {
		b.Charged += int64(bytes)
	}

	if h.maxEvents == 0 {
		return
	}
	h.events = append(h.events, event{
		id:        uuid.New().String(),
		peer:      peer,
		bytes:     bytes,
		direction: direction,
		credited:  credited,
		at:        time.Now(),
	})
	if len(h.events) > h.maxEvents {
		h.events = h.events[len(h.events)-h.maxEvents:]
	}
}

// Charge implements Hook.
func (h *InMemory) Charge(peer identity.NodeID, bytes int, direction Direction) {
	h.record(peer, bytes, direction, false)
}

// Credit implements Hook.
func (h *InMemory) Credit(peer identity.NodeID, bytes int, direction Direction) {
	h.record(peer, bytes, direction, true)
}

// CanRelay implements Hook: true unless peer has been explicitly
// refused via Refuse.
func (h *InMemory) CanRelay(peer identity.NodeID) bool {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	return !h.refused[peer]
}

// Refuse marks peer as no longer eligible to have circuits extended
// through this node. Circuits already built through peer are
// unaffected; only future EXTEND requests are rejected.
func (h *InMemory) Refuse(peer identity.NodeID) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	h.refused[peer] = true
}

// Allow reverses a prior Refuse.
func (h *InMemory) Allow(peer identity.NodeID) {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	delete(h.refused, peer)
}

// Balance returns a copy of peer's current counters.
func (h *InMemory) Balance(peer identity.NodeID) Balance {
	h.mutex.Lock()
	defer h.mutex.Unlock()
	if b, ok := h.balances[peer]; ok {
		return *b
	}
	return Balance{}
}
