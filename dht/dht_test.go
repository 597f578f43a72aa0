package dht

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/a7maadf/anonnet/identity"
)

func randomID(t *testing.T) identity.NodeID {
	t.Helper()
	var id identity.NodeID
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	return id
}

func TestTableUpsertAndClosest(t *testing.T) {
	self := randomID(t)
	table := NewTable(self, 20)

	ids := make([]identity.NodeID, 10)
	for i := range ids {
		ids[i] = randomID(t)
		if _, full := table.Upsert(ids[i], nil); full {
			t.Fatalf("unexpected eviction on empty bucket")
		}
	}

	if got := table.Len(); got != len(ids) {
		t.Fatalf("Len() = %d, want %d", got, len(ids))
	}

	closest := table.Closest(ids[0], 3)
	if len(closest) == 0 || closest[0].ID != ids[0] {
		t.Fatalf("Closest did not return the exact match first: %+v", closest)
	}
}

func TestTableBucketCapacityEviction(t *testing.T) {
	self := randomID(t)
	table := NewTable(self, 2)

	idx := 100
	var fillers []identity.NodeID
	for len(fillers) < 3 {
		candidate := self
		byteIdx, bitInByte := idx/8, idx%8
		candidate[byteIdx] ^= byte(0x80 >> uint(bitInByte))
		for i := byteIdx + 1; i < len(candidate); i++ {
			candidate[i] = byte(len(fillers) + i)
		}
		fillers = append(fillers, candidate)
	}

	table.Upsert(fillers[0], nil)
	table.Upsert(fillers[1], nil)
	evictCandidate, full := table.Upsert(fillers[2], nil)
	if !full {
		t.Fatalf("expected bucket full on third insert")
	}
	if evictCandidate.ID != fillers[0] {
		t.Fatalf("expected least-recently-seen (%x) as eviction candidate, got %x", fillers[0], evictCandidate.ID)
	}
}

func TestLocalStoreLRUEviction(t *testing.T) {
	store := NewLocalStore(2, nil)
	store.Put("a", []byte("1"), time.Time{})
	store.Put("b", []byte("2"), time.Time{})
	store.Put("c", []byte("3"), time.Time{})

	if _, found := store.Get("a"); found {
		t.Fatalf("oldest entry 'a' should have been evicted")
	}
	if _, found := store.Get("c"); !found {
		t.Fatalf("most recent entry 'c' missing")
	}
}

func TestLocalStoreNewerComparatorRejectsStale(t *testing.T) {
	newer := func(existing, candidate []byte) bool {
		return len(candidate) > len(existing)
	}
	store := NewLocalStore(10, newer)

	store.Put("k", []byte("long-value"), time.Time{})
	accepted := store.Put("k", []byte("x"), time.Time{})
	if accepted {
		t.Fatalf("shorter candidate should have been rejected as stale")
	}

	value, _ := store.Get("k")
	if string(value) != "long-value" {
		t.Fatalf("Get() = %q, want original value preserved", value)
	}
}

func TestLocalStoreExpiry(t *testing.T) {
	store := NewLocalStore(10, nil)
	store.Put("expired", []byte("v"), time.Now().Add(-time.Minute))
	if _, found := store.Get("expired"); found {
		t.Fatalf("expired entry should not be returned")
	}
}

// meshRPC simulates a tiny network of Tables exchanging find_node /
// find_value / store RPCs in-process, used to exercise Lookup without a
// real transport.
type meshRPC struct {
	mutex sync.Mutex
	peers map[identity.NodeID]*Table
	store map[identity.NodeID]*LocalStore
}

func newMesh() *meshRPC {
	return &meshRPC{
		peers: make(map[identity.NodeID]*Table),
		store: make(map[identity.NodeID]*LocalStore),
	}
}

func (m *meshRPC) join(id identity.NodeID, table *Table) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.peers[id] = table
	m.store[id] = NewLocalStore(1000, nil)
}

func (m *meshRPC) FindNode(ctx context.Context, peer *Node, target identity.NodeID) ([]*Node, error) {
	m.mutex.Lock()
	table := m.peers[peer.ID]
	m.mutex.Unlock()
	if table == nil {
		return nil, errNoSuchPeer
	}
	return table.Closest(target, 20), nil
}

func (m *meshRPC) FindValue(ctx context.Context, peer *Node, key [identity.NodeIDSize]byte) ([]byte, []*Node, bool, error) {
	m.mutex.Lock()
	s := m.store[peer.ID]
	table := m.peers[peer.ID]
	m.mutex.Unlock()
	if s == nil {
		return nil, nil, false, errNoSuchPeer
	}
	if v, ok := s.Get(string(key[:])); ok {
		return v, nil, true, nil
	}
	return nil, table.Closest(identity.NodeID(key), 20), false, nil
}

func (m *meshRPC) Store(ctx context.Context, peer *Node, key [identity.NodeIDSize]byte, value []byte) error {
	m.mutex.Lock()
	s := m.store[peer.ID]
	m.mutex.Unlock()
	if s == nil {
		return errNoSuchPeer
	}
	s.Put(string(key[:]), value, time.Time{})
	return nil
}

func (m *meshRPC) Ping(ctx context.Context, peer *Node) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.peers[peer.ID]; !ok {
		return errNoSuchPeer
	}
	return nil
}

type meshError string

func (e meshError) Error() string { return string(e) }

const errNoSuchPeer = meshError("dht: no such peer")

func TestLookupFindNodeAndStoreAcrossMesh(t *testing.T) {
	mesh := newMesh()

	const n = 12
	ids := make([]identity.NodeID, n)
	tables := make([]*Table, n)
	for i := 0; i < n; i++ {
		ids[i] = randomID(t)
		tables[i] = NewTable(ids[i], 20)
		mesh.join(ids[i], tables[i])
	}

	// Fully connect the mesh so lookups can actually traverse it.
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j {
				tables[i].Upsert(ids[j], nil)
			}
		}
	}

	origin := NewTable(ids[0], 20)
	for j := 1; j < n; j++ {
		origin.Upsert(ids[j], nil)
	}
	lookup := NewLookup(origin, mesh, 3, 20)

	target := randomID(t)
	found := lookup.FindNode(context.Background(), target)
	if len(found) == 0 {
		t.Fatalf("FindNode returned no results")
	}

	var key [identity.NodeIDSize]byte
	copy(key[:], target[:])
	stored := lookup.Store(context.Background(), key, []byte("hello"), 3)
	if stored == 0 {
		t.Fatalf("Store replicated to zero nodes")
	}

	value, _, foundValue := lookup.FindValue(context.Background(), key)
	if !foundValue || string(value) != "hello" {
		t.Fatalf("FindValue() = %q, %v, want hello/true", value, foundValue)
	}
}
