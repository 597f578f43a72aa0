package dht

import (
	"sync"
	"time"

	"github.com/a7maadf/anonnet/identity"
)

// bucketCount is the number of bits in a NodeID; bucket i holds nodes
// whose XOR distance from self has its highest set bit at position i.
const bucketCount = identity.NodeIDSize * 8

// Table is the Kademlia routing table: bucketCount flat buckets, each
// holding at most K nodes, indexed by leading-zero-bit count of the XOR
// distance to self. Grounded on PeernetOfficial-core's dht/Hash Table.go
// RoutingTable design.
type Table struct {
	mutex   sync.Mutex
	self    identity.NodeID
	k       int
	buckets [bucketCount][]*Node
}

// NewTable creates a routing table for the local node identified by self,
// with bucket capacity k.
func NewTable(self identity.NodeID, k int) *Table {
	return &Table{self: self, k: k}
}

// bucketIndex returns which bucket a NodeID falls into relative to self:
// the index of the highest set bit of the XOR distance, counted from the
// most significant bit of the ID. Returns -1 for self (distance zero).
func (t *Table) bucketIndex(id identity.NodeID) int {
	distance := identity.Distance(t.self, id)
	for byteIdx, b := range distance {
		if b == 0 {
			continue
		}
		for bit := 0; bit < 8; bit++ {
			if b&(0x80>>uint(bit)) != 0 {
				return byteIdx*8 + bit
			}
		}
	}
	return -1
}

// Upsert records a sighting of id, moving it to the most-recently-seen
// end of its bucket. If the bucket is full, the least-recently-seen node
// is evicted in its favor only once that node fails a liveness probe;
// Upsert itself never evicts — it returns the oldest entry as
// evictCandidate so the caller can ping it and call Remove on failure.
func (t *Table) Upsert(id identity.NodeID, peer interface{}) (evictCandidate *Node, bucketFull bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	idx := t.bucketIndex(id)
	if idx < 0 {
		return nil, false
	}
	bucket := t.buckets[idx]

	for i, n := range bucket {
		if n.ID == id {
			n.LastSeen = time.Now()
			n.Peer = peer
			bucket = append(bucket[:i], bucket[i+1:]...)
			bucket = append(bucket, n)
			t.buckets[idx] = bucket
			return nil, false
		}
	}

	if len(bucket) < t.k {
		t.buckets[idx] = append(bucket, &Node{ID: id, LastSeen: time.Now(), Peer: peer})
		return nil, false
	}

	return bucket[0], true
}

// Remove deletes id from the routing table, e.g. after it fails a
// liveness probe while its bucket is full.
func (t *Table) Remove(id identity.NodeID) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	idx := t.bucketIndex(id)
	if idx < 0 {
		return
	}
	bucket := t.buckets[idx]
	for i, n := range bucket {
		if n.ID == id {
			t.buckets[idx] = append(bucket[:i], bucket[i+1:]...)
			return
		}
	}
}

// Closest returns up to count nodes known to the table sorted by XOR
// distance to target, nearest first.
func (t *Table) Closest(target identity.NodeID, count int) []*Node {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	list := newShortList(target)
	for _, bucket := range t.buckets {
		for _, n := range bucket {
			list.Nodes = append(list.Nodes, &Node{ID: n.ID, LastSeen: n.LastSeen, Peer: n.Peer})
		}
	}
	list.sort()
	if len(list.Nodes) > count {
		list.Nodes = list.Nodes[:count]
	}
	return list.Nodes
}

// BucketForRefresh returns the index of the least-recently-touched
// non-empty bucket (the one whose most recently seen entry is oldest),
// or -1 if the table is empty. The
// refresh loop issues a
// find_node for a random ID in that bucket's range to keep it warm.
func (t *Table) BucketForRefresh() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	oldestIdx := -1
	var oldest time.Time
	for idx, bucket := range t.buckets {
		if len(bucket) == 0 {
			continue
		}
		newest := bucket[len(bucket)-1].LastSeen
		if oldestIdx == -1 || newest.Before(oldest) {
			oldest = newest
			oldestIdx = idx
		}
	}
	return oldestIdx
}

// Len returns the total number of nodes tracked across all buckets.
func (t *Table) Len() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	n := 0
	for _, bucket := range t.buckets {
		n += len(bucket)
	}
	return n
}

// All returns every node currently tracked, across all buckets, in no
// particular order. Used to snapshot the table for warm restart (§6).
func (t *Table) All() []*Node {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	var out []*Node
	for _, bucket := range t.buckets {
		for _, n := range bucket {
			out = append(out, &Node{ID: n.ID, LastSeen: n.LastSeen, Peer: n.Peer})
		}
	}
	return out
}

// RandomIDInBucket returns a NodeID whose XOR distance from self has its
// highest set bit exactly at idx, for bucket-refresh lookups.
func RandomIDInBucket(self identity.NodeID, idx int, randomBytes identity.NodeID) identity.NodeID {
	id := self
	byteIdx, bitInByte := idx/8, idx%8
	mask := byte(0x80 >> uint(bitInByte))
	id[byteIdx] ^= mask
	for i := byteIdx + 1; i < len(id); i++ {
		id[i] = randomBytes[i]
	}
	return id
}
