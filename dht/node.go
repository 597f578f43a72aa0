/*
Package dht implements the Kademlia routing table and iterative
find_node/store/find_value RPCs.

Adapted from PeernetOfficial-core's dht package (Hash Table.go, Node.go):
same flat array-of-buckets routing table indexed by the length of the
XOR distance from self (bucket i holds nodes whose distance from self
has its highest set bit at position i) — this is the well-known
simplification of classical Kademlia's splitting trie that realizes
"bucket splits only near our own NodeID" without an explicit split
operation: only the bucket nearest self (largest index) ever fills
densely, exactly as a real split would concentrate detail near self.

Generalized from Peernet's arbitrary []byte IDs to anonnet's fixed
16-byte identity.NodeID, and from Peernet's raw network-callback wiring
to an RPC interface (see rpc.go) the peer package satisfies.
*/
package dht

import (
	"sort"
	"time"

	"github.com/a7maadf/anonnet/identity"
)

// Node is one entry of the routing table: a peer's NodeID plus whatever
// peer handle the caller needs to actually contact it.
type Node struct {
	ID       identity.NodeID
	LastSeen time.Time
	Peer     interface{} // caller-defined peer handle, e.g. *peer.Peer
}

// shortList tracks the current best candidates during an iterative
// lookup, sorted by XOR distance to Target.
type shortList struct {
	Target    identity.NodeID
	Nodes     []*Node
	Contacted map[identity.NodeID]bool
}

func newShortList(target identity.NodeID) *shortList {
	return &shortList{Target: target, Contacted: make(map[identity.NodeID]bool)}
}

func (s *shortList) Len() int { return len(s.Nodes) }
func (s *shortList) Swap(i, j int) { s.Nodes[i], s.Nodes[j] = s.Nodes[j], s.Nodes[i] }
func (s *shortList) Less(i, j int) bool {
	di := identity.Distance(s.Nodes[i].ID, s.Target)
	dj := identity.Distance(s.Nodes[j].ID, s.Target)
	return lessBytes(di, dj)
}

func lessBytes(a, b identity.NodeID) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

func (s *shortList) sort() { sort.Sort(s) }

func (s *shortList) appendUnique(nodes ...*Node) {
	for _, candidate := range nodes {
		dup := false
		for _, existing := range s.Nodes {
			if existing.ID == candidate.ID {
				dup = true
				break
			}
		}
		if !dup {
			s.Nodes = append(s.Nodes, candidate)
		}
	}
}

// uncontacted returns up to count nodes from the short list that have
// not yet been queried this lookup, marking them contacted.
func (s *shortList) uncontacted(count int) []*Node {
	var out []*Node
	for _, n := range s.Nodes {
		if len(out) >= count {
			break
		}
		if s.Contacted[n.ID] {
			continue
		}
		s.Contacted[n.ID] = true
		out = append(out, n)
	}
	return out
}
