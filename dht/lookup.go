package dht

import (
	"context"
	"sync"

	"github.com/a7maadf/anonnet/identity"
)

// Lookup runs iterative Kademlia lookups against a Table using an RPC
// implementation: alpha parallel requests per round, continuing until
// the k closest nodes queried have all responded with no closer node.
type Lookup struct {
	table *Table
	rpc   RPC
	alpha int
	k     int
}

// NewLookup creates a Lookup helper bound to table, querying through rpc
// with the given alpha (concurrent requests per round) and k (result
// width).
func NewLookup(table *Table, rpc RPC, alpha, k int) *Lookup {
	return &Lookup{table: table, rpc: rpc, alpha: alpha, k: k}
}

// FindNode performs an iterative node lookup for target, returning up to
// k nodes sorted by distance to target.
func (l *Lookup) FindNode(ctx context.Context, target identity.NodeID) []*Node {
	list := newShortList(target)
	list.appendUnique(l.table.Closest(target, l.k)...)

	for {
		list.sort()
		round := list.uncontacted(l.alpha)
		if len(round) == 0 {
			break
		}

		results := l.queryRound(ctx, round, func(ctx context.Context, n *Node) ([]*Node, error) {
			return l.rpc.FindNode(ctx, n, target)
		})

		progressed := false
		for _, found := range results {
			before := len(list.Nodes)
			list.appendUnique(found...)
			if len(list.Nodes) > before {
				progressed = true
			}
		}
		list.sort()
		if len(list.Nodes) > l.k {
			list.Nodes = list.Nodes[:l.k]
		}
		if !progressed {
			break
		}
	}

	list.sort()
	if len(list.Nodes) > l.k {
		list.Nodes = list.Nodes[:l.k]
	}
	return list.Nodes
}

// FindValue performs an iterative value lookup for key. If any queried
// node holds the value it is returned immediately with found=true;
// otherwise the k closest nodes seen are returned for a possible Store
// call to backfill them (classic Kademlia "store at nearest node that
// didn't have it" optimization.3).
func (l *Lookup) FindValue(ctx context.Context, key [identity.NodeIDSize]byte) (value []byte, closest []*Node, found bool) {
	target := identity.NodeID(key)
	list := newShortList(target)
	list.appendUnique(l.table.Closest(target, l.k)...)

	for {
		list.sort()
		round := list.uncontacted(l.alpha)
		if len(round) == 0 {
			break
		}

		type outcome struct {
			value []byte
			nodes []*Node
			found bool
		}
		var mutex sync.Mutex
		var wg sync.WaitGroup
		var valueFound []byte
		gotValue := false

		for _, n := range round {
			wg.Add(1)
			go func(n *Node) {
				defer wg.Done()
				v, nodes, ok, err := l.rpc.FindValue(ctx, n, key)
				if err != nil {
					return
				}
				mutex.Lock()
				defer mutex.Unlock()
				if ok {
					gotValue = true
					valueFound = v
					return
				}
				list.appendUnique(nodes...)
			}(n)
		}
		wg.Wait()

		if gotValue {
			return valueFound, nil, true
		}
		list.sort()
		if len(list.Nodes) > l.k {
			list.Nodes = list.Nodes[:l.k]
		}
	}

	list.sort()
	if len(list.Nodes) > l.k {
		list.Nodes = list.Nodes[:l.k]
	}
	return nil, list.Nodes, false
}

// Store replicates key/value to the r nodes closest to key, first resolving them via FindNode.
func (l *Lookup) Store(ctx context.Context, key [identity.NodeIDSize]byte, value []byte, r int) int {
	target := identity.NodeID(key)
	nodes := l.FindNode(ctx, target)
	if len(nodes) > r {
		nodes = nodes[:r]
	}

	var wg sync.WaitGroup
	var mutex sync.Mutex
	stored := 0
	for _, n := range nodes {
		wg.Add(1)
		go func(n *Node) {
			defer wg.Done()
			if err := l.rpc.Store(ctx, n, key, value); err == nil {
				mutex.Lock()
				stored++
				mutex.Unlock()
			}
		}(n)
	}
	wg.Wait()
	return stored
}

// queryRound fans queryFn out across nodes concurrently and collects the
// non-error results.
func (l *Lookup) queryRound(ctx context.Context, nodes []*Node, queryFn func(context.Context, *Node) ([]*Node, error)) [][]*Node {
	results := make([][]*Node, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, n *Node) {
			defer wg.Done()
			found, err := queryFn(ctx, n)
			if err != nil {
				return
			}
			results[i] = found
		}(i, n)
	}
	wg.Wait()
	return results
}
