package dht

import (
	"context"
	"crypto/rand"
	"time"

	"github.com/a7maadf/anonnet/identity"
)

// RefreshOldestBucket issues a find_node lookup for a random ID that
// would fall in the least-recently-touched bucket, keeping it warm
//. Returns false if the
// table has no buckets to refresh yet.
func RefreshOldestBucket(ctx context.Context, self identity.NodeID, table *Table, lookup *Lookup) bool {
	idx := table.BucketForRefresh()
	if idx < 0 {
		return false
	}
	var randomBytes identity.NodeID
	_, _ = rand.Read(randomBytes[:])
	target := RandomIDInBucket(self, idx, randomBytes)
	lookup.FindNode(ctx, target)
	return true
}

// RunRefreshLoop periodically refreshes the routing table until ctx is
// cancelled, refreshing the least-recently-touched bucket once every
// interval. interval is used exactly as given.
func RunRefreshLoop(ctx context.Context, self identity.NodeID, table *Table, lookup *Lookup, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			RefreshOldestBucket(ctx, self, table, lookup)
		}
	}
}

// ProbeAndEvict upserts candidate; if its bucket is full, it pings the
// bucket's least-recently-seen node, and if that ping fails it evicts
// that node and upserts candidate in its place. It reports whether
// candidate was recorded. Eviction only follows a failed liveness probe,
// never an unconditional replace.
func ProbeAndEvict(ctx context.Context, table *Table, rpc RPC, candidate *Node) bool {
	evictCandidate, full := table.Upsert(candidate.ID, candidate.Peer)
	if !full {
		return true
	}
	if err := rpc.Ping(ctx, evictCandidate); err != nil {
		table.Remove(evictCandidate.ID)
		table.Upsert(candidate.ID, candidate.Peer)
		return true
	}
	return false
}
