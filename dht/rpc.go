package dht

import (
	"context"

	"github.com/a7maadf/anonnet/identity"
)

// RPC is what the peer package must provide so Table can perform
// iterative find_node/find_value/store lookups without importing the
// transport or peer packages (avoiding an import cycle, mirroring how
// PeernetOfficial-core's root Kademlia.go wires SendRequestFindNode /
// SendRequestStore as function values rather than a hard dependency).
type RPC interface {
	// FindNode asks peer for the k nodes closest to target it knows of.
	FindNode(ctx context.Context, peer *Node, target identity.NodeID) ([]*Node, error)

	// FindValue asks peer for the value stored under key. If peer holds
	// it, value and found=true are returned; otherwise peer's closest
	// known nodes to the derived target are returned instead, exactly
	// like FindNode.
	FindValue(ctx context.Context, peer *Node, key [identity.NodeIDSize]byte) (value []byte, nodes []*Node, found bool, err error)

	// Store asks peer to hold key/value for replication.
	Store(ctx context.Context, peer *Node, key [identity.NodeIDSize]byte, value []byte) error

	// Ping probes liveness, used to decide bucket eviction.
	Ping(ctx context.Context, peer *Node) error
}
