package peer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/a7maadf/anonnet/dht"
	"github.com/a7maadf/anonnet/identity"
)

// RPC adapts a Manager's peer dictionary into a dht.RPC, so the DHT
// package can run iterative lookups without importing peer or transport
// directly (see dht/rpc.go).
type RPC struct {
	manager *Manager
}

// NewRPC wraps manager as a dht.RPC.
func NewRPC(manager *Manager) *RPC {
	return &RPC{manager: manager}
}

func encodeNodeList(nodes []*dht.Node) []byte {
	buf := make([]byte, 2, 2+len(nodes)*64)
	binary.LittleEndian.PutUint16(buf[:2], uint16(len(nodes)))
	for _, n := range nodes {
		buf = append(buf, n.ID[:]...)
		addr, _ := n.Peer.(*Peer)
		addrBytes := []byte("")
		if addr != nil {
			addrBytes = []byte(addr.Address)
		}
		var lenBuf [2]byte
		binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(addrBytes)))
		buf = append(buf, lenBuf[:]...)
		buf = append(buf, addrBytes...)
	}
	return buf
}

func decodeNodeList(raw []byte) ([]*dht.Node, error) {
	if len(raw) < 2 {
		return nil, errors.New("peer: node list truncated")
	}
	count := binary.LittleEndian.Uint16(raw[:2])
	off := 2
	nodes := make([]*dht.Node, 0, count)
	for i := 0; i < int(count); i++ {
		if off+identity.NodeIDSize+2 > len(raw) {
			return nil, errors.New("peer: node list entry truncated")
		}
		var id identity.NodeID
		copy(id[:], raw[off:])
		off += identity.NodeIDSize
		addrLen := int(binary.LittleEndian.Uint16(raw[off:]))
		off += 2
		if off+addrLen > len(raw) {
			return nil, errors.New("peer: node list address truncated")
		}
		address := string(raw[off : off+addrLen])
		off += addrLen
		nodes = append(nodes, &dht.Node{ID: id, Peer: &Peer{NodeID: id, Address: address}})
	}
	return nodes, nil
}

// FindNode implements dht.RPC.
func (r *RPC) FindNode(ctx context.Context, target *dht.Node, targetID identity.NodeID) ([]*dht.Node, error) {
	p, err := r.peerFor(ctx, target)
	if err != nil {
		return nil, err
	}
	reply, err := r.manager.SendRequest(ctx, p, KindDHTFindNode, targetID[:])
	if err != nil {
		return nil, err
	}
	return decodeNodeList(reply)
}

// FindValue implements dht.RPC.
func (r *RPC) FindValue(ctx context.Context, target *dht.Node, key [identity.NodeIDSize]byte) ([]byte, []*dht.Node, bool, error) {
	p, err := r.peerFor(ctx, target)
	if err != nil {
		return nil, nil, false, err
	}
	reply, err := r.manager.SendRequest(ctx, p, KindDHTFindValue, key[:])
	if err != nil {
		return nil, nil, false, err
	}
	if len(reply) == 0 {
		return nil, nil, false, errors.New("peer: empty find_value reply")
	}
	if reply[0] == 1 {
		return reply[1:], nil, true, nil
	}
	nodes, err := decodeNodeList(reply[1:])
	return nil, nodes, false, err
}

// Store implements dht.RPC.
func (r *RPC) Store(ctx context.Context, target *dht.Node, key [identity.NodeIDSize]byte, value []byte) error {
	p, err := r.peerFor(ctx, target)
	if err != nil {
		return err
	}
	buf := make([]byte, identity.NodeIDSize+len(value))
	copy(buf, key[:])
	copy(buf[identity.NodeIDSize:], value)
	_, err = r.manager.SendRequest(ctx, p, KindDHTStore, buf)
	return err
}

// Ping implements dht.RPC.
func (r *RPC) Ping(ctx context.Context, target *dht.Node) error {
	p, err := r.peerFor(ctx, target)
	if err != nil {
		return err
	}
	return r.manager.Ping(ctx, p)
}

// peerFor resolves a dht.Node to a live, connected Peer, dialing it via
// its last-known address if the connection manager doesn't already have
// an active session (e.g. the node was only learned of through another
// peer's find_node reply).
func (r *RPC) peerFor(ctx context.Context, node *dht.Node) (*Peer, error) {
	placeholder, ok := node.Peer.(*Peer)
	if !ok || placeholder == nil {
		return nil, fmt.Errorf("peer: dht node %x has no associated peer handle", node.ID)
	}
	if live, found := r.manager.Lookup(placeholder.NodeID); found && live.Status() == StatusConnected {
		return live, nil
	}
	if placeholder.Address == "" {
		return nil, fmt.Errorf("peer: dht node %x has no known address to dial", node.ID)
	}
	return r.manager.Connect(ctx, placeholder.Address)
}

// DefaultRequestTimeout bounds a single RPC round-trip when the caller
// does not supply its own context deadline.
const DefaultRequestTimeout = 5 * time.Second
