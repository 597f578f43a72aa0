package node

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/a7maadf/anonnet/peer"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// snapshotEntry is one routing_table.snapshot record: enough to attempt
// a reconnect on warm restart without carrying any cryptographic
// material (the connection handshake re-verifies identity on its own).
type snapshotEntry struct {
	NodeID  string `yaml:"node_id"`
	Address string `yaml:"address"`
}

type routingSnapshot struct {
	Nodes []snapshotEntry `yaml:"nodes"`
}

func snapshotPath(dataDir string) string {
	return filepath.Join(dataDir, "routing_table.snapshot")
}

// saveRoutingSnapshot dumps every routing-table entry with a live
// transport address to routing_table.snapshot (§6 "optional periodic
// dump for warm restart").
func (n *Node) saveRoutingSnapshot() error {
	var snap routingSnapshot
	for _, entry := range n.table.All() {
		p, ok := entry.Peer.(*peer.Peer)
		if !ok || p == nil {
			continue
		}
		snap.Nodes = append(snap.Nodes, snapshotEntry{NodeID: entry.ID.String(), Address: p.Address})
	}
	raw, err := yaml.Marshal(&snap)
	if err != nil {
		return err
	}
	return os.WriteFile(snapshotPath(n.cfg.DataDir), raw, 0o600)
}

// loadRoutingSnapshot reads a prior routing_table.snapshot, if any, and
// fires off a best-effort reconnect to each address; successful dials
// populate the routing table through the ordinary OnConnect path, the
// same as any bootstrap peer.
func (n *Node) loadRoutingSnapshot() {
	raw, err := os.ReadFile(snapshotPath(n.cfg.DataDir))
	if err != nil {
		return
	}
	var snap routingSnapshot
	if err := yaml.Unmarshal(raw, &snap); err != nil {
		n.logger.Warn("node: parsing routing table snapshot", zap.Error(err))
		return
	}
	for _, entry := range snap.Nodes {
		addr := entry.Address
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if _, err := n.peers.Connect(ctx, addr); err != nil {
				n.logger.Debug("node: warm-restart reconnect failed", zap.String("address", addr), zap.Error(err))
			}
		}()
	}
}

// startSnapshotLoop periodically calls saveRoutingSnapshot until ctx is
// cancelled or Close is called.
func (n *Node) startSnapshotLoop(ctx context.Context) {
	n.snapshotStop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(SnapshotInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := n.saveRoutingSnapshot(); err != nil {
					n.logger.Warn("node: saving routing table snapshot", zap.Error(err))
				}
			case <-ctx.Done():
				return
			case <-n.snapshotStop:
				return
			}
		}
	}()
}
