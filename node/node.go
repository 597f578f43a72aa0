/*
Package node wires C1-C10 into a runnable whole: one identity, one
transport listener, one connection manager, one DHT table, one
directory, one circuit engine, one rendezvous client (and, in `node`
mode, the intro-point/rendezvous-point/service responders), one stream
multiplexer, and — in `proxy` mode — a local SOCKS5 proxy.

Grounded on PeernetOfficial-core's Connection.go/Init.go top-level
wiring (one struct owning every subsystem, constructed once at process
start, torn down once at shutdown) generalized from Peernet's single
flat "Backend" object to anonnet's explicit C1-C10 boundaries.
*/
package node

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/a7maadf/anonnet/accounting"
	"github.com/a7maadf/anonnet/circuit"
	"github.com/a7maadf/anonnet/config"
	"github.com/a7maadf/anonnet/dht"
	"github.com/a7maadf/anonnet/directory"
	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/peer"
	"github.com/a7maadf/anonnet/rendezvous"
	"github.com/a7maadf/anonnet/socks"
	"github.com/a7maadf/anonnet/store"
	"github.com/a7maadf/anonnet/streammux"
	"github.com/a7maadf/anonnet/transport"
	"github.com/a7maadf/anonnet/wire"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Node is a fully wired anonnet participant: every C1-C10 component
// plus the glue dispatchers between them.
type Node struct {
	cfg        *config.Config
	logger     *zap.Logger
	instanceID uuid.UUID

	identity *identity.Identity
	keys     store.Store

	listener *transport.Listener
	peers    *peer.Manager

	table  *dht.Table
	lookup *dht.Lookup
	dir    *directory.Directory

	circuits *circuit.Manager
	sel      *circuit.Selector
	pool     *circuit.Pool
	hook     accounting.Hook

	intro  *rendezvous.IntroPointService
	point  *rendezvous.PointService
	client *rendezvous.Client

	mux *streammux.Mux

	socksServer *socks.Server

	mutex    sync.Mutex
	services map[wire.ServiceAddress]*rendezvous.Service
	backends map[*circuit.Circuit]string

	snapshotStop chan struct{}
}

// New wires every component from cfg. It generates or loads the node's
// long-term identity from <data_dir>/state.db and opens the transport
// listener, but does not yet dial the configured bootstrap peers, serve
// inbound connections or accept SOCKS clients — call Run for that.
func New(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("node: creating data dir: %w", err)
	}

	keys, err := store.NewPogrebStore(filepath.Join(cfg.DataDir, "state.db"))
	if err != nil {
		return nil, fmt.Errorf("node: opening key store: %w", err)
	}

	id, err := loadOrCreateIdentity(keys, cfg.PoWDifficulty)
	if err != nil {
		keys.Close()
		return nil, err
	}

	instanceID := uuid.New()
	logger = logger.With(zap.String("instance_id", instanceID.String()), zap.Stringer("node_id", id.NodeID))

	listenAddr := fmt.Sprintf("%s:%d", cfg.ListenAddr, cfg.ListenPort)
	ln, err := transport.Listen(listenAddr, id, config.Defaults.HandshakeTimeout)
	if err != nil {
		keys.Close()
		return nil, fmt.Errorf("node: binding transport listener: %w", err)
	}

	peers := peer.NewManager(id, logger, config.Defaults.HandshakeTimeout)
	table := dht.NewTable(id.NodeID, config.Defaults.KademliaK)
	rpc := peer.NewRPC(peers)
	lookup := dht.NewLookup(table, rpc, config.Defaults.KademliaAlpha, config.Defaults.KademliaK)
	dir := directory.New(lookup, logger)

	acceptRelay := cfg.Mode == config.ModeNode && cfg.AcceptRelay
	circuits := circuit.NewManager(id, peers, logger, acceptRelay)
	hook := accounting.Hook(accounting.NoOp{})
	circuits.Hook = hook

	sel := circuit.NewSelector(peers, id.NodeID)
	pool := circuit.NewPool(circuits, sel, circuit.DefaultPoolConfig())

	mux := streammux.NewMux(circuits, logger)
	client := rendezvous.NewClient(circuits, peers, sel, logger)

	n := &Node{
		backends: make(map[*circuit.Circuit]string),

		cfg:        cfg,
		logger:     logger,
		instanceID: instanceID,
		identity:   id,
		keys:       keys,
		listener:   ln,
		peers:      peers,
		table:      table,
		lookup:     lookup,
		dir:        dir,
		circuits:   circuits,
		sel:        sel,
		pool:       pool,
		hook:       hook,
		client:     client,
		mux:        mux,
		services:   make(map[wire.ServiceAddress]*rendezvous.Service),
	}

	if acceptRelay {
		n.intro = rendezvous.NewIntroPointService(circuits, logger)
		n.point = rendezvous.NewPointService(circuits, logger)
	}

	mux.OnAccept(func(circ *circuit.Circuit, targetPort uint16, stream *streammux.Stream) {
		n.mutex.Lock()
		backend, ok := n.backends[circ]
		n.mutex.Unlock()
		if !ok {
			_ = stream.Close()
			return
		}
		forwardToBackend(n.logger, backend, stream)
	})

	peers.OnConnect = func(p *peer.Peer) {
		table.Upsert(p.NodeID, p)
	}
	circuits.OnTerminal = n.dispatchTerminal
	circuits.OnInward = n.dispatchInward

	if cfg.Mode == config.ModeProxy {
		n.socksServer = socks.New(dir, client, mux, logger)
	}

	n.loadRoutingSnapshot()

	return n, nil
}

// dispatchTerminal fans a terminal relay cell out across every consumer
// this node hosts on the relay side: the intro-point and rendezvous-point
// responders. Always registered; the responders exist only when this
// node accepts relay traffic, so otherwise every cell is dropped here.
func (n *Node) dispatchTerminal(link *circuit.Link, rc *wire.RelayCell) {
	if n.intro != nil && n.intro.HandleTerminal(link, rc) {
		return
	}
	if n.point != nil && n.point.HandleTerminal(link, rc) {
		return
	}
}

// dispatchInward fans an inward relay cell out across every consumer
// that might own the circuit it arrived on: the rendezvous client, every
// hosted service's responder, and finally the stream multiplexer, which
// carries the actual payload bytes once a circuit is spliced.
func (n *Node) dispatchInward(c *circuit.Circuit, rc *wire.RelayCell) {
	if n.client.HandleInward(c, rc) {
		return
	}
	n.mutex.Lock()
	services := make([]*rendezvous.Service, 0, len(n.services))
	for _, svc := range n.services {
		services = append(services, svc)
	}
	n.mutex.Unlock()
	for _, svc := range services {
		if svc.HandleInward(c, rc) {
			return
		}
	}
	n.mux.HandleInward(c, rc)
}

// Run serves inbound transport connections and, in proxy mode, the local
// SOCKS5 listener, until ctx is cancelled. It also dials every
// configured bootstrap peer before returning control to the caller's
// wait loop.
func (n *Node) Run(ctx context.Context) error {
	go n.peers.Serve(ctx, n.listener)
	n.bootstrap(ctx)
	n.startSnapshotLoop(ctx)

	if n.socksServer != nil {
		if err := n.socksServer.Listen(n.cfg.SocksListenAddr, n.cfg.DataDir); err != nil {
			return err
		}
		go func() {
			if err := n.socksServer.Serve(ctx); err != nil {
				n.logger.Warn("node: socks server stopped", zap.Error(err))
			}
		}()
	}

	<-ctx.Done()
	return nil
}

func (n *Node) bootstrap(ctx context.Context) {
	for _, seed := range n.cfg.BootstrapNodes {
		if _, err := n.peers.Connect(ctx, seed.Address); err != nil {
			n.logger.Warn("node: bootstrap dial failed", zap.String("address", seed.Address), zap.Error(err))
		}
	}
}

// Close releases every resource Run doesn't already tie to ctx: the
// listener, the circuit pool's reaper, the directory's republish loop,
// and the key store.
func (n *Node) Close() error {
	if n.snapshotStop != nil {
		close(n.snapshotStop)
	}
	n.pool.Stop()
	n.dir.Stop()
	err := n.listener.Close()
	n.keys.Close()
	return err
}

// Identity returns the node's long-term identity.
func (n *Node) Identity() *identity.Identity { return n.identity }

// Directory exposes the node's directory, for driving a full lookup
// independent of SOCKS.
func (n *Node) Directory() *directory.Directory { return n.dir }

// SnapshotInterval is how often the routing table is dumped to
// routing_table.snapshot for warm restart (§6).
const SnapshotInterval = 5 * time.Minute
