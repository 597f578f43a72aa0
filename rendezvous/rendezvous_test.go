package rendezvous

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/a7maadf/anonnet/circuit"
	"github.com/a7maadf/anonnet/dht"
	"github.com/a7maadf/anonnet/directory"
	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/peer"
	"github.com/a7maadf/anonnet/transport"
	"github.com/a7maadf/anonnet/wire"
	"github.com/btcsuite/btcd/btcec"
	"go.uber.org/zap"
)

// testNode wires up a real listener, peer dictionary, and circuit
// engine, exactly as circuit's own manager_test.go does, since
// exercising the rendezvous protocol end to end needs genuine onion
// layering and telescoping rather than a mock transport.
type testNode struct {
	identity *identity.Identity
	peers    *peer.Manager
	circuits *circuit.Manager
	sel      *circuit.Selector
	listener *transport.Listener
}

func newTestNode(t *testing.T, acceptRelay bool) *testNode {
	t.Helper()
	id, err := identity.Generate(8)
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	peers := peer.NewManager(id, zap.NewNop(), 3*time.Second)
	ln, err := transport.Listen("127.0.0.1:0", id, 3*time.Second)
	if err != nil {
		t.Fatalf("transport.Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	go peers.Serve(ctx, ln)

	return &testNode{
		identity: id,
		peers:    peers,
		circuits: circuit.NewManager(id, peers, zap.NewNop(), acceptRelay),
		sel:      circuit.NewSelector(peers, id.NodeID),
		listener: ln,
	}
}

func connectAll(t *testing.T, ctx context.Context, from *testNode, targets ...*testNode) {
	t.Helper()
	for _, to := range targets {
		if _, err := from.peers.Connect(ctx, to.listener.Addr().String()); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
}

// meshRPC is a minimal two-node stand-in for dht.RPC, just enough for
// Directory.Publish's Store call to succeed; the rendezvous handshake
// itself never touches the DHT (Client.Connect takes a descriptor
// directly, mirroring how a caller would pass one already resolved via
// C5's Lookup).
type meshRPC struct {
	mutex sync.Mutex
	nodes map[identity.NodeID]*dht.Table
	store map[identity.NodeID]*dht.LocalStore
}

func newMeshRPC() *meshRPC {
	return &meshRPC{nodes: make(map[identity.NodeID]*dht.Table), store: make(map[identity.NodeID]*dht.LocalStore)}
}

func (m *meshRPC) join(id identity.NodeID, table *dht.Table) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.nodes[id] = table
	m.store[id] = dht.NewLocalStore(1000, func([]byte, []byte) bool { return true })
}

type meshError string

func (e meshError) Error() string { return string(e) }

const errNoSuchPeer = meshError("rendezvous: no such peer")

func (m *meshRPC) FindNode(ctx context.Context, peer *dht.Node, target identity.NodeID) ([]*dht.Node, error) {
	m.mutex.Lock()
	table := m.nodes[peer.ID]
	m.mutex.Unlock()
	if table == nil {
		return nil, errNoSuchPeer
	}
	return table.Closest(target, 20), nil
}

func (m *meshRPC) FindValue(ctx context.Context, peer *dht.Node, key [identity.NodeIDSize]byte) ([]byte, []*dht.Node, bool, error) {
	m.mutex.Lock()
	s := m.store[peer.ID]
	table := m.nodes[peer.ID]
	m.mutex.Unlock()
	if s == nil {
		return nil, nil, false, errNoSuchPeer
	}
	if v, ok := s.Get(string(key[:])); ok {
		return v, nil, true, nil
	}
	return nil, table.Closest(identity.NodeID(key), 20), false, nil
}

func (m *meshRPC) Store(ctx context.Context, peer *dht.Node, key [identity.NodeIDSize]byte, value []byte) error {
	m.mutex.Lock()
	s := m.store[peer.ID]
	m.mutex.Unlock()
	if s == nil {
		return errNoSuchPeer
	}
	s.Put(string(key[:]), value, time.Time{})
	return nil
}

func (m *meshRPC) Ping(ctx context.Context, peer *dht.Node) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.nodes[peer.ID]; !ok {
		return errNoSuchPeer
	}
	return nil
}

func newServiceDirectory(t *testing.T, selfID, otherID identity.NodeID) *directory.Directory {
	t.Helper()
	mesh := newMeshRPC()
	selfTable := dht.NewTable(selfID, 20)
	otherTable := dht.NewTable(otherID, 20)
	selfTable.Upsert(otherID, nil)
	otherTable.Upsert(selfID, nil)
	mesh.join(selfID, selfTable)
	mesh.join(otherID, otherTable)
	return directory.New(dht.NewLookup(selfTable, mesh, 3, 20), zap.NewNop())
}

// TestRendezvousFullHandshake drives the entire §4.4/§4.6 flow across
// six real nodes: a client and a service each build telescoped circuits
// through two filler relays out to a shared introduction point and a
// shared rendezvous point, and once splicing completes at the
// rendezvous point, traffic sent on the client's circuit arrives on the
// service's.
func TestRendezvousFullHandshake(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientNode := newTestNode(t, false)
	serviceNode := newTestNode(t, false)
	introNode := newTestNode(t, true)
	rendezvousNode := newTestNode(t, true)
	fillerA := newTestNode(t, true)
	fillerB := newTestNode(t, true)

	connectAll(t, ctx, clientNode, introNode, rendezvousNode, fillerA, fillerB)
	connectAll(t, ctx, serviceNode, introNode, rendezvousNode, fillerA, fillerB)

	introSvc := NewIntroPointService(introNode.circuits, zap.NewNop())
	introNode.circuits.OnTerminal = func(link *circuit.Link, rc *wire.RelayCell) { introSvc.HandleTerminal(link, rc) }

	pointSvc := NewPointService(rendezvousNode.circuits, zap.NewNop())
	rendezvousNode.circuits.OnTerminal = func(link *circuit.Link, rc *wire.RelayCell) { pointSvc.HandleTerminal(link, rc) }

	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	pub := priv.PubKey()

	dir := newServiceDirectory(t, serviceNode.identity.NodeID, fillerA.identity.NodeID)
	defer dir.Stop()

	svc, err := NewService(serviceNode.circuits, serviceNode.peers, serviceNode.sel, dir, zap.NewNop(), priv, pub)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	rendezvousArrived := make(chan *Session, 1)
	svc.OnRendezvous = func(s *Session) { rendezvousArrived <- s }

	spliceTraffic := make(chan *wire.RelayCell, 1)
	serviceNode.circuits.OnInward = func(c *circuit.Circuit, rc *wire.RelayCell) {
		if svc.HandleInward(c, rc) {
			return
		}
		spliceTraffic <- rc
	}

	desc, err := svc.Publish(ctx, 1, time.Hour)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(desc.IntroPoints) != 1 {
		t.Fatalf("published descriptor has %d intro points, want 1", len(desc.IntroPoints))
	}

	client := NewClient(clientNode.circuits, clientNode.peers, clientNode.sel, zap.NewNop())
	clientNode.circuits.OnInward = func(c *circuit.Circuit, rc *wire.RelayCell) { client.HandleInward(c, rc) }

	session, err := client.Connect(ctx, desc)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if session.Circuit == nil || session.Crypto == nil {
		t.Fatal("Connect returned an incomplete session")
	}

	var serviceSession *Session
	select {
	case serviceSession = <-rendezvousArrived:
	case <-time.After(10 * time.Second):
		t.Fatal("service never observed the rendezvous splice")
	}
	if serviceSession.Crypto == nil {
		t.Fatal("service session has no derived end-to-end key")
	}

	outbound := &wire.RelayCell{RelayCmd: wire.RelayData, StreamID: 1, Payload: []byte("hello service")}
	if err := clientNode.circuits.SendRelay(session.Circuit, outbound); err != nil {
		t.Fatalf("SendRelay: %v", err)
	}

	select {
	case rc := <-spliceTraffic:
		if string(rc.Payload) != "hello service" {
			t.Fatalf("spliced payload = %q, want %q", rc.Payload, "hello service")
		}
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for spliced relay delivery")
	}
}

// TestRendezvousPointNacksUnknownCookie exercises the point-only failure
// path: RENDEZVOUS1 for a cookie no ESTABLISH_RENDEZVOUS ever registered
// gets a RENDEZVOUS_NACK back, and no splice is recorded.
func TestRendezvousPointNacksUnknownCookie(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	serviceNode := newTestNode(t, false)
	rendezvousNode := newTestNode(t, true)
	fillerA := newTestNode(t, true)
	fillerB := newTestNode(t, true)

	connectAll(t, ctx, serviceNode, rendezvousNode, fillerA, fillerB)

	pointSvc := NewPointService(rendezvousNode.circuits, zap.NewNop())
	rendezvousNode.circuits.OnTerminal = func(link *circuit.Link, rc *wire.RelayCell) { pointSvc.HandleTerminal(link, rc) }

	nackReceived := make(chan *wire.RelayCell, 1)
	serviceNode.circuits.OnInward = func(c *circuit.Circuit, rc *wire.RelayCell) { nackReceived <- rc }

	target, ok := serviceNode.peers.Lookup(rendezvousNode.identity.NodeID)
	if !ok {
		t.Fatal("service has no connection to the rendezvous point")
	}
	cs, err := serviceNode.circuits.BuildTo(ctx, circuit.PurposeToRendezvous, 2, serviceNode.sel, target)
	if err != nil {
		t.Fatalf("BuildTo: %v", err)
	}

	_, ephPub, err := newX25519KeyPair()
	if err != nil {
		t.Fatalf("newX25519KeyPair: %v", err)
	}
	var stale Cookie
	if _, err := rand.Read(stale[:]); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	rc := &wire.RelayCell{RelayCmd: wire.RelayRendezvous1, Payload: encodeRendezvous1(&rendezvousBody{Cookie: stale, EphemeralPub: ephPub})}
	if err := serviceNode.circuits.SendRelay(cs, rc); err != nil {
		t.Fatalf("SendRelay: %v", err)
	}

	select {
	case got := <-nackReceived:
		if got.RelayCmd != wire.RelayRendezvousNack {
			t.Fatalf("reply command = %v, want RelayRendezvousNack", got.RelayCmd)
		}
		nackCookie, err := decodeRendezvousNack(got.Payload)
		if err != nil {
			t.Fatalf("decodeRendezvousNack: %v", err)
		}
		if nackCookie != stale {
			t.Fatal("NACK echoed the wrong cookie")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for RENDEZVOUS_NACK")
	}
}
