package socks

import (
	"bufio"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/a7maadf/anonnet/circuit"
	"github.com/a7maadf/anonnet/dht"
	"github.com/a7maadf/anonnet/directory"
	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/peer"
	"github.com/a7maadf/anonnet/rendezvous"
	"github.com/a7maadf/anonnet/streammux"
	"github.com/a7maadf/anonnet/transport"
	"github.com/a7maadf/anonnet/wire"
	"github.com/btcsuite/btcd/btcec"
	"go.uber.org/zap"
)

// testNode mirrors circuit/manager_test.go and rendezvous_test.go's own
// fixture: a real listener, peer dictionary, and circuit engine, since a
// SOCKS CONNECT must drive a genuine rendezvous handshake end to end.
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

// meshRPC is the same minimal stand-in for dht.RPC that rendezvous_test.go
// uses, duplicated here since it is unexported there.
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

const errNoSuchPeer = meshError("socks: no such peer")

func (m *meshRPC) FindNode(ctx context.Context, p *dht.Node, target identity.NodeID) ([]*dht.Node, error) {
	m.mutex.Lock()
	table := m.nodes[p.ID]
	m.mutex.Unlock()
	if table == nil {
		return nil, errNoSuchPeer
	}
	return table.Closest(target, 20), nil
}

func (m *meshRPC) FindValue(ctx context.Context, p *dht.Node, key [identity.NodeIDSize]byte) ([]byte, []*dht.Node, bool, error) {
	m.mutex.Lock()
	s := m.store[p.ID]
	table := m.nodes[p.ID]
	m.mutex.Unlock()
	if s == nil {
		return nil, nil, false, errNoSuchPeer
	}
	if v, ok := s.Get(string(key[:])); ok {
		return v, nil, true, nil
	}
	return nil, table.Closest(identity.NodeID(key), 20), false, nil
}

func (m *meshRPC) Store(ctx context.Context, p *dht.Node, key [identity.NodeIDSize]byte, value []byte) error {
	m.mutex.Lock()
	s := m.store[p.ID]
	m.mutex.Unlock()
	if s == nil {
		return errNoSuchPeer
	}
	s.Put(string(key[:]), value, time.Time{})
	return nil
}

func (m *meshRPC) Ping(ctx context.Context, p *dht.Node) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.nodes[p.ID]; !ok {
		return errNoSuchPeer
	}
	return nil
}

func newDirectory(mesh *meshRPC, selfID identity.NodeID, neighbors ...identity.NodeID) *directory.Directory {
	table := dht.NewTable(selfID, 20)
	for _, n := range neighbors {
		table.Upsert(n, nil)
	}
	mesh.join(selfID, table)
	return directory.New(dht.NewLookup(table, mesh, 3, 20), zap.NewNop())
}

// echoBackend is a trivial local TCP server a hidden service "forwards"
// an accepted stream to, standing in for whatever local application the
// service actually publishes.
func echoBackend(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				n, err := c.Read(buf)
				if err != nil {
					return
				}
				_, _ = c.Write(buf[:n])
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return ln
}

// setupHiddenService builds a full six-node rendezvous topology (mirroring
// rendezvous_test.go's TestRendezvousFullHandshake) and returns a client
// directory + rendezvous client + stream mux already wired to reach the
// published `.anon` address, plus the address itself and the local TCP
// backend every accepted stream is echoed to.
func setupHiddenService(t *testing.T, ctx context.Context) (*directory.Directory, *rendezvous.Client, *streammux.Mux, wire.ServiceAddress, net.Listener) {
	t.Helper()

	clientNode := newTestNode(t, false)
	serviceNode := newTestNode(t, false)
	introNode := newTestNode(t, true)
	rendezvousNode := newTestNode(t, true)
	fillerA := newTestNode(t, true)
	fillerB := newTestNode(t, true)

	connectAll(t, ctx, clientNode, introNode, rendezvousNode, fillerA, fillerB)
	connectAll(t, ctx, serviceNode, introNode, rendezvousNode, fillerA, fillerB)

	introSvc := rendezvous.NewIntroPointService(introNode.circuits, zap.NewNop())
	introNode.circuits.OnTerminal = func(link *circuit.Link, rc *wire.RelayCell) { introSvc.HandleTerminal(link, rc) }

	pointSvc := rendezvous.NewPointService(rendezvousNode.circuits, zap.NewNop())
	rendezvousNode.circuits.OnTerminal = func(link *circuit.Link, rc *wire.RelayCell) { pointSvc.HandleTerminal(link, rc) }

	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		t.Fatalf("NewPrivateKey: %v", err)
	}
	pub := priv.PubKey()

	mesh := newMeshRPC()
	serviceDir := newDirectory(mesh, serviceNode.identity.NodeID, fillerA.identity.NodeID)
	clientDir := newDirectory(mesh, clientNode.identity.NodeID, fillerA.identity.NodeID)
	t.Cleanup(func() { serviceDir.Stop(); clientDir.Stop() })

	svc, err := rendezvous.NewService(serviceNode.circuits, serviceNode.peers, serviceNode.sel, serviceDir, zap.NewNop(), priv, pub)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	backend := echoBackend(t)
	serviceMux := streammux.NewMux(serviceNode.circuits, zap.NewNop())
	serviceMux.OnAccept(func(circ *circuit.Circuit, targetPort uint16, stream *streammux.Stream) {
		local, err := net.Dial("tcp", backend.Addr().String())
		if err != nil {
			stream.Close()
			return
		}
		defer local.Close()
		var wg sync.WaitGroup
		wg.Add(2)
		go func() { defer wg.Done(); _, _ = io.Copy(local, stream) }()
		go func() { defer wg.Done(); _, _ = io.Copy(stream, local) }()
		wg.Wait()
	})

	svc.OnRendezvous = func(sess *rendezvous.Session) {
		serviceMux.Bind(sess.Circuit, sess.Crypto)
	}
	serviceNode.circuits.OnInward = func(c *circuit.Circuit, rc *wire.RelayCell) {
		if svc.HandleInward(c, rc) {
			return
		}
		serviceMux.HandleInward(c, rc)
	}

	desc, err := svc.Publish(ctx, 1, time.Hour)
	if err != nil {
		t.Fatalf("Publish: %v", err)
	}

	client := rendezvous.NewClient(clientNode.circuits, clientNode.peers, clientNode.sel, zap.NewNop())
	clientMux := streammux.NewMux(clientNode.circuits, zap.NewNop())
	clientNode.circuits.OnInward = func(c *circuit.Circuit, rc *wire.RelayCell) {
		if client.HandleInward(c, rc) {
			return
		}
		clientMux.HandleInward(c, rc)
	}

	return clientDir, client, clientMux, desc.Address, backend
}

func socks5Connect(t *testing.T, proxyAddr, host string, port uint16) (net.Conn, byte) {
	t.Helper()
	conn, err := net.Dial("tcp", proxyAddr)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	r := bufio.NewReader(conn)
	sel := make([]byte, 2)
	if _, err := io.ReadFull(r, sel); err != nil {
		t.Fatalf("read method selection: %v", err)
	}
	if sel[1] != 0x00 {
		t.Fatalf("server did not accept NO AUTH: %x", sel[1])
	}

	req := []byte{0x05, 0x01, 0x00, 0x03, byte(len(host))}
	req = append(req, []byte(host)...)
	req = append(req, byte(port>>8), byte(port))
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(r, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return conn, reply[1]
}

func TestSocksConnectToAnonAddressRelaysBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	clientDir, client, mux, address, _ := setupHiddenService(t, ctx)

	server := New(clientDir, client, mux, zap.NewNop())
	if err := server.Listen("127.0.0.1:0", ""); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()
	go server.Serve(ctx)

	conn, code := socks5Connect(t, server.Addr().String(), address.String(), 8080)
	defer conn.Close()
	if code != replySucceeded {
		t.Fatalf("reply code = %#x, want succeeded", code)
	}

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatalf("write: %v", err)
	}
	buf := make([]byte, 64)
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(buf[:n]); got != "ping" {
		t.Fatalf("echoed payload = %q, want %q", got, "ping")
	}
}

func TestSocksRefusesNonAnonHost(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientDir, client, mux, _, _ := setupHiddenService(t, ctx)

	server := New(clientDir, client, mux, zap.NewNop())
	if err := server.Listen("127.0.0.1:0", ""); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()
	go server.Serve(ctx)

	conn, code := socks5Connect(t, server.Addr().String(), "example.com", 80)
	defer conn.Close()
	if code != replyRuleRefused {
		t.Fatalf("reply code = %#x, want rule-refused (no clearnet exception)", code)
	}
}

func TestSocksRejectsBindCommand(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	clientDir, client, mux, _, _ := setupHiddenService(t, ctx)

	server := New(clientDir, client, mux, zap.NewNop())
	if err := server.Listen("127.0.0.1:0", ""); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer server.Close()
	go server.Serve(ctx)

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte{0x05, 0x01, 0x00}); err != nil {
		t.Fatalf("write greeting: %v", err)
	}
	r := bufio.NewReader(conn)
	sel := make([]byte, 2)
	if _, err := io.ReadFull(r, sel); err != nil {
		t.Fatalf("read method selection: %v", err)
	}

	// BIND (0x02) instead of CONNECT.
	req := []byte{0x05, 0x02, 0x00, 0x03, 4, 'h', 'o', 's', 't', 0, 80}
	if _, err := conn.Write(req); err != nil {
		t.Fatalf("write request: %v", err)
	}
	reply := make([]byte, 10)
	if _, err := io.ReadFull(r, reply); err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply[1] != replyCommandUnsupported {
		t.Fatalf("reply code = %#x, want command-unsupported", reply[1])
	}
}
