package streammux

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/a7maadf/anonnet/circuit"
	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/peer"
	"github.com/a7maadf/anonnet/transport"
	"github.com/a7maadf/anonnet/wire"
	"go.uber.org/zap"
)

// testNode mirrors circuit's own manager_test.go fixture: a real
// listener, peer dictionary, and circuit engine, since exercising stream
// framing needs genuine cell traffic rather than a mock circuit.
type testNode struct {
	identity *identity.Identity
	peers    *peer.Manager
	circuits *circuit.Manager
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
		listener: ln,
	}
}

// echoRelay plays the far side of a one-hop circuit without a Mux of its
// own: it answers BEGIN with CONNECTED and bounces DATA/END straight
// back, using circuit.Manager.ForwardAcrossLink the same way a rendezvous
// point splices two circuits, just degenerately onto the same link.
func echoRelay(relay *testNode) {
	relay.circuits.OnTerminal = func(link *circuit.Link, rc *wire.RelayCell) {
		switch rc.RelayCmd {
		case wire.RelayBegin:
			_ = relay.circuits.ForwardAcrossLink(link, &wire.RelayCell{RelayCmd: wire.RelayConnected, StreamID: rc.StreamID})
		case wire.RelayData:
			_ = relay.circuits.ForwardAcrossLink(link, &wire.RelayCell{RelayCmd: wire.RelayData, StreamID: rc.StreamID, Payload: rc.Payload})
		case wire.RelayEnd:
			_ = relay.circuits.ForwardAcrossLink(link, &wire.RelayCell{RelayCmd: wire.RelayEnd, StreamID: rc.StreamID, Payload: rc.Payload})
		}
	}
}

func TestOpenStreamWriteReadEcho(t *testing.T) {
	originator := newTestNode(t, false)
	relay := newTestNode(t, true)
	echoRelay(relay)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := originator.peers.Connect(ctx, relay.listener.Addr().String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sel := circuit.NewSelector(originator.peers, originator.identity.NodeID)
	circ, err := originator.circuits.Build(ctx, circuit.PurposeGeneral, circuit.MinHops, sel)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	mux := NewMux(originator.circuits, zap.NewNop())
	originator.circuits.OnInward = func(c *circuit.Circuit, rc *wire.RelayCell) { mux.HandleInward(c, rc) }
	mux.Bind(circ, nil)

	stream, err := mux.OpenStream(ctx, circ, 8080)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	if _, err := stream.Write([]byte("hello service")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 64)
	n, err := stream.Read(buf)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got := string(buf[:n]); got != "hello service" {
		t.Fatalf("Read = %q, want %q", got, "hello service")
	}

	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := stream.Read(buf); err != io.EOF {
		t.Fatalf("Read after Close = %v, want io.EOF", err)
	}
}

func TestOpenStreamChunksAboveMaxRelayPayload(t *testing.T) {
	originator := newTestNode(t, false)
	relay := newTestNode(t, true)
	echoRelay(relay)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := originator.peers.Connect(ctx, relay.listener.Addr().String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sel := circuit.NewSelector(originator.peers, originator.identity.NodeID)
	circ, err := originator.circuits.Build(ctx, circuit.PurposeGeneral, circuit.MinHops, sel)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	mux := NewMux(originator.circuits, zap.NewNop())
	originator.circuits.OnInward = func(c *circuit.Circuit, rc *wire.RelayCell) { mux.HandleInward(c, rc) }
	mux.Bind(circ, nil)

	stream, err := mux.OpenStream(ctx, circ, 8080)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	big := make([]byte, 1200) // spans three max_relay_payload-sized DATA cells
	for i := range big {
		big[i] = byte(i)
	}
	if _, err := stream.Write(big); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := make([]byte, 0, len(big))
	buf := make([]byte, 512)
	for len(got) < len(big) {
		n, err := stream.Read(buf)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		got = append(got, buf[:n]...)
	}
	for i := range big {
		if got[i] != big[i] {
			t.Fatalf("byte %d = %d, want %d", i, got[i], big[i])
		}
	}
}

func TestSendWindowBlocksUntilSendme(t *testing.T) {
	originator := newTestNode(t, false)
	relay := newTestNode(t, true)
	echoRelay(relay)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := originator.peers.Connect(ctx, relay.listener.Addr().String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sel := circuit.NewSelector(originator.peers, originator.identity.NodeID)
	circ, err := originator.circuits.Build(ctx, circuit.PurposeGeneral, circuit.MinHops, sel)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	mux := NewMux(originator.circuits, zap.NewNop())
	originator.circuits.OnInward = func(c *circuit.Circuit, rc *wire.RelayCell) { mux.HandleInward(c, rc) }
	mux.Bind(circ, nil)

	stream, err := mux.OpenStream(ctx, circ, 8080)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	stream.mutex.Lock()
	stream.sendWindow = 0
	stream.mutex.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := stream.Write([]byte("x"))
		done <- err
	}()

	select {
	case <-done:
		t.Fatal("Write returned before the send window was replenished")
	case <-time.After(200 * time.Millisecond):
	}

	stream.deliverSendme()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Write never unblocked after SENDME")
	}
}

// TestUnboundAcceptRefusesBegin exercises the inbound BEGIN path directly
// (as a splice-delivered OnInward callback would see it) against a Mux
// with no OnAccept installed, and checks it is refused and cleaned up
// rather than left dangling.
func TestUnboundAcceptRefusesBegin(t *testing.T) {
	self := newTestNode(t, false)
	peerNode := newTestNode(t, true)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := self.peers.Connect(ctx, peerNode.listener.Addr().String()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	sel := circuit.NewSelector(self.peers, self.identity.NodeID)
	circ, err := self.circuits.Build(ctx, circuit.PurposeGeneral, circuit.MinHops, sel)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	mux := NewMux(self.circuits, zap.NewNop())
	mux.Bind(circ, nil)

	begin := &wire.RelayCell{RelayCmd: wire.RelayBegin, StreamID: 1, Payload: encodeBegin(&beginBody{TargetPort: 80})}
	if consumed := mux.HandleInward(circ, begin); !consumed {
		t.Fatal("HandleInward did not claim a BEGIN cell")
	}

	mux.mutex.Lock()
	_, stillTracked := mux.streams[streamKey{circ, 1}]
	mux.mutex.Unlock()
	if stillTracked {
		t.Fatal("refused stream was not cleaned up")
	}
}
