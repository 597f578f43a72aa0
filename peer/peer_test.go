package peer

import (
	"context"
	"testing"
	"time"

	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/transport"
	"go.uber.org/zap"
)

func newTestManager(t *testing.T) (*Manager, *identity.Identity) {
	t.Helper()
	id, err := identity.Generate(8)
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	return NewManager(id, zap.NewNop(), 3*time.Second), id
}

func TestConnectAndPingPong(t *testing.T) {
	serverManager, serverIdentity := newTestManager(t)
	clientManager, _ := newTestManager(t)

	ln, err := transport.Listen("127.0.0.1:0", serverIdentity, 3*time.Second)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serverManager.Serve(ctx, ln)

	clientPeer, err := clientManager.Connect(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := clientManager.Ping(ctx, clientPeer); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestRequestHandlerRoundTrip(t *testing.T) {
	serverManager, serverIdentity := newTestManager(t)
	clientManager, _ := newTestManager(t)

	serverManager.RegisterRequestHandler(KindDHTFindNode, func(ctx context.Context, from *Peer, payload []byte) ([]byte, error) {
		return []byte("closest-nodes"), nil
	})

	ln, err := transport.Listen("127.0.0.1:0", serverIdentity, 3*time.Second)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serverManager.Serve(ctx, ln)

	clientPeer, err := clientManager.Connect(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	reply, err := clientManager.SendRequest(ctx, clientPeer, KindDHTFindNode, []byte("target"))
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	if string(reply) != "closest-nodes" {
		t.Fatalf("SendRequest() = %q, want closest-nodes", reply)
	}
}

func TestNotifyHandlerDelivery(t *testing.T) {
	serverManager, serverIdentity := newTestManager(t)
	clientManager, _ := newTestManager(t)

	received := make(chan []byte, 1)
	serverManager.RegisterNotifyHandler(KindCircuit, func(from *Peer, payload []byte) {
		received <- payload
	})

	ln, err := transport.Listen("127.0.0.1:0", serverIdentity, 3*time.Second)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go serverManager.Serve(ctx, ln)

	clientPeer, err := clientManager.Connect(ctx, ln.Addr().String())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}

	if err := clientManager.SendNotify(clientPeer, KindCircuit, []byte("cell-bytes")); err != nil {
		t.Fatalf("SendNotify: %v", err)
	}

	select {
	case payload := <-received:
		if string(payload) != "cell-bytes" {
			t.Fatalf("notify payload = %q, want cell-bytes", payload)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for notify delivery")
	}
}
