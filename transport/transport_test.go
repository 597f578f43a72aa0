package transport

import (
	"testing"
	"time"

	"github.com/a7maadf/anonnet/identity"
)

func newTestIdentity(t *testing.T) *identity.Identity {
	t.Helper()
	id, err := identity.Generate(8)
	if err != nil {
		t.Fatalf("identity.Generate: %v", err)
	}
	return id
}

func TestHandshakeAndStreamRoundTrip(t *testing.T) {
	serverIdentity := newTestIdentity(t)
	clientIdentity := newTestIdentity(t)

	ln, err := Listen("127.0.0.1:0", serverIdentity, 5*time.Second)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverSessions := make(chan *Session, 1)
	serverErrs := make(chan error, 1)
	go func() {
		s, err := ln.Accept()
		if err != nil {
			serverErrs <- err
			return
		}
		serverSessions <- s
	}()

	clientSession, err := Dial(ln.Addr().String(), clientIdentity, 5*time.Second)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer clientSession.Close()

	var serverSession *Session
	select {
	case serverSession = <-serverSessions:
	case err := <-serverErrs:
		t.Fatalf("server handshake failed: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for server session")
	}
	defer serverSession.Close()

	if clientSession.PeerNodeID != serverIdentity.NodeID {
		t.Fatalf("client sees wrong peer NodeId: got %x want %x", clientSession.PeerNodeID, serverIdentity.NodeID)
	}
	if serverSession.PeerNodeID != clientIdentity.NodeID {
		t.Fatalf("server sees wrong peer NodeId: got %x want %x", serverSession.PeerNodeID, clientIdentity.NodeID)
	}

	go clientSession.Run()
	go serverSession.Run()

	clientStream, err := clientSession.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}

	serverStream, err := serverSession.AcceptStream()
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}

	if err := clientStream.Send([]byte("hello")); err != nil {
		t.Fatalf("client Send: %v", err)
	}
	msg, err := serverStream.Recv()
	if err != nil {
		t.Fatalf("server Recv: %v", err)
	}
	if string(msg) != "hello" {
		t.Fatalf("server Recv() = %q, want hello", msg)
	}

	if err := serverStream.Send([]byte("world")); err != nil {
		t.Fatalf("server Send: %v", err)
	}
	reply, err := clientStream.Recv()
	if err != nil {
		t.Fatalf("client Recv: %v", err)
	}
	if string(reply) != "world" {
		t.Fatalf("client Recv() = %q, want world", reply)
	}

	if err := clientStream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := serverStream.Recv(); err == nil {
		t.Fatalf("expected EOF on server stream after close")
	}
}

func TestHandshakeRejectsTamperedNodeID(t *testing.T) {
	serverIdentity := newTestIdentity(t)
	clientIdentity := newTestIdentity(t)
	clientIdentity.NodeID[0] ^= 0xFF // corrupt claimed NodeId vs. public key

	ln, err := Listen("127.0.0.1:0", serverIdentity, 2*time.Second)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	go ln.Accept()

	_, err = Dial(ln.Addr().String(), clientIdentity, 2*time.Second)
	if err == nil {
		t.Fatalf("expected Dial to fail with tampered NodeId, got nil error")
	}
}
