package node

import (
	"context"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/a7maadf/anonnet/rendezvous"
	"github.com/a7maadf/anonnet/store"
	"github.com/a7maadf/anonnet/streammux"
	"github.com/a7maadf/anonnet/wire"
	"github.com/btcsuite/btcd/btcec"
	"go.uber.org/zap"
)

// HostService publishes a hidden service under label (a caller-chosen
// name used only to find the same persisted service key again across
// restarts) that forwards every accepted stream to backendAddr, exactly
// S1's "H publishes a descriptor pointing at a loopback HTTP server."
// Calling HostService again with the same label on a fresh process
// reuses the previously persisted service key, so the address is
// stable.
func (n *Node) HostService(ctx context.Context, label, backendAddr string, introPointCount int, ttl time.Duration) (wire.ServiceAddress, error) {
	priv, pub, err := n.loadOrCreateServiceKey(label)
	if err != nil {
		return wire.ServiceAddress{}, err
	}

	svc, err := rendezvous.NewService(n.circuits, n.peers, n.sel, n.dir, n.logger, priv, pub)
	if err != nil {
		return wire.ServiceAddress{}, fmt.Errorf("node: creating rendezvous service: %w", err)
	}
	svc.OnRendezvous = func(session *rendezvous.Session) {
		n.mux.Bind(session.Circuit, session.Crypto)
		n.mutex.Lock()
		n.backends[session.Circuit] = backendAddr
		n.mutex.Unlock()
	}

	desc, err := svc.Publish(ctx, introPointCount, ttl)
	if err != nil {
		return wire.ServiceAddress{}, err
	}

	n.mutex.Lock()
	n.services[desc.Address] = svc
	n.mutex.Unlock()

	return desc.Address, nil
}

func (n *Node) loadOrCreateServiceKey(label string) (*btcec.PrivateKey, *btcec.PublicKey, error) {
	return loadOrCreateServiceKey(n.keys, label)
}

// loadOrCreateServiceKey is the store-only half of service key
// persistence, factored out so GenerateServiceKey can mint a service
// address without standing up a full Node.
func loadOrCreateServiceKey(keys store.Store, label string) (*btcec.PrivateKey, *btcec.PublicKey, error) {
	labelKey := []byte("service_label:" + label)
	if addrRaw, found := keys.Get(labelKey); found {
		if keyRaw, ok := keys.Get([]byte(serviceKeyFor(string(addrRaw)))); ok {
			priv, pub := btcec.PrivKeyFromBytes(btcec.S256(), keyRaw)
			return priv, pub, nil
		}
	}

	priv, err := btcec.NewPrivateKey(btcec.S256())
	if err != nil {
		return nil, nil, fmt.Errorf("node: generating service key: %w", err)
	}
	pub := priv.PubKey()
	addr := wire.DeriveServiceAddress(pub).String()

	if err := keys.Set([]byte(serviceKeyFor(addr)), priv.Serialize()); err != nil {
		return nil, nil, fmt.Errorf("node: persisting service key: %w", err)
	}
	if err := keys.Set(labelKey, []byte(addr)); err != nil {
		return nil, nil, fmt.Errorf("node: persisting service label: %w", err)
	}
	return priv, pub, nil
}

// GenerateServiceKey mints (or loads, if label was already used under
// dataDir) a hidden-service keypair and returns its .anon address,
// without constructing a full Node — used by cmd/anonnetd's keygen
// subcommand to prepare a service address offline before the daemon
// ever joins the network.
func GenerateServiceKey(dataDir, label string) (wire.ServiceAddress, error) {
	keys, err := store.NewPogrebStore(filepath.Join(dataDir, "state.db"))
	if err != nil {
		return wire.ServiceAddress{}, fmt.Errorf("node: opening key store: %w", err)
	}
	defer keys.Close()

	_, pub, err := loadOrCreateServiceKey(keys, label)
	if err != nil {
		return wire.ServiceAddress{}, err
	}
	return wire.DeriveServiceAddress(pub), nil
}

// forwardToBackend dials backendAddr and relays stream's bytes both
// directions, the hidden-service-hosting half of what socks.relay does
// for the client side.
func forwardToBackend(logger *zap.Logger, backendAddr string, stream *streammux.Stream) {
	conn, err := net.Dial("tcp", backendAddr)
	if err != nil {
		logger.Warn("node: dialing hidden service backend", zap.String("backend", backendAddr), zap.Error(err))
		_ = stream.Close()
		return
	}
	defer conn.Close()
	defer stream.Close()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(conn, stream)
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(stream, conn)
	}()
	wg.Wait()
}
