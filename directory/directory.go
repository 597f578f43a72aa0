/*
Package directory implements ServiceDescriptor signing, publication,
lookup, and renewal (§4.4).

Grounded on spec.md §4.4's three operations (Publish/Lookup/renewal at
ttl/2) and on dht/localstore.go's NewerFunc, which was written with this
exact use in mind: a directory-supplied comparator so the DHT layer
itself refuses to overwrite a descriptor with an older signed
created_at, matching invariant "a store never replaces a descriptor
whose signed created_at is newer than the incoming one." Publication and
lookup both go through dht.Lookup the same way peer/rpc_adapter.go
already wires dht.Table's iterative lookups to the connection manager.
*/
package directory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/a7maadf/anonnet/anonerr"
	"github.com/a7maadf/anonnet/config"
	"github.com/a7maadf/anonnet/dht"
	"github.com/a7maadf/anonnet/wire"
	"github.com/btcsuite/btcd/btcec"
	"go.uber.org/zap"
)

// dhtKeySize matches identity.NodeIDSize; kept as a local constant so
// this package doesn't need to import identity just for the number.
const dhtKeySize = 16

// dhtKey derives the fixed-size DHT key an address is stored/looked up
// under: the address is already a domain-separated blake3 digest, so
// truncating it further preserves uniform distribution across buckets.
func dhtKey(addr wire.ServiceAddress) [dhtKeySize]byte {
	var key [dhtKeySize]byte
	copy(key[:], addr[:dhtKeySize])
	return key
}

// descriptorNewer compares two encoded descriptors by CreatedAt,
// rejecting a candidate that is not strictly newer than what is already
// stored — the exact comparator dht.NewerFunc's doc comment names.
func descriptorNewer(existing, candidate []byte) bool {
	existingDesc, err := wire.DecodeDescriptor(existing)
	if err != nil {
		return true
	}
	candidateDesc, err := wire.DecodeDescriptor(candidate)
	if err != nil {
		return false
	}
	return candidateDesc.CreatedAt.After(existingDesc.CreatedAt)
}

// published tracks one descriptor this node owns and must keep
// re-publishing before it expires.
type published struct {
	priv        *btcec.PrivateKey
	pub         *btcec.PublicKey
	encPub      [32]byte
	introPoints []wire.IntroPoint
	ttl         time.Duration
	descriptor  *wire.ServiceDescriptor
}

// Directory publishes and resolves ServiceDescriptors through the DHT.
type Directory struct {
	lookup *dht.Lookup
	cache  *dht.LocalStore
	logger *zap.Logger

	replicationFactor int

	mutex     sync.Mutex
	ownedByMe map[wire.ServiceAddress]*published

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New creates a Directory that runs lookups/stores through lookup and
// caches results locally, bounded by config.Defaults.MaxLocalStoreEntries.
func New(lookup *dht.Lookup, logger *zap.Logger) *Directory {
	d := &Directory{
		lookup:            lookup,
		cache:             dht.NewLocalStore(config.Defaults.MaxLocalStoreEntries, descriptorNewer),
		logger:            logger,
		replicationFactor: config.Defaults.ReplicationFactor,
		ownedByMe:         make(map[wire.ServiceAddress]*published),
		stopCh:            make(chan struct{}),
	}
	go d.republishLoop()
	return d
}

// Stop halts the background republish loop.
func (d *Directory) Stop() {
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// Publish builds, signs, and stores a fresh ServiceDescriptor for the
// service keypair (priv, pub) with the given intro points, then
// registers it for periodic republication at ttl/2 (§4.4 step 3,
// "Publishers own descriptors; they rotate them before expiry").
func (d *Directory) Publish(ctx context.Context, priv *btcec.PrivateKey, pub *btcec.PublicKey, encPub [32]byte, introPoints []wire.IntroPoint, ttl time.Duration) (*wire.ServiceDescriptor, error) {
	if len(introPoints) < 1 || len(introPoints) > wire.MaxIntroPoints {
		return nil, anonerr.New(anonerr.PolicyRefusal, "directory.Publish", fmt.Sprintf("intro point count %d out of range", len(introPoints)))
	}

	desc, err := buildAndSign(priv, pub, encPub, introPoints, ttl)
	if err != nil {
		return nil, anonerr.Wrap(anonerr.Local, "directory.Publish", "sign descriptor", err)
	}

	if err := d.store(ctx, desc); err != nil {
		return nil, err
	}

	d.mutex.Lock()
	d.ownedByMe[desc.Address] = &published{priv: priv, pub: pub, encPub: encPub, introPoints: introPoints, ttl: ttl, descriptor: desc}
	d.mutex.Unlock()

	return desc, nil
}

func buildAndSign(priv *btcec.PrivateKey, pub *btcec.PublicKey, encPub [32]byte, introPoints []wire.IntroPoint, ttl time.Duration) (*wire.ServiceDescriptor, error) {
	desc := &wire.ServiceDescriptor{
		Version:       wire.DescriptorVersion,
		Address:       wire.DeriveServiceAddress(pub),
		ServicePubKey: pub,
		ServiceEncPub: encPub,
		IntroPoints:   introPoints,
		CreatedAt:     time.Now().Truncate(time.Second).UTC(),
		TTL:           ttl,
	}
	if err := desc.Sign(priv); err != nil {
		return nil, err
	}
	return desc, nil
}

// store replicates desc to the DHT and seeds the local cache with it
// (a publisher trusts its own signature without a further Verify pass).
func (d *Directory) store(ctx context.Context, desc *wire.ServiceDescriptor) error {
	key := dhtKey(desc.Address)
	encoded := desc.Encode()

	d.cache.Put(string(desc.Address[:]), encoded, desc.CreatedAt.Add(desc.TTL))

	stored := d.lookup.Store(ctx, key, encoded, d.replicationFactor)
	if stored == 0 {
		return anonerr.New(anonerr.Exhaustion, "directory.store", "no DHT node accepted the descriptor")
	}
	return nil
}

// Lookup resolves address to its ServiceDescriptor, checking the local
// cache before falling back to an iterative DHT find_value (§4.4
// Lookup). Every descriptor accepted from the network is independently
// re-verified regardless of cache freshness (spec invariant 4): a
// cached hit still only survives if it validates against now.
func (d *Directory) Lookup(ctx context.Context, address wire.ServiceAddress) (*wire.ServiceDescriptor, error) {
	if raw, ok := d.cache.Get(string(address[:])); ok {
		if desc, err := decodeAndVerify(raw, address); err == nil {
			return desc, nil
		}
	}

	key := dhtKey(address)
	value, _, found := d.lookup.FindValue(ctx, key)
	if !found {
		return nil, anonerr.New(anonerr.ServiceUnreachable, "directory.Lookup", "descriptor not found")
	}

	desc, err := decodeAndVerify(value, address)
	if err != nil {
		return nil, anonerr.Wrap(anonerr.ServiceUnreachable, "directory.Lookup", "descriptor failed validation", err)
	}

	d.cache.Put(string(address[:]), value, desc.CreatedAt.Add(desc.TTL))
	return desc, nil
}

func decodeAndVerify(raw []byte, want wire.ServiceAddress) (*wire.ServiceDescriptor, error) {
	desc, err := wire.DecodeDescriptor(raw)
	if err != nil {
		return nil, err
	}
	if desc.Address != want {
		return nil, fmt.Errorf("directory: descriptor address mismatch")
	}
	if err := desc.Verify(time.Now()); err != nil {
		return nil, err
	}
	return desc, nil
}

// republishLoop rotates every locally-owned descriptor at ttl/2, the
// republish cadence spec.md's DHT-churn rationale requires: Kademlia
// replication is best-effort, so a live replica must be refreshed well
// before the descriptor it holds actually expires.
func (d *Directory) republishLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.republishDue()
		}
	}
}

func (d *Directory) republishDue() {
	now := time.Now()
	d.mutex.Lock()
	due := make([]*published, 0)
	for _, p := range d.ownedByMe {
		if now.After(p.descriptor.CreatedAt.Add(p.ttl / 2)) {
			due = append(due, p)
		}
	}
	d.mutex.Unlock()

	for _, p := range due {
		fresh, err := buildAndSign(p.priv, p.pub, p.encPub, p.introPoints, p.ttl)
		if err != nil {
			d.logger.Warn("directory: re-signing descriptor for republish", zap.Error(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = d.store(ctx, fresh)
		cancel()
		if err != nil {
			d.logger.Warn("directory: republish failed", zap.Error(err), zap.Stringer("address", fresh.Address))
			continue
		}
		d.mutex.Lock()
		p.descriptor = fresh
		d.mutex.Unlock()
	}
}
