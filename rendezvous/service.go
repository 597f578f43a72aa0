package rendezvous

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/a7maadf/anonnet/circuit"
	"github.com/a7maadf/anonnet/directory"
	"github.com/a7maadf/anonnet/peer"
	"github.com/a7maadf/anonnet/wire"
	"github.com/btcsuite/btcd/btcec"
	"go.uber.org/zap"
)

// Service is the responder half of §4.4 step 2 / §4.6: it registers
// itself at a set of introduction points and answers INTRODUCE2 requests
// by building a circuit to the rendezvous point the client chose.
type Service struct {
	manager *circuit.Manager
	peers   *peer.Manager
	sel     *circuit.Selector
	dir     *directory.Directory
	logger  *zap.Logger

	priv *btcec.PrivateKey
	pub  *btcec.PublicKey

	encPriv [32]byte
	encPub  [32]byte

	mutex   sync.Mutex
	circuits map[*circuit.Circuit]struct{}

	// OnRendezvous is invoked once per successful INTRODUCE2, handing the
	// caller (streammux, in the finished node) the spliced circuit and
	// the derived end-to-end session key. Fired without waiting for the
	// rendezvous point's splice to complete, matching §4.6's description
	// of the service sending RENDEZVOUS1 and proceeding optimistically.
	OnRendezvous func(session *Session)
}

// NewService creates a rendezvous responder for the signing keypair
// (priv, pub); it also generates the long-lived X25519 keypair clients
// seal INTRODUCE1 requests under, since the signing key is secp256k1 and
// cannot do ECDH (see wire.ServiceDescriptor.ServiceEncPub).
func NewService(manager *circuit.Manager, peers *peer.Manager, sel *circuit.Selector, dir *directory.Directory, logger *zap.Logger, priv *btcec.PrivateKey, pub *btcec.PublicKey) (*Service, error) {
	encPriv, encPub, err := newX25519KeyPair()
	if err != nil {
		return nil, err
	}
	return &Service{
		manager:  manager,
		peers:    peers,
		sel:      sel,
		dir:      dir,
		logger:   logger,
		priv:     priv,
		pub:      pub,
		encPriv:  encPriv,
		encPub:   encPub,
		circuits: make(map[*circuit.Circuit]struct{}),
	}, nil
}

// Publish builds circuits to introPointCount candidate relays, registers
// this service at each (§4.4 step 2), and signs and publishes a
// descriptor listing them (C5). Candidates are the most reliable
// currently-connected peers, the same simplification already noted for
// circuit's path selection: an introduction point must already be a
// live connection, not merely DHT-known.
func (s *Service) Publish(ctx context.Context, introPointCount int, ttl time.Duration) (*wire.ServiceDescriptor, error) {
	candidates := append([]*peer.Peer(nil), s.peers.Peers()...)
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Reliability() > candidates[j].Reliability() })
	if len(candidates) > introPointCount {
		candidates = candidates[:introPointCount]
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("rendezvous: no candidate introduction points connected")
	}

	routeKey := s.pub.SerializeCompressed()
	introPoints := make([]wire.IntroPoint, 0, len(candidates))
	for _, target := range candidates {
		c, err := s.manager.BuildTo(ctx, circuit.PurposeToIntro, 2, s.sel, target)
		if err != nil {
			s.logger.Warn("rendezvous: building circuit to introduction point", zap.Error(err))
			continue
		}
		establish := &wire.RelayCell{RelayCmd: wire.RelayEstablishIntro, Payload: encodeEstablishIntro(&establishIntroBody{ServiceRouteKey: routeKey})}
		if err := s.manager.SendRelay(c, establish); err != nil {
			s.logger.Warn("rendezvous: sending ESTABLISH_INTRO", zap.Error(err))
			s.manager.Destroy(c)
			continue
		}

		s.mutex.Lock()
		s.circuits[c] = struct{}{}
		s.mutex.Unlock()

		// IntroPubKey is left nil: this node's routing model never
		// retains a peer's raw signing key past handshake (only its
		// derived NodeID), so there is nothing else to put here without
		// re-plumbing the peer dictionary for a field nothing else reads.
		introPoints = append(introPoints, wire.IntroPoint{IntroNodeID: target.NodeID})
	}
	if len(introPoints) == 0 {
		return nil, fmt.Errorf("rendezvous: failed to register at any introduction point")
	}

	return s.dir.Publish(ctx, s.priv, s.pub, s.encPub, introPoints, ttl)
}

// HandleInward processes INTRODUCE2 cells arriving on one of this
// service's own intro-registration circuits. It reports whether it
// consumed rc, so a composite dispatcher knows not to try another
// handler.
func (s *Service) HandleInward(c *circuit.Circuit, rc *wire.RelayCell) bool {
	s.mutex.Lock()
	_, ours := s.circuits[c]
	s.mutex.Unlock()
	if !ours || rc.RelayCmd != wire.RelayIntroduce2 {
		return false
	}
	go s.handleIntroduce2(rc)
	return true
}

func (s *Service) handleIntroduce2(rc *wire.RelayCell) {
	body, err := decodeIntroduce(rc.Payload)
	if err != nil {
		s.logger.Debug("rendezvous: malformed INTRODUCE2", zap.Error(err))
		return
	}
	plain, err := openFromClient(s.encPriv, body.ClientEphemeralPub, body.Ciphertext)
	if err != nil {
		s.logger.Debug("rendezvous: failed to open INTRODUCE2", zap.Error(err))
		return
	}
	inner, err := decodeInnerIntroduce(plain)
	if err != nil {
		s.logger.Debug("rendezvous: malformed inner INTRODUCE2", zap.Error(err))
		return
	}

	rendezvousPeer, ok := s.peers.Lookup(inner.RendezvousNode)
	if !ok {
		s.logger.Debug("rendezvous: chosen rendezvous point is not connected", zap.Stringer("node", inner.RendezvousNode))
		return
	}

	ephPriv, ephPub, err := newX25519KeyPair()
	if err != nil {
		s.logger.Warn("rendezvous: generating session key pair", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), replyTimeout)
	defer cancel()
	cs, err := s.manager.BuildTo(ctx, circuit.PurposeToRendezvous, 2, s.sel, rendezvousPeer)
	if err != nil {
		s.logger.Warn("rendezvous: building circuit to rendezvous point", zap.Error(err))
		return
	}

	reply := &wire.RelayCell{RelayCmd: wire.RelayRendezvous1, Payload: encodeRendezvous1(&rendezvousBody{Cookie: inner.Cookie, EphemeralPub: ephPub})}
	if err := s.manager.SendRelay(cs, reply); err != nil {
		s.logger.Warn("rendezvous: sending RENDEZVOUS1", zap.Error(err))
		s.manager.Destroy(cs)
		return
	}

	e2e, err := deriveEndToEnd(ephPriv, body.ClientEphemeralPub, false)
	if err != nil {
		s.logger.Warn("rendezvous: deriving session key", zap.Error(err))
		s.manager.Destroy(cs)
		return
	}

	if s.OnRendezvous != nil {
		s.OnRendezvous(&Session{Circuit: cs, Crypto: e2e})
	}
}
