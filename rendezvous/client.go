package rendezvous

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/a7maadf/anonnet/anonerr"
	"github.com/a7maadf/anonnet/circuit"
	"github.com/a7maadf/anonnet/config"
	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/peer"
	"github.com/a7maadf/anonnet/wire"
	"go.uber.org/zap"
)

// replyTimeout bounds how long the client waits for a single INTRODUCE_ACK
// or RENDEZVOUS2/RENDEZVOUS_NACK before giving up on the attempt in hand.
const replyTimeout = 20 * time.Second

// Session is an established end-to-end rendezvous connection: Circuit is
// the client's half (Cc), spliced at the rendezvous point to the
// service's own half, and Crypto seals/opens payloads carried over it.
type Session struct {
	Circuit *circuit.Circuit
	Crypto  *circuit.HopCrypto
}

// Client is the connector half of §4.6: it resolves a service descriptor,
// introduces itself through one of the service's intro points, and waits
// for the rendezvous point to splice its circuit to the service's.
type Client struct {
	manager *circuit.Manager
	peers   *peer.Manager
	sel     *circuit.Selector
	logger  *zap.Logger

	mutex   sync.Mutex
	pending map[*circuit.Circuit]chan *wire.RelayCell
}

// NewClient creates a rendezvous connector bound to manager.
func NewClient(manager *circuit.Manager, peers *peer.Manager, sel *circuit.Selector, logger *zap.Logger) *Client {
	return &Client{
		manager: manager,
		peers:   peers,
		sel:     sel,
		logger:  logger,
		pending: make(map[*circuit.Circuit]chan *wire.RelayCell),
	}
}

// HandleInward delivers an inward relay cell arriving on one of the
// client's own circuits to whichever Connect call is waiting on it. It
// reports whether it consumed rc, so a composite dispatcher knows not to
// try another handler.
func (c *Client) HandleInward(circ *circuit.Circuit, rc *wire.RelayCell) bool {
	switch rc.RelayCmd {
	case wire.RelayIntroduceAck, wire.RelayRendezvous2, wire.RelayRendezvousNack:
	default:
		return false
	}
	c.mutex.Lock()
	ch, ok := c.pending[circ]
	c.mutex.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- rc:
	default:
		c.logger.Debug("rendezvous: dropped reply, no one waiting", zap.Uint64("circuit", uint64(circ.LinkID)))
	}
	return true
}

func (c *Client) register(circ *circuit.Circuit) chan *wire.RelayCell {
	ch := make(chan *wire.RelayCell, 1)
	c.mutex.Lock()
	c.pending[circ] = ch
	c.mutex.Unlock()
	return ch
}

func (c *Client) unregister(circ *circuit.Circuit) {
	c.mutex.Lock()
	delete(c.pending, circ)
	c.mutex.Unlock()
}

func (c *Client) await(ctx context.Context, circ *circuit.Circuit, ch chan *wire.RelayCell) (*wire.RelayCell, error) {
	select {
	case rc := <-ch:
		return rc, nil
	case <-time.After(replyTimeout):
		return nil, anonerr.New(anonerr.CircuitFault, "rendezvous.Client", "timed out waiting for rendezvous reply")
	case <-ctx.Done():
		return nil, anonerr.Wrap(anonerr.Local, "rendezvous.Client", "context cancelled", ctx.Err())
	}
}

// pickRendezvousPoint chooses a connected peer to act as rendezvous
// point, excluding the intro point itself. It reuses the circuit
// engine's own quality ordering (reliability, NodeId tie-break) rather
// than picking arbitrarily, and is limited to peer.Manager's live
// connected-peer set, the same simplification already noted for
// circuit's path selection.
func (c *Client) pickRendezvousPoint(exclude *peer.Peer) (*peer.Peer, error) {
	criteria := circuit.DefaultCriteria(1)
	if exclude != nil {
		criteria.Excluded = map[identity.NodeID]struct{}{exclude.NodeID: {}}
	}
	candidates, err := c.sel.SelectPath(criteria)
	if err != nil {
		return nil, anonerr.Wrap(anonerr.Exhaustion, "rendezvous.Client", "no candidate rendezvous points connected", err)
	}
	return candidates[0], nil
}

// Connect performs the full client side of §4.6 against desc, retrying
// with a fresh rendezvous point up to config.Defaults.RendezvousRetries
// times with exponential backoff if a rendezvous attempt never completes
// (the rendezvous point silently drops an unmatched cookie rather than
// reporting failure to the client directly, so a stalled attempt and a
// stale cookie look identical here).
func (c *Client) Connect(ctx context.Context, desc *wire.ServiceDescriptor) (*Session, error) {
	if len(desc.IntroPoints) == 0 {
		return nil, anonerr.New(anonerr.ServiceUnreachable, "rendezvous.Client", "descriptor has no introduction points")
	}

	var introPeer *peer.Peer
	for _, ip := range desc.IntroPoints {
		if p, ok := c.peers.Lookup(ip.IntroNodeID); ok {
			introPeer = p
			break
		}
	}
	if introPeer == nil {
		return nil, anonerr.New(anonerr.ServiceUnreachable, "rendezvous.Client", "no introduction point is reachable")
	}

	backoff := config.Defaults.PublishBackoffMin
	var lastErr error
	for attempt := 0; attempt < config.Defaults.RendezvousRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, anonerr.Wrap(anonerr.Local, "rendezvous.Client", "context cancelled", ctx.Err())
			}
			backoff *= 2
			if backoff > config.Defaults.PublishBackoffMax {
				backoff = config.Defaults.PublishBackoffMax
			}
		}

		session, err := c.attempt(ctx, desc, introPeer)
		if err == nil {
			return session, nil
		}
		lastErr = err
		c.logger.Debug("rendezvous: attempt failed, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}
	return nil, anonerr.Wrap(anonerr.ServiceUnreachable, "rendezvous.Client", "exhausted rendezvous retries", lastErr)
}

func (c *Client) attempt(ctx context.Context, desc *wire.ServiceDescriptor, introPeer *peer.Peer) (*Session, error) {
	rendezvousPeer, err := c.pickRendezvousPoint(introPeer)
	if err != nil {
		return nil, err
	}

	cc, err := c.manager.BuildTo(ctx, circuit.PurposeToRendezvous, 2, c.sel, rendezvousPeer)
	if err != nil {
		return nil, fmt.Errorf("rendezvous: build circuit to rendezvous point: %w", err)
	}
	ccReplies := c.register(cc)
	defer c.unregister(cc)

	cookie, err := newCookie()
	if err != nil {
		c.manager.Destroy(cc)
		return nil, err
	}
	establish := &wire.RelayCell{RelayCmd: wire.RelayEstablishRendezvous, Payload: encodeEstablishRendezvous(&establishRendezvousBody{Cookie: cookie})}
	if err := c.manager.SendRelay(cc, establish); err != nil {
		c.manager.Destroy(cc)
		return nil, fmt.Errorf("rendezvous: send ESTABLISH_RENDEZVOUS: %w", err)
	}

	ci, err := c.manager.BuildTo(ctx, circuit.PurposeToIntro, 2, c.sel, introPeer)
	if err != nil {
		c.manager.Destroy(cc)
		return nil, fmt.Errorf("rendezvous: build circuit to introduction point: %w", err)
	}
	ciReplies := c.register(ci)

	inner := encodeInnerIntroduce(&innerIntroduce{RendezvousNode: rendezvousPeer.NodeID, Cookie: cookie})
	ephPriv, ephPub, ciphertext, err := sealToService(desc.ServiceEncPub, inner)
	if err != nil {
		c.unregister(ci)
		c.manager.Destroy(ci)
		c.manager.Destroy(cc)
		return nil, err
	}

	introduce := &wire.RelayCell{RelayCmd: wire.RelayIntroduce1, Payload: encodeIntroduce(&introduceBody{
		ServiceRouteKey:    desc.ServicePubKey.SerializeCompressed(),
		ClientEphemeralPub: ephPub,
		Ciphertext:         ciphertext,
	})}
	if err := c.manager.SendRelay(ci, introduce); err != nil {
		c.unregister(ci)
		c.manager.Destroy(ci)
		c.manager.Destroy(cc)
		return nil, fmt.Errorf("rendezvous: send INTRODUCE1: %w", err)
	}

	ackRC, err := c.await(ctx, ci, ciReplies)
	c.unregister(ci)
	c.manager.Destroy(ci) // §4.6 step 4: the client tears down Ci once introduced.
	if err != nil {
		c.manager.Destroy(cc)
		return nil, fmt.Errorf("rendezvous: awaiting INTRODUCE_ACK: %w", err)
	}
	if ackRC.RelayCmd != wire.RelayIntroduceAck {
		c.manager.Destroy(cc)
		return nil, anonerr.New(anonerr.PeerFault, "rendezvous.Client", "introduction point refused INTRODUCE1")
	}

	rendezvousRC, err := c.await(ctx, cc, ccReplies)
	if err != nil {
		c.manager.Destroy(cc)
		return nil, fmt.Errorf("rendezvous: awaiting RENDEZVOUS2: %w", err)
	}
	if rendezvousRC.RelayCmd == wire.RelayRendezvousNack {
		c.manager.Destroy(cc)
		return nil, anonerr.New(anonerr.CircuitFault, "rendezvous.Client", "rendezvous point rejected cookie")
	}
	if rendezvousRC.RelayCmd != wire.RelayRendezvous2 {
		c.manager.Destroy(cc)
		return nil, anonerr.New(anonerr.PeerFault, "rendezvous.Client", "unexpected reply on rendezvous circuit")
	}

	serviceEphemeralPub, err := decodeRendezvous2(rendezvousRC.Payload)
	if err != nil {
		c.manager.Destroy(cc)
		return nil, err
	}
	e2e, err := deriveEndToEnd(ephPriv, serviceEphemeralPub, true)
	if err != nil {
		c.manager.Destroy(cc)
		return nil, err
	}

	return &Session{Circuit: cc, Crypto: e2e}, nil
}
