package circuit

import (
	"context"
	"fmt"
	"time"

	"github.com/a7maadf/anonnet/accounting"
	"github.com/a7maadf/anonnet/anonerr"
	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/peer"
	"github.com/a7maadf/anonnet/wire"
)

// extendTimeout bounds how long Build/Extend wait for a single hop's
// CREATED/EXTENDED reply before treating the peer as unresponsive.
const extendTimeout = 15 * time.Second

// Build telescopes a fresh circuit out to length hops selected by sel
// under criteria, registers it under Manager's circuits table, and
// returns it in StateOpen. If the network can supply fewer than length
// relays, the circuit is still built and returned in StateOpen with
// Weakened() true, exactly as long as it clears MinHops; below MinHops
// Build fails with anonerr.Exhaustion.
func (m *Manager) Build(ctx context.Context, purpose Purpose, length int, sel *Selector) (*Circuit, error) {
	criteria := DefaultCriteria(length)
	hops, err := sel.SelectPath(criteria)
	if err != nil {
		return nil, err
	}

	linkID, err := newID()
	if err != nil {
		return nil, anonerr.Wrap(anonerr.Local, "circuit.Build", "generate link id", err)
	}
	c := newCircuit(linkID, purpose)

	m.mutex.Lock()
	m.circuits[linkID] = c
	m.mutex.Unlock()

	if err := m.createFirstHop(ctx, c, hops[0]); err != nil {
		m.abandon(c)
		return nil, err
	}
	for _, next := range hops[1:] {
		if err := m.extendTo(ctx, c, next); err != nil {
			m.abandon(c)
			return nil, err
		}
	}

	c.markOpen(len(hops) < MaxHops)
	return c, nil
}

// BuildTo telescopes a circuit whose final hop is pinned to target rather
// than chosen by sel: prefixLength random hops are selected first (as in
// Build), then one more EXTEND reaches target directly. Used wherever the
// far endpoint is a specific node named by the protocol rather than any
// relay — an introduction point or a rendezvous point (§4.4, §4.6) — so
// BuildTo(ctx, purpose, 0, sel, target) is also the direct single-hop
// case.
func (m *Manager) BuildTo(ctx context.Context, purpose Purpose, prefixLength int, sel *Selector, target *peer.Peer) (*Circuit, error) {
	linkID, err := newID()
	if err != nil {
		return nil, anonerr.Wrap(anonerr.Local, "circuit.BuildTo", "generate link id", err)
	}
	c := newCircuit(linkID, purpose)

	m.mutex.Lock()
	m.circuits[linkID] = c
	m.mutex.Unlock()

	if prefixLength > 0 {
		criteria := DefaultCriteria(prefixLength)
		criteria.Excluded = map[identity.NodeID]struct{}{target.NodeID: {}}
		hops, err := sel.SelectPath(criteria)
		if err != nil {
			m.abandon(c)
			return nil, err
		}
		if err := m.createFirstHop(ctx, c, hops[0]); err != nil {
			m.abandon(c)
			return nil, err
		}
		for _, next := range hops[1:] {
			if err := m.extendTo(ctx, c, next); err != nil {
				m.abandon(c)
				return nil, err
			}
		}
		if err := m.extendTo(ctx, c, target); err != nil {
			m.abandon(c)
			return nil, err
		}
	} else {
		if err := m.createFirstHop(ctx, c, target); err != nil {
			m.abandon(c)
			return nil, err
		}
	}

	c.markOpen(c.Length() < MaxHops)
	return c, nil
}

func (m *Manager) abandon(c *Circuit) {
	m.mutex.Lock()
	delete(m.circuits, c.LinkID)
	m.mutex.Unlock()
	c.markFailed()
}

// createFirstHop sends a direct CREATE to target and blocks for CREATED.
func (m *Manager) createFirstHop(ctx context.Context, c *Circuit, target *peer.Peer) error {
	eph, err := newEphemeralKeyPair()
	if err != nil {
		return anonerr.Wrap(anonerr.Local, "circuit.createFirstHop", "generate ephemeral key", err)
	}
	c.setPending(eph, target.NodeID)
	c.setEntryPeer(target)

	body := encodeEphemeralPub(eph.pub)
	if err := m.sendLinkCell(target, &linkCell{
		CircuitID: c.LinkID,
		Command:   wire.CmdCreate,
		Body:      body,
	}); err != nil {
		target.RecordExtendResult(false)
		return anonerr.Wrap(anonerr.PeerFault, "circuit.createFirstHop", "send CREATE", err)
	}
	m.charge(target.NodeID, len(body), accounting.Outward)

	if err := m.awaitHop(ctx, c); err != nil {
		target.RecordExtendResult(false)
		return err
	}
	target.RecordExtendResult(true)
	return nil
}

// extendTo telescopes one more hop past the circuit's current end,
// wrapping the EXTEND request as a RelayExtendInner cell onion-routed
// through every hop already established.
func (m *Manager) extendTo(ctx context.Context, c *Circuit, target *peer.Peer) error {
	eph, err := newEphemeralKeyPair()
	if err != nil {
		return anonerr.Wrap(anonerr.Local, "circuit.extendTo", "generate ephemeral key", err)
	}
	c.setPending(eph, target.NodeID)

	body := encodeExtendBody(&extendBody{NextHopAddress: target.Address, EphemeralPub: eph.pub})
	rc := &wire.RelayCell{RelayCmd: wire.RelayExtendInner, Payload: body}
	if err := m.SendRelay(c, rc); err != nil {
		target.RecordExtendResult(false)
		return anonerr.Wrap(anonerr.PeerFault, "circuit.extendTo", "send EXTEND", err)
	}

	if err := m.awaitHop(ctx, c); err != nil {
		target.RecordExtendResult(false)
		return err
	}
	target.RecordExtendResult(true)
	return nil
}

func (m *Manager) awaitHop(ctx context.Context, c *Circuit) error {
	select {
	case res := <-c.pendingExtend:
		if res.err != nil {
			return anonerr.Wrap(anonerr.CircuitFault, "circuit.awaitHop", "hop extend failed", res.err)
		}
		return nil
	case <-time.After(extendTimeout):
		return anonerr.New(anonerr.CircuitFault, "circuit.awaitHop", "timed out waiting for hop reply")
	case <-ctx.Done():
		return anonerr.Wrap(anonerr.Local, "circuit.awaitHop", "context cancelled", ctx.Err())
	}
}

// ExtendBy grows an already-open circuit by one more hop, used by the
// pool to re-use partially-built circuits or by callers that want to
// lengthen a weakened circuit once more relays become reachable.
func (m *Manager) ExtendBy(ctx context.Context, c *Circuit, sel *Selector) error {
	if c.Length() >= MaxHops {
		return fmt.Errorf("circuit: already at max hops")
	}
	excluded := make(map[identity.NodeID]struct{})
	for _, h := range c.hopsSnapshot() {
		excluded[h.NodeID] = struct{}{}
	}
	criteria := DefaultCriteria(1)
	criteria.Excluded = excluded
	next, err := sel.SelectPath(criteria)
	if err != nil {
		return err
	}
	return m.extendTo(ctx, c, next[0])
}
