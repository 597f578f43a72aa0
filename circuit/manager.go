package circuit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/a7maadf/anonnet/accounting"
	"github.com/a7maadf/anonnet/identity"
	"github.com/a7maadf/anonnet/peer"
	"github.com/a7maadf/anonnet/wire"
	"go.uber.org/zap"
)

// TerminalHandler processes a relay command that reached the node acting
// as the terminal hop of a circuit segment (i.e. everything except
// RelayExtendInner, which Manager handles itself). Installed through
// Manager.OnTerminal; the node package installs a dispatcher over the
// rendezvous intro-point and rendezvous-point responders.
type TerminalHandler func(link *Link, rc *wire.RelayCell)

// InwardHandler processes a relay command the originator received back
// through its own circuit (everything except RelayExtended, which
// Manager's builder consumes itself).
type InwardHandler func(c *Circuit, rc *wire.RelayCell)

// Manager is the circuit engine: it owns every circuit this node
// originated and every link it relays for, and dispatches inbound
// circuit cells delivered by peer.Manager's KindCircuit notify channel.
//
// Grounded on original_source/crates/core/src/circuit/{builder.rs,
// relay.rs, manager.rs} collapsed into one type the way
// PeernetOfficial-core's packetWorker dispatches every inbound command
// from one place instead of splitting across several manager objects.
type Manager struct {
	self   *identity.Identity
	peers  *peer.Manager
	logger *zap.Logger

	// acceptRelay gates whether this node serves inbound CREATE/EXTEND
	// requests at all (config.Config.AcceptRelay / proxy mode).
	acceptRelay bool

	mutex sync.Mutex
	// circuits is keyed by the link id on the connection to hop 1 —
	// every self-originated circuit has exactly one entry.
	circuits map[ID]*Circuit
	// links is keyed by UpstreamID: this node is relaying for the
	// circuit whose upstream neighbor addressed it with that id.
	links map[ID]*Link
	// linksByDownstream is keyed by DownstreamID, populated once this
	// node has dialed the next hop, used to route inward replies.
	linksByDownstream map[ID]*Link
	// extendingLinks tracks an in-flight CREATE this node issued on
	// behalf of an EXTEND request, keyed by the fresh id chosen for the
	// new downstream connection, so the CREATED reply can be turned into
	// a RelayExtended sent back upstream.
	extendingLinks map[ID]*Link

	OnTerminal TerminalHandler
	OnInward   InwardHandler

	// Hook reports relay events to C10 (§4.9). A nil Hook behaves
	// exactly like accounting.NoOp — the circuit engine must operate
	// correctly with no accounting backend attached at all.
	Hook accounting.Hook
}

func (m *Manager) charge(peer identity.NodeID, n int, dir accounting.Direction) {
	if m.Hook != nil {
		m.Hook.Charge(peer, n, dir)
	}
}

func (m *Manager) credit(peer identity.NodeID, n int, dir accounting.Direction) {
	if m.Hook != nil {
		m.Hook.Credit(peer, n, dir)
	}
}

func (m *Manager) canRelay(peer identity.NodeID) bool {
	if m.Hook == nil {
		return true
	}
	return m.Hook.CanRelay(peer)
}

// NewManager creates a circuit engine bound to peers and registers its
// KindCircuit notify handler.
func NewManager(self *identity.Identity, peers *peer.Manager, logger *zap.Logger, acceptRelay bool) *Manager {
	m := &Manager{
		self:              self,
		peers:             peers,
		logger:            logger,
		acceptRelay:       acceptRelay,
		circuits:          make(map[ID]*Circuit),
		links:             make(map[ID]*Link),
		linksByDownstream: make(map[ID]*Link),
		extendingLinks:    make(map[ID]*Link),
	}
	peers.RegisterNotifyHandler(peer.KindCircuit, m.handleCell)
	return m
}

func (m *Manager) sendLinkCell(p *peer.Peer, c *linkCell) error {
	return m.peers.SendNotify(p, peer.KindCircuit, encodeLinkCell(c))
}

func (m *Manager) handleCell(from *peer.Peer, payload []byte) {
	env, err := decodeLinkCell(payload)
	if err != nil {
		m.logger.Debug("circuit: malformed cell", zap.Error(err))
		return
	}
	switch env.Command {
	case wire.CmdCreate:
		m.handleCreate(from, env)
	case wire.CmdCreated:
		m.handleCreated(from, env)
	case wire.CmdRelay:
		m.handleRelay(from, env)
	case wire.CmdDestroy:
		m.handleDestroy(from, env)
	default:
		m.logger.Debug("circuit: unknown cell command", zap.Stringer("command", env.Command))
	}
}

func (m *Manager) handleCreate(from *peer.Peer, env *linkCell) {
	if !m.acceptRelay {
		return
	}
	peerEphPub, err := decodeEphemeralPub(env.Body)
	if err != nil {
		m.logger.Debug("circuit: malformed CREATE", zap.Error(err))
		return
	}
	ourEph, err := newEphemeralKeyPair()
	if err != nil {
		m.logger.Warn("circuit: generating hop ephemeral key", zap.Error(err))
		return
	}
	shared := ourEph.sharedSecret(peerEphPub)
	hc, err := NewHopCrypto(shared, false)
	if err != nil {
		m.logger.Warn("circuit: deriving hop crypto", zap.Error(err))
		return
	}

	link := newLink(from, env.CircuitID, hc)
	m.mutex.Lock()
	m.links[env.CircuitID] = link
	m.mutex.Unlock()

	_ = m.sendLinkCell(from, &linkCell{
		CircuitID: env.CircuitID,
		Command:   wire.CmdCreated,
		Body:      encodeEphemeralPub(ourEph.pub),
	})
}

func (m *Manager) handleCreated(from *peer.Peer, env *linkCell) {
	m.mutex.Lock()
	c, isOwnFirstHop := m.circuits[env.CircuitID]
	link, isExtendReply := m.extendingLinks[env.CircuitID]
	if isExtendReply {
		delete(m.extendingLinks, env.CircuitID)
	}
	m.mutex.Unlock()

	peerEphPub, err := decodeEphemeralPub(env.Body)
	if err != nil {
		m.logger.Debug("circuit: malformed CREATED", zap.Error(err))
		return
	}

	switch {
	case isOwnFirstHop:
		c.setEntryPeer(from)
		m.completeHop(c, peerEphPub, nil)

	case isExtendReply:
		link.setDownstream(from, env.CircuitID)
		m.mutex.Lock()
		m.linksByDownstream[env.CircuitID] = link
		m.mutex.Unlock()
		inner := &wire.RelayCell{RelayCmd: wire.RelayExtended, Payload: append([]byte(nil), peerEphPub[:]...)}
		plain, err := encodeRelayCell(inner)
		if err != nil {
			m.logger.Warn("circuit: encoding RelayExtended", zap.Error(err))
			return
		}
		sealed, err := link.Crypto.SealInward(plain)
		if err != nil {
			m.logger.Warn("circuit: sealing RelayExtended", zap.Error(err))
			return
		}
		_ = m.sendLinkCell(link.UpstreamPeer, &linkCell{CircuitID: link.UpstreamID, Command: wire.CmdRelay, Body: sealed})

	default:
		m.logger.Debug("circuit: CREATED for unknown circuit", zap.Uint64("circuit_id", uint64(env.CircuitID)))
	}
}

// completeHop finishes adding a hop at the originator once a peer
// ephemeral public key is in hand, whether from a direct CREATED (first
// hop) or a RelayExtended reply (later hops).
func (m *Manager) completeHop(c *Circuit, peerEphPub [32]byte, err error) {
	if err != nil {
		c.markFailed()
		c.pendingExtend <- extendResult{err: err}
		return
	}
	eph, nodeID := c.takePending()
	if eph == nil {
		m.logger.Debug("circuit: completeHop with no pending ephemeral key")
		return
	}
	shared := eph.sharedSecret(peerEphPub)
	hc, hcErr := NewHopCrypto(shared, true)
	if hcErr != nil {
		c.markFailed()
		c.pendingExtend <- extendResult{err: hcErr}
		return
	}
	c.addHop(&Hop{NodeID: nodeID, Crypto: hc})
	c.pendingExtend <- extendResult{peerEphemeral: peerEphPub}
}

func (m *Manager) handleRelay(from *peer.Peer, env *linkCell) {
	m.mutex.Lock()
	c, isOwn := m.circuits[env.CircuitID]
	upLink := m.links[env.CircuitID]
	downLink := m.linksByDownstream[env.CircuitID]
	m.mutex.Unlock()

	switch {
	case isOwn:
		m.handleOwnInward(c, from, env)
	case upLink != nil:
		m.handleOutwardAtLink(upLink, env)
	case downLink != nil:
		m.handleInwardAtLink(downLink, env)
	default:
		m.logger.Debug("circuit: RELAY for unknown circuit", zap.Uint64("circuit_id", uint64(env.CircuitID)))
	}
}

func (m *Manager) handleOwnInward(c *Circuit, from *peer.Peer, env *linkCell) {
	if c.EntryPeer() != from {
		return
	}
	hops := c.hopsSnapshot()
	pt, err := openInward(hops, env.Body)
	if err != nil {
		m.logger.Warn("circuit: inward peel failed, destroying circuit", zap.Error(err))
		m.Destroy(c)
		return
	}
	if len(pt) != wire.CellBodySize {
		m.logger.Debug("circuit: inward cell wrong length after full peel")
		return
	}
	rc, err := wire.DecodeRelayCell(pt)
	if err != nil || !verifyRelayDigest(rc) {
		m.logger.Debug("circuit: inward relay cell digest mismatch")
		return
	}
	c.addRecv(uint64(len(rc.Payload)))
	m.charge(from.NodeID, len(rc.Payload), accounting.Inward)

	if rc.RelayCmd == wire.RelayExtended {
		var eph [32]byte
		copy(eph[:], rc.Payload)
		m.completeHop(c, eph, nil)
		return
	}
	if m.OnInward != nil {
		m.OnInward(c, rc)
	}
}

// handleOutwardAtLink processes a cell arriving from upLink's upstream
// neighbor: peel exactly one layer, then either handle it here (this
// node is the current end of the telescoped path) or forward the
// still-encrypted remainder downstream.
func (m *Manager) handleOutwardAtLink(link *Link, env *linkCell) {
	peeled, err := link.Crypto.OpenOutward(env.Body)
	if err != nil {
		m.logger.Warn("circuit: outward peel failed, destroying link", zap.Error(err))
		m.teardownLink(link)
		return
	}
	if len(peeled) == wire.CellBodySize && wire.IsRecognised(peeled) {
		rc, err := wire.DecodeRelayCell(peeled)
		if err == nil && verifyRelayDigest(rc) {
			m.handleTerminalRelay(link, rc)
			return
		}
	}
	downstream := link.DownstreamPeer
	if downstream == nil {
		m.logger.Debug("circuit: cell not recognised and no downstream link")
		return
	}
	m.credit(link.UpstreamPeer.NodeID, len(peeled), accounting.Outward)
	_ = m.sendLinkCell(downstream, &linkCell{CircuitID: link.DownstreamID, Command: wire.CmdRelay, Body: peeled})
}

// handleInwardAtLink processes a cell arriving from downLink's
// downstream neighbor: add exactly one layer, then forward upstream.
func (m *Manager) handleInwardAtLink(link *Link, env *linkCell) {
	sealed, err := link.Crypto.SealInward(env.Body)
	if err != nil {
		m.logger.Warn("circuit: inward seal failed, destroying link", zap.Error(err))
		m.teardownLink(link)
		return
	}
	m.credit(link.UpstreamPeer.NodeID, len(env.Body), accounting.Inward)
	_ = m.sendLinkCell(link.UpstreamPeer, &linkCell{CircuitID: link.UpstreamID, Command: wire.CmdRelay, Body: sealed})
}

func (m *Manager) handleTerminalRelay(link *Link, rc *wire.RelayCell) {
	if rc.RelayCmd != wire.RelayExtendInner {
		m.charge(link.UpstreamPeer.NodeID, len(rc.Payload), accounting.Outward)
		if m.OnTerminal != nil {
			m.OnTerminal(link, rc)
		}
		return
	}
	if !m.canRelay(link.UpstreamPeer.NodeID) {
		m.logger.Debug("circuit: EXTEND refused by accounting hook", zap.Stringer("peer", link.UpstreamPeer.NodeID))
		return
	}
	eb, err := decodeExtendBody(rc.Payload)
	if err != nil {
		m.logger.Debug("circuit: malformed EXTEND body", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	next, err := m.peers.Connect(ctx, eb.NextHopAddress)
	if err != nil {
		m.logger.Warn("circuit: dialing extend target", zap.Error(err), zap.String("address", eb.NextHopAddress))
		return
	}
	downstreamID, err := newID()
	if err != nil {
		m.logger.Warn("circuit: generating downstream circuit id", zap.Error(err))
		return
	}
	m.mutex.Lock()
	m.extendingLinks[downstreamID] = link
	m.mutex.Unlock()

	_ = m.sendLinkCell(next, &linkCell{
		CircuitID: downstreamID,
		Command:   wire.CmdCreate,
		Body:      encodeEphemeralPub(eb.EphemeralPub),
	})
}

func (m *Manager) handleDestroy(from *peer.Peer, env *linkCell) {
	m.mutex.Lock()
	c, isOwn := m.circuits[env.CircuitID]
	link := m.links[env.CircuitID]
	downLink := m.linksByDownstream[env.CircuitID]
	m.mutex.Unlock()

	switch {
	case isOwn:
		c.markClosed()
	case link != nil:
		m.teardownLink(link)
	case downLink != nil:
		m.teardownLink(downLink)
	}
}

func (m *Manager) teardownLink(link *Link) {
	link.mutex.Lock()
	link.state = StateClosed
	upID, downID := link.UpstreamID, link.DownstreamID
	upPeer, downPeer := link.UpstreamPeer, link.DownstreamPeer
	link.mutex.Unlock()

	m.mutex.Lock()
	delete(m.links, upID)
	delete(m.linksByDownstream, downID)
	m.mutex.Unlock()

	if upPeer != nil {
		_ = m.sendLinkCell(upPeer, &linkCell{CircuitID: upID, Command: wire.CmdDestroy})
	}
	if downPeer != nil {
		_ = m.sendLinkCell(downPeer, &linkCell{CircuitID: downID, Command: wire.CmdDestroy})
	}
}

// Destroy tears down a self-originated circuit, notifying hop 1 so the
// rest of the telescoped path unwinds.
func (m *Manager) Destroy(c *Circuit) {
	m.mutex.Lock()
	delete(m.circuits, c.LinkID)
	m.mutex.Unlock()
	c.markClosed()
	if entry := c.EntryPeer(); entry != nil {
		_ = m.sendLinkCell(entry, &linkCell{CircuitID: c.LinkID, Command: wire.CmdDestroy})
	}
}

// ForwardAcrossLink re-encodes rc and seals it as one inward layer onto
// dst, then sends it to dst's upstream neighbor. This is how a
// rendezvous point splices two independently-built circuits together
// (§4.6): the point never holds an end-to-end key, it only takes the
// plaintext already peeled from one circuit's terminal link and forwards
// it as the next inward cell on the other.
func (m *Manager) ForwardAcrossLink(dst *Link, rc *wire.RelayCell) error {
	plain, err := encodeRelayCell(rc)
	if err != nil {
		return err
	}
	sealed, err := dst.Crypto.SealInward(plain)
	if err != nil {
		return err
	}
	return m.sendLinkCell(dst.UpstreamPeer, &linkCell{CircuitID: dst.UpstreamID, Command: wire.CmdRelay, Body: sealed})
}

// SendRelay onion-wraps rc through c's full hop list and sends it to hop
// 1, the single physical connection every outbound cell travels over
// regardless of circuit length.
func (m *Manager) SendRelay(c *Circuit, rc *wire.RelayCell) error {
	hops := c.hopsSnapshot()
	if len(hops) == 0 {
		return fmt.Errorf("circuit: no hops to send through")
	}
	entry := c.EntryPeer()
	if entry == nil {
		return fmt.Errorf("circuit: no entry connection")
	}
	plain, err := encodeRelayCell(rc)
	if err != nil {
		return err
	}
	sealed, err := sealOutward(hops, plain)
	if err != nil {
		return err
	}
	c.addSent(uint64(len(rc.Payload)))
	m.charge(entry.NodeID, len(rc.Payload), accounting.Outward)
	return m.sendLinkCell(entry, &linkCell{CircuitID: c.LinkID, Command: wire.CmdRelay, Body: sealed})
}
