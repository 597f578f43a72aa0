package rendezvous

import (
	"sync"

	"github.com/a7maadf/anonnet/circuit"
	"github.com/a7maadf/anonnet/wire"
	"go.uber.org/zap"
)

// PointService is the relay-side half of §4.6: a node acting as a
// rendezvous point registers a client's ESTABLISH_RENDEZVOUS cookie, then
// once the matching RENDEZVOUS1 arrives on a second, independently-built
// circuit, splices the two circuits' terminal links together so every
// further RELAY cell on either is forwarded onto the other without the
// point ever holding the end-to-end key.
type PointService struct {
	manager *circuit.Manager
	logger  *zap.Logger

	mutex   sync.Mutex
	pending map[Cookie]*circuit.Link
	spliced map[circuit.ID]*circuit.Link
}

// NewPointService creates a rendezvous point handler bound to manager.
func NewPointService(manager *circuit.Manager, logger *zap.Logger) *PointService {
	return &PointService{
		manager: manager,
		logger:  logger,
		pending: make(map[Cookie]*circuit.Link),
		spliced: make(map[circuit.ID]*circuit.Link),
	}
}

// HandleTerminal processes ESTABLISH_RENDEZVOUS and RENDEZVOUS1 relay
// cells, and transparently forwards any cell arriving on an already
// spliced link. It reports whether it consumed rc.
func (p *PointService) HandleTerminal(link *circuit.Link, rc *wire.RelayCell) bool {
	p.mutex.Lock()
	partner, isSpliced := p.spliced[link.UpstreamID]
	p.mutex.Unlock()
	if isSpliced {
		if err := p.manager.ForwardAcrossLink(partner, rc); err != nil {
			p.logger.Warn("rendezvous: forwarding spliced cell", zap.Error(err))
		}
		return true
	}

	switch rc.RelayCmd {
	case wire.RelayEstablishRendezvous:
		p.handleEstablishRendezvous(link, rc)
		return true
	case wire.RelayRendezvous1:
		p.handleRendezvous1(link, rc)
		return true
	default:
		return false
	}
}

func (p *PointService) handleEstablishRendezvous(link *circuit.Link, rc *wire.RelayCell) {
	body, err := decodeEstablishRendezvous(rc.Payload)
	if err != nil {
		p.logger.Debug("rendezvous: malformed ESTABLISH_RENDEZVOUS", zap.Error(err))
		return
	}
	p.mutex.Lock()
	p.pending[body.Cookie] = link
	p.mutex.Unlock()
}

func (p *PointService) handleRendezvous1(serviceLink *circuit.Link, rc *wire.RelayCell) {
	body, err := decodeRendezvous1(rc.Payload)
	if err != nil {
		p.logger.Debug("rendezvous: malformed RENDEZVOUS1", zap.Error(err))
		return
	}

	p.mutex.Lock()
	clientLink, ok := p.pending[body.Cookie]
	if ok {
		delete(p.pending, body.Cookie)
	}
	p.mutex.Unlock()

	if !ok {
		nack := &wire.RelayCell{RelayCmd: wire.RelayRendezvousNack, Payload: encodeRendezvousNack(body.Cookie)}
		if err := p.manager.ForwardAcrossLink(serviceLink, nack); err != nil {
			p.logger.Warn("rendezvous: sending RENDEZVOUS_NACK", zap.Error(err))
		}
		return
	}

	reply := &wire.RelayCell{RelayCmd: wire.RelayRendezvous2, Payload: encodeRendezvous2(body.EphemeralPub)}
	if err := p.manager.ForwardAcrossLink(clientLink, reply); err != nil {
		p.logger.Warn("rendezvous: sending RENDEZVOUS2", zap.Error(err))
		return
	}

	p.mutex.Lock()
	p.spliced[clientLink.UpstreamID] = serviceLink
	p.spliced[serviceLink.UpstreamID] = clientLink
	p.mutex.Unlock()
}
