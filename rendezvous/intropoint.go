package rendezvous

import (
	"encoding/hex"
	"sync"

	"github.com/a7maadf/anonnet/circuit"
	"github.com/a7maadf/anonnet/wire"
	"go.uber.org/zap"
)

// IntroPointService is the relay-side half of §4.4 step 2 / §4.6 steps
// 3-4: it holds a table of services that asked this node to serve as
// their introduction point, and relays INTRODUCE1/INTRODUCE2 between a
// client's circuit and the service's own intro circuit.
//
// Grounded on original_source/crates/core/src/service/rendezvous.rs's
// intent (handle_introduce forwarding to the service) though that file
// never got past a TODO stub; the actual routing logic here follows
// spec.md §4.4/§4.6 directly.
type IntroPointService struct {
	manager *circuit.Manager
	logger  *zap.Logger

	mutex         sync.Mutex
	registrations map[string]*circuit.Link
}

// NewIntroPointService creates an intro point handler bound to manager.
func NewIntroPointService(manager *circuit.Manager, logger *zap.Logger) *IntroPointService {
	return &IntroPointService{
		manager:       manager,
		logger:        logger,
		registrations: make(map[string]*circuit.Link),
	}
}

func routeKey(compressedPub []byte) string {
	return hex.EncodeToString(compressedPub)
}

// HandleTerminal processes ESTABLISH_INTRO and INTRODUCE1 relay cells
// arriving at this node acting as an intro point. It reports whether it
// consumed rc, so a composite dispatcher knows not to try another
// handler.
func (s *IntroPointService) HandleTerminal(link *circuit.Link, rc *wire.RelayCell) bool {
	switch rc.RelayCmd {
	case wire.RelayEstablishIntro:
		s.handleEstablishIntro(link, rc)
		return true
	case wire.RelayIntroduce1:
		s.handleIntroduce1(link, rc)
		return true
	default:
		return false
	}
}

func (s *IntroPointService) handleEstablishIntro(link *circuit.Link, rc *wire.RelayCell) {
	body, err := decodeEstablishIntro(rc.Payload)
	if err != nil {
		s.logger.Debug("rendezvous: malformed ESTABLISH_INTRO", zap.Error(err))
		return
	}
	key := routeKey(body.ServiceRouteKey)
	s.mutex.Lock()
	s.registrations[key] = link
	s.mutex.Unlock()
	s.logger.Info("rendezvous: registered introduction point", zap.String("service", key))
}

func (s *IntroPointService) handleIntroduce1(link *circuit.Link, rc *wire.RelayCell) {
	body, err := decodeIntroduce(rc.Payload)
	if err != nil {
		s.logger.Debug("rendezvous: malformed INTRODUCE1", zap.Error(err))
		return
	}
	key := routeKey(body.ServiceRouteKey)
	s.mutex.Lock()
	serviceLink, ok := s.registrations[key]
	s.mutex.Unlock()
	if !ok {
		s.logger.Debug("rendezvous: INTRODUCE1 for unregistered service", zap.String("service", key))
		return
	}

	forward := &wire.RelayCell{RelayCmd: wire.RelayIntroduce2, Payload: rc.Payload}
	if err := s.manager.ForwardAcrossLink(serviceLink, forward); err != nil {
		s.logger.Warn("rendezvous: forwarding INTRODUCE2", zap.Error(err))
		return
	}

	ack := &wire.RelayCell{RelayCmd: wire.RelayIntroduceAck}
	if err := s.manager.ForwardAcrossLink(link, ack); err != nil {
		s.logger.Warn("rendezvous: sending INTRODUCE_ACK", zap.Error(err))
	}
}
