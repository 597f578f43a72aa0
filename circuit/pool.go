package circuit

import (
	"context"
	"sync"
	"time"

	"github.com/a7maadf/anonnet/anonerr"
	"github.com/a7maadf/anonnet/config"
)

// PoolConfig bounds a Pool's behavior per purpose.
//
// Grounded on original_source/crates/core/src/circuit/pool.rs's
// CircuitPoolConfig (target_pool_size=3, max_circuit_age=600s,
// min_idle_time=5s, max_reuse_count=10); target size defaults to
// config.Defaults.PoolSizeGeneral (5) rather than the prototype's 3, per
// the ported config surface already established in config.go.
type PoolConfig struct {
	TargetSize   int
	IdleTimeout  time.Duration
	MaxAge       time.Duration
	MaxReuse     int
	ReaperPeriod time.Duration
}

// DefaultPoolConfig matches config.Defaults' circuit knobs.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		TargetSize:   config.Defaults.PoolSizeGeneral,
		IdleTimeout:  config.Defaults.CircuitIdleTimeout,
		MaxAge:       config.Defaults.CircuitMaxAge,
		MaxReuse:     10,
		ReaperPeriod: 30 * time.Second,
	}
}

type pooledCircuit struct {
	circuit   *Circuit
	inUse     bool
	reuseUsed int
}

// Pool is a bounded set of pre-built circuits partitioned by Purpose,
// so a caller needing a general-purpose circuit for a fresh SOCKS
// connection doesn't pay full telescoping latency on every request.
type Pool struct {
	manager *Manager
	sel     *Selector
	cfg     PoolConfig

	mutex     sync.Mutex
	byPurpose map[Purpose][]*pooledCircuit

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPool creates a pool drawing fresh circuits from manager via sel.
func NewPool(manager *Manager, sel *Selector, cfg PoolConfig) *Pool {
	p := &Pool{
		manager:   manager,
		sel:       sel,
		cfg:       cfg,
		byPurpose: make(map[Purpose][]*pooledCircuit),
		stopCh:    make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Stop halts the background reaper. It does not tear down circuits
// already handed out.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

// Acquire returns an idle circuit for purpose, building one on demand if
// none is idle.
func (p *Pool) Acquire(ctx context.Context, purpose Purpose) (*Circuit, error) {
	p.mutex.Lock()
	for _, pc := range p.byPurpose[purpose] {
		if !pc.inUse && pc.circuit.State() == StateOpen {
			pc.inUse = true
			p.mutex.Unlock()
			pc.circuit.touch()
			return pc.circuit, nil
		}
	}
	p.mutex.Unlock()

	c, err := p.manager.Build(ctx, purpose, MaxHops, p.sel)
	if err != nil {
		return nil, err
	}
	p.mutex.Lock()
	p.byPurpose[purpose] = append(p.byPurpose[purpose], &pooledCircuit{circuit: c, inUse: true})
	p.mutex.Unlock()
	return c, nil
}

// Release returns a circuit to the idle set, or discards it if it has
// exceeded MaxReuse or is no longer open.
func (p *Pool) Release(purpose Purpose, c *Circuit) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	list := p.byPurpose[purpose]
	for i, pc := range list {
		if pc.circuit != c {
			continue
		}
		pc.inUse = false
		pc.reuseUsed++
		if c.State() != StateOpen || pc.reuseUsed >= p.cfg.MaxReuse {
			p.manager.Destroy(c)
			p.byPurpose[purpose] = append(list[:i], list[i+1:]...)
		}
		return
	}
}

// Fault removes a circuit from the pool outright, without waiting for a
// Release, used when a caller observes anonerr.CircuitFault mid-use.
func (p *Pool) Fault(purpose Purpose, c *Circuit) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	list := p.byPurpose[purpose]
	for i, pc := range list {
		if pc.circuit == c {
			p.byPurpose[purpose] = append(list[:i], list[i+1:]...)
			break
		}
	}
	p.manager.Destroy(c)
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.cfg.ReaperPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapExpired()
			p.topUp()
		}
	}
}

func (p *Pool) reapExpired() {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for purpose, list := range p.byPurpose {
		kept := list[:0]
		for _, pc := range list {
			if !pc.inUse && (pc.circuit.IsExpired(p.cfg.IdleTimeout, p.cfg.MaxAge) || pc.circuit.State() != StateOpen) {
				p.manager.Destroy(pc.circuit)
				continue
			}
			kept = append(kept, pc)
		}
		p.byPurpose[purpose] = kept
	}
}

// topUp builds fresh idle circuits for PurposeGeneral up to TargetSize,
// the only purpose kept warm proactively; the rest are built on demand
// because their targets aren't known ahead of a rendezvous handshake.
func (p *Pool) topUp() {
	p.mutex.Lock()
	deficit := p.cfg.TargetSize - len(p.byPurpose[PurposeGeneral])
	p.mutex.Unlock()
	for i := 0; i < deficit; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), extendTimeout*time.Duration(MaxHops))
		c, err := p.manager.Build(ctx, PurposeGeneral, MaxHops, p.sel)
		cancel()
		if err != nil {
			if anonerr.KindOf(err) == anonerr.Exhaustion {
				return
			}
			continue
		}
		p.mutex.Lock()
		p.byPurpose[PurposeGeneral] = append(p.byPurpose[PurposeGeneral], &pooledCircuit{circuit: c})
		p.mutex.Unlock()
	}
}
