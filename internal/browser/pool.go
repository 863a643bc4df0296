package browser

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/marionette/backend/internal/core"
)

// PoolConfig bounds the pool.
type PoolConfig struct {
	MaxInstances        int
	MinInstances        int
	MaxPagesPerInstance int
	IdleTTL             time.Duration
	Launch              LaunchOptions
}

// DefaultPoolConfig returns the production defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxInstances:        10,
		MinInstances:        5,
		MaxPagesPerInstance: 4,
		IdleTTL:             5 * time.Minute,
		Launch:              DefaultLaunchOptions(),
	}
}

// instance is one pooled browser. Guarded by Pool.mu; the browser I/O itself
// happens outside the lock.
type instance struct {
	browser  Browser
	pages    []Page // parked reusable pages
	lastUsed time.Time
	inUse    bool
	closing  bool
}

// Lease is a page checked out for one job. Return it with Pool.Release.
type Lease struct {
	Page Page
	inst *instance
}

// Stats is the pool's externally visible state.
type Stats struct {
	Instances    int `json:"instances"`
	InUse        int `json:"in_use"`
	ParkedPages  int `json:"parked_pages"`
	MaxInstances int `json:"max_instances"`
}

// Pool owns every browser instance. Lock scope covers bookkeeping only;
// launching, page creation and teardown run outside the mutex.
type Pool struct {
	mu        sync.Mutex
	instances []*instance
	pending   int // instances being launched, counted against the ceiling
	cfg       PoolConfig
	launcher  Launcher
	closed    bool
}

// NewPool creates an empty pool; instances are launched lazily on demand.
func NewPool(cfg PoolConfig, launcher Launcher) *Pool {
	if cfg.MaxInstances <= 0 {
		cfg.MaxInstances = 10
	}
	if cfg.MaxPagesPerInstance <= 0 {
		cfg.MaxPagesPerInstance = 4
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = 5 * time.Minute
	}
	return &Pool{cfg: cfg, launcher: launcher}
}

// Acquire leases a page: a parked page on an idle instance when available,
// a fresh page on a newly launched instance while under the ceiling, else
// core.ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context) (*Lease, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, core.ErrPoolExhausted
	}

	// Prefer an idle instance, reusing a parked page when one exists.
	for _, inst := range p.instances {
		if inst.inUse || inst.closing {
			continue
		}
		inst.inUse = true
		inst.lastUsed = time.Now()
		var page Page
		if n := len(inst.pages); n > 0 {
			page = inst.pages[n-1]
			inst.pages = inst.pages[:n-1]
		}
		p.mu.Unlock()

		if page != nil {
			if err := page.Reset(ctx); err != nil {
				// Unusable page; fall through to a fresh one.
				page.Close(ctx)
				page = nil
			}
		}
		if page == nil {
			fresh, err := inst.browser.NewPage(ctx)
			if err != nil {
				p.mu.Lock()
				inst.inUse = false
				p.mu.Unlock()
				return nil, core.Retryable("page_create", "creating page on pooled browser", err)
			}
			page = fresh
		}
		return &Lease{Page: page, inst: inst}, nil
	}

	// Launch a new instance while under the ceiling.
	if len(p.instances)+p.pending >= p.cfg.MaxInstances {
		p.mu.Unlock()
		return nil, core.ErrPoolExhausted
	}
	p.pending++
	p.mu.Unlock()

	browser, err := p.launcher.Launch(ctx, p.cfg.Launch)
	if err != nil {
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		return nil, core.Retryable("browser_launch", "launching browser", err)
	}
	page, err := browser.NewPage(ctx)
	if err != nil {
		browser.Close(ctx)
		p.mu.Lock()
		p.pending--
		p.mu.Unlock()
		return nil, core.Retryable("page_create", "creating first page", err)
	}

	inst := &instance{browser: browser, inUse: true, lastUsed: time.Now()}
	p.mu.Lock()
	p.pending--
	if p.closed {
		p.mu.Unlock()
		page.Close(ctx)
		browser.Close(ctx)
		return nil, core.ErrPoolExhausted
	}
	p.instances = append(p.instances, inst)
	p.mu.Unlock()

	return &Lease{Page: page, inst: inst}, nil
}

// Release returns the lease. The page is parked for reuse while the instance
// is under its page ceiling, otherwise closed. Idle instances past the TTL
// are then swept while the pool stays above its floor.
func (p *Pool) Release(ctx context.Context, lease *Lease) {
	if lease == nil || lease.inst == nil {
		return
	}

	p.mu.Lock()
	inst := lease.inst
	park := len(inst.pages) < p.cfg.MaxPagesPerInstance && !p.closed
	if park {
		inst.pages = append(inst.pages, lease.Page)
	}
	inst.inUse = false
	inst.lastUsed = time.Now()
	p.mu.Unlock()

	if !park {
		lease.Page.Close(ctx)
	}
	p.sweepIdle(ctx)
}

// sweepIdle closes instances idle past IdleTTL while the pool stays above
// MinInstances.
func (p *Pool) sweepIdle(ctx context.Context) {
	now := time.Now()
	var victims []*instance

	p.mu.Lock()
	kept := p.instances[:0]
	for _, inst := range p.instances {
		evictable := !inst.inUse && !inst.closing && now.Sub(inst.lastUsed) > p.cfg.IdleTTL
		if evictable && len(p.instances)-len(victims) > p.cfg.MinInstances {
			inst.closing = true
			victims = append(victims, inst)
			continue
		}
		kept = append(kept, inst)
	}
	p.instances = kept
	p.mu.Unlock()

	for _, inst := range victims {
		closeInstance(ctx, inst)
	}
	if len(victims) > 0 {
		slog.Info("browser instances evicted", "event", "pool_sweep", "count", len(victims))
	}
}

// HealthCheck opens about:blank on one idle instance. A pool with no
// instances is healthy (nothing to probe).
func (p *Pool) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	lease, err := p.Acquire(ctx)
	if err != nil {
		if err == core.ErrPoolExhausted {
			return nil
		}
		return err
	}
	defer p.Release(ctx, lease)
	return lease.Page.Navigate(ctx, "about:blank", WaitLoad, 5*time.Second)
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := Stats{Instances: len(p.instances), MaxInstances: p.cfg.MaxInstances}
	for _, inst := range p.instances {
		if inst.inUse {
			s.InUse++
		}
		s.ParkedPages += len(inst.pages)
	}
	return s
}

// Shutdown closes every page then every browser, in order. The pool accepts
// no acquires afterwards.
func (p *Pool) Shutdown(ctx context.Context) {
	p.mu.Lock()
	p.closed = true
	instances := p.instances
	p.instances = nil
	p.mu.Unlock()

	for _, inst := range instances {
		closeInstance(ctx, inst)
	}
}

func closeInstance(ctx context.Context, inst *instance) {
	for _, page := range inst.pages {
		page.Close(ctx)
	}
	inst.pages = nil
	inst.browser.Close(ctx)
}
