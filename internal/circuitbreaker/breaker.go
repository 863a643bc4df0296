// Package circuitbreaker protects target domains from repeated failing
// automation runs. Each domain gets a three-state machine (closed, open,
// half-open) with a geometric cooldown sequence: every further failure past
// the trip threshold selects the next longer cooldown.
package circuitbreaker

import (
	"log"
	"sync"
	"time"
)

// State is the breaker state for one domain.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds breaker configuration shared by all domains.
type Config struct {
	// FailureThreshold is the consecutive-failure count that trips the
	// breaker open.
	FailureThreshold int

	// CooldownSequence holds increasingly long open periods. The index
	// advances by (failures - threshold), clamped to the last entry.
	CooldownSequence []time.Duration

	// Grace is how long a domain's state outlives its cooldown before the
	// sweeper drops it.
	Grace time.Duration

	// OnStateChange is invoked on every transition, including forced ones.
	OnStateChange func(domain string, from, to State)
}

// DefaultConfig returns the production defaults: trip after 5 consecutive
// failures, cooldowns of 1h, 6h, 24h.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		CooldownSequence: []time.Duration{time.Hour, 6 * time.Hour, 24 * time.Hour},
		Grace:            time.Hour,
	}
}

// domainState is the per-domain FSM. All fields are guarded by Manager.mu.
type domainState struct {
	state               State
	consecutiveFailures int
	lastFailure         time.Time
	cooldownUntil       time.Time
	probeOutstanding    bool
	forced              bool
}

// Decision is the answer to an AllowExecution call.
type Decision struct {
	Allowed   bool
	State     State
	Remaining time.Duration // time left in the open cooldown; zero otherwise
	Probe     bool          // this admission is the single half-open probe
}

// Snapshot is the externally visible state of one domain's breaker.
type Snapshot struct {
	Domain              string     `json:"domain"`
	State               string     `json:"state"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	Forced              bool       `json:"forced,omitempty"`
}

// Manager owns the breaker state for every domain.
type Manager struct {
	mu      sync.Mutex
	domains map[string]*domainState
	cfg     Config
	logger  *log.Logger
	now     func() time.Time

	stop     chan struct{}
	stopOnce sync.Once
}

// NewManager creates a breaker manager and starts the expiry sweeper.
func NewManager(cfg Config) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if len(cfg.CooldownSequence) == 0 {
		cfg.CooldownSequence = DefaultConfig().CooldownSequence
	}
	if cfg.Grace <= 0 {
		cfg.Grace = time.Hour
	}

	m := &Manager{
		domains: make(map[string]*domainState),
		cfg:     cfg,
		logger:  log.New(log.Writer(), "[CIRCUIT] ", log.LstdFlags),
		now:     time.Now,
		stop:    make(chan struct{}),
	}
	go m.sweep()
	return m
}

// Close stops the expiry sweeper. Safe to call more than once.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stop) })
}

// AllowExecution decides whether a job for the domain may run. In the open
// state it refuses with the remaining cooldown; once the cooldown elapses the
// first caller gets the single half-open probe.
func (m *Manager) AllowExecution(domain string) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.domains[domain]
	if !ok {
		return Decision{Allowed: true, State: StateClosed}
	}

	now := m.now()
	switch ds.state {
	case StateClosed:
		return Decision{Allowed: true, State: StateClosed}

	case StateOpen:
		if now.Before(ds.cooldownUntil) {
			return Decision{Allowed: false, State: StateOpen, Remaining: ds.cooldownUntil.Sub(now)}
		}
		// Cooldown elapsed: move to half-open and mint the probe.
		m.transition(domain, ds, StateHalfOpen)
		ds.probeOutstanding = true
		return Decision{Allowed: true, State: StateHalfOpen, Probe: true}

	case StateHalfOpen:
		if ds.probeOutstanding {
			return Decision{Allowed: false, State: StateHalfOpen}
		}
		ds.probeOutstanding = true
		return Decision{Allowed: true, State: StateHalfOpen, Probe: true}
	}
	return Decision{Allowed: true, State: ds.state}
}

// RecordSuccess clears the domain's failure history. A successful half-open
// probe closes the circuit.
func (m *Manager) RecordSuccess(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.domains[domain]
	if !ok {
		return
	}

	switch ds.state {
	case StateHalfOpen:
		m.transition(domain, ds, StateClosed)
		delete(m.domains, domain)
	case StateClosed:
		delete(m.domains, domain)
	}
}

// RecordFailure counts a failed execution. At the threshold the breaker
// opens; a failed half-open probe re-opens with the next longer cooldown.
func (m *Manager) RecordFailure(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.domains[domain]
	if !ok {
		ds = &domainState{state: StateClosed}
		m.domains[domain] = ds
	}

	now := m.now()
	ds.consecutiveFailures++
	ds.lastFailure = now

	switch ds.state {
	case StateClosed:
		if ds.consecutiveFailures >= m.cfg.FailureThreshold {
			ds.cooldownUntil = now.Add(m.cooldownFor(ds.consecutiveFailures))
			m.transition(domain, ds, StateOpen)
		}
	case StateHalfOpen:
		ds.probeOutstanding = false
		ds.cooldownUntil = now.Add(m.cooldownFor(ds.consecutiveFailures))
		m.transition(domain, ds, StateOpen)
	}
}

// cooldownFor picks the cooldown for the given consecutive-failure count.
// Index advances by failures - threshold, clamped to the sequence.
func (m *Manager) cooldownFor(failures int) time.Duration {
	idx := failures - m.cfg.FailureThreshold
	if idx < 0 {
		idx = 0
	}
	if idx >= len(m.cfg.CooldownSequence) {
		idx = len(m.cfg.CooldownSequence) - 1
	}
	return m.cfg.CooldownSequence[idx]
}

// ForceOpen opens the domain's breaker for the given cooldown regardless of
// failure history. Operator action; callers audit it.
func (m *Manager) ForceOpen(domain string, cooldown time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.domains[domain]
	if !ok {
		ds = &domainState{state: StateClosed}
		m.domains[domain] = ds
	}
	ds.cooldownUntil = m.now().Add(cooldown)
	ds.forced = true
	ds.probeOutstanding = false
	m.transition(domain, ds, StateOpen)
}

// ForceReset closes the domain's breaker and clears its history. Operator
// action; callers audit it.
func (m *Manager) ForceReset(domain string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ds, ok := m.domains[domain]; ok {
		m.transition(domain, ds, StateClosed)
		delete(m.domains, domain)
	}
}

// StateOf returns the current state of a domain's breaker without touching
// probe bookkeeping.
func (m *Manager) StateOf(domain string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	ds, ok := m.domains[domain]
	if !ok {
		return StateClosed
	}
	// Report half-open once the cooldown has elapsed, but leave the actual
	// transition (and probe mint) to AllowExecution.
	if ds.state == StateOpen && !m.now().Before(ds.cooldownUntil) {
		return StateHalfOpen
	}
	return ds.state
}

// Snapshots lists every tracked domain breaker.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Snapshot, 0, len(m.domains))
	for domain, ds := range m.domains {
		snap := Snapshot{
			Domain:              domain,
			State:               ds.state.String(),
			ConsecutiveFailures: ds.consecutiveFailures,
			Forced:              ds.forced,
		}
		if ds.state == StateOpen {
			until := ds.cooldownUntil
			snap.CooldownUntil = &until
		}
		out = append(out, snap)
	}
	return out
}

// transition flips the state and notifies the observer. Caller holds mu.
func (m *Manager) transition(domain string, ds *domainState, to State) {
	from := ds.state
	if from == to {
		return
	}
	ds.state = to
	if to == StateClosed {
		ds.consecutiveFailures = 0
		ds.forced = false
		ds.probeOutstanding = false
	}
	m.logger.Printf("%s: %s -> %s", domain, from, to)
	if m.cfg.OnStateChange != nil {
		m.cfg.OnStateChange(domain, from, to)
	}
}

// sweep drops domain state that has been quiet for cooldown + grace. Runs
// until Close.
func (m *Manager) sweep() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
		}
		now := m.now()
		m.mu.Lock()
		for domain, ds := range m.domains {
			if ds.state == StateOpen || ds.probeOutstanding {
				continue
			}
			if !ds.lastFailure.IsZero() && now.Sub(ds.lastFailure) > m.cooldownFor(ds.consecutiveFailures)+m.cfg.Grace {
				delete(m.domains, domain)
			}
		}
		m.mu.Unlock()
	}
}
