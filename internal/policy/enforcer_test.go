package policy

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marionette/backend/internal/core"
	"github.com/marionette/backend/internal/ratelimit"
)

type memStore struct {
	policies map[string]*core.DomainPolicy
}

func (m *memStore) GetPolicy(_ context.Context, domain string) (*core.DomainPolicy, error) {
	if p, ok := m.policies[domain]; ok {
		return p, nil
	}
	return nil, core.ErrNotFound
}

type memAuditor struct {
	mu   sync.Mutex
	rows []core.AuditRecord
}

func (m *memAuditor) Write(_ context.Context, rec *core.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *rec)
	return nil
}

func intPtr(n int) *int { return &n }

func newTestEnforcer(t *testing.T, policies map[string]*core.DomainPolicy) (*Enforcer, *memAuditor) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	auditor := &memAuditor{}
	enf := NewEnforcer(&memStore{policies: policies}, auditor,
		ratelimit.New(rdb), NewConcurrencyTracker(rdb))
	return enf, auditor
}

func req(domain string, strategy core.Strategy, mode core.AuthorizationMode) AdmissionRequest {
	return AdmissionRequest{Domain: domain, Strategy: strategy, AuthorizationMode: mode}
}

func TestDeniedDomain(t *testing.T) {
	enf, auditor := newTestEnforcer(t, map[string]*core.DomainPolicy{
		"blocked.example": {Domain: "blocked.example", Denied: true, Allowed: true},
	})

	_, err := enf.Check(context.Background(), req("blocked.example", core.StrategyVanilla, core.AuthPublic))
	var pv *core.PolicyViolationError
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, core.AuditDeny, pv.Action)

	require.Len(t, auditor.rows, 1)
	assert.Equal(t, core.AuditDeny, auditor.rows[0].Action)
	assert.False(t, auditor.rows[0].Allowed)
}

func TestStrategyRestrictedByPolicy(t *testing.T) {
	enf, auditor := newTestEnforcer(t, map[string]*core.DomainPolicy{
		"example.com": {Domain: "example.com", Allowed: true,
			AllowedStrategies: []core.Strategy{core.StrategyVanilla}},
	})

	_, err := enf.Check(context.Background(), req("example.com", core.StrategyStealth, core.AuthPublic))
	var pv *core.PolicyViolationError
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, core.AuditStrategyRestricted, pv.Action)
	require.Len(t, auditor.rows, 1)
	assert.Equal(t, core.AuditStrategyRestricted, auditor.rows[0].Action)
}

func TestPublicModeOnlyVanilla(t *testing.T) {
	enf, _ := newTestEnforcer(t, map[string]*core.DomainPolicy{
		"example.com": {Domain: "example.com", Allowed: true,
			AllowedStrategies: []core.Strategy{core.StrategyVanilla, core.StrategyAssault}},
	})

	// Policy allows assault, but public mode does not.
	_, err := enf.Check(context.Background(), req("example.com", core.StrategyAssault, core.AuthPublic))
	var pv *core.PolicyViolationError
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, core.AuditStrategyRestricted, pv.Action)

	// Customer-authorized passes.
	dec, err := enf.Check(context.Background(), req("example.com", core.StrategyAssault, core.AuthCustomerAuthorized))
	require.NoError(t, err)
	require.NotNil(t, dec)
}

func TestRateLimitSecondCallRefused(t *testing.T) {
	enf, auditor := newTestEnforcer(t, map[string]*core.DomainPolicy{
		"limited.example": {Domain: "limited.example", Allowed: true,
			AllowedStrategies:  []core.Strategy{core.StrategyVanilla},
			RateLimitPerMinute: intPtr(1)},
	})
	ctx := context.Background()
	r := req("limited.example", core.StrategyVanilla, core.AuthPublic)

	dec, err := enf.Check(ctx, r)
	require.NoError(t, err)
	enf.CommitAllow(ctx, dec, "job-1")

	_, err = enf.Check(ctx, r)
	var pv *core.PolicyViolationError
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, core.AuditRateLimit, pv.Action)

	// One ALLOW row, one RATE_LIMIT row
	require.Len(t, auditor.rows, 2)
	assert.Equal(t, core.AuditAllow, auditor.rows[0].Action)
	assert.Equal(t, "job-1", auditor.rows[0].JobID)
	assert.Equal(t, core.AuditRateLimit, auditor.rows[1].Action)
}

func TestConcurrencyLimit(t *testing.T) {
	enf, _ := newTestEnforcer(t, map[string]*core.DomainPolicy{
		"busy.example": {Domain: "busy.example", Allowed: true,
			AllowedStrategies: []core.Strategy{core.StrategyVanilla},
			MaxConcurrentJobs: intPtr(2)},
	})
	ctx := context.Background()
	r := req("busy.example", core.StrategyVanilla, core.AuthPublic)

	for i := 0; i < 2; i++ {
		_, err := enf.Concurrency().Increment(ctx, "busy.example")
		require.NoError(t, err)
	}

	_, err := enf.Check(ctx, r)
	var pv *core.PolicyViolationError
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, core.AuditConcurrencyLimit, pv.Action)

	// One job finishes; admission opens up again.
	_, err = enf.Concurrency().Decrement(ctx, "busy.example")
	require.NoError(t, err)
	_, err = enf.Check(ctx, r)
	assert.NoError(t, err)
}

func TestMissingPolicyDefaultsToVanillaOnly(t *testing.T) {
	enf, _ := newTestEnforcer(t, nil)
	ctx := context.Background()

	dec, err := enf.Check(ctx, req("new.example", core.StrategyVanilla, core.AuthPublic))
	require.NoError(t, err)
	require.NotNil(t, dec)

	_, err = enf.Check(ctx, req("new.example", core.StrategyStealth, core.AuthCustomerAuthorized))
	var pv *core.PolicyViolationError
	require.True(t, errors.As(err, &pv))
	assert.Equal(t, core.AuditStrategyRestricted, pv.Action)
}

func TestConcurrencyDecrementFloorsAtZero(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	tracker := NewConcurrencyTracker(rdb)
	ctx := context.Background()

	n, err := tracker.Decrement(ctx, "zero.example")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = tracker.Current(ctx, "zero.example")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
