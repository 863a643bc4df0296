package policy

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/marionette/backend/internal/core"
)

// PostgresStore persists domain policies and the append-only audit log.
// Audit rows are insert-only; there is no update or delete path.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Schema creates the tables when they do not exist. Called once at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS domain_policies (
	id TEXT PRIMARY KEY,
	domain TEXT UNIQUE NOT NULL,
	allowed BOOLEAN NOT NULL DEFAULT TRUE,
	denied BOOLEAN NOT NULL DEFAULT FALSE,
	rate_limit_per_minute INTEGER,
	rate_limit_per_hour INTEGER,
	max_concurrent_jobs INTEGER,
	allowed_strategies TEXT[] NOT NULL DEFAULT '{vanilla}',
	notes TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS audit_log (
	id TEXT PRIMARY KEY,
	job_id TEXT,
	domain TEXT NOT NULL,
	policy_id TEXT,
	authorization_mode TEXT,
	strategy TEXT,
	action TEXT NOT NULL,
	allowed BOOLEAN NOT NULL,
	reason TEXT,
	ts TIMESTAMPTZ NOT NULL,
	user_id TEXT,
	ip_address TEXT,
	context JSONB
);
CREATE INDEX IF NOT EXISTS audit_log_domain_idx ON audit_log (domain, ts);
`

// Migrate applies the schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, Schema)
	return err
}

// GetPolicy loads the policy for a domain. Returns core.ErrNotFound when the
// domain has no stored policy.
func (s *PostgresStore) GetPolicy(ctx context.Context, domain string) (*core.DomainPolicy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, domain, allowed, denied, rate_limit_per_minute,
		       rate_limit_per_hour, max_concurrent_jobs, allowed_strategies,
		       COALESCE(notes, ''), created_at, updated_at
		FROM domain_policies WHERE domain = $1`, domain)

	var p core.DomainPolicy
	var strategies pq.StringArray
	err := row.Scan(&p.ID, &p.Domain, &p.Allowed, &p.Denied,
		&p.RateLimitPerMinute, &p.RateLimitPerHour, &p.MaxConcurrentJobs,
		&strategies, &p.Notes, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, core.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan policy: %w", err)
	}

	p.AllowedStrategies = make([]core.Strategy, 0, len(strategies))
	for _, s := range strategies {
		p.AllowedStrategies = append(p.AllowedStrategies, core.Strategy(s))
	}
	return &p, nil
}

// UpsertPolicy creates or replaces a domain policy.
func (s *PostgresStore) UpsertPolicy(ctx context.Context, p *core.DomainPolicy) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	strategies := make(pq.StringArray, 0, len(p.AllowedStrategies))
	for _, st := range p.AllowedStrategies {
		strategies = append(strategies, string(st))
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_policies
			(id, domain, allowed, denied, rate_limit_per_minute, rate_limit_per_hour,
			 max_concurrent_jobs, allowed_strategies, notes, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,now(),now())
		ON CONFLICT (domain) DO UPDATE SET
			allowed = EXCLUDED.allowed,
			denied = EXCLUDED.denied,
			rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
			rate_limit_per_hour = EXCLUDED.rate_limit_per_hour,
			max_concurrent_jobs = EXCLUDED.max_concurrent_jobs,
			allowed_strategies = EXCLUDED.allowed_strategies,
			notes = EXCLUDED.notes,
			updated_at = now()`,
		p.ID, p.Domain, p.Allowed, p.Denied, p.RateLimitPerMinute,
		p.RateLimitPerHour, p.MaxConcurrentJobs, strategies, p.Notes)
	if err != nil {
		return fmt.Errorf("upsert policy %s: %w", p.Domain, err)
	}
	return nil
}

// Write appends one audit row. Never updates existing rows.
func (s *PostgresStore) Write(ctx context.Context, rec *core.AuditRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	var contextJSON []byte
	if rec.Context != nil {
		contextJSON, _ = json.Marshal(rec.Context)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log
			(id, job_id, domain, policy_id, authorization_mode, strategy,
			 action, allowed, reason, ts, user_id, ip_address, context)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		rec.ID, nullable(rec.JobID), rec.Domain, nullable(rec.PolicyID),
		string(rec.AuthorizationMode), string(rec.Strategy), string(rec.Action),
		rec.Allowed, rec.Reason, rec.Timestamp, nullable(rec.UserID),
		nullable(rec.IPAddress), contextJSON)
	if err != nil {
		return fmt.Errorf("insert audit row: %w", err)
	}
	return nil
}

// RecentByDomain returns audit rows for a domain, newest first.
func (s *PostgresStore) RecentByDomain(ctx context.Context, domain string, limit int) ([]core.AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, COALESCE(job_id,''), domain, COALESCE(policy_id,''),
		       authorization_mode, strategy, action, allowed, reason, ts,
		       COALESCE(user_id,''), COALESCE(ip_address,'')
		FROM audit_log WHERE domain = $1 ORDER BY ts DESC LIMIT $2`, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("query audit rows: %w", err)
	}
	defer rows.Close()

	var out []core.AuditRecord
	for rows.Next() {
		var r core.AuditRecord
		var mode, strategy, action string
		if err := rows.Scan(&r.ID, &r.JobID, &r.Domain, &r.PolicyID, &mode,
			&strategy, &action, &r.Allowed, &r.Reason, &r.Timestamp,
			&r.UserID, &r.IPAddress); err != nil {
			return nil, err
		}
		r.AuthorizationMode = core.AuthorizationMode(mode)
		r.Strategy = core.Strategy(strategy)
		r.Action = core.AuditAction(action)
		out = append(out, r)
	}
	return out, rows.Err()
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
