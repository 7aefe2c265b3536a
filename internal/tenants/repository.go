// Package tenants resolves tenant configuration and daily lead quotas.
package tenants

import (
	"context"
	"errors"

	"leadflow_backend/internal/conductor/ports"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements ports.TenantDirectory on pgx.
type Repository struct {
	pool *pgxpool.Pool
}

// New creates a tenant repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetTenant returns nil when the tenant does not exist.
func (r *Repository) GetTenant(ctx context.Context, id uuid.UUID) (*ports.Tenant, error) {
	var t ports.Tenant
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, sender_id, active, daily_lead_cap, escalation_cue
		FROM tenants WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.SenderID, &t.Active, &t.DailyLeadCap, &t.EscalationCue)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// QuotaRemaining reports how many new leads the tenant may still create
// today, measured against leads created since UTC midnight. A zero cap means
// unlimited.
func (r *Repository) QuotaRemaining(ctx context.Context, tenantID uuid.UUID) (int, bool, error) {
	var dailyCap int
	var used int
	err := r.pool.QueryRow(ctx, `
		SELECT t.daily_lead_cap,
		       (SELECT COUNT(*) FROM leads l
		        WHERE l.tenant_id = t.id
		          AND l.created_at >= date_trunc('day', now() AT TIME ZONE 'utc'))
		FROM tenants t WHERE t.id = $1`, tenantID,
	).Scan(&dailyCap, &used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}

	if dailyCap <= 0 {
		return 0, true, nil
	}

	remaining := dailyCap - used
	if remaining < 0 {
		remaining = 0
	}
	return remaining, false, nil
}
