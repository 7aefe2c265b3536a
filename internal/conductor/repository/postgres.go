package repository

import (
	"context"
	"errors"
	"time"

	"leadflow_backend/internal/conductor/domain"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrLeadNotFound is returned when a lead does not exist.
var ErrLeadNotFound = errors.New("conductor: lead not found")

// ErrDuplicateIdentity is returned when a lead already exists for the
// (tenant, identity) pair. Concurrent deliveries of the same event race past
// the duplicate pre-check; the unique index is the authority.
var ErrDuplicateIdentity = errors.New("conductor: lead already exists for identity")

// Postgres implements LeadsRepository on pgx.
type Postgres struct {
	pool *pgxpool.Pool
}

// New creates a new leads repository.
func New(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

const leadColumns = `id, tenant_id, identity, state, previous_state, turn_count,
	follow_up_count, escalated, total_cost_usd, source,
	last_inbound_at, last_outbound_at, created_at, updated_at`

func (r *Postgres) CreateLeadWithMessage(ctx context.Context, lead *Lead, inbound *Message) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO leads (id, tenant_id, identity, state, previous_state, turn_count,
			follow_up_count, escalated, total_cost_usd, source, last_inbound_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
		lead.ID, lead.TenantID, lead.Identity, lead.State, lead.PreviousState,
		lead.TurnCount, lead.FollowUpCount, lead.Escalated, lead.TotalCostUSD,
		lead.Source, lead.LastInboundAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateIdentity
		}
		return err
	}

	if err := insertMessageTx(ctx, tx, inbound); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

func (r *Postgres) FindByIdentity(ctx context.Context, tenantID uuid.UUID, identity string) (*Lead, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE tenant_id = $1 AND identity = $2`,
		tenantID, identity,
	)
	lead, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return lead, err
}

func (r *Postgres) GetByID(ctx context.Context, id uuid.UUID) (*Lead, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id)
	lead, err := scanLead(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLeadNotFound
	}
	return lead, err
}

func (r *Postgres) SaveTurn(ctx context.Context, lead *Lead, inbound, outbound *Message) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := updateLeadTx(ctx, tx, lead); err != nil {
		return err
	}
	if inbound != nil {
		if err := insertMessageTx(ctx, tx, inbound); err != nil {
			return err
		}
	}
	if outbound != nil {
		if err := insertMessageTx(ctx, tx, outbound); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *Postgres) UpdateLead(ctx context.Context, lead *Lead) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := updateLeadTx(ctx, tx, lead); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (r *Postgres) TransitionToOptedOut(ctx context.Context, leadID uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE leads
		SET previous_state = state, state = $2, updated_at = now()
		WHERE id = $1 AND state NOT IN ($2, $3, $4)`,
		leadID, domain.StateOptedOut, domain.StateCompleted, domain.StateDead,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (r *Postgres) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	var msg Message
	err := r.pool.QueryRow(ctx, `
		SELECT id, lead_id, direction, body, status, provider_id, created_at
		FROM messages WHERE id = $1`, id,
	).Scan(&msg.ID, &msg.LeadID, &msg.Direction, &msg.Body, &msg.Status, &msg.ProviderID, &msg.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrLeadNotFound
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *Postgres) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status string, providerID *string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE messages SET status = $2, provider_id = COALESCE($3, provider_id)
		WHERE id = $1`,
		id, status, providerID,
	)
	return err
}

func (r *Postgres) ListIdleInStates(ctx context.Context, states []domain.State, idleSince time.Time, limit int) ([]SweepCandidate, error) {
	stateNames := make([]string, len(states))
	for i, s := range states {
		stateNames[i] = string(s)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, state
		FROM leads
		WHERE state = ANY($1)
		  AND COALESCE(last_inbound_at, created_at) <= $2
		ORDER BY COALESCE(last_inbound_at, created_at)
		LIMIT $3`,
		stateNames, idleSince, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []SweepCandidate
	for rows.Next() {
		var c SweepCandidate
		if err := rows.Scan(&c.LeadID, &c.TenantID, &c.State); err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// updateLeadTx writes the lead's full row conditionally: opt-out flips state
// outside the per-lead lock, so a turn or sweep that loaded the lead before
// the opt-out landed must not write its stale state back over it.
func updateLeadTx(ctx context.Context, tx pgx.Tx, lead *Lead) error {
	tag, err := tx.Exec(ctx, `
		UPDATE leads
		SET state = $2, previous_state = $3, turn_count = $4, follow_up_count = $5,
			escalated = $6, total_cost_usd = $7, last_inbound_at = $8,
			last_outbound_at = $9, updated_at = now()
		WHERE id = $1 AND state <> $10`,
		lead.ID, lead.State, lead.PreviousState, lead.TurnCount, lead.FollowUpCount,
		lead.Escalated, lead.TotalCostUSD, lead.LastInboundAt, lead.LastOutboundAt,
		domain.StateOptedOut,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := tx.QueryRow(ctx, `SELECT state FROM leads WHERE id = $1`, lead.ID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrLeadNotFound
		}
		if err != nil {
			return err
		}
		return ErrTransitionConflict
	}
	return nil
}

func insertMessageTx(ctx context.Context, tx pgx.Tx, msg *Message) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO messages (id, lead_id, direction, body, status, provider_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		msg.ID, msg.LeadID, msg.Direction, msg.Body, msg.Status, msg.ProviderID,
	)
	return err
}

func scanLead(row pgx.Row) (*Lead, error) {
	var lead Lead
	err := row.Scan(
		&lead.ID, &lead.TenantID, &lead.Identity, &lead.State, &lead.PreviousState,
		&lead.TurnCount, &lead.FollowUpCount, &lead.Escalated, &lead.TotalCostUSD,
		&lead.Source, &lead.LastInboundAt, &lead.LastOutboundAt,
		&lead.CreatedAt, &lead.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &lead, nil
}
