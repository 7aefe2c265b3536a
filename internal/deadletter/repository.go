package deadletter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrUnitNotFound is returned when a failed unit does not exist.
var ErrUnitNotFound = errors.New("deadletter: unit not found")

// Repository is the persistence port for failed units.
type Repository interface {
	Insert(ctx context.Context, unit *FailedUnit) error
	GetByID(ctx context.Context, id uuid.UUID) (*FailedUnit, error)
	Update(ctx context.Context, unit *FailedUnit) error
	ListRetryable(ctx context.Context, now time.Time, limit int) ([]*FailedUnit, error)
}

// PostgresRepository provides data access for failed units.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a new failed-unit repository.
func NewRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

const unitColumns = `id, tenant_id, payload, source, stage, error_text,
	retry_count, max_retries, status, next_retry_at, correlation_id,
	resolved_by, created_at, updated_at`

// Insert stores a newly captured unit.
func (r *PostgresRepository) Insert(ctx context.Context, unit *FailedUnit) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO failed_units (id, tenant_id, payload, source, stage, error_text,
			retry_count, max_retries, status, next_retry_at, correlation_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, now(), now())`,
		unit.ID, unit.TenantID, unit.Payload, unit.Source, unit.Stage, unit.ErrorText,
		unit.RetryCount, unit.MaxRetries, unit.Status, unit.NextRetryAt, unit.CorrelationID,
	)
	return err
}

// GetByID loads one unit.
func (r *PostgresRepository) GetByID(ctx context.Context, id uuid.UUID) (*FailedUnit, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+unitColumns+` FROM failed_units WHERE id = $1`, id)
	unit, err := scanUnit(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrUnitNotFound
	}
	return unit, err
}

// Update persists retry bookkeeping and status changes.
func (r *PostgresRepository) Update(ctx context.Context, unit *FailedUnit) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE failed_units
		SET retry_count = $2, status = $3, next_retry_at = $4, resolved_by = $5, updated_at = now()
		WHERE id = $1`,
		unit.ID, unit.RetryCount, unit.Status, unit.NextRetryAt, unit.ResolvedBy,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUnitNotFound
	}
	return nil
}

// ListRetryable returns pending units whose retry time has come.
func (r *PostgresRepository) ListRetryable(ctx context.Context, now time.Time, limit int) ([]*FailedUnit, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+unitColumns+`
		FROM failed_units
		WHERE status = $1 AND next_retry_at IS NOT NULL AND next_retry_at <= $2
		ORDER BY next_retry_at
		LIMIT $3`,
		StatusPending, now, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var units []*FailedUnit
	for rows.Next() {
		unit, err := scanUnit(rows)
		if err != nil {
			return nil, err
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}

func scanUnit(row pgx.Row) (*FailedUnit, error) {
	var unit FailedUnit
	err := row.Scan(
		&unit.ID, &unit.TenantID, &unit.Payload, &unit.Source, &unit.Stage, &unit.ErrorText,
		&unit.RetryCount, &unit.MaxRetries, &unit.Status, &unit.NextRetryAt, &unit.CorrelationID,
		&unit.ResolvedBy, &unit.CreatedAt, &unit.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &unit, nil
}
