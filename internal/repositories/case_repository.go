package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/enterprise/aml-engine/internal/models"
)

var (
	ErrCaseNotFound = errors.New("case not found")
)

// CaseRepository handles investigation case database operations
type CaseRepository struct {
	db *Database
}

// NewCaseRepository creates a new case repository
func NewCaseRepository(db *Database) *CaseRepository {
	return &CaseRepository{db: db}
}

// InsertTx writes a case inside an open transaction. Case ids derive from the
// transaction id, so replays collapse into no-ops.
func (r *CaseRepository) InsertTx(ctx context.Context, tx pgx.Tx, c *models.Case) error {
	query := `
		INSERT INTO cases (
			id, transaction_id, title, priority, status, alert_ids, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`

	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = models.CaseStatusOpen
	}

	_, err := tx.Exec(ctx, query,
		c.ID,
		c.TransactionID,
		c.Title,
		c.Priority,
		c.Status,
		pq.Array(c.AlertIDs),
		c.CreatedAt,
		c.UpdatedAt,
	)
	return err
}

// GetByID retrieves a case
func (r *CaseRepository) GetByID(ctx context.Context, id string) (*models.Case, error) {
	query := `
		SELECT id, transaction_id, title, priority, status, alert_ids, created_at, updated_at
		FROM cases
		WHERE id = $1
	`

	c := &models.Case{}
	var alertIDs []string

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&c.ID,
		&c.TransactionID,
		&c.Title,
		&c.Priority,
		&c.Status,
		&alertIDs, // pgx handles []string directly
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, err
	}

	c.AlertIDs = alertIDs
	return c, nil
}

// GetByTransactionID retrieves the case opened for a transaction, if any
func (r *CaseRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Case, error) {
	query := `
		SELECT id, transaction_id, title, priority, status, alert_ids, created_at, updated_at
		FROM cases
		WHERE transaction_id = $1
	`

	c := &models.Case{}
	var alertIDs []string

	err := r.db.Pool.QueryRow(ctx, query, transactionID).Scan(
		&c.ID,
		&c.TransactionID,
		&c.Title,
		&c.Priority,
		&c.Status,
		&alertIDs,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCaseNotFound
		}
		return nil, err
	}

	c.AlertIDs = alertIDs
	return c, nil
}

// UpdateStatus moves a case through its investigation lifecycle
func (r *CaseRepository) UpdateStatus(ctx context.Context, id, status string) error {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE cases SET status = $2, updated_at = $3 WHERE id = $1
	`, id, status, time.Now().UTC())
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrCaseNotFound
	}
	return nil
}

// CountSince counts cases opened inside a window
func (r *CaseRepository) CountSince(ctx context.Context, since time.Time) (int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM cases WHERE created_at >= $1`, since).Scan(&total)
	return total, err
}
