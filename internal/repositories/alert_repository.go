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
	ErrAlertNotFound = errors.New("alert not found")
)

const alertColumns = `
	id, transaction_id, role, alert_type, severity, title, description,
	context, evidence, remediation_workflow, sla_deadline, status, created_at`

// AlertRepository handles compliance alert database operations
type AlertRepository struct {
	db *Database
}

// NewAlertRepository creates a new alert repository
func NewAlertRepository(db *Database) *AlertRepository {
	return &AlertRepository{db: db}
}

// InsertBatchTx writes alerts inside an open transaction. Alert ids are
// deterministic per transaction, so replays collapse into no-ops.
func (r *AlertRepository) InsertBatchTx(ctx context.Context, tx pgx.Tx, alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	query := `
		INSERT INTO alerts (
			id, transaction_id, role, alert_type, severity, title, description,
			context, evidence, remediation_workflow, sla_deadline, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (id) DO NOTHING
	`

	for _, alert := range alerts {
		if alert.CreatedAt.IsZero() {
			alert.CreatedAt = time.Now().UTC()
		}
		if alert.Status == "" {
			alert.Status = models.AlertStatusPending
		}

		contextBytes, _ := alert.Context.Value()
		evidenceBytes, _ := alert.Evidence.Value()

		batch.Queue(query,
			alert.ID,
			alert.TransactionID,
			alert.Role,
			alert.AlertType,
			alert.Severity,
			alert.Title,
			alert.Description,
			contextBytes,
			evidenceBytes,
			pq.Array(alert.RemediationWorkflow),
			alert.SLADeadline,
			alert.Status,
			alert.CreatedAt,
		)
	}

	br := tx.SendBatch(ctx, batch)
	defer br.Close()

	for range alerts {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}

	return nil
}

// GetByID retrieves a single alert
func (r *AlertRepository) GetByID(ctx context.Context, id string) (*models.Alert, error) {
	query := `SELECT` + alertColumns + ` FROM alerts WHERE id = $1`

	row := r.db.Pool.QueryRow(ctx, query, id)
	alert, err := scanAlert(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAlertNotFound
		}
		return nil, err
	}
	return alert, nil
}

// GetByTransactionID retrieves all alerts raised for a transaction
func (r *AlertRepository) GetByTransactionID(ctx context.Context, transactionID string) ([]*models.Alert, error) {
	query := `SELECT` + alertColumns + `
		FROM alerts
		WHERE transaction_id = $1
		ORDER BY created_at, id
	`

	rows, err := r.db.Pool.Query(ctx, query, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	alerts, _, err := scanAlerts(rows, 0)
	return alerts, err
}

// List retrieves alerts filtered by owner role and status with pagination
func (r *AlertRepository) List(ctx context.Context, role, status string, skip, limit int) ([]*models.Alert, int, error) {
	countQuery := `
		SELECT COUNT(*) FROM alerts
		WHERE ($1 = '' OR role = $1)
		AND ($2 = '' OR status = $2)
	`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, role, status).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT` + alertColumns + `
		FROM alerts
		WHERE ($1 = '' OR role = $1)
		AND ($2 = '' OR status = $2)
		ORDER BY sla_deadline ASC
		LIMIT $3 OFFSET $4
	`

	rows, err := r.db.Pool.Query(ctx, query, role, status, limit, skip)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return scanAlerts(rows, total)
}

// UpdateStatus advances an alert through its review workflow
func (r *AlertRepository) UpdateStatus(ctx context.Context, id, status string) error {
	result, err := r.db.Pool.Exec(ctx,
		`UPDATE alerts SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAlertNotFound
	}
	return nil
}

// CountSince counts alerts created inside a window, grouped by severity
func (r *AlertRepository) CountSince(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT severity, COUNT(*)
		FROM alerts
		WHERE created_at >= $1
		GROUP BY severity
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var severity string
		var count int
		if err := rows.Scan(&severity, &count); err != nil {
			return nil, err
		}
		counts[severity] = count
	}

	return counts, rows.Err()
}

func scanAlert(row pgx.Row) (*models.Alert, error) {
	alert := &models.Alert{}
	var workflow []string
	var contextBytes, evidenceBytes []byte

	err := row.Scan(
		&alert.ID,
		&alert.TransactionID,
		&alert.Role,
		&alert.AlertType,
		&alert.Severity,
		&alert.Title,
		&alert.Description,
		&contextBytes,
		&evidenceBytes,
		&workflow, // pgx handles []string directly
		&alert.SLADeadline,
		&alert.Status,
		&alert.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	alert.RemediationWorkflow = workflow
	alert.Context.Scan(contextBytes)
	alert.Evidence.Scan(evidenceBytes)
	return alert, nil
}

func scanAlerts(rows pgx.Rows, total int) ([]*models.Alert, int, error) {
	var alerts []*models.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, 0, err
		}
		alerts = append(alerts, alert)
	}

	return alerts, total, rows.Err()
}
