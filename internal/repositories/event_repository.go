package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterprise/aml-engine/internal/models"
)

// EventRepository persists the compliance audit trail consumed from Kafka
type EventRepository struct {
	db *Database
}

// NewEventRepository creates a new event repository
func NewEventRepository(db *Database) *EventRepository {
	return &EventRepository{db: db}
}

// Create stores one compliance event
func (r *EventRepository) Create(ctx context.Context, event *models.ComplianceEvent) error {
	query := `
		INSERT INTO compliance_events (
			id, event_type, transaction_id, risk_score, risk_band,
			alert_count, case_id, failure_reason, metadata, occurred_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	metadataBytes, _ := event.Metadata.Value()

	_, err := r.db.Pool.Exec(ctx, query,
		uuid.New(),
		event.EventType,
		event.TransactionID,
		event.RiskScore,
		event.RiskBand,
		event.AlertCount,
		event.CaseID,
		event.FailureReason,
		metadataBytes,
		event.Timestamp,
		time.Now().UTC(),
	)

	return err
}

// GetByTransactionID retrieves the audit trail for one transaction
func (r *EventRepository) GetByTransactionID(ctx context.Context, transactionID string) ([]*models.ComplianceEvent, error) {
	query := `
		SELECT event_type, transaction_id, risk_score, risk_band,
			   alert_count, case_id, failure_reason, metadata, occurred_at
		FROM compliance_events
		WHERE transaction_id = $1
		ORDER BY occurred_at ASC
	`

	rows, err := r.db.Pool.Query(ctx, query, transactionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetRecent retrieves the most recent compliance events
func (r *EventRepository) GetRecent(ctx context.Context, limit int) ([]*models.ComplianceEvent, error) {
	query := `
		SELECT event_type, transaction_id, risk_score, risk_band,
			   alert_count, case_id, failure_reason, metadata, occurred_at
		FROM compliance_events
		ORDER BY occurred_at DESC
		LIMIT $1
	`

	rows, err := r.db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEvents(rows)
}

// CountByType counts events per type inside a window
func (r *EventRepository) CountByType(ctx context.Context, since time.Time) (map[string]int, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT event_type, COUNT(*)
		FROM compliance_events
		WHERE occurred_at >= $1
		GROUP BY event_type
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var eventType string
		var count int
		if err := rows.Scan(&eventType, &count); err != nil {
			return nil, err
		}
		counts[eventType] = count
	}

	return counts, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]*models.ComplianceEvent, error) {
	var events []*models.ComplianceEvent
	for rows.Next() {
		event := &models.ComplianceEvent{}
		var metadataBytes []byte

		if err := rows.Scan(
			&event.EventType,
			&event.TransactionID,
			&event.RiskScore,
			&event.RiskBand,
			&event.AlertCount,
			&event.CaseID,
			&event.FailureReason,
			&metadataBytes,
			&event.Timestamp,
		); err != nil {
			return nil, err
		}

		event.Metadata.Scan(metadataBytes)
		events = append(events, event)
	}

	return events, rows.Err()
}
