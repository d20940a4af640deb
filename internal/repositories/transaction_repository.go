package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/enterprise/aml-engine/internal/models"
)

var (
	ErrTransactionNotFound = errors.New("transaction not found")
)

const transactionColumns = `
	id, transaction_id, amount, currency, booking_date, value_date,
	booking_jurisdiction, originator_name, originator_account, originator_country,
	beneficiary_name, beneficiary_account, beneficiary_country,
	customer_id, customer_risk_rating, customer_kyc_date,
	channel, product, swift_message_type, purpose_code, charge_bearer,
	travel_rule_complete, fx_conversion, pep_indicator, sanctions_hit,
	status, failure_reason, raw_payload,
	created_at, processing_started_at, processing_completed_at`

// TransactionRepository handles transaction database operations
type TransactionRepository struct {
	db *Database
}

// NewTransactionRepository creates a new transaction repository
func NewTransactionRepository(db *Database) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// Upsert inserts a transaction keyed by its business id. If the row already
// exists only the raw payload is refreshed; status and timestamps are kept.
func (r *TransactionRepository) Upsert(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (
			id, transaction_id, amount, currency, booking_date, value_date,
			booking_jurisdiction, originator_name, originator_account, originator_country,
			beneficiary_name, beneficiary_account, beneficiary_country,
			customer_id, customer_risk_rating, customer_kyc_date,
			channel, product, swift_message_type, purpose_code, charge_bearer,
			travel_rule_complete, fx_conversion, pep_indicator, sanctions_hit,
			status, failure_reason, raw_payload, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15,
			$16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27, $28, $29
		)
		ON CONFLICT (transaction_id) DO UPDATE SET raw_payload = EXCLUDED.raw_payload
		RETURNING id, status, created_at
	`

	if tx.ID == uuid.Nil {
		tx.ID = uuid.New()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}
	if tx.Status == "" {
		tx.Status = models.StatusPending
	}

	payloadBytes, _ := tx.RawPayload.Value()

	return r.db.Pool.QueryRow(ctx, query,
		tx.ID,
		tx.TransactionID,
		tx.Amount,
		tx.Currency,
		tx.BookingDate,
		tx.ValueDate,
		tx.BookingJurisdiction,
		tx.OriginatorName,
		tx.OriginatorAccount,
		tx.OriginatorCountry,
		tx.BeneficiaryName,
		tx.BeneficiaryAccount,
		tx.BeneficiaryCountry,
		tx.CustomerID,
		tx.CustomerRiskRating,
		tx.CustomerKYCDate,
		tx.Channel,
		tx.Product,
		tx.SwiftMessageType,
		tx.PurposeCode,
		tx.ChargeBearer,
		tx.TravelRuleComplete,
		tx.FXConversion,
		tx.PEPIndicator,
		tx.SanctionsHit,
		tx.Status,
		tx.FailureReason,
		payloadBytes,
		tx.CreatedAt,
	).Scan(&tx.ID, &tx.Status, &tx.CreatedAt)
}

// GetByTransactionID retrieves a transaction by its business id
func (r *TransactionRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE transaction_id = $1
	`

	row := r.db.Pool.QueryRow(ctx, query, transactionID)
	return scanTransaction(row)
}

// GetByTransactionIDTx retrieves a transaction inside an open transaction
func (r *TransactionRepository) GetByTransactionIDTx(ctx context.Context, tx pgx.Tx, transactionID string) (*models.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE transaction_id = $1
	`

	row := tx.QueryRow(ctx, query, transactionID)
	return scanTransaction(row)
}

// BeginProcessing locks the transaction row, records the status it held
// before this run, and moves it to PROCESSING unless it already completed.
// The returned prior status drives the caller's re-entry decision.
func (r *TransactionRepository) BeginProcessing(ctx context.Context, transactionID string, startedAt time.Time) (string, error) {
	var prior string

	err := r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx,
			`SELECT status FROM transactions WHERE transaction_id = $1 FOR UPDATE`,
			transactionID)
		if err := row.Scan(&prior); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrTransactionNotFound
			}
			return err
		}

		if prior == models.StatusCompleted {
			return nil
		}

		_, err := tx.Exec(ctx, `
			UPDATE transactions
			SET status = $2, processing_started_at = $3, failure_reason = '', processing_completed_at = NULL
			WHERE transaction_id = $1
		`, transactionID, models.StatusProcessing, startedAt)
		return err
	})

	return prior, err
}

// MarkCompletedTx sets the terminal COMPLETED state inside the persistence transaction
func (r *TransactionRepository) MarkCompletedTx(ctx context.Context, tx pgx.Tx, transactionID string, completedAt time.Time) error {
	result, err := tx.Exec(ctx, `
		UPDATE transactions
		SET status = $2, processing_completed_at = $3
		WHERE transaction_id = $1
	`, transactionID, models.StatusCompleted, completedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// MarkFailed records the terminal FAILED state in its own committed transaction,
// so the marker survives the rollback of the evaluation that produced it
func (r *TransactionRepository) MarkFailed(ctx context.Context, transactionID, reason string, completedAt time.Time) error {
	result, err := r.db.Pool.Exec(ctx, `
		UPDATE transactions
		SET status = $2, failure_reason = $3, processing_completed_at = $4
		WHERE transaction_id = $1
	`, transactionID, models.StatusFailed, reason, completedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// History retrieves transactions touching the given account within a booking
// date window, excluding the transaction under evaluation. Both directions are
// returned so callers can detect round trips.
func (r *TransactionRepository) History(ctx context.Context, account, excludeTransactionID string, from, to time.Time) ([]*models.Transaction, error) {
	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE (originator_account = $1 OR beneficiary_account = $1)
		AND transaction_id <> $2
		AND booking_date >= $3 AND booking_date <= $4
		ORDER BY booking_date DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, account, excludeTransactionID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	transactions, _, err := scanTransactions(rows, 0)
	return transactions, err
}

// List retrieves transactions with optional status filtering and pagination
func (r *TransactionRepository) List(ctx context.Context, statusFilter string, skip, limit int) ([]*models.Transaction, int, error) {
	countQuery := `
		SELECT COUNT(*) FROM transactions
		WHERE ($1 = '' OR status = $1)
	`
	var total int
	if err := r.db.Pool.QueryRow(ctx, countQuery, statusFilter).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT` + transactionColumns + `
		FROM transactions
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool.Query(ctx, query, statusFilter, limit, skip)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	return scanTransactions(rows, total)
}

// CountByStatus returns transaction counts grouped by lifecycle status
func (r *TransactionRepository) CountByStatus(ctx context.Context, since time.Time) (map[string]int, error) {
	query := `
		SELECT status, COUNT(*)
		FROM transactions
		WHERE created_at >= $1
		GROUP BY status
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}

	return counts, rows.Err()
}

func scanTransaction(row pgx.Row) (*models.Transaction, error) {
	tx := &models.Transaction{}
	var payloadBytes []byte

	err := row.Scan(
		&tx.ID,
		&tx.TransactionID,
		&tx.Amount,
		&tx.Currency,
		&tx.BookingDate,
		&tx.ValueDate,
		&tx.BookingJurisdiction,
		&tx.OriginatorName,
		&tx.OriginatorAccount,
		&tx.OriginatorCountry,
		&tx.BeneficiaryName,
		&tx.BeneficiaryAccount,
		&tx.BeneficiaryCountry,
		&tx.CustomerID,
		&tx.CustomerRiskRating,
		&tx.CustomerKYCDate,
		&tx.Channel,
		&tx.Product,
		&tx.SwiftMessageType,
		&tx.PurposeCode,
		&tx.ChargeBearer,
		&tx.TravelRuleComplete,
		&tx.FXConversion,
		&tx.PEPIndicator,
		&tx.SanctionsHit,
		&tx.Status,
		&tx.FailureReason,
		&payloadBytes,
		&tx.CreatedAt,
		&tx.ProcessingStartedAt,
		&tx.ProcessingCompletedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}

	tx.RawPayload.Scan(payloadBytes)
	return tx, nil
}

func scanTransactions(rows pgx.Rows, total int) ([]*models.Transaction, int, error) {
	var transactions []*models.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		transactions = append(transactions, tx)
	}

	return transactions, total, rows.Err()
}
