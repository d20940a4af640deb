package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/internal/models"
)

var (
	// ErrPersistVerification means the analysis row was not visible on the
	// re-read that follows a successful commit
	ErrPersistVerification = errors.New("analysis not visible after commit")
)

// ComplianceStore composes the repositories behind the evaluation pipeline.
// All writes produced by one pipeline run go through a single transaction so
// a transaction is either fully evaluated or untouched.
type ComplianceStore struct {
	db           *Database
	Transactions *TransactionRepository
	Analyses     *AnalysisRepository
	Alerts       *AlertRepository
	Cases        *CaseRepository
}

// NewComplianceStore creates a store over one database handle
func NewComplianceStore(db *Database) *ComplianceStore {
	return &ComplianceStore{
		db:           db,
		Transactions: NewTransactionRepository(db),
		Analyses:     NewAnalysisRepository(db),
		Alerts:       NewAlertRepository(db),
		Cases:        NewCaseRepository(db),
	}
}

// FetchTransaction loads a transaction by business id
func (s *ComplianceStore) FetchTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	return s.Transactions.GetByTransactionID(ctx, transactionID)
}

// BeginProcessing transitions the transaction into PROCESSING and reports the
// status it held before, which decides whether the run proceeds at all
func (s *ComplianceStore) BeginProcessing(ctx context.Context, transactionID string, startedAt time.Time) (string, error) {
	return s.Transactions.BeginProcessing(ctx, transactionID, startedAt)
}

// History loads the account's transaction history for a booking date window
func (s *ComplianceStore) History(ctx context.Context, account, excludeTransactionID string, from, to time.Time) ([]*models.Transaction, error) {
	return s.Transactions.History(ctx, account, excludeTransactionID, from, to)
}

// AnalysisExists reports whether an analysis is already stored for the transaction
func (s *ComplianceStore) AnalysisExists(ctx context.Context, transactionID string) (bool, error) {
	return s.Analyses.Exists(ctx, transactionID)
}

// SaveEvaluation persists an analysis, its alerts, the optional case and the
// COMPLETED marker atomically, then verifies the analysis is visible.
//
// The transaction row is re-read first; a missing row aborts the run. If an
// analysis already exists for the transaction, the earlier run stays
// authoritative: this run's analysis, alerts and case are discarded and only
// the COMPLETED marker is written, so a replay after a crashed commit
// converges on the prior result.
func (s *ComplianceStore) SaveEvaluation(ctx context.Context, analysis *models.ComplianceAnalysis, alerts []*models.Alert, investigation *models.Case) error {
	completedAt := time.Now().UTC()

	err := s.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		if _, err := s.Transactions.GetByTransactionIDTx(ctx, tx, analysis.TransactionID); err != nil {
			return fmt.Errorf("transaction vanished before persist: %w", err)
		}

		switch err := s.Analyses.InsertTx(ctx, tx, analysis); {
		case errors.Is(err, ErrAnalysisExists):
			log.Info().
				Str("transaction_id", analysis.TransactionID).
				Msg("Analysis already persisted by an earlier run, keeping it")
			return s.Transactions.MarkCompletedTx(ctx, tx, analysis.TransactionID, completedAt)
		case err != nil:
			return err
		}

		if err := s.Alerts.InsertBatchTx(ctx, tx, alerts); err != nil {
			return fmt.Errorf("failed to insert alerts: %w", err)
		}

		if investigation != nil {
			if err := s.Cases.InsertTx(ctx, tx, investigation); err != nil {
				return fmt.Errorf("failed to insert case: %w", err)
			}
		}

		return s.Transactions.MarkCompletedTx(ctx, tx, analysis.TransactionID, completedAt)
	})
	if err != nil {
		return err
	}

	exists, err := s.Analyses.Exists(ctx, analysis.TransactionID)
	if err != nil {
		return fmt.Errorf("post-commit verification failed: %w", err)
	}
	if !exists {
		log.Error().
			Str("transaction_id", analysis.TransactionID).
			Msg("CRITICAL: committed analysis not visible on re-read")
		return ErrPersistVerification
	}

	return nil
}

// MarkFailed records the FAILED marker in its own committed transaction
func (s *ComplianceStore) MarkFailed(ctx context.Context, transactionID, reason string, completedAt time.Time) error {
	return s.Transactions.MarkFailed(ctx, transactionID, reason, completedAt)
}
