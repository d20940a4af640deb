package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/metrics"
	"github.com/enterprise/aml-engine/internal/models"
	"github.com/enterprise/aml-engine/internal/repositories"
)

const demotionReason = "completed without persisted analysis"

// AnalysisIndex is the slice of the analysis store the monitor reads.
type AnalysisIndex interface {
	FindCompletedWithoutAnalysis(ctx context.Context, since time.Time) ([]repositories.IntegrityViolation, error)
	CountCompletedSince(ctx context.Context, since time.Time) (int, error)
	Exists(ctx context.Context, transactionID string) (bool, error)
}

// StatusStore reads and demotes transaction statuses.
type StatusStore interface {
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	MarkFailed(ctx context.Context, transactionID, reason string, completedAt time.Time) error
}

// EventPublisher emits integrity violation events to the audit stream.
type EventPublisher interface {
	Publish(ctx context.Context, event *models.ComplianceEvent) error
}

// IntegrityReport is the outcome of one scan
type IntegrityReport struct {
	CheckedAt      time.Time                         `json:"checked_at"`
	WindowStart    time.Time                         `json:"window_start"`
	CompletedCount int                               `json:"completed_count"`
	Violations     []repositories.IntegrityViolation `json:"violations"`
	Demoted        []string                          `json:"demoted,omitempty"`
	Healthy        bool                              `json:"healthy"`
}

// VerifyResult is the consistency check for one transaction
type VerifyResult struct {
	TransactionID  string `json:"transaction_id"`
	Status         string `json:"status"`
	AnalysisStored bool   `json:"analysis_stored"`
	Consistent     bool   `json:"consistent"`
	Detail         string `json:"detail,omitempty"`
}

// IntegrityMonitor watches for transactions marked COMPLETED whose analysis
// never landed. The pipeline commits both in one transaction, so a violation
// means manual interference or a storage fault, and the affected rows can
// optionally be demoted to FAILED for re-evaluation.
type IntegrityMonitor struct {
	analyses  AnalysisIndex
	statuses  StatusStore
	publisher EventPublisher
	metrics   *metrics.Metrics
	cfg       configs.MonitorConfig
}

func NewIntegrityMonitor(analyses AnalysisIndex, statuses StatusStore, publisher EventPublisher, m *metrics.Metrics, cfg configs.MonitorConfig) *IntegrityMonitor {
	return &IntegrityMonitor{
		analyses:  analyses,
		statuses:  statuses,
		publisher: publisher,
		metrics:   m,
		cfg:       cfg,
	}
}

// Run scans on the configured interval until the context ends. The first
// scan happens immediately so a crashed worker's damage surfaces on restart.
func (m *IntegrityMonitor) Run(ctx context.Context) {
	log.Info().
		Dur("interval", m.cfg.Interval).
		Dur("lookback", m.cfg.Lookback).
		Bool("demote_to_failed", m.cfg.DemoteToFailed).
		Msg("Integrity monitor started")

	if _, err := m.Scan(ctx, m.cfg.Lookback); err != nil {
		log.Error().Err(err).Msg("Integrity scan failed")
	}

	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Integrity monitor stopped")
			return
		case <-ticker.C:
			if _, err := m.Scan(ctx, m.cfg.Lookback); err != nil {
				log.Error().Err(err).Msg("Integrity scan failed")
			}
		}
	}
}

// Scan checks every COMPLETED transaction inside the lookback window for a
// stored analysis and reports the ones missing one.
func (m *IntegrityMonitor) Scan(ctx context.Context, lookback time.Duration) (*IntegrityReport, error) {
	now := time.Now().UTC()
	since := now.Add(-lookback)

	completed, err := m.analyses.CountCompletedSince(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("counting completed transactions: %w", err)
	}

	violations, err := m.analyses.FindCompletedWithoutAnalysis(ctx, since)
	if err != nil {
		return nil, fmt.Errorf("finding orphaned completions: %w", err)
	}

	report := &IntegrityReport{
		CheckedAt:      now,
		WindowStart:    since,
		CompletedCount: completed,
		Violations:     violations,
		Healthy:        len(violations) == 0,
	}

	for _, v := range violations {
		m.metrics.IntegrityViolations.Inc()
		log.Warn().
			Str("transaction_id", v.TransactionID).
			Msg("COMPLETED transaction has no stored analysis")

		m.emit(ctx, v.TransactionID)

		if m.cfg.DemoteToFailed {
			if err := m.statuses.MarkFailed(ctx, v.TransactionID, demotionReason, now); err != nil {
				log.Error().Err(err).Str("transaction_id", v.TransactionID).Msg("Failed to demote transaction")
				continue
			}
			report.Demoted = append(report.Demoted, v.TransactionID)
		}
	}

	if report.Healthy {
		log.Debug().Int("completed", completed).Msg("Integrity scan clean")
	} else {
		log.Warn().
			Int("completed", completed).
			Int("violations", len(violations)).
			Int("demoted", len(report.Demoted)).
			Msg("Integrity scan found violations")
	}
	return report, nil
}

// VerifyTransaction cross-checks one transaction's status against the
// analysis store.
func (m *IntegrityMonitor) VerifyTransaction(ctx context.Context, transactionID string) (*VerifyResult, error) {
	tx, err := m.statuses.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	stored, err := m.analyses.Exists(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	result := &VerifyResult{
		TransactionID:  transactionID,
		Status:         tx.Status,
		AnalysisStored: stored,
	}
	switch {
	case tx.Status == models.StatusCompleted && !stored:
		result.Detail = demotionReason
	case tx.Status != models.StatusCompleted && stored:
		result.Detail = "analysis stored for a transaction not marked COMPLETED"
	default:
		result.Consistent = true
	}
	return result, nil
}

func (m *IntegrityMonitor) emit(ctx context.Context, transactionID string) {
	if m.publisher == nil {
		return
	}
	event := &models.ComplianceEvent{
		EventType:     models.EventIntegrityViolation,
		TransactionID: transactionID,
		FailureReason: demotionReason,
		Timestamp:     time.Now().UTC(),
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("transaction_id", transactionID).Msg("Failed to publish integrity event")
	}
}
