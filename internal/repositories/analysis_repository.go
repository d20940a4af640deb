package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/enterprise/aml-engine/internal/models"
)

var (
	ErrAnalysisNotFound = errors.New("compliance analysis not found")
	ErrAnalysisExists   = errors.New("compliance analysis already exists for transaction")
)

// IntegrityViolation describes a COMPLETED transaction with no stored analysis
type IntegrityViolation struct {
	TransactionID string     `json:"transaction_id"`
	Status        string     `json:"status"`
	CompletedAt   *time.Time `json:"processing_completed_at"`
}

// AnalysisRepository handles compliance analysis database operations
type AnalysisRepository struct {
	db *Database
}

// NewAnalysisRepository creates a new analysis repository
func NewAnalysisRepository(db *Database) *AnalysisRepository {
	return &AnalysisRepository{db: db}
}

// InsertTx writes an analysis inside an open transaction. A transaction id can
// hold at most one analysis; a conflicting insert returns ErrAnalysisExists so
// the caller can treat the earlier run as authoritative.
func (r *AnalysisRepository) InsertTx(ctx context.Context, tx pgx.Tx, a *models.ComplianceAnalysis) error {
	query := `
		INSERT INTO compliance_analyses (
			id, transaction_id, compliance_score, risk_band, rule_ids,
			applicable_rules, evidence_maps, control_results, feature_vector,
			pattern_scores, posterior, risk_breakdown, remediation_actions,
			analyst_summary, warnings, high_risk_list_version, processing_time_seconds, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (transaction_id) DO NOTHING
	`

	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}

	applicableRules, _ := json.Marshal(a.ApplicableRules)
	evidenceMaps, _ := json.Marshal(a.EvidenceMaps)
	controlResults, _ := json.Marshal(a.ControlResults)
	featureVector, _ := json.Marshal(a.FeatureVector)
	patternScores, _ := json.Marshal(a.PatternScores)
	posterior, _ := json.Marshal(a.Posterior)
	riskBreakdown, _ := json.Marshal(a.RiskBreakdown)
	remediationActions, _ := json.Marshal(a.RemediationActions)

	result, err := tx.Exec(ctx, query,
		a.ID,
		a.TransactionID,
		a.ComplianceScore,
		a.RiskBand,
		pq.Array(a.RuleIDs),
		applicableRules,
		evidenceMaps,
		controlResults,
		featureVector,
		patternScores,
		posterior,
		riskBreakdown,
		remediationActions,
		a.AnalystSummary,
		pq.Array(a.Warnings),
		a.HighRiskListVersion,
		a.ProcessingTimeSeconds,
		a.CreatedAt,
	)
	if err != nil {
		return err
	}

	if result.RowsAffected() == 0 {
		return ErrAnalysisExists
	}

	return nil
}

// GetByTransactionID retrieves the analysis for a business transaction id
func (r *AnalysisRepository) GetByTransactionID(ctx context.Context, transactionID string) (*models.ComplianceAnalysis, error) {
	query := `
		SELECT id, transaction_id, compliance_score, risk_band, rule_ids,
			   applicable_rules, evidence_maps, control_results, feature_vector,
			   pattern_scores, posterior, risk_breakdown, remediation_actions,
			   analyst_summary, warnings, high_risk_list_version, processing_time_seconds, created_at
		FROM compliance_analyses
		WHERE transaction_id = $1
	`

	a := &models.ComplianceAnalysis{}
	var ruleIDs, warnings []string
	var applicableRules, evidenceMaps, controlResults, featureVector []byte
	var patternScores, posterior, riskBreakdown, remediationActions []byte

	err := r.db.Pool.QueryRow(ctx, query, transactionID).Scan(
		&a.ID,
		&a.TransactionID,
		&a.ComplianceScore,
		&a.RiskBand,
		&ruleIDs, // pgx handles []string directly
		&applicableRules,
		&evidenceMaps,
		&controlResults,
		&featureVector,
		&patternScores,
		&posterior,
		&riskBreakdown,
		&remediationActions,
		&a.AnalystSummary,
		&warnings,
		&a.HighRiskListVersion,
		&a.ProcessingTimeSeconds,
		&a.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAnalysisNotFound
		}
		return nil, err
	}

	a.RuleIDs = ruleIDs
	a.Warnings = warnings
	json.Unmarshal(applicableRules, &a.ApplicableRules)
	json.Unmarshal(evidenceMaps, &a.EvidenceMaps)
	json.Unmarshal(controlResults, &a.ControlResults)
	json.Unmarshal(featureVector, &a.FeatureVector)
	json.Unmarshal(patternScores, &a.PatternScores)
	json.Unmarshal(posterior, &a.Posterior)
	json.Unmarshal(riskBreakdown, &a.RiskBreakdown)
	json.Unmarshal(remediationActions, &a.RemediationActions)

	return a, nil
}

// Exists reports whether an analysis row is visible for the transaction id
func (r *AnalysisRepository) Exists(ctx context.Context, transactionID string) (bool, error) {
	var exists bool
	err := r.db.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM compliance_analyses WHERE transaction_id = $1)`,
		transactionID).Scan(&exists)
	return exists, err
}

// FindCompletedWithoutAnalysis finds COMPLETED transactions whose analysis row
// is missing, which must never happen under the persistence protocol
func (r *AnalysisRepository) FindCompletedWithoutAnalysis(ctx context.Context, since time.Time) ([]IntegrityViolation, error) {
	query := `
		SELECT t.transaction_id, t.status, t.processing_completed_at
		FROM transactions t
		LEFT JOIN compliance_analyses a ON a.transaction_id = t.transaction_id
		WHERE t.status = $1
		AND t.processing_completed_at >= $2
		AND a.id IS NULL
		ORDER BY t.processing_completed_at DESC
	`

	rows, err := r.db.Pool.Query(ctx, query, models.StatusCompleted, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []IntegrityViolation
	for rows.Next() {
		var v IntegrityViolation
		if err := rows.Scan(&v.TransactionID, &v.Status, &v.CompletedAt); err != nil {
			return nil, err
		}
		violations = append(violations, v)
	}

	return violations, rows.Err()
}

// CountCompletedSince counts COMPLETED transactions inside the lookback window
func (r *AnalysisRepository) CountCompletedSince(ctx context.Context, since time.Time) (int, error) {
	var total int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM transactions
		WHERE status = $1 AND processing_completed_at >= $2
	`, models.StatusCompleted, since).Scan(&total)
	return total, err
}

// GetDailySummary aggregates analysis outcomes for one UTC day
func (r *AnalysisRepository) GetDailySummary(ctx context.Context, date time.Time) (*models.ComplianceSummary, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	endOfDay := startOfDay.Add(24 * time.Hour)

	query := `
		SELECT
			COUNT(*) as total_transactions,
			COUNT(CASE WHEN t.status = 'COMPLETED' THEN 1 END) as completed_count,
			COUNT(CASE WHEN t.status = 'FAILED' THEN 1 END) as failed_count,
			COALESCE(AVG(a.compliance_score), 0) as avg_risk_score,
			COUNT(CASE WHEN a.risk_band = 'High' THEN 1 END) as high_band_count,
			COUNT(CASE WHEN a.risk_band = 'Critical' THEN 1 END) as critical_band_count
		FROM transactions t
		LEFT JOIN compliance_analyses a ON a.transaction_id = t.transaction_id
		WHERE t.created_at >= $1 AND t.created_at < $2
	`

	summary := &models.ComplianceSummary{
		Date: startOfDay.Format("2006-01-02"),
	}

	err := r.db.Pool.QueryRow(ctx, query, startOfDay, endOfDay).Scan(
		&summary.TotalTransactions,
		&summary.CompletedCount,
		&summary.FailedCount,
		&summary.AvgRiskScore,
		&summary.HighBandCount,
		&summary.CriticalBandCount,
	)
	if err != nil {
		return nil, err
	}

	// Top rules referenced by stored analyses
	rulesQuery := `
		SELECT unnest(rule_ids) as rule_id, COUNT(*) as count
		FROM compliance_analyses
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY rule_id
		ORDER BY count DESC
		LIMIT 10
	`

	rulesRows, err := r.db.Pool.Query(ctx, rulesQuery, startOfDay, endOfDay)
	if err != nil {
		return nil, err
	}
	defer rulesRows.Close()

	for rulesRows.Next() {
		var ruleCount models.RuleCount
		if err := rulesRows.Scan(&ruleCount.RuleID, &ruleCount.Count); err != nil {
			return nil, err
		}
		summary.TopRules = append(summary.TopRules, ruleCount)
	}

	return summary, rulesRows.Err()
}
