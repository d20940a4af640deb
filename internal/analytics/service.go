package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/internal/models"
	"github.com/enterprise/aml-engine/internal/queue"
	"github.com/enterprise/aml-engine/internal/repositories"
)

const recentEventsCacheKey = "compliance:recent_events"

// AnalyticsService provides compliance reporting over stored analyses,
// alerts and cases
type AnalyticsService struct {
	txRepo       *repositories.TransactionRepository
	analysisRepo *repositories.AnalysisRepository
	alertRepo    *repositories.AlertRepository
	caseRepo     *repositories.CaseRepository
	eventRepo    *repositories.EventRepository
	db           *repositories.Database
	cacheClient  *queue.CacheClient
}

// NewAnalyticsService creates a new analytics service
func NewAnalyticsService(
	txRepo *repositories.TransactionRepository,
	analysisRepo *repositories.AnalysisRepository,
	alertRepo *repositories.AlertRepository,
	caseRepo *repositories.CaseRepository,
	eventRepo *repositories.EventRepository,
	db *repositories.Database,
	cacheClient *queue.CacheClient,
) *AnalyticsService {
	return &AnalyticsService{
		txRepo:       txRepo,
		analysisRepo: analysisRepo,
		alertRepo:    alertRepo,
		caseRepo:     caseRepo,
		eventRepo:    eventRepo,
		db:           db,
		cacheClient:  cacheClient,
	}
}

// GetComplianceSummary returns the compliance summary for one UTC day
func (s *AnalyticsService) GetComplianceSummary(ctx context.Context, date time.Time) (*models.ComplianceSummary, error) {
	date = date.UTC()

	// Try cache first
	cacheKey := fmt.Sprintf("compliance:summary:%s", date.Format("2006-01-02"))
	if s.cacheClient != nil {
		var cached models.ComplianceSummary
		if err := s.cacheClient.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	summary, err := s.analysisRepo.GetDailySummary(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("failed to get compliance summary: %w", err)
	}

	if err := s.fillReviewCounts(ctx, date, summary); err != nil {
		log.Warn().Err(err).Msg("Failed to compute alert and case counts for summary")
	}

	// Cache the result (short TTL for the current day, longer for history)
	if s.cacheClient != nil {
		cacheDuration := 5 * time.Minute
		if time.Since(date) > 24*time.Hour {
			cacheDuration = 1 * time.Hour
		}
		if err := s.cacheClient.Set(ctx, cacheKey, summary, cacheDuration); err != nil {
			log.Warn().Err(err).Msg("Failed to cache compliance summary")
		}
	}

	return summary, nil
}

// GetComplianceSummaryRange returns summaries for a date range
func (s *AnalyticsService) GetComplianceSummaryRange(ctx context.Context, startDate, endDate time.Time) ([]*models.ComplianceSummary, error) {
	var summaries []*models.ComplianceSummary

	for d := startDate; !d.After(endDate); d = d.AddDate(0, 0, 1) {
		summary, err := s.GetComplianceSummary(ctx, d)
		if err != nil {
			log.Warn().Err(err).Time("date", d).Msg("Failed to get summary for date")
			continue
		}
		summaries = append(summaries, summary)
	}

	return summaries, nil
}

// GetRiskBandDistribution returns how stored analyses distribute across
// risk bands within the given window
func (s *AnalyticsService) GetRiskBandDistribution(ctx context.Context, days int) (*RiskBandDistribution, error) {
	query := `
		SELECT
			risk_band,
			COUNT(*) as count
		FROM compliance_analyses
		WHERE created_at >= NOW() - ($1::text || ' days')::interval
		GROUP BY risk_band
		ORDER BY
			CASE risk_band
				WHEN 'Critical' THEN 1
				WHEN 'High' THEN 2
				WHEN 'Medium' THEN 3
				WHEN 'Low' THEN 4
			END
	`

	rows, err := s.db.Pool.Query(ctx, query, fmt.Sprintf("%d", days))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	distribution := &RiskBandDistribution{
		Period: fmt.Sprintf("%d days", days),
		Bands:  make(map[string]int),
	}

	var total int
	for rows.Next() {
		var band string
		var count int
		if err := rows.Scan(&band, &count); err != nil {
			return nil, err
		}
		distribution.Bands[band] = count
		total += count
	}
	distribution.Total = total

	return distribution, nil
}

// GetTopTriggeredRules returns the rules most often carried by High or
// Critical analyses within the given window. The count is the number of
// DISTINCT transactions citing the rule, so it compares cleanly against
// the High/Critical analysis count.
func (s *AnalyticsService) GetTopTriggeredRules(ctx context.Context, days, limit int) ([]models.RuleCount, error) {
	query := `
		SELECT
			rule_id,
			COUNT(DISTINCT transaction_id) AS count
		FROM (
			SELECT
				transaction_id,
				unnest(rule_ids) AS rule_id
			FROM compliance_analyses
			WHERE
				created_at >= NOW() - ($1::text || ' days')::interval
				AND risk_band IN ('High', 'Critical')
		) t
		GROUP BY rule_id
		ORDER BY count DESC
		LIMIT $2
	`

	rows, err := s.db.Pool.Query(ctx, query, fmt.Sprintf("%d", days), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []models.RuleCount
	for rows.Next() {
		var rc models.RuleCount
		if err := rows.Scan(&rc.RuleID, &rc.Count); err != nil {
			return nil, err
		}
		rules = append(rules, rc)
	}

	return rules, nil
}

// fillReviewCounts adds the day's alert and case totals to the summary
func (s *AnalyticsService) fillReviewCounts(ctx context.Context, date time.Time, summary *models.ComplianceSummary) error {
	start := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	query := `
		SELECT
			(SELECT COUNT(*) FROM alerts WHERE created_at >= $1 AND created_at < $2),
			(SELECT COUNT(*) FROM cases WHERE created_at >= $1 AND created_at < $2)
	`
	return s.db.Pool.QueryRow(ctx, query, start, end).Scan(&summary.AlertCount, &summary.CaseCount)
}

// GetAlertWorkload returns open alert counts per owner role so team leads
// can see where review work is piling up
func (s *AnalyticsService) GetAlertWorkload(ctx context.Context) (*AlertWorkload, error) {
	query := `
		SELECT owner_role, status, COUNT(*)
		FROM alerts
		GROUP BY owner_role, status
	`

	rows, err := s.db.Pool.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	workload := &AlertWorkload{
		ByRole:   make(map[string]int),
		ByStatus: make(map[string]int),
	}
	for rows.Next() {
		var role, status string
		var count int
		if err := rows.Scan(&role, &status, &count); err != nil {
			return nil, err
		}
		workload.ByRole[role] += count
		workload.ByStatus[status] += count
		workload.Total += count
	}

	return workload, nil
}

// GetSystemHealth returns current operational metrics for the pipeline
func (s *AnalyticsService) GetSystemHealth(ctx context.Context, jobs *queue.JobQueue) (*SystemHealth, error) {
	health := &SystemHealth{
		Timestamp: time.Now().UTC(),
	}

	dbStats := s.db.Stats()
	health.DBConnectionsActive = int(dbStats.AcquiredConns())
	health.DBConnectionsIdle = int(dbStats.IdleConns())

	if jobs != nil {
		info, err := jobs.GetStreamInfo(ctx)
		if err == nil {
			health.QueueLength = int(info.Length)
			health.QueueDepth = int(info.PendingCount)
		}
	}

	dayAgo := time.Now().UTC().Add(-24 * time.Hour)

	statusCounts, err := s.txRepo.CountByStatus(ctx, dayAgo)
	if err == nil {
		health.StatusCounts = statusCounts
	}

	alertCounts, err := s.alertRepo.CountSince(ctx, dayAgo)
	if err == nil {
		health.AlertsBySeverity = alertCounts
	}

	casesOpened, err := s.caseRepo.CountSince(ctx, dayAgo)
	if err == nil {
		health.CasesOpened = casesOpened
	}

	rate, err := s.evaluationRate(ctx)
	if err == nil {
		health.EvaluationsPerMinute = rate
	}

	avgTime, err := s.avgProcessingTime(ctx)
	if err == nil {
		health.AvgProcessingTimeSec = avgTime
	}

	failureRate, err := s.failureRate(ctx)
	if err == nil {
		health.FailureRate = failureRate
	}

	return health, nil
}

// evaluationRate measures completed evaluations per minute over the last hour
func (s *AnalyticsService) evaluationRate(ctx context.Context) (float64, error) {
	count, err := s.analysisRepo.CountCompletedSince(ctx, time.Now().UTC().Add(-1*time.Hour))
	if err != nil {
		return 0, err
	}
	return float64(count) / 60.0, nil
}

// avgProcessingTime averages the pipeline wall-clock over recent analyses
func (s *AnalyticsService) avgProcessingTime(ctx context.Context) (float64, error) {
	query := `
		SELECT COALESCE(AVG(processing_time_seconds), 0)
		FROM compliance_analyses
		WHERE created_at >= NOW() - INTERVAL '15 minutes'
	`

	var avgTime float64
	err := s.db.Pool.QueryRow(ctx, query).Scan(&avgTime)
	if err != nil {
		return 0, err
	}

	return avgTime, nil
}

// failureRate is the share of transactions that ended FAILED in the last hour
func (s *AnalyticsService) failureRate(ctx context.Context) (float64, error) {
	query := `
		SELECT
			COUNT(CASE WHEN status = 'FAILED' THEN 1 END)::float /
			NULLIF(COUNT(*), 0)
		FROM transactions
		WHERE created_at >= NOW() - INTERVAL '1 hour'
	`

	var failureRate *float64
	err := s.db.Pool.QueryRow(ctx, query).Scan(&failureRate)
	if err != nil {
		return 0, err
	}

	if failureRate == nil {
		return 0, nil
	}

	return *failureRate, nil
}

// GetRecentEvents returns the latest audit-trail events. The Redis list kept
// warm by the audit consumer is tried first; the events table is the fallback.
func (s *AnalyticsService) GetRecentEvents(ctx context.Context, limit int) ([]*models.ComplianceEvent, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	if s.cacheClient != nil {
		raw, err := s.cacheClient.LRange(ctx, recentEventsCacheKey, 0, int64(limit-1))
		if err == nil && len(raw) > 0 {
			events := make([]*models.ComplianceEvent, 0, len(raw))
			for _, item := range raw {
				var event models.ComplianceEvent
				if err := json.Unmarshal([]byte(item), &event); err != nil {
					continue
				}
				events = append(events, &event)
			}
			if len(events) > 0 {
				return events, nil
			}
		}
	}

	return s.eventRepo.GetRecent(ctx, limit)
}

// GetHourlyVolume returns transaction volume by hour for one day
func (s *AnalyticsService) GetHourlyVolume(ctx context.Context, date time.Time) ([]HourlyVolume, error) {
	startOfDay := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, time.UTC)
	endOfDay := startOfDay.Add(24 * time.Hour)

	query := `
		SELECT
			EXTRACT(HOUR FROM created_at) as hour,
			COUNT(*) as count,
			COALESCE(SUM(amount), 0) as total_amount
		FROM transactions
		WHERE created_at >= $1 AND created_at < $2
		GROUP BY EXTRACT(HOUR FROM created_at)
		ORDER BY hour
	`

	rows, err := s.db.Pool.Query(ctx, query, startOfDay, endOfDay)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var volumes []HourlyVolume
	for rows.Next() {
		var hv HourlyVolume
		if err := rows.Scan(&hv.Hour, &hv.Count, &hv.TotalAmount); err != nil {
			return nil, err
		}
		volumes = append(volumes, hv)
	}

	return volumes, nil
}

// Response types

// RiskBandDistribution represents risk band distribution over a period
type RiskBandDistribution struct {
	Period string         `json:"period"`
	Bands  map[string]int `json:"bands"`
	Total  int            `json:"total"`
}

// AlertWorkload represents open review work grouped by owner role and status
type AlertWorkload struct {
	ByRole   map[string]int `json:"by_role"`
	ByStatus map[string]int `json:"by_status"`
	Total    int            `json:"total"`
}

// SystemHealth represents current operational metrics
type SystemHealth struct {
	Timestamp            time.Time      `json:"timestamp"`
	DBConnectionsActive  int            `json:"db_connections_active"`
	DBConnectionsIdle    int            `json:"db_connections_idle"`
	QueueLength          int            `json:"queue_length"`
	QueueDepth           int            `json:"queue_depth"`
	StatusCounts         map[string]int `json:"status_counts"`
	AlertsBySeverity     map[string]int `json:"alerts_by_severity"`
	CasesOpened          int            `json:"cases_opened"`
	EvaluationsPerMinute float64        `json:"evaluations_per_minute"`
	AvgProcessingTimeSec float64        `json:"avg_processing_time_sec"`
	FailureRate          float64        `json:"failure_rate"`
}

// HourlyVolume represents transaction volume for an hour
type HourlyVolume struct {
	Hour        int     `json:"hour"`
	Count       int     `json:"count"`
	TotalAmount float64 `json:"total_amount"`
}
