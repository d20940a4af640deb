package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/internal/models"
	"github.com/enterprise/aml-engine/internal/queue"
	"github.com/enterprise/aml-engine/internal/repositories"
)

const (
	maxListLimit   = 100
	statusCacheTTL = 30 * time.Second
)

// TransactionStore is the slice of the transaction repository submission needs.
type TransactionStore interface {
	Upsert(ctx context.Context, tx *models.Transaction) error
	GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error)
	List(ctx context.Context, statusFilter string, skip, limit int) ([]*models.Transaction, int, error)
}

// AnalysisStore reads persisted analyses for the query surface.
type AnalysisStore interface {
	GetByTransactionID(ctx context.Context, transactionID string) (*models.ComplianceAnalysis, error)
}

// JobEnqueuer pushes evaluation jobs onto the durable queue.
type JobEnqueuer interface {
	Publish(ctx context.Context, job *models.EvaluationJob) (string, error)
}

// RuleUpserter is the ingestion path into the internal rule corpus.
type RuleUpserter interface {
	UpsertInternal(ctx context.Context, rule *models.Rule) error
}

// SubmissionRequest is the inbound transaction payload. Field names follow
// the persisted transaction model.
type SubmissionRequest struct {
	TransactionID       string                 `json:"transaction_id" binding:"required"`
	Amount              float64                `json:"amount" binding:"gte=0"`
	Currency            string                 `json:"currency" binding:"required,len=3"`
	BookingDate         time.Time              `json:"booking_date" binding:"required"`
	ValueDate           *time.Time             `json:"value_date"`
	BookingJurisdiction string                 `json:"booking_jurisdiction" binding:"required"`
	OriginatorName      string                 `json:"originator_name"`
	OriginatorAccount   string                 `json:"originator_account" binding:"required"`
	OriginatorCountry   string                 `json:"originator_country" binding:"required,len=2"`
	BeneficiaryName     string                 `json:"beneficiary_name"`
	BeneficiaryAccount  string                 `json:"beneficiary_account" binding:"required"`
	BeneficiaryCountry  string                 `json:"beneficiary_country" binding:"required,len=2"`
	CustomerID          string                 `json:"customer_id" binding:"required"`
	CustomerRiskRating  string                 `json:"customer_risk_rating" binding:"required,oneof=low medium high critical"`
	CustomerKYCDate     *time.Time             `json:"customer_kyc_date"`
	Channel             string                 `json:"channel"`
	Product             string                 `json:"product"`
	SwiftMessageType    string                 `json:"swift_message_type"`
	PurposeCode         string                 `json:"purpose_code"`
	ChargeBearer        string                 `json:"charge_bearer"`
	TravelRuleComplete  bool                   `json:"travel_rule_complete"`
	FXConversion        bool                   `json:"fx_conversion"`
	PEPIndicator        bool                   `json:"pep_indicator"`
	SanctionsHit        bool                   `json:"sanctions_hit"`
	RawPayload          map[string]interface{} `json:"raw_payload,omitempty"`
}

// SubmissionResponse acknowledges an accepted transaction
type SubmissionResponse struct {
	TransactionID string `json:"transaction_id"`
	TaskID        string `json:"task_id"`
	Status        string `json:"status"`
	Message       string `json:"message,omitempty"`
}

// StatusResponse reports the evaluation lifecycle for a transaction
type StatusResponse struct {
	TransactionID string   `json:"transaction_id"`
	TaskStatus    string   `json:"task_status"`
	RiskScore     *float64 `json:"risk_score,omitempty"`
	RiskBand      string   `json:"risk_band,omitempty"`
	Message       string   `json:"message,omitempty"`
}

// ListResponse is a paginated transaction listing
type ListResponse struct {
	Transactions []*models.Transaction `json:"transactions"`
	Total        int                   `json:"total"`
	Skip         int                   `json:"skip"`
	Limit        int                   `json:"limit"`
}

// SubmissionService accepts transactions, records them PENDING and hands them
// to the evaluation queue. Submission never evaluates anything inline.
type SubmissionService struct {
	transactions TransactionStore
	analyses     AnalysisStore
	jobs         JobEnqueuer
	rules        RuleUpserter
	cache        *queue.CacheClient
}

// NewSubmissionService creates a submission service
func NewSubmissionService(transactions TransactionStore, analyses AnalysisStore, jobs JobEnqueuer, rules RuleUpserter, cache *queue.CacheClient) *SubmissionService {
	return &SubmissionService{
		transactions: transactions,
		analyses:     analyses,
		jobs:         jobs,
		rules:        rules,
		cache:        cache,
	}
}

// Submit stores the transaction as PENDING if it is new and enqueues an
// evaluation job. Resubmitting a known transaction is idempotent: a completed
// or in-flight evaluation is left alone, a failed one is queued again.
func (s *SubmissionService) Submit(ctx context.Context, req *SubmissionRequest) (*SubmissionResponse, error) {
	tx := s.toTransaction(req)

	if err := s.transactions.Upsert(ctx, tx); err != nil {
		return nil, fmt.Errorf("failed to store transaction: %w", err)
	}

	// Upsert returns the stored row's status, which for an existing
	// transaction is the status of the earlier evaluation.
	switch tx.Status {
	case models.StatusCompleted:
		return &SubmissionResponse{
			TransactionID: tx.TransactionID,
			Status:        "completed",
			Message:       "transaction already evaluated",
		}, nil
	case models.StatusProcessing:
		return &SubmissionResponse{
			TransactionID: tx.TransactionID,
			Status:        "processing",
			Message:       "evaluation already in progress",
		}, nil
	}

	job := &models.EvaluationJob{
		TaskID:        uuid.NewString(),
		TransactionID: tx.TransactionID,
		EnqueuedAt:    time.Now().UTC(),
	}
	if _, err := s.jobs.Publish(ctx, job); err != nil {
		// The PENDING row survives; the operator can requeue it.
		return nil, fmt.Errorf("failed to enqueue evaluation: %w", err)
	}

	log.Info().
		Str("transaction_id", tx.TransactionID).
		Str("task_id", job.TaskID).
		Float64("amount", tx.Amount).
		Str("currency", tx.Currency).
		Msg("Transaction queued for evaluation")

	return &SubmissionResponse{
		TransactionID: tx.TransactionID,
		TaskID:        job.TaskID,
		Status:        "queued",
	}, nil
}

// Status reports the lifecycle status and, once completed, the risk outcome
func (s *SubmissionService) Status(ctx context.Context, transactionID string) (*StatusResponse, error) {
	cacheKey := "compliance:status:" + transactionID
	if s.cache != nil {
		var cached StatusResponse
		if err := s.cache.Get(ctx, cacheKey, &cached); err == nil {
			return &cached, nil
		}
	}

	tx, err := s.transactions.GetByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	resp := &StatusResponse{
		TransactionID: tx.TransactionID,
		TaskStatus:    tx.Status,
	}

	switch tx.Status {
	case models.StatusCompleted:
		analysis, err := s.analyses.GetByTransactionID(ctx, transactionID)
		if err == nil {
			resp.RiskScore = &analysis.ComplianceScore
			resp.RiskBand = analysis.RiskBand
		} else if !errors.Is(err, repositories.ErrAnalysisNotFound) {
			return nil, err
		}
	case models.StatusFailed:
		resp.Message = failureMessage(tx.FailureReason)
	}

	// Only terminal statuses are worth caching
	if s.cache != nil && (tx.Status == models.StatusCompleted || tx.Status == models.StatusFailed) {
		if err := s.cache.Set(ctx, cacheKey, resp, statusCacheTTL); err != nil {
			log.Warn().Err(err).Str("transaction_id", transactionID).Msg("Failed to cache status")
		}
	}

	return resp, nil
}

// Compliance returns the stored analysis for a transaction. The transaction
// must exist; a missing analysis surfaces as ErrAnalysisNotFound so the API
// can distinguish 404 causes.
func (s *SubmissionService) Compliance(ctx context.Context, transactionID string) (*models.ComplianceAnalysis, error) {
	if _, err := s.transactions.GetByTransactionID(ctx, transactionID); err != nil {
		return nil, err
	}
	return s.analyses.GetByTransactionID(ctx, transactionID)
}

// List returns transactions filtered by status, paginated. The limit is
// capped server-side.
func (s *SubmissionService) List(ctx context.Context, statusFilter string, skip, limit int) (*ListResponse, error) {
	if limit <= 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	if skip < 0 {
		skip = 0
	}

	transactions, total, err := s.transactions.List(ctx, statusFilter, skip, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}

	return &ListResponse{
		Transactions: transactions,
		Total:        total,
		Skip:         skip,
		Limit:        limit,
	}, nil
}

// UpsertRule pushes a rule into the internal corpus. This is the ingestion
// path used by policy tooling; the evaluation pipeline never writes rules.
func (s *SubmissionService) UpsertRule(ctx context.Context, rule *models.Rule) error {
	if rule.RuleID == "" {
		return fmt.Errorf("rule_id is required")
	}
	if rule.Severity == "" {
		rule.Severity = models.SeverityMedium
	}
	if rule.Version <= 0 {
		rule.Version = 1
	}
	rule.Source = models.RuleSourceInternal
	return s.rules.UpsertInternal(ctx, rule)
}

func (s *SubmissionService) toTransaction(req *SubmissionRequest) *models.Transaction {
	return &models.Transaction{
		TransactionID:       req.TransactionID,
		Amount:              req.Amount,
		Currency:            strings.ToUpper(req.Currency),
		BookingDate:         req.BookingDate.UTC(),
		ValueDate:           req.ValueDate,
		BookingJurisdiction: strings.ToUpper(req.BookingJurisdiction),
		OriginatorName:      req.OriginatorName,
		OriginatorAccount:   req.OriginatorAccount,
		OriginatorCountry:   strings.ToUpper(req.OriginatorCountry),
		BeneficiaryName:     req.BeneficiaryName,
		BeneficiaryAccount:  req.BeneficiaryAccount,
		BeneficiaryCountry:  strings.ToUpper(req.BeneficiaryCountry),
		CustomerID:          req.CustomerID,
		CustomerRiskRating:  req.CustomerRiskRating,
		CustomerKYCDate:     req.CustomerKYCDate,
		Channel:             req.Channel,
		Product:             req.Product,
		SwiftMessageType:    req.SwiftMessageType,
		PurposeCode:         req.PurposeCode,
		ChargeBearer:        req.ChargeBearer,
		TravelRuleComplete:  req.TravelRuleComplete,
		FXConversion:        req.FXConversion,
		PEPIndicator:        req.PEPIndicator,
		SanctionsHit:        req.SanctionsHit,
		Status:              models.StatusPending,
		RawPayload:          models.JSONB(req.RawPayload),
	}
}

// failureMessage reduces a stored failure reason to a short operator-facing
// message that leaks no upstream detail.
func failureMessage(reason string) string {
	if reason == "" {
		return "evaluation failed"
	}
	if idx := strings.Index(reason, "stage "); idx >= 0 {
		rest := reason[idx+len("stage "):]
		if end := strings.IndexAny(rest, ":"); end > 0 {
			return "evaluation failed during " + strings.TrimSpace(rest[:end])
		}
	}
	if strings.Contains(reason, "context deadline exceeded") {
		return "evaluation timed out"
	}
	return "evaluation failed"
}
