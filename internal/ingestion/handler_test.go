package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/aml-engine/internal/models"
	"github.com/enterprise/aml-engine/internal/repositories"
)

type fakeTransactionStore struct {
	upserted     *models.Transaction
	storedStatus string
	byID         map[string]*models.Transaction
	upsertErr    error
}

func (f *fakeTransactionStore) Upsert(ctx context.Context, tx *models.Transaction) error {
	if f.upsertErr != nil {
		return f.upsertErr
	}
	f.upserted = tx
	if f.storedStatus != "" {
		tx.Status = f.storedStatus
	}
	return nil
}

func (f *fakeTransactionStore) GetByTransactionID(ctx context.Context, id string) (*models.Transaction, error) {
	tx, ok := f.byID[id]
	if !ok {
		return nil, repositories.ErrTransactionNotFound
	}
	return tx, nil
}

func (f *fakeTransactionStore) List(ctx context.Context, statusFilter string, skip, limit int) ([]*models.Transaction, int, error) {
	return nil, 0, nil
}

type fakeAnalysisStore struct {
	byID map[string]*models.ComplianceAnalysis
}

func (f *fakeAnalysisStore) GetByTransactionID(ctx context.Context, id string) (*models.ComplianceAnalysis, error) {
	a, ok := f.byID[id]
	if !ok {
		return nil, repositories.ErrAnalysisNotFound
	}
	return a, nil
}

type fakeEnqueuer struct {
	jobs []*models.EvaluationJob
	err  error
}

func (f *fakeEnqueuer) Publish(ctx context.Context, job *models.EvaluationJob) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.jobs = append(f.jobs, job)
	return "1-0", nil
}

type fakeRuleUpserter struct {
	rules []*models.Rule
}

func (f *fakeRuleUpserter) UpsertInternal(ctx context.Context, rule *models.Rule) error {
	f.rules = append(f.rules, rule)
	return nil
}

func validRequest() *SubmissionRequest {
	return &SubmissionRequest{
		TransactionID:       "TX-1001",
		Amount:              15000,
		Currency:            "eur",
		BookingDate:         time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC),
		BookingJurisdiction: "de",
		OriginatorAccount:   "DE89370400440532013000",
		OriginatorCountry:   "de",
		BeneficiaryAccount:  "GB29NWBK60161331926819",
		BeneficiaryCountry:  "gb",
		CustomerID:          "CUST-7",
		CustomerRiskRating:  "medium",
	}
}

func TestSubmitQueuesNewTransaction(t *testing.T) {
	txStore := &fakeTransactionStore{}
	jobs := &fakeEnqueuer{}
	svc := NewSubmissionService(txStore, &fakeAnalysisStore{}, jobs, &fakeRuleUpserter{}, nil)

	resp, err := svc.Submit(context.Background(), validRequest())

	require.NoError(t, err)
	assert.Equal(t, "queued", resp.Status)
	assert.Equal(t, "TX-1001", resp.TransactionID)
	assert.NotEmpty(t, resp.TaskID)

	require.Len(t, jobs.jobs, 1)
	assert.Equal(t, "TX-1001", jobs.jobs[0].TransactionID)
	assert.Equal(t, resp.TaskID, jobs.jobs[0].TaskID)

	require.NotNil(t, txStore.upserted)
	assert.Equal(t, models.StatusPending, txStore.upserted.Status)
	assert.Equal(t, "EUR", txStore.upserted.Currency, "country and currency codes are normalized")
	assert.Equal(t, "DE", txStore.upserted.BookingJurisdiction)
}

func TestSubmitSkipsEnqueueWhenAlreadyCompleted(t *testing.T) {
	txStore := &fakeTransactionStore{storedStatus: models.StatusCompleted}
	jobs := &fakeEnqueuer{}
	svc := NewSubmissionService(txStore, &fakeAnalysisStore{}, jobs, &fakeRuleUpserter{}, nil)

	resp, err := svc.Submit(context.Background(), validRequest())

	require.NoError(t, err)
	assert.Equal(t, "completed", resp.Status)
	assert.Empty(t, resp.TaskID)
	assert.Empty(t, jobs.jobs)
}

func TestSubmitSkipsEnqueueWhileProcessing(t *testing.T) {
	txStore := &fakeTransactionStore{storedStatus: models.StatusProcessing}
	jobs := &fakeEnqueuer{}
	svc := NewSubmissionService(txStore, &fakeAnalysisStore{}, jobs, &fakeRuleUpserter{}, nil)

	resp, err := svc.Submit(context.Background(), validRequest())

	require.NoError(t, err)
	assert.Equal(t, "processing", resp.Status)
	assert.Empty(t, jobs.jobs)
}

func TestSubmitRequeuesFailedTransaction(t *testing.T) {
	txStore := &fakeTransactionStore{storedStatus: models.StatusFailed}
	jobs := &fakeEnqueuer{}
	svc := NewSubmissionService(txStore, &fakeAnalysisStore{}, jobs, &fakeRuleUpserter{}, nil)

	resp, err := svc.Submit(context.Background(), validRequest())

	require.NoError(t, err)
	assert.Equal(t, "queued", resp.Status)
	assert.Len(t, jobs.jobs, 1)
}

func TestSubmitSurfacesEnqueueFailure(t *testing.T) {
	txStore := &fakeTransactionStore{}
	jobs := &fakeEnqueuer{err: errors.New("stream down")}
	svc := NewSubmissionService(txStore, &fakeAnalysisStore{}, jobs, &fakeRuleUpserter{}, nil)

	_, err := svc.Submit(context.Background(), validRequest())

	require.Error(t, err)
	assert.NotNil(t, txStore.upserted, "the PENDING row stays for a later requeue")
}

func TestStatusIncludesRiskOutcomeWhenCompleted(t *testing.T) {
	txStore := &fakeTransactionStore{byID: map[string]*models.Transaction{
		"TX-1": {TransactionID: "TX-1", Status: models.StatusCompleted},
	}}
	analyses := &fakeAnalysisStore{byID: map[string]*models.ComplianceAnalysis{
		"TX-1": {TransactionID: "TX-1", ComplianceScore: 72.5, RiskBand: "High"},
	}}
	svc := NewSubmissionService(txStore, analyses, &fakeEnqueuer{}, &fakeRuleUpserter{}, nil)

	resp, err := svc.Status(context.Background(), "TX-1")

	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, resp.TaskStatus)
	require.NotNil(t, resp.RiskScore)
	assert.Equal(t, 72.5, *resp.RiskScore)
	assert.Equal(t, "High", resp.RiskBand)
}

func TestStatusShortensFailureReason(t *testing.T) {
	txStore := &fakeTransactionStore{byID: map[string]*models.Transaction{
		"TX-2": {
			TransactionID: "TX-2",
			Status:        models.StatusFailed,
			FailureReason: "stage control_testing: llm call failed after 3 attempts: llm endpoint returned 500: boom",
		},
	}}
	svc := NewSubmissionService(txStore, &fakeAnalysisStore{}, &fakeEnqueuer{}, &fakeRuleUpserter{}, nil)

	resp, err := svc.Status(context.Background(), "TX-2")

	require.NoError(t, err)
	assert.Equal(t, "evaluation failed during control_testing", resp.Message)
	assert.NotContains(t, resp.Message, "500", "upstream detail stays out of the API")
}

func TestStatusUnknownTransaction(t *testing.T) {
	svc := NewSubmissionService(&fakeTransactionStore{}, &fakeAnalysisStore{}, &fakeEnqueuer{}, &fakeRuleUpserter{}, nil)

	_, err := svc.Status(context.Background(), "TX-NOPE")
	assert.ErrorIs(t, err, repositories.ErrTransactionNotFound)
}

func TestComplianceDistinguishesMissingAnalysis(t *testing.T) {
	txStore := &fakeTransactionStore{byID: map[string]*models.Transaction{
		"TX-3": {TransactionID: "TX-3", Status: models.StatusProcessing},
	}}
	svc := NewSubmissionService(txStore, &fakeAnalysisStore{}, &fakeEnqueuer{}, &fakeRuleUpserter{}, nil)

	_, err := svc.Compliance(context.Background(), "TX-3")
	assert.ErrorIs(t, err, repositories.ErrAnalysisNotFound)

	_, err = svc.Compliance(context.Background(), "TX-GONE")
	assert.ErrorIs(t, err, repositories.ErrTransactionNotFound)
}

func TestUpsertRuleAppliesDefaults(t *testing.T) {
	rules := &fakeRuleUpserter{}
	svc := NewSubmissionService(&fakeTransactionStore{}, &fakeAnalysisStore{}, &fakeEnqueuer{}, rules, nil)

	rule := &models.Rule{RuleID: "POL-001", Title: "cash threshold", Source: "external"}
	require.NoError(t, svc.UpsertRule(context.Background(), rule))

	require.Len(t, rules.rules, 1)
	stored := rules.rules[0]
	assert.Equal(t, 1, stored.Version)
	assert.Equal(t, models.SeverityMedium, stored.Severity)
	assert.Equal(t, models.RuleSourceInternal, stored.Source, "the ingestion path only writes the internal corpus")
}

func TestUpsertRuleRequiresID(t *testing.T) {
	svc := NewSubmissionService(&fakeTransactionStore{}, &fakeAnalysisStore{}, &fakeEnqueuer{}, &fakeRuleUpserter{}, nil)

	err := svc.UpsertRule(context.Background(), &models.Rule{Title: "anonymous"})
	assert.Error(t, err)
}
