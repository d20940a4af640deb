package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/enterprise/aml-engine/internal/llm"
	"github.com/enterprise/aml-engine/internal/metrics"
	"github.com/enterprise/aml-engine/internal/models"
)

// anchor is the booking date every fixture hangs off. History rows are
// expressed as ages relative to it.
var anchor = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestMetrics() *metrics.Metrics {
	return metrics.NewWith(prometheus.NewRegistry())
}

func testTransaction() *models.Transaction {
	return &models.Transaction{
		TransactionID:       "TXN-1001",
		Amount:              2500,
		Currency:            "USD",
		BookingDate:         anchor,
		BookingJurisdiction: "US",
		OriginatorName:      "Harbor Trading LLC",
		OriginatorAccount:   "ACC-A",
		OriginatorCountry:   "US",
		BeneficiaryName:     "Crestline Imports",
		BeneficiaryAccount:  "ACC-B",
		BeneficiaryCountry:  "US",
		CustomerID:          "CUST-9",
		CustomerRiskRating:  "medium",
		Channel:             "wire",
		Product:             "payments",
		PurposeCode:         "GDDS",
		ChargeBearer:        "SHA",
		TravelRuleComplete:  true,
		Status:              models.StatusPending,
	}
}

// outboundRow is a prior transfer sent from the fixture account.
func outboundRow(id string, amount float64, age time.Duration) *models.Transaction {
	return &models.Transaction{
		TransactionID:      id,
		Amount:             amount,
		Currency:           "USD",
		BookingDate:        anchor.Add(-age),
		OriginatorAccount:  "ACC-A",
		BeneficiaryAccount: "ACC-X",
	}
}

// inboundRow is a prior transfer received by the fixture account.
func inboundRow(id string, amount float64, age time.Duration, fromAccount string) *models.Transaction {
	return &models.Transaction{
		TransactionID:      id,
		Amount:             amount,
		Currency:           "USD",
		BookingDate:        anchor.Add(-age),
		OriginatorAccount:  fromAccount,
		BeneficiaryAccount: "ACC-A",
	}
}

func makeRule(id, severity string, evidence ...string) models.Rule {
	return models.Rule{
		RuleID:           id,
		Version:          1,
		Source:           "internal",
		Regulator:        "FinCEN",
		Jurisdictions:    []string{"US"},
		Title:            "Monitoring obligation " + id,
		Body:             "Transactions must be monitored and documented per policy " + id + ".",
		ExpectedEvidence: evidence,
		Severity:         severity,
		EffectiveDate:    anchor.AddDate(-1, 0, 0),
		IsActive:         true,
	}
}

func retrieved(rule models.Rule, score float64) models.RetrievedRule {
	return models.RetrievedRule{Rule: rule, Score: score, Query: "monitoring obligations"}
}

// fakeGateway scripts model responses by inspecting the request. Responses
// can be keyed per rule id, with a default per call kind.
type fakeGateway struct {
	mu    sync.Mutex
	calls map[string]int

	applicabilityDefault string
	applicabilityByRule  map[string]string
	controlDefault       string
	controlByRule        map[string]string
	summary              string

	err       error
	errFor    map[string]bool // call kind: applicability, control, analyst
	errByRule map[string]bool
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		calls:                make(map[string]int),
		applicabilityByRule:  make(map[string]string),
		controlByRule:        make(map[string]string),
		applicabilityDefault: `{"applies": true, "rationale": "governs wire transfers", "confidence": 0.9}`,
		controlDefault:       `{"status": "pass", "severity": "medium", "compliance_score": 85, "rationale": "documentation complete"}`,
		summary:              "No material compliance concerns identified for this transfer.",
	}
}

func (f *fakeGateway) kind(req llm.CompletionRequest) string {
	switch req.System {
	case applicabilitySystem:
		return "applicability"
	case controlTestSystem:
		return "control"
	default:
		return "analyst"
	}
}

func (f *fakeGateway) callCount(kind string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[kind]
}

func (f *fakeGateway) Complete(ctx context.Context, req llm.CompletionRequest) (string, error) {
	kind := f.kind(req)
	f.mu.Lock()
	f.calls[kind]++
	f.mu.Unlock()

	if f.err != nil {
		return "", f.err
	}
	if f.errFor[kind] {
		return "", fmt.Errorf("model unavailable")
	}
	for ruleID := range f.errByRule {
		if strings.Contains(req.Prompt, ruleID) {
			return "", fmt.Errorf("model unavailable for %s", ruleID)
		}
	}

	switch kind {
	case "applicability":
		for ruleID, resp := range f.applicabilityByRule {
			if strings.Contains(req.Prompt, ruleID) {
				return resp, nil
			}
		}
		return f.applicabilityDefault, nil
	case "control":
		for ruleID, resp := range f.controlByRule {
			if strings.Contains(req.Prompt, ruleID) {
				return resp, nil
			}
		}
		return f.controlDefault, nil
	default:
		return f.summary, nil
	}
}

func (f *fakeGateway) CompleteJSON(ctx context.Context, req llm.CompletionRequest, out interface{}) error {
	raw, err := f.Complete(ctx, req)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), out)
}

// fakeStore is an in-memory EvaluationStore tracking status transitions.
type fakeStore struct {
	mu sync.Mutex

	tx      *models.Transaction
	status  string
	history []*models.Transaction

	analysis      *models.ComplianceAnalysis
	alerts        []*models.Alert
	investigation *models.Case
	failReason    string

	beginCalls    int
	saveCalls     int
	fetchErr      error
	beginErr      error
	saveErr       error
	markFailedErr error
}

func newFakeStore(tx *models.Transaction, history ...*models.Transaction) *fakeStore {
	return &fakeStore{tx: tx, status: models.StatusPending, history: history}
}

func (s *fakeStore) FetchTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if s.tx == nil || s.tx.TransactionID != transactionID {
		return nil, fmt.Errorf("transaction %s not found", transactionID)
	}
	return s.tx, nil
}

func (s *fakeStore) History(ctx context.Context, account, excludeTransactionID string, from, to time.Time) ([]*models.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history, nil
}

func (s *fakeStore) BeginProcessing(ctx context.Context, transactionID string, startedAt time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beginCalls++
	if s.beginErr != nil {
		return "", s.beginErr
	}
	prior := s.status
	if prior == models.StatusCompleted {
		return prior, nil
	}
	s.status = models.StatusProcessing
	return prior, nil
}

func (s *fakeStore) SaveEvaluation(ctx context.Context, analysis *models.ComplianceAnalysis, alerts []*models.Alert, investigation *models.Case) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveCalls++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.analysis = analysis
	s.alerts = alerts
	s.investigation = investigation
	s.status = models.StatusCompleted
	return nil
}

func (s *fakeStore) MarkFailed(ctx context.Context, transactionID, reason string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markFailedErr != nil {
		return s.markFailedErr
	}
	s.status = models.StatusFailed
	s.failReason = reason
	return nil
}

func (s *fakeStore) snapshot() (string, *models.ComplianceAnalysis, []*models.Alert, *models.Case, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status, s.analysis, s.alerts, s.investigation, s.failReason
}

// fakeSearcher serves canned retrieval results for both corpora.
type fakeSearcher struct {
	internal []models.RetrievedRule
	external []models.RetrievedRule

	internalErr error
	externalErr error
}

func (f *fakeSearcher) SearchInternal(ctx context.Context, queries []string, bookingDate time.Time, jurisdiction string) ([]models.RetrievedRule, error) {
	if f.internalErr != nil {
		return nil, f.internalErr
	}
	return f.internal, nil
}

func (f *fakeSearcher) SearchExternal(ctx context.Context, queries []string, bookingDate time.Time, jurisdiction string) ([]models.RetrievedRule, error) {
	if f.externalErr != nil {
		return nil, f.externalErr
	}
	return f.external, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []*models.ComplianceEvent
}

func (f *fakePublisher) Publish(ctx context.Context, event *models.ComplianceEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.EventType)
	}
	return out
}
