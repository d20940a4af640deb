package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/enterprise/aml-engine/internal/metrics"
	"github.com/enterprise/aml-engine/internal/models"
)

// maxRetrieved caps the merged candidate list across both corpora.
const maxRetrieved = 30

// EvaluationStore is the persistence surface the orchestrator drives.
type EvaluationStore interface {
	HistorySource
	FetchTransaction(ctx context.Context, transactionID string) (*models.Transaction, error)
	BeginProcessing(ctx context.Context, transactionID string, startedAt time.Time) (string, error)
	SaveEvaluation(ctx context.Context, analysis *models.ComplianceAnalysis, alerts []*models.Alert, investigation *models.Case) error
	MarkFailed(ctx context.Context, transactionID, reason string, completedAt time.Time) error
}

// RuleSearcher retrieves candidate rules from the two corpora.
type RuleSearcher interface {
	SearchInternal(ctx context.Context, queries []string, bookingDate time.Time, jurisdiction string) ([]models.RetrievedRule, error)
	SearchExternal(ctx context.Context, queries []string, bookingDate time.Time, jurisdiction string) ([]models.RetrievedRule, error)
}

// EventPublisher emits compliance events after terminal transitions.
// Publishing is advisory; failures are logged, never propagated.
type EventPublisher interface {
	Publish(ctx context.Context, event *models.ComplianceEvent) error
}

// Evaluation accumulates the state threaded through the stages. It lives
// for one run and is discarded on any terminal status.
type Evaluation struct {
	Transaction   *models.Transaction
	Queries       []string
	History       []*models.Transaction
	Retrieved     []models.RetrievedRule
	Applicable    []models.RetrievedRule
	Applicability map[string]models.Applicability
	Evidence      []models.EvidenceMap
	Controls      []models.ControlResult
	Features      models.FeatureVector
	Posterior     models.Posterior
	Patterns      models.PatternScores
	Assessment    models.RiskAssessment
	Summary       string
	Alerts        []*models.Alert
	Actions       []models.RemediationAction
	Investigation *models.Case
	Warnings      []string
	StartedAt     time.Time
}

// Orchestrator drives one transaction through the thirteen stages in fixed
// order, guaranteeing that either an analysis is persisted with the
// transaction COMPLETED, or the transaction is FAILED with no partial
// analysis, alerts, or case surviving.
type Orchestrator struct {
	store       EvaluationStore
	rules       RuleSearcher
	contexts    *ContextBuilder
	evaluator   *RuleEvaluator
	features    *FeatureEngine
	bayes       *BayesianEngine
	patterns    *PatternEngine
	fusion      *RiskFusion
	analyst     *AnalystWriter
	classifier  *AlertClassifier
	remediation *RemediationPlanner
	publisher   EventPublisher
	metrics     *metrics.Metrics
	deadline    time.Duration
	listVersion string
}

func NewOrchestrator(store EvaluationStore, rules RuleSearcher, gateway LLMGateway, m *metrics.Metrics, publisher EventPublisher, highRisk *HighRiskSet, evalWorkers int, deadline time.Duration) *Orchestrator {
	return &Orchestrator{
		store:       store,
		rules:       rules,
		contexts:    NewContextBuilder(store, highRisk),
		evaluator:   NewRuleEvaluator(gateway, NewEvidenceMapper(), evalWorkers, m),
		features:    NewFeatureEngine(highRisk),
		bayes:       NewBayesianEngine(),
		patterns:    NewPatternEngine(),
		fusion:      NewRiskFusion(),
		analyst:     NewAnalystWriter(gateway),
		classifier:  NewAlertClassifier(),
		remediation: NewRemediationPlanner(),
		publisher:   publisher,
		metrics:     m,
		deadline:    deadline,
		listVersion: highRisk.Version(),
	}
}

// Evaluate runs one queued job to a terminal state. A nil return, or one
// wrapping ErrEvaluationFailed, means the terminal state is durably recorded
// and the message may be acknowledged; any other error calls for redelivery.
func (o *Orchestrator) Evaluate(ctx context.Context, job *models.EvaluationJob) error {
	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	started := time.Now().UTC()
	logger := log.With().Str("transaction_id", job.TransactionID).Str("task_id", job.TaskID).Logger()

	prior, err := o.store.BeginProcessing(ctx, job.TransactionID, started)
	if err != nil {
		return fmt.Errorf("begin processing: %w", err)
	}
	if prior == models.StatusCompleted {
		logger.Info().Msg("Transaction already completed, skipping")
		return nil
	}
	if prior == models.StatusProcessing {
		logger.Warn().Msg("Re-running evaluation left in PROCESSING")
	}

	tx, err := o.store.FetchTransaction(ctx, job.TransactionID)
	if err != nil {
		return o.fail(job, started, fmt.Errorf("loading transaction: %w", err))
	}

	eval := &Evaluation{Transaction: tx, StartedAt: started}
	if err := o.run(ctx, eval); err != nil {
		return o.fail(job, started, err)
	}

	o.metrics.RecordEvaluation("completed", time.Since(started).Seconds())
	o.metrics.RecordRiskBand(eval.Assessment.Band)
	for _, a := range eval.Alerts {
		o.metrics.RecordAlert(a.Role, a.Severity)
	}
	if eval.Investigation != nil {
		o.metrics.CasesOpened.Inc()
	}
	logger.Info().
		Float64("risk_score", eval.Assessment.Score).
		Str("risk_band", eval.Assessment.Band).
		Int("alerts", len(eval.Alerts)).
		Dur("elapsed", time.Since(started)).
		Msg("Evaluation completed")

	event := &models.ComplianceEvent{
		EventType:     models.EventAnalysisCompleted,
		TransactionID: tx.TransactionID,
		RiskScore:     eval.Assessment.Score,
		RiskBand:      eval.Assessment.Band,
		AlertCount:    len(eval.Alerts),
		Timestamp:     time.Now().UTC(),
	}
	if eval.Investigation != nil {
		event.CaseID = eval.Investigation.ID
	}
	o.publish(event)
	if len(eval.Alerts) > 0 {
		o.publish(&models.ComplianceEvent{
			EventType:     models.EventAlertsCreated,
			TransactionID: tx.TransactionID,
			RiskScore:     eval.Assessment.Score,
			RiskBand:      eval.Assessment.Band,
			AlertCount:    len(eval.Alerts),
			Timestamp:     time.Now().UTC(),
			Metadata:      models.JSONB{"alert_types": alertTypes(eval.Alerts)},
		})
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, eval *Evaluation) error {
	tx := eval.Transaction

	if err := o.stage(StageContextBuilder, func() error {
		queries, history, err := o.contexts.Build(ctx, tx)
		if err != nil {
			return err
		}
		eval.Queries = queries
		eval.History = history
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(StageRetrieval, func() error {
		retrieved, err := o.retrieve(ctx, eval)
		if err != nil {
			return err
		}
		eval.Retrieved = retrieved
		return nil
	}); err != nil {
		return err
	}
	o.metrics.RetrievedCandidates.Observe(float64(len(eval.Retrieved)))

	if err := o.stage(StageApplicability, func() error {
		kept, byRule, warnings, err := o.evaluator.Applicability(ctx, tx, eval.Retrieved)
		eval.Warnings = append(eval.Warnings, warnings...)
		if err != nil {
			return err
		}
		eval.Applicable = kept
		eval.Applicability = byRule
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(StageEvidenceMapping, func() error {
		eval.Evidence = o.evaluator.MapEvidence(tx, eval.Applicable)
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(StageControlTest, func() error {
		controls, warnings, err := o.evaluator.ControlTests(ctx, tx, eval.Applicable, eval.Evidence)
		eval.Warnings = append(eval.Warnings, warnings...)
		if err != nil {
			return err
		}
		eval.Controls = controls
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(StageFeatures, func() error {
		eval.Features = o.features.Extract(tx, eval.History)
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(StageBayesian, func() error {
		eval.Posterior = o.bayes.Update(tx.CustomerRiskRating, eval.Controls, eval.Features)
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(StagePatterns, func() error {
		eval.Patterns = o.patterns.Detect(tx, eval.History)
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(StageFusion, func() error {
		eval.Assessment = o.fusion.Fuse(eval.Controls, eval.Posterior, eval.Patterns)
		return nil
	}); err != nil {
		return err
	}

	// The summary is advisory: it degrades to empty rather than sinking
	// the evaluation, unless the deadline itself has expired.
	if err := o.stage(StageAnalystSummary, func() error {
		summary, err := o.analyst.Summarize(ctx, eval)
		if err != nil {
			return err
		}
		eval.Summary = summary
		return nil
	}); err != nil {
		if ctx.Err() != nil {
			return err
		}
		o.metrics.RecordLLMCall("analyst_summary", "error")
		eval.Warnings = append(eval.Warnings, fmt.Sprintf("analyst summary unavailable: %v", err))
		log.Warn().Err(err).Str("transaction_id", tx.TransactionID).Msg("Analyst summary failed, continuing without")
	} else {
		o.metrics.RecordLLMCall("analyst_summary", "success")
	}

	if err := o.stage(StageClassification, func() error {
		eval.Alerts = o.classifier.Classify(eval, time.Now().UTC())
		return nil
	}); err != nil {
		return err
	}

	if err := o.stage(StageRemediation, func() error {
		eval.Actions = o.remediation.Plan(eval)
		return nil
	}); err != nil {
		return err
	}

	return o.stage(StagePersist, func() error {
		return o.persist(ctx, eval)
	})
}

func (o *Orchestrator) stage(name string, fn func() error) error {
	begin := time.Now()
	err := fn()
	o.metrics.RecordStage(name, time.Since(begin).Seconds())
	if err != nil {
		var se *StageError
		if errors.As(err, &se) {
			return err
		}
		return &StageError{Stage: name, Err: err}
	}
	return nil
}

// retrieve queries both corpora and merges the fused lists, keeping the
// highest score per rule id and truncating to the retrieval cap.
func (o *Orchestrator) retrieve(ctx context.Context, eval *Evaluation) ([]models.RetrievedRule, error) {
	tx := eval.Transaction
	internal, err := o.rules.SearchInternal(ctx, eval.Queries, tx.BookingDate, tx.BookingJurisdiction)
	if err != nil {
		return nil, fmt.Errorf("internal corpus: %w", err)
	}
	external, err := o.rules.SearchExternal(ctx, eval.Queries, tx.BookingDate, tx.BookingJurisdiction)
	if err != nil {
		return nil, fmt.Errorf("external corpus: %w", err)
	}

	best := make(map[string]models.RetrievedRule, len(internal)+len(external))
	for _, list := range [][]models.RetrievedRule{internal, external} {
		for _, r := range list {
			if cur, ok := best[r.Rule.RuleID]; !ok || r.Score > cur.Score {
				best[r.Rule.RuleID] = r
			}
		}
	}
	merged := make([]models.RetrievedRule, 0, len(best))
	for _, r := range best {
		merged = append(merged, r)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].Rule.RuleID < merged[j].Rule.RuleID
	})
	if len(merged) > maxRetrieved {
		merged = merged[:maxRetrieved]
	}
	return merged, nil
}

func (o *Orchestrator) persist(ctx context.Context, eval *Evaluation) error {
	tx := eval.Transaction
	now := time.Now().UTC()

	analysis := &models.ComplianceAnalysis{
		ID:                    uuid.New(),
		TransactionID:         tx.TransactionID,
		ComplianceScore:       eval.Assessment.Score,
		RiskBand:              eval.Assessment.Band,
		RuleIDs:               applicableRuleIDs(eval.Applicable),
		ApplicableRules:       ruleScores(eval),
		EvidenceMaps:          eval.Evidence,
		ControlResults:        eval.Controls,
		FeatureVector:         eval.Features,
		PatternScores:         eval.Patterns,
		Posterior:             eval.Posterior,
		RiskBreakdown:         eval.Assessment.Breakdown,
		RemediationActions:    eval.Actions,
		AnalystSummary:        eval.Summary,
		Warnings:              eval.Warnings,
		HighRiskListVersion:   o.listVersion,
		ProcessingTimeSeconds: time.Since(eval.StartedAt).Seconds(),
		CreatedAt:             now,
	}
	if eval.Assessment.Band == models.BandCritical {
		eval.Investigation = buildCase(tx, eval.Alerts, now)
	}
	return o.store.SaveEvaluation(ctx, analysis, eval.Alerts, eval.Investigation)
}

// fail records the FAILED status in its own committed write and returns an
// error the queue layer can acknowledge. If even the failure write is lost,
// the raw error propagates so the message is redelivered.
func (o *Orchestrator) fail(job *models.EvaluationJob, started time.Time, evalErr error) error {
	var se *StageError
	if errors.As(evalErr, &se) {
		o.metrics.RecordStageFailure(se.Stage)
	}
	o.metrics.RecordEvaluation("failed", time.Since(started).Seconds())
	log.Error().Err(evalErr).Str("transaction_id", job.TransactionID).Msg("Evaluation failed")

	// The failure write must survive the evaluation deadline.
	failCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.store.MarkFailed(failCtx, job.TransactionID, evalErr.Error(), time.Now().UTC()); err != nil {
		log.Error().Err(err).Str("transaction_id", job.TransactionID).Msg("Failed to record FAILED status")
		return fmt.Errorf("recording failure: %v (evaluation error: %w)", err, evalErr)
	}

	o.publish(&models.ComplianceEvent{
		EventType:     models.EventEvaluationFailed,
		TransactionID: job.TransactionID,
		FailureReason: evalErr.Error(),
		Timestamp:     time.Now().UTC(),
	})
	return fmt.Errorf("%w: %v", ErrEvaluationFailed, evalErr)
}

func (o *Orchestrator) publish(event *models.ComplianceEvent) {
	if o.publisher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.publisher.Publish(ctx, event); err != nil {
		log.Warn().Err(err).Str("event_type", event.EventType).Msg("Event publish failed")
	}
}

func buildCase(tx *models.Transaction, alerts []*models.Alert, now time.Time) *models.Case {
	alertIDs := make([]string, 0, len(alerts))
	for _, a := range alerts {
		alertIDs = append(alertIDs, a.ID)
	}
	return &models.Case{
		ID:            fmt.Sprintf("CASE-%s-%s", tx.TransactionID, tx.BookingDate.UTC().Format("20060102")),
		TransactionID: tx.TransactionID,
		Title:         fmt.Sprintf("Critical risk review for %s", tx.TransactionID),
		Priority:      models.AlertSeverityCritical,
		Status:        models.CaseStatusOpen,
		AlertIDs:      alertIDs,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func applicableRuleIDs(applicable []models.RetrievedRule) []string {
	ids := make([]string, 0, len(applicable))
	for _, r := range applicable {
		ids = append(ids, r.Rule.RuleID)
	}
	return ids
}

func ruleScores(eval *Evaluation) []models.RuleScore {
	scores := make([]models.RuleScore, 0, len(eval.Applicable))
	for _, r := range eval.Applicable {
		app := eval.Applicability[r.Rule.RuleID]
		scores = append(scores, models.RuleScore{
			RuleID:         r.Rule.RuleID,
			Title:          r.Rule.Title,
			Severity:       r.Rule.Severity,
			RelevanceScore: r.Score,
			Confidence:     app.Confidence,
			Rationale:      app.Rationale,
		})
	}
	return scores
}

func alertTypes(alerts []*models.Alert) []string {
	types := make([]string, 0, len(alerts))
	for _, a := range alerts {
		types = append(types, a.AlertType)
	}
	return types
}
