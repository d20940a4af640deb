package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/enterprise/aml-engine/internal/llm"
	"github.com/enterprise/aml-engine/internal/metrics"
	"github.com/enterprise/aml-engine/internal/models"
)

const (
	// applicabilityCap bounds the fan-out to the highest-scored rules.
	applicabilityCap = 10
	// minConfidence drops applicability verdicts the model itself doubts.
	minConfidence = 0.3
	// Losing all but one control test across a wide rule set invalidates
	// the evaluation rather than producing a hollow analysis.
	minSuccessfulControls = 2
	controlQuorum         = 5
)

// LLMGateway is the slice of the language model client the pipeline uses.
type LLMGateway interface {
	Complete(ctx context.Context, req llm.CompletionRequest) (string, error)
	CompleteJSON(ctx context.Context, req llm.CompletionRequest, out interface{}) error
}

// RuleEvaluator runs the per-rule judgement stages: applicability screening
// and control testing. Both fan out over the gateway with a bounded worker
// count and temperature pinned to zero.
type RuleEvaluator struct {
	gateway LLMGateway
	mapper  *EvidenceMapper
	workers int
	metrics *metrics.Metrics
}

func NewRuleEvaluator(gateway LLMGateway, mapper *EvidenceMapper, workers int, m *metrics.Metrics) *RuleEvaluator {
	if workers <= 0 {
		workers = 10
	}
	return &RuleEvaluator{gateway: gateway, mapper: mapper, workers: workers, metrics: m}
}

type applicabilityResponse struct {
	Applies    bool    `json:"applies"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
}

// Applicability fans out one judgement per retrieved rule, capped at the ten
// highest fused scores. Rules that do not apply, or that come back under the
// confidence floor, are dropped. A rule whose call fails is dropped with a
// warning; when every call fails the stage fails.
func (e *RuleEvaluator) Applicability(ctx context.Context, tx *models.Transaction, retrieved []models.RetrievedRule) ([]models.RetrievedRule, map[string]models.Applicability, []string, error) {
	if len(retrieved) > applicabilityCap {
		retrieved = retrieved[:applicabilityCap]
	}
	retrieved = Prefilter(tx, retrieved)
	if len(retrieved) == 0 {
		return nil, map[string]models.Applicability{}, nil, nil
	}

	results := make([]*models.Applicability, len(retrieved))
	failures := make([]error, len(retrieved))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range retrieved {
		i := i
		rule := retrieved[i].Rule
		g.Go(func() error {
			var resp applicabilityResponse
			err := e.gateway.CompleteJSON(gctx, llm.CompletionRequest{
				System:      applicabilitySystem,
				Prompt:      applicabilityPrompt(&rule, tx),
				Temperature: 0,
				MaxTokens:   400,
			}, &resp)
			if err != nil {
				failures[i] = err
				e.metrics.RecordLLMCall("applicability", "error")
				return nil
			}
			e.metrics.RecordLLMCall("applicability", "success")
			results[i] = &models.Applicability{
				RuleID:     rule.RuleID,
				Applies:    resp.Applies,
				Rationale:  resp.Rationale,
				Confidence: resp.Confidence,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}

	var (
		kept     []models.RetrievedRule
		byRule   = make(map[string]models.Applicability)
		warnings []string
		failed   int
	)
	for i, r := range results {
		if failures[i] != nil {
			failed++
			warnings = append(warnings, fmt.Sprintf("applicability dropped rule %s: %v", retrieved[i].Rule.RuleID, failures[i]))
			log.Warn().Err(failures[i]).Str("rule_id", retrieved[i].Rule.RuleID).Msg("Applicability call failed, dropping rule")
			continue
		}
		if !r.Applies || r.Confidence < minConfidence {
			continue
		}
		byRule[r.RuleID] = *r
		kept = append(kept, retrieved[i])
	}
	if failed == len(retrieved) {
		return nil, nil, warnings, fmt.Errorf("all %d applicability calls failed: %w", failed, firstError(failures))
	}
	return kept, byRule, warnings, nil
}

// MapEvidence runs the mechanical evidence classification for each
// applicable rule.
func (e *RuleEvaluator) MapEvidence(tx *models.Transaction, applicable []models.RetrievedRule) []models.EvidenceMap {
	maps := make([]models.EvidenceMap, 0, len(applicable))
	for _, r := range applicable {
		rule := r.Rule
		maps = append(maps, e.mapper.Map(tx, &rule))
	}
	return maps
}

type controlResponse struct {
	Status          string  `json:"status"`
	Severity        string  `json:"severity"`
	ComplianceScore float64 `json:"compliance_score"`
	Rationale       string  `json:"rationale"`
}

// ControlTests fans out one test per applicable rule. The rule's declared
// severity always wins over the model's, and scores are clamped to agree
// with the verdict: passes sit at 70 or above, failures at 40 or below.
func (e *RuleEvaluator) ControlTests(ctx context.Context, tx *models.Transaction, applicable []models.RetrievedRule, evidence []models.EvidenceMap) ([]models.ControlResult, []string, error) {
	if len(applicable) == 0 {
		return nil, nil, nil
	}
	byRule := make(map[string]models.EvidenceMap, len(evidence))
	for _, em := range evidence {
		byRule[em.RuleID] = em
	}

	results := make([]*models.ControlResult, len(applicable))
	failures := make([]error, len(applicable))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for i := range applicable {
		i := i
		rule := applicable[i].Rule
		g.Go(func() error {
			var resp controlResponse
			err := e.gateway.CompleteJSON(gctx, llm.CompletionRequest{
				System:      controlTestSystem,
				Prompt:      controlTestPrompt(&rule, tx, byRule[rule.RuleID]),
				Temperature: 0,
				MaxTokens:   500,
			}, &resp)
			if err == nil {
				err = validControlStatus(resp.Status)
			}
			if err != nil {
				failures[i] = err
				e.metrics.RecordLLMCall("control_test", "error")
				return nil
			}
			e.metrics.RecordLLMCall("control_test", "success")
			results[i] = normalizeControl(&rule, &resp)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var (
		controls []models.ControlResult
		warnings []string
		failed   int
	)
	for i, r := range results {
		if failures[i] != nil {
			failed++
			warnings = append(warnings, fmt.Sprintf("control test dropped rule %s: %v", applicable[i].Rule.RuleID, failures[i]))
			log.Warn().Err(failures[i]).Str("rule_id", applicable[i].Rule.RuleID).Msg("Control test failed, dropping rule")
			continue
		}
		controls = append(controls, *r)
	}
	if failed == len(applicable) {
		return nil, warnings, fmt.Errorf("all %d control tests failed: %w", failed, firstError(failures))
	}
	if len(applicable) > controlQuorum && len(controls) < minSuccessfulControls {
		return nil, warnings, fmt.Errorf("%w: %d of %d control tests succeeded", ErrInsufficientControls, len(controls), len(applicable))
	}
	return controls, warnings, nil
}

func validControlStatus(status string) error {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case models.ControlPass, models.ControlFail, models.ControlPartial:
		return nil
	}
	return fmt.Errorf("invalid control status %q", status)
}

func normalizeControl(rule *models.Rule, resp *controlResponse) *models.ControlResult {
	severity := strings.ToLower(strings.TrimSpace(rule.Severity))
	if severity == "" {
		severity = strings.ToLower(strings.TrimSpace(resp.Severity))
	}
	status := strings.ToLower(strings.TrimSpace(resp.Status))
	score := clampScore(resp.ComplianceScore)
	switch status {
	case models.ControlPass:
		if score < 70 {
			score = 70
		}
	case models.ControlFail:
		if score > 40 {
			score = 40
		}
	}
	return &models.ControlResult{
		RuleID:          rule.RuleID,
		RuleTitle:       rule.Title,
		Status:          status,
		Severity:        severity,
		ComplianceScore: score,
		Rationale:       resp.Rationale,
	}
}

func firstError(errs []error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
