package pipeline

import (
	"errors"
	"fmt"
)

// Stage names recorded in failure reasons and metric labels.
const (
	StageContextBuilder  = "context_builder"
	StageRetrieval       = "retrieval"
	StageApplicability   = "applicability"
	StageEvidenceMapping = "evidence_mapping"
	StageControlTest     = "control_test"
	StageFeatures        = "feature_extraction"
	StageBayesian        = "bayesian_update"
	StagePatterns        = "pattern_detection"
	StageFusion          = "risk_fusion"
	StageAnalystSummary  = "analyst_summary"
	StageClassification  = "alert_classification"
	StageRemediation     = "remediation_planning"
	StagePersist         = "persist"
)

var (
	// ErrInsufficientControls signals that too many control tests were lost
	// for the evaluation to stand.
	ErrInsufficientControls = errors.New("insufficient successful control tests")

	// ErrEvaluationFailed wraps a fatal stage error after the FAILED status
	// has been durably recorded. Consumers may acknowledge the job.
	ErrEvaluationFailed = errors.New("evaluation failed")
)

// StageError ties a failure to the stage that produced it.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}
