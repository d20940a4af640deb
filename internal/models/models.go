package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Transaction lifecycle statuses
const (
	StatusPending    = "PENDING"
	StatusProcessing = "PROCESSING"
	StatusCompleted  = "COMPLETED"
	StatusFailed     = "FAILED"
)

// Customer risk ratings and rule/control severities share the same scale
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Risk bands derived from the fused score
const (
	BandLow      = "Low"
	BandMedium   = "Medium"
	BandHigh     = "High"
	BandCritical = "Critical"
)

// Alert severities
const (
	AlertSeverityLow      = "Low"
	AlertSeverityMedium   = "Medium"
	AlertSeverityHigh     = "High"
	AlertSeverityCritical = "Critical"
)

// Alert owner roles
const (
	RoleFront      = "Front"
	RoleCompliance = "Compliance"
	RoleLegal      = "Legal"
)

// Alert workflow statuses
const (
	AlertStatusPending      = "PENDING"
	AlertStatusAcknowledged = "ACKNOWLEDGED"
	AlertStatusInProgress   = "IN_PROGRESS"
	AlertStatusResolved     = "RESOLVED"
	AlertStatusEscalated    = "ESCALATED"
)

// Alert types, ordered Legal / Compliance / Front
const (
	AlertSanctionsBreach         = "sanctions_breach"
	AlertPEPHighRisk             = "pep_high_risk"
	AlertCriticalRuleBreach      = "critical_rule_breach"
	AlertStructuringPattern      = "structuring_pattern"
	AlertLayeringPattern         = "layering_pattern"
	AlertVelocityAnomaly         = "velocity_anomaly"
	AlertHighRiskJurisdiction    = "high_risk_jurisdiction"
	AlertMultipleControlFailures = "multiple_control_failures"
	AlertHighRiskTransaction     = "high_risk_transaction"
	AlertMediumRiskTransaction   = "medium_risk_transaction"
	AlertMissingDocumentation    = "missing_documentation"
	AlertHighValueTransaction    = "high_value_transaction"
	AlertCrossBorderTransaction  = "cross_border_transaction"
	AlertDocumentationReview     = "documentation_review"
	AlertRoutineMonitoring       = "routine_monitoring"
)

// Control test outcomes
const (
	ControlPass    = "pass"
	ControlFail    = "fail"
	ControlPartial = "partial"
)

// Rule corpora
const (
	RuleSourceInternal = "internal"
	RuleSourceExternal = "external"
)

// Remediation action types
const (
	ActionInvestigate      = "INVESTIGATE"
	ActionEnhancedDD       = "ENHANCED_DD"
	ActionCollectDocuments = "COLLECT_DOCUMENTS"
	ActionFileSAR          = "FILE_SAR"
	ActionReview           = "REVIEW"
)

// Case statuses
const (
	CaseStatusOpen        = "OPEN"
	CaseStatusUnderReview = "UNDER_REVIEW"
	CaseStatusClosed      = "CLOSED"
)

// Transaction represents a payment instruction submitted for compliance evaluation
type Transaction struct {
	ID                    uuid.UUID  `json:"id"`
	TransactionID         string     `json:"transaction_id"`
	Amount                float64    `json:"amount"`
	Currency              string     `json:"currency"`
	BookingDate           time.Time  `json:"booking_date"`
	ValueDate             *time.Time `json:"value_date,omitempty"`
	BookingJurisdiction   string     `json:"booking_jurisdiction"`
	OriginatorName        string     `json:"originator_name"`
	OriginatorAccount     string     `json:"originator_account"`
	OriginatorCountry     string     `json:"originator_country"`
	BeneficiaryName       string     `json:"beneficiary_name"`
	BeneficiaryAccount    string     `json:"beneficiary_account"`
	BeneficiaryCountry    string     `json:"beneficiary_country"`
	CustomerID            string     `json:"customer_id"`
	CustomerRiskRating    string     `json:"customer_risk_rating"` // low, medium, high, critical
	CustomerKYCDate       *time.Time `json:"customer_kyc_date,omitempty"`
	Channel               string     `json:"channel"`
	Product               string     `json:"product"`
	SwiftMessageType      string     `json:"swift_message_type,omitempty"`
	PurposeCode           string     `json:"purpose_code,omitempty"`
	ChargeBearer          string     `json:"charge_bearer,omitempty"`
	TravelRuleComplete    bool       `json:"travel_rule_complete"`
	FXConversion          bool       `json:"fx_conversion"`
	PEPIndicator          bool       `json:"pep_indicator"`
	SanctionsHit          bool       `json:"sanctions_hit"`
	Status                string     `json:"status"`
	FailureReason         string     `json:"failure_reason,omitempty"`
	RawPayload            JSONB      `json:"raw_payload,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	ProcessingStartedAt   *time.Time `json:"processing_started_at,omitempty"`
	ProcessingCompletedAt *time.Time `json:"processing_completed_at,omitempty"`
}

// IsCrossBorder reports whether originator and beneficiary sit in different countries
func (t *Transaction) IsCrossBorder() bool {
	return t.OriginatorCountry != "" && t.BeneficiaryCountry != "" &&
		t.OriginatorCountry != t.BeneficiaryCountry
}

// RuleCondition is a single structured applicability predicate on a rule
type RuleCondition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"` // eq, ne, gt, gte, lt, lte, in, contains
	Value    interface{} `json:"value"`
}

// Rule represents one versioned entry in a rule corpus
type Rule struct {
	RuleID            string          `json:"rule_id"`
	Version           int             `json:"version"`
	Source            string          `json:"source"` // internal or external
	Regulator         string          `json:"regulator,omitempty"`
	Jurisdictions     []string        `json:"jurisdictions"`
	Title             string          `json:"title"`
	Body              string          `json:"body"`
	Conditions        []RuleCondition `json:"conditions,omitempty"`
	ApplicabilityText string          `json:"applicability_text,omitempty"`
	ExpectedEvidence  []string        `json:"expected_evidence"`
	Severity          string          `json:"severity"`
	EffectiveDate     time.Time       `json:"effective_date"`
	SunsetDate        *time.Time      `json:"sunset_date,omitempty"`
	IsActive          bool            `json:"is_active"`
}

// ActiveOn reports whether the rule is in force on the given booking date
func (r *Rule) ActiveOn(date time.Time) bool {
	if !r.IsActive {
		return false
	}
	if r.EffectiveDate.After(date) {
		return false
	}
	if r.SunsetDate != nil && !r.SunsetDate.After(date) {
		return false
	}
	return true
}

// AppliesToJurisdiction reports whether the rule covers the given booking jurisdiction.
// Rules with no declared jurisdictions or an explicit GLOBAL entry cover everything.
func (r *Rule) AppliesToJurisdiction(jurisdiction string) bool {
	if len(r.Jurisdictions) == 0 {
		return true
	}
	for _, j := range r.Jurisdictions {
		if j == "GLOBAL" || j == jurisdiction {
			return true
		}
	}
	return false
}

// RetrievedRule is a rule candidate with its fused relevance score
type RetrievedRule struct {
	Rule  Rule    `json:"rule"`
	Score float64 `json:"score"`
	Query string  `json:"query"`
}

// Applicability is the structured verdict on whether a rule governs a transaction
type Applicability struct {
	RuleID     string  `json:"rule_id"`
	Applies    bool    `json:"applies"`
	Rationale  string  `json:"rationale"`
	Confidence float64 `json:"confidence"`
}

// EvidenceMap records which of a rule's expected evidence fields are present,
// missing, or contradicted on the transaction
type EvidenceMap struct {
	RuleID        string   `json:"rule_id"`
	Present       []string `json:"present"`
	Missing       []string `json:"missing"`
	Contradictory []string `json:"contradictory"`
}

// HasMissing reports whether any expected evidence field was absent
func (e *EvidenceMap) HasMissing() bool {
	return len(e.Missing) > 0
}

// ControlResult is the outcome of testing one applicable rule against a transaction
type ControlResult struct {
	RuleID          string  `json:"rule_id"`
	RuleTitle       string  `json:"rule_title,omitempty"`
	Status          string  `json:"status"` // pass, fail, partial
	Severity        string  `json:"severity"`
	ComplianceScore float64 `json:"compliance_score"` // 0-100, higher is more compliant
	Rationale       string  `json:"rationale"`
}

// FeatureVector holds the deterministic features derived from a transaction
// and its 30-day account history
type FeatureVector struct {
	Amount               float64 `json:"amount"`
	IsHighValue          bool    `json:"is_high_value"`
	IsRoundNumber        bool    `json:"is_round_number"`
	IsCrossBorder        bool    `json:"is_cross_border"`
	IsHighRiskCountry    bool    `json:"is_high_risk_country"`
	PotentialStructuring bool    `json:"potential_structuring"`
	PEPIndicator         bool    `json:"pep_indicator"`
	SanctionsHit         bool    `json:"sanctions_hit"`
	TravelRuleComplete   bool    `json:"travel_rule_complete"`
	Count24h             int     `json:"count_24h"`
	Count7d              int     `json:"count_7d"`
	Count30d             int     `json:"count_30d"`
	SameDayCount         int     `json:"same_day_count"`
	NearThresholdCount   int     `json:"near_threshold_count"`
	Amount24hTotal       float64 `json:"amount_24h_total"`
	Amount7dTotal        float64 `json:"amount_7d_total"`
	Amount30dTotal       float64 `json:"amount_30d_total"`
	AvgAmount7d          float64 `json:"avg_amount_7d"`
	AvgAmount30d         float64 `json:"avg_amount_30d"`
	MaxAmount30d         float64 `json:"max_amount_30d"`
	CustomerRiskRating   string  `json:"customer_risk_rating"`
}

// PatternScores holds per-typology scores in [0,100]
type PatternScores struct {
	Structuring      float64 `json:"structuring"`
	Layering         float64 `json:"layering"`
	CircularTransfer float64 `json:"circular_transfer"`
	RapidMovement    float64 `json:"rapid_movement"`
	VelocityAnomaly  float64 `json:"velocity_anomaly"`
}

// Max returns the highest individual pattern score
func (p *PatternScores) Max() float64 {
	max := p.Structuring
	for _, v := range []float64{p.Layering, p.CircularTransfer, p.RapidMovement, p.VelocityAnomaly} {
		if v > max {
			max = v
		}
	}
	return max
}

// ToMap returns the scores keyed by typology name
func (p *PatternScores) ToMap() map[string]float64 {
	return map[string]float64{
		"structuring":       p.Structuring,
		"layering":          p.Layering,
		"circular_transfer": p.CircularTransfer,
		"rapid_movement":    p.RapidMovement,
		"velocity_anomaly":  p.VelocityAnomaly,
	}
}

// Posterior is a probability distribution over risk classes, summing to 1
type Posterior struct {
	Low      float64 `json:"low"`
	Medium   float64 `json:"medium"`
	High     float64 `json:"high"`
	Critical float64 `json:"critical"`
}

// Sum returns the total probability mass
func (p *Posterior) Sum() float64 {
	return p.Low + p.Medium + p.High + p.Critical
}

// RiskBreakdown carries the three component scores feeding the fused result
type RiskBreakdown struct {
	RuleBased    float64 `json:"rule_based"`
	MLBased      float64 `json:"ml_based"`
	PatternBased float64 `json:"pattern_based"`
}

// RiskAssessment is the fused risk result for a transaction
type RiskAssessment struct {
	Score     float64       `json:"score"`
	Band      string        `json:"band"` // Low, Medium, High, Critical
	Breakdown RiskBreakdown `json:"breakdown"`
}

// RuleScore summarises one applicable rule inside a stored analysis
type RuleScore struct {
	RuleID         string  `json:"rule_id"`
	Title          string  `json:"title"`
	Severity       string  `json:"severity"`
	RelevanceScore float64 `json:"relevance_score"`
	Confidence     float64 `json:"confidence"`
	Rationale      string  `json:"rationale,omitempty"`
}

// ComplianceAnalysis is the persisted outcome of one pipeline run,
// unique per business transaction id
type ComplianceAnalysis struct {
	ID                    uuid.UUID           `json:"id"`
	TransactionID         string              `json:"transaction_id"`
	ComplianceScore       float64             `json:"compliance_score"`
	RiskBand              string              `json:"risk_band"`
	RuleIDs               []string            `json:"rule_ids"`
	ApplicableRules       []RuleScore         `json:"applicable_rules"`
	EvidenceMaps          []EvidenceMap       `json:"evidence_maps"`
	ControlResults        []ControlResult     `json:"control_results"`
	FeatureVector         FeatureVector       `json:"feature_vector"`
	PatternScores         PatternScores       `json:"pattern_scores"`
	Posterior             Posterior           `json:"posterior"`
	RiskBreakdown         RiskBreakdown       `json:"risk_breakdown"`
	RemediationActions    []RemediationAction `json:"remediation_actions"`
	AnalystSummary        string              `json:"analyst_summary,omitempty"`
	Warnings              []string            `json:"warnings,omitempty"`
	HighRiskListVersion   string              `json:"high_risk_list_version"`
	ProcessingTimeSeconds float64             `json:"processing_time_seconds"`
	CreatedAt             time.Time           `json:"created_at"`
}

// Alert represents a role-addressed compliance alert with a deterministic id
type Alert struct {
	ID                  string    `json:"id"`
	TransactionID       string    `json:"transaction_id"`
	Role                string    `json:"role"` // Front, Compliance, Legal
	AlertType           string    `json:"alert_type"`
	Severity            string    `json:"severity"`
	Title               string    `json:"title"`
	Description         string    `json:"description"`
	Context             JSONB     `json:"context,omitempty"`
	Evidence            JSONB     `json:"evidence,omitempty"`
	RemediationWorkflow []string  `json:"remediation_workflow"`
	SLADeadline         time.Time `json:"sla_deadline"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
}

// RemediationAction is one deduplicated follow-up item attached to an analysis
type RemediationAction struct {
	Type           string   `json:"type"`
	OwnerRole      string   `json:"owner_role"`
	SLAHours       int      `json:"sla_hours"`
	LinkedAlertIDs []string `json:"linked_alert_ids,omitempty"`
	Rationale      string   `json:"rationale,omitempty"`
}

// Case represents an investigation opened for a critical-band transaction
type Case struct {
	ID            string    `json:"id"`
	TransactionID string    `json:"transaction_id"`
	Title         string    `json:"title"`
	Priority      string    `json:"priority"`
	Status        string    `json:"status"`
	AlertIDs      []string  `json:"alert_ids"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// EvaluationJob is the queue payload that triggers one pipeline run
type EvaluationJob struct {
	TaskID        string    `json:"task_id"`
	TransactionID string    `json:"transaction_id"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	RetryCount    int       `json:"retry_count"`
}

// Compliance event types published to the audit stream
const (
	EventAnalysisCompleted  = "analysis.completed"
	EventAlertsCreated      = "alerts.created"
	EventEvaluationFailed   = "evaluation.failed"
	EventIntegrityViolation = "integrity.violation"
)

// ComplianceEvent is an audit record emitted after pipeline outcomes
type ComplianceEvent struct {
	EventType     string    `json:"event_type"`
	TransactionID string    `json:"transaction_id"`
	RiskScore     float64   `json:"risk_score,omitempty"`
	RiskBand      string    `json:"risk_band,omitempty"`
	AlertCount    int       `json:"alert_count,omitempty"`
	CaseID        string    `json:"case_id,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
	Metadata      JSONB     `json:"metadata,omitempty"`
}

// RuleCount pairs a rule id with how often stored analyses reference it
type RuleCount struct {
	RuleID string `json:"rule_id"`
	Count  int    `json:"count"`
}

// ComplianceSummary aggregates pipeline outcomes for one UTC day
type ComplianceSummary struct {
	Date              string      `json:"date"`
	TotalTransactions int         `json:"total_transactions"`
	CompletedCount    int         `json:"completed_count"`
	FailedCount       int         `json:"failed_count"`
	AvgRiskScore      float64     `json:"avg_risk_score"`
	HighBandCount     int         `json:"high_band_count"`
	CriticalBandCount int         `json:"critical_band_count"`
	AlertCount        int         `json:"alert_count"`
	CaseCount         int         `json:"case_count"`
	TopRules          []RuleCount `json:"top_rules,omitempty"`
}

// Analyst represents a back-office user of the review API
type Analyst struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	FullName     string    `json:"full_name"`
	Role         string    `json:"role"` // front, compliance, legal, admin
	IsActive     bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// JSONB handles PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Value implements driver.Valuer
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// Scan implements sql.Scanner
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, j)
}
