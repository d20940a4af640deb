package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/enterprise/aml-engine/internal/models"
)

const historyWindow = 30 * 24 * time.Hour

// HistorySource yields a customer's prior transactions inside a window.
type HistorySource interface {
	History(ctx context.Context, account, excludeTransactionID string, from, to time.Time) ([]*models.Transaction, error)
}

// ContextBuilder emits the rule-shaped retrieval probes and pulls the 30-day
// history snapshot every downstream stage works from. Between 3 and 8 probes
// are produced depending on which risk attributes the transaction carries.
type ContextBuilder struct {
	history  HistorySource
	highRisk *HighRiskSet
}

func NewContextBuilder(history HistorySource, highRisk *HighRiskSet) *ContextBuilder {
	return &ContextBuilder{history: history, highRisk: highRisk}
}

func (b *ContextBuilder) Build(ctx context.Context, tx *models.Transaction) ([]string, []*models.Transaction, error) {
	queries := b.Queries(tx)
	to := tx.BookingDate.UTC()
	from := to.Add(-historyWindow)
	history, err := b.history.History(ctx, tx.OriginatorAccount, tx.TransactionID, from, to)
	if err != nil {
		return nil, nil, fmt.Errorf("loading transaction history: %w", err)
	}
	return queries, history, nil
}

// Queries derives the natural-language probes sent to the rule corpora.
func (b *ContextBuilder) Queries(tx *models.Transaction) []string {
	queries := []string{
		fmt.Sprintf("transaction monitoring requirements in %s", tx.BookingJurisdiction),
		fmt.Sprintf("customer due diligence obligations for %s risk rated customers", strings.ToLower(tx.CustomerRiskRating)),
		amountQuery(tx),
	}
	if tx.PEPIndicator {
		queries = append(queries, "politically exposed person enhanced due diligence requirements")
	}
	if tx.SanctionsHit {
		queries = append(queries, "sanctions screening match escalation and blocking obligations")
	}
	if tx.IsCrossBorder() {
		queries = append(queries,
			fmt.Sprintf("cross-border wire transfer controls for the %s to %s corridor",
				tx.OriginatorCountry, tx.BeneficiaryCountry))
	}
	if b.highRisk.Contains(tx.OriginatorCountry) || b.highRisk.Contains(tx.BeneficiaryCountry) {
		queries = append(queries, "enhanced due diligence for high risk jurisdictions")
	}
	if !tx.TravelRuleComplete {
		queries = append(queries, "wire transfer originator and beneficiary information requirements")
	}
	if len(queries) > 8 {
		queries = queries[:8]
	}
	return queries
}

func amountQuery(tx *models.Transaction) string {
	switch {
	case thresholdLevel(tx.Amount) > 0:
		return fmt.Sprintf("reporting thresholds for %s transactions near %.0f", tx.Currency, thresholdLevel(tx.Amount))
	case tx.Amount > highValueThreshold:
		return fmt.Sprintf("large value transaction reporting obligations above %d %s", highValueThreshold, tx.Currency)
	}
	return fmt.Sprintf("record keeping requirements for %s payments", tx.Currency)
}
