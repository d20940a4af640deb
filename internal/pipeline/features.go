package pipeline

import (
	"math"
	"strings"
	"time"

	"github.com/enterprise/aml-engine/internal/models"
)

const (
	highValueThreshold = 10000
	roundNumberUnit    = 1000
)

// historyWindows aggregates the customer's outbound activity around the
// booking date. Feature extraction and pattern detection share it so both
// stages see identical window arithmetic.
type historyWindows struct {
	Count24h           int
	Count7d            int
	Count30d           int
	SameDayCount       int
	NearThresholdCount int
	Amount24hTotal     float64
	Amount7dTotal      float64
	Amount30dTotal     float64
	MaxAmount30d       float64
}

// collectWindows walks the history once and accumulates every window the
// engines need. Only rows where the customer is the originator count toward
// velocity; rows dated after the booking date are ignored so replays of an
// old transaction see the world as it was.
func collectWindows(tx *models.Transaction, history []*models.Transaction) historyWindows {
	var w historyWindows
	anchor := tx.BookingDate.UTC()
	for _, h := range history {
		if h.OriginatorAccount != tx.OriginatorAccount {
			continue
		}
		when := h.BookingDate.UTC()
		if when.After(anchor) {
			continue
		}
		age := anchor.Sub(when)
		if age <= 24*time.Hour {
			w.Count24h++
			w.Amount24hTotal += h.Amount
		}
		if age <= 7*24*time.Hour {
			w.Count7d++
			w.Amount7dTotal += h.Amount
		}
		if age <= 30*24*time.Hour {
			w.Count30d++
			w.Amount30dTotal += h.Amount
			if h.Amount > w.MaxAmount30d {
				w.MaxAmount30d = h.Amount
			}
		}
		if sameDay(when, anchor) {
			w.SameDayCount++
		}
		if thresholdLevel(h.Amount) > 0 {
			w.NearThresholdCount++
		}
	}
	return w
}

// FeatureEngine derives the deterministic feature vector consumed by the
// probabilistic and pattern stages.
type FeatureEngine struct {
	highRisk *HighRiskSet
}

func NewFeatureEngine(highRisk *HighRiskSet) *FeatureEngine {
	return &FeatureEngine{highRisk: highRisk}
}

// Extract computes the feature vector for tx given the customer's prior
// transactions. No history yields zero velocity and volume features.
func (e *FeatureEngine) Extract(tx *models.Transaction, history []*models.Transaction) models.FeatureVector {
	w := collectWindows(tx, history)

	fv := models.FeatureVector{
		Amount:               tx.Amount,
		IsHighValue:          tx.Amount > highValueThreshold,
		IsRoundNumber:        isRoundNumber(tx.Amount),
		IsCrossBorder:        tx.IsCrossBorder(),
		IsHighRiskCountry:    e.highRisk.Contains(tx.OriginatorCountry) || e.highRisk.Contains(tx.BeneficiaryCountry),
		PEPIndicator:         tx.PEPIndicator,
		SanctionsHit:         tx.SanctionsHit,
		TravelRuleComplete:   tx.TravelRuleComplete,
		Count24h:             w.Count24h,
		Count7d:              w.Count7d,
		Count30d:             w.Count30d,
		SameDayCount:         w.SameDayCount,
		NearThresholdCount:   w.NearThresholdCount,
		Amount24hTotal:       w.Amount24hTotal,
		Amount7dTotal:        w.Amount7dTotal,
		Amount30dTotal:       w.Amount30dTotal,
		MaxAmount30d:         w.MaxAmount30d,
		CustomerRiskRating:   strings.ToLower(tx.CustomerRiskRating),
		PotentialStructuring: thresholdLevel(tx.Amount) > 0 && w.Count24h >= 2,
	}
	if w.Count7d > 0 {
		fv.AvgAmount7d = w.Amount7dTotal / float64(w.Count7d)
	}
	if w.Count30d > 0 {
		fv.AvgAmount30d = w.Amount30dTotal / float64(w.Count30d)
	}
	return fv
}

// thresholdLevel returns the reporting threshold the amount sits within 10%
// below of, or 0 when it sits near neither.
func thresholdLevel(amount float64) float64 {
	switch {
	case amount >= 4500 && amount <= 5000:
		return 5000
	case amount >= 9000 && amount <= 10000:
		return 10000
	}
	return 0
}

func isRoundNumber(amount float64) bool {
	m := math.Mod(amount, roundNumberUnit)
	return m < 1e-6 || roundNumberUnit-m < 1e-6
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
