package pipeline

import (
	"time"

	"github.com/enterprise/aml-engine/internal/models"
)

// PatternEngine scores five classic laundering typologies from the
// transaction and the customer's recent history. Each score is independently
// capped at 100, and concurrent triggers keep the maximum rather than
// summing. No history means every score is zero.
type PatternEngine struct{}

func NewPatternEngine() *PatternEngine { return &PatternEngine{} }

func (e *PatternEngine) Detect(tx *models.Transaction, history []*models.Transaction) models.PatternScores {
	if len(history) == 0 {
		return models.PatternScores{}
	}
	w := collectWindows(tx, history)
	return models.PatternScores{
		Structuring:      e.structuring(tx, history),
		Layering:         e.layering(tx, w),
		CircularTransfer: e.circularTransfer(tx, history),
		RapidMovement:    e.rapidMovement(w),
		VelocityAnomaly:  e.velocityAnomaly(w),
	}
}

// structuring scores amounts parked just under a reporting threshold, with
// an uplift when the last 24 hours hold more than two transactions at the
// same threshold level.
func (e *PatternEngine) structuring(tx *models.Transaction, history []*models.Transaction) float64 {
	level := thresholdLevel(tx.Amount)
	if level == 0 {
		return 0
	}
	score := 60.0
	anchor := tx.BookingDate.UTC()
	atLevel := 0
	for _, h := range history {
		if h.OriginatorAccount != tx.OriginatorAccount {
			continue
		}
		when := h.BookingDate.UTC()
		if when.After(anchor) || anchor.Sub(when) > 24*time.Hour {
			continue
		}
		if thresholdLevel(h.Amount) == level {
			atLevel++
		}
	}
	if atLevel > 2 {
		score += 40
	}
	return clampScore(score)
}

func (e *PatternEngine) layering(tx *models.Transaction, w historyWindows) float64 {
	if !tx.IsCrossBorder() {
		return 0
	}
	score := 0.0
	if w.Count24h > 5 {
		score = 50
	}
	if w.Count7d > 20 {
		score = max(score, 70)
	}
	return score
}

// circularTransfer looks for funds returning to their origin: 60 when the
// originator account has ever appeared as a beneficiary in the history, 90
// when an exact A to B to A leg closes within seven days.
func (e *PatternEngine) circularTransfer(tx *models.Transaction, history []*models.Transaction) float64 {
	score := 0.0
	anchor := tx.BookingDate.UTC()
	for _, h := range history {
		when := h.BookingDate.UTC()
		if when.After(anchor) {
			continue
		}
		if h.BeneficiaryAccount == tx.OriginatorAccount {
			score = max(score, 60)
			returnLeg := h.OriginatorAccount == tx.BeneficiaryAccount
			if returnLeg && anchor.Sub(when) <= 7*24*time.Hour {
				score = max(score, 90)
			}
		}
	}
	return score
}

func (e *PatternEngine) rapidMovement(w historyWindows) float64 {
	switch {
	case w.SameDayCount >= 5:
		return 70
	case w.SameDayCount >= 3:
		return 50
	}
	return 0
}

// velocityAnomaly flags bursts outright, otherwise scales with how far the
// rolling 7-day volume runs above three times its trailing baseline. The
// baseline is the 30-day volume prorated to a 7-day window.
func (e *PatternEngine) velocityAnomaly(w historyWindows) float64 {
	if w.Count24h >= 10 {
		return 80
	}
	baseline := w.Amount30dTotal * 7 / 30
	if w.Amount7dTotal <= baseline*3 {
		return 0
	}
	score := 50 * (w.Amount7dTotal / max(1, baseline*3))
	return clampScore(score)
}

func clampScore(s float64) float64 {
	if s < 0 {
		return 0
	}
	if s > 100 {
		return 100
	}
	return s
}
