package pipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/aml-engine/internal/models"
)

func TestExtractNoHistory(t *testing.T) {
	engine := NewFeatureEngine(NewHighRiskSet(nil))
	tx := testTransaction()

	fv := engine.Extract(tx, nil)

	assert.Equal(t, 2500.0, fv.Amount)
	assert.False(t, fv.IsHighValue)
	assert.False(t, fv.IsRoundNumber)
	assert.False(t, fv.IsCrossBorder)
	assert.False(t, fv.IsHighRiskCountry)
	assert.False(t, fv.PotentialStructuring)
	assert.Equal(t, 0, fv.Count24h)
	assert.Equal(t, 0, fv.Count7d)
	assert.Equal(t, 0, fv.Count30d)
	assert.Equal(t, 0, fv.SameDayCount)
	assert.Zero(t, fv.Amount7dTotal)
	assert.Zero(t, fv.AvgAmount7d)
	assert.Zero(t, fv.AvgAmount30d)
	assert.Zero(t, fv.MaxAmount30d)
	assert.Equal(t, "medium", fv.CustomerRiskRating)
}

func TestExtractWindows(t *testing.T) {
	engine := NewFeatureEngine(NewHighRiskSet(nil))
	tx := testTransaction()
	history := []*models.Transaction{
		outboundRow("H1", 1000, 2*time.Hour),
		outboundRow("H2", 2000, 3*24*time.Hour),
		outboundRow("H3", 3000, 20*24*time.Hour),
		outboundRow("H4", 4000, 40*24*time.Hour), // outside every window
		inboundRow("H5", 9999, time.Hour, "ACC-Z"), // received, not sent
		outboundRow("H6", 500, -2*time.Hour),       // booked after the anchor
	}

	fv := engine.Extract(tx, history)

	assert.Equal(t, 1, fv.Count24h)
	assert.Equal(t, 2, fv.Count7d)
	assert.Equal(t, 3, fv.Count30d)
	assert.Equal(t, 1, fv.SameDayCount)
	assert.Equal(t, 1000.0, fv.Amount24hTotal)
	assert.Equal(t, 3000.0, fv.Amount7dTotal)
	assert.Equal(t, 6000.0, fv.Amount30dTotal)
	assert.Equal(t, 1500.0, fv.AvgAmount7d)
	assert.Equal(t, 2000.0, fv.AvgAmount30d)
	assert.Equal(t, 3000.0, fv.MaxAmount30d)
}

func TestPotentialStructuring(t *testing.T) {
	engine := NewFeatureEngine(NewHighRiskSet(nil))

	tx := testTransaction()
	tx.Amount = 9500
	twoRecent := []*models.Transaction{
		outboundRow("H1", 1200, 2*time.Hour),
		outboundRow("H2", 800, 5*time.Hour),
	}

	fv := engine.Extract(tx, twoRecent)
	assert.True(t, fv.PotentialStructuring)

	// a single prior transfer is not enough
	fv = engine.Extract(tx, twoRecent[:1])
	assert.False(t, fv.PotentialStructuring)

	// amount away from both thresholds never flags
	tx.Amount = 7000
	fv = engine.Extract(tx, twoRecent)
	assert.False(t, fv.PotentialStructuring)
}

func TestThresholdLevel(t *testing.T) {
	assert.Equal(t, 5000.0, thresholdLevel(4500))
	assert.Equal(t, 5000.0, thresholdLevel(4800))
	assert.Equal(t, 5000.0, thresholdLevel(5000))
	assert.Equal(t, 10000.0, thresholdLevel(9000))
	assert.Equal(t, 10000.0, thresholdLevel(9500))
	assert.Equal(t, 10000.0, thresholdLevel(10000))
	assert.Zero(t, thresholdLevel(4499))
	assert.Zero(t, thresholdLevel(5001))
	assert.Zero(t, thresholdLevel(8999))
	assert.Zero(t, thresholdLevel(10001))
	assert.Zero(t, thresholdLevel(2500))
}

func TestHighValueAndRoundNumber(t *testing.T) {
	engine := NewFeatureEngine(NewHighRiskSet(nil))
	tx := testTransaction()

	tx.Amount = 10000
	fv := engine.Extract(tx, nil)
	assert.False(t, fv.IsHighValue, "threshold itself is not high value")
	assert.True(t, fv.IsRoundNumber)

	tx.Amount = 10000.01
	fv = engine.Extract(tx, nil)
	assert.True(t, fv.IsHighValue)
	assert.False(t, fv.IsRoundNumber)

	tx.Amount = 50000
	fv = engine.Extract(tx, nil)
	assert.True(t, fv.IsHighValue)
	assert.True(t, fv.IsRoundNumber)
}

func TestCrossBorderAndHighRiskCountry(t *testing.T) {
	engine := NewFeatureEngine(NewHighRiskSet(nil))
	tx := testTransaction()

	tx.BeneficiaryCountry = "GB"
	fv := engine.Extract(tx, nil)
	assert.True(t, fv.IsCrossBorder)
	assert.False(t, fv.IsHighRiskCountry)

	tx.BeneficiaryCountry = "IR"
	fv = engine.Extract(tx, nil)
	assert.True(t, fv.IsHighRiskCountry)

	tx.BeneficiaryCountry = "US"
	tx.OriginatorCountry = "mm" // case insensitive lookup
	fv = engine.Extract(tx, nil)
	assert.True(t, fv.IsHighRiskCountry)
}

func TestHighRiskSetDefaults(t *testing.T) {
	set := NewHighRiskSet(nil)

	require.Equal(t, 58, set.Size())
	assert.Equal(t, HighRiskListVersion, set.Version())
	assert.True(t, set.Contains("IR"))
	assert.True(t, set.Contains("kp"))
	assert.True(t, set.Contains(" RU "))
	// major financial centres stay off the list
	assert.False(t, set.Contains("HK"))
	assert.False(t, set.Contains("SG"))
	assert.False(t, set.Contains("US"))
	assert.False(t, set.Contains(""))
}

func TestHighRiskSetOverride(t *testing.T) {
	set := NewHighRiskSet([]string{"aa", " bb "})

	assert.Equal(t, 2, set.Size())
	assert.True(t, set.Contains("AA"))
	assert.True(t, set.Contains("bb"))
	assert.False(t, set.Contains("IR"), "override replaces the list wholesale")
	assert.Equal(t, HighRiskListVersion+"-custom", set.Version())
}
