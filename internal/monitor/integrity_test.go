package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enterprise/aml-engine/configs"
	"github.com/enterprise/aml-engine/internal/metrics"
	"github.com/enterprise/aml-engine/internal/models"
	"github.com/enterprise/aml-engine/internal/repositories"
)

type fakeIndex struct {
	violations []repositories.IntegrityViolation
	completed  int
	exists     map[string]bool
	err        error
}

func (f *fakeIndex) FindCompletedWithoutAnalysis(ctx context.Context, since time.Time) ([]repositories.IntegrityViolation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.violations, nil
}

func (f *fakeIndex) CountCompletedSince(ctx context.Context, since time.Time) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	return f.completed, nil
}

func (f *fakeIndex) Exists(ctx context.Context, transactionID string) (bool, error) {
	return f.exists[transactionID], nil
}

type fakeStatuses struct {
	transactions map[string]*models.Transaction
	demoted      []string
	markErr      error
}

func (f *fakeStatuses) GetByTransactionID(ctx context.Context, transactionID string) (*models.Transaction, error) {
	tx, ok := f.transactions[transactionID]
	if !ok {
		return nil, errors.New("transaction not found")
	}
	return tx, nil
}

func (f *fakeStatuses) MarkFailed(ctx context.Context, transactionID, reason string, completedAt time.Time) error {
	if f.markErr != nil {
		return f.markErr
	}
	f.demoted = append(f.demoted, transactionID)
	if tx, ok := f.transactions[transactionID]; ok {
		tx.Status = models.StatusFailed
	}
	return nil
}

type captorPublisher struct {
	events []*models.ComplianceEvent
}

func (p *captorPublisher) Publish(ctx context.Context, event *models.ComplianceEvent) error {
	p.events = append(p.events, event)
	return nil
}

func newMonitor(idx *fakeIndex, statuses *fakeStatuses, pub EventPublisher, demote bool) *IntegrityMonitor {
	cfg := configs.MonitorConfig{Interval: time.Minute, Lookback: 24 * time.Hour, DemoteToFailed: demote}
	return NewIntegrityMonitor(idx, statuses, pub, metrics.NewWith(prometheus.NewRegistry()), cfg)
}

func TestScanCleanWindow(t *testing.T) {
	idx := &fakeIndex{completed: 42}
	mon := newMonitor(idx, &fakeStatuses{}, nil, false)

	report, err := mon.Scan(context.Background(), 24*time.Hour)

	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Equal(t, 42, report.CompletedCount)
	assert.Empty(t, report.Violations)
	assert.Empty(t, report.Demoted)
}

func TestScanReportsViolations(t *testing.T) {
	idx := &fakeIndex{
		completed: 10,
		violations: []repositories.IntegrityViolation{
			{TransactionID: "TXN-7", Status: models.StatusCompleted},
			{TransactionID: "TXN-9", Status: models.StatusCompleted},
		},
	}
	statuses := &fakeStatuses{transactions: map[string]*models.Transaction{}}
	pub := &captorPublisher{}
	mon := newMonitor(idx, statuses, pub, false)

	report, err := mon.Scan(context.Background(), 24*time.Hour)

	require.NoError(t, err)
	assert.False(t, report.Healthy)
	require.Len(t, report.Violations, 2)
	assert.Empty(t, report.Demoted, "demotion is off")
	assert.Empty(t, statuses.demoted)

	require.Len(t, pub.events, 2)
	assert.Equal(t, models.EventIntegrityViolation, pub.events[0].EventType)
	assert.Equal(t, "TXN-7", pub.events[0].TransactionID)
}

func TestScanDemotesWhenEnabled(t *testing.T) {
	idx := &fakeIndex{
		completed:  5,
		violations: []repositories.IntegrityViolation{{TransactionID: "TXN-7", Status: models.StatusCompleted}},
	}
	statuses := &fakeStatuses{transactions: map[string]*models.Transaction{
		"TXN-7": {TransactionID: "TXN-7", Status: models.StatusCompleted},
	}}
	mon := newMonitor(idx, statuses, nil, true)

	report, err := mon.Scan(context.Background(), 24*time.Hour)

	require.NoError(t, err)
	assert.Equal(t, []string{"TXN-7"}, report.Demoted)
	assert.Equal(t, models.StatusFailed, statuses.transactions["TXN-7"].Status)
}

func TestScanSurvivesDemotionFailure(t *testing.T) {
	idx := &fakeIndex{
		violations: []repositories.IntegrityViolation{{TransactionID: "TXN-7", Status: models.StatusCompleted}},
	}
	statuses := &fakeStatuses{markErr: errors.New("database down")}
	mon := newMonitor(idx, statuses, nil, true)

	report, err := mon.Scan(context.Background(), 24*time.Hour)

	require.NoError(t, err)
	assert.Empty(t, report.Demoted)
	require.Len(t, report.Violations, 1)
}

func TestScanPropagatesStoreError(t *testing.T) {
	idx := &fakeIndex{err: errors.New("query timeout")}
	mon := newMonitor(idx, &fakeStatuses{}, nil, false)

	_, err := mon.Scan(context.Background(), time.Hour)
	require.Error(t, err)
}

func TestVerifyTransaction(t *testing.T) {
	idx := &fakeIndex{exists: map[string]bool{"TXN-OK": true, "TXN-ODD": true}}
	statuses := &fakeStatuses{transactions: map[string]*models.Transaction{
		"TXN-OK":     {TransactionID: "TXN-OK", Status: models.StatusCompleted},
		"TXN-BROKEN": {TransactionID: "TXN-BROKEN", Status: models.StatusCompleted},
		"TXN-ODD":    {TransactionID: "TXN-ODD", Status: models.StatusProcessing},
		"TXN-NEW":    {TransactionID: "TXN-NEW", Status: models.StatusPending},
	}}
	mon := newMonitor(idx, statuses, nil, false)
	ctx := context.Background()

	ok, err := mon.VerifyTransaction(ctx, "TXN-OK")
	require.NoError(t, err)
	assert.True(t, ok.Consistent)
	assert.True(t, ok.AnalysisStored)

	broken, err := mon.VerifyTransaction(ctx, "TXN-BROKEN")
	require.NoError(t, err)
	assert.False(t, broken.Consistent)
	assert.Contains(t, broken.Detail, "without persisted analysis")

	odd, err := mon.VerifyTransaction(ctx, "TXN-ODD")
	require.NoError(t, err)
	assert.False(t, odd.Consistent)

	fresh, err := mon.VerifyTransaction(ctx, "TXN-NEW")
	require.NoError(t, err)
	assert.True(t, fresh.Consistent)
	assert.False(t, fresh.AnalysisStored)
}

func TestRunStopsWithContext(t *testing.T) {
	idx := &fakeIndex{}
	mon := newMonitor(idx, &fakeStatuses{}, nil, false)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		mon.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}
