package usage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/fentz26/sleepless/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memPersister struct {
	mu      sync.Mutex
	window  models.UsageWindow
	ok      bool
	saves   int
	failErr error
}

func (p *memPersister) SaveUsageWindow(ctx context.Context, w models.UsageWindow) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failErr != nil {
		return p.failErr
	}
	p.window, p.ok = w, true
	p.saves++
	return nil
}

func (p *memPersister) LoadUsageWindow(ctx context.Context) (models.UsageWindow, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.window, p.ok, nil
}

func newTestManager(t *testing.T, cfg *Config, p Persister) *Manager {
	t.Helper()
	m, err := New(cfg, p, nil)
	require.NoError(t, err)
	m.SetLocation(time.UTC)
	return m
}

func TestRecordUsageIsAdditive(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	m := newTestManager(t, &Config{TokenBudget: 1000, Reset: ResetDaily, ResetAt: "00:00"}, nil)
	ctx := context.Background()

	require.NoError(t, m.RecordUsage(ctx, "a", 100, 0, now))
	require.NoError(t, m.RecordUsage(ctx, "a", 100, 0, now))
	require.NoError(t, m.RecordUsage(ctx, "b", 50, 0, now))

	snap := m.Snapshot(now)
	assert.Equal(t, int64(250), snap.TokensUsed)
	assert.InDelta(t, 25.0, snap.Percent, 0.0001)
}

func TestRecordUsageRejectsNegative(t *testing.T) {
	m := newTestManager(t, nil, nil)
	err := m.RecordUsage(context.Background(), "a", -1, 0, time.Now())
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Equal(t, int64(0), m.Snapshot(time.Now()).TokensUsed)
}

func TestSnapshotCapsDisplayPercent(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	m := newTestManager(t, &Config{TokenBudget: 100, CostBudget: 10, Reset: ResetDaily, ResetAt: "00:00"}, nil)

	require.NoError(t, m.RecordUsage(context.Background(), "a", 50, 15, now))
	snap := m.Snapshot(now)

	// Cost dominates: 150% of budget.
	assert.Equal(t, 100.0, snap.Percent)
	assert.InDelta(t, 150.0, snap.RawPercent, 0.0001)
	assert.Equal(t, 15.0, snap.CostUsed)
}

func TestDailyRollover(t *testing.T) {
	m := newTestManager(t, &Config{TokenBudget: 100, Reset: ResetDaily, ResetAt: "06:00"}, nil)
	ctx := context.Background()

	before := time.Date(2026, 5, 4, 5, 59, 0, 0, time.UTC)
	require.NoError(t, m.RecordUsage(ctx, "a", 80, 0, before))

	snap := m.Snapshot(before)
	assert.Equal(t, time.Date(2026, 5, 3, 6, 0, 0, 0, time.UTC), snap.WindowStart)
	assert.Equal(t, int64(80), snap.TokensUsed)

	after := time.Date(2026, 5, 4, 6, 0, 0, 0, time.UTC)
	snap = m.Snapshot(after)
	assert.Equal(t, int64(0), snap.TokensUsed, "window boundary resets all counters")
	assert.Equal(t, 0.0, snap.CostUsed)
	assert.Equal(t, after, snap.WindowStart)
}

func TestIntervalRollover(t *testing.T) {
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	m := newTestManager(t, &Config{TokenBudget: 100, Reset: ResetInterval, ResetInterval: time.Hour}, nil)
	require.NoError(t, m.Load(context.Background(), start))

	require.NoError(t, m.RecordUsage(context.Background(), "a", 10, 0, start.Add(30*time.Minute)))
	assert.Equal(t, int64(10), m.Snapshot(start.Add(59*time.Minute)).TokensUsed)
	assert.Equal(t, int64(0), m.Snapshot(start.Add(time.Hour)).TokensUsed)
}

func TestLoadRestoresActiveWindow(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	p := &memPersister{}
	cfg := &Config{TokenBudget: 1000, Reset: ResetDaily, ResetAt: "00:00"}

	first := newTestManager(t, cfg, p)
	require.NoError(t, first.Load(context.Background(), now))
	require.NoError(t, first.RecordUsage(context.Background(), "a", 400, 1.25, now))
	assert.GreaterOrEqual(t, p.saves, 1)

	second := newTestManager(t, cfg, p)
	require.NoError(t, second.Load(context.Background(), now.Add(time.Hour)))
	snap := second.Snapshot(now.Add(time.Hour))
	assert.Equal(t, int64(400), snap.TokensUsed)
	assert.Equal(t, 1.25, snap.CostUsed)

	// A window that ended before startup is discarded.
	third := newTestManager(t, cfg, p)
	require.NoError(t, third.Load(context.Background(), now.Add(24*time.Hour)))
	assert.Equal(t, int64(0), third.Snapshot(now.Add(24*time.Hour)).TokensUsed)
}

func TestPersistFailureDoesNotLoseCounters(t *testing.T) {
	p := &memPersister{failErr: errors.New("disk full")}
	m := newTestManager(t, nil, p)
	now := time.Now()

	require.NoError(t, m.RecordUsage(context.Background(), "a", 5, 0, now))
	assert.Equal(t, int64(5), m.Snapshot(now).TokensUsed)
}

func TestResetIsAtomic(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	m := newTestManager(t, &Config{TokenBudget: 1000, CostBudget: 10, Reset: ResetDaily, ResetAt: "00:00"}, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = m.RecordUsage(ctx, "a", 2, 0.1, now)
		}()
	}
	wg.Wait()
	m.Reset(ctx, now)

	snap := m.Snapshot(now)
	assert.Equal(t, int64(0), snap.TokensUsed)
	assert.Equal(t, 0.0, snap.CostUsed)
}

func TestStaleSaveIsSkipped(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	p := &memPersister{}
	m := newTestManager(t, &Config{TokenBudget: 1000, Reset: ResetDaily, ResetAt: "00:00"}, p)
	ctx := context.Background()

	require.NoError(t, m.RecordUsage(ctx, "a", 10, 0, now))
	older := p.window
	require.NoError(t, m.RecordUsage(ctx, "a", 5, 0, now))

	// A writer that read the window before the second report finishes late.
	m.save(ctx, older, 1)

	assert.Equal(t, int64(15), p.window.TokensUsed)
	assert.Equal(t, 2, p.saves)
}

func TestConcurrentSavesKeepNewestWindow(t *testing.T) {
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	p := &memPersister{}
	m := newTestManager(t, &Config{TokenBudget: 1000, Reset: ResetDaily, ResetAt: "00:00"}, p)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = m.RecordUsage(ctx, "a", 1, 0, now)
		}()
		go func() {
			defer wg.Done()
			m.Snapshot(now)
		}()
	}
	wg.Wait()

	w, ok, err := p.LoadUsageWindow(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(50), w.TokensUsed)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"default", *DefaultConfig(), false},
		{"negative tokens", Config{TokenBudget: -1, Reset: ResetDaily, ResetAt: "00:00"}, true},
		{"bad clock", Config{Reset: ResetDaily, ResetAt: "25:00"}, true},
		{"zero interval", Config{Reset: ResetInterval}, true},
		{"unknown reset", Config{Reset: "weekly"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
