package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fentz26/sleepless/internal/metrics"
	"github.com/fentz26/sleepless/internal/models"
	"github.com/google/uuid"
)

// CheckResult is the outcome of one health check.
type CheckResult struct {
	Passed bool
	Reason string
	Probe  ProbeResult
	Memory models.MemoryMetrics
}

// Monitor accumulates health-check results and restart history.
type Monitor struct {
	config  *Config
	ring    *RestartRing
	sampler MemorySampler
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	startedAt   time.Time
	passed      int64
	failed      int64
	consecutive int
	lastCheckAt time.Time
	lastError   string
	lastPID     int
}

// NewMonitor creates a monitor. sampler may be nil to skip memory checks.
func NewMonitor(cfg *Config, sampler MemorySampler, m *metrics.Collector, logger *slog.Logger) *Monitor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		config:    cfg,
		ring:      NewRestartRing(cfg.RestartHistorySize),
		sampler:   sampler,
		metrics:   m,
		logger:    logger.With("component", "health"),
		now:       time.Now,
		startedAt: time.Now(),
	}
}

// SetClock replaces the monitor's time source.
func (m *Monitor) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
	m.startedAt = now()
}

// PerformHealthCheck probes target once. Probe and sampling errors are
// reported as a failed check.
func (m *Monitor) PerformHealthCheck(ctx context.Context, target Target) CheckResult {
	probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
	defer cancel()

	res := m.check(probeCtx, target)

	m.mu.Lock()
	m.lastCheckAt = m.now()
	if res.Probe.PID > 0 {
		m.lastPID = res.Probe.PID
	}
	if res.Passed {
		m.passed++
		m.consecutive = 0
		m.lastError = ""
	} else {
		m.failed++
		m.consecutive++
		m.lastError = res.Reason
	}
	consecutive := m.consecutive
	m.mu.Unlock()

	m.metrics.RecordHealthCheck(res.Passed)
	if !res.Passed {
		m.logger.Warn("health check failed", "reason", res.Reason, "consecutive", consecutive)
	}
	return res
}

func (m *Monitor) check(ctx context.Context, target Target) CheckResult {
	probe, err := target.Probe(ctx)
	if err != nil {
		return CheckResult{Reason: fmt.Sprintf("probe: %v", err)}
	}
	res := CheckResult{Probe: probe}

	ref := probe.LastTick
	if ref.IsZero() {
		ref = probe.StartedAt
	}
	if ref.IsZero() {
		res.Reason = "daemon reported no tick and no start time"
		return res
	}
	if age := m.now().Sub(ref); age > m.config.StaleAfter {
		res.Reason = fmt.Sprintf("last tick %s ago exceeds %s", age.Round(time.Second), m.config.StaleAfter)
		return res
	}

	if m.sampler != nil && m.config.MemoryCeilingMB > 0 && probe.PID > 0 {
		mem, err := m.sampler.Sample(probe.PID)
		res.Memory = mem
		if err != nil {
			res.Reason = fmt.Sprintf("memory sample: %v", err)
			return res
		}
		if ceiling := m.config.MemoryCeilingMB * 1024 * 1024; mem.RSSBytes > ceiling {
			res.Reason = fmt.Sprintf("rss %d MB exceeds ceiling %d MB", mem.RSSBytes/1024/1024, m.config.MemoryCeilingMB)
			return res
		}
	}

	res.Passed = true
	return res
}

// ConsecutiveFailures returns the current run of failed checks.
func (m *Monitor) ConsecutiveFailures() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.consecutive
}

// ShouldRestart reports whether consecutive failures exceed the threshold.
func (m *Monitor) ShouldRestart() bool {
	return m.ConsecutiveFailures() > m.config.FailureThreshold
}

// ResetConsecutive clears the failure run after a restart. Totals are kept.
func (m *Monitor) ResetConsecutive() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consecutive = 0
}

// ClearCounters resets the pass/fail totals.
func (m *Monitor) ClearCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passed, m.failed, m.consecutive = 0, 0, 0
	m.lastError = ""
}

// LastError returns the reason of the most recent failed check.
func (m *Monitor) LastError() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastError
}

// RecordRestart appends a restart event to the history.
func (m *Monitor) RecordRestart(reason string, exitCode *int, triggeredByWatchdog bool) models.RestartEvent {
	ev := models.RestartEvent{
		ID:                  uuid.New().String(),
		Timestamp:           m.now(),
		Reason:              reason,
		ExitCode:            exitCode,
		TriggeredByWatchdog: triggeredByWatchdog,
	}
	m.ring.Add(ev)
	m.metrics.RecordRestart(triggeredByWatchdog)
	m.logger.Warn("daemon restart recorded", "reason", reason, "by_watchdog", triggeredByWatchdog)
	return ev
}

// Report builds a health report with a fresh memory sample of the daemon.
// target may be nil, in which case the last known pid is sampled.
func (m *Monitor) Report(ctx context.Context, target Target) models.HealthReport {
	m.mu.Lock()
	pid := m.lastPID
	m.mu.Unlock()

	if target != nil {
		probeCtx, cancel := context.WithTimeout(ctx, m.config.ProbeTimeout)
		if probe, err := target.Probe(probeCtx); err == nil && probe.PID > 0 {
			pid = probe.PID
		}
		cancel()
	}

	mem := models.MemoryMetrics{PID: pid}
	switch {
	case m.sampler == nil:
		mem.Error = "memory sampling unavailable"
	case pid <= 0:
		mem.Error = "daemon pid unknown"
	default:
		sample, err := m.sampler.Sample(pid)
		if err != nil {
			sample.Error = err.Error()
		}
		mem = sample
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	return models.HealthReport{
		GeneratedAt:         now,
		Uptime:              now.Sub(m.startedAt),
		Memory:              mem,
		ChecksPassed:        m.passed,
		ChecksFailed:        m.failed,
		ConsecutiveFailures: m.consecutive,
		LastCheckAt:         m.lastCheckAt,
		LastCheckError:      m.lastError,
		Restarts:            m.ring.Recent(0),
	}
}
