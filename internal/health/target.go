package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/sleepless/internal/models"
	"github.com/prometheus/procfs"
)

// ProbeResult is what the daemon reports about its own liveness.
type ProbeResult struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	LastTick  time.Time `json:"last_tick"`
	Stopping  bool      `json:"stopping"`
}

// Target is a daemon that can be probed.
type Target interface {
	Probe(ctx context.Context) (ProbeResult, error)
}

// HTTPTarget probes the daemon's GET /health endpoint.
type HTTPTarget struct {
	baseURL string
	client  *http.Client
}

// NewHTTPTarget creates a target for the daemon at baseURL.
func NewHTTPTarget(baseURL string) *HTTPTarget {
	return &HTTPTarget{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Probe fetches the daemon's health document.
func (t *HTTPTarget) Probe(ctx context.Context) (ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.baseURL+"/health", nil)
	if err != nil {
		return ProbeResult{}, err
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return ProbeResult{}, fmt.Errorf("daemon unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ProbeResult{}, fmt.Errorf("health endpoint returned %s", resp.Status)
	}
	var res ProbeResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return ProbeResult{}, fmt.Errorf("decode health response: %w", err)
	}
	return res, nil
}

// MemorySampler reads memory usage of a process.
type MemorySampler interface {
	Sample(pid int) (models.MemoryMetrics, error)
}

// ProcfsSampler samples memory from /proc.
type ProcfsSampler struct {
	fs procfs.FS
}

// NewProcfsSampler opens the default /proc mount. It fails where /proc is unavailable.
func NewProcfsSampler() (*ProcfsSampler, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("open procfs: %w", err)
	}
	return &ProcfsSampler{fs: fs}, nil
}

// Sample returns the resident and virtual memory of pid.
func (s *ProcfsSampler) Sample(pid int) (models.MemoryMetrics, error) {
	proc, err := s.fs.Proc(pid)
	if err != nil {
		return models.MemoryMetrics{PID: pid}, fmt.Errorf("find process %d: %w", pid, err)
	}
	stat, err := proc.Stat()
	if err != nil {
		return models.MemoryMetrics{PID: pid}, fmt.Errorf("read stat of %d: %w", pid, err)
	}
	return models.MemoryMetrics{
		PID:        pid,
		RSSBytes:   uint64(stat.ResidentMemory()),
		VSizeBytes: uint64(stat.VirtualMemory()),
	}, nil
}
