// Package agents detects which agent CLIs are installed.
package agents

import (
	"os/exec"
	"path/filepath"
)

// Agent is an agent CLI found on the PATH.
type Agent struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// Detector scans for installed agent CLIs.
type Detector struct {
	lookPath func(string) (string, error)
}

// NewDetector creates a detector that searches the PATH.
func NewDetector() *Detector {
	return &Detector{lookPath: exec.LookPath}
}

// Scan returns the candidates that are installed, in candidate order.
func (d *Detector) Scan(candidates []string) []Agent {
	var found []Agent
	seen := make(map[string]bool)
	for _, c := range candidates {
		name := filepath.Base(c)
		if seen[name] {
			continue
		}
		seen[name] = true
		if path, err := d.lookPath(c); err == nil {
			found = append(found, Agent{Name: name, Path: path})
		}
	}
	return found
}

// First returns the first installed candidate.
func (d *Detector) First(candidates []string) (Agent, bool) {
	found := d.Scan(candidates)
	if len(found) == 0 {
		return Agent{}, false
	}
	return found[0], true
}
