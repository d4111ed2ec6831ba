// Package audit provides PDR (Process Decision Record) writing for scheduler decisions.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/fentz26/sleepless/internal/models"
)

// Actions recorded by the scheduler and runner.
const (
	ActionAdmit   = "task.admit"
	ActionResume  = "task.resume"
	ActionPause   = "task.pause"
	ActionCancel  = "task.cancel"
	ActionFinish  = "task.finish"
	ActionOrphan  = "task.orphan"
	ActionEnqueue = "task.enqueue"
)

// Sink persists PDR entries. *store.Store implements it.
type Sink interface {
	WritePDR(ctx context.Context, action, inputsHash, outcome, taskID, details string) (*models.PDREntry, error)
}

// PDRWriter writes Process Decision Records for audit trails.
type PDRWriter struct {
	sink Sink
}

// NewPDRWriter creates a new PDR writer.
func NewPDRWriter(s Sink) *PDRWriter {
	return &PDRWriter{sink: s}
}

// Record writes a PDR entry for a state-mutating decision. A nil writer records nothing.
func (w *PDRWriter) Record(ctx context.Context, action string, inputs any, outcome, taskID, details string) (*models.PDREntry, error) {
	if w == nil || w.sink == nil {
		return nil, nil
	}
	return w.sink.WritePDR(ctx, action, hashInputs(inputs), outcome, taskID, details)
}

// hashInputs creates a SHA256 hash of the decision inputs for reproducibility.
func hashInputs(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "hash_error"
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
