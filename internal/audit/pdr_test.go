package audit

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/fentz26/sleepless/internal/models"
	"github.com/fentz26/sleepless/internal/store"
)

func TestRecordWritesEntry(t *testing.T) {
	s, err := store.New(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	task := &models.Task{Title: "audit me"}
	if err := s.Enqueue(ctx, task); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	w := NewPDRWriter(s)
	inputs := map[string]any{"usage_pct": 42.0, "threshold_pct": 70.0}
	entry, err := w.Record(ctx, ActionAdmit, inputs, "success", task.ID, "admitted")
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	if entry.InputsHash != hashInputs(inputs) {
		t.Errorf("inputs hash = %s, want %s", entry.InputsHash, hashInputs(inputs))
	}

	entries, err := s.PDRsForTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("PDRsForTask: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != ActionAdmit {
		t.Fatalf("entries = %+v, want one %s", entries, ActionAdmit)
	}
}

func TestHashInputsStable(t *testing.T) {
	a := hashInputs(map[string]int{"a": 1, "b": 2})
	b := hashInputs(map[string]int{"b": 2, "a": 1})
	if a != b {
		t.Errorf("hash differs for equal maps: %s vs %s", a, b)
	}
	if hashInputs(make(chan int)) != "hash_error" {
		t.Error("unmarshalable inputs should hash to hash_error")
	}
}

func TestNilWriter(t *testing.T) {
	var w *PDRWriter
	entry, err := w.Record(context.Background(), ActionPause, nil, "success", "x", "")
	if entry != nil || err != nil {
		t.Errorf("nil writer returned %v, %v", entry, err)
	}
}
