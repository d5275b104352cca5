package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type samplePayload struct {
	Value string `json:"value"`
}

func TestEnqueueBlocking_WritesAtomicallyAndReadsBack(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, 4)
	m.Start()

	if err := m.EnqueueBlocking(context.Background(), Request{Name: "portfolio.json", Data: samplePayload{Value: "hello"}}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if err := m.Shutdown(context.Background(), time.Second, nil); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	var out samplePayload
	found, err := Load(dir, "portfolio.json", &out)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found || out.Value != "hello" {
		t.Fatalf("expected restored value 'hello', got found=%v value=%q", found, out.Value)
	}
}

func TestWriteAtomic_KeepsBakOfPriorFile(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, 4)
	m.Start()

	ctx := context.Background()
	if err := m.EnqueueBlocking(ctx, Request{Name: "risk_state.json", Data: samplePayload{Value: "v1"}}); err != nil {
		t.Fatal(err)
	}
	if err := m.Shutdown(ctx, time.Second, nil); err != nil {
		t.Fatal(err)
	}

	m2 := New(dir, 4)
	m2.Start()
	if err := m2.EnqueueBlocking(ctx, Request{Name: "risk_state.json", Data: samplePayload{Value: "v2"}}); err != nil {
		t.Fatal(err)
	}
	if err := m2.Shutdown(ctx, time.Second, nil); err != nil {
		t.Fatal(err)
	}

	if _, err := os.Stat(filepath.Join(dir, "risk_state.json.bak")); err != nil {
		t.Fatalf("expected .bak file to exist: %v", err)
	}
}

func TestShutdown_PerformsFinalSave(t *testing.T) {
	dir := t.TempDir()
	m := New(dir, 4)
	m.Start()

	final := Request{Name: "capital_ledger.json", Data: samplePayload{Value: "final"}}
	if err := m.Shutdown(context.Background(), time.Second, &final); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	var out samplePayload
	found, err := Load(dir, "capital_ledger.json", &out)
	if err != nil || !found || out.Value != "final" {
		t.Fatalf("expected final save to persist, found=%v err=%v value=%q", found, err, out.Value)
	}
}

func TestLoad_MissingFileIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	var out samplePayload
	found, err := Load(dir, "nonexistent.json", &out)
	if err != nil {
		t.Fatalf("missing checkpoint file should not error: %v", err)
	}
	if found {
		t.Fatalf("expected found=false for missing file")
	}
}
