package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/manishadha/velu/internal/queue"
	"github.com/manishadha/velu/internal/registry"
	"github.com/manishadha/velu/internal/store"
)

func newTestRegistry(t *testing.T, enablePipeline bool) (*registry.Registry, *queue.Queue) {
	t.Helper()
	db, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	q := queue.New(db, 3, 2)
	r := registry.New(Register(q, enablePipeline))
	return r, q
}

func decode(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode: %v raw=%s", err, raw)
	}
	return m
}

func TestPlanHandlerProducesText(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	fn, ok := r.Lookup("plan")
	if !ok {
		t.Fatal("expected plan handler registered")
	}
	out, err := fn("plan", json.RawMessage(`{"idea":"demo","module":"hello_mod"}`))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	m := decode(t, out)
	if m["plan"] != "demo via hello_mod" {
		t.Fatalf("unexpected plan text: %v", m["plan"])
	}
}

func TestPlanHandlerPipelineModeEnqueuesSubjobs(t *testing.T) {
	r, _ := newTestRegistry(t, true)
	fn, _ := r.Lookup("plan")
	out, err := fn("plan", json.RawMessage(`{"idea":"demo","module":"hello_mod"}`))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	m := decode(t, out)
	if m["ok"] != true {
		t.Fatalf("expected ok=true, got %v", m["ok"])
	}
	subjobs, ok := m["subjobs"].(map[string]interface{})
	if !ok || subjobs["generate_code"] == "" || subjobs["run_tests"] == "" {
		t.Fatalf("expected generate_code/run_tests subjob ids, got %v", m["subjobs"])
	}
}

func TestPlanHandlerNoPipelineWithoutModule(t *testing.T) {
	r, _ := newTestRegistry(t, true)
	fn, _ := r.Lookup("plan")
	out, err := fn("plan", json.RawMessage(`{"idea":"demo"}`))
	if err != nil {
		t.Fatalf("plan: %v", err)
	}
	m := decode(t, out)
	if _, has := m["subjobs"]; has {
		t.Fatalf("expected no subjobs when module is empty, got %v", m["subjobs"])
	}
}

func TestCodegenHandlerRejectsUnsafeLang(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	fn, _ := r.Lookup("codegen")
	out, err := fn("codegen", json.RawMessage(`{"lang":"rust","spec":"x"}`))
	if err != nil {
		t.Fatalf("codegen: %v", err)
	}
	m := decode(t, out)
	if m["ok"] != false {
		t.Fatalf("expected ok=false for unsafe lang, got %v", m["ok"])
	}
}

func TestCodegenHandlerGeneratesPython(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	fn, _ := r.Lookup("codegen")
	out, err := fn("codegen", json.RawMessage(`{"lang":"python","spec":"hi"}`))
	if err != nil {
		t.Fatalf("codegen: %v", err)
	}
	m := decode(t, out)
	if m["ok"] != true {
		t.Fatalf("expected ok=true, got %v", m["ok"])
	}
}

func TestAnalyzeHandlerCountsKeys(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	fn, _ := r.Lookup("analyze")
	out, err := fn("analyze", json.RawMessage(`{"a":1,"b":2}`))
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	m := decode(t, out)
	result := m["result"].(map[string]interface{})
	if result["key_count"] != float64(2) {
		t.Fatalf("expected key_count=2, got %v", result["key_count"])
	}
}

func TestPipelineHandlerEnqueuesPlanAndCodegen(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	fn, _ := r.Lookup("pipeline")
	out, err := fn("pipeline", json.RawMessage(`{"idea":"demo","module":"hello_mod"}`))
	if err != nil {
		t.Fatalf("pipeline: %v", err)
	}
	m := decode(t, out)
	if m["ok"] != true {
		t.Fatalf("expected ok=true, got %v", m["ok"])
	}
	subjobs := m["subjobs"].(map[string]interface{})
	if subjobs["plan"] == "" || subjobs["generate"] == "" {
		t.Fatalf("expected plan/generate subjob ids, got %v", subjobs)
	}
}

func TestFailNFailsThenSucceeds(t *testing.T) {
	r, _ := newTestRegistry(t, false)
	fn, _ := r.Lookup("fail_n")

	if _, err := fn("fail_n", json.RawMessage(`{"fail_times":2,"_attempts":0}`)); err == nil {
		t.Fatal("expected failure on attempt 0 of 2")
	}
	if _, err := fn("fail_n", json.RawMessage(`{"fail_times":2,"_attempts":1}`)); err == nil {
		t.Fatal("expected failure on attempt 1 of 2")
	}
	out, err := fn("fail_n", json.RawMessage(`{"fail_times":2,"_attempts":2}`))
	if err != nil {
		t.Fatalf("expected success on attempt 2, got error: %v", err)
	}
	m := decode(t, out)
	if m["message"] != "passed after 2 failures" {
		t.Fatalf("unexpected message: %v", m["message"])
	}
}

func TestRunTestsFailsWhenDependencyNotReady(t *testing.T) {
	r, q := newTestRegistry(t, false)
	fn, _ := r.Lookup("run_tests")

	id, _ := q.Enqueue(context.Background(), "generate_code", json.RawMessage(`{"module":"m"}`), 0, time.Time{})
	_, err := fn("run_tests", json.RawMessage(`{"code_job_id":"`+id+`"}`))
	if err == nil {
		t.Fatal("expected error when dependency job is not done")
	}
}
