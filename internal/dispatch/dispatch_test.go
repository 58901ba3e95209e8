package dispatch

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/manishadha/velu/internal/registry"
)

func decode(t *testing.T, raw json.RawMessage) map[string]interface{} {
	t.Helper()
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode: %v, raw=%s", err, raw)
	}
	return m
}

func TestDispatchUnknownTask(t *testing.T) {
	reg := registry.New()
	d := New(reg)

	out, unknown, err := d.Dispatch("no_such", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !unknown {
		t.Fatal("expected unknown=true for an unregistered task")
	}
	m := decode(t, out)
	if m["ok"] != false {
		t.Fatalf("expected ok=false, got %v", m["ok"])
	}
	if m["error"] != "unknown task: no_such" {
		t.Fatalf("unexpected error: %v", m["error"])
	}
}

func TestDispatchNormalizesNonObjectResult(t *testing.T) {
	reg := registry.New()
	reg.Register("echo_string", func(name string, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`"hello"`), nil
	})
	d := New(reg)

	out, unknown, err := d.Dispatch("echo_string", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if unknown {
		t.Fatal("expected unknown=false for a registered task")
	}
	m := decode(t, out)
	if m["ok"] != true {
		t.Fatalf("expected ok=true, got %v", m["ok"])
	}
	if m["data"] != "hello" {
		t.Fatalf("expected data=hello, got %v", m["data"])
	}
}

func TestDispatchRecoversFromPanic(t *testing.T) {
	reg := registry.New()
	reg.Register("boom", func(name string, payload json.RawMessage) (json.RawMessage, error) {
		panic("kaboom")
	})
	d := New(reg)

	out, _, err := d.Dispatch("boom", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Dispatch should not return error on recovered panic: %v", err)
	}
	m := decode(t, out)
	if m["ok"] != false {
		t.Fatalf("expected ok=false after recovered panic, got %v", m["ok"])
	}
}

func TestDispatchConvertsHandlerError(t *testing.T) {
	reg := registry.New()
	reg.Register("fails", func(name string, payload json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("explosion")
	})
	d := New(reg)

	out, _, err := d.Dispatch("fails", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	m := decode(t, out)
	if m["ok"] != false || m["error"] != "explosion" {
		t.Fatalf("unexpected envelope: %v", m)
	}
}

func TestDispatchLowercasesAndTrims(t *testing.T) {
	reg := registry.New()
	called := false
	reg.Register("plan", func(name string, payload json.RawMessage) (json.RawMessage, error) {
		called = true
		if name != "plan" {
			t.Fatalf("expected normalized name 'plan', got %q", name)
		}
		return json.RawMessage(`{"ok":true}`), nil
	})
	d := New(reg)

	if _, _, err := d.Dispatch("  PLAN  ", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if !called {
		t.Fatal("expected plan handler to be invoked")
	}
}
