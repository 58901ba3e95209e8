package registry

import (
	"encoding/json"
	"testing"
)

func TestUnknownHandlerRegisteredByDefault(t *testing.T) {
	r := New()
	fn, ok := r.Lookup("unknown")
	if !ok {
		t.Fatal("expected unknown handler to be registered")
	}
	out, err := fn("no_such", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("unknown handler returned error: %v", err)
	}
	var parsed map[string]interface{}
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if parsed["ok"] != false {
		t.Fatalf("expected ok=false, got %v", parsed["ok"])
	}
	if parsed["error"] != "unknown task: no_such" {
		t.Fatalf("unexpected error message: %v", parsed["error"])
	}
}

func TestLookupIsCaseAndSpaceInsensitive(t *testing.T) {
	r := New()
	r.Register("Plan", func(name string, payload json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})
	if _, ok := r.Lookup("  Plan  "); !ok {
		t.Fatal("expected Lookup to normalize case and whitespace like Register does")
	}
	if _, ok := r.Lookup("plan"); !ok {
		t.Fatal("expected plan handler to be found under lowercased key")
	}
}

func TestAdaptWrapsPayloadOnlyHandler(t *testing.T) {
	called := false
	h := Adapt(func(payload json.RawMessage) (json.RawMessage, error) {
		called = true
		return payload, nil
	})
	out, err := h("anything", json.RawMessage(`{"x":1}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !called {
		t.Fatal("expected wrapped handler to be invoked")
	}
	if string(out) != `{"x":1}` {
		t.Fatalf("expected payload passthrough, got %s", out)
	}
}

func TestRegisterRejectsEmptyName(t *testing.T) {
	r := New()
	if err := r.Register("   ", func(name string, payload json.RawMessage) (json.RawMessage, error) {
		return nil, nil
	}); err != ErrEmptyName {
		t.Fatalf("expected ErrEmptyName, got %v", err)
	}
}

func TestOverlayRunsAfterBuiltins(t *testing.T) {
	r := New(func(reg *Registry) {
		reg.Register("custom", func(name string, payload json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"ok":true}`), nil
		})
	})
	if _, ok := r.Lookup("custom"); !ok {
		t.Fatal("expected overlay-registered handler")
	}
	if _, ok := r.Lookup("unknown"); !ok {
		t.Fatal("expected built-in unknown handler still present")
	}
}
