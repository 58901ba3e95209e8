// Package dispatch resolves a task to a handler, invokes it, and
// normalises the outcome into the canonical result envelope, grounded on
// worker_entry.py's _dispatch: lowercase/trim, lookup-or-fallback,
// invoke, recover, normalise.
package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/manishadha/velu/internal/registry"
)

// Dispatcher routes tasks to handlers registered in a Registry.
type Dispatcher struct {
	reg *registry.Registry
}

// New returns a Dispatcher backed by reg.
func New(reg *registry.Registry) *Dispatcher {
	return &Dispatcher{reg: reg}
}

// Dispatch resolves task (lowercased, trimmed), falling back to the
// "unknown" handler when no registration matches, invokes it, recovers
// from any panic, and returns the handler's raw JSON output alongside an
// error only when dispatch itself could not produce a result. unknown
// reports whether resolution fell back to the "unknown" sentinel handler
// (no registration matched name) — callers use this to recognize the
// sentinel's deterministic, non-retryable failure per its contract,
// distinct from a registered handler that legitimately reports ok:false.
func (d *Dispatcher) Dispatch(task string, payload json.RawMessage) (out json.RawMessage, unknown bool, err error) {
	name := strings.ToLower(strings.TrimSpace(task))

	handler, ok := d.reg.Lookup(name)
	if !ok {
		handler, _ = d.reg.Lookup("unknown")
		unknown = true
	}

	defer func() {
		if r := recover(); r != nil {
			out = envelope(false, name, fmt.Sprintf("panic: %v", r), nil)
			err = nil
		}
	}()

	result, herr := handler(name, payload)
	if herr != nil {
		return envelope(false, name, herr.Error(), nil), unknown, nil
	}
	return normalize(name, result), unknown, nil
}

// normalize wraps a non-object handler result as {"ok":true,"data":<value>}
// and otherwise returns the object verbatim, annotated with ok/agent if
// the handler didn't already set them.
func normalize(agent string, raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return envelope(true, agent, "", json.RawMessage("null"))
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return envelope(true, agent, "", raw)
	}

	if _, hasOK := obj["ok"]; !hasOK {
		obj["ok"] = json.RawMessage("true")
	}
	if _, hasAgent := obj["agent"]; !hasAgent {
		agentJSON, _ := json.Marshal(agent)
		obj["agent"] = agentJSON
	}
	out, _ := json.Marshal(obj)
	return out
}

func envelope(ok bool, agent, errMsg string, data json.RawMessage) json.RawMessage {
	m := map[string]interface{}{"ok": ok}
	if agent != "" {
		m["agent"] = agent
	}
	if errMsg != "" {
		m["error"] = errMsg
	}
	if data == nil {
		data = json.RawMessage("{}")
	}
	m["data"] = data
	out, _ := json.Marshal(m)
	return out
}
