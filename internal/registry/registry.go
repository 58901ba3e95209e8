// Package registry holds the process-wide mapping from task name to
// handler function, grounded on the original HANDLERS dict registration
// pattern: built-ins register first, then an optional overlay contributes
// late-bound handlers at construction time.
package registry

import (
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// ErrEmptyName is returned by Register when name is empty after
// lowercasing and trimming.
var ErrEmptyName = errors.New("registry: name must not be empty")

// Handler computes a result from a task name and its payload. Handlers
// never panic across this boundary in well-behaved code, but the
// dispatcher recovers regardless.
type Handler func(name string, payload json.RawMessage) (json.RawMessage, error)

// PayloadHandler is the single-argument form some handlers are naturally
// written in; Adapt lifts it to a Handler.
type PayloadHandler func(payload json.RawMessage) (json.RawMessage, error)

// Adapt wraps a payload-only handler so it satisfies Handler.
func Adapt(fn PayloadHandler) Handler {
	return func(_ string, payload json.RawMessage) (json.RawMessage, error) {
		return fn(payload)
	}
}

// Overlay contributes additional handlers at registry construction,
// replacing the source's dynamic module import with an explicit function
// value supplied by the caller.
type Overlay func(*Registry)

// Registry is a concurrent-safe process-wide handler map.
type Registry struct {
	handlers sync.Map // string -> Handler
}

// New constructs a Registry with the built-in taxonomy registered, then
// applies each overlay in order so external registrations can add to or
// override built-ins.
func New(overlays ...Overlay) *Registry {
	r := &Registry{}
	r.Register("unknown", unknownHandler)
	for _, o := range overlays {
		o(r)
	}
	return r
}

// Register installs fn under name, lowercased and trimmed, rejecting an
// empty name with ErrEmptyName.
func (r *Registry) Register(name string, fn Handler) error {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" {
		return ErrEmptyName
	}
	r.handlers.Store(key, fn)
	return nil
}

// Lookup returns the handler registered for name and whether one was found.
func (r *Registry) Lookup(name string) (Handler, bool) {
	v, ok := r.handlers.Load(strings.ToLower(strings.TrimSpace(name)))
	if !ok {
		return nil, false
	}
	return v.(Handler), true
}

func unknownHandler(name string, payload json.RawMessage) (json.RawMessage, error) {
	out, _ := json.Marshal(map[string]interface{}{
		"ok":    false,
		"error": "unknown task: " + name,
		"data":  json.RawMessage(payload),
	})
	return out, nil
}
