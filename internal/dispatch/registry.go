package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/relaykit/relay/internal/task"
)

// Handler processes one request or notify. It runs under a fresh child
// scheduler; params are the raw JSON params of the frame. The returned
// value becomes the JSON-RPC result unless it is NoReply or one of the
// envelope types.
type Handler func(r *task.Run, params json.RawMessage) (any, error)

// Desc is a handler descriptor. Parent overrides the transport scheduler
// the handler's child scheduler is rooted at; Limited overrides the
// transport's default gate policy.
type Desc struct {
	Handle  Handler
	Parent  *task.Scheduler
	Limited *bool
}

// Registry maps method names to handlers. Registration is expected to
// happen before serving; keys are unique.
type Registry struct {
	mu      sync.RWMutex
	methods map[string]Desc
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{methods: make(map[string]Desc)}
}

// Register adds a plain handler function for method.
func (r *Registry) Register(method string, h Handler) error {
	return r.RegisterDesc(method, Desc{Handle: h})
}

// RegisterDesc adds a handler descriptor for method. Duplicate methods
// are an error.
func (r *Registry) RegisterDesc(method string, d Desc) error {
	if d.Handle == nil {
		return fmt.Errorf("register %s: nil handler", method)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[method]; ok {
		return fmt.Errorf("register %s: already registered", method)
	}
	r.methods[method] = d
	return nil
}

// Unregister removes a method, reporting whether it was present.
func (r *Registry) Unregister(method string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.methods[method]; !ok {
		return false
	}
	delete(r.methods, method)
	return true
}

// Lookup resolves a method to its descriptor.
func (r *Registry) Lookup(method string) (Desc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.methods[method]
	return d, ok
}

// Methods returns the registered method names.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.methods))
	for m := range r.methods {
		out = append(out, m)
	}
	return out
}

// Limited is a convenience for Desc.Limited.
func Limited(v bool) *bool {
	return &v
}
