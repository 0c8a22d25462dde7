package pages

import (
	"fmt"

	"github.com/foliosource/bindery/internal/domain"
)

// Registry dispatches jobs to the handler registered for their type.
type Registry struct {
	handlers map[domain.JobType]domain.PageHandler
}

// NewRegistry indexes the given handlers by type.
func NewRegistry(hs ...domain.PageHandler) *Registry {
	m := make(map[domain.JobType]domain.PageHandler, len(hs))
	for _, h := range hs {
		m[h.Type()] = h
	}
	return &Registry{handlers: m}
}

// For returns the handler for a job type.
func (r *Registry) For(t domain.JobType) (domain.PageHandler, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("op=pages.for: no handler for type %q: %w", t, domain.ErrInvalidArgument)
	}
	return h, nil
}

// metaString pulls an optional string out of free-form job metadata.
func metaString(m map[string]any, key string) *string {
	if m == nil {
		return nil
	}
	if v, ok := m[key].(string); ok && v != "" {
		return &v
	}
	return nil
}
