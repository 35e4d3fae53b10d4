package models

import (
	"fmt"
	"sort"
	"sync"

	"github.com/adops-io/entity-engine/pkg/apperrors"
)

// EntityValidator checks category-specific rules on top of structural
// validation.
type EntityValidator func(*Entity) error

// Registry maps entity categories to their validators. It is populated once
// at process start and passed by reference; there is no global instance.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]EntityValidator
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{validators: make(map[string]EntityValidator)}
}

// DefaultRegistry registers the standard ad-ops categories.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(CategoryCompany, nil)
	r.Register(CategoryCampaign, nil)
	r.Register(CategoryCreative, nil)
	r.Register(CategoryUser, nil)
	return r
}

// Register adds a category; validator may be nil when structural validation
// suffices.
func (r *Registry) Register(category string, validator EntityValidator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[category] = validator
}

// Categories lists registered categories in sorted order.
func (r *Registry) Categories() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.validators))
	for c := range r.validators {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// Validate runs structural validation plus the category validator; unknown
// categories are rejected.
func (r *Registry) Validate(e *Entity) error {
	if err := e.Validate(); err != nil {
		return err
	}
	r.mu.RLock()
	validator, known := r.validators[e.EntityCategory]
	r.mu.RUnlock()
	if !known {
		return fmt.Errorf("%w: unknown entity category %q", apperrors.ErrValidation, e.EntityCategory)
	}
	if validator != nil {
		return validator(e)
	}
	return nil
}
