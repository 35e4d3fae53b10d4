package models

import "github.com/google/uuid"

// RequestContext carries the per-request tenancy, identity, and filtering
// state into every engine operation. It is built by the HTTP layer (or the
// test harness) and consumed, never produced, by the engine.
type RequestContext struct {
	// ExternalCompanyID selects the tenant storage account.
	ExternalCompanyID uuid.UUID

	// UserID stamps LastModifiedUser on saves.
	UserID string

	// EntityFilter scopes which property classes and associations an
	// operation reads or writes. Nil means DefaultFilter.
	EntityFilter *EntityFilter

	// ForceOverwrite bypasses filtering and merging entirely: the save
	// writes exactly the submitted entity.
	ForceOverwrite bool

	// ReturnBlobReferences leaves promoted values as blob references on
	// reads instead of resolving them.
	ReturnBlobReferences bool
}

// Filter returns the request's filter, falling back to defaults.
func (c RequestContext) Filter() *EntityFilter {
	if c.EntityFilter == nil {
		return DefaultFilter()
	}
	return c.EntityFilter
}

// StorageAccount is the tenant's storage account name.
func (c RequestContext) StorageAccount() string {
	return c.ExternalCompanyID.String()
}
