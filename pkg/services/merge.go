package services

import (
	"github.com/adops-io/entity-engine/pkg/models"
)

// mergeEntities performs the filter-scoped three-way merge between the
// stored entity and an incoming save. Property classes the filter includes
// are fully replaced by the incoming set (adds, changes, and removals all
// take effect); classes the filter excludes survive untouched from the
// stored copy. Associations follow IncludeAssociations the same way.
//
// A save that excludes a class can therefore never destroy previously
// stored members of that class. ForceOverwrite saves skip this function
// entirely.
func mergeEntities(stored, incoming *models.Entity, filter *models.EntityFilter) *models.Entity {
	out := incoming.Clone()
	out.CreateDate = stored.CreateDate

	// Names written by the incoming entity win over a stored property of
	// the same name even when the stored copy classed it differently;
	// property names stay unique.
	incomingNames := make(map[string]struct{})
	for _, p := range incoming.Properties {
		if filter.Includes(p.Filter) {
			incomingNames[p.Name] = struct{}{}
		}
	}

	merged := make([]models.EntityProperty, 0, len(stored.Properties)+len(incoming.Properties))
	for _, p := range stored.Properties {
		if filter.Includes(p.Filter) {
			continue
		}
		if _, overwritten := incomingNames[p.Name]; overwritten {
			continue
		}
		merged = append(merged, p)
	}
	for _, p := range incoming.Properties {
		if filter.Includes(p.Filter) {
			merged = append(merged, p)
		}
	}
	out.Properties = merged

	if !filter.IncludeAssociations {
		out.Associations = make([]models.Association, len(stored.Associations))
		copy(out.Associations, stored.Associations)
	}
	return out
}

// applyWriteFilter drops filter-excluded property classes and associations
// from a create, where there is no stored copy to merge against.
func applyWriteFilter(incoming *models.Entity, filter *models.EntityFilter) *models.Entity {
	out := incoming.Clone()
	kept := out.Properties[:0]
	for _, p := range out.Properties {
		if filter.Includes(p.Filter) {
			kept = append(kept, p)
		}
	}
	out.Properties = kept
	if !filter.IncludeAssociations {
		out.Associations = nil
	}
	return out
}

// applyReadFilter trims a fetched snapshot to the classes and associations
// the request's filter attaches.
func applyReadFilter(e *models.Entity, filter *models.EntityFilter) {
	kept := e.Properties[:0]
	for _, p := range e.Properties {
		if filter.Includes(p.Filter) {
			kept = append(kept, p)
		}
	}
	e.Properties = kept
	if !filter.IncludeAssociations {
		e.Associations = nil
	}
}
