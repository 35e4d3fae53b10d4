package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/adops-io/entity-engine/pkg/apperrors"
)

// Standard entity categories registered at startup.
const (
	CategoryCompany  = "Company"
	CategoryCampaign = "Campaign"
	CategoryCreative = "Creative"
	CategoryUser     = "User"
)

// StatusPropertyName is the system property carrying the soft
// activation state of an entity.
const StatusPropertyName = "EntityStatus"

// Entity activation states stored under StatusPropertyName.
const (
	StatusActive   = "Active"
	StatusInactive = "Inactive"
)

// Entity is the versioned aggregate persisted by the engine: identity,
// ordered property list, association list, and the concurrency token
// LocalVersion. An Entity returned to a caller is a detached snapshot;
// mutating it has no effect until it is passed back through a save.
type Entity struct {
	ExternalEntityID uuid.UUID        `json:"external_entity_id"`
	EntityCategory   string           `json:"entity_category"`
	ExternalType     string           `json:"external_type,omitempty"`
	ExternalName     string           `json:"external_name,omitempty"`
	CreateDate       time.Time        `json:"create_date"`
	LastModifiedDate time.Time        `json:"last_modified_date"`
	LastModifiedUser string           `json:"last_modified_user,omitempty"`
	OwnerID          string           `json:"owner_id,omitempty"`
	LocalVersion     int64            `json:"local_version"`
	SchemaVersion    int64            `json:"schema_version"`
	Properties       []EntityProperty `json:"properties,omitempty"`
	Associations     []Association    `json:"associations,omitempty"`

	// Key locates the physical record this snapshot was read from. It is
	// assigned by the engine and ignored on input.
	Key StorageKey `json:"key,omitempty"`
}

// NewEntity creates a fresh, unsaved entity at version 0.
func NewEntity(id uuid.UUID, category, name string) *Entity {
	now := time.Now().UTC()
	return &Entity{
		ExternalEntityID: id,
		EntityCategory:   category,
		ExternalName:     name,
		CreateDate:       now,
		LastModifiedDate: now,
	}
}

// Validate rejects structurally invalid entities before any store is
// touched: missing identity, malformed members, duplicate property names
// (case-sensitive) and duplicate association keys.
func (e *Entity) Validate() error {
	if e.ExternalEntityID == uuid.Nil {
		return fmt.Errorf("%w: entity has no external id", apperrors.ErrValidation)
	}
	if e.EntityCategory == "" {
		return fmt.Errorf("%w: entity %s has no category", apperrors.ErrValidation, e.ExternalEntityID)
	}
	seenProps := make(map[string]struct{}, len(e.Properties))
	for _, p := range e.Properties {
		if err := p.validate(); err != nil {
			return err
		}
		if _, dup := seenProps[p.Name]; dup {
			return fmt.Errorf("%w: duplicate property name %q", apperrors.ErrValidation, p.Name)
		}
		seenProps[p.Name] = struct{}{}
	}
	seenAssocs := make(map[string]struct{}, len(e.Associations))
	for _, a := range e.Associations {
		if err := a.validate(); err != nil {
			return err
		}
		if _, dup := seenAssocs[a.Key()]; dup {
			return fmt.Errorf("%w: duplicate association %q", apperrors.ErrValidation, a.Key())
		}
		seenAssocs[a.Key()] = struct{}{}
	}
	return nil
}

// Clone returns a deep copy. Snapshots handed to callers and snapshots kept
// for merging never share property or association slices.
func (e *Entity) Clone() *Entity {
	cp := *e
	cp.Properties = make([]EntityProperty, len(e.Properties))
	copy(cp.Properties, e.Properties)
	cp.Associations = make([]Association, len(e.Associations))
	copy(cp.Associations, e.Associations)
	return &cp
}

// Property looks up a property by exact name.
func (e *Entity) Property(name string) (EntityProperty, bool) {
	for _, p := range e.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return EntityProperty{}, false
}

// SetProperty replaces the property with the same name, or appends it while
// preserving property order.
func (e *Entity) SetProperty(prop EntityProperty) {
	for i, p := range e.Properties {
		if p.Name == prop.Name {
			e.Properties[i] = prop
			return
		}
	}
	e.Properties = append(e.Properties, prop)
}

// RemoveProperty deletes a property by name; it is a no-op when absent.
func (e *Entity) RemoveProperty(name string) {
	for i, p := range e.Properties {
		if p.Name == name {
			e.Properties = append(e.Properties[:i], e.Properties[i+1:]...)
			return
		}
	}
}

// AssociationGroup returns the collection of associations sharing name,
// in stored order.
func (e *Entity) AssociationGroup(name string) []Association {
	var group []Association
	for _, a := range e.Associations {
		if a.Name == name {
			group = append(group, a)
		}
	}
	return group
}

// ReplaceAssociationGroup removes every association named name and appends
// the replacement collection.
func (e *Entity) ReplaceAssociationGroup(name string, group []Association) {
	kept := e.Associations[:0]
	for _, a := range e.Associations {
		if a.Name != name {
			kept = append(kept, a)
		}
	}
	e.Associations = append(kept, group...)
}

// UpsertAssociation replaces the association with the same key, or appends
// it to the list.
func (e *Entity) UpsertAssociation(assoc Association) {
	for i, a := range e.Associations {
		if a.Key() == assoc.Key() {
			e.Associations[i] = assoc
			return
		}
	}
	e.Associations = append(e.Associations, assoc)
}

// Status returns the soft activation state; entities without the status
// property are active.
func (e *Entity) Status() string {
	if p, ok := e.Property(StatusPropertyName); ok {
		if s, isStr := p.Value.StringVal(); isStr {
			return s
		}
	}
	return StatusActive
}

// entityJSON breaks the UnmarshalJSON recursion.
type entityJSON Entity

// UnmarshalJSON decodes and immediately validates, so duplicate property
// names or association keys in a single fragment never produce an entity.
func (e *Entity) UnmarshalJSON(data []byte) error {
	var raw entityJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: malformed entity: %v", apperrors.ErrValidation, err)
	}
	decoded := Entity(raw)
	if err := decoded.Validate(); err != nil {
		return err
	}
	*e = decoded
	return nil
}

// EncodeEntity renders the persisted payload form of an entity.
func EncodeEntity(e *Entity) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encode entity %s: %v", apperrors.ErrValidation, e.ExternalEntityID, err)
	}
	return raw, nil
}

// DecodeEntity parses a persisted payload back into an entity snapshot.
func DecodeEntity(raw []byte) (*Entity, error) {
	var e Entity
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// EntityInfo is the lightweight listing projection served from the index
// without fetching payloads.
type EntityInfo struct {
	ExternalEntityID uuid.UUID `json:"external_entity_id"`
	EntityCategory   string    `json:"entity_category"`
	ExternalType     string    `json:"external_type,omitempty"`
	ExternalName     string    `json:"external_name,omitempty"`
	LocalVersion     int64     `json:"local_version"`
	IsActive         bool      `json:"is_active"`
	LastModifiedDate time.Time `json:"last_modified_date"`
}
