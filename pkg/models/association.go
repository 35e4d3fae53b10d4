package models

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/adops-io/entity-engine/pkg/apperrors"
)

// AssociationType distinguishes structural child links from plain
// relationships between entities.
type AssociationType string

const (
	AssociationRelationship AssociationType = "relationship"
	AssociationChild        AssociationType = "child"
	AssociationParent       AssociationType = "parent"
)

// Association is a typed directed edge from the owning entity to a target.
// Associations sharing one Name form a collection (for example all the
// "Campaigns" of a company). Details may carry an arbitrary payload and is
// subject to blob promotion like any property value.
type Association struct {
	Name               string          `json:"name"`
	TargetEntityID     uuid.UUID       `json:"target_entity_id"`
	TargetCategory     string          `json:"target_category"`
	TargetExternalType string          `json:"target_external_type,omitempty"`
	AssociationType    AssociationType `json:"association_type"`
	Details            string          `json:"details,omitempty"`
	IsBlobRef          bool            `json:"is_blob_ref,omitempty"`
}

// Key uniquely identifies an association within an entity: collection name
// plus target id. Two associations with the same key in one fragment are a
// validation error.
func (a Association) Key() string {
	return a.Name + "/" + a.TargetEntityID.String()
}

func (a Association) validate() error {
	if a.Name == "" {
		return fmt.Errorf("%w: association with empty name", apperrors.ErrValidation)
	}
	if a.TargetEntityID == uuid.Nil {
		return fmt.Errorf("%w: association %q has no target", apperrors.ErrValidation, a.Name)
	}
	switch a.AssociationType {
	case AssociationRelationship, AssociationChild, AssociationParent:
	default:
		return fmt.Errorf("%w: association %q has unknown type %q", apperrors.ErrValidation, a.Name, a.AssociationType)
	}
	return nil
}
