package models

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"

	"github.com/adops-io/entity-engine/pkg/apperrors"
)

// EntityFilter is the per-request include/exclude policy for property
// classes and associations, an optional version pin for historical reads,
// and free-text query predicates for listings. Filters are immutable within
// a request once constructed; Clone before deriving a variant.
type EntityFilter struct {
	IncludeDefaultProperties  bool
	IncludeSystemProperties   bool
	IncludeExtendedProperties bool
	IncludeAssociations       bool

	// PinnedVersion, when set, resolves reads against that historical
	// version instead of the current one.
	PinnedVersion *int64

	// QueryPredicates maps property names to patterns a listing entry must
	// match on its serialized value.
	QueryPredicates map[string]*regexp.Regexp
}

// DefaultFilter includes default properties and associations; system and
// extended properties are opt-in.
func DefaultFilter() *EntityFilter {
	return &EntityFilter{
		IncludeDefaultProperties: true,
		IncludeAssociations:      true,
	}
}

// FullFilter includes every property class and associations.
func FullFilter() *EntityFilter {
	return &EntityFilter{
		IncludeDefaultProperties:  true,
		IncludeSystemProperties:   true,
		IncludeExtendedProperties: true,
		IncludeAssociations:       true,
	}
}

// FilterFromValues builds a filter from query-string style parameters,
// starting from the defaults. Recognized keys: system, extended,
// associations (booleans), version (int pin), and any number of
// query.<property>=<regex> predicates.
func FilterFromValues(values url.Values) (*EntityFilter, error) {
	f := DefaultFilter()
	if raw := values.Get("system"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid system flag %q", apperrors.ErrValidation, raw)
		}
		f.IncludeSystemProperties = v
	}
	if raw := values.Get("extended"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid extended flag %q", apperrors.ErrValidation, raw)
		}
		f.IncludeExtendedProperties = v
	}
	if raw := values.Get("associations"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid associations flag %q", apperrors.ErrValidation, raw)
		}
		f.IncludeAssociations = v
	}
	if raw := values.Get("version"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			return nil, fmt.Errorf("%w: invalid version pin %q", apperrors.ErrValidation, raw)
		}
		f.PinnedVersion = &v
	}
	for key, vals := range values {
		if len(key) <= len("query.") || key[:len("query.")] != "query." || len(vals) == 0 {
			continue
		}
		re, err := regexp.Compile(vals[0])
		if err != nil {
			return nil, fmt.Errorf("%w: invalid query predicate for %q: %v", apperrors.ErrValidation, key, err)
		}
		if f.QueryPredicates == nil {
			f.QueryPredicates = make(map[string]*regexp.Regexp)
		}
		f.QueryPredicates[key[len("query."):]] = re
	}
	return f, nil
}

// Clone returns an independent copy.
func (f *EntityFilter) Clone() *EntityFilter {
	cp := *f
	if f.PinnedVersion != nil {
		v := *f.PinnedVersion
		cp.PinnedVersion = &v
	}
	if f.QueryPredicates != nil {
		cp.QueryPredicates = make(map[string]*regexp.Regexp, len(f.QueryPredicates))
		for k, re := range f.QueryPredicates {
			cp.QueryPredicates[k] = re
		}
	}
	return &cp
}

// Includes reports whether the filter admits a property class.
func (f *EntityFilter) Includes(class PropertyFilter) bool {
	switch class {
	case FilterDefault:
		return f.IncludeDefaultProperties
	case FilterSystem:
		return f.IncludeSystemProperties
	case FilterExtended:
		return f.IncludeExtendedProperties
	default:
		return false
	}
}

// MatchesQuery reports whether an entity satisfies every query predicate.
// An empty predicate set matches everything.
func (f *EntityFilter) MatchesQuery(e *Entity) bool {
	for name, re := range f.QueryPredicates {
		switch name {
		case "external_name":
			if !re.MatchString(e.ExternalName) {
				return false
			}
		case "external_type":
			if !re.MatchString(e.ExternalType) {
				return false
			}
		default:
			p, ok := e.Property(name)
			if !ok || !re.MatchString(p.Value.SerializationValue()) {
				return false
			}
		}
	}
	return true
}
