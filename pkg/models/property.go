package models

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/adops-io/entity-engine/pkg/apperrors"
)

// PropertyType identifies the runtime type of a PropertyValue. The type is
// fixed at construction and never silently reinterpreted afterwards.
type PropertyType string

const (
	TypeString PropertyType = "string"
	TypeInt32  PropertyType = "int32"
	TypeInt64  PropertyType = "int64"
	TypeDouble PropertyType = "double"
	TypeBool   PropertyType = "bool"
	TypeGUID   PropertyType = "guid"
	TypeDate   PropertyType = "date"
	TypeBinary PropertyType = "binary"
)

// PropertyFilter classifies a property for filter-scoped reads and merges.
type PropertyFilter string

const (
	FilterDefault  PropertyFilter = "default"
	FilterSystem   PropertyFilter = "system"
	FilterExtended PropertyFilter = "extended"
)

// PropertyValue is a closed tagged union over the supported primitive types.
// The zero value is invalid; construct through the New*Value constructors or
// the parse functions, which reject null/NaN and ambiguous coercions at the
// boundary.
type PropertyValue struct {
	typ PropertyType
	str string
	i64 int64
	f64 float64
	b   bool
	gid uuid.UUID
	ts  time.Time
	bin []byte
}

func NewStringValue(v string) PropertyValue { return PropertyValue{typ: TypeString, str: v} }
func NewInt32Value(v int32) PropertyValue   { return PropertyValue{typ: TypeInt32, i64: int64(v)} }
func NewInt64Value(v int64) PropertyValue   { return PropertyValue{typ: TypeInt64, i64: v} }
func NewBoolValue(v bool) PropertyValue     { return PropertyValue{typ: TypeBool, b: v} }
func NewGUIDValue(v uuid.UUID) PropertyValue {
	return PropertyValue{typ: TypeGUID, gid: v}
}
func NewDateValue(v time.Time) PropertyValue {
	return PropertyValue{typ: TypeDate, ts: v.UTC()}
}
func NewBinaryValue(v []byte) PropertyValue {
	cp := make([]byte, len(v))
	copy(cp, v)
	return PropertyValue{typ: TypeBinary, bin: cp}
}

// NewDoubleValue rejects NaN and infinities; a NaN in a numeric slot is a
// validation error, never a silent zero.
func NewDoubleValue(v float64) (PropertyValue, error) {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return PropertyValue{}, fmt.Errorf("%w: non-finite double value", apperrors.ErrValidation)
	}
	return PropertyValue{typ: TypeDouble, f64: v}, nil
}

// ValueFromJSON builds a PropertyValue from an untyped decoded JSON value.
// Without a schema, JSON numbers default to Double; null is rejected.
func ValueFromJSON(raw any) (PropertyValue, error) {
	switch v := raw.(type) {
	case nil:
		return PropertyValue{}, fmt.Errorf("%w: null property value", apperrors.ErrValidation)
	case string:
		return NewStringValue(v), nil
	case bool:
		return NewBoolValue(v), nil
	case float64:
		return NewDoubleValue(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return PropertyValue{}, fmt.Errorf("%w: unparseable number %q", apperrors.ErrValidation, v.String())
		}
		return NewDoubleValue(f)
	default:
		return PropertyValue{}, fmt.Errorf("%w: unsupported property value type %T", apperrors.ErrValidation, raw)
	}
}

// ParseValue parses the canonical string form of a value for the given type.
// This is the inverse of SerializationValue.
func ParseValue(t PropertyType, s string) (PropertyValue, error) {
	switch t {
	case TypeString:
		return NewStringValue(s), nil
	case TypeInt32:
		n, err := strconv.ParseInt(s, 10, 32)
		if err != nil {
			return PropertyValue{}, fmt.Errorf("%w: invalid int32 %q", apperrors.ErrValidation, s)
		}
		return NewInt32Value(int32(n)), nil
	case TypeInt64:
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return PropertyValue{}, fmt.Errorf("%w: invalid int64 %q", apperrors.ErrValidation, s)
		}
		return NewInt64Value(n), nil
	case TypeDouble:
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return PropertyValue{}, fmt.Errorf("%w: invalid double %q", apperrors.ErrValidation, s)
		}
		return NewDoubleValue(f)
	case TypeBool:
		b, err := strconv.ParseBool(s)
		if err != nil {
			return PropertyValue{}, fmt.Errorf("%w: invalid bool %q", apperrors.ErrValidation, s)
		}
		return NewBoolValue(b), nil
	case TypeGUID:
		id, err := uuid.Parse(s)
		if err != nil {
			return PropertyValue{}, fmt.Errorf("%w: invalid guid %q", apperrors.ErrValidation, s)
		}
		return NewGUIDValue(id), nil
	case TypeDate:
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return PropertyValue{}, fmt.Errorf("%w: invalid date %q", apperrors.ErrValidation, s)
		}
		return NewDateValue(ts), nil
	case TypeBinary:
		raw, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return PropertyValue{}, fmt.Errorf("%w: invalid base64 binary", apperrors.ErrValidation)
		}
		return NewBinaryValue(raw), nil
	default:
		return PropertyValue{}, fmt.Errorf("%w: unknown property type %q", apperrors.ErrValidation, t)
	}
}

// Type returns the fixed runtime type tag.
func (v PropertyValue) Type() PropertyType { return v.typ }

// IsZero reports whether the value was never constructed.
func (v PropertyValue) IsZero() bool { return v.typ == "" }

func (v PropertyValue) StringVal() (string, bool)  { return v.str, v.typ == TypeString }
func (v PropertyValue) Int32Val() (int32, bool)    { return int32(v.i64), v.typ == TypeInt32 }
func (v PropertyValue) Int64Val() (int64, bool)    { return v.i64, v.typ == TypeInt64 }
func (v PropertyValue) DoubleVal() (float64, bool) { return v.f64, v.typ == TypeDouble }
func (v PropertyValue) BoolVal() (bool, bool)      { return v.b, v.typ == TypeBool }
func (v PropertyValue) GUIDVal() (uuid.UUID, bool) { return v.gid, v.typ == TypeGUID }
func (v PropertyValue) DateVal() (time.Time, bool) { return v.ts, v.typ == TypeDate }
func (v PropertyValue) BinaryVal() ([]byte, bool)  { return v.bin, v.typ == TypeBinary }

// SerializationValue returns the canonical string form used for persistence
// and for measuring a value against the blob-promotion threshold.
func (v PropertyValue) SerializationValue() string {
	switch v.typ {
	case TypeString:
		return v.str
	case TypeInt32, TypeInt64:
		return strconv.FormatInt(v.i64, 10)
	case TypeDouble:
		return strconv.FormatFloat(v.f64, 'g', -1, 64)
	case TypeBool:
		return strconv.FormatBool(v.b)
	case TypeGUID:
		return v.gid.String()
	case TypeDate:
		return v.ts.Format(time.RFC3339Nano)
	case TypeBinary:
		return base64.StdEncoding.EncodeToString(v.bin)
	default:
		return ""
	}
}

// SerializedSize is the size in bytes of the canonical serialized form.
func (v PropertyValue) SerializedSize() int { return len(v.SerializationValue()) }

// Equal compares type and value.
func (v PropertyValue) Equal(o PropertyValue) bool {
	if v.typ != o.typ {
		return false
	}
	return v.SerializationValue() == o.SerializationValue()
}

type propertyValueJSON struct {
	Type  PropertyType `json:"type"`
	Value string       `json:"value"`
}

// MarshalJSON emits the tagged {type, value} form used in persisted payloads.
func (v PropertyValue) MarshalJSON() ([]byte, error) {
	if v.IsZero() {
		return nil, fmt.Errorf("%w: cannot serialize unset property value", apperrors.ErrValidation)
	}
	return json.Marshal(propertyValueJSON{Type: v.typ, Value: v.SerializationValue()})
}

// UnmarshalJSON parses the tagged {type, value} form, rejecting unknown type
// tags and malformed values.
func (v *PropertyValue) UnmarshalJSON(data []byte) error {
	var pj propertyValueJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return fmt.Errorf("%w: malformed property value: %v", apperrors.ErrValidation, err)
	}
	parsed, err := ParseValue(pj.Type, pj.Value)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// EntityProperty is a named, filter-classified property on an entity.
// When IsBlobRef is true the value holds a blob storage-key reference instead
// of the payload itself; the engine resolves it transparently on reads unless
// the caller asked for raw references.
type EntityProperty struct {
	Name      string         `json:"name"`
	Value     PropertyValue  `json:"value"`
	Filter    PropertyFilter `json:"filter"`
	IsBlobRef bool           `json:"is_blob_ref,omitempty"`

	// BlobValueType preserves the original value type while the value slot
	// holds a blob reference string. It is set only on persisted, unresolved
	// records; resolved snapshots carry the real value and clear it.
	BlobValueType PropertyType `json:"blob_value_type,omitempty"`
}

// NewProperty creates a Default-filtered property.
func NewProperty(name string, value PropertyValue) EntityProperty {
	return EntityProperty{Name: name, Value: value, Filter: FilterDefault}
}

// NewFilteredProperty creates a property with an explicit filter class.
func NewFilteredProperty(name string, value PropertyValue, filter PropertyFilter) EntityProperty {
	return EntityProperty{Name: name, Value: value, Filter: filter}
}

func (p EntityProperty) validate() error {
	if p.Name == "" {
		return fmt.Errorf("%w: property with empty name", apperrors.ErrValidation)
	}
	if p.Value.IsZero() {
		return fmt.Errorf("%w: property %q has no value", apperrors.ErrValidation, p.Name)
	}
	switch p.Filter {
	case FilterDefault, FilterSystem, FilterExtended:
	default:
		return fmt.Errorf("%w: property %q has unknown filter class %q", apperrors.ErrValidation, p.Name, p.Filter)
	}
	return nil
}
