package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/adops-io/entity-engine/pkg/apperrors"
)

// KeyKind discriminates the StorageKey variants.
type KeyKind string

const (
	KeyKindTable KeyKind = "table"
	KeyKindBlob  KeyKind = "blob"
)

// StorageKey is the opaque locator for one immutable physical record: a
// table-backed row or a blob. The (external entity id, Version) pair resolved
// through the index identifies exactly one record; updates never rewrite a
// record in place, they write a new one under a fresh key and repoint the
// index.
type StorageKey struct {
	Kind      KeyKind   `json:"kind"`
	Account   string    `json:"account"`
	Table     string    `json:"table,omitempty"`
	Partition string    `json:"partition,omitempty"`
	RowID     uuid.UUID `json:"row_id,omitempty"`
	Container string    `json:"container,omitempty"`
	BlobID    uuid.UUID `json:"blob_id,omitempty"`
	Version   int64     `json:"version"`
	Timestamp time.Time `json:"timestamp"`
}

// NewTableKey builds a table-variant key addressing a payload row.
func NewTableKey(account, table, partition string, rowID uuid.UUID, version int64) StorageKey {
	return StorageKey{
		Kind:      KeyKindTable,
		Account:   account,
		Table:     table,
		Partition: partition,
		RowID:     rowID,
		Version:   version,
		Timestamp: time.Now().UTC(),
	}
}

// NewBlobKey builds a blob-variant key addressing a stored blob.
func NewBlobKey(account, container string, blobID uuid.UUID, version int64) StorageKey {
	return StorageKey{
		Kind:      KeyKindBlob,
		Account:   account,
		Container: container,
		BlobID:    blobID,
		Version:   version,
		Timestamp: time.Now().UTC(),
	}
}

// IsZero reports whether the key addresses nothing.
func (k StorageKey) IsZero() bool { return k.Kind == "" }

// Ref renders a blob key as the compact reference string stored inside a
// promoted property or association in place of its payload.
func (k StorageKey) Ref() string {
	if k.Kind != KeyKindBlob {
		return ""
	}
	return strings.Join([]string{
		"blob", k.Account, k.Container, k.BlobID.String(), strconv.FormatInt(k.Version, 10),
	}, ":")
}

// ParseBlobRef parses the reference form produced by Ref.
func ParseBlobRef(s string) (StorageKey, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 5 || parts[0] != "blob" {
		return StorageKey{}, fmt.Errorf("%w: malformed blob reference %q", apperrors.ErrValidation, s)
	}
	blobID, err := uuid.Parse(parts[3])
	if err != nil {
		return StorageKey{}, fmt.Errorf("%w: malformed blob id in reference %q", apperrors.ErrValidation, s)
	}
	version, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil {
		return StorageKey{}, fmt.Errorf("%w: malformed version in reference %q", apperrors.ErrValidation, s)
	}
	return StorageKey{
		Kind:      KeyKindBlob,
		Account:   parts[1],
		Container: parts[2],
		BlobID:    blobID,
		Version:   version,
	}, nil
}
