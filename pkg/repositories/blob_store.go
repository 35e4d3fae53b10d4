package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/adops-io/entity-engine/pkg/apperrors"
	"github.com/adops-io/entity-engine/pkg/database"
	"github.com/adops-io/entity-engine/pkg/models"
)

// DefaultBlobContainer is the logical container promoted values live in.
const DefaultBlobContainer = "entity-blobs"

// BlobStore persists oversized property and association values that were
// promoted out of entity payloads. Like the entity store, records are
// immutable and addressed by fresh keys.
type BlobStore interface {
	// GetBlobByKey fetches a blob payload; (nil, nil) when absent.
	GetBlobByKey(ctx context.Context, key models.StorageKey) ([]byte, error)

	// SaveBlob writes a payload under the given fresh blob key and returns
	// the key with its timestamp assigned.
	SaveBlob(ctx context.Context, payload []byte, key models.StorageKey) (models.StorageKey, error)

	// RemoveBlob deletes a blob. Used to unwind failed saves; orphaned
	// historical blobs are reclaimed out of band.
	RemoveBlob(ctx context.Context, key models.StorageKey) error
}

type postgresBlobStore struct {
	db *database.DB
}

// NewPostgresBlobStore creates the Postgres-backed blob store.
func NewPostgresBlobStore(db *database.DB) BlobStore {
	return &postgresBlobStore{db: db}
}

var _ BlobStore = (*postgresBlobStore)(nil)

func (s *postgresBlobStore) GetBlobByKey(ctx context.Context, key models.StorageKey) ([]byte, error) {
	if key.Kind != models.KeyKindBlob {
		return nil, fmt.Errorf("%w: blob store requires a blob key, got %q", apperrors.ErrValidation, key.Kind)
	}
	var payload []byte
	err := s.db.Pool.QueryRow(ctx, `
		SELECT payload FROM entity_blobs
		WHERE account = $1 AND container = $2 AND blob_id = $3`,
		key.Account, key.Container, key.BlobID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch blob %s: %v", apperrors.ErrDataAccess, key.BlobID, err)
	}
	return payload, nil
}

func (s *postgresBlobStore) SaveBlob(ctx context.Context, payload []byte, key models.StorageKey) (models.StorageKey, error) {
	if key.Kind != models.KeyKindBlob {
		return models.StorageKey{}, fmt.Errorf("%w: blob store requires a blob key, got %q", apperrors.ErrValidation, key.Kind)
	}
	key.Timestamp = time.Now().UTC()
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO entity_blobs (account, container, blob_id, version, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		key.Account, key.Container, key.BlobID, key.Version, payload, key.Timestamp,
	)
	if isUniqueViolation(err) {
		return models.StorageKey{}, fmt.Errorf("%w: blob %s already exists", apperrors.ErrDuplicateKey, key.BlobID)
	}
	if err != nil {
		return models.StorageKey{}, fmt.Errorf("%w: insert blob %s: %v", apperrors.ErrDataAccess, key.BlobID, err)
	}
	return key, nil
}

func (s *postgresBlobStore) RemoveBlob(ctx context.Context, key models.StorageKey) error {
	_, err := s.db.Pool.Exec(ctx, `
		DELETE FROM entity_blobs
		WHERE account = $1 AND container = $2 AND blob_id = $3`,
		key.Account, key.Container, key.BlobID,
	)
	if err != nil {
		return fmt.Errorf("%w: remove blob %s: %v", apperrors.ErrDataAccess, key.BlobID, err)
	}
	return nil
}
