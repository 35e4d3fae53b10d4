package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/adops-io/entity-engine/pkg/apperrors"
	"github.com/adops-io/entity-engine/pkg/database"
	"github.com/adops-io/entity-engine/pkg/models"
)

// IndexRecord is the index-row projection of an entity submitted on save:
// the identity columns, the version being committed, and the physical key
// the new version lives at.
type IndexRecord struct {
	Account          string
	EntityID         uuid.UUID
	Category         string
	ExternalType     string
	ExternalName     string
	Version          int64
	IsActive         bool
	LastModifiedDate time.Time
	Key              models.StorageKey
}

// IndexStore is the version-sequencing authority. It maps an external entity
// id to the storage key of its current (or a pinned historical) version and
// serializes concurrent saves: for one entity id, the version check and the
// row mutation are a single atomic unit, so two racing updates against the
// same current version produce exactly one winner.
type IndexStore interface {
	// GetStorageKey resolves the current key for an entity, or the key of
	// the pinned historical version when version is non-nil. Returns
	// (nil, nil) when the id is unknown; unknown is a normal outcome here.
	GetStorageKey(ctx context.Context, account string, entityID uuid.UUID, version *int64) (*models.StorageKey, error)

	// SaveEntity commits a version pointer. With isUpdate false it inserts a
	// brand-new row at version 0 and fails with ErrDuplicateKey if the id
	// already exists. With isUpdate true the submitted version must be
	// exactly currentVersion+1: a version at or behind current fails with
	// ErrStaleEntity, a version ahead of current+1 with ErrVersionSequence.
	// The version bump and the key-fields insert for the new version commit
	// or roll back together.
	SaveEntity(ctx context.Context, rec IndexRecord, isUpdate bool) error

	// GetEntityInfoByCategory lists active entities of a category in an
	// account without touching payload storage.
	GetEntityInfoByCategory(ctx context.Context, account, category string) ([]models.EntityInfo, error)

	// GetActiveStates reports the soft-activation state of the given ids;
	// ids with no index row are absent from the result.
	GetActiveStates(ctx context.Context, account string, ids []uuid.UUID) (map[uuid.UUID]bool, error)
}

type postgresIndexStore struct {
	db *database.DB
}

// NewPostgresIndexStore creates the Postgres-backed index store.
func NewPostgresIndexStore(db *database.DB) IndexStore {
	return &postgresIndexStore{db: db}
}

var _ IndexStore = (*postgresIndexStore)(nil)

func (s *postgresIndexStore) GetStorageKey(ctx context.Context, account string, entityID uuid.UUID, version *int64) (*models.StorageKey, error) {
	var query string
	args := []any{account, entityID}
	if version == nil {
		query = `
			SELECT k.kind, k.table_name, k.partition, k.row_id, k.container, k.blob_id, k.version, k.created_at
			FROM entity_index i
			JOIN entity_index_keys k
			  ON k.account = i.account AND k.external_id = i.external_id AND k.version = i.current_version
			WHERE i.account = $1 AND i.external_id = $2`
	} else {
		query = `
			SELECT k.kind, k.table_name, k.partition, k.row_id, k.container, k.blob_id, k.version, k.created_at
			FROM entity_index_keys k
			WHERE k.account = $1 AND k.external_id = $2 AND k.version = $3`
		args = append(args, *version)
	}

	row := s.db.Pool.QueryRow(ctx, query, args...)
	key, err := scanStorageKey(row, account)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: resolve storage key for %s: %v", apperrors.ErrDataAccess, entityID, err)
	}
	return key, nil
}

func (s *postgresIndexStore) SaveEntity(ctx context.Context, rec IndexRecord, isUpdate bool) error {
	tx, err := s.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin index transaction: %v", apperrors.ErrDataAccess, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if isUpdate {
		if err := s.bumpVersion(ctx, tx, rec); err != nil {
			return err
		}
	} else {
		if rec.Version != 0 {
			return fmt.Errorf("%w: create must start at version 0, got %d", apperrors.ErrVersionSequence, rec.Version)
		}
		if err := s.insertRow(ctx, tx, rec); err != nil {
			return err
		}
	}

	// The key-fields record for the new version. A failure here unwinds the
	// version bump with the transaction, so index and key tables never
	// disagree about which versions exist.
	if err := s.insertKeyFields(ctx, tx, rec); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("%w: commit index transaction: %v", apperrors.ErrDataAccess, err)
	}
	return nil
}

func (s *postgresIndexStore) insertRow(ctx context.Context, tx pgx.Tx, rec IndexRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO entity_index (
			account, external_id, entity_category, external_type, external_name,
			current_version, is_active, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, now(), $8)`,
		rec.Account, rec.EntityID, rec.Category, rec.ExternalType, rec.ExternalName,
		rec.Version, rec.IsActive, rec.LastModifiedDate,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: entity %s already exists", apperrors.ErrDuplicateKey, rec.EntityID)
	}
	if err != nil {
		return fmt.Errorf("%w: insert index row for %s: %v", apperrors.ErrDataAccess, rec.EntityID, err)
	}
	return nil
}

// bumpVersion performs the optimistic-concurrency check and the pointer
// mutation in one conditional UPDATE; the row's current_version is the sole
// serialization point for an entity id.
func (s *postgresIndexStore) bumpVersion(ctx context.Context, tx pgx.Tx, rec IndexRecord) error {
	tag, err := tx.Exec(ctx, `
		UPDATE entity_index
		SET current_version = $4, external_type = $5, external_name = $6,
		    is_active = $7, updated_at = $8
		WHERE account = $1 AND external_id = $2 AND current_version = $3`,
		rec.Account, rec.EntityID, rec.Version-1,
		rec.Version, rec.ExternalType, rec.ExternalName, rec.IsActive, rec.LastModifiedDate,
	)
	if err != nil {
		return fmt.Errorf("%w: bump version for %s: %v", apperrors.ErrDataAccess, rec.EntityID, err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Lost the conditional update; classify the failure.
	var current int64
	err = tx.QueryRow(ctx,
		`SELECT current_version FROM entity_index WHERE account = $1 AND external_id = $2`,
		rec.Account, rec.EntityID,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: entity %s has no index row", apperrors.ErrNotFound, rec.EntityID)
	}
	if err != nil {
		return fmt.Errorf("%w: classify version conflict for %s: %v", apperrors.ErrDataAccess, rec.EntityID, err)
	}
	if rec.Version <= current {
		return fmt.Errorf("%w: entity %s submitted version %d, current is %d",
			apperrors.ErrStaleEntity, rec.EntityID, rec.Version, current)
	}
	return fmt.Errorf("%w: entity %s submitted version %d, current is %d",
		apperrors.ErrVersionSequence, rec.EntityID, rec.Version, current)
}

func (s *postgresIndexStore) insertKeyFields(ctx context.Context, tx pgx.Tx, rec IndexRecord) error {
	k := rec.Key
	_, err := tx.Exec(ctx, `
		INSERT INTO entity_index_keys (
			account, external_id, version, kind, table_name, partition,
			row_id, container, blob_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.Account, rec.EntityID, rec.Version, string(k.Kind), k.Table, k.Partition,
		nilUUID(k.RowID), k.Container, nilUUID(k.BlobID), k.Timestamp,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: key fields for %s version %d already exist",
			apperrors.ErrDuplicateKey, rec.EntityID, rec.Version)
	}
	if err != nil {
		return fmt.Errorf("%w: insert key fields for %s: %v", apperrors.ErrDataAccess, rec.EntityID, err)
	}
	return nil
}

func (s *postgresIndexStore) GetEntityInfoByCategory(ctx context.Context, account, category string) ([]models.EntityInfo, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT external_id, entity_category, external_type, external_name,
		       current_version, is_active, updated_at
		FROM entity_index
		WHERE account = $1 AND entity_category = $2 AND is_active
		ORDER BY external_name`,
		account, category,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s entities: %v", apperrors.ErrDataAccess, category, err)
	}
	defer rows.Close()

	var infos []models.EntityInfo
	for rows.Next() {
		var info models.EntityInfo
		if err := rows.Scan(
			&info.ExternalEntityID, &info.EntityCategory, &info.ExternalType,
			&info.ExternalName, &info.LocalVersion, &info.IsActive, &info.LastModifiedDate,
		); err != nil {
			return nil, fmt.Errorf("%w: scan entity info: %v", apperrors.ErrDataAccess, err)
		}
		infos = append(infos, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate entity infos: %v", apperrors.ErrDataAccess, err)
	}
	return infos, nil
}

func (s *postgresIndexStore) GetActiveStates(ctx context.Context, account string, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	if len(ids) == 0 {
		return map[uuid.UUID]bool{}, nil
	}
	rows, err := s.db.Pool.Query(ctx, `
		SELECT external_id, is_active FROM entity_index
		WHERE account = $1 AND external_id = ANY($2)`,
		account, ids,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch active states: %v", apperrors.ErrDataAccess, err)
	}
	defer rows.Close()

	states := make(map[uuid.UUID]bool, len(ids))
	for rows.Next() {
		var id uuid.UUID
		var active bool
		if err := rows.Scan(&id, &active); err != nil {
			return nil, fmt.Errorf("%w: scan active state: %v", apperrors.ErrDataAccess, err)
		}
		states[id] = active
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate active states: %v", apperrors.ErrDataAccess, err)
	}
	return states, nil
}

func scanStorageKey(row pgx.Row, account string) (*models.StorageKey, error) {
	var (
		kind, table, partition, container string
		rowID, blobID                     *uuid.UUID
		version                           int64
		createdAt                         time.Time
	)
	if err := row.Scan(&kind, &table, &partition, &rowID, &container, &blobID, &version, &createdAt); err != nil {
		return nil, err
	}
	key := models.StorageKey{
		Kind:      models.KeyKind(kind),
		Account:   account,
		Table:     table,
		Partition: partition,
		Container: container,
		Version:   version,
		Timestamp: createdAt,
	}
	if rowID != nil {
		key.RowID = *rowID
	}
	if blobID != nil {
		key.BlobID = *blobID
	}
	return &key, nil
}

func nilUUID(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
