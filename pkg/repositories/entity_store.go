package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/adops-io/entity-engine/pkg/apperrors"
	"github.com/adops-io/entity-engine/pkg/database"
	"github.com/adops-io/entity-engine/pkg/models"
)

// EntityStore persists entity payloads as immutable records. Every write is
// addressed by a fresh key, so historical versions stay retrievable as long
// as the index retains their key-fields record.
type EntityStore interface {
	// GetEntityByKey fetches the raw payload at a key. Returns (nil, nil)
	// when no record exists there; not-found is a normal outcome at this
	// layer.
	GetEntityByKey(ctx context.Context, key models.StorageKey) ([]byte, error)

	// SaveEntity writes a payload under the given fresh key and returns the
	// key with its timestamp assigned.
	SaveEntity(ctx context.Context, payload []byte, key models.StorageKey) (models.StorageKey, error)

	// RemoveEntity deletes the record at a key. Used only to unwind a
	// payload write whose index commit failed.
	RemoveEntity(ctx context.Context, key models.StorageKey) error

	// SetupNewCompany provisions the physical storage for a tenant and
	// returns the table key new records will be addressed under.
	SetupNewCompany(ctx context.Context, account, name string) (models.StorageKey, error)
}

// DefaultEntityTable is the logical table new companies are provisioned
// with.
const DefaultEntityTable = "entities"

type postgresEntityStore struct {
	db *database.DB
}

// NewPostgresEntityStore creates the Postgres-backed entity payload store.
func NewPostgresEntityStore(db *database.DB) EntityStore {
	return &postgresEntityStore{db: db}
}

var _ EntityStore = (*postgresEntityStore)(nil)

func (s *postgresEntityStore) GetEntityByKey(ctx context.Context, key models.StorageKey) ([]byte, error) {
	if key.Kind != models.KeyKindTable {
		return nil, fmt.Errorf("%w: entity store requires a table key, got %q", apperrors.ErrValidation, key.Kind)
	}
	var payload []byte
	err := s.db.Pool.QueryRow(ctx, `
		SELECT payload FROM entity_payloads
		WHERE account = $1 AND table_name = $2 AND partition = $3 AND row_id = $4`,
		key.Account, key.Table, key.Partition, key.RowID,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: fetch payload row %s: %v", apperrors.ErrDataAccess, key.RowID, err)
	}
	return payload, nil
}

func (s *postgresEntityStore) SaveEntity(ctx context.Context, payload []byte, key models.StorageKey) (models.StorageKey, error) {
	if key.Kind != models.KeyKindTable {
		return models.StorageKey{}, fmt.Errorf("%w: entity store requires a table key, got %q", apperrors.ErrValidation, key.Kind)
	}
	key.Timestamp = time.Now().UTC()
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO entity_payloads (account, table_name, partition, row_id, version, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.Account, key.Table, key.Partition, key.RowID, key.Version, payload, key.Timestamp,
	)
	if isUniqueViolation(err) {
		return models.StorageKey{}, fmt.Errorf("%w: payload row %s already exists", apperrors.ErrDuplicateKey, key.RowID)
	}
	if err != nil {
		return models.StorageKey{}, fmt.Errorf("%w: insert payload row %s: %v", apperrors.ErrDataAccess, key.RowID, err)
	}
	return key, nil
}

func (s *postgresEntityStore) RemoveEntity(ctx context.Context, key models.StorageKey) error {
	_, err := s.db.Pool.Exec(ctx, `
		DELETE FROM entity_payloads
		WHERE account = $1 AND table_name = $2 AND partition = $3 AND row_id = $4`,
		key.Account, key.Table, key.Partition, key.RowID,
	)
	if err != nil {
		return fmt.Errorf("%w: remove payload row %s: %v", apperrors.ErrDataAccess, key.RowID, err)
	}
	return nil
}

func (s *postgresEntityStore) SetupNewCompany(ctx context.Context, account, name string) (models.StorageKey, error) {
	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO storage_accounts (account, company_name, table_name, container, created_at)
		VALUES ($1, $2, $3, $4, now())`,
		account, name, DefaultEntityTable, DefaultBlobContainer,
	)
	if isUniqueViolation(err) {
		return models.StorageKey{}, fmt.Errorf("%w: storage account %s already provisioned", apperrors.ErrDuplicateKey, account)
	}
	if err != nil {
		return models.StorageKey{}, fmt.Errorf("%w: provision storage account %s: %v", apperrors.ErrDataAccess, account, err)
	}
	return models.NewTableKey(account, DefaultEntityTable, "", uuid.Nil, 0), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
