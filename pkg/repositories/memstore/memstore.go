// Package memstore provides in-memory implementations of the index, entity,
// and blob stores. They honor the same sequencing and immutability contracts
// as the Postgres implementations and back the unit test suite; the
// concurrency discipline (one winner per contended version) is enforced
// under a single mutex per store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/adops-io/entity-engine/pkg/apperrors"
	"github.com/adops-io/entity-engine/pkg/models"
	"github.com/adops-io/entity-engine/pkg/repositories"
)

type indexRow struct {
	rec  repositories.IndexRecord
	keys map[int64]models.StorageKey
}

// IndexStore is the in-memory version-sequencing authority.
type IndexStore struct {
	mu   sync.Mutex
	rows map[string]*indexRow

	// FailKeyFields, when set, makes the next key-fields insert fail so
	// tests can observe the version-bump rollback.
	FailKeyFields bool
}

// NewIndexStore creates an empty in-memory index.
func NewIndexStore() *IndexStore {
	return &IndexStore{rows: make(map[string]*indexRow)}
}

var _ repositories.IndexStore = (*IndexStore)(nil)

func rowKey(account string, id uuid.UUID) string {
	return account + "/" + id.String()
}

func (s *IndexStore) GetStorageKey(_ context.Context, account string, entityID uuid.UUID, version *int64) (*models.StorageKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[rowKey(account, entityID)]
	if !ok {
		return nil, nil
	}
	v := row.rec.Version
	if version != nil {
		v = *version
	}
	key, ok := row.keys[v]
	if !ok {
		return nil, nil
	}
	cp := key
	return &cp, nil
}

func (s *IndexStore) SaveEntity(_ context.Context, rec repositories.IndexRecord, isUpdate bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := rowKey(rec.Account, rec.EntityID)
	row, exists := s.rows[id]

	if !isUpdate {
		if exists {
			return fmt.Errorf("%w: entity %s already exists", apperrors.ErrDuplicateKey, rec.EntityID)
		}
		if rec.Version != 0 {
			return fmt.Errorf("%w: create must start at version 0, got %d", apperrors.ErrVersionSequence, rec.Version)
		}
		if s.FailKeyFields {
			s.FailKeyFields = false
			return fmt.Errorf("%w: key fields insert failed", apperrors.ErrDataAccess)
		}
		s.rows[id] = &indexRow{rec: rec, keys: map[int64]models.StorageKey{0: rec.Key}}
		return nil
	}

	if !exists {
		return fmt.Errorf("%w: entity %s has no index row", apperrors.ErrNotFound, rec.EntityID)
	}
	current := row.rec.Version
	switch {
	case rec.Version <= current:
		return fmt.Errorf("%w: entity %s submitted version %d, current is %d",
			apperrors.ErrStaleEntity, rec.EntityID, rec.Version, current)
	case rec.Version != current+1:
		return fmt.Errorf("%w: entity %s submitted version %d, current is %d",
			apperrors.ErrVersionSequence, rec.EntityID, rec.Version, current)
	}
	if s.FailKeyFields {
		// The bump and the key-fields record commit together; a key-fields
		// failure leaves the row exactly as it was.
		s.FailKeyFields = false
		return fmt.Errorf("%w: key fields insert failed", apperrors.ErrDataAccess)
	}
	row.rec = rec
	row.keys[rec.Version] = rec.Key
	return nil
}

func (s *IndexStore) GetEntityInfoByCategory(_ context.Context, account, category string) ([]models.EntityInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var infos []models.EntityInfo
	for _, row := range s.rows {
		rec := row.rec
		if rec.Account != account || rec.Category != category || !rec.IsActive {
			continue
		}
		infos = append(infos, models.EntityInfo{
			ExternalEntityID: rec.EntityID,
			EntityCategory:   rec.Category,
			ExternalType:     rec.ExternalType,
			ExternalName:     rec.ExternalName,
			LocalVersion:     rec.Version,
			IsActive:         rec.IsActive,
			LastModifiedDate: rec.LastModifiedDate,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ExternalName < infos[j].ExternalName })
	return infos, nil
}

func (s *IndexStore) GetActiveStates(_ context.Context, account string, ids []uuid.UUID) (map[uuid.UUID]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	states := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if row, ok := s.rows[rowKey(account, id)]; ok {
			states[id] = row.rec.IsActive
		}
	}
	return states, nil
}

// CurrentVersion reports the stored version for assertions in tests; the
// second result is false for unknown ids.
func (s *IndexStore) CurrentVersion(account string, entityID uuid.UUID) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[rowKey(account, entityID)]
	if !ok {
		return 0, false
	}
	return row.rec.Version, true
}

// EntityStore is the in-memory payload store.
type EntityStore struct {
	mu       sync.Mutex
	rows     map[string][]byte
	accounts map[string]string
}

// NewEntityStore creates an empty in-memory entity store.
func NewEntityStore() *EntityStore {
	return &EntityStore{rows: make(map[string][]byte), accounts: make(map[string]string)}
}

var _ repositories.EntityStore = (*EntityStore)(nil)

func payloadKey(key models.StorageKey) string {
	return key.Account + "/" + key.Table + "/" + key.Partition + "/" + key.RowID.String()
}

func (s *EntityStore) GetEntityByKey(_ context.Context, key models.StorageKey) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.rows[payloadKey(key)]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, nil
}

func (s *EntityStore) SaveEntity(_ context.Context, payload []byte, key models.StorageKey) (models.StorageKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := payloadKey(key)
	if _, exists := s.rows[id]; exists {
		return models.StorageKey{}, fmt.Errorf("%w: payload row %s already exists", apperrors.ErrDuplicateKey, key.RowID)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.rows[id] = cp
	key.Timestamp = time.Now().UTC()
	return key, nil
}

func (s *EntityStore) RemoveEntity(_ context.Context, key models.StorageKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, payloadKey(key))
	return nil
}

func (s *EntityStore) SetupNewCompany(_ context.Context, account, name string) (models.StorageKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account]; exists {
		return models.StorageKey{}, fmt.Errorf("%w: storage account %s already provisioned", apperrors.ErrDuplicateKey, account)
	}
	s.accounts[account] = name
	return models.NewTableKey(account, repositories.DefaultEntityTable, "", uuid.Nil, 0), nil
}

// RowCount reports the number of stored payload records.
func (s *EntityStore) RowCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// BlobStore is the in-memory blob store.
type BlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

// NewBlobStore creates an empty in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string][]byte)}
}

var _ repositories.BlobStore = (*BlobStore)(nil)

func blobKey(key models.StorageKey) string {
	return key.Account + "/" + key.Container + "/" + key.BlobID.String()
}

func (s *BlobStore) GetBlobByKey(_ context.Context, key models.StorageKey) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	payload, ok := s.blobs[blobKey(key)]
	if !ok {
		return nil, nil
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	return cp, nil
}

func (s *BlobStore) SaveBlob(_ context.Context, payload []byte, key models.StorageKey) (models.StorageKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := blobKey(key)
	if _, exists := s.blobs[id]; exists {
		return models.StorageKey{}, fmt.Errorf("%w: blob %s already exists", apperrors.ErrDuplicateKey, key.BlobID)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	s.blobs[id] = cp
	key.Timestamp = time.Now().UTC()
	return key, nil
}

func (s *BlobStore) RemoveBlob(_ context.Context, key models.StorageKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, blobKey(key))
	return nil
}

// BlobCount reports the number of stored blobs.
func (s *BlobStore) BlobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blobs)
}
