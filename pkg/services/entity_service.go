package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/adops-io/entity-engine/pkg/apperrors"
	"github.com/adops-io/entity-engine/pkg/metrics"
	"github.com/adops-io/entity-engine/pkg/models"
	"github.com/adops-io/entity-engine/pkg/repositories"
)

// BatchResult carries the per-entity outcome of a batch save. Batches are
// best-effort: entities succeed or fail independently and there is no
// cross-entity rollback.
type BatchResult struct {
	Entity *models.Entity
	Err    error
}

// EntityService composes the index, entity, and blob stores into the
// engine's save/get/associate operations: create-vs-update detection,
// filter-scoped merging, heavy-value promotion, version sequencing, and
// rollback of partial writes. It owns the write path exclusively; callers
// never address physical storage.
type EntityService interface {
	// SaveEntity persists an entity. A new id is created at version 0; an
	// existing id is merged against its stored copy under the request's
	// filter (unless ForceOverwrite) and committed at the next version.
	// The returned snapshot carries the committed version and key.
	SaveEntity(ctx context.Context, rc models.RequestContext, entity *models.Entity) (*models.Entity, error)

	// SaveEntities saves a batch best-effort, one result per input.
	SaveEntities(ctx context.Context, rc models.RequestContext, entities []*models.Entity) []BatchResult

	// GetEntity fetches an entity, honoring a pinned historical version in
	// the request filter. Fails with ErrNotFound for unknown ids.
	GetEntity(ctx context.Context, rc models.RequestContext, id uuid.UUID) (*models.Entity, error)

	// TryGetEntity is GetEntity returning (nil, nil) for unknown ids.
	TryGetEntity(ctx context.Context, rc models.RequestContext, id uuid.UUID) (*models.Entity, error)

	// GetEntitiesByID fetches all requested ids; any missing id fails the
	// call with ErrNotFound.
	GetEntitiesByID(ctx context.Context, rc models.RequestContext, ids []uuid.UUID) ([]*models.Entity, error)

	// TryGetEntities fetches the ids that exist and skips the rest.
	TryGetEntities(ctx context.Context, rc models.RequestContext, ids []uuid.UUID) ([]*models.Entity, error)

	// AssociateEntities adds (or, with replace, substitutes) the
	// associations of one collection on the source entity. Explicit
	// association mutation always takes effect regardless of the filter's
	// association flag, but the operation is still a versioned save.
	AssociateEntities(ctx context.Context, rc models.RequestContext, sourceID uuid.UUID, collectionName string, targets []models.Association, assocType models.AssociationType, replace bool) (*models.Entity, error)

	// SetEntityStatus soft-activates or deactivates entities. Deactivated
	// entities disappear from listings and association traversal but remain
	// directly readable; each status change consumes a version.
	SetEntityStatus(ctx context.Context, rc models.RequestContext, ids []uuid.UUID, active bool) error

	// TryUpdateEntity merges only the given properties onto the current
	// version. Returns false instead of an error when the update cannot be
	// applied.
	TryUpdateEntity(ctx context.Context, rc models.RequestContext, id uuid.UUID, properties []models.EntityProperty) bool

	// GetEntityInfoByCategory lists active entities of a category, filtered
	// by the request's query predicates.
	GetEntityInfoByCategory(ctx context.Context, rc models.RequestContext, category string) ([]models.EntityInfo, error)

	// SetupNewCompany provisions tenant storage and returns its table key.
	SetupNewCompany(ctx context.Context, rc models.RequestContext, name string) (models.StorageKey, error)
}

type entityService struct {
	index     repositories.IndexStore
	entities  repositories.EntityStore
	blobs     repositories.BlobStore
	registry  *models.Registry
	threshold int
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// NewEntityService creates the storage orchestration service. threshold is
// the serialized-value size in bytes above which values move to blob
// storage.
func NewEntityService(
	index repositories.IndexStore,
	entities repositories.EntityStore,
	blobs repositories.BlobStore,
	registry *models.Registry,
	threshold int,
	m *metrics.Metrics,
	logger *zap.Logger,
) EntityService {
	return &entityService{
		index:     index,
		entities:  entities,
		blobs:     blobs,
		registry:  registry,
		threshold: threshold,
		metrics:   m,
		logger:    logger.Named("entity-service"),
	}
}

var _ EntityService = (*entityService)(nil)

func (s *entityService) SaveEntity(ctx context.Context, rc models.RequestContext, entity *models.Entity) (*models.Entity, error) {
	start := time.Now()
	saved, err := s.save(ctx, rc, entity)
	s.metrics.SaveDuration.Observe(time.Since(start).Seconds())
	s.metrics.Saves.WithLabelValues(saveOutcome(err, saved)).Inc()
	return saved, err
}

func saveOutcome(err error, saved *models.Entity) string {
	switch {
	case errors.Is(err, apperrors.ErrStaleEntity):
		return "stale"
	case errors.Is(err, apperrors.ErrVersionSequence):
		return "sequence"
	case errors.Is(err, apperrors.ErrValidation):
		return "validation"
	case err != nil:
		return "error"
	case saved != nil && saved.LocalVersion == 0:
		return "created"
	default:
		return "updated"
	}
}

func (s *entityService) save(ctx context.Context, rc models.RequestContext, entity *models.Entity) (*models.Entity, error) {
	if err := s.registry.Validate(entity); err != nil {
		return nil, err
	}
	account := rc.StorageAccount()

	currentKey, err := s.index.GetStorageKey(ctx, account, entity.ExternalEntityID, nil)
	if err != nil {
		return nil, err
	}
	isUpdate := currentKey != nil

	var toWrite *models.Entity
	switch {
	case rc.ForceOverwrite:
		toWrite = entity.Clone()
	case isUpdate:
		stored, err := s.fetchRaw(ctx, *currentKey)
		if err != nil {
			return nil, err
		}
		toWrite = mergeEntities(stored, entity, rc.Filter())
	default:
		toWrite = applyWriteFilter(entity, rc.Filter())
	}

	if isUpdate {
		toWrite.LocalVersion = entity.LocalVersion + 1
	} else {
		toWrite.LocalVersion = entity.LocalVersion
		if toWrite.CreateDate.IsZero() {
			toWrite.CreateDate = time.Now().UTC()
		}
	}
	if _, hasStatus := toWrite.Property(models.StatusPropertyName); !hasStatus {
		toWrite.SetProperty(models.NewFilteredProperty(
			models.StatusPropertyName, models.NewStringValue(models.StatusActive), models.FilterSystem))
	}
	toWrite.LastModifiedDate = time.Now().UTC()
	toWrite.LastModifiedUser = rc.UserID

	if err := toWrite.Validate(); err != nil {
		return nil, err
	}
	return s.commit(ctx, account, toWrite, isUpdate)
}

// commit runs the physical write sequence: heavy-value promotion, payload
// write under a fresh key, then the index version commit. A failed index
// commit unwinds the payload row and any blobs written for this save, so a
// losing writer leaves nothing behind.
func (s *entityService) commit(ctx context.Context, account string, toWrite *models.Entity, isUpdate bool) (*models.Entity, error) {
	writtenBlobs, err := s.promoteHeavyValues(ctx, account, toWrite)
	if err != nil {
		s.cleanupBlobs(ctx, writtenBlobs)
		return nil, err
	}

	key := models.NewTableKey(
		account, repositories.DefaultEntityTable, toWrite.ExternalEntityID.String(),
		uuid.New(), toWrite.LocalVersion)
	toWrite.Key = key

	payload, err := models.EncodeEntity(toWrite)
	if err != nil {
		s.cleanupBlobs(ctx, writtenBlobs)
		return nil, err
	}
	savedKey, err := s.entities.SaveEntity(ctx, payload, key)
	if err != nil {
		s.cleanupBlobs(ctx, writtenBlobs)
		return nil, err
	}

	rec := repositories.IndexRecord{
		Account:          account,
		EntityID:         toWrite.ExternalEntityID,
		Category:         toWrite.EntityCategory,
		ExternalType:     toWrite.ExternalType,
		ExternalName:     toWrite.ExternalName,
		Version:          toWrite.LocalVersion,
		IsActive:         toWrite.Status() == models.StatusActive,
		LastModifiedDate: toWrite.LastModifiedDate,
		Key:              savedKey,
	}
	if err := s.index.SaveEntity(ctx, rec, isUpdate); err != nil {
		if rmErr := s.entities.RemoveEntity(ctx, savedKey); rmErr != nil {
			s.logger.Warn("failed to unwind payload after index commit failure",
				zap.String("entity_id", toWrite.ExternalEntityID.String()),
				zap.Error(rmErr))
		}
		s.cleanupBlobs(ctx, writtenBlobs)
		return nil, err
	}

	snapshot := toWrite.Clone()
	snapshot.Key = savedKey
	return snapshot, nil
}

func (s *entityService) cleanupBlobs(ctx context.Context, keys []models.StorageKey) {
	for _, key := range keys {
		if err := s.blobs.RemoveBlob(ctx, key); err != nil {
			s.logger.Warn("failed to unwind blob after save failure",
				zap.String("blob_id", key.BlobID.String()), zap.Error(err))
		}
	}
}

func (s *entityService) SaveEntities(ctx context.Context, rc models.RequestContext, entities []*models.Entity) []BatchResult {
	results := make([]BatchResult, len(entities))
	for i, e := range entities {
		saved, err := s.SaveEntity(ctx, rc, e)
		results[i] = BatchResult{Entity: saved, Err: err}
	}
	return results
}

// fetchRaw reads the payload at a key without filtering or blob
// resolution. Merge and status operations work on this form so untouched
// blob references pass through unchanged.
func (s *entityService) fetchRaw(ctx context.Context, key models.StorageKey) (*models.Entity, error) {
	payload, err := s.entities.GetEntityByKey(ctx, key)
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("%w: index points at missing payload row %s", apperrors.ErrDataAccess, key.RowID)
	}
	e, err := models.DecodeEntity(payload)
	if err != nil {
		return nil, err
	}
	e.Key = key
	return e, nil
}

func (s *entityService) GetEntity(ctx context.Context, rc models.RequestContext, id uuid.UUID) (*models.Entity, error) {
	e, err := s.TryGetEntity(ctx, rc, id)
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("%w: entity %s", apperrors.ErrNotFound, id)
	}
	return e, nil
}

func (s *entityService) TryGetEntity(ctx context.Context, rc models.RequestContext, id uuid.UUID) (*models.Entity, error) {
	filter := rc.Filter()
	key, err := s.index.GetStorageKey(ctx, rc.StorageAccount(), id, filter.PinnedVersion)
	if err != nil {
		s.metrics.Fetches.WithLabelValues("error").Inc()
		return nil, err
	}
	if key == nil {
		s.metrics.Fetches.WithLabelValues("miss").Inc()
		return nil, nil
	}

	e, err := s.fetchRaw(ctx, *key)
	if err != nil {
		s.metrics.Fetches.WithLabelValues("error").Inc()
		return nil, err
	}
	if !rc.ReturnBlobReferences {
		if err := s.resolveBlobRefs(ctx, e); err != nil {
			s.metrics.Fetches.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("%w: %v", apperrors.ErrDataAccess, err)
		}
	}
	applyReadFilter(e, filter)
	if filter.IncludeAssociations {
		if err := s.dropInactiveTargets(ctx, rc.StorageAccount(), e); err != nil {
			s.metrics.Fetches.WithLabelValues("error").Inc()
			return nil, err
		}
	}
	s.metrics.Fetches.WithLabelValues("hit").Inc()
	return e, nil
}

// dropInactiveTargets removes associations pointing at soft-deactivated
// entities; targets unknown to this account's index are kept.
func (s *entityService) dropInactiveTargets(ctx context.Context, account string, e *models.Entity) error {
	if len(e.Associations) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(e.Associations))
	for _, a := range e.Associations {
		ids = append(ids, a.TargetEntityID)
	}
	states, err := s.index.GetActiveStates(ctx, account, ids)
	if err != nil {
		return err
	}
	kept := e.Associations[:0]
	for _, a := range e.Associations {
		if active, known := states[a.TargetEntityID]; known && !active {
			continue
		}
		kept = append(kept, a)
	}
	e.Associations = kept
	return nil
}

func (s *entityService) GetEntitiesByID(ctx context.Context, rc models.RequestContext, ids []uuid.UUID) ([]*models.Entity, error) {
	out := make([]*models.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := s.TryGetEntity(ctx, rc, id)
		if err != nil {
			return nil, err
		}
		if e == nil {
			return nil, fmt.Errorf("%w: entity %s", apperrors.ErrNotFound, id)
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *entityService) TryGetEntities(ctx context.Context, rc models.RequestContext, ids []uuid.UUID) ([]*models.Entity, error) {
	out := make([]*models.Entity, 0, len(ids))
	for _, id := range ids {
		e, err := s.TryGetEntity(ctx, rc, id)
		if err != nil {
			return nil, err
		}
		if e != nil {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *entityService) AssociateEntities(ctx context.Context, rc models.RequestContext, sourceID uuid.UUID, collectionName string, targets []models.Association, assocType models.AssociationType, replace bool) (*models.Entity, error) {
	if collectionName == "" {
		return nil, fmt.Errorf("%w: empty association collection name", apperrors.ErrValidation)
	}
	account := rc.StorageAccount()
	key, err := s.index.GetStorageKey(ctx, account, sourceID, nil)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, fmt.Errorf("%w: entity %s", apperrors.ErrNotFound, sourceID)
	}
	stored, err := s.fetchRaw(ctx, *key)
	if err != nil {
		return nil, err
	}

	group := make([]models.Association, 0, len(targets))
	for _, t := range targets {
		t.Name = collectionName
		t.AssociationType = assocType
		group = append(group, t)
	}

	toWrite := stored.Clone()
	if replace {
		toWrite.ReplaceAssociationGroup(collectionName, group)
	} else {
		for _, a := range group {
			toWrite.UpsertAssociation(a)
		}
	}
	toWrite.LocalVersion = stored.LocalVersion + 1
	toWrite.LastModifiedDate = time.Now().UTC()
	toWrite.LastModifiedUser = rc.UserID
	if err := toWrite.Validate(); err != nil {
		return nil, err
	}

	saved, err := s.commit(ctx, account, toWrite, true)
	s.metrics.Saves.WithLabelValues(saveOutcome(err, saved)).Inc()
	return saved, err
}

func (s *entityService) SetEntityStatus(ctx context.Context, rc models.RequestContext, ids []uuid.UUID, active bool) error {
	status := models.StatusInactive
	if active {
		status = models.StatusActive
	}
	account := rc.StorageAccount()
	for _, id := range ids {
		key, err := s.index.GetStorageKey(ctx, account, id, nil)
		if err != nil {
			return err
		}
		if key == nil {
			return fmt.Errorf("%w: entity %s", apperrors.ErrNotFound, id)
		}
		stored, err := s.fetchRaw(ctx, *key)
		if err != nil {
			return err
		}
		toWrite := stored.Clone()
		toWrite.SetProperty(models.NewFilteredProperty(
			models.StatusPropertyName, models.NewStringValue(status), models.FilterSystem))
		toWrite.LocalVersion = stored.LocalVersion + 1
		toWrite.LastModifiedDate = time.Now().UTC()
		toWrite.LastModifiedUser = rc.UserID

		saved, err := s.commit(ctx, account, toWrite, true)
		s.metrics.Saves.WithLabelValues(saveOutcome(err, saved)).Inc()
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *entityService) TryUpdateEntity(ctx context.Context, rc models.RequestContext, id uuid.UUID, properties []models.EntityProperty) bool {
	account := rc.StorageAccount()
	key, err := s.index.GetStorageKey(ctx, account, id, nil)
	if err != nil || key == nil {
		return false
	}
	stored, err := s.fetchRaw(ctx, *key)
	if err != nil {
		return false
	}
	filter := rc.Filter()
	toWrite := stored.Clone()
	for _, p := range properties {
		if !filter.Includes(p.Filter) {
			return false
		}
		toWrite.SetProperty(p)
	}
	toWrite.LocalVersion = stored.LocalVersion + 1
	toWrite.LastModifiedDate = time.Now().UTC()
	toWrite.LastModifiedUser = rc.UserID
	if err := toWrite.Validate(); err != nil {
		return false
	}

	saved, err := s.commit(ctx, account, toWrite, true)
	s.metrics.Saves.WithLabelValues(saveOutcome(err, saved)).Inc()
	if err != nil {
		s.logger.Debug("try-update failed",
			zap.String("entity_id", id.String()), zap.Error(err))
		return false
	}
	return true
}

func (s *entityService) GetEntityInfoByCategory(ctx context.Context, rc models.RequestContext, category string) ([]models.EntityInfo, error) {
	infos, err := s.index.GetEntityInfoByCategory(ctx, rc.StorageAccount(), category)
	if err != nil {
		return nil, err
	}
	filter := rc.Filter()
	if len(filter.QueryPredicates) == 0 {
		return infos, nil
	}

	// Query predicates need property values, which live in payloads.
	matched := make([]models.EntityInfo, 0, len(infos))
	for _, info := range infos {
		e, err := s.TryGetEntity(ctx, rc, info.ExternalEntityID)
		if err != nil {
			return nil, err
		}
		if e != nil && filter.MatchesQuery(e) {
			matched = append(matched, info)
		}
	}
	return matched, nil
}

func (s *entityService) SetupNewCompany(ctx context.Context, rc models.RequestContext, name string) (models.StorageKey, error) {
	if name == "" {
		return models.StorageKey{}, fmt.Errorf("%w: empty company name", apperrors.ErrValidation)
	}
	key, err := s.entities.SetupNewCompany(ctx, rc.StorageAccount(), name)
	if err != nil {
		return models.StorageKey{}, err
	}
	s.logger.Info("provisioned company storage",
		zap.String("account", rc.StorageAccount()), zap.String("company", name))
	return key, nil
}
