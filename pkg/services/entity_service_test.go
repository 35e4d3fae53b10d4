package services

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/adops-io/entity-engine/pkg/apperrors"
	"github.com/adops-io/entity-engine/pkg/metrics"
	"github.com/adops-io/entity-engine/pkg/models"
	"github.com/adops-io/entity-engine/pkg/repositories/memstore"
)

const testThreshold = 64

type serviceFixture struct {
	svc      EntityService
	index    *memstore.IndexStore
	entities *memstore.EntityStore
	blobs    *memstore.BlobStore
	rc       models.RequestContext
}

func setupEntityServiceTest(t *testing.T) *serviceFixture {
	t.Helper()

	index := memstore.NewIndexStore()
	entities := memstore.NewEntityStore()
	blobs := memstore.NewBlobStore()
	svc := NewEntityService(index, entities, blobs, models.DefaultRegistry(), testThreshold, metrics.New(), zap.NewNop())

	return &serviceFixture{
		svc:      svc,
		index:    index,
		entities: entities,
		blobs:    blobs,
		rc: models.RequestContext{
			ExternalCompanyID: uuid.New(),
			UserID:            "test-user",
			EntityFilter:      models.FullFilter(),
		},
	}
}

func newCampaign(name string) *models.Entity {
	e := models.NewEntity(uuid.New(), models.CategoryCampaign, name)
	e.SetProperty(models.NewProperty("Budget", models.NewInt64Value(5000)))
	return e
}

func TestEntityService_SaveEntity_CreateStartsAtVersionZero(t *testing.T) {
	f := setupEntityServiceTest(t)

	saved, err := f.svc.SaveEntity(context.Background(), f.rc, newCampaign("spring-launch"))
	require.NoError(t, err)

	assert.Equal(t, int64(0), saved.LocalVersion)
	assert.Equal(t, "test-user", saved.LastModifiedUser)
	assert.False(t, saved.Key.IsZero())
	assert.Equal(t, models.StatusActive, saved.Status())

	current, ok := f.index.CurrentVersion(f.rc.StorageAccount(), saved.ExternalEntityID)
	require.True(t, ok)
	assert.Equal(t, int64(0), current)
}

func TestEntityService_SaveEntity_VersionsAdvanceByOne(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	v0, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("seq"))
	require.NoError(t, err)

	v0.SetProperty(models.NewProperty("Budget", models.NewInt64Value(6000)))
	v1, err := f.svc.SaveEntity(ctx, f.rc, v0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.LocalVersion)

	v1.SetProperty(models.NewProperty("Budget", models.NewInt64Value(7000)))
	v2, err := f.svc.SaveEntity(ctx, f.rc, v1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.LocalVersion)

	// Each save wrote a fresh immutable row.
	assert.Equal(t, 3, f.entities.RowCount())
}

func TestEntityService_SaveEntity_StaleSnapshotRejected(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	v0, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("stale"))
	require.NoError(t, err)

	stale := v0.Clone()
	_, err = f.svc.SaveEntity(ctx, f.rc, v0)
	require.NoError(t, err)

	// The snapshot still at version 0 lost the race with the committed v1.
	_, err = f.svc.SaveEntity(ctx, f.rc, stale)
	assert.ErrorIs(t, err, apperrors.ErrStaleEntity)
}

func TestEntityService_SaveEntity_VersionGapRejected(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	v0, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("gap"))
	require.NoError(t, err)

	ahead := v0.Clone()
	ahead.LocalVersion = 5
	_, err = f.svc.SaveEntity(ctx, f.rc, ahead)
	assert.ErrorIs(t, err, apperrors.ErrVersionSequence)

	current, ok := f.index.CurrentVersion(f.rc.StorageAccount(), v0.ExternalEntityID)
	require.True(t, ok)
	assert.Equal(t, int64(0), current)
}

func TestEntityService_SaveEntity_ConcurrentWritersOneWins(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	v0, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("contended"))
	require.NoError(t, err)

	snapshots := []*models.Entity{v0.Clone(), v0.Clone()}
	snapshots[0].SetProperty(models.NewProperty("Budget", models.NewInt64Value(1)))
	snapshots[1].SetProperty(models.NewProperty("Budget", models.NewInt64Value(2)))

	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range snapshots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.SaveEntity(ctx, f.rc, snapshots[i])
		}(i)
	}
	wg.Wait()

	var wins, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, apperrors.ErrStaleEntity):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins, "exactly one writer must win")
	assert.Equal(t, 1, stale, "the loser must see a stale-version failure")

	current, ok := f.index.CurrentVersion(f.rc.StorageAccount(), v0.ExternalEntityID)
	require.True(t, ok)
	assert.Equal(t, int64(1), current)

	// The loser's payload row was unwound: v0 plus the winner's v1.
	assert.Equal(t, 2, f.entities.RowCount())
}

func TestEntityService_SaveEntity_IndexFailureUnwindsPayloadAndBlobs(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	v0, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("rollback"))
	require.NoError(t, err)
	require.Equal(t, 1, f.entities.RowCount())
	require.Equal(t, 0, f.blobs.BlobCount())

	heavy := v0.Clone()
	heavy.SetProperty(models.NewFilteredProperty(
		"Script", models.NewStringValue(strings.Repeat("x", testThreshold+1)), models.FilterExtended))

	f.index.FailKeyFields = true
	_, err = f.svc.SaveEntity(ctx, f.rc, heavy)
	require.ErrorIs(t, err, apperrors.ErrDataAccess)

	assert.Equal(t, 1, f.entities.RowCount(), "failed save must not leave a payload row")
	assert.Equal(t, 0, f.blobs.BlobCount(), "failed save must not leave blobs")
	current, ok := f.index.CurrentVersion(f.rc.StorageAccount(), v0.ExternalEntityID)
	require.True(t, ok)
	assert.Equal(t, int64(0), current)
}

func TestEntityService_SaveEntity_MergePreservesExcludedClasses(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	full := newCampaign("merge")
	full.SetProperty(models.NewFilteredProperty(
		"InternalScore", models.NewInt32Value(42), models.FilterExtended))
	v0, err := f.svc.SaveEntity(ctx, f.rc, full)
	require.NoError(t, err)

	// Default-only writer: extended class is out of scope for this save.
	narrow := f.rc
	narrow.EntityFilter = models.DefaultFilter()
	update := v0.Clone()
	update.Properties = nil
	update.SetProperty(models.NewProperty("Budget", models.NewInt64Value(9000)))
	_, err = f.svc.SaveEntity(ctx, narrow, update)
	require.NoError(t, err)

	got, err := f.svc.GetEntity(ctx, f.rc, v0.ExternalEntityID)
	require.NoError(t, err)

	budget, ok := got.Property("Budget")
	require.True(t, ok)
	i, _ := budget.Value.Int64Val()
	assert.Equal(t, int64(9000), i)

	score, ok := got.Property("InternalScore")
	require.True(t, ok, "excluded extended property must survive the merge")
	n, _ := score.Value.Int32Val()
	assert.Equal(t, int32(42), n)
}

func TestEntityService_SaveEntity_ExcludedClassWritesAreBlocked(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	v0, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("blocked"))
	require.NoError(t, err)

	// A writer whose filter excludes extended properties cannot sneak one in.
	narrow := f.rc
	narrow.EntityFilter = models.DefaultFilter()
	update := v0.Clone()
	update.SetProperty(models.NewFilteredProperty(
		"Ext", models.NewStringValue("x"), models.FilterExtended))
	v1, err := f.svc.SaveEntity(ctx, narrow, update)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v1.LocalVersion, "the save still consumes a version")

	got, err := f.svc.GetEntity(ctx, f.rc, v0.ExternalEntityID)
	require.NoError(t, err)
	_, ok := got.Property("Ext")
	assert.False(t, ok, "the excluded-class write never reached storage")

	// With the extended class enabled the same save goes through.
	withExt := got.Clone()
	withExt.SetProperty(models.NewFilteredProperty(
		"Ext", models.NewStringValue("x"), models.FilterExtended))
	v2, err := f.svc.SaveEntity(ctx, f.rc, withExt)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v2.LocalVersion)

	got, err = f.svc.GetEntity(ctx, f.rc, v0.ExternalEntityID)
	require.NoError(t, err)
	ext, ok := got.Property("Ext")
	require.True(t, ok)
	s, _ := ext.Value.StringVal()
	assert.Equal(t, "x", s)
}

func TestEntityService_VersionedRead_AssociationsAreVersioned(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	company, err := f.svc.SaveEntity(ctx, f.rc, models.NewEntity(uuid.New(), models.CategoryCompany, "acme"))
	require.NoError(t, err)
	c1, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("c1"))
	require.NoError(t, err)
	c2, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("c2"))
	require.NoError(t, err)

	// v1: associated with c1. v2: collection replaced with c2.
	_, err = f.svc.AssociateEntities(ctx, f.rc, company.ExternalEntityID, "Campaigns",
		[]models.Association{{TargetEntityID: c1.ExternalEntityID, TargetCategory: models.CategoryCampaign}},
		models.AssociationChild, true)
	require.NoError(t, err)
	_, err = f.svc.AssociateEntities(ctx, f.rc, company.ExternalEntityID, "Campaigns",
		[]models.Association{{TargetEntityID: c2.ExternalEntityID, TargetCategory: models.CategoryCampaign}},
		models.AssociationChild, true)
	require.NoError(t, err)

	pinned := f.rc
	pin := int64(1)
	pinned.EntityFilter = models.FullFilter()
	pinned.EntityFilter.PinnedVersion = &pin
	old, err := f.svc.GetEntity(ctx, pinned, company.ExternalEntityID)
	require.NoError(t, err)
	group := old.AssociationGroup("Campaigns")
	require.Len(t, group, 1)
	assert.Equal(t, c1.ExternalEntityID, group[0].TargetEntityID,
		"a pinned read returns the association set as of that version")
}

func TestEntityService_SaveEntity_IncludedClassRemovalsTakeEffect(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	e := newCampaign("removal")
	e.SetProperty(models.NewProperty("Region", models.NewStringValue("emea")))
	v0, err := f.svc.SaveEntity(ctx, f.rc, e)
	require.NoError(t, err)

	update := v0.Clone()
	update.RemoveProperty("Region")
	_, err = f.svc.SaveEntity(ctx, f.rc, update)
	require.NoError(t, err)

	got, err := f.svc.GetEntity(ctx, f.rc, v0.ExternalEntityID)
	require.NoError(t, err)
	_, ok := got.Property("Region")
	assert.False(t, ok, "omitting an included-class property deletes it")
}

func TestEntityService_SaveEntity_ForceOverwriteBypassesMerge(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	full := newCampaign("force")
	full.SetProperty(models.NewFilteredProperty(
		"InternalScore", models.NewInt32Value(7), models.FilterExtended))
	v0, err := f.svc.SaveEntity(ctx, f.rc, full)
	require.NoError(t, err)

	force := f.rc
	force.EntityFilter = models.DefaultFilter()
	force.ForceOverwrite = true
	replacement := v0.Clone()
	replacement.Properties = nil
	replacement.SetProperty(models.NewProperty("Budget", models.NewInt64Value(1)))
	_, err = f.svc.SaveEntity(ctx, force, replacement)
	require.NoError(t, err)

	got, err := f.svc.GetEntity(ctx, f.rc, v0.ExternalEntityID)
	require.NoError(t, err)
	_, ok := got.Property("InternalScore")
	assert.False(t, ok, "force overwrite writes exactly the submitted entity")
}

func TestEntityService_HeavyPropertyRoundTrip(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	big := strings.Repeat("payload-", 32) // 256 bytes, above the test threshold
	e := newCampaign("heavy")
	e.SetProperty(models.NewProperty("Script", models.NewStringValue(big)))

	v0, err := f.svc.SaveEntity(ctx, f.rc, e)
	require.NoError(t, err)
	assert.Equal(t, 1, f.blobs.BlobCount())

	// Raw read shows the reference form.
	refs := f.rc
	refs.ReturnBlobReferences = true
	raw, err := f.svc.GetEntity(ctx, refs, v0.ExternalEntityID)
	require.NoError(t, err)
	rawProp, ok := raw.Property("Script")
	require.True(t, ok)
	assert.True(t, rawProp.IsBlobRef)
	refStr, _ := rawProp.Value.StringVal()
	_, err = models.ParseBlobRef(refStr)
	assert.NoError(t, err)

	// Normal read resolves to the exact original bytes.
	got, err := f.svc.GetEntity(ctx, f.rc, v0.ExternalEntityID)
	require.NoError(t, err)
	prop, ok := got.Property("Script")
	require.True(t, ok)
	s, isStr := prop.Value.StringVal()
	require.True(t, isStr)
	assert.Equal(t, big, s)
	assert.True(t, prop.IsBlobRef, "resolved values still report blob residence")

	// Shrinking the value demotes it back inline.
	small := got.Clone()
	small.SetProperty(models.NewProperty("Script", models.NewStringValue("tiny")))
	_, err = f.svc.SaveEntity(ctx, f.rc, small)
	require.NoError(t, err)

	got2, err := f.svc.GetEntity(ctx, f.rc, v0.ExternalEntityID)
	require.NoError(t, err)
	prop2, ok := got2.Property("Script")
	require.True(t, ok)
	assert.False(t, prop2.IsBlobRef)
	s2, _ := prop2.Value.StringVal()
	assert.Equal(t, "tiny", s2)
}

func TestEntityService_UntouchedHeavyValueNotRewritten(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	big := strings.Repeat("z", testThreshold*4)
	e := newCampaign("stable-blob")
	e.SetProperty(models.NewFilteredProperty(
		"Script", models.NewStringValue(big), models.FilterExtended))
	v0, err := f.svc.SaveEntity(ctx, f.rc, e)
	require.NoError(t, err)
	require.Equal(t, 1, f.blobs.BlobCount())

	// A default-only update never touches the promoted extended value, so
	// the stored reference carries over without a new blob write.
	narrow := f.rc
	narrow.EntityFilter = models.DefaultFilter()
	update := v0.Clone()
	update.Properties = nil
	update.SetProperty(models.NewProperty("Budget", models.NewInt64Value(100)))
	_, err = f.svc.SaveEntity(ctx, narrow, update)
	require.NoError(t, err)
	assert.Equal(t, 1, f.blobs.BlobCount())

	got, err := f.svc.GetEntity(ctx, f.rc, v0.ExternalEntityID)
	require.NoError(t, err)
	prop, ok := got.Property("Script")
	require.True(t, ok)
	s, _ := prop.Value.StringVal()
	assert.Equal(t, big, s)
}

func TestEntityService_VersionedRead(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	e := newCampaign("history")
	e.SetProperty(models.NewProperty("Slogan", models.NewStringValue("first")))
	v0, err := f.svc.SaveEntity(ctx, f.rc, e)
	require.NoError(t, err)

	update := v0.Clone()
	update.SetProperty(models.NewProperty("Slogan", models.NewStringValue("second")))
	_, err = f.svc.SaveEntity(ctx, f.rc, update)
	require.NoError(t, err)

	current, err := f.svc.GetEntity(ctx, f.rc, v0.ExternalEntityID)
	require.NoError(t, err)
	p, _ := current.Property("Slogan")
	s, _ := p.Value.StringVal()
	assert.Equal(t, "second", s)
	assert.Equal(t, int64(1), current.LocalVersion)

	pinned := f.rc
	pin := int64(0)
	pinned.EntityFilter = models.FullFilter()
	pinned.EntityFilter.PinnedVersion = &pin
	old, err := f.svc.GetEntity(ctx, pinned, v0.ExternalEntityID)
	require.NoError(t, err)
	p, _ = old.Property("Slogan")
	s, _ = p.Value.StringVal()
	assert.Equal(t, "first", s)
	assert.Equal(t, int64(0), old.LocalVersion)
}

func TestEntityService_TryGetEntity_UnknownIDReturnsNil(t *testing.T) {
	f := setupEntityServiceTest(t)

	e, err := f.svc.TryGetEntity(context.Background(), f.rc, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, e)

	_, err = f.svc.GetEntity(context.Background(), f.rc, uuid.New())
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEntityService_GetEntitiesByID(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	a, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("a"))
	require.NoError(t, err)
	b, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("b"))
	require.NoError(t, err)

	got, err := f.svc.GetEntitiesByID(ctx, f.rc, []uuid.UUID{a.ExternalEntityID, b.ExternalEntityID})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	_, err = f.svc.GetEntitiesByID(ctx, f.rc, []uuid.UUID{a.ExternalEntityID, uuid.New()})
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	partial, err := f.svc.TryGetEntities(ctx, f.rc, []uuid.UUID{a.ExternalEntityID, uuid.New()})
	require.NoError(t, err)
	assert.Len(t, partial, 1)
}

func TestEntityService_AssociateEntities(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	company, err := f.svc.SaveEntity(ctx, f.rc, models.NewEntity(uuid.New(), models.CategoryCompany, "acme"))
	require.NoError(t, err)
	c1, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("c1"))
	require.NoError(t, err)
	c2, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("c2"))
	require.NoError(t, err)

	// Association mutation takes effect even when the request filter
	// excludes associations.
	narrow := f.rc
	narrow.EntityFilter = models.FullFilter()
	narrow.EntityFilter.IncludeAssociations = false

	saved, err := f.svc.AssociateEntities(ctx, narrow, company.ExternalEntityID, "Campaigns",
		[]models.Association{{TargetEntityID: c1.ExternalEntityID, TargetCategory: models.CategoryCampaign}},
		models.AssociationChild, false)
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.LocalVersion)

	got, err := f.svc.GetEntity(ctx, f.rc, company.ExternalEntityID)
	require.NoError(t, err)
	require.Len(t, got.AssociationGroup("Campaigns"), 1)

	// Replace substitutes the whole collection.
	_, err = f.svc.AssociateEntities(ctx, f.rc, company.ExternalEntityID, "Campaigns",
		[]models.Association{{TargetEntityID: c2.ExternalEntityID, TargetCategory: models.CategoryCampaign}},
		models.AssociationChild, true)
	require.NoError(t, err)

	got, err = f.svc.GetEntity(ctx, f.rc, company.ExternalEntityID)
	require.NoError(t, err)
	group := got.AssociationGroup("Campaigns")
	require.Len(t, group, 1)
	assert.Equal(t, c2.ExternalEntityID, group[0].TargetEntityID)
	assert.Equal(t, models.AssociationChild, group[0].AssociationType)
}

func TestEntityService_AssociateEntities_UnknownSource(t *testing.T) {
	f := setupEntityServiceTest(t)

	_, err := f.svc.AssociateEntities(context.Background(), f.rc, uuid.New(), "Campaigns",
		[]models.Association{{TargetEntityID: uuid.New(), TargetCategory: models.CategoryCampaign}},
		models.AssociationChild, false)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestEntityService_SetEntityStatus(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	active, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("stays"))
	require.NoError(t, err)
	victim, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("goes"))
	require.NoError(t, err)

	company, err := f.svc.SaveEntity(ctx, f.rc, models.NewEntity(uuid.New(), models.CategoryCompany, "acme"))
	require.NoError(t, err)
	_, err = f.svc.AssociateEntities(ctx, f.rc, company.ExternalEntityID, "Campaigns",
		[]models.Association{
			{TargetEntityID: active.ExternalEntityID, TargetCategory: models.CategoryCampaign},
			{TargetEntityID: victim.ExternalEntityID, TargetCategory: models.CategoryCampaign},
		},
		models.AssociationChild, false)
	require.NoError(t, err)

	err = f.svc.SetEntityStatus(ctx, f.rc, []uuid.UUID{victim.ExternalEntityID}, false)
	require.NoError(t, err)

	// Deactivation consumed a version.
	current, ok := f.index.CurrentVersion(f.rc.StorageAccount(), victim.ExternalEntityID)
	require.True(t, ok)
	assert.Equal(t, int64(1), current)

	// Gone from listings.
	infos, err := f.svc.GetEntityInfoByCategory(ctx, f.rc, models.CategoryCampaign)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, active.ExternalEntityID, infos[0].ExternalEntityID)

	// Dropped from association traversal.
	got, err := f.svc.GetEntity(ctx, f.rc, company.ExternalEntityID)
	require.NoError(t, err)
	group := got.AssociationGroup("Campaigns")
	require.Len(t, group, 1)
	assert.Equal(t, active.ExternalEntityID, group[0].TargetEntityID)

	// Still directly readable.
	direct, err := f.svc.GetEntity(ctx, f.rc, victim.ExternalEntityID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInactive, direct.Status())

	// Reactivation restores listing visibility.
	err = f.svc.SetEntityStatus(ctx, f.rc, []uuid.UUID{victim.ExternalEntityID}, true)
	require.NoError(t, err)
	infos, err = f.svc.GetEntityInfoByCategory(ctx, f.rc, models.CategoryCampaign)
	require.NoError(t, err)
	assert.Len(t, infos, 2)
}

func TestEntityService_TryUpdateEntity(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	v0, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("patchable"))
	require.NoError(t, err)

	ok := f.svc.TryUpdateEntity(ctx, f.rc, v0.ExternalEntityID,
		[]models.EntityProperty{models.NewProperty("Budget", models.NewInt64Value(123))})
	assert.True(t, ok)

	got, err := f.svc.GetEntity(ctx, f.rc, v0.ExternalEntityID)
	require.NoError(t, err)
	p, _ := got.Property("Budget")
	i, _ := p.Value.Int64Val()
	assert.Equal(t, int64(123), i)
	assert.Equal(t, int64(1), got.LocalVersion)

	// Unknown entity.
	assert.False(t, f.svc.TryUpdateEntity(ctx, f.rc, uuid.New(),
		[]models.EntityProperty{models.NewProperty("Budget", models.NewInt64Value(1))}))

	// Property class outside the request filter.
	narrow := f.rc
	narrow.EntityFilter = models.DefaultFilter()
	assert.False(t, f.svc.TryUpdateEntity(ctx, narrow, v0.ExternalEntityID,
		[]models.EntityProperty{models.NewFilteredProperty(
			"InternalScore", models.NewInt32Value(1), models.FilterExtended)}))
}

func TestEntityService_SaveEntities_BestEffort(t *testing.T) {
	f := setupEntityServiceTest(t)

	good := newCampaign("good")
	bad := models.NewEntity(uuid.New(), "Unregistered", "bad")
	alsoGood := newCampaign("also-good")

	results := f.svc.SaveEntities(context.Background(), f.rc, []*models.Entity{good, bad, alsoGood})
	require.Len(t, results, 3)

	assert.NoError(t, results[0].Err)
	assert.NotNil(t, results[0].Entity)
	assert.ErrorIs(t, results[1].Err, apperrors.ErrValidation)
	assert.Nil(t, results[1].Entity)
	assert.NoError(t, results[2].Err, "a failed entry must not block the rest of the batch")
}

func TestEntityService_GetEntityInfoByCategory_QueryPredicates(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	spring := newCampaign("spring-sale")
	spring.SetProperty(models.NewProperty("Region", models.NewStringValue("emea")))
	_, err := f.svc.SaveEntity(ctx, f.rc, spring)
	require.NoError(t, err)

	winter := newCampaign("winter-sale")
	winter.SetProperty(models.NewProperty("Region", models.NewStringValue("apac")))
	_, err = f.svc.SaveEntity(ctx, f.rc, winter)
	require.NoError(t, err)

	rc := f.rc
	rc.EntityFilter = models.FullFilter()
	rc.EntityFilter.QueryPredicates = mustPredicates(t, map[string]string{
		"external_name": "sale",
		"Region":        "^emea$",
	})

	infos, err := f.svc.GetEntityInfoByCategory(ctx, rc, models.CategoryCampaign)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "spring-sale", infos[0].ExternalName)
}

func TestEntityService_SetupNewCompany(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	key, err := f.svc.SetupNewCompany(ctx, f.rc, "acme")
	require.NoError(t, err)
	assert.Equal(t, f.rc.StorageAccount(), key.Account)

	_, err = f.svc.SetupNewCompany(ctx, f.rc, "acme")
	assert.ErrorIs(t, err, apperrors.ErrDuplicateKey)

	_, err = f.svc.SetupNewCompany(ctx, f.rc, "")
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestEntityService_TenantsAreIsolated(t *testing.T) {
	f := setupEntityServiceTest(t)
	ctx := context.Background()

	saved, err := f.svc.SaveEntity(ctx, f.rc, newCampaign("mine"))
	require.NoError(t, err)

	other := models.RequestContext{
		ExternalCompanyID: uuid.New(),
		UserID:            "other-user",
		EntityFilter:      models.FullFilter(),
	}
	got, err := f.svc.TryGetEntity(ctx, other, saved.ExternalEntityID)
	require.NoError(t, err)
	assert.Nil(t, got, "entities are scoped to their storage account")
}

func mustPredicates(t *testing.T, raw map[string]string) map[string]*regexp.Regexp {
	t.Helper()
	out := make(map[string]*regexp.Regexp, len(raw))
	for k, v := range raw {
		re, err := regexp.Compile(v)
		require.NoError(t, err)
		out[k] = re
	}
	return out
}
