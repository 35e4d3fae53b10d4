package services

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/adops-io/entity-engine/pkg/models"
	"github.com/adops-io/entity-engine/pkg/repositories"
)

// promoteHeavyValues rewrites every property and association whose
// serialized value exceeds the threshold into a blob reference, and inlines
// every previously promoted value that now fits. Values that are still the
// stored, unresolved references of untouched filter classes are left alone,
// so repeated saves converge without rewriting blobs for the current
// version.
//
// Returns the keys of blobs written for this save so a failed index commit
// can unwind them.
func (s *entityService) promoteHeavyValues(ctx context.Context, account string, e *models.Entity) ([]models.StorageKey, error) {
	var written []models.StorageKey

	for i := range e.Properties {
		p := &e.Properties[i]
		if p.IsBlobRef && p.BlobValueType != "" {
			// Untouched stored reference; the blob it points at is already
			// current.
			continue
		}
		if p.Value.SerializedSize() <= s.threshold {
			if p.IsBlobRef {
				p.IsBlobRef = false
				s.metrics.BlobPromotions.WithLabelValues("demoted").Inc()
			}
			continue
		}
		key, err := s.writeBlob(ctx, account, e.LocalVersion, []byte(p.Value.SerializationValue()))
		if err != nil {
			return written, fmt.Errorf("promote property %q: %w", p.Name, err)
		}
		written = append(written, key)
		p.BlobValueType = p.Value.Type()
		p.Value = models.NewStringValue(key.Ref())
		p.IsBlobRef = true
		s.metrics.BlobPromotions.WithLabelValues("promoted").Inc()
	}

	for i := range e.Associations {
		a := &e.Associations[i]
		if a.IsBlobRef {
			if _, err := models.ParseBlobRef(a.Details); err == nil {
				// Untouched stored reference.
				continue
			}
		}
		if len(a.Details) <= s.threshold {
			if a.IsBlobRef {
				a.IsBlobRef = false
				s.metrics.BlobPromotions.WithLabelValues("demoted").Inc()
			}
			continue
		}
		key, err := s.writeBlob(ctx, account, e.LocalVersion, []byte(a.Details))
		if err != nil {
			return written, fmt.Errorf("promote association %q details: %w", a.Key(), err)
		}
		written = append(written, key)
		a.Details = key.Ref()
		a.IsBlobRef = true
		s.metrics.BlobPromotions.WithLabelValues("promoted").Inc()
	}

	return written, nil
}

func (s *entityService) writeBlob(ctx context.Context, account string, version int64, payload []byte) (models.StorageKey, error) {
	key := models.NewBlobKey(account, repositories.DefaultBlobContainer, uuid.New(), version)
	return s.blobs.SaveBlob(ctx, payload, key)
}

// resolveBlobRefs replaces blob references in a fetched snapshot with the
// payloads they point at. The IsBlobRef flags stay set so callers can tell
// which values live in blob storage.
func (s *entityService) resolveBlobRefs(ctx context.Context, e *models.Entity) error {
	for i := range e.Properties {
		p := &e.Properties[i]
		if !p.IsBlobRef || p.BlobValueType == "" {
			continue
		}
		ref, _ := p.Value.StringVal()
		key, err := models.ParseBlobRef(ref)
		if err != nil {
			return fmt.Errorf("property %q: %w", p.Name, err)
		}
		payload, err := s.blobs.GetBlobByKey(ctx, key)
		if err != nil {
			return fmt.Errorf("resolve property %q: %w", p.Name, err)
		}
		if payload == nil {
			return fmt.Errorf("resolve property %q: blob %s missing", p.Name, key.BlobID)
		}
		value, err := models.ParseValue(p.BlobValueType, string(payload))
		if err != nil {
			return fmt.Errorf("resolve property %q: %w", p.Name, err)
		}
		p.Value = value
		p.BlobValueType = ""
	}

	for i := range e.Associations {
		a := &e.Associations[i]
		if !a.IsBlobRef {
			continue
		}
		key, err := models.ParseBlobRef(a.Details)
		if err != nil {
			return fmt.Errorf("association %q: %w", a.Key(), err)
		}
		payload, err := s.blobs.GetBlobByKey(ctx, key)
		if err != nil {
			return fmt.Errorf("resolve association %q: %w", a.Key(), err)
		}
		if payload == nil {
			return fmt.Errorf("resolve association %q: blob %s missing", a.Key(), key.BlobID)
		}
		a.Details = string(payload)
	}
	return nil
}
