package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/common/logger"
	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/observability/metrics"
	"gorm.io/datatypes"
)

// AssetVerifier checks that an item's assets are reachable before it is
// queued.
type AssetVerifier interface {
	Verify(ctx context.Context, item json.RawMessage) error
}

type Service struct {
	store     Store
	validator *Validator
	assets    AssetVerifier
}

func NewService(store Store, validator *Validator, assets AssetVerifier) *Service {
	return &Service{store: store, validator: validator, assets: assets}
}

// Create queues item for createdBy. The item id becomes the record id; an
// existing record with that id is a conflict.
func (s *Service) Create(ctx context.Context, createdBy string, item json.RawMessage) (Record, error) {
	header, err := s.validator.Validate(item)
	if err != nil {
		return Record{}, err
	}
	if s.assets != nil {
		if err := s.assets.Verify(ctx, item); err != nil {
			return Record{}, ValidationError{reason: fmt.Errorf("asset check failed: %w", err)}
		}
	}

	rec, err := s.store.Create(ctx, Record{
		CreatedBy: createdBy,
		ID:        header.ID,
		Item:      datatypes.JSON(item),
		Status:    StatusQueued,
	})
	if errors.Is(err, ErrConflict) {
		return Record{}, err
	}
	if err != nil {
		return Record{}, fmt.Errorf("queue ingestion: %w", err)
	}
	metrics.IncEnqueued()
	logger.Log.WithFields(map[string]interface{}{
		"created_by": createdBy,
		"id":         rec.ID,
		"collection": header.Collection,
	}).Info("Ingestion queued")
	return rec, nil
}

func (s *Service) Get(ctx context.Context, createdBy, id string) (Record, error) {
	return s.store.Get(ctx, createdBy, id)
}

func (s *Service) List(ctx context.Context, q ListQuery) (Page, error) {
	return s.store.List(ctx, q)
}

// Update replaces the item of a queued ingestion and/or moves its status
// along the state machine.
func (s *Service) Update(ctx context.Context, createdBy, id string, req UpdateRequest) (Record, error) {
	if req.Empty() {
		return Record{}, ValidationError{reason: errors.New("nothing to update")}
	}
	rec, err := s.store.Get(ctx, createdBy, id)
	if err != nil {
		return Record{}, err
	}

	if len(req.Item) > 0 || (req.Message != nil && req.Status == nil) {
		if len(req.Item) > 0 {
			if rec.Status != StatusQueued {
				return Record{}, fmt.Errorf("%w: item of %q can only change while queued, status is %q", ErrPreconditionFailed, id, rec.Status)
			}
			header, err := s.validator.Validate(req.Item)
			if err != nil {
				return Record{}, err
			}
			if header.ID != id {
				return Record{}, ValidationError{reason: fmt.Errorf("item id %q does not match ingestion %q", header.ID, id)}
			}
			rec.Item = datatypes.JSON(req.Item)
		}
		if req.Message != nil {
			rec.Message = *req.Message
		}
		if rec, err = s.store.Put(ctx, rec); err != nil {
			return Record{}, err
		}
	}

	if req.Status != nil && *req.Status != rec.Status {
		message := ""
		if req.Message != nil {
			message = *req.Message
		}
		t, err := TransitionTo(*req.Status, message)
		if err != nil {
			return Record{}, err
		}
		if rec, _, err = s.store.Transition(ctx, createdBy, id, t); err != nil {
			return Record{}, err
		}
		if t.Action == ActionCancel {
			metrics.IncCancelled()
		}
	}
	return rec, nil
}

// Cancel moves a queued ingestion to cancelled.
func (s *Service) Cancel(ctx context.Context, createdBy, id string) (Record, error) {
	rec, _, err := s.store.Transition(ctx, createdBy, id, Cancel())
	if err != nil {
		return Record{}, err
	}
	metrics.IncCancelled()
	logger.Log.WithFields(map[string]interface{}{
		"created_by": createdBy,
		"id":         id,
	}).Info("Ingestion cancelled")
	return rec, nil
}

// Remove deletes the record outright. It is an operator action.
func (s *Service) Remove(ctx context.Context, createdBy, id string) error {
	return s.store.Delete(ctx, createdBy, id)
}
