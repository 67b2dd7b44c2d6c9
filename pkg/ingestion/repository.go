package ingestion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/US-GHG-Center/ghgc-stac-ingestor/pkg/feed"
	"gorm.io/gorm"
)

// maxWriteAttempts bounds how often a write re-reads after losing a
// compare-and-set to a concurrent writer.
const maxWriteAttempts = 3

var errLostRace = errors.New("record changed concurrently")

// FeedWriter appends change events inside an open transaction.
type FeedWriter interface {
	AppendTx(tx *gorm.DB, ev feed.Event) (feed.Event, error)
}

// Repository is the gorm-backed Store. Writes and their change events share a
// transaction; status changes are guarded by the stored status.
type Repository struct {
	db   *gorm.DB
	feed FeedWriter
	now  func() time.Time
}

func NewRepository(db *gorm.DB, fw FeedWriter) *Repository {
	return &Repository{db: db, feed: fw, now: time.Now}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Record{})
}

// WithClock replaces the clock used for created_at and updated_at.
func (r *Repository) WithClock(now func() time.Time) *Repository {
	r.now = now
	return r
}

func (r *Repository) Put(ctx context.Context, rec Record) (Record, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		out, err := r.tryPut(ctx, rec)
		if errors.Is(err, errLostRace) {
			continue
		}
		return out, err
	}
	return Record{}, fmt.Errorf("%w: %s/%s kept changing during put", ErrConflict, rec.CreatedBy, rec.ID)
}

func (r *Repository) tryPut(ctx context.Context, rec Record) (Record, error) {
	var out Record
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := find(tx, rec.CreatedBy, rec.ID)
		if err != nil {
			return err
		}
		prepared, kind, err := preparePut(existing, rec, r.now())
		if err != nil {
			return err
		}

		if existing == nil {
			if err := tx.Create(&prepared).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return errLostRace
				}
				return fmt.Errorf("insert ingestion: %w", err)
			}
		} else {
			res := tx.Model(&Record{}).
				Where("created_by = ? AND id = ? AND status = ?", rec.CreatedBy, rec.ID, existing.Status).
				Updates(map[string]interface{}{
					"item":       prepared.Item,
					"message":    prepared.Message,
					"updated_at": prepared.UpdatedAt,
				})
			if res.Error != nil {
				return fmt.Errorf("replace ingestion: %w", res.Error)
			}
			if res.RowsAffected == 0 {
				return errLostRace
			}
		}

		if err := r.appendChange(tx, prepared, kind); err != nil {
			return err
		}
		out = prepared
		return nil
	})
	return out, err
}

func (r *Repository) Create(ctx context.Context, rec Record) (Record, error) {
	var out Record
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := find(tx, rec.CreatedBy, rec.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return existsError(rec)
		}
		prepared, kind, err := preparePut(nil, rec, r.now())
		if err != nil {
			return err
		}
		if err := tx.Create(&prepared).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return existsError(rec)
			}
			return fmt.Errorf("insert ingestion: %w", err)
		}
		if err := r.appendChange(tx, prepared, kind); err != nil {
			return err
		}
		out = prepared
		return nil
	})
	return out, err
}

func (r *Repository) Get(ctx context.Context, createdBy, id string) (Record, error) {
	rec, err := find(r.db.WithContext(ctx), createdBy, id)
	if err != nil {
		return Record{}, err
	}
	if rec == nil {
		return Record{}, ErrNotFound
	}
	return *rec, nil
}

func (r *Repository) List(ctx context.Context, q ListQuery) (Page, error) {
	after, limit, err := q.resolve()
	if err != nil {
		return Page{}, err
	}

	query := r.db.WithContext(ctx).Model(&Record{})
	if q.Status != nil {
		query = query.Where("status = ?", *q.Status)
	}
	if after != nil {
		query = query.Where(
			"created_at > ? OR (created_at = ? AND created_by > ?) OR (created_at = ? AND created_by = ? AND id > ?)",
			after.CreatedAt, after.CreatedAt, after.CreatedBy, after.CreatedAt, after.CreatedBy, after.ID,
		)
	}

	var rows []Record
	err = query.Order("created_at ASC, created_by ASC, id ASC").Limit(limit + 1).Find(&rows).Error
	if err != nil {
		return Page{}, fmt.Errorf("list ingestions: %w", err)
	}
	for i := range rows {
		rows[i] = normalize(rows[i])
	}
	return page(q.Status, rows, limit), nil
}

func (r *Repository) Delete(ctx context.Context, createdBy, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := find(tx, createdBy, id)
		if err != nil || existing == nil {
			return err
		}
		res := tx.Where("created_by = ? AND id = ?", createdBy, id).Delete(&Record{})
		if res.Error != nil {
			return fmt.Errorf("delete ingestion: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return nil
		}
		return r.appendChange(tx, *existing, feed.KindRemove)
	})
}

func (r *Repository) Transition(ctx context.Context, createdBy, id string, t Transition) (Record, Effect, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		out, effect, err := r.tryTransition(ctx, createdBy, id, t)
		if errors.Is(err, errLostRace) {
			continue
		}
		return out, effect, err
	}
	return Record{}, EffectNoOp, fmt.Errorf("%w: %s/%s kept changing during %s", ErrConflict, createdBy, id, t.Action)
}

func (r *Repository) tryTransition(ctx context.Context, createdBy, id string, t Transition) (Record, Effect, error) {
	var (
		out    Record
		effect Effect
	)
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := find(tx, createdBy, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return ErrNotFound
		}
		next, eff, err := applyTransition(*existing, t, r.now())
		effect = eff
		if err != nil {
			return err
		}
		if eff == EffectNoOp {
			logNoOp(*existing, t)
			out = *existing
			return nil
		}

		res := tx.Model(&Record{}).
			Where("created_by = ? AND id = ? AND status = ?", createdBy, id, existing.Status).
			Updates(map[string]interface{}{
				"status":     next.Status,
				"message":    next.Message,
				"updated_at": next.UpdatedAt,
			})
		if res.Error != nil {
			return fmt.Errorf("transition ingestion: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return errLostRace
		}
		if err := r.appendChange(tx, next, feed.KindModify); err != nil {
			return err
		}
		out = next
		return nil
	})
	if err != nil {
		return Record{}, EffectNoOp, err
	}
	return out, effect, nil
}

func (r *Repository) appendChange(tx *gorm.DB, rec Record, kind feed.Kind) error {
	if r.feed == nil {
		return nil
	}
	ev, err := changeEvent(rec, kind)
	if err != nil {
		return err
	}
	_, err = r.feed.AppendTx(tx, ev)
	return err
}

func find(db *gorm.DB, createdBy, id string) (*Record, error) {
	var rec Record
	err := db.Take(&rec, "created_by = ? AND id = ?", createdBy, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load ingestion: %w", err)
	}
	rec = normalize(rec)
	return &rec, nil
}

func normalize(rec Record) Record {
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()
	return rec
}
