package feed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// appendLockKey serializes outbox appends on postgres so that sequence order
// matches commit order and readers never skip a late-committing sequence.
const appendLockKey = 0x5354414346454544

type changeRow struct {
	Seq        uint64         `gorm:"primaryKey;autoIncrement;column:seq"`
	CreatedBy  string         `gorm:"column:created_by;not null"`
	RecordID   string         `gorm:"column:record_id;not null"`
	Kind       string         `gorm:"column:kind;not null"`
	Status     string         `gorm:"column:status"`
	Image      datatypes.JSON `gorm:"column:image"`
	AppendedAt time.Time      `gorm:"column:appended_at;not null;index;autoCreateTime:false"`
}

func (changeRow) TableName() string {
	return "ingestion_changes"
}

type cursorRow struct {
	Group     string    `gorm:"primaryKey;column:consumer_group"`
	Seq       uint64    `gorm:"column:seq;not null"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (cursorRow) TableName() string {
	return "feed_cursors"
}

// GormLog is the transactional outbox: record stores append through AppendTx
// inside their own transaction.
type GormLog struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormLog(db *gorm.DB) *GormLog {
	return &GormLog{db: db, now: time.Now}
}

func (g *GormLog) AutoMigrate() error {
	return g.db.AutoMigrate(&changeRow{}, &cursorRow{})
}

// AppendTx writes ev using tx, which must be the caller's open transaction.
func (g *GormLog) AppendTx(tx *gorm.DB, ev Event) (Event, error) {
	if tx.Dialector.Name() == "postgres" {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", appendLockKey).Error; err != nil {
			return Event{}, fmt.Errorf("lock change feed: %w", err)
		}
	}
	row := changeRow{
		CreatedBy:  ev.CreatedBy,
		RecordID:   ev.ID,
		Kind:       string(ev.Kind),
		Status:     ev.Status,
		Image:      datatypes.JSON(ev.Image),
		AppendedAt: g.now().UTC().Truncate(time.Microsecond),
	}
	if err := tx.Create(&row).Error; err != nil {
		return Event{}, fmt.Errorf("append change: %w", err)
	}
	return row.event(), nil
}

func (g *GormLog) Append(ctx context.Context, ev Event) (Event, error) {
	var out Event
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = g.AppendTx(tx, ev)
		return err
	})
	return out, err
}

func (g *GormLog) ReadAfter(ctx context.Context, after uint64, limit int) ([]Event, error) {
	var rows []changeRow
	q := g.db.WithContext(ctx).Where("seq > ?", after).Order("seq ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.event())
	}
	return out, nil
}

func (g *GormLog) Load(ctx context.Context, group string) (uint64, error) {
	var row cursorRow
	err := g.db.WithContext(ctx).Take(&row, "consumer_group = ?", group).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return row.Seq, err
}

func (g *GormLog) Commit(ctx context.Context, group string, seq uint64) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row cursorRow
		err := tx.Take(&row, "consumer_group = ?", group).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&cursorRow{Group: group, Seq: seq, UpdatedAt: g.now().UTC()}).Error
		case err != nil:
			return err
		case seq < row.Seq:
			return fmt.Errorf("%w: group %s at %d, got %d", ErrCursorRegression, group, row.Seq, seq)
		}
		return tx.Model(&cursorRow{}).
			Where("consumer_group = ?", group).
			Updates(map[string]interface{}{
				"seq":        seq,
				"updated_at": g.now().UTC(),
			}).Error
	})
}

// Prune deletes events older than cutoff that every known group has consumed.
func (g *GormLog) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	var groups int64
	if err := g.db.WithContext(ctx).Model(&cursorRow{}).Count(&groups).Error; err != nil {
		return 0, err
	}
	if groups == 0 {
		return 0, nil
	}
	var low uint64
	if err := g.db.WithContext(ctx).Model(&cursorRow{}).Select("MIN(seq)").Scan(&low).Error; err != nil {
		return 0, err
	}
	res := g.db.WithContext(ctx).
		Where("seq <= ? AND appended_at < ?", low, cutoff.UTC()).
		Delete(&changeRow{})
	return res.RowsAffected, res.Error
}

// Lag is the number of events a group has not consumed yet.
func (g *GormLog) Lag(ctx context.Context, group string) (int64, error) {
	after, err := g.Load(ctx, group)
	if err != nil {
		return 0, err
	}
	var n int64
	err = g.db.WithContext(ctx).Model(&changeRow{}).Where("seq > ?", after).Count(&n).Error
	return n, err
}

// Head is the highest appended sequence.
func (g *GormLog) Head(ctx context.Context) (uint64, error) {
	var row changeRow
	err := g.db.WithContext(ctx).Order(clause.OrderByColumn{Column: clause.Column{Name: "seq"}, Desc: true}).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	return row.Seq, err
}

func (r changeRow) event() Event {
	return Event{
		Seq:        r.Seq,
		CreatedBy:  r.CreatedBy,
		ID:         r.RecordID,
		Kind:       Kind(r.Kind),
		Status:     r.Status,
		Image:      []byte(r.Image),
		AppendedAt: r.AppendedAt.UTC(),
	}
}
