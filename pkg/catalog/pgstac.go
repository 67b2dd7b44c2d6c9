package catalog

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"
)

// Pgstac loads through the pgstac SQL API of the catalog database.
type Pgstac struct {
	db *gorm.DB
}

func NewPgstac(db *gorm.DB) *Pgstac {
	return &Pgstac{db: db}
}

func (p *Pgstac) Load(ctx context.Context, item json.RawMessage) error {
	if _, err := readHeader(item); err != nil {
		return err
	}
	if err := p.db.WithContext(ctx).Exec("SELECT pgstac.upsert_item(?::jsonb)", string(item)).Error; err != nil {
		return classify(err)
	}
	return nil
}

func (p *Pgstac) PublishCollection(ctx context.Context, collection json.RawMessage) error {
	if _, err := readHeader(collection); err != nil {
		return err
	}
	if err := p.db.WithContext(ctx).Exec("SELECT pgstac.upsert_collection(?::jsonb)", string(collection)).Error; err != nil {
		return classify(err)
	}
	return nil
}

func (p *Pgstac) DeleteCollection(ctx context.Context, id string) error {
	if err := p.db.WithContext(ctx).Exec("SELECT pgstac.delete_collection(?)", id).Error; err != nil {
		return classify(err)
	}
	return nil
}
