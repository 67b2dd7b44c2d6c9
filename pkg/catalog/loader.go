// Package catalog loads STAC items and collections into the pgSTAC catalog.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
)

type Kind string

const (
	KindConstraint   Kind = "constraint"
	KindConnectivity Kind = "connectivity"
	KindValidation   Kind = "validation"
	KindUnknown      Kind = "unknown"
)

// LoadError is a catalog rejection of a single item. Its message is the
// underlying error's message unchanged, which is what gets recorded on the
// failed ingestion; Kind is carried separately.
type LoadError struct {
	Kind Kind
	Err  error
}

func (e *LoadError) Error() string {
	return e.Err.Error()
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

func AsLoadError(err error) (*LoadError, bool) {
	var le *LoadError
	ok := errors.As(err, &le)
	return le, ok
}

// Loader writes one STAC item into the catalog. Failures are *LoadError.
type Loader interface {
	Load(ctx context.Context, item json.RawMessage) error
}

// Collections publishes and removes STAC collections.
type Collections interface {
	PublishCollection(ctx context.Context, collection json.RawMessage) error
	DeleteCollection(ctx context.Context, id string) error
}

// classify maps a database error onto a LoadError kind by SQLSTATE class.
func classify(err error) *LoadError {
	if err == nil {
		return nil
	}
	if le, ok := AsLoadError(err); ok {
		return le
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "23":
			return &LoadError{Kind: KindConstraint, Err: err}
		case "08", "53", "57":
			return &LoadError{Kind: KindConnectivity, Err: err}
		case "22", "42", "P0":
			return &LoadError{Kind: KindValidation, Err: err}
		}
		return &LoadError{Kind: KindUnknown, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return &LoadError{Kind: KindConnectivity, Err: err}
	}
	return &LoadError{Kind: KindUnknown, Err: err}
}

type header struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
}

func readHeader(body json.RawMessage) (header, error) {
	var h header
	if err := json.Unmarshal(body, &h); err != nil {
		return header{}, &LoadError{Kind: KindValidation, Err: fmt.Errorf("decode body: %w", err)}
	}
	if h.ID == "" {
		return header{}, &LoadError{Kind: KindValidation, Err: errors.New("missing id")}
	}
	return h, nil
}
