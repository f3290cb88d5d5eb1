package token

import (
	"context"
	"errors"
)

// ErrNotFound is returned by stores when no record exists for a hostname.
var ErrNotFound = errors.New("token record not found")

// Store is the durable mapping hostname -> token record. Implementations must
// survive process restarts without losing approved tokens.
type Store interface {
	Get(ctx context.Context, hostname string) (*Record, error)
	Put(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, hostname string) error
	List(ctx context.Context) ([]Record, error)
}
