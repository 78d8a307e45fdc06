package store

import (
	"context"
	"errors"
)

var (
	// ErrCorrupt means the stored document could not be read or decoded.
	// LoadAll still returns an empty, usable mapping alongside it.
	ErrCorrupt = errors.New("store: corrupt session document")
	// ErrUnavailable means the backend could not be reached at all.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store persists the full token -> session mapping as one document.
type Store interface {
	// LoadAll returns the stored sessions. A store that does not exist yet
	// yields an empty mapping and no error.
	LoadAll(ctx context.Context) (Sessions, error)
	// SaveAll replaces the stored document atomically.
	SaveAll(ctx context.Context, sessions Sessions) error
	Ping(ctx context.Context) error
}
