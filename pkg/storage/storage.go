package storage

import (
	"context"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 1000
)

// Writer appends capture records.
type Writer interface {
	Append(ctx context.Context, rec *Record) error
}

// Reader reads the log back. Every call is a fresh linear scan.
type Reader interface {
	List(ctx context.Context, q Query) ([]*Record, error)
	Get(ctx context.Context, id string) (*Record, bool, error)
	Stats(ctx context.Context) (*Stats, error)
	Count(ctx context.Context) (int, error)
}

// Store defines the interface for persisting and reading capture records.
type Store interface {
	Writer
	Reader
}
