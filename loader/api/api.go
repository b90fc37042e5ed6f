// Package api holds the public contract of the bulk data loader: the
// entry type callers submit, the loader configuration, and the error
// kinds a caller's completion can resolve with. Types here carry no
// dependency on the loader's internal wiring so other packages (wire
// codecs, transports, local stores) can depend on it without cycles.
package api

import (
	"context"
	"errors"
	"time"
)

// Entry is an immutable key/value pair, or a removal when Remove is set.
type Entry struct {
	Key    []byte `cbor:"k"`
	Value  []byte `cbor:"v,omitempty"`
	Remove bool   `cbor:"r,omitempty"`
}

// NewPut returns an Entry that sets Key to Value.
func NewPut(key, value []byte) Entry {
	return Entry{Key: key, Value: value}
}

// NewRemoval returns an Entry that deletes Key.
func NewRemoval(key []byte) Entry {
	return Entry{Key: key, Remove: true}
}

// Updater applies a batch of entries to the named cache. Implementations
// must be idempotent and commutative across entries destined for
// different keys, since remapped batches may be re-applied and batches
// for distinct keys carry no ordering guarantee relative to each other.
type Updater interface {
	// Name identifies this updater on the wire so a remote node can look
	// up the same implementation out of its own registry instead of
	// receiving executable code.
	Name() string
	Apply(ctx context.Context, cacheName string, entries []Entry) error
}

// Error kinds surfaced to callers (spec §7).
var (
	ErrLoaderClosed    = errors.New("loader: closed")
	ErrNoTopology      = errors.New("loader: no node owns the target cache")
	ErrNodeLeft        = errors.New("loader: destination node left")
	ErrTooManyRemaps   = errors.New("loader: remap budget exhausted")
	ErrUpdaterError    = errors.New("loader: updater rejected batch")
	ErrMarshalError    = errors.New("loader: marshal failure")
	ErrCancelled       = errors.New("loader: cancelled")
	ErrResolverFailure = errors.New("loader: affinity resolution failed")
)

// Config holds the tunables from §6's Loader API.
type Config struct {
	CacheName     string
	BufSize       int
	ParallelOps   int
	AutoFlushFreq time.Duration
	MaxRemaps     int
	Updater       Updater
}

// DefaultMaxRemaps is the retry budget used when Config.MaxRemaps is left
// at zero (S4 in the spec: "default 32").
const DefaultMaxRemaps = 32

// Validate checks the invariants from §6 ("must be > 0", "must be
// non-null") and fills in defaults.
func (c *Config) Validate() error {
	if c.BufSize <= 0 {
		return errors.New("loader: perNodeBufferSize must be > 0")
	}
	if c.ParallelOps <= 0 {
		return errors.New("loader: perNodeParallelLoadOperations must be > 0")
	}
	if c.Updater == nil {
		return errors.New("loader: updater must be set")
	}
	if c.MaxRemaps <= 0 {
		c.MaxRemaps = DefaultMaxRemaps
	}
	if c.CacheName == "" {
		return errors.New("loader: cacheName must be set")
	}
	return nil
}
