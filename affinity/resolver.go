// Package affinity resolves cache keys to owning nodes (spec §4.1). A
// concurrent map of per-cacheName "once cells" ensures the first caller
// for a given cache performs the (possibly remote, possibly retried)
// resolution while later concurrent callers block on the same
// in-progress attempt and observe the same Snapshot instance — the
// "global resolver map with lazy population" pattern from the design
// notes, implemented with sync.Once instead of a hand-rolled future.
package affinity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/oasisprotocol/dataloader/go/affinity/api"
	"github.com/oasisprotocol/dataloader/go/internal/logging"
)

const (
	// ErrorRetries is the number of remote resolution attempts before
	// giving up (spec §4.1).
	ErrorRetries = 4
	// ErrorWait is the delay between remote resolution attempts.
	ErrorWait = 500 * time.Millisecond
	// CleanupDelay is how long the Resolver waits after a node-left
	// event before evicting cache entries that node hosted, absorbing
	// bursts of topology churn (spec §4.1 rationale).
	CleanupDelay = 3 * time.Second
)

type cell struct {
	once     sync.Once
	snapshot *api.Snapshot
	err      error
}

// Resolver implements api.Resolver and api.Invalidator.
type Resolver struct {
	locator api.Locator
	logger  *logging.Logger

	errorRetries int
	errorWait    time.Duration
	cleanupDelay time.Duration

	mu    sync.Mutex
	cells map[string]*cell

	// afterFunc is swapped out in tests to avoid a real 3s sleep.
	afterFunc func(d time.Duration, f func()) *time.Timer
}

// New constructs a Resolver backed by locator.
func New(locator api.Locator) *Resolver {
	return &Resolver{
		locator:      locator,
		logger:       logging.GetLogger("affinity"),
		errorRetries: ErrorRetries,
		errorWait:    ErrorWait,
		cleanupDelay: CleanupDelay,
		cells:        make(map[string]*cell),
		afterFunc:    time.AfterFunc,
	}
}

func (r *Resolver) getOrCreateCell(cacheName string) *cell {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cells[cacheName]
	if !ok {
		c = &cell{}
		r.cells[cacheName] = c
	}
	return c
}

func (r *Resolver) snapshotFor(ctx context.Context, cacheName string) (*api.Snapshot, error) {
	c := r.getOrCreateCell(cacheName)
	c.once.Do(func() {
		c.snapshot, c.err = r.resolve(ctx, cacheName)
	})
	return c.snapshot, c.err
}

func (r *Resolver) resolve(ctx context.Context, cacheName string) (*api.Snapshot, error) {
	owner, local, found := r.locator.HostsCache(cacheName)
	if !found {
		return nil, api.ErrNoCacheNode
	}
	if local {
		snap, err := r.locator.LocalSnapshot(cacheName)
		if err != nil {
			return nil, fmt.Errorf("affinity: local resolve %s: %w", cacheName, err)
		}
		return snap, nil
	}

	var snap *api.Snapshot
	attempt := 0
	op := func() error {
		attempt++
		var err error
		snap, err = r.locator.FetchRemoteSnapshot(ctx, cacheName, owner)
		if err != nil {
			r.logger.Warn("affinity resolution attempt failed", "cache", cacheName, "owner", owner, "attempt", attempt, "err", err)
		}
		return err
	}

	// errorRetries counts attempts, the first one included; the backoff
	// counts retries after the first.
	retries := uint64(0)
	if r.errorRetries > 1 {
		retries = uint64(r.errorRetries - 1)
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(r.errorWait), retries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, fmt.Errorf("affinity: resolve %s from %s: %w", cacheName, owner, api.ErrResolverFailure)
	}
	if snap.Function == nil {
		return nil, api.ErrLocalModeMismatch
	}
	return snap, nil
}

// MapKey implements api.Resolver.
func (r *Resolver) MapKey(ctx context.Context, cacheName string, key []byte) (api.NodeID, error) {
	snap, err := r.snapshotFor(ctx, cacheName)
	if err != nil {
		return "", err
	}
	return snap.Owner(key)
}

// MapKeys implements api.Resolver, grouping keys by owning node. The
// returned mapping preserves no ordering guarantee beyond the grouping
// itself, matching the spec contract.
func (r *Resolver) MapKeys(ctx context.Context, cacheName string, keys [][]byte) (map[api.NodeID][][]byte, error) {
	snap, err := r.snapshotFor(ctx, cacheName)
	if err != nil {
		return nil, err
	}
	out := make(map[api.NodeID][][]byte)
	for _, key := range keys {
		owner, err := snap.Owner(key)
		if err != nil {
			return nil, err
		}
		out[owner] = append(out[owner], key)
	}
	return out, nil
}

// OnNodeLeft implements api.Invalidator. It schedules removal, after
// CleanupDelay, of every cached snapshot hosted by the node that left.
func (r *Resolver) OnNodeLeft(node api.NodeID) {
	r.mu.Lock()
	var affected []string
	for name, c := range r.cells {
		if c.snapshot != nil && c.snapshot.HostedBy == node {
			affected = append(affected, name)
		}
	}
	r.mu.Unlock()

	for _, name := range affected {
		name := name
		r.afterFunc(r.cleanupDelay, func() { r.evict(name) })
	}
}

func (r *Resolver) evict(cacheName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cells, cacheName)
}

// OnTopologyChange implements api.Invalidator: every cached snapshot
// drops partition->nodes entries for versions older than the new one.
func (r *Resolver) OnTopologyChange(version api.TopologyVersion) {
	r.mu.Lock()
	snapshots := make([]*api.Snapshot, 0, len(r.cells))
	for _, c := range r.cells {
		if c.snapshot != nil {
			snapshots = append(snapshots, c.snapshot)
		}
	}
	r.mu.Unlock()

	for _, snap := range snapshots {
		snap.CleanUp(version)
	}
}
