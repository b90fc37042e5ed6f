// Package loader implements the client-side bulk data loader: the
// per-node Buffer (spec §4.2), the Loader Engine that partitions and
// remaps batches across buffers (spec §4.3), the Flush Scheduler (§4.4),
// the Topology Listener (§4.5), and the Response Router (§4.6).
package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/multierr"

	affapi "github.com/oasisprotocol/dataloader/go/affinity/api"
	"github.com/oasisprotocol/dataloader/go/internal/logging"
	"github.com/oasisprotocol/dataloader/go/internal/wire"
	loaderapi "github.com/oasisprotocol/dataloader/go/loader/api"
)

type lifecycleState int32

const (
	stateOpen lifecycleState = iota
	stateClosing
	stateClosed
)

// Resolver is the subset of affinity.Resolver the engine depends on.
type Resolver interface {
	MapKey(ctx context.Context, cacheName string, key []byte) (affapi.NodeID, error)
}

// Loader is the engine from spec §4.3: the owner of every Buffer for one
// cacheName, responsible for partitioning batches, remapping on
// node-left, and draining or cancelling on close.
type Loader struct {
	cfg       loaderapi.Config
	resolver  Resolver
	discovery Discovery
	transport Transport

	deployment *wire.Deployment
	respTopic  string

	buffers sync.Map // affapi.NodeID -> *Buffer

	busy sync.RWMutex // write side taken once, by Close, as a barrier
	st   int32        // lifecycleState, accessed atomically
	cancelled int32

	activeMu          sync.Mutex
	activeSubmissions map[*Completion]struct{}

	overallDone *Completion

	scheduler *FlushScheduler
	topology  *topologyListener
	router    *responseRouter

	logger  *logging.Logger
	metrics *Metrics
}

// Option configures optional Loader behavior at construction time.
type Option func(*Loader)

// WithDeploymentClass attaches a peer-deployment descriptor (spec's
// peer-class-loading Open Question, resolved via ResolveDeploymentClass)
// to every batch this Loader submits remotely. className0 is the
// caller's best-effort "what produced these entries" class name,
// generally the Updater's own type; isPlatformClass filters out
// platform/builtin updaters that have no business being redeployed
// (nil defaults to DefaultClassOriginPredicate, i.e. nothing is
// filtered). An empty resolved class name disables deployment entirely,
// matching the zero-value (no-deployment) behavior.
func WithDeploymentClass(explicit, className0 string, isPlatformClass ClassOriginPredicate, mode wire.DeploymentMode, userVersion int64, participants []string) Option {
	return func(l *Loader) {
		class := ResolveDeploymentClass(explicit, className0, isPlatformClass)
		l.deployment = newDeploymentDescriptor(mode, class, userVersion, participants)
	}
}

// New constructs a Loader for cfg, wiring it to scheduler (may be nil to
// disable auto-flush entirely), discovery, and transport.
func New(cfg loaderapi.Config, resolver Resolver, discovery Discovery, transport Transport, scheduler *FlushScheduler, metrics *Metrics, opts ...Option) (*Loader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	l := &Loader{
		cfg:               cfg,
		resolver:          resolver,
		discovery:         discovery,
		transport:         transport,
		respTopic:         fmt.Sprintf("loader/%s/%s", cfg.CacheName, transport.LocalNodeID()),
		activeSubmissions: make(map[*Completion]struct{}),
		overallDone:       newCompletion(),
		scheduler:         scheduler,
		logger:            logging.GetLogger("loader/engine").With("cache", cfg.CacheName),
		metrics:           metrics,
	}

	for _, opt := range opts {
		opt(l)
	}

	router, err := newResponseRouter(l, transport, l.respTopic)
	if err != nil {
		return nil, fmt.Errorf("loader: register response listener: %w", err)
	}
	l.router = router
	l.topology = newTopologyListener(l, discovery)

	if cfg.AutoFlushFreq > 0 && scheduler != nil {
		scheduler.Enlist(l, cfg.AutoFlushFreq)
	}

	return l, nil
}

func (l *Loader) state() lifecycleState {
	return lifecycleState(atomic.LoadInt32(&l.st))
}

// bufferFor finds or atomically installs the Buffer for node.
func (l *Loader) bufferFor(node affapi.NodeID) *Buffer {
	if v, ok := l.buffers.Load(node); ok {
		return v.(*Buffer)
	}
	nb := newBuffer(node, node == l.transport.LocalNodeID(), l.cfg, l.transport, l.discovery, l.respTopic, l.deployment, l.metrics)
	actual, _ := l.buffers.LoadOrStore(node, nb)
	return actual.(*Buffer)
}

// AddData is the public ingest entry point (spec §6 addData(entries)).
func (l *Loader) AddData(entries []loaderapi.Entry) *Completion {
	l.busy.RLock()
	defer l.busy.RUnlock()

	result := newCompletion()
	if l.state() != stateOpen {
		result.Resolve(loaderapi.ErrLoaderClosed)
		return result
	}
	if len(entries) == 0 {
		result.Resolve(nil)
		return result
	}

	l.activeMu.Lock()
	l.activeSubmissions[result] = struct{}{}
	l.activeMu.Unlock()
	result.Then(func(error) {
		l.activeMu.Lock()
		delete(l.activeSubmissions, result)
		l.activeMu.Unlock()
	})

	// The first pass runs here, under the busy read-lock, so every
	// admitted entry sits in a Buffer before AddData returns and a later
	// Flush or Close sees it.
	live := newKeySet(entries)
	l.load0(entries, result, live, 0)
	return result
}

// AddEntry is the single-entry convenience form (spec §6 addData(key,
// value)); a nil value means delete.
func (l *Loader) AddEntry(key, value []byte) *Completion {
	var entry loaderapi.Entry
	if value == nil {
		entry = loaderapi.NewRemoval(key)
	} else {
		entry = loaderapi.NewPut(key, value)
	}
	return l.AddData([]loaderapi.Entry{entry})
}

// RemoveData is an alias for AddEntry(key, nil) (spec §6).
func (l *Loader) RemoveData(key []byte) *Completion {
	return l.AddEntry(key, nil)
}

// load0 is the partition-and-remap loop from spec §4.3.
func (l *Loader) load0(entries []loaderapi.Entry, result *Completion, live *keySet, remapCount int) {
	// A Close(cancel=true) that lands between admission in AddData and
	// this run (the first one or a remap) must not let it touch a
	// Buffer at all: resolving here, before any grouping or Update
	// call, is what keeps a cancelled Loader from sending anything.
	if atomic.LoadInt32(&l.cancelled) == 1 {
		result.Resolve(loaderapi.ErrCancelled)
		return
	}
	if remapCount >= l.cfg.MaxRemaps {
		result.Resolve(loaderapi.ErrTooManyRemaps)
		return
	}
	if remapCount > 0 && l.metrics != nil {
		l.metrics.RemapsTotal.Inc()
	}

	groups := make(map[affapi.NodeID][]loaderapi.Entry)
	for _, e := range entries {
		node, err := l.resolver.MapKey(context.Background(), l.cfg.CacheName, e.Key)
		if err != nil {
			result.Resolve(fmt.Errorf("%w: %v", loaderapi.ErrNoTopology, err))
			return
		}
		groups[node] = append(groups[node], e)
	}

	for node, groupEntries := range groups {
		node, groupEntries := node, groupEntries
		buf := l.bufferFor(node)

		comp := buf.Update(groupEntries, nil)
		comp.Then(func(err error) {
			if err == nil {
				live.removeAll(groupEntries)
				if live.empty() {
					result.Resolve(nil)
				}
				return
			}
			if atomic.LoadInt32(&l.cancelled) == 1 {
				result.Resolve(loaderapi.ErrCancelled)
				return
			}
			l.load0(groupEntries, result, live, remapCount+1)
		})

		if !l.discovery.Alive(node) {
			if v, ok := l.buffers.Load(node); ok && v.(*Buffer) == buf {
				l.buffers.Delete(node)
			}
			go buf.OnNodeLeft()
		}
	}
}

// Flush blocks until all currently-submitted work across every buffer is
// complete (spec §4.3, idempotent). Per-buffer terminal failures are
// aggregated with go-multierror rather than reporting only the first,
// since independent buffers fail for independent reasons.
func (l *Loader) Flush(ctx context.Context) error {
	l.busy.RLock()
	var parts []*Completion
	l.buffers.Range(func(_, v interface{}) bool {
		parts = append(parts, v.(*Buffer).Flush())
		return true
	})
	l.busy.RUnlock()

	start := time.Now()
	var merr *multierror.Error
	for _, part := range parts {
		if err := part.Wait(ctx); err != nil {
			merr = multierror.Append(merr, err)
		}
	}
	if l.metrics != nil {
		l.metrics.FlushSeconds.Observe(time.Since(start).Seconds())
	}
	return merr.ErrorOrNil()
}

// Close transitions OPEN -> CLOSING -> CLOSED (spec §4.3). cancel=false
// performs a final flush; cancel=true aborts outstanding work.
func (l *Loader) Close(ctx context.Context, cancel bool) error {
	if !atomic.CompareAndSwapInt32(&l.st, int32(stateOpen), int32(stateClosing)) {
		return l.overallDone.Wait(ctx)
	}

	if cancel {
		atomic.StoreInt32(&l.cancelled, 1)
	}

	// Busy-lock barrier: wait for any AddData call already past its
	// admission check to finish registering in activeSubmissions before
	// we drain. Past this point no new entries can appear there: every
	// AddData that arrives from here on sees the CLOSING state and
	// resolves ErrLoaderClosed without registering.
	l.busy.Lock()
	l.busy.Unlock()

	result := l.drainActiveSubmissions(ctx, cancel)

	if l.scheduler != nil {
		l.scheduler.Remove(l)
	}
	l.topology.unsubscribe()
	l.router.close()

	atomic.StoreInt32(&l.st, int32(stateClosed))
	l.overallDone.Resolve(result)
	return l.overallDone.Wait(ctx)
}

// drainActiveSubmissions blocks until every AddData call admitted before
// the Close barrier has reached a terminal state (testable property 5:
// no Buffer retains inflight or pending entries once Close resolves).
//
// A remap re-runs load0 from a failed batch's completion callback and can
// create a Buffer after any given pass over l.buffers, so a single Flush
// or CancelAll pass is not enough: it can miss a Buffer that appears
// later. Instead this polls activeSubmissions itself,
// which only shrinks as each batch's own completion resolves (including
// through every remap, since load0 reuses the same top-level Completion),
// and on each tick re-issues Flush/CancelAll so any Buffer created
// meanwhile gets pushed to a terminal state too rather than sitting below
// its submit threshold forever.
func (l *Loader) drainActiveSubmissions(ctx context.Context, cancel bool) error {
	l.activeMu.Lock()
	comps := make([]*Completion, 0, len(l.activeSubmissions))
	for c := range l.activeSubmissions {
		comps = append(comps, c)
	}
	l.activeMu.Unlock()

	for l.activeSubmissionCount() > 0 {
		if cancel {
			l.buffers.Range(func(_, v interface{}) bool {
				v.(*Buffer).CancelAll()
				return true
			})
		} else {
			l.buffers.Range(func(_, v interface{}) bool {
				v.(*Buffer).Flush()
				return true
			})
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}

	// Every comp above is resolved now (activeSubmissionCount hit zero,
	// and entries are only ever removed from activeSubmissions by their
	// own Then callback after Resolve); combine whatever distinct
	// terminal errors individual batches ended up with.
	var result error
	for _, c := range comps {
		result = multierr.Append(result, c.Wait(ctx))
	}
	return result
}

func (l *Loader) activeSubmissionCount() int {
	l.activeMu.Lock()
	defer l.activeMu.Unlock()
	return len(l.activeSubmissions)
}

// Future returns the loader lifecycle completion (spec §6 future()),
// resolved once Close reaches CLOSED.
func (l *Loader) Future() *Completion {
	return l.overallDone
}

// AutoFlushFrequency re-registers (or delists, if freq<=0) this loader
// with the shared Flush Scheduler. Setting the same value repeatedly is
// a no-op with respect to scheduler membership (testable property 6).
func (l *Loader) AutoFlushFrequency(freq time.Duration) {
	l.cfg.AutoFlushFreq = freq
	if l.scheduler == nil {
		return
	}
	if freq <= 0 {
		l.scheduler.Remove(l)
		return
	}
	l.scheduler.Enlist(l, freq)
}

// keySet is the shared "duplicate-removal by key equality" set from
// spec §4.3, mutated across remap iterations.
type keySet struct {
	mu   sync.Mutex
	keys map[string]struct{}
}

func newKeySet(entries []loaderapi.Entry) *keySet {
	m := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		m[string(e.Key)] = struct{}{}
	}
	return &keySet{keys: m}
}

func (s *keySet) removeAll(entries []loaderapi.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		delete(s.keys, string(e.Key))
	}
}

func (s *keySet) empty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys) == 0
}
