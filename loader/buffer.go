package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"

	affapi "github.com/oasisprotocol/dataloader/go/affinity/api"
	"github.com/oasisprotocol/dataloader/go/internal/logging"
	"github.com/oasisprotocol/dataloader/go/internal/wire"
	loaderapi "github.com/oasisprotocol/dataloader/go/loader/api"
)

// requestState pairs an in-flight completion with a guard ensuring its
// permit is released exactly once, however the request terminates
// (response, send error, node-left, or cancelAll) — spec invariant 3.
type requestState struct {
	comp     *Completion
	released int32
}

// Buffer accumulates entries destined for one node (spec §4.2). The
// (pending, pendingCompletion) pair is guarded by mu only for the
// duration of an append-or-swap; submission and the network send happen
// outside it, per design notes §9.
type Buffer struct {
	node      affapi.NodeID
	isLocal   bool
	cacheName string
	bufSize   int
	updater   loaderapi.Updater
	transport Transport
	discovery Discovery
	respTopic string
	deployment *wire.Deployment
	logger    *logging.Logger
	metrics   *Metrics

	mu                sync.Mutex
	pending           *deque.Deque
	pendingCompletion *Completion

	permits chan struct{}

	inflightMu   sync.Mutex
	inflight     map[uint64]*requestState
	localHandles map[*Completion]struct{}
	nextReqID    uint64
}

func newBuffer(node affapi.NodeID, isLocal bool, cfg loaderapi.Config, transport Transport, discovery Discovery, respTopic string, deployment *wire.Deployment, metrics *Metrics) *Buffer {
	b := &Buffer{
		node:              node,
		isLocal:           isLocal,
		cacheName:         cfg.CacheName,
		bufSize:           cfg.BufSize,
		updater:           cfg.Updater,
		transport:         transport,
		discovery:         discovery,
		respTopic:         respTopic,
		deployment:        deployment,
		logger:            logging.GetLogger("loader/buffer").With("cache", cfg.CacheName, "node", string(node)),
		metrics:           metrics,
		pending:           deque.New(),
		pendingCompletion: newCompletion(),
		permits:           make(chan struct{}, cfg.ParallelOps),
		inflight:          make(map[uint64]*requestState),
		localHandles:      make(map[*Completion]struct{}),
	}
	return b
}

// Update appends entries under the per-buffer lock, attaches listener to
// the batch they land in, and if the threshold is crossed snapshots and
// submits outside the lock (spec §4.2 steps 1-2).
func (b *Buffer) Update(entries []loaderapi.Entry, listener func(error)) *Completion {
	b.mu.Lock()
	for _, e := range entries {
		b.pending.PushBack(e)
	}
	if b.metrics != nil {
		b.metrics.PendingEntries.WithLabelValues(b.cacheName, string(b.node)).Set(float64(b.pending.Len()))
	}
	comp := b.pendingCompletion
	var toSubmit []loaderapi.Entry
	var submitComp *Completion
	if b.pending.Len() >= b.bufSize {
		toSubmit, submitComp = b.swapLocked()
	}
	b.mu.Unlock()

	if listener != nil {
		comp.Then(listener)
	}

	if toSubmit != nil {
		go b.submit(toSubmit, submitComp)
	}
	return comp
}

// swapLocked must be called with mu held. It snapshots pending and
// installs a fresh (pending, pendingCompletion) pair.
func (b *Buffer) swapLocked() ([]loaderapi.Entry, *Completion) {
	n := b.pending.Len()
	snapshot := make([]loaderapi.Entry, n)
	for i := 0; i < n; i++ {
		snapshot[i] = b.pending.PopFront().(loaderapi.Entry)
	}
	comp := b.pendingCompletion
	b.pendingCompletion = newCompletion()
	if b.metrics != nil {
		b.metrics.PendingEntries.WithLabelValues(b.cacheName, string(b.node)).Set(0)
	}
	return snapshot, comp
}

// HasPending reports whether pending has unflushed entries.
func (b *Buffer) HasPending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending.Len() > 0
}

// HasInflight reports whether any submitted batch is still outstanding.
func (b *Buffer) HasInflight() bool {
	b.inflightMu.Lock()
	defer b.inflightMu.Unlock()
	return len(b.inflight) > 0 || len(b.localHandles) > 0
}

// AvailablePermits reports free parallelism permits (testable property
// 4: at rest this equals parallelOps).
func (b *Buffer) AvailablePermits() int {
	return cap(b.permits) - len(b.permits)
}

func (b *Buffer) acquirePermit() {
	b.permits <- struct{}{}
	if b.metrics != nil {
		b.metrics.AvailablePermits.WithLabelValues(b.cacheName, string(b.node)).Set(float64(b.AvailablePermits()))
	}
}

func (b *Buffer) releasePermit(rs *requestState) {
	if atomic.CompareAndSwapInt32(&rs.released, 0, 1) {
		<-b.permits
		if b.metrics != nil {
			b.metrics.AvailablePermits.WithLabelValues(b.cacheName, string(b.node)).Set(float64(b.AvailablePermits()))
		}
	}
}

// submit drives one batch through §4.2 step 3: acquire a permit, then
// either run the updater locally or send a LoadRequest.
func (b *Buffer) submit(entries []loaderapi.Entry, comp *Completion) {
	b.acquirePermit()
	if b.isLocal {
		b.submitLocal(entries, comp)
		return
	}
	b.submitRemote(entries, comp)
}

func (b *Buffer) submitLocal(entries []loaderapi.Entry, comp *Completion) {
	b.inflightMu.Lock()
	b.localHandles[comp] = struct{}{}
	b.inflightMu.Unlock()

	rs := &requestState{comp: comp}
	go func() {
		err := b.updater.Apply(context.Background(), b.cacheName, entries)
		b.inflightMu.Lock()
		delete(b.localHandles, comp)
		b.inflightMu.Unlock()
		b.releasePermit(rs)
		if err != nil {
			comp.Resolve(fmt.Errorf("%w: %v", loaderapi.ErrUpdaterError, err))
			return
		}
		comp.Resolve(nil)
	}()
}

func (b *Buffer) submitRemote(entries []loaderapi.Entry, comp *Completion) {
	blob, err := wire.MarshalEntries(entries)
	if err != nil {
		rs := &requestState{comp: comp}
		b.releasePermit(rs)
		comp.Resolve(fmt.Errorf("%w: %v", loaderapi.ErrMarshalError, err))
		return
	}

	reqID := atomic.AddUint64(&b.nextReqID, 1)
	rs := &requestState{comp: comp}
	b.inflightMu.Lock()
	b.inflight[reqID] = rs
	if b.metrics != nil {
		b.metrics.InflightRequests.WithLabelValues(b.cacheName, string(b.node)).Set(float64(len(b.inflight)))
	}
	b.inflightMu.Unlock()

	req := wire.LoadRequest{
		ReqID:         reqID,
		ResponseTopic: b.respTopic,
		CacheName:     b.cacheName,
		UpdaterName:   b.updater.Name(),
		EntriesBlob:   blob,
		Deployment:    b.deployment,
	}

	if sendErr := b.transport.SendLoadRequest(context.Background(), b.node, req); sendErr != nil {
		b.inflightMu.Lock()
		delete(b.inflight, reqID)
		b.inflightMu.Unlock()
		b.releasePermit(rs)

		if !b.discovery.Alive(b.node) || !b.discovery.PingNode(context.Background(), b.node) {
			comp.Resolve(fmt.Errorf("%w: %v", loaderapi.ErrNodeLeft, sendErr))
		} else {
			comp.Resolve(sendErr)
		}
	}
	// Permit released from OnResponse/OnNodeLeft/CancelAll otherwise.
}

// OnResponse implements spec §4.2's response handling: unknown request
// ids are logged and dropped, otherwise the matching completion resolves
// with the decoded error (if any) and its permit is released.
func (b *Buffer) OnResponse(reqID uint64, errBlob []byte) {
	b.inflightMu.Lock()
	rs, ok := b.inflight[reqID]
	if ok {
		delete(b.inflight, reqID)
		if b.metrics != nil {
			b.metrics.InflightRequests.WithLabelValues(b.cacheName, string(b.node)).Set(float64(len(b.inflight)))
		}
	}
	b.inflightMu.Unlock()
	if !ok {
		b.logger.Debug("dropping response for unknown or already-failed request", "req_id", reqID)
		return
	}

	b.releasePermit(rs)

	if len(errBlob) > 0 {
		msg, err := wire.UnmarshalUpdaterError(errBlob)
		if err != nil {
			rs.comp.Resolve(fmt.Errorf("%w: %v", loaderapi.ErrMarshalError, err))
			return
		}
		rs.comp.Resolve(fmt.Errorf("%w: %s", loaderapi.ErrUpdaterError, msg))
		return
	}
	rs.comp.Resolve(nil)
}

// OnNodeLeft fails every inflight request and the current pending batch
// with NodeLeft (spec §4.2), a retryable condition the Loader Engine
// turns into a remap.
func (b *Buffer) OnNodeLeft() {
	b.failAll(loaderapi.ErrNodeLeft)
}

// CancelAll fails every outstanding handle with Cancelled (spec §4.2),
// used by Loader.Close(cancel=true), and returns the completions it just
// settled so the caller can aggregate their (already-known) errors.
func (b *Buffer) CancelAll() []*Completion {
	return b.failAll(loaderapi.ErrCancelled)
}

func (b *Buffer) failAll(reason error) []*Completion {
	b.mu.Lock()
	pendingComp := b.pendingCompletion
	b.pending = deque.New()
	b.pendingCompletion = newCompletion()
	b.mu.Unlock()

	b.inflightMu.Lock()
	reqs := b.inflight
	b.inflight = make(map[uint64]*requestState)
	locals := b.localHandles
	b.localHandles = make(map[*Completion]struct{})
	b.inflightMu.Unlock()

	settled := make([]*Completion, 0, len(reqs)+len(locals)+1)

	pendingComp.Resolve(reason)
	settled = append(settled, pendingComp)
	for _, rs := range reqs {
		b.releasePermit(rs)
		rs.comp.Resolve(reason)
		settled = append(settled, rs.comp)
	}
	for comp := range locals {
		comp.Resolve(reason)
		settled = append(settled, comp)
	}
	return settled
}

// Flush returns a completion resolved once every currently-known batch
// for this buffer is resolved, submitting pending first if non-empty
// (spec §4.2 step 4).
func (b *Buffer) Flush() *Completion {
	b.mu.Lock()
	var toSubmit []loaderapi.Entry
	var submitComp *Completion
	if b.pending.Len() > 0 {
		toSubmit, submitComp = b.swapLocked()
	}
	b.mu.Unlock()

	b.inflightMu.Lock()
	parts := make([]*Completion, 0, len(b.inflight)+len(b.localHandles)+1)
	for _, rs := range b.inflight {
		parts = append(parts, rs.comp)
	}
	for comp := range b.localHandles {
		parts = append(parts, comp)
	}
	b.inflightMu.Unlock()

	if submitComp != nil {
		parts = append(parts, submitComp)
		go b.submit(toSubmit, submitComp)
	}

	return joinCompletions(parts)
}
