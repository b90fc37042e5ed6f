package loader

import (
	"container/heap"
	"sync"
	"time"

	"github.com/oasisprotocol/dataloader/go/internal/logging"
)

type flushItem struct {
	loader *Loader
	freq   time.Duration
	nextAt time.Time
	index  int
}

// flushHeap is a container/heap min-heap ordered by nextAt, grounded on
// the same priority-queue idiom the teacher uses for its round-timeout
// scheduling.
type flushHeap []*flushItem

func (h flushHeap) Len() int            { return len(h) }
func (h flushHeap) Less(i, j int) bool  { return h[i].nextAt.Before(h[j].nextAt) }
func (h flushHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *flushHeap) Push(x interface{}) {
	item := x.(*flushItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *flushHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[:n-1]
	return item
}

// FlushScheduler is the spec §4.4 shared timer: one goroutine drives
// auto-flush for every enlisted Loader, woken early whenever membership
// changes so the next tick is never later than the soonest deadline.
type FlushScheduler struct {
	mu     sync.Mutex
	items  map[*Loader]*flushItem
	h      flushHeap
	wake   chan struct{}
	stop   chan struct{}
	logger *logging.Logger

	now func() time.Time
}

// NewFlushScheduler starts the scheduler's background loop.
func NewFlushScheduler() *FlushScheduler {
	s := &FlushScheduler{
		items:  make(map[*Loader]*flushItem),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		logger: logging.GetLogger("loader/scheduler"),
		now:    time.Now,
	}
	go s.run()
	return s
}

// Enlist registers l for auto-flush every freq. Re-enlisting with the
// same frequency it already has is a no-op (testable property 6);
// freq<=0 removes l instead.
func (s *FlushScheduler) Enlist(l *Loader, freq time.Duration) {
	if freq <= 0 {
		s.Remove(l)
		return
	}

	s.mu.Lock()
	if item, ok := s.items[l]; ok {
		if item.freq == freq {
			s.mu.Unlock()
			return
		}
		item.freq = freq
		item.nextAt = s.now().Add(freq)
		heap.Fix(&s.h, item.index)
		s.mu.Unlock()
		s.nudge()
		return
	}

	item := &flushItem{loader: l, freq: freq, nextAt: s.now().Add(freq)}
	s.items[l] = item
	heap.Push(&s.h, item)
	s.mu.Unlock()
	s.nudge()
}

// Remove delists l; a no-op if it was never enlisted.
func (s *FlushScheduler) Remove(l *Loader) {
	s.mu.Lock()
	item, ok := s.items[l]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.items, l)
	heap.Remove(&s.h, item.index)
	s.mu.Unlock()
}

// Stop halts the background loop. The scheduler is not reusable after.
func (s *FlushScheduler) Stop() {
	close(s.stop)
}

func (s *FlushScheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *FlushScheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		d := s.nextDelay()
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)

		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.tick()
		}
	}
}

func (s *FlushScheduler) nextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return time.Hour
	}
	d := s.h[0].nextAt.Sub(s.now())
	if d < 0 {
		return 0
	}
	return d
}

// tick pops every item whose deadline has passed, flushes it, and
// reschedules it freq later.
func (s *FlushScheduler) tick() {
	now := s.now()
	var due []*flushItem

	s.mu.Lock()
	for s.h.Len() > 0 && !s.h[0].nextAt.After(now) {
		item := heap.Pop(&s.h).(*flushItem)
		due = append(due, item)
	}
	s.mu.Unlock()

	for _, item := range due {
		item.loader.tryFlushBuffers()

		s.mu.Lock()
		if _, stillEnlisted := s.items[item.loader]; stillEnlisted {
			item.nextAt = now.Add(item.freq)
			heap.Push(&s.h, item)
		}
		s.mu.Unlock()
	}
}

// tryFlushBuffers is the Open-Question resolution for auto-flush: a
// buffer with no pending entries or with an inflight submission already
// running is left alone; autoFlushFreq<=0 never reaches here since
// AutoFlushFrequency/New only enlist for freq>0.
func (l *Loader) tryFlushBuffers() {
	l.buffers.Range(func(_, v interface{}) bool {
		buf := v.(*Buffer)
		if buf.HasPending() && !buf.HasInflight() {
			buf.Flush()
		}
		return true
	})
}
