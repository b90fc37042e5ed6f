package loader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	affapi "github.com/oasisprotocol/dataloader/go/affinity/api"
	"github.com/oasisprotocol/dataloader/go/internal/testutil"
	"github.com/oasisprotocol/dataloader/go/internal/wire"
	loaderapi "github.com/oasisprotocol/dataloader/go/loader/api"
)

type recordingUpdater struct {
	mu      sync.Mutex
	applied [][]loaderapi.Entry
	failNext bool
}

func (u *recordingUpdater) Name() string { return "recording" }

func (u *recordingUpdater) Apply(ctx context.Context, cacheName string, entries []loaderapi.Entry) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failNext {
		u.failNext = false
		return errors.New("boom")
	}
	u.applied = append(u.applied, entries)
	return nil
}

func (u *recordingUpdater) batches() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.applied)
}

func waitFor(t *testing.T, comp *Completion) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return comp.Wait(ctx)
}

func testCfg(updater loaderapi.Updater, bufSize, parallelOps int) loaderapi.Config {
	return loaderapi.Config{
		CacheName:   "orders",
		BufSize:     bufSize,
		ParallelOps: parallelOps,
		MaxRemaps:   4,
		Updater:     updater,
	}
}

func TestBufferLocalSubmitOnThreshold(t *testing.T) {
	updater := &recordingUpdater{}
	net := testutil.NewFakeNetwork()
	transport := net.NewTransport("local")
	disc := testutil.NewFakeDiscovery(net, "local")

	cfg := testCfg(updater, 2, 1)
	buf := newBuffer("local", true, cfg, transport, disc, "resp/local", nil, nil)

	c1 := buf.Update([]loaderapi.Entry{loaderapi.NewPut([]byte("a"), []byte("1"))}, nil)
	require.True(t, buf.HasPending())
	c2 := buf.Update([]loaderapi.Entry{loaderapi.NewPut([]byte("b"), []byte("2"))}, nil)

	require.NoError(t, waitFor(t, c1))
	require.NoError(t, waitFor(t, c2))
	require.Equal(t, 1, updater.batches())
}

func TestBufferLocalUpdaterError(t *testing.T) {
	updater := &recordingUpdater{failNext: true}
	net := testutil.NewFakeNetwork()
	transport := net.NewTransport("local")
	disc := testutil.NewFakeDiscovery(net, "local")

	cfg := testCfg(updater, 1, 1)
	buf := newBuffer("local", true, cfg, transport, disc, "resp/local", nil, nil)

	comp := buf.Update([]loaderapi.Entry{loaderapi.NewPut([]byte("a"), []byte("1"))}, nil)
	err := waitFor(t, comp)
	require.ErrorIs(t, err, loaderapi.ErrUpdaterError)
}

func TestBufferRemoteSubmitAndResponse(t *testing.T) {
	updater := &recordingUpdater{}
	net := testutil.NewFakeNetwork()
	transport := net.NewTransport("local")
	net.NewTransport("remote")
	disc := testutil.NewFakeDiscovery(net, "local")

	cfg := testCfg(updater, 1, 1)
	buf := newBuffer("remote", false, cfg, transport, disc, "resp/local", nil, nil)

	comp := buf.Update([]loaderapi.Entry{loaderapi.NewPut([]byte("a"), []byte("1"))}, nil)

	require.Eventually(t, func() bool { return buf.HasInflight() }, time.Second, time.Millisecond)
	require.Equal(t, 0, buf.AvailablePermits())

	// Simulate the remote node's LoadResponse coming back on our topic.
	buf.OnResponse(1, nil)

	require.NoError(t, waitFor(t, comp))
	require.Equal(t, 1, buf.AvailablePermits())
	require.False(t, buf.HasInflight())
}

func TestBufferRemoteUpdaterErrorResponse(t *testing.T) {
	updater := &recordingUpdater{}
	net := testutil.NewFakeNetwork()
	transport := net.NewTransport("local")
	net.NewTransport("remote")
	disc := testutil.NewFakeDiscovery(net, "local")

	cfg := testCfg(updater, 1, 1)
	buf := newBuffer("remote", false, cfg, transport, disc, "resp/local", nil, nil)

	comp := buf.Update([]loaderapi.Entry{loaderapi.NewPut([]byte("a"), []byte("1"))}, nil)
	require.Eventually(t, func() bool { return buf.HasInflight() }, time.Second, time.Millisecond)

	blob := wire.MarshalUpdaterError(errors.New("remote failure"))
	buf.OnResponse(1, blob)

	err := waitFor(t, comp)
	require.ErrorIs(t, err, loaderapi.ErrUpdaterError)
}

func TestBufferUnknownResponseIsDropped(t *testing.T) {
	updater := &recordingUpdater{}
	net := testutil.NewFakeNetwork()
	transport := net.NewTransport("local")
	net.NewTransport("remote")
	disc := testutil.NewFakeDiscovery(net, "local")

	cfg := testCfg(updater, 1, 1)
	buf := newBuffer("remote", false, cfg, transport, disc, "resp/local", nil, nil)

	// No request has been submitted; this must not panic and must not
	// touch the permit count.
	before := buf.AvailablePermits()
	buf.OnResponse(999, nil)
	require.Equal(t, before, buf.AvailablePermits())
}

func TestBufferOnNodeLeftFailsInflightAndPending(t *testing.T) {
	updater := &recordingUpdater{}
	net := testutil.NewFakeNetwork()
	transport := net.NewTransport("local")
	net.NewTransport("remote")
	disc := testutil.NewFakeDiscovery(net, "local")

	cfg := testCfg(updater, 10, 2)
	buf := newBuffer("remote", false, cfg, transport, disc, "resp/local", nil, nil)

	// Force submission to simulate an inflight request even though
	// bufSize (10) hasn't been reached, by flushing directly.
	buf.Update([]loaderapi.Entry{loaderapi.NewPut([]byte("a"), []byte("1"))}, nil)
	flushComp := buf.Flush()
	require.Eventually(t, func() bool { return buf.HasInflight() }, time.Second, time.Millisecond)

	pendingComp := buf.Update([]loaderapi.Entry{loaderapi.NewPut([]byte("b"), []byte("2"))}, nil)

	buf.OnNodeLeft()

	require.Error(t, waitFor(t, flushComp))
	errPending := waitFor(t, pendingComp)
	require.ErrorIs(t, errPending, loaderapi.ErrNodeLeft)
}

func TestBufferRemoteSendFailureFallsBackToPing(t *testing.T) {
	updater := &recordingUpdater{}
	net := testutil.NewFakeNetwork()
	transport := net.NewTransport("local")
	net.NewTransport("remote")
	disc := testutil.NewFakeDiscovery(net, "local")

	// "remote" still reads as alive by cached membership, but no longer
	// answers a direct ping — the exact case §4.2 calls out by name.
	net.SendHook = func(from, to affapi.NodeID, req wire.LoadRequest) error {
		return errors.New("connection reset")
	}
	net.PingHook = func(affapi.NodeID) bool { return false }

	cfg := testCfg(updater, 1, 1)
	buf := newBuffer("remote", false, cfg, transport, disc, "resp/local", nil, nil)

	comp := buf.Update([]loaderapi.Entry{loaderapi.NewPut([]byte("a"), []byte("1"))}, nil)

	err := waitFor(t, comp)
	require.ErrorIs(t, err, loaderapi.ErrNodeLeft)
	require.Greater(t, disc.PingCalls(), int32(0))
}

func TestBufferCancelAll(t *testing.T) {
	updater := &recordingUpdater{}
	net := testutil.NewFakeNetwork()
	transport := net.NewTransport("local")
	disc := testutil.NewFakeDiscovery(net, "local")

	cfg := testCfg(updater, 10, 1)
	buf := newBuffer("local", true, cfg, transport, disc, "resp/local", nil, nil)

	comp := buf.Update([]loaderapi.Entry{loaderapi.NewPut([]byte("a"), []byte("1"))}, nil)
	buf.CancelAll()

	err := waitFor(t, comp)
	require.ErrorIs(t, err, loaderapi.ErrCancelled)
}

func TestBufferFlushSubmitsPending(t *testing.T) {
	updater := &recordingUpdater{}
	net := testutil.NewFakeNetwork()
	transport := net.NewTransport("local")
	disc := testutil.NewFakeDiscovery(net, "local")

	cfg := testCfg(updater, 100, 1)
	buf := newBuffer("local", true, cfg, transport, disc, "resp/local", nil, nil)

	buf.Update([]loaderapi.Entry{loaderapi.NewPut([]byte("a"), []byte("1"))}, nil)
	flushComp := buf.Flush()

	require.NoError(t, waitFor(t, flushComp))
	require.Equal(t, 1, updater.batches())
}
