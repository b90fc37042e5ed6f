package affinity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oasisprotocol/dataloader/go/affinity/api"
)

type modFunction struct{ n int }

func (f modFunction) Partition(key []byte) api.PartitionID {
	if len(key) == 0 {
		return 0
	}
	return api.PartitionID(int(key[0]) % f.n)
}

func (f modFunction) Nodes(p api.PartitionID, _ api.TopologyVersion) []api.NodeID {
	return []api.NodeID{api.NodeID("n" + string(rune('0'+int(p))))}
}

type fakeLocator struct {
	local    api.NodeID
	hosts    map[string]api.NodeID // cacheName -> owner (may equal local)
	fn       api.AffinityFunction
	mu       sync.Mutex
	fetchErr error
	fetchN   int
	fetches  int32
}

func (f *fakeLocator) LocalNodeID() api.NodeID { return f.local }

func (f *fakeLocator) HostsCache(cacheName string) (api.NodeID, bool, bool) {
	owner, ok := f.hosts[cacheName]
	if !ok {
		return "", false, false
	}
	return owner, owner == f.local, true
}

func (f *fakeLocator) LocalSnapshot(cacheName string) (*api.Snapshot, error) {
	return api.NewSnapshot(cacheName, f.fn, api.IdentityMapper{}, 1, f.local), nil
}

func (f *fakeLocator) FetchRemoteSnapshot(ctx context.Context, cacheName string, owner api.NodeID) (*api.Snapshot, error) {
	atomic.AddInt32(&f.fetches, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fetchN > 0 {
		f.fetchN--
		return nil, f.fetchErr
	}
	return api.NewSnapshot(cacheName, f.fn, api.IdentityMapper{}, 1, owner), nil
}

func TestMapKeyLocal(t *testing.T) {
	loc := &fakeLocator{local: "n0", hosts: map[string]api.NodeID{"C": "n0"}, fn: modFunction{n: 3}}
	r := New(loc)

	node, err := r.MapKey(context.Background(), "C", []byte{0})
	require.NoError(t, err)
	assert.Equal(t, api.NodeID("n0"), node)
}

func TestMapKeysGroupsByOwner(t *testing.T) {
	loc := &fakeLocator{local: "n0", hosts: map[string]api.NodeID{"C": "n0"}, fn: modFunction{n: 3}}
	r := New(loc)

	groups, err := r.MapKeys(context.Background(), "C", [][]byte{{0}, {1}, {2}, {3}})
	require.NoError(t, err)
	assert.Len(t, groups["n0"], 2) // keys 0 and 3 both hash to partition 0
	assert.Len(t, groups["n1"], 1)
	assert.Len(t, groups["n2"], 1)
}

func TestMapKeyNoCacheNode(t *testing.T) {
	loc := &fakeLocator{local: "n0", hosts: map[string]api.NodeID{}}
	r := New(loc)

	_, err := r.MapKey(context.Background(), "missing", []byte{0})
	assert.ErrorIs(t, err, api.ErrNoCacheNode)
}

func TestResolverCoherence(t *testing.T) {
	loc := &fakeLocator{local: "n0", hosts: map[string]api.NodeID{"C": "n1"}, fn: modFunction{n: 3}}
	r := New(loc)

	var wg sync.WaitGroup
	nodes := make([]api.NodeID, 8)
	for i := 0; i < 8; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := r.MapKey(context.Background(), "C", []byte{0})
			require.NoError(t, err)
			nodes[i] = n
		}()
	}
	wg.Wait()

	for _, n := range nodes {
		assert.Equal(t, nodes[0], n)
	}
	assert.EqualValues(t, 1, loc.fetches, "only one caller should have performed the remote fetch")
}

func TestResolverRetriesThenSucceeds(t *testing.T) {
	loc := &fakeLocator{
		local:    "n0",
		hosts:    map[string]api.NodeID{"C": "n1"},
		fn:       modFunction{n: 3},
		fetchErr: errors.New("transient"),
		fetchN:   2,
	}
	r := New(loc)
	r.errorWait = time.Millisecond

	node, err := r.MapKey(context.Background(), "C", []byte{0})
	require.NoError(t, err)
	assert.Equal(t, api.NodeID("n0"), node)
	assert.EqualValues(t, 3, loc.fetches)
}

func TestResolverFailsAfterRetryBudget(t *testing.T) {
	loc := &fakeLocator{
		local:    "n0",
		hosts:    map[string]api.NodeID{"C": "n1"},
		fn:       modFunction{n: 3},
		fetchErr: errors.New("permanent"),
		fetchN:   1000,
	}
	r := New(loc)
	r.errorWait = time.Millisecond
	r.errorRetries = 2

	_, err := r.MapKey(context.Background(), "C", []byte{0})
	assert.ErrorIs(t, err, api.ErrResolverFailure)
}

func TestOnNodeLeftSchedulesEviction(t *testing.T) {
	loc := &fakeLocator{local: "n0", hosts: map[string]api.NodeID{"C": "n1"}, fn: modFunction{n: 3}}
	r := New(loc)

	fired := make(chan func())
	r.afterFunc = func(d time.Duration, f func()) *time.Timer {
		go func() { fired <- f }()
		return time.NewTimer(0)
	}

	_, err := r.MapKey(context.Background(), "C", []byte{0})
	require.NoError(t, err)

	r.OnNodeLeft("n1")
	f := <-fired
	f()

	r.mu.Lock()
	_, stillCached := r.cells["C"]
	r.mu.Unlock()
	assert.False(t, stillCached)
}
