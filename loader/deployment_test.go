package loader

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	affapi "github.com/oasisprotocol/dataloader/go/affinity/api"
	"github.com/oasisprotocol/dataloader/go/internal/testutil"
	"github.com/oasisprotocol/dataloader/go/internal/wire"
	loaderapi "github.com/oasisprotocol/dataloader/go/loader/api"
)

func TestResolveDeploymentClassPrefersExplicit(t *testing.T) {
	require.Equal(t, "explicit.Class", ResolveDeploymentClass("explicit.Class", "other.Class", nil))
}

func TestResolveDeploymentClassSkipsPlatformClasses(t *testing.T) {
	isPlatform := func(string) bool { return true }
	require.Equal(t, "", ResolveDeploymentClass("", "platform.Class", isPlatform))
}

func TestResolveDeploymentClassSkipsEmptyOrigin(t *testing.T) {
	require.Equal(t, "", ResolveDeploymentClass("", "", nil))
}

func TestResolveDeploymentClassDefaultPredicateAllowsUserCode(t *testing.T) {
	require.Equal(t, "user.Updater", ResolveDeploymentClass("", "user.Updater", nil))
}

func TestWithDeploymentClassReachesSubmittedRequest(t *testing.T) {
	updater := &recordingUpdater{}
	net := testutil.NewFakeNetwork()
	transport := net.NewTransport("local")
	net.NewTransport("remote")
	resolver := newModResolver("remote")
	discovery := testutil.NewFakeDiscovery(net, "local")

	var mu sync.Mutex
	var captured wire.LoadRequest
	net.SendHook = func(from, to affapi.NodeID, req wire.LoadRequest) error {
		mu.Lock()
		captured = req
		mu.Unlock()
		return nil
	}

	cfg := loaderapi.Config{
		CacheName:   "orders",
		BufSize:     1,
		ParallelOps: 1,
		MaxRemaps:   2,
		Updater:     updater,
	}

	l, err := New(cfg, resolver, discovery, transport, nil, nil,
		WithDeploymentClass("", "user.Updater", nil, wire.DeploymentShared, 3, []string{"local", "remote"}))
	require.NoError(t, err)
	require.NotNil(t, l.deployment)

	l.AddData([]loaderapi.Entry{loaderapi.NewPut([]byte{0}, []byte("v0"))})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return captured.Deployment != nil
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "user.Updater", captured.Deployment.ClassName)
	require.Equal(t, wire.DeploymentShared, captured.Deployment.Mode)
	require.Equal(t, int64(3), captured.Deployment.UserVersion)
}

func TestWithoutDeploymentClassRequestCarriesNone(t *testing.T) {
	updater := &recordingUpdater{}
	net := testutil.NewFakeNetwork()
	transport := net.NewTransport("local")
	discovery := testutil.NewFakeDiscovery(net, "local")
	resolver := newModResolver("local")

	cfg := loaderapi.Config{
		CacheName:   "orders",
		BufSize:     100,
		ParallelOps: 1,
		MaxRemaps:   2,
		Updater:     updater,
	}

	l, err := New(cfg, resolver, discovery, transport, nil, nil)
	require.NoError(t, err)
	require.Nil(t, l.deployment)
}
