package localstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	loaderapi "github.com/oasisprotocol/dataloader/go/loader/api"
)

func TestStorePutAndDelete(t *testing.T) {
	s, err := Open("test", "")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	err = s.Apply(ctx, "orders", []loaderapi.Entry{
		loaderapi.NewPut([]byte("a"), []byte("1")),
		loaderapi.NewPut([]byte("b"), []byte("2")),
	})
	require.NoError(t, err)

	v, ok, err := s.Get("orders", []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("1"), v)

	err = s.Apply(ctx, "orders", []loaderapi.Entry{loaderapi.NewRemoval([]byte("a"))})
	require.NoError(t, err)

	_, ok, err = s.Get("orders", []byte("a"))
	require.NoError(t, err)
	require.False(t, ok)

	v, ok, err = s.Get("orders", []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("2"), v)
}

func TestStoreNamespacesByCache(t *testing.T) {
	s, err := Open("test", "")
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.Apply(ctx, "cacheA", []loaderapi.Entry{loaderapi.NewPut([]byte("k"), []byte("a"))}))
	require.NoError(t, s.Apply(ctx, "cacheB", []loaderapi.Entry{loaderapi.NewPut([]byte("k"), []byte("b"))}))

	va, _, err := s.Get("cacheA", []byte("k"))
	require.NoError(t, err)
	vb, _, err := s.Get("cacheB", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, []byte("a"), va)
	require.Equal(t, []byte("b"), vb)
}

func TestStoreDeleteOfMissingKeyIsNoop(t *testing.T) {
	s, err := Open("test", "")
	require.NoError(t, err)
	defer s.Close()

	err = s.Apply(context.Background(), "orders", []loaderapi.Entry{loaderapi.NewRemoval([]byte("ghost"))})
	require.NoError(t, err)
}
