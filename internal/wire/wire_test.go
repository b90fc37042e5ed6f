package wire

import (
	"errors"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	loaderapi "github.com/oasisprotocol/dataloader/go/loader/api"
)

func TestMarshalUnmarshalEntries(t *testing.T) {
	entries := []loaderapi.Entry{
		loaderapi.NewPut([]byte("a"), []byte("1")),
		loaderapi.NewRemoval([]byte("b")),
	}

	blob, err := MarshalEntries(entries)
	require.NoError(t, err)

	got, err := UnmarshalEntries(blob)
	require.NoError(t, err)
	assert.Equal(t, entries, got)
}

func TestMarshalUnmarshalUpdaterError(t *testing.T) {
	blob := MarshalUpdaterError(errors.New("boom"))
	msg, err := UnmarshalUpdaterError(blob)
	require.NoError(t, err)
	assert.Equal(t, "boom", msg)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	req := LoadRequest{ReqID: 7, CacheName: "C", EntriesBlob: []byte("blob")}
	data, err := MarshalEnvelope("n0", KindLoadRequest, req)
	require.NoError(t, err)

	env, err := UnmarshalEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, "n0", env.From)
	assert.Equal(t, KindLoadRequest, env.Kind)

	var got LoadRequest
	require.NoError(t, cbor.Unmarshal(env.Body, &got))
	assert.Equal(t, req, got)
}
