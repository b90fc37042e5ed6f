// Package wire defines the loader's wire messages (spec §6) and the
// codec used to (de)serialize them: CBOR for structure, snappy for the
// bulk entries payload. Compatibility across versions of this codec is
// explicitly not a goal (spec §1 Non-goals).
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/golang/snappy"

	loaderapi "github.com/oasisprotocol/dataloader/go/loader/api"
)

// DeploymentMode mirrors the source's peer-class-loading modes, reduced
// to a plain descriptor per the spec's design notes §9.
type DeploymentMode int

const (
	DeploymentNone DeploymentMode = iota
	DeploymentShared
	DeploymentIsolated
)

// Deployment is the optional peer-deployment metadata piggybacked on a
// LoadRequest.
type Deployment struct {
	Mode          DeploymentMode `cbor:"mode"`
	ClassName     string         `cbor:"class_name,omitempty"`
	UserVersion   int64          `cbor:"user_version,omitempty"`
	Participants  []string       `cbor:"participants,omitempty"`
	ClassLoaderID string         `cbor:"class_loader_id,omitempty"`
}

// LoadRequest is sent to a destination node to apply a batch.
type LoadRequest struct {
	ReqID         uint64      `cbor:"req_id"`
	ResponseTopic string      `cbor:"response_topic"`
	CacheName     string      `cbor:"cache_name"`
	UpdaterName   string      `cbor:"updater_name"`
	EntriesBlob   []byte      `cbor:"entries_blob"`
	SkipStore     bool        `cbor:"skip_store,omitempty"`
	Deployment    *Deployment `cbor:"deployment,omitempty"`
}

// LoadResponse correlates back to a LoadRequest by ReqID.
type LoadResponse struct {
	ReqID     uint64 `cbor:"req_id"`
	ErrorBlob []byte `cbor:"error_blob,omitempty"`
}

// MarshalEntries encodes entries with CBOR and compresses the result
// with snappy — the "opaque, delegated to the configured marshaller"
// entries-blob from spec §6.
func MarshalEntries(entries []loaderapi.Entry) ([]byte, error) {
	raw, err := cbor.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal entries: %w", err)
	}
	return snappy.Encode(nil, raw), nil
}

// UnmarshalEntries reverses MarshalEntries.
func UnmarshalEntries(blob []byte) ([]loaderapi.Entry, error) {
	raw, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, fmt.Errorf("wire: decompress entries: %w", err)
	}
	var entries []loaderapi.Entry
	if err := cbor.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("wire: unmarshal entries: %w", err)
	}
	return entries, nil
}

// MarshalUpdaterError encodes an error as the opaque error blob carried
// by LoadResponse.
func MarshalUpdaterError(err error) []byte {
	if err == nil {
		return nil
	}
	blob, merr := cbor.Marshal(err.Error())
	if merr != nil {
		// Should never happen for a string; fall back to the raw text.
		return []byte(err.Error())
	}
	return blob
}

// UnmarshalUpdaterError decodes an error blob produced by
// MarshalUpdaterError back into an error message.
func UnmarshalUpdaterError(blob []byte) (string, error) {
	var msg string
	if err := cbor.Unmarshal(blob, &msg); err != nil {
		return "", fmt.Errorf("wire: unmarshal error blob: %w", err)
	}
	return msg, nil
}

// Envelope wraps any wire message for transport, so the transport layer
// can stay message-type agnostic (it just moves bytes).
type Envelope struct {
	From string `cbor:"from"`
	Kind string `cbor:"kind"`
	Body []byte `cbor:"body"`
}

const (
	KindLoadRequest  = "load_request"
	KindLoadResponse = "load_response"
	KindTopology     = "topology"
)

// MarshalEnvelope wraps msg (a LoadRequest or LoadResponse) in an
// Envelope tagged with from and kind, then encodes the whole thing.
func MarshalEnvelope(from, kind string, msg interface{}) ([]byte, error) {
	body, err := cbor.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", loaderapi.ErrMarshalError, err)
	}
	return cbor.Marshal(Envelope{From: from, Kind: kind, Body: body})
}

// UnmarshalEnvelope decodes the outer Envelope only; callers decode Body
// themselves once they know Kind.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", loaderapi.ErrMarshalError, err)
	}
	return env, nil
}
