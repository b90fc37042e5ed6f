package loader

import (
	"context"

	affapi "github.com/oasisprotocol/dataloader/go/affinity/api"
	"github.com/oasisprotocol/dataloader/go/internal/wire"
)

// Transport is the network collaborator from spec §6: send a LoadRequest
// to a node, and listen for LoadResponse messages addressed to this
// loader's response topic.
type Transport interface {
	SendLoadRequest(ctx context.Context, node affapi.NodeID, req wire.LoadRequest) error
	AddResponseListener(topic string, fn func(from affapi.NodeID, resp wire.LoadResponse)) error
	RemoveResponseListener(topic string)
	LocalNodeID() affapi.NodeID
}

// EventKind distinguishes the three topology events the Topology
// Listener reacts to (spec §4.5).
type EventKind int

const (
	NodeJoined EventKind = iota
	NodeLeft
	NodeFailed
)

// TopologyEvent is delivered to Discovery subscribers on membership
// change.
type TopologyEvent struct {
	Kind    EventKind
	Node    affapi.NodeID
	Version affapi.TopologyVersion
}

// Subscription cancels a Discovery.Subscribe registration.
type Subscription interface {
	Cancel()
}

// Discovery is the node-membership collaborator from spec §6.
type Discovery interface {
	Alive(node affapi.NodeID) bool
	PingNode(ctx context.Context, node affapi.NodeID) bool
	Nodes() []affapi.NodeID
	Subscribe(fn func(TopologyEvent)) Subscription
}
