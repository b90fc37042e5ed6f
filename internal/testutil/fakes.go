// Package testutil provides in-memory fakes for the loader's network
// collaborators, letting engine- and buffer-level tests drive node-left,
// send-failure, and response-delivery scenarios deterministically
// instead of through a real libp2p swarm. Grounded on the teacher's
// practice of hand-rolled mock collaborators for its own service tests,
// adapted here to the loader's Transport/Discovery shape.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"

	affapi "github.com/oasisprotocol/dataloader/go/affinity/api"
	"github.com/oasisprotocol/dataloader/go/internal/wire"
	loaderpkg "github.com/oasisprotocol/dataloader/go/loader"
)

// FakeNetwork is a shared in-memory switchboard: every FakeTransport
// registered on it can reach every other, and FakeDiscovery instances
// sharing one FakeNetwork observe each other's membership changes.
type FakeNetwork struct {
	mu        sync.Mutex
	nodes     map[affapi.NodeID]*FakeTransport
	alive     map[affapi.NodeID]bool
	listeners map[*fakeSub]func(loaderpkg.TopologyEvent)
	version   affapi.TopologyVersion

	// SendHook, if set, intercepts every SendLoadRequest; returning a
	// non-nil error simulates a send failure without touching Alive.
	SendHook func(from, to affapi.NodeID, req wire.LoadRequest) error

	// PingHook, if set, overrides PingNode's result independent of
	// Alive/isAlive, so a test can simulate a node that still looks alive
	// by cached membership but no longer answers a direct ping.
	PingHook func(node affapi.NodeID) bool
}

// NewFakeNetwork returns an empty network with every registered node
// initially alive.
func NewFakeNetwork() *FakeNetwork {
	return &FakeNetwork{
		nodes:     make(map[affapi.NodeID]*FakeTransport),
		alive:     make(map[affapi.NodeID]bool),
		listeners: make(map[*fakeSub]func(loaderpkg.TopologyEvent)),
	}
}

// NewTransport registers and returns a new FakeTransport for node.
func (n *FakeNetwork) NewTransport(node affapi.NodeID) *FakeTransport {
	t := &FakeTransport{
		net:       n,
		self:      node,
		listeners: make(map[string]func(from affapi.NodeID, resp wire.LoadResponse)),
	}
	n.mu.Lock()
	n.nodes[node] = t
	n.alive[node] = true
	n.mu.Unlock()
	return t
}

// SetAlive marks node as joined (NodeJoined) or left (NodeLeft), notifying every
// FakeDiscovery subscriber sharing this network.
func (n *FakeNetwork) SetAlive(node affapi.NodeID, alive bool) {
	n.mu.Lock()
	n.alive[node] = alive
	n.version++
	version := n.version
	listeners := make([]func(loaderpkg.TopologyEvent), 0, len(n.listeners))
	for _, fn := range n.listeners {
		listeners = append(listeners, fn)
	}
	n.mu.Unlock()

	kind := loaderpkg.NodeJoined
	if !alive {
		kind = loaderpkg.NodeLeft
	}
	ev := loaderpkg.TopologyEvent{Kind: kind, Node: node, Version: version}
	for _, fn := range listeners {
		fn(ev)
	}
}

func (n *FakeNetwork) isAlive(node affapi.NodeID) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	alive, ok := n.alive[node]
	return !ok || alive
}

// FakeTransport implements loader.Transport over a FakeNetwork.
type FakeTransport struct {
	net  *FakeNetwork
	self affapi.NodeID

	mu        sync.Mutex
	listeners map[string]func(from affapi.NodeID, resp wire.LoadResponse)
}

func (t *FakeTransport) LocalNodeID() affapi.NodeID { return t.self }

// SendLoadRequest passes req to SendHook, if set, and fails with
// context.DeadlineExceeded when node is marked not alive. It delivers
// nothing; the test is expected to call DeliverResponse itself (there is
// no automatic remote-apply loop, since these fakes exist to exercise
// the Buffer/Engine's reaction to sends and responses, not a second
// copy of the Updater dispatch).
func (t *FakeTransport) SendLoadRequest(ctx context.Context, node affapi.NodeID, req wire.LoadRequest) error {
	if t.net.SendHook != nil {
		if err := t.net.SendHook(t.self, node, req); err != nil {
			return err
		}
	}
	if !t.net.isAlive(node) {
		return context.DeadlineExceeded
	}
	return nil
}

func (t *FakeTransport) AddResponseListener(topic string, fn func(from affapi.NodeID, resp wire.LoadResponse)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.listeners[topic] = fn
	return nil
}

func (t *FakeTransport) RemoveResponseListener(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.listeners, topic)
}

// DeliverResponse simulates a LoadResponse for req arriving back at
// req.ResponseTopic, as if sent by from.
func (t *FakeTransport) DeliverResponse(from affapi.NodeID, topic string, resp wire.LoadResponse) {
	t.mu.Lock()
	fn, ok := t.listeners[topic]
	t.mu.Unlock()
	if ok {
		fn(from, resp)
	}
}

type fakeSub struct {
	net    *FakeNetwork
	cancel func()
}

func (s *fakeSub) Cancel() { s.cancel() }

// FakeDiscovery implements loader.Discovery over a FakeNetwork.
type FakeDiscovery struct {
	net  *FakeNetwork
	self affapi.NodeID

	pingCalls int32
}

// NewFakeDiscovery returns a Discovery view of net for self.
func NewFakeDiscovery(net *FakeNetwork, self affapi.NodeID) *FakeDiscovery {
	return &FakeDiscovery{net: net, self: self}
}

func (d *FakeDiscovery) Alive(node affapi.NodeID) bool {
	return d.net.isAlive(node)
}

// PingNode reports net.PingHook(node) if the test installed one,
// otherwise falls back to the same cached membership Alive uses.
func (d *FakeDiscovery) PingNode(ctx context.Context, node affapi.NodeID) bool {
	atomic.AddInt32(&d.pingCalls, 1)
	if d.net.PingHook != nil {
		return d.net.PingHook(node)
	}
	return d.net.isAlive(node)
}

// PingCalls returns how many times PingNode has been invoked, letting a
// test assert the send-failure path actually falls back to a ping rather
// than trusting cached Alive membership alone.
func (d *FakeDiscovery) PingCalls() int32 {
	return atomic.LoadInt32(&d.pingCalls)
}

func (d *FakeDiscovery) Nodes() []affapi.NodeID {
	d.net.mu.Lock()
	defer d.net.mu.Unlock()
	out := make([]affapi.NodeID, 0, len(d.net.alive))
	for node := range d.net.alive {
		out = append(out, node)
	}
	return out
}

func (d *FakeDiscovery) Subscribe(fn func(loaderpkg.TopologyEvent)) loaderpkg.Subscription {
	sub := &fakeSub{net: d.net}
	d.net.mu.Lock()
	d.net.listeners[sub] = fn
	d.net.mu.Unlock()
	sub.cancel = func() {
		d.net.mu.Lock()
		delete(d.net.listeners, sub)
		d.net.mu.Unlock()
	}
	return sub
}

var (
	_ loaderpkg.Transport  = (*FakeTransport)(nil)
	_ loaderpkg.Discovery  = (*FakeDiscovery)(nil)
)
