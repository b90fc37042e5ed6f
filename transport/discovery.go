package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	pubsub "github.com/libp2p/go-libp2p-pubsub"

	affapi "github.com/oasisprotocol/dataloader/go/affinity/api"
	loaderpkg "github.com/oasisprotocol/dataloader/go/loader"
)

// wireTopologyEvent is the JSON form published on the topology topic.
// Kept separate from loader.TopologyEvent (which carries an int-based
// EventKind whose wire encoding we want to pin down explicitly rather
// than rely on its int value across versions).
type wireTopologyEvent struct {
	Kind    string              `json:"kind"`
	Node    affapi.NodeID       `json:"node"`
	Version affapi.TopologyVersion `json:"version"`
}

const (
	kindJoined = "joined"
	kindLeft   = "left"
	kindFailed = "failed"
)

// nodeHealth tracks whether a node is presently considered reachable.
// Adapted from the registry status "freeze until epoch" idiom: instead
// of an epoch a node stays frozen until, this keeps a wall-clock instant
// a node is presumed down until, cleared early by a successful ping.
type nodeHealth struct {
	downUntil time.Time
}

func (h nodeHealth) isDown(now time.Time) bool {
	return !h.downUntil.IsZero() && now.Before(h.downUntil)
}

func (h *nodeHealth) markDown(d time.Duration) {
	h.downUntil = time.Now().Add(d)
}

func (h *nodeHealth) markUp() {
	h.downUntil = time.Time{}
}

// downBackoff is how long Alive reports a node as down after a failed
// ping. PingNode itself dials on every call regardless.
const downBackoff = 5 * time.Second

// subscription cancels a Discovery.Subscribe registration.
type subscription struct {
	cancel func()
}

func (s *subscription) Cancel() { s.cancel() }

// Discovery implements loader.Discovery over the shared topology topic:
// every node publishes join/leave/failure events there, and every
// Discovery instance keeps a local membership table built by consuming
// that stream.
type Discovery struct {
	t     *Transport
	topic *pubsub.Topic
	sub   *pubsub.Subscription

	mu        sync.Mutex
	health    map[affapi.NodeID]*nodeHealth
	listeners map[*subscription]func(loaderpkg.TopologyEvent)

	cancel context.CancelFunc
}

// NewDiscovery joins clusterTopic and starts consuming membership
// events published to it.
func NewDiscovery(ctx context.Context, t *Transport, clusterTopic string) (*Discovery, error) {
	topic, err := t.topicFor(clusterTopic)
	if err != nil {
		return nil, err
	}
	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}

	dctx, cancel := context.WithCancel(ctx)
	d := &Discovery{
		t:         t,
		topic:     topic,
		sub:       sub,
		health:    make(map[affapi.NodeID]*nodeHealth),
		listeners: make(map[*subscription]func(loaderpkg.TopologyEvent)),
		cancel:    cancel,
	}
	go d.consume(dctx)
	return d, nil
}

func (d *Discovery) consume(ctx context.Context) {
	for {
		msg, err := d.sub.Next(ctx)
		if err != nil {
			return
		}
		var ev wireTopologyEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Warnw("dropping malformed topology event", "err", err)
			continue
		}
		d.apply(ev)
	}
}

func (d *Discovery) apply(ev wireTopologyEvent) {
	var kind loaderpkg.EventKind
	switch ev.Kind {
	case kindJoined:
		kind = loaderpkg.NodeJoined
	case kindLeft:
		kind = loaderpkg.NodeLeft
	case kindFailed:
		kind = loaderpkg.NodeFailed
	default:
		return
	}

	d.mu.Lock()
	h, ok := d.health[ev.Node]
	if !ok {
		h = &nodeHealth{}
		d.health[ev.Node] = h
	}
	switch kind {
	case loaderpkg.NodeJoined:
		h.markUp()
	case loaderpkg.NodeLeft, loaderpkg.NodeFailed:
		h.markDown(24 * time.Hour) // presumed down until an explicit rejoin
	}
	listeners := make([]func(loaderpkg.TopologyEvent), 0, len(d.listeners))
	for _, fn := range d.listeners {
		listeners = append(listeners, fn)
	}
	d.mu.Unlock()

	event := loaderpkg.TopologyEvent{Kind: kind, Node: ev.Node, Version: ev.Version}
	for _, fn := range listeners {
		fn(event)
	}
}

// Alive implements loader.Discovery.
func (d *Discovery) Alive(node affapi.NodeID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.health[node]
	if !ok {
		return true // unknown nodes are presumed reachable until proven otherwise
	}
	return !h.isDown(time.Now())
}

// PingNode implements loader.Discovery by dialing the peer directly.
func (d *Discovery) PingNode(ctx context.Context, node affapi.NodeID) bool {
	pid, err := peerAddrInfo(node)
	if err != nil {
		return false
	}
	if err := d.t.host.Connect(ctx, d.t.host.Peerstore().PeerInfo(pid)); err != nil {
		d.mu.Lock()
		h, ok := d.health[node]
		if !ok {
			h = &nodeHealth{}
			d.health[node] = h
		}
		h.markDown(downBackoff)
		d.mu.Unlock()
		return false
	}
	d.mu.Lock()
	if h, ok := d.health[node]; ok {
		h.markUp()
	}
	d.mu.Unlock()
	return true
}

// Nodes implements loader.Discovery, returning every node this instance
// has observed.
func (d *Discovery) Nodes() []affapi.NodeID {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]affapi.NodeID, 0, len(d.health))
	for node := range d.health {
		out = append(out, node)
	}
	return out
}

// Subscribe implements loader.Discovery.
func (d *Discovery) Subscribe(fn func(loaderpkg.TopologyEvent)) loaderpkg.Subscription {
	sub := &subscription{}
	d.mu.Lock()
	d.listeners[sub] = fn
	d.mu.Unlock()
	sub.cancel = func() {
		d.mu.Lock()
		delete(d.listeners, sub)
		d.mu.Unlock()
	}
	return sub
}

// PublishJoin/PublishLeave/PublishFailure announce this node's own
// membership transitions to the cluster; version is the caller's
// monotonic topology counter.
func (d *Discovery) PublishJoin(ctx context.Context, self affapi.NodeID, version affapi.TopologyVersion) error {
	return d.publish(ctx, wireTopologyEvent{Kind: kindJoined, Node: self, Version: version})
}

func (d *Discovery) PublishLeave(ctx context.Context, self affapi.NodeID, version affapi.TopologyVersion) error {
	return d.publish(ctx, wireTopologyEvent{Kind: kindLeft, Node: self, Version: version})
}

func (d *Discovery) PublishFailure(ctx context.Context, node affapi.NodeID, version affapi.TopologyVersion) error {
	return d.publish(ctx, wireTopologyEvent{Kind: kindFailed, Node: node, Version: version})
}

func (d *Discovery) publish(ctx context.Context, ev wireTopologyEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return d.topic.Publish(ctx, data)
}

// Close stops consuming topology events.
func (d *Discovery) Close() {
	d.cancel()
}

var _ loaderpkg.Discovery = (*Discovery)(nil)
