// Package transport is the network collaborator from spec §6: moving
// LoadRequest/LoadResponse messages between nodes, and publishing the
// topology events Discovery consumes. It is backed by a libp2p host and
// a gossipsub router, with one topic per node for point-to-point
// delivery and one shared topic for membership events.
package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/multiformats/go-multiaddr"

	logging "github.com/ipfs/go-log/v2"

	affapi "github.com/oasisprotocol/dataloader/go/affinity/api"
	"github.com/oasisprotocol/dataloader/go/internal/wire"
	loaderpkg "github.com/oasisprotocol/dataloader/go/loader"
)

var log = logging.Logger("loader/transport")

const responseListenerKind = wire.KindLoadResponse

// Transport implements loader.Transport over libp2p gossipsub. Unlike
// the application-level logging under internal/logging, this package
// uses ipfs/go-log directly, the same split the teacher's own
// networking code draws between its p2p layer and its application
// logger.
type Transport struct {
	host host.Host
	ps   *pubsub.PubSub

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
	subs   map[string]*subHandle
}

type subHandle struct {
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	cancel context.CancelFunc
}

// New starts a libp2p host listening on listenAddr and joins gossipsub.
func New(ctx context.Context, listenAddr string) (*Transport, error) {
	addr, err := multiaddr.NewMultiaddr(listenAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: parse listen addr: %w", err)
	}

	h, err := libp2p.New(libp2p.ListenAddrs(addr))
	if err != nil {
		return nil, fmt.Errorf("transport: new host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("transport: new gossipsub: %w", err)
	}

	return &Transport{
		host:   h,
		ps:     ps,
		topics: make(map[string]*pubsub.Topic),
		subs:   make(map[string]*subHandle),
	}, nil
}

// LocalNodeID implements loader.Transport.
func (t *Transport) LocalNodeID() affapi.NodeID {
	return affapi.NodeID(t.host.ID().String())
}

func (t *Transport) topicFor(name string) (*pubsub.Topic, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if topic, ok := t.topics[name]; ok {
		return topic, nil
	}
	topic, err := t.ps.Join(name)
	if err != nil {
		return nil, fmt.Errorf("transport: join topic %s: %w", name, err)
	}
	t.topics[name] = topic
	return topic, nil
}

// nodeTopic is the per-node request inbox, addressed by peer ID.
func nodeTopic(node affapi.NodeID) string {
	return "loader/request/" + string(node)
}

// SendLoadRequest implements loader.Transport by publishing an envelope
// to the destination node's request topic.
func (t *Transport) SendLoadRequest(ctx context.Context, node affapi.NodeID, req wire.LoadRequest) error {
	topic, err := t.topicFor(nodeTopic(node))
	if err != nil {
		return err
	}
	data, err := wire.MarshalEnvelope(string(t.LocalNodeID()), wire.KindLoadRequest, req)
	if err != nil {
		return err
	}
	return topic.Publish(ctx, data)
}

// AddResponseListener implements loader.Transport: it subscribes to
// topic and dispatches every inbound Envelope of kind load_response to
// fn. Envelopes of any other kind, and malformed ones, are skipped.
func (t *Transport) AddResponseListener(topic string, fn func(from affapi.NodeID, resp wire.LoadResponse)) error {
	pt, err := t.topicFor(topic)
	if err != nil {
		return err
	}
	sub, err := pt.Subscribe()
	if err != nil {
		return fmt.Errorf("transport: subscribe %s: %w", topic, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.mu.Lock()
	t.subs[topic] = &subHandle{topic: pt, sub: sub, cancel: cancel}
	t.mu.Unlock()

	go t.dispatchResponses(ctx, sub, fn)
	return nil
}

func (t *Transport) dispatchResponses(ctx context.Context, sub *pubsub.Subscription, fn func(from affapi.NodeID, resp wire.LoadResponse)) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return // ctx cancelled via RemoveResponseListener, or sub cancelled.
		}
		env, err := wire.UnmarshalEnvelope(msg.Data)
		if err != nil {
			log.Warnw("dropping malformed envelope", "err", err)
			continue
		}
		if env.Kind != responseListenerKind {
			continue
		}
		var resp wire.LoadResponse
		if err := cbor.Unmarshal(env.Body, &resp); err != nil {
			log.Warnw("dropping malformed load response", "err", err)
			continue
		}
		fn(affapi.NodeID(env.From), resp)
	}
}

// RemoveResponseListener implements loader.Transport.
func (t *Transport) RemoveResponseListener(topic string) {
	t.mu.Lock()
	h, ok := t.subs[topic]
	if ok {
		delete(t.subs, topic)
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	h.sub.Cancel()
}

// Close shuts down the libp2p host.
func (t *Transport) Close() error {
	return t.host.Close()
}

// peerAddrInfo resolves a NodeID back to a libp2p peer.ID, used by
// Discovery when it needs to dial a node directly (PingNode).
func peerAddrInfo(node affapi.NodeID) (peer.ID, error) {
	return peer.Decode(string(node))
}

var _ loaderpkg.Transport = (*Transport)(nil)
