package loader

import (
	"github.com/eapache/channels"

	affapi "github.com/oasisprotocol/dataloader/go/affinity/api"
	"github.com/oasisprotocol/dataloader/go/internal/logging"
	"github.com/oasisprotocol/dataloader/go/internal/wire"
)

// routedResponse is one inbound LoadResponse queued for dispatch.
type routedResponse struct {
	from affapi.NodeID
	resp wire.LoadResponse
}

// responseRouter is spec §4.6: an unbounded inbound queue (mirroring the
// teacher's blockCh pattern, here an eapache/channels.InfiniteChannel so
// a slow dispatch goroutine never backs up the transport's receive
// callback) that looks up the destination Buffer by source node and
// forwards the response, dropping and logging anything addressed to a
// node this loader no longer tracks.
type responseRouter struct {
	loader    *Loader
	transport Transport
	topic     string

	in     *channels.InfiniteChannel
	logger *logging.Logger
}

func newResponseRouter(l *Loader, transport Transport, topic string) (*responseRouter, error) {
	r := &responseRouter{
		loader:    l,
		transport: transport,
		topic:     topic,
		in:        channels.NewInfiniteChannel(),
		logger:    logging.GetLogger("loader/router").With("cache", l.cfg.CacheName),
	}

	if err := transport.AddResponseListener(topic, r.deliver); err != nil {
		return nil, err
	}

	go r.dispatch()
	return r, nil
}

func (r *responseRouter) deliver(from affapi.NodeID, resp wire.LoadResponse) {
	r.in.In() <- routedResponse{from: from, resp: resp}
}

func (r *responseRouter) dispatch() {
	for v := range r.in.Out() {
		rr := v.(routedResponse)
		buf, ok := r.loader.buffers.Load(rr.from)
		if !ok {
			r.logger.Debug("dropping response: node has left", "node", string(rr.from), "req_id", rr.resp.ReqID)
			continue
		}
		buf.(*Buffer).OnResponse(rr.resp.ReqID, rr.resp.ErrorBlob)
	}
}

func (r *responseRouter) close() {
	// Unsubscribe before closing the queue so no further deliver() call
	// can race Close() of the InfiniteChannel.
	r.transport.RemoveResponseListener(r.topic)
	r.in.Close()
}
