package loader

import (
	affapi "github.com/oasisprotocol/dataloader/go/affinity/api"
	"github.com/oasisprotocol/dataloader/go/internal/logging"
)

// topologyListener reacts to Discovery membership events (spec §4.5):
// node-left/failed tears down that node's Buffer off the discovery
// goroutine, and every event invalidates the affinity resolver's cache
// for the new topology version.
type topologyListener struct {
	loader   *Loader
	resolver affapi.Invalidator
	sub      Subscription
	logger   *logging.Logger
}

func newTopologyListener(l *Loader, discovery Discovery) *topologyListener {
	t := &topologyListener{
		loader:   l,
		resolver: toInvalidator(l.resolver),
		logger:   logging.GetLogger("loader/topology").With("cache", l.cfg.CacheName),
	}
	t.sub = discovery.Subscribe(t.handle)
	return t
}

// toInvalidator returns r as an affapi.Invalidator, or nil if it doesn't
// implement the interface (e.g. in tests driving the engine against a
// Resolver stub that only implements MapKey).
func toInvalidator(r Resolver) affapi.Invalidator {
	if inv, ok := r.(affapi.Invalidator); ok {
		return inv
	}
	return nil
}

func (t *topologyListener) handle(ev TopologyEvent) {
	switch ev.Kind {
	case NodeLeft, NodeFailed:
		if v, ok := t.loader.buffers.LoadAndDelete(ev.Node); ok {
			buf := v.(*Buffer)
			// Off this goroutine: spec §4.5 forbids blocking the
			// discovery dispatch thread on buffer teardown.
			go buf.OnNodeLeft()
		}
		if t.resolver != nil {
			t.resolver.OnNodeLeft(ev.Node)
		}
	}
	if t.resolver != nil {
		t.resolver.OnTopologyChange(ev.Version)
	}
}

func (t *topologyListener) unsubscribe() {
	if t.sub != nil {
		t.sub.Cancel()
	}
}
