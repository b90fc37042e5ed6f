// Package api is the contract between the Loader Engine and the Affinity
// Resolver (spec §4.1): mapping a key to the node that owns it for a
// named cache at the current topology version.
package api

import (
	"context"
	"errors"
)

// NodeID identifies a cluster node. It is opaque to this package; the
// transport package's concrete form is a libp2p peer ID rendered as a
// string.
type NodeID string

// PartitionID is a cache partition number.
type PartitionID uint32

// TopologyVersion is the discovery layer's monotonic membership counter.
type TopologyVersion uint64

// CacheMapper derives the affinity key used for partitioning from a raw
// cache key (the two differ when entries are co-located by a derived
// grouping key rather than by their own key).
type CacheMapper interface {
	AffinityKey(key []byte) []byte
}

// AffinityFunction maps an affinity key to a partition, and a partition
// to its ordered list of owning nodes at a given topology version. The
// first node in Nodes' result is the primary owner.
type AffinityFunction interface {
	Partition(affinityKey []byte) PartitionID
	Nodes(partition PartitionID, version TopologyVersion) []NodeID
}

// IdentityMapper is the default CacheMapper: the affinity key is the key
// itself.
type IdentityMapper struct{}

func (IdentityMapper) AffinityKey(key []byte) []byte { return key }

// Errors returned by Resolver.
var (
	ErrNoCacheNode       = errors.New("affinity: no node hosts the requested cache")
	ErrLocalModeMismatch = errors.New("affinity: cache is in local-only mode")
	ErrResolverFailure   = errors.New("affinity: remote resolution failed")
)

// Locator is the discovery/transport collaborator the Resolver uses to
// find out which node to ask about a cache, and to fetch that node's
// affinity function and mapper when this node isn't the one hosting it.
type Locator interface {
	LocalNodeID() NodeID
	// HostsCache reports, for cacheName: whether any node hosts it at
	// all (found), whether the local node is that host (local), and if
	// not, which remote node is (owner).
	HostsCache(cacheName string) (owner NodeID, local bool, found bool)
	// FetchRemoteSnapshot retrieves owner's affinity function and
	// mapper for cacheName. Called with ERROR_RETRIES attempts spaced
	// ERROR_WAIT apart by the Resolver.
	FetchRemoteSnapshot(ctx context.Context, cacheName string, owner NodeID) (*Snapshot, error)
	// LocalSnapshot builds the snapshot for a cache the local node
	// hosts, from local configuration.
	LocalSnapshot(cacheName string) (*Snapshot, error)
}

// Resolver is the public contract consumed by the Loader Engine.
type Resolver interface {
	MapKey(ctx context.Context, cacheName string, key []byte) (NodeID, error)
	MapKeys(ctx context.Context, cacheName string, keys [][]byte) (map[NodeID][][]byte, error)
}

// Invalidator is the contract consumed by the Topology Listener (§4.5).
type Invalidator interface {
	OnNodeLeft(node NodeID)
	OnTopologyChange(version TopologyVersion)
}
