package api

import (
	"sync"

	"github.com/google/btree"
)

// Snapshot is the per-cache affinity function bound to the topology
// version it was resolved at, plus a small cache of partition -> nodes
// lookups keyed by version so that repeated MapKey calls against the
// same version don't re-walk AffinityFunction.Nodes, and so that
// CleanUp can drop whole obsolete versions in one range-delete instead
// of a full-map scan.
type Snapshot struct {
	CacheName string
	Function  AffinityFunction
	Mapper    CacheMapper
	Version   TopologyVersion

	// HostedBy is the node this snapshot was resolved from (the local
	// node for a local snapshot, otherwise the remote owner). The
	// Resolver uses it to decide which cached snapshots a node-left
	// event invalidates.
	HostedBy NodeID

	tableMu sync.Mutex
	table   *btree.BTree
}

// NewSnapshot constructs a Snapshot ready for use.
func NewSnapshot(cacheName string, fn AffinityFunction, mapper CacheMapper, version TopologyVersion, hostedBy NodeID) *Snapshot {
	if mapper == nil {
		mapper = IdentityMapper{}
	}
	return &Snapshot{
		CacheName: cacheName,
		Function:  fn,
		Mapper:    mapper,
		Version:   version,
		HostedBy:  hostedBy,
		table:     btree.New(32),
	}
}

type partitionEntry struct {
	version   TopologyVersion
	partition PartitionID
	nodes     []NodeID
}

func (e *partitionEntry) Less(than btree.Item) bool {
	other := than.(*partitionEntry)
	if e.version != other.version {
		return e.version < other.version
	}
	return e.partition < other.partition
}

// Owner returns the primary owner of key under this snapshot, consulting
// (and populating) the per-version partition table.
func (s *Snapshot) Owner(key []byte) (NodeID, error) {
	nodes := s.nodesFor(s.Function.Partition(s.Mapper.AffinityKey(key)))
	if len(nodes) == 0 {
		return "", ErrNoCacheNode
	}
	return nodes[0], nil
}

func (s *Snapshot) nodesFor(partition PartitionID) []NodeID {
	probe := &partitionEntry{version: s.Version, partition: partition}

	s.tableMu.Lock()
	if item := s.table.Get(probe); item != nil {
		nodes := item.(*partitionEntry).nodes
		s.tableMu.Unlock()
		return nodes
	}
	s.tableMu.Unlock()

	nodes := s.Function.Nodes(partition, s.Version)

	entry := &partitionEntry{version: s.Version, partition: partition, nodes: nodes}
	s.tableMu.Lock()
	s.table.ReplaceOrInsert(entry)
	s.tableMu.Unlock()
	return nodes
}

// CleanUp drops every partition->nodes entry cached for a topology
// version strictly older than retain.
func (s *Snapshot) CleanUp(retain TopologyVersion) {
	s.tableMu.Lock()
	defer s.tableMu.Unlock()

	var stale []btree.Item
	s.table.AscendLessThan(&partitionEntry{version: retain}, func(item btree.Item) bool {
		stale = append(stale, item)
		return true
	})
	for _, item := range stale {
		s.table.Delete(item)
	}
}
