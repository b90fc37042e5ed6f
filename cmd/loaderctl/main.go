// Command loaderctl drives a single Loader end to end: it joins a
// libp2p swarm, constructs a Loader over a local Badger store, reads
// key=value pairs from stdin, and flushes on EOF. It exists to make the
// loader a runnable program rather than a library with no entry point,
// the same role the teacher's cmd/ tree plays for its own subsystems.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/oasisprotocol/dataloader/go/affinity"
	affapi "github.com/oasisprotocol/dataloader/go/affinity/api"
	"github.com/oasisprotocol/dataloader/go/internal/logging"
	"github.com/oasisprotocol/dataloader/go/internal/wire"
	"github.com/oasisprotocol/dataloader/go/loader"
	loaderapi "github.com/oasisprotocol/dataloader/go/loader/api"
	"github.com/oasisprotocol/dataloader/go/localstore"
	"github.com/oasisprotocol/dataloader/go/transport"
)

var log = logging.GetLogger("cmd/loaderctl")

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "loaderctl",
		Short: "Stream key=value pairs from stdin into a distributed cache through the bulk data loader",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("cache", "default", "cache name to load into")
	flags.String("listen", "/ip4/127.0.0.1/tcp/0", "libp2p listen multiaddr")
	flags.String("data-dir", "", "badger data directory (empty for in-memory)")
	flags.Int("buffer-size", 512, "per-node buffer size before an automatic submit")
	flags.Int("parallel-ops", 4, "max concurrent in-flight batches per node")
	flags.Duration("auto-flush", 0, "automatic flush interval (0 disables)")
	flags.Int("max-remaps", loaderapi.DefaultMaxRemaps, "remap budget before a batch fails with TooManyRemaps")
	flags.String("deployment-class", "", "peer-deployment class name to attach to remote batches (empty disables)")
	flags.Int64("deployment-version", 0, "user version tag carried in the deployment descriptor")

	if err := v.BindPFlags(flags); err != nil {
		panic(err)
	}
	return cmd
}

func run(ctx context.Context, v *viper.Viper) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	store, err := localstore.Open(v.GetString("cache"), v.GetString("data-dir"))
	if err != nil {
		return fmt.Errorf("loaderctl: open local store: %w", err)
	}
	defer store.Close()

	tr, err := transport.New(ctx, v.GetString("listen"))
	if err != nil {
		return fmt.Errorf("loaderctl: start transport: %w", err)
	}
	defer tr.Close()

	disc, err := transport.NewDiscovery(ctx, tr, "loader/topology")
	if err != nil {
		return fmt.Errorf("loaderctl: start discovery: %w", err)
	}
	defer disc.Close()

	loc := &singleNodeLocator{self: tr.LocalNodeID(), store: store}
	resolver := affinity.New(loc)

	scheduler := loader.NewFlushScheduler()
	defer scheduler.Stop()

	cfg := loaderapi.Config{
		CacheName:     v.GetString("cache"),
		BufSize:       v.GetInt("buffer-size"),
		ParallelOps:   v.GetInt("parallel-ops"),
		AutoFlushFreq: v.GetDuration("auto-flush"),
		MaxRemaps:     v.GetInt("max-remaps"),
		Updater:       store,
	}

	var opts []loader.Option
	if class := v.GetString("deployment-class"); class != "" {
		opts = append(opts, loader.WithDeploymentClass(class, "", nil, wire.DeploymentShared, v.GetInt64("deployment-version"), []string{string(tr.LocalNodeID())}))
	}

	l, err := loader.New(cfg, resolver, disc, tr, scheduler, nil, opts...)
	if err != nil {
		return fmt.Errorf("loaderctl: construct loader: %w", err)
	}

	if err := disc.PublishJoin(ctx, tr.LocalNodeID(), 1); err != nil {
		log.Warn("failed to announce join", "err", err)
	}

	scanner := bufio.NewScanner(os.Stdin)
	var comps []*loader.Completion
	var keys []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		key, value, hasValue := strings.Cut(line, "=")
		var comp *loader.Completion
		if hasValue && value != "" {
			comp = l.AddEntry([]byte(key), []byte(value))
		} else {
			comp = l.RemoveData([]byte(key))
		}
		comps = append(comps, comp)
		keys = append(keys, key)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("loaderctl: read stdin: %w", err)
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 30*time.Second)
	defer flushCancel()
	flushErr := l.Flush(flushCtx)
	var lastErr error
	for i, comp := range comps {
		if err := comp.Wait(flushCtx); err != nil {
			log.Error("addData failed", "key", keys[i], "err", err)
			lastErr = err
		}
	}
	if flushErr != nil {
		return fmt.Errorf("loaderctl: final flush: %w", flushErr)
	}
	if lastErr != nil {
		return fmt.Errorf("loaderctl: one or more entries failed: %w", lastErr)
	}
	return nil
}

// singleNodeLocator is the trivial affapi.Locator for a one-process
// deployment of loaderctl: the local node always hosts the configured
// cache, under an identity partitioner.
type singleNodeLocator struct {
	self  affapi.NodeID
	store *localstore.Store
}

func (l *singleNodeLocator) LocalNodeID() affapi.NodeID { return l.self }

func (l *singleNodeLocator) HostsCache(cacheName string) (affapi.NodeID, bool, bool) {
	return l.self, true, true
}

func (l *singleNodeLocator) FetchRemoteSnapshot(ctx context.Context, cacheName string, owner affapi.NodeID) (*affapi.Snapshot, error) {
	return nil, affapi.ErrNoCacheNode
}

func (l *singleNodeLocator) LocalSnapshot(cacheName string) (*affapi.Snapshot, error) {
	return affapi.NewSnapshot(cacheName, singlePartitioner{self: l.self}, nil, 1, l.self), nil
}

// singlePartitioner puts every key in partition 0, owned solely by the
// local node — there is exactly one node in a loaderctl run.
type singlePartitioner struct {
	self affapi.NodeID
}

func (singlePartitioner) Partition(affinityKey []byte) affapi.PartitionID { return 0 }

func (p singlePartitioner) Nodes(partition affapi.PartitionID, version affapi.TopologyVersion) []affapi.NodeID {
	return []affapi.NodeID{p.self}
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
