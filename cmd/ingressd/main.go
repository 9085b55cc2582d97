// Command ingressd is the validator ingress datapath daemon: it wires the
// filter program manager (C3), the kernel-bypass socket (C2), the packet
// processor (C4), and the tiered hot store (C5), then exposes the admin
// gRPC/HTTP/WebSocket surface for operators.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vexor/ingress/internal/admin"
	"github.com/vexor/ingress/internal/archive"
	"github.com/vexor/ingress/internal/classify"
	"github.com/vexor/ingress/internal/config"
	"github.com/vexor/ingress/internal/events"
	"github.com/vexor/ingress/internal/hotstore"
	"github.com/vexor/ingress/internal/hotstore/durable"
	"github.com/vexor/ingress/internal/metrics"
	"github.com/vexor/ingress/internal/processor"
	"github.com/vexor/ingress/internal/xdpmgr"
	"github.com/vexor/ingress/internal/xsk"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (env overrides always apply)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := metrics.New(cfg.Metrics.Namespace, prometheus.NewRegistry())

	store, archiveStore, sched, taskTrigger := setupHotStore(cfg, reg)
	defer store.Close()
	if archiveStore != nil {
		defer archiveStore.Close()
	}
	if sched != nil {
		defer sched.Stop()
	}
	if taskTrigger != nil {
		defer taskTrigger.Close()
		go runCloudTaskLoop(ctx, taskTrigger)
	}

	mgr, xdpSock := setupXDP(cfg, reg)
	if mgr != nil {
		defer mgr.Detach()
	}

	proc := setupProcessor(cfg, xdpSock, store, reg)
	proc.Start(ctx)
	defer proc.Stop()

	var tap *processor.Tap
	if cfg.Server.TapSampleEvery > 0 {
		tap = processor.NewTap(cfg.Server.TapSampleEvery)
		proc.AttachTap(tap)
		go tap.Run()
	}

	adminSrv := admin.NewServer(store, proc, tap, reg)
	go func() {
		if err := adminSrv.ListenAndServe(cfg.Server.AdminHTTPAddr); err != nil {
			slog.Error("admin http surface exited", "error", err)
		}
	}()

	if mgr != nil {
		svc := admin.NewAttachDetachService(mgr)
		spiffe := setupSPIFFE(cfg)
		if spiffe != nil {
			defer spiffe.Close()
		}
		go func() {
			if err := admin.ListenAndServeGRPC(cfg.Server.AdminGRPCAddr, svc, spiffe); err != nil {
				slog.Error("admin grpc surface exited", "error", err)
			}
		}()
	}

	slog.Info("ingressd running", "env", cfg.Server.Env, "admin_http", cfg.Server.AdminHTTPAddr)
	<-ctx.Done()
	slog.Info("shutting down")
}

// setupHotStore builds C5: the RAM/durable tiered store, its optional
// archive tier, and whichever compaction trigger the config selects — an
// in-process Scheduler for single-node deployments, or a Cloud Tasks queue
// for multi-node ones where only one delivered task should compact at a
// time.
func setupHotStore(cfg *config.Config, reg *metrics.Registry) (*hotstore.Store, *archive.Store, *archive.Scheduler, *archive.CloudTaskTrigger) {
	tier, err := durable.NewTier(durable.TierConfig{
		Backend:         cfg.HotStore.Backend,
		FileDir:         cfg.HotStore.FileDir,
		SpannerProject:  cfg.HotStore.Spanner.ProjectID,
		SpannerInstance: cfg.HotStore.Spanner.InstanceID,
		SpannerDatabase: cfg.HotStore.Spanner.DatabaseID,
	})
	if err != nil {
		slog.Error("durable tier init failed", "error", err)
		os.Exit(1)
	}

	var emitter events.EventEmitter
	if cfg.PubSub.Enabled {
		bus, err := events.NewPubSubBus(cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		if err != nil {
			slog.Warn("pubsub event bus init failed, falling back to in-memory", "error", err)
			emitter = events.NewBus()
		} else {
			emitter = bus
		}
	} else {
		emitter = events.NewBus()
	}

	store := hotstore.New(hotstore.Config{
		Policy:            hotstore.Policy(cfg.HotStore.EvictionPolicy),
		MaxEntries:        cfg.HotStore.MaxEntries,
		MaxMemory:         int(cfg.HotStore.MaxMemoryBytes),
		EnableIntegrity:   cfg.HotStore.EnableIntegrityHash,
		WritebackInterval: time.Duration(cfg.HotStore.WritebackIntervalMs) * time.Millisecond,
	}, tier, emitter, reg)

	if !cfg.HotStore.Archive.Enabled {
		return store, nil, nil, nil
	}

	archiveStore, err := archive.Open(cfg.HotStore.Archive.PostgresDSN)
	if err != nil {
		slog.Warn("archive tier init failed, compaction disabled", "error", err)
		return store, nil, nil, nil
	}
	store.AttachArchive(archiveStore)

	if cfg.HotStore.Archive.CloudTasksProject != "" {
		trigger, err := archive.NewCloudTaskTrigger(
			cfg.HotStore.Archive.CloudTasksProject,
			cfg.HotStore.Archive.CloudTasksLocation,
			cfg.HotStore.Archive.CloudTasksQueue,
			"http://"+cfg.Server.AdminHTTPAddr+"/v1/compact",
		)
		if err != nil {
			slog.Warn("cloud tasks trigger init failed, falling back to in-process scheduler", "error", err)
		} else {
			return store, archiveStore, nil, trigger
		}
	}

	var lock *archive.CompactionLock
	if cfg.HotStore.Archive.RedisLockAddr != "" {
		lock, err = archive.NewCompactionLock(cfg.HotStore.Archive.RedisLockAddr, "", 0, "ingress:compaction", 30*time.Second)
		if err != nil {
			slog.Warn("compaction lock init failed, running unlocked", "error", err)
			lock = nil
		}
	}

	sched := archive.NewScheduler(store, lock, archive.SchedulerConfig{
		Interval:        30 * time.Second,
		SlotWindow:      cfg.HotStore.Archive.CompactOlderThan,
		CurrentSlotFunc: currentSlot,
	})
	return store, archiveStore, sched, nil
}

// runCloudTaskLoop periodically enqueues a compaction-trigger task; Cloud
// Tasks' own queue rate limiting governs actual delivery cadence.
func runCloudTaskLoop(ctx context.Context, trigger *archive.CloudTaskTrigger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := trigger.Enqueue(ctx, 0); err != nil {
				slog.Warn("compaction task enqueue failed", "error", err)
			}
		}
	}
}

// setupSPIFFE connects to the local SPIRE agent when mTLS is configured for
// the admin gRPC surface. A failure here is non-fatal: the surface falls
// back to plaintext, which is acceptable only when the listen address is
// loopback-only.
func setupSPIFFE(cfg *config.Config) *admin.SPIFFESource {
	if !cfg.Security.SPIFFEEnabled {
		return nil
	}
	source, err := admin.NewSPIFFESource(workloadSocketPath(), cfg.Security.TrustDomain, cfg.Security.AllowedSPIFFEID)
	if err != nil {
		slog.Warn("spiffe source init failed, admin grpc surface serving plaintext", "error", err)
		return nil
	}
	return source
}

func workloadSocketPath() string {
	if p := os.Getenv("SPIFFE_ENDPOINT_SOCKET"); p != "" {
		return p
	}
	return "unix:///tmp/spire-agent/public/api.sock"
}

// currentSlot is a placeholder clock for compaction scheduling; consensus
// slot production is out of scope here, so the datapath tracks only a
// monotonically increasing counter seeded from wall-clock seconds.
func currentSlot() uint64 {
	return uint64(time.Now().Unix())
}

// setupXDP builds C3 and C2: the shared filter program manager and one
// kernel-bypass socket for queue 0. If the manager cannot be built or
// initialised, both results are nil; if the socket cannot be built, set
// up, registered or attached, the manager is returned with a nil socket.
// A nil socket makes the processor fall back to its UDP path.
func setupXDP(cfg *config.Config, reg *metrics.Registry) (*xdpmgr.Manager, *xsk.Socket) {
	if cfg.XDP.Disabled || cfg.XDP.Interface == "" {
		return nil, nil
	}

	ports := classify.NewPortMap(cfg.XDP.PortFlowClass)
	mgr, err := xdpmgr.New(xdpmgr.Config{
		Interface:   cfg.XDP.Interface,
		ListenPorts: ports,
		Mode:        xdpmgr.AttachMode(cfg.XDP.AttachMode),
		PinnedPath:  cfg.XDP.PinnedPath,
	}, reg)
	if err != nil {
		slog.Warn("xdp manager construction failed, falling back", "error", err)
		return nil, nil
	}
	if err := mgr.Init(); err != nil {
		slog.Warn("xdp manager init failed, falling back", "error", err)
		return nil, nil
	}

	sock, err := xsk.New(xsk.Config{
		Interface:    cfg.XDP.Interface,
		FrameSize:    cfg.XDP.FrameSize,
		RingCapacity: cfg.XDP.RingCapacity,
	})
	if err != nil {
		slog.Warn("kernel-bypass socket construction failed, falling back", "error", err)
		return mgr, nil
	}
	if err := sock.Setup(); err != nil {
		slog.Warn("kernel-bypass socket setup failed, falling back", "error", err)
		return mgr, nil
	}

	if _, err := mgr.Register(sock.Identity, sock.FD()); err != nil {
		slog.Warn("queue registration failed, falling back", "error", err)
		return mgr, nil
	}
	if err := mgr.Attach(); err != nil {
		slog.Warn("filter program attach failed, falling back", "error", err)
		return mgr, nil
	}
	return mgr, sock
}

// setupProcessor builds C4 and registers one handler per tracked flow
// class: each handler reads the sending peer's cached account state and
// writes back an updated access record, exercising C5 from the dispatch
// path the way a real flow handler would.
func setupProcessor(cfg *config.Config, xdpSock *xsk.Socket, store *hotstore.Store, reg *metrics.Registry) *processor.Processor {
	ports := classify.NewPortMap(cfg.XDP.PortFlowClass)
	proc, err := processor.New(processor.Config{
		Workers:      cfg.Server.WorkerThreads,
		Ports:        ports,
		FallbackAddr: ":8899",
	}, xdpSock, reg)
	if err != nil {
		slog.Error("processor construction failed", "error", err)
		os.Exit(1)
	}

	for _, fc := range []classify.FlowClass{classify.FlowTxLegacy, classify.FlowTxQUIC, classify.FlowVote} {
		proc.RegisterHandler(fc, accountTouchHandler(store))
	}
	return proc
}

// accountTouchHandler derives a cache key from the sending peer's address
// and records a touch against it, demonstrating the get/put path a real
// transaction or vote handler would drive.
func accountTouchHandler(store *hotstore.Store) processor.Handler {
	return func(pkt classify.Packet) {
		key := peerKey(pkt)
		ctx := context.Background()
		acct, ok, err := store.Get(ctx, key)
		if err != nil {
			slog.Warn("hot store get failed", "error", err)
			return
		}
		if !ok {
			acct = hotstore.Account{Lamports: 0}
		}
		acct.Lamports++
		store.Put(key, acct, uint64(acct.Lamports))
	}
}

// peerKey hashes the packet's source address and port into a cache key.
// Real account keys are protocol-defined 32-byte public keys; this is a
// diagnostic stand-in since key derivation is out of scope here.
func peerKey(pkt classify.Packet) hotstore.Key {
	h := sha256.New()
	h.Write(pkt.SrcIP[:])
	h.Write([]byte{byte(pkt.SrcPort >> 8), byte(pkt.SrcPort)})
	var key hotstore.Key
	copy(key[:], h.Sum(nil))
	return key
}
