// Package orchestrator wires every LatZero component into one running
// daemon: Persistence, the Pool Manager, the Memory Manager, the App
// Registry, the Trigger Router, and Transport, constructed in that order,
// plus the optional AdminRPC introspection surface and the Prometheus/OTel
// observability stack: construct every component, start background loops,
// serve until the Run context is cancelled, then tear down in reverse. OS
// signal handling lives in cmd/latzero, which cancels that context.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/latzero/latzero/internal/config"
	"github.com/latzero/latzero/internal/db"
	"github.com/latzero/latzero/internal/db/boltdb"
	"github.com/latzero/latzero/internal/db/memdb"
	"github.com/latzero/latzero/internal/db/postgres"
	"github.com/latzero/latzero/internal/logging"
	"github.com/latzero/latzero/internal/memory"
	"github.com/latzero/latzero/internal/metrics"
	"github.com/latzero/latzero/internal/observability"
	"github.com/latzero/latzero/internal/persistence"
	"github.com/latzero/latzero/internal/persistence/backupsink"
	"github.com/latzero/latzero/internal/pool"
	"github.com/latzero/latzero/internal/protocol"
	"github.com/latzero/latzero/internal/registry"
	"github.com/latzero/latzero/internal/security"
	"github.com/latzero/latzero/internal/transport"
	"github.com/latzero/latzero/internal/trigger"

	"google.golang.org/grpc"

	"github.com/latzero/latzero/internal/adminrpc"
)

// Orchestrator owns every live component and its background goroutines.
type Orchestrator struct {
	cfg *config.Config

	database  db.Database
	store     *persistence.Store
	ephemeral *persistence.Ephemeral
	security  security.Interface
	memory    *memory.Manager
	pools     *pool.Manager
	registry  *registry.Registry
	router    *trigger.Router
	transport *transport.Transport
	admin     *grpc.Server
	metricsSrv *http.Server

	cancelBackground context.CancelFunc
	wg               sync.WaitGroup
}

// New constructs every component per cfg but does not start serving.
// Call Run to start background loops and accept connections.
func New(cfg *config.Config) (*Orchestrator, error) {
	if err := ensureDataDirs(cfg); err != nil {
		return nil, err
	}

	logging.InitStructured(cfg.Observability.LogFormat, cfg.Observability.LogLevel)

	database, err := openDatabase(cfg.Persistence)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := persistence.New(database)
	ephemeralDB := db.Database(memdb.New())
	if cfg.Persistence.Engine == "memory" {
		ephemeralDB = database
	}
	ephemeral := persistence.NewEphemeral(ephemeralDB)
	sec := security.New()

	pools := pool.New(store, sec)
	mem := memory.New(store, pools, sec)
	reg := registry.New(store, pools, cfg.Registry.RehydrationMaxAge)

	o := &Orchestrator{
		cfg:       cfg,
		database:  database,
		store:     store,
		ephemeral: ephemeral,
		security:  sec,
		memory:    mem,
		pools:     pools,
	}
	o.registry = reg

	dispatcher := &lazyDispatcher{}
	router := trigger.New(reg, pools, ephemeral, dispatcher, cfg.Trigger.RouterConfig())
	o.router = router

	tr := transport.New(transport.Config{
		Address:            cfg.Transport.Addr(),
		UseVsock:           cfg.Transport.UseVsock,
		VsockCID:           cfg.Transport.VsockCID,
		VsockPort:          cfg.Transport.VsockPort,
		MaxConnections:     cfg.Transport.MaxConnections,
		WriteQueueSize:     cfg.Transport.WriteQueueSize,
		WriteTimeout:       cfg.Transport.WriteTimeout,
		RateLimitPerSecond: cfg.Transport.RateLimitPerSecond,
		RateLimitBurst:     cfg.Transport.RateLimitBurst,
	}, o.handleMessage, o.handleDisconnect)
	dispatcher.set(tr)
	o.transport = tr

	if cfg.Observability.Metrics.Enabled {
		metrics.InitPrometheus(cfg.Observability.Metrics.Namespace)
	}

	if err := observability.Init(context.Background(), observability.Config{
		Enabled:     cfg.Observability.Tracing.Enabled,
		Exporter:    cfg.Observability.Tracing.Exporter,
		Endpoint:    cfg.Observability.Tracing.Endpoint,
		ServiceName: cfg.Observability.Tracing.ServiceName,
		SampleRate:  cfg.Observability.Tracing.SampleRate,
	}); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	if cfg.AdminRPC.Enabled {
		srv := adminrpc.New(reg, pools, store, ephemeral, router, mem, tr)
		grpcServer := grpc.NewServer()
		srv.Register(grpcServer)
		o.admin = grpcServer
	}

	return o, nil
}

// lazyDispatcher breaks the Transport<->Router construction cycle: Router
// needs a trigger.Dispatcher at construction time, but Transport (the real
// dispatcher) isn't built until after Router in this wiring order.
type lazyDispatcher struct {
	mu sync.RWMutex
	d  trigger.Dispatcher
}

func (l *lazyDispatcher) set(d trigger.Dispatcher) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.d = d
}

func (l *lazyDispatcher) Send(ctx context.Context, connID int64, msg *protocol.Message) error {
	l.mu.RLock()
	d := l.d
	l.mu.RUnlock()
	if d == nil {
		return errors.New("orchestrator: dispatcher not ready")
	}
	return d.Send(ctx, connID, msg)
}

func ensureDataDirs(cfg *config.Config) error {
	dirs := []string{
		cfg.Persistence.DataDir,
		cfg.Persistence.BackupDir,
		filepath.Join(cfg.Persistence.DataDir, "logs"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return fmt.Errorf("create data dir %s: %w", d, err)
		}
	}
	return nil
}

func openDatabase(cfg config.PersistenceConfig) (db.Database, error) {
	switch cfg.Engine {
	case "postgres":
		return postgres.Open(context.Background(), cfg.PostgresDSN)
	case "memory":
		return memdb.New(), nil
	case "bbolt", "":
		path := filepath.Join(cfg.DataDir, "latzero.db")
		return boltdb.Open(path)
	default:
		return nil, fmt.Errorf("unknown persistence engine %q", cfg.Engine)
	}
}

// Bootstrap rehydrates every component's persisted state. Call once before
// Run.
func (o *Orchestrator) Bootstrap(ctx context.Context) error {
	if err := o.pools.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap pools: %w", err)
	}
	if err := o.registry.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap registry: %w", err)
	}
	if err := o.memory.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrap memory: %w", err)
	}
	return nil
}

// Run starts background sweepers, the admin RPC listener (if enabled), and
// blocks serving Transport connections until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	bgCtx, cancel := context.WithCancel(ctx)
	o.cancelBackground = cancel

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.memory.RunGC(bgCtx, o.cfg.Memory.GCInterval, o.cfg.Memory.IdleMaxAge)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.router.RunSweeper(bgCtx)
	}()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.registry.RunRehydrationSweeper(bgCtx, o.cfg.Registry.RehydrationSweepPeriod)
	}()

	if o.cfg.Observability.Metrics.Enabled {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runGaugePoller(bgCtx)
		}()

		if o.cfg.Observability.Metrics.Addr != "" {
			mux := http.NewServeMux()
			mux.Handle("/metrics", observability.HTTPMiddleware(metrics.Handler()))
			o.metricsSrv = &http.Server{Addr: o.cfg.Observability.Metrics.Addr, Handler: mux}
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				logging.Op().Info("metrics http listening", "address", o.cfg.Observability.Metrics.Addr)
				if err := o.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logging.Op().Warn("metrics http server stopped", "error", err)
				}
			}()
		}
	}

	if o.cfg.Persistence.BackupInterval > 0 {
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			o.runBackupScheduler(bgCtx)
		}()
	}

	if o.admin != nil {
		lis, err := listenAdmin(o.cfg.AdminRPC.Addr)
		if err != nil {
			cancel()
			return fmt.Errorf("listen admin rpc: %w", err)
		}
		o.wg.Add(1)
		go func() {
			defer o.wg.Done()
			logging.Op().Info("adminrpc listening", "address", o.cfg.AdminRPC.Addr)
			if err := o.admin.Serve(lis); err != nil {
				logging.Op().Warn("adminrpc server stopped", "error", err)
			}
		}()
	}

	if err := o.transport.Listen(); err != nil {
		cancel()
		return fmt.Errorf("listen transport: %w", err)
	}
	logging.Op().Info("latzero transport listening",
		"address", o.cfg.Transport.Addr(), "vsock", o.cfg.Transport.UseVsock)

	err := o.transport.Serve(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Shutdown stops background loops and every listener, in reverse
// dependency order, waiting up to the caller's context deadline.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	if o.cancelBackground != nil {
		o.cancelBackground()
	}
	if o.admin != nil {
		o.admin.GracefulStop()
	}
	if o.metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.metricsSrv.Shutdown(shutdownCtx); err != nil {
			logging.Op().Warn("metrics http shutdown error", "error", err)
		}
		cancel()
	}
	if err := o.transport.Close(); err != nil {
		logging.Op().Warn("transport close error", "error", err)
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logging.Op().Warn("shutdown deadline exceeded waiting for background loops")
	}

	if err := observability.Shutdown(ctx); err != nil {
		logging.Op().Warn("observability shutdown error", "error", err)
	}

	if err := o.database.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

// runBackupScheduler periodically snapshots the durable store into
// BackupDir, pruning old snapshots beyond MaxBackups and uploading the new
// one through an S3 sink when an S3 bucket is configured.
func (o *Orchestrator) runBackupScheduler(ctx context.Context) {
	var sink persistence.BackupSink
	if o.cfg.Persistence.S3Bucket != "" {
		s3Sink, err := backupsink.NewS3Sink(ctx, o.cfg.Persistence.S3Bucket, o.cfg.Persistence.S3Prefix)
		if err != nil {
			logging.Op().Warn("backup s3 sink unavailable, backing up locally only", "error", err)
		} else {
			sink = s3Sink
		}
	}

	ticker := time.NewTicker(o.cfg.Persistence.BackupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			path, err := o.store.Backup(ctx, o.cfg.Persistence.BackupDir, o.cfg.Persistence.MaxBackups, sink)
			if err != nil {
				logging.Op().Warn("backup failed", "error", err)
				continue
			}
			logging.Op().Info("backup written", "path", path)
		}
	}
}

// runGaugePoller blocks until ctx is done, periodically pushing live
// component counts into the Prometheus state gauges.
func (o *Orchestrator) runGaugePoller(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.PollGauges(metrics.GaugeReaders{
				InFlightTriggers:  o.router.InFlightCount,
				ActiveConnections: o.transport.ActiveConnections,
				LiveApps:          func() int { return len(o.registry.ListLive()) },
			})
		}
	}
}
