package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/latzero/latzero/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Persistence.Engine = "memory"
	cfg.Persistence.DataDir = t.TempDir()
	cfg.Persistence.BackupDir = t.TempDir()
	cfg.Transport.Host = "127.0.0.1"
	cfg.Transport.Port = 0 // let the OS pick a free port
	cfg.Observability.Metrics.Enabled = false
	cfg.Observability.Tracing.Enabled = false
	cfg.AdminRPC.Enabled = false
	return cfg
}

func TestNewConstructsEveryComponent(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.database.Close()

	if o.database == nil || o.store == nil || o.ephemeral == nil || o.security == nil ||
		o.memory == nil || o.pools == nil || o.registry == nil || o.router == nil || o.transport == nil {
		t.Fatal("expected every core component to be constructed")
	}
	if o.admin != nil {
		t.Fatal("expected admin rpc server to be nil when disabled")
	}
}

func TestBootstrapSucceedsOnEmptyStore(t *testing.T) {
	cfg := testConfig(t)
	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer o.database.Close()

	if err := o.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
}

func TestRunAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	// Transport.Listen requires a concrete port; pick a likely-free high port
	// rather than relying on port 0, since Transport.Addr() is fixed at
	// construction time.
	cfg.Transport.Port = 17420

	o, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := o.Bootstrap(context.Background()); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	runErrCh := make(chan error, 1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		runErrCh <- o.Run(ctx)
	}()

	// Give Run a moment to reach transport.Serve before tearing down.
	time.Sleep(50 * time.Millisecond)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := o.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	select {
	case err := <-runErrCh:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
}

func TestLazyDispatcherErrorsBeforeSet(t *testing.T) {
	d := &lazyDispatcher{}
	if err := d.Send(context.Background(), 1, nil); err == nil {
		t.Fatal("expected error when dispatcher not yet set")
	}
}
