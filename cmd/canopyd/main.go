package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/canopydb/canopy/internal/telemetry"
	"github.com/canopydb/canopy/pkg/channel"
	"github.com/canopydb/canopy/pkg/coherency"
	"github.com/canopydb/canopy/pkg/config"
	"github.com/canopydb/canopy/pkg/observability/logging"
	"github.com/canopydb/canopy/pkg/registry"
	"github.com/canopydb/canopy/pkg/slot"
	"github.com/canopydb/canopy/pkg/transport"
	"github.com/canopydb/canopy/pkg/types"
)

const defaultConfigPath = "canopy.yaml"

func main() {
	rootCmd := &cobra.Command{
		Use:   "canopyd",
		Short: "Start a Canopy coherency server",
		Run:   runServer,
	}
	rootCmd.Flags().String("config", defaultConfigPath, "Path to the daemon config file")

	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("failed to execute command: %q", err)
	}
}

func runServer(cmd *cobra.Command, args []string) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logging.Init(cfg.LogLevel)
	defer zap.S().Sync() //nolint:errcheck

	logger := zap.S()
	logger.Infow("starting canopyd", "peer", cfg.PeerIndex, "listen", cfg.Listen)

	ctx, stopFunc := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopFunc()

	tr, err := transport.New(cfg.Listen)
	if err != nil {
		logger.Fatalw("failed to bind transport", "listen", cfg.Listen, "err", err)
	}

	dir := transport.NewDirectory(cfg.PeerIndex)
	for _, p := range cfg.Peers {
		dir.AddPeer(p.Index, p.Addr)
	}

	store := slot.NewStore(cfg.PeerIndex)
	ch := channel.New(tr, dir)
	eng := coherency.New(store, ch, dir, coherency.WithReadDeadline(cfg.ReadDeadline))

	// Handlers attach before the receive loop binds.
	eng.Register()

	if len(cfg.Etcd.Endpoints) > 0 {
		if err := joinRegistry(ctx, cfg, dir); err != nil {
			logger.Fatalw("failed to join etcd registry", "err", err)
		}
	}

	p := pool.New().WithContext(ctx).WithCancelOnError().WithFirstError()
	p.Go(func(ctx context.Context) error {
		return ch.Start(ctx)
	})
	p.Go(func(ctx context.Context) error {
		return serveMetrics(ctx, cfg.Metrics)
	})
	p.Go(func(ctx context.Context) error {
		<-ctx.Done()
		return ch.Close()
	})

	if err := p.Wait(); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		logger.Fatalw("daemon exited", "err", err)
	}
}

// joinRegistry registers this peer in etcd and keeps the directory in
// sync with the registry's view. Statically configured peers act as
// seeds and are preserved unless etcd overrides them.
func joinRegistry(ctx context.Context, cfg *config.Config, dir *transport.Directory) error {
	logger := zap.S()

	cli, err := registry.NewClient(cfg.Etcd.Endpoints)
	if err != nil {
		return err
	}

	static := make(map[types.PeerIndex]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		static[p.Index] = p.Addr
	}

	merge := func(peers map[types.PeerIndex]string) {
		merged := make(map[types.PeerIndex]string, len(static)+len(peers))
		for idx, addr := range static {
			merged[idx] = addr
		}
		for idx, addr := range peers {
			merged[idx] = addr
		}
		dir.ReplacePeers(merged)
	}

	peers, err := registry.Peers(ctx, cli)
	if err != nil {
		return err
	}
	merge(peers)

	lease, err := registry.Register(ctx, cli, cfg.PeerIndex, cfg.Advertise, cfg.Etcd.LeaseTTL())
	if err != nil {
		return err
	}

	registry.Watch(ctx, cli, merge)

	go func() {
		<-ctx.Done()

		revokeCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if _, err := cli.Revoke(revokeCtx, lease); err != nil {
			logger.Debugw("lease revoke failed", "err", err)
		}
		cli.Close()
	}()

	return nil
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok")) //nolint:errcheck
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx) //nolint:errcheck
	}()

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
