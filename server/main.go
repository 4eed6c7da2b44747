// Command server is the CollabText sync server. It accepts websocket
// clients, runs the edit pipeline for every room they join and, with a
// Redis bus configured, shares committed operations with the other
// instances serving the same rooms.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"collabtext/internal/bus"
	"collabtext/internal/config"
	"collabtext/internal/discovery"
	"collabtext/internal/fanout"
	"collabtext/internal/logging"
	"collabtext/internal/room"
	"collabtext/internal/store"
	"collabtext/internal/transport"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "collabtext-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	flags := pflag.NewFlagSet("collabtext-server", pflag.ContinueOnError)
	configPath := flags.String("config", "", "path to the YAML config file (default $COLLABTEXT_CONFIG)")
	listen := flags.String("listen", "", "HTTP listen address, overrides the config")
	logLevel := flags.String("log-level", "", "debug, info, warn or error")
	storeDriver := flags.String("store", "", "document store: memory, bolt or postgres")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if *storeDriver != "" {
		cfg.Store.Driver = *storeDriver
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)
	if err != nil {
		return err
	}
	logger = logger.With("instance", cfg.InstanceID)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, cfg, logger)
}

// serve wires the server together and blocks until ctx is cancelled or a
// component fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()
	logger.Info("document store ready", "driver", cfg.Store.Driver)

	var fo room.Fanout
	if cfg.Bus.Driver == config.BusRedis {
		b, err := dialBus(ctx, cfg.Bus, logger)
		if err != nil {
			return err
		}
		defer b.Close()
		codec, err := fanout.CodecByName(cfg.Bus.Codec)
		if err != nil {
			return err
		}
		fo = fanout.New(b, cfg.InstanceID, codec, logger)
		logger.Info("connected to redis bus", "codec", codec.Name())
	} else {
		logger.Warn("no bus configured, rooms are not shared with other instances")
	}

	hub := transport.NewHub(logger)
	coord := room.NewCoordinator(ctx, st, hub, fo, logger, room.Options{
		PersistAttempts:     cfg.Pipeline.PersistAttempts,
		InitialBackoff:      cfg.Pipeline.InitialBackoff,
		MaxBackoff:          cfg.Pipeline.MaxBackoff,
		HistoryLimit:        cfg.Pipeline.HistoryLimit,
		StrictVersions:      cfg.Pipeline.StrictVersions,
		ResubscribeInterval: cfg.Bus.ResubscribeInterval,
	})
	peers := discovery.NewRegistry(cfg.InstanceID, logger)
	srv := newServer(cfg.InstanceID, coord, hub, st, peers, logger)

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cfg.Listen, err)
	}
	httpServer := &http.Server{
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("CollabText sync server starting", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		hub.CloseAll()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Discovery.Enabled {
		g.Go(func() error {
			return runDiscovery(ctx, cfg, ln.Addr(), peers, logger)
		})
	}
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreBolt:
		return store.OpenBolt(cfg.Path)
	case config.StorePostgres:
		return store.OpenPostgres(ctx, cfg.DatabaseURL)
	default:
		return store.NewMemory(), nil
	}
}

func dialBus(ctx context.Context, cfg config.BusConfig, logger *slog.Logger) (*bus.Redis, error) {
	opts := &redis.Options{Addr: cfg.Addr}
	if cfg.URL != "" {
		var err error
		if opts, err = redis.ParseURL(cfg.URL); err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
	}
	return bus.DialRedis(ctx, opts, logger)
}

// runDiscovery announces this instance and records its peers until ctx is
// done. mDNS failures are logged; they never stop the server.
func runDiscovery(ctx context.Context, cfg *config.Config, addr net.Addr, peers *discovery.Registry, logger *slog.Logger) error {
	_, portStr, _ := net.SplitHostPort(addr.String())
	port, _ := strconv.Atoi(portStr)

	shutdown, err := discovery.Announce(cfg.InstanceID, cfg.Discovery.Service, cfg.Discovery.Domain, port)
	if err != nil {
		logger.Warn("mDNS announcement failed", "error", err)
		return nil
	}
	defer shutdown()
	logger.Info("mDNS service registered", "service", cfg.Discovery.Service, "port", port)

	if err := peers.Browse(ctx, cfg.Discovery.Service, cfg.Discovery.Domain); err != nil {
		logger.Warn("mDNS browsing failed", "error", err)
		<-ctx.Done()
	}
	return nil
}
