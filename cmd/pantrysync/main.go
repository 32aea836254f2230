package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/wilhg/pantrysync/pkg/config"
	"github.com/wilhg/pantrysync/pkg/connectivity"
	"github.com/wilhg/pantrysync/pkg/gateway"
	"github.com/wilhg/pantrysync/pkg/logging"
	"github.com/wilhg/pantrysync/pkg/metrics"
	"github.com/wilhg/pantrysync/pkg/optimistic"
	potel "github.com/wilhg/pantrysync/pkg/otel"
	"github.com/wilhg/pantrysync/pkg/store"
	"github.com/wilhg/pantrysync/pkg/store/redisstore"
	"github.com/wilhg/pantrysync/pkg/store/sqlstore"
	"github.com/wilhg/pantrysync/pkg/syncer"
	"github.com/wilhg/pantrysync/pkg/transport"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

func main() {
	var showVersion bool
	var cfgPaths string
	var addr string

	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&cfgPaths, "c", getEnv("PANTRYSYNC_CONFIG", ""), "config file path (supports: a.yml,b.toml)")
	flag.StringVar(&addr, "addr", "", "http listen address (overrides config)")
	flag.Parse()

	if showVersion {
		fmt.Printf("pantrysync %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	cfg, err := config.Load(cfgPaths)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if addr != "" {
		cfg.HTTP.Addr = addr
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("pantrysync exited", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := potel.Init(ctx, potel.Config{
		ServiceVersion: version,
		Environment:    cfg.Env,
		APIBaseURL:     cfg.API.BaseURL,
		SampleRatio:    cfg.Otel.SampleRatio,
		UseStdout:      cfg.Otel.Stdout,
	})
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	reg := prometheus.NewRegistry()
	metrics.Register(reg)

	db, err := sqlstore.Open(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	var cache store.CacheStore = db
	if cfg.Redis.Addr != "" {
		rs, err := redisstore.New(redisstore.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			Database: cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		defer func() { _ = rs.Close() }()
		cache = rs
		log.Info("snapshot cache on redis", zap.String("addr", cfg.Redis.Addr))
	}

	var tokens transport.TokenSource
	if cfg.API.Token != "" {
		tokens = transport.StaticToken(cfg.API.Token)
	}
	net, err := transport.New(transport.Config{BaseURL: cfg.API.BaseURL, Timeout: cfg.API.Timeout, Tokens: tokens})
	if err != nil {
		return err
	}

	prober := connectivity.NewProber(cfg.Connectivity.ProbeURL, log.Named("connectivity"))
	prober.Interval = cfg.Connectivity.Interval
	prober.Client.Timeout = cfg.Connectivity.Timeout

	app, err := newApp(appDeps{
		Transport: net,
		Monitor:   prober,
		Cache:     cache,
		Queue:     db,
		Cacheable: cfg.Cache.Prefixes,
		Logger:    log,
		Registry:  reg,
	})
	if err != nil {
		return err
	}

	go prober.Run(ctx)
	if cfg.Sync.OnReconnect {
		go func() { _ = app.sync.Run(ctx) }()
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           app.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", cfg.HTTP.Addr), zap.String("api", cfg.API.BaseURL))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// appDeps are the collaborators newApp wires together.
type appDeps struct {
	Transport transport.Client
	Monitor   connectivity.Monitor
	Cache     store.CacheStore
	Queue     store.MutationQueue
	Cacheable []string
	Logger    *zap.Logger
	Registry  *prometheus.Registry
}

type app struct {
	gw   *gateway.Gateway
	sync *syncer.Coordinator
	mon  connectivity.Monitor
	log  *zap.Logger
	reg  *prometheus.Registry
}

func newApp(d appDeps) (*app, error) {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	upd, err := optimistic.NewHousehold(optimistic.WithLogger(log.Named("optimistic")))
	if err != nil {
		return nil, err
	}
	gw, err := gateway.New(gateway.Options{
		Transport: d.Transport,
		Monitor:   d.Monitor,
		Cache:     d.Cache,
		Queue:     d.Queue,
		Updater:   upd,
		Cacheable: d.Cacheable,
		Logger:    log.Named("gateway"),
	})
	if err != nil {
		return nil, err
	}
	co, err := syncer.New(syncer.Options{
		Queue:     d.Queue,
		Transport: d.Transport,
		Monitor:   d.Monitor,
		Refresher: gw,
		Logger:    log.Named("syncer"),
	})
	if err != nil {
		return nil, err
	}
	return &app{gw: gw, sync: co, mon: d.Monitor, log: log, reg: d.Registry}, nil
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
