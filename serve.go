package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"mailpipe/api"
	"mailpipe/delivery"
	"mailpipe/health"
	"mailpipe/internal/audit"
	"mailpipe/internal/config"
	"mailpipe/internal/dkim"
	"mailpipe/internal/logging"
	"mailpipe/pipeline"
	"mailpipe/queue"
	"mailpipe/storage"
	"mailpipe/tlsconfig"
)

const shutdownTimeout = 10 * time.Second

// scheduler is a queue backend that can run a handler.
type scheduler interface {
	queue.Scheduler
	Start(ctx context.Context, h queue.Handler)
	Stop()
}

// app holds the wired service.
type app struct {
	cfg      *config.Config
	log      zerolog.Logger
	store    storage.Store
	sched    scheduler
	pipeline *pipeline.Pipeline
	api      *echo.Echo
	metrics  *echo.Echo
	closers  []func() error
}

func loadConfig(ctx context.Context) (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(ctx)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func runServe(ctx context.Context) error {
	cfg, log, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer a.close()
	return a.run(ctx)
}

func runMigrate(ctx context.Context) error {
	cfg, log, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	if cfg.DBDriver == "memory" {
		return errors.New("migrate needs DB_DRIVER sqlite3 or postgres")
	}
	db, err := storage.OpenSQL(ctx, cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		return err
	}
	defer func() {
		_ = db.Close()
	}()
	if err := db.Migrate(ctx); err != nil {
		return err
	}
	log.Info().Str("driver", cfg.DBDriver).Msg("Migrated email table")
	return nil
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger, reg prometheus.Registerer) (*app, error) {
	a := &app{cfg: cfg, log: log}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	checks, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}
	qcheck, err := a.openQueue(ctx)
	if err != nil {
		return nil, err
	}
	if qcheck != nil {
		checks = append(checks, qcheck)
	}

	sender, err := newTransport(cfg)
	if err != nil {
		return nil, err
	}
	opts := pipeline.Options{
		MaxRetries: cfg.MaxRetries,
		RetryWait:  cfg.RetryWait,
		DeleteWait: cfg.DeleteWait,
		Boundary:   cfg.Boundary,
		RelayHost:  cfg.SMTPRelayHost,
		Hostname:   cfg.SMTPHostname,
		Auditor:    audit.New(log, cfg.DebugEnabled()),
	}
	signer, err := dkim.New(dkim.Options{
		Selector:   cfg.DKIMSelector,
		KeyPath:    cfg.DKIMKeyPath,
		PrivateKey: cfg.DKIMPrivateKey,
		Domain:     cfg.DKIMDomain,
	})
	if err != nil {
		return nil, err
	}
	if signer != nil {
		opts.Signer = signer
		log.Info().Str("selector", signer.Selector()).Str("domain", signer.Domain()).Msg("DKIM signing enabled")
	}
	if cfg.ArchiveDir != "" {
		opts.Archive = storage.NewArchive(cfg.ArchiveDir)
	}
	a.pipeline = pipeline.New(a.store, a.sched, newResolver(cfg), sender, log, opts)

	a.api = api.NewServer(api.NewService(a.store, a.pipeline), log, api.Options{
		AllowNetworks: cfg.AllowNetworks,
		Registerer:    reg,
		Checks:        checks,
	})
	a.metrics = echo.New()
	a.metrics.HideBanner = true
	a.metrics.HidePort = true
	a.metrics.GET("/metrics", echoprometheus.NewHandler())

	ok = true
	return a, nil
}

func (a *app) openStore(ctx context.Context) ([]health.Check, error) {
	if a.cfg.DBDriver == "memory" {
		a.store = storage.NewMemory()
		return nil, nil
	}
	db, err := storage.OpenSQL(ctx, a.cfg.DBDriver, a.cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	if err := db.Migrate(ctx); err != nil {
		return nil, err
	}
	a.store = db
	return []health.Check{db}, nil
}

func (a *app) openQueue(ctx context.Context) (health.Check, error) {
	if a.cfg.QueueBackend != "redis" {
		a.sched = queue.NewManager(a.log, a.cfg.QueueWorkers, a.cfg.QueuePollInterval)
		return nil, nil
	}
	opts := queue.RedisOptions{
		Addr:         a.cfg.RedisAddr,
		Password:     a.cfg.RedisPassword,
		DB:           a.cfg.RedisDB,
		Key:          a.cfg.RedisKey,
		Workers:      a.cfg.QueueWorkers,
		PollInterval: a.cfg.QueuePollInterval,
	}
	client := queue.NewRedisClient(opts)
	a.closers = append(a.closers, client.Close)
	r := queue.NewRedis(client, a.log, opts)
	if err := r.Ping(ctx); err != nil {
		return nil, err
	}
	a.sched = r
	return r, nil
}

func newResolver(cfg *config.Config) *delivery.Resolver {
	var lookup delivery.MXLookuper = net.DefaultResolver
	if cfg.DNSServer != "" {
		lookup = delivery.NewDNSClient(cfg.DNSServer, 0)
	}
	if cfg.DNSCacheTTL > 0 {
		lookup = delivery.NewCachingLookuper(lookup, cfg.DNSCacheTTL)
	}
	return delivery.NewResolver(lookup, cfg.MXFallback)
}

func newTransport(cfg *config.Config) (*delivery.Transport, error) {
	mode, err := tlsconfig.ParseMode(cfg.SMTPTLS)
	if err != nil {
		return nil, err
	}
	roots, err := tlsconfig.LoadRootCAs(cfg.SMTPTLSCAFile)
	if err != nil {
		return nil, err
	}
	return delivery.NewTransport(delivery.TransportOptions{
		Port:     cfg.SMTPPort,
		HeloName: cfg.SMTPHostname,
		TLSMode:  mode,
		TLS: tlsconfig.Client{
			Insecure: cfg.SMTPTLSInsecure,
			RootCAs:  roots,
		},
		Username:       cfg.SMTPUsername,
		Password:       cfg.SMTPPassword,
		DialTimeout:    cfg.SMTPDialTimeout,
		SessionTimeout: cfg.SMTPSessionTimeout,
	}), nil
}

// start launches the delivery workers.
func (a *app) start(ctx context.Context) {
	a.sched.Start(ctx, a.pipeline.Handle)
}

// run serves the API and metrics until ctx is done.
func (a *app) run(ctx context.Context) error {
	a.start(ctx)
	defer a.sched.Stop()

	errs := make(chan error, 2)
	serve := func(name string, e *echo.Echo, addr string) {
		if addr == "" {
			return
		}
		a.log.Info().Str("addr", addr).Msgf("Starting %s server", name)
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("%s server: %w", name, err)
		}
	}
	go serve("api", a.api, a.cfg.APIAddr)
	go serve("metrics", a.metrics, a.cfg.MetricsAddr)

	var err error
	select {
	case <-ctx.Done():
		a.log.Info().Msg("Shutting down")
	case err = <-errs:
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := a.api.Shutdown(sctx); serr != nil {
		a.log.Error().Err(serr).Msg("Failed to shut down api server")
	}
	if serr := a.metrics.Shutdown(sctx); serr != nil {
		a.log.Error().Err(serr).Msg("Failed to shut down metrics server")
	}
	return err
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.log.Error().Err(err).Msg("Failed to close resource")
		}
	}
	a.closers = nil
}
