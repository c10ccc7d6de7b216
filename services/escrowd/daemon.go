// Package escrowd assembles the escrow daemon from its configuration: the
// storage backend, the engine and its event sinks, and the HTTP and gRPC
// surfaces.
package escrowd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"

	"skillchain/config"
	"skillchain/core/events"
	"skillchain/core/state"
	"skillchain/native/escrow"
	"skillchain/observability"
	"skillchain/services/escrowd/api"
	"skillchain/services/escrowd/auth"
	"skillchain/services/escrowd/grpcapi"
	"skillchain/services/escrowd/idempotency"
	"skillchain/services/escrowd/journal"
	"skillchain/services/escrowd/middleware"
	"skillchain/services/escrowd/outbox"
	"skillchain/services/escrowd/server"
	"skillchain/storage"
	"skillchain/storage/sqlstore"
)

type ledgerBackend interface {
	escrow.Backend
	api.Ledger
}

// Daemon owns every long-lived resource of a running escrowd.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	backend    ledgerBackend
	engine     *escrow.Engine
	journal    *journal.Journal
	idem       *idempotency.Store
	queue      *outbox.Queue
	dispatcher *outbox.Dispatcher
	http       *server.Server
	grpc       *grpc.Server

	closers []func() error
}

// New builds a daemon. Resources opened before a failure are released.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Daemon{cfg: cfg, logger: logger}
	if err := d.build(); err != nil {
		_ = d.Close()
		return nil, err
	}
	return d, nil
}

func (d *Daemon) build() error {
	cfg, logger := d.cfg, d.logger
	var err error

	if err = d.openBackend(); err != nil {
		return err
	}
	if d.journal, err = journal.Open(cfg.Journal.Path); err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	d.closers = append(d.closers, d.journal.Close)
	if cfg.Idempotency.Path != "" {
		if d.idem, err = idempotency.Open(cfg.Idempotency.Path, cfg.Idempotency.TTL.Duration); err != nil {
			return fmt.Errorf("open idempotency store: %w", err)
		}
		d.closers = append(d.closers, d.idem.Close)
	}

	hub := server.NewHub()
	subscribers := []func(journal.Entry){hub.Publish}
	if err = d.openOutbox(); err != nil {
		return err
	}
	if d.dispatcher != nil {
		subscribers = append(subscribers, d.queue.EnqueueEntry)
	}
	sink := journal.NewSink(d.journal, logger.With(slog.String("component", "journal")), subscribers...)

	d.engine = escrow.NewEngine(d.backend,
		escrow.WithEmitter(events.Multi{observability.Events(), sink}),
		escrow.WithMetrics(observability.Escrow()),
		escrow.WithOverpaymentRejected(cfg.Escrow.RejectOverpayment),
	)
	verifier, err := auth.NewVerifier(auth.Config{
		HMACSecret: cfg.Auth.JWTSecret,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		ClockSkew:  cfg.Auth.Leeway.Duration,
	})
	if err != nil {
		return err
	}
	svc := api.NewService(d.engine, d.backend)

	d.http = server.New(server.Config{
		Service:     svc,
		Verifier:    verifier,
		Idempotency: d.idem,
		Journal:     d.journal,
		Hub:         hub,
		RateLimit:   middleware.RateLimit{RatePerSecond: cfg.HTTP.RateLimitPerSec, Burst: cfg.HTTP.RateLimitBurst},
		Logger:      logger,
	})
	if cfg.GRPC.ListenAddress != "" {
		d.grpc = grpcapi.New(grpcapi.Config{Service: svc, Verifier: verifier, Logger: logger})
	}
	return nil
}

func (d *Daemon) openBackend() error {
	st := d.cfg.Storage
	switch st.Backend {
	case config.BackendMemory:
		d.backend = state.NewManager(storage.NewMemDB())
	case config.BackendLevelDB:
		db, err := storage.NewLevelDB(st.Path)
		if err != nil {
			return fmt.Errorf("open leveldb %s: %w", st.Path, err)
		}
		d.closers = append(d.closers, func() error { db.Close(); return nil })
		d.backend = state.NewManager(db)
	case config.BackendPostgres, config.BackendSQLite:
		store, err := sqlstore.Open(st.Backend, st.DSN)
		if err != nil {
			return err
		}
		d.closers = append(d.closers, store.Close)
		d.backend = store
	default:
		return fmt.Errorf("unsupported storage backend %q", st.Backend)
	}
	d.logger.Info("storage backend ready", slog.String("backend", st.Backend))
	return nil
}

func (d *Daemon) openOutbox() error {
	oc := d.cfg.Outbox
	var pubs []outbox.Publisher
	if oc.Redis.Addr != "" {
		pub, err := outbox.NewRedisPublisher(oc.Redis.Addr, oc.Redis.Stream)
		if err != nil {
			return fmt.Errorf("redis publisher: %w", err)
		}
		pubs = append(pubs, pub)
	}
	if len(oc.Kafka.Brokers) > 0 {
		pub, err := outbox.NewKafkaPublisher(oc.Kafka.Brokers, oc.Kafka.Topic)
		if err != nil {
			for _, p := range pubs {
				_ = p.Close()
			}
			return fmt.Errorf("kafka publisher: %w", err)
		}
		pubs = append(pubs, pub)
	}
	if len(pubs) == 0 {
		return nil
	}
	d.queue = outbox.NewQueue(outbox.WithCapacity(oc.QueueCapacity), outbox.WithTTL(oc.TTL.Duration))
	d.dispatcher = outbox.NewDispatcher(d.queue, d.logger.With(slog.String("component", "outbox")), pubs...)
	d.closers = append(d.closers, d.dispatcher.Close)
	return nil
}

// Engine exposes the assembled engine.
func (d *Daemon) Engine() *escrow.Engine { return d.engine }

// Handler returns the HTTP handler.
func (d *Daemon) Handler() http.Handler { return d.http.Handler() }

// Run serves HTTP and gRPC until ctx is cancelled or a listener fails, then
// shuts both down within the configured timeout.
func (d *Daemon) Run(ctx context.Context) error {
	httpLis, err := net.Listen("tcp", d.cfg.HTTP.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen http %s: %w", d.cfg.HTTP.ListenAddress, err)
	}
	var grpcLis net.Listener
	if d.grpc != nil {
		if grpcLis, err = net.Listen("tcp", d.cfg.GRPC.ListenAddress); err != nil {
			_ = httpLis.Close()
			return fmt.Errorf("listen grpc %s: %w", d.cfg.GRPC.ListenAddress, err)
		}
	}
	return d.Serve(ctx, httpLis, grpcLis)
}

// Serve is Run on caller-supplied listeners. grpcLis may be nil.
func (d *Daemon) Serve(ctx context.Context, httpLis, grpcLis net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	httpSrv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: d.cfg.HTTP.ReadHeaderTimeout.Duration,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	serveErr := make(chan error, 2)
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.logger.Info("http listening", slog.String("addr", httpLis.Addr().String()))
		if err := httpSrv.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("serve http: %w", err)
		}
	}()
	if d.grpc != nil && grpcLis != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.logger.Info("grpc listening", slog.String("addr", grpcLis.Addr().String()))
			if err := d.grpc.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				serveErr <- fmt.Errorf("serve grpc: %w", err)
			}
		}()
	}
	if d.dispatcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.dispatcher.Run(ctx)
		}()
	}
	if d.idem != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.pruneIdempotency(ctx)
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		d.logger.Info("shutdown signal received")
	case runErr = <-serveErr:
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), d.cfg.HTTP.ShutdownTimeout.Duration)
	defer stop()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		d.logger.Warn("http shutdown", slog.Any("error", err))
	}
	if d.grpc != nil {
		done := make(chan struct{})
		go func() {
			d.grpc.GracefulStop()
			close(done)
		}()
		select {
		case <-done:
		case <-shutdownCtx.Done():
			d.logger.Warn("forcing grpc stop")
			d.grpc.Stop()
		}
	}
	wg.Wait()
	return runErr
}

func (d *Daemon) pruneIdempotency(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := d.idem.Prune(); err != nil {
				d.logger.Warn("idempotency prune failed", slog.Any("error", err))
			} else if n > 0 {
				d.logger.Debug("idempotency pruned", slog.Int("records", n))
			}
		}
	}
}

// Close releases every resource in reverse order of acquisition.
func (d *Daemon) Close() error {
	var errs []error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	d.closers = nil
	return errors.Join(errs...)
}

var _ io.Closer = (*Daemon)(nil)
