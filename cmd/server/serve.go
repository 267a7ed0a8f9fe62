package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/DoyleJ11/league-live/internal/auth"
	"github.com/DoyleJ11/league-live/internal/config"
	"github.com/DoyleJ11/league-live/internal/fanout"
	"github.com/DoyleJ11/league-live/internal/httpapi"
	"github.com/DoyleJ11/league-live/internal/hub"
	"github.com/DoyleJ11/league-live/internal/lobby"
	"github.com/DoyleJ11/league-live/internal/logging"
	"github.com/DoyleJ11/league-live/internal/notify"
	"github.com/DoyleJ11/league-live/internal/presence"
	"github.com/DoyleJ11/league-live/internal/ranking"
	"github.com/DoyleJ11/league-live/internal/ratelimit"
	"github.com/DoyleJ11/league-live/internal/relay/natsrelay"
	"github.com/DoyleJ11/league-live/internal/relay/redisrelay"
	"github.com/DoyleJ11/league-live/internal/store"
	"github.com/DoyleJ11/league-live/internal/store/gormstore"
	"github.com/DoyleJ11/league-live/internal/telemetry"
	"github.com/DoyleJ11/league-live/internal/ws"
)

const (
	serviceName     = "league-live"
	shutdownTimeout = 10 * time.Second
	writerQueue     = 4096
	notifyQueue     = 1024
)

func serve(ctx context.Context, cfg config.Config) (err error) {
	logger, err := logging.New(cfg.LogLevel, cfg.LogDev)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	shutdownTracing, err := telemetry.Setup(ctx, serviceName, cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err = multierr.Append(err, shutdownTracing(sctx))
	}()

	verifier, err := auth.NewJWTVerifier(cfg.JWTSecret, cfg.JWTIssuer)
	if err != nil {
		return err
	}

	st, closeStore, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, closeStore()) }()

	transport, err := openRelay(ctx, cfg, logger)
	if err != nil {
		return err
	}
	bus := fanout.New(transport, logger)
	defer func() { err = multierr.Append(err, bus.Close()) }()

	writer := store.NewWriter(st, logger, writerQueue)
	dispatcher := notify.NewDispatcher(notificationProvider(cfg, logger), logger, cfg.NotifyWorkers, notifyQueue)
	board := ranking.NewBoard()
	registry := presence.NewRegistry(nil)

	h := hub.New(context.Background(), hub.Config{
		Store:    st,
		Rankings: board,
		Origin:   bus.Origin(),
		LeaseTTL: cfg.DraftLeaseTTL,
		Room: lobby.Config{
			Bus:          bus,
			Presence:     registry,
			Persister:    writer,
			Notifier:     dispatcher,
			Logger:       logger,
			ChatCapacity: cfg.ChatCapacity,
			IdleGrace:    cfg.RoomIdleGrace,
			ArchiveGrace: cfg.DraftArchiveGrace,
		},
		TickInterval: cfg.TickInterval,
		Logger:       logger,
	})
	registry.SetSink(h)
	bus.SetRemoteSink(h.DeliverRemote)
	bus.SetCommandHandler(h.HandleCommand)

	// Writer and dispatcher outlive the rooms so the rooms' last writes land.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	workers, workerCtx := errgroup.WithContext(workerCtx)
	workers.Go(func() error { return writer.Run(workerCtx) })
	workers.Go(func() error { return dispatcher.Run(workerCtx) })
	defer func() {
		err = multierr.Append(err, h.Close())
		stopWorkers()
		err = multierr.Append(err, workers.Wait())
	}()

	if err := h.Recover(ctx); err != nil {
		logger.Warn("draft recovery incomplete", zap.Error(err))
	}

	limiter := ratelimit.New(cfg.RateLimit, cfg.RateWindow)
	wsServer := ws.NewServer(ws.Config{
		Hub:         h,
		Verifier:    verifier,
		Presence:    registry,
		Limiter:     limiter,
		Logger:      logger,
		ReadTimeout: 2 * cfg.HeartbeatInterval,
	})
	reaper := presence.NewReaper(registry, cfg.HeartbeatInterval, wsServer.Reap, logger)

	srv := &http.Server{
		Addr: cfg.Addr,
		Handler: httpapi.SetupRoutes(httpapi.Deps{
			Hub:      h,
			Verifier: verifier,
			WS:       wsServer,
			Logger:   logger,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv.RegisterOnShutdown(wsServer.Close)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return h.Run(gctx) })
	g.Go(func() error { return reaper.Run(gctx) })
	g.Go(func() error { return limiter.Run(gctx) })
	g.Go(func() error {
		logger.Info("listening",
			zap.String("addr", cfg.Addr),
			zap.String("relay", cfg.Relay),
			zap.String("origin", bus.Origin()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func openStore(cfg config.Config, logger *zap.Logger) (store.Store, func() error, error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("no database configured, drafts are kept in memory only")
		return store.NewMemory(), func() error { return nil }, nil
	}
	pg, err := gormstore.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func openRelay(ctx context.Context, cfg config.Config, logger *zap.Logger) (fanout.Transport, error) {
	switch cfg.Relay {
	case config.RelayRedis:
		return redisrelay.New(ctx, cfg.RedisURL, logger)
	case config.RelayNATS:
		return natsrelay.New(cfg.NATSURL, serviceName, logger)
	default:
		return nil, nil
	}
}

func notificationProvider(cfg config.Config, logger *zap.Logger) notify.Provider {
	if cfg.NotifyWebhookURL == "" {
		return notify.LogProvider{Logger: logger}
	}
	return notify.NewWebhookProvider(cfg.NotifyWebhookURL, nil)
}
