package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/callsession"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/match"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/ratelimit"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/signaling"
)

func serve(ctx context.Context, args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return configError(err)
	}

	logger, err := config.NewLogger(cfg)
	if err != nil {
		return configError(err)
	}
	slog.SetDefault(logger)

	logger.Info("starting aero-webrtc-match-signaling",
		"listen_addr", cfg.ListenAddr,
		"public_base_url", cfg.PublicBaseURL,
		"mode", cfg.Mode,
		"auth_mode", cfg.AuthMode,
		"directory_driver", cfg.DirectoryDriver,
		"ring_timeout", cfg.RingTimeout,
		"stale_connection_policy", cfg.StaleConnectionPolicy,
		"match_reservation_ttl", cfg.MatchReservationTTL,
		"max_connections", cfg.MaxConnections,
	)
	logStartupSecurityWarnings(logger, cfg)

	verifier, err := auth.NewVerifier(cfg)
	if err != nil {
		return configError(fmt.Errorf("configure auth: %w", err))
	}

	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	// No signaling connection survives a restart.
	if err := store.ResetOnline(ctx); err != nil {
		return fmt.Errorf("reset online flags: %w", err)
	}

	cached, err := directory.NewCached(store, cfg.DirectoryCacheTTL)
	if err != nil {
		return fmt.Errorf("directory cache: %w", err)
	}

	m := metrics.New()
	presenceSync := directory.NewPresenceSync(store, cfg.DirectoryTimeout, 0, logger, m)
	defer presenceSync.Close()

	callInits, err := ratelimit.NewKeyed(ratelimit.RealClock{}, cfg.CallInitsPerMinute, time.Minute)
	if err != nil {
		return fmt.Errorf("call-init limiter: %w", err)
	}
	coord := signaling.NewCoordinator(signaling.CoordinatorConfig{
		RingTimeout:    cfg.RingTimeout,
		StalePolicy:    cfg.StaleConnectionPolicy,
		CallInits:      callInits,
		OnSessionEnded: logSessionEnded(logger),
		Presence:       presenceSync,
		Logger:         logger,
		Metrics:        m,
	})
	defer coord.Close()

	selector, err := match.NewSelector(cached, match.Options{
		Timeout:        cfg.DirectoryTimeout,
		CandidateLimit: cfg.MatchCandidateLimit,
		ReservationTTL: cfg.MatchReservationTTL,
		SkipTTL:        cfg.MatchSkipTTL,
		IsPresent:      coord.IsOnline,
		Logger:         logger,
		Metrics:        m,
	})
	if err != nil {
		return fmt.Errorf("match selector: %w", err)
	}
	matchLimiter, err := ratelimit.NewKeyed(ratelimit.RealClock{}, cfg.MatchRequestsPerMinute, time.Minute)
	if err != nil {
		return fmt.Errorf("match limiter: %w", err)
	}

	commit, built := resolveBuildInfo(buildCommit, buildTime)
	srv, err := httpserver.New(cfg, logger, httpserver.BuildInfo{Commit: commit, BuildTime: built})
	if err != nil {
		return configError(err)
	}
	srv.SetMetrics(m)
	if p, ok := store.(interface{ Ping(context.Context) error }); ok {
		srv.AddReadinessCheck("directory", p.Ping)
	}

	match.NewServer(match.ServerConfig{
		Selector: selector,
		Verifier: verifier,
		Limiter:  matchLimiter,
		Logger:   logger,
		Metrics:  m,
	}).RegisterRoutes(srv.Mux())

	signaling.NewServer(signaling.Config{
		Coordinator:                   coord,
		Verifier:                      verifier,
		Bans:                          cached,
		DirectoryTimeout:              cfg.DirectoryTimeout,
		SignalingAuthTimeout:          cfg.SignalingAuthTimeout,
		SignalingWSIdleTimeout:        cfg.SignalingWSIdleTimeout,
		SignalingWSPingInterval:       cfg.SignalingWSPingInterval,
		MaxSignalingMessageBytes:      cfg.MaxSignalingMessageBytes,
		MaxSignalingMessagesPerSecond: cfg.MaxSignalingMessagesPerSecond,
		SendQueueLen:                  cfg.SignalingSendQueueLen,
		MaxConnections:                cfg.MaxConnections,
		Logger:                        logger,
		Metrics:                       m,
	}).RegisterRoutes(srv.Mux())

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server exited: %w", err)
		}
		return nil
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	// Hijacked WebSockets are not tracked by http.Server.Shutdown; closing
	// the coordinator ends their calls and closes them with "server shutdown".
	coord.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown failed", "err", err)
	}

	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server exited after shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (directory.Store, error) {
	var store directory.Store
	switch cfg.DirectoryDriver {
	case config.DirectoryDriverSQLite:
		s, err := directory.OpenSQLite(ctx, cfg.DirectoryPath)
		if err != nil {
			return nil, err
		}
		store = s
	case config.DirectoryDriverMemory:
		store = directory.NewMemory()
	default:
		return nil, configError(fmt.Errorf("unsupported directory driver %q", cfg.DirectoryDriver))
	}

	if cfg.DirectorySeedFile != "" {
		seed, err := directory.LoadSeed(cfg.DirectorySeedFile)
		if err == nil {
			err = directory.ApplySeed(ctx, store, seed)
		}
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("seed directory from %s: %w", cfg.DirectorySeedFile, err)
		}
		slog.Info("directory seeded", "file", cfg.DirectorySeedFile, "users", len(seed.Users), "blocks", len(seed.Blocks))
	}
	return store, nil
}

// logSessionEnded is the call history sink: one structured line per finished
// call.
func logSessionEnded(logger *slog.Logger) func(callsession.Record) {
	return func(rec callsession.Record) {
		logger.Info("call ended",
			"call_id", rec.CallID,
			"caller_id", rec.CallerID,
			"receiver_id", rec.ReceiverID,
			"state", rec.State,
			"reason", rec.Reason,
			"answered", !rec.Timing.AnsweredAt.IsZero(),
			"duration_seconds", int64(rec.Timing.Duration()/time.Second),
		)
	}
}
