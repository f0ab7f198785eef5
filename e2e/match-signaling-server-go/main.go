// Command match-signaling-server-go is the backend for browser end-to-end
// tests: an in-memory directory seeded with test users, AUTH_MODE=none and
// every origin allowed. It prints "READY <port>" once it is serving.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/auth"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/directory"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/httpserver"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/match"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/webrtc-match-signaling/internal/signaling"
)

func main() {
	bindHost := envOrDefault("BIND_HOST", "127.0.0.1")
	port := envIntOrDefault("PORT", 0)
	users := envIntOrDefault("E2E_USERS", 8)

	if v := os.Getenv("AUTH_MODE"); v != "" && v != string(config.AuthModeNone) {
		fmt.Fprintf(os.Stderr, "unsupported AUTH_MODE=%s\n", v)
		os.Exit(2)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if os.Getenv("E2E_VERBOSE") != "" {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
	}

	listenAddr := net.JoinHostPort(bindHost, strconv.Itoa(port))
	ln, err := net.Listen("tcp", listenAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen %s: %v\n", listenAddr, err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dir := directory.NewMemory()
	if err := directory.ApplySeed(ctx, dir, testSeed(users)); err != nil {
		fmt.Fprintf(os.Stderr, "seed: %v\n", err)
		os.Exit(1)
	}

	m := metrics.New()
	presenceSync := directory.NewPresenceSync(dir, time.Second, 0, logger, m)
	defer presenceSync.Close()
	coord := signaling.NewCoordinator(signaling.CoordinatorConfig{
		// Short enough for a test to observe "no answer".
		RingTimeout: envDurationOrDefault("RING_TIMEOUT", 5*time.Second),
		Presence:    presenceSync,
		Logger:      logger,
		Metrics:     m,
	})
	defer coord.Close()

	selector, err := match.NewSelector(dir, match.Options{IsPresent: coord.IsOnline, Logger: logger, Metrics: m})
	if err != nil {
		fmt.Fprintf(os.Stderr, "selector: %v\n", err)
		os.Exit(1)
	}

	srv, err := httpserver.New(config.Config{
		ListenAddr:     listenAddr,
		AllowedOrigins: []string{"*"},
		Mode:           config.ModeDev,
	}, logger, httpserver.BuildInfo{Commit: "e2e"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "http server: %v\n", err)
		os.Exit(1)
	}
	srv.SetMetrics(m)

	verifier := auth.InsecureVerifier{}
	match.NewServer(match.ServerConfig{Selector: selector, Verifier: verifier, Logger: logger, Metrics: m}).RegisterRoutes(srv.Mux())
	signaling.NewServer(signaling.Config{
		Coordinator: coord,
		Verifier:    verifier,
		Bans:        dir,
		Logger:      logger,
		Metrics:     m,
	}).RegisterRoutes(srv.Mux())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	actualPort := ln.Addr().(*net.TCPAddr).Port
	fmt.Printf("READY %d\n", actualPort)

	select {
	case <-ctx.Done():
		coord.Close()
		_ = srv.Shutdown(context.Background())
		<-errCh
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			fmt.Fprintf(os.Stderr, "http server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// testSeed creates users "1".."n" alternating gender and region; the last one
// is banned so tests can exercise rejection.
func testSeed(n int) directory.Seed {
	var seed directory.Seed
	for i := 1; i <= n; i++ {
		u := directory.User{
			ID:     strconv.Itoa(i),
			Name:   "user-" + strconv.Itoa(i),
			Gender: []string{"female", "male"}[i%2],
			Region: []string{"eu", "us"}[(i/2)%2],
		}
		if i == n {
			u.Banned = true
		}
		seed.Users = append(seed.Users, u)
	}
	return seed
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		n, err := strconv.Atoi(v)
		if err == nil {
			return n
		}
	}
	return fallback
}

func envDurationOrDefault(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err == nil {
			return d
		}
	}
	return fallback
}
