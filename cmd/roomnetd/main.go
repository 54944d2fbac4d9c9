// Command roomnetd runs a standalone roomnet server.
//
// Configuration is read from the environment, and from a .env file when present.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
	"golang.org/x/time/rate"

	"github.com/luciancaetano/roomnet/ws"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "roomnetd terminated with error: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	tokens, err := ws.NewTokens([]byte(config.JWTSecret))
	if err != nil {
		return exitConfig, err
	}

	// 2. Realtime server, mounted on our own HTTP server
	cfg := ws.DefaultServerConfig("", tokens)
	cfg.HeartbeatInterval = config.HeartbeatInterval
	cfg.HeartbeatTimeout = config.HeartbeatTimeout
	cfg.DeliveryTimeout = config.DeliveryTimeout
	cfg.ExcludeSender = config.ExcludeSender
	cfg.Logger = log
	cfg.RateLimitConfig = &ws.RateLimitConfig{
		MessagesPerSecond: rate.Limit(config.RateLimitPerSecond),
		Burst:             config.RateLimitBurst,
		Enabled:           config.RateLimitPerSecond > 0,
	}
	if config.AllowOrigins {
		cfg.CheckOrigin = ws.AllOrigins()
	}

	server, err := ws.New(cfg)
	if err != nil {
		return exitConfig, err
	}

	// 3. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := server.Start(ctx); err != nil {
		return exitRuntime, fmt.Errorf("server failed to start: %w", err)
	}

	var issuer *ws.Tokens
	if config.DevTokens {
		log.Warn("development token endpoint enabled", "path", "/token")
		issuer = tokens
	}

	address := net.JoinHostPort(config.Host, strconv.Itoa(config.Port))
	httpServer := &http.Server{
		Addr:              address,
		Handler:           newMux(server, issuer, config.DevTokenTTL, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting roomnet server", "address", address, "at", time.Now().UTC())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 4. Wait for Stop or Error
	code := exitOK
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err = <-errChan:
		code = exitRuntime
	}

	// 5. Final Cleanup: close every connection first, then the listener.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if stopErr := server.Stop(shutdownCtx); stopErr != nil {
		log.Error("stopping realtime server", "error", stopErr)
	}
	if shutdownErr := httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Error("stopping http server", "error", shutdownErr)
	}
	log.Info("Program stopped cleanly")

	return code, err
}
