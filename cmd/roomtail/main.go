// Command roomtail connects to a roomnet server and prints every envelope it receives.
//
//	ROOMTAIL_TOKEN=... ROOMTAIL_ROOMS=workspace:acme,project:42 roomtail
//
// On interrupt it prints how many envelopes of each type were received.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"github.com/luciancaetano/roomnet"
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
		fmt.Fprintf(os.Stderr, "roomtail: %v\n", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	rooms, err := config.rooms()
	if err != nil {
		return exitConfig, err
	}

	cfg := ws.DefaultClientConfig(config.URL, ws.StaticToken(config.Token))
	cfg.MaxAttempts = config.MaxAttempts
	cfg.BackoffBase = config.BackoffBase
	cfg.BackoffMax = config.BackoffMax
	cfg.Logger = logs.GetLoggerFromString(config.LogLevel)

	client, err := ws.NewClient(cfg)
	if err != nil {
		return exitConfig, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := newPrinter(os.Stdout, config.Colours)
	client.Subscribe(roomnet.AnyType(), p.handle)

	// A terminal state event ends the session.
	exhausted := make(chan struct{})
	client.Subscribe(roomnet.OfType(roomnet.ConnectionState), func(env roomnet.Envelope) {
		if change, err := roomnet.ParseStateChange(env); err == nil && change.Terminal {
			close(exhausted)
		}
	})

	defer p.summary(os.Stdout)

	if err := client.Connect(ctx, rooms...); err != nil {
		if errors.Is(err, context.Canceled) {
			_ = client.Disconnect(context.Background())
			return exitOK, nil
		}
		return exitRuntime, err
	}

	select {
	case <-ctx.Done():
		_ = client.Disconnect(context.Background())
		return exitOK, nil
	case <-exhausted:
		return exitRuntime, roomnet.ErrReconnectExhausted
	}
}
