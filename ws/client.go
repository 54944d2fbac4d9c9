package ws

import (
	"github.com/luciancaetano/roomnet"
	"github.com/luciancaetano/roomnet/internal/client"
)

type ClientConfig = client.Config
type TokenSource = client.TokenSource

// NewClient creates a disconnected client. Call Connect to start it.
//
// Example:
//
//	c, err := ws.NewClient(ws.DefaultClientConfig("ws://localhost:8080/ws", ws.StaticToken(token)))
//	if err != nil {
//	    return err
//	}
//	err = c.Connect(ctx, roomnet.WorkspaceRoom("acme"))
func NewClient(cfg ClientConfig) (roomnet.Client, error) {
	c, err := client.New(cfg)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// DefaultClientConfig returns a configuration reconnecting with a 1s..30s backoff for at most
// 10 attempts.
func DefaultClientConfig(url string, token TokenSource) ClientConfig {
	return client.DefaultConfig(url, token)
}

// StaticToken presents the same token on every connection attempt.
func StaticToken(token string) TokenSource {
	return client.StaticToken(token)
}
