package main

import (
	"strings"
	"time"

	"github.com/luciancaetano/roomnet"
)

type Config struct {
	URL      string `env:"ROOMTAIL_URL,default=ws://localhost:8080/ws"`
	Token    string `env:"ROOMTAIL_TOKEN,required=true"`
	Rooms    string `env:"ROOMTAIL_ROOMS"`
	LogLevel string `env:"LOG_LEVEL,default=WARN"`
	Colours  bool   `env:"ROOMTAIL_COLOURS,default=true"`

	MaxAttempts int           `env:"ROOMTAIL_MAX_ATTEMPTS,default=10"`
	BackoffBase time.Duration `env:"ROOMTAIL_BACKOFF_BASE,default=1s"`
	BackoffMax  time.Duration `env:"ROOMTAIL_BACKOFF_MAX,default=30s"`
}

// rooms parses the comma separated room list, e.g. "workspace:acme,project:42".
func (c Config) rooms() ([]roomnet.RoomID, error) {
	var rooms []roomnet.RoomID
	for _, raw := range strings.Split(c.Rooms, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		room, err := roomnet.ParseRoomID(raw)
		if err != nil {
			return nil, err
		}
		rooms = append(rooms, room)
	}
	return rooms, nil
}
