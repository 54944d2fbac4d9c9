package main

import "time"

type Config struct {
	Host      string `env:"ROOMNET_HOST,default=0.0.0.0"`
	Port      int    `env:"ROOMNET_PORT,default=8080"`
	JWTSecret string `env:"ROOMNET_JWT_SECRET,required=true"`
	LogLevel  string `env:"LOG_LEVEL,default=INFO"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL,default=30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT,default=60s"`
	DeliveryTimeout   time.Duration `env:"DELIVERY_TIMEOUT,default=5s"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
	ExcludeSender     bool          `env:"EXCLUDE_SENDER,default=false"`

	RateLimitPerSecond float64 `env:"RATE_LIMIT_PER_SECOND,default=100"`
	RateLimitBurst     int     `env:"RATE_LIMIT_BURST,default=200"`

	// DevTokens exposes /token?sub=<principal> to mint tokens. Never enable in production.
	DevTokens    bool          `env:"DEV_TOKENS,default=false"`
	DevTokenTTL  time.Duration `env:"DEV_TOKEN_TTL,default=24h"`
	AllowOrigins bool          `env:"ALLOW_ALL_ORIGINS,default=false"`
}
