package config

import "time"

type Config struct {
	Server    ServerConfig
	Transport TransportConfig
	Typing    TypingConfig
	Storage   StorageConfig
	Log       LogConfig
}

type ServerConfig struct {
	Address         string
	Origin          string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
	SendBuffer  int           `mapstructure:"sendBuffer"`
}

type TypingConfig struct {
	// TTL is how long a typing assertion stays alive without being refreshed
	// before the tracker expires it on its own.
	TTL time.Duration `mapstructure:"ttl"`
}

type StorageConfig struct {
	Driver string // "memory" or "badger"
	Path   string
}

type LogConfig struct {
	Level  string
	Format string // "text" or "json"
}
