package config

import "time"

type Config struct {
	LogLevel   string `mapstructure:"logLevel"`
	Server     ServerConfig
	Transport  TransportConfig
	Auth       AuthConfig
	Broker     BrokerConfig
	Presence   PresenceConfig
	Conflict   ConflictConfig
	Annotation AnnotationConfig
	Undo       UndoConfig
	Activity   ActivityConfig
	Telemetry  TelemetryConfig
}

type ServerConfig struct {
	Address         string
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type AuthConfig struct {
	Mode           string `mapstructure:"mode"` // "hmac" or "jwks"
	JWTSecret      string `mapstructure:"jwtSecret"`
	JWKSURL        string `mapstructure:"jwksURL"`
	AllowAnonymous bool   `mapstructure:"allowAnonymous"`
}

type BrokerConfig struct {
	Driver        string        `mapstructure:"driver"` // "redis", "nats" or "memory"
	ChannelPrefix string        `mapstructure:"channelPrefix"`
	RedisAddr     string        `mapstructure:"redisAddr"`
	RedisPassword string        `mapstructure:"redisPassword"`
	NATSURL       string        `mapstructure:"natsURL"`
	RetryInterval time.Duration `mapstructure:"retryInterval"`
}

type PresenceConfig struct {
	GracePeriod   time.Duration `mapstructure:"gracePeriod"`
	AwayAfter     time.Duration `mapstructure:"awayAfter"`
	SweepInterval time.Duration `mapstructure:"sweepInterval"`
}

type ConflictConfig struct {
	Window      time.Duration `mapstructure:"window"`
	HistorySize int           `mapstructure:"historySize"`
	LogSize     int           `mapstructure:"logSize"`
}

type AnnotationConfig struct {
	TTL          time.Duration `mapstructure:"ttl"`
	ReapInterval time.Duration `mapstructure:"reapInterval"`
}

type UndoConfig struct {
	Depth int `mapstructure:"depth"`
}

type ActivityConfig struct {
	FeedSize int `mapstructure:"feedSize"`
}

type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}
