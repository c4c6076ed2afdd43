package config

import (
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// Load reads configuration from a file and environment variables.
func Load(logger *slog.Logger, fileName string) (*Config, error) {
	v := viper.New()

	// 1. Set default values
	v.SetDefault("logLevel", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("server.connectionLimit.maxPerUser", 4)
	v.SetDefault("server.connectionLimit.mode", "cycle")
	v.SetDefault("transport.readTimeout", "60s")
	v.SetDefault("auth.mode", "hmac")
	v.SetDefault("auth.jwtSecret", "default-secret-key-change-me")
	v.SetDefault("auth.jwksURL", "")
	v.SetDefault("auth.allowAnonymous", true)
	v.SetDefault("broker.driver", "memory")
	v.SetDefault("broker.channelPrefix", "autograph.room")
	v.SetDefault("broker.redisAddr", "localhost:6379")
	v.SetDefault("broker.redisPassword", "")
	v.SetDefault("broker.natsURL", "nats://localhost:4222")
	v.SetDefault("broker.retryInterval", "5s")
	v.SetDefault("presence.gracePeriod", "30s")
	v.SetDefault("presence.awayAfter", "5m")
	v.SetDefault("presence.sweepInterval", "1m")
	v.SetDefault("conflict.window", "1s")
	v.SetDefault("conflict.historySize", 1000)
	v.SetDefault("conflict.logSize", 100)
	v.SetDefault("annotation.ttl", "10s")
	v.SetDefault("annotation.reapInterval", "1s")
	v.SetDefault("undo.depth", 50)
	v.SetDefault("activity.feedSize", 100)
	v.SetDefault("telemetry.enabled", false)

	// 2. Set config file details
	v.SetConfigName(fileName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".") // look for config in the working directory

	// 3. Set up environment variable handling
	v.SetEnvPrefix("AUTOGRAPH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 4. Read the configuration file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error was produced
			return nil, err
		}
		logger.Warn("Config file not found. ignoring error and relying on defaults/env vars")
	}

	// 5. Unmarshal the configuration into our struct
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}
