package config

import (
	"os"
	"strconv"
)

// FromEnv overlays environment variables onto cfg. Unparseable numbers are
// left at their previous value.
func FromEnv(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	dur := func(key string, dst *Duration) {
		if v := os.Getenv(key); v != "" {
			if d, err := parseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}

	str("DB_HOST", &cfg.Database.Host)
	num("DB_PORT", &cfg.Database.Port)
	str("DB_USER", &cfg.Database.User)
	str("DB_PASS", &cfg.Database.Password)
	str("DB_NAME", &cfg.Database.Name)
	str("DB_SSLMODE", &cfg.Database.SSLMode)
	num("DB_POOL_SIZE", &cfg.Database.PoolSize)
	dur("DB_POOL_TIMEOUT", &cfg.Database.PoolTimeout)

	str("RABBITMQ_URL", &cfg.RabbitMQ.URL)
	str("RABBITMQ_HOST", &cfg.RabbitMQ.Host)
	num("RABBITMQ_PORT", &cfg.RabbitMQ.Port)
	str("RABBITMQ_USER", &cfg.RabbitMQ.User)
	str("RABBITMQ_PASS", &cfg.RabbitMQ.Password)
	str("RABBITMQ_VHOST", &cfg.RabbitMQ.VHost)

	str("CHAT_EXCHANGE", &cfg.Chat.Exchange)
	str("CHAT_QUEUE", &cfg.Chat.Queue)
	str("CHAT_ROUTING_KEY", &cfg.Chat.RoutingKey)
	str("CHAT_INVALID_POLICY", &cfg.Chat.InvalidPolicy)
	dur("CHAT_APPLY_TIMEOUT", &cfg.Chat.ApplyTimeout)
	if v := os.Getenv("CHAT_DEAD_LETTER"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Chat.DeadLetter = b
		}
	}

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FORMAT", &cfg.Log.Format)
}
