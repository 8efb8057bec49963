package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rafimumtaz/ChitChat/internal/reliability"
)

var ErrInvalidConfig = errors.New("config: invalid configuration")

// Config is the top-level configuration loaded from file/env.
type Config struct {
	Database DatabaseConfig `json:"database"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
	Chat     ChatConfig     `json:"chat"`
	Log      LogConfig      `json:"log"`
}

// DatabaseConfig describes the PostgreSQL sessions and their pool.
type DatabaseConfig struct {
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	User        string   `json:"user"`
	Password    string   `json:"password"`
	Name        string   `json:"name"`
	SSLMode     string   `json:"sslMode"`
	PoolSize    int      `json:"poolSize"`
	PoolTimeout Duration `json:"poolTimeout"`
}

// RabbitMQConfig describes the broker connection. URL wins over the parts.
type RabbitMQConfig struct {
	URL            string   `json:"url"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	User           string   `json:"user"`
	Password       string   `json:"password"`
	VHost          string   `json:"vhost"`
	PublishPool    int      `json:"publishPool"`
	ConfirmTimeout Duration `json:"confirmTimeout"`
}

// ChatConfig names the pipeline entities and settlement policy.
type ChatConfig struct {
	Exchange      string `json:"exchange"`
	Queue         string `json:"queue"`
	RoutingKey    string `json:"routingKey"`
	DeadLetter    bool   `json:"deadLetter"`
	InvalidPolicy string `json:"invalidPolicy"`
	// ApplyTimeout bounds one envelope's transaction. Zero disables it.
	ApplyTimeout Duration `json:"applyTimeout"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// Duration reads either a Go duration string ("5s") or a number of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v, err := parseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %w", err)
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func parseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}

// Default returns built-in defaults.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Host:        "127.0.0.1",
			Port:        5432,
			User:        "postgres",
			Name:        "chat_distributed_db",
			SSLMode:     "disable",
			PoolSize:    5,
			PoolTimeout: Duration(5 * time.Second),
		},
		RabbitMQ: RabbitMQConfig{
			Host:           "localhost",
			Port:           5672,
			User:           "guest",
			Password:       "guest",
			VHost:          "/",
			PublishPool:    4,
			ConfirmTimeout: Duration(5 * time.Second),
		},
		Chat: ChatConfig{
			Exchange:      "chat_exchange",
			Queue:         "chat_queue",
			RoutingKey:    "chat.message",
			InvalidPolicy: string(reliability.InvalidRequeue),
			ApplyTimeout:  Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a JSON file. If path is empty, returns defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if c.Database.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("database.poolSize must be at least 1, got %d", c.Database.PoolSize))
	}
	if c.Database.PoolTimeout <= 0 {
		errs = append(errs, errors.New("database.poolTimeout must be positive"))
	}
	if c.RabbitMQ.PublishPool < 1 {
		errs = append(errs, fmt.Errorf("rabbitmq.publishPool must be at least 1, got %d", c.RabbitMQ.PublishPool))
	}
	if c.Chat.Exchange == "" || c.Chat.Queue == "" {
		errs = append(errs, errors.New("chat.exchange and chat.queue are required"))
	}
	if c.Chat.ApplyTimeout < 0 {
		errs = append(errs, errors.New("chat.applyTimeout must not be negative"))
	}
	if _, err := reliability.ParseInvalidPolicy(c.Chat.InvalidPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.Chat.InvalidPolicy == string(reliability.InvalidDeadLetter) && !c.Chat.DeadLetter {
		errs = append(errs, errors.New("chat.invalidPolicy dead-letter needs chat.deadLetter"))
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be text or json, got %q", c.Log.Format))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Name,
	}
	if d.Password == "" {
		u.User = url.User(d.User)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

// AMQPURL returns the broker URL.
func (r RabbitMQConfig) AMQPURL() string {
	if r.URL != "" {
		return r.URL
	}
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(r.User, r.Password),
		Host:   net.JoinHostPort(r.Host, strconv.Itoa(r.Port)),
		Path:   "/",
	}
	if r.VHost != "" && r.VHost != "/" {
		u.Path = "/" + r.VHost
	}
	return u.String()
}

// SlogLevel parses the level name.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}
