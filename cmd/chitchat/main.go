package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	chitchat "github.com/rafimumtaz/ChitChat"
	"github.com/rafimumtaz/ChitChat/contracts"
	"github.com/rafimumtaz/ChitChat/health"
	"github.com/rafimumtaz/ChitChat/internal/config"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "chitchat",
		Short: "Relay chat events from RabbitMQ into PostgreSQL",
		Long: `chitchat moves chat messages, friend requests and group events from the
chat queue into the database. Redelivered events are applied once.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "JSON configuration file; environment variables override it")

	// relay loads configuration and builds a relay for one command
	relay := func(ctx context.Context) (*chitchat.Relay, *slog.Logger, error) {
		cfg, err := loadConfig(configPath)
		if err != nil {
			return nil, nil, err
		}
		logger, err := newLogger(cfg.Log, os.Stderr)
		if err != nil {
			return nil, nil, err
		}
		r, err := chitchat.New(ctx, cfg, chitchat.WithLogger(logger))
		if err != nil {
			return nil, nil, err
		}
		return r, logger, nil
	}

	// Consume command
	var healthAddr string
	consumeCmd := &cobra.Command{
		Use:   "consume",
		Short: "Consume the chat queue until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			r, logger, err := relay(ctx)
			if err != nil {
				return err
			}

			if healthAddr != "" {
				srv := &http.Server{
					Addr:              healthAddr,
					Handler:           health.NewHandler(r.HealthRegistry(), 5*time.Second),
					ReadHeaderTimeout: 5 * time.Second,
				}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("health endpoint failed", "addr", healthAddr, "error", err)
					}
				}()
				defer srv.Close()
			}

			consumeErr := r.Consume(ctx)

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return errors.Join(consumeErr, r.Shutdown(shutdownCtx))
		},
	}
	consumeCmd.Flags().StringVar(&healthAddr, "health-addr", "", "serve the health report over HTTP on this address")

	// Publish command
	var data string
	publishCmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish one envelope read from --data or stdin",
		Example: `  chitchat publish --data '{"type":"CHAT_MESSAGE","room_id":1,"sender_id":2,"content":"hi"}'
  echo '{"type":"FRIEND_REQUEST","sender_id":1,"receiver_id":2}' | chitchat publish`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(data)
			if data == "" {
				var err error
				if body, err = io.ReadAll(cmd.InOrStdin()); err != nil {
					return fmt.Errorf("failed to read envelope: %w", err)
				}
			}
			env, err := contracts.DecodeDraft(body)
			if err != nil {
				return err
			}

			r, _, err := relay(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Shutdown(context.Background())

			key, err := r.Publish(cmd.Context(), env)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), key)
			return nil
		},
	}
	publishCmd.Flags().StringVarP(&data, "data", "d", "", "envelope JSON")

	// Topology command
	topologyCmd := &cobra.Command{
		Use:   "topology",
		Short: "Declare the chat exchange and queue, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			r, logger, err := relay(cmd.Context())
			if err != nil {
				return err
			}
			defer r.Shutdown(context.Background())

			if err := r.DeclareTopology(cmd.Context()); err != nil {
				return err
			}
			logger.Info("topology declared")
			return nil
		},
	}

	// Health command
	var timeout time.Duration
	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Print the health report as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			r, _, err := relay(ctx)
			if err != nil {
				return err
			}
			defer r.Shutdown(context.Background())

			report := r.Health(ctx)
			if err := printHealth(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Status == health.StatusUnhealthy {
				return fmt.Errorf("relay is %s", report.Status)
			}
			return nil
		},
	}
	healthCmd.Flags().DurationVarP(&timeout, "timeout", "t", 10*time.Second, "overall check timeout")

	rootCmd.AddCommand(consumeCmd, publishCmd, topologyCmd, healthCmd)
	return rootCmd
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	config.FromEnv(&cfg)
	return cfg, cfg.Validate()
}

// newLogger builds the text or JSON handler named by cfg
func newLogger(cfg config.LogConfig, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(cfg.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case "text", "":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", cfg.Format)
	}
}

func printHealth(w io.Writer, report health.OverallHealth) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}
