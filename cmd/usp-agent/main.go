// Command usp-agent is a minimal USP Agent over CoAP. It answers Get and
// Set requests from an in-memory data model, optionally seeded from YAML,
// and can expose Prometheus metrics.
//
// Usage:
//
//	usp-agent --model model.yaml --metrics :9102
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	usp "github.com/smnsjas/go-uspcore"
	"github.com/smnsjas/go-uspcore/agent"
	"github.com/smnsjas/go-uspcore/coap"
	"github.com/smnsjas/go-uspcore/config"
	"github.com/smnsjas/go-uspcore/internal/logging"
	"github.com/smnsjas/go-uspcore/metrics"
)

var (
	configPath  string
	envFile     string
	listenAddr  string
	modelPath   string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:           "usp-agent",
	Short:         "Serve a USP data model over CoAP.",
	Version:       usp.Version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVarP(&configPath, "config", "c", "", "config file (.toml, .yaml)")
	f.StringVar(&envFile, "env-file", ".env", "dotenv file loaded before USP_* overrides")
	f.StringVar(&listenAddr, "listen", "", "UDP bind address (default: host:port of agent.address)")
	f.StringVar(&modelPath, "model", "", "data model YAML")
	f.StringVar(&metricsAddr, "metrics", "", "serve /metrics on this address")
}

func loadConfig() (config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if modelPath != "" {
		cfg.Agent.DataModel = modelPath
	}
	if metricsAddr != "" {
		cfg.Metrics.Address = metricsAddr
	}
	return cfg, nil
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.New(cfg.Logging("usp-agent"))

	model := agent.DefaultDataModel(cfg.Agent.ID)
	if cfg.Agent.DataModel != "" {
		loaded, err := agent.LoadDataModel(cfg.Agent.DataModel)
		if err != nil {
			return err
		}
		model = loaded
	}

	self, err := coap.ParseAddress(cfg.Agent.Address)
	if err != nil {
		return fmt.Errorf("agent.address: %w", err)
	}
	bind := listenAddr
	if bind == "" {
		bind = self.HostPort()
	}

	binding, err := coap.New(self.String(),
		coap.WithLogger(logger),
		coap.WithQueueTTL(cfg.QueueTTL),
		coap.WithRateLimit(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		coap.WithSendTimeout(cfg.Timeout),
	)
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Metrics.Address != "" {
		m = metrics.New(prometheus.DefaultRegisterer)
		stop := serveMetrics(cfg.Metrics.Address, logger)
		defer stop()
	}

	responder := agent.New(cfg.Agent.ID, model,
		agent.WithLogger(logger),
		agent.WithMetrics(m),
	)

	logger.Info().
		Str("endpoint_id", cfg.Agent.ID).
		Str("addr", self.String()).
		Int("params", model.Len()).
		Msg("usp agent starting")

	err = binding.Listen(ctx, bind, responder.Handler())
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info().Msg("usp agent stopped")
	return nil
}

// serveMetrics starts the Prometheus endpoint and returns its shutdown func.
func serveMetrics(addr string, logger zerolog.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
	logger.Info().Str("addr", addr).Msg("metrics listening")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "usp-agent:", err)
		os.Exit(1)
	}
}
