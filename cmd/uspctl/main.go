// Command uspctl is a USP Controller that sends Get and Set requests to an
// Agent over CoAP and prints the correlated responses.
//
// Usage:
//
//	uspctl get Device.DeviceInfo.
//	uspctl set Device.LocalAgent.Controller.1.Enable=false --allow-partial
//
// Settings come from --config (TOML or YAML), an optional .env file and
// USP_* environment variables. Flags win over all of them.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	usp "github.com/smnsjas/go-uspcore"
	"github.com/smnsjas/go-uspcore/config"
)

type rootFlags struct {
	configPath string
	envFile    string
	agentID    string
	agentAddr  string
	timeout    time.Duration
	logLevel   string
}

var flags rootFlags

var rootCmd = &cobra.Command{
	Use:           "uspctl",
	Short:         "Send USP requests to an Agent over CoAP.",
	Version:       usp.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "config file (.toml, .yaml)")
	pf.StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before USP_* overrides")
	pf.StringVar(&flags.agentID, "agent-id", "", "Agent endpoint id")
	pf.StringVar(&flags.agentAddr, "agent", "", "Agent address (coap://host:port/usp)")
	pf.DurationVar(&flags.timeout, "timeout", 0, "per-request timeout")
	pf.StringVar(&flags.logLevel, "log-level", "", "log level (trace, debug, info, warn, error)")

	rootCmd.AddCommand(getCmd, setCmd)
}

// loadConfig layers the dotenv file, the config file and the flags.
func loadConfig() (config.Config, error) {
	if flags.envFile != "" {
		if err := godotenv.Load(flags.envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load %s: %w", flags.envFile, err)
		}
	}
	cfg, err := config.Load(flags.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if flags.agentID != "" {
		cfg.Agent.ID = flags.agentID
	}
	if flags.agentAddr != "" {
		cfg.Agent.Address = flags.agentAddr
	}
	if flags.timeout > 0 {
		cfg.Timeout = flags.timeout
	}
	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	return cfg, cfg.Validate()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "uspctl:", err)
		os.Exit(1)
	}
}
