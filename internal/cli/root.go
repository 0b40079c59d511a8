package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harun/ranya-runtime/internal/config"
	"github.com/harun/ranya-runtime/internal/logger"
)

const version = "0.2.0"

var (
	cfgFile  string
	logLevel string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "ranyad",
	Short: "Ranya runtime - task scheduler for streaming agents",
	Long: `Ranya runtime serializes work from chat, webhook, gateway, spool and Redis
ingress onto a fixed worker pool and drives streaming chat completions for
each task, with timers, retries and graceful shutdown.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.ranya/ranya.json)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level override (debug, info, warn, error)")

	rootCmd.SetVersionTemplate(`{{with .Name}}{{printf "%s " .}}{{end}}{{printf "version %s" .Version}}
`)
}

// GetRootCmd returns the root command for testing
func GetRootCmd() *cobra.Command {
	return rootCmd
}

// GetVersion returns the current version
func GetVersion() string {
	return version
}

// loadConfig reads the config file named by --config and applies --log-level.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

// newLogger builds the process logger. Short-lived commands log to the
// console only.
func newLogger(cfg *config.Config, withFile bool) (*logger.Logger, error) {
	logCfg := logger.Config{
		Level:     cfg.Logging.Level,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		Rotation: logger.Rotation{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxAgeDays: cfg.Logging.MaxAgeDay,
			Compress:   cfg.Logging.Compress,
		},
	}
	if withFile {
		logCfg.File = cfg.Logging.File
	}
	log, err := logger.New(logCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return log, nil
}
