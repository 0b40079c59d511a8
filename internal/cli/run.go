package cli

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/harun/ranya-runtime/internal/daemon"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the runtime in the foreground",
	Long: `Run the scheduler, every enabled ingress channel and the configured timers
in the foreground. SIGINT or SIGTERM drains queued tasks and exits; a second
signal abandons the drain.`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log, err := newLogger(cfg, true)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return d.Run(ctx)
}
