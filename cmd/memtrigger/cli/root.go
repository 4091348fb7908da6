package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/memtrigger/internal/app"
	"github.com/felixgeelhaar/memtrigger/internal/config"
	"github.com/felixgeelhaar/memtrigger/internal/observe"
	"github.com/felixgeelhaar/memtrigger/internal/ui"
)

var (
	configPath string
	verbose    bool
	jsonOutput bool
)

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "memtrigger",
	Short: "Event-driven memory for agent runtimes",
	Long: `memtrigger turns host lifecycle events into durable memories and
answers context requests with related prior experience. The memory store
sits behind a circuit breaker, so the host keeps working when it is down.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./config.yaml or ~/.config/memtrigger/config.yaml)")
	RootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	RootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "JSON output for logs and results")
}

// loadConfig applies flags on top of the loaded configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Log.Verbose = true
	}
	if jsonOutput {
		cfg.Log.JSON = true
	}
	return cfg, nil
}

// newObserver logs to stderr so that stdout carries only results.
func newObserver(cfg *config.Config, errOut io.Writer) *observe.Observer {
	return observe.New(errOut, observe.Options{JSON: cfg.Log.JSON, Verbose: cfg.Log.Verbose})
}

// withApp builds the core, runs fn and closes the core, draining queued work.
func withApp(ctx context.Context, cmd *cobra.Command, cfg *config.Config, opts []app.Option, fn func(context.Context, *app.App) error) error {
	obs := newObserver(cfg, cmd.ErrOrStderr())
	defer obs.Close()

	a, err := app.New(ctx, cfg, obs, opts...)
	if err != nil {
		return err
	}

	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.Orchestrator.Timeout)
	defer cancel()
	if err := a.Close(closeCtx); err != nil {
		obs.Log().Warn().Err(err).Msg("shutdown incomplete")
	}
	return runErr
}

func printer(cmd *cobra.Command, cfg *config.Config) *ui.Printer {
	return ui.NewPrinter(cmd.OutOrStdout(), cfg.Log.JSON)
}
