package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/memtrigger/internal/app"
	"github.com/felixgeelhaar/memtrigger/internal/diag"
)

var (
	statusRemote bool
	statusCheck  bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show breaker state, store metrics and orchestration counters",
	Long: `status reads the diagnostics endpoint of a running serve process with
--remote, or opens the configured store and runs the recovery checks
once otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		var rep diag.Report
		if statusRemote {
			if cfg.Diag.Addr == "" {
				return fmt.Errorf("diag.addr is not configured")
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Second)
			defer cancel()
			rep, err = diag.Fetch(ctx, "http://"+cfg.Diag.Addr)
			if err != nil {
				return err
			}
		} else {
			err = withApp(cmd.Context(), cmd, cfg, nil, func(ctx context.Context, a *app.App) error {
				if _, cerr := a.Recovery().RunOnce(ctx); cerr != nil {
					a.Logger().Warn().Err(cerr).Msg("memory store checks failed")
				}
				rep = a.Report()
				return nil
			})
			if err != nil {
				return err
			}
		}

		if err := printer(cmd, cfg).Report(rep); err != nil {
			return err
		}
		if statusCheck && !rep.Healthy() {
			return fmt.Errorf("memory store is %s", rep.Memory.State)
		}
		return nil
	},
}

func init() {
	RootCmd.AddCommand(statusCmd)
	statusCmd.Flags().BoolVarP(&statusRemote, "remote", "r", false, "Query the diagnostics endpoint of a running serve")
	statusCmd.Flags().BoolVar(&statusCheck, "check", false, "Exit non-zero when the breaker is open")
}
