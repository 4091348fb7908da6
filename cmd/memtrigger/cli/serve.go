package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/memtrigger/internal/app"
	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/trigger"
)

var (
	follow      bool
	showResults bool
)

var serveCmd = &cobra.Command{
	Use:   "serve [events.ndjson]",
	Short: "Process newline-delimited JSON events from a file or stdin",
	Long: `serve reads one event per line, for example

  {"event_type":"workflow_complete","source_component":"ci","correlation_id":"run-1","payload":{"success":false}}

and hands each to the orchestrator. Recovery, the policy watcher and the
diagnostics endpoint run for as long as serve does. Without --follow, serve
drains queued work and exits when the input ends.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		in := cmd.InOrStdin()
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("failed to open events: %w", err)
			}
			defer f.Close()
			in = f
		}

		var opts []app.Option
		if showResults {
			p := printer(cmd, cfg)
			var mu sync.Mutex
			opts = append(opts, app.OnResult(func(r trigger.Result) {
				mu.Lock()
				defer mu.Unlock()
				_ = p.Result(r)
			}))
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return withApp(ctx, cmd, cfg, opts, func(ctx context.Context, a *app.App) error {
			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			runErr := make(chan error, 1)
			go func() { runErr <- a.Run(runCtx) }()

			readErr := make(chan error, 1)
			go func() { readErr <- readEvents(ctx, in, a) }()

			var err error
			select {
			case err = <-readErr:
				if err == nil && follow {
					<-ctx.Done()
				}
			case <-ctx.Done():
			case err = <-runErr:
				return err
			}
			cancel()
			if rerr := <-runErr; err == nil {
				err = rerr
			}
			return err
		})
	},
}

// readEvents emits every line of in until EOF or ctx ends. Malformed lines
// are logged and skipped.
func readEvents(ctx context.Context, in io.Reader, a *app.App) error {
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return nil
		}
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event memory.Event
		if err := json.Unmarshal(raw, &event); err != nil {
			a.Logger().Warn().Err(err).Int("line", line).Msg("skipping malformed event")
			continue
		}
		_ = a.Adapter().Emit(event)
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read events: %w", err)
	}
	return nil
}

func init() {
	RootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep running after the input ends")
	serveCmd.Flags().BoolVar(&showResults, "results", false, "Print one result per handled event")
}
