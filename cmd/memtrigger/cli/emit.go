package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/memtrigger/internal/app"
	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/recall"
	"github.com/felixgeelhaar/memtrigger/internal/trigger"
)

var (
	eventSource   string
	correlationID string
	payloadJSON   string
	payloadFields []string

	recallDescription string
	recallCategories  []string
	recallTags        []string
	recallLimit       int
)

var emitCmd = &cobra.Command{
	Use:   "emit [event-type]",
	Short: "Emit one lifecycle event and wait for it to be handled",
	Example: `  memtrigger emit workflow_complete --source ci --correlation run-7 \
    --set success=false --set workflow=deploy-checkout`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		payload, err := buildPayload(payloadJSON, payloadFields)
		if err != nil {
			return err
		}
		event := memory.NewEvent(args[0], eventSource, correlationID, payload)
		if event.Source == "" {
			event.Source = cfg.Hook.Source
		}

		var (
			mu     sync.Mutex
			result *trigger.Result
		)
		opts := []app.Option{app.OnResult(func(r trigger.Result) {
			mu.Lock()
			defer mu.Unlock()
			result = &r
		})}

		err = withApp(cmd.Context(), cmd, cfg, opts, func(_ context.Context, a *app.App) error {
			return a.Adapter().Emit(event)
		})
		if err != nil {
			return err
		}

		mu.Lock()
		defer mu.Unlock()
		if result == nil {
			return fmt.Errorf("event was not handled before shutdown")
		}
		return printer(cmd, cfg).Result(*result)
	},
}

// buildPayload merges a JSON object with key=value pairs. Values that parse
// as JSON keep their type; anything else is a string.
func buildPayload(raw string, fields []string) (map[string]any, error) {
	payload := map[string]any{}
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &payload); err != nil {
			return nil, fmt.Errorf("invalid --payload: %w", err)
		}
	}
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --set %q: expected key=value", f)
		}
		var v any
		if err := json.Unmarshal([]byte(value), &v); err != nil {
			v = value
		}
		payload[key] = v
	}
	return payload, nil
}

var recallCmd = &cobra.Command{
	Use:   "recall [operation]",
	Short: "Show memories related to an operation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		op := recall.OperationContext{
			Operation:   args[0],
			Description: recallDescription,
			Tags:        recallTags,
			Limit:       recallLimit,
		}
		for _, c := range recallCategories {
			cat := memory.Category(c)
			if !cat.Valid() {
				return fmt.Errorf("unknown category %q", c)
			}
			op.Categories = append(op.Categories, cat)
		}

		var ec recall.EnrichedContext
		err = withApp(cmd.Context(), cmd, cfg, nil, func(ctx context.Context, a *app.App) error {
			ec = a.Adapter().RequestContext(ctx, op)
			return nil
		})
		if err != nil {
			return err
		}
		return printer(cmd, cfg).Context(ec)
	},
}

func init() {
	RootCmd.AddCommand(emitCmd)
	RootCmd.AddCommand(recallCmd)

	emitCmd.Flags().StringVarP(&eventSource, "source", "s", "", "Source component (default: hook.source)")
	emitCmd.Flags().StringVar(&correlationID, "correlation", "", "Correlation id")
	emitCmd.Flags().StringVar(&payloadJSON, "payload", "", "Payload as a JSON object")
	emitCmd.Flags().StringArrayVar(&payloadFields, "set", nil, "Payload field as key=value (repeatable)")

	recallCmd.Flags().StringVarP(&recallDescription, "description", "d", "", "Operation description")
	recallCmd.Flags().StringSliceVar(&recallCategories, "category", nil, "Limit to categories (default: all)")
	recallCmd.Flags().StringSliceVar(&recallTags, "tag", nil, "Tags that lift matching memories")
	recallCmd.Flags().IntVarP(&recallLimit, "limit", "n", 0, "Maximum matches (default: recall.limit)")
}
