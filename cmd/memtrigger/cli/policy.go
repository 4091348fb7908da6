package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/felixgeelhaar/memtrigger/internal/memory"
	"github.com/felixgeelhaar/memtrigger/internal/policy"
)

var policyEvent string

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect trigger rules",
}

var policyValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a rule document against the schema and rule constraints",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set, err := policy.LoadFile(args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: version %s, %d rules\n", args[0], set.Version, len(set.Rules))
		return nil
	},
}

var policyEvalCmd = &cobra.Command{
	Use:   "eval [file]",
	Short: "Evaluate one event against a rule document, or the built-in rules",
	Example: `  memtrigger policy eval rules.yaml --event '{"event_type":"workflow_complete","source_component":"ci","payload":{"success":false}}'`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		set := policy.DefaultSet()
		if len(args) == 1 {
			var err error
			if set, err = policy.LoadFile(args[0]); err != nil {
				return err
			}
		}

		var event memory.Event
		if err := json.Unmarshal([]byte(policyEvent), &event); err != nil {
			return fmt.Errorf("invalid --event: %w", err)
		}
		d, err := policy.Evaluate(event, set)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(d)
	},
}

func init() {
	RootCmd.AddCommand(policyCmd)
	policyCmd.AddCommand(policyValidateCmd)
	policyCmd.AddCommand(policyEvalCmd)
	policyEvalCmd.Flags().StringVarP(&policyEvent, "event", "e", "", "Event as JSON")
	_ = policyEvalCmd.MarkFlagRequired("event")
}
