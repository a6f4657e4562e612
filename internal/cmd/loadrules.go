package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/devsisters/checkpoint/internal/registry"
)

var loadRulesCmd = &cobra.Command{
	Use:   "load-rules DIR",
	Short: "Load every ValidatingRule/MutatingRule/CronPolicy YAML document under DIR and report the counts",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg := registry.New()
		if err := registry.LoadDir(reg, args[0]); err != nil {
			return fmt.Errorf("load-rules: %w", err)
		}

		snapshot := reg.Snapshot()
		fmt.Fprintf(cmd.OutOrStdout(), "loaded %d ValidatingRule, %d MutatingRule, %d CronPolicy from %s\n",
			len(snapshot.ValidatingRules()), len(snapshot.MutatingRules()), len(snapshot.CronPolicies()), args[0])
		return nil
	},
}
