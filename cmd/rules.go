package cmd

import (
	"fmt"

	"hostguard/bootstrap"
	"hostguard/config"
	"hostguard/core"
	"hostguard/detect"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRulesCmd creates the 'rules' command
func newRulesCmd() *cobra.Command {
	rulesCmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate detection rules",
	}
	rulesCmd.AddCommand(newRulesListCmd())
	rulesCmd.AddCommand(newRulesValidateCmd())
	return rulesCmd
}

func newRulesListCmd() *cobra.Command {
	var showCorrelation bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the rules the engine would load",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			rules, err := bootstrap.LoadRules(cfg, zap.NewNop().Sugar())
			if err != nil {
				return err
			}

			if outputJSON {
				if showCorrelation {
					return outputAsJSON(map[string]any{
						"rules":       rules,
						"correlation": core.CorrelationCatalogue,
					})
				}
				return outputAsJSON(rules)
			}
			renderRulesTable(rules)
			if showCorrelation {
				fmt.Println()
				renderCorrelationTable(core.CorrelationCatalogue, cfg.Correlation.Disabled)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&showCorrelation, "correlation", false, "Also list the correlation patterns")
	return cmd
}

func newRulesValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>...",
		Short: "Check rule files against the schema and compile their patterns",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				rules, err := detect.LoadRules(path, nil)
				if err == nil {
					_, err = detect.NewRuleSet(rules, core.DefaultRegexTimeout)
				}
				if err != nil {
					failed++
					errorColor.Printf("✗ %s\n", path)
					fmt.Printf("  %v\n", err)
					continue
				}
				if !quiet {
					successColor.Printf("✓ %s", path)
					infoColor.Printf(" (%d rules)\n", len(rules))
				}
				for _, w := range detect.LintRules(rules) {
					warningColor.Printf("  ! %s\n", w)
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d rule files invalid", failed, len(args))
			}
			return nil
		},
	}
}
