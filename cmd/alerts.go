package cmd

import (
	"context"
	"fmt"
	"time"

	"hostguard/config"
	"hostguard/core"
	"hostguard/storage"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newAlertsCmd creates the 'alerts' command
func newAlertsCmd() *cobra.Command {
	alertsCmd := &cobra.Command{
		Use:   "alerts",
		Short: "Query alerts stored in the SQLite sink",
	}
	alertsCmd.AddCommand(newAlertsListCmd())
	alertsCmd.AddCommand(newAlertsShowCmd())
	alertsCmd.AddCommand(newAlertsPruneCmd())
	return alertsCmd
}

func newAlertsListCmd() *cobra.Command {
	var (
		minSeverity string
		since       time.Duration
		ruleID      string
		hostID      string
		limit       int
	)

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List stored alerts, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			filter := storage.AlertFilter{RuleID: ruleID, HostID: hostID, Limit: limit}
			if minSeverity != "" {
				sev, err := core.ParseSeverity(minSeverity)
				if err != nil {
					return err
				}
				filter.MinSeverity = sev
			}
			if since > 0 {
				filter.Since = time.Now().Add(-since)
			}

			alerts, closeDB, err := openAlertStorage()
			if err != nil {
				return err
			}
			defer closeDB()

			results, err := alerts.Query(ctx, filter)
			if err != nil {
				return fmt.Errorf("failed to query alerts: %w", err)
			}
			if outputJSON {
				return outputAsJSON(results)
			}
			renderAlertsTable(results)
			return nil
		},
	}

	cmd.Flags().StringVar(&minSeverity, "min-severity", "", "Only alerts at or above this severity")
	cmd.Flags().DurationVar(&since, "since", 0, "Only alerts created within this duration")
	cmd.Flags().StringVar(&ruleID, "rule", "", "Only alerts from this rule ID")
	cmd.Flags().StringVar(&hostID, "host", "", "Only alerts from this host")
	cmd.Flags().IntVar(&limit, "limit", storage.DefaultAlertQueryLimit, "Maximum alerts to show")
	return cmd
}

func newAlertsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <alert-id>",
		Short: "Show one alert with its evidence and process chain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			alerts, closeDB, err := openAlertStorage()
			if err != nil {
				return err
			}
			defer closeDB()

			alert, err := alerts.GetAlert(ctx, args[0])
			if err != nil {
				return err
			}
			if outputJSON {
				return outputAsJSON(alert)
			}
			renderAlertDetails(alert)
			return nil
		},
	}
}

func newAlertsPruneCmd() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete stored alerts older than a duration",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			alerts, closeDB, err := openAlertStorage()
			if err != nil {
				return err
			}
			defer closeDB()

			n, err := alerts.DeleteAlertsBefore(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("failed to prune alerts: %w", err)
			}
			if outputJSON {
				return outputAsJSON(map[string]int64{"deleted": n})
			}
			successColor.Printf("✓ Deleted %d alerts\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "Delete alerts created before now minus this duration")
	return cmd
}

// openSQLite opens the configured alert database
func openSQLite() (*storage.SQLite, *zap.SugaredLogger, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Sinks.SQLitePath == "" {
		return nil, nil, fmt.Errorf("no SQLite sink configured (set sinks.sqlite_path or HOSTGUARD_SQLITE_PATH)")
	}
	logger := zap.NewNop().Sugar()
	sqlite, err := storage.NewSQLite(cfg.Sinks.SQLitePath, logger)
	if err != nil {
		return nil, nil, err
	}
	return sqlite, logger, nil
}

func openAlertStorage() (*storage.AlertStorage, func(), error) {
	sqlite, logger, err := openSQLite()
	if err != nil {
		return nil, nil, err
	}
	return storage.NewAlertStorage(sqlite, logger), func() { _ = sqlite.Close() }, nil
}

// newDeadLettersCmd creates the 'dead-letters' command
func newDeadLettersCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:     "dead-letters",
		Aliases: []string{"dlq"},
		Short:   "List input records that could not be decoded",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
			defer cancel()

			sqlite, logger, err := openSQLite()
			if err != nil {
				return err
			}
			defer sqlite.Close()

			records, err := storage.NewDeadLetterStorage(sqlite, logger).ListDeadLetters(ctx, limit)
			if err != nil {
				return fmt.Errorf("failed to list dead letters: %w", err)
			}
			if outputJSON {
				return outputAsJSON(records)
			}
			renderDeadLetters(records)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum records to show")
	return cmd
}
