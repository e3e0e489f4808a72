package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hostguard/bootstrap"
	"hostguard/ingest"

	"github.com/briandowns/spinner"
	"github.com/spf13/cobra"
)

// newRunCmd creates the 'run' command
func newRunCmd() *cobra.Command {
	var (
		input       string
		format      string
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the detection pipeline over an event stream",
		Long: `Read telemetry events from a file or stdin, run them through the detection
engine and write alerts to the configured sinks. Runs until the input is
exhausted or the process is interrupted; queued events are drained first.
Send SIGHUP to reload rules.`,
		Example: `  sensor-export | hostguard run
  hostguard run --input events.msgpack --format msgpack`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			cfg, err := bootstrap.InitConfig(configFile)
			if err != nil {
				return err
			}
			if format != "" {
				cfg.Ingest.Format = format
			}
			if metricsAddr != "" {
				cfg.Metrics.ListenAddr = metricsAddr
			}

			src, source, closeSrc, err := openInput(input)
			if err != nil {
				return err
			}
			defer closeSrc()

			app, err := bootstrap.NewAppWithConfig(ctx, cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize application: %w", err)
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				app.Shutdown(shutdownCtx)
			}()

			var s *spinner.Spinner
			if !quiet && !outputJSON && input != "-" && !cfg.Sinks.Stdout {
				s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(os.Stderr))
				s.Suffix = " Processing events..."
				s.Start()
			}

			start := time.Now()
			runErr := app.Run(ctx, src, ingest.Format(cfg.Ingest.Format), source)

			if s != nil {
				s.Stop()
			}

			stats := app.Dispatcher.Stats()
			if outputJSON {
				if err := outputAsJSON(stats); err != nil {
					return err
				}
			} else if !quiet {
				renderRunSummary(stats, time.Since(start))
			}
			return runErr
		},
	}

	cmd.Flags().StringVarP(&input, "input", "i", "-", "Event file to read, or - for stdin")
	cmd.Flags().StringVarP(&format, "format", "f", "", "Input format: jsonl or msgpack (default from config)")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve metrics and the read-only API on this address")

	return cmd
}

// openInput opens the named event source; "-" is stdin
func openInput(path string) (io.Reader, string, func(), error) {
	if path == "" || path == "-" {
		return os.Stdin, "stdin", func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, "", nil, fmt.Errorf("failed to open input: %w", err)
	}
	return f, path, func() { _ = f.Close() }, nil
}
