// Package bootstrap wires configuration, logging, sinks, the detection
// engine and the dispatcher into a runnable application.
//
// Usage:
//
//	app, err := bootstrap.NewApp(ctx, configPath)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer app.Shutdown(context.Background())
//
//	// Blocks until input is exhausted or ctx is cancelled
//	err = app.Run(ctx, os.Stdin, ingest.FormatJSONL, "stdin")
package bootstrap
