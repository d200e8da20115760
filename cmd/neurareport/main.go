package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/neurareport/internal/app"
	"github.com/ternarybob/neurareport/internal/common"
	"github.com/ternarybob/neurareport/internal/models"
	"github.com/ternarybob/neurareport/internal/server"
	"github.com/ternarybob/neurareport/internal/services/scheduler"
)

// configPaths is a custom flag type that allows multiple -config flags
type configPaths []string

func (c *configPaths) String() string {
	return fmt.Sprintf("%v", *c)
}

func (c *configPaths) Set(value string) error {
	*c = append(*c, value)
	return nil
}

const usage = `Usage: neurareport <command> [flags]

Commands:
  serve      Run the HTTP API, worker pool and schedules
  run        Submit one report job and wait for it to finish
  manifest   Print the manifest of a job
  preview    List the batches a request would render
  version    Print version information

Run 'neurareport <command> -h' for command flags.
`

func main() {
	defer common.RecoverWithCrashFile()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch cmd, args := os.Args[1], os.Args[2:]; cmd {
	case "serve":
		err = runServe(args)
	case "run":
		err = runJob(args)
	case "manifest":
		err = runManifest(args)
	case "preview":
		err = runPreview(args)
	case "version", "-v", "-version":
		fmt.Printf("NeuraReport version %s\n", common.FullVersion())
	case "-h", "-help", "help":
		fmt.Print(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "neurareport %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

// commonFlags registers the flags shared by every command
func commonFlags(fs *flag.FlagSet) *configPaths {
	var paths configPaths
	fs.Var(&paths, "config", "Configuration file path (can be specified multiple times, later files override earlier ones)")
	fs.Var(&paths, "c", "Configuration file path (shorthand)")
	return &paths
}

// loadConfig resolves the config files (auto-discovering neurareport.toml) and loads them
func loadConfig(paths configPaths) (*common.Config, error) {
	if len(paths) == 0 {
		if _, err := os.Stat("neurareport.toml"); err == nil {
			paths = append(paths, "neurareport.toml")
		} else if _, err := os.Stat("deployments/local/neurareport.toml"); err == nil {
			paths = append(paths, "deployments/local/neurareport.toml")
		}
	}

	config, err := common.LoadFromFiles(paths...)
	if err != nil {
		if len(paths) == 0 {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		return nil, fmt.Errorf("failed to load configuration files %v: %w", []string(paths), err)
	}
	return config, nil
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	paths := commonFlags(fs)
	port := fs.Int("port", 0, "Server port (overrides config)")
	fs.IntVar(port, "p", 0, "Server port (shorthand, overrides config)")
	host := fs.String("host", "", "Server host (overrides config)")
	fs.Parse(args)

	// Startup sequence: config, CLI overrides, logger, banner
	config, err := loadConfig(*paths)
	if err != nil {
		return err
	}
	common.ApplyFlagOverrides(config, *port, *host)
	common.InstallCrashHandler(config.Logging.Dir)
	logger := common.InitLogger(config)
	common.PrintBanner()

	logger.Debug().
		Str("badger_path", config.Storage.Badger.Path).
		Str("log_level", config.Logging.Level).
		Strs("log_output", config.Logging.Output).
		Str("pdf_engine", config.Renderer.PDFEngine).
		Msg("Resolved configuration (sanitized)")

	application, err := app.New(config, logger)
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, stop := signalContext()
	defer stop()

	if err := application.Start(ctx); err != nil {
		return err
	}

	srv := server.New(application)
	serverErr := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Fatal().Str("panic", fmt.Sprintf("%v", r)).Msg("Server goroutine panicked")
			}
		}()
		serverErr <- srv.Start()
	}()

	logger.Info().
		Str("url", fmt.Sprintf("http://%s:%d", config.Server.Host, config.Server.Port)).
		Msg("Server ready - Press Ctrl+C to stop")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Interrupt signal received")
	case err := <-serverErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server shutdown failed")
	}

	logger.Info().Msg("Server stopped")
	return nil
}

// requestFlags registers the job request flags shared by run and preview
func requestFlags(fs *flag.FlagSet) func() models.JobRequest {
	template := fs.String("template", "", "Template id of the approved contract")
	connection := fs.String("connection", "", "Data source connection id")
	from := fs.String("from", "", "Start date (YYYY-MM-DD)")
	to := fs.String("to", "", "End date (YYYY-MM-DD)")
	formats := fs.String("formats", "pdf", "Comma separated output formats (html,pdf,docx,xlsx)")
	filters := fs.String("filter", "", "Key filters as field=value pairs, comma separated")
	batches := fs.String("batches", "", "Comma separated batch ids to render instead of every discovered batch")
	recipients := fs.String("notify", "", "Comma separated email recipients")

	return func() models.JobRequest {
		req := models.JobRequest{
			TemplateID:   *template,
			ConnectionID: *connection,
			DateRange:    models.DateRange{Start: *from, End: *to},
			Formats:      splitList(*formats),
			BatchIDs:     splitList(*batches),
			Recipients:   splitList(*recipients),
		}
		for _, pair := range splitList(*filters) {
			key, value, ok := strings.Cut(pair, "=")
			if !ok {
				continue
			}
			if req.KeyFilters == nil {
				req.KeyFilters = make(map[string]string)
			}
			req.KeyFilters[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
		return req
	}
}

// openApp loads config and builds the app for a one-shot command
func openApp(paths configPaths) (*app.App, arbor.ILogger, error) {
	config, err := loadConfig(paths)
	if err != nil {
		return nil, nil, err
	}
	// One-shot commands keep stdout for their own output
	config.Logging.Output = []string{"file"}
	logger := common.InitLogger(config)

	application, err := app.New(config, logger)
	if err != nil {
		return nil, nil, err
	}
	return application, logger, nil
}

func runJob(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	paths := commonFlags(fs)
	request := requestFlags(fs)
	fs.Parse(args)

	application, logger, err := openApp(*paths)
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, stop := signalContext()
	defer stop()

	jobID, err := application.SchedulerService.Submit(ctx, request())
	if err != nil {
		return err
	}

	// Subscribe before the workers start so the terminal event cannot be missed
	stream, unsubscribe := application.EventService.Subscribe(jobID)
	defer func() { unsubscribe() }()

	if err := application.Start(ctx); err != nil {
		return err
	}
	retry := scheduler.NewRetryPolicy(application.Config.Retry)
	fmt.Fprintf(os.Stderr, "job %s submitted\n", jobID)

	// finished loads the job and reports whether it reached its final state
	finished := func() (*models.Job, bool, error) {
		job, err := application.SchedulerService.Get(context.WithoutCancel(ctx), jobID)
		if err != nil {
			return nil, false, err
		}
		if !job.Status.IsTerminal() {
			return job, false, nil
		}
		if job.Status == models.JobStatusFailed && job.TransientFailure && retry.CanRetry(job.Attempts) {
			// Terminal FAILED followed by an automatic retry
			return job, false, nil
		}
		return job, true, nil
	}

	for {
		var job *models.Job
		select {
		case <-ctx.Done():
			logger.Warn().Str("job_id", jobID).Msg("Interrupted, job will resume on next start")
			return ctx.Err()
		case event, ok := <-stream:
			if ok {
				printEvent(event)
				if event.Event != models.EventTerminal {
					continue
				}
			} else {
				// Dropped by the feed; resubscribe and let the job record decide
				logger.Warn().Str("job_id", jobID).Msg("Progress stream closed, resubscribing")
				stream, unsubscribe = application.EventService.Subscribe(jobID)
			}
			current, done, err := finished()
			if err != nil {
				return err
			}
			if !done {
				continue
			}
			job = current
		}

		manifest := models.ManifestFromJob(job)
		if err := printJSON(manifest); err != nil {
			return err
		}
		if manifest.Status == models.JobStatusFailed {
			return fmt.Errorf("job %s failed: %s", jobID, manifest.Error)
		}
		return nil
	}
}

func runManifest(args []string) error {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	paths := commonFlags(fs)
	jobID := fs.String("job", "", "Job id")
	fs.Parse(args)

	if *jobID == "" {
		return fmt.Errorf("-job is required")
	}

	application, _, err := openApp(*paths)
	if err != nil {
		return err
	}
	defer application.Close()

	manifest, err := application.SchedulerService.Manifest(context.Background(), *jobID)
	if err != nil {
		return err
	}
	return printJSON(manifest)
}

func runPreview(args []string) error {
	fs := flag.NewFlagSet("preview", flag.ExitOnError)
	paths := commonFlags(fs)
	request := requestFlags(fs)
	fs.Parse(args)

	application, _, err := openApp(*paths)
	if err != nil {
		return err
	}
	defer application.Close()

	ctx, stop := signalContext()
	defer stop()

	batches, err := application.SchedulerService.Preview(ctx, request())
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"batches": batches,
		"count":   len(batches),
	})
}

func printEvent(event models.ProgressEvent) {
	parts := []string{string(event.Event), event.Status}
	if event.Detail != "" {
		parts = append(parts, "detail="+event.Detail)
	}
	if event.Stage != "" {
		parts = append(parts, "stage="+event.Stage)
	}
	if event.BatchID != "" {
		parts = append(parts, "batch="+event.BatchID)
	}
	if event.Format != "" {
		parts = append(parts, "format="+string(event.Format))
	}
	if event.Message != "" {
		parts = append(parts, event.Message)
	}
	fmt.Fprintln(os.Stderr, strings.Join(parts, " "))
}

func printJSON(v interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}

func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
