package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/johndauphine/mdcore/internal/config"
	"github.com/johndauphine/mdcore/internal/dataset"
	"github.com/johndauphine/mdcore/internal/exitcodes"
	"github.com/johndauphine/mdcore/internal/idempotency"
	"github.com/johndauphine/mdcore/internal/logging"
	"github.com/johndauphine/mdcore/internal/orchestrator"
	"github.com/johndauphine/mdcore/internal/progress"
	"github.com/johndauphine/mdcore/internal/validation"
	"github.com/urfave/cli/v2"

	_ "github.com/johndauphine/mdcore/internal/warehouse/duckdb"
	_ "github.com/johndauphine/mdcore/internal/warehouse/mssql"
	_ "github.com/johndauphine/mdcore/internal/warehouse/postgres"
	_ "github.com/johndauphine/mdcore/internal/warehouse/sqlite"
)

var version = "dev"

func main() {
	app := &cli.App{
		Name:    "mdcore",
		Usage:   "Reliable market-data ingestion: breakers, validation, idempotent loads",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "config.yaml",
				Usage:   "Path to configuration file",
			},
			&cli.StringFlag{
				Name:  "log-format",
				Value: "text",
				Usage: "Log format: text or json",
			},
			&cli.StringFlag{
				Name:  "verbosity",
				Value: "info",
				Usage: "Log verbosity level (debug, info, warn, error)",
			},
			&cli.BoolFlag{
				Name:  "output-json",
				Usage: "Output JSON result to stdout on completion (logs go to stderr)",
			},
		},
		Before: func(c *cli.Context) error {
			level, err := logging.ParseLevel(c.String("verbosity"))
			if err != nil {
				return err
			}
			logging.SetLevel(level)

			if c.String("log-format") == "json" {
				logging.SetFormat("json")
			}
			if c.Bool("output-json") {
				logging.SetOutput(os.Stderr)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Run configured ingestion jobs",
				Action: runJobs,
				Flags: []cli.Flag{
					&cli.StringSliceFlag{
						Name:  "job",
						Usage: "Run only the named job (repeatable)",
					},
					&cli.IntFlag{
						Name:  "workers",
						Usage: "Number of parallel jobs",
					},
					&cli.BoolFlag{
						Name:  "progress-json",
						Usage: "Emit JSON progress lines on stderr instead of a progress bar",
					},
				},
			},
			{
				Name:   "validate",
				Usage:  "Validate a dataset file against a schema",
				Action: validateFile,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "schema", Required: true, Usage: "Schema name"},
					&cli.StringFlag{Name: "file", Required: true, Usage: "Dataset file (csv, jsonl, parquet)"},
					&cli.StringFlag{Name: "schemas", Usage: "Schema registry file (default: validation.schema_file)"},
					&cli.IntFlag{Name: "batch-size", Usage: "Rows per validation batch"},
					&cli.StringFlag{Name: "quarantine", Usage: "Write rejected rows to this JSON lines file"},
					&cli.StringFlag{Name: "output", Usage: "Write valid rows to this file (.csv, .jsonl or .ndjson)"},
				},
			},
			{
				Name:   "load",
				Usage:  "Replace warehouse partitions with the contents of an artifact",
				Action: loadFile,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "file", Required: true, Usage: "Artifact file"},
					&cli.StringFlag{Name: "table", Required: true, Usage: "Target table (must be allow-listed)"},
					&cli.StringFlag{Name: "key", Required: true, Usage: "Partition column"},
				},
			},
			{
				Name:  "marker",
				Usage: "Inspect and manage completion markers",
				Subcommands: []*cli.Command{
					{
						Name:   "status",
						Usage:  "Show whether a task is completed for a target",
						Action: markerStatus,
						Flags:  markerFlags(),
					},
					{
						Name:   "mark",
						Usage:  "Record a task as completed",
						Action: markerMark,
						Flags: append(markerFlags(), &cli.Int64Flag{
							Name:  "rows",
							Usage: "Row count to record",
						}),
					},
					{
						Name:   "clear",
						Usage:  "Invalidate a completion marker",
						Action: markerClear,
						Flags:  markerFlags(),
					},
					{
						Name:   "list",
						Usage:  "List markers recorded for a target",
						Action: markerList,
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "target", Required: true, Usage: "Artifact path or URI"},
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		code := exitcodes.FromError(err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Exit %d: %s\n", code, exitcodes.Description(code))
		os.Exit(code)
	}
}

func markerFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "target", Required: true, Usage: "Artifact path or URI"},
		&cli.StringFlag{Name: "task", Required: true, Usage: "Task key"},
	}
}

// loadConfig reads the config file, falling back to defaults when the
// default path does not exist.
func loadConfig(c *cli.Context) (*config.Config, error) {
	configPath := c.String("config")
	if _, err := os.Stat(configPath); os.IsNotExist(err) && !c.IsSet("config") {
		logging.Debug("No %s, using defaults", configPath)
		return config.LoadBytes([]byte("{}"))
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, exitcodes.NewExitError(fmt.Errorf("failed to load config: %w", err), exitcodes.ConfigError)
	}
	return cfg, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(os.Stderr, "\nInterrupted. Finishing in-flight work...")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}

func runJobs(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("workers") {
		cfg.Runner.Workers = c.Int("workers")
	}
	jobs, err := orchestrator.Jobs(cfg, c.StringSlice("job")...)
	if err != nil {
		return exitcodes.NewExitError(err, exitcodes.ConfigError)
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs configured")
		return nil
	}

	ctx, cancel := signalContext()
	defer cancel()

	opts := orchestrator.BuildOptions{}
	if c.Bool("progress-json") {
		opts.Reporter = progress.NewJSONReporter(os.Stderr, 2*time.Second)
		opts.Progress = progress.NewWithWriter(nil)
	} else if !c.Bool("output-json") {
		opts.Progress = progress.New()
	}

	runner, err := orchestrator.Build(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer runner.Close()

	results := runner.RunAll(ctx, jobs)

	if c.Bool("output-json") {
		if err := printJSON(jobReports(results)); err != nil {
			return err
		}
	} else {
		fmt.Println(renderRun(results))
	}
	return orchestrator.Summarize(results).Err()
}

type jobReport struct {
	Job        string             `json:"job"`
	TaskKey    string             `json:"task_key"`
	Status     string             `json:"status"`
	RunID      string             `json:"run_id"`
	Error      string             `json:"error,omitempty"`
	ExitCode   int                `json:"exit_code"`
	Validation *validation.Result `json:"validation,omitempty"`
	Manifest   any                `json:"manifest,omitempty"`
	DurationMs int64              `json:"duration_ms"`
}

func jobReports(results []*orchestrator.JobResult) []jobReport {
	out := make([]jobReport, 0, len(results))
	for _, r := range results {
		rep := jobReport{
			Job:        r.Job.Name,
			TaskKey:    r.Job.TaskKey,
			Status:     string(r.Status),
			RunID:      r.RunID,
			ExitCode:   exitcodes.FromError(r.Err),
			Validation: r.Validation,
			DurationMs: r.Duration.Milliseconds(),
		}
		if r.Err != nil {
			rep.Error = r.Err.Error()
		}
		if r.Manifest != nil {
			rep.Manifest = r.Manifest
		}
		out = append(out, rep)
	}
	return out
}

func validateFile(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	if out := c.String("output"); out != "" {
		if err := dataset.CheckWritable(out); err != nil {
			return exitcodes.NewExitError(err, exitcodes.ConfigError)
		}
	}

	schemaFile := c.String("schemas")
	if schemaFile == "" {
		schemaFile = cfg.Validation.SchemaFile
	}
	if schemaFile == "" {
		return exitcodes.NewExitError(fmt.Errorf("no schema file: pass --schemas or set validation.schema_file"), exitcodes.ConfigError)
	}
	registry, err := validation.LoadRegistry(schemaFile)
	if err != nil {
		return err
	}

	src, err := dataset.Open(c.String("file"))
	if err != nil {
		return err
	}
	defer src.Close()

	var sinks validation.MultiSink
	var commits []func() error
	var aborts []func() error
	if path := c.String("output"); path != "" {
		s, err := validation.NewArtifactSink(path, src.Columns())
		if err != nil {
			return err
		}
		sinks = append(sinks, s)
		commits = append(commits, s.Commit)
		aborts = append(aborts, s.Abort)
	}
	if path := c.String("quarantine"); path != "" {
		q, err := validation.NewQuarantineWriter(path)
		if err != nil {
			for _, abort := range aborts {
				abort()
			}
			return err
		}
		sinks = append(sinks, q)
		commits = append(commits, q.Commit)
		aborts = append(aborts, q.Abort)
	}

	batchSize := cfg.Validation.BatchSize
	if c.IsSet("batch-size") {
		batchSize = c.Int("batch-size")
	}

	tracker := progress.NewWithWriter(nil)
	if !c.Bool("output-json") {
		tracker = progress.New()
	}
	tracker.SetTotal(-1)

	v := validation.New(registry, validation.Options{
		MaxErrorDetails: cfg.Validation.MaxErrorDetails,
		Progress:        tracker.Counter(),
	})
	res, err := v.ValidateTo(src, c.String("schema"), batchSize, sinks)
	tracker.Finish()
	if err != nil {
		for _, abort := range aborts {
			abort()
		}
		return err
	}
	for _, commit := range commits {
		if err := commit(); err != nil {
			return err
		}
	}

	if c.Bool("output-json") {
		if err := printJSON(res); err != nil {
			return err
		}
	} else {
		fmt.Println(renderValidation(res))
	}

	if rate := res.FailureRate(); rate > cfg.Validation.MaxFailureRate {
		return fmt.Errorf("validate: %w", &orchestrator.RejectedError{
			Task:    c.String("file"),
			Schema:  res.Schema,
			Rate:    rate,
			MaxRate: cfg.Validation.MaxFailureRate,
		})
	}
	return nil
}

func loadFile(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if cfg.Warehouse.Type == "" {
		return exitcodes.NewExitError(fmt.Errorf("warehouse.type is not configured"), exitcodes.ConfigError)
	}

	ctx, cancel := signalContext()
	defer cancel()

	markers, err := idempotency.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer markers.Close()

	loader, closeWriter, err := orchestrator.NewLoader(ctx, cfg, markers)
	if err != nil {
		return err
	}
	defer closeWriter()

	m, err := loader.Load(ctx, dataset.FileArtifact(c.String("file")), c.String("table"), c.String("key"))
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		return printJSON(m)
	}
	fmt.Printf("%s %s: %d partitions, -%d +%d rows in %s (run %s)\n",
		m.Status, m.Table, len(m.PartitionKeysAffected), m.RowsDeleted, m.RowsInserted,
		m.Duration.Round(time.Millisecond), m.RunID)
	if len(m.PartitionKeysAffected) > 0 {
		fmt.Printf("  %s: %s\n", m.PartitionColumn, strings.Join(m.PartitionKeysAffected, ", "))
	}
	return nil
}

func openMarkers(c *cli.Context) (*idempotency.Store, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	return idempotency.Open(c.Context, cfg)
}

func markerStatus(c *cli.Context) error {
	store, err := openMarkers(c)
	if err != nil {
		return err
	}
	defer store.Close()

	res, ok := store.GetCompletedResult(c.Context, c.String("target"), c.String("task"))
	if c.Bool("output-json") {
		return printJSON(map[string]any{"completed": ok, "result": res})
	}
	if !ok {
		fmt.Println("not completed")
		return nil
	}
	fmt.Printf("completed at %s, %d rows, %s\n", res.CompletedAt.Format(time.RFC3339), res.RowCount, res.ContentHash)
	for k, v := range res.Metadata {
		fmt.Printf("  %s: %s\n", k, v)
	}
	return nil
}

func markerMark(c *cli.Context) error {
	store, err := openMarkers(c)
	if err != nil {
		return err
	}
	defer store.Close()

	m, err := store.MarkCompleted(c.Context, c.String("target"), c.String("task"), c.Int64("rows"),
		map[string]string{"marked_by": "cli"})
	if err != nil {
		return err
	}
	fmt.Printf("marked %s for %s (%s)\n", c.String("task"), c.String("target"), m.ContentHash)
	return nil
}

func markerClear(c *cli.Context) error {
	store, err := openMarkers(c)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Invalidate(c.Context, c.String("target"), c.String("task")); err != nil {
		return err
	}
	fmt.Printf("cleared %s for %s\n", c.String("task"), c.String("target"))
	return nil
}

func markerList(c *cli.Context) error {
	store, err := openMarkers(c)
	if err != nil {
		return err
	}
	defer store.Close()

	markers, err := store.List(c.Context, c.String("target"))
	if err != nil {
		return err
	}
	if c.Bool("output-json") {
		return printJSON(markers)
	}
	if len(markers) == 0 {
		fmt.Println("No markers found")
		return nil
	}
	fmt.Printf("%-30s %-12s %-20s\n", "Task", "Rows", "Completed")
	for _, m := range markers {
		fmt.Printf("%-30s %-12d %-20s\n", m.TaskKey, m.RowCount, m.Timestamp.Format("2006-01-02 15:04:05"))
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
