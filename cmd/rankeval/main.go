package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/knoguchi/hybridrank/internal/app"
	"github.com/knoguchi/hybridrank/internal/auth"
	"github.com/knoguchi/hybridrank/internal/config"
	"github.com/knoguchi/hybridrank/internal/evaluation"
	"github.com/knoguchi/hybridrank/internal/repository"
	"github.com/knoguchi/hybridrank/internal/service"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "rankeval",
		Usage: "Evaluate and administer hybrid retrieval",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Aliases: []string{"l"},
				Usage:   "Set logging level (debug, info, warn, error)",
				Value:   "info",
			},
		},
		Before: setupLogger,
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "Evaluate a YAML dataset against the live retrieval pipeline",
				Action: runCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "dataset",
						Aliases:  []string{"d"},
						Usage:    "Path to the YAML dataset",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "concurrency",
						Usage: "Number of queries evaluated at once",
						Value: evaluation.DefaultConcurrency,
					},
					&cli.IntFlag{
						Name:  "top-k",
						Usage: "Results per query (defaults to TOP_K)",
					},
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Report format (table, json, yaml)",
						Value:   "table",
					},
					&cli.BoolFlag{
						Name:  "judgments",
						Usage: "Load relevant ids from Postgres for cases that list none",
						Value: true,
					},
				},
			},
			{
				Name:   "judge",
				Usage:  "Record a relevance judgment",
				Action: judgeCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "query", Aliases: []string{"q"}, Usage: "Query text", Required: true},
					&cli.StringFlag{Name: "doc", Usage: "Relevant document id", Required: true},
					&cli.IntFlag{Name: "relevance", Usage: "Graded relevance, 0 marks not relevant", Value: 1},
				},
			},
			{
				Name:   "export",
				Usage:  "Write the stored judgments as a YAML dataset",
				Action: exportCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Usage: "Dataset name", Value: "judgments"},
					&cli.IntFlag{Name: "limit", Usage: "Maximum number of queries", Value: 1000},
				},
			},
			{
				Name:   "token",
				Usage:  "Issue an API bearer token signed with JWT_SECRET",
				Action: tokenCommand,
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "client", Usage: "Client name (token subject)", Required: true},
					&cli.StringSliceFlag{
						Name:  "scope",
						Usage: "Granted scope, repeatable",
						Value: cli.NewStringSlice(auth.ScopeRetrieve),
					},
					&cli.DurationFlag{Name: "expiry", Usage: "Token lifetime (defaults to JWT_EXPIRY)"},
				},
			},
		},
	}
}

func runCommand(c *cli.Context) error {
	ctx := c.Context

	ds, err := evaluation.LoadDataset(c.String("dataset"))
	if err != nil {
		return err
	}
	format := c.String("output")
	if !validFormat(format) {
		return fmt.Errorf("invalid output %q: must be one of table, json, yaml", format)
	}

	a, cfg, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var opts []service.RetrieveOption
	if k := c.Int("top-k"); k > 0 {
		opts = append(opts, service.WithTopK(k))
	}

	runnerOpts := []evaluation.RunnerOption{
		evaluation.WithConcurrency(c.Int("concurrency")),
		evaluation.WithRunnerLogger(slog.Default()),
	}
	if c.Bool("judgments") {
		runnerOpts = append(runnerOpts, evaluation.WithJudgments(a.Judgments))
	}

	slog.Info("starting evaluation",
		"dataset", ds.Name,
		"cases", len(ds.Cases),
		"scorer", cfg.Scorer,
	)

	report, err := evaluation.NewRunner(a.Service.Retriever(opts...), runnerOpts...).Run(ctx, ds)
	if err != nil {
		return fmt.Errorf("evaluation failed: %w", err)
	}

	return writeReport(c.App.Writer, report, format)
}

func judgeCommand(c *cli.Context) error {
	ctx := c.Context

	a, _, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	j := &repository.Judgment{
		Query:     c.String("query"),
		DocID:     c.String("doc"),
		Relevance: c.Int("relevance"),
	}
	if err := a.Judgments.Upsert(ctx, j); err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "recorded %q -> %s (relevance %d)\n", j.Query, j.DocID, j.Relevance)
	return nil
}

func exportCommand(c *cli.Context) error {
	ctx := c.Context

	a, _, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	queries, err := a.Judgments.Queries(ctx, c.Int("limit"), 0)
	if err != nil {
		return err
	}

	ds := evaluation.Dataset{Name: c.String("name")}
	for _, q := range queries {
		ids, err := a.Judgments.RelevantIDs(ctx, q)
		if err != nil {
			return err
		}
		if len(ids) == 0 {
			continue
		}
		ds.Cases = append(ds.Cases, evaluation.Case{Query: q, RelevantIDs: ids})
	}

	enc := yaml.NewEncoder(c.App.Writer)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(ds)
}

func tokenCommand(c *cli.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}

	jwtCfg := auth.DefaultJWTConfig(cfg.JWTSecret)
	jwtCfg.Expiry = cfg.JWTExpiry
	if d := c.Duration("expiry"); d > 0 {
		jwtCfg.Expiry = d
	}

	token, err := auth.NewJWTManager(jwtCfg).GenerateToken(c.String("client"), c.StringSlice("scope")...)
	if err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, token)
	return nil
}

func openApp(ctx context.Context) (*app.App, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	a, err := app.New(ctx, cfg, slog.Default())
	if err != nil {
		return nil, nil, err
	}
	return a, cfg, nil
}

func validFormat(f string) bool {
	switch f {
	case "table", "json", "yaml":
		return true
	}
	return false
}

func writeReport(w io.Writer, report *evaluation.Report, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(report)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "QUERY\tPRECISION\tRECALL\tDURATION\tERROR")
	for _, res := range report.Cases {
		fmt.Fprintf(tw, "%s\t%.3f\t%.3f\t%s\t%s\n",
			res.Query,
			res.Metrics.Precision,
			res.Metrics.Recall,
			res.Duration.Round(time.Millisecond),
			res.Error,
		)
	}
	fmt.Fprintf(tw, "MEAN\t%.3f\t%.3f\t%s\t%d failed\n",
		report.Mean.Precision,
		report.Mean.Recall,
		report.Duration.Round(time.Millisecond),
		report.Failed,
	)
	return tw.Flush()
}

func setupLogger(c *cli.Context) error {
	levelStr := strings.ToLower(c.String("log-level"))

	var level slog.Level
	switch levelStr {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level %q: must be one of debug, info, warn, error", levelStr)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	return nil
}
