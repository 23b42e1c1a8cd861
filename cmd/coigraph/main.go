// Package main provides the coigraph CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/orneryd/coigraph/pkg/coi"
	"github.com/orneryd/coigraph/pkg/config"
	"github.com/orneryd/coigraph/pkg/explain"
	"github.com/orneryd/coigraph/pkg/logging"
	"github.com/orneryd/coigraph/pkg/rules"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	rootCmd := newRootCmd()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "coigraph",
		Short: "coigraph - conflict-of-interest detection over a temporal relationship graph",
		Long: `coigraph ingests people, institutions, funders and companies with dated
relationships between them, evaluates a catalog of conflict patterns and
keeps every finding with a full, replayable explanation.

Typical session:
  coigraph ingest graph.yaml
  coigraph ingest --papers papers.jsonl
  coigraph findings --category High
  coigraph explain 3fa9c1
  coigraph review 3fa9c1 confirmed --reviewer alice --note "disclosed late"`,
		SilenceUsage:       true,
		PersistentPostRunE: writeMetrics,
	}

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "YAML config file (env COIGRAPH_* overrides it)")
	pf.String("data-dir", "", "Data directory")
	pf.Bool("in-memory", false, "Do not persist anything")
	pf.String("as-of", "", "Evaluate as of this date (YYYY-MM-DD)")
	pf.Int("workers", 0, "Matching and scoring workers (0 = GOMAXPROCS)")
	pf.String("rules", "", "Rule catalog file (default: built-in catalog)")
	pf.String("log-level", "", "Log level (debug, info, warn, error)")
	pf.String("log-format", "", "Log format (text, json, logfmt)")
	pf.Bool("json", false, "Print JSON instead of text")
	pf.String("metrics", "", "Write Prometheus metrics to this file after the command")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "coigraph v%s (%s)\n", version, commit)
		},
	})

	ingestCmd := &cobra.Command{
		Use:   "ingest [files...]",
		Short: "Ingest graph or paper records and refresh findings",
		Long: `Ingest record files (.json, .jsonl/.ndjson, .yaml/.yml).

By default files hold explicit entities and relationships. With --papers
they hold paper records (DOI, authors, institutions, funders) whose names
are resolved against the existing graph.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runIngest,
	}
	ingestCmd.Flags().Bool("papers", false, "Files contain paper records")
	ingestCmd.Flags().Bool("no-refresh", false, "Do not re-evaluate after ingesting")
	ingestCmd.Flags().Bool("strict", false, "Fail if any record is rejected")
	rootCmd.AddCommand(ingestCmd)

	evaluateCmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Evaluate the rule catalog against the graph",
		RunE:  runEvaluate,
	}
	evaluateCmd.Flags().Bool("incremental", false, "Only re-evaluate around changes since the last run")
	rootCmd.AddCommand(evaluateCmd)

	addFindingCommands(rootCmd)
	addGraphCommands(rootCmd)
	addRuleCommands(rootCmd)

	return rootCmd
}

// app is the per-command state: resolved config, root logger and the open
// detector.
type app struct {
	cfg  *config.Config
	log  *log.Logger
	det  *coi.Detector
	out  io.Writer
	json bool
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("data-dir") {
		cfg.Storage.DataDir, _ = flags.GetString("data-dir")
	}
	if flags.Changed("in-memory") {
		cfg.Storage.InMemory, _ = flags.GetBool("in-memory")
	}
	if flags.Changed("as-of") {
		cfg.Engine.AsOf, _ = flags.GetString("as-of")
	}
	if flags.Changed("workers") {
		cfg.Engine.Workers, _ = flags.GetInt("workers")
	}
	if flags.Changed("rules") {
		cfg.Rules.CatalogPath, _ = flags.GetString("rules")
	}
	if flags.Changed("log-level") {
		cfg.Logging.Level, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.Logging.Format, _ = flags.GetString("log-format")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// writeMetrics dumps the default registry in the text exposition format,
// ready for node_exporter's textfile collector.
func writeMetrics(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("metrics")
	if path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("writing metrics: %w", err)
	}
	return nil
}

func loadCatalog(cfg *config.Config) (*rules.Catalog, error) {
	if cfg.Rules.CatalogPath == "" {
		return rules.Default(), nil
	}
	return rules.LoadFile(cfg.Rules.CatalogPath)
}

// setup resolves configuration and opens the detector. Callers must call
// close.
func setup(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Logging.Options(cmd.ErrOrStderr()))
	if err != nil {
		return nil, err
	}
	catalog, err := loadCatalog(cfg)
	if err != nil {
		return nil, err
	}

	dcfg := coi.DefaultConfig()
	dcfg.DataDir = cfg.Storage.Dir()
	dcfg.SyncWrites = cfg.Storage.SyncWrites
	dcfg.CacheSize = cfg.Storage.CacheBytes()
	dcfg.Workers = cfg.Engine.Workers
	dcfg.AsOf, _ = cfg.Engine.AsOfTime()
	dcfg.Scoring = cfg.Scoring.Config()
	dcfg.Catalog = catalog
	dcfg.PolicyCacheSize = cfg.Policy.CacheSize
	dcfg.PolicyCacheTTL = cfg.Policy.CacheTTL
	dcfg.Logger = logger
	if cfg.Policy.LinksPath != "" {
		policies, err := explain.LoadPolicies(cfg.Policy.LinksPath)
		if err != nil {
			return nil, err
		}
		dcfg.Policies = policies
	}

	if dcfg.DataDir != "" {
		if err := os.MkdirAll(dcfg.DataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	logger.Debug("configuration", "config", cfg.String())
	det, err := coi.Open(cmd.Context(), dcfg)
	if err != nil {
		return nil, fmt.Errorf("opening detector: %w", err)
	}

	asJSON, _ := cmd.Flags().GetBool("json")
	return &app{cfg: cfg, log: logger, det: det, out: cmd.OutOrStdout(), json: asJSON}, nil
}

func (a *app) close() {
	if err := a.det.Close(); err != nil {
		a.log.Error("closing detector", "err", err)
	}
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) printSummary(sum coi.Summary) error {
	if a.json {
		return a.printJSON(sum)
	}
	fmt.Fprintf(a.out, "%s evaluation at graph version %d: %d candidates, %d created, %d updated, %d unchanged, %d deactivated (%s)\n",
		sum.Mode, sum.GraphVersion, sum.Candidates, sum.Created, sum.Updated, sum.Unchanged, sum.Deactivated,
		sum.Duration.Round(time.Millisecond))
	return nil
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}
	defer a.close()

	incremental, _ := cmd.Flags().GetBool("incremental")
	var sum coi.Summary
	if incremental {
		sum, err = a.det.Refresh(cmd.Context())
	} else {
		sum, err = a.det.Evaluate(cmd.Context())
	}
	if err != nil {
		return err
	}
	return a.printSummary(sum)
}
