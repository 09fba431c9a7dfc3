// Command featurectl aggregates device pings into per-cell mobility
// features and assembles feature tables.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jengzang/mobility-features-go/internal/config"
	"github.com/jengzang/mobility-features-go/internal/database"
	"github.com/jengzang/mobility-features-go/internal/impute"
	"github.com/jengzang/mobility-features-go/internal/logging"
	"github.com/jengzang/mobility-features-go/internal/metrics"
	"github.com/jengzang/mobility-features-go/internal/models"
	"github.com/jengzang/mobility-features-go/internal/repository"
	"github.com/jengzang/mobility-features-go/internal/service"
)

const usage = `usage: featurectl <command> [flags]

commands:
  aggregate  fold a parquet ping file into a per-cell feature table
  merge      outer-join feature CSVs on the cell column and impute
  enrich     attach features to a primary and a secondary table
  runs       list recorded aggregation runs
`

// exitImputation is returned when the table was written without imputation
const exitImputation = 2

func main() {
	// .env is optional
	_ = godotenv.Load()

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1], os.Args[2:], os.Stdout)
	var ie *impute.ImputationError
	switch {
	case err == nil:
	case errors.As(err, &ie):
		fmt.Fprintln(os.Stderr, "featurectl:", err)
		os.Exit(exitImputation)
	default:
		fmt.Fprintln(os.Stderr, "featurectl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string, stdout io.Writer) error {
	switch command {
	case "aggregate":
		return aggregate(ctx, args, stdout)
	case "merge":
		return merge(args)
	case "enrich":
		return enrich(args)
	case "runs":
		return listRuns(ctx, args, stdout)
	case "-h", "--help", "help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", command, usage)
	}
}

// app is what every command needs: configuration, a logger and optionally
// the database
type app struct {
	cfg    *config.Config
	logger *zap.SugaredLogger
	db     *sql.DB
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
	a.logger.Sync()
}

func setup(cfgPath string, withDB bool, override func(*config.Config)) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if override != nil {
		override(cfg)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid flags: %w", err)
		}
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	if withDB && cfg.Database.Path != "" {
		a.db, err = database.Open(database.Config{Path: cfg.Database.Path}, logger)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func (a *app) service() *service.PipelineService {
	var runs *repository.RunRepository
	var feats *repository.FeatureRepository
	if a.db != nil {
		runs = repository.NewRunRepository(a.db)
		feats = repository.NewFeatureRepository(a.db)
	}
	return service.NewPipelineService(a.cfg, runs, feats, metrics.NewPipeline(prometheus.NewRegistry()), a.logger)
}

func aggregate(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("aggregate", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	input := fs.String("input", "", "parquet file with device_id, lat, lon, timestamp columns")
	output := fs.String("output", "mobility_features.csv", "output table (.csv or .parquet)")
	noDB := fs.Bool("no-db", false, "do not record the run or persist features")
	index := fs.String("index", "", "spatial index: s2 or geohash")
	resolution := fs.Int("resolution", 0, "base resolution")
	reduced := fs.Int("reduced", -1, "coarser resolution to re-bucket into (0 disables)")
	chunkSize := fs.Int("chunk-size", 0, "rows per chunk")
	allowPartial := fs.Bool("allow-partial", false, "finalize an interrupted run as partial")
	noImpute := fs.Bool("no-impute", false, "skip nearest-neighbour imputation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *input == "" {
		return errors.New("aggregate: -input is required")
	}

	a, err := setup(*cfgPath, !*noDB, func(c *config.Config) {
		if *index != "" {
			c.Pipeline.Index = *index
		}
		if *resolution > 0 {
			c.Pipeline.BaseResolution = *resolution
		}
		if *reduced >= 0 {
			c.Pipeline.ReducedResolution = *reduced
		}
		if *chunkSize > 0 {
			c.Pipeline.ChunkSize = *chunkSize
		}
		if *allowPartial {
			c.Pipeline.AllowPartial = true
		}
		if *noImpute {
			c.Impute.Enabled = false
		}
	})
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.service().Aggregate(ctx, service.AggregateRequest{InputPath: *input, OutputPath: *output})
	if res != nil {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if encErr := enc.Encode(map[string]interface{}{
			"run_id":  res.RunID,
			"status":  res.Status,
			"summary": res.Summary,
			"output":  *output,
		}); encErr != nil {
			return encErr
		}
	}
	return err
}

func merge(args []string) error {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	output := fs.String("output", "merged_features.csv", "output table (.csv or .parquet)")
	key := fs.String("key", models.ColumnHexID, "cell column shared by all inputs")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("merge: at least one input CSV is required")
	}

	a, err := setup(*cfgPath, false, nil)
	if err != nil {
		return err
	}
	defer a.close()

	_, _, err = a.service().Merge(service.MergeRequest{
		Inputs:     fs.Args(),
		KeyColumn:  *key,
		OutputPath: *output,
	})
	return err
}

func enrich(args []string) error {
	fs := flag.NewFlagSet("enrich", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	featuresPath := fs.String("features", "mobility_features.csv", "feature table CSV")
	primary := fs.String("primary", "", "table the imputer is fitted on")
	secondary := fs.String("secondary", "", "table imputed with the primary fit")
	primaryOut := fs.String("primary-out", "primary_enriched.csv", "output for the primary table")
	secondaryOut := fs.String("secondary-out", "secondary_enriched.csv", "output for the secondary table")
	key := fs.String("key", models.ColumnHexID, "cell column shared by all tables")
	exclude := fs.String("exclude", "", "comma separated columns kept out of imputation")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *primary == "" || *secondary == "" {
		return errors.New("enrich: -primary and -secondary are required")
	}

	a, err := setup(*cfgPath, false, func(c *config.Config) {
		if *exclude != "" {
			c.Impute.Exclude = strings.Split(*exclude, ",")
		}
	})
	if err != nil {
		return err
	}
	defer a.close()

	_, err = a.service().Enrich(service.EnrichRequest{
		FeaturesPath:  *featuresPath,
		PrimaryPath:   *primary,
		SecondaryPath: *secondary,
		KeyColumn:     *key,
		PrimaryOut:    *primaryOut,
		SecondaryOut:  *secondaryOut,
	})
	return err
}

func listRuns(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	cfgPath := fs.String("config", "", "YAML config file")
	status := fs.String("status", "", "only runs in this status")
	limit := fs.Int("limit", 20, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		return err
	}

	a, err := setup(*cfgPath, true, nil)
	if err != nil {
		return err
	}
	defer a.close()
	if a.db == nil {
		return errors.New("runs: database.path is not configured")
	}

	runs, err := repository.NewRunRepository(a.db).List(ctx, models.RunFilter{Status: *status, Limit: *limit})
	if err != nil {
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(runs)
}
