package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/writer"
	"go.uber.org/zap/zaptest"

	"github.com/jengzang/mobility-features-go/internal/config"
	"github.com/jengzang/mobility-features-go/internal/database"
	"github.com/jengzang/mobility-features-go/internal/features"
	"github.com/jengzang/mobility-features-go/internal/impute"
	"github.com/jengzang/mobility-features-go/internal/metrics"
	"github.com/jengzang/mobility-features-go/internal/models"
	"github.com/jengzang/mobility-features-go/internal/repository"
	"github.com/jengzang/mobility-features-go/internal/spatial"
)

type pingRecord struct {
	DeviceID  string  `parquet:"name=device_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Lat       float64 `parquet:"name=lat, type=DOUBLE"`
	Lon       float64 `parquet:"name=lon, type=DOUBLE"`
	Timestamp int64   `parquet:"name=timestamp, type=INT64"`
}

type noTimestampRecord struct {
	DeviceID string  `parquet:"name=device_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Lat      float64 `parquet:"name=lat, type=DOUBLE"`
	Lon      float64 `parquet:"name=lon, type=DOUBLE"`
}

func writePings[T any](t *testing.T, path string, records []T) {
	t.Helper()
	fw, err := local.NewLocalFileWriter(path)
	require.NoError(t, err)
	pw, err := writer.NewParquetWriter(fw, new(T), 1)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, pw.Write(r))
	}
	require.NoError(t, pw.WriteStop())
	require.NoError(t, fw.Close())
}

// writePingGroups writes one parquet row group per element of groups
func writePingGroups(t *testing.T, path string, groups [][]pingRecord) {
	t.Helper()
	fw, err := local.NewLocalFileWriter(path)
	require.NoError(t, err)
	pw, err := writer.NewParquetWriter(fw, new(pingRecord), 1)
	require.NoError(t, err)
	for _, group := range groups {
		for _, r := range group {
			require.NoError(t, pw.Write(r))
		}
		require.NoError(t, pw.Flush(true))
	}
	require.NoError(t, pw.WriteStop())
	require.NoError(t, fw.Close())
}

// threeCells: A dwells in P1, B dwells in P2, C pings P3 once
func threeCells() []pingRecord {
	return []pingRecord{
		{"A", 10, 10, 0}, {"A", 10, 10, 10}, {"A", 10, 10, 30},
		{"B", 20, 20, 0}, {"B", 20, 20, 5}, {"B", 20, 20, 15},
		{"C", 30, 30, 0},
	}
}

type env struct {
	svc      *PipelineService
	db       *sql.DB
	runs     *repository.RunRepository
	features *repository.FeatureRepository
	metrics  *metrics.Pipeline
	dir      string
}

func newEnv(t *testing.T, mutate func(*config.Config)) *env {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Pipeline.ChunkSize = 2
	cfg.Database.Path = filepath.Join(dir, "mobility.db")
	if mutate != nil {
		mutate(cfg)
	}

	db, err := database.Open(database.Config{Path: cfg.Database.Path}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{
		db:       db,
		runs:     repository.NewRunRepository(db),
		features: repository.NewFeatureRepository(db),
		metrics:  metrics.NewPipeline(prometheus.NewRegistry()),
		dir:      dir,
	}
	e.svc = NewPipelineService(cfg, e.runs, e.features, e.metrics, zaptest.NewLogger(t).Sugar())
	return e
}

func cellOf(t *testing.T, lat, lon float64) string {
	t.Helper()
	c, err := spatial.S2Indexer{}.Cell(lat, lon, 15)
	require.NoError(t, err)
	return string(c)
}

func TestAggregateImputesAndPersists(t *testing.T) {
	e := newEnv(t, nil)
	input := filepath.Join(e.dir, "pings.parquet")
	output := filepath.Join(e.dir, "features.csv")
	writePings(t, input, threeCells())

	res, err := e.svc.Aggregate(context.Background(), AggregateRequest{InputPath: input, OutputPath: output})
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, res.Status)
	assert.EqualValues(t, 7, res.Summary.Pings)
	assert.EqualValues(t, 4, res.Summary.DwellSamples)

	p3 := cellOf(t, 30, 30)
	row := res.Raw.Row(p3)
	require.GreaterOrEqual(t, row, 0)
	avg := res.Raw.Column(models.ColumnAvgTimeInHex)
	assert.Equal(t, 1, res.Raw.Missing(avg))
	assert.Zero(t, res.Table.Missing(avg))
	assert.Equal(t, 2, res.Report.Total())

	// P3 is imputed from P1 (mean 15) and P2 (mean 7.5)
	assert.InDelta(t, 11.25, res.Table.Values[row][avg], 1e-9)

	run, err := e.runs.GetByID(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Equal(t, 100.0, run.ProgressPct)
	assert.Equal(t, 3, run.Cells)
	assert.Empty(t, run.ImputeError)

	rec, err := e.features.Get(context.Background(), res.RunID, p3)
	require.NoError(t, err)
	assert.True(t, rec.Imputed)
	assert.EqualValues(t, 1, rec.MobilityDensity.Int64)

	rec, err = e.features.Get(context.Background(), res.RunID, cellOf(t, 10, 10))
	require.NoError(t, err)
	assert.False(t, rec.Imputed)
	assert.EqualValues(t, 2, rec.DwellSamples)
	assert.Equal(t, 15.0, rec.AvgTimeInHex.Float64)

	written, err := features.ReadCSVFile(output, models.ColumnHexID)
	require.NoError(t, err)
	assert.Equal(t, res.Table.Keys, written.Keys)

	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Runs.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.metrics.Imputed.WithLabelValues(models.ColumnAvgTimeInHex)))
}

func TestAggregateKeepsRawTableWhenImputationFails(t *testing.T) {
	e := newEnv(t, nil)
	input := filepath.Join(e.dir, "pings.parquet")
	output := filepath.Join(e.dir, "features.csv")

	// a single dwell sample per cell leaves the variance column empty
	writePings(t, input, []pingRecord{
		{"A", 10, 10, 0}, {"A", 10, 10, 10}, {"A", 20, 20, 15}, {"B", 10, 10, 5},
	})

	res, err := e.svc.Aggregate(context.Background(), AggregateRequest{InputPath: input, OutputPath: output})
	var ie *impute.ImputationError
	require.True(t, errors.As(err, &ie), "got %v", err)
	assert.Equal(t, models.ColumnTimeInHexVariance, ie.Column)

	require.NotNil(t, res)
	assert.Same(t, res.Raw, res.Table)
	assert.Nil(t, res.Report)

	rows, err := res.Raw.FeatureRows()
	require.NoError(t, err)
	byCell := map[string]models.FeatureRow{}
	for _, r := range rows {
		byCell[r.HexID] = r
	}
	c1 := byCell[cellOf(t, 10, 10)]
	assert.EqualValues(t, 2, c1.MobilityDensity.Int64)
	assert.Equal(t, 10.0, c1.AvgTimeInHex.Float64)
	c2 := byCell[cellOf(t, 20, 20)]
	assert.EqualValues(t, 1, c2.MobilityDensity.Int64)
	assert.False(t, c2.AvgTimeInHex.Valid)

	run, err := e.runs.GetByID(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, run.Status)
	assert.Contains(t, run.ImputeError, models.ColumnTimeInHexVariance)

	_, err = os.Stat(output)
	assert.NoError(t, err, "un-imputed table is still written")
}

func TestAggregateSourceErrorFailsRun(t *testing.T) {
	e := newEnv(t, nil)
	input := filepath.Join(e.dir, "pings.parquet")
	writePings(t, input, []noTimestampRecord{{"A", 1, 1}})

	res, err := e.svc.Aggregate(context.Background(), AggregateRequest{InputPath: input})
	require.Error(t, err)
	assert.Nil(t, res)

	runs, err := e.runs.List(context.Background(), models.RunFilter{})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	assert.Contains(t, runs[0].ErrorMessage, "timestamp")
}

func TestAggregateCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	t.Run("fails without partial acknowledgement", func(t *testing.T) {
		e := newEnv(t, nil)
		input := filepath.Join(e.dir, "pings.parquet")
		writePings(t, input, threeCells())

		_, err := e.svc.Aggregate(ctx, AggregateRequest{InputPath: input})
		require.ErrorIs(t, err, context.Canceled)

		runs, err := e.runs.List(context.Background(), models.RunFilter{})
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, runs[0].Status)
	})

	t.Run("partial when allowed", func(t *testing.T) {
		e := newEnv(t, func(c *config.Config) {
			c.Pipeline.AllowPartial = true
			c.Impute.Enabled = false
		})
		input := filepath.Join(e.dir, "pings.parquet")
		writePings(t, input, threeCells())

		res, err := e.svc.Aggregate(ctx, AggregateRequest{InputPath: input})
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusPartial, res.Status)
		assert.True(t, res.Table.Partial)

		run, err := e.runs.GetByID(context.Background(), res.RunID)
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusPartial, run.Status)
	})
}

func TestAggregateReducedResolution(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.Pipeline.ReducedResolution = 4
		c.Impute.Enabled = false
	})
	input := filepath.Join(e.dir, "pings.parquet")
	writePings(t, input, []pingRecord{
		{"A", 10.0000, 10.0000, 0},
		{"B", 10.0005, 10.0005, 0},
	})

	res, err := e.svc.Aggregate(context.Background(), AggregateRequest{InputPath: input})
	require.NoError(t, err)
	require.Equal(t, 1, res.Table.Len())
	assert.Equal(t, 2.0, res.Table.Values[0][0])

	run, err := e.runs.GetByID(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, 4, run.Resolution)
}

func TestAggregateRerunIsByteIdentical(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.Pipeline.ChunkSize = 7
		c.Pipeline.ReducedResolution = 12
	})
	input := filepath.Join(e.dir, "pings.parquet")

	// six devices move through a few cells, three pings per stop
	var groups [][]pingRecord
	for step := 0; step < 12; step++ {
		var group []pingRecord
		for d := 0; d < 6; d++ {
			group = append(group, pingRecord{
				DeviceID:  string(rune('A' + d)),
				Lat:       10 + 0.02*float64((d+step/3)%4),
				Lon:       10 + 0.02*float64(d%3),
				Timestamp: int64(step*60 + d),
			})
		}
		groups = append(groups, group)
	}
	writePingGroups(t, input, groups)

	var outputs [2][]byte
	for i := range outputs {
		out := filepath.Join(e.dir, fmt.Sprintf("features_%d.csv", i))
		res, err := e.svc.Aggregate(context.Background(), AggregateRequest{InputPath: input, OutputPath: out})
		require.NoError(t, err)
		assert.Equal(t, 12, res.Summary.Chunks)

		outputs[i], err = os.ReadFile(out)
		require.NoError(t, err)
	}
	assert.NotEmpty(t, outputs[0])
	assert.Equal(t, string(outputs[0]), string(outputs[1]))
}

func TestFeatureServiceQueries(t *testing.T) {
	e := newEnv(t, nil)
	input := filepath.Join(e.dir, "pings.parquet")
	writePings(t, input, threeCells())
	res, err := e.svc.Aggregate(context.Background(), AggregateRequest{InputPath: input})
	require.NoError(t, err)

	fs := NewFeatureService(e.runs, e.features)
	ctx := context.Background()

	page, err := fs.ListFeatures(ctx, res.RunID, models.FeatureFilter{MinDensity: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	assert.Len(t, page.Features, 2)
	assert.Equal(t, res.RunID, page.Run.ID)

	page, err = fs.ListFeatures(ctx, res.RunID, models.FeatureFilter{Limit: 5000})
	require.NoError(t, err)
	assert.Equal(t, defaultPageSize, page.Limit)

	rec, err := fs.GetFeature(ctx, res.RunID, cellOf(t, 30, 30))
	require.NoError(t, err)
	assert.InDelta(t, 30.0, rec.CenterLat, 0.01)
	assert.InDelta(t, 30.0, rec.CenterLon, 0.01)

	_, err = fs.GetFeature(ctx, "missing", "x")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	runs, err := fs.ListRuns(ctx, models.RunFilter{})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func writeCSV(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestMergeOuterJoinsAndImputes(t *testing.T) {
	e := newEnv(t, func(c *config.Config) { c.Impute.Neighbors = 1 })
	mobility := writeCSV(t, e.dir, "mobility.csv", "hex_id,mobility_density\na,1\nb,4\n")
	climate := writeCSV(t, e.dir, "climate.csv", "hex_id,temp\na,10\nc,30\n")
	out := filepath.Join(e.dir, "merged.csv")

	table, report, err := e.svc.Merge(MergeRequest{
		Inputs:     []string{mobility, climate},
		KeyColumn:  "hex_id",
		OutputPath: out,
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, table.Keys)
	assert.Equal(t, 2, report.Total())

	// b has no temp: nearest by density is a; c has no density: nearest by temp is a
	assert.Equal(t, 10.0, table.Values[1][1])
	assert.Equal(t, 1.0, table.Values[2][0])

	body, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hex_id,mobility_density,temp\na,1,10\nb,4,10\nc,1,30\n", string(body))
}

func TestEnrichFitsOnPrimaryOnly(t *testing.T) {
	e := newEnv(t, func(c *config.Config) {
		c.Impute.Neighbors = 1
		c.Impute.Exclude = []string{"target"}
	})
	feats := writeCSV(t, e.dir, "features.csv", "hex_id,density\na,1\nb,5\n")
	train := writeCSV(t, e.dir, "train.csv", "hex_id,temp,target\na,10,100\nb,50,200\nz,12,150\n")
	test := writeCSV(t, e.dir, "test.csv", "hex_id,temp\nb,48\ny,11\n")
	trainOut := filepath.Join(e.dir, "train_out.csv")
	testOut := filepath.Join(e.dir, "test_out.parquet")

	res, err := e.svc.Enrich(EnrichRequest{
		FeaturesPath: feats, PrimaryPath: train, SecondaryPath: test, KeyColumn: "hex_id",
		PrimaryOut: trainOut, SecondaryOut: testOut,
	})
	require.NoError(t, err)

	// z has temp 12, nearest primary row is a (temp 10)
	assert.Equal(t, []string{"a", "b", "z"}, res.Primary.Keys)
	assert.Equal(t, 1.0, res.Primary.Values[2][2])
	// y has temp 11, also nearest to a in the primary fit
	assert.Equal(t, 1.0, res.Secondary.Values[1][1])
	assert.Equal(t, 5.0, res.Secondary.Values[0][1])

	_, err = os.Stat(testOut)
	assert.NoError(t, err)
	back, err := features.ReadCSVFile(trainOut, "hex_id")
	require.NoError(t, err)
	assert.Equal(t, []string{"temp", "target", "density"}, back.Columns)

	// without excluding target the secondary table cannot take the primary fit
	e.svc.impute.Exclude = nil
	_, err = e.svc.Enrich(EnrichRequest{
		FeaturesPath: feats, PrimaryPath: train, SecondaryPath: test, KeyColumn: "hex_id",
	})
	assert.ErrorIs(t, err, impute.ErrColumnMismatch)
}

func TestEnrichWritesJoinedTablesWhenImputationFails(t *testing.T) {
	e := newEnv(t, nil)
	// no feature key matches, so density is missing everywhere
	feats := writeCSV(t, e.dir, "features.csv", "hex_id,density\nq,1\n")
	train := writeCSV(t, e.dir, "train.csv", "hex_id,temp\na,10\nb,20\n")
	test := writeCSV(t, e.dir, "test.csv", "hex_id,temp\nc,5\n")
	trainOut := filepath.Join(e.dir, "train_out.csv")
	testOut := filepath.Join(e.dir, "test_out.csv")

	res, err := e.svc.Enrich(EnrichRequest{
		FeaturesPath: feats, PrimaryPath: train, SecondaryPath: test, KeyColumn: "hex_id",
		PrimaryOut: trainOut, SecondaryOut: testOut,
	})
	var ie *impute.ImputationError
	require.True(t, errors.As(err, &ie), "got %v", err)
	assert.Equal(t, "density", ie.Column)

	require.NotNil(t, res)
	assert.Equal(t, []string{"a", "b"}, res.Primary.Keys)
	assert.Equal(t, []string{"c"}, res.Secondary.Keys)
	assert.Equal(t, 2, res.Primary.Missing(res.Primary.Column("density")))
	assert.Nil(t, res.Reports[0])

	written, err := os.ReadFile(trainOut)
	require.NoError(t, err)
	assert.Equal(t, "hex_id,temp,density\na,10,\nb,20,\n", string(written))
	written, err = os.ReadFile(testOut)
	require.NoError(t, err)
	assert.Equal(t, "hex_id,temp,density\nc,5,\n", string(written))
}
