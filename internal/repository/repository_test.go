package repository

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/guregu/null"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/mobility-features-go/internal/database"
	"github.com/jengzang/mobility-features-go/internal/models"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(database.Config{Path: filepath.Join(t.TempDir(), "test.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepository(openDB(t))

	run := &models.Run{InputPath: "pings.parquet", IndexName: "s2", Resolution: 15}
	run.ChunksTotal = 4
	require.NoError(t, repo.Create(ctx, run))
	require.NotEmpty(t, run.ID)

	got, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusRunning, got.Status)
	assert.Equal(t, "{}", got.ConfigJSON)
	assert.Nil(t, got.CompletedAt)

	require.NoError(t, repo.UpdateProgress(ctx, run.ID, models.RunCounters{
		ChunksTotal: 4, ChunksDone: 2, Pings: 100, Cells: 7, ProgressPct: 50,
	}))
	got, err = repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ChunksDone)
	assert.EqualValues(t, 100, got.Pings)
	assert.Equal(t, 50.0, got.ProgressPct)

	final := models.RunCounters{ChunksTotal: 4, ChunksDone: 4, Pings: 180, SkippedPings: 3, Cells: 9, ProgressPct: 100}
	require.NoError(t, repo.MarkFinished(ctx, run.ID, models.RunStatusCompleted, final, ""))
	got, err = repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusCompleted, got.Status)
	assert.Equal(t, final, got.RunCounters)
	require.NotNil(t, got.CompletedAt)

	// a finished run no longer takes progress updates
	require.NoError(t, repo.UpdateProgress(ctx, run.ID, models.RunCounters{ChunksDone: 1}))
	got, err = repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.ChunksDone)
}

func TestRunFailedAndList(t *testing.T) {
	ctx := context.Background()
	repo := NewRunRepository(openDB(t))

	a := &models.Run{ID: "a", InputPath: "a.parquet", IndexName: "s2", Resolution: 9}
	b := &models.Run{ID: "b", InputPath: "b.parquet", IndexName: "geohash", Resolution: 7}
	require.NoError(t, repo.Create(ctx, a))
	require.NoError(t, repo.Create(ctx, b))
	require.NoError(t, repo.MarkFailed(ctx, "b", "missing column \"lat\""))

	failed, err := repo.List(ctx, models.RunFilter{Status: string(models.RunStatusFailed)})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ID)
	assert.Equal(t, "missing column \"lat\"", failed[0].ErrorMessage)

	all, err := repo.List(ctx, models.RunFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	_, err = repo.GetByID(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, repo.MarkFailed(ctx, "nope", "x"), ErrNotFound)
	assert.Error(t, repo.MarkFinished(ctx, "a", models.RunStatusRunning, models.RunCounters{}, ""))
}

func TestFeatureRows(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	runs := NewRunRepository(db)
	repo := NewFeatureRepository(db)

	run := &models.Run{ID: "r1", InputPath: "in.parquet", IndexName: "s2", Resolution: 15}
	require.NoError(t, runs.Create(ctx, run))

	records := []models.FeatureRecord{
		{Resolution: 15, FeatureRow: models.FeatureRow{
			HexID: "c1", MobilityDensity: null.IntFrom(5), AvgTimeInHex: null.FloatFrom(12.5),
			TimeInHexVariance: null.FloatFrom(3), AvgVisitsPerDevice: null.FloatFrom(2), DwellSamples: 4,
		}},
		{Resolution: 15, Imputed: true, FeatureRow: models.FeatureRow{
			HexID: "c2", MobilityDensity: null.IntFrom(1), AvgTimeInHex: null.FloatFrom(8),
			TimeInHexVariance: null.FloatFrom(1), AvgVisitsPerDevice: null.FloatFrom(1),
		}},
		{Resolution: 15, FeatureRow: models.FeatureRow{
			HexID: "c0", MobilityDensity: null.IntFrom(3), AvgVisitsPerDevice: null.FloatFrom(1),
		}},
	}
	require.NoError(t, repo.SaveRows(ctx, "r1", records))

	all, total, err := repo.List(ctx, "r1", models.FeatureFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c0", "c1", "c2"}, []string{all[0].HexID, all[1].HexID, all[2].HexID})
	assert.False(t, all[0].AvgTimeInHex.Valid)
	assert.Equal(t, "r1", all[0].RunID)

	dense, total, err := repo.List(ctx, "r1", models.FeatureFilter{MinDensity: 3, Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, dense, 1)
	assert.Equal(t, "c0", dense[0].HexID)

	imputed := true
	only, _, err := repo.List(ctx, "r1", models.FeatureFilter{Imputed: &imputed})
	require.NoError(t, err)
	require.Len(t, only, 1)
	assert.Equal(t, "c2", only[0].HexID)

	rec, err := repo.Get(ctx, "r1", "c1")
	require.NoError(t, err)
	assert.Equal(t, records[0].FeatureRow, rec.FeatureRow)

	_, err = repo.Get(ctx, "r1", "zz")
	assert.ErrorIs(t, err, ErrNotFound)

	// saving again replaces the run's rows
	require.NoError(t, repo.SaveRows(ctx, "r1", records[:1]))
	_, total, err = repo.List(ctx, "r1", models.FeatureFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
}
