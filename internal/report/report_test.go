package report

import (
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mixplan/mixplan/internal/engine"
)

func sampleOutput() engine.Output {
	return engine.Output{
		RunID:  "run-report-1",
		Method: engine.MethodSequential,
		Plan: []engine.PlanRow{
			{Period: 0, Channel: "digital", Spend: 30},
			{Period: 0, Channel: "tv", Spend: 70},
			{Period: 1, Channel: "digital", Spend: 35.5},
			{Period: 1, Channel: "tv", Spend: 64.5},
		},
		Allocations:      [][]float64{{30, 70}, {35.5, 64.5}},
		Converged:        true,
		PredictedRevenue: 512.3,
	}
}

func TestWriteArtifacts(t *testing.T) {
	base := t.TempDir()
	w := NewWriter(base, zerolog.Nop())
	w.now = func() time.Time { return time.Date(2026, 8, 1, 9, 30, 0, 0, time.UTC) }

	dir, err := w.Write(sampleOutput())
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(base, "20260801_093000_run-report-1"), dir)

	f, err := os.Open(filepath.Join(dir, "plan.csv"))
	require.NoError(t, err)
	defer f.Close()

	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 5, "header plus four plan rows")
	assert.Equal(t, []string{"period", "channel", "allocated_spend"}, rows[0])
	assert.Equal(t, []string{"1", "digital", "35.5000"}, rows[3])

	payload, err := os.ReadFile(filepath.Join(dir, "run.json"))
	require.NoError(t, err)

	var decoded engine.Output
	require.NoError(t, json.Unmarshal(payload, &decoded))
	assert.Equal(t, "run-report-1", decoded.RunID)
	assert.Equal(t, 512.3, decoded.PredictedRevenue)
	assert.True(t, decoded.Converged)
}

func TestWriteSeparatesRuns(t *testing.T) {
	base := t.TempDir()
	w := NewWriter(base, zerolog.Nop())

	out := sampleOutput()
	dir1, err := w.Write(out)
	require.NoError(t, err)

	out.RunID = "run-report-2"
	dir2, err := w.Write(out)
	require.NoError(t, err)

	assert.NotEqual(t, dir1, dir2)
}
