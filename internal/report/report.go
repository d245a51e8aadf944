// Package report writes run artifacts: a CSV allocation table for
// spreadsheet use and a JSON document with the full engine output.
package report

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/mixplan/mixplan/internal/engine"
)

// Writer persists run outputs under a base directory. Each run gets its own
// timestamped subdirectory so successive runs never overwrite each other.
type Writer struct {
	baseDir string
	logger  zerolog.Logger
	now     func() time.Time
}

// NewWriter creates a report writer rooted at baseDir.
func NewWriter(baseDir string, logger zerolog.Logger) *Writer {
	return &Writer{baseDir: baseDir, logger: logger, now: time.Now}
}

// Write emits plan.csv and run.json for the output and returns the artifact
// directory.
func (w *Writer) Write(out engine.Output) (string, error) {
	stamp := w.now().UTC().Format("20060102_150405")
	dir := filepath.Join(w.baseDir, fmt.Sprintf("%s_%s", stamp, out.RunID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact dir %s: %w", dir, err)
	}

	if err := w.writePlanCSV(filepath.Join(dir, "plan.csv"), out); err != nil {
		return "", err
	}
	if err := w.writeRunJSON(filepath.Join(dir, "run.json"), out); err != nil {
		return "", err
	}

	w.logger.Info().
		Str("run_id", out.RunID).
		Str("dir", dir).
		Msg("run artifacts written")
	return dir, nil
}

func (w *Writer) writePlanCSV(path string, out engine.Output) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	cw := csv.NewWriter(f)
	if err := cw.Write([]string{"period", "channel", "allocated_spend"}); err != nil {
		return fmt.Errorf("failed to write CSV header: %w", err)
	}
	for _, row := range out.Plan {
		record := []string{
			strconv.Itoa(row.Period),
			row.Channel,
			strconv.FormatFloat(row.Spend, 'f', 4, 64),
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV row: %w", err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	return nil
}

func (w *Writer) writeRunJSON(path string, out engine.Output) error {
	payload, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run output: %w", err)
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
