package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mixplan/mixplan/internal/config"
	"github.com/mixplan/mixplan/internal/engine"
	"github.com/mixplan/mixplan/internal/infrastructure/actuals"
	"github.com/mixplan/mixplan/internal/persistence"
	"github.com/mixplan/mixplan/internal/report"
)

func newOptimizeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "optimize",
		Short: "Run a full allocation over the configured planning horizon",
		Long:  "Fits response curves from history and allocates every period budget, writing plan.csv and run.json artifacts",
		RunE:  runOptimize,
	}

	cmd.Flags().String("config", "", "Run configuration YAML (required)")
	cmd.Flags().String("method", "", "Override allocator method (sequential|bilevel|both)")
	cmd.Flags().String("out", "out/runs", "Artifact output directory")
	addStorageFlags(cmd.Flags())
	cmd.Flags().String("actuals-url", "", "Base URL of the realized-revenue endpoint for sequential learning")
	cmd.Flags().Bool("record-history", false, "Insert the configured spend history into the observations table")
	cmd.MarkFlagRequired("config")

	return cmd
}

func runOptimize(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	method, _ := cmd.Flags().GetString("method")
	outDir, _ := cmd.Flags().GetString("out")
	pgDSN, _ := cmd.Flags().GetString("pg-dsn")
	redisAddr, _ := cmd.Flags().GetString("redis-addr")
	actualsURL, _ := cmd.Flags().GetString("actuals-url")
	recordHistory, _ := cmd.Flags().GetBool("record-history")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if method != "" {
		cfg.Method = method
		if err := cfg.Validate(); err != nil {
			return err
		}
	}

	d, err := buildDeps(pgDSN, redisAddr, log.Logger)
	if err != nil {
		return err
	}
	defer d.Close()

	req := cfg.ToRequest()
	if actualsURL != "" {
		req.Actuals = actuals.NewHTTPProvider(actualsURL, cfg.ChannelNames(), actuals.DefaultConfig())
		log.Info().Str("url", actualsURL).Msg("sequential learning from realized actuals enabled")
	}

	ctx := context.Background()
	if recordHistory && d.observations != nil {
		if err := recordObservations(ctx, d.observations, cfg); err != nil {
			return err
		}
	}

	start := time.Now()
	out, err := d.engineFor(log.Logger).Run(ctx, req)
	if err != nil {
		return fmt.Errorf("optimization failed: %w", err)
	}

	dir, err := report.NewWriter(outDir, log.Logger).Write(out)
	if err != nil {
		return err
	}

	if d.plans != nil {
		record := persistence.PlanRecord{
			RunID:     out.RunID,
			Method:    string(out.Method),
			CreatedAt: time.Now().UTC(),
		}
		for _, row := range out.Plan {
			record.Rows = append(record.Rows, persistence.PlanRow{
				Period: row.Period, Channel: row.Channel, Spend: row.Spend,
			})
		}
		if err := d.plans.Save(ctx, record); err != nil {
			log.Warn().Err(err).Str("run_id", out.RunID).Msg("plan persistence failed")
		}
	}

	printSummary(out, time.Since(start), dir)
	return nil
}

// recordObservations stores the configured history so later runs can be
// audited against the data that produced them.
func recordObservations(ctx context.Context, repo persistence.ObservationsRepo, cfg *config.RunConfig) error {
	var observations []persistence.Observation
	for _, name := range cfg.ChannelNames() {
		ch := cfg.Channels[name]
		for t, spend := range ch.Spend {
			obs := persistence.Observation{Period: t, Channel: name, Spend: spend}
			if ch.Revenue != nil {
				obs.Revenue = ch.Revenue[t]
			}
			observations = append(observations, obs)
		}
	}
	if err := repo.Insert(ctx, observations); err != nil {
		return fmt.Errorf("failed to record history: %w", err)
	}
	return nil
}

func printSummary(out engine.Output, elapsed time.Duration, artifactDir string) {
	fmt.Printf("\nRun %s (%s) finished in %s\n", out.RunID, out.Method, elapsed.Round(time.Millisecond))
	fmt.Printf("Predicted revenue: %.2f  (baseline %.2f, uplift %+.2f%%)\n",
		out.PredictedRevenue, out.BaselineRevenue, out.Uplift*100)
	if !out.Converged {
		fmt.Printf("WARNING: %d period(s) used a fallback allocation: %v\n",
			len(out.DegradedPeriods), out.DegradedPeriods)
	}

	names := make([]string, 0, len(out.Fits))
	for name := range out.Fits {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Println("\nChannel fits:")
	fmt.Println("  CHANNEL        ALPHA        MU      RMSE   ROAS  CONVERGED")
	for _, name := range names {
		fit := out.Fits[name]
		cached := ""
		if fit.Cached {
			cached = " (cached)"
		}
		fmt.Printf("  %-10s %9.2f  %8.5f  %8.3f  %5.2f  %v%s\n",
			name, fit.Alpha, fit.Mu, fit.RMSE, fit.ROAS, fit.Converged, cached)
	}

	fmt.Println("\nAllocation plan:")
	fmt.Println("  PERIOD  CHANNEL       SPEND")
	for _, row := range out.Plan {
		fmt.Printf("  %6d  %-10s %8.2f\n", row.Period, row.Channel, row.Spend)
	}
	fmt.Printf("\nArtifacts: %s\n", artifactDir)
	os.Stdout.Sync()
}
