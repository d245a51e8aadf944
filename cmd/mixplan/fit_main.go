package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mixplan/mixplan/internal/config"
	"github.com/mixplan/mixplan/internal/domain/adstock"
	"github.com/mixplan/mixplan/internal/domain/curve"
	"github.com/mixplan/mixplan/internal/eval"
)

func newFitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fit",
		Short: "Fit response curves without allocating",
		Long:  "Runs the adstock transform and curve fit for every channel and prints the fitted parameters, for inspecting data quality before planning",
		RunE:  runFit,
	}

	cmd.Flags().String("config", "", "Run configuration YAML (required)")
	cmd.MarkFlagRequired("config")

	return cmd
}

func runFit(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	names := cfg.ChannelNames()
	effective := make(map[string][]float64, len(names))
	for _, name := range names {
		ch := cfg.Channels[name]
		eff, err := adstock.Transform(ch.Spend, ch.DecayRate)
		if err != nil {
			return fmt.Errorf("channel %q: %w", name, err)
		}
		effective[name] = eff
	}

	fmt.Println("CHANNEL        ALPHA        MU      RMSE  ITER  CONVERGED")
	for _, name := range names {
		ch := cfg.Channels[name]
		revenue := ch.Revenue
		if revenue == nil {
			revenue = apportionGMV(cfg, effective, name)
		}

		fitted, err := curve.Fit(effective[name], revenue, curve.DefaultFitConfig())
		if err != nil {
			log.Error().Err(err).Str("channel", name).Msg("fit failed")
			fmt.Printf("%-10s  fit failed: %v\n", name, err)
			continue
		}

		rmse := eval.FitError(fitted, effective[name], revenue)
		fmt.Printf("%-10s %9.2f  %8.5f  %8.3f  %4d  %v\n",
			name, fitted.Alpha, fitted.Mu, rmse, fitted.Iterations, fitted.Converged)
	}
	return nil
}

// apportionGMV splits period GMV across channels by adstocked spend share,
// the same attribution rule the engine applies.
func apportionGMV(cfg *config.RunConfig, effective map[string][]float64, target string) []float64 {
	periods := len(cfg.Channels[target].Spend)
	revenue := make([]float64, periods)
	for t := 0; t < periods; t++ {
		var total float64
		for _, eff := range effective {
			total += eff[t]
		}
		if total <= 0 {
			continue
		}
		revenue[t] = cfg.GMV[t] * effective[target][t] / total
	}
	return revenue
}
