package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/coder/quartz"
	"github.com/fatih/color"
	"github.com/goodtune/voicetime/internal/config"
	"github.com/goodtune/voicetime/internal/storage"
	"github.com/goodtune/voicetime/internal/usage"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var rollupDryRun bool

var rollupCmd = &cobra.Command{
	Use:   "rollup",
	Short: "Run any pending weekly or monthly rollup",
	Long: `Run one maintenance check. On Mondays the weekly tier is merged into the
current month; on the first of the month it is merged into the all-time tier
and months outside the three month window are removed. A pass already applied
today is skipped.`,
	Args: cobra.NoArgs,
	RunE: runRollup,
}

func init() {
	rollupCmd.Flags().BoolVar(&rollupDryRun, "dry-run", false, "Show the pending pass without applying it")
	rootCmd.AddCommand(rollupCmd)
}

func runRollup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	timeout := config.Duration(cfg.Storage.OperationTimeout, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	clock := quartz.NewReal()

	if rollupDryRun {
		last, err := store.Times().LastUpdated(ctx)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to read last rollup: %w", err)
		}

		_, _ = cyan.Print("Last rollup: ")
		if last == nil {
			fmt.Println("never")
		} else if last.Year == 0 {
			fmt.Printf("day %d of %s\n", last.Day, time.Month(last.Month))
		} else {
			fmt.Printf("%d %s %d\n", last.Day, time.Month(last.Month), last.Year)
		}

		plan, due := usage.Plan(clock.Now(), last)
		_, _ = cyan.Print("Pending:     ")
		if !due {
			_, _ = green.Println("nothing")
			return nil
		}
		_, _ = yellow.Printf("weekly=%t monthly=%t retain=%v\n", plan.Weekly, plan.Monthly, plan.RetainMonths)
		return nil
	}

	scheduler := usage.NewRollupScheduler(store.Times(), clock, 0, timeout, logger)
	result, err := scheduler.Check(ctx)
	if err != nil {
		return err
	}

	if result.Skipped {
		_, _ = green.Fprintln(os.Stdout, "No rollup pending")
		return nil
	}

	_, _ = green.Fprintln(os.Stdout, "Rollup applied")
	fmt.Printf("  weekly rows merged into month:    %d\n", result.WeeklyMerged)
	fmt.Printf("  weekly rows merged into all time: %d\n", result.AllTimeMerged)
	fmt.Printf("  expired monthly rows:             %d\n", result.MonthlyDeleted)
	return nil
}
