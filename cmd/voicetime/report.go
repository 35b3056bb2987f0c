package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/voicetime/internal/config"
	"github.com/goodtune/voicetime/internal/members"
	"github.com/goodtune/voicetime/internal/render"
	"github.com/goodtune/voicetime/internal/report"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	reportRoleID   string
	reportRoleName string
	reportJSON     bool
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print voice time reports",
	Long:  `Print role-filtered voice time reports for the all-time, weekly or monthly horizon.`,
}

var reportAllTimeCmd = &cobra.Command{
	Use:     "alltime",
	Short:   "Totals across every tier",
	Example: `  voicetime report alltime --role 1234 --role-name Staff`,
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReport(cmd.Context(), (*report.Engine).AllTime)
	},
}

var reportWeeklyCmd = &cobra.Command{
	Use:   "weekly",
	Short: "Totals since the last Monday rollup",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReport(cmd.Context(), (*report.Engine).Weekly)
	},
}

var reportMonthlyCmd = &cobra.Command{
	Use:   "monthly",
	Short: "Totals for the current and two preceding months",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runReport(cmd.Context(), (*report.Engine).Monthly)
	},
}

func init() {
	reportCmd.PersistentFlags().StringVar(&reportRoleID, "role", "", "Role ID to report on (empty for every member)")
	reportCmd.PersistentFlags().StringVar(&reportRoleName, "role-name", "", "Role name shown in page titles")
	reportCmd.PersistentFlags().BoolVar(&reportJSON, "json", false, "Print pages as JSON")

	reportCmd.AddCommand(reportAllTimeCmd)
	reportCmd.AddCommand(reportWeeklyCmd)
	reportCmd.AddCommand(reportMonthlyCmd)
	rootCmd.AddCommand(reportCmd)
}

type reportFunc func(*report.Engine, context.Context, report.Request) ([]report.Page, error)

func runReport(ctx context.Context, run reportFunc) error {
	if ctx == nil {
		ctx = context.Background()
	}

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

	resolver := members.NewCache(
		members.NewStatic(cfg.Members.Static),
		cfg.Members.CacheSize,
		config.Duration(cfg.Members.CacheTTL, 10*time.Minute),
		logger,
	)
	engine := report.NewEngine(store.Times(), resolver, quartz.NewReal(), logger)

	ctx, cancel := context.WithTimeout(ctx, config.Duration(cfg.Storage.OperationTimeout, 5*time.Second))
	defer cancel()

	pages, err := run(engine, ctx, report.Request{
		GuildID:  cfg.GuildID,
		RoleID:   reportRoleID,
		RoleName: reportRoleName,
	})
	if err != nil {
		return fmt.Errorf("failed to build report: %w", err)
	}

	if reportJSON {
		return render.JSON(os.Stdout, pages)
	}
	return render.NewConsole(os.Stdout).Render(pages)
}
