package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/retrovue/retrovue/internal/config"
	"github.com/retrovue/retrovue/internal/db"
	"github.com/retrovue/retrovue/internal/events"
	"github.com/retrovue/retrovue/internal/logging"
	"github.com/retrovue/retrovue/internal/masterclock"
	"github.com/retrovue/retrovue/internal/models"
	"github.com/retrovue/retrovue/internal/scheduler"
	"github.com/retrovue/retrovue/internal/server"
	"github.com/retrovue/retrovue/internal/store"
	"github.com/retrovue/retrovue/internal/version"
)

var (
	logger zerolog.Logger
	cfg    *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "retrovue",
	Short: "RetroVue - broadcast television simulation",
	Long:  "RetroVue runs continuous, time-anchored channels built from dayparted templates, with a live playout layer streaming the resolved schedule to viewers.",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the RetroVue server",
	Long:  "Start the HTTP API server, the horizon scheduler, and channel playout",
	RunE:  runServe,
}

var buildHorizonCmd = &cobra.Command{
	Use:   "build-horizon <channel-id>",
	Short: "Build the playout horizon for one channel",
	Args:  cobra.ExactArgs(1),
	RunE:  runBuildHorizon,
}

var importTemplateCmd = &cobra.Command{
	Use:   "import-template <file.yaml>",
	Short: "Import a schedule template from a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE:  runImportTemplate,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Version)
	},
}

var (
	horizonHours    int
	publishImported bool
)

func init() {
	buildHorizonCmd.Flags().IntVar(&horizonHours, "hours", 24, "horizon length in hours")
	importTemplateCmd.Flags().BoolVar(&publishImported, "publish", false, "publish the template after import")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(buildHorizonCmd)
	rootCmd.AddCommand(importTemplateCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig loads configuration (called by commands that need it)
func loadConfig() error {
	var err error
	cfg, err = config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = logging.Setup(cfg.Environment)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	logger.Info().Str("version", version.Version).Msg("RetroVue starting")

	srv, err := server.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize server: %w", err)
	}

	httpServer := srv.HTTPServer()

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down gracefully...")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(timeoutCtx); err != nil {
		logger.Error().Err(err).Msg("graceful shutdown failed")
	}

	if err := srv.Close(); err != nil {
		logger.Error().Err(err).Msg("shutdown cleanup failed")
	}

	logger.Info().Msg("RetroVue stopped")
	return nil
}

func runBuildHorizon(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return err
	}
	defer db.Close(database)
	if err := db.Migrate(database); err != nil {
		return err
	}

	st := store.New(database)
	clock := masterclock.New(masterclock.SystemSource(), masterclock.Precision(cfg.ClockPrecision), cfg.TimezoneCacheMax, logger)
	sched := scheduler.New(st, st, clock, events.NewBus(), cfg.HorizonLength, cfg.PrebuildInterval, logger)

	horizon := time.Duration(horizonHours) * time.Hour
	result, err := sched.BuildPlayoutHorizon(cmd.Context(), args[0], clock.NowUTC(), horizon)
	if err != nil {
		return err
	}

	for _, day := range result.Days {
		if day.Err != nil {
			fmt.Printf("%s: FAILED: %v\n", day.BroadcastDay, day.Err)
			continue
		}
		if day.Unchanged {
			fmt.Printf("%s: unchanged\n", day.BroadcastDay)
			continue
		}
		fmt.Printf("%s: %d events, %d slot failures\n", day.BroadcastDay, len(day.Events), len(day.Failures))
	}
	return nil
}

// templateFile is the YAML shape accepted by import-template.
type templateFile struct {
	Channel        string `yaml:"channel"` // channel slug
	Name           string `yaml:"name"`
	AllowUnderfill bool   `yaml:"allow_underfill"`
	FullDay        bool   `yaml:"full_day"`
	Blocks         []struct {
		Daypart        string         `yaml:"daypart"`
		StartTime      string         `yaml:"start_time"`
		DurationBlocks int            `yaml:"duration_blocks"`
		Rule           map[string]any `yaml:"rule"`
	} `yaml:"blocks"`
}

func runImportTemplate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	raw, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read template file: %w", err)
	}
	var file templateFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse template file: %w", err)
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return err
	}
	defer db.Close(database)
	if err := db.Migrate(database); err != nil {
		return err
	}

	st := store.New(database)
	ctx := cmd.Context()

	ch, err := st.ChannelBySlug(ctx, file.Channel)
	if err != nil {
		return fmt.Errorf("channel %q: %w", file.Channel, err)
	}

	tmpl := models.ScheduleTemplate{
		ChannelID:      ch.ID,
		Name:           file.Name,
		AllowUnderfill: file.AllowUnderfill,
		FullDay:        file.FullDay,
	}
	for i, block := range file.Blocks {
		tmpl.Blocks = append(tmpl.Blocks, models.TemplateBlock{
			Position:       i,
			Daypart:        block.Daypart,
			StartTime:      block.StartTime,
			DurationBlocks: block.DurationBlocks,
			Rule:           models.JSONMap(block.Rule),
		})
	}

	if err := st.SaveTemplate(ctx, &tmpl); err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	fmt.Printf("template %s imported (version %d)\n", tmpl.ID, tmpl.Version)

	if publishImported {
		clock := masterclock.New(masterclock.SystemSource(), masterclock.Precision(cfg.ClockPrecision), cfg.TimezoneCacheMax, logger)
		if err := st.PublishTemplate(ctx, tmpl.ID, clock.NowUTC()); err != nil {
			return fmt.Errorf("publish template: %w", err)
		}
		fmt.Println("template published")
	}
	return nil
}
