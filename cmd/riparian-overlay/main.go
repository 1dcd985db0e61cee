package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"

	"riparian-overlay/pkg/config"
	"riparian-overlay/pkg/logging"
	"riparian-overlay/pkg/overlay"
	"riparian-overlay/pkg/pipeline"
	"riparian-overlay/pkg/sink"
	"riparian-overlay/pkg/store"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Printf("Warning: .env file not found: %v", err)
	}

	cfg := config.FromEnv()
	if err := newRootCmd(&cfg).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "riparian-overlay",
		Short: "Select land-use polygons within a buffer distance of watercourses",
		Long: `Buffers every watercourse line, keeps the land-use polygons whose overlap with a
buffer has a non-zero area, and writes them to a database table and a file.

Settings are read from the environment (and a .env file); flags override them.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), *cfg)
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostGIS URL or DuckDB file path (DATABASE_URL)")
	f.StringVar(&cfg.LandUseTable, "land-use-table", cfg.LandUseTable, "land-use polygon table (LAND_USE_TABLE)")
	f.StringVar(&cfg.WatercoursesTable, "watercourses-table", cfg.WatercoursesTable, "watercourse line table (WATERCOURSES_TABLE)")
	f.StringVar(&cfg.GeomColumn, "geom-column", cfg.GeomColumn, "geometry column of both tables (GEOM_COLUMN)")
	f.Float64Var(&cfg.BufferDistance, "buffer-distance", cfg.BufferDistance, "buffer distance in layer units (BUFFER_DISTANCE)")
	f.StringVar(&cfg.OutputTable, "output-table", cfg.OutputTable, "table replaced with the result (OUTPUT_TABLE)")
	f.StringVar(&cfg.OutputFile, "output-file", cfg.OutputFile, "file written with the result; .parquet and .geojson pick those formats (OUTPUT_FILE)")
	f.StringVar(&cfg.RefColumn, "ref-column", cfg.RefColumn, "watercourse column written as the reference, default the row position (WATERCOURSE_REF_COLUMN)")
	f.BoolVar(&cfg.Dissolve, "dissolve", cfg.Dissolve, "union the buffers and emit each land-use polygon once (DISSOLVE)")
	f.BoolVar(&cfg.Reproject, "reproject", cfg.Reproject, "reproject watercourses to the land-use reference when they differ (REPROJECT)")
	f.IntVar(&cfg.QuadSegs, "quad-segs", cfg.QuadSegs, "buffer segments per quarter circle (BUFFER_QUAD_SEGS)")
	f.StringVar(&cfg.Delimiter, "delimiter", cfg.Delimiter, `delimited text field separator, "\t" for tab (CSV_DELIMITER)`)
	f.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "log file, appended to (LOG_FILE)")
	f.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error (LOG_LEVEL)")
	f.BoolVar(&cfg.LogConsole, "log-console", cfg.LogConsole, "mirror log entries to stderr (LOG_CONSOLE)")

	return cmd
}

func run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		return err
	}
	delimiter, _ := cfg.DelimiterRune()

	logFile, err := logging.OpenFile(cfg.LogFile)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return err
	}
	defer logFile.Close()

	logger := logging.Build(logging.Config{
		Level:     cfg.LogLevel,
		Console:   cfg.LogConsole,
		Component: "riparian-overlay",
	}, logFile)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	env := pipeline.Env{
		Logger: logger,
		Open:   store.Open,
	}
	params := pipeline.Params{
		ConnString:        cfg.DatabaseURL,
		LandUseTable:      cfg.LandUseTable,
		WatercoursesTable: cfg.WatercoursesTable,
		GeomColumn:        cfg.GeomColumn,
		OutputTable:       cfg.OutputTable,
		OutputFile:        cfg.OutputFile,
		Reproject:         cfg.Reproject,
		Overlay: overlay.Options{
			Distance:  cfg.BufferDistance,
			Dissolve:  cfg.Dissolve,
			RefColumn: cfg.RefColumn,
			QuadSegs:  cfg.QuadSegs,
		},
		File: sink.FileOptions{Delimiter: delimiter},
	}

	report, err := pipeline.Run(ctx, env, params)
	if err != nil {
		logger.Error().Err(err).Msg("failed to complete the run")

		var stageErr *pipeline.StageError
		if errors.As(err, &stageErr) {
			fmt.Fprintf(os.Stderr, "failed at stage %s: %v\n", stageErr.Stage, stageErr.Err)
		} else {
			fmt.Fprintf(os.Stderr, "failed: %v\n", err)
		}
		if len(report.Completed) > 0 {
			fmt.Fprintf(os.Stderr, "completed stages: %v\n", report.Completed)
		}
		return err
	}

	fmt.Printf("success: %d land-use records within %g of %s written to table %s and file %s\n",
		report.Rows, cfg.BufferDistance, cfg.WatercoursesTable, cfg.OutputTable, cfg.OutputFile)
	return nil
}
