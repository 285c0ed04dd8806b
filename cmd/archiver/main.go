package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/17Amir17/redd-archiver/internal/checkpoint"
	"github.com/17Amir17/redd-archiver/internal/config"
	"github.com/17Amir17/redd-archiver/internal/export"
	"github.com/17Amir17/redd-archiver/internal/logging"
	"github.com/17Amir17/redd-archiver/internal/memory"
	"github.com/17Amir17/redd-archiver/internal/pipeline"
	"github.com/17Amir17/redd-archiver/internal/storage"
)

// Exit codes: 0 success, 1 failure, 3 clean memory-pressure stop
// (expected and resumable; orchestration restarts the run).
const (
	exitOK             = 0
	exitFailure        = 1
	exitMemoryPressure = 3
)

func main() {
	os.Exit(run())
}

func run() int {
	mode := flag.String("mode", "all", "which direction to run: import, export, or all")
	flag.Parse()
	if *mode != "import" && *mode != "export" && *mode != "all" {
		slog.Error("invalid -mode, want import, export, or all", "mode", *mode)
		return exitFailure
	}

	// Load .env file if it exists (Overload overwrites existing env vars)
	if err := godotenv.Overload(); err != nil {
		slog.Info("no .env file found, using environment variables")
	} else {
		slog.Info("loaded .env file (overwriting existing env vars)")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return exitFailure
	}

	logging.Setup(cfg.Logging.Level, cfg.Logging.Format)

	slog.Info("configuration loaded",
		"mode", *mode,
		"input_dir", cfg.Import.InputDir,
		"batch_size", cfg.Import.BatchSize,
		"db_max_conns", cfg.Database.MaxConns,
		"export_workers", cfg.Export.Workers,
		"memory_limit_bytes", cfg.Memory.LimitBytes,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := storage.NewPool(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to connect to database", "error", err)
		return exitFailure
	}
	defer pool.Close()

	if u, err := url.Parse(cfg.Database.URL); err == nil {
		slog.Info("connected to database", "name", strings.TrimPrefix(u.Path, "/"))
	}

	store := storage.NewStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		slog.Error("failed to ensure schema", "error", err)
		return exitFailure
	}

	checkpoints := checkpoint.NewStore(pool)
	code := exitOK

	if *mode == "import" || *mode == "all" {
		importCode := runImport(ctx, cfg, store, checkpoints)
		if importCode == exitMemoryPressure {
			return exitMemoryPressure
		}
		if importCode != exitOK {
			code = importCode
		}
	}

	if *mode == "export" || *mode == "all" {
		if exportCode := runExport(ctx, cfg, pool, checkpoints); exportCode != exitOK {
			code = exportCode
		}
	}

	if info, err := store.Info(ctx); err == nil {
		slog.Info("database state",
			"size_mb", info.SizeMB,
			"posts", info.PostCount,
			"comments", info.CommentCount,
			"users", info.UserCount)
	}
	return code
}

func runImport(ctx context.Context, cfg *config.Config, store *storage.Store, checkpoints *checkpoint.Store) int {
	controller := memory.NewController(cfg.Memory.LimitBytes, memory.Thresholds{
		Info:      cfg.Memory.InfoThreshold,
		Warning:   cfg.Memory.WarningThreshold,
		Critical:  cfg.Memory.CriticalThreshold,
		Emergency: cfg.Memory.EmergencyThreshold,
	})

	driver := pipeline.NewDriver(cfg.Import, pipeline.Deps{
		Loader:      storage.NewBulkLoader(store, cfg.Import.MaxRetries, cfg.Import.LoadTimeout),
		Checkpoints: checkpoints,
		Counter:     store,
		Maintenance: store,
		Memory:      controller,
	})

	report, err := driver.Run(ctx)
	if report != nil {
		report.Log(slog.Default())
	}
	if errors.Is(err, pipeline.ErrMemoryPressure) {
		slog.Warn("run stopped under memory pressure; rerun to resume")
		return exitMemoryPressure
	}
	if err != nil {
		slog.Error("import run failed", "error", err)
		return exitFailure
	}

	_, _, failed, _ := report.Counts()
	if failed > 0 {
		return exitFailure
	}
	return exitOK
}

func runExport(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool, checkpoints *checkpoint.Store) int {
	communities, err := checkpoints.ListExportable(ctx, cfg.Import.Platform)
	if err != nil {
		slog.Error("failed to list exportable communities", "error", err)
		return exitFailure
	}
	if len(communities) == 0 {
		slog.Info("no communities ready for export")
		return exitOK
	}

	writer := export.NewNDJSONWriter(cfg.Export.OutputDir)
	defer func() {
		if err := writer.Close(); err != nil {
			slog.Error("closing export files failed", "error", err)
		}
	}()

	runner := export.NewRunner(cfg.Export, export.NewExporter(pool), writer, checkpoints)

	code := exitOK
	for _, community := range communities {
		if ctx.Err() != nil {
			slog.Warn("export interrupted; rerun to resume")
			return exitFailure
		}
		entities, err := runner.ExportCommunity(ctx, community)
		if err != nil {
			slog.Error("community export failed",
				"community", community.String(), "entities", entities, "error", err)
			code = exitFailure
			continue
		}
		slog.Info("community exported",
			"community", community.String(), "entities", entities)
	}
	return code
}
