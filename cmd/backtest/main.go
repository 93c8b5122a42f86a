package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/pincex_backtest/internal/backtest"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/report"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/strategy"
	"github.com/Aidin1998/pincex_backtest/internal/config"
	"github.com/Aidin1998/pincex_backtest/internal/database"
	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/eventjournal"
	"github.com/Aidin1998/pincex_backtest/internal/trading/persistence"
	"github.com/Aidin1998/pincex_backtest/internal/trading/repository"
	"github.com/Aidin1998/pincex_backtest/pkg/logger"
	"github.com/Aidin1998/pincex_backtest/pkg/metrics"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	configPath := flag.String("config", "configs/backtest.yaml", "run configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, zapLogger)
	stop()
	if err != nil {
		zapLogger.Error("Backtest failed", zap.Error(err))
		zapLogger.Sync()
		os.Exit(1)
	}
	zapLogger.Sync()
}

func run(ctx context.Context, cfg *config.Config, zapLogger *zap.Logger) error {
	btCfg, err := cfg.Backtest()
	if err != nil {
		return err
	}
	resuming := btCfg.RunID != uuid.Nil
	if !resuming {
		btCfg.RunID = uuid.New()
	}
	data, err := loadMarketData(ctx, cfg, btCfg, zapLogger)
	if err != nil {
		return err
	}

	strat, err := strategy.NewRegistry().Create(cfg.Run.Strategy, strategy.Params(cfg.Run.Params))
	if err != nil {
		return err
	}

	snapshots, err := openSnapshotStore(cfg.Snapshot, zapLogger)
	if err != nil {
		return err
	}
	defer snapshots.Close()

	var opts []backtest.Option
	if cfg.Results.Enabled {
		db, err := database.Open(cfg.Results.Database, zapLogger)
		if err != nil {
			return fmt.Errorf("failed to open results database: %w", err)
		}
		defer closeDB(db, zapLogger)
		repo := repository.NewResultRepository(db, zapLogger)
		if err := repo.Migrate(ctx); err != nil {
			return err
		}
		opts = append(opts, backtest.WithRepository(repo))
	}
	if cfg.Journal.Enabled {
		journal, err := eventjournal.NewFileJournal(cfg.Journal, btCfg.RunID, zapLogger)
		if err != nil {
			return err
		}
		defer journal.Close()
		opts = append(opts, backtest.WithJournal(journal))
	}

	bt, err := backtest.New(btCfg, strat, data, zapLogger, opts...)
	if err != nil {
		return err
	}

	if resuming {
		snap, err := snapshots.Load(ctx, btCfg.RunID)
		if err != nil {
			return fmt.Errorf("failed to load snapshot: %w", err)
		}
		if err := bt.Resume(ctx, snap); err != nil {
			return err
		}
	}

	if pauseAt := cfg.PauseDate(); !pauseAt.IsZero() {
		snap, err := bt.Pause(ctx, pauseAt)
		if err != nil {
			return err
		}
		if err := snapshots.Save(ctx, snap); err != nil {
			return fmt.Errorf("failed to save snapshot: %w", err)
		}
		zapLogger.Info("Run paused, resume with run.resume_run_id",
			zap.String("run_id", snap.RunID.String()),
			zap.Time("paused_at", snap.PausedAt),
			zap.String("store", cfg.Snapshot.Store))
		return nil
	}

	rep, err := bt.Run(ctx)
	if err != nil {
		return err
	}
	if cfg.Report.Path != "" {
		if err := report.Write(cfg.Report.Path, rep); err != nil {
			return fmt.Errorf("failed to write report: %w", err)
		}
	}
	if cfg.Metrics.TextfilePath != "" {
		if err := metrics.WriteTextfile(cfg.Metrics.TextfilePath); err != nil {
			zapLogger.Warn("Failed to write metrics textfile", zap.Error(err))
		}
	}

	s := rep.Summary
	zapLogger.Info("Backtest finished",
		zap.Int("trading_days", s.TradingDays),
		zap.Int("trades", s.Trades),
		zap.String("final_value", s.FinalValue.String()),
		zap.String("total_returns", s.TotalReturns.String()),
		zap.Float64("max_drawdown", s.MaxDrawdown),
		zap.String("run_id", s.RunID),
		zap.String("report", cfg.Report.Path))
	return nil
}

// loadMarketData copies the universe and the benchmark out of SQL into memory
func loadMarketData(ctx context.Context, cfg *config.Config, btCfg backtest.Config, zapLogger *zap.Logger) (*marketdata.MemoryStore, error) {
	db, err := database.Open(cfg.Data, zapLogger)
	if err != nil {
		return nil, fmt.Errorf("failed to open market data: %w", err)
	}
	defer closeDB(db, zapLogger)

	loader := marketdata.NewGormLoader(db, zapLogger)
	if err := loader.Migrate(ctx); err != nil {
		return nil, err
	}
	ids := append([]string{}, btCfg.Universe...)
	if btCfg.Benchmark != "" {
		ids = append(ids, btCfg.Benchmark)
	}
	store := marketdata.NewMemoryStore()
	if err := loader.Load(ctx, store, ids, btCfg.EndDate); err != nil {
		return nil, err
	}
	return store, nil
}

func openSnapshotStore(cfg config.SnapshotConfig, zapLogger *zap.Logger) (persistence.Store, error) {
	if cfg.Store == config.SnapshotStoreBadger {
		return persistence.NewBadgerStore(cfg.Dir, zapLogger)
	}
	return persistence.NewJSONFileStore(cfg.Dir, zapLogger)
}

func closeDB(db *gorm.DB, zapLogger *zap.Logger) {
	sqlDB, err := db.DB()
	if err != nil {
		return
	}
	if err := sqlDB.Close(); err != nil {
		zapLogger.Warn("Failed to close database", zap.Error(err))
	}
}
