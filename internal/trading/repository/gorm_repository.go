// Package repository stores run results in SQL so runs can be compared and
// queried after the fact.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Aidin1998/pincex_backtest/internal/backtest/report"
	"github.com/Aidin1998/pincex_backtest/internal/trading/analytics"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// Run statuses
const (
	RunStatusRunning  = "RUNNING"
	RunStatusPaused   = "PAUSED"
	RunStatusFinished = "FINISHED"
	RunStatusFailed   = "FAILED"
)

// RunRow is one backtest run
type RunRow struct {
	ID        string `gorm:"primaryKey;size:36"`
	Strategy  string `gorm:"size:64;index"`
	Frequency string `gorm:"size:8"`
	Benchmark string `gorm:"size:32"`
	Status    string `gorm:"size:16"`
	Summary   string `gorm:"type:text"` // JSON encoded report.Summary once finished
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (RunRow) TableName() string { return "backtest_runs" }

// PortfolioDayRow is the portfolio after one settlement
type PortfolioDayRow struct {
	RunID           string          `gorm:"primaryKey;size:36"`
	Date            time.Time       `gorm:"primaryKey"`
	Cash            decimal.Decimal `gorm:"type:decimal(28,8)"`
	MarketValue     decimal.Decimal `gorm:"type:decimal(28,8)"`
	TotalValue      decimal.Decimal `gorm:"type:decimal(28,8)"`
	StaticValue     decimal.Decimal `gorm:"type:decimal(28,8)"`
	TransactionCost decimal.Decimal `gorm:"type:decimal(28,8)"`
	DailyReturns    decimal.Decimal `gorm:"type:decimal(28,12)"`
	TotalReturns    decimal.Decimal `gorm:"type:decimal(28,12)"`
	BenchmarkValue  decimal.Decimal `gorm:"type:decimal(28,8)"`
}

func (PortfolioDayRow) TableName() string { return "backtest_portfolio_days" }

// RiskRow is the risk statistics of one day. Undefined ratios are NULL.
type RiskRow struct {
	RunID            string    `gorm:"primaryKey;size:36"`
	Date             time.Time `gorm:"primaryKey"`
	Volatility       float64
	MaxDrawdown      float64
	Alpha            *float64
	Beta             *float64
	Sharpe           *float64
	Sortino          *float64
	TrackingError    *float64
	InformationRatio *float64
}

func (RiskRow) TableName() string { return "backtest_risk_days" }

// ResultRepository writes run results with GORM
type ResultRepository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewResultRepository creates a new GORM-based result repository
func NewResultRepository(db *gorm.DB, logger *zap.Logger) *ResultRepository {
	return &ResultRepository{db: db, logger: logger.Named("repository")}
}

// Migrate creates the result tables
func (r *ResultRepository) Migrate(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&RunRow{}, &PortfolioDayRow{}, &RiskRow{}, &TradeRow{}); err != nil {
		return fmt.Errorf("failed to migrate result tables: %w", err)
	}
	return nil
}

// StartRun registers a run, or marks an existing one running again on resume
func (r *ResultRepository) StartRun(ctx context.Context, meta report.Meta) error {
	row := &RunRow{ID: meta.RunID, Strategy: meta.Strategy, Frequency: meta.Frequency, Benchmark: meta.Benchmark, Status: RunStatusRunning}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"status", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		r.logger.Error("Failed to start run", zap.Error(err), zap.String("run_id", meta.RunID))
		return fmt.Errorf("failed to start run: %w", err)
	}
	return nil
}

// SetStatus updates the status of a run
func (r *ResultRepository) SetStatus(ctx context.Context, runID, status string) error {
	res := r.db.WithContext(ctx).Model(&RunRow{}).Where("id = ?", runID).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("failed to update run status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NotFound.Explain("run %s not found", runID)
	}
	return nil
}

// FinishRun stores the summary and marks the run finished
func (r *ResultRepository) FinishRun(ctx context.Context, summary report.Summary) error {
	data, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to encode summary: %w", err)
	}
	res := r.db.WithContext(ctx).Model(&RunRow{}).Where("id = ?", summary.RunID).
		Updates(map[string]any{"status": RunStatusFinished, "summary": string(data)})
	if res.Error != nil {
		return fmt.Errorf("failed to finish run: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NotFound.Explain("run %s not found", summary.RunID)
	}
	r.logger.Info("Run finished", zap.String("run_id", summary.RunID), zap.String("final_value", summary.FinalValue.String()))
	return nil
}

// Run returns the run row
func (r *ResultRepository) Run(ctx context.Context, runID string) (*RunRow, error) {
	var row RunRow
	err := r.db.WithContext(ctx).Where("id = ?", runID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, errors.NotFound.Explain("run %s not found", runID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read run: %w", err)
	}
	return &row, nil
}

// SaveDay writes one settled day in a single transaction. Saving the same
// day again replaces it.
func (r *ResultRepository) SaveDay(ctx context.Context, runID string, day report.Day) error {
	if day.Portfolio == nil {
		return errors.Invalid.Explain("day %s has no portfolio snapshot", day.Date.Format(time.DateOnly))
	}
	p := day.Portfolio
	portfolioRow := &PortfolioDayRow{
		RunID:           runID,
		Date:            day.Date,
		Cash:            p.Cash,
		MarketValue:     p.MarketValue,
		TotalValue:      p.TotalValue,
		StaticValue:     p.StaticValue,
		TransactionCost: p.TransactionCost,
		DailyReturns:    p.DailyReturns,
		TotalReturns:    p.TotalReturns,
		BenchmarkValue:  p.BenchmarkValue,
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(portfolioRow).Error; err != nil {
			return fmt.Errorf("portfolio: %w", err)
		}
		if day.Risk != nil {
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(riskRow(runID, day.Risk)).Error; err != nil {
				return fmt.Errorf("risk: %w", err)
			}
		}
		if len(day.Trades) > 0 {
			rows := make([]*TradeRow, 0, len(day.Trades))
			for _, t := range day.Trades {
				rows = append(rows, tradeRow(runID, t))
			}
			if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).CreateInBatches(rows, 200).Error; err != nil {
				return fmt.Errorf("trades: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		r.logger.Error("Failed to save day", zap.Error(err), zap.String("run_id", runID), zap.Time("date", day.Date))
		return fmt.Errorf("failed to save day: %w", err)
	}
	return nil
}

// Days returns the portfolio rows of a run in date order
func (r *ResultRepository) Days(ctx context.Context, runID string) ([]PortfolioDayRow, error) {
	var rows []PortfolioDayRow
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("date").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read portfolio days: %w", err)
	}
	return rows, nil
}

// RiskDays returns the risk rows of a run in date order
func (r *ResultRepository) RiskDays(ctx context.Context, runID string) ([]RiskRow, error) {
	var rows []RiskRow
	if err := r.db.WithContext(ctx).Where("run_id = ?", runID).Order("date").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to read risk days: %w", err)
	}
	return rows, nil
}

func riskRow(runID string, s *analytics.Snapshot) *RiskRow {
	return &RiskRow{
		RunID:            runID,
		Date:             s.Date,
		Volatility:       s.Volatility,
		MaxDrawdown:      s.MaxDrawdown,
		Alpha:            nullable(s.Alpha),
		Beta:             nullable(s.Beta),
		Sharpe:           nullable(s.Sharpe),
		Sortino:          nullable(s.Sortino),
		TrackingError:    nullable(s.TrackingError),
		InformationRatio: nullable(s.InformationRatio),
	}
}

func nullable(r analytics.Ratio) *float64 {
	if !r.Valid() {
		return nil
	}
	f := float64(r)
	return &f
}
