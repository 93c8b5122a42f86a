package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

const barsTable = "bars"

// InstrumentRow is the persisted form of model.Instrument
type InstrumentRow struct {
	OrderBookID        string          `gorm:"primaryKey;size:32"`
	Symbol             string          `gorm:"size:64"`
	Type               string          `gorm:"size:16"`
	Exchange           string          `gorm:"size:16"`
	RoundLot           int64
	ContractMultiplier decimal.Decimal `gorm:"type:decimal(20,8)"`
	MarginRate         decimal.Decimal `gorm:"type:decimal(20,8)"`
	TickSize           decimal.Decimal `gorm:"type:decimal(20,8)"`
	ListedDate         time.Time
	DeListedDate       *time.Time
	TradingHours       string `gorm:"type:text"` // JSON encoded []model.Session
}

func (InstrumentRow) TableName() string { return "instruments" }

// DividendRow is the persisted form of model.DividendRecord
type DividendRow struct {
	ID              uint   `gorm:"primaryKey"`
	OrderBookID     string `gorm:"index;size:32"`
	BookClosureDate time.Time
	PayableDate     time.Time
	CashPerShare    decimal.Decimal `gorm:"type:decimal(20,8)"`
}

func (DividendRow) TableName() string { return "dividends" }

// SplitRow is the persisted form of model.SplitRecord
type SplitRow struct {
	ID          uint   `gorm:"primaryKey"`
	OrderBookID string `gorm:"index;size:32"`
	ExDate      time.Time
	Ratio       decimal.Decimal `gorm:"type:decimal(20,8)"`
}

func (SplitRow) TableName() string { return "splits" }

// TradingDateRow is one exchange trading date
type TradingDateRow struct {
	Date time.Time `gorm:"primaryKey"`
}

func (TradingDateRow) TableName() string { return "trading_dates" }

// GormLoader reads historical data from SQL into a MemoryStore so that all
// lookups during the run stay in memory.
type GormLoader struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewGormLoader creates a loader over db
func NewGormLoader(db *gorm.DB, logger *zap.Logger) *GormLoader {
	return &GormLoader{db: db, logger: logger.Named("marketdata")}
}

// Migrate creates the market data tables
func (l *GormLoader) Migrate(ctx context.Context) error {
	db := l.db.WithContext(ctx)
	if err := db.AutoMigrate(&InstrumentRow{}, &DividendRow{}, &SplitRow{}, &TradingDateRow{}); err != nil {
		return fmt.Errorf("failed to migrate market data tables: %w", err)
	}
	if err := db.Table(barsTable).AutoMigrate(&model.Bar{}); err != nil {
		return fmt.Errorf("failed to migrate bars table: %w", err)
	}
	return nil
}

// SaveInstrument upserts instrument metadata
func (l *GormLoader) SaveInstrument(ctx context.Context, ins *model.Instrument) error {
	hours, err := json.Marshal(ins.TradingHours)
	if err != nil {
		return fmt.Errorf("failed to encode trading hours: %w", err)
	}
	row := &InstrumentRow{
		OrderBookID:        ins.OrderBookID,
		Symbol:             ins.Symbol,
		Type:               string(ins.Type),
		Exchange:           ins.Exchange,
		RoundLot:           ins.RoundLot,
		ContractMultiplier: ins.ContractMultiplier,
		MarginRate:         ins.MarginRate,
		TickSize:           ins.TickSize,
		ListedDate:         ins.ListedDate,
		TradingHours:       string(hours),
	}
	if !ins.DeListedDate.IsZero() {
		d := ins.DeListedDate
		row.DeListedDate = &d
	}
	if err := l.db.WithContext(ctx).Save(row).Error; err != nil {
		return fmt.Errorf("failed to save instrument %s: %w", ins.OrderBookID, err)
	}
	return nil
}

// SaveBars inserts bars in batches
func (l *GormLoader) SaveBars(ctx context.Context, bars []*model.Bar) error {
	if len(bars) == 0 {
		return nil
	}
	if err := l.db.WithContext(ctx).Table(barsTable).CreateInBatches(bars, 500).Error; err != nil {
		return fmt.Errorf("failed to save bars: %w", err)
	}
	return nil
}

// SaveDividend stores a dividend record
func (l *GormLoader) SaveDividend(ctx context.Context, d *model.DividendRecord) error {
	row := &DividendRow{OrderBookID: d.OrderBookID, BookClosureDate: d.BookClosureDate, PayableDate: d.PayableDate, CashPerShare: d.CashPerShare}
	return l.db.WithContext(ctx).Create(row).Error
}

// SaveSplit stores a split record
func (l *GormLoader) SaveSplit(ctx context.Context, sp *model.SplitRecord) error {
	row := &SplitRow{OrderBookID: sp.OrderBookID, ExDate: sp.ExDate, Ratio: sp.Ratio}
	return l.db.WithContext(ctx).Create(row).Error
}

// Load copies instruments, bars up to end, corporate actions and the trading
// calendar into store.
func (l *GormLoader) Load(ctx context.Context, store *MemoryStore, orderBookIDs []string, end time.Time) error {
	db := l.db.WithContext(ctx)

	var instruments []InstrumentRow
	if err := db.Where("order_book_id IN ?", orderBookIDs).Find(&instruments).Error; err != nil {
		return fmt.Errorf("failed to load instruments: %w", err)
	}
	if len(instruments) != len(orderBookIDs) {
		l.logger.Warn("Some instruments are missing from the database",
			zap.Strings("requested", orderBookIDs), zap.Int("found", len(instruments)))
	}
	for i := range instruments {
		ins, err := instruments[i].toModel()
		if err != nil {
			return err
		}
		store.AddInstrument(ins)
	}

	var bars []*model.Bar
	if err := db.Table(barsTable).Where("order_book_id IN ? AND datetime <= ?", orderBookIDs, end).
		Order("datetime").Find(&bars).Error; err != nil {
		return fmt.Errorf("failed to load bars: %w", err)
	}
	store.AddBars(bars...)

	var dividends []DividendRow
	if err := db.Where("order_book_id IN ?", orderBookIDs).Find(&dividends).Error; err != nil {
		return fmt.Errorf("failed to load dividends: %w", err)
	}
	for _, d := range dividends {
		store.AddDividend(&model.DividendRecord{OrderBookID: d.OrderBookID, BookClosureDate: d.BookClosureDate,
			PayableDate: d.PayableDate, CashPerShare: d.CashPerShare})
	}

	var splits []SplitRow
	if err := db.Where("order_book_id IN ?", orderBookIDs).Find(&splits).Error; err != nil {
		return fmt.Errorf("failed to load splits: %w", err)
	}
	for _, sp := range splits {
		store.AddSplit(&model.SplitRecord{OrderBookID: sp.OrderBookID, ExDate: sp.ExDate, Ratio: sp.Ratio})
	}

	var dates []TradingDateRow
	if err := db.Where("date <= ?", end).Find(&dates).Error; err != nil {
		return fmt.Errorf("failed to load trading dates: %w", err)
	}
	for _, d := range dates {
		store.SetTradingDates(d.Date)
	}

	l.logger.Info("Market data loaded",
		zap.Int("instruments", len(instruments)),
		zap.Int("bars", len(bars)),
		zap.Int("dividends", len(dividends)),
		zap.Int("splits", len(splits)))
	return nil
}

func (r *InstrumentRow) toModel() (*model.Instrument, error) {
	ins := &model.Instrument{
		OrderBookID:        r.OrderBookID,
		Symbol:             r.Symbol,
		Type:               model.InstrumentType(r.Type),
		Exchange:           r.Exchange,
		RoundLot:           r.RoundLot,
		ContractMultiplier: r.ContractMultiplier,
		MarginRate:         r.MarginRate,
		TickSize:           r.TickSize,
		ListedDate:         r.ListedDate,
	}
	if r.DeListedDate != nil {
		ins.DeListedDate = *r.DeListedDate
	}
	if r.TradingHours != "" {
		if err := json.Unmarshal([]byte(r.TradingHours), &ins.TradingHours); err != nil {
			return nil, fmt.Errorf("failed to decode trading hours of %s: %w", r.OrderBookID, err)
		}
	}
	return ins, nil
}
