package fees

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var (
	stock  = &model.Instrument{OrderBookID: "000001.XSHE", Type: model.InstrumentStock, RoundLot: 100, TickSize: d("0.01")}
	future = &model.Instrument{OrderBookID: "IF2401", Type: model.InstrumentFuture, RoundLot: 1,
		ContractMultiplier: d("300"), MarginRate: d("0.12"), TickSize: d("0.2")}
)

func TestStockCommissionMinimum(t *testing.T) {
	deciders := StockDeciders(DefaultConfig())

	small := &model.Trade{Side: model.SideBuy, Price: d("9.08"), Quantity: 100}
	commission, tax := deciders.TransactionCost(small, stock)
	assert.True(t, d("5").Equal(commission), "908 * 0.0008 is below the floor")
	assert.True(t, tax.IsZero(), "no tax on buys")

	big := &model.Trade{Side: model.SideSell, Price: d("10"), Quantity: 100000}
	commission, tax = deciders.TransactionCost(big, stock)
	assert.True(t, d("800").Equal(commission))
	assert.True(t, d("1000").Equal(tax))
}

func TestStockCommissionZeroRateIsFree(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StockCommissionRate = decimal.Zero
	commission := StockDeciders(cfg).Commission.Commission(&model.Trade{Side: model.SideBuy, Price: d("9.08"), Quantity: 1000}, stock)
	assert.True(t, commission.IsZero())
}

func TestFutureCommissionByMoney(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FutureOpenRate = d("0.0001")
	cfg.FutureCloseRate = d("0.0001")
	cfg.FutureCloseTodayRate = d("0.001")
	deciders := FutureDeciders(cfg)

	open := &model.Trade{Side: model.SideBuy, PositionEffect: model.EffectOpen, Price: d("3500"), Quantity: 2}
	assert.True(t, d("210").Equal(deciders.Commission.Commission(open, future)), "3500*2*300*0.0001")

	// one lot from yesterday, one from today
	closing := &model.Trade{Side: model.SideSell, PositionEffect: model.EffectClose, Price: d("3500"), Quantity: 2, CloseTodayQuantity: 1}
	assert.True(t, d("1155").Equal(deciders.Commission.Commission(closing, future)), "105 + 1050")
	assert.True(t, deciders.Tax.Tax(closing, future).IsZero())
}

func TestFutureCommissionByVolume(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FutureCommissionType = ByVolume
	cfg.FutureOpenRate = d("2.5")
	trade := &model.Trade{Side: model.SideSell, PositionEffect: model.EffectOpen, Price: d("3500"), Quantity: 4}
	assert.True(t, d("10").Equal(FutureDeciders(cfg).Commission.Commission(trade, future)))
}

func TestSlippage(t *testing.T) {
	ratio, err := NewSlippage(Config{SlippageModel: SlippagePriceRatio, Slippage: d("0.01")})
	require.NoError(t, err)
	assert.True(t, d("10.1").Equal(ratio.Apply(model.SideBuy, d("10"), stock)))
	assert.True(t, d("9.9").Equal(ratio.Apply(model.SideSell, d("10"), stock)))

	ticks, err := NewSlippage(Config{SlippageModel: SlippageTickSize, Slippage: d("2")})
	require.NoError(t, err)
	assert.True(t, d("3500.4").Equal(ticks.Apply(model.SideBuy, d("3500"), future)))
	assert.True(t, d("3499.6").Equal(ticks.Apply(model.SideSell, d("3500"), future)))
}

func TestConfigValidation(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Slippage = d("1.5")
	assert.True(t, errors.Is(cfg.Validate(), errors.Invalid))

	cfg = DefaultConfig()
	cfg.StockTaxRate = d("-0.001")
	assert.True(t, errors.Is(cfg.Validate(), errors.Invalid))

	cfg = DefaultConfig()
	cfg.FutureCommissionType = "by_mood"
	assert.True(t, errors.Is(cfg.Validate(), errors.Invalid))
}
