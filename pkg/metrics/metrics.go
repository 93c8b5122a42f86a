package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts orders handed to the matching engine by side (buy/sell)
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backtest_orders_submitted_total",
		Help: "Total number of orders submitted to the matching engine",
	},
	[]string{"side"},
)

// OrdersRejected counts rejections by validator name
var OrdersRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backtest_orders_rejected_total",
		Help: "Total number of orders rejected, by rejecting check",
	},
	[]string{"reason"},
)

// TradesExecuted counts fills by account kind
var TradesExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "backtest_trades_executed_total",
		Help: "Total number of simulated fills",
	},
	[]string{"account"},
)

// SettlementLatency records wall time spent in daily settlement
var SettlementLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "backtest_settlement_latency_seconds",
		Help:    "Latency in seconds of one settlement pass",
		Buckets: prometheus.DefBuckets,
	},
)

// Run progress
var (
	TradingDaysProcessed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "backtest_trading_days_processed_total",
			Help: "Number of trading days settled",
		},
	)

	PortfolioValue = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "backtest_portfolio_value",
			Help: "Portfolio total value after the latest settlement",
		},
	)
)

func init() {
	prometheus.MustRegister(OrdersSubmitted, OrdersRejected, TradesExecuted, SettlementLatency)
	prometheus.MustRegister(TradingDaysProcessed, PortfolioValue)
}

// WriteTextfile dumps the default registry in the node-exporter textfile format.
func WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, prometheus.DefaultGatherer)
}
