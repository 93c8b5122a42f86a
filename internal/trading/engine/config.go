package engine

import (
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

// Matching types select the reference price of a fill
const (
	MatchCurrentBar  = "current_bar"
	MatchNextBar     = "next_bar"
	MatchVWAP        = "vwap"
	MatchOpenAuction = "open_auction"
)

// Config holds matching engine settings
type Config struct {
	MatchingType string `yaml:"matching_type"`
	// VolumeLimit caps each fill at VolumePercent of the bar volume
	VolumeLimit   bool            `yaml:"volume_limit"`
	VolumePercent decimal.Decimal `yaml:"volume_percent"`
	// PriceLimit rejects market buys at limit up and market sells at limit down
	PriceLimit bool `yaml:"price_limit"`
}

// DefaultConfig matches at the current bar close with a 25% volume cap
func DefaultConfig() Config {
	return Config{
		MatchingType:  MatchCurrentBar,
		VolumeLimit:   true,
		VolumePercent: decimal.RequireFromString("0.25"),
		PriceLimit:    true,
	}
}

// Validate checks the matching settings
func (c Config) Validate() error {
	switch c.MatchingType {
	case MatchCurrentBar, MatchNextBar, MatchVWAP, MatchOpenAuction:
	default:
		return errors.Invalid.Explain("unknown matching type %q", c.MatchingType)
	}
	if c.VolumeLimit && (!c.VolumePercent.IsPositive() || c.VolumePercent.GreaterThan(decimal.NewFromInt(1))) {
		return errors.Invalid.Explain("volume percent must be in (0, 1], got %s", c.VolumePercent)
	}
	return nil
}
