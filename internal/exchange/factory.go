package exchange

import (
	"fmt"

	"pairwatch/internal/config"
)

// NewClient creates a new exchange client based on the feed configuration.
func NewClient(cfg config.FeedConfig) (Client, error) {
	switch cfg.Provider {
	case "binance":
		return NewBinanceClient(cfg.URL), nil
	case "kraken":
		return NewKrakenClient(cfg.URL), nil
	default:
		return nil, fmt.Errorf("unknown exchange: %s", cfg.Provider)
	}
}
