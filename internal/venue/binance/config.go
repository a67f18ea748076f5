package binance

import (
	"strings"
	"time"
)

type Config struct {
	APIKey    string
	APISecret string

	RESTBaseURL string
	HTTPTimeout time.Duration

	// Symbols the account trades. Spot trade history can only be
	// listed per symbol, so Positions iterates this set.
	Symbols []string
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimSpace(out.RESTBaseURL)
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://api.binance.com"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	cleaned := make([]string, 0, len(out.Symbols))
	for _, s := range out.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s != "" {
			cleaned = append(cleaned, s)
		}
	}
	out.Symbols = cleaned
	return out
}
