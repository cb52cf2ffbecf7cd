// Package market provides market-code normalization and the market data
// adapter that feeds candles, prices, orderbooks and balances to the trading
// loops.
package market

import (
	"strings"
)

// Quote currencies recognized by Normalize, longest first so that
// concatenated codes split unambiguously.
var knownQuotes = []string{"USDT", "KRW", "BTC"}

// Normalize maps the accepted textual encodings of a market code onto the
// canonical QUOTE-BASE form the exchange uses:
//
//	"KRW-BTC"  -> "KRW-BTC"
//	"BTC/KRW"  -> "KRW-BTC"
//	"btckrw"   -> "KRW-BTC"
//	"KRWBTC"   -> "KRW-BTC"
//
// Unrecognized input is uppercased and returned as-is.
func Normalize(code string) string {
	s := strings.ToUpper(strings.TrimSpace(code))
	if s == "" {
		return s
	}

	if i := strings.IndexByte(s, '-'); i > 0 {
		return s
	}

	if i := strings.IndexByte(s, '/'); i > 0 {
		// BASE/QUOTE notation.
		return s[i+1:] + "-" + s[:i]
	}

	for _, q := range knownQuotes {
		if strings.HasPrefix(s, q) && len(s) > len(q) {
			return q + "-" + s[len(q):]
		}
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return q + "-" + s[:len(s)-len(q)]
		}
	}
	return s
}

// BaseCurrency returns the base currency of a normalized market code,
// e.g. "BTC" for "KRW-BTC". Returns the input when it has no separator.
func BaseCurrency(market string) string {
	if i := strings.IndexByte(market, '-'); i >= 0 {
		return market[i+1:]
	}
	return market
}

// QuoteCurrency returns the quote currency of a normalized market code,
// e.g. "KRW" for "KRW-BTC".
func QuoteCurrency(market string) string {
	if i := strings.IndexByte(market, '-'); i >= 0 {
		return market[:i]
	}
	return market
}
