// Package portfolio builds read-only holding views that layer live quotes
// over committed ledger state. Nothing here locks or writes; quotes are
// fetched outside any ledger transaction.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrNoQuote is returned when a QuoteSource has no price for a symbol.
var ErrNoQuote = errors.New("portfolio: no quote")

// Quote is a market price for one symbol.
type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	PreviousClose decimal.Decimal `json:"previous_close"`
	Currency      string          `json:"currency"`
	AsOf          time.Time       `json:"as_of"`
}

// LastPrice is the regular market price, falling back to the previous close
// when the market has not traded yet.
func (q Quote) LastPrice() decimal.Decimal {
	if q.Price.IsZero() && !q.PreviousClose.IsZero() {
		return q.PreviousClose
	}
	return q.Price
}

// QuoteSource provides market prices.
type QuoteSource interface {
	Quote(ctx context.Context, symbol string) (Quote, error)
}

// StaticQuotes is a fixed price table keyed by upper-case symbol.
type StaticQuotes map[string]decimal.Decimal

// Quote implements QuoteSource.
func (q StaticQuotes) Quote(_ context.Context, symbol string) (Quote, error) {
	price, ok := q[strings.ToUpper(symbol)]
	if !ok {
		return Quote{}, fmt.Errorf("%w for %s", ErrNoQuote, symbol)
	}
	return Quote{
		Symbol:   strings.ToUpper(symbol),
		Price:    price,
		Currency: "USD",
		AsOf:     time.Now().UTC(),
	}, nil
}

// ParseStaticQuotes parses "SYM=price,SYM=price". Empty input yields an
// empty table.
func ParseStaticQuotes(s string) (StaticQuotes, error) {
	quotes := make(StaticQuotes)
	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		sym, raw, ok := strings.Cut(pair, "=")
		sym = strings.ToUpper(strings.TrimSpace(sym))
		if !ok || sym == "" {
			return nil, fmt.Errorf("quote %q: want SYMBOL=price", pair)
		}
		price, err := decimal.NewFromString(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("quote %s: %w", sym, err)
		}
		if price.IsNegative() {
			return nil, fmt.Errorf("quote %s: negative price %s", sym, price)
		}
		quotes[sym] = price
	}
	return quotes, nil
}
