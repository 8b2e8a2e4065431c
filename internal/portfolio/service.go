package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/folio/ledger-service/internal/model"
	"github.com/folio/ledger-service/internal/money"
	"github.com/folio/ledger-service/internal/store"
)

// DefaultQuoteWorkers bounds concurrent quote lookups per request.
const DefaultQuoteWorkers = 8

var hundred = decimal.NewFromInt(100)

// HoldingView is one holding with instrument details and quote-derived
// values. Quote-derived fields are nil when no price is available.
type HoldingView struct {
	InstrumentID   string               `json:"instrument_id"`
	Symbol         string               `json:"symbol"`
	Name           string               `json:"full_name"`
	InstrumentType model.InstrumentType `json:"instrument_type"`
	Description    string               `json:"description,omitempty"`

	Quantity     decimal.Decimal `json:"quantity"`
	AveragePrice decimal.Decimal `json:"average_price"`
	CostBasis    decimal.Decimal `json:"cost_basis"`
	RealizedPnL  decimal.Decimal `json:"realized_pnl"`

	CurrentPrice         *decimal.Decimal `json:"current_price"`
	Currency             string           `json:"currency,omitempty"`
	MarketValue          *decimal.Decimal `json:"market_value"`
	UnrealizedPnL        *decimal.Decimal `json:"unrealized_pnl"`
	UnrealizedPnLPercent *decimal.Decimal `json:"unrealized_pnl_percent"`

	Display   HoldingDisplay `json:"display"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// HoldingDisplay carries currency-formatted strings for UI rendering.
type HoldingDisplay struct {
	AveragePrice  string `json:"average_price"`
	CostBasis     string `json:"cost_basis"`
	RealizedPnL   string `json:"realized_pnl"`
	CurrentPrice  string `json:"current_price,omitempty"`
	MarketValue   string `json:"market_value,omitempty"`
	UnrealizedPnL string `json:"unrealized_pnl,omitempty"`
}

// Summary totals a user's cash and holdings.
type Summary struct {
	UserID           string          `json:"user_id"`
	CashBalance      decimal.Decimal `json:"cash_balance"`
	MarketValue      decimal.Decimal `json:"market_value"`
	CostBasis        decimal.Decimal `json:"cost_basis"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	NetWorth         decimal.Decimal `json:"net_worth"`
	OpenPositions    int             `json:"open_positions"`
	UnpricedHoldings int             `json:"unpriced_holdings"`
	Display          SummaryDisplay  `json:"display"`
}

// SummaryDisplay carries currency-formatted Summary totals.
type SummaryDisplay struct {
	CashBalance   string `json:"cash_balance"`
	MarketValue   string `json:"market_value"`
	UnrealizedPnL string `json:"unrealized_pnl"`
	NetWorth      string `json:"net_worth"`
}

// Service builds holding views from a store and a quote source.
type Service struct {
	store   store.Store
	quotes  QuoteSource
	logger  *slog.Logger
	workers int
}

// NewService creates a reporting service. A nil logger uses slog.Default().
func NewService(st store.Store, quotes QuoteSource, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:   st,
		quotes:  quotes,
		logger:  logger,
		workers: DefaultQuoteWorkers,
	}
}

// Holdings returns one page of a user's holdings with quotes applied, and
// the total number of matching holdings.
func (s *Service) Holdings(ctx context.Context, f store.HoldingFilter) ([]HoldingView, int, error) {
	holdings, total, err := s.store.ListHoldings(ctx, f)
	if err != nil {
		return nil, 0, fmt.Errorf("list holdings: %w", err)
	}

	views := make([]HoldingView, len(holdings))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)
	for i := range holdings {
		g.Go(func() error {
			v, err := s.view(gctx, holdings[i])
			if err != nil {
				return err
			}
			views[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, 0, err
	}
	return views, total, nil
}

// Holding returns the view of one holding. store.ErrNotFound is returned
// when the user never bought the instrument.
func (s *Service) Holding(ctx context.Context, userID, instrumentID string) (*HoldingView, error) {
	h, err := s.store.GetHolding(ctx, userID, instrumentID)
	if err != nil {
		return nil, err
	}
	v, err := s.view(ctx, *h)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// Summary totals every holding of a user. Unpriced open holdings count at
// cost basis in NetWorth.
func (s *Service) Summary(ctx context.Context, userID string) (*Summary, error) {
	account, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		UserID:        userID,
		CashBalance:   account.CashBalance,
		MarketValue:   decimal.Zero,
		CostBasis:     decimal.Zero,
		RealizedPnL:   decimal.Zero,
		UnrealizedPnL: decimal.Zero,
	}
	for page := 1; ; page++ {
		views, total, err := s.Holdings(ctx, store.HoldingFilter{
			UserID: userID,
			Page:   store.Page{Number: page, Size: store.MaxPageSize},
		})
		if err != nil {
			return nil, err
		}
		for _, v := range views {
			sum.RealizedPnL = sum.RealizedPnL.Add(v.RealizedPnL)
			if v.Quantity.IsZero() {
				continue
			}
			sum.OpenPositions++
			sum.CostBasis = sum.CostBasis.Add(v.CostBasis)
			if v.MarketValue == nil {
				sum.UnpricedHoldings++
				sum.NetWorth = sum.NetWorth.Add(v.CostBasis)
				continue
			}
			sum.MarketValue = sum.MarketValue.Add(*v.MarketValue)
			sum.UnrealizedPnL = sum.UnrealizedPnL.Add(*v.UnrealizedPnL)
			sum.NetWorth = sum.NetWorth.Add(*v.MarketValue)
		}
		if len(views) == 0 || page*store.MaxPageSize >= total {
			break
		}
	}
	sum.NetWorth = sum.NetWorth.Add(sum.CashBalance)
	sum.Display = SummaryDisplay{
		CashBalance:   money.Format(sum.CashBalance),
		MarketValue:   money.Format(sum.MarketValue),
		UnrealizedPnL: money.Format(sum.UnrealizedPnL),
		NetWorth:      money.Format(sum.NetWorth),
	}
	return sum, nil
}

func (s *Service) view(ctx context.Context, h model.Holding) (HoldingView, error) {
	in, err := s.store.GetInstrument(ctx, h.InstrumentID)
	if err != nil {
		return HoldingView{}, fmt.Errorf("instrument %s: %w", h.InstrumentID, err)
	}

	v := HoldingView{
		InstrumentID:   h.InstrumentID,
		Symbol:         in.Symbol,
		Name:           in.Name,
		InstrumentType: in.Type,
		Description:    in.Description,
		Quantity:       h.Quantity,
		AveragePrice:   h.AveragePrice,
		CostBasis:      money.Money(h.AveragePrice.Mul(h.Quantity)),
		RealizedPnL:    h.RealizedPnL,
		UpdatedAt:      h.UpdatedAt,
	}
	v.Display = HoldingDisplay{
		AveragePrice: money.Format(v.AveragePrice),
		CostBasis:    money.Format(v.CostBasis),
		RealizedPnL:  money.Format(v.RealizedPnL),
	}

	q, err := s.quotes.Quote(ctx, in.Symbol)
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return HoldingView{}, ctx.Err()
	default:
		if !errors.Is(err, ErrNoQuote) {
			s.logger.Warn("quote lookup failed", "symbol", in.Symbol, "err", err)
		}
		return v, nil
	}

	price := q.LastPrice()
	value := money.Money(price.Mul(h.Quantity))
	unrealized := value.Sub(v.CostBasis)
	v.CurrentPrice = &price
	v.Currency = q.Currency
	v.MarketValue = &value
	v.UnrealizedPnL = &unrealized
	if !v.CostBasis.IsZero() {
		pct := money.Div(unrealized.Mul(hundred), v.CostBasis, 2)
		v.UnrealizedPnLPercent = &pct
	}

	v.Display.CurrentPrice = money.Format(price)
	v.Display.MarketValue = money.Format(value)
	v.Display.UnrealizedPnL = money.Format(unrealized)
	return v, nil
}
