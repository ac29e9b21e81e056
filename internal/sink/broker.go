package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"
)

// Order is a market order placed for one webhook request.
type Order struct {
	Symbol string
	Side   string
	Qty    decimal.Decimal
}

// Broker submits orders. Implementations return the broker order id.
type Broker interface {
	PlaceMarketOrder(ctx context.Context, order Order) (string, error)
}

// AlpacaOptions configure the Alpaca trading client.
type AlpacaOptions struct {
	APIKey    string
	APISecret string
	BaseURL   string
}

// AlpacaBroker places day market orders through the Alpaca trading API.
type AlpacaBroker struct {
	client *alpaca.Client
}

// NewAlpacaBroker builds a broker. BaseURL selects paper or live trading.
func NewAlpacaBroker(opts AlpacaOptions) (*AlpacaBroker, error) {
	if opts.APIKey == "" || opts.APISecret == "" {
		return nil, errors.New("alpaca api key and secret are required")
	}
	client := alpaca.NewClient(alpaca.ClientOpts{
		APIKey:    opts.APIKey,
		APISecret: opts.APISecret,
		BaseURL:   strings.TrimRight(opts.BaseURL, "/"),
	})
	return &AlpacaBroker{client: client}, nil
}

// PlaceMarketOrder implements Broker.
func (b *AlpacaBroker) PlaceMarketOrder(ctx context.Context, order Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	side := alpaca.Buy
	if order.Side == "sell" {
		side = alpaca.Sell
	}
	qty := order.Qty
	placed, err := b.client.PlaceOrder(alpaca.PlaceOrderRequest{
		Symbol:      order.Symbol,
		Qty:         &qty,
		Side:        side,
		Type:        alpaca.Market,
		TimeInForce: alpaca.Day,
	})
	if err != nil {
		return "", fmt.Errorf("alpaca place order: %w", err)
	}
	return placed.ID, nil
}

var _ Broker = (*AlpacaBroker)(nil)
