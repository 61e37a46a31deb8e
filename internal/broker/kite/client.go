// Package kite implements domain.Broker against a Kite Connect style REST
// API (NSE equities, futures and options).
package kite

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mkotak/algodispatch/internal/domain"
)

// Compile-time interface check.
var _ domain.Broker = (*Client)(nil)

const (
	apiVersion  = "3"
	timeLayout  = "2006-01-02 15:04:05"
	defaultBase = "https://api.kite.trade"
)

// Config holds the API credentials and endpoint for the live broker.
type Config struct {
	BaseURL     string
	APIKey      string
	AccessToken string
	// Exchange is the order exchange segment, e.g. "NSE" or "NFO".
	Exchange string
}

// Client is the REST client for the live brokerage.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a live broker client. The per-request deadline comes
// from the caller's context; the transport timeout is only a backstop.
func NewClient(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBase
	}
	if cfg.Exchange == "" {
		cfg.Exchange = "NSE"
	}
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Name returns "kite".
func (c *Client) Name() string { return "kite" }

// PlaceOrder submits a regular-variety order and returns the broker order
// id. A rejection or missing order id is returned as an error; the engine
// never substitutes a simulated execution.
func (c *Client) PlaceOrder(ctx context.Context, req domain.OrderRequest) (string, error) {
	form := url.Values{}
	form.Set("exchange", c.exchangeFor(req.Symbol))
	form.Set("tradingsymbol", req.Symbol)
	form.Set("transaction_type", string(req.Side))
	form.Set("quantity", strconv.Itoa(req.Quantity))
	form.Set("order_type", string(req.Type))
	form.Set("product", string(req.Product))
	form.Set("validity", "DAY")
	if req.Type == domain.OrderTypeLimit {
		form.Set("price", strconv.FormatFloat(req.LimitPrice, 'f', 2, 64))
	}

	body, err := c.do(ctx, http.MethodPost, "/orders/regular", form)
	if err != nil {
		return "", fmt.Errorf("kite: place order %s: %w", req.Symbol, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("kite: decode order response: %w", err)
	}
	if resp.Status != "success" || resp.Data.OrderID == "" {
		return "", fmt.Errorf("kite: order %s: %s: %w", req.Symbol, resp.Message, domain.ErrBrokerRejected)
	}
	return resp.Data.OrderID, nil
}

// CancelOrder cancels a regular-variety order by id.
func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	body, err := c.do(ctx, http.MethodDelete, "/orders/regular/"+url.PathEscape(orderID), nil)
	if err != nil {
		return fmt.Errorf("kite: cancel order %s: %w", orderID, err)
	}

	var resp orderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("kite: decode cancel response: %w", err)
	}
	if resp.Status != "success" {
		return fmt.Errorf("kite: cancel %s: %s: %w", orderID, resp.Message, domain.ErrBrokerRejected)
	}
	return nil
}

// GetOrders returns the day's order book.
func (c *Client) GetOrders(ctx context.Context) ([]domain.BrokerOrder, error) {
	body, err := c.do(ctx, http.MethodGet, "/orders", nil)
	if err != nil {
		return nil, fmt.Errorf("kite: get orders: %w", err)
	}

	var resp ordersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("kite: decode orders: %w", err)
	}

	orders := make([]domain.BrokerOrder, 0, len(resp.Data))
	for _, o := range resp.Data {
		orders = append(orders, domain.BrokerOrder{
			OrderID:   o.OrderID,
			Symbol:    o.TradingSymbol,
			Side:      domain.Side(o.TransactionType),
			Quantity:  o.Quantity,
			AvgPrice:  o.AveragePrice,
			Status:    o.Status,
			PlacedAt:  parseKiteTime(o.OrderTimestamp),
			UpdatedAt: parseKiteTime(firstNonEmpty(o.ExchangeUpdate, o.OrderTimestamp)),
		})
	}
	return orders, nil
}

// GetPositions returns the net and day position books.
func (c *Client) GetPositions(ctx context.Context) (domain.BrokerPositions, error) {
	body, err := c.do(ctx, http.MethodGet, "/portfolio/positions", nil)
	if err != nil {
		return domain.BrokerPositions{}, fmt.Errorf("kite: get positions: %w", err)
	}

	var resp positionsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.BrokerPositions{}, fmt.Errorf("kite: decode positions: %w", err)
	}

	return domain.BrokerPositions{
		Net: convertPositions(resp.Data.Net),
		Day: convertPositions(resp.Data.Day),
	}, nil
}

// GetMargins returns the equity segment's available cash.
func (c *Client) GetMargins(ctx context.Context) (domain.Margins, error) {
	body, err := c.do(ctx, http.MethodGet, "/user/margins/equity", nil)
	if err != nil {
		return domain.Margins{}, fmt.Errorf("kite: get margins: %w", err)
	}

	var resp marginsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return domain.Margins{}, fmt.Errorf("kite: decode margins: %w", err)
	}
	return domain.Margins{AvailableCash: resp.Data.Available.Cash}, nil
}

// do performs an authenticated request and returns the raw body. Transport
// and 5xx failures surface as ErrBrokerUnavailable so callers can separate
// them from explicit rejections.
func (c *Client) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	var reqBody io.Reader
	if form != nil {
		reqBody = strings.NewReader(form.Encode())
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-Kite-Version", apiVersion)
	req.Header.Set("Authorization", "token "+c.cfg.APIKey+":"+c.cfg.AccessToken)
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrBrokerUnavailable)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("status %d: %w", resp.StatusCode, domain.ErrBrokerUnavailable)
	}
	if resp.StatusCode >= 400 {
		var env envelope
		_ = json.Unmarshal(body, &env)
		return nil, fmt.Errorf("status %d (%s): %s: %w", resp.StatusCode, env.ErrorType, env.Message, domain.ErrBrokerRejected)
	}
	return body, nil
}

// exchangeFor routes derivatives to NFO and everything else to the
// configured default segment.
func (c *Client) exchangeFor(symbol string) string {
	if domain.IsOption(symbol) || domain.IsIndexFuture(symbol) {
		return "NFO"
	}
	return c.cfg.Exchange
}

func convertPositions(in []kitePosition) []domain.BrokerPosition {
	out := make([]domain.BrokerPosition, 0, len(in))
	for _, p := range in {
		out = append(out, domain.BrokerPosition{
			Symbol:    p.TradingSymbol,
			Quantity:  p.Quantity,
			AvgPrice:  p.AveragePrice,
			LastPrice: p.LastPrice,
			PnL:       p.PnL,
		})
	}
	return out
}

func parseKiteTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
