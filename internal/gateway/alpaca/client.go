// Package alpaca implements the order gateway contract against the Alpaca trading REST API.
package alpaca

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/gateway"
	"github.com/coachpo/livecore/internal/schema"
)

const (
	// PaperURL is the paper trading endpoint.
	PaperURL = "https://paper-api.alpaca.markets"
	// LiveURL is the live trading endpoint.
	LiveURL = "https://api.alpaca.markets"

	defaultTimeout    = 10 * time.Second
	defaultRatePerSec = 3
	defaultBurst      = 5
	defaultMaxTries   = 3
)

// Config holds connection settings.
type Config struct {
	BaseURL   string
	KeyID     string
	SecretKey string
	Timeout   time.Duration
	RateLimit float64
	Burst     int
	MaxTries  uint
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.BaseURL) == "" {
		c.BaseURL = PaperURL
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	if c.RateLimit <= 0 {
		c.RateLimit = defaultRatePerSec
	}
	if c.Burst <= 0 {
		c.Burst = defaultBurst
	}
	if c.MaxTries == 0 {
		c.MaxTries = defaultMaxTries
	}
	return c
}

// Client is an Alpaca REST gateway.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithLogger sets the client logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// New constructs a client. Credentials are required.
func New(cfg Config, opts ...Option) (*Client, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errs.Invalid("alpaca.New", "api key id and secret key required")
	}
	c := &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

var _ gateway.Gateway = (*Client)(nil)

// Connect verifies credentials by fetching the account.
func (c *Client) Connect(ctx context.Context) error {
	acct, err := c.Account(ctx)
	if err != nil {
		return err
	}
	c.logger.Info("connected to broker",
		zap.String("account", acct.ID),
		zap.String("equity", acct.Equity.StringFixed(2)))
	return nil
}

// Account implements gateway.Gateway.
func (c *Client) Account(ctx context.Context) (schema.Account, error) {
	var payload accountPayload
	if err := c.do(ctx, "alpaca.Account", http.MethodGet, "/v2/account", nil, &payload, true); err != nil {
		return schema.Account{}, err
	}
	return payload.toAccount(), nil
}

// Positions implements gateway.Gateway.
func (c *Client) Positions(ctx context.Context) ([]schema.Position, error) {
	var payload []positionPayload
	if err := c.do(ctx, "alpaca.Positions", http.MethodGet, "/v2/positions", nil, &payload, true); err != nil {
		return nil, err
	}
	out := make([]schema.Position, 0, len(payload))
	for _, p := range payload {
		out = append(out, p.toPosition())
	}
	return out, nil
}

// PlaceOrder implements gateway.Gateway. A client id the broker already knows yields a
// duplicate result.
func (c *Client) PlaceOrder(ctx context.Context, intent schema.OrderIntent, clientOrderID string) (schema.OrderResult, error) {
	const op = "alpaca.PlaceOrder"
	req := orderRequest{
		Symbol:        strings.ToUpper(intent.Symbol),
		Qty:           intent.Quantity.String(),
		Side:          string(intent.Side),
		Type:          string(intent.Type),
		TimeInForce:   "day",
		ClientOrderID: clientOrderID,
	}
	if intent.LimitPrice != nil {
		req.LimitPrice = intent.LimitPrice.String()
	}
	if intent.StopPrice != nil {
		req.StopPrice = intent.StopPrice.String()
	}
	var payload orderPayload
	err := c.do(ctx, op, http.MethodPost, "/v2/orders", req, &payload, false)
	if err != nil {
		var e *errs.E
		if errors.As(err, &e) && e.HTTP == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(e.Message), "client_order_id") {
			return schema.OrderResult{
				ClientOrderID: clientOrderID,
				Symbol:        req.Symbol,
				Side:          intent.Side,
				Status:        schema.OrderStatusDuplicate,
				Quantity:      intent.Quantity,
				Reason:        e.Message,
			}, nil
		}
		return schema.OrderResult{}, err
	}
	return payload.toResult(), nil
}

// CancelAllOrders implements gateway.Gateway.
func (c *Client) CancelAllOrders(ctx context.Context) (int, error) {
	var payload []json.RawMessage
	if err := c.do(ctx, "alpaca.CancelAllOrders", http.MethodDelete, "/v2/orders", nil, &payload, true); err != nil {
		return 0, err
	}
	return len(payload), nil
}

// CloseAllPositions implements gateway.Gateway.
func (c *Client) CloseAllPositions(ctx context.Context) ([]schema.OrderResult, error) {
	var payload []closePayload
	if err := c.do(ctx, "alpaca.CloseAllPositions", http.MethodDelete, "/v2/positions?cancel_orders=true", nil, &payload, true); err != nil {
		return nil, err
	}
	out := make([]schema.OrderResult, 0, len(payload))
	for _, p := range payload {
		res := p.Body.toResult()
		if res.Symbol == "" {
			res.Symbol = p.Symbol
		}
		if p.Status >= http.StatusBadRequest {
			res.Status = schema.OrderStatusRejected
		}
		out = append(out, res)
	}
	return out, nil
}

// IsMarketOpen implements gateway.Gateway.
func (c *Client) IsMarketOpen(ctx context.Context) (bool, error) {
	var payload struct {
		IsOpen bool `json:"is_open"`
	}
	if err := c.do(ctx, "alpaca.IsMarketOpen", http.MethodGet, "/v2/clock", nil, &payload, true); err != nil {
		return false, err
	}
	return payload.IsOpen, nil
}

// do sends one request. Idempotent requests are retried with exponential backoff on
// transport errors, 429 and 5xx responses.
func (c *Client) do(ctx context.Context, op, method, path string, body, out any, idempotent bool) error {
	var encoded []byte
	if body != nil {
		var err error
		encoded, err = json.Marshal(body)
		if err != nil {
			return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
		}
	}

	attempt := func() (struct{}, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		err := c.send(ctx, op, method, path, encoded, out)
		if err != nil && (!idempotent || !errs.Transient(err)) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	tries := c.cfg.MaxTries
	if !idempotent {
		tries = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	_, err := backoff.Retry(ctx, attempt, backoff.WithBackOff(bo), backoff.WithMaxTries(tries))
	return err
}

func (c *Client) send(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return errs.New(op, errs.CodeInvalid, errs.WithCause(err))
	}
	req.Header.Set("APCA-API-KEY-ID", c.cfg.KeyID)
	req.Header.Set("APCA-API-SECRET-KEY", c.cfg.SecretKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Connectivity(op, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.Connectivity(op, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return parseError(op, resp.StatusCode, raw)
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.New(op, errs.CodeBroker, errs.WithMessage("decode response"), errs.WithCause(err))
	}
	return nil
}

func parseError(op string, status int, body []byte) error {
	var apiErr struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	message := strings.TrimSpace(string(body))
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Message != "" {
		message = apiErr.Message
	}
	if message == "" {
		message = http.StatusText(status)
	}
	code := errs.CodeBroker
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = errs.CodeUnauthorized
	case status == http.StatusNotFound:
		code = errs.CodeNotFound
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		code = errs.CodeUnavailable
	}
	return errs.New(op, code, errs.WithHTTP(status), errs.WithMessage(message))
}

type accountPayload struct {
	ID                   string          `json:"id"`
	Equity               decimal.Decimal `json:"equity"`
	LastEquity           decimal.Decimal `json:"last_equity"`
	Cash                 decimal.Decimal `json:"cash"`
	BuyingPower          decimal.Decimal `json:"buying_power"`
	PortfolioValue       decimal.Decimal `json:"portfolio_value"`
	PatternDayTrader     bool            `json:"pattern_day_trader"`
	TradingBlocked       bool            `json:"trading_blocked"`
	AccountBlocked       bool            `json:"account_blocked"`
	TradeSuspendedByUser bool            `json:"trade_suspended_by_user"`
}

func (p accountPayload) toAccount() schema.Account {
	return schema.Account{
		ID:                   p.ID,
		Equity:               p.Equity,
		LastEquity:           p.LastEquity,
		Cash:                 p.Cash,
		BuyingPower:          p.BuyingPower,
		PortfolioValue:       p.PortfolioValue,
		PatternDayTrader:     p.PatternDayTrader,
		TradingBlocked:       p.TradingBlocked,
		AccountBlocked:       p.AccountBlocked,
		TradeSuspendedByUser: p.TradeSuspendedByUser,
	}
}

type positionPayload struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	Side          string          `json:"side"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	CurrentPrice  decimal.Decimal `json:"current_price"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

func (p positionPayload) toPosition() schema.Position {
	qty := p.Qty
	if p.Side == "short" && qty.IsPositive() {
		qty = qty.Neg()
	}
	return schema.Position{
		Symbol:        p.Symbol,
		Quantity:      qty,
		AvgEntryPrice: p.AvgEntryPrice,
		CurrentPrice:  p.CurrentPrice,
		UnrealizedPnL: p.UnrealizedPL,
	}
}

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type orderPayload struct {
	ID             string              `json:"id"`
	ClientOrderID  string              `json:"client_order_id"`
	Symbol         string              `json:"symbol"`
	Side           string              `json:"side"`
	Status         string              `json:"status"`
	Qty            decimal.Decimal     `json:"qty"`
	FilledQty      decimal.Decimal     `json:"filled_qty"`
	FilledAvgPrice decimal.NullDecimal `json:"filled_avg_price"`
	SubmittedAt    time.Time           `json:"submitted_at"`
}

func (p orderPayload) toResult() schema.OrderResult {
	return schema.OrderResult{
		ID:             p.ID,
		ClientOrderID:  p.ClientOrderID,
		Symbol:         p.Symbol,
		Side:           schema.Side(p.Side),
		Status:         mapStatus(p.Status),
		Quantity:       p.Qty,
		FilledQty:      p.FilledQty,
		FilledAvgPrice: p.FilledAvgPrice.Decimal,
		SubmittedAt:    p.SubmittedAt,
	}
}

type closePayload struct {
	Symbol string       `json:"symbol"`
	Status int          `json:"status"`
	Body   orderPayload `json:"body"`
}

func mapStatus(raw string) schema.OrderStatus {
	switch strings.ToLower(raw) {
	case "new", "pending_new":
		return schema.OrderStatusNew
	case "partially_filled":
		return schema.OrderStatusPartiallyFilled
	case "filled":
		return schema.OrderStatusFilled
	case "canceled", "expired":
		return schema.OrderStatusCanceled
	case "rejected":
		return schema.OrderStatusRejected
	default:
		return schema.OrderStatusAccepted
	}
}
