// Package alpaca streams trades and minute bars from the Alpaca market data websocket into
// a marketdata handler.
package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/schema"
)

const (
	// DefaultURL is the IEX feed endpoint.
	DefaultURL = "wss://stream.data.alpaca.markets/v2/iex"

	readLimit            = 1 << 20
	maxReconnectInterval = 30 * time.Second
	authTimeout          = 10 * time.Second
)

// Sink receives decoded market events.
type Sink interface {
	HandleTrade(ctx context.Context, trade schema.Trade) error
	HandleBar(ctx context.Context, bar schema.Bar) bool
}

// Config holds stream settings.
type Config struct {
	URL       string
	KeyID     string
	SecretKey string
	Symbols   []string
	Bars      bool
}

// Stream maintains one authenticated websocket session, reconnecting with exponential backoff.
type Stream struct {
	cfg    Config
	sink   Sink
	logger *zap.Logger

	connected atomic.Bool
	lastMsg   atomic.Int64
	received  atomic.Uint64
}

// New constructs a stream feeding sink.
func New(cfg Config, sink Sink, logger *zap.Logger) (*Stream, error) {
	if sink == nil {
		return nil, fmt.Errorf("market stream: sink required")
	}
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if len(cfg.Symbols) == 0 {
		return nil, fmt.Errorf("market stream: at least one symbol required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{cfg: cfg, sink: sink, logger: logger}, nil
}

// Connected reports whether an authenticated session is live.
func (s *Stream) Connected() bool { return s.connected.Load() }

// LastMessageAt returns the receive time of the most recent data frame.
func (s *Stream) LastMessageAt() time.Time {
	ns := s.lastMsg.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

// Bars reports whether upstream minute bars are subscribed alongside trades.
func (s *Stream) Bars() bool { return s.cfg.Bars }

// Received counts data frames read since construction.
func (s *Stream) Received() uint64 { return s.received.Load() }

// Run keeps a session alive until ctx ends.
func (s *Stream) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectInterval

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := s.session(ctx, bo)
		s.connected.Store(false)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			s.logger.Warn("market stream session ended", zap.Error(err))
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxReconnectInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}

func (s *Stream) session(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	conn, _, err := websocket.Dial(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	defer func() {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()
	conn.SetReadLimit(readLimit)

	if err := s.handshake(ctx, conn); err != nil {
		return err
	}
	s.connected.Store(true)
	bo.Reset()
	s.logger.Info("market stream subscribed", zap.Strings("symbols", s.cfg.Symbols), zap.Bool("bars", s.cfg.Bars))
	return s.readLoop(ctx, conn)
}

func (s *Stream) handshake(ctx context.Context, conn *websocket.Conn) error {
	hsCtx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	if err := expectControl(hsCtx, conn, "connected"); err != nil {
		return err
	}
	if err := writeJSON(hsCtx, conn, map[string]any{"action": "auth", "key": s.cfg.KeyID, "secret": s.cfg.SecretKey}); err != nil {
		return err
	}
	if err := expectControl(hsCtx, conn, "authenticated"); err != nil {
		return err
	}
	sub := map[string]any{"action": "subscribe", "trades": s.cfg.Symbols}
	if s.cfg.Bars {
		sub["bars"] = s.cfg.Symbols
	}
	return writeJSON(hsCtx, conn, sub)
}

func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, net.ErrClosed) {
				return context.Canceled
			}
			if status := websocket.CloseStatus(err); status != -1 {
				if status == websocket.StatusNormalClosure {
					return nil
				}
				return fmt.Errorf("read: remote closed with status %d", status)
			}
			return fmt.Errorf("read: %w", err)
		}
		if msgType != websocket.MessageText {
			continue
		}
		s.lastMsg.Store(time.Now().UnixNano())
		s.received.Add(1)
		if err := s.dispatch(ctx, data); err != nil {
			s.logger.Warn("market stream frame rejected", zap.Error(err))
		}
	}
}

func (s *Stream) dispatch(ctx context.Context, data []byte) error {
	frames, err := decodeFrames(data)
	if err != nil {
		return err
	}
	for _, f := range frames {
		switch f.Type {
		case "t":
			if err := s.sink.HandleTrade(ctx, f.trade()); err != nil {
				s.logger.Debug("trade not applied", zap.String("symbol", f.Symbol), zap.Error(err))
			}
		case "b":
			s.sink.HandleBar(ctx, f.bar())
		case "error":
			s.logger.Error("market stream error", zap.Int("code", f.Code), zap.String("reason", f.Msg))
		}
	}
	return nil
}

// frame is the union of the stream's message shapes.
type frame struct {
	Type      string          `json:"T"`
	Symbol    string          `json:"S"`
	Price     decimal.Decimal `json:"p"`
	Size      decimal.Decimal `json:"s"`
	Open      decimal.Decimal `json:"o"`
	High      decimal.Decimal `json:"h"`
	Low       decimal.Decimal `json:"l"`
	Close     decimal.Decimal `json:"c"`
	Volume    decimal.Decimal `json:"v"`
	Timestamp time.Time       `json:"t"`
	Msg       string          `json:"msg"`
	Code      int             `json:"code"`
}

func (f frame) trade() schema.Trade {
	return schema.Trade{Symbol: f.Symbol, Price: f.Price, Size: f.Size, Timestamp: f.Timestamp.UTC()}
}

func (f frame) bar() schema.Bar {
	return schema.Bar{
		Symbol:    f.Symbol,
		Timeframe: time.Minute,
		Start:     f.Timestamp.UTC(),
		Open:      f.Open,
		High:      f.High,
		Low:       f.Low,
		Close:     f.Close,
		Volume:    f.Volume,
	}
}

func decodeFrames(data []byte) ([]frame, error) {
	var frames []frame
	if err := json.Unmarshal(data, &frames); err != nil {
		return nil, fmt.Errorf("decode frames: %w", err)
	}
	return frames, nil
}

func expectControl(ctx context.Context, conn *websocket.Conn, want string) error {
	_, data, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("await %s: %w", want, err)
	}
	frames, err := decodeFrames(data)
	if err != nil {
		return err
	}
	for _, f := range frames {
		switch {
		case f.Type == "success" && f.Msg == want:
			return nil
		case f.Type == "error":
			return fmt.Errorf("stream %s failed: code=%d msg=%s", want, f.Code, f.Msg)
		}
	}
	return fmt.Errorf("stream: expected %s, got %s", want, string(data))
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
