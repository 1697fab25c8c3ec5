package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/schema"
	"github.com/coachpo/livecore/internal/telemetry"
)

// DefaultHistorySize bounds the completed bars retained per series.
const DefaultHistorySize = 1000

// BarHandler consumes completed bars. Handlers run on the feeding goroutine and must not
// feed trades back into the Handler.
type BarHandler func(ctx context.Context, bar schema.Bar)

type seriesKey struct {
	symbol    string
	timeframe time.Duration
}

type series struct {
	agg      *Aggregator
	history  []schema.Bar
	lastSeal time.Time
}

// Stats summarises handler activity.
type Stats struct {
	Symbols         []string  `json:"symbols"`
	TradesProcessed int64     `json:"trades_processed"`
	BarsEmitted     int64     `json:"bars_emitted"`
	LateTrades      int64     `json:"late_trades"`
	LastBarAt       time.Time `json:"last_bar_at"`
}

// Handler owns the aggregators for every subscribed (symbol, timeframe) pair and notifies
// registered consumers of completed bars.
type Handler struct {
	feedMu sync.Mutex
	mu     sync.RWMutex

	historySize int
	series      map[seriesKey]*series
	subs        map[string][]time.Duration
	prices      map[string]decimal.Decimal

	handlersMu sync.RWMutex
	handlers   []BarHandler

	trades    atomic.Int64
	bars      atomic.Int64
	late      atomic.Int64
	lastBarAt atomic.Int64

	logger      *zap.Logger
	lateCounter metric.Int64Counter
	barCounter  metric.Int64Counter
}

// HandlerOption customises a Handler.
type HandlerOption func(*Handler)

// WithHistorySize bounds per-series history.
func WithHistorySize(n int) HandlerOption {
	return func(h *Handler) {
		if n > 0 {
			h.historySize = n
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs an empty market data handler.
func NewHandler(opts ...HandlerOption) *Handler {
	h := &Handler{
		historySize: DefaultHistorySize,
		series:      make(map[seriesKey]*series),
		subs:        make(map[string][]time.Duration),
		prices:      make(map[string]decimal.Decimal),
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	meter := otel.Meter("marketdata")
	h.lateCounter, _ = meter.Int64Counter("marketdata.trades.late",
		metric.WithDescription("Trades dropped because their bucket preceded the open bar"),
		metric.WithUnit("{trade}"))
	h.barCounter, _ = meter.Int64Counter("marketdata.bars.emitted",
		metric.WithDescription("Completed bars delivered to consumers"),
		metric.WithUnit("{bar}"))
	return h
}

// Subscribe registers symbol for the named timeframes. Subscribing twice is a no-op.
func (h *Handler) Subscribe(symbol string, timeframeNames ...string) error {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		return fmt.Errorf("subscribe: symbol required")
	}
	if len(timeframeNames) == 0 {
		timeframeNames = DefaultTimeframes
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, name := range timeframeNames {
		tf, err := ParseTimeframe(name)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", symbol, err)
		}
		key := seriesKey{symbol: symbol, timeframe: tf}
		if _, ok := h.series[key]; ok {
			continue
		}
		agg, err := NewAggregator(symbol, tf)
		if err != nil {
			return err
		}
		h.series[key] = &series{agg: agg}
		h.subs[symbol] = append(h.subs[symbol], tf)
	}
	return nil
}

// OnBar registers a consumer of completed bars.
func (h *Handler) OnBar(fn BarHandler) {
	if fn == nil {
		return
	}
	h.handlersMu.Lock()
	h.handlers = append(h.handlers, fn)
	h.handlersMu.Unlock()
}

// HandleTrade feeds one trade into every timeframe subscribed for its symbol. Completed bars
// are delivered to consumers before HandleTrade returns, so they precede any later trade.
// A late trade is dropped and reported as ErrLateTrade.
func (h *Handler) HandleTrade(ctx context.Context, trade schema.Trade) error {
	symbol := strings.ToUpper(strings.TrimSpace(trade.Symbol))
	h.feedMu.Lock()
	defer h.feedMu.Unlock()

	h.trades.Add(1)
	var (
		completed []schema.Bar
		late      bool
	)
	h.mu.Lock()
	for _, tf := range h.subs[symbol] {
		s := h.series[seriesKey{symbol: symbol, timeframe: tf}]
		if !s.lastSeal.IsZero() && !BucketStart(trade.Timestamp, tf).After(s.lastSeal) {
			late = true
			continue
		}
		bar, ok, err := s.agg.AddTrade(trade.Price, trade.Size, trade.Timestamp)
		if errors.Is(err, ErrLateTrade) {
			late = true
			continue
		}
		if ok && (s.lastSeal.IsZero() || bar.Start.After(s.lastSeal)) {
			h.record(s, bar)
			completed = append(completed, bar)
		}
	}
	if !late && trade.Price.IsPositive() {
		h.prices[symbol] = trade.Price
	}
	h.mu.Unlock()

	if late {
		h.late.Add(1)
		if h.lateCounter != nil {
			h.lateCounter.Add(ctx, 1, metric.WithAttributes(telemetry.AttrSymbol.String(symbol)))
		}
		h.logger.Debug("late trade dropped", zap.String("symbol", symbol), zap.Time("ts", trade.Timestamp))
	}
	h.dispatch(ctx, completed)
	if late {
		return ErrLateTrade
	}
	return nil
}

// HandleBar accepts a bar built upstream. Bars at or before the last bar emitted for the same
// series are ignored so no bucket is delivered twice. An open trade bar for the same or an
// earlier bucket is discarded.
func (h *Handler) HandleBar(ctx context.Context, bar schema.Bar) bool {
	bar.Symbol = strings.ToUpper(strings.TrimSpace(bar.Symbol))
	h.feedMu.Lock()
	defer h.feedMu.Unlock()

	h.mu.Lock()
	key := seriesKey{symbol: bar.Symbol, timeframe: bar.Timeframe}
	s, ok := h.series[key]
	if !ok {
		agg, err := NewAggregator(bar.Symbol, bar.Timeframe)
		if err != nil {
			h.mu.Unlock()
			return false
		}
		s = &series{agg: agg}
		h.series[key] = s
	}
	if !s.lastSeal.IsZero() && !bar.Start.After(s.lastSeal) {
		h.mu.Unlock()
		return false
	}
	h.record(s, bar)
	if s.agg.DiscardThrough(bar.Start) {
		h.logger.Debug("open bar superseded by upstream bar",
			zap.String("symbol", bar.Symbol), zap.Time("start", bar.Start))
	}
	if bar.Close.IsPositive() {
		h.prices[bar.Symbol] = bar.Close
	}
	h.mu.Unlock()

	h.dispatch(ctx, []schema.Bar{bar})
	return true
}

// Bars returns up to n most recent completed bars for the series, oldest first.
func (h *Handler) Bars(symbol, timeframe string, n int) ([]schema.Bar, error) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return nil, err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.series[seriesKey{symbol: strings.ToUpper(symbol), timeframe: tf}]
	if !ok {
		return nil, nil
	}
	history := s.history
	if n > 0 && n < len(history) {
		history = history[len(history)-n:]
	}
	out := make([]schema.Bar, len(history))
	copy(out, history)
	return out, nil
}

// CurrentBar returns the open bar for the series, if any trade has arrived.
func (h *Handler) CurrentBar(symbol, timeframe string) (schema.Bar, bool) {
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return schema.Bar{}, false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.series[seriesKey{symbol: strings.ToUpper(symbol), timeframe: tf}]
	if !ok {
		return schema.Bar{}, false
	}
	return s.agg.Current()
}

// LastPrice returns the most recent trade price or bar close seen for symbol.
func (h *Handler) LastPrice(symbol string) (decimal.Decimal, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	px, ok := h.prices[strings.ToUpper(symbol)]
	return px, ok
}

// Stats reports handler counters.
func (h *Handler) Stats() Stats {
	h.mu.RLock()
	symbols := make([]string, 0, len(h.subs))
	for symbol := range h.subs {
		symbols = append(symbols, symbol)
	}
	h.mu.RUnlock()
	sort.Strings(symbols)

	stats := Stats{
		Symbols:         symbols,
		TradesProcessed: h.trades.Load(),
		BarsEmitted:     h.bars.Load(),
		LateTrades:      h.late.Load(),
	}
	if ts := h.lastBarAt.Load(); ts != 0 {
		stats.LastBarAt = time.Unix(0, ts).UTC()
	}
	return stats
}

func (h *Handler) record(s *series, bar schema.Bar) {
	s.lastSeal = bar.Start
	if len(s.history) >= h.historySize {
		copy(s.history, s.history[1:])
		s.history[len(s.history)-1] = bar
		return
	}
	s.history = append(s.history, bar)
}

func (h *Handler) dispatch(ctx context.Context, bars []schema.Bar) {
	if len(bars) == 0 {
		return
	}
	h.handlersMu.RLock()
	handlers := append([]BarHandler(nil), h.handlers...)
	h.handlersMu.RUnlock()

	for _, bar := range bars {
		h.bars.Add(1)
		h.lastBarAt.Store(time.Now().UnixNano())
		if h.barCounter != nil {
			h.barCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrSymbol.String(bar.Symbol),
				telemetry.AttrTimeframe.String(TimeframeName(bar.Timeframe))))
		}
		for _, fn := range handlers {
			fn(ctx, bar)
		}
	}
}
