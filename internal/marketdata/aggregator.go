// Package marketdata turns trade prints into fixed-width bars and fans completed bars out to consumers.
package marketdata

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/livecore/internal/schema"
)

// ErrLateTrade is returned for trades whose bucket precedes the open bar's bucket.
// Late trades are dropped; emitted bars are never revised.
var ErrLateTrade = errors.New("trade precedes open bar bucket")

// Supported timeframes keyed by their short names.
var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"1h":  time.Hour,
	"1d":  24 * time.Hour,
}

// DefaultTimeframes is the subscription used when none is configured.
var DefaultTimeframes = []string{"1m", "5m", "15m"}

// ParseTimeframe resolves a short timeframe name such as "5m".
func ParseTimeframe(name string) (time.Duration, error) {
	tf, ok := timeframes[strings.TrimSpace(name)]
	if !ok {
		return 0, fmt.Errorf("unsupported timeframe %q", name)
	}
	return tf, nil
}

// TimeframeName renders a duration back to its short name.
func TimeframeName(tf time.Duration) string {
	for name, d := range timeframes {
		if d == tf {
			return name
		}
	}
	return tf.String()
}

// BucketStart floors ts to the start of its timeframe bucket, measured from the Unix epoch.
func BucketStart(ts time.Time, tf time.Duration) time.Time {
	width := tf.Nanoseconds()
	n := ts.UnixNano()
	floor := n - n%width
	if n < 0 && n%width != 0 {
		floor -= width
	}
	return time.Unix(0, floor).UTC()
}

// Aggregator accumulates trades for one (symbol, timeframe) pair. It holds at most one open bar.
// Aggregator is not safe for concurrent use; Handler serialises access.
type Aggregator struct {
	symbol    string
	timeframe time.Duration
	open      *schema.Bar
}

// NewAggregator constructs an aggregator for symbol at the given timeframe.
func NewAggregator(symbol string, timeframe time.Duration) (*Aggregator, error) {
	symbol = strings.TrimSpace(symbol)
	if symbol == "" {
		return nil, fmt.Errorf("aggregator symbol required")
	}
	if timeframe <= 0 {
		return nil, fmt.Errorf("aggregator timeframe must be positive")
	}
	return &Aggregator{symbol: symbol, timeframe: timeframe}, nil
}

// AddTrade folds a trade into the open bar. When the trade opens a new bucket the previous
// bar is sealed and returned with ok set.
func (a *Aggregator) AddTrade(price, size decimal.Decimal, ts time.Time) (schema.Bar, bool, error) {
	bucket := BucketStart(ts, a.timeframe)
	if a.open == nil {
		a.seed(bucket, price, size)
		return schema.Bar{}, false, nil
	}
	switch {
	case bucket.Equal(a.open.Start):
		if price.GreaterThan(a.open.High) {
			a.open.High = price
		}
		if price.LessThan(a.open.Low) {
			a.open.Low = price
		}
		a.open.Close = price
		a.open.Volume = a.open.Volume.Add(size)
		return schema.Bar{}, false, nil
	case bucket.Before(a.open.Start):
		return schema.Bar{}, false, ErrLateTrade
	default:
		completed := *a.open
		a.seed(bucket, price, size)
		return completed, true, nil
	}
}

// Current returns a copy of the open bar.
func (a *Aggregator) Current() (schema.Bar, bool) {
	if a.open == nil {
		return schema.Bar{}, false
	}
	return *a.open, true
}

// DiscardThrough drops the open bar when it starts at or before cutoff.
func (a *Aggregator) DiscardThrough(cutoff time.Time) bool {
	if a.open == nil || a.open.Start.After(cutoff) {
		return false
	}
	a.open = nil
	return true
}

func (a *Aggregator) seed(bucket time.Time, price, size decimal.Decimal) {
	a.open = &schema.Bar{
		Symbol:    a.symbol,
		Timeframe: a.timeframe,
		Start:     bucket,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    size,
	}
}
