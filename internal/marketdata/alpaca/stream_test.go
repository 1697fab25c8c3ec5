package alpaca

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/livecore/internal/schema"
)

type recordingSink struct {
	mu     sync.Mutex
	trades []schema.Trade
	bars   []schema.Bar
	got    chan struct{}
}

func (r *recordingSink) HandleTrade(_ context.Context, trade schema.Trade) error {
	r.mu.Lock()
	r.trades = append(r.trades, trade)
	r.mu.Unlock()
	r.got <- struct{}{}
	return nil
}

func (r *recordingSink) HandleBar(_ context.Context, bar schema.Bar) bool {
	r.mu.Lock()
	r.bars = append(r.bars, bar)
	r.mu.Unlock()
	r.got <- struct{}{}
	return true
}

func TestDecodeFrames(t *testing.T) {
	raw := []byte(`[{"T":"t","S":"SPY","p":470.12,"s":100,"t":"2024-01-02T15:04:05.123456789Z"},{"T":"b","S":"QQQ","o":400,"h":401.5,"l":399.25,"c":401,"v":12000,"t":"2024-01-02T15:04:00Z"}]`)
	frames, err := decodeFrames(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("frames = %d", len(frames))
	}
	trade := frames[0].trade()
	if !trade.Price.Equal(decimal.RequireFromString("470.12")) || trade.Timestamp.Nanosecond() != 123456789 {
		t.Fatalf("unexpected trade %+v", trade)
	}
	bar := frames[1].bar()
	if bar.Timeframe != time.Minute || !bar.Low.Equal(decimal.RequireFromString("399.25")) {
		t.Fatalf("unexpected bar %+v", bar)
	}
}

func TestStreamAuthenticatesAndDispatches(t *testing.T) {
	var (
		mu  sync.Mutex
		sub map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer func() {
			_ = conn.Close(websocket.StatusNormalClosure, "")
		}()
		ctx := r.Context()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`[{"T":"success","msg":"connected"}]`))
		_, auth, err := conn.Read(ctx)
		if err != nil || !strings.Contains(string(auth), `"secret":"s"`) {
			return
		}
		_ = conn.Write(ctx, websocket.MessageText, []byte(`[{"T":"success","msg":"authenticated"}]`))
		_, raw, err := conn.Read(ctx)
		if err != nil {
			return
		}
		mu.Lock()
		_ = json.Unmarshal(raw, &sub)
		mu.Unlock()
		_ = conn.Write(ctx, websocket.MessageText, []byte(`[{"T":"t","S":"SPY","p":"10.5","s":"3","t":"2024-01-02T15:04:05Z"},{"T":"b","S":"SPY","o":1,"h":2,"l":1,"c":2,"v":5,"t":"2024-01-02T15:03:00Z"}]`))
		<-ctx.Done()
	}))
	defer srv.Close()

	sink := &recordingSink{got: make(chan struct{}, 4)}
	stream, err := New(Config{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		KeyID:     "k",
		SecretKey: "s",
		Symbols:   []string{"SPY"},
		Bars:      true,
	}, sink, nil)
	if err != nil {
		t.Fatalf("new stream: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case <-sink.got:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for market events")
		}
	}
	if !stream.Connected() || stream.Received() != 1 {
		t.Fatalf("connected=%v received=%d", stream.Connected(), stream.Received())
	}
	mu.Lock()
	if sub["action"] != "subscribe" || sub["bars"] == nil {
		t.Fatalf("unexpected subscribe request %v", sub)
	}
	mu.Unlock()
	sink.mu.Lock()
	if len(sink.trades) != 1 || len(sink.bars) != 1 || !sink.trades[0].Size.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("unexpected events trades=%+v bars=%+v", sink.trades, sink.bars)
	}
	sink.mu.Unlock()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not stop")
	}
}
