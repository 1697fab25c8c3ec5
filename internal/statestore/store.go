// Package statestore is the shared key/value and list store engines and the controller use
// to publish state such as heartbeats, snapshots and signal logs.
package statestore

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/goccy/go-json"
)

// ErrNotFound is returned by Get for missing or expired keys.
var ErrNotFound = errors.New("statestore: key not found")

// Store is implemented by the memory and Redis backends. Lists are newest first.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Push prepends value to the list at key and trims it to max entries when max > 0.
	Push(ctx context.Context, key, value string, max int) error
	// Range returns up to n of the newest list entries.
	Range(ctx context.Context, key string, n int) ([]string, error)
	Len(ctx context.Context, key string) (int, error)
	// Delete removes values and lists. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
}

// SetJSON encodes v and stores it at key.
func SetJSON(ctx context.Context, s Store, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, key, string(data), ttl)
}

// GetJSON decodes the value at key into dest.
func GetJSON(ctx context.Context, s Store, key string, dest any) error {
	raw, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(raw), dest)
}

// PushJSON encodes v and prepends it to the list at key.
func PushJSON(ctx context.Context, s Store, key string, v any, max int) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Push(ctx, key, string(data), max)
}

// Well-known keys.
const (
	KeyMarketOpen       = "market:is_open"
	KeyLastBarTime      = "market:last_bar_time"
	KeyAccountSnapshot  = "account:snapshot"
	KeyBrokerStatus     = "broker:connection_status"
	KeyDatabaseStatus   = "database:status"
	KeyRiskLimits       = "risk:limits"
	KeyDailyPnL         = "trading:daily_pnl"
	KeyWeeklyPnL        = "trading:weekly_pnl"
	KeyWeekOpenEquity   = "trading:week_open_equity"
	KeyShadowIntents    = "shadow:intents"
	KeyCanaryTrades     = "canary:trades"
	KeyPreflightLatest  = "preflight:latest"
	KeyAuditLog         = "audit:log"
	KeyControllerState  = "controller:state"
	KeyKillSwitchTested = "kill_switch:tested"
	KeyBacktestResults  = "backtest:results"
	KeyAlertsConfigured = "alerts:configured"
	KeyMonitoringActive = "monitoring:active"
	KeyShadowStats      = "shadow:statistics"
	KeyCanaryStats      = "canary:statistics"
	KeyCanaryConfig     = "canary:config"
	KeyRampStats        = "ramp:statistics"
	KeySystemMode       = "system:mode"
)

// RampDayKey returns the key holding the scheduled config for ramp day d.
func RampDayKey(day int) string {
	return "ramp:day_" + strconv.Itoa(day)
}

// HeartbeatKey returns the heartbeat key for an engine id.
func HeartbeatKey(engineID string) string {
	return "engine:" + engineID + ":heartbeat"
}
