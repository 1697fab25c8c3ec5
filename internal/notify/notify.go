// Package notify delivers operational alerts to emergency contacts.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

func (s Severity) rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityError:
		return 2
	case SeverityCritical:
		return 3
	default:
		return 0
	}
}

// ParseSeverity converts a configured severity name. An empty name means info.
func ParseSeverity(raw string) (Severity, error) {
	switch s := Severity(strings.ToLower(strings.TrimSpace(raw))); s {
	case "":
		return SeverityInfo, nil
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return s, nil
	default:
		return "", fmt.Errorf("unknown severity %q", raw)
	}
}

// AtLeast reports whether s is as severe as min.
func (s Severity) AtLeast(min Severity) bool {
	return s.rank() >= min.rank()
}

// Alert is a single operational notification.
type Alert struct {
	ID         uuid.UUID         `json:"id"`
	Severity   Severity          `json:"severity"`
	Source     string            `json:"source"`
	Title      string            `json:"title"`
	Message    string            `json:"message"`
	Timestamp  time.Time         `json:"timestamp"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Resolved   bool              `json:"resolved"`
	ResolvedAt *time.Time        `json:"resolved_at,omitempty"`
}

// NewAlert builds an unresolved alert stamped at now.
func NewAlert(severity Severity, source, title, message string, now time.Time) Alert {
	return Alert{
		ID:        uuid.New(),
		Severity:  severity,
		Source:    strings.TrimSpace(source),
		Title:     strings.TrimSpace(title),
		Message:   message,
		Timestamp: now.UTC(),
	}
}

// Resolve marks the alert resolved at now.
func (a Alert) Resolve(now time.Time) Alert {
	at := now.UTC()
	a.Resolved = true
	a.ResolvedAt = &at
	return a
}

// Notifier delivers alerts to one channel.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, alert Alert) error

func (f NotifierFunc) Notify(ctx context.Context, alert Alert) error { return f(ctx, alert) }

// LogNotifier writes alerts to the structured log at a level matching their severity.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier returns a notifier backed by logger.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger.Named("alerts")}
}

func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("alert_id", alert.ID.String()),
		zap.String("severity", string(alert.Severity)),
		zap.String("source", alert.Source),
		zap.String("message", alert.Message),
	}
	for k, v := range alert.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}
	switch alert.Severity {
	case SeverityCritical, SeverityError:
		n.logger.Error(alert.Title, fields...)
	case SeverityWarning:
		n.logger.Warn(alert.Title, fields...)
	default:
		n.logger.Info(alert.Title, fields...)
	}
	return nil
}

type channel struct {
	name     string
	notifier Notifier
	min      Severity
}

// Dispatcher fans an alert out to every channel whose minimum severity it meets.
// Delivery is concurrent; failures are joined into one error.
type Dispatcher struct {
	mu       sync.RWMutex
	channels []channel
	logger   *zap.Logger
}

// NewDispatcher returns a dispatcher with no channels.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{logger: logger}
}

// Add registers a channel receiving alerts at or above min.
func (d *Dispatcher) Add(name string, n Notifier, min Severity) {
	if n == nil {
		return
	}
	d.mu.Lock()
	d.channels = append(d.channels, channel{name: name, notifier: n, min: min})
	d.mu.Unlock()
}

// Len returns the number of registered channels.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.channels)
}

func (d *Dispatcher) Notify(ctx context.Context, alert Alert) error {
	d.mu.RLock()
	targets := make([]channel, 0, len(d.channels))
	for _, ch := range d.channels {
		if alert.Severity.AtLeast(ch.min) {
			targets = append(targets, ch)
		}
	}
	d.mu.RUnlock()
	if len(targets) == 0 {
		return nil
	}

	p := pool.New().WithErrors().WithMaxGoroutines(len(targets))
	for _, ch := range targets {
		ch := ch
		p.Go(func() error {
			if err := ch.notifier.Notify(ctx, alert); err != nil {
				d.logger.Warn("alert delivery failed",
					zap.String("channel", ch.name),
					zap.String("alert_id", alert.ID.String()),
					zap.Error(err))
				return fmt.Errorf("channel %s: %w", ch.name, err)
			}
			return nil
		})
	}
	return p.Wait()
}
