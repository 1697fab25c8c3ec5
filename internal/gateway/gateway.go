// Package gateway defines the order gateway contract the engine trades through and the
// guard that enforces client order id idempotency and the per-order value ceiling.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/livecore/internal/schema"
)

// Gateway is a broker adapter.
type Gateway interface {
	Connect(ctx context.Context) error
	Account(ctx context.Context) (schema.Account, error)
	Positions(ctx context.Context) ([]schema.Position, error)
	PlaceOrder(ctx context.Context, intent schema.OrderIntent, clientOrderID string) (schema.OrderResult, error)
	CancelAllOrders(ctx context.Context) (int, error)
	CloseAllPositions(ctx context.Context) ([]schema.OrderResult, error)
	IsMarketOpen(ctx context.Context) (bool, error)
}

// ClientOrderID derives the idempotency key for an intent submitted at instant:
// "<strategy>_<symbol>_<YYYYMMDDhhmmssffffff>" in UTC.
func ClientOrderID(strategy, symbol string, instant time.Time) string {
	ts := instant.UTC()
	return fmt.Sprintf("%s_%s_%s%06d",
		strings.TrimSpace(strategy),
		strings.ToUpper(strings.TrimSpace(symbol)),
		ts.Format("20060102150405"),
		ts.Nanosecond()/int(time.Microsecond))
}
