package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by livecore instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrSymbol      = attribute.Key("symbol")
	AttrTimeframe   = attribute.Key("timeframe")
	AttrStrategy    = attribute.Key("strategy")
	AttrMode        = attribute.Key("mode")
	AttrOrderSide   = attribute.Key("order.side")
	AttrOrderStatus = attribute.Key("order.status")
	AttrReason      = attribute.Key("reason")
	AttrResult      = attribute.Key("result")
	AttrCommandType = attribute.Key("command.type")
	AttrTask        = attribute.Key("task")
	AttrState       = attribute.Key("state")
)

// Route outcome values.
const (
	OutcomeDropped  = "dropped"
	OutcomeRejected = "rejected"
	OutcomeShadowed = "shadowed"
	OutcomePlaced   = "placed"
	OutcomeFailed   = "failed"
)

// RouteAttributes returns the attribute set recorded for one routed intent.
func RouteAttributes(strategy, mode, symbol, outcome string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrStrategy.String(strategy),
		AttrMode.String(mode),
		AttrSymbol.String(symbol),
		AttrResult.String(outcome),
	}
}

// TaskAttributes returns attributes for scheduled task metrics.
func TaskAttributes(task, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrTask.String(task),
		AttrResult.String(result),
	}
}
