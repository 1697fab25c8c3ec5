package schema

import "fmt"

// StrategyMode selects how the execution router treats a strategy's approved intents.
type StrategyMode string

const (
	// ModeDisabled strategies are not polled; stray intents are dropped.
	ModeDisabled StrategyMode = "disabled"
	// ModeShadow records approved intents without submitting them.
	ModeShadow StrategyMode = "shadow"
	// ModeCanary submits approved intents at a capped quantity.
	ModeCanary StrategyMode = "canary"
	// ModeEnabled submits approved intents as requested.
	ModeEnabled StrategyMode = "enabled"
)

// ParseStrategyMode converts a command or config value into a mode.
func ParseStrategyMode(raw string) (StrategyMode, error) {
	switch mode := StrategyMode(raw); mode {
	case ModeDisabled, ModeShadow, ModeCanary, ModeEnabled:
		return mode, nil
	default:
		return "", fmt.Errorf("unknown strategy mode %q", raw)
	}
}
