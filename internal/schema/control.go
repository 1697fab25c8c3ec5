package schema

import (
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// CommandType is the discriminator carried in the command field.
type CommandType string

const (
	CommandFlattenAll          CommandType = "flatten_all"
	CommandFlattenAllPositions CommandType = "flatten_all_positions"
	CommandTradingEnabled      CommandType = "trading_enabled"
	CommandStrategyUpdate      CommandType = "strategy_update"
	CommandConfigUpdate        CommandType = "config_update"
	CommandUpdateConfig        CommandType = "update_config"
	CommandSetMode             CommandType = "set_mode"
	CommandEmergencyStop       CommandType = "EMERGENCY_STOP"
	CommandEnableLiveTrading   CommandType = "enable_live_trading"
	CommandCancelAllOrders     CommandType = "cancel_all_orders"
	CommandPauseTrading        CommandType = "pause_trading"
	CommandResumeTrading       CommandType = "resume_trading"
)

// Command is a message exchanged over the command bus. Only the fields relevant to the
// command type are populated.
type Command struct {
	MessageID       string          `json:"message_id,omitempty"`
	Type            CommandType     `json:"command"`
	User            string          `json:"user,omitempty"`
	Enabled         *bool           `json:"enabled,omitempty"`
	Strategy        string          `json:"strategy,omitempty"`
	Status          string          `json:"status,omitempty"`
	Mode            string          `json:"mode,omitempty"`
	Config          json.RawMessage `json:"config,omitempty"`
	Reason          string          `json:"reason,omitempty"`
	Flatten         bool            `json:"flatten,omitempty"`
	ClearHalt       bool            `json:"clear_halt,omitempty"`
	ConfirmedBy     string          `json:"confirmed_by,omitempty"`
	DurationMinutes int             `json:"duration_minutes,omitempty"`
	Timestamp       time.Time       `json:"timestamp"`
}

// NewCommand stamps a command with a message id and timestamp.
func NewCommand(kind CommandType, now time.Time) Command {
	return Command{
		MessageID: uuid.NewString(),
		Type:      kind,
		Timestamp: now.UTC(),
	}
}

// WithConfig encodes cfg into the command's config field.
func (c Command) WithConfig(cfg any) (Command, error) {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return c, fmt.Errorf("encode command config: %w", err)
	}
	c.Config = raw
	return c, nil
}

// DecodeConfig unmarshals the config field into dest.
func (c Command) DecodeConfig(dest any) error {
	if len(c.Config) == 0 {
		return fmt.Errorf("command config empty")
	}
	if dest == nil {
		return fmt.Errorf("command config destination nil")
	}
	if err := json.Unmarshal(c.Config, dest); err != nil {
		return fmt.Errorf("command config decode: %w", err)
	}
	return nil
}

// EncodeCommand serialises a command for transport.
func EncodeCommand(cmd Command) ([]byte, error) {
	return json.Marshal(cmd)
}

// DecodeCommand parses a transported command.
func DecodeCommand(raw []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(raw, &cmd); err != nil {
		return Command{}, fmt.Errorf("decode command: %w", err)
	}
	if cmd.Type == "" {
		return Command{}, fmt.Errorf("decode command: missing command field")
	}
	return cmd, nil
}

// Heartbeat is the engine stats record published on every heartbeat tick.
type Heartbeat struct {
	EngineID         string    `json:"engine_id"`
	Timestamp        time.Time `json:"timestamp"`
	TradingEnabled   bool      `json:"trading_enabled"`
	Paused           bool      `json:"paused"`
	PositionsCount   int       `json:"positions_count"`
	PendingOrders    int       `json:"pending_orders"`
	RiskHalted       bool      `json:"risk_halted"`
	StrategiesActive int       `json:"strategies_active"`
	Mode             string    `json:"mode"`
	LiveAuthorized   bool      `json:"live_authorized"`
	UnhealthyTasks   []string  `json:"unhealthy_tasks,omitempty"`
}
