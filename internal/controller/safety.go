package controller

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/notify"
	"github.com/coachpo/livecore/internal/schema"
)

// EmergencyStop halts trading from any state. Every stop command is attempted even when an
// earlier publish fails; the joined publish errors are returned.
func (c *Controller) EmergencyStop(ctx context.Context, reason string, flatten bool) error {
	if reason == "" {
		reason = "manual"
	}
	c.mu.Lock()
	c.cancelRampLocked()
	prev := c.transitionLocked(ctx, StateEmergencyStop)
	c.mu.Unlock()
	c.logger.Error("EMERGENCY STOP", zap.String("reason", reason), zap.Bool("flatten", flatten))

	stop := c.command(schema.CommandEmergencyStop)
	stop.Reason = reason
	stop.Flatten = flatten
	var errsOut error
	if err := c.publish(ctx, stop); err != nil {
		errsOut = errors.Join(errsOut, err)
	}
	if err := c.publish(ctx, c.command(schema.CommandCancelAllOrders)); err != nil {
		errsOut = errors.Join(errsOut, err)
	}
	if flatten {
		if err := c.publish(ctx, c.command(schema.CommandFlattenAllPositions)); err != nil {
			errsOut = errors.Join(errsOut, err)
		}
	}

	meta := map[string]string{
		"reason":     reason,
		"flatten":    strconv.FormatBool(flatten),
		"from_state": string(prev),
	}
	c.notifyContacts(ctx, notify.SeverityCritical, "EMERGENCY STOP", reason, meta)
	c.recordAudit(ctx, "emergency_stop", prev, StateEmergencyStop, meta)
	c.metrics.RecordEmergencyStop(ctx, flatten)
	if errsOut != nil {
		return errs.New("controller.EmergencyStop", errs.CodeUnavailable,
			errs.WithMessage("one or more stop commands were not delivered"),
			errs.WithCause(errsOut))
	}
	return nil
}

// PauseTrading pauses the engine. With minutes > 0 the controller resumes to the paused-from
// state afterwards, unless the pause was superseded in the meantime.
func (c *Controller) PauseTrading(ctx context.Context, minutes int) error {
	const op = "controller.PauseTrading"
	if minutes < 0 {
		return errs.Invalid(op, "duration must not be negative")
	}
	c.mu.Lock()
	if c.state == StateEmergencyStop || c.state == StatePaused {
		err := c.illegal(op, "pause trading")
		c.mu.Unlock()
		return err
	}
	c.pausedFrom = c.state
	prev := c.transitionLocked(ctx, StatePaused)
	gen := c.generation
	if minutes > 0 {
		cancel, err := c.sched.After("auto_resume", time.Duration(minutes)*time.Minute, func(ctx context.Context) {
			if err := c.resumeIf(ctx, gen); err != nil {
				c.logger.Warn("automatic resume failed", zap.Error(err))
			}
		})
		if err != nil {
			c.logger.Warn("schedule automatic resume failed", zap.Error(err))
		} else {
			c.cancelResume = cancel
		}
	}
	c.mu.Unlock()

	cmd := c.command(schema.CommandPauseTrading)
	cmd.DurationMinutes = minutes
	if err := c.publish(ctx, cmd); err != nil {
		return err
	}
	c.recordAudit(ctx, "pause_trading", prev, StatePaused, map[string]string{
		"duration_minutes": strconv.Itoa(minutes),
	})
	return nil
}

// Resume leaves the paused state and returns to the state it paused from.
func (c *Controller) Resume(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StatePaused {
		err := c.illegal("controller.Resume", "resume")
		c.mu.Unlock()
		return err
	}
	gen := c.generation
	c.mu.Unlock()
	return c.resumeIf(ctx, gen)
}

// resumeIf resumes only while the pause armed at gen is still in force, so a scheduled resume
// cannot override an emergency stop or a newer pause.
func (c *Controller) resumeIf(ctx context.Context, gen uint64) error {
	c.mu.Lock()
	if c.state != StatePaused || c.generation != gen {
		c.mu.Unlock()
		c.logger.Info("resume skipped, pause no longer current")
		return nil
	}
	target := c.pausedFrom
	if target == "" {
		target = StateInitializing
	}
	c.pausedFrom = ""
	prev := c.transitionLocked(ctx, target)
	var held []func(context.Context)
	if target == StateRamping {
		held = c.takeDeferredLocked()
	}
	c.mu.Unlock()

	err := c.publish(ctx, c.command(schema.CommandResumeTrading))
	if err == nil {
		c.recordAudit(ctx, "resume_trading", prev, target, nil)
	}
	for _, step := range held {
		step(ctx)
	}
	return err
}

// Restart returns a stopped or paused system to initializing and clears the risk halt.
// Trading stays disabled until the rollout is run again.
func (c *Controller) Restart(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.Interrupted() {
		err := c.illegal("controller.Restart", "restart")
		c.mu.Unlock()
		return err
	}
	c.cancelRampLocked()
	c.pausedFrom = ""
	c.shadowStartedAt = time.Time{}
	c.canaryStartedAt = time.Time{}
	prev := c.transitionLocked(ctx, StateInitializing)
	c.mu.Unlock()

	resume := c.command(schema.CommandResumeTrading)
	resume.ClearHalt = true
	if err := c.publish(ctx, resume); err != nil {
		return err
	}
	c.recordAudit(ctx, "restart", prev, StateInitializing, nil)
	return nil
}
