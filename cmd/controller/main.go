// Command controller drives the production rollout: pre-flight checks, shadow, canary,
// ramp-up and live phases, plus emergency stop and pause. Commands that arm monitors or
// delayed work keep running in the foreground until interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/livecore/errs"
	"github.com/coachpo/livecore/internal/app"
	"github.com/coachpo/livecore/internal/config"
	"github.com/coachpo/livecore/internal/controller"
	"github.com/coachpo/livecore/internal/observability"
	"github.com/coachpo/livecore/internal/scheduler"
	"github.com/coachpo/livecore/internal/telemetry"
)

const (
	defaultConfigPath = "config/app.yaml"
	defaultCanarySize = 1
	defaultRampTarget = 100
	defaultRampDays   = 7
	defaultAuditTail  = 20
	closeTimeout      = 10 * time.Second
)

const usage = `usage: controller [flags] <command> [args]

commands:
  preflight                 run the pre-flight checklist
  test                      enter the testing phase
  shadow                    start shadow mode
  canary [size]             start canary mode with the given position size
  ramp [target] [days]      ramp position size up to target over days
  live <code>               enable live trading with today's confirmation code
  stop [reason...]          emergency stop (use -flatten to close positions)
  pause [minutes]           pause trading, resuming automatically after minutes
  resume                    resume a paused rollout
  restart                   clear a halt and return to initializing
  code                      print today's confirmation code
  status [tail]             print the controller status
  run                       restore state and keep monitors running
`

type options struct {
	configPath string
	actor      string
	flatten    bool
	follow     bool
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}

func parseFlags(argv []string, out io.Writer) (options, []string, error) {
	var opts options
	fs := flag.NewFlagSet("controller", flag.ContinueOnError)
	fs.SetOutput(out)
	fs.Usage = func() {
		fmt.Fprint(out, usage)
		fs.PrintDefaults()
	}
	fs.StringVar(&opts.configPath, "config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	fs.StringVar(&opts.actor, "actor", "", "Operator recorded in the audit trail")
	fs.BoolVar(&opts.flatten, "flatten", false, "Close all positions on emergency stop")
	fs.BoolVar(&opts.follow, "follow", false, "Keep monitors running after the command")
	if err := fs.Parse(argv); err != nil {
		return opts, nil, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return opts, nil, errors.New("command required")
	}
	return opts, fs.Args(), nil
}

func run(argv []string, out io.Writer) error {
	opts, args, err := parseFlags(argv, out)
	if err != nil {
		return err
	}
	if args[0] == "code" {
		fmt.Fprintln(out, controller.ConfirmationCode(time.Now()))
		return nil
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	appCfg, err := config.Load(ctx, resolveConfigPath(opts.configPath))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := observability.NewLogger(observability.Options{
		Level:  appCfg.Logging.Level,
		Format: appCfg.Logging.Format,
		Name:   "controller",
	})
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	provider, err := app.InitTelemetry(ctx, logger, appCfg)
	if err != nil {
		return err
	}
	defer shutdownTelemetry(logger, provider)

	backends, err := app.OpenBackends(ctx, appCfg, logger)
	if err != nil {
		return err
	}
	defer backends.Close()

	sched := scheduler.New(scheduler.WithLogger(logger))
	ctrl, err := app.BuildController(appCfg, backends, sched, logger, telemetry.NewControllerMetrics())
	if err != nil {
		return err
	}
	ctrl.Start(ctx)
	defer ctrl.Close()
	if err := ctrl.Restore(ctx); err != nil {
		return err
	}

	follow, err := dispatch(ctx, ctrl, opts, args, out)
	if err != nil {
		return err
	}
	if !follow && !opts.follow {
		return nil
	}
	logger.Info("controller running; awaiting shutdown signal", zap.String("state", string(ctrl.State())))
	<-ctx.Done()
	logger.Info("shutdown signal received", zap.String("state", string(ctrl.State())))
	return nil
}

// dispatch executes one command. It reports whether the command armed delayed work that
// only lives as long as this process.
func dispatch(ctx context.Context, ctrl *controller.Controller, opts options, args []string, out io.Writer) (bool, error) {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "preflight":
		res, err := ctrl.Preflight(ctx)
		if err != nil {
			return false, err
		}
		if err := printJSON(out, res); err != nil {
			return false, err
		}
		if !res.Passed {
			return false, fmt.Errorf("pre-flight failed: %s", strings.Join(res.Failures, ", "))
		}
		return false, nil
	case "test":
		return false, ctrl.BeginTesting(ctx)
	case "shadow":
		return false, ctrl.StartShadow(ctx)
	case "canary":
		size, err := intArg(rest, 0, defaultCanarySize, "size")
		if err != nil {
			return false, err
		}
		return false, ctrl.StartCanary(ctx, size)
	case "ramp":
		target, err := intArg(rest, 0, defaultRampTarget, "target")
		if err != nil {
			return false, err
		}
		days, err := intArg(rest, 1, defaultRampDays, "days")
		if err != nil {
			return false, err
		}
		return true, ctrl.GradualRampUp(ctx, target, days)
	case "live":
		if len(rest) == 0 {
			return false, errors.New("live: confirmation code required")
		}
		return false, ctrl.EnableLiveTrading(ctx, rest[0], opts.actor)
	case "stop":
		return false, ctrl.EmergencyStop(ctx, strings.Join(rest, " "), opts.flatten)
	case "pause":
		minutes, err := intArg(rest, 0, 0, "minutes")
		if err != nil {
			return false, err
		}
		return minutes > 0, ctrl.PauseTrading(ctx, minutes)
	case "resume":
		return false, ctrl.Resume(ctx)
	case "restart":
		return false, ctrl.Restart(ctx)
	case "status":
		tail, err := intArg(rest, 0, defaultAuditTail, "tail")
		if err != nil {
			return false, err
		}
		return false, printJSON(out, ctrl.Status(tail))
	case "run":
		return true, nil
	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
}

func intArg(args []string, i, def int, name string) (int, error) {
	if len(args) <= i {
		return def, nil
	}
	n, err := strconv.Atoi(args[i])
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid %s %q", name, args[i])
	}
	return n, nil
}

func printJSON(out io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(out, string(data))
	return err
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv(config.EnvConfigPath); env != "" {
		return env
	}
	return filepath.Clean(defaultConfigPath)
}

func shutdownTelemetry(logger *zap.Logger, provider *telemetry.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		logger.Warn("shutdown telemetry failed", zap.Error(err))
	}
}

// exitCode maps refusals to distinct exit statuses so scripts can tell a bad code from a
// failed gate.
func exitCode(err error) int {
	switch {
	case errs.Is(err, errs.CodeUnauthorized):
		return 3
	case errs.Is(err, errs.CodeConflict):
		return 4
	case errs.Is(err, errs.CodeInvalid):
		return 2
	default:
		return 1
	}
}
