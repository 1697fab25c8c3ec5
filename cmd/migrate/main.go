// Command migrate applies or rolls back the journal schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/livecore/internal/config"
	"github.com/coachpo/livecore/internal/infra/persistence/migrations"
	"github.com/coachpo/livecore/internal/observability"
)

const defaultTimeout = 30 * time.Second

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", "", "PostgreSQL DSN (default: $"+config.EnvDatabaseDSN+")")
		dir     = fs.String("path", "", "Directory containing SQL migrations (default: embedded)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for database connectivity")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}

	target := strings.TrimSpace(*dsn)
	if target == "" {
		target = strings.TrimSpace(os.Getenv(config.EnvDatabaseDSN))
	}
	if target == "" {
		return errors.New("-database flag or " + config.EnvDatabaseDSN + " is required")
	}

	cmd, steps, err := parseCommand(fs.Args())
	if err != nil {
		return err
	}

	logger := zap.NewNop()
	if !*quiet {
		logger, err = observability.NewLogger(observability.Options{Level: "info", Format: "console", Name: "migrate"})
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if cmd == "down" {
		return migrations.Rollback(ctx, target, *dir, steps, logger)
	}
	return migrations.Apply(ctx, target, *dir, logger)
}

func parseCommand(args []string) (string, int, error) {
	if len(args) == 0 {
		return "", 0, errors.New("command required (up|down)")
	}
	switch args[0] {
	case "up":
		return "up", 0, nil
	case "down":
		steps := 1
		if len(args) > 1 {
			n, err := strconv.Atoi(args[1])
			if err != nil {
				return "", 0, fmt.Errorf("invalid down steps %q: %w", args[1], err)
			}
			if n <= 0 {
				return "", 0, fmt.Errorf("down steps must be positive, got %d", n)
			}
			steps = n
		}
		return "down", steps, nil
	default:
		return "", 0, fmt.Errorf("unknown command %q (expected up or down)", args[0])
	}
}
