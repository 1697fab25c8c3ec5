package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/livecore/internal/app"
	"github.com/coachpo/livecore/internal/config"
	"github.com/coachpo/livecore/internal/controller"
	"github.com/coachpo/livecore/internal/scheduler"
)

func newController(t *testing.T) *controller.Controller {
	t.Helper()
	cfg := config.Default()
	backends, err := app.OpenBackends(context.Background(), cfg, nil)
	if err != nil {
		t.Fatalf("OpenBackends failed: %v", err)
	}
	t.Cleanup(backends.Close)
	ctrl, err := app.BuildController(cfg, backends, scheduler.New(), nil, nil)
	if err != nil {
		t.Fatalf("BuildController failed: %v", err)
	}
	ctrl.Start(context.Background())
	t.Cleanup(ctrl.Close)
	return ctrl
}

func TestRunPrintsConfirmationCode(t *testing.T) {
	var out bytes.Buffer
	if err := run([]string{"code"}, &out); err != nil {
		t.Fatalf("run failed: %v", err)
	}
	got := strings.TrimSpace(out.String())
	if got != controller.ConfirmationCode(time.Now()) {
		t.Fatalf("unexpected code %q", got)
	}
}

func TestParseFlagsRequiresCommand(t *testing.T) {
	var out bytes.Buffer
	if _, _, err := parseFlags([]string{"-flatten"}, &out); err == nil {
		t.Fatalf("expected an error without a command")
	}
	if !strings.Contains(out.String(), "usage: controller") {
		t.Fatalf("expected usage text, got %q", out.String())
	}
	opts, args, err := parseFlags([]string{"-flatten", "-actor", "alice", "stop", "bad", "fills"}, &out)
	if err != nil {
		t.Fatalf("parseFlags failed: %v", err)
	}
	if !opts.flatten || opts.actor != "alice" || len(args) != 3 {
		t.Fatalf("unexpected parse: %+v %v", opts, args)
	}
}

func TestDispatchStatus(t *testing.T) {
	ctrl := newController(t)
	var out bytes.Buffer
	follow, err := dispatch(context.Background(), ctrl, options{}, []string{"status"}, &out)
	if err != nil || follow {
		t.Fatalf("status: follow=%v err=%v", follow, err)
	}
	if !strings.Contains(out.String(), `"state": "initializing"`) {
		t.Fatalf("expected state in output, got %s", out.String())
	}
}

func TestDispatchRefusalsMapToExitCodes(t *testing.T) {
	ctrl := newController(t)
	var out bytes.Buffer

	_, err := dispatch(context.Background(), ctrl, options{}, []string{"live", "00000000"}, &out)
	if exitCode(err) != 3 {
		t.Fatalf("expected exit 3 for a bad code, got %d (%v)", exitCode(err), err)
	}
	_, err = dispatch(context.Background(), ctrl, options{}, []string{"canary"}, &out)
	if exitCode(err) != 4 {
		t.Fatalf("expected exit 4 for an illegal transition, got %d (%v)", exitCode(err), err)
	}
	if ctrl.State() != controller.StateInitializing {
		t.Fatalf("refusals must not change state, got %s", ctrl.State())
	}
}

func TestDispatchPauseFollowsWithTimer(t *testing.T) {
	ctrl := newController(t)
	var out bytes.Buffer
	follow, err := dispatch(context.Background(), ctrl, options{}, []string{"pause", "5"}, &out)
	if err != nil {
		t.Fatalf("pause failed: %v", err)
	}
	if !follow {
		t.Fatalf("a timed pause must keep the process running")
	}
	if ctrl.State() != controller.StatePaused {
		t.Fatalf("expected paused, got %s", ctrl.State())
	}
	follow, err = dispatch(context.Background(), ctrl, options{}, []string{"resume"}, &out)
	if err != nil || follow {
		t.Fatalf("resume: follow=%v err=%v", follow, err)
	}
}

func TestDispatchStopFlattens(t *testing.T) {
	ctrl := newController(t)
	var out bytes.Buffer
	if _, err := dispatch(context.Background(), ctrl, options{flatten: true}, []string{"stop", "bad", "fills"}, &out); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if ctrl.State() != controller.StateEmergencyStop {
		t.Fatalf("expected emergency stop, got %s", ctrl.State())
	}
	audit := ctrl.Status(1).Audit
	if len(audit) != 1 || audit[0].Details["reason"] != "bad fills" || audit[0].Details["flatten"] != "true" {
		t.Fatalf("unexpected audit: %+v", audit)
	}
}

func TestIntArg(t *testing.T) {
	if n, err := intArg(nil, 0, 7, "days"); err != nil || n != 7 {
		t.Fatalf("expected default 7, got %d %v", n, err)
	}
	if n, err := intArg([]string{"100", "14"}, 1, 7, "days"); err != nil || n != 14 {
		t.Fatalf("expected 14, got %d %v", n, err)
	}
	if _, err := intArg([]string{"-1"}, 0, 1, "size"); err == nil {
		t.Fatalf("expected negative values to be rejected")
	}
}

func TestUnknownCommand(t *testing.T) {
	ctrl := newController(t)
	if _, err := dispatch(context.Background(), ctrl, options{}, []string{"launch"}, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected an error for an unknown command")
	}
}
