package main

import (
	"strings"
	"testing"

	"github.com/coachpo/livecore/internal/config"
)

func TestParseCommand(t *testing.T) {
	cases := []struct {
		args  []string
		cmd   string
		steps int
		err   string
	}{
		{args: []string{"up"}, cmd: "up"},
		{args: []string{"down"}, cmd: "down", steps: 1},
		{args: []string{"down", "3"}, cmd: "down", steps: 3},
		{args: []string{"down", "x"}, err: "invalid down steps"},
		{args: []string{"down", "0"}, err: "must be positive"},
		{args: []string{"sideways"}, err: "unknown command"},
		{args: nil, err: "command required"},
	}
	for _, tc := range cases {
		cmd, steps, err := parseCommand(tc.args)
		if tc.err != "" {
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("%v: expected error containing %q, got %v", tc.args, tc.err, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%v: unexpected error %v", tc.args, err)
			continue
		}
		if cmd != tc.cmd || steps != tc.steps {
			t.Errorf("%v: expected %s/%d, got %s/%d", tc.args, tc.cmd, tc.steps, cmd, steps)
		}
	}
}

func TestRunRequiresDSN(t *testing.T) {
	t.Setenv(config.EnvDatabaseDSN, "")
	err := run([]string{"up"})
	if err == nil || !strings.Contains(err.Error(), "-database") {
		t.Fatalf("expected missing dsn error, got %v", err)
	}
}
