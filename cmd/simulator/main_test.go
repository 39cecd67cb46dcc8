package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/signalsfoundry/hvac-convergence/internal/persistence"
)

const testScenario = `
air_system "ahu-1" {
  name            = "AHU-1"
  design_max_flow = %s
  supply_air_temp = 13
}

zone "z1" {
  air_system    = "ahu-1"
  sensible_load = -1500
  min_flow      = 0.08
}

zone "z2" {
  air_system    = "ahu-1"
  sensible_load = -800
  min_flow      = 0.08
}

environment "design day" {
  start            = "2025-07-21T00:00:00Z"
  timesteps        = 6
  warmup_timesteps = 2
}
`

func writeScenario(t *testing.T, designMax string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "building.hcl")
	if err := os.WriteFile(path, []byte(strings.Replace(testScenario, "%s", designMax, 1)), 0o600); err != nil {
		t.Fatalf("write scenario: %v", err)
	}
	return path
}

// TestRunRecordsHistory runs a small building end to end and checks the
// convergence history store.
func TestRunRecordsHistory(t *testing.T) {
	scenarioPath := writeScenario(t, "2")
	dbPath := filepath.Join(t.TempDir(), "runs.db")

	var out bytes.Buffer
	code := run(context.Background(), []string{
		"--max-iter=20", "--max-err-count=5",
		"--scenario", scenarioPath,
		"--store", dbPath,
		"--metrics-addr=",
		"--log-level=warn",
	}, &out)
	if code != 0 {
		t.Fatalf("exit code = %d, output:\n%s", code, out.String())
	}

	store, err := persistence.Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	runs, err := store.Runs(context.Background())
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %+v, err = %v", runs, err)
	}
	run := runs[0]
	if run.Timesteps != 8 || run.NotConverged != 0 || run.Failed || !run.FinishedAt.Valid {
		t.Fatalf("run = %+v", run)
	}
	channels, err := store.ReportChannels(context.Background(), run.ID)
	if err != nil || len(channels) != 4 {
		t.Fatalf("channels = %+v, err = %v", channels, err)
	}
}

func TestRunFailsOnInfeasibleFlowLimits(t *testing.T) {
	scenarioPath := writeScenario(t, "0.1")

	var out bytes.Buffer
	code := run(context.Background(), []string{
		"--max-iter=20", "--max-err-count=5",
		"--scenario", scenarioPath,
		"--metrics-addr=",
	}, &out)
	if code != 1 {
		t.Fatalf("exit code = %d, want 1; output:\n%s", code, out.String())
	}
	if !strings.Contains(out.String(), "simulation terminated") {
		t.Fatalf("expected a termination log line, got:\n%s", out.String())
	}
}

func TestRunRejectsMissingIterationLimits(t *testing.T) {
	var out bytes.Buffer
	if code := run(context.Background(), []string{"--scenario", writeScenario(t, "2"), "--metrics-addr="}, &out); code != 2 {
		t.Fatalf("exit code = %d, want 2", code)
	}
	if !strings.Contains(out.String(), "max_iter") {
		t.Fatalf("expected the missing key in output, got:\n%s", out.String())
	}
	if code := run(context.Background(), []string{"--no-such-flag"}, &out); code != 2 {
		t.Fatalf("exit code = %d for unknown flag, want 2", code)
	}
}
