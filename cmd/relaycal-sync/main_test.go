package main

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relaycal/internal/calsync"
)

func TestFloatEnvParsesValue(t *testing.T) {
	t.Setenv("RELAYCAL_TEST_FLOAT", "0.35")
	if got := floatEnv("RELAYCAL_TEST_FLOAT", 0.1); got != 0.35 {
		t.Fatalf("expected 0.35, got %f", got)
	}
}

func TestFloatEnvFallsBackOnInvalid(t *testing.T) {
	t.Setenv("RELAYCAL_TEST_FLOAT_BAD", "oops")
	if got := floatEnv("RELAYCAL_TEST_FLOAT_BAD", 0.25); got != 0.25 {
		t.Fatalf("expected fallback 0.25, got %f", got)
	}
}

func TestClampJitterRatio(t *testing.T) {
	if got := clampJitterRatio(-0.1); got != 0 {
		t.Fatalf("expected clamp to 0, got %f", got)
	}
	if got := clampJitterRatio(1.5); got != 1 {
		t.Fatalf("expected clamp to 1, got %f", got)
	}
}

func TestJitteredIntervalWithSample(t *testing.T) {
	base := 5 * time.Minute
	if got := jitteredIntervalWithSample(base, 0, 0.9); got != base {
		t.Fatalf("expected no jitter interval %s, got %s", base, got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 4*time.Minute {
		t.Fatalf("expected min jitter interval 4m, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 6*time.Minute {
		t.Fatalf("expected max jitter interval 6m, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.2, 1); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}

func TestLogResultReportsErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	logResult(logger, calsync.SyncResult{
		ErrorCount: 1,
		Errors: []calsync.SyncError{{
			Type:      calsync.ErrorNetwork,
			Provider:  "icloud",
			Message:   "dial tcp: timeout",
			Retryable: true,
		}},
	})
	out := buf.String()
	if !strings.Contains(out, "provider=icloud") || !strings.Contains(out, "sync cycle finished with errors") {
		t.Fatalf("unexpected log output %q", out)
	}

	buf.Reset()
	logResult(logger, calsync.SyncResult{Skipped: true})
	if !strings.Contains(buf.String(), "sync skipped") {
		t.Fatalf("expected skipped message, got %q", buf.String())
	}
}
