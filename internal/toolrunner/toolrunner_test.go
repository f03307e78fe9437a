package toolrunner_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dropDatabas3/attestor/internal/toolrunner"
)

func deadlineCtx(t *testing.T, d time.Duration) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestRunZeroExit(t *testing.T) {
	r := toolrunner.NewLocal()
	res, err := r.Run(deadlineCtx(t, 5*time.Second), "true")
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 0 {
		t.Fatalf("exit = %d", res.ExitCode)
	}
}

func TestRunNonZeroExitIsVerdictNotError(t *testing.T) {
	r := toolrunner.NewLocal()
	res, err := r.Run(deadlineCtx(t, 5*time.Second), "false")
	if err != nil {
		t.Fatalf("nonzero exit must not be an error: %v", err)
	}
	if res.ExitCode == 0 {
		t.Fatal("expected nonzero exit code")
	}
}

func TestRunMissingBinaryIsUnavailable(t *testing.T) {
	r := toolrunner.NewLocal()
	_, err := r.Run(deadlineCtx(t, 5*time.Second), "definitely-not-a-binary-xyz")
	if !errors.Is(err, toolrunner.ErrToolUnavailable) {
		t.Fatalf("err = %v, want ErrToolUnavailable", err)
	}
}

func TestRunTimeout(t *testing.T) {
	r := toolrunner.NewLocal()
	_, err := r.Run(deadlineCtx(t, 100*time.Millisecond), "sleep", "5")
	if !errors.Is(err, toolrunner.ErrToolTimeout) {
		t.Fatalf("err = %v, want ErrToolTimeout", err)
	}
}

func TestRunRequiresDeadline(t *testing.T) {
	r := toolrunner.NewLocal()
	if _, err := r.Run(context.Background(), "true"); err == nil {
		t.Fatal("expected error for context without deadline")
	}
}
