package execx

import (
	"context"
	"strings"
	"testing"
	"time"
)

const (
	shell    = "sh"
	flagCmd  = "-c"
	outText  = "out"
	errText  = "oops"
	exitCode = 3
)

func TestRunCaptures(t *testing.T) {
	r, err := Local{}.Run(context.Background(), Spec{
		Name: shell,
		Args: []string{flagCmd, "echo " + outText + "; echo " + errText + " >&2"},
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if r.ExitCode != 0 || strings.TrimSpace(r.Stdout) != outText || strings.TrimSpace(r.Stderr) != errText {
		t.Fatalf("unexpected result: %+v", r)
	}
	if r.Duration <= 0 {
		t.Fatalf("duration not recorded")
	}
}

func TestRunNonzeroExit(t *testing.T) {
	r, err := Local{}.Run(context.Background(), Spec{
		Name: shell,
		Args: []string{flagCmd, "exit " + "3"},
	})
	if err != nil {
		t.Fatalf("nonzero exit should not be a Go error: %v", err)
	}
	if r.ExitCode != exitCode {
		t.Fatalf("exit code %d, want %d", r.ExitCode, exitCode)
	}
}

func TestRunMissingBinary(t *testing.T) {
	if _, err := (Local{}).Run(context.Background(), Spec{Name: "parsync-no-such-tool"}); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}

func TestRunTimeout(t *testing.T) {
	start := time.Now()
	_, err := Local{}.Run(context.Background(), Spec{
		Name:    shell,
		Args:    []string{flagCmd, "sleep 30"},
		Timeout: 100 * time.Millisecond,
	})
	if err == nil {
		t.Fatalf("expected timeout error")
	}
	if time.Since(start) > 5*time.Second {
		t.Fatalf("timeout not enforced")
	}
}

func TestRunDir(t *testing.T) {
	dir := t.TempDir()
	r, err := Local{}.Run(context.Background(), Spec{Name: "pwd", Dir: dir})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if strings.TrimSpace(r.Stdout) != dir {
		t.Fatalf("dir not honored: %q", r.Stdout)
	}
}
