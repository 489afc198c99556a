package process

import (
	"context"
	"strings"
	"testing"
)

func TestRunLoggedSuccess(t *testing.T) {
	res := RunLogged(context.Background(), "sh", "-c", "echo hello")
	if err := res.Error(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.TrimSpace(string(res.Stdout)) != "hello" {
		t.Fatalf("stdout mismatch: %q", res.Stdout)
	}
}

func TestRunLoggedExitCode(t *testing.T) {
	res := RunLogged(context.Background(), "sh", "-c", "echo broken >&2; exit 3")
	if res.ExitCode != 3 {
		t.Fatalf("want exit 3, got %d", res.ExitCode)
	}
	if ExitCode(res.Err) != 3 {
		t.Fatalf("ExitCode helper mismatch: %d", ExitCode(res.Err))
	}
	err := res.Error()
	if err == nil || !strings.Contains(err.Error(), "broken") {
		t.Fatalf("stderr must be part of the error, got %v", err)
	}
}

func TestBin(t *testing.T) {
	if Bin("", "pg_ctl") != "pg_ctl" {
		t.Fatalf("empty dir must keep bare name")
	}
	if Bin("/usr/lib/postgresql/16/bin/", "pg_ctl") != "/usr/lib/postgresql/16/bin/pg_ctl" {
		t.Fatalf("unexpected join: %s", Bin("/usr/lib/postgresql/16/bin/", "pg_ctl"))
	}
}
