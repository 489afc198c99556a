package runctx

import (
	"errors"
	"os"
	"testing"
)

func TestRemovedAfterSuccess(t *testing.T) {
	rc, err := New("pgstandby_test", false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	f, err := rc.Create("pg_receivewal.log")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_ = f.Close()
	if _, err := os.Stat(rc.Path("pg_receivewal.log")); err != nil {
		t.Fatalf("log file missing: %v", err)
	}
	kept, err := rc.Close(nil)
	if err != nil || kept {
		t.Fatalf("close: kept=%v err=%v", kept, err)
	}
	if _, err := os.Stat(rc.Dir); !os.IsNotExist(err) {
		t.Fatalf("dir still exists")
	}
}

func TestKeptAfterFailure(t *testing.T) {
	rc, err := New("pgstandby_test", false)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer os.RemoveAll(rc.Dir)
	kept, err := rc.Close(errors.New("basebackup failed"))
	if err != nil || !kept {
		t.Fatalf("failed run must keep its files: kept=%v err=%v", kept, err)
	}
	if _, err := os.Stat(rc.Dir); err != nil {
		t.Fatalf("kept dir must survive: %v", err)
	}
}

func TestKeepRequested(t *testing.T) {
	rc, err := New("pgstandby_test", true)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer os.RemoveAll(rc.Dir)
	if kept, _ := rc.Close(nil); !kept {
		t.Fatalf("keep=true must preserve the dir")
	}
}
