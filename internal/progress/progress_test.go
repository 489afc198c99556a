package progress

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"
)

func TestReaderCounts(t *testing.T) {
	tr := New(context.Background(), "basebackup", ModeNone, 0, 0)
	defer tr.Finish()

	data := strings.Repeat("x", 10000)
	var out bytes.Buffer
	if _, err := io.Copy(&out, tr.Reader(strings.NewReader(data))); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if tr.Bytes() != int64(len(data)) {
		t.Fatalf("counted %d bytes, want %d", tr.Bytes(), len(data))
	}
}

func TestPlainFinishIdempotent(t *testing.T) {
	tr := New(context.Background(), "basebackup", ModePlain, 100, 5*time.Millisecond)
	tr.Add(50)
	time.Sleep(20 * time.Millisecond)
	tr.Finish()
	tr.Finish()
}

func TestValidMode(t *testing.T) {
	for _, m := range []string{"auto", "bar", "plain", "none"} {
		if !ValidMode(m) {
			t.Errorf("%s must be valid", m)
		}
	}
	if ValidMode("fancy") {
		t.Errorf("unknown mode accepted")
	}
	if Resolve(ModeNone) != ModeNone {
		t.Errorf("explicit modes must not be rewritten")
	}
}
