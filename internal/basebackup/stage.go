package basebackup

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
)

// Pipeline stage names.
const (
	StageBaseBackup = "pg_basebackup"
	StageCompress   = "compress"
	StageTransport  = "transport"
	StageDecompress = "decompress"
	StageUnpack     = "tar"
)

// StageError reports one failed pipeline stage. Code is the process exit
// status, or -1 when the stage did not end with one.
type StageError struct {
	Stage string
	Code  int
	Err   error
}

func (e *StageError) Error() string {
	if e.Code >= 0 {
		return fmt.Sprintf("stage %s exited %d: %v", e.Stage, e.Code, e.Err)
	}
	return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// stageSet collects failures from concurrently running stages.
type stageSet struct {
	mu   sync.Mutex
	errs []*StageError
}

func (s *stageSet) fail(stage string, code int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, &StageError{Stage: stage, Code: code, Err: err})
}

// result aggregates failures. Failures caused only by the group cancelling the
// remaining stages are dropped when a root failure exists.
func (s *stageSet) result(induced func(error) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var root, all *multierror.Error
	for _, e := range s.errs {
		all = multierror.Append(all, e)
		if !induced(e.Err) {
			root = multierror.Append(root, e)
		}
	}
	if root.ErrorOrNil() != nil {
		return root
	}
	return all.ErrorOrNil()
}

// stderrCapture scans the remote stderr line by line, keeps the tail for
// diagnostics and extracts the status marker.
type stderrCapture struct {
	mu      sync.Mutex
	partial bytes.Buffer
	tail    []string
	codes   []int
	found   bool
}

const tailLines = 20

func (c *stderrCapture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.partial.Write(p)
	for {
		line, err := c.partial.ReadString('\n')
		if err != nil {
			// keep the incomplete line for the next write
			c.partial.Reset()
			c.partial.WriteString(line)
			break
		}
		c.line(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (c *stderrCapture) line(l string) {
	if codes, ok := parseMarker(l); ok {
		c.codes, c.found = codes, true
		return
	}
	if l == "" {
		return
	}
	slog.Debug("remote stderr", "line", l)
	c.tail = append(c.tail, l)
	if len(c.tail) > tailLines {
		c.tail = c.tail[len(c.tail)-tailLines:]
	}
}

// flush handles output that did not end with a newline.
func (c *stderrCapture) flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.partial.Len() > 0 {
		c.line(c.partial.String())
		c.partial.Reset()
	}
}

func (c *stderrCapture) status() ([]int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.codes, c.found
}

func (c *stderrCapture) Tail() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.tail, "\n")
}

var errStatusMissing = errors.New("remote pipeline did not report its exit status")

func parseMarker(line string) ([]int, bool) {
	sc := bufio.NewScanner(strings.NewReader(line))
	sc.Split(bufio.ScanWords)
	if !sc.Scan() || sc.Text() != statusMarker {
		return nil, false
	}
	var codes []int
	for sc.Scan() {
		n, err := strconv.Atoi(sc.Text())
		if err != nil {
			return nil, false
		}
		codes = append(codes, n)
	}
	if len(codes) != 2 {
		return nil, false
	}
	return codes, true
}

// FailedStages lists the stage failures carried by err.
func FailedStages(err error) []*StageError {
	var out []*StageError
	var me *multierror.Error
	if errors.As(err, &me) {
		for _, e := range me.Errors {
			var se *StageError
			if errors.As(e, &se) {
				out = append(out, se)
			}
		}
		return out
	}
	var se *StageError
	if errors.As(err, &se) {
		out = append(out, se)
	}
	return out
}
