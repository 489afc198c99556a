// Package progress reports bytes flowing through a stream, either as an mpb
// bar, as periodic log lines, or not at all.
package progress

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
	"golang.org/x/term"
)

// Display modes.
const (
	ModeAuto  = "auto"
	ModeBar   = "bar"
	ModePlain = "plain"
	ModeNone  = "none"
)

// ValidMode reports whether m is a known display mode.
func ValidMode(m string) bool {
	switch m {
	case ModeAuto, ModeBar, ModePlain, ModeNone:
		return true
	}
	return false
}

// Resolve turns auto into bar when stderr is a terminal and plain otherwise.
func Resolve(mode string) string {
	if mode != ModeAuto {
		return mode
	}
	if term.IsTerminal(int(os.Stderr.Fd())) {
		return ModeBar
	}
	return ModePlain
}

// Tracker counts bytes and renders them according to its mode.
// Finish must be called once the stream is done.
type Tracker struct {
	name     string
	out      io.Writer
	total    int64
	interval time.Duration
	start    time.Time

	n atomic.Int64

	p   *mpb.Progress
	bar *mpb.Bar

	stop chan struct{}
	wg   sync.WaitGroup
	once sync.Once
}

// New creates a tracker. total is an estimate (<=0 when unknown); interval
// is the plain mode period.
func New(ctx context.Context, name, mode string, total int64, interval time.Duration) *Tracker {
	t := &Tracker{name: name, out: os.Stdout, total: total, interval: interval, start: time.Now(), stop: make(chan struct{})}
	switch Resolve(mode) {
	case ModeBar:
		t.p = mpb.NewWithContext(ctx, mpb.WithWidth(40), mpb.WithRefreshRate(100*time.Millisecond), mpb.WithOutput(os.Stderr))
		namePrefix := name + " "
		t.bar = t.p.New(total, mpb.BarStyle().Rbound("|").Lbound("|"),
			mpb.PrependDecorators(decor.Name(namePrefix, decor.WC{W: len(namePrefix), C: decor.DSyncWidth}), decor.Percentage()),
			mpb.AppendDecorators(decor.Any(func(s decor.Statistics) string {
				return fmt.Sprintf("%s / %s", humanize.IBytes(uint64(s.Current)), humanize.IBytes(uint64(max(s.Total, 0))))
			})))
	case ModePlain:
		if t.interval <= 0 {
			t.interval = 30 * time.Second
		}
		t.wg.Add(1)
		go t.plainLoop(ctx)
	}
	return t
}

func (t *Tracker) plainLoop(ctx context.Context) {
	defer t.wg.Done()
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			cur := t.n.Load()
			line := fmt.Sprintf("[%s] %s: %s transferred (%s/s)", time.Now().Format("15:04:05"), t.name, humanize.IBytes(uint64(cur)), t.rate(cur))
			if t.total > 0 {
				line += fmt.Sprintf(", ~%d%% of estimate", min(cur*100/t.total, 100))
			}
			fmt.Fprintln(t.out, line)
		}
	}
}

func (t *Tracker) rate(cur int64) string {
	elapsed := time.Since(t.start).Seconds()
	if elapsed <= 0 {
		elapsed = 1
	}
	return humanize.IBytes(uint64(float64(cur) / elapsed))
}

// Add records n transferred bytes.
func (t *Tracker) Add(n int) {
	t.n.Add(int64(n))
	if t.bar != nil {
		t.bar.IncrBy(n)
	}
}

// Bytes returns the count so far.
func (t *Tracker) Bytes() int64 { return t.n.Load() }

// Reader wraps r so every read is counted.
func (t *Tracker) Reader(r io.Reader) io.Reader { return &countingReader{r: r, t: t} }

// Finish stops rendering; safe to call more than once.
func (t *Tracker) Finish() {
	t.once.Do(func() {
		close(t.stop)
		t.wg.Wait()
		if t.bar != nil {
			// actual size may differ from the estimate
			t.bar.SetTotal(-1, true)
			t.p.Wait()
		}
	})
}

type countingReader struct {
	r io.Reader
	t *Tracker
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.t.Add(n)
	}
	return n, err
}
