package signalctx

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// WithSignals возвращает context, который отменяется при получении INT или TERM.
// Возвращает дочерний context с CancelFunc и отдельный channel, куда пишется полученный сигнал.
// cancel также снимает обработчик сигналов.
func WithSignals(parent context.Context) (ctx context.Context, cancel context.CancelFunc, sigCh <-chan os.Signal) {
	ctx, cancelCtx := context.WithCancel(parent)
	c := make(chan os.Signal, 1)
	got := make(chan os.Signal, 1)
	signal.Notify(c, unix.SIGINT, unix.SIGTERM)

	go func() {
		select {
		case <-ctx.Done():
		case s := <-c:
			got <- s
			cancelCtx()
		}
	}()

	cancel = func() {
		signal.Stop(c)
		cancelCtx()
	}
	return ctx, cancel, got
}
