package monitor

import (
	"context"
	"errors"
	"io"
	"os"
	"time"

	"golang.org/x/term"
)

// MonitorOptions control the live view.
type MonitorOptions struct {
	// Duration stops the monitor after the given time. Zero runs until ctx ends.
	Duration time.Duration
	// Plain forces line output even on a terminal.
	Plain bool
	Out   io.Writer
}

// Monitor streams live updates, drawing the dashboard when Out is a terminal
// and printing one line per update otherwise.
func (c *Client) Monitor(ctx context.Context, opts MonitorOptions) error {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	var cancel context.CancelFunc
	if opts.Duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	if opts.Plain || !IsTerminal(opts.Out) {
		return c.Stream(ctx, NewPlainPrinter(opts.Out).Handle)
	}

	events := make(chan Event)
	done := make(chan error, 1)
	go func() {
		err := c.Stream(ctx, func(ev Event) error {
			select {
			case events <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
		close(events)
		done <- err
	}()

	err := RunTUI(ctx, events, done)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil
	}
	return err
}

// IsTerminal reports whether w is an interactive terminal.
func IsTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
