package progress

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"time"

	"github.com/iofwd/iof/pkg/errors"
)

// Mode selects how waiting callers get their completions delivered.
type Mode string

const (
	// ModeThread runs a dedicated progress goroutine; callers block on trackers.
	ModeThread Mode = "thread"
	// ModeInline has every waiting caller drive progress itself.
	ModeInline Mode = "inline"
)

// ErrBudgetExhausted is returned by WaitInline when the tracker did not fire
// within the iteration or time budget.
var ErrBudgetExhausted = stderrors.New("progress: budget exhausted")

// Progressor runs ready completion callbacks on the calling goroutine, waiting
// up to timeout for the first one. It returns how many ran.
type Progressor interface {
	Progress(timeout time.Duration) (int, error)
}

// Budget bounds inline polling. Zero fields are unbounded.
type Budget struct {
	Iterations int
	Timeout    time.Duration
}

// Config holds driver settings.
type Config struct {
	Mode             Mode          `yaml:"mode"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	InlineIterations int           `yaml:"inline_iterations"`
	InlineTimeout    time.Duration `yaml:"inline_timeout"`
}

// DefaultConfig returns the thread-mode defaults.
func DefaultConfig() Config {
	return Config{
		Mode:          ModeThread,
		PollInterval:  10 * time.Millisecond,
		InlineTimeout: 60 * time.Second,
	}
}

// Driver supplies forward progress for one transport context.
type Driver struct {
	p      Progressor
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	stop    chan struct{}
	started *Tracker
	stopped *Tracker
}

// NewDriver creates a driver for p. Nothing runs until Start.
func NewDriver(p Progressor, cfg Config, logger *slog.Logger) *Driver {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 10 * time.Millisecond
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeThread
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{
		p:      p,
		cfg:    cfg,
		logger: logger.With("component", "progress"),
	}
}

// Mode returns the configured waiting discipline.
func (d *Driver) Mode() Mode {
	return d.cfg.Mode
}

// Start launches the progress goroutine and returns once it is running.
func (d *Driver) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop != nil {
		return errors.NewError(errors.ErrCodeAlreadyStarted, "progress goroutine already running").
			WithComponent("progress")
	}

	d.stop = make(chan struct{})
	d.started = NewTracker(1)
	d.stopped = NewTracker(1)
	go d.loop(d.stop, d.started, d.stopped)

	<-d.started.Done()
	d.logger.Debug("Progress goroutine started", "poll_interval", d.cfg.PollInterval)
	return nil
}

// Stop signals the progress goroutine and waits for it to exit. Stopping a
// driver that is not running is a no-op.
func (d *Driver) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stop == nil {
		return
	}
	close(d.stop)
	<-d.stopped.Done()
	d.stop = nil
	d.logger.Debug("Progress goroutine stopped")
}

// Running reports whether the progress goroutine is active.
func (d *Driver) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stop != nil
}

func (d *Driver) loop(stop <-chan struct{}, started, stopped *Tracker) {
	defer stopped.Signal()
	started.Signal()

	for {
		select {
		case <-stop:
			return
		default:
		}

		if _, err := d.p.Progress(d.cfg.PollInterval); err != nil {
			d.logger.Debug("Progress failed", "error", err)
			select {
			case <-stop:
				return
			case <-time.After(d.cfg.PollInterval):
			}
		}
	}
}

// DriveOnce runs one progress pass, waiting at most b.Timeout for a completion.
func (d *Driver) DriveOnce(b Budget) (int, error) {
	return d.p.Progress(b.Timeout)
}

// WaitInline drives progress on the calling goroutine until t is signalled or
// the budget runs out.
func (d *Driver) WaitInline(t *Tracker, b Budget) error {
	return d.waitInline(context.Background(), t, b)
}

// waitInline is WaitInline that also gives up, with ctx.Err(), once ctx is
// done. Cancellation is noticed between polls, so within one PollInterval.
func (d *Driver) waitInline(ctx context.Context, t *Tracker, b Budget) error {
	var deadline time.Time
	if b.Timeout > 0 {
		deadline = time.Now().Add(b.Timeout)
	}

	for i := 0; ; i++ {
		if t.Test() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if b.Iterations > 0 && i >= b.Iterations {
			return ErrBudgetExhausted
		}

		step := d.cfg.PollInterval
		if !deadline.IsZero() {
			left := time.Until(deadline)
			if left <= 0 {
				return ErrBudgetExhausted
			}
			if left < step {
				step = left
			}
		}
		if _, err := d.p.Progress(step); err != nil {
			return err
		}
	}
}

// Wait waits for t using the configured discipline: on the tracker itself when
// the progress goroutine runs, otherwise by polling inline with the configured
// budget.
func (d *Driver) Wait(ctx context.Context, t *Tracker) error {
	if d.cfg.Mode == ModeThread && d.Running() {
		return t.Wait(ctx)
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	b := Budget{Iterations: d.cfg.InlineIterations, Timeout: d.cfg.InlineTimeout}
	if dl, ok := ctx.Deadline(); ok {
		left := time.Until(dl)
		if left <= 0 {
			return context.DeadlineExceeded
		}
		if b.Timeout == 0 || left < b.Timeout {
			b.Timeout = left
		}
	}
	return d.waitInline(ctx, t, b)
}
