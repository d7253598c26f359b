package sampler

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/skobkin/tegrastats-web/internal/tegrastats"
)

const (
	maxLineBytes = 64 * 1024

	// streamEndGrace is how long a process may outlive its stdout before
	// its group is terminated.
	streamEndGrace = time.Second
)

// State is the lifecycle state of the sampling subprocess.
type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateCrashed
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

var (
	// ErrProcessExited is reported when the subprocess ends without Stop.
	ErrProcessExited = errors.New("tegrastats exited")
	// ErrStopTimeout is returned by Stop when the reader did not finish in time.
	ErrStopTimeout = errors.New("timed out waiting for tegrastats to stop")
)

// SpawnError reports that the sampling executable could not be launched.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// StreamReadError reports a failure reading the subprocess output.
type StreamReadError struct {
	Err error
}

func (e *StreamReadError) Error() string {
	return fmt.Sprintf("read tegrastats output: %v", e.Err)
}

func (e *StreamReadError) Unwrap() error { return e.Err }

// SupervisorConfig describes how to run the sampling executable.
type SupervisorConfig struct {
	Command string
	Args    []string
	// Env entries are appended to the current environment.
	Env         []string
	Interval    time.Duration
	StopTimeout time.Duration
	BackoffMin  time.Duration
	BackoffMax  time.Duration
	// MaxRestarts bounds consecutive restart attempts that did not yield a
	// snapshot, whether the spawn failed or the run produced nothing. Zero
	// means retry forever.
	MaxRestarts int
}

// Stats is a point-in-time copy of the supervisor counters.
type Stats struct {
	Lines         uint64 `json:"lines"`
	Decoded       uint64 `json:"decoded"`
	Skipped       uint64 `json:"skipped"`
	DroppedFields uint64 `json:"dropped_fields"`
	Restarts      uint64 `json:"restarts"`
	SpawnFailures uint64 `json:"spawn_failures"`
}

// Supervisor owns the tegrastats subprocess: it spawns it, decodes its output
// into the Store and restarts it with backoff when it dies.
type Supervisor struct {
	cfg    SupervisorConfig
	store  *Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
	runGen uint64

	// stateMu ties state changes to the run that makes them; gen is the
	// current run and stale runs cannot overwrite its state.
	stateMu sync.Mutex
	gen     uint64
	state   atomic.Int32

	// publishMu fences store writes against Stop.
	publishMu sync.Mutex

	lines         atomic.Uint64
	decoded       atomic.Uint64
	skipped       atomic.Uint64
	droppedFields atomic.Uint64
	restarts      atomic.Uint64
	spawnFailures atomic.Uint64
}

// NewSupervisor validates cfg and builds a stopped Supervisor.
func NewSupervisor(cfg SupervisorConfig, store *Store, logger *slog.Logger) (*Supervisor, error) {
	if cfg.Command == "" {
		return nil, errors.New("command must not be empty")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("interval must be > 0")
	}
	if cfg.StopTimeout <= 0 {
		return nil, fmt.Errorf("stop timeout must be > 0")
	}
	if cfg.BackoffMin <= 0 {
		return nil, fmt.Errorf("backoff min must be > 0")
	}
	if cfg.BackoffMax < cfg.BackoffMin {
		return nil, fmt.Errorf("backoff max (%s) must be >= backoff min (%s)", cfg.BackoffMax, cfg.BackoffMin)
	}
	if cfg.MaxRestarts < 0 {
		return nil, fmt.Errorf("max restarts must be >= 0")
	}
	if store == nil {
		return nil, errors.New("store must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Supervisor{
		cfg:    cfg,
		store:  store,
		logger: logger.With("component", "supervisor"),
		now:    time.Now,
	}, nil
}

// Start launches the subprocess and the goroutine that reads it. It returns a
// *SpawnError when the executable cannot be started. Calling Start while the
// supervisor is active is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		select {
		case <-s.done:
			// Previous run gave up; allow a fresh start.
			s.cancel()
		default:
			return nil
		}
	}

	gen := s.nextGeneration()
	s.setState(gen, StateStarting)
	runCtx, cancel := context.WithCancel(ctx)
	proc, err := s.spawn(runCtx, gen)
	if err != nil {
		cancel()
		s.cancel, s.done = nil, nil
		s.spawnFailures.Add(1)
		s.setState(gen, StateStopped)
		return err
	}

	s.cancel = cancel
	s.done = make(chan struct{})
	s.runGen = gen
	go s.supervise(runCtx, gen, proc, s.done)
	return nil
}

// Stop terminates the subprocess (SIGTERM, then SIGKILL after StopTimeout)
// and waits for the reader to finish. Safe for repeated use.
//
// Once Stop returns the stopped run no longer writes to the Store, even when
// Stop gives up with ErrStopTimeout. In that case the subprocess itself may
// linger until the pending SIGKILL lands.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	cancel, done, gen := s.cancel, s.done, s.runGen
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}

	cancel()
	// A publish that saw the run alive has finished once the fence is taken.
	s.publishMu.Lock()
	s.publishMu.Unlock()

	timer := time.NewTimer(2*s.cfg.StopTimeout + time.Second)
	defer timer.Stop()

	var err error
	select {
	case <-done:
	case <-timer.C:
		err = ErrStopTimeout
	}
	s.setState(gen, StateStopped)
	return err
}

// Latest returns the most recent snapshot without blocking.
func (s *Supervisor) Latest() (tegrastats.Snapshot, bool) {
	return s.store.Latest()
}

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

// Stats returns a copy of the supervisor counters.
func (s *Supervisor) Stats() Stats {
	return Stats{
		Lines:         s.lines.Load(),
		Decoded:       s.decoded.Load(),
		Skipped:       s.skipped.Load(),
		DroppedFields: s.droppedFields.Load(),
		Restarts:      s.restarts.Load(),
		SpawnFailures: s.spawnFailures.Load(),
	}
}

// CommandLine returns the executable and arguments the supervisor runs.
func (s *Supervisor) CommandLine() []string {
	return append([]string{s.cfg.Command}, s.args()...)
}

func (s *Supervisor) args() []string {
	args := slices.Clone(s.cfg.Args)
	return append(args, "--interval", strconv.FormatInt(s.cfg.Interval.Milliseconds(), 10))
}

func (s *Supervisor) nextGeneration() uint64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.gen++
	return s.gen
}

// setState records next unless a newer run has started since gen.
func (s *Supervisor) setState(gen uint64, next State) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	if gen != s.gen {
		return
	}
	prev := State(s.state.Swap(int32(next)))
	if prev != next {
		s.logger.Debug("state changed", "from", prev.String(), "to", next.String())
	}
}

func (s *Supervisor) supervise(ctx context.Context, gen uint64, proc *process, done chan struct{}) {
	defer close(done)

	policy := newBackoff(s.cfg.BackoffMin, s.cfg.BackoffMax)
	attempts := 0

	for {
		produced, err := s.consume(ctx, proc)
		if ctx.Err() != nil {
			s.setState(gen, StateStopped)
			s.logger.Info("tegrastats stopped")
			return
		}

		s.setState(gen, StateCrashed)
		s.logger.Warn("tegrastats exited unexpectedly", "err", err, "produced_snapshots", produced)
		if produced {
			policy.Reset()
			attempts = 0
		}

		proc = nil
		for proc == nil {
			if s.cfg.MaxRestarts > 0 && attempts >= s.cfg.MaxRestarts {
				s.logger.Error("tegrastats restart attempts exhausted", "attempts", attempts)
				return
			}

			delay := policy.Next()
			s.logger.Info("restarting tegrastats", "delay", delay, "attempt", attempts+1)
			if !sleepContext(ctx, delay) {
				s.setState(gen, StateStopped)
				return
			}

			attempts++
			s.restarts.Add(1)
			s.setState(gen, StateStarting)
			next, err := s.spawn(ctx, gen)
			if err != nil {
				if ctx.Err() != nil {
					s.setState(gen, StateStopped)
					return
				}
				s.spawnFailures.Add(1)
				s.setState(gen, StateCrashed)
				s.logger.Error("tegrastats restart failed", "err", err)
				continue
			}
			proc = next
		}
	}
}

// consume reads proc until its output ends and reaps it. produced reports
// whether at least one line decoded during this run.
func (s *Supervisor) consume(ctx context.Context, proc *process) (produced bool, err error) {
	scanner := bufio.NewScanner(proc.stdout)
	scanner.Buffer(make([]byte, 0, 4096), maxLineBytes)

	for scanner.Scan() {
		s.lines.Add(1)
		line := scanner.Text()

		snap, ok, decodeErr := tegrastats.Decode(line, s.now())
		if !ok {
			s.skipped.Add(1)
			s.logger.Debug("skipping tegrastats line", "err", decodeErr, "line", line)
			continue
		}
		if decodeErr != nil {
			s.droppedFields.Add(1)
			s.logger.Debug("tegrastats line decoded partially", "err", decodeErr)
		}

		if !s.publish(ctx, snap) {
			break
		}
		s.decoded.Add(1)
		produced = true
	}

	readErr := scanner.Err()
	if readErr != nil {
		// Unblock the child if it is still writing.
		_ = proc.stdout.Close()
	}
	waitErr := proc.waitExit(min(streamEndGrace, s.cfg.StopTimeout))

	switch {
	case readErr != nil:
		return produced, &StreamReadError{Err: readErr}
	case waitErr != nil:
		return produced, fmt.Errorf("%w: %w", ErrProcessExited, waitErr)
	default:
		return produced, ErrProcessExited
	}
}

// publish stores snap unless the run has been cancelled.
func (s *Supervisor) publish(ctx context.Context, snap tegrastats.Snapshot) bool {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if ctx.Err() != nil {
		return false
	}
	s.store.Set(snap)
	return true
}

func (s *Supervisor) spawn(ctx context.Context, gen uint64) (*process, error) {
	procCtx, terminate := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, s.cfg.Command, s.args()...)
	if len(s.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), s.cfg.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stderr = &stderrLogger{logger: s.logger}
	cmd.WaitDelay = s.cfg.StopTimeout

	proc := &process{cmd: cmd, terminate: terminate}
	grace := s.cfg.StopTimeout
	cmd.Cancel = func() error {
		group := -cmd.Process.Pid
		if err := unix.Kill(group, unix.SIGTERM); err != nil {
			return unix.Kill(group, unix.SIGKILL)
		}
		proc.armKill(time.AfterFunc(grace, func() {
			_ = unix.Kill(group, unix.SIGKILL)
		}))
		return nil
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		terminate()
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}
	if err := cmd.Start(); err != nil {
		terminate()
		return nil, &SpawnError{Command: s.cfg.Command, Err: err}
	}
	proc.stdout = stdout

	s.setState(gen, StateRunning)
	s.logger.Info("tegrastats started", "pid", cmd.Process.Pid, "interval", s.cfg.Interval)
	return proc, nil
}

type process struct {
	cmd       *exec.Cmd
	stdout    io.ReadCloser
	terminate context.CancelFunc

	mu   sync.Mutex
	kill *time.Timer
}

func (p *process) armKill(t *time.Timer) {
	p.mu.Lock()
	p.kill = t
	p.mu.Unlock()
}

// waitExit reaps the process once its output has ended. A process still
// alive after grace has its group terminated through cmd.Cancel.
func (p *process) waitExit(grace time.Duration) error {
	defer p.terminate()

	exited := make(chan error, 1)
	go func() { exited <- p.wait() }()

	timer := time.NewTimer(grace)
	defer timer.Stop()
	select {
	case err := <-exited:
		return err
	case <-timer.C:
		p.terminate()
		return <-exited
	}
}

func (p *process) wait() error {
	err := p.cmd.Wait()
	p.mu.Lock()
	if p.kill != nil {
		p.kill.Stop()
	}
	p.mu.Unlock()
	return err
}

// stderrLogger forwards complete stderr lines to the debug log.
type stderrLogger struct {
	logger *slog.Logger
	buf    []byte
}

func (w *stderrLogger) Write(p []byte) (int, error) {
	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		if line := bytes.TrimSpace(w.buf[:idx]); len(line) > 0 {
			w.logger.Debug("tegrastats stderr", "line", string(line))
		}
		w.buf = w.buf[idx+1:]
	}
	if len(w.buf) > maxLineBytes {
		w.buf = w.buf[:0]
	}
	return len(p), nil
}

func sleepContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
