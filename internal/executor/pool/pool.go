// Package pool is the embedded execution backend: a bounded set of
// long-lived interpreter processes pre-loaded with the vendor modules.
// Requests beyond capacity block until a slot frees — deliberate
// backpressure against unbounded interpreter creation.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/vsphere-runner/internal/apperror"
	"github.com/sakif/vsphere-runner/internal/executor"
	"github.com/sakif/vsphere-runner/internal/pwsh"
)

// BackendName identifies this backend in results and logs.
const BackendName = "pool"

// Config holds the interpreter pool configuration.
type Config struct {
	// Capacity is the number of persistent interpreter instances.
	Capacity int
	// Interpreter is the path to the interpreter executable.
	Interpreter string
	// Dialect renders interpreter-specific syntax.
	Dialect pwsh.Dialect
	// InheritEnv passes the host environment to the workers.
	InheritEnv bool
	// SmokeTest runs a trivial command on every worker during init.
	SmokeTest bool
	// PlanFn supplies the module load plan. Nil means no vendor modules
	// (the pool still works for plain scripts).
	PlanFn func() (*pwsh.LoadPlan, error)
}

type initState int

const (
	stateNew initState = iota
	stateInitializing
	stateReady
	stateFailed
)

// Pool implements executor.Backend over persistent interpreter workers.
// Initialization is lazy behind a single-entry gate: exactly one caller
// runs it, concurrent first callers wait, and a failed init marks the
// backend unavailable for every later call without reattempting.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	stateMu  sync.Mutex
	state    initState
	initDone chan struct{}
	initErr  error
	plan     *pwsh.LoadPlan
	workers  chan *Worker
	lost     int
	closed   bool
}

func New(cfg Config, logger *slog.Logger) *Pool {
	if cfg.Capacity <= 0 {
		cfg.Capacity = 5
	}
	if cfg.Dialect == nil {
		cfg.Dialect = pwsh.PowerShell{}
	}
	return &Pool{
		cfg:     cfg,
		logger:  logger,
		workers: make(chan *Worker, cfg.Capacity),
	}
}

func (p *Pool) Name() string { return BackendName }

// ensureReady initializes the pool on first use. Returns an
// apperror.ErrUnavailable once init has failed; per-call reattempts would
// just hammer a broken host.
func (p *Pool) ensureReady(ctx context.Context) error {
	for {
		p.stateMu.Lock()
		switch p.state {
		case stateReady:
			p.stateMu.Unlock()
			return nil

		case stateFailed:
			err := p.initErr
			p.stateMu.Unlock()
			return apperror.Unavailable(BackendName, err)

		case stateInitializing:
			done := p.initDone
			p.stateMu.Unlock()
			select {
			case <-done:
				// re-read state
			case <-ctx.Done():
				return ctx.Err()
			}

		case stateNew:
			p.state = stateInitializing
			p.initDone = make(chan struct{})
			p.stateMu.Unlock()

			err := p.initialize()

			p.stateMu.Lock()
			if err != nil {
				p.state = stateFailed
				p.initErr = err
			} else {
				p.state = stateReady
			}
			close(p.initDone)
			p.stateMu.Unlock()

			if err != nil {
				return apperror.Unavailable(BackendName, err)
			}
			return nil
		}
	}
}

func (p *Pool) initialize() error {
	var loadScript string
	var plan *pwsh.LoadPlan
	if p.cfg.PlanFn != nil {
		resolved, err := p.cfg.PlanFn()
		if err != nil {
			return err
		}
		plan = resolved
		loadScript = pwsh.LoadScript(plan)
	}

	started := make([]*Worker, 0, p.cfg.Capacity)
	fail := func(err error) error {
		for _, w := range started {
			_ = w.Close()
		}
		return err
	}

	for i := 0; i < p.cfg.Capacity; i++ {
		w, err := p.startWorker(loadScript, plan, i == 0)
		if err != nil {
			return fail(err)
		}
		started = append(started, w)
	}

	p.plan = plan
	for _, w := range started {
		p.workers <- w
	}
	p.logger.Info("interpreter pool ready",
		slog.Int("capacity", p.cfg.Capacity),
		slog.Bool("modulesLoaded", plan != nil))
	return nil
}

// startWorker spawns and prepares one worker: module imports per the plan,
// then an optional smoke test. recordPlan marks Loaded flags on the shared
// plan (first worker only — every worker runs the same imports).
func (p *Pool) startWorker(loadScript string, plan *pwsh.LoadPlan, recordPlan bool) (*Worker, error) {
	w, err := StartWorker(WorkerConfig{
		Interpreter: p.cfg.Interpreter,
		Dialect:     p.cfg.Dialect,
		InheritEnv:  p.cfg.InheritEnv,
	}, p.logger)
	if err != nil {
		return nil, apperror.Mechanism("starting pool worker: %v", err)
	}

	setupCtx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if loadScript != "" {
		out, _, errText, runErr := w.Run(setupCtx, loadScript)
		if runErr != nil {
			_ = w.Close()
			return nil, apperror.Mechanism("loading modules on worker: %v", runErr)
		}
		target := plan
		if !recordPlan {
			target = clonePlan(plan)
		}
		if err := pwsh.ApplyLoadOutput(target, out, errText); err != nil {
			_ = w.Close()
			return nil, err
		}
	}

	if p.cfg.SmokeTest {
		token := "vcrund-smoke-" + xid.New().String()
		out, _, errText, runErr := w.Run(setupCtx, p.cfg.Dialect.SmokeScript(token))
		if runErr != nil || errText != "" || !containsToken(out, token) {
			_ = w.Close()
			return nil, apperror.Mechanism(
				"worker smoke test failed (err=%v, stderr=%q)", runErr, errText)
		}
	}

	return w, nil
}

func clonePlan(plan *pwsh.LoadPlan) *pwsh.LoadPlan {
	clone := &pwsh.LoadPlan{Modules: make([]pwsh.ModuleDescriptor, len(plan.Modules))}
	copy(clone.Modules, plan.Modules)
	return clone
}

func containsToken(out, token string) bool {
	for _, line := range splitLines(out) {
		if line == token {
			return true
		}
	}
	return false
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	return append(lines, s[start:])
}

// Execute leases a worker, runs the script, and releases the slot. On
// timeout or cancellation the slot is abandoned: the poisoned worker is
// killed and replaced in the background, so capacity recovers without
// blocking the caller.
func (p *Pool) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	start := time.Now()

	if err := p.ensureReady(ctx); err != nil {
		return executor.Failed(BackendName, start, err.Error()), err
	}

	preamble, err := p.cfg.Dialect.Assign(req.Parameters)
	if err != nil {
		return executor.Failed(BackendName, start, err.Error()), err
	}

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	var w *Worker
	select {
	case w = <-p.workers:
	case <-execCtx.Done():
		clsErr := p.classify(ctx, execCtx, start, "waiting for interpreter slot")
		return executor.Failed(BackendName, start, clsErr.Error()), clsErr
	}

	out, warn, errText, runErr := w.Run(execCtx, preamble+req.Script)
	if runErr != nil {
		go p.replace(w)
		if execCtx.Err() != nil {
			clsErr := p.classify(ctx, execCtx, start, "script execution")
			return executor.Failed(BackendName, start, clsErr.Error()), clsErr
		}
		mech := apperror.Mechanism("pool worker failed: %v", runErr)
		return executor.Failed(BackendName, start, mech.Message), mech
	}

	p.release(w)

	res := &executor.ExecutionResult{
		Backend:   BackendName,
		Success:   errText == "",
		Output:    out,
		Warnings:  warn,
		ErrorText: errText,
	}
	if objs, ok := executor.DecodeObjects(out); ok {
		res.Objects = objs
	}
	return executor.Finalize(res, start), nil
}

func (p *Pool) classify(callerCtx, execCtx context.Context, start time.Time, op string) error {
	if callerCtx.Err() != nil && !errors.Is(execCtx.Err(), context.DeadlineExceeded) {
		return apperror.Canceled(op)
	}
	return apperror.Timeout(time.Since(start).Round(time.Millisecond))
}

func (p *Pool) release(w *Worker) {
	p.stateMu.Lock()
	closed := p.closed
	p.stateMu.Unlock()
	if closed || w.Broken() {
		_ = w.Close()
		return
	}
	p.workers <- w
}

// replaceBackoff paces successor-spawn retries when the host is transiently
// broken (interpreter being reinstalled, resource exhaustion).
var replaceBackoff = []time.Duration{time.Second, 5 * time.Second, 30 * time.Second}

// replace kills an abandoned worker and spawns its successor so the pool
// returns to full capacity. Spawn failures are retried with backoff; when
// every slot has been given up on, the pool reports itself failed instead
// of blocking callers on an empty worker channel forever.
func (p *Pool) replace(w *Worker) {
	_ = w.Close()

	p.stateMu.Lock()
	if p.closed {
		p.stateMu.Unlock()
		return
	}
	p.lost++
	plan := p.plan
	p.stateMu.Unlock()

	var loadScript string
	if plan != nil {
		loadScript = pwsh.LoadScript(plan)
	}

	for attempt := 0; ; attempt++ {
		nw, err := p.startWorker(loadScript, plan, false)
		if err == nil {
			p.stateMu.Lock()
			p.lost--
			p.stateMu.Unlock()
			p.release(nw)
			return
		}
		p.logger.Error("failed to replace pool worker",
			slog.Int("attempt", attempt+1), slog.String("error", err.Error()))

		if attempt >= len(replaceBackoff) {
			p.abandonSlot(err)
			return
		}
		time.Sleep(replaceBackoff[attempt])

		p.stateMu.Lock()
		closed := p.closed
		p.stateMu.Unlock()
		if closed {
			return
		}
	}
}

// abandonSlot records a permanently lost slot. Once no capacity remains the
// pool flips to failed so callers fail fast instead of queueing on a
// channel nothing will ever feed.
func (p *Pool) abandonSlot(err error) {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()
	if p.lost >= p.cfg.Capacity && p.state == stateReady {
		p.state = stateFailed
		p.initErr = fmt.Errorf("all %d workers lost, last spawn error: %w", p.cfg.Capacity, err)
	}
}

// Stats describes the pool for the backends status endpoint. Lost counts
// slots whose workers died and could not be replaced yet.
type Stats struct {
	State    string         `json:"state"`
	Capacity int            `json:"capacity"`
	Idle     int            `json:"idle"`
	Lost     int            `json:"lost"`
	Plan     *pwsh.LoadPlan `json:"plan,omitempty"`
}

func (p *Pool) Stats() Stats {
	p.stateMu.Lock()
	defer p.stateMu.Unlock()

	st := "new"
	switch p.state {
	case stateInitializing:
		st = "initializing"
	case stateReady:
		st = "ready"
	case stateFailed:
		st = "failed"
	}
	return Stats{
		State:    st,
		Capacity: p.cfg.Capacity,
		Idle:     len(p.workers),
		Lost:     p.lost,
		Plan:     p.plan,
	}
}

// Close tears the pool down, killing every idle worker. In-flight workers
// are closed on release.
func (p *Pool) Close() error {
	p.stateMu.Lock()
	p.closed = true
	p.stateMu.Unlock()

	for {
		select {
		case w := <-p.workers:
			_ = w.Close()
		default:
			return nil
		}
	}
}
