// Package gateway is the public entry point of the execution subsystem. It
// hides backend selection, fallback, concurrency bounding and deadline
// normalization behind one Execute call that always returns a structured
// result.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/semaphore"

	"github.com/sakif/vsphere-runner/internal/apperror"
	"github.com/sakif/vsphere-runner/internal/executor"
	"github.com/sakif/vsphere-runner/internal/history"
)

// Mode selects how the two backends are used.
type Mode int

const (
	// ModePreferExternal runs the isolated-process backend and falls back
	// to the pool on mechanism failure. The default.
	ModePreferExternal Mode = iota
	// ModeEmbeddedOnly runs everything on the interpreter pool.
	ModeEmbeddedOnly
	// ModeExternalOnly runs the process backend with no fallback.
	ModeExternalOnly
)

// ParseMode maps the configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "auto":
		return ModePreferExternal, nil
	case "embedded":
		return ModeEmbeddedOnly, nil
	case "external":
		return ModeExternalOnly, nil
	default:
		return 0, apperror.ValidationFailed("mode", fmt.Sprintf("unknown execution mode %q", s))
	}
}

// Config holds gateway configuration.
type Config struct {
	Mode Mode
	// DefaultTimeout applies when a request carries none.
	DefaultTimeout time.Duration
	// MaxConcurrent bounds in-flight executions across both backends.
	// Zero means unbounded.
	MaxConcurrent int64
}

// Gateway routes execution requests to a backend.
type Gateway struct {
	cfg      Config
	external executor.Backend
	embedded executor.Backend
	recorder history.Recorder // optional
	logger   *slog.Logger
	sem      *semaphore.Weighted

	mu            sync.Mutex
	forceEmbedded bool
}

// New wires a gateway. recorder may be nil (no audit trail).
func New(cfg Config, external, embedded executor.Backend, recorder history.Recorder, logger *slog.Logger) *Gateway {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 5 * time.Minute
	}
	g := &Gateway{
		cfg:      cfg,
		external: external,
		embedded: embedded,
		recorder: recorder,
		logger:   logger,
	}
	if cfg.MaxConcurrent > 0 {
		g.sem = semaphore.NewWeighted(cfg.MaxConcurrent)
	}
	return g
}

// ForceEmbedded overrides backend selection to embedded-only, for
// troubleshooting a broken process backend. Sticky until reset with
// ForceEmbedded(false).
func (g *Gateway) ForceEmbedded(on bool) {
	g.mu.Lock()
	g.forceEmbedded = on
	g.mu.Unlock()
	g.logger.Info("embedded-only override changed", slog.Bool("forced", on))
}

// Forced reports whether the embedded-only override is active.
func (g *Gateway) Forced() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.forceEmbedded
}

// Execute runs one request and always returns a non-nil result with a
// positive Duration. The error, when non-nil, classifies the failure
// (apperror sentinels); script-level failures are res.Success == false
// with a nil error.
//
// Fallback policy: only mechanism failures (the backend could not run at
// all) fall back from external to embedded, and at most once. A script
// failure never does — the script would fail identically on the other
// backend, and silently re-running admin scripts against live
// infrastructure is not safe.
func (g *Gateway) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	start := time.Now()

	if req.Script == "" {
		err := apperror.ValidationFailed("script", "script must not be empty")
		return executor.Failed("", start, err.Message), err
	}
	if req.Timeout <= 0 {
		req.Timeout = g.cfg.DefaultTimeout
	}

	if g.sem != nil {
		if err := g.sem.Acquire(ctx, 1); err != nil {
			cls := apperror.Canceled("waiting for execution slot")
			return executor.Failed("", start, cls.Message), cls
		}
		defer g.sem.Release(1)
	}

	primary, fallback := g.pick()
	res, err := primary.Execute(ctx, req)
	if err != nil && fallback != nil && isMechanism(err) {
		g.logger.Warn("backend mechanism failure, falling back",
			slog.String("from", primary.Name()),
			slog.String("to", fallback.Name()),
			slog.String("error", err.Error()))
		res, err = fallback.Execute(ctx, req)
	}

	if res == nil {
		// Backends are contracted to return a result; cover a violation.
		msg := "backend returned no result"
		if err != nil {
			msg = err.Error()
		}
		res = executor.Failed(primary.Name(), start, msg)
	}
	g.record(req, res, err)
	return res, err
}

// pick returns the backend to try and, in fallback mode, the one to fall
// back to.
func (g *Gateway) pick() (primary, fallback executor.Backend) {
	g.mu.Lock()
	forced := g.forceEmbedded
	g.mu.Unlock()

	switch {
	case forced || g.cfg.Mode == ModeEmbeddedOnly:
		return g.embedded, nil
	case g.cfg.Mode == ModeExternalOnly:
		return g.external, nil
	default:
		return g.external, g.embedded
	}
}

func isMechanism(err error) bool {
	return errors.Is(err, apperror.ErrMechanism) || errors.Is(err, apperror.ErrUnavailable)
}

func (g *Gateway) record(req executor.ExecutionRequest, res *executor.ExecutionResult, err error) {
	if g.recorder == nil {
		return
	}
	rec := &history.Record{
		ID:        xid.New().String(),
		Backend:   res.Backend,
		Kind:      classifyKind(res, err),
		Success:   res.Success,
		ErrorText: res.ErrorText,
		Duration:  res.Duration,
		StartedAt: time.Now().Add(-res.Duration),
	}
	// Recording is best-effort and must outlive a canceled caller context.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if recErr := g.recorder.Record(ctx, rec); recErr != nil {
		g.logger.Error("failed to record run", slog.String("error", recErr.Error()))
	}
}

func classifyKind(res *executor.ExecutionResult, err error) string {
	switch {
	case errors.Is(err, apperror.ErrTimeout):
		return history.KindTimeout
	case errors.Is(err, apperror.ErrCanceled):
		return history.KindCanceled
	case err != nil:
		return history.KindMechanism
	case res.Success:
		return history.KindOK
	default:
		return history.KindScript
	}
}
