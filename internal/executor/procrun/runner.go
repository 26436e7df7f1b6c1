// Package procrun is the external execution backend: every call runs the
// script in its own isolated interpreter process. There is no shared state
// between calls, so parallelism is bounded only by the host.
package procrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/sakif/vsphere-runner/internal/apperror"
	"github.com/sakif/vsphere-runner/internal/executor"
	"github.com/sakif/vsphere-runner/internal/pwsh"
)

// BackendName identifies this backend in results and logs.
const BackendName = "process"

// Config holds the process-runner configuration.
type Config struct {
	// Interpreter is the path to the interpreter executable.
	Interpreter string
	// Dialect renders interpreter-specific syntax.
	Dialect pwsh.Dialect
	// InheritEnv passes the host environment to the child process. When
	// false the child sees only PATH and HOME.
	InheritEnv bool
	// TempDir overrides where script files are written ("" = os.TempDir).
	TempDir string
	// KillGrace bounds how long Execute waits for a killed process tree to
	// actually exit before returning anyway.
	KillGrace time.Duration
}

// Runner implements executor.Backend with one OS process per call.
type Runner struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Runner {
	if cfg.Dialect == nil {
		cfg.Dialect = pwsh.PowerShell{}
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = 5 * time.Second
	}
	return &Runner{cfg: cfg, logger: logger}
}

func (r *Runner) Name() string { return BackendName }

// Execute writes the script plus parameter assignments to a private
// temporary file, runs the interpreter non-interactively against it, and
// waits under the merged deadline. The temporary file is removed on every
// exit path; on timeout or cancellation the whole process tree is killed
// and Execute waits (bounded) for it to exit before returning.
func (r *Runner) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	start := time.Now()

	preamble, err := r.cfg.Dialect.Assign(req.Parameters)
	if err != nil {
		return executor.Failed(BackendName, start, err.Error()), err
	}

	scriptPath, err := r.writeScript(preamble + req.Script)
	if err != nil {
		mech := apperror.Mechanism("writing script file: %v", err)
		return executor.Failed(BackendName, start, mech.Message), mech
	}
	defer r.removeScript(scriptPath)

	execCtx := ctx
	if req.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	cmd := exec.Command(r.cfg.Interpreter, r.cfg.Dialect.LaunchArgs(scriptPath)...)
	setProcessGroup(cmd)
	cmd.Env = r.environment()

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		mech := apperror.Mechanism("spawning %s: %v", r.cfg.Interpreter, err)
		return executor.Failed(BackendName, start, mech.Message), mech
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case waitErr := <-done:
		return r.finish(start, waitErr, &stdout, &stderr)

	case <-execCtx.Done():
		killTree(cmd)
		// Bounded wait so a stuck kill cannot hang the caller forever.
		select {
		case <-done:
		case <-time.After(r.cfg.KillGrace):
			r.logger.Error("killed process did not exit within grace period",
				slog.Int("pid", cmd.Process.Pid))
		}

		if ctx.Err() != nil && !errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			cancelErr := apperror.Canceled("script execution")
			return executor.Failed(BackendName, start, cancelErr.Message), cancelErr
		}
		toErr := apperror.Timeout(time.Since(start).Round(time.Millisecond))
		return executor.Failed(BackendName, start, toErr.Message), toErr
	}
}

func (r *Runner) finish(start time.Time, waitErr error, stdout, stderr *bytes.Buffer) (*executor.ExecutionResult, error) {
	res := &executor.ExecutionResult{
		Backend: BackendName,
		Output:  stdout.String(),
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil:
		res.Success = true
		res.ErrorText = stderr.String() // Finalize flips Success if non-empty
		if res.ErrorText == "" {
			if objs, ok := executor.DecodeObjects(res.Output); ok {
				res.Objects = objs
			}
		}
	case errors.As(waitErr, &exitErr):
		// The interpreter ran and the script failed: not a mechanism error,
		// so no fallback — the same script would fail anywhere.
		res.ErrorText = stderr.String()
		if res.ErrorText == "" {
			res.ErrorText = fmt.Sprintf("interpreter exited with code %d", exitErr.ExitCode())
		}
	default:
		mech := apperror.Mechanism("waiting for interpreter: %v", waitErr)
		res.ErrorText = mech.Message
		return executor.Finalize(res, start), mech
	}

	return executor.Finalize(res, start), nil
}

func (r *Runner) writeScript(content string) (string, error) {
	f, err := os.CreateTemp(r.cfg.TempDir, "vcrund-*.ps1")
	if err != nil {
		return "", err
	}
	if _, err := f.WriteString(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// removeScript deletes the temp file. It never propagates an error: cleanup
// failures are logged, not thrown, so they cannot mask the execution outcome.
func (r *Runner) removeScript(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		r.logger.Error("failed to remove script file",
			slog.String("path", path), slog.String("error", err.Error()))
	}
}

func (r *Runner) environment() []string {
	if r.cfg.InheritEnv {
		return os.Environ()
	}
	return []string{
		"PATH=" + os.Getenv("PATH"),
		"HOME=" + os.Getenv("HOME"),
	}
}
