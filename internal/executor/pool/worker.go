package pool

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/vsphere-runner/internal/pwsh"
)

// WorkerConfig configures one persistent interpreter process.
type WorkerConfig struct {
	Interpreter string
	Dialect     pwsh.Dialect
	InheritEnv  bool
}

// Worker is one long-lived interpreter process executing framed commands
// over stdin/stdout. A worker is leased to one call at a time; the pool
// (or a session, which owns a private worker) serializes access.
type Worker struct {
	id      string
	cfg     WorkerConfig
	logger  *slog.Logger
	cmd     *exec.Cmd
	stdin   io.WriteCloser
	outc    chan string
	errc    chan string
	closeMu sync.Mutex
	closed  bool
	broken  bool
}

// StartWorker spawns the interpreter in worker mode (reading commands from
// stdin until EOF). WorkerArgs already request the most permissive
// execution restriction obtainable without elevation.
func StartWorker(cfg WorkerConfig, logger *slog.Logger) (*Worker, error) {
	if cfg.Dialect == nil {
		cfg.Dialect = pwsh.PowerShell{}
	}

	cmd := exec.Command(cfg.Interpreter, cfg.Dialect.WorkerArgs()...)
	setProcessGroup(cmd)
	if cfg.InheritEnv {
		cmd.Env = os.Environ()
	} else {
		cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "HOME=" + os.Getenv("HOME")}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting interpreter: %w", err)
	}

	w := &Worker{
		id:     xid.New().String(),
		cfg:    cfg,
		logger: logger,
		cmd:    cmd,
		stdin:  stdin,
		outc:   make(chan string, 256),
		errc:   make(chan string, 256),
	}
	go pumpLines(stdout, w.outc)
	go pumpLines(stderr, w.errc)
	return w, nil
}

func pumpLines(r io.Reader, ch chan<- string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		ch <- scanner.Text()
	}
	close(ch)
}

// ID identifies the worker in logs and session snapshots.
func (w *Worker) ID() string { return w.id }

// Broken reports whether the worker can no longer be leased (its process
// exited or a frame was abandoned mid-flight).
func (w *Worker) Broken() bool {
	w.closeMu.Lock()
	defer w.closeMu.Unlock()
	return w.broken
}

func (w *Worker) markBroken() {
	w.closeMu.Lock()
	w.broken = true
	w.closeMu.Unlock()
}

// Run executes one script on the worker and returns the collected output,
// warning and error streams. On ctx expiry the frame is abandoned: the
// worker is marked broken (its stream offsets are unknowable) and the
// caller must replace it. The returned error is ctx.Err().
func (w *Worker) Run(ctx context.Context, script string) (stdout, warnings, stderr string, err error) {
	sentinel := "VCRUND-EOF-" + xid.New().String()
	frame := w.cfg.Dialect.Frame(script, sentinel)

	if _, err := io.WriteString(w.stdin, frame+"\n"); err != nil {
		w.markBroken()
		return "", "", "", fmt.Errorf("interpreter worker %s: writing command: %w", w.id, err)
	}

	var out, warn, errText strings.Builder
	outDone, errDone := false, false
	for !outDone || !errDone {
		select {
		case line, ok := <-w.outc:
			if !ok {
				w.markBroken()
				return out.String(), warn.String(), errText.String(),
					fmt.Errorf("interpreter worker %s exited unexpectedly", w.id)
			}
			if line == sentinel {
				outDone = true
				continue
			}
			if rest, isWarning := strings.CutPrefix(line, "WARNING: "); isWarning {
				appendLine(&warn, rest)
				continue
			}
			appendLine(&out, line)

		case line, ok := <-w.errc:
			if !ok {
				w.markBroken()
				return out.String(), warn.String(), errText.String(),
					fmt.Errorf("interpreter worker %s exited unexpectedly", w.id)
			}
			if line == sentinel {
				errDone = true
				continue
			}
			appendLine(&errText, line)

		case <-ctx.Done():
			w.markBroken()
			return out.String(), warn.String(), errText.String(), ctx.Err()
		}
	}

	return out.String(), warn.String(), errText.String(), nil
}

func drainLines(ch <-chan string) {
	for range ch {
	}
}

func appendLine(b *strings.Builder, line string) {
	if b.Len() > 0 {
		b.WriteByte('\n')
	}
	b.WriteString(line)
}

// Close shuts the worker down: stdin is closed so the interpreter exits on
// its own, with a bounded wait before the process tree is killed. Safe to
// call more than once.
func (w *Worker) Close() error {
	w.closeMu.Lock()
	if w.closed {
		w.closeMu.Unlock()
		return nil
	}
	w.closed = true
	w.broken = true
	w.closeMu.Unlock()

	_ = w.stdin.Close()

	// After an abandoned frame nobody reads the pumps, and a chatty
	// process can fill their buffers; drain until the pipes close so the
	// pump goroutines always exit.
	go drainLines(w.outc)
	go drainLines(w.errc)

	done := make(chan error, 1)
	go func() { done <- w.cmd.Wait() }()

	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		killTree(w.cmd)
		<-done
		return nil
	}
}
