package gateway

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/vsphere-runner/internal/apperror"
	"github.com/sakif/vsphere-runner/internal/executor"
	"github.com/sakif/vsphere-runner/internal/history"
)

// fakeBackend returns a canned result/error and counts calls.
type fakeBackend struct {
	name  string
	res   *executor.ExecutionResult
	err   error
	calls atomic.Int64
	delay time.Duration
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			res := executor.Failed(f.name, time.Now(), ctx.Err().Error())
			return res, apperror.Canceled("execute")
		}
	}
	if f.res != nil {
		return f.res, f.err
	}
	return executor.Failed(f.name, time.Now(), "no result configured"), f.err
}

func okResult(backend string) *executor.ExecutionResult {
	return executor.Finalize(&executor.ExecutionResult{
		Success: true,
		Output:  "done",
		Backend: backend,
	}, time.Now().Add(-time.Millisecond))
}

type memRecorder struct {
	mu   sync.Mutex
	recs []history.Record
}

func (m *memRecorder) Record(_ context.Context, rec *history.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, *rec)
	return nil
}

func (m *memRecorder) List(_ context.Context, _ int) ([]history.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]history.Record(nil), m.recs...), nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestExecuteExternalSuccess(t *testing.T) {
	ext := &fakeBackend{name: "process", res: okResult("process")}
	emb := &fakeBackend{name: "pool", res: okResult("pool")}
	g := New(Config{}, ext, emb, nil, discard())

	res, err := g.Execute(context.Background(), executor.ExecutionRequest{Script: "Get-VM"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "process", res.Backend)
	assert.Equal(t, int64(1), ext.calls.Load())
	assert.Equal(t, int64(0), emb.calls.Load())
	assert.Greater(t, res.Duration, time.Duration(0))
}

func TestFallbackOnMechanismFailureExactlyOnce(t *testing.T) {
	start := time.Now()
	ext := &fakeBackend{
		name: "process",
		res:  executor.Failed("process", start, "interpreter not found"),
		err:  apperror.Mechanism("spawn pwsh: not found"),
	}
	emb := &fakeBackend{name: "pool", res: okResult("pool")}
	rec := &memRecorder{}
	g := New(Config{}, ext, emb, rec, discard())

	res, err := g.Execute(context.Background(), executor.ExecutionRequest{Script: "Get-VM"})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "pool", res.Backend)
	assert.Equal(t, int64(1), ext.calls.Load())
	assert.Equal(t, int64(1), emb.calls.Load())

	recs, _ := rec.List(context.Background(), 10)
	require.Len(t, recs, 1)
	assert.Equal(t, history.KindOK, recs[0].Kind)
}

func TestNoFallbackOnScriptFailure(t *testing.T) {
	start := time.Now()
	fail := executor.Failed("process", start, "Get-VM : VM 'db01' not found")
	ext := &fakeBackend{name: "process", res: fail}
	emb := &fakeBackend{name: "pool", res: okResult("pool")}
	rec := &memRecorder{}
	g := New(Config{}, ext, emb, rec, discard())

	res, err := g.Execute(context.Background(), executor.ExecutionRequest{Script: "Get-VM db01"})
	require.NoError(t, err, "script failure is not a transport error")
	assert.False(t, res.Success)
	assert.Equal(t, "process", res.Backend)
	assert.Equal(t, int64(0), emb.calls.Load(), "script failures must not re-run on the pool")

	recs, _ := rec.List(context.Background(), 10)
	require.Len(t, recs, 1)
	assert.Equal(t, history.KindScript, recs[0].Kind)
}

func TestNoFallbackOnTimeout(t *testing.T) {
	start := time.Now()
	ext := &fakeBackend{
		name: "process",
		res:  executor.Failed("process", start, "timed out"),
		err:  apperror.Timeout(2 * time.Second),
	}
	emb := &fakeBackend{name: "pool", res: okResult("pool")}
	g := New(Config{}, ext, emb, nil, discard())

	_, err := g.Execute(context.Background(), executor.ExecutionRequest{Script: "Get-VM"})
	require.ErrorIs(t, err, apperror.ErrTimeout)
	assert.Equal(t, int64(0), emb.calls.Load(), "a timed-out script may have side effects; never re-run it")
}

func TestFallbackOnPoolUnavailable(t *testing.T) {
	start := time.Now()
	ext := &fakeBackend{
		name: "process",
		res:  executor.Failed("process", start, "pwsh missing"),
		err:  apperror.Unavailable("process", assert.AnError),
	}
	emb := &fakeBackend{name: "pool", res: okResult("pool")}
	g := New(Config{}, ext, emb, nil, discard())

	res, err := g.Execute(context.Background(), executor.ExecutionRequest{Script: "Get-VM"})
	require.NoError(t, err)
	assert.Equal(t, "pool", res.Backend)
}

func TestExternalOnlyNeverFallsBack(t *testing.T) {
	start := time.Now()
	ext := &fakeBackend{
		name: "process",
		res:  executor.Failed("process", start, "spawn failed"),
		err:  apperror.Mechanism("spawn failed"),
	}
	emb := &fakeBackend{name: "pool", res: okResult("pool")}
	g := New(Config{Mode: ModeExternalOnly}, ext, emb, nil, discard())

	_, err := g.Execute(context.Background(), executor.ExecutionRequest{Script: "Get-VM"})
	require.ErrorIs(t, err, apperror.ErrMechanism)
	assert.Equal(t, int64(0), emb.calls.Load())
}

func TestForceEmbeddedSticky(t *testing.T) {
	ext := &fakeBackend{name: "process", res: okResult("process")}
	emb := &fakeBackend{name: "pool", res: okResult("pool")}
	g := New(Config{}, ext, emb, nil, discard())

	g.ForceEmbedded(true)
	for range 3 {
		res, err := g.Execute(context.Background(), executor.ExecutionRequest{Script: "Get-VM"})
		require.NoError(t, err)
		assert.Equal(t, "pool", res.Backend)
	}
	assert.Equal(t, int64(0), ext.calls.Load())

	g.ForceEmbedded(false)
	res, err := g.Execute(context.Background(), executor.ExecutionRequest{Script: "Get-VM"})
	require.NoError(t, err)
	assert.Equal(t, "process", res.Backend)
}

func TestEmptyScriptRejected(t *testing.T) {
	ext := &fakeBackend{name: "process", res: okResult("process")}
	g := New(Config{}, ext, ext, nil, discard())

	res, err := g.Execute(context.Background(), executor.ExecutionRequest{})
	require.ErrorIs(t, err, apperror.ErrValidation)
	require.NotNil(t, res)
	assert.False(t, res.Success)
	assert.Equal(t, int64(0), ext.calls.Load())
}

func TestDefaultTimeoutApplied(t *testing.T) {
	var got time.Duration
	ext := &captureBackend{name: "process", capture: func(req executor.ExecutionRequest) { got = req.Timeout }}
	g := New(Config{DefaultTimeout: 42 * time.Second}, ext, ext, nil, discard())

	_, err := g.Execute(context.Background(), executor.ExecutionRequest{Script: "Get-VM"})
	require.NoError(t, err)
	assert.Equal(t, 42*time.Second, got)
}

type captureBackend struct {
	name    string
	capture func(executor.ExecutionRequest)
}

func (c *captureBackend) Name() string { return c.name }

func (c *captureBackend) Execute(_ context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	c.capture(req)
	return okResult(c.name), nil
}

func TestMaxConcurrentBounds(t *testing.T) {
	ext := &fakeBackend{name: "process", res: okResult("process"), delay: 150 * time.Millisecond}
	g := New(Config{MaxConcurrent: 1}, ext, ext, nil, discard())

	start := time.Now()
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := g.Execute(context.Background(), executor.ExecutionRequest{Script: "Get-VM"})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond,
		"second request must wait for the single slot")
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("")
	require.NoError(t, err)
	assert.Equal(t, ModePreferExternal, m)

	m, err = ParseMode("embedded")
	require.NoError(t, err)
	assert.Equal(t, ModeEmbeddedOnly, m)

	m, err = ParseMode("external")
	require.NoError(t, err)
	assert.Equal(t, ModeExternalOnly, m)

	_, err = ParseMode("quantum")
	require.ErrorIs(t, err, apperror.ErrValidation)
}
