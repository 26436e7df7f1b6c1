package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startTestWorker(t *testing.T) *Worker {
	t.Helper()
	w, err := StartWorker(WorkerConfig{Interpreter: "sh", Dialect: shDialect{}}, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })
	return w
}

func TestWorkerSeparatesStreams(t *testing.T) {
	w := startTestWorker(t)

	out, warn, errText, err := w.Run(context.Background(),
		"echo normal\necho 'WARNING: cpu hot-add is disabled'\necho failed 1>&2")
	require.NoError(t, err)

	assert.Equal(t, "normal", out)
	assert.Equal(t, "cpu hot-add is disabled", warn)
	assert.Equal(t, "failed", errText)
}

func TestWorkerSequentialCommands(t *testing.T) {
	w := startTestWorker(t)

	for i, script := range []string{"echo one", "echo two", "echo three"} {
		out, _, _, err := w.Run(context.Background(), script)
		require.NoError(t, err, "command %d", i)
		assert.NotEmpty(t, out)
	}
}

func TestWorkerCloseReleasesFloodingProcess(t *testing.T) {
	w := startTestWorker(t)

	// The script never emits the sentinel and floods stdout far past the
	// channel buffer, so the abandoned pumps end up blocked on a send.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, _, _, err := w.Run(ctx, "while true; do echo spam; done")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, w.Broken())

	// Close must kill the process and let both pump goroutines finish;
	// goleak verifies at package exit that none survive.
	closed := make(chan error, 1)
	go func() { closed <- w.Close() }()
	select {
	case <-closed:
	case <-time.After(10 * time.Second):
		t.Fatal("Close did not return for a flooding worker")
	}
}

func TestWorkerBrokenAfterClose(t *testing.T) {
	w := startTestWorker(t)
	require.NoError(t, w.Close())

	assert.True(t, w.Broken())
	_, _, _, err := w.Run(context.Background(), "echo hi")
	assert.Error(t, err, "a closed worker must refuse commands")
}
