// Package history keeps an audit trail of gateway executions. One row per
// run: what ran, on which backend, how it ended, how long it took. This is
// the core's own bookkeeping — inventory persistence lives elsewhere.
package history

import (
	"context"
	"time"
)

// Outcome kinds recorded per run.
const (
	KindOK        = "ok"
	KindScript    = "script_failure"
	KindMechanism = "mechanism_failure"
	KindTimeout   = "timeout"
	KindCanceled  = "canceled"
)

// Record is one executed request.
type Record struct {
	ID        string        `json:"id"`
	Backend   string        `json:"backend"`
	Kind      string        `json:"kind"`
	Success   bool          `json:"success"`
	ErrorText string        `json:"errorText,omitempty"`
	Duration  time.Duration `json:"duration"`
	StartedAt time.Time     `json:"startedAt"`
}

// Recorder is what the gateway needs. The sqlite DB implements it; tests
// use an in-memory fake.
type Recorder interface {
	Record(ctx context.Context, rec *Record) error
	List(ctx context.Context, limit int) ([]Record, error)
}
