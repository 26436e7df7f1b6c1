// Package executor defines the request/result shapes shared by both
// execution backends and the gateway that fronts them.
package executor

import (
	"context"
	"time"
)

// ExecutionRequest carries one script invocation. A request is created per
// call and discarded after use; backends never retain it.
type ExecutionRequest struct {
	// Script is the PowerShell source to run, without parameter bindings.
	Script string `json:"script"`
	// Parameters are prepended to the script as variable assignments.
	Parameters map[string]any `json:"parameters,omitempty"`
	// Timeout bounds this call. Zero means "use the gateway default".
	Timeout time.Duration `json:"timeout,omitempty"`
}

// ExecutionResult is the uniform outcome shape returned by every backend.
// Success == true implies ErrorText is empty (enforced by Finalize).
type ExecutionResult struct {
	Success   bool          `json:"success"`
	Output    string        `json:"output"`
	ErrorText string        `json:"errorText"`
	Warnings  string        `json:"warnings,omitempty"`
	Duration  time.Duration `json:"duration"`
	Backend   string        `json:"backend,omitempty"`
	// Objects holds structured records when the script emitted JSON.
	Objects []Record `json:"objects,omitempty"`
}

// Backend is one execution mechanism (isolated process or pooled
// interpreter).
//
// Contract:
//   - A non-nil error means the mechanism itself failed (wraps
//     apperror.ErrMechanism, ErrTimeout, ErrCanceled or ErrUnavailable) and
//     the result, if any, carries diagnostics only.
//   - A script that ran but reported failure returns err == nil with
//     Success == false and ErrorText populated.
//   - Implementations must be safe for concurrent use and must honor ctx
//     cancellation with full cleanup (temp files removed, processes killed,
//     slots released).
type Backend interface {
	Name() string
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// Finalize stamps the elapsed time and enforces the success invariant: any
// content on the error stream makes the result a failure. Duration is
// clamped to a positive value so callers can always rely on it, even when
// the clock granularity rounds a trivial call down to zero.
func Finalize(res *ExecutionResult, start time.Time) *ExecutionResult {
	res.Duration = time.Since(start)
	if res.Duration <= 0 {
		res.Duration = time.Nanosecond
	}
	if res.ErrorText != "" {
		res.Success = false
	}
	return res
}

// Failed builds a finalized failure result for the given backend.
func Failed(backend string, start time.Time, errorText string) *ExecutionResult {
	return Finalize(&ExecutionResult{
		Backend:   backend,
		ErrorText: errorText,
	}, start)
}
