// Package diag probes the host for the usual reasons script execution
// breaks: missing interpreter, restrictive execution policy, absent or
// conflicting automation modules, proxies in the way. Probes are
// independent; one failing never hides what the others found.
package diag

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sakif/vsphere-runner/internal/executor"
	"github.com/sakif/vsphere-runner/internal/pwsh"
)

// Severity ranks an issue.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Report status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Issue is one detected problem. AutoFixable issues carry the exact script
// Repair will run.
type Issue struct {
	Severity       Severity `json:"severity"`
	Category       string   `json:"category"`
	Description    string   `json:"description"`
	Recommendation string   `json:"recommendation,omitempty"`
	AutoFixable    bool     `json:"autoFixable"`
	FixScript      string   `json:"-"`
}

// Report is the outcome of one diagnostic pass.
type Report struct {
	Status    string            `json:"status"`
	Issues    []Issue           `json:"issues"`
	Details   map[string]string `json:"details"`
	CheckedAt time.Time         `json:"checkedAt"`
}

// RepairAction records one applied fix.
type RepairAction struct {
	Category    string `json:"category"`
	Description string `json:"description"`
	Success     bool   `json:"success"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

// ScriptRunner executes diagnostic scripts. The gateway satisfies it.
type ScriptRunner interface {
	Execute(ctx context.Context, req executor.ExecutionRequest) (*executor.ExecutionResult, error)
}

// RuntimeSource reports the installed interpreter. *pwsh.Locator satisfies
// it.
type RuntimeSource interface {
	Runtime(ctx context.Context) (pwsh.RuntimeInfo, error)
}

// ModuleSource reports installed automation modules. *pwsh.Resolver
// satisfies it.
type ModuleSource interface {
	Plan() (*pwsh.LoadPlan, error)
	Installed() (map[string][]pwsh.ModuleDescriptor, error)
}

// Engine runs diagnostic probes and applies repairs.
type Engine struct {
	runner  ScriptRunner
	runtime RuntimeSource
	modules ModuleSource
}

// NewEngine wires a diagnostics engine.
func NewEngine(runner ScriptRunner, runtime RuntimeSource, modules ModuleSource) *Engine {
	return &Engine{runner: runner, runtime: runtime, modules: modules}
}

// probeTimeout bounds each individual probe.
const probeTimeout = 30 * time.Second

// report accumulates probe results behind a mutex; probes run
// concurrently.
type report struct {
	mu      sync.Mutex
	issues  []Issue
	details map[string]string
}

func (r *report) addIssue(i Issue) {
	r.mu.Lock()
	r.issues = append(r.issues, i)
	r.mu.Unlock()
}

func (r *report) detail(key, value string) {
	r.mu.Lock()
	r.details[key] = value
	r.mu.Unlock()
}

// Check runs all probes and assembles a report. Probes never fail the
// pass: a probe that cannot run records that fact as a detail (or an
// issue) and the rest proceed.
func (e *Engine) Check(ctx context.Context) *Report {
	acc := &report{details: make(map[string]string)}

	g, gctx := errgroup.WithContext(ctx)
	probes := []func(context.Context, *report){
		e.probeInterpreter,
		e.probeExecutionPolicy,
		e.probeModules,
		e.probeSmoke,
		e.probeProxy,
	}
	for _, probe := range probes {
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, probeTimeout)
			defer cancel()
			probe(pctx, acc)
			return nil
		})
	}
	_ = g.Wait() // probes return nil; the group only fans out

	sort.Slice(acc.issues, func(i, j int) bool {
		return severityRank(acc.issues[i].Severity) > severityRank(acc.issues[j].Severity)
	})

	return &Report{
		Status:    statusOf(acc.issues),
		Issues:    acc.issues,
		Details:   acc.details,
		CheckedAt: time.Now(),
	}
}

func severityRank(s Severity) int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

func statusOf(issues []Issue) string {
	status := StatusHealthy
	for _, i := range issues {
		switch i.Severity {
		case SeverityCritical:
			return StatusUnhealthy
		case SeverityHigh, SeverityMedium:
			status = StatusDegraded
		}
	}
	return status
}

func (e *Engine) probeInterpreter(ctx context.Context, acc *report) {
	info, err := e.runtime.Runtime(ctx)
	if err != nil {
		acc.addIssue(Issue{
			Severity:       SeverityCritical,
			Category:       "interpreter",
			Description:    fmt.Sprintf("no usable PowerShell interpreter: %v", err),
			Recommendation: "install PowerShell 7 (pwsh) and ensure it is on PATH",
		})
		return
	}
	acc.detail("interpreter.path", info.Path)
	acc.detail("interpreter.version", info.Version.String())
	acc.detail("interpreter.edition", info.Edition)

	if info.Edition != "" && info.Edition != "Core" {
		acc.addIssue(Issue{
			Severity:       SeverityHigh,
			Category:       "interpreter",
			Description:    fmt.Sprintf("interpreter edition is %q, not Core", info.Edition),
			Recommendation: "run under PowerShell 7 (Core); Windows PowerShell 5.1 is not supported",
		})
	}
	if info.Version.Major > 0 && info.Version.Major < 7 {
		acc.addIssue(Issue{
			Severity:       SeverityHigh,
			Category:       "interpreter",
			Description:    fmt.Sprintf("interpreter version %s is older than 7.0", info.Version),
			Recommendation: "upgrade to PowerShell 7 or newer",
		})
	}
}

// restrictivePolicies block -File execution of unsigned local scripts.
var restrictivePolicies = map[string]bool{
	"Restricted": true,
	"AllSigned":  true,
}

const policyProbeScript = `Get-ExecutionPolicy -List | ForEach-Object { "$($_.Scope)=$($_.ExecutionPolicy)" }
"Effective=$(Get-ExecutionPolicy)"`

const policyFixScript = `Set-ExecutionPolicy -Scope CurrentUser -ExecutionPolicy RemoteSigned -Force`

func (e *Engine) probeExecutionPolicy(ctx context.Context, acc *report) {
	res, err := e.runner.Execute(ctx, executor.ExecutionRequest{Script: policyProbeScript, Timeout: probeTimeout})
	if err != nil || !res.Success {
		acc.detail("policy.error", probeFailureText(res, err))
		return
	}

	effective := ""
	for line := range strings.Lines(res.Output) {
		scope, policy, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		acc.detail("policy."+scope, policy)
		if scope == "Effective" {
			effective = policy
		}
	}

	if restrictivePolicies[effective] {
		acc.addIssue(Issue{
			Severity:       SeverityHigh,
			Category:       "execution-policy",
			Description:    fmt.Sprintf("effective execution policy %q blocks script execution", effective),
			Recommendation: "set the CurrentUser scope to RemoteSigned",
			AutoFixable:    true,
			FixScript:      policyFixScript,
		})
	}
}

func (e *Engine) probeModules(ctx context.Context, acc *report) {
	installed, err := e.modules.Installed()
	if err != nil {
		acc.detail("modules.error", err.Error())
	} else {
		for name, versions := range installed {
			var vs []string
			for _, d := range versions {
				vs = append(vs, d.Version.String())
			}
			acc.detail("modules."+name, strings.Join(vs, ", "))
			if len(versions) > 1 {
				acc.addIssue(Issue{
					Severity:    SeverityLow,
					Category:    "modules",
					Description: fmt.Sprintf("module %s is installed in %d versions (%s); only one is loaded per interpreter", name, len(versions), strings.Join(vs, ", ")),
				})
			}
		}
	}

	plan, err := e.modules.Plan()
	if err != nil {
		acc.addIssue(Issue{
			Severity:       SeverityCritical,
			Category:       "modules",
			Description:    fmt.Sprintf("no loadable automation module set: %v", err),
			Recommendation: "Install-Module VMware.PowerCLI -Scope CurrentUser",
		})
		return
	}
	if len(plan.Diagnostics) > 0 {
		acc.detail("modules.plan", strings.Join(plan.Diagnostics, "; "))
	}
}

const smokeScript = `Write-Output 'vcrund-diag'`

func (e *Engine) probeSmoke(ctx context.Context, acc *report) {
	start := time.Now()
	res, err := e.runner.Execute(ctx, executor.ExecutionRequest{Script: smokeScript, Timeout: probeTimeout})
	if err != nil || !res.Success || !strings.Contains(res.Output, "vcrund-diag") {
		acc.addIssue(Issue{
			Severity:       SeverityHigh,
			Category:       "execution",
			Description:    "a trivial script failed to execute: " + probeFailureText(res, err),
			Recommendation: "check interpreter installation and execution policy issues above",
		})
		return
	}
	acc.detail("execution.roundTrip", time.Since(start).Round(time.Millisecond).String())
}

func (e *Engine) probeProxy(_ context.Context, acc *report) {
	for _, key := range []string{"HTTPS_PROXY", "HTTP_PROXY", "NO_PROXY"} {
		if v := firstEnv(key, strings.ToLower(key)); v != "" {
			acc.detail("network."+key, v)
		}
	}
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func probeFailureText(res *executor.ExecutionResult, err error) string {
	if err != nil {
		return err.Error()
	}
	if res != nil && res.ErrorText != "" {
		return res.ErrorText
	}
	return "unknown failure"
}

// Repair applies the auto-fixable issues of a previous report, one by one.
// It never re-runs diagnostics: callers re-Check when they want proof the
// fixes took.
func (e *Engine) Repair(ctx context.Context, rep *Report) []RepairAction {
	var actions []RepairAction
	for _, issue := range rep.Issues {
		if !issue.AutoFixable || issue.FixScript == "" {
			continue
		}
		action := RepairAction{
			Category:    issue.Category,
			Description: issue.Description,
		}
		res, err := e.runner.Execute(ctx, executor.ExecutionRequest{Script: issue.FixScript, Timeout: probeTimeout})
		switch {
		case err != nil:
			action.Error = err.Error()
		case !res.Success:
			action.Error = res.ErrorText
		default:
			action.Success = true
			action.Output = strings.TrimSpace(res.Output)
		}
		actions = append(actions, action)
	}
	return actions
}
