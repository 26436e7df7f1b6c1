// Package session manages persistent vCenter connections. Each session owns
// a private interpreter worker holding live PowerCLI state (the VIServer
// connection), so consecutive commands skip the multi-second login.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/vsphere-runner/internal/apperror"
	"github.com/sakif/vsphere-runner/internal/executor"
	"github.com/sakif/vsphere-runner/internal/pwsh"
)

// markConnected is printed by the login script after Connect-VIServer
// succeeds. Its absence means the connection did not come up even when the
// cmdlet produced no terminating error.
const markConnected = "VCRUND-CONNECTED"

// Worker is the slice of the interpreter worker a session needs. Satisfied
// by *pool.Worker; tests substitute a fake.
type Worker interface {
	Run(ctx context.Context, script string) (stdout, warnings, stderr string, err error)
	Broken() bool
	Close() error
}

// WorkerFactory spawns a fresh interpreter worker for a new session.
type WorkerFactory func() (Worker, error)

// Config configures the session manager.
type Config struct {
	Factory WorkerFactory
	Dialect pwsh.Dialect
	// ConnectTimeout bounds the Connect-VIServer login. Defaults to 60s.
	ConnectTimeout time.Duration
	// CommandTimeout is the default per-command deadline. Defaults to 5m.
	CommandTimeout time.Duration
	// IdleTimeout, when positive, lets Reap close sessions with no
	// activity for this long.
	IdleTimeout time.Duration
}

// Session is one live vCenter connection. The cmdSlot channel has capacity
// one, so a session runs at most one command at a time by construction;
// callers queue on the slot rather than corrupting the worker's stream.
type Session struct {
	ID        string
	Server    string
	Username  string
	CreatedAt time.Time

	mu           sync.Mutex
	lastActivity time.Time
	busy         bool
	worker       Worker
	cmdSlot      chan struct{}
}

// Info is a read-only snapshot for listings.
type Info struct {
	ID           string    `json:"id"`
	Server       string    `json:"server"`
	Username     string    `json:"username"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// setBusy marks a command in flight so the reaper never counts its runtime
// as idle time.
func (s *Session) setBusy(busy bool) {
	s.mu.Lock()
	s.busy = busy
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (s *Session) snapshot() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.ID,
		Server:       s.Server,
		Username:     s.Username,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
	}
}

// Manager owns the session registry.
type Manager struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.RWMutex
	sessions map[string]*Session
	closed   bool
}

// NewManager wires a session manager.
func NewManager(cfg Config, logger *slog.Logger) *Manager {
	if cfg.Dialect == nil {
		cfg.Dialect = pwsh.PowerShell{}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 60 * time.Second
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 5 * time.Minute
	}
	return &Manager{
		cfg:      cfg,
		logger:   logger,
		sessions: make(map[string]*Session),
	}
}

// Connect logs into a vCenter server and registers a session. The worker is
// registered only after the login verifiably succeeded; on any failure it
// is disposed so a half-connected interpreter never leaks into the
// registry.
func (m *Manager) Connect(ctx context.Context, server, username, password string) (*Session, error) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, apperror.Unavailable("sessions", fmt.Errorf("manager is shut down"))
	}

	w, err := m.cfg.Factory()
	if err != nil {
		return nil, apperror.Mechanism("starting session worker: %v", err)
	}

	script, err := m.connectScript(server, username, password)
	if err != nil {
		_ = w.Close()
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, m.cfg.ConnectTimeout)
	defer cancel()

	stdout, _, stderr, runErr := w.Run(connectCtx, script)
	if runErr != nil {
		_ = w.Close()
		if connectCtx.Err() != nil && ctx.Err() == nil {
			return nil, apperror.Timeout(m.cfg.ConnectTimeout)
		}
		return nil, apperror.Mechanism("login script did not complete: %v", runErr)
	}
	if strings.TrimSpace(stderr) != "" {
		_ = w.Close()
		return nil, ClassifyConnection(stderr)
	}
	if !strings.Contains(stdout, markConnected) {
		_ = w.Close()
		return nil, apperror.Connection("unknown", "login produced no error but the connection marker is missing")
	}

	now := time.Now()
	s := &Session{
		ID:           xid.New().String(),
		Server:       server,
		Username:     username,
		CreatedAt:    now,
		lastActivity: now,
		worker:       w,
		cmdSlot:      make(chan struct{}, 1),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = w.Close()
		return nil, apperror.Unavailable("sessions", fmt.Errorf("manager is shut down"))
	}
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session connected",
		slog.String("session", s.ID),
		slog.String("server", server),
		slog.String("user", username))
	return s, nil
}

func (m *Manager) connectScript(server, username, password string) (string, error) {
	preamble, err := m.cfg.Dialect.Assign(map[string]any{
		"vcServer":   server,
		"vcUser":     username,
		"vcPassword": password,
	})
	if err != nil {
		return "", err
	}
	return preamble + `
$securePass = ConvertTo-SecureString -String $vcPassword -AsPlainText -Force
$cred = New-Object System.Management.Automation.PSCredential($vcUser, $securePass)
Connect-VIServer -Server $vcServer -Credential $cred -ErrorAction Stop | Out-Null
Remove-Variable vcPassword, securePass, cred
Write-Output '` + markConnected + `'`, nil
}

// Run executes a script on the session's private worker. At most one
// command runs per session; a second caller waits on the command slot or
// gives up with its context.
func (m *Manager) Run(ctx context.Context, id string, req executor.ExecutionRequest) (*executor.ExecutionResult, error) {
	s, err := m.lookup(id)
	if err != nil {
		return nil, err
	}

	if req.Timeout <= 0 {
		req.Timeout = m.cfg.CommandTimeout
	}
	start := time.Now()

	select {
	case s.cmdSlot <- struct{}{}:
		s.setBusy(true)
		defer func() {
			s.setBusy(false)
			<-s.cmdSlot
		}()
	case <-ctx.Done():
		cls := apperror.Canceled("waiting for session command slot")
		return executor.Failed(backendName(id), start, cls.Message), cls
	}

	script := req.Script
	if len(req.Parameters) > 0 {
		preamble, err := m.cfg.Dialect.Assign(req.Parameters)
		if err != nil {
			return executor.Failed(backendName(id), start, err.Error()), err
		}
		script = preamble + "\n" + script
	}

	execCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	stdout, warnings, stderr, runErr := s.worker.Run(execCtx, script)
	s.touch()

	if runErr != nil {
		// The frame was abandoned mid-stream; the worker's connection
		// state is no longer trustworthy.
		m.logger.Warn("session worker failed mid-command, disconnecting",
			slog.String("session", id), slog.String("error", runErr.Error()))
		m.disposeOwned(s, context.Background())

		if execCtx.Err() != nil {
			if ctx.Err() != nil {
				cls := apperror.Canceled("session command")
				return executor.Failed(backendName(id), start, cls.Message), cls
			}
			return executor.Failed(backendName(id), start, "command timed out"),
				apperror.Timeout(req.Timeout)
		}
		return executor.Failed(backendName(id), start, runErr.Error()),
			apperror.Mechanism("session worker: %v", runErr)
	}

	res := &executor.ExecutionResult{
		Success:  true,
		Output:   stdout,
		Warnings: warnings,
		Backend:  backendName(id),
	}
	if strings.TrimSpace(stderr) != "" {
		res.ErrorText = strings.TrimSpace(stderr)
	} else if objs, ok := executor.DecodeObjects(stdout); ok {
		res.Objects = objs
	}
	return executor.Finalize(res, start), nil
}

// Disconnect logs out and disposes the session. The Disconnect-VIServer
// call is best effort: a server that refuses the logout must not keep the
// session pinned in the registry.
func (m *Manager) Disconnect(ctx context.Context, id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	m.dispose(s, ctx)
	m.logger.Info("session disconnected", slog.String("session", id))
	return nil
}

// logoutWait bounds how long dispose waits for an in-flight command before
// it gives up on a clean logout and just kills the worker.
const logoutWait = 10 * time.Second

// dispose logs out best-effort, closes the worker and deregisters. It takes
// the command slot first so the logout frame never interleaves with an
// in-flight command on the worker's stdin; after a bounded wait (or when
// the context dies) the logout is skipped and the worker closed anyway.
func (m *Manager) dispose(s *Session, ctx context.Context) {
	slotTimer := time.NewTimer(logoutWait)
	defer slotTimer.Stop()

	select {
	case s.cmdSlot <- struct{}{}:
		m.logout(s, ctx)
		<-s.cmdSlot
	case <-ctx.Done():
		m.logger.Warn("skipping logout, context canceled", slog.String("session", s.ID))
	case <-slotTimer.C:
		m.logger.Warn("session busy, skipping logout", slog.String("session", s.ID))
	}
	m.teardown(s)
}

// disposeOwned is dispose for a caller already holding the command slot.
func (m *Manager) disposeOwned(s *Session, ctx context.Context) {
	m.logout(s, ctx)
	m.teardown(s)
}

func (m *Manager) logout(s *Session, ctx context.Context) {
	if s.worker.Broken() {
		return
	}
	logoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, _, _, err := s.worker.Run(logoutCtx, "Disconnect-VIServer -Server * -Confirm:$false -ErrorAction SilentlyContinue"); err != nil {
		m.logger.Warn("logout failed, closing worker anyway",
			slog.String("session", s.ID), slog.String("error", err.Error()))
	}
}

func (m *Manager) teardown(s *Session) {
	if err := s.worker.Close(); err != nil {
		m.logger.Warn("closing session worker",
			slog.String("session", s.ID), slog.String("error", err.Error()))
	}

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
}

// Get returns a snapshot of one session.
func (m *Manager) Get(id string) (Info, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	return s.snapshot(), nil
}

// List returns snapshots of all live sessions.
func (m *Manager) List() []Info {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Info, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Reap disconnects sessions idle longer than the configured IdleTimeout.
// It returns the IDs it closed.
func (m *Manager) Reap(ctx context.Context) []string {
	if m.cfg.IdleTimeout <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-m.cfg.IdleTimeout)

	m.mu.RLock()
	var stale []*Session
	for _, s := range m.sessions {
		s.mu.Lock()
		idle := !s.busy && s.lastActivity.Before(cutoff)
		s.mu.Unlock()
		if idle {
			stale = append(stale, s)
		}
	}
	m.mu.RUnlock()

	var closed []string
	for _, s := range stale {
		m.logger.Info("reaping idle session", slog.String("session", s.ID))
		m.dispose(s, ctx)
		closed = append(closed, s.ID)
	}
	return closed
}

// CloseAll disconnects every session and refuses new connects. Used at
// shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	m.closed = true
	all := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		all = append(all, s)
	}
	m.mu.Unlock()

	for _, s := range all {
		m.dispose(s, ctx)
	}
}

func (m *Manager) lookup(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, apperror.NotFound("session", id)
	}
	return s, nil
}

func backendName(id string) string {
	return "session:" + id
}
