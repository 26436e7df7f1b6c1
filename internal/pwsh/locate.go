package pwsh

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"

	"github.com/sakif/vsphere-runner/internal/apperror"
)

// interpreterName is the PowerShell 7 ("Core" edition) binary. Windows
// PowerShell 5.1 is not supported: the vendor modules dropped it.
const interpreterName = "pwsh"

// RuntimeInfo describes the interpreter found on this host.
type RuntimeInfo struct {
	Path    string  `json:"path"`
	Version Version `json:"version"`
	Edition string  `json:"edition"`
}

// Locator finds the interpreter binary. Lookups hit $PATH once and are
// cached behind an RWMutex; a configured override skips the search.
type Locator struct {
	override string

	mu   sync.RWMutex
	path string
}

func NewLocator(override string) *Locator {
	return &Locator{override: override}
}

// Path returns the interpreter executable path.
func (l *Locator) Path() (string, error) {
	if l.override != "" {
		return l.override, nil
	}

	l.mu.RLock()
	if l.path != "" {
		defer l.mu.RUnlock()
		return l.path, nil
	}
	l.mu.RUnlock()

	path, err := exec.LookPath(interpreterName)
	if err != nil {
		return "", apperror.Mechanism("interpreter %q not found in PATH: %v", interpreterName, err)
	}

	l.mu.Lock()
	l.path = path
	l.mu.Unlock()
	return path, nil
}

// Runtime queries the interpreter for its version and edition. Used by the
// diagnostics engine; one short-lived process per call.
func (l *Locator) Runtime(ctx context.Context) (RuntimeInfo, error) {
	path, err := l.Path()
	if err != nil {
		return RuntimeInfo{}, err
	}

	cmd := exec.CommandContext(ctx, path,
		"-NoProfile", "-NonInteractive", "-Command",
		`"$($PSVersionTable.PSVersion)|$($PSVersionTable.PSEdition)"`)
	out, err := cmd.Output()
	if err != nil {
		return RuntimeInfo{}, apperror.Mechanism("querying interpreter runtime: %v", err)
	}

	fields := strings.SplitN(strings.TrimSpace(string(out)), "|", 2)
	if len(fields) != 2 {
		return RuntimeInfo{}, apperror.Mechanism("unexpected $PSVersionTable output %q", string(out))
	}
	ver, err := ParseVersion(fields[0])
	if err != nil {
		return RuntimeInfo{}, fmt.Errorf("parsing interpreter version: %w", err)
	}

	return RuntimeInfo{Path: path, Version: ver, Edition: fields[1]}, nil
}
