package pwsh

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/sakif/vsphere-runner/internal/apperror"
)

// Dialect abstracts interpreter-specific command-line and source syntax.
// Production code uses PowerShell; tests drive workers and runners with a
// POSIX-shell dialect so they never depend on a pwsh install.
type Dialect interface {
	// LaunchArgs is the argv (after the executable) that runs a script file
	// non-interactively with host execution restrictions bypassed.
	LaunchArgs(scriptPath string) []string
	// WorkerArgs is the argv for a long-lived worker that reads commands
	// from stdin until EOF.
	WorkerArgs() []string
	// Assign renders named parameters as variable assignments to prepend to
	// a script. Keys must be plain identifiers.
	Assign(params map[string]any) (string, error)
	// Frame wraps a script so that, whatever the script does, both output
	// streams finish with a line containing only the sentinel.
	Frame(script, sentinel string) string
	// SmokeScript prints token on standard output and nothing on error.
	SmokeScript(token string) string
}

// PowerShell is the production dialect.
type PowerShell struct{}

func (PowerShell) LaunchArgs(scriptPath string) []string {
	return []string{
		"-NoProfile",
		"-NonInteractive",
		"-ExecutionPolicy", "Bypass",
		"-OutputFormat", "Text",
		"-File", scriptPath,
	}
}

func (PowerShell) WorkerArgs() []string {
	// "-Command -" keeps one interpreter alive reading commands from stdin.
	return []string{
		"-NoProfile",
		"-NonInteractive",
		"-ExecutionPolicy", "Bypass",
		"-Command", "-",
	}
}

func (PowerShell) Assign(params map[string]any) (string, error) {
	if len(params) == 0 {
		return "", nil
	}

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		if !validIdentifier(name) {
			return "", apperror.ValidationFailed(name, fmt.Sprintf("invalid parameter name %q", name))
		}
		lit, err := Literal(params[name])
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "$%s = %s\n", name, lit)
	}
	return b.String(), nil
}

func (PowerShell) Frame(script, sentinel string) string {
	var b strings.Builder
	b.WriteString("try {\n& {\n")
	b.WriteString(script)
	b.WriteString("\n}\n} catch { [Console]::Error.WriteLine($_.ToString()) }\n")
	fmt.Fprintf(&b, "[Console]::Out.WriteLine('%s')\n", sentinel)
	fmt.Fprintf(&b, "[Console]::Error.WriteLine('%s')\n", sentinel)
	return b.String()
}

func (PowerShell) SmokeScript(token string) string {
	return fmt.Sprintf("'%s'", token)
}

// Literal renders a Go value as a PowerShell literal. Strings are
// single-quoted (PowerShell's non-interpolating form) with embedded quotes
// doubled, so parameter values can never inject script text.
func Literal(v any) (string, error) {
	switch x := v.(type) {
	case nil:
		return "$null", nil
	case string:
		return "'" + strings.ReplaceAll(x, "'", "''") + "'", nil
	case bool:
		if x {
			return "$true", nil
		}
		return "$false", nil
	case int:
		return strconv.Itoa(x), nil
	case int64:
		return strconv.FormatInt(x, 10), nil
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64), nil
	case []any:
		elems := make([]string, len(x))
		for i, e := range x {
			lit, err := Literal(e)
			if err != nil {
				return "", err
			}
			elems[i] = lit
		}
		return "@(" + strings.Join(elems, ", ") + ")", nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, len(keys))
		for i, k := range keys {
			if !validIdentifier(k) {
				return "", apperror.ValidationFailed(k, fmt.Sprintf("invalid hashtable key %q", k))
			}
			lit, err := Literal(x[k])
			if err != nil {
				return "", err
			}
			pairs[i] = k + " = " + lit
		}
		return "@{ " + strings.Join(pairs, "; ") + " }", nil
	default:
		return "", apperror.ValidationFailed("", fmt.Sprintf("unsupported parameter type %T", v))
	}
}

func validIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		alpha := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_'
		if i == 0 && !alpha {
			return false
		}
		if !alpha && (r < '0' || r > '9') {
			return false
		}
	}
	return true
}
