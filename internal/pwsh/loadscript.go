package pwsh

import (
	"fmt"
	"strings"

	"github.com/sakif/vsphere-runner/internal/apperror"
)

// Markers emitted by the generated load script, one line per module.
const (
	markLoaded = "VCRUND-MODULE-OK"
	markFailed = "VCRUND-MODULE-FAIL"
)

// LoadScript renders the PowerShell that imports every module in the plan,
// escalating through three strategies per module: import by name and exact
// version, import by manifest path, and — for mandatory modules only —
// loading the component assemblies directly before retrying the import.
// Each module reports exactly one VCRUND-MODULE-OK/FAIL line on stdout;
// failure detail goes to stderr so the pool can surface it verbatim.
func LoadScript(plan *LoadPlan) string {
	if plan == nil || len(plan.Modules) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("$ErrorActionPreference = 'Stop'\n")
	for _, m := range plan.Modules {
		name := strings.ReplaceAll(m.Name, "'", "''")
		path := strings.ReplaceAll(m.Path, "'", "''")
		ver := m.Version.String()

		fmt.Fprintf(&b, "$loaded = $false\n")
		fmt.Fprintf(&b, "try { Import-Module -Name '%s' -RequiredVersion '%s'; $loaded = $true }\n", name, ver)
		fmt.Fprintf(&b, "catch { [Console]::Error.WriteLine('%s %s by-name: ' + $_.ToString()) }\n", markFailed, name)

		fmt.Fprintf(&b, "if (-not $loaded) {\n")
		fmt.Fprintf(&b, "  try { Import-Module '%s'; $loaded = $true }\n", path)
		fmt.Fprintf(&b, "  catch { [Console]::Error.WriteLine('%s %s by-path: ' + $_.ToString()) }\n", markFailed, name)
		fmt.Fprintf(&b, "}\n")

		if mandatoryModules[m.Name] {
			fmt.Fprintf(&b, "if (-not $loaded) {\n")
			fmt.Fprintf(&b, "  try {\n")
			fmt.Fprintf(&b, "    Get-ChildItem -Path '%s' -Filter *.dll | ForEach-Object { [Reflection.Assembly]::LoadFrom($_.FullName) | Out-Null }\n", path)
			fmt.Fprintf(&b, "    Import-Module -Name '%s' -RequiredVersion '%s'\n", name, ver)
			fmt.Fprintf(&b, "    $loaded = $true\n")
			fmt.Fprintf(&b, "  } catch { [Console]::Error.WriteLine('%s %s by-assembly: ' + $_.ToString()) }\n", markFailed, name)
			fmt.Fprintf(&b, "}\n")
		}

		fmt.Fprintf(&b, "if ($loaded) { [Console]::Out.WriteLine('%s %s') } else { [Console]::Error.WriteLine('%s %s all-strategies') }\n",
			markLoaded, name, markFailed, name)
	}
	return b.String()
}

// ApplyLoadOutput marks plan modules Loaded from the load script's stdout
// and collects failure lines from stderr into the plan diagnostics. It
// fails only when not a single mandatory module loaded.
func ApplyLoadOutput(plan *LoadPlan, stdout, stderr string) error {
	for _, line := range strings.Split(stdout, "\n") {
		line = strings.TrimSpace(line)
		if name, ok := strings.CutPrefix(line, markLoaded+" "); ok {
			if m := plan.find(strings.TrimSpace(name)); m != nil {
				m.Loaded = true
			}
		}
	}
	for _, line := range strings.Split(stderr, "\n") {
		line = strings.TrimSpace(line)
		if detail, ok := strings.CutPrefix(line, markFailed+" "); ok {
			plan.Diagnostics = append(plan.Diagnostics, "load failed: "+detail)
		}
	}

	for _, m := range plan.Modules {
		if mandatoryModules[m.Name] && m.Loaded {
			return nil
		}
	}
	return apperror.Mechanism("no mandatory vendor module loaded: %s",
		strings.Join(plan.Diagnostics, "; "))
}
