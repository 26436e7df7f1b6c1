package pwsh

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sakif/vsphere-runner/internal/apperror"
)

// Vendor automation modules, in load order: foundation first, then the
// module carrying the remote-management command vocabulary, then optional
// extensions.
const (
	ModuleCommon  = "VMware.VimAutomation.Common"
	ModuleCore    = "VMware.VimAutomation.Core"
	ModuleStorage = "VMware.VimAutomation.Storage"
	ModuleVds     = "VMware.VimAutomation.Vds"
)

// moduleAnchor is the module whose installed version anchors compatibility
// decisions; moduleDependent must match it at the major.minor level.
const (
	moduleAnchor    = ModuleCore
	moduleDependent = ModuleCommon
)

var loadOrder = []string{ModuleCommon, ModuleCore, ModuleStorage, ModuleVds}

// mandatoryModules must load for the pool to come up; extensions only add
// capability.
var mandatoryModules = map[string]bool{
	ModuleCommon: true,
	ModuleCore:   true,
}

// ModuleDescriptor is one installed (or planned) vendor module version.
type ModuleDescriptor struct {
	Name    string  `json:"name"`
	Version Version `json:"version"`
	Path    string  `json:"path"`
	Loaded  bool    `json:"loaded"`
}

// LoadPlan is the version-consistent module set chosen for one interpreter
// lifetime. It never contains two versions of the same module.
type LoadPlan struct {
	Modules []ModuleDescriptor `json:"modules"`
	// Diagnostics records, in human-readable form, every candidate that was
	// rejected or dropped and why.
	Diagnostics []string `json:"diagnostics,omitempty"`
}

// HasMandatory reports whether at least one mandatory module made the plan.
func (p *LoadPlan) HasMandatory() bool {
	for _, m := range p.Modules {
		if mandatoryModules[m.Name] {
			return true
		}
	}
	return false
}

func (p *LoadPlan) find(name string) *ModuleDescriptor {
	for i := range p.Modules {
		if p.Modules[i].Name == name {
			return &p.Modules[i]
		}
	}
	return nil
}

// Resolver scans the host's module roots and memoizes one LoadPlan per
// interpreter lifetime. Invalidate clears the memo (the directory watcher
// calls it when modules are installed or removed).
type Resolver struct {
	roots  []string
	pinned Version
	logger *slog.Logger

	mu        sync.Mutex
	installed map[string][]ModuleDescriptor
	plan      *LoadPlan
}

// NewResolver creates a resolver over the given module root directories.
// pinned, when non-empty, prefers that exact version of every module.
func NewResolver(roots []string, pinned string, logger *slog.Logger) (*Resolver, error) {
	r := &Resolver{roots: roots, logger: logger}
	if pinned != "" {
		v, err := ParseVersion(pinned)
		if err != nil {
			return nil, fmt.Errorf("pinned module version: %w", err)
		}
		r.pinned = v
	}
	return r, nil
}

// DefaultModuleRoots returns the directories pwsh searches for installed
// modules on this host.
func DefaultModuleRoots() []string {
	home, err := os.UserHomeDir()
	if err != nil {
		return []string{"/usr/local/share/powershell/Modules"}
	}
	return []string{
		filepath.Join(home, ".local", "share", "powershell", "Modules"),
		"/usr/local/share/powershell/Modules",
	}
}

// Installed returns every installed module grouped by name, versions sorted
// descending. The scan is memoized until Invalidate.
func (r *Resolver) Installed() (map[string][]ModuleDescriptor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.installedLocked()
}

func (r *Resolver) installedLocked() (map[string][]ModuleDescriptor, error) {
	if r.installed != nil {
		return r.installed, nil
	}

	installed := make(map[string][]ModuleDescriptor)
	for _, root := range r.roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			// A missing root is normal (fresh host); anything else is worth
			// a log line but must not fail the scan of the other roots.
			if !os.IsNotExist(err) {
				r.logger.Warn("skipping unreadable module root",
					slog.String("root", root), slog.String("error", err.Error()))
			}
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			name := e.Name()
			versions, err := os.ReadDir(filepath.Join(root, name))
			if err != nil {
				continue
			}
			for _, ve := range versions {
				if !ve.IsDir() {
					continue
				}
				v, err := ParseVersion(ve.Name())
				if err != nil {
					continue
				}
				dir := filepath.Join(root, name, ve.Name())
				if _, err := os.Stat(filepath.Join(dir, name+".psd1")); err != nil {
					continue // version dir without a manifest is not an install
				}
				installed[name] = append(installed[name], ModuleDescriptor{
					Name:    name,
					Version: v,
					Path:    dir,
				})
			}
		}
	}

	for name := range installed {
		mods := installed[name]
		sort.Slice(mods, func(i, j int) bool {
			return mods[i].Version.Compare(mods[j].Version) > 0
		})
	}

	r.installed = installed
	return installed, nil
}

// Plan computes (or returns the memoized) load plan.
func (r *Resolver) Plan() (*LoadPlan, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.plan != nil {
		return r.plan, nil
	}
	installed, err := r.installedLocked()
	if err != nil {
		return nil, err
	}
	plan, err := resolve(installed, r.pinned)
	if err != nil {
		return nil, err
	}
	r.plan = plan
	r.logger.Info("resolved module load plan",
		slog.Int("modules", len(plan.Modules)),
		slog.Int("diagnostics", len(plan.Diagnostics)))
	return plan, nil
}

// Invalidate discards the memoized scan and plan. The next Plan call
// re-reads the filesystem.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	r.installed = nil
	r.plan = nil
	r.mu.Unlock()
}

// resolve chooses a version-consistent module set:
//
//  1. latest installed version per module (or the pinned version when
//     present),
//  2. if anchor and dependent mismatch at major.minor, walk the dependent's
//     older versions for one matching the anchor; when none matches, keep
//     the anchor and drop the dependent — degraded capability beats total
//     failure,
//  3. order foundation → core → extensions, deduplicated by name.
func resolve(installed map[string][]ModuleDescriptor, pinned Version) (*LoadPlan, error) {
	plan := &LoadPlan{}
	selected := make(map[string]ModuleDescriptor)

	pick := func(name string) (ModuleDescriptor, bool) {
		candidates := installed[name]
		if len(candidates) == 0 {
			return ModuleDescriptor{}, false
		}
		if !pinned.IsZero() {
			for _, c := range candidates {
				if c.Version.Compare(pinned) == 0 {
					return c, true
				}
			}
			plan.Diagnostics = append(plan.Diagnostics, fmt.Sprintf(
				"%s: pinned version %s not installed, using latest %s",
				name, pinned, candidates[0].Version))
		}
		return candidates[0], true
	}

	for _, name := range loadOrder {
		if m, ok := pick(name); ok {
			selected[name] = m
		} else if mandatoryModules[name] {
			plan.Diagnostics = append(plan.Diagnostics,
				fmt.Sprintf("%s: no installed version found", name))
		}
	}

	anchor, haveAnchor := selected[moduleAnchor]
	dependent, haveDependent := selected[moduleDependent]

	if haveAnchor && haveDependent && !anchor.Version.SameMajorMinor(dependent.Version) {
		matched := false
		for _, c := range installed[moduleDependent] {
			if c.Version.SameMajorMinor(anchor.Version) {
				plan.Diagnostics = append(plan.Diagnostics, fmt.Sprintf(
					"%s: downgraded %s -> %s to match %s %s",
					moduleDependent, dependent.Version, c.Version, moduleAnchor, anchor.Version))
				selected[moduleDependent] = c
				matched = true
				break
			}
		}
		if !matched {
			plan.Diagnostics = append(plan.Diagnostics, fmt.Sprintf(
				"%s: no version compatible with %s %s, dropping it",
				moduleDependent, moduleAnchor, anchor.Version))
			delete(selected, moduleDependent)
		}
	}

	seen := make(map[string]bool)
	for _, name := range loadOrder {
		m, ok := selected[name]
		if !ok || seen[name] {
			continue
		}
		seen[name] = true
		plan.Modules = append(plan.Modules, m)
	}

	if !plan.HasMandatory() {
		return nil, apperror.Mechanism(
			"no mandatory vendor module installed (looked for %s, %s)",
			moduleDependent, moduleAnchor)
	}
	return plan, nil
}
