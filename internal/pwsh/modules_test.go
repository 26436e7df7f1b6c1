package pwsh

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func descriptors(t *testing.T, name string, versions ...string) []ModuleDescriptor {
	t.Helper()
	out := make([]ModuleDescriptor, len(versions))
	for i, v := range versions {
		out[i] = ModuleDescriptor{
			Name:    name,
			Version: mustVersion(t, v),
			Path:    filepath.Join("/opt/modules", name, v),
		}
	}
	return out
}

func planNames(plan *LoadPlan) []string {
	names := make([]string, len(plan.Modules))
	for i, m := range plan.Modules {
		names[i] = m.Name
	}
	return names
}

func TestResolveLatestPerModule(t *testing.T) {
	installed := map[string][]ModuleDescriptor{
		ModuleCommon: descriptors(t, ModuleCommon, "13.2.0.100", "13.1.0"),
		ModuleCore:   descriptors(t, ModuleCore, "13.2.0.200", "13.1.0"),
		ModuleVds:    descriptors(t, ModuleVds, "13.2.0"),
	}

	plan, err := resolve(installed, Version{})
	require.NoError(t, err)

	assert.Equal(t, []string{ModuleCommon, ModuleCore, ModuleVds}, planNames(plan))
	assert.Equal(t, "13.2.0.100", plan.find(ModuleCommon).Version.String())
	assert.Equal(t, "13.2.0.200", plan.find(ModuleCore).Version.String())
}

// Compatibility outranks recency: with the dependent module installed at 1.0
// and 2.0 but the anchor only compatible with 1.0, the resolver downgrades
// the dependent rather than dropping it.
func TestResolveDowngradesDependentForCompatibility(t *testing.T) {
	installed := map[string][]ModuleDescriptor{
		ModuleCommon: descriptors(t, ModuleCommon, "2.0.0", "1.0.0"),
		ModuleCore:   descriptors(t, ModuleCore, "1.0.5"),
	}

	plan, err := resolve(installed, Version{})
	require.NoError(t, err)

	common := plan.find(ModuleCommon)
	require.NotNil(t, common, "dependent module must stay in the plan")
	assert.Equal(t, "1.0.0", common.Version.String())
	assert.Equal(t, "1.0.5", plan.find(ModuleCore).Version.String())
	assert.NotEmpty(t, plan.Diagnostics)
}

// Graceful degradation: with no compatible dependent version at all, the
// plan keeps the anchor alone instead of failing outright.
func TestResolveDropsIncompatibleDependent(t *testing.T) {
	installed := map[string][]ModuleDescriptor{
		ModuleCommon: descriptors(t, ModuleCommon, "11.5.0"),
		ModuleCore:   descriptors(t, ModuleCore, "13.2.0"),
	}

	plan, err := resolve(installed, Version{})
	require.NoError(t, err)

	assert.Nil(t, plan.find(ModuleCommon))
	require.NotNil(t, plan.find(ModuleCore))
	assert.Equal(t, []string{ModuleCore}, planNames(plan))
	assert.NotEmpty(t, plan.Diagnostics)
}

func TestResolveNoMandatoryModules(t *testing.T) {
	installed := map[string][]ModuleDescriptor{
		ModuleVds: descriptors(t, ModuleVds, "13.2.0"),
	}

	_, err := resolve(installed, Version{})
	assert.Error(t, err)
}

func TestResolvePinnedVersion(t *testing.T) {
	installed := map[string][]ModuleDescriptor{
		ModuleCommon: descriptors(t, ModuleCommon, "13.2.0", "13.1.0"),
		ModuleCore:   descriptors(t, ModuleCore, "13.2.0", "13.1.0"),
	}

	plan, err := resolve(installed, mustVersion(t, "13.1.0"))
	require.NoError(t, err)

	assert.Equal(t, "13.1.0", plan.find(ModuleCore).Version.String())
	assert.Equal(t, "13.1.0", plan.find(ModuleCommon).Version.String())
}

// A plan never carries two versions of the same module, whatever the
// installed layout looks like.
func TestResolveDeduplicatesByName(t *testing.T) {
	installed := map[string][]ModuleDescriptor{
		ModuleCommon: descriptors(t, ModuleCommon, "13.2.0", "13.2.0"),
		ModuleCore:   descriptors(t, ModuleCore, "13.2.0"),
	}

	plan, err := resolve(installed, Version{})
	require.NoError(t, err)

	seen := map[string]int{}
	for _, m := range plan.Modules {
		seen[m.Name]++
	}
	for name, n := range seen {
		assert.Equal(t, 1, n, "module %s appears %d times", name, n)
	}
}

func installModule(t *testing.T, root, name, version string) {
	t.Helper()
	dir := filepath.Join(root, name, version)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".psd1"), []byte("@{}"), 0o644))
}

func TestInstalledScan(t *testing.T) {
	root := t.TempDir()
	installModule(t, root, ModuleCore, "13.2.0.24145081")
	installModule(t, root, ModuleCore, "13.1.0")
	installModule(t, root, ModuleCommon, "13.2.0")
	// A version directory without a manifest is not an install.
	require.NoError(t, os.MkdirAll(filepath.Join(root, ModuleVds, "13.2.0"), 0o755))

	r, err := NewResolver([]string{root, filepath.Join(root, "missing")}, "", testLogger())
	require.NoError(t, err)

	installed, err := r.Installed()
	require.NoError(t, err)

	require.Len(t, installed[ModuleCore], 2)
	assert.Equal(t, "13.2.0.24145081", installed[ModuleCore][0].Version.String(),
		"versions must be sorted descending")
	assert.Len(t, installed[ModuleCommon], 1)
	assert.Empty(t, installed[ModuleVds])
}

func TestResolverMemoizationAndInvalidate(t *testing.T) {
	root := t.TempDir()
	installModule(t, root, ModuleCore, "13.2.0")

	r, err := NewResolver([]string{root}, "", testLogger())
	require.NoError(t, err)

	plan1, err := r.Plan()
	require.NoError(t, err)
	plan2, err := r.Plan()
	require.NoError(t, err)
	assert.Same(t, plan1, plan2, "plan must be memoized")

	installModule(t, root, ModuleCommon, "13.2.0")
	r.Invalidate()

	plan3, err := r.Plan()
	require.NoError(t, err)
	assert.NotNil(t, plan3.find(ModuleCommon), "invalidate must pick up new installs")
}

func TestWatcherInvalidates(t *testing.T) {
	root := t.TempDir()
	installModule(t, root, ModuleCore, "13.2.0")

	r, err := NewResolver([]string{root}, "", testLogger())
	require.NoError(t, err)
	_, err = r.Plan()
	require.NoError(t, err)

	w, err := NewWatcher(r, []string{root}, testLogger())
	require.NoError(t, err)
	defer w.Close()

	installModule(t, root, ModuleCommon, "13.2.0")

	// The watcher delivers asynchronously; poll until the new module shows up.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		plan, err := r.Plan()
		require.NoError(t, err)
		if plan.find(ModuleCommon) != nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("watcher never invalidated the plan cache")
}
