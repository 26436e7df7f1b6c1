package pwsh

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadScriptStrategies(t *testing.T) {
	plan := &LoadPlan{Modules: []ModuleDescriptor{
		{Name: ModuleCore, Version: mustVersion(t, "13.2.0"), Path: "/opt/m/Core/13.2.0"},
		{Name: ModuleVds, Version: mustVersion(t, "13.2.0"), Path: "/opt/m/Vds/13.2.0"},
	}}

	script := LoadScript(plan)

	assert.Contains(t, script, "Import-Module -Name 'VMware.VimAutomation.Core' -RequiredVersion '13.2.0'")
	assert.Contains(t, script, "Import-Module '/opt/m/Core/13.2.0'")
	// Assembly fallback applies to mandatory modules only.
	assert.Contains(t, script, "[Reflection.Assembly]::LoadFrom")
	assert.Equal(t, 1, strings.Count(script, "LoadFrom"),
		"optional modules must not get the assembly fallback")
}

func TestLoadScriptEmptyPlan(t *testing.T) {
	assert.Empty(t, LoadScript(nil))
	assert.Empty(t, LoadScript(&LoadPlan{}))
}

func TestApplyLoadOutput(t *testing.T) {
	newPlan := func() *LoadPlan {
		return &LoadPlan{Modules: []ModuleDescriptor{
			{Name: ModuleCommon},
			{Name: ModuleCore},
			{Name: ModuleVds},
		}}
	}

	t.Run("all loaded", func(t *testing.T) {
		plan := newPlan()
		stdout := "VCRUND-MODULE-OK VMware.VimAutomation.Common\n" +
			"VCRUND-MODULE-OK VMware.VimAutomation.Core\n" +
			"VCRUND-MODULE-OK VMware.VimAutomation.Vds\n"
		require.NoError(t, ApplyLoadOutput(plan, stdout, ""))
		for _, m := range plan.Modules {
			assert.True(t, m.Loaded, m.Name)
		}
	})

	t.Run("optional failure degrades only", func(t *testing.T) {
		plan := newPlan()
		stdout := "VCRUND-MODULE-OK VMware.VimAutomation.Common\n" +
			"VCRUND-MODULE-OK VMware.VimAutomation.Core\n"
		stderr := "VCRUND-MODULE-FAIL VMware.VimAutomation.Vds all-strategies\n"
		require.NoError(t, ApplyLoadOutput(plan, stdout, stderr))
		assert.False(t, plan.find(ModuleVds).Loaded)
		assert.NotEmpty(t, plan.Diagnostics)
	})

	t.Run("no mandatory module fails", func(t *testing.T) {
		plan := newPlan()
		stdout := "VCRUND-MODULE-OK VMware.VimAutomation.Vds\n"
		stderr := "VCRUND-MODULE-FAIL VMware.VimAutomation.Core by-name: not found\n"
		err := ApplyLoadOutput(plan, stdout, stderr)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no mandatory vendor module loaded")
	})
}
