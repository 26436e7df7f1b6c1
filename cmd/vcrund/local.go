package main

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sakif/vsphere-runner/internal/config"
	"github.com/sakif/vsphere-runner/internal/diag"
	"github.com/sakif/vsphere-runner/internal/executor"
	"github.com/sakif/vsphere-runner/internal/executor/procrun"
	"github.com/sakif/vsphere-runner/internal/pwsh"
)

// Local commands run scripts without the daemon: one isolated process per
// call, same config file, no pool and no HTTP.

var (
	execTimeout time.Duration
	execParams  []string
)

var execCmd = &cobra.Command{
	Use:   "exec [file]",
	Short: "Run a script once in an isolated process",
	Long: `Runs a script from a file (or stdin when the argument is "-" or
omitted) in a fresh interpreter process and prints its output. The process
exit code is 0 on success and 1 when the script failed.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		script, err := readScript(args)
		if err != nil {
			return err
		}

		params, err := parseParams(execParams)
		if err != nil {
			return err
		}

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		runner, _, _, err := localRunner(cfg)
		if err != nil {
			return err
		}

		timeout := execTimeout
		if timeout <= 0 {
			timeout = cfg.Execution.DefaultTimeout.Std()
		}

		res, err := runner.Execute(cmd.Context(), executor.ExecutionRequest{
			Script:     script,
			Parameters: params,
			Timeout:    timeout,
		})
		if err != nil {
			return err
		}

		fmt.Print(res.Output)
		if res.Warnings != "" {
			fmt.Fprint(os.Stderr, res.Warnings)
		}
		if !res.Success {
			fmt.Fprintln(os.Stderr, res.ErrorText)
			os.Exit(1)
		}
		return nil
	},
}

var diagnoseCmd = &cobra.Command{
	Use:   "diagnose",
	Short: "Check the host for execution problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := localEngine()
		if err != nil {
			return err
		}
		rep := engine.Check(cmd.Context())
		printReport(rep)
		if rep.Status == diag.StatusUnhealthy {
			os.Exit(1)
		}
		return nil
	},
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Apply auto-fixable repairs for detected problems",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine, err := localEngine()
		if err != nil {
			return err
		}
		rep := engine.Check(cmd.Context())
		actions := engine.Repair(cmd.Context(), rep)
		if len(actions) == 0 {
			fmt.Println("nothing to repair")
			return nil
		}
		for _, a := range actions {
			status := "ok"
			if !a.Success {
				status = "failed: " + a.Error
			}
			fmt.Printf("[%s] %s: %s\n", a.Category, a.Description, status)
		}
		fmt.Println("re-run `vcrund diagnose` to verify")
		return nil
	},
}

func init() {
	execCmd.Flags().DurationVarP(&execTimeout, "timeout", "t", 0, "execution timeout (default from config)")
	execCmd.Flags().StringArrayVarP(&execParams, "param", "p", nil, "script parameter as name=value (repeatable)")
}

func readScript(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("reading stdin: %w", err)
		}
		return string(data), nil
	}
	data, err := os.ReadFile(args[0])
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func parseParams(raw []string) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	params := make(map[string]any, len(raw))
	for _, p := range raw {
		name, value, ok := strings.Cut(p, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid parameter %q, want name=value", p)
		}
		params[name] = value
	}
	return params, nil
}

func localRunner(cfg *config.Config) (*procrun.Runner, *pwsh.Locator, *pwsh.Resolver, error) {
	// Logs go to stderr so exec's stdout carries only script output.
	logger := newLogger(cfg, os.Stderr)

	locator := pwsh.NewLocator(cfg.Interpreter.Path)
	interpreter, err := locator.Path()
	if err != nil {
		// Keep going so `diagnose` can report the missing interpreter;
		// execution attempts will fail with a mechanism error.
		logger.Warn("no interpreter found", "error", err.Error())
		interpreter = "pwsh"
	}

	roots := cfg.Interpreter.ModulePaths
	if len(roots) == 0 {
		roots = pwsh.DefaultModuleRoots()
	}
	resolver, err := pwsh.NewResolver(roots, cfg.Interpreter.PinnedVersion, logger)
	if err != nil {
		return nil, nil, nil, err
	}

	runner := procrun.New(procrun.Config{
		Interpreter: interpreter,
		Dialect:     pwsh.PowerShell{},
		InheritEnv:  cfg.Execution.InheritEnv,
	}, logger)
	return runner, locator, resolver, nil
}

func localEngine() (*diag.Engine, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	runner, locator, resolver, err := localRunner(cfg)
	if err != nil {
		return nil, err
	}
	return diag.NewEngine(runner, locator, resolver), nil
}

func printReport(rep *diag.Report) {
	fmt.Printf("status: %s\n", rep.Status)
	for _, issue := range rep.Issues {
		fmt.Printf("  [%s] %s: %s\n", issue.Severity, issue.Category, issue.Description)
		if issue.Recommendation != "" {
			fmt.Printf("      recommendation: %s\n", issue.Recommendation)
		}
		if issue.AutoFixable {
			fmt.Println("      auto-fixable: run `vcrund repair`")
		}
	}
	keys := make([]string, 0, len(rep.Details))
	for key := range rep.Details {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		fmt.Printf("  %s = %s\n", key, rep.Details[key])
	}
}
