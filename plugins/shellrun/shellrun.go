// Package shellrun is the builtin plugin for running commands and scripts
// on the control-plane host itself. It exists for bootstrap and glue work
// (calling site tooling, preparing artifacts); fleet-wide execution goes
// through the orchestration plugins instead.
package shellrun

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"OpenOrch/pkg/plugin"
)

// Name is the identity the plugin registers under.
const Name = "shellrun"

const version = "1.2.0"

const (
	defaultTimeout   = 60 * time.Second
	maxTimeout       = 15 * time.Minute
	defaultMaxOutput = 64 * 1024
	defaultShell     = "/bin/sh"
)

func init() {
	plugin.Register(Name, func() plugin.Plugin { return New() })
}

// Runner executes local commands under the policy supplied through host
// settings: an optional command allowlist, a working directory, and output
// truncation limits.
type Runner struct {
	shell      string
	workingDir string
	maxOutput  int
	allowed    map[string]struct{}
}

// New returns an unconfigured runner; Init applies the host settings.
func New() *Runner {
	return &Runner{shell: defaultShell, maxOutput: defaultMaxOutput}
}

var _ plugin.Plugin = (*Runner)(nil)

func (r *Runner) Describe() plugin.Manifest {
	return plugin.Manifest{
		Name:            Name,
		Version:         version,
		Description:     "Runs commands and shell scripts on the orchestrator host.",
		Author:          "OpenOrch",
		IntegrationType: plugin.IntegrationCustom,
		Capabilities: []plugin.CapabilitySpec{
			{
				Name:                "shell.run",
				Category:            plugin.CategoryExecution,
				Description:         "Execute a single command with arguments on the orchestrator host.",
				RiskLevel:           plugin.RiskExecute,
				RequiredPermissions: []string{"shell.execute"},
				Args: []plugin.ArgSpec{
					{Name: "command", Type: plugin.TypeString, Required: true, Description: "Executable name or path."},
					{Name: "args", Type: plugin.TypeList, Description: "Positional arguments."},
					{Name: "env", Type: plugin.TypeMap, Description: "Extra environment variables, merged over the host environment."},
					{Name: "working_dir", Type: plugin.TypeString, Description: "Directory the command runs in."},
					{Name: "timeout_seconds", Type: plugin.TypeInt, Default: 60, Description: "Wall-clock limit before the process is killed."},
				},
				Returns: "exit_code, stdout, stderr, duration_ms, truncated",
			},
			{
				Name:                "shell.script",
				Category:            plugin.CategoryExecution,
				Description:         "Pipe a script into an interpreter on the orchestrator host.",
				RiskLevel:           plugin.RiskExecute,
				RequiredPermissions: []string{"shell.execute"},
				Args: []plugin.ArgSpec{
					{Name: "script", Type: plugin.TypeString, Required: true, Description: "Script body, fed to the interpreter on stdin."},
					{Name: "interpreter", Type: plugin.TypeString, Description: "Interpreter binary; defaults to the configured shell."},
					{Name: "timeout_seconds", Type: plugin.TypeInt, Default: 60, Description: "Wall-clock limit before the process is killed."},
				},
				Returns: "exit_code, stdout, stderr, duration_ms, truncated",
			},
		},
	}
}

func (r *Runner) Capabilities() []plugin.Capability {
	manifest := r.Describe()
	return []plugin.Capability{
		{Spec: manifest.Capabilities[0], Handler: r.run},
		{Spec: manifest.Capabilities[1], Handler: r.script},
	}
}

// Init reads settings: "shell" (interpreter for shell.script), "working_dir",
// "max_output_bytes", and "allowed_commands" (list; empty means any command,
// permission checks still apply).
func (r *Runner) Init(ctx context.Context, settings map[string]any) error {
	if shell, ok := settings["shell"].(string); ok && strings.TrimSpace(shell) != "" {
		r.shell = strings.TrimSpace(shell)
	}
	if dir, ok := settings["working_dir"].(string); ok && strings.TrimSpace(dir) != "" {
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("working_dir %q: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("working_dir %q is not a directory", dir)
		}
		r.workingDir = dir
	}
	if max, ok := asInt(settings["max_output_bytes"]); ok && max > 0 {
		r.maxOutput = max
	}
	if raw, ok := settings["allowed_commands"]; ok {
		allowed, err := stringSet(raw)
		if err != nil {
			return fmt.Errorf("allowed_commands: %w", err)
		}
		r.allowed = allowed
	}
	if _, err := exec.LookPath(r.shell); err != nil {
		return fmt.Errorf("shell %q not found: %w", r.shell, err)
	}
	return nil
}

func (r *Runner) HealthCheck(ctx context.Context) plugin.HealthStatus {
	path, err := exec.LookPath(r.shell)
	if err != nil {
		return plugin.Unhealthy(fmt.Sprintf("shell %q not found", r.shell))
	}
	status := plugin.Healthy()
	status.Details = map[string]any{"shell": path}
	return status
}

func (r *Runner) Shutdown(ctx context.Context) error { return nil }

func (r *Runner) run(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	command := strings.TrimSpace(args["command"].(string))
	if command == "" {
		return nil, errors.New("command is empty")
	}
	if !r.commandAllowed(command) {
		return nil, fmt.Errorf("command %q is not in the allowed command list", command)
	}

	var argv []string
	if list, ok := args["args"].([]any); ok {
		argv = make([]string, 0, len(list))
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("args[%d]: expected string, got %T", i, item)
			}
			argv = append(argv, s)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutFrom(args))
	defer cancel()

	cmd := exec.CommandContext(ctx, command, argv...)
	cmd.Dir = r.workingDir
	if dir, ok := args["working_dir"].(string); ok && dir != "" {
		cmd.Dir = dir
	}
	if env, ok := args["env"].(map[string]any); ok && len(env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range env {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}
	return r.execute(ctx, cmd)
}

func (r *Runner) script(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	script := args["script"].(string)
	if strings.TrimSpace(script) == "" {
		return nil, errors.New("script is empty")
	}
	interpreter := r.shell
	if alt, ok := args["interpreter"].(string); ok && strings.TrimSpace(alt) != "" {
		interpreter = strings.TrimSpace(alt)
	}
	if !r.commandAllowed(interpreter) {
		return nil, fmt.Errorf("interpreter %q is not in the allowed command list", interpreter)
	}

	ctx, cancel := context.WithTimeout(ctx, timeoutFrom(args))
	defer cancel()

	cmd := exec.CommandContext(ctx, interpreter)
	cmd.Dir = r.workingDir
	cmd.Stdin = strings.NewReader(script)
	return r.execute(ctx, cmd)
}

// execute runs the prepared command and folds the outcome into the result
// document. A non-zero exit is a successful invocation with a non-zero
// exit_code; only failures to run the process at all become errors.
func (r *Runner) execute(ctx context.Context, cmd *exec.Cmd) (map[string]any, error) {
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	err := cmd.Run()
	elapsed := time.Since(started)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %s", elapsed.Round(time.Millisecond))
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return nil, fmt.Errorf("start command: %w", err)
		}
		exitCode = exitErr.ExitCode()
	}

	out, outTruncated := truncate(stdout.Bytes(), r.maxOutput)
	errOut, errTruncated := truncate(stderr.Bytes(), r.maxOutput)
	return map[string]any{
		"exit_code":   exitCode,
		"stdout":      out,
		"stderr":      errOut,
		"duration_ms": elapsed.Milliseconds(),
		"truncated":   outTruncated || errTruncated,
	}, nil
}

func (r *Runner) commandAllowed(command string) bool {
	if len(r.allowed) == 0 {
		return true
	}
	_, ok := r.allowed[command]
	return ok
}

func timeoutFrom(args map[string]any) time.Duration {
	seconds, ok := args["timeout_seconds"].(int64)
	if !ok || seconds <= 0 {
		return defaultTimeout
	}
	timeout := time.Duration(seconds) * time.Second
	if timeout > maxTimeout {
		return maxTimeout
	}
	return timeout
}

func truncate(b []byte, max int) (string, bool) {
	if max > 0 && len(b) > max {
		return string(b[:max]), true
	}
	return string(b), false
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func stringSet(raw any) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	switch list := raw.(type) {
	case []string:
		for _, s := range list {
			set[s] = struct{}{}
		}
	case []any:
		for i, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("entry %d: expected string, got %T", i, item)
			}
			set[s] = struct{}{}
		}
	default:
		return nil, fmt.Errorf("expected a list of strings, got %T", raw)
	}
	return set, nil
}
