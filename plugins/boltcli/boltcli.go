// Package boltcli is the builtin plugin for Bolt-style orchestration: ad-hoc
// commands, named tasks, and multi-step plans against inventory targets. It
// supports two backends selected through settings: "local" shells out to the
// orchestration CLI on this host, "remote" forwards to a runner service over
// HTTP.
package boltcli

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"OpenOrch/internal/integrations/cliexec"
	"OpenOrch/internal/integrations/runnerapi"
	"OpenOrch/pkg/plugin"
)

// Name is the identity the plugin registers under.
const Name = "boltcli"

const version = "2.0.0"

func init() {
	plugin.Register(Name, func() plugin.Plugin { return New() })
}

// runner abstracts the two execution backends behind one call shape.
type runner interface {
	run(ctx context.Context, action, target string, params map[string]any) (map[string]any, error)
	health(ctx context.Context) error
}

// Orchestrator routes bolt.* capabilities to the configured backend.
type Orchestrator struct {
	mode    string
	backend runner
}

// New returns an unconfigured orchestrator; Init selects the backend.
func New() *Orchestrator {
	return &Orchestrator{}
}

var _ plugin.Plugin = (*Orchestrator)(nil)

func (o *Orchestrator) Describe() plugin.Manifest {
	return plugin.Manifest{
		Name:            Name,
		Version:         version,
		Description:     "Runs Bolt-style tasks, commands and plans against inventory targets.",
		Author:          "OpenOrch",
		IntegrationType: plugin.IntegrationBolt,
		Dependencies:    []string{"inventorysource"},
		Capabilities: []plugin.CapabilitySpec{
			{
				Name:                "bolt.task.run",
				Category:            plugin.CategoryExecution,
				Description:         "Run a named task against a target node or group.",
				RiskLevel:           plugin.RiskExecute,
				RequiredPermissions: []string{"bolt.execute"},
				Args: []plugin.ArgSpec{
					{Name: "task", Type: plugin.TypeString, Required: true, Description: "Task name, e.g. package::install."},
					{Name: "target", Type: plugin.TypeString, Required: true, Description: "Node id, group name, or selector expression."},
					{Name: "params", Type: plugin.TypeMap, Description: "Task parameters."},
				},
				Returns: "status, output",
			},
			{
				Name:                "bolt.command.run",
				Category:            plugin.CategoryExecution,
				Description:         "Run an ad-hoc command against a target node or group.",
				RiskLevel:           plugin.RiskExecute,
				RequiredPermissions: []string{"bolt.execute"},
				Args: []plugin.ArgSpec{
					{Name: "command", Type: plugin.TypeString, Required: true, Description: "Command line to run on the targets."},
					{Name: "target", Type: plugin.TypeString, Required: true, Description: "Node id, group name, or selector expression."},
				},
				Returns: "status, output",
			},
			{
				Name:                "bolt.plan.run",
				Category:            plugin.CategoryExecution,
				Description:         "Run a multi-step orchestration plan.",
				RiskLevel:           plugin.RiskAdmin,
				RequiredPermissions: []string{"bolt.plan.execute"},
				Args: []plugin.ArgSpec{
					{Name: "plan", Type: plugin.TypeString, Required: true, Description: "Plan name, e.g. rollout::canary."},
					{Name: "target", Type: plugin.TypeString, Description: "Optional target override; plans usually carry their own."},
					{Name: "params", Type: plugin.TypeMap, Description: "Plan parameters."},
				},
				Returns: "status, output",
			},
		},
		CLICommands: []plugin.CLICommandSpec{
			{Name: "task", Description: "Run a task on targets", Capability: "bolt.task.run"},
			{Name: "plan", Description: "Run an orchestration plan", Capability: "bolt.plan.run"},
		},
	}
}

func (o *Orchestrator) Capabilities() []plugin.Capability {
	manifest := o.Describe()
	return []plugin.Capability{
		{Spec: manifest.Capabilities[0], Handler: o.runTask},
		{Spec: manifest.Capabilities[1], Handler: o.runCommand},
		{Spec: manifest.Capabilities[2], Handler: o.runPlan},
	}
}

// Init selects the backend. Local mode settings: "binary", "base_args",
// "working_dir". Remote mode settings: "base_url", "token",
// "timeout_seconds".
func (o *Orchestrator) Init(ctx context.Context, settings map[string]any) error {
	mode, _ := settings["mode"].(string)
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "local"
	}

	switch mode {
	case "local":
		binary, _ := settings["binary"].(string)
		if strings.TrimSpace(binary) == "" {
			binary = "bolt"
		}
		workingDir, _ := settings["working_dir"].(string)
		var baseArgs []string
		if raw, ok := settings["base_args"].([]any); ok {
			for i, item := range raw {
				s, ok := item.(string)
				if !ok {
					return fmt.Errorf("base_args[%d]: expected string, got %T", i, item)
				}
				baseArgs = append(baseArgs, s)
			}
		}
		bridge, err := cliexec.NewBridge(cliexec.ResolveBinaryPath(workingDir, binary), baseArgs, workingDir)
		if err != nil {
			return err
		}
		o.backend = &localRunner{bridge: bridge, binary: binary}
	case "remote":
		token, _ := settings["token"].(string)
		baseURL, _ := settings["base_url"].(string)
		timeout := time.Duration(0)
		if secs, ok := settings["timeout_seconds"].(float64); ok && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
		client, err := runnerapi.NewClient(runnerapi.Config{Token: token, BaseURL: baseURL, Timeout: timeout})
		if err != nil {
			return err
		}
		o.backend = &remoteRunner{client: client}
	default:
		return fmt.Errorf("unknown mode %q (want local or remote)", mode)
	}
	o.mode = mode
	return nil
}

func (o *Orchestrator) HealthCheck(ctx context.Context) plugin.HealthStatus {
	if o.backend == nil {
		return plugin.Unhealthy("backend is not configured")
	}
	if err := o.backend.health(ctx); err != nil {
		return plugin.Unhealthy(err.Error())
	}
	status := plugin.Healthy()
	status.Details = map[string]any{"mode": o.mode}
	return status
}

func (o *Orchestrator) Shutdown(ctx context.Context) error { return nil }

func (o *Orchestrator) runTask(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	params := mapArg(args, "params")
	params["task"] = args["task"]
	return o.dispatch(ctx, "task.run", stringArg(args, "target"), params)
}

func (o *Orchestrator) runCommand(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	params := map[string]any{"command": args["command"]}
	return o.dispatch(ctx, "command.run", stringArg(args, "target"), params)
}

func (o *Orchestrator) runPlan(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	params := mapArg(args, "params")
	params["plan"] = args["plan"]
	return o.dispatch(ctx, "plan.run", stringArg(args, "target"), params)
}

func (o *Orchestrator) dispatch(ctx context.Context, action, target string, params map[string]any) (map[string]any, error) {
	if o.backend == nil {
		return nil, errors.New("backend is not configured")
	}
	return o.backend.run(ctx, action, target, params)
}

// localRunner shells out to the orchestration CLI through the stdin/stdout
// JSON bridge.
type localRunner struct {
	bridge *cliexec.Bridge
	binary string
}

func (l *localRunner) run(ctx context.Context, action, target string, params map[string]any) (map[string]any, error) {
	result, err := l.bridge.Run(ctx, cliexec.Request{Action: action, Target: target, Params: params})
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		return nil, fmt.Errorf("%s failed: %s", action, result.Error)
	}
	return resultDoc(result.Status, result.Output, ""), nil
}

func (l *localRunner) health(ctx context.Context) error {
	if _, err := exec.LookPath(l.binary); err != nil {
		return fmt.Errorf("orchestration CLI %q not found", l.binary)
	}
	return nil
}

// remoteRunner forwards to the runner service.
type remoteRunner struct {
	client *runnerapi.Client
}

func (r *remoteRunner) run(ctx context.Context, action, target string, params map[string]any) (map[string]any, error) {
	result, err := r.client.Run(ctx, runnerapi.RunRequest{Action: action, Target: target, Params: params})
	if err != nil {
		return nil, err
	}
	if !result.Succeeded() {
		return nil, fmt.Errorf("%s failed: %s", action, result.Error)
	}
	return resultDoc(result.Status, result.Output, result.ID), nil
}

func (r *remoteRunner) health(ctx context.Context) error {
	return r.client.Health(ctx)
}

func resultDoc(status string, output map[string]any, runID string) map[string]any {
	if status == "" {
		status = "success"
	}
	doc := map[string]any{"status": status}
	if len(output) > 0 {
		doc["output"] = output
	}
	if runID != "" {
		doc["run_id"] = runID
	}
	return doc
}

func stringArg(args map[string]any, key string) string {
	s, _ := args[key].(string)
	return s
}

func mapArg(args map[string]any, key string) map[string]any {
	if m, ok := args[key].(map[string]any); ok {
		out := make(map[string]any, len(m)+1)
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	return make(map[string]any, 1)
}
