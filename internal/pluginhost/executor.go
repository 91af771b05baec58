package pluginhost

import (
	"context"
	"time"

	"OpenOrch/internal/command"
	xerrors "OpenOrch/internal/errors"
	"OpenOrch/pkg/plugin"
)

// CommandExecutor adapts the dispatcher to the asynchronous command
// processor. Queued commands replay the submitter's identity rather than a
// superuser, and the command ID doubles as the correlation ID so journal
// rows, logs and alerts line up.
type CommandExecutor struct {
	host *Host
}

// NewCommandExecutor builds the adapter over a loaded host.
func NewCommandExecutor(host *Host) *CommandExecutor {
	return &CommandExecutor{host: host}
}

// Execute implements command.Executor.
func (e *CommandExecutor) Execute(ctx context.Context, cmd *command.Command) (*command.ExecutionResult, error) {
	if e == nil || e.host == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "command executor is not wired to a plugin host")
	}
	if cmd == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "command must not be nil")
	}

	args := make(map[string]any, len(cmd.Args)+1)
	for k, v := range cmd.Args {
		args[k] = v
	}
	// The journal keeps the target selector as a first-class column; hand it
	// to plugins that expect it as an argument unless the submitter already
	// set one explicitly.
	if cmd.Target != "" {
		if _, ok := args["target"]; !ok {
			args["target"] = cmd.Target
		}
	}

	ec := &plugin.ExecutionContext{
		Caller:        cmd.Caller,
		CorrelationID: cmd.ID,
	}
	if len(cmd.Metadata) > 0 {
		ec.Metadata = make(map[string]string, len(cmd.Metadata))
		for k, v := range cmd.Metadata {
			ec.Metadata[k] = v
		}
	}

	started := time.Now()
	output, err := e.host.Dispatcher().Invoke(ctx, cmd.Capability, args, ec)
	if err != nil {
		return nil, err
	}

	result := &command.ExecutionResult{
		ExecutionID: ec.CorrelationID,
		Output:      output,
		ElapsedMs:   time.Since(started).Milliseconds(),
	}
	if owner, ok := e.host.Dispatcher().Owner(cmd.Capability); ok {
		result.Plugin = owner
	}
	return result, nil
}

var _ command.Executor = (*CommandExecutor)(nil)
