package pluginhost

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "OpenOrch/internal/errors"
	"OpenOrch/pkg/logger"
	"OpenOrch/pkg/plugin"
)

// CapabilityNotFoundError reports a dispatch against an unknown or disabled
// capability.
type CapabilityNotFoundError struct {
	Capability string
}

func (e *CapabilityNotFoundError) Error() string {
	return fmt.Sprintf("capability %q is not registered", e.Capability)
}

// PermissionDeniedError reports an authorization failure, naming the
// capability and the permissions that would have granted access.
type PermissionDeniedError struct {
	Capability string
	Missing    []string
}

func (e *PermissionDeniedError) Error() string {
	if len(e.Missing) == 0 {
		return fmt.Sprintf("permission denied for capability %q", e.Capability)
	}
	return fmt.Sprintf("permission denied for capability %q: requires one of %v", e.Capability, e.Missing)
}

// InvalidArgumentsError reports schema violations in the argument bag. The
// handler is never invoked when it is returned.
type InvalidArgumentsError struct {
	Capability string
	Violations []plugin.FieldError
}

func (e *InvalidArgumentsError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = v.Error()
	}
	return fmt.Sprintf("invalid arguments for capability %q: %s", e.Capability, strings.Join(parts, "; "))
}

// Authorizer decides whether a caller may invoke a capability. The host
// installs a default; deployments swap in their own policy.
type Authorizer interface {
	Authorize(ec *plugin.ExecutionContext, spec plugin.CapabilitySpec) error
}

// RoleAuthorizer is the default policy: a capability that requires no
// permissions is open to everyone; otherwise the caller needs at least
// one of the required permissions, or any admin role.
type RoleAuthorizer struct {
	AdminRoles []string
}

// NewRoleAuthorizer builds the default authorizer; with no roles given the
// admin role is "admin".
func NewRoleAuthorizer(adminRoles ...string) *RoleAuthorizer {
	if len(adminRoles) == 0 {
		adminRoles = []string{"admin"}
	}
	return &RoleAuthorizer{AdminRoles: adminRoles}
}

func (a *RoleAuthorizer) Authorize(ec *plugin.ExecutionContext, spec plugin.CapabilitySpec) error {
	if len(spec.RequiredPermissions) == 0 {
		return nil
	}
	for _, role := range a.AdminRoles {
		if ec.Caller.HasRole(role) {
			return nil
		}
	}
	for _, perm := range spec.RequiredPermissions {
		if ec.Caller.HasPermission(perm) {
			return nil
		}
	}
	return &PermissionDeniedError{
		Capability: spec.Name,
		Missing:    append([]string(nil), spec.RequiredPermissions...),
	}
}

var _ Authorizer = (*RoleAuthorizer)(nil)

type binding struct {
	record *Record
	cap    plugin.Capability
}

// Dispatcher routes capability invocations through a flat name-to-binding
// map maintained at registration and unload time.
type Dispatcher struct {
	mu         sync.RWMutex
	bindings   map[string]binding
	authorizer Authorizer
	queue      *ExecutionQueue
	denylist   map[string]struct{}
	observe    func(capability, outcome string, elapsed time.Duration)
	log        *slog.Logger
}

// DispatcherOption customizes dispatcher construction.
type DispatcherOption func(*Dispatcher)

// WithAuthorizer replaces the default role-based policy.
func WithAuthorizer(a Authorizer) DispatcherOption {
	return func(d *Dispatcher) {
		if a != nil {
			d.authorizer = a
		}
	}
}

// WithDenylist blocks the named capabilities from dispatching regardless of
// caller permissions.
func WithDenylist(names []string) DispatcherOption {
	return func(d *Dispatcher) {
		for _, name := range names {
			key := plugin.NormalizeCapabilityName(name)
			if key != "" {
				d.denylist[key] = struct{}{}
			}
		}
	}
}

// WithObserver installs a metrics hook called once per invocation.
func WithObserver(fn func(capability, outcome string, elapsed time.Duration)) DispatcherOption {
	return func(d *Dispatcher) {
		d.observe = fn
	}
}

// NewDispatcher builds a dispatcher over the given execution queue. A nil
// queue disables throttling of execution-category capabilities.
func NewDispatcher(queue *ExecutionQueue, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		bindings:   make(map[string]binding),
		authorizer: NewRoleAuthorizer(),
		queue:      queue,
		denylist:   make(map[string]struct{}),
		log:        logger.Named("dispatcher"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

// Queue exposes the execution queue for operational status reads.
func (d *Dispatcher) Queue() *ExecutionQueue {
	return d.queue
}

// register adds the record's validated capabilities to the dispatch map.
// The first plugin to claim a name keeps it; collisions become warnings on
// the later plugin.
func (d *Dispatcher) register(rec *Record) []plugin.Warning {
	d.mu.Lock()
	defer d.mu.Unlock()

	var warns []plugin.Warning
	for _, cap := range rec.capabilities {
		key := plugin.NormalizeCapabilityName(cap.Spec.Name)
		if existing, taken := d.bindings[key]; taken {
			warns = append(warns, plugin.Warning{
				Field:   "capabilities",
				Message: fmt.Sprintf("capability %q already provided by plugin %q; keeping the existing binding", key, existing.record.Name),
			})
			continue
		}
		d.bindings[key] = binding{record: rec, cap: cap}
	}
	return warns
}

// unregister removes every binding owned by the record.
func (d *Dispatcher) unregister(rec *Record) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, b := range d.bindings {
		if b.record == rec {
			delete(d.bindings, key)
		}
	}
}

// Owner reports which plugin currently serves the named capability.
func (d *Dispatcher) Owner(name string) (string, bool) {
	key := plugin.NormalizeCapabilityName(name)
	d.mu.RLock()
	defer d.mu.RUnlock()
	b, ok := d.bindings[key]
	if !ok {
		return "", false
	}
	return b.record.Name, true
}

// CapabilityNames lists the registered capability names in sorted order.
func (d *Dispatcher) CapabilityNames() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.bindings))
	for name := range d.bindings {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Invoke dispatches a capability: case-insensitive lookup, authorization,
// argument validation, queue admission for execution-category work, then
// the handler. The handler's result passes through unchanged.
func (d *Dispatcher) Invoke(ctx context.Context, name string, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	started := time.Now()
	key := plugin.NormalizeCapabilityName(name)
	if ec == nil {
		ec = &plugin.ExecutionContext{}
	}
	if ec.CorrelationID == "" {
		ec.CorrelationID = uuid.NewString()
	}

	d.mu.RLock()
	b, found := d.bindings[key]
	_, denied := d.denylist[key]
	d.mu.RUnlock()

	if !found || b.record.IsDisabled() {
		d.finish(key, "not_found", started)
		return nil, xerrors.Wrap(xerrors.CodeCapabilityNotFound, &CapabilityNotFoundError{Capability: name}, "")
	}
	if denied {
		d.finish(key, "denied", started)
		logger.Audit().Warn("capability blocked by denylist",
			"capability", key, "caller", ec.Caller.ID, "correlationId", ec.CorrelationID)
		return nil, xerrors.Wrap(xerrors.CodePermissionDenied, &PermissionDeniedError{Capability: key}, "capability disabled by policy")
	}
	if initErr := b.record.InitFailure(); initErr != nil {
		d.finish(key, "plugin_failure", started)
		return nil, xerrors.Wrap(xerrors.CodePluginFailure, initErr,
			fmt.Sprintf("plugin %s is degraded by an initialization failure", b.record.Name))
	}

	if err := d.authorizer.Authorize(ec, b.cap.Spec); err != nil {
		d.finish(key, "denied", started)
		logger.Audit().Warn("capability authorization denied",
			"capability", key, "caller", ec.Caller.ID, "correlationId", ec.CorrelationID)
		return nil, xerrors.Wrap(xerrors.CodePermissionDenied, err, "")
	}

	normalized, violations := ValidateArgs(b.cap.Spec.Args, args)
	if len(violations) > 0 {
		d.finish(key, "invalid_args", started)
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, &InvalidArgumentsError{Capability: key, Violations: violations}, "")
	}

	if b.cap.Spec.Category == plugin.CategoryExecution && d.queue != nil {
		ref := d.executionRef(key, ec, normalized)
		if err := d.queue.Acquire(ctx, ref); err != nil {
			var full *QueueFullError
			if stderrors.As(err, &full) {
				d.finish(key, "queue_full", started)
				return nil, xerrors.Wrap(xerrors.CodeQueueFull, err, "")
			}
			d.finish(key, "cancelled", started)
			return nil, err
		}
		defer d.queue.Release(ref.ID)
		logger.Audit().Info("execution capability admitted",
			"capability", key, "plugin", b.record.Name, "caller", ec.Caller.ID,
			"correlationId", ec.CorrelationID, "executionId", ref.ID)
	}

	result, err := b.cap.Handler(ctx, normalized, ec)
	if err != nil {
		d.finish(key, "error", started)
		return nil, xerrors.Wrap(xerrors.CodePluginFailure, err,
			fmt.Sprintf("capability %s failed", key),
			xerrors.WithMetadata("plugin", b.record.Name),
			xerrors.WithMetadata("capability", key))
	}
	d.finish(key, "ok", started)
	return result, nil
}

func (d *Dispatcher) executionRef(capability string, ec *plugin.ExecutionContext, args map[string]any) ExecutionRef {
	ref := ExecutionRef{
		ID:     uuid.NewString(),
		Type:   "command",
		Action: capability,
	}
	if ec.Metadata != nil {
		if t := ec.Metadata["executionType"]; t != "" {
			ref.Type = t
		}
		if node := ec.Metadata["nodeId"]; node != "" {
			ref.NodeID = node
		}
	}
	if ref.NodeID == "" {
		if target, ok := args["target"].(string); ok {
			ref.NodeID = target
		}
	}
	return ref
}

func (d *Dispatcher) finish(capability, outcome string, started time.Time) {
	elapsed := time.Since(started)
	if d.observe != nil {
		d.observe(capability, outcome, elapsed)
	}
	d.log.Debug("capability dispatched", "capability", capability, "outcome", outcome, "elapsedMs", elapsed.Milliseconds())
}
