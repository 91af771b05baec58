package pluginhost

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	xerrors "OpenOrch/internal/errors"
	"OpenOrch/internal/observability/alerting"
	"OpenOrch/pkg/logger"
	"OpenOrch/pkg/plugin"
)

// State tracks a plugin through its lifecycle. The happy path is
// discovered, loaded, validated, initialized, then healthy once a probe
// succeeds. Degraded and unhealthy are operational verdicts; shutdown is
// terminal.
type State string

const (
	StateDiscovered  State = "discovered"
	StateLoaded      State = "loaded"
	StateValidated   State = "validated"
	StateInitialized State = "initialized"
	StateHealthy     State = "healthy"
	StateDegraded    State = "degraded"
	StateUnhealthy   State = "unhealthy"
	StateShutdown    State = "shutdown"
)

// Record is the host's book-keeping for one plugin. Name and Discovery
// are fixed at creation; everything else is guarded by the mutex.
type Record struct {
	Name      string
	Discovery DiscoveryResult

	mu           sync.RWMutex
	manifest     plugin.Manifest
	instance     plugin.Plugin
	capabilities []plugin.Capability
	state        State
	disabled     bool
	cyclic       bool
	downgraded   bool
	warnings     []plugin.Warning
	loadedAt     time.Time
	loadDuration time.Duration
	loadErr      error
	initErr      error
	lastHealth   *plugin.HealthStatus
}

func newRecord(res DiscoveryResult) *Record {
	rec := &Record{
		Name:      res.Name,
		Discovery: res,
		manifest:  res.Manifest,
		state:     StateDiscovered,
	}
	rec.warnings = append(rec.warnings, res.Warnings...)
	return rec
}

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Manifest returns the manifest currently bound to the record. Before a
// successful load this is the discovered manifest; afterwards it is what
// the instance described.
func (r *Record) Manifest() plugin.Manifest {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.manifest
}

// Instance returns the live plugin instance, or nil before load.
func (r *Record) Instance() plugin.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.instance
}

// IsDisabled reports whether dispatch to this plugin is administratively
// blocked.
func (r *Record) IsDisabled() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.disabled
}

// InitFailure returns the initialization error still in effect, nil when
// the plugin initialized cleanly or has since recovered.
func (r *Record) InitFailure() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.initErr
}

// LoadError returns the discovery, instantiation, or validation error
// that kept the plugin from loading.
func (r *Record) LoadError() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loadErr
}

// Warnings returns a copy of the warnings accumulated across discovery,
// validation, and dependency resolution.
func (r *Record) Warnings() []plugin.Warning {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]plugin.Warning, len(r.warnings))
	copy(out, r.warnings)
	return out
}

// LastHealth returns the most recent health probe result, or nil if the
// plugin has never been probed.
func (r *Record) LastHealth() *plugin.HealthStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.lastHealth == nil {
		return nil
	}
	st := *r.lastHealth
	return &st
}

func (r *Record) setState(s State) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

func (r *Record) setDisabled(v bool) {
	r.mu.Lock()
	r.disabled = v
	r.mu.Unlock()
}

func (r *Record) addWarnings(ws ...plugin.Warning) {
	if len(ws) == 0 {
		return
	}
	r.mu.Lock()
	r.warnings = append(r.warnings, ws...)
	r.mu.Unlock()
}

func (r *Record) failLoad(err error) {
	r.mu.Lock()
	r.loadErr = err
	r.mu.Unlock()
}

// RecordView is the JSON projection of a record served by the admin API.
type RecordView struct {
	Name           string               `json:"name"`
	Tier           Tier                 `json:"tier"`
	State          State                `json:"state"`
	Disabled       bool                 `json:"disabled"`
	Builtin        bool                 `json:"builtin,omitempty"`
	Cyclic         bool                 `json:"cyclic,omitempty"`
	Version        string               `json:"version,omitempty"`
	Description    string               `json:"description,omitempty"`
	Capabilities   []string             `json:"capabilities,omitempty"`
	Warnings       []plugin.Warning     `json:"warnings,omitempty"`
	LoadedAt       *time.Time           `json:"loadedAt,omitempty"`
	LoadDurationMS int64                `json:"loadDurationMs,omitempty"`
	LoadError      string               `json:"loadError,omitempty"`
	InitError      string               `json:"initError,omitempty"`
	Health         *plugin.HealthStatus `json:"health,omitempty"`
	Manifest       *plugin.Manifest     `json:"manifest,omitempty"`
}

// View projects the record for API consumers. The full manifest is
// attached only when detail is requested.
func (r *Record) View(detail bool) RecordView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	view := RecordView{
		Name:        r.Name,
		Tier:        r.Discovery.Tier,
		State:       r.state,
		Disabled:    r.disabled,
		Builtin:     r.Discovery.Builtin,
		Cyclic:      r.cyclic,
		Version:     r.manifest.Version,
		Description: r.manifest.Description,
	}
	for _, cap := range r.capabilities {
		view.Capabilities = append(view.Capabilities, cap.Spec.Name)
	}
	sort.Strings(view.Capabilities)
	if len(r.warnings) > 0 {
		view.Warnings = make([]plugin.Warning, len(r.warnings))
		copy(view.Warnings, r.warnings)
	}
	if !r.loadedAt.IsZero() {
		at := r.loadedAt
		view.LoadedAt = &at
		view.LoadDurationMS = r.loadDuration.Milliseconds()
	}
	if r.loadErr != nil {
		view.LoadError = r.loadErr.Error()
	}
	if r.initErr != nil {
		view.InitError = r.initErr.Error()
	}
	if r.lastHealth != nil {
		st := *r.lastHealth
		view.Health = &st
	}
	if detail {
		m := r.manifest
		view.Manifest = &m
	}
	return view
}

// LoadFailure names one plugin that could not be loaded and why.
type LoadFailure struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// LoadSummary reports the outcome of a LoadAll pass.
type LoadSummary struct {
	Loaded   []string         `json:"loaded"`
	Failed   []LoadFailure    `json:"failed,omitempty"`
	Disabled []string         `json:"disabled,omitempty"`
	Cyclic   []string         `json:"cyclic,omitempty"`
	Order    []string         `json:"order"`
	Warnings []plugin.Warning `json:"warnings,omitempty"`
}

// Host owns the full plugin lifecycle: discovery, loading, validation,
// dependency-ordered initialization, health polling, and unload. One
// broken plugin never takes the pass down; failures are recorded and the
// walk continues.
type Host struct {
	cfg HostConfig
	log *slog.Logger

	loader     Loader
	discoverer *Discoverer
	queue      *ExecutionQueue
	dispatcher *Dispatcher
	alerter    alerting.Dispatcher

	strict       bool
	strictCycles bool
	settings     map[string]map[string]any
	startOff     map[string]struct{}

	mu        sync.RWMutex
	records   map[string]*Record
	byPath    map[string]*Record
	initOrder []string

	reloadMu    sync.Mutex
	reloadLocks map[string]*sync.Mutex

	dispatchOpts []DispatcherOption
}

// HostOption customizes host construction.
type HostOption func(*Host)

// WithLoader replaces the artifact loader, mainly for tests.
func WithLoader(l Loader) HostOption {
	return func(h *Host) {
		if l != nil {
			h.loader = l
		}
	}
}

// WithAlertDispatcher routes load and health alerts to a notifier fanout.
func WithAlertDispatcher(d alerting.Dispatcher) HostOption {
	return func(h *Host) {
		h.alerter = d
	}
}

// WithDispatcherOptions forwards options to the capability dispatcher the
// host constructs.
func WithDispatcherOptions(opts ...DispatcherOption) HostOption {
	return func(h *Host) {
		h.dispatchOpts = append(h.dispatchOpts, opts...)
	}
}

// NewHost wires a host from its configuration.
func NewHost(cfg HostConfig, opts ...HostOption) *Host {
	h := &Host{
		cfg:          cfg,
		log:          logger.Named("pluginhost"),
		loader:       SharedLibraryLoader{},
		discoverer:   NewDiscoverer(cfg.Roots),
		queue:        NewExecutionQueue(cfg.Queue.Limit, cfg.Queue.MaxQueueSize),
		strict:       cfg.StrictValidationEnabled(),
		strictCycles: cfg.StrictCycles,
		settings:     cfg.Settings,
		startOff:     cfg.DisabledSet(),
		records:      make(map[string]*Record),
		byPath:       make(map[string]*Record),
		reloadLocks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(h)
	}
	dopts := []DispatcherOption{WithDenylist(cfg.CapabilityDenylist)}
	if len(cfg.AdminRoles) > 0 {
		dopts = append(dopts, WithAuthorizer(NewRoleAuthorizer(cfg.AdminRoles...)))
	}
	dopts = append(dopts, h.dispatchOpts...)
	h.dispatcher = NewDispatcher(h.queue, dopts...)
	return h
}

// Dispatcher exposes the capability dispatcher backed by this host.
func (h *Host) Dispatcher() *Dispatcher { return h.dispatcher }

// QueueStatus snapshots the execution queue.
func (h *Host) QueueStatus() QueueStatus { return h.queue.Status() }

// LoadAll discovers every plugin and drives each one as far through the
// lifecycle as it can get. It is meant for startup; reloads of single
// plugins go through Reload.
func (h *Host) LoadAll(ctx context.Context) LoadSummary {
	results, walkWarnings := h.discoverer.Discover()
	summary := LoadSummary{Warnings: walkWarnings}

	for _, res := range results {
		h.prepare(ctx, res)
	}
	h.initializeAll(ctx, &summary)

	h.mu.RLock()
	for name, rec := range h.records {
		switch {
		case rec.IsDisabled():
			summary.Disabled = append(summary.Disabled, name)
		case rec.LoadError() != nil:
			summary.Failed = append(summary.Failed, LoadFailure{Name: name, Error: rec.LoadError().Error()})
		default:
			if st := rec.State(); st == StateInitialized || st == StateDegraded {
				summary.Loaded = append(summary.Loaded, name)
			}
		}
	}
	h.mu.RUnlock()
	sort.Strings(summary.Loaded)
	sort.Strings(summary.Disabled)
	sort.Slice(summary.Failed, func(i, j int) bool { return summary.Failed[i].Name < summary.Failed[j].Name })

	h.log.Info("plugin load pass finished",
		slog.Int("loaded", len(summary.Loaded)),
		slog.Int("failed", len(summary.Failed)),
		slog.Int("disabled", len(summary.Disabled)),
		slog.Int("cyclic", len(summary.Cyclic)))
	return summary
}

// prepare creates the record, stores it, and loads the plugin unless it
// is disabled by configuration.
func (h *Host) prepare(ctx context.Context, res DiscoveryResult) *Record {
	rec := newRecord(res)

	h.mu.Lock()
	h.records[rec.Name] = rec
	if res.Dir != "" {
		h.byPath[res.Dir] = rec
	}
	h.mu.Unlock()

	if _, off := h.startOff[rec.Name]; off {
		rec.setDisabled(true)
		h.log.Info("plugin disabled by configuration, skipping load", slog.String("plugin", rec.Name))
		return rec
	}
	h.loadOne(ctx, rec)
	return rec
}

// loadOne takes a discovered record through instantiation, validation,
// and dispatcher registration. On failure the record keeps the error and
// whatever state it reached.
func (h *Host) loadOne(ctx context.Context, rec *Record) {
	started := time.Now()

	if rec.Discovery.ManifestSource == SourceManifest || rec.Discovery.ManifestSource == SourceDescriptor {
		if errs := rec.Discovery.Manifest.Validate(); len(errs) > 0 {
			err := xerrors.New(xerrors.CodeManifestInvalid, joinFieldErrors(errs),
				xerrors.WithMetadata("plugin", rec.Name),
				xerrors.WithMetadata("manifest", rec.Discovery.ManifestPath))
			rec.failLoad(err)
			h.log.Error("manifest rejected", slog.String("plugin", rec.Name), slog.Any("error", err))
			return
		}
	}

	instance, err := h.loader.Instantiate(rec.Discovery)
	if err != nil {
		wrapped := xerrors.Wrap(xerrors.CodePluginFailure, err,
			fmt.Sprintf("plugin %s could not be instantiated", rec.Name),
			xerrors.WithMetadata("entryPoint", rec.Discovery.EntryPoint))
		rec.failLoad(wrapped)
		h.log.Error("plugin instantiation failed", slog.String("plugin", rec.Name), slog.Any("error", err))
		return
	}

	manifest := instance.Describe()
	manifest.Normalize()
	if manifest.Name != "" && manifest.Name != rec.Name {
		rec.addWarnings(plugin.Warning{
			Field:   "name",
			Message: fmt.Sprintf("instance describes itself as %q; keeping discovered name %q", manifest.Name, rec.Name),
		})
		manifest.Name = rec.Name
	}
	if manifest.Name == "" {
		manifest.Name = rec.Name
	}

	rec.mu.Lock()
	rec.instance = instance
	rec.state = StateLoaded
	rec.mu.Unlock()

	caps := instance.Capabilities()
	errs := manifest.Validate()
	errs = append(errs, checkCapabilities(manifest, caps)...)
	rec.addWarnings(manifest.Lint()...)

	usable := caps[:0:0]
	for _, cap := range caps {
		if cap.Handler == nil {
			continue
		}
		usable = append(usable, cap)
	}

	if len(errs) > 0 {
		if h.strict {
			err := xerrors.New(xerrors.CodeManifestInvalid, joinFieldErrors(errs),
				xerrors.WithMetadata("plugin", rec.Name))
			rec.failLoad(err)
			h.log.Error("plugin failed validation", slog.String("plugin", rec.Name), slog.Any("error", err))
			return
		}
		for _, fe := range errs {
			rec.addWarnings(plugin.Warning{Field: fe.Field, Message: fe.Message})
		}
		rec.mu.Lock()
		rec.downgraded = true
		rec.mu.Unlock()
		h.log.Warn("plugin failed validation, loading degraded",
			slog.String("plugin", rec.Name), slog.Int("violations", len(errs)))
	}

	took := time.Since(started)
	rec.mu.Lock()
	rec.manifest = manifest
	rec.capabilities = usable
	rec.state = StateValidated
	rec.loadedAt = time.Now()
	rec.loadDuration = took
	rec.mu.Unlock()

	rec.addWarnings(h.dispatcher.register(rec)...)
	h.log.Info("plugin loaded",
		slog.String("plugin", rec.Name),
		slog.String("tier", string(rec.Discovery.Tier)),
		slog.Int("capabilities", len(usable)),
		slog.Duration("took", took))
}

// checkCapabilities cross-checks the live capability set against the
// manifest declarations.
func checkCapabilities(manifest plugin.Manifest, caps []plugin.Capability) []plugin.FieldError {
	var errs []plugin.FieldError
	live := make(map[string]bool, len(caps))
	for i, cap := range caps {
		field := fmt.Sprintf("capabilities[%d]", i)
		key := plugin.NormalizeCapabilityName(cap.Spec.Name)
		if live[key] {
			errs = append(errs, plugin.FieldError{Field: field, Message: fmt.Sprintf("duplicate capability %q", cap.Spec.Name)})
			continue
		}
		live[key] = true
		if cap.Handler == nil {
			errs = append(errs, plugin.FieldError{Field: field, Message: fmt.Sprintf("capability %q has no handler", cap.Spec.Name)})
		}
		errs = append(errs, cap.Spec.Validate(field)...)
	}
	for _, spec := range manifest.Capabilities {
		if !live[plugin.NormalizeCapabilityName(spec.Name)] {
			errs = append(errs, plugin.FieldError{
				Field:   "capabilities",
				Message: fmt.Sprintf("capability %q is declared in the manifest but the instance does not provide it", spec.Name),
			})
		}
	}
	return errs
}

// initializeAll resolves dependency order over the validated records and
// runs Init in that order. Cyclic members are handled per strictCycles.
func (h *Host) initializeAll(ctx context.Context, summary *LoadSummary) {
	deps := make(map[string][]string)
	h.mu.RLock()
	for name, rec := range h.records {
		if rec.State() == StateValidated && !rec.IsDisabled() {
			deps[name] = rec.Manifest().Dependencies
		}
	}
	h.mu.RUnlock()

	resolved := ResolveOrder(deps)
	for _, w := range resolved.Warnings {
		if rec := h.record(w.Field); rec != nil {
			rec.addWarnings(plugin.Warning{Field: "dependencies", Message: w.Message})
		}
		h.log.Warn("dependency resolution", slog.String("detail", w.Message))
	}

	summary.Order = resolved.Ordered
	summary.Cyclic = resolved.Cyclic

	for _, name := range resolved.Ordered {
		if rec := h.record(name); rec != nil {
			h.initOne(ctx, rec, false)
		}
	}
	for _, name := range resolved.Cyclic {
		rec := h.record(name)
		if rec == nil {
			continue
		}
		rec.mu.Lock()
		rec.cyclic = true
		rec.mu.Unlock()
		if h.strictCycles {
			rec.addWarnings(plugin.Warning{
				Field:   "dependencies",
				Message: "member of a dependency cycle, not initialized",
			})
			h.dispatcher.unregister(rec)
			h.log.Error("plugin is part of a dependency cycle, refusing to initialize", slog.String("plugin", name))
			continue
		}
		rec.addWarnings(plugin.Warning{
			Field:   "dependencies",
			Message: "member of a dependency cycle, initialized without ordering guarantees",
		})
		h.initOne(ctx, rec, true)
	}

	h.mu.Lock()
	h.initOrder = append(h.initOrder[:0], resolved.Ordered...)
	if !h.strictCycles {
		h.initOrder = append(h.initOrder, resolved.Cyclic...)
	}
	h.mu.Unlock()
}

// initOne runs the instance's Init. Failures and panics leave the plugin
// degraded with its capabilities still registered.
func (h *Host) initOne(ctx context.Context, rec *Record, degraded bool) {
	instance := rec.Instance()
	if instance == nil {
		return
	}
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("init panicked: %v", r)
			}
		}()
		return instance.Init(ctx, h.settings[rec.Name])
	}()
	if err != nil {
		rec.mu.Lock()
		rec.initErr = err
		rec.state = StateDegraded
		rec.mu.Unlock()
		h.log.Error("plugin initialization failed, capabilities stay registered but will refuse dispatch",
			slog.String("plugin", rec.Name), slog.Any("error", err))
		h.emitAlert(ctx, rec.Name, "", xerrors.CodeInitializationFailure, err)
		return
	}
	rec.mu.Lock()
	if degraded || rec.downgraded {
		rec.state = StateDegraded
	} else {
		rec.state = StateInitialized
	}
	rec.mu.Unlock()
	h.log.Info("plugin initialized", slog.String("plugin", rec.Name))
}

// HealthCheck probes every record and updates its state. A panicking
// probe marks the plugin unhealthy instead of crashing the host, and a
// healthy probe clears a standing initialization failure.
func (h *Host) HealthCheck(ctx context.Context) map[string]plugin.HealthStatus {
	out := make(map[string]plugin.HealthStatus)
	for _, rec := range h.snapshot() {
		name := rec.Name
		if rec.IsDisabled() {
			out[name] = plugin.HealthStatus{Message: "plugin is disabled", LastCheck: time.Now()}
			continue
		}
		switch rec.State() {
		case StateDiscovered, StateLoaded, StateValidated, StateShutdown:
			st := plugin.HealthStatus{Message: "plugin was never initialized", LastCheck: time.Now()}
			rec.mu.Lock()
			rec.lastHealth = &st
			rec.mu.Unlock()
			out[name] = st
			continue
		}
		st := probe(ctx, rec.Instance())
		wasUnhealthy := rec.State() == StateUnhealthy

		rec.mu.Lock()
		rec.lastHealth = &st
		switch {
		case st.Healthy && !st.Degraded:
			rec.initErr = nil
			rec.downgraded = false
			rec.state = StateHealthy
		case st.Healthy && st.Degraded:
			rec.state = StateDegraded
		default:
			rec.state = StateUnhealthy
		}
		rec.mu.Unlock()

		if !st.Healthy && !wasUnhealthy {
			h.log.Error("plugin became unhealthy", slog.String("plugin", name), slog.String("detail", st.Message))
			h.emitAlert(ctx, name, "", xerrors.CodePluginFailure, fmt.Errorf("health probe failed: %s", st.Message))
		}
		out[name] = st
	}
	return out
}

// probe calls HealthCheck with panic containment.
func probe(ctx context.Context, instance plugin.Plugin) (st plugin.HealthStatus) {
	defer func() {
		if r := recover(); r != nil {
			st = plugin.Unhealthy(fmt.Sprintf("health check panicked: %v", r))
		}
	}()
	if instance == nil {
		return plugin.Unhealthy("no live instance")
	}
	st = instance.HealthCheck(ctx)
	if st.LastCheck.IsZero() {
		st.LastCheck = time.Now()
	}
	return st
}

// RunHealthLoop polls plugin health on the given interval until the
// context is cancelled.
func (h *Host) RunHealthLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.HealthCheck(ctx)
		}
	}
}

// Unload removes a plugin: capabilities unbind first, then the instance
// gets a shutdown call whose failure is logged but never blocks removal.
func (h *Host) Unload(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	h.mu.Lock()
	rec, ok := h.records[name]
	if !ok {
		h.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %q is not loaded", name))
	}
	delete(h.records, name)
	if dir := rec.Discovery.Dir; dir != "" && h.byPath[dir] == rec {
		delete(h.byPath, dir)
	}
	h.mu.Unlock()

	h.dispatcher.unregister(rec)
	if instance := rec.Instance(); instance != nil {
		func() {
			defer func() {
				if r := recover(); r != nil {
					h.log.Error("plugin shutdown panicked", slog.String("plugin", name), slog.Any("panic", r))
				}
			}()
			if err := instance.Shutdown(ctx); err != nil {
				h.log.Warn("plugin shutdown returned an error, removing anyway",
					slog.String("plugin", name), slog.Any("error", err))
			}
		}()
	}
	rec.setState(StateShutdown)
	h.log.Info("plugin unloaded", slog.String("plugin", name))
	return nil
}

// Reload unloads a plugin and rediscovers it from its original source.
// Concurrent reloads of the same plugin serialize; different plugins
// proceed in parallel. A bundle that changed its name on disk comes back
// as a brand-new plugin under the new name.
func (h *Host) Reload(ctx context.Context, name string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	lock := h.reloadLock(name)
	lock.Lock()
	defer lock.Unlock()

	h.mu.RLock()
	rec, ok := h.records[name]
	h.mu.RUnlock()
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %q is not loaded", name))
	}
	source := rec.Discovery

	if err := h.Unload(ctx, name); err != nil {
		return err
	}

	var res DiscoveryResult
	var err error
	if source.Builtin {
		res, err = builtinResult(name)
	} else {
		res, err = h.discoverer.DiscoverDir(source.Dir, source.Tier)
	}
	if err != nil {
		return xerrors.Wrap(xerrors.CodePluginFailure, err,
			fmt.Sprintf("plugin %s disappeared from its source during reload", name))
	}

	fresh := h.prepare(ctx, res)
	if loadErr := fresh.LoadError(); loadErr != nil {
		return loadErr
	}
	if fresh.State() == StateValidated {
		h.initOne(ctx, fresh, false)
	}
	h.log.Info("plugin reloaded", slog.String("plugin", res.Name))
	return nil
}

// Enable lifts an administrative disable. A plugin that was disabled at
// startup and never loaded gets its first load here.
func (h *Host) Enable(ctx context.Context, name string) error {
	rec := h.record(name)
	if rec == nil {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %q is not loaded", name))
	}
	rec.setDisabled(false)
	h.mu.Lock()
	delete(h.startOff, strings.ToLower(strings.TrimSpace(name)))
	h.mu.Unlock()
	if rec.State() == StateDiscovered && rec.Instance() == nil && rec.LoadError() == nil {
		h.loadOne(ctx, rec)
		if rec.State() == StateValidated {
			h.initOne(ctx, rec, false)
		}
	}
	h.log.Info("plugin enabled", slog.String("plugin", rec.Name))
	return nil
}

// Disable blocks dispatch to a plugin without unloading it.
func (h *Host) Disable(name string) error {
	rec := h.record(name)
	if rec == nil {
		return xerrors.New(xerrors.CodeNotFound, fmt.Sprintf("plugin %q is not loaded", name))
	}
	rec.setDisabled(true)
	h.log.Info("plugin disabled", slog.String("plugin", rec.Name))
	return nil
}

// Shutdown stops every plugin in reverse initialization order. Errors
// are logged and swallowed so one plugin cannot wedge process exit.
func (h *Host) Shutdown(ctx context.Context) {
	h.mu.RLock()
	order := make([]string, len(h.initOrder))
	copy(order, h.initOrder)
	rest := make([]string, 0, len(h.records))
	seen := make(map[string]bool, len(order))
	for _, name := range order {
		seen[name] = true
	}
	for name := range h.records {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	h.mu.RUnlock()

	sort.Strings(rest)
	for i := len(order) - 1; i >= 0; i-- {
		_ = h.Unload(ctx, order[i])
	}
	for _, name := range rest {
		_ = h.Unload(ctx, name)
	}
	h.log.Info("plugin host shut down")
}

// Records lists every record sorted by name.
func (h *Host) Records() []RecordView {
	h.mu.RLock()
	views := make([]RecordView, 0, len(h.records))
	for _, rec := range h.records {
		views = append(views, rec.View(false))
	}
	h.mu.RUnlock()
	sort.Slice(views, func(i, j int) bool { return views[i].Name < views[j].Name })
	return views
}

// Record returns the detailed view of one plugin.
func (h *Host) Record(name string) (RecordView, bool) {
	rec := h.record(name)
	if rec == nil {
		return RecordView{}, false
	}
	return rec.View(true), true
}

func (h *Host) record(name string) *Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.records[strings.ToLower(strings.TrimSpace(name))]
}

func (h *Host) snapshot() []*Record {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Record, 0, len(h.records))
	for _, rec := range h.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (h *Host) reloadLock(name string) *sync.Mutex {
	h.reloadMu.Lock()
	defer h.reloadMu.Unlock()
	lock, ok := h.reloadLocks[name]
	if !ok {
		lock = &sync.Mutex{}
		h.reloadLocks[name] = lock
	}
	return lock
}

func (h *Host) emitAlert(ctx context.Context, pluginName, capability string, code xerrors.Code, cause error) {
	if h.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	if cause != nil {
		message = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		Plugin:     pluginName,
		Capability: capability,
		OccurredAt: time.Now(),
	}
	if err := h.alerter.Notify(ctx, event); err != nil {
		h.log.Error("alert notification failed", slog.String("plugin", pluginName), slog.Any("error", err))
	}
}

func joinFieldErrors(errs []plugin.FieldError) string {
	parts := make([]string, 0, len(errs))
	for _, fe := range errs {
		parts = append(parts, fe.Error())
	}
	return strings.Join(parts, "; ")
}
