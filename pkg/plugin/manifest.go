package plugin

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// IntegrationType declares which remote-execution backend family a plugin
// wraps.
type IntegrationType string

const (
	IntegrationSSH     IntegrationType = "ssh"
	IntegrationBolt    IntegrationType = "bolt"
	IntegrationAnsible IntegrationType = "ansible"
	IntegrationHTTP    IntegrationType = "http"
	IntegrationCustom  IntegrationType = "custom"
)

// Valid reports whether the integration type is one of the known values.
func (t IntegrationType) Valid() bool {
	switch t {
	case IntegrationSSH, IntegrationBolt, IntegrationAnsible, IntegrationHTTP, IntegrationCustom:
		return true
	}
	return false
}

// DefaultEntryPoint is the conventional artifact path tried when a manifest
// does not declare one.
const DefaultEntryPoint = "backend/index"

const maxNameLength = 50

var (
	nameRe     = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)
	widgetIDRe = regexp.MustCompile(`^[a-z][a-z0-9-]*:[a-z][a-z0-9-]*$`)
	semverRe   = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)(-[0-9A-Za-z-]+(\.[0-9A-Za-z-]+)*)?(\+[0-9A-Za-z-]+(\.[0-9A-Za-z-]+)*)?$`)
)

// FieldError is a structural manifest violation addressed to the offending
// field. Any FieldError blocks the plugin from loading.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Warning is a non-fatal consistency finding. Warnings are logged and kept
// on the plugin record but never block loading.
type Warning struct {
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (w Warning) String() string {
	if w.Field == "" {
		return w.Message
	}
	return fmt.Sprintf("%s: %s", w.Field, w.Message)
}

// WidgetSpec describes a UI widget contributed by a plugin. The platform
// carries and validates widget metadata but never renders it.
type WidgetSpec struct {
	ID                   string         `json:"id" yaml:"id"`
	Name                 string         `json:"name" yaml:"name"`
	Component            string         `json:"component" yaml:"component"`
	Slots                []string       `json:"slots" yaml:"slots"`
	Size                 string         `json:"size,omitempty" yaml:"size,omitempty"`
	RequiredCapabilities []string       `json:"requiredCapabilities,omitempty" yaml:"requiredCapabilities,omitempty"`
	Priority             int            `json:"priority,omitempty" yaml:"priority,omitempty"`
	Config               map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
}

// CLICommandSpec maps an operator CLI subcommand onto a capability.
type CLICommandSpec struct {
	Name        string         `json:"name" yaml:"name"`
	Description string         `json:"description,omitempty" yaml:"description,omitempty"`
	Capability  string         `json:"capability" yaml:"capability"`
	DefaultArgs map[string]any `json:"defaultArgs,omitempty" yaml:"defaultArgs,omitempty"`
}

// Manifest is the declarative plugin.json description of a plugin: its
// identity, capabilities, widgets, CLI surface and dependencies.
type Manifest struct {
	Name               string              `json:"name" yaml:"name"`
	Version            string              `json:"version" yaml:"version"`
	Description        string              `json:"description,omitempty" yaml:"description,omitempty"`
	Author             string              `json:"author,omitempty" yaml:"author,omitempty"`
	License            string              `json:"license,omitempty" yaml:"license,omitempty"`
	Homepage           string              `json:"homepage,omitempty" yaml:"homepage,omitempty"`
	IntegrationType    IntegrationType     `json:"integrationType,omitempty" yaml:"integrationType,omitempty"`
	IntegrationTypes   []IntegrationType   `json:"integrationTypes,omitempty" yaml:"integrationTypes,omitempty"`
	EntryPoint         string              `json:"entryPoint,omitempty" yaml:"entryPoint,omitempty"`
	Capabilities       []CapabilitySpec    `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Widgets            []WidgetSpec        `json:"widgets,omitempty" yaml:"widgets,omitempty"`
	CLICommands        []CLICommandSpec    `json:"cliCommands,omitempty" yaml:"cliCommands,omitempty"`
	Dependencies       []string            `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	DefaultPermissions map[string][]string `json:"defaultPermissions,omitempty" yaml:"defaultPermissions,omitempty"`
	Platform           string              `json:"platform,omitempty" yaml:"platform,omitempty"`
}

// ParseManifest decodes a plugin.json document.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	return m, nil
}

// ParseManifestYAML decodes the plugin.yaml descriptor fallback.
func ParseManifestYAML(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest descriptor: %w", err)
	}
	return m, nil
}

// Normalize applies defaults in place: the name and capability names are
// lower-cased, the legacy singular integrationType is promoted into the
// list, an empty list defaults to custom, and the entry point falls back to
// the conventional path. Normalize never reports problems; Validate does.
func (m *Manifest) Normalize() {
	m.Name = strings.ToLower(strings.TrimSpace(m.Name))
	m.Version = strings.TrimSpace(m.Version)
	if len(m.IntegrationTypes) == 0 && m.IntegrationType != "" {
		m.IntegrationTypes = []IntegrationType{m.IntegrationType}
	}
	if len(m.IntegrationTypes) == 0 {
		m.IntegrationTypes = []IntegrationType{IntegrationCustom}
	}
	if strings.TrimSpace(m.EntryPoint) == "" {
		m.EntryPoint = DefaultEntryPoint
	}
	for i := range m.Capabilities {
		m.Capabilities[i].Name = NormalizeCapabilityName(m.Capabilities[i].Name)
	}
}

// Validate checks structural rules only. Running it twice on the same
// manifest yields identical results.
func (m *Manifest) Validate() []FieldError {
	var errs []FieldError

	name := strings.TrimSpace(m.Name)
	switch {
	case name == "":
		errs = append(errs, FieldError{Field: "name", Message: "plugin name is required"})
	case !nameRe.MatchString(name):
		errs = append(errs, FieldError{Field: "name", Message: fmt.Sprintf("plugin name %q must be lowercase kebab-case starting with a letter", m.Name)})
	case len(name) > maxNameLength:
		errs = append(errs, FieldError{Field: "name", Message: fmt.Sprintf("plugin name exceeds %d characters", maxNameLength)})
	}

	version := strings.TrimSpace(m.Version)
	if version == "" {
		errs = append(errs, FieldError{Field: "version", Message: "version is required"})
	} else if !semverRe.MatchString(version) {
		errs = append(errs, FieldError{Field: "version", Message: fmt.Sprintf("version %q is not valid semver", m.Version)})
	}
	if p := strings.TrimSpace(m.Platform); p != "" && !semverRe.MatchString(p) {
		errs = append(errs, FieldError{Field: "platform", Message: fmt.Sprintf("platform version %q is not valid semver", m.Platform)})
	}

	if m.IntegrationType != "" && !m.IntegrationType.Valid() {
		errs = append(errs, FieldError{Field: "integrationType", Message: fmt.Sprintf("unknown integration type %q", m.IntegrationType)})
	}
	for i, t := range m.IntegrationTypes {
		if !t.Valid() {
			errs = append(errs, FieldError{Field: fmt.Sprintf("integrationTypes[%d]", i), Message: fmt.Sprintf("unknown integration type %q", t)})
		}
	}

	seen := make(map[string]struct{}, len(m.Capabilities))
	for i, cap := range m.Capabilities {
		field := fmt.Sprintf("capabilities[%d]", i)
		errs = append(errs, cap.Validate(field)...)
		key := NormalizeCapabilityName(cap.Name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			errs = append(errs, FieldError{Field: field + ".name", Message: fmt.Sprintf("duplicate capability name %q", key)})
		}
		seen[key] = struct{}{}
	}

	for i, w := range m.Widgets {
		if !widgetIDRe.MatchString(w.ID) {
			errs = append(errs, FieldError{Field: fmt.Sprintf("widgets[%d].id", i), Message: fmt.Sprintf("widget id %q must match plugin-name:widget-name format", w.ID)})
		}
	}

	for i, c := range m.CLICommands {
		if !nameRe.MatchString(c.Name) {
			errs = append(errs, FieldError{Field: fmt.Sprintf("cliCommands[%d].name", i), Message: fmt.Sprintf("CLI command name %q must be lowercase kebab-case", c.Name)})
		}
	}

	return errs
}

// Lint reports consistency findings that never block loading: dangling
// capability references, widget metadata gaps, missing optional fields.
// It assumes Validate has already passed or its findings are handled.
func (m *Manifest) Lint() []Warning {
	var warns []Warning

	declared := make(map[string]struct{}, len(m.Capabilities))
	for _, cap := range m.Capabilities {
		declared[NormalizeCapabilityName(cap.Name)] = struct{}{}
	}

	if strings.TrimSpace(m.Description) == "" {
		warns = append(warns, Warning{Field: "description", Message: "manifest has no description"})
	}
	if strings.TrimSpace(m.Author) == "" {
		warns = append(warns, Warning{Field: "author", Message: "manifest has no author"})
	}

	for i, cap := range m.Capabilities {
		field := fmt.Sprintf("capabilities[%d]", i)
		if cap.RiskLevel == "" {
			warns = append(warns, Warning{Field: field + ".riskLevel", Message: fmt.Sprintf("capability %q declares no risk level; defaulting to %s", cap.Name, DefaultRiskLevel)})
		}
		for j, arg := range cap.Args {
			if arg.Type != "" && !arg.Type.Valid() {
				warns = append(warns, Warning{Field: fmt.Sprintf("%s.args[%d].type", field, j), Message: fmt.Sprintf("unknown argument type %q; treated as string", arg.Type)})
			}
		}
	}

	name := strings.ToLower(strings.TrimSpace(m.Name))
	for i, w := range m.Widgets {
		field := fmt.Sprintf("widgets[%d]", i)
		if prefix, _, ok := strings.Cut(w.ID, ":"); ok && name != "" && prefix != name {
			warns = append(warns, Warning{Field: field + ".id", Message: fmt.Sprintf("widget id prefix %q does not match plugin name %q", prefix, name)})
		}
		if strings.TrimSpace(w.Name) == "" {
			warns = append(warns, Warning{Field: field + ".name", Message: "widget has no name"})
		}
		if strings.TrimSpace(w.Component) == "" {
			warns = append(warns, Warning{Field: field + ".component", Message: "widget has no component reference"})
		}
		if len(w.Slots) == 0 {
			warns = append(warns, Warning{Field: field + ".slots", Message: "widget declares no slots"})
		}
		for _, req := range w.RequiredCapabilities {
			if _, ok := declared[NormalizeCapabilityName(req)]; !ok {
				warns = append(warns, Warning{Field: field + ".requiredCapabilities", Message: fmt.Sprintf("widget %q requires undeclared capability %q", w.ID, req)})
			}
		}
	}

	for i, c := range m.CLICommands {
		if c.Capability == "" {
			warns = append(warns, Warning{Field: fmt.Sprintf("cliCommands[%d].capability", i), Message: fmt.Sprintf("CLI command %q maps to no capability", c.Name)})
			continue
		}
		if _, ok := declared[NormalizeCapabilityName(c.Capability)]; !ok {
			warns = append(warns, Warning{Field: fmt.Sprintf("cliCommands[%d].capability", i), Message: fmt.Sprintf("CLI command %q references undeclared capability %q", c.Name, c.Capability)})
		}
	}

	for capName := range m.DefaultPermissions {
		if _, ok := declared[NormalizeCapabilityName(capName)]; !ok {
			warns = append(warns, Warning{Field: "defaultPermissions", Message: fmt.Sprintf("default permissions reference undeclared capability %q", capName)})
		}
	}

	for i, dep := range m.Dependencies {
		trimmed := strings.ToLower(strings.TrimSpace(dep))
		if trimmed == "" {
			warns = append(warns, Warning{Field: fmt.Sprintf("dependencies[%d]", i), Message: "empty dependency entry"})
			continue
		}
		if trimmed == name {
			warns = append(warns, Warning{Field: fmt.Sprintf("dependencies[%d]", i), Message: "plugin depends on itself"})
		}
	}

	return warns
}
