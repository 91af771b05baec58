package plugin

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// Category groups capabilities by the kind of work they perform. Execution
// capabilities reach out to remote infrastructure and are throttled by the
// execution queue; information and management capabilities bypass it.
type Category string

const (
	CategoryExecution   Category = "execution"
	CategoryInformation Category = "information"
	CategoryManagement  Category = "management"
)

// Valid reports whether the category is one of the known values.
func (c Category) Valid() bool {
	switch c {
	case CategoryExecution, CategoryInformation, CategoryManagement:
		return true
	}
	return false
}

// RiskLevel classifies the blast radius of a capability.
type RiskLevel string

const (
	RiskRead    RiskLevel = "read"
	RiskWrite   RiskLevel = "write"
	RiskExecute RiskLevel = "execute"
	RiskAdmin   RiskLevel = "admin"
)

// DefaultRiskLevel is applied when a capability declares no risk level.
const DefaultRiskLevel = RiskRead

// Valid reports whether the risk level is one of the known values.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskRead, RiskWrite, RiskExecute, RiskAdmin:
		return true
	}
	return false
}

// ArgType enumerates the argument types a capability schema may declare.
type ArgType string

const (
	TypeString ArgType = "string"
	TypeInt    ArgType = "int"
	TypeFloat  ArgType = "float"
	TypeBool   ArgType = "bool"
	TypeList   ArgType = "list"
	TypeMap    ArgType = "map"
)

// Valid reports whether the argument type is one of the known values.
func (t ArgType) Valid() bool {
	switch t {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeList, TypeMap:
		return true
	}
	return false
}

// ArgSpec declares a single argument accepted by a capability.
type ArgSpec struct {
	Name        string  `json:"name" yaml:"name"`
	Type        ArgType `json:"type" yaml:"type"`
	Required    bool    `json:"required,omitempty" yaml:"required,omitempty"`
	Default     any     `json:"default,omitempty" yaml:"default,omitempty"`
	Choices     []any   `json:"choices,omitempty" yaml:"choices,omitempty"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
}

// EffectiveType returns the declared type, or string for unknown values so
// that a manifest with an unrecognized type still dispatches.
func (a ArgSpec) EffectiveType() ArgType {
	if a.Type.Valid() {
		return a.Type
	}
	return TypeString
}

// capabilityNameRe requires at least one dot-separated category.action pair.
var capabilityNameRe = regexp.MustCompile(`^[a-z][a-z0-9]*(\.[a-z][a-z0-9]*)+$`)

// NormalizeCapabilityName lower-cases a capability name for case-insensitive
// matching. Registration and dispatch both go through this.
func NormalizeCapabilityName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// CapabilitySpec is the declarative description of a capability as it
// appears in a manifest.
type CapabilitySpec struct {
	Name                string    `json:"name" yaml:"name"`
	Category            Category  `json:"category" yaml:"category"`
	Description         string    `json:"description" yaml:"description"`
	RiskLevel           RiskLevel `json:"riskLevel,omitempty" yaml:"riskLevel,omitempty"`
	RequiredPermissions []string  `json:"requiredPermissions" yaml:"requiredPermissions"`
	Args                []ArgSpec `json:"args,omitempty" yaml:"args,omitempty"`
	Returns             string    `json:"returns,omitempty" yaml:"returns,omitempty"`
}

// EffectiveRiskLevel returns the declared risk level or the default.
func (s CapabilitySpec) EffectiveRiskLevel() RiskLevel {
	if s.RiskLevel == "" {
		return DefaultRiskLevel
	}
	return s.RiskLevel
}

// Validate checks the structural rules for a capability declaration. The
// field argument prefixes error paths, e.g. "capabilities[2]".
func (s CapabilitySpec) Validate(field string) []FieldError {
	var errs []FieldError
	name := NormalizeCapabilityName(s.Name)
	if name == "" {
		errs = append(errs, FieldError{Field: field + ".name", Message: "capability name is required"})
	} else if !capabilityNameRe.MatchString(name) {
		errs = append(errs, FieldError{Field: field + ".name", Message: fmt.Sprintf("capability name %q must match category.action format", s.Name)})
	}
	if s.Category == "" {
		errs = append(errs, FieldError{Field: field + ".category", Message: "category is required"})
	} else if !s.Category.Valid() {
		errs = append(errs, FieldError{Field: field + ".category", Message: fmt.Sprintf("unknown category %q", s.Category)})
	}
	if strings.TrimSpace(s.Description) == "" {
		errs = append(errs, FieldError{Field: field + ".description", Message: "description is required"})
	}
	if len(s.RequiredPermissions) == 0 {
		errs = append(errs, FieldError{Field: field + ".requiredPermissions", Message: "at least one required permission must be declared"})
	}
	if s.RiskLevel != "" && !s.RiskLevel.Valid() {
		errs = append(errs, FieldError{Field: field + ".riskLevel", Message: fmt.Sprintf("unknown risk level %q", s.RiskLevel)})
	}
	for i, arg := range s.Args {
		if strings.TrimSpace(arg.Name) == "" {
			errs = append(errs, FieldError{Field: fmt.Sprintf("%s.args[%d].name", field, i), Message: "argument name is required"})
		}
	}
	return errs
}

// Handler executes a capability invocation. Implementations receive the
// validated argument bag and the caller's execution context; the returned
// document is passed through to the caller unchanged.
type Handler func(ctx context.Context, args map[string]any, ec *ExecutionContext) (map[string]any, error)

// Capability binds a declared spec to its handler.
type Capability struct {
	Spec    CapabilitySpec
	Handler Handler
}
