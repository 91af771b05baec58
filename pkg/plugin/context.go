package plugin

import "strings"

// Caller identifies who asked for a capability invocation.
type Caller struct {
	ID          string   `json:"id"`
	Name        string   `json:"name,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	Permissions []string `json:"permissions,omitempty"`
}

// HasPermission reports whether the caller holds the permission,
// case-insensitively.
func (c Caller) HasPermission(perm string) bool {
	perm = strings.ToLower(strings.TrimSpace(perm))
	for _, p := range c.Permissions {
		if strings.ToLower(p) == perm {
			return true
		}
	}
	return false
}

// HasRole reports whether the caller holds the role, case-insensitively.
func (c Caller) HasRole(role string) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	for _, r := range c.Roles {
		if strings.ToLower(r) == role {
			return true
		}
	}
	return false
}

// ExecutionContext travels with every capability invocation. The dispatcher
// fills it in; handlers treat it as read-only. It is never persisted.
type ExecutionContext struct {
	Caller        Caller            `json:"caller"`
	CorrelationID string            `json:"correlationId,omitempty"`
	WidgetID      string            `json:"widgetId,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Clone returns a copy with its own metadata map so handlers can annotate
// it without racing the caller.
func (ec *ExecutionContext) Clone() *ExecutionContext {
	if ec == nil {
		return nil
	}
	dup := *ec
	if ec.Metadata != nil {
		dup.Metadata = make(map[string]string, len(ec.Metadata))
		for k, v := range ec.Metadata {
			dup.Metadata[k] = v
		}
	}
	if ec.Caller.Roles != nil {
		dup.Caller.Roles = append([]string(nil), ec.Caller.Roles...)
	}
	if ec.Caller.Permissions != nil {
		dup.Caller.Permissions = append([]string(nil), ec.Caller.Permissions...)
	}
	return &dup
}
