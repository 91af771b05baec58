package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Constructor builds a fresh plugin instance. Reload calls it again, so
// constructors must not share mutable state between instances.
type Constructor func() Plugin

var (
	builtinsMu sync.RWMutex
	builtins   = make(map[string]Constructor)
)

// Register records a compiled-in plugin constructor under its name. Builtin
// plugins call this from init(); the daemon pulls them in with blank
// imports. Registering an empty name, a nil constructor, or a name twice is
// a programming error and panics.
func Register(name string, ctor Constructor) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		panic("plugin: Register called with empty name")
	}
	if ctor == nil {
		panic(fmt.Sprintf("plugin: Register called with nil constructor for %q", name))
	}
	builtinsMu.Lock()
	defer builtinsMu.Unlock()
	if _, exists := builtins[name]; exists {
		panic(fmt.Sprintf("plugin: %q already registered", name))
	}
	builtins[name] = ctor
}

// Lookup retrieves a registered constructor by name.
func Lookup(name string) (Constructor, bool) {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	ctor, ok := builtins[strings.ToLower(strings.TrimSpace(name))]
	return ctor, ok
}

// Names returns the registered plugin names in sorted order.
func Names() []string {
	builtinsMu.RLock()
	defer builtinsMu.RUnlock()
	names := make([]string, 0, len(builtins))
	for name := range builtins {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
