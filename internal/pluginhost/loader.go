package pluginhost

import (
	"errors"
	"fmt"
	goplugin "plugin"

	"OpenOrch/pkg/plugin"
)

// ErrNoExportConvention is returned when a shared library exports a Plugin
// symbol that matches none of the supported conventions.
var ErrNoExportConvention = errors.New("Plugin symbol must be a plugin.Plugin value, a pointer to one, or a func() plugin.Plugin factory")

// Loader turns a discovery result into a live plugin instance. The host
// accepts any implementation so tests can stub instantiation.
type Loader interface {
	Instantiate(res DiscoveryResult) (plugin.Plugin, error)
}

// SharedLibraryLoader resolves native results through the builtin
// constructor registry and bundle results through Go's plugin mechanism.
type SharedLibraryLoader struct{}

// Instantiate obtains a fresh plugin instance for the discovery result.
// For shared libraries the bundle must export a `Plugin` symbol as a value,
// a pointer, or a zero-argument factory; anything else fails with
// ErrNoExportConvention.
func (SharedLibraryLoader) Instantiate(res DiscoveryResult) (plugin.Plugin, error) {
	if res.Builtin {
		ctor, ok := plugin.Lookup(res.Name)
		if !ok {
			return nil, fmt.Errorf("builtin plugin %q is not registered", res.Name)
		}
		return ctor(), nil
	}
	if res.EntryPoint == "" {
		return nil, fmt.Errorf("plugin %q has no resolved entry point", res.Name)
	}
	so, err := goplugin.Open(res.EntryPoint)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", res.EntryPoint, err)
	}
	symbol, err := so.Lookup("Plugin")
	if err != nil {
		return nil, fmt.Errorf("lookup Plugin symbol in %s: %w", res.EntryPoint, err)
	}
	switch p := symbol.(type) {
	case plugin.Plugin:
		return p, nil
	case *plugin.Plugin:
		if p == nil || *p == nil {
			return nil, fmt.Errorf("%s: Plugin symbol is nil", res.EntryPoint)
		}
		return *p, nil
	case func() plugin.Plugin:
		instance := p()
		if instance == nil {
			return nil, fmt.Errorf("%s: Plugin factory returned nil", res.EntryPoint)
		}
		return instance, nil
	default:
		return nil, fmt.Errorf("%s: %w", res.EntryPoint, ErrNoExportConvention)
	}
}
