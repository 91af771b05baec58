package pluginhost

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"OpenOrch/pkg/logger"
	"OpenOrch/pkg/plugin"
)

const (
	manifestFile   = "plugin.json"
	descriptorFile = "plugin.yaml"
	artifactExt    = ".so"
)

// ManifestSource records where a discovery result's manifest came from.
type ManifestSource string

const (
	SourceBuiltin    ManifestSource = "builtin"
	SourceManifest   ManifestSource = "manifest"
	SourceDescriptor ManifestSource = "descriptor"
	SourceDirName    ManifestSource = "dirname"
)

// DiscoveryResult is one candidate plugin located by the discoverer.
type DiscoveryResult struct {
	Name           string
	Tier           Tier
	Dir            string
	EntryPoint     string
	Builtin        bool
	Manifest       plugin.Manifest
	ManifestSource ManifestSource
	ManifestPath   string
	Warnings       []plugin.Warning
}

// HasManifest reports whether a real plugin.json was found, as opposed to
// the descriptor or directory-name fallbacks.
func (r DiscoveryResult) HasManifest() bool {
	return r.ManifestSource == SourceManifest || r.ManifestSource == SourceBuiltin
}

// Discoverer locates plugins across the three source tiers: compiled-in
// registrations first, then external and local bundle roots, one directory
// level deep. Results are de-duplicated by name with the higher tier
// winning.
type Discoverer struct {
	roots []Root
	log   *slog.Logger
}

// NewDiscoverer builds a discoverer over the configured roots.
func NewDiscoverer(roots []Root) *Discoverer {
	return &Discoverer{roots: roots, log: logger.Named("plugin-discovery")}
}

// Discover enumerates every candidate plugin. Broken bundles never abort
// the walk; they are reported in the returned warnings and skipped.
func (d *Discoverer) Discover() ([]DiscoveryResult, []plugin.Warning) {
	var out []DiscoveryResult
	var warns []plugin.Warning
	index := make(map[string]int)

	merge := func(res DiscoveryResult) {
		if prev, ok := index[res.Name]; ok {
			dropped := res
			if res.Tier.precedence() > out[prev].Tier.precedence() {
				dropped = out[prev]
				out[prev] = res
			}
			d.log.Warn("duplicate plugin name, higher tier wins",
				"plugin", res.Name, "kept", string(out[prev].Tier), "dropped", string(dropped.Tier), "droppedDir", dropped.Dir)
			warns = append(warns, plugin.Warning{Message: fmt.Sprintf("plugin %q from %s tier shadowed by %s tier", res.Name, dropped.Tier, out[prev].Tier)})
			return
		}
		index[res.Name] = len(out)
		out = append(out, res)
	}

	for _, name := range plugin.Names() {
		res, err := builtinResult(name)
		if err != nil {
			continue
		}
		merge(res)
	}

	for _, tier := range []Tier{TierExternal, TierLocal} {
		for _, root := range d.roots {
			if root.Tier != tier {
				continue
			}
			entries, err := os.ReadDir(root.Path)
			if err != nil {
				d.log.Warn("cannot scan plugin root", "root", root.Path, "error", err)
				warns = append(warns, plugin.Warning{Message: fmt.Sprintf("cannot scan plugin root %s: %v", root.Path, err)})
				continue
			}
			for _, entry := range entries {
				if !entry.IsDir() {
					continue
				}
				dir := filepath.Join(root.Path, entry.Name())
				res, err := d.examine(dir, tier)
				if err != nil {
					if _, builtin := plugin.Lookup(strings.ToLower(entry.Name())); builtin {
						d.log.Debug("bundle has no artifact but a builtin covers it", "dir", dir)
						continue
					}
					d.log.Warn("skipping plugin bundle", "dir", dir, "error", err)
					warns = append(warns, plugin.Warning{Message: fmt.Sprintf("skipping bundle %s: %v", dir, err)})
					continue
				}
				merge(res)
			}
		}
	}

	return out, warns
}

// DiscoverDir examines a single bundle directory. Reload uses it to
// rediscover a plugin from its original source.
func (d *Discoverer) DiscoverDir(dir string, tier Tier) (DiscoveryResult, error) {
	return d.examine(dir, tier)
}

// builtinResult synthesizes a discovery result for a compiled-in plugin
// from its registered constructor.
func builtinResult(name string) (DiscoveryResult, error) {
	ctor, ok := plugin.Lookup(name)
	if !ok {
		return DiscoveryResult{}, fmt.Errorf("builtin plugin %q is not registered", name)
	}
	manifest := ctor().Describe()
	manifest.Normalize()
	res := DiscoveryResult{
		Name:           name,
		Tier:           TierNative,
		Builtin:        true,
		Manifest:       manifest,
		ManifestSource: SourceBuiltin,
	}
	if manifest.Name != "" && manifest.Name != name {
		res.Warnings = append(res.Warnings, plugin.Warning{
			Field:   "name",
			Message: fmt.Sprintf("builtin manifest name %q differs from registered name %q", manifest.Name, name),
		})
		res.Manifest.Name = name
	}
	return res, nil
}

func (d *Discoverer) examine(dir string, tier Tier) (DiscoveryResult, error) {
	base := strings.ToLower(filepath.Base(dir))
	res := DiscoveryResult{Tier: tier, Dir: dir, ManifestSource: SourceDirName}

	if raw, err := os.ReadFile(filepath.Join(dir, manifestFile)); err == nil {
		m, perr := plugin.ParseManifest(raw)
		if perr != nil {
			return DiscoveryResult{}, fmt.Errorf("%s: %w", manifestFile, perr)
		}
		res.Manifest = m
		res.ManifestSource = SourceManifest
		res.ManifestPath = filepath.Join(dir, manifestFile)
	} else if raw, err := os.ReadFile(filepath.Join(dir, descriptorFile)); err == nil {
		m, perr := plugin.ParseManifestYAML(raw)
		if perr != nil {
			return DiscoveryResult{}, fmt.Errorf("%s: %w", descriptorFile, perr)
		}
		res.Manifest = m
		res.ManifestSource = SourceDescriptor
		res.ManifestPath = filepath.Join(dir, descriptorFile)
	} else {
		res.Manifest = plugin.Manifest{Name: base}
	}

	res.Manifest.Normalize()
	if res.Manifest.Name == "" {
		res.Manifest.Name = base
	}
	res.Name = res.Manifest.Name

	entry, ok := resolveEntryPoint(dir, res.Manifest.EntryPoint, res.Name)
	if !ok {
		return DiscoveryResult{}, fmt.Errorf("no loadable artifact (tried %s)", strings.Join(entryPointCandidates(res.Manifest.EntryPoint, res.Name), ", "))
	}
	res.EntryPoint = entry
	return res, nil
}

// resolveEntryPoint walks the candidate artifact paths under dir and
// returns the first that exists.
func resolveEntryPoint(dir, declared, name string) (string, bool) {
	for _, rel := range entryPointCandidates(declared, name) {
		path := filepath.Join(dir, rel)
		if st, err := os.Stat(path); err == nil && !st.IsDir() {
			return path, true
		}
	}
	return "", false
}

// entryPointCandidates lists the artifact paths tried in order: the
// declared entry point, the conventional backend index, index, plugin,
// the plugin name, and the camel-cased <Name>Plugin variant.
func entryPointCandidates(declared, name string) []string {
	var out []string
	add := func(rel string) {
		if rel == "" {
			return
		}
		if !strings.HasSuffix(rel, artifactExt) {
			rel += artifactExt
		}
		for _, existing := range out {
			if existing == rel {
				return
			}
		}
		out = append(out, rel)
	}
	add(declared)
	add(plugin.DefaultEntryPoint)
	add("index")
	add("plugin")
	add(name)
	if camel := camelName(name); camel != "" {
		add(camel + "Plugin")
	}
	return out
}

// camelName turns a kebab-case plugin name into CamelCase.
func camelName(name string) string {
	parts := strings.Split(name, "-")
	var b strings.Builder
	for _, part := range parts {
		if part == "" {
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}
