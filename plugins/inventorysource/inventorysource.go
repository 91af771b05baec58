// Package inventorysource exposes the node inventory as read-only
// capabilities so operators and widgets can browse the fleet through the
// same dispatch path as everything else.
package inventorysource

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"OpenOrch/internal/inventory"
	"OpenOrch/pkg/plugin"
)

// Name is the identity the plugin registers under.
const Name = "inventorysource"

const version = "1.0.1"

func init() {
	plugin.Register(Name, func() plugin.Plugin { return New(nil) })
}

// Source answers inventory queries against a Provider. A provider can be
// injected up front; otherwise Init loads a static inventory from the
// "path" setting.
type Source struct {
	provider inventory.Provider
}

// New wraps an existing provider; pass nil to defer loading to Init.
func New(provider inventory.Provider) *Source {
	return &Source{provider: provider}
}

var _ plugin.Plugin = (*Source)(nil)

func (s *Source) Describe() plugin.Manifest {
	return plugin.Manifest{
		Name:            Name,
		Version:         version,
		Description:     "Read-only queries over the managed node inventory.",
		Author:          "OpenOrch",
		IntegrationType: plugin.IntegrationCustom,
		Capabilities: []plugin.CapabilitySpec{
			{
				Name:                "inventory.nodes.list",
				Category:            plugin.CategoryInformation,
				Description:         "List nodes, optionally filtered by group and label selectors.",
				RiskLevel:           plugin.RiskRead,
				RequiredPermissions: []string{"inventory.read"},
				Args: []plugin.ArgSpec{
					{Name: "group", Type: plugin.TypeString, Description: "Restrict to members of this group."},
					{Name: "labels", Type: plugin.TypeMap, Description: "Label selectors; every pair must match."},
				},
				Returns: "nodes, count",
			},
			{
				Name:                "inventory.nodes.get",
				Category:            plugin.CategoryInformation,
				Description:         "Fetch a single node by its identifier.",
				RiskLevel:           plugin.RiskRead,
				RequiredPermissions: []string{"inventory.read"},
				Args: []plugin.ArgSpec{
					{Name: "id", Type: plugin.TypeString, Required: true, Description: "Node identifier."},
				},
				Returns: "node",
			},
			{
				Name:                "inventory.groups.list",
				Category:            plugin.CategoryInformation,
				Description:         "List the groups present in the inventory.",
				RiskLevel:           plugin.RiskRead,
				RequiredPermissions: []string{"inventory.read"},
				Returns:             "groups, count",
			},
		},
		Widgets: []plugin.WidgetSpec{
			{
				ID:                   "inventorysource:fleet-table",
				Name:                 "Fleet overview",
				Component:            "NodeTable",
				Slots:                []string{"dashboard"},
				RequiredCapabilities: []string{"inventory.nodes.list"},
			},
		},
	}
}

func (s *Source) Capabilities() []plugin.Capability {
	manifest := s.Describe()
	return []plugin.Capability{
		{Spec: manifest.Capabilities[0], Handler: s.listNodes},
		{Spec: manifest.Capabilities[1], Handler: s.getNode},
		{Spec: manifest.Capabilities[2], Handler: s.listGroups},
	}
}

func (s *Source) Init(ctx context.Context, settings map[string]any) error {
	if s.provider != nil {
		return nil
	}
	path, _ := settings["path"].(string)
	if strings.TrimSpace(path) == "" {
		return errors.New("inventory path is not configured")
	}
	provider, err := inventory.LoadStaticProvider(path)
	if err != nil {
		return fmt.Errorf("load inventory: %w", err)
	}
	s.provider = provider
	return nil
}

func (s *Source) HealthCheck(ctx context.Context) plugin.HealthStatus {
	if s.provider == nil {
		return plugin.Unhealthy("no inventory provider configured")
	}
	status := plugin.Healthy()
	status.Details = map[string]any{"groups": len(s.provider.Groups())}
	return status
}

func (s *Source) Shutdown(ctx context.Context) error { return nil }

func (s *Source) listNodes(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	selector := inventory.Selector{}
	if group, ok := args["group"].(string); ok {
		selector.Group = group
	}
	if raw, ok := args["labels"].(map[string]any); ok {
		selector.Labels = make(map[string]string, len(raw))
		for k, v := range raw {
			selector.Labels[k] = fmt.Sprint(v)
		}
	}
	nodes := s.provider.Query(selector)
	return map[string]any{
		"nodes": nodeDocs(nodes),
		"count": len(nodes),
	}, nil
}

func (s *Source) getNode(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	id := args["id"].(string)
	node, ok := s.provider.Get(id)
	if !ok {
		return nil, fmt.Errorf("node %q not found", id)
	}
	return map[string]any{"node": nodeDoc(node)}, nil
}

func (s *Source) listGroups(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	groups := s.provider.Groups()
	return map[string]any{
		"groups": groups,
		"count":  len(groups),
	}, nil
}

func nodeDocs(nodes []inventory.Node) []map[string]any {
	docs := make([]map[string]any, len(nodes))
	for i, node := range nodes {
		docs[i] = nodeDoc(node)
	}
	return docs
}

func nodeDoc(node inventory.Node) map[string]any {
	doc := map[string]any{
		"id":      node.ID,
		"name":    node.Name,
		"address": node.Address,
	}
	if len(node.Labels) > 0 {
		doc["labels"] = node.Labels
	}
	if len(node.Groups) > 0 {
		doc["groups"] = node.Groups
	}
	return doc
}
