// Package ethnode is the builtin plugin for watching a fleet of blockchain
// nodes. It keeps one RPC client per configured endpoint and answers
// read-only queries: chain snapshots, account balances, and peer state.
package ethnode

import (
	"context"
	"fmt"
	"strings"
	"time"

	"OpenOrch/pkg/plugin"
)

// Name is the identity the plugin registers under.
const Name = "ethnode"

const version = "1.3.0"

// healthProbeTimeout caps each endpoint probe during a health check.
const healthProbeTimeout = 5 * time.Second

func init() {
	plugin.Register(Name, func() plugin.Plugin { return New() })
}

// Monitor answers ethnode.* capabilities against the endpoint registry.
type Monitor struct {
	registry *registry
}

// New returns an unconfigured monitor; Init loads the endpoint registry.
func New() *Monitor {
	return &Monitor{}
}

var _ plugin.Plugin = (*Monitor)(nil)

func (m *Monitor) Describe() plugin.Manifest {
	return plugin.Manifest{
		Name:            Name,
		Version:         version,
		Description:     "Monitors blockchain node endpoints: snapshots, balances, peer state.",
		Author:          "OpenOrch",
		IntegrationType: plugin.IntegrationHTTP,
		Capabilities: []plugin.CapabilitySpec{
			{
				Name:                "ethnode.snapshot",
				Category:            plugin.CategoryInformation,
				Description:         "Fetch chain id, head block, peer count and sync state of a node endpoint.",
				RiskLevel:           plugin.RiskRead,
				RequiredPermissions: []string{"ethnode.read"},
				Args: []plugin.ArgSpec{
					{Name: "endpoint", Type: plugin.TypeString, Description: "Endpoint name; defaults to the configured default endpoint."},
				},
				Returns: "endpoint, chain_id, block_number, peers, network, syncing",
			},
			{
				Name:                "ethnode.balance",
				Category:            plugin.CategoryInformation,
				Description:         "Read an account balance in wei from a node endpoint.",
				RiskLevel:           plugin.RiskRead,
				RequiredPermissions: []string{"ethnode.read"},
				Args: []plugin.ArgSpec{
					{Name: "address", Type: plugin.TypeString, Required: true, Description: "Hex account address."},
					{Name: "endpoint", Type: plugin.TypeString, Description: "Endpoint name; defaults to the configured default endpoint."},
				},
				Returns: "address, balance_wei, endpoint",
			},
			{
				Name:                "ethnode.peers",
				Category:            plugin.CategoryInformation,
				Description:         "Read the peer count and network id of a node endpoint.",
				RiskLevel:           plugin.RiskRead,
				RequiredPermissions: []string{"ethnode.read"},
				Args: []plugin.ArgSpec{
					{Name: "endpoint", Type: plugin.TypeString, Description: "Endpoint name; defaults to the configured default endpoint."},
				},
				Returns: "endpoint, peers, network",
			},
		},
		Widgets: []plugin.WidgetSpec{
			{
				ID:                   "ethnode:chain-status",
				Name:                 "Node fleet status",
				Component:            "ChainStatusCard",
				Slots:                []string{"dashboard"},
				RequiredCapabilities: []string{"ethnode.snapshot"},
			},
		},
	}
}

func (m *Monitor) Capabilities() []plugin.Capability {
	manifest := m.Describe()
	return []plugin.Capability{
		{Spec: manifest.Capabilities[0], Handler: m.snapshot},
		{Spec: manifest.Capabilities[1], Handler: m.balance},
		{Spec: manifest.Capabilities[2], Handler: m.peers},
	}
}

// Init builds the endpoint registry. Settings: "endpoints_file" points at
// the YAML registry; "default_endpoint" overrides the file's default;
// "rpc_url" is a single-endpoint shortcut when no file is given.
func (m *Monitor) Init(ctx context.Context, settings map[string]any) error {
	if m.registry != nil {
		return nil
	}

	path, _ := settings["endpoints_file"].(string)
	defs, err := LoadEndpointDefinitions(path)
	if err != nil {
		return err
	}

	if len(defs.Endpoints) == 0 {
		if rpcURL, _ := settings["rpc_url"].(string); strings.TrimSpace(rpcURL) != "" {
			defs.Endpoints["default"] = EndpointDefinition{RPCURL: rpcURL}
			if defs.Default == "" {
				defs.Default = "default"
			}
		}
	}
	if name, _ := settings["default_endpoint"].(string); strings.TrimSpace(name) != "" {
		defs.Default = strings.TrimSpace(name)
	}

	registry, err := newRegistry(ctx, defs)
	if err != nil {
		return err
	}
	m.registry = registry
	return nil
}

// HealthCheck probes every endpoint. A dead default endpoint makes the
// plugin unhealthy; dead secondary endpoints only degrade it.
func (m *Monitor) HealthCheck(ctx context.Context) plugin.HealthStatus {
	if m.registry == nil {
		return plugin.Unhealthy("endpoint registry is not configured")
	}

	var failed []string
	defaultDown := false
	for _, name := range m.registry.names() {
		client, ok := m.registry.client(name)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		err := client.Ping(probeCtx)
		cancel()
		if err != nil {
			failed = append(failed, name)
			if name == m.registry.defaultEndpoint {
				defaultDown = true
			}
		}
	}

	if defaultDown {
		return plugin.Unhealthy(fmt.Sprintf("default endpoint %s is unreachable", m.registry.defaultEndpoint))
	}

	status := plugin.Healthy()
	status.Details = map[string]any{
		"endpoints": len(m.registry.names()),
		"default":   m.registry.defaultEndpoint,
	}
	if len(failed) > 0 {
		status.Degraded = true
		status.Message = fmt.Sprintf("endpoints unreachable: %s", strings.Join(failed, ", "))
	}
	return status
}

func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.registry != nil {
		m.registry.close()
		m.registry = nil
	}
	return nil
}

func (m *Monitor) snapshot(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	client, err := m.pick(args)
	if err != nil {
		return nil, err
	}
	snapshot, err := client.FetchSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	doc := map[string]any{
		"endpoint":     snapshot.Endpoint,
		"chain_id":     snapshot.ChainID,
		"block_number": snapshot.BlockNumber,
		"peers":        snapshot.Peers,
		"network":      snapshot.Network,
		"syncing":      snapshot.Syncing,
	}
	if snapshot.Notes != "" {
		doc["notes"] = snapshot.Notes
	}
	return doc, nil
}

func (m *Monitor) balance(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	client, err := m.pick(args)
	if err != nil {
		return nil, err
	}
	address := args["address"].(string)
	balance, err := client.Balance(ctx, address)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"address":     address,
		"balance_wei": balance,
		"endpoint":    client.name,
	}, nil
}

func (m *Monitor) peers(ctx context.Context, args map[string]any, ec *plugin.ExecutionContext) (map[string]any, error) {
	client, err := m.pick(args)
	if err != nil {
		return nil, err
	}
	count, network, err := client.Peers(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"endpoint": client.name,
		"peers":    count,
		"network":  network,
	}, nil
}

// pick resolves the target endpoint from the argument bag.
func (m *Monitor) pick(args map[string]any) (*endpointClient, error) {
	if m.registry == nil {
		return nil, fmt.Errorf("端点注册表尚未初始化")
	}
	if name, ok := args["endpoint"].(string); ok && strings.TrimSpace(name) != "" {
		client, found := m.registry.client(strings.TrimSpace(name))
		if !found {
			return nil, fmt.Errorf("未知的节点端点: %s", name)
		}
		return client, nil
	}
	return m.registry.defaultClient()
}
