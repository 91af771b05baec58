package ethnode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

// registry manages the monitoring clients keyed by endpoint name.
type registry struct {
	defaultEndpoint string
	clients         map[string]*endpointClient
}

// newRegistry dials every defined endpoint and resolves the default. A
// failed dial aborts the whole registry so misconfiguration surfaces at
// plugin init, not mid-query.
func newRegistry(ctx context.Context, defs EndpointDefinitions) (*registry, error) {
	clients := make(map[string]*endpointClient)
	for name, endpoint := range defs.Endpoints {
		client, err := dialEndpoint(ctx, endpointConfig{
			Name:   name,
			RPCURL: endpoint.RPCURL,
			Notes:  endpoint.Description,
		})
		if err != nil {
			closeAll(clients)
			return nil, fmt.Errorf("初始化端点 %s 失败: %w", name, err)
		}
		clients[name] = client
	}

	if len(clients) == 0 {
		return nil, errors.New("未配置任何节点 RPC 端点")
	}

	defaultEndpoint := strings.TrimSpace(defs.Default)
	if defaultEndpoint == "" {
		names := make([]string, 0, len(clients))
		for name := range clients {
			names = append(names, name)
		}
		sort.Strings(names)
		defaultEndpoint = names[0]
	}
	if _, ok := clients[defaultEndpoint]; !ok {
		closeAll(clients)
		return nil, fmt.Errorf("默认端点 %s 未在配置中找到", defaultEndpoint)
	}

	return &registry{defaultEndpoint: defaultEndpoint, clients: clients}, nil
}

// defaultClient returns the client configured as the default endpoint.
func (r *registry) defaultClient() (*endpointClient, error) {
	if r == nil {
		return nil, errors.New("未初始化的端点注册表")
	}
	client, ok := r.clients[r.defaultEndpoint]
	if !ok {
		return nil, fmt.Errorf("默认端点 %s 未在注册表中", r.defaultEndpoint)
	}
	return client, nil
}

// client returns the monitoring client identified by name.
func (r *registry) client(name string) (*endpointClient, bool) {
	if r == nil {
		return nil, false
	}
	client, ok := r.clients[name]
	return client, ok
}

// close releases all clients managed by the registry.
func (r *registry) close() {
	if r == nil {
		return
	}
	closeAll(r.clients)
}

// names returns the registered endpoint names in sorted order.
func (r *registry) names() []string {
	if r == nil {
		return nil
	}
	out := make([]string, 0, len(r.clients))
	for name := range r.clients {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func closeAll(clients map[string]*endpointClient) {
	for name, client := range clients {
		if client != nil {
			client.Close()
		}
		delete(clients, name)
	}
}
