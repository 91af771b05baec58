package ethnode

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EndpointDefinitions models the endpoints YAML file: the managed node
// endpoints keyed by name, plus the name queries fall back to when no
// endpoint is given.
type EndpointDefinitions struct {
	Default   string                        `yaml:"default"`
	Endpoints map[string]EndpointDefinition `yaml:"endpoints"`
}

// EndpointDefinition describes a single monitored node endpoint.
type EndpointDefinition struct {
	RPCURL      string `yaml:"rpc_url"`
	Description string `yaml:"description"`
}

// LoadEndpointDefinitions parses the YAML file containing endpoint metadata.
func LoadEndpointDefinitions(path string) (EndpointDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return EndpointDefinitions{Endpoints: map[string]EndpointDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return EndpointDefinitions{}, fmt.Errorf("读取端点配置失败: %w", err)
	}

	var defs EndpointDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return EndpointDefinitions{}, fmt.Errorf("解析端点配置失败: %w", err)
	}
	if defs.Endpoints == nil {
		defs.Endpoints = map[string]EndpointDefinition{}
	}
	return defs, nil
}
