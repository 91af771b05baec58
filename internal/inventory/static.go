package inventory

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Provider 定义节点清单检索的通用接口。
type Provider interface {
	Query(selector Selector) []Node
	Get(id string) (Node, bool)
	Groups() []string
}

// Node 描述一台受管节点。
type Node struct {
	ID      string            `json:"id"`
	Name    string            `json:"name"`
	Address string            `json:"address"`
	Labels  map[string]string `json:"labels,omitempty"`
	Groups  []string          `json:"groups,omitempty"`
}

// Selector 描述一次节点筛选：组名与标签需全部命中。
type Selector struct {
	Group  string            `json:"group,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// StaticProvider 通过加载 JSON 文件提供静态节点清单。
type StaticProvider struct {
	nodes []Node
}

// NewStaticProvider 创建静态清单实例。
func NewStaticProvider(nodes []Node) *StaticProvider {
	return &StaticProvider{nodes: nodes}
}

// LoadStaticProvider 从 JSON 文件加载节点清单。
func LoadStaticProvider(path string) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("节点清单文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析节点清单路径失败: %w", err)
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取节点清单文件失败: %w", err)
	}
	defer file.Close()

	var nodes []Node
	if err := json.NewDecoder(file).Decode(&nodes); err != nil {
		return nil, fmt.Errorf("解析节点清单文件失败: %w", err)
	}

	return NewStaticProvider(nodes), nil
}

// Query 按选择器匹配节点，组与标签均大小写不敏感。
func (p *StaticProvider) Query(selector Selector) []Node {
	if p == nil {
		return nil
	}

	group := strings.ToLower(strings.TrimSpace(selector.Group))
	results := make([]Node, 0, len(p.nodes))
	for _, node := range p.nodes {
		if matches(node, group, selector.Labels) {
			results = append(results, node)
		}
	}
	return results
}

// Get 按节点 ID 精确检索。
func (p *StaticProvider) Get(id string) (Node, bool) {
	if p == nil {
		return Node{}, false
	}
	id = strings.TrimSpace(id)
	for _, node := range p.nodes {
		if strings.EqualFold(node.ID, id) {
			return node, true
		}
	}
	return Node{}, false
}

// Groups 返回清单中出现过的所有组名，去重排序。
func (p *StaticProvider) Groups() []string {
	if p == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for _, node := range p.nodes {
		for _, group := range node.Groups {
			key := strings.ToLower(strings.TrimSpace(group))
			if key == "" {
				continue
			}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func matches(node Node, group string, labels map[string]string) bool {
	if group != "" {
		found := false
		for _, g := range node.Groups {
			if strings.ToLower(strings.TrimSpace(g)) == group {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for key, want := range labels {
		got, ok := node.Labels[key]
		if !ok || !strings.EqualFold(strings.TrimSpace(got), strings.TrimSpace(want)) {
			return false
		}
	}
	return true
}

var _ Provider = (*StaticProvider)(nil)
