package inventory

import (
	"os"
	"path/filepath"
	"testing"
)

func sampleNodes() []Node {
	return []Node{
		{ID: "web-01", Name: "web-01", Address: "10.0.1.11", Groups: []string{"web", "prod"}, Labels: map[string]string{"os": "linux", "dc": "fra1"}},
		{ID: "web-02", Name: "web-02", Address: "10.0.1.12", Groups: []string{"web", "staging"}, Labels: map[string]string{"os": "linux", "dc": "fra2"}},
		{ID: "db-01", Name: "db-01", Address: "10.0.2.21", Groups: []string{"db", "prod"}, Labels: map[string]string{"os": "linux", "role": "primary"}},
		{ID: "win-01", Name: "win-01", Address: "10.0.3.31", Groups: []string{"windows"}, Labels: map[string]string{"os": "windows"}},
	}
}

func TestQueryByGroup(t *testing.T) {
	p := NewStaticProvider(sampleNodes())

	web := p.Query(Selector{Group: "web"})
	if len(web) != 2 {
		t.Fatalf("expected 2 web nodes, got %d", len(web))
	}

	prod := p.Query(Selector{Group: "PROD"})
	if len(prod) != 2 {
		t.Fatalf("group matching should ignore case, got %d", len(prod))
	}

	none := p.Query(Selector{Group: "missing"})
	if len(none) != 0 {
		t.Fatalf("unknown group should match nothing, got %+v", none)
	}
}

func TestQueryByLabels(t *testing.T) {
	p := NewStaticProvider(sampleNodes())

	linux := p.Query(Selector{Labels: map[string]string{"os": "linux"}})
	if len(linux) != 3 {
		t.Fatalf("expected 3 linux nodes, got %d", len(linux))
	}

	primary := p.Query(Selector{Group: "db", Labels: map[string]string{"role": "primary"}})
	if len(primary) != 1 || primary[0].ID != "db-01" {
		t.Fatalf("combined selector should narrow to db-01, got %+v", primary)
	}

	conflict := p.Query(Selector{Group: "web", Labels: map[string]string{"role": "primary"}})
	if len(conflict) != 0 {
		t.Fatalf("all labels must match, got %+v", conflict)
	}
}

func TestQueryEmptySelectorReturnsAll(t *testing.T) {
	p := NewStaticProvider(sampleNodes())
	all := p.Query(Selector{})
	if len(all) != 4 {
		t.Fatalf("empty selector should return every node, got %d", len(all))
	}
}

func TestGetByID(t *testing.T) {
	p := NewStaticProvider(sampleNodes())

	node, ok := p.Get("WEB-01")
	if !ok || node.Address != "10.0.1.11" {
		t.Fatalf("lookup should ignore case, got %+v ok=%v", node, ok)
	}
	if _, ok := p.Get("ghost"); ok {
		t.Fatalf("unknown id should miss")
	}
}

func TestGroupsSortedUnique(t *testing.T) {
	p := NewStaticProvider(sampleNodes())
	groups := p.Groups()
	want := []string{"db", "prod", "staging", "web", "windows"}
	if len(groups) != len(want) {
		t.Fatalf("unexpected groups: %v", groups)
	}
	for i := range want {
		if groups[i] != want[i] {
			t.Fatalf("expected groups %v, got %v", want, groups)
		}
	}
}

func TestLoadStaticProvider(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "inventory.json")
	payload := `[
  {"id": "app-01", "name": "app-01", "address": "192.168.0.5", "groups": ["app"], "labels": {"os": "linux"}}
]`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write inventory: %v", err)
	}

	p, err := LoadStaticProvider(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if node, ok := p.Get("app-01"); !ok || node.Address != "192.168.0.5" {
		t.Fatalf("loaded node missing, got %+v ok=%v", node, ok)
	}

	if _, err := LoadStaticProvider(""); err == nil {
		t.Fatalf("empty path should fail")
	}
	if _, err := LoadStaticProvider(filepath.Join(dir, "absent.json")); err == nil {
		t.Fatalf("missing file should fail")
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write bad file: %v", err)
	}
	if _, err := LoadStaticProvider(bad); err == nil {
		t.Fatalf("malformed file should fail")
	}
}
