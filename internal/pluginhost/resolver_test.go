package pluginhost

import "testing"

func indexOf(names []string, target string) int {
	for i, name := range names {
		if name == target {
			return i
		}
	}
	return -1
}

func TestResolveOrderSimpleChain(t *testing.T) {
	res := ResolveOrder(map[string][]string{
		"inventory": nil,
		"bolt-exec": {"inventory"},
	})
	if len(res.Ordered) != 2 {
		t.Fatalf("expected 2 ordered plugins, got %v", res.Ordered)
	}
	if indexOf(res.Ordered, "inventory") > indexOf(res.Ordered, "bolt-exec") {
		t.Fatalf("dependency must initialize first: %v", res.Ordered)
	}
	if len(res.Cyclic) != 0 || len(res.Warnings) != 0 {
		t.Fatalf("unexpected cyclic/warnings: %+v", res)
	}
}

func TestResolveOrderTopologicalProperty(t *testing.T) {
	deps := map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a", "b"},
		"d": {"b"},
		"e": nil,
	}
	res := ResolveOrder(deps)
	if len(res.Ordered) != 5 {
		t.Fatalf("expected all 5 plugins ordered, got %v", res.Ordered)
	}
	for dependent, wants := range deps {
		for _, dep := range wants {
			if indexOf(res.Ordered, dep) > indexOf(res.Ordered, dependent) {
				t.Fatalf("edge %s -> %s violated in %v", dep, dependent, res.Ordered)
			}
		}
	}
}

func TestResolveOrderMissingDependency(t *testing.T) {
	res := ResolveOrder(map[string][]string{
		"bolt-exec": {"inventory"},
	})
	if len(res.Ordered) != 1 || res.Ordered[0] != "bolt-exec" {
		t.Fatalf("dependent must still load: %v", res.Ordered)
	}
	if len(res.Warnings) != 1 {
		t.Fatalf("expected a missing-dependency warning, got %v", res.Warnings)
	}
	if len(res.Cyclic) != 0 {
		t.Fatalf("missing dependency is not a cycle: %v", res.Cyclic)
	}
}

func TestResolveOrderCycleExcluded(t *testing.T) {
	res := ResolveOrder(map[string][]string{
		"a": {"b"},
		"b": {"a"},
		"c": nil,
	})
	if len(res.Ordered) != 1 || res.Ordered[0] != "c" {
		t.Fatalf("expected only the acyclic plugin ordered, got %v", res.Ordered)
	}
	if len(res.Cyclic) != 2 || res.Cyclic[0] != "a" || res.Cyclic[1] != "b" {
		t.Fatalf("expected cycle members [a b], got %v", res.Cyclic)
	}
}

func TestResolveOrderSelfDependency(t *testing.T) {
	res := ResolveOrder(map[string][]string{
		"a": {"a"},
		"b": nil,
	})
	if len(res.Ordered) != 1 || res.Ordered[0] != "b" {
		t.Fatalf("self-dependent plugin must be excluded from the order: %v", res.Ordered)
	}
	if len(res.Cyclic) != 1 || res.Cyclic[0] != "a" {
		t.Fatalf("expected [a] cyclic, got %v", res.Cyclic)
	}
}

func TestResolveOrderDeterministicTies(t *testing.T) {
	deps := map[string][]string{
		"zeta":  nil,
		"alpha": nil,
		"mid":   nil,
	}
	first := ResolveOrder(deps)
	second := ResolveOrder(deps)
	want := []string{"alpha", "mid", "zeta"}
	for i, name := range want {
		if first.Ordered[i] != name || second.Ordered[i] != name {
			t.Fatalf("expected deterministic name order %v, got %v and %v", want, first.Ordered, second.Ordered)
		}
	}
}
