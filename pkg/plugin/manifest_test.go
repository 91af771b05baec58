package plugin

import (
	"encoding/json"
	"testing"
)

func execManifest() Manifest {
	return Manifest{
		Name:            "bolt-exec",
		Version:         "1.2.0",
		Description:     "runs bolt tasks",
		Author:          "ops",
		IntegrationType: IntegrationBolt,
		Capabilities: []CapabilitySpec{
			{
				Name:                "bolt.task.run",
				Category:            CategoryExecution,
				Description:         "run a bolt task on targets",
				RiskLevel:           RiskExecute,
				RequiredPermissions: []string{"commands.execute"},
				Args: []ArgSpec{
					{Name: "task", Type: TypeString, Required: true},
					{Name: "targets", Type: TypeList, Required: true},
				},
			},
		},
		Widgets: []WidgetSpec{
			{
				ID:                   "bolt-exec:task-runner",
				Name:                 "Task Runner",
				Component:            "TaskRunnerPanel",
				Slots:                []string{"dashboard"},
				RequiredCapabilities: []string{"bolt.task.run"},
			},
		},
		CLICommands: []CLICommandSpec{
			{Name: "run-task", Description: "run a task", Capability: "bolt.task.run"},
		},
	}
}

func TestManifestValidateAcceptsWellFormed(t *testing.T) {
	m := execManifest()
	m.Normalize()
	if errs := m.Validate(); len(errs) != 0 {
		t.Fatalf("expected no errors, got %v", errs)
	}
	if len(m.IntegrationTypes) != 1 || m.IntegrationTypes[0] != IntegrationBolt {
		t.Fatalf("expected singular integrationType promoted, got %v", m.IntegrationTypes)
	}
	if m.EntryPoint != DefaultEntryPoint {
		t.Fatalf("expected default entry point, got %q", m.EntryPoint)
	}
}

func TestManifestValidateName(t *testing.T) {
	cases := []struct {
		name string
		ok   bool
	}{
		{"bolt-exec", true},
		{"x", true},
		{"Bad_Name", false},
		{"9lives", false},
		{"-dash", false},
		{"", false},
		{"this-name-is-way-too-long-to-be-a-reasonable-plugin-name-at-all", false},
	}
	for _, tc := range cases {
		m := execManifest()
		m.Name = tc.name
		errs := m.Validate()
		hasNameErr := false
		for _, e := range errs {
			if e.Field == "name" {
				hasNameErr = true
			}
		}
		if tc.ok && hasNameErr {
			t.Fatalf("name %q should be valid, got %v", tc.name, errs)
		}
		if !tc.ok && !hasNameErr {
			t.Fatalf("name %q should be rejected", tc.name)
		}
	}
}

func TestManifestValidateVersion(t *testing.T) {
	cases := []struct {
		version string
		ok      bool
	}{
		{"1.0.0", true},
		{"0.2.11", true},
		{"1.0.0-beta.1", true},
		{"1.0.0-rc.1+build.5", true},
		{"1.0", false},
		{"v1.0.0", false},
		{"01.0.0", false},
		{"", false},
	}
	for _, tc := range cases {
		m := execManifest()
		m.Version = tc.version
		errs := m.Validate()
		hasVersionErr := false
		for _, e := range errs {
			if e.Field == "version" {
				hasVersionErr = true
			}
		}
		if tc.ok && hasVersionErr {
			t.Fatalf("version %q should be valid, got %v", tc.version, errs)
		}
		if !tc.ok && !hasVersionErr {
			t.Fatalf("version %q should be rejected", tc.version)
		}
	}
}

func TestManifestValidateCapabilityNames(t *testing.T) {
	m := execManifest()
	m.Capabilities[0].Name = "command"
	errs := m.Validate()
	if len(errs) == 0 {
		t.Fatal("dotless capability name should be rejected")
	}

	m = execManifest()
	m.Capabilities[0].Name = "command.execute"
	if errs := m.Validate(); len(errs) != 0 {
		t.Fatalf("command.execute should be valid, got %v", errs)
	}
}

func TestManifestValidateDuplicateCapabilities(t *testing.T) {
	m := execManifest()
	dup := m.Capabilities[0]
	dup.Name = "Bolt.Task.Run"
	m.Capabilities = append(m.Capabilities, dup)
	errs := m.Validate()
	found := false
	for _, e := range errs {
		if e.Field == "capabilities[1].name" {
			found = true
		}
	}
	if !found {
		t.Fatalf("case-insensitive duplicate capability should be rejected, got %v", errs)
	}
}

func TestManifestValidateIdempotent(t *testing.T) {
	m := execManifest()
	m.Name = "Bad_Name"
	m.Version = "not-semver"

	first := m.Validate()
	second := m.Validate()
	if len(first) != len(second) {
		t.Fatalf("validation not idempotent: %d vs %d errors", len(first), len(second))
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("validation not idempotent at %d: %v vs %v", i, first[i], second[i])
		}
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := execManifest()
	m.Version = "1.0"
	m.Normalize()
	before := m.Validate()

	raw, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal manifest: %v", err)
	}
	parsed, err := ParseManifest(raw)
	if err != nil {
		t.Fatalf("parse manifest: %v", err)
	}
	parsed.Normalize()
	after := parsed.Validate()

	if len(before) != len(after) {
		t.Fatalf("round trip changed errors: %v vs %v", before, after)
	}
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("round trip changed error %d: %v vs %v", i, before[i], after[i])
		}
	}
}

func TestManifestLintDanglingReferences(t *testing.T) {
	m := execManifest()
	m.Widgets[0].RequiredCapabilities = []string{"bolt.plan.run"}
	m.CLICommands[0].Capability = "bolt.plan.run"
	m.DefaultPermissions = map[string][]string{"bolt.plan.run": {"operator"}}
	m.Normalize()

	if errs := m.Validate(); len(errs) != 0 {
		t.Fatalf("dangling references must not be validation errors, got %v", errs)
	}

	warns := m.Lint()
	fields := make(map[string]int)
	for _, w := range warns {
		fields[w.Field]++
	}
	if fields["widgets[0].requiredCapabilities"] == 0 {
		t.Fatalf("expected widget dangling-capability warning, got %v", warns)
	}
	if fields["cliCommands[0].capability"] == 0 {
		t.Fatalf("expected CLI dangling-capability warning, got %v", warns)
	}
	if fields["defaultPermissions"] == 0 {
		t.Fatalf("expected defaultPermissions warning, got %v", warns)
	}
}

func TestManifestLintWidgetPrefixMismatch(t *testing.T) {
	m := execManifest()
	m.Widgets[0].ID = "other-plugin:task-runner"
	m.Normalize()
	warns := m.Lint()
	found := false
	for _, w := range warns {
		if w.Field == "widgets[0].id" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected widget prefix warning, got %v", warns)
	}
}

func TestManifestLintSelfDependency(t *testing.T) {
	m := execManifest()
	m.Dependencies = []string{"bolt-exec"}
	m.Normalize()
	warns := m.Lint()
	found := false
	for _, w := range warns {
		if w.Field == "dependencies[0]" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected self-dependency warning, got %v", warns)
	}
}
