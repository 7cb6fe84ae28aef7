package toolcapability

import (
	"context"
	"testing"

	"github.com/kandev/controlplane/internal/store"
)

func seedDefs(s *store.MemoryStore) {
	s.SeedToolDefinition(&store.ToolDefinition{
		Name:    "screenshot",
		Enabled: true,
		Variants: map[string]store.ToolPlatformVariant{
			"linux":   {Description: "take a screenshot", IsAvailable: true, RequiresDisplay: true},
			"windows": {Description: "take a screenshot", IsAvailable: true, RequiresDisplay: true},
		},
	})
	s.SeedToolDefinition(&store.ToolDefinition{
		Name:    "shell_exec",
		Enabled: true,
		Variants: map[string]store.ToolPlatformVariant{
			"linux":   {Description: "run a shell command", IsAvailable: true},
			"windows": {Description: "run a shell command", IsAvailable: true},
		},
	})
	s.SeedToolDefinition(&store.ToolDefinition{
		Name:    "disabled_tool",
		Enabled: false,
		Variants: map[string]store.ToolPlatformVariant{
			"linux": {Description: "should not appear", IsAvailable: true},
		},
	})
}

func TestListForAgentFallsBackToEnabledPlatformMatch(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedDefs(st)
	s := New(st)

	agent := &store.Agent{AgentID: "a1", OSType: "linux", HasDisplay: true}
	tools, err := s.ListForAgent(ctx, agent)
	if err != nil {
		t.Fatalf("ListForAgent failed: %v", err)
	}
	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.Name] = true
	}
	if !names["screenshot"] || !names["shell_exec"] {
		t.Errorf("expected both enabled linux tools, got %+v", tools)
	}
	if names["disabled_tool"] {
		t.Error("disabled tool should not be listed")
	}
}

func TestListForAgentDropsDisplayToolsWithoutDisplay(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedDefs(st)
	s := New(st)

	agent := &store.Agent{AgentID: "a1", OSType: "linux", HasDisplay: false}
	tools, err := s.ListForAgent(ctx, agent)
	if err != nil {
		t.Fatalf("ListForAgent failed: %v", err)
	}
	for _, tl := range tools {
		if tl.Name == "screenshot" {
			t.Error("expected display-requiring tool to be dropped for a headless agent")
		}
	}
}

func TestListForAgentRestrictsToReportedCapabilities(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedDefs(st)
	if err := st.SetAgentToolCapabilities(ctx, "a1", []string{"shell_exec"}); err != nil {
		t.Fatalf("SetAgentToolCapabilities failed: %v", err)
	}
	s := New(st)

	agent := &store.Agent{AgentID: "a1", OSType: "linux", HasDisplay: true}
	tools, err := s.ListForAgent(ctx, agent)
	if err != nil {
		t.Fatalf("ListForAgent failed: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "shell_exec" {
		t.Errorf("expected only the reported capability, got %+v", tools)
	}
}

func TestListForAgentSkipsUnavailablePlatform(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedDefs(st)
	s := New(st)

	agent := &store.Agent{AgentID: "a1", OSType: "darwin", HasDisplay: true}
	tools, err := s.ListForAgent(ctx, agent)
	if err != nil {
		t.Fatalf("ListForAgent failed: %v", err)
	}
	if len(tools) != 0 {
		t.Errorf("expected no tools for a platform with no variant, got %+v", tools)
	}
}

func TestAggregatePrefixesNameAndDescription(t *testing.T) {
	names := map[string]string{"a1": "laptop-1"}
	perAgent := map[string][]Tool{
		"a1": {{Name: "shell_exec", Description: "run a shell command"}},
	}
	out := Aggregate(names, perAgent)
	if len(out) != 1 {
		t.Fatalf("expected 1 aggregated tool, got %d", len(out))
	}
	if out[0].Name != "laptop-1__shell_exec" {
		t.Errorf("expected prefixed name, got %q", out[0].Name)
	}
	if out[0].Description != "[laptop-1] run a shell command" {
		t.Errorf("expected bracketed description, got %q", out[0].Description)
	}
	if out[0].ToolName != "shell_exec" {
		t.Errorf("expected unprefixed ToolName for dispatch, got %q", out[0].ToolName)
	}
}

func TestAggregateFallsBackToAgentIDWhenNameMissing(t *testing.T) {
	perAgent := map[string][]Tool{
		"a1": {{Name: "shell_exec", Description: "run a shell command"}},
	}
	out := Aggregate(nil, perAgent)
	if len(out) != 1 || out[0].Name != "a1__shell_exec" {
		t.Errorf("expected agentID fallback prefix, got %+v", out)
	}
}
