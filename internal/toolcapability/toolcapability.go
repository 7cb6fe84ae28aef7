// Package toolcapability implements the Tool Capability Store: answering
// tools/list from persistent tool definitions rather than over the wire,
// and aggregating tool lists across a fleet of agents for MCP-style
// multi-agent tool exposure.
package toolcapability

import (
	"context"
	"fmt"

	"github.com/kandev/controlplane/internal/apperr"
	"github.com/kandev/controlplane/internal/store"
)

// Tool is one entry in a tools/list response, platform-resolved for a
// specific agent.
type Tool struct {
	Name            string
	Description     string
	InputSchema     []byte
	RequiresDisplay bool
}

// Store answers tool-selection queries against the persistent tool
// catalog.
type Store struct {
	st store.Store
}

// New constructs a Store over the given persistent Store.
func New(st store.Store) *Store {
	return &Store{st: st}
}

// ListForAgent implements §4.9's selection algorithm: if the agent has a
// reported capability set, restrict to those names; otherwise select all
// enabled definitions with a variant for the agent's OS. Either way, tools
// requiring a display are dropped when the agent has none.
func (s *Store) ListForAgent(ctx context.Context, agent *store.Agent) ([]Tool, error) {
	defs, err := s.st.ListToolDefinitions(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	caps, err := s.st.GetAgentToolCapabilities(ctx, agent.AgentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}

	var allow map[string]bool
	if len(caps) > 0 {
		allow = make(map[string]bool, len(caps))
		for _, name := range caps {
			allow[name] = true
		}
	}

	var out []Tool
	for _, def := range defs {
		if allow != nil && !allow[def.Name] {
			continue
		}
		variant, ok := def.Variants[agent.OSType]
		if !ok || !variant.IsAvailable {
			continue
		}
		if allow == nil && !def.Enabled {
			continue
		}
		if variant.RequiresDisplay && !agent.HasDisplay {
			continue
		}
		out = append(out, Tool{
			Name:            def.Name,
			Description:     variant.Description,
			InputSchema:     variant.InputSchema,
			RequiresDisplay: variant.RequiresDisplay,
		})
	}
	return out, nil
}

// ReportCapabilities persists the tool names an agent advertised at
// registration or via a tools_changed notification. Unknown names are
// accepted and stored as-is, never rejected, since the catalog may lag a
// newly-shipped agent build.
func (s *Store) ReportCapabilities(ctx context.Context, agentID string, toolNames []string) error {
	return s.st.SetAgentToolCapabilities(ctx, agentID, toolNames)
}

// AggregatedTool is one entry in a multi-agent aggregated tools/list,
// name-prefixed to avoid collisions across agents.
type AggregatedTool struct {
	Name        string // "{agent_name}__{tool_name}"
	Description string // "[agent_name] ..."
	InputSchema []byte
	AgentID     string
	ToolName    string // the unprefixed name, for dispatch back to the owning agent
}

// Aggregate builds a fleet-wide tool list, prefixing each tool's name
// with its owning agent's display name and bracketing its description,
// per §4.9's aggregation rule. Collisions are resolved purely by the
// prefix; no further disambiguation is attempted.
func Aggregate(agentNames map[string]string, perAgent map[string][]Tool) []AggregatedTool {
	var out []AggregatedTool
	for agentID, tools := range perAgent {
		name := agentNames[agentID]
		if name == "" {
			name = agentID
		}
		for _, t := range tools {
			out = append(out, AggregatedTool{
				Name:        fmt.Sprintf("%s__%s", name, t.Name),
				Description: fmt.Sprintf("[%s] %s", name, t.Description),
				InputSchema: t.InputSchema,
				AgentID:     agentID,
				ToolName:    t.Name,
			})
		}
	}
	return out
}
