// Package dispatcher implements the Command Dispatcher: it routes an
// inbound command either to a server-side handler, a local system
// handler (only when the server runs co-located with the agent host), or
// forward to the agent via the Registry's send-and-await primitive.
package dispatcher

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kandev/controlplane/internal/apperr"
	"github.com/kandev/controlplane/internal/registry"
	"github.com/kandev/controlplane/internal/store"
	"github.com/kandev/controlplane/internal/toolcapability"
	"github.com/kandev/controlplane/pkg/agentproto"
)

// LocalHandler serves a CategoryServable/CategoryPrivileged method
// in-place when the dispatcher is running co-located with the agent
// host. Implementations live outside this package (e.g. an os/exec-backed
// shell handler); the dispatcher only knows how to route to one.
type LocalHandler func(ctx context.Context, method string, params json.RawMessage) (json.RawMessage, error)

// Dispatcher routes commands per method category.
type Dispatcher struct {
	reg          *registry.Registry
	st           store.Store
	tools        *toolcapability.Store
	localHandler LocalHandler
	coLocated    bool
	defaultTimeout time.Duration
}

// New constructs a Dispatcher. localHandler and coLocated may be the zero
// value (nil, false) when the control plane runs standalone, in which
// case servable/privileged methods are always forwarded to the agent.
func New(reg *registry.Registry, st store.Store, tools *toolcapability.Store, localHandler LocalHandler, coLocated bool, defaultTimeout time.Duration) *Dispatcher {
	return &Dispatcher{
		reg: reg, st: st, tools: tools, localHandler: localHandler,
		coLocated: coLocated, defaultTimeout: defaultTimeout,
	}
}

// toolsCallParams mirrors the MCP tools/call envelope that Dispatch
// unwraps before re-dispatching; tools/list takes no parameters.
type toolsCallParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Dispatch executes one command addressed to connID. method "tools/list"
// and "tools/call" are handled against the Tool Capability Store; all
// other methods follow the servable/privileged/agent-only category table.
func (d *Dispatcher) Dispatch(ctx context.Context, connID, agentID, method string, params json.RawMessage) (json.RawMessage, error) {
	switch method {
	case "tools/list":
		return d.handleToolsList(ctx, agentID)
	case "tools/call":
		var call toolsCallParams
		if err := json.Unmarshal(params, &call); err != nil {
			return nil, apperr.Wrap(apperr.ProtocolError, err)
		}
		return d.Dispatch(ctx, connID, agentID, call.Name, call.Arguments)
	}

	if alias, ok := terminalAlias[method]; ok {
		method = alias
	}

	switch agentproto.Categorize(method) {
	case agentproto.CategoryServable, agentproto.CategoryPrivileged:
		if d.coLocated && d.localHandler != nil {
			result, err := d.localHandler(ctx, method, params)
			if err == nil {
				return result, nil
			}
			// Fall through to forwarding only if the local handler declined
			// (returned apperr.Internal for "not implemented locally");
			// any other error is authoritative and returned as-is.
			if apperr.KindOf(err) != apperr.Internal {
				return nil, err
			}
		}
		fallthrough
	default:
		return d.reg.SendCommand(ctx, connID, method, params, d.defaultTimeout)
	}
}

// terminalAlias maps the five viewer-facing terminal broker operations to
// the agent shell-session methods the broker forwards (§4.3).
var terminalAlias = map[string]string{
	"terminal_start":  agentproto.MethodTerminalStart,
	"terminal_input":  agentproto.MethodTerminalInput,
	"terminal_output": agentproto.MethodTerminalOutput,
	"terminal_stop":   agentproto.MethodTerminalStop,
	"terminal_resize": agentproto.MethodTerminalResize,
}

type toolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type toolsListResult struct {
	Tools []toolDescriptor `json:"tools"`
}

func (d *Dispatcher) handleToolsList(ctx context.Context, agentID string) (json.RawMessage, error) {
	agent, err := d.st.GetAgentByID(ctx, agentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	if agent == nil {
		return nil, apperr.New(apperr.NotConnected, "unknown agent")
	}
	tools, err := d.tools.ListForAgent(ctx, agent)
	if err != nil {
		return nil, err
	}
	out := toolsListResult{Tools: make([]toolDescriptor, 0, len(tools))}
	for _, t := range tools {
		out.Tools = append(out.Tools, toolDescriptor{
			Name: t.Name, Description: t.Description, InputSchema: t.InputSchema,
		})
	}
	return json.Marshal(out)
}
