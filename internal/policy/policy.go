// Package policy implements the stateless Policy/License Evaluator:
// given an agent's persistent record and its reported version/platform,
// it derives the permission and license fields carried on every
// heartbeat_ack.
package policy

import (
	"context"
	"sync"

	"github.com/kandev/controlplane/internal/events/bus"
	"github.com/kandev/controlplane/internal/store"
	"github.com/kandev/controlplane/pkg/agentproto"
)

// UpdateFlag values per spec.md's glossary: 0 = no newer build, 1 = a
// newer build exists, 2 = the newer build is marked forced (the rolling
// upgrade floor).
const (
	UpdateNone    = 0
	UpdateOptional = 1
	UpdateForced  = 2
)

// Result is everything the evaluator produces for one heartbeat.
type Result struct {
	LicenseStatus  string
	LicenseChanged bool
	Permissions    agentproto.Permissions
	UpdateFlag     int
	DefaultBrowser string // empty unless it differs from the last-advertised value
}

// Evaluator is stateless per call but memoizes the last-advertised
// licenseStatus/defaultBrowser per agent so it can compute the "changed"
// deltas the protocol requires.
type Evaluator struct {
	st store.Store

	mu            sync.Mutex
	lastLicense   map[string]string
	lastBrowser   map[string]string

	eventBus bus.EventBus
}

// New constructs an Evaluator backed by the given store.
func New(st store.Store) *Evaluator {
	return &Evaluator{
		st:          st,
		lastLicense: make(map[string]string),
		lastBrowser: make(map[string]string),
	}
}

// SetEventBus wires an event bus for license-change notifications.
// Optional; a nil or never-set bus means Evaluate simply skips
// publishing.
func (e *Evaluator) SetEventBus(b bus.EventBus) {
	e.eventBus = b
}

// Evaluate computes a Result for one heartbeat from an agent. The agent is
// passed in, not re-fetched; the only store access is one GetAgentBuild
// lookup for the update flag, keeping it cheap enough to run on every
// heartbeat.
func (e *Evaluator) Evaluate(ctx context.Context, agent *store.Agent) (Result, error) {
	licenseStatus := deriveLicenseStatus(agent)

	e.mu.Lock()
	changed := e.lastLicense[agent.AgentID] != "" && e.lastLicense[agent.AgentID] != licenseStatus
	e.lastLicense[agent.AgentID] = licenseStatus
	browserChanged := e.lastBrowser[agent.AgentID] != agent.DefaultBrowser
	e.lastBrowser[agent.AgentID] = agent.DefaultBrowser
	e.mu.Unlock()

	result := Result{
		LicenseStatus:  licenseStatus,
		LicenseChanged: changed,
		Permissions: agentproto.Permissions{
			MasterMode:          agent.MasterModeEnabled,
			FileTransfer:        agent.FileTransferEnabled,
			LocalSettingsLocked: agent.LocalSettingsLocked,
		},
	}
	if browserChanged && agent.DefaultBrowser != "" {
		result.DefaultBrowser = agent.DefaultBrowser
	}

	if changed && e.eventBus != nil {
		evt := bus.NewEvent("agent.license_changed", "policy", map[string]interface{}{
			"agent_id":       agent.AgentID,
			"license_status": licenseStatus,
		})
		_ = e.eventBus.Publish(ctx, "agent.license_changed", evt)
	}

	build, err := e.st.GetAgentBuild(ctx, agent.OSType, agent.Arch)
	if err != nil {
		return Result{}, err
	}
	if build != nil && build.Version != agent.AgentVersion {
		if build.Forced {
			result.UpdateFlag = UpdateForced
		} else {
			result.UpdateFlag = UpdateOptional
		}
	}

	return result, nil
}

func deriveLicenseStatus(agent *store.Agent) string {
	if agent.LicenseUUID == nil || *agent.LicenseUUID == "" {
		return "pending"
	}
	return agent.LicenseState
}
