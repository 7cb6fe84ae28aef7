// Package registry implements the Agent Registry: the authoritative,
// in-process index of connected agents, their identity reconciliation
// against the persistent store, and the request/response correlation
// mechanism every other component uses to talk to an agent.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kandev/controlplane/internal/apperr"
	"github.com/kandev/controlplane/internal/common/logger"
	"github.com/kandev/controlplane/internal/events/bus"
	"github.com/kandev/controlplane/internal/store"
	"github.com/kandev/controlplane/pkg/agentproto"
	"go.uber.org/zap"
)

// Socket is the minimal connection behavior the Registry needs from a
// transport-level socket. *transport.Conn satisfies this structurally,
// so the registry never imports the transport package: the transport
// package is the one that depends on the registry, not the reverse.
type Socket interface {
	SendJSON(data []byte) bool
	SendPair(header, binary []byte) bool
	Close()
	CloseWithCode(code int, reason string)
	RemoteAddr() string
}

// PowerState mirrors the ConnectedAgent.power_state domain.
type PowerState string

const (
	PowerActive  PowerState = "ACTIVE"
	PowerPassive PowerState = "PASSIVE"
	PowerSleep   PowerState = "SLEEP"
)

// HeartbeatInterval returns the registry's authoritative pacing rule for a
// power state: ACTIVE→5s, PASSIVE→30s, SLEEP→300s.
func HeartbeatInterval(p PowerState) time.Duration {
	switch p {
	case PowerPassive:
		return 30 * time.Second
	case PowerSleep:
		return 300 * time.Second
	default:
		return 5 * time.Second
	}
}

// pendingRequest is the (resolver, deadline, started_at) tuple the spec
// requires; resolved exactly once via the done channel, grounded on the
// teacher's PendingPermission/waitForPermissionResponse pattern.
type pendingRequest struct {
	done      chan pendingResult
	timer     *time.Timer
	startedAt time.Time
	resolved  bool
}

type pendingResult struct {
	result json.RawMessage
	err    error
}

// queuedCommand is one command buffered while an agent is asleep. id is
// the correlation id already assigned by SendCommand, reused verbatim
// when the command is finally written to the wire so the caller's
// pendingRequest resolves against the real response.
type queuedCommand struct {
	id     string
	method string
	params json.RawMessage
}

// ConnectedAgent is the ephemeral in-memory twin of a persistent Agent
// while its socket is open.
type ConnectedAgent struct {
	ConnectionID string
	AgentID      string // empty until registered
	Conn         Socket
	RemoteAddr   string

	mu              sync.Mutex
	registered      bool
	powerState      PowerState
	isScreenLocked  bool
	currentTask     string
	hasDisplay      bool
	capabilities    []string
	capabilitiesAt  time.Time
	lastActivity    time.Time
	lastDefaultBrowser string

	pendingMu sync.Mutex
	pending   map[string]*pendingRequest

	sleepQueueMu sync.Mutex
	sleepQueue   []queuedCommand
	droppedCount int
}

func newConnectedAgent(connID string, conn Socket) *ConnectedAgent {
	return &ConnectedAgent{
		ConnectionID: connID,
		Conn:         conn,
		RemoteAddr:   conn.RemoteAddr(),
		powerState:   PowerActive,
		lastActivity: time.Now(),
		pending:      make(map[string]*pendingRequest),
	}
}

// PowerState returns the agent's current power state.
func (ca *ConnectedAgent) PowerState() PowerState {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.powerState
}

// HasDisplay reports whether the agent currently advertises a display.
func (ca *ConnectedAgent) HasDisplay() bool {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return ca.hasDisplay
}

// Capabilities returns the agent's last-known capability names.
func (ca *ConnectedAgent) Capabilities() []string {
	ca.mu.Lock()
	defer ca.mu.Unlock()
	return append([]string(nil), ca.capabilities...)
}

// DisconnectHook is invoked once per connected agent on disconnect, used by
// brokers to tear down their own sessions without the Registry knowing
// about broker internals (spec.md §9's one-way dependency model).
type DisconnectHook func(agentID, connectionID string)

// Registry is the authoritative index of connected agents.
type Registry struct {
	store store.Store
	log   *logger.Logger

	sleepQueueCap int
	defaultTimeout time.Duration

	mu       sync.RWMutex
	byConn   map[string]*ConnectedAgent
	byAgent  map[string][]string // agentID -> connectionIDs, most-recent last

	hooksMu sync.Mutex
	hooks   []DisconnectHook

	eventBus bus.EventBus
}

// SetEventBus wires an event bus for disconnect notifications. Optional;
// a nil or never-set bus means Disconnect simply skips publishing.
func (r *Registry) SetEventBus(b bus.EventBus) {
	r.eventBus = b
}

// New constructs a Registry backed by the given persistent store.
func New(st store.Store, log *logger.Logger, sleepQueueCap int, defaultTimeout time.Duration) *Registry {
	return &Registry{
		store:          st,
		log:            log.WithFields(zap.String("component", "registry")),
		sleepQueueCap:  sleepQueueCap,
		defaultTimeout: defaultTimeout,
		byConn:         make(map[string]*ConnectedAgent),
		byAgent:        make(map[string][]string),
	}
}

// OnDisconnect registers a broker teardown hook, invoked after a
// connection is removed from the registry.
func (r *Registry) OnDisconnect(hook DisconnectHook) {
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// Accept creates a pending (unregistered) ConnectedAgent for a freshly
// upgraded socket. It is added to byConn immediately so duplicate
// connection_ids are structurally impossible (invariant 2), but is not
// addressable by agent_id until Register succeeds.
func (r *Registry) Accept(conn Socket) *ConnectedAgent {
	ca := newConnectedAgent(uuid.New().String(), conn)
	r.mu.Lock()
	r.byConn[ca.ConnectionID] = ca
	r.mu.Unlock()
	return ca
}

// Register performs identity reconciliation per §4.1: look up by
// license_uuid if present, else by (owner, machine_fingerprint); update
// mutable fields on a hit, create a pending Agent row on a miss.
func (r *Registry) Register(ctx context.Context, ca *ConnectedAgent, msg *agentproto.RegisterMessage, ownerID string) (*store.Agent, error) {
	var agent *store.Agent
	var err error

	if msg.LicenseUUID != "" {
		agent, err = r.store.GetAgentByLicenseUUID(ctx, msg.LicenseUUID)
	}
	if agent == nil && err == nil {
		agent, err = r.store.GetAgentByFingerprint(ctx, ownerID, msg.Fingerprint.Hostname, msg.MachineID)
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}

	if agent == nil {
		agent = &store.Agent{
			AgentID:         uuid.New().String(),
			OwnerID:         ownerID,
			LicenseState:    "pending",
			OSType:          msg.OSType,
			Arch:            msg.Arch,
			AgentVersion:    msg.AgentVersion,
			Hostname:        msg.Fingerprint.Hostname,
			DisplayName:     msg.AgentName,
			HasDisplay:      msg.HasDisplay,
			MachineID:       msg.MachineID,
		}
		if msg.LicenseUUID != "" {
			lu := msg.LicenseUUID
			agent.LicenseUUID = &lu
		}
		if err := r.store.CreateAgent(ctx, agent); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err)
		}
	} else {
		agent.AgentVersion = msg.AgentVersion
		agent.Hostname = msg.Fingerprint.Hostname
		agent.HasDisplay = msg.HasDisplay
		if err := r.store.UpdateAgent(ctx, agent); err != nil {
			return nil, apperr.Wrap(apperr.Internal, err)
		}
	}

	ca.mu.Lock()
	ca.AgentID = agent.AgentID
	ca.registered = true
	ca.hasDisplay = msg.HasDisplay
	ca.capabilities = msg.Capabilities
	ca.capabilitiesAt = time.Now()
	ca.mu.Unlock()

	r.mu.Lock()
	// Most-recent registration is appended last and is the preferred
	// target for new operations; older connections for the same agent_id
	// are left to coexist and time out on their own per spec.md §9(a).
	r.byAgent[agent.AgentID] = append(r.byAgent[agent.AgentID], ca.ConnectionID)
	r.mu.Unlock()

	return agent, nil
}

// Get returns the ConnectedAgent for a connection_id.
func (r *Registry) Get(connID string) (*ConnectedAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ca, ok := r.byConn[connID]
	return ca, ok
}

// PreferredConnection returns the most-recently-registered connection for
// an agent_id, which is the preferred target for new operations per
// §4.1's duplicate-connection rule.
func (r *Registry) PreferredConnection(agentID string) (*ConnectedAgent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := r.byAgent[agentID]
	if len(conns) == 0 {
		return nil, false
	}
	ca, ok := r.byConn[conns[len(conns)-1]]
	return ca, ok
}

// IsConnected reports whether any connection is live for agentID.
func (r *Registry) IsConnected(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byAgent[agentID]) > 0
}

// UpdatePing refreshes last_activity; monotonic, never moves backward.
func (r *Registry) UpdatePing(connID string) {
	ca, ok := r.Get(connID)
	if !ok {
		return
	}
	ca.mu.Lock()
	now := time.Now()
	if now.After(ca.lastActivity) {
		ca.lastActivity = now
	}
	ca.mu.Unlock()
}

// StateDelta carries the optional fields a heartbeat or state_change may
// update.
type StateDelta struct {
	PowerState     *string
	IsScreenLocked *bool
	HasDisplay     *bool
	CurrentTask    *string
}

// UpdateState applies a state delta idempotently. Returns the previous
// power state so callers can detect a SLEEP→{ACTIVE,PASSIVE} transition.
func (r *Registry) UpdateState(connID string, delta StateDelta) (prev PowerState, cur PowerState, ok bool) {
	ca, found := r.Get(connID)
	if !found {
		return "", "", false
	}
	ca.mu.Lock()
	prev = ca.powerState
	if delta.PowerState != nil {
		ca.powerState = PowerState(*delta.PowerState)
	}
	if delta.IsScreenLocked != nil {
		ca.isScreenLocked = *delta.IsScreenLocked
	}
	if delta.HasDisplay != nil {
		ca.hasDisplay = *delta.HasDisplay
	}
	if delta.CurrentTask != nil {
		ca.currentTask = *delta.CurrentTask
	}
	cur = ca.powerState
	ca.mu.Unlock()

	if prev == PowerSleep && cur != PowerSleep {
		r.flushSleepQueue(ca)
	}
	return prev, cur, true
}

// queueCommand enqueues a command on a sleeping agent's bounded FIFO. If
// the queue is already full, the oldest entry is evicted and returned so
// the caller can fail its pendingRequest instead of leaving it to time
// out silently.
func (ca *ConnectedAgent) queueCommand(cmd queuedCommand, cap int) (evicted *queuedCommand) {
	ca.sleepQueueMu.Lock()
	defer ca.sleepQueueMu.Unlock()
	if len(ca.sleepQueue) >= cap {
		old := ca.sleepQueue[0]
		evicted = &old
		ca.sleepQueue = ca.sleepQueue[1:]
		ca.droppedCount++
	}
	ca.sleepQueue = append(ca.sleepQueue, cmd)
	return evicted
}

// PendingCommands reports whether any commands are queued for this agent.
func (ca *ConnectedAgent) PendingCommands() bool {
	ca.sleepQueueMu.Lock()
	defer ca.sleepQueueMu.Unlock()
	return len(ca.sleepQueue) > 0
}

// DroppedCount returns the number of commands dropped from the sleep
// queue due to overflow.
func (ca *ConnectedAgent) DroppedCount() int {
	ca.sleepQueueMu.Lock()
	defer ca.sleepQueueMu.Unlock()
	return ca.droppedCount
}

func (r *Registry) flushSleepQueue(ca *ConnectedAgent) {
	ca.sleepQueueMu.Lock()
	queued := ca.sleepQueue
	ca.sleepQueue = nil
	ca.sleepQueueMu.Unlock()

	for _, cmd := range queued {
		if !r.writeRequest(ca, cmd.id, cmd.method, cmd.params) {
			r.resolve(ca, cmd.id, pendingResult{err: apperr.New(apperr.NotConnected, "socket write failed")})
		}
	}
}

// SendCommand synthesizes a correlation_id, installs a pending-request
// entry, writes the request frame (or, for a sleeping agent, buffers it
// on the bounded FIFO for delivery on wake), and awaits resolution,
// timeout, or disconnect. If timeout is zero the registry's configured
// default is used.
func (r *Registry) SendCommand(ctx context.Context, connID, method string, params interface{}, timeout time.Duration) (json.RawMessage, error) {
	ca, ok := r.Get(connID)
	if !ok {
		return nil, apperr.New(apperr.NotConnected, fmt.Sprintf("agent connection %s is not connected", connID))
	}

	paramsRaw, err := json.Marshal(params)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}

	if timeout <= 0 {
		timeout = r.defaultTimeout
	}

	id := uuid.New().String()
	pr := &pendingRequest{done: make(chan pendingResult, 1), startedAt: time.Now()}

	ca.pendingMu.Lock()
	ca.pending[id] = pr
	ca.pendingMu.Unlock()

	pr.timer = time.AfterFunc(timeout, func() {
		r.resolve(ca, id, pendingResult{err: apperr.New(apperr.Timeout, "command timed out: "+method)})
	})

	if ca.PowerState() == PowerSleep {
		// The command is buffered and written with this same id once the
		// agent wakes (flushSleepQueue); the pendingRequest installed
		// above is what the eventual response resolves against.
		if evicted := ca.queueCommand(queuedCommand{id: id, method: method, params: paramsRaw}, r.sleepQueueCap); evicted != nil {
			r.log.Warn("sleep queue overflow, dropped oldest command",
				zap.String("agent_id", ca.AgentID))
			r.resolve(ca, evicted.id, pendingResult{err: apperr.New(apperr.Timeout, "command dropped from sleep queue: overflow")})
		}
	} else if !r.writeRequest(ca, id, method, paramsRaw) {
		r.resolve(ca, id, pendingResult{err: apperr.New(apperr.NotConnected, "socket write failed")})
	}

	select {
	case res := <-pr.done:
		return res.result, res.err
	case <-ctx.Done():
		r.resolve(ca, id, pendingResult{err: apperr.Wrap(apperr.Internal, ctx.Err())})
		return nil, ctx.Err()
	}
}

func (r *Registry) writeRequest(ca *ConnectedAgent, id, method string, params json.RawMessage) bool {
	req := agentproto.RequestMessage{Type: agentproto.TypeRequest, ID: id, Method: method, Params: params}
	data, err := json.Marshal(req)
	if err != nil {
		return false
	}
	return ca.Conn.SendJSON(data)
}

// Resolve completes a pending request exactly once: response, error, or
// (already handled above) timeout/disconnect.
func (r *Registry) Resolve(connID, corrID string, result json.RawMessage, agentErr string) {
	ca, ok := r.Get(connID)
	if !ok {
		return
	}
	var err error
	if agentErr != "" {
		err = apperr.New(apperr.PeerError, agentErr)
	}
	r.resolve(ca, corrID, pendingResult{result: result, err: err})
}

func (r *Registry) resolve(ca *ConnectedAgent, corrID string, res pendingResult) {
	ca.pendingMu.Lock()
	pr, ok := ca.pending[corrID]
	if ok {
		delete(ca.pending, corrID)
	}
	ca.pendingMu.Unlock()
	if !ok || pr.resolved {
		return // already resolved, or a late arrival for a discarded correlation_id
	}
	pr.resolved = true
	if pr.timer != nil {
		pr.timer.Stop()
	}
	pr.done <- res
}

// Disconnect removes a connection from the registry and cascades
// rejection to its pending requests and the registered broker hooks.
// Invariant 7: within one scheduling tick, pending requests reject and
// broker sessions are torn down.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	ca, ok := r.byConn[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.byConn, connID)
	if ca.AgentID != "" {
		conns := r.byAgent[ca.AgentID]
		for i, c := range conns {
			if c == connID {
				r.byAgent[ca.AgentID] = append(conns[:i], conns[i+1:]...)
				break
			}
		}
		if len(r.byAgent[ca.AgentID]) == 0 {
			delete(r.byAgent, ca.AgentID)
		}
	}
	r.mu.Unlock()

	ca.pendingMu.Lock()
	pending := ca.pending
	ca.pending = make(map[string]*pendingRequest)
	ca.pendingMu.Unlock()

	for _, pr := range pending {
		if pr.resolved {
			continue
		}
		pr.resolved = true
		if pr.timer != nil {
			pr.timer.Stop()
		}
		pr.done <- pendingResult{err: apperr.New(apperr.AgentDisconnected, "agent disconnected")}
	}

	if ca.AgentID != "" {
		if err := r.store.TouchLastSeen(context.Background(), ca.AgentID); err != nil {
			r.log.Error("failed to update last_seen_at on disconnect", zap.Error(err))
		}
	}

	r.hooksMu.Lock()
	hooks := append([]DisconnectHook(nil), r.hooks...)
	r.hooksMu.Unlock()
	for _, hook := range hooks {
		hook(ca.AgentID, connID)
	}

	if r.eventBus != nil && ca.AgentID != "" {
		evt := bus.NewEvent("agent.disconnected", "registry", map[string]interface{}{
			"agent_id":      ca.AgentID,
			"connection_id": connID,
		})
		if err := r.eventBus.Publish(context.Background(), "agent.disconnected", evt); err != nil {
			r.log.Warn("failed to publish agent.disconnected event", zap.Error(err))
		}
	}
}

// AgentsByOwner returns connected agents owned by ownerID, excluding
// excludeAgentID (used by the Master Relay's getAccessibleAgents).
func (r *Registry) AgentsByOwner(ctx context.Context, ownerID, excludeAgentID string) ([]*store.Agent, error) {
	agents, err := r.store.ListAgentsByOwner(ctx, ownerID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	out := make([]*store.Agent, 0, len(agents))
	for _, a := range agents {
		if a.AgentID == excludeAgentID {
			continue
		}
		if !r.IsConnected(a.AgentID) {
			continue
		}
		out = append(out, a)
	}
	return out, nil
}
