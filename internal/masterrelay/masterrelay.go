// Package masterrelay implements the Master Relay: registering agents
// that have master_mode_enabled as MasterSessions, and relaying their
// relay_request commands to peer agents within the same owner scope.
package masterrelay

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kandev/controlplane/internal/apperr"
	"github.com/kandev/controlplane/internal/common/logger"
	"github.com/kandev/controlplane/internal/registry"
	"github.com/kandev/controlplane/internal/store"
	"github.com/kandev/controlplane/pkg/agentproto"
	"go.uber.org/zap"
)

// MasterSession is the registration record for an agent acting as a
// relay origin.
type MasterSession struct {
	AgentID      string
	OwnerID      string
	ConnID       string
	RegisteredAt time.Time
	lastActivity time.Time
}

// Relay is the Master Relay component.
type Relay struct {
	reg        *registry.Registry
	st         store.Store
	log        *logger.Logger
	relayTimeout time.Duration

	mu       sync.Mutex
	byAgent  map[string]*MasterSession
	byConn   map[string]string // connID -> agentID, for disconnect lookup
}

// New constructs a Relay and registers its disconnect hook with reg.
func New(reg *registry.Registry, st store.Store, log *logger.Logger, relayTimeout time.Duration) *Relay {
	r := &Relay{
		reg: reg, st: st, log: log.WithFields(zap.String("component", "masterrelay")),
		relayTimeout: relayTimeout,
		byAgent:      make(map[string]*MasterSession),
		byConn:       make(map[string]string),
	}
	reg.OnDisconnect(r.onAgentDisconnect)
	return r
}

// RegisterIfMaster records a MasterSession for a freshly-registered
// connection, provided the agent's persistent record has
// master_mode_enabled set. Called by the Session Transport right after a
// successful register.
func (r *Relay) RegisterIfMaster(agent *store.Agent, connID string) {
	if !agent.MasterModeEnabled {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAgent[agent.AgentID] = &MasterSession{
		AgentID: agent.AgentID, OwnerID: agent.OwnerID, ConnID: connID,
		RegisteredAt: time.Now(), lastActivity: time.Now(),
	}
	r.byConn[connID] = agent.AgentID
}

func (r *Relay) onAgentDisconnect(agentID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byAgent, agentID)
	delete(r.byConn, connID)
	// Relays this master still has in flight are not cancelled here. Each
	// runs on the master's own read goroutine and was sent on the target's
	// connection, so it ends only when the target answers, the target
	// disconnects, or the relay timeout expires.
}

// OnRelayRequest implements transport.RelaySink: it authorizes and
// executes one relay_request from a master agent, writing the
// relay_response back onto the master's own connection.
func (r *Relay) OnRelayRequest(ctx context.Context, connID, agentID string, msg agentproto.RelayRequestMessage) {
	r.mu.Lock()
	master, isMaster := r.byAgent[agentID]
	r.mu.Unlock()

	ca, ok := r.reg.Get(connID)
	if !ok {
		return
	}
	conn := ca.Conn

	if !isMaster {
		r.reply(conn, msg.ID, nil, "not a registered master session")
		return
	}

	target, err := r.st.GetAgentByID(ctx, msg.TargetAgentID)
	if err != nil || target == nil {
		r.reply(conn, msg.ID, nil, "unknown target agent")
		return
	}
	if target.OwnerID != master.OwnerID {
		r.reply(conn, msg.ID, nil, "target agent is outside the master's owner scope")
		return
	}
	targetConn, ok := r.reg.PreferredConnection(msg.TargetAgentID)
	if !ok {
		r.reply(conn, msg.ID, nil, "target agent is not connected")
		return
	}

	relayCtx, cancel := context.WithTimeout(ctx, r.relayTimeout)
	defer cancel()
	result, err := r.reg.SendCommand(relayCtx, targetConn.ConnectionID, msg.Method, msg.Params, r.relayTimeout)
	if err != nil {
		r.reply(conn, msg.ID, nil, err.Error())
		return
	}
	r.reply(conn, msg.ID, result, "")
}

func (r *Relay) reply(conn registry.Socket, id string, result json.RawMessage, errMsg string) {
	out, _ := json.Marshal(agentproto.RelayResponseMessage{
		Type: agentproto.TypeRelayResponse, ID: id, Result: result, Error: errMsg,
	})
	conn.SendJSON(out)
}

// AccessibleAgent is one peer a master may relay commands to.
type AccessibleAgent struct {
	AgentID string
	Name    string
}

// GetAccessibleAgents enumerates connected peers in the master's owner
// scope, excluding the master itself. Names fall back to hostname when no
// display name is set.
func (r *Relay) GetAccessibleAgents(ctx context.Context, masterAgentID string) ([]AccessibleAgent, error) {
	r.mu.Lock()
	master, ok := r.byAgent[masterAgentID]
	r.mu.Unlock()
	if !ok {
		return nil, apperr.New(apperr.NotAuthorized, "not a registered master session")
	}

	peers, err := r.reg.AgentsByOwner(ctx, master.OwnerID, masterAgentID)
	if err != nil {
		return nil, err
	}
	out := make([]AccessibleAgent, 0, len(peers))
	for _, p := range peers {
		name := p.DisplayName
		if name == "" {
			name = p.Hostname
		}
		out = append(out, AccessibleAgent{AgentID: p.AgentID, Name: name})
	}
	return out, nil
}
