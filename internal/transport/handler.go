package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kandev/controlplane/internal/common/logger"
	"github.com/kandev/controlplane/internal/policy"
	"github.com/kandev/controlplane/internal/registry"
	"github.com/kandev/controlplane/internal/store"
	"github.com/kandev/controlplane/internal/toolcapability"
	"github.com/kandev/controlplane/pkg/agentproto"
	"go.uber.org/zap"
)

// Close codes from spec.md §4.2.
const (
	CloseNormal             = 1000
	CloseRegistrationFailed = 4000
	CloseAuthFailed         = 4001
	ClosePolicyViolation    = 1008
)

// StreamSink receives the stream-session frames forwarded from an agent
// socket. Implemented by internal/streambroker and registered at startup,
// keeping the Session Transport ignorant of broker internals (spec.md
// §9's one-way dependency model).
type StreamSink interface {
	OnStreamStarted(connID, sessionID string)
	OnStreamStopped(connID, sessionID string)
	OnStreamFrame(connID string, header agentproto.StreamFrameHeader, binary []byte)
	OnStreamCursor(connID, sessionID string, data json.RawMessage)
	OnStreamError(connID, sessionID, errMsg string)
}

// RelaySink receives relay_request frames from a registered master agent.
type RelaySink interface {
	OnRelayRequest(ctx context.Context, connID, agentID string, msg agentproto.RelayRequestMessage)
}

// RegisterSink is notified after a connection successfully registers, so
// the Master Relay can record a MasterSession when the agent's
// persistent record has master_mode_enabled set.
type RegisterSink interface {
	RegisterIfMaster(agent *store.Agent, connID string)
}

var noopStreamSink = noopStream{}
var noopRelaySink = noopRelay{}
var noopRegisterSink = noopRegister{}

type noopRegister struct{}

func (noopRegister) RegisterIfMaster(*store.Agent, string) {}

type noopStream struct{}

func (noopStream) OnStreamStarted(string, string)                              {}
func (noopStream) OnStreamStopped(string, string)                              {}
func (noopStream) OnStreamFrame(string, agentproto.StreamFrameHeader, []byte)   {}
func (noopStream) OnStreamCursor(string, string, json.RawMessage)               {}
func (noopStream) OnStreamError(string, string, string)                        {}

type noopRelay struct{}

func (noopRelay) OnRelayRequest(context.Context, string, string, agentproto.RelayRequestMessage) {}

// Handler upgrades and drives agent WebSocket connections: registration,
// heartbeat protocol, inbound frame dispatch, and the binary-frame
// pairing invariant required by the Stream Broker.
type Handler struct {
	upgrader websocket.Upgrader
	reg      *registry.Registry
	st       store.Store
	policy   *policy.Evaluator
	tools    *toolcapability.Store
	log      *logger.Logger

	streamSink   StreamSink
	relaySink    RelaySink
	registerSink RegisterSink
}

// New constructs a Handler. Call SetStreamSink/SetRelaySink once the
// corresponding brokers exist; until then frames of those kinds are
// silently dropped.
func New(reg *registry.Registry, st store.Store, pol *policy.Evaluator, tools *toolcapability.Store, log *logger.Logger) *Handler {
	return &Handler{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		reg:        reg,
		st:         st,
		policy:     pol,
		tools:      tools,
		log:        log.WithFields(zap.String("component", "transport")),
		streamSink:   noopStreamSink,
		relaySink:    noopRelaySink,
		registerSink: noopRegisterSink,
	}
}

func (h *Handler) SetStreamSink(sink StreamSink)     { h.streamSink = sink }
func (h *Handler) SetRelaySink(sink RelaySink)       { h.relaySink = sink }
func (h *Handler) SetRegisterSink(sink RegisterSink) { h.registerSink = sink }

// HandleAgentWS upgrades the connection and runs its lifecycle until
// close. Intended as a gin route handler for the agent WS endpoint.
func (h *Handler) HandleAgentWS(c *gin.Context) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := NewConn(ws, h.log)
	ca := h.reg.Accept(conn)

	go conn.WritePump(20 * time.Second)
	h.runConnection(c.Request.Context(), ca, conn)
}

func (h *Handler) runConnection(ctx context.Context, ca *registry.ConnectedAgent, conn *Conn) {
	var pendingHeader *agentproto.StreamFrameHeader

	conn.ReadLoop(func(messageType int, data []byte) {
		if messageType == websocket.BinaryMessage {
			if pendingHeader == nil {
				h.log.Warn("unpaired binary frame, tearing down connection", zap.String("connection_id", ca.ConnectionID))
				conn.CloseWithCode(ClosePolicyViolation, "PROTOCOL_ERROR")
				return
			}
			if len(data) != pendingHeader.FrameSize {
				h.log.Warn("binary frame size mismatch, tearing down connection",
					zap.Int("declared", pendingHeader.FrameSize), zap.Int("actual", len(data)))
				conn.CloseWithCode(ClosePolicyViolation, "PROTOCOL_ERROR")
				pendingHeader = nil
				return
			}
			h.streamSink.OnStreamFrame(ca.ConnectionID, *pendingHeader, data)
			pendingHeader = nil
			return
		}

		if pendingHeader != nil {
			// A header must be immediately followed by its binary payload;
			// any other text frame in between violates the pairing invariant.
			h.log.Warn("expected binary frame after stream_frame header, got text")
			conn.CloseWithCode(ClosePolicyViolation, "PROTOCOL_ERROR")
			pendingHeader = nil
			return
		}

		msgType, err := agentproto.PeekType(data)
		if err != nil {
			h.log.Debug("unparseable inbound frame, ignoring", zap.Error(err))
			return
		}

		if msgType == agentproto.TypeStreamFrame {
			var header agentproto.StreamFrameHeader
			if err := json.Unmarshal(data, &header); err != nil {
				h.log.Debug("malformed stream_frame header, ignoring", zap.Error(err))
				return
			}
			pendingHeader = &header
			return
		}

		h.handleFrame(ctx, ca, conn, msgType, data)
	})

	h.reg.Disconnect(ca.ConnectionID)
}

func (h *Handler) handleFrame(ctx context.Context, ca *registry.ConnectedAgent, conn *Conn, msgType agentproto.Type, data []byte) {
	switch msgType {
	case agentproto.TypeRegister:
		h.handleRegister(ctx, ca, conn, data)
	case agentproto.TypeHeartbeat:
		h.handleHeartbeat(ctx, ca, conn, data)
	case agentproto.TypeStateChange:
		h.handleStateChange(ca, data)
	case agentproto.TypeToolsChanged:
		h.handleToolsChanged(ctx, ca, data)
	case agentproto.TypeResponse:
		var msg agentproto.ResponseMessage
		if json.Unmarshal(data, &msg) == nil {
			h.reg.Resolve(ca.ConnectionID, msg.ID, msg.Result, "")
		}
	case agentproto.TypeError:
		var msg agentproto.ErrorMessage
		if json.Unmarshal(data, &msg) == nil {
			h.reg.Resolve(ca.ConnectionID, msg.ID, nil, msg.Error)
		}
	case agentproto.TypePong:
		h.reg.UpdatePing(ca.ConnectionID)
	case agentproto.TypeStreamStarted:
		var msg agentproto.StreamStartedMessage
		if json.Unmarshal(data, &msg) == nil {
			h.streamSink.OnStreamStarted(ca.ConnectionID, msg.SessionID)
		}
	case agentproto.TypeStreamStopped:
		var msg agentproto.StreamStoppedMessage
		if json.Unmarshal(data, &msg) == nil {
			h.streamSink.OnStreamStopped(ca.ConnectionID, msg.SessionID)
		}
	case agentproto.TypeStreamCursor:
		var msg agentproto.StreamCursorMessage
		if json.Unmarshal(data, &msg) == nil {
			h.streamSink.OnStreamCursor(ca.ConnectionID, msg.SessionID, msg.Data)
		}
	case agentproto.TypeStreamError:
		var msg agentproto.StreamErrorMessage
		if json.Unmarshal(data, &msg) == nil {
			h.streamSink.OnStreamError(ca.ConnectionID, msg.SessionID, msg.Error)
		}
	case agentproto.TypeRelayRequest:
		var msg agentproto.RelayRequestMessage
		if json.Unmarshal(data, &msg) == nil {
			h.relaySink.OnRelayRequest(ctx, ca.ConnectionID, ca.AgentID, msg)
		}
	default:
		h.log.Debug("unknown inbound message type, ignoring", zap.String("type", string(msgType)))
	}
}

func (h *Handler) handleRegister(ctx context.Context, ca *registry.ConnectedAgent, conn *Conn, data []byte) {
	var msg agentproto.RegisterMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		h.rejectRegistration(conn, "malformed register message")
		return
	}

	agent, err := h.reg.Register(ctx, ca, &msg, msg.CustomerID)
	if err != nil {
		h.log.Error("registration failed", zap.Error(err))
		h.rejectRegistration(conn, "Registration failed")
		return
	}

	if len(msg.Capabilities) > 0 {
		_ = h.tools.ReportCapabilities(ctx, agent.AgentID, msg.Capabilities)
	}
	h.registerSink.RegisterIfMaster(agent, ca.ConnectionID)

	reply := agentproto.RegisteredMessage{
		Type:          agentproto.TypeRegistered,
		ID:            ca.ConnectionID,
		AgentID:       agent.AgentID,
		LicenseStatus: agent.LicenseState,
		State:         agent.LicenseState,
		PowerState:    string(ca.PowerState()),
		Config: agentproto.RegisteredConfig{
			HeartbeatInterval: int(registry.HeartbeatInterval(ca.PowerState()).Milliseconds()),
			GraceHours:        72,
		},
	}
	if agent.LicenseUUID != nil {
		reply.LicenseUUID = *agent.LicenseUUID
	}
	out, _ := json.Marshal(reply)
	conn.SendJSON(out)
}

func (h *Handler) rejectRegistration(conn *Conn, reason string) {
	out, _ := json.Marshal(agentproto.RegistrationErrorMessage{Type: agentproto.TypeError, Error: reason})
	conn.SendJSON(out)
	conn.CloseWithCode(CloseRegistrationFailed, reason)
}

func (h *Handler) handleHeartbeat(ctx context.Context, ca *registry.ConnectedAgent, conn *Conn, data []byte) {
	var msg agentproto.HeartbeatMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}

	h.reg.UpdatePing(ca.ConnectionID)
	delta := registry.StateDelta{
		PowerState:     msg.PowerState,
		IsScreenLocked: msg.IsScreenLocked,
		HasDisplay:     msg.HasDisplay,
		CurrentTask:    msg.CurrentTask,
	}
	_, cur, _ := h.reg.UpdateState(ca.ConnectionID, delta)

	if ca.AgentID == "" {
		return // heartbeat before registration, nothing to evaluate
	}
	agent, err := h.st.GetAgentByID(ctx, ca.AgentID)
	if err != nil || agent == nil {
		return
	}

	result, err := h.policy.Evaluate(ctx, agent)
	if err != nil {
		h.log.Error("policy evaluation failed", zap.Error(err))
		return
	}

	ack := agentproto.HeartbeatAckMessage{
		Type:            agentproto.TypeHeartbeatAck,
		LicenseStatus:   result.LicenseStatus,
		LicenseChanged:  result.LicenseChanged,
		PendingCommands: ca.PendingCommands(),
		U:               result.UpdateFlag,
		DefaultBrowser:  result.DefaultBrowser,
		Permissions:     result.Permissions,
	}
	if result.LicenseChanged {
		state := "ACTIVE"
		if result.LicenseStatus != "active" {
			state = "DEGRADED"
		}
		ack.Config = &agentproto.RegisteredConfigPatch{
			HeartbeatInterval: int(registry.HeartbeatInterval(cur).Milliseconds()),
			State:             state,
		}
	}
	out, _ := json.Marshal(ack)
	conn.SendJSON(out)
}

func (h *Handler) handleStateChange(ca *registry.ConnectedAgent, data []byte) {
	var msg agentproto.StateChangeMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	h.reg.UpdateState(ca.ConnectionID, registry.StateDelta{
		PowerState:     msg.PowerState,
		IsScreenLocked: msg.IsScreenLocked,
		CurrentTask:    msg.CurrentTask,
	})
}

func (h *Handler) handleToolsChanged(ctx context.Context, ca *registry.ConnectedAgent, data []byte) {
	if ca.AgentID == "" {
		return
	}
	var msg agentproto.ToolsChangedMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	// A tools_changed notification reports a landscape change (e.g. a
	// browser bridge starting) but does not itself carry the new
	// capability list; the agent is expected to re-register or send an
	// updated capabilities set through its own channel. Nothing to
	// persist here beyond observing the notification.
	_ = msg
}
