// Package agentproto defines the JSON-over-WebSocket wire protocol spoken
// between the control plane and a connected agent.
package agentproto

import "encoding/json"

// Type tags every frame exchanged on the agent socket.
type Type string

const (
	TypeRegister     Type = "register"
	TypeRegistered   Type = "registered"
	TypeHeartbeat    Type = "heartbeat"
	TypeHeartbeatAck Type = "heartbeat_ack"
	TypeStateChange  Type = "state_change"
	TypeToolsChanged Type = "tools_changed"
	TypeRequest      Type = "request"
	TypeResponse     Type = "response"
	TypeError        Type = "error"
	TypeConfig       Type = "config"
	TypePing         Type = "ping"
	TypePong         Type = "pong"

	TypeRelayRequest  Type = "relay_request"
	TypeRelayResponse Type = "relay_response"

	TypeStreamStart   Type = "stream_start"
	TypeStreamStarted Type = "stream_started"
	TypeStreamStop    Type = "stream_stop"
	TypeStreamStopped Type = "stream_stopped"
	TypeStreamFrame   Type = "stream_frame"
	TypeStreamCursor  Type = "stream_cursor"
	TypeStreamError   Type = "stream_error"
	TypeStreamInput   Type = "stream_input"

	TypeTerminalStart  Type = "terminal_start"
	TypeTerminalOutput Type = "terminal_output"
	TypeTerminalInput  Type = "terminal_input"
	TypeTerminalResize Type = "terminal_resize"
	TypeTerminalStop   Type = "terminal_stop"
)

// Envelope is the minimal shape needed to read a frame's type before
// unmarshaling into the type-specific struct. Every concrete message
// struct below also declares its own Type field so a single json.Unmarshal
// into that struct works without a second pass.
type Envelope struct {
	Type Type `json:"type"`
}

// PeekType extracts the "type" field from a raw inbound frame without
// committing to a concrete struct.
func PeekType(raw []byte) (Type, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// Fingerprint identifies the physical machine an agent runs on.
type Fingerprint struct {
	Hostname     string   `json:"hostname"`
	CPUModel     string   `json:"cpuModel"`
	MACAddresses []string `json:"macAddresses"`
}

// RegisterMessage is sent by the agent as the first frame on a new socket.
type RegisterMessage struct {
	Type         Type        `json:"type"`
	MachineID    string      `json:"machineId"`
	MachineName  string      `json:"machineName"`
	OSType       string      `json:"osType"`
	OSVersion    string      `json:"osVersion"`
	Arch         string      `json:"arch"`
	AgentVersion string      `json:"agentVersion"`
	Fingerprint  Fingerprint `json:"fingerprint"`
	LicenseUUID  string      `json:"licenseUuid,omitempty"`
	CustomerID   string      `json:"customerId,omitempty"`
	AgentName    string      `json:"agentName,omitempty"`
	Capabilities []string    `json:"capabilities,omitempty"`
	HasDisplay   bool        `json:"hasDisplay,omitempty"`
}

// RegisteredConfig is the config block of a registered reply.
type RegisteredConfig struct {
	HeartbeatInterval int `json:"heartbeatInterval"`
	GraceHours        int `json:"graceHours"`
}

// RegisteredMessage is the server's reply to a successful register.
type RegisteredMessage struct {
	Type          Type             `json:"type"`
	ID            string           `json:"id"`
	AgentID       string           `json:"agentId"`
	LicenseStatus string           `json:"licenseStatus"`
	LicenseUUID   string           `json:"licenseUuid,omitempty"`
	State         string           `json:"state"`
	PowerState    string           `json:"powerState"`
	Config        RegisteredConfig `json:"config"`
}

// RegistrationErrorMessage is sent instead of RegisteredMessage on failure,
// followed by a close with code 4000.
type RegistrationErrorMessage struct {
	Type  Type   `json:"type"`
	Error string `json:"error"`
}

// HeartbeatMessage is sent periodically by the agent.
type HeartbeatMessage struct {
	Type          Type    `json:"type"`
	Timestamp     int64   `json:"timestamp"`
	PowerState    *string `json:"powerState,omitempty"`
	IsScreenLocked *bool  `json:"isScreenLocked,omitempty"`
	HasDisplay    *bool   `json:"hasDisplay,omitempty"`
	CurrentTask   *string `json:"currentTask,omitempty"`
}

// StateChangeMessage reports a mid-session state delta.
type StateChangeMessage struct {
	Type           Type    `json:"type"`
	PowerState     *string `json:"powerState,omitempty"`
	IsScreenLocked *bool   `json:"isScreenLocked,omitempty"`
	CurrentTask    *string `json:"currentTask,omitempty"`
}

// ToolsChangedMessage notifies the server that the agent's local tool
// landscape changed (e.g. a browser bridge started).
type ToolsChangedMessage struct {
	Type                 Type  `json:"type"`
	BrowserBridgeRunning bool  `json:"browserBridgeRunning"`
	Timestamp            int64 `json:"timestamp"`
}

// ConfigMessage pushes a config update to the agent (e.g. after a power
// state transition or a license-status change).
type ConfigMessage struct {
	Type   Type             `json:"type"`
	ID     string            `json:"id,omitempty"`
	Config RegisteredConfig `json:"config"`
}

// HeartbeatAckMessage is the server's reply to every heartbeat.
type HeartbeatAckMessage struct {
	Type            Type                   `json:"type"`
	ID              string                 `json:"id,omitempty"`
	LicenseStatus   string                 `json:"licenseStatus"`
	LicenseChanged  bool                   `json:"licenseChanged"`
	LicenseMessage  string                 `json:"licenseMessage,omitempty"`
	PendingCommands bool                   `json:"pendingCommands"`
	U               int                    `json:"u"`
	DefaultBrowser  string                 `json:"defaultBrowser,omitempty"`
	Permissions     Permissions            `json:"permissions"`
	Config          *RegisteredConfigPatch `json:"config,omitempty"`
}

// RegisteredConfigPatch carries an optional state override alongside a
// new heartbeat interval, used only when license status has changed.
type RegisteredConfigPatch struct {
	HeartbeatInterval int    `json:"heartbeatInterval"`
	State             string `json:"state,omitempty"`
}

// Permissions is the policy evaluator's permission snapshot.
type Permissions struct {
	MasterMode          bool `json:"masterMode"`
	FileTransfer        bool `json:"fileTransfer"`
	LocalSettingsLocked bool `json:"localSettingsLocked"`
}

// RequestMessage is a server→agent forwarded command (Registry.SendCommand).
type RequestMessage struct {
	Type   Type            `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseMessage is the agent's reply to a RequestMessage.
type ResponseMessage struct {
	Type   Type            `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
}

// ErrorMessage is the agent's (or server's) error reply, correlated by ID.
type ErrorMessage struct {
	Type  Type   `json:"type"`
	ID    string `json:"id"`
	Error string `json:"error"`
}

// RelayRequestMessage is sent by a master agent to relay a command to a peer.
type RelayRequestMessage struct {
	Type         Type            `json:"type"`
	ID           string          `json:"id"`
	TargetAgentID string         `json:"targetAgentId"`
	Method       string          `json:"method"`
	Params       json.RawMessage `json:"params,omitempty"`
}

// RelayResponseMessage is the control plane's reply to a relay_request.
type RelayResponseMessage struct {
	Type   Type            `json:"type"`
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// StreamStartMessage is sent to the agent to begin streaming a display.
type StreamStartMessage struct {
	Type      Type   `json:"type"`
	ID        string `json:"id"`
	SessionID string `json:"sessionId"`
	DisplayID int    `json:"displayId"`
	Quality   int    `json:"quality"`
	MaxFPS    int    `json:"maxFps"`
}

// StreamStopMessage tells the agent to stop streaming a session.
type StreamStopMessage struct {
	Type      Type   `json:"type"`
	ID        string `json:"id,omitempty"`
	SessionID string `json:"sessionId"`
}

// StreamStartedMessage is the agent's ack that a stream session is live.
type StreamStartedMessage struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
}

// StreamStoppedMessage is the agent's notice that it stopped streaming.
type StreamStoppedMessage struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
}

// StreamFrameHeader is the JSON header preceding a binary frame payload.
type StreamFrameHeader struct {
	Type      Type  `json:"type"`
	SessionID string `json:"sessionId"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	NumRects  int    `json:"numRects"`
	FrameSize int    `json:"frameSize"`
}

// StreamCursorMessage carries a cursor position/shape update.
type StreamCursorMessage struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// StreamErrorMessage reports a stream-session error from the agent.
type StreamErrorMessage struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Error     string `json:"error"`
}

// StreamInputMessage forwards a viewer input event to the agent.
type StreamInputMessage struct {
	Type      Type            `json:"type"`
	ID        string          `json:"id"`
	SessionID string          `json:"sessionId"`
	Input     json.RawMessage `json:"input"`
}

// PingMessage is sent as a JSON keepalive (in addition to the WebSocket
// control-frame ping); agents reply with a "pong" type frame.
type PingMessage struct {
	Type Type `json:"type"`
}
