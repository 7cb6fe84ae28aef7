// Package viewerproto defines the JSON-over-WebSocket wire protocol spoken
// between a viewer (browser client) and the Stream/Terminal brokers.
package viewerproto

import "encoding/json"

// Type tags every frame exchanged on a viewer socket.
type Type string

const (
	// Inbound (viewer → broker). The first message on any viewer socket
	// must carry sessionToken.
	TypeStreamStart   Type = "stream_start"
	TypeInput         Type = "input"
	TypeQualityChange Type = "quality_change"
	TypeRefresh       Type = "refresh"
	TypeStreamStop    Type = "stream_stop"

	TypeTerminalStart  Type = "terminal_start"
	TypeTerminalInput  Type = "terminal_input"
	TypeTerminalResize Type = "terminal_resize"
	TypeTerminalStop   Type = "terminal_stop"

	// Outbound (broker → viewer).
	TypeStreamStarted Type = "stream_started"
	TypeFrame         Type = "frame"
	TypeCursor        Type = "cursor"
	TypeError         Type = "error"
	TypePong          Type = "pong"
	TypeTerminalStarted Type = "terminal_started"
	TypeTerminalOutput Type = "terminal_output"
)

// Envelope reads just the type field before committing to a concrete
// struct, mirroring agentproto.Envelope.
type Envelope struct {
	Type          Type   `json:"type"`
	SessionToken  string `json:"sessionToken,omitempty"`
	AgentID       string `json:"agentId,omitempty"`
}

// PeekType extracts the "type" field from a raw inbound frame.
func PeekType(raw []byte) (Type, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", err
	}
	return env.Type, nil
}

// StreamStartRequest is the first viewer→broker message, presenting the
// one-shot session token minted by the HTTP connect endpoint.
type StreamStartRequest struct {
	Type         Type   `json:"type"`
	SessionToken string `json:"sessionToken"`
}

// InputRequest forwards a mouse/keyboard event to the agent as stream_input.
type InputRequest struct {
	Type      Type   `json:"type"`
	InputType string `json:"inputType"`
	X         *int   `json:"x,omitempty"`
	Y         *int   `json:"y,omitempty"`
	KeyCode   *int   `json:"keyCode,omitempty"`
	Button    *int   `json:"button,omitempty"`
	Text      string `json:"text,omitempty"`
}

// QualityChangeRequest asks the broker to restart the stream with new
// quality/fps parameters.
type QualityChangeRequest struct {
	Type    Type `json:"type"`
	Quality int  `json:"quality"`
	MaxFPS  int  `json:"maxFps"`
}

// StreamStartedResponse tells the viewer its session is live.
type StreamStartedResponse struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
}

// FrameHeader is the JSON header immediately preceding one binary frame of
// exactly FrameSize bytes.
type FrameHeader struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Sequence  int64  `json:"sequence"`
	Timestamp int64  `json:"timestamp"`
	NumRects  int    `json:"numRects"`
	FrameSize int    `json:"frameSize"`
}

// CursorUpdate relays a cursor position/shape change.
type CursorUpdate struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ErrorResponse carries an apperr.Kind string and human message.
type ErrorResponse struct {
	Type  Type   `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// TerminalStartRequest is the first viewer→broker message on a terminal
// socket, presenting the one-shot terminal session token.
type TerminalStartRequest struct {
	Type         Type   `json:"type"`
	SessionToken string `json:"sessionToken"`
}

// TerminalStartedResponse tells the viewer its terminal session is live,
// using the broker-assigned sessionId (never the agent's shell id).
type TerminalStartedResponse struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
}

// TerminalInputRequest forwards keystrokes to the bound shell session.
type TerminalInputRequest struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}

// TerminalResizeRequest forwards a PTY resize to the bound shell session.
type TerminalResizeRequest struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Cols      int    `json:"cols"`
	Rows      int    `json:"rows"`
}

// TerminalOutputMessage is pushed to the viewer as the output pump drains
// the agent's pull-based shell output.
type TerminalOutputMessage struct {
	Type      Type   `json:"type"`
	SessionID string `json:"sessionId"`
	Data      string `json:"data"`
}
