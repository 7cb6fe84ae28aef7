// Package streambroker implements the Stream Broker: minting one-shot
// viewer session tokens, relaying display-stream frames between an agent
// and a viewer socket with the header+binary pairing invariant preserved
// on both legs, and tearing sessions down on disconnect or explicit stop.
// Sessions are not ended for inactivity: last activity is recorded but no
// timer acts on it.
package streambroker

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kandev/controlplane/internal/apperr"
	"github.com/kandev/controlplane/internal/common/logger"
	"github.com/kandev/controlplane/internal/registry"
	"github.com/kandev/controlplane/internal/store"
	"github.com/kandev/controlplane/internal/transport"
	"github.com/kandev/controlplane/pkg/agentproto"
	"github.com/kandev/controlplane/pkg/viewerproto"
	"go.uber.org/zap"
)

// Session is one live viewer↔agent stream relay.
type Session struct {
	SessionID  string
	AgentID    string
	ConnID     string // the agent's connection_id at bind time
	Viewer     *transport.Conn
	UserID     string
	DisplayID  int
	Quality    int
	MaxFPS     int
	CreatedAt  time.Time

	mu             sync.Mutex
	lastActivity   time.Time
	framesRelayed  int64
	bytesRelayed   int64
	inputsRelayed  int64
	lastSequence   int64
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Broker is the Stream Broker component.
type Broker struct {
	reg      *registry.Registry
	st       store.Store
	tokens   store.TokenStore
	log      *logger.Logger
	upgrader websocket.Upgrader

	maxStreamsPerAgent int
	tokenTTL           time.Duration
	cmdTimeout         time.Duration

	mu           sync.Mutex
	sessions     map[string]*Session   // sessionID -> Session
	byConn       map[string][]string   // agent connectionID -> sessionIDs
	byAgent      map[string]int        // agentID -> live session count
}

// New constructs a Broker and registers its disconnect hook with reg.
func New(reg *registry.Registry, st store.Store, tokens store.TokenStore, log *logger.Logger,
	maxStreamsPerAgent int, tokenTTL, cmdTimeout time.Duration) *Broker {
	b := &Broker{
		reg: reg, st: st, tokens: tokens,
		log: log.WithFields(zap.String("component", "streambroker")),
		upgrader: websocket.Upgrader{
			ReadBufferSize: 4096, WriteBufferSize: 1 << 20,
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		maxStreamsPerAgent: maxStreamsPerAgent,
		tokenTTL:           tokenTTL,
		cmdTimeout:         cmdTimeout,
		sessions:           make(map[string]*Session),
		byConn:             make(map[string][]string),
		byAgent:            make(map[string]int),
	}
	reg.OnDisconnect(b.onAgentDisconnect)
	return b
}

// MintRequest is the HTTP connect endpoint's request body.
type MintRequest struct {
	AgentID   string `json:"agentId"`
	DisplayID int    `json:"displayId"`
	Quality   int    `json:"quality"`
	MaxFPS    int    `json:"maxFps"`
}

// Mint validates preconditions and issues a one-shot stream token.
func (b *Broker) Mint(ctx context.Context, userID string, req MintRequest) (token string, expiresAt time.Time, err error) {
	if !b.reg.IsConnected(req.AgentID) {
		return "", time.Time{}, apperr.New(apperr.NotConnected, "agent is not connected")
	}
	ca, ok := b.reg.PreferredConnection(req.AgentID)
	if !ok {
		return "", time.Time{}, apperr.New(apperr.NotConnected, "agent is not connected")
	}
	if ca.PowerState() != registry.PowerActive {
		return "", time.Time{}, apperr.New(apperr.NotAuthorized, "agent is not in ACTIVE power state")
	}

	b.mu.Lock()
	count := b.byAgent[req.AgentID]
	b.mu.Unlock()
	if count >= b.maxStreamsPerAgent {
		return "", time.Time{}, apperr.New(apperr.LimitExceeded, "agent has reached its stream session limit")
	}

	tok := uuid.New().String()
	exp := time.Now().Add(b.tokenTTL)
	stok := &store.StreamSessionToken{
		Token: tok, AgentID: req.AgentID, UserID: userID,
		DisplayID: req.DisplayID, Quality: req.Quality, MaxFPS: req.MaxFPS,
		ExpiresAt: exp,
	}
	if err := b.tokens.MintStream(ctx, stok); err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.Internal, err)
	}
	return tok, exp, nil
}

// HandleViewerWS is the gin route handler for a viewer's stream socket.
// The first inbound message must be a stream_start frame presenting the
// minted token; any other first message, or a missing/expired token,
// closes the socket with AUTH_FAILED and no further detail (§7: token
// consumption failures never leak whether the token existed).
func (b *Broker) HandleViewerWS(c *gin.Context) {
	ws, err := b.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	conn := transport.NewConn(ws, b.log)
	go conn.WritePump(20 * time.Second)
	b.serveViewer(c.Request.Context(), conn)
}

func (b *Broker) serveViewer(ctx context.Context, conn *transport.Conn) {
	// A single ReadLoop drives the whole viewer connection; the first
	// well-formed stream_start message binds the session, and every frame
	// after that is handled by session-aware callbacks closed over sess.
	var sess *Session
	conn.ReadLoop(func(messageType int, data []byte) {
		if sess == nil {
			var start viewerproto.StreamStartRequest
			if err := json.Unmarshal(data, &start); err != nil || start.Type != viewerproto.TypeStreamStart || start.SessionToken == "" {
				b.sendViewerError(conn, "", apperr.AuthFailed, "invalid session token")
				conn.CloseWithCode(transport.CloseAuthFailed, "AUTH_FAILED")
				return
			}
			tok, ok, err := b.tokens.RedeemStream(ctx, start.SessionToken)
			if err != nil || !ok {
				b.sendViewerError(conn, "", apperr.AuthFailed, "invalid session token")
				conn.CloseWithCode(transport.CloseAuthFailed, "AUTH_FAILED")
				return
			}
			s, err := b.bind(ctx, conn, tok)
			if err != nil {
				b.sendViewerError(conn, "", apperr.KindOf(err), err.Error())
				conn.CloseWithCode(transport.CloseAuthFailed, "AUTH_FAILED")
				return
			}
			sess = s
			return
		}
		b.handleViewerFrame(ctx, sess, data)
	})
	if sess != nil {
		b.endSession(sess.SessionID, false)
	}
}

func (b *Broker) bind(ctx context.Context, conn *transport.Conn, tok *store.StreamSessionToken) (*Session, error) {
	ca, ok := b.reg.PreferredConnection(tok.AgentID)
	if !ok {
		return nil, apperr.New(apperr.NotConnected, "agent disconnected before bind")
	}

	b.mu.Lock()
	if b.byAgent[tok.AgentID] >= b.maxStreamsPerAgent {
		b.mu.Unlock()
		return nil, apperr.New(apperr.LimitExceeded, "agent has reached its stream session limit")
	}
	sess := &Session{
		SessionID: uuid.New().String(), AgentID: tok.AgentID, ConnID: ca.ConnectionID,
		Viewer: conn, UserID: tok.UserID, DisplayID: tok.DisplayID, Quality: tok.Quality,
		MaxFPS: tok.MaxFPS, CreatedAt: time.Now(), lastActivity: time.Now(),
	}
	b.sessions[sess.SessionID] = sess
	b.byConn[ca.ConnectionID] = append(b.byConn[ca.ConnectionID], sess.SessionID)
	b.byAgent[tok.AgentID]++
	b.mu.Unlock()

	go func() {
		startCtx, cancel := context.WithTimeout(context.Background(), b.cmdTimeout)
		defer cancel()
		_, err := b.reg.SendCommand(startCtx, ca.ConnectionID, "stream_start", agentproto.StreamStartMessage{
			Type: agentproto.TypeStreamStart, SessionID: sess.SessionID,
			DisplayID: sess.DisplayID, Quality: sess.Quality, MaxFPS: sess.MaxFPS,
		}, b.cmdTimeout)
		if err != nil {
			b.log.Warn("stream_start command failed", zap.Error(err), zap.String("session_id", sess.SessionID))
		}
	}()

	// stream_started is reported to the viewer from OnStreamStarted, once
	// the agent's own stream_started message confirms the stream is
	// actually producing frames, not here on mere command dispatch.
	return sess, nil
}

func (b *Broker) handleViewerFrame(ctx context.Context, sess *Session, data []byte) {
	typ, err := viewerproto.PeekType(data)
	if err != nil {
		return
	}
	sess.touch()
	switch typ {
	case viewerproto.TypeInput:
		var in viewerproto.InputRequest
		if json.Unmarshal(data, &in) != nil {
			return
		}
		sess.mu.Lock()
		sess.inputsRelayed++
		sess.mu.Unlock()
		go func() {
			sendCtx, cancel := context.WithTimeout(context.Background(), b.cmdTimeout)
			defer cancel()
			_, _ = b.reg.SendCommand(sendCtx, sess.ConnID, "stream_input", agentproto.StreamInputMessage{
				Type: agentproto.TypeStreamInput, SessionID: sess.SessionID, Input: data,
			}, b.cmdTimeout)
		}()
	case viewerproto.TypeQualityChange:
		var q viewerproto.QualityChangeRequest
		if json.Unmarshal(data, &q) != nil {
			return
		}
		sess.mu.Lock()
		sess.Quality, sess.MaxFPS = q.Quality, q.MaxFPS
		sess.mu.Unlock()
		b.restart(sess)
	case viewerproto.TypeRefresh:
		b.restart(sess)
	case viewerproto.TypeStreamStop:
		b.endSession(sess.SessionID, true)
	}
}

func (b *Broker) restart(sess *Session) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), b.cmdTimeout)
		defer cancel()
		_, _ = b.reg.SendCommand(ctx, sess.ConnID, "stream_stop", agentproto.StreamStopMessage{
			Type: agentproto.TypeStreamStop, SessionID: sess.SessionID,
		}, b.cmdTimeout)
		sess.mu.Lock()
		q, fps, disp := sess.Quality, sess.MaxFPS, sess.DisplayID
		sess.mu.Unlock()
		_, _ = b.reg.SendCommand(ctx, sess.ConnID, "stream_start", agentproto.StreamStartMessage{
			Type: agentproto.TypeStreamStart, SessionID: sess.SessionID,
			DisplayID: disp, Quality: q, MaxFPS: fps,
		}, b.cmdTimeout)
	}()
}

func (b *Broker) sendViewerError(conn *transport.Conn, sessionID string, kind apperr.Kind, msg string) {
	out, _ := json.Marshal(viewerproto.ErrorResponse{Type: viewerproto.TypeError, Code: string(kind), Error: msg})
	conn.SendJSON(out)
}

// endSession tears a session down: removes it from the indexes and, if
// requested, issues a best-effort stream_stop to the agent.
func (b *Broker) endSession(sessionID string, notifyAgent bool) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, sessionID)
	b.byAgent[sess.AgentID]--
	conns := b.byConn[sess.ConnID]
	for i, id := range conns {
		if id == sessionID {
			b.byConn[sess.ConnID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	if notifyAgent {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), b.cmdTimeout)
			defer cancel()
			_, _ = b.reg.SendCommand(ctx, sess.ConnID, "stream_stop", agentproto.StreamStopMessage{
				Type: agentproto.TypeStreamStop, SessionID: sessionID,
			}, b.cmdTimeout)
		}()
	}
	sess.Viewer.CloseWithCode(transport.CloseNormal, "stream ended")
}

// onAgentDisconnect ends every session bound to a disconnecting agent
// connection, notifying each viewer before closing it. Registered with
// the Registry at construction time.
func (b *Broker) onAgentDisconnect(agentID, connID string) {
	b.mu.Lock()
	sessionIDs := append([]string(nil), b.byConn[connID]...)
	b.mu.Unlock()

	for _, sid := range sessionIDs {
		b.mu.Lock()
		sess, ok := b.sessions[sid]
		b.mu.Unlock()
		if !ok {
			continue
		}
		b.sendViewerError(sess.Viewer, sid, apperr.AgentDisconnected, "agent disconnected")
		b.endSessionNoAgentNotify(sid, websocket.CloseGoingAway)
	}
}

func (b *Broker) endSessionNoAgentNotify(sessionID string, closeCode int) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, sessionID)
	b.byAgent[sess.AgentID]--
	conns := b.byConn[sess.ConnID]
	for i, id := range conns {
		if id == sessionID {
			b.byConn[sess.ConnID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
	sess.Viewer.CloseWithCode(closeCode, "agent disconnected")
}

// --- transport.StreamSink implementation: frames arriving on the agent socket ---

func (b *Broker) sessionByConnAndID(connID, sessionID string) (*Session, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sess, ok := b.sessions[sessionID]
	if !ok || sess.ConnID != connID {
		return nil, false
	}
	return sess, true
}

func (b *Broker) OnStreamStarted(connID, sessionID string) {
	sess, ok := b.sessionByConnAndID(connID, sessionID)
	if !ok {
		return
	}
	out, _ := json.Marshal(viewerproto.StreamStartedResponse{Type: viewerproto.TypeStreamStarted, SessionID: sessionID})
	sess.Viewer.SendJSON(out)
}

func (b *Broker) OnStreamStopped(connID, sessionID string) {
	b.endSession(sessionID, false)
}

// OnStreamFrame relays a paired header+binary frame from the agent to the
// viewer unchanged except for the relabeled type, preserving strict
// per-session sequence ordering because it executes on the single agent
// read-loop goroutine.
func (b *Broker) OnStreamFrame(connID string, header agentproto.StreamFrameHeader, binary []byte) {
	sess, ok := b.sessionByConnAndID(connID, header.SessionID)
	if !ok {
		return
	}
	out := viewerproto.FrameHeader{
		Type: viewerproto.TypeFrame, SessionID: header.SessionID,
		Sequence: header.Sequence, Timestamp: header.Timestamp,
		NumRects: header.NumRects, FrameSize: header.FrameSize,
	}
	data, _ := json.Marshal(out)
	if !sess.Viewer.SendPair(data, binary) {
		return
	}
	sess.mu.Lock()
	sess.framesRelayed++
	sess.bytesRelayed += int64(len(binary))
	sess.lastSequence = header.Sequence
	sess.mu.Unlock()
}

func (b *Broker) OnStreamCursor(connID, sessionID string, data json.RawMessage) {
	sess, ok := b.sessionByConnAndID(connID, sessionID)
	if !ok {
		return
	}
	out, _ := json.Marshal(viewerproto.CursorUpdate{Type: viewerproto.TypeCursor, SessionID: sessionID, Data: data})
	sess.Viewer.SendJSON(out)
}

func (b *Broker) OnStreamError(connID, sessionID, errMsg string) {
	sess, ok := b.sessionByConnAndID(connID, sessionID)
	if !ok {
		return
	}
	b.sendViewerError(sess.Viewer, sessionID, apperr.PeerError, errMsg)
}
