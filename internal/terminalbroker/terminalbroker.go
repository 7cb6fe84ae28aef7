// Package terminalbroker implements the Terminal Broker: binding a
// one-shot terminal token to an agent shell session, pumping shell
// output to the viewer at a fixed poll cadence, and forwarding
// input/resize/stop.
package terminalbroker

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

// Session is one live viewer↔agent terminal relay. The viewer only ever
// sees SessionID (broker-assigned); AgentShellID is the agent's own
// shell-session handle, known only to the broker, which lets the agent
// rotate shells transparently.
type Session struct {
	SessionID    string
	ConnID       string
	AgentShellID string
	Viewer       *transport.Conn
	UserID       string
	CreatedAt    time.Time

	mu           sync.Mutex
	lastActivity time.Time
	stopPolling  chan struct{}
}

// Broker is the Terminal Broker component.
type Broker struct {
	reg      *registry.Registry
	tokens   store.TokenStore
	log      *logger.Logger
	upgrader websocket.Upgrader

	pollInterval time.Duration
	cmdTimeout   time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	byConn   map[string][]string
}

// New constructs a Broker and registers its disconnect hook with reg.
func New(reg *registry.Registry, tokens store.TokenStore, log *logger.Logger, pollInterval, cmdTimeout time.Duration) *Broker {
	b := &Broker{
		reg: reg, tokens: tokens,
		log: log.WithFields(zap.String("component", "terminalbroker")),
		upgrader: websocket.Upgrader{
			ReadBufferSize: 4096, WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		pollInterval: pollInterval,
		cmdTimeout:   cmdTimeout,
		sessions:     make(map[string]*Session),
		byConn:       make(map[string][]string),
	}
	reg.OnDisconnect(b.onAgentDisconnect)
	return b
}

// MintRequest is the HTTP connect endpoint's request body.
type MintRequest struct {
	AgentID string `json:"agentId"`
}

// Mint validates the agent is connected and issues a one-shot terminal
// token.
func (b *Broker) Mint(ctx context.Context, userID string, req MintRequest) (token string, expiresAt time.Time, err error) {
	if !b.reg.IsConnected(req.AgentID) {
		return "", time.Time{}, apperr.New(apperr.NotConnected, "agent is not connected")
	}
	tok := uuid.New().String()
	exp := time.Now().Add(5 * time.Minute)
	if err := b.tokens.MintTerminal(ctx, &store.TerminalSessionToken{
		Token: tok, AgentID: req.AgentID, UserID: userID, ExpiresAt: exp,
	}); err != nil {
		return "", time.Time{}, apperr.Wrap(apperr.Internal, err)
	}
	return tok, exp, nil
}

// HandleViewerWS is the gin route handler for a viewer's terminal socket.
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
	var sess *Session
	conn.ReadLoop(func(messageType int, data []byte) {
		if sess == nil {
			var start viewerproto.TerminalStartRequest
			if err := json.Unmarshal(data, &start); err != nil || start.SessionToken == "" {
				b.sendError(conn, "invalid session token")
				conn.CloseWithCode(transport.CloseAuthFailed, "AUTH_FAILED")
				return
			}
			tok, ok, err := b.tokens.RedeemTerminal(ctx, start.SessionToken)
			if err != nil || !ok {
				b.sendError(conn, "invalid session token")
				conn.CloseWithCode(transport.CloseAuthFailed, "AUTH_FAILED")
				return
			}
			s, err := b.bind(ctx, conn, tok)
			if err != nil {
				b.sendError(conn, err.Error())
				conn.CloseWithCode(transport.CloseAuthFailed, "AUTH_FAILED")
				return
			}
			sess = s
			return
		}
		b.handleViewerFrame(ctx, sess, data)
	})
	if sess != nil {
		b.endSession(sess.SessionID, true)
	}
}

type startResult struct {
	SessionID string `json:"sessionId"`
}

func (b *Broker) bind(ctx context.Context, conn *transport.Conn, tok *store.TerminalSessionToken) (*Session, error) {
	ca, ok := b.reg.PreferredConnection(tok.AgentID)
	if !ok {
		return nil, apperr.New(apperr.NotConnected, "agent disconnected before bind")
	}

	startCtx, cancel := context.WithTimeout(ctx, b.cmdTimeout)
	defer cancel()
	result, err := b.reg.SendCommand(startCtx, ca.ConnectionID, agentproto.MethodTerminalStart, nil, b.cmdTimeout)
	if err != nil {
		return nil, err
	}
	var res startResult
	if err := json.Unmarshal(result, &res); err != nil || res.SessionID == "" {
		return nil, apperr.New(apperr.PeerError, "agent did not return a shell session id")
	}

	sess := &Session{
		SessionID: uuid.New().String(), ConnID: ca.ConnectionID, AgentShellID: res.SessionID,
		Viewer: conn, UserID: tok.UserID, CreatedAt: time.Now(), lastActivity: time.Now(),
		stopPolling: make(chan struct{}),
	}
	b.mu.Lock()
	b.sessions[sess.SessionID] = sess
	b.byConn[ca.ConnectionID] = append(b.byConn[ca.ConnectionID], sess.SessionID)
	b.mu.Unlock()

	out, _ := json.Marshal(viewerproto.TerminalStartedResponse{Type: viewerproto.TypeTerminalStarted, SessionID: sess.SessionID})
	conn.SendJSON(out)

	go b.pollOutput(sess)
	return sess, nil
}

type outputResult struct {
	Data string `json:"data"`
}

// pollOutput pulls agent shell output at a fixed 100ms cadence (the
// agent's output API is pull-based, not push) and forwards any non-empty
// payload to the viewer. Stops immediately when the session is evicted.
func (b *Broker) pollOutput(sess *Session) {
	ticker := time.NewTicker(b.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sess.stopPolling:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), b.cmdTimeout)
			result, err := b.reg.SendCommand(ctx, sess.ConnID, agentproto.MethodTerminalOutput,
				map[string]string{"sessionId": sess.AgentShellID}, b.cmdTimeout)
			cancel()
			if err != nil {
				continue // tolerant of transient poll errors; stop is driven by stopPolling
			}
			var out outputResult
			if json.Unmarshal(result, &out) == nil && out.Data != "" {
				msg, _ := json.Marshal(viewerproto.TerminalOutputMessage{
					Type: viewerproto.TypeTerminalOutput, SessionID: sess.SessionID, Data: out.Data,
				})
				sess.Viewer.SendJSON(msg)
			}
		}
	}
}

func (b *Broker) handleViewerFrame(ctx context.Context, sess *Session, data []byte) {
	typ, err := viewerproto.PeekType(data)
	if err != nil {
		return
	}
	sess.mu.Lock()
	sess.lastActivity = time.Now()
	sess.mu.Unlock()

	switch typ {
	case viewerproto.TypeTerminalInput:
		var in viewerproto.TerminalInputRequest
		if json.Unmarshal(data, &in) != nil {
			return
		}
		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), b.cmdTimeout)
			defer cancel()
			_, _ = b.reg.SendCommand(cctx, sess.ConnID, agentproto.MethodTerminalInput,
				map[string]string{"sessionId": sess.AgentShellID, "data": in.Data}, b.cmdTimeout)
		}()
	case viewerproto.TypeTerminalResize:
		var rz viewerproto.TerminalResizeRequest
		if json.Unmarshal(data, &rz) != nil {
			return
		}
		go func() {
			cctx, cancel := context.WithTimeout(context.Background(), b.cmdTimeout)
			defer cancel()
			_, _ = b.reg.SendCommand(cctx, sess.ConnID, agentproto.MethodTerminalResize,
				map[string]interface{}{"sessionId": sess.AgentShellID, "cols": rz.Cols, "rows": rz.Rows}, b.cmdTimeout)
		}()
	case viewerproto.TypeTerminalStop:
		b.endSession(sess.SessionID, true)
	}
}

func (b *Broker) sendError(conn *transport.Conn, msg string) {
	out, _ := json.Marshal(viewerproto.ErrorResponse{Type: viewerproto.TypeError, Code: string(apperr.AuthFailed), Error: msg})
	conn.SendJSON(out)
}

// endSession stops the output pump and, best-effort, tells the agent to
// stop the shell session; tolerant of a missing/errored stop.
func (b *Broker) endSession(sessionID string, notifyAgent bool) {
	b.mu.Lock()
	sess, ok := b.sessions[sessionID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.sessions, sessionID)
	conns := b.byConn[sess.ConnID]
	for i, id := range conns {
		if id == sessionID {
			b.byConn[sess.ConnID] = append(conns[:i], conns[i+1:]...)
			break
		}
	}
	b.mu.Unlock()

	close(sess.stopPolling)
	if notifyAgent {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), b.cmdTimeout)
			defer cancel()
			_, _ = b.reg.SendCommand(ctx, sess.ConnID, agentproto.MethodTerminalStop,
				map[string]string{"sessionId": sess.AgentShellID}, b.cmdTimeout)
		}()
	}
	sess.Viewer.CloseWithCode(transport.CloseNormal, "terminal session ended")
}

func (b *Broker) onAgentDisconnect(agentID, connID string) {
	b.mu.Lock()
	sessionIDs := append([]string(nil), b.byConn[connID]...)
	b.mu.Unlock()
	for _, sid := range sessionIDs {
		b.endSession(sid, false)
	}
}
