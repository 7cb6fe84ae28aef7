// Package httpapi exposes the control plane's external HTTP interface:
// viewer session token minting, file transfer management, the master
// relay's HTTP alternative, and the agent build/version feed.
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/controlplane/internal/apperr"
	"github.com/kandev/controlplane/internal/common/logger"
	"github.com/kandev/controlplane/internal/dispatcher"
	"github.com/kandev/controlplane/internal/filetransfer"
	"github.com/kandev/controlplane/internal/masterrelay"
	"github.com/kandev/controlplane/internal/registry"
	"github.com/kandev/controlplane/internal/store"
	"github.com/kandev/controlplane/internal/streambroker"
	"github.com/kandev/controlplane/internal/terminalbroker"
	"go.uber.org/zap"
)

// Handlers wires the HTTP mint/admin endpoints to their owning
// components. Identity (user_id, owner scope) is out of this spec's
// scope per its non-goals around auth/SSO; callers are expected to sit
// behind a gateway that authenticates the request and forwards these as
// headers.
type Handlers struct {
	reg        *registry.Registry
	st         store.Store
	streams    *streambroker.Broker
	terms      *terminalbroker.Broker
	files      *filetransfer.Manager
	relay      *masterrelay.Relay
	dispatcher *dispatcher.Dispatcher
	log        *logger.Logger
}

// New constructs the HTTP API handlers.
func New(reg *registry.Registry, st store.Store, streams *streambroker.Broker, terms *terminalbroker.Broker,
	files *filetransfer.Manager, relay *masterrelay.Relay, disp *dispatcher.Dispatcher, log *logger.Logger) *Handlers {
	return &Handlers{
		reg: reg, st: st, streams: streams, terms: terms, files: files, relay: relay, dispatcher: disp,
		log: log.WithFields(zap.String("component", "httpapi")),
	}
}

// RegisterRoutes mounts every HTTP route and the two viewer WS upgrade
// routes onto the given gin engine/group.
func (h *Handlers) RegisterRoutes(r gin.IRoutes) {
	r.GET("/healthz", h.healthz)
	r.POST("/api/stream/connect", h.streamConnect)
	r.POST("/api/terminal/connect", h.terminalConnect)
	r.POST("/api/files/transfers", h.startTransfer)
	r.GET("/api/files/transfers/:id", h.getTransfer)
	r.DELETE("/api/files/transfers/:id", h.cancelTransfer)
	r.POST("/api/agents/:id/relay", h.relayHTTP)
	r.POST("/api/agents/:id/command", h.runCommand)
	r.GET("/api/agents/:id/accessible", h.accessibleAgents)
	r.GET("/api/updates/versions", h.updateVersions)
	r.GET("/ws/stream", h.streams.HandleViewerWS)
	r.GET("/ws/terminal", h.terms.HandleViewerWS)
}

func userID(c *gin.Context) string {
	if u := c.GetHeader("X-User-Id"); u != "" {
		return u
	}
	return "anonymous"
}

func writeErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch apperr.KindOf(err) {
	case apperr.AuthFailed:
		status = http.StatusUnauthorized
	case apperr.NotAuthorized, apperr.PolicyDenied:
		status = http.StatusForbidden
	case apperr.NotConnected:
		status = http.StatusNotFound
	case apperr.LimitExceeded:
		status = http.StatusTooManyRequests
	case apperr.Timeout:
		status = http.StatusGatewayTimeout
	}
	c.JSON(status, gin.H{"error": err.Error(), "kind": string(apperr.KindOf(err))})
}

func (h *Handlers) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handlers) streamConnect(c *gin.Context) {
	var req streambroker.MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	token, expiresAt, err := h.streams.Mint(c.Request.Context(), userID(c), req)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expiresAt})
}

func (h *Handlers) terminalConnect(c *gin.Context) {
	var req terminalbroker.MintRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	token, expiresAt, err := h.terms.Mint(c.Request.Context(), userID(c), req)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"token": token, "expiresAt": expiresAt})
}

func (h *Handlers) startTransfer(c *gin.Context) {
	var req filetransfer.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.InitiatorUserID == "" {
		req.InitiatorUserID = userID(c)
	}
	ft, err := h.files.Start(c.Request.Context(), req)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusAccepted, ft)
}

func (h *Handlers) getTransfer(c *gin.Context) {
	ft, err := h.files.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	if ft == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "transfer not found"})
		return
	}
	c.JSON(http.StatusOK, ft)
}

func (h *Handlers) cancelTransfer(c *gin.Context) {
	if err := h.files.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type relayHTTPRequest struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

func (h *Handlers) relayHTTP(c *gin.Context) {
	masterAgentID := c.Query("masterAgentId")
	var req relayHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	targetConn, ok := h.reg.PreferredConnection(c.Param("id"))
	if !ok {
		writeErr(c, apperr.New(apperr.NotConnected, "target agent is not connected"))
		return
	}
	peers, err := h.relay.GetAccessibleAgents(c.Request.Context(), masterAgentID)
	if err != nil {
		writeErr(c, err)
		return
	}
	allowed := false
	for _, p := range peers {
		if p.AgentID == c.Param("id") {
			allowed = true
			break
		}
	}
	if !allowed {
		writeErr(c, apperr.New(apperr.NotAuthorized, "target agent is outside the master's owner scope"))
		return
	}
	result, err := h.reg.SendCommand(c.Request.Context(), targetConn.ConnectionID, req.Method, req.Params, 0)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

// runCommand is the Command Dispatcher's HTTP entry point: it accepts the
// MCP envelope ("tools/list", "tools/call") along with any other
// categorized method and routes it through the dispatcher's
// servable/privileged/agent-only table rather than calling
// Registry.SendCommand directly.
func (h *Handlers) runCommand(c *gin.Context) {
	var req relayHTTPRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	agentID := c.Param("id")
	conn, ok := h.reg.PreferredConnection(agentID)
	if !ok {
		writeErr(c, apperr.New(apperr.NotConnected, "agent is not connected"))
		return
	}
	result, err := h.dispatcher.Dispatch(c.Request.Context(), conn.ConnectionID, agentID, req.Method, req.Params)
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": result})
}

func (h *Handlers) accessibleAgents(c *gin.Context) {
	peers, err := h.relay.GetAccessibleAgents(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": peers})
}

func (h *Handlers) updateVersions(c *gin.Context) {
	osType := c.Query("os")
	arch := c.Query("arch")
	build, err := h.st.GetAgentBuild(c.Request.Context(), osType, arch)
	if err != nil {
		writeErr(c, err)
		return
	}
	if build == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no build known for this platform"})
		return
	}
	c.JSON(http.StatusOK, build)
}
