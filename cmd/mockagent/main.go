// Command mockagent is a reference implementation of the agent side of
// the control plane's WebSocket protocol. It registers, heartbeats, and
// serves terminal_start/terminal_input/terminal_output/terminal_stop
// against a real PTY-backed shell, so the Terminal Broker and Session
// Transport can be exercised end-to-end without a production agent
// binary. It is not part of the control plane's deployable surface.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/kandev/controlplane/pkg/agentproto"
)

func main() {
	addr := flag.String("addr", "localhost:8080", "control plane host:port")
	machineID := flag.String("machine-id", "", "stable machine identifier (defaults to a random UUID)")
	agentName := flag.String("name", "mockagent", "display name to register with")
	customerID := flag.String("customer-id", "dev", "owning customer/owner id")
	masterMode := flag.Bool("master", false, "advertise no extra capabilities beyond a plain agent")
	flag.Parse()

	if *machineID == "" {
		*machineID = uuid.New().String()
	}

	u := url.URL{Scheme: "ws", Host: *addr, Path: "/ws/agent"}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		log.Fatalf("dial %s: %v", u.String(), err)
	}
	defer conn.Close()

	a := &agent{
		conn:       conn,
		machineID:  *machineID,
		name:       *agentName,
		customerID: *customerID,
		shells:     make(map[string]*shellSession),
	}
	_ = masterMode // reserved: no distinct mockagent capability set for master mode today

	if err := a.register(); err != nil {
		log.Fatalf("register: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sig
		cancel()
		conn.Close()
	}()

	go a.heartbeatLoop(ctx)
	a.readLoop()
}

type shellSession struct {
	pty      *os.File
	stopOnce sync.Once
}

type agent struct {
	conn       *websocket.Conn
	machineID  string
	name       string
	customerID string
	agentID    string

	writeMu sync.Mutex

	shellsMu sync.Mutex
	shells   map[string]*shellSession
}

func (a *agent) send(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return a.conn.WriteMessage(websocket.TextMessage, data)
}

func (a *agent) register() error {
	msg := agentproto.RegisterMessage{
		Type:         agentproto.TypeRegister,
		MachineID:    a.machineID,
		MachineName:  a.name,
		OSType:       runtime.GOOS,
		Arch:         runtime.GOARCH,
		AgentVersion: "mockagent-dev",
		Fingerprint: agentproto.Fingerprint{
			Hostname: a.name,
		},
		CustomerID:   a.customerID,
		AgentName:    a.name,
		Capabilities: []string{"shell_exec", "terminal_start"},
		HasDisplay:   false,
	}
	if err := a.send(msg); err != nil {
		return err
	}

	_, data, err := a.conn.ReadMessage()
	if err != nil {
		return err
	}
	t, err := agentproto.PeekType(data)
	if err != nil {
		return err
	}
	if t == agentproto.TypeError {
		var e agentproto.RegistrationErrorMessage
		_ = json.Unmarshal(data, &e)
		return fmt.Errorf("registration rejected: %s", e.Error)
	}
	var reg agentproto.RegisteredMessage
	if err := json.Unmarshal(data, &reg); err != nil {
		return err
	}
	a.agentID = reg.AgentID
	log.Printf("registered as agent_id=%s license=%s", reg.AgentID, reg.LicenseStatus)
	return nil
}

func (a *agent) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			active := "ACTIVE"
			locked := false
			display := false
			_ = a.send(agentproto.HeartbeatMessage{
				Type:           agentproto.TypeHeartbeat,
				Timestamp:      time.Now().Unix(),
				PowerState:     &active,
				IsScreenLocked: &locked,
				HasDisplay:     &display,
			})
		}
	}
}

func (a *agent) readLoop() {
	for {
		msgType, data, err := a.conn.ReadMessage()
		if err != nil {
			log.Printf("connection closed: %v", err)
			a.stopAllShells()
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		t, err := agentproto.PeekType(data)
		if err != nil {
			continue
		}
		switch t {
		case agentproto.TypeHeartbeatAck, agentproto.TypeRegistered:
			// nothing to do
		case agentproto.TypePing:
			_ = a.send(agentproto.PingMessage{Type: agentproto.TypePong})
		case agentproto.TypeConfig:
			// server-pushed config patch, nothing to act on in this reference agent
		case agentproto.TypeRequest:
			var req agentproto.RequestMessage
			if json.Unmarshal(data, &req) == nil {
				go a.handleRequest(req)
			}
		default:
			log.Printf("unhandled frame type %q", t)
		}
	}
}

func (a *agent) reply(id string, result interface{}) {
	raw, _ := json.Marshal(result)
	_ = a.send(agentproto.ResponseMessage{Type: agentproto.TypeResponse, ID: id, Result: raw})
}

func (a *agent) replyErr(id, msg string) {
	_ = a.send(agentproto.ErrorMessage{Type: agentproto.TypeError, ID: id, Error: msg})
}

func (a *agent) handleRequest(req agentproto.RequestMessage) {
	switch req.Method {
	case agentproto.MethodTerminalStart:
		a.handleTerminalStart(req)
	case agentproto.MethodTerminalInput:
		a.handleTerminalInput(req)
	case agentproto.MethodTerminalResize:
		a.handleTerminalResize(req)
	case agentproto.MethodTerminalStop:
		a.handleTerminalStop(req)
	case agentproto.MethodTerminalOutput:
		a.handleTerminalOutput(req)
	case agentproto.MethodSystemInfo:
		a.reply(req.ID, map[string]string{"os": runtime.GOOS, "arch": runtime.GOARCH})
	default:
		a.replyErr(req.ID, "method not implemented by mockagent: "+req.Method)
	}
}

func detectShell() (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd.exe", nil
	}
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell, []string{"-l"}
	}
	return "/bin/sh", nil
}

func (a *agent) handleTerminalStart(req agentproto.RequestMessage) {
	shell, args := detectShell()
	cmd := exec.Command(shell, args...)
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	f, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: 80, Rows: 24})
	if err != nil {
		a.replyErr(req.ID, "failed to start pty: "+err.Error())
		return
	}

	shellID := uuid.New().String()
	a.shellsMu.Lock()
	a.shells[shellID] = &shellSession{pty: f}
	a.shellsMu.Unlock()

	a.reply(req.ID, map[string]string{"sessionId": shellID})
}

func (a *agent) handleTerminalInput(req agentproto.RequestMessage) {
	var in struct {
		SessionID string `json:"sessionId"`
		Data      string `json:"data"`
	}
	if json.Unmarshal(req.Params, &in) != nil {
		a.replyErr(req.ID, "malformed terminal_input params")
		return
	}
	a.shellsMu.Lock()
	sess, ok := a.shells[in.SessionID]
	a.shellsMu.Unlock()
	if !ok {
		a.replyErr(req.ID, "unknown terminal session")
		return
	}
	decoded, err := base64.StdEncoding.DecodeString(in.Data)
	if err != nil {
		a.replyErr(req.ID, "malformed base64 input")
		return
	}
	if _, err := sess.pty.Write(decoded); err != nil {
		a.replyErr(req.ID, "write to pty failed: "+err.Error())
		return
	}
	a.reply(req.ID, map[string]bool{"ok": true})
}

func (a *agent) handleTerminalResize(req agentproto.RequestMessage) {
	var in struct {
		SessionID string `json:"sessionId"`
		Cols      int    `json:"cols"`
		Rows      int    `json:"rows"`
	}
	if json.Unmarshal(req.Params, &in) != nil {
		a.replyErr(req.ID, "malformed terminal_resize params")
		return
	}
	a.shellsMu.Lock()
	sess, ok := a.shells[in.SessionID]
	a.shellsMu.Unlock()
	if !ok {
		a.replyErr(req.ID, "unknown terminal session")
		return
	}
	if err := pty.Setsize(sess.pty, &pty.Winsize{Cols: uint16(in.Cols), Rows: uint16(in.Rows)}); err != nil {
		a.replyErr(req.ID, "resize failed: "+err.Error())
		return
	}
	a.reply(req.ID, map[string]bool{"ok": true})
}

func (a *agent) handleTerminalStop(req agentproto.RequestMessage) {
	var in struct {
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(req.Params, &in) != nil {
		a.replyErr(req.ID, "malformed terminal_stop params")
		return
	}
	a.shellsMu.Lock()
	sess, ok := a.shells[in.SessionID]
	delete(a.shells, in.SessionID)
	a.shellsMu.Unlock()
	if ok {
		sess.stopOnce.Do(func() { _ = sess.pty.Close() })
	}
	a.reply(req.ID, map[string]bool{"ok": true})
}

// handleTerminalOutput answers the Terminal Broker's output poll: a
// best-effort, non-blocking read of whatever the PTY has buffered since
// the last poll. A real agent would keep a ring buffer fed by a
// background reader goroutine (see detectShell's production counterpart
// under internal/agentctl/server/shell); this reference agent reads
// directly off the PTY with a short deadline instead, which is
// sufficient for exercising the protocol end-to-end.
func (a *agent) handleTerminalOutput(req agentproto.RequestMessage) {
	var in struct {
		SessionID string `json:"sessionId"`
	}
	if json.Unmarshal(req.Params, &in) != nil {
		a.replyErr(req.ID, "malformed terminal_output params")
		return
	}
	a.shellsMu.Lock()
	sess, ok := a.shells[in.SessionID]
	a.shellsMu.Unlock()
	if !ok {
		a.replyErr(req.ID, "unknown terminal session")
		return
	}

	buf := make([]byte, 4096)
	_ = sess.pty.SetReadDeadline(time.Now().Add(50 * time.Millisecond))
	n, err := sess.pty.Read(buf)
	if err != nil && err != io.EOF && n == 0 {
		a.reply(req.ID, map[string]string{"data": ""})
		return
	}
	a.reply(req.ID, map[string]string{"data": base64.StdEncoding.EncodeToString(buf[:n])})
}

func (a *agent) stopAllShells() {
	a.shellsMu.Lock()
	defer a.shellsMu.Unlock()
	for id, sess := range a.shells {
		sess.stopOnce.Do(func() { _ = sess.pty.Close() })
		delete(a.shells, id)
	}
}
