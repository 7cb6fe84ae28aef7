package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/kandev/controlplane/internal/policy"
	"github.com/kandev/controlplane/internal/registry"
	"github.com/kandev/controlplane/internal/store"
	"github.com/kandev/controlplane/internal/toolcapability"
	"github.com/kandev/controlplane/pkg/agentproto"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandler(t *testing.T) (*Handler, *store.MemoryStore) {
	st := store.NewMemoryStore()
	log := newTestLogger(t)
	reg := registry.New(st, log, 16, time.Second)
	pol := policy.New(st)
	tools := toolcapability.New(st)
	return New(reg, st, pol, tools, log), st
}

func newAgentServer(t *testing.T, h *Handler) *httptest.Server {
	t.Helper()
	r := gin.New()
	r.GET("/ws/agent", h.HandleAgentWS)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, client interface {
	SetReadDeadline(time.Time) error
	ReadMessage() (int, []byte, error)
}, out interface{}) {
	t.Helper()
	_ = client.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := client.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage failed: %v", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("failed to decode %T: %v", out, err)
	}
}

// TestRegisterReportsHeartbeatIntervalInMilliseconds guards invariant 10's
// literal field contract: the registered reply's heartbeatInterval is
// milliseconds (spec.md §8 Scenario 3's worked example is 5000, not 5),
// matching the registry's ACTIVE pacing rule.
func TestRegisterReportsHeartbeatIntervalInMilliseconds(t *testing.T) {
	h, _ := newTestHandler(t)
	srv := newAgentServer(t, h)
	client := dialTestWS(t, srv)

	reg, _ := json.Marshal(agentproto.RegisterMessage{
		Type:        agentproto.TypeRegister,
		MachineID:   "machine-1",
		Fingerprint: agentproto.Fingerprint{Hostname: "machine-1"},
		OSType:      "linux",
		Arch:        "amd64",
	})
	if err := client.WriteMessage(websocket.TextMessage, reg); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	var resp agentproto.RegisteredMessage
	readJSON(t, client, &resp)
	if resp.Type != agentproto.TypeRegistered {
		t.Fatalf("expected a registered reply, got %+v", resp)
	}
	if resp.Config.HeartbeatInterval != int(registry.HeartbeatInterval(registry.PowerActive).Milliseconds()) {
		t.Errorf("expected heartbeatInterval %d ms for a newly-registered ACTIVE agent, got %d",
			registry.HeartbeatInterval(registry.PowerActive).Milliseconds(), resp.Config.HeartbeatInterval)
	}
}

// TestHeartbeatCadenceChangesWithPowerState exercises invariant 10 in
// full: a heartbeat that both transitions power state and observes a
// license change must report the new state's pacing in milliseconds, not
// the pacing of the state the agent was in when it last registered.
func TestHeartbeatCadenceChangesWithPowerState(t *testing.T) {
	h, st := newTestHandler(t)
	srv := newAgentServer(t, h)
	client := dialTestWS(t, srv)

	regMsg, _ := json.Marshal(agentproto.RegisterMessage{
		Type:        agentproto.TypeRegister,
		MachineID:   "machine-1",
		Fingerprint: agentproto.Fingerprint{Hostname: "machine-1"},
		OSType:      "linux",
		Arch:        "amd64",
	})
	if err := client.WriteMessage(websocket.TextMessage, regMsg); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	var registered agentproto.RegisteredMessage
	readJSON(t, client, &registered)

	// Warm up the policy evaluator's license-status memo with a first,
	// no-op heartbeat so the next one can detect a change.
	hb, _ := json.Marshal(agentproto.HeartbeatMessage{Type: agentproto.TypeHeartbeat})
	if err := client.WriteMessage(websocket.TextMessage, hb); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}
	var firstAck agentproto.HeartbeatAckMessage
	readJSON(t, client, &firstAck)
	if firstAck.LicenseChanged {
		t.Fatal("did not expect a license change on the warm-up heartbeat")
	}

	agent, err := st.GetAgentByID(context.Background(), registered.AgentID)
	if err != nil || agent == nil {
		t.Fatalf("expected to find the registered agent in the store: %v", err)
	}
	licenseUUID := "11111111-1111-1111-1111-111111111111"
	agent.LicenseUUID = &licenseUUID
	agent.LicenseState = "active"
	if err := st.UpdateAgent(context.Background(), agent); err != nil {
		t.Fatalf("UpdateAgent failed: %v", err)
	}

	sleep := string(registry.PowerSleep)
	hb2, _ := json.Marshal(agentproto.HeartbeatMessage{Type: agentproto.TypeHeartbeat, PowerState: &sleep})
	if err := client.WriteMessage(websocket.TextMessage, hb2); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	var ack agentproto.HeartbeatAckMessage
	readJSON(t, client, &ack)
	if !ack.LicenseChanged {
		t.Fatal("expected the license status flip to be observed")
	}
	if ack.Config == nil {
		t.Fatal("expected a config patch accompanying the license change")
	}
	wantMS := int(registry.HeartbeatInterval(registry.PowerSleep).Milliseconds())
	if ack.Config.HeartbeatInterval != wantMS {
		t.Errorf("expected the SLEEP cadence (%d ms) after the power-state transition, got %d",
			wantMS, ack.Config.HeartbeatInterval)
	}
}
