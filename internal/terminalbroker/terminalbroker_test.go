package terminalbroker

import (
	"context"
	"testing"
	"time"

	"github.com/kandev/controlplane/internal/apperr"
	"github.com/kandev/controlplane/internal/common/logger"
	"github.com/kandev/controlplane/internal/registry"
	"github.com/kandev/controlplane/internal/store"
	"github.com/kandev/controlplane/pkg/agentproto"
)

func newTestLogger(t *testing.T) *logger.Logger {
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "debug", Format: "console", OutputPath: "stdout"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

// fakeSocket implements registry.Socket but never actually resolves pending
// requests, since Mint never sends a command to the agent.
type fakeSocket struct{}

func (f *fakeSocket) SendJSON(data []byte) bool             { return true }
func (f *fakeSocket) SendPair(header, binary []byte) bool   { return true }
func (f *fakeSocket) Close()                                {}
func (f *fakeSocket) CloseWithCode(code int, reason string) {}
func (f *fakeSocket) RemoteAddr() string                    { return "test-addr" }

func registerAgent(t *testing.T, reg *registry.Registry) string {
	ca := reg.Accept(&fakeSocket{})
	agent, err := reg.Register(context.Background(), ca, &agentproto.RegisterMessage{
		MachineID:   "machine-1",
		Fingerprint: agentproto.Fingerprint{Hostname: "host-1"},
		OSType:      "linux",
		Arch:        "amd64",
	}, "owner-1")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	return agent.AgentID
}

func TestMintRejectsDisconnectedAgent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := registry.New(st, newTestLogger(t), 16, time.Second)
	tokens := store.NewMemoryTokenStore()
	b := New(reg, tokens, newTestLogger(t), 100*time.Millisecond, time.Second)

	_, _, err := b.Mint(ctx, "user-1", MintRequest{AgentID: "ghost"})
	if err == nil {
		t.Fatal("expected an error minting a token for a disconnected agent")
	}
	if apperr.KindOf(err) != apperr.NotConnected {
		t.Errorf("expected NotConnected, got %v", err)
	}
}

func TestMintIssuesRedeemableToken(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := registry.New(st, newTestLogger(t), 16, time.Second)
	tokens := store.NewMemoryTokenStore()
	b := New(reg, tokens, newTestLogger(t), 100*time.Millisecond, time.Second)

	agentID := registerAgent(t, reg)

	tok, exp, err := b.Mint(ctx, "user-1", MintRequest{AgentID: agentID})
	if err != nil {
		t.Fatalf("Mint failed: %v", err)
	}
	if tok == "" {
		t.Fatal("expected a non-empty token")
	}
	if !exp.After(time.Now()) {
		t.Error("expected expiry to be in the future")
	}

	redeemed, ok, err := tokens.RedeemTerminal(ctx, tok)
	if err != nil {
		t.Fatalf("RedeemTerminal failed: %v", err)
	}
	if !ok || redeemed.AgentID != agentID || redeemed.UserID != "user-1" {
		t.Fatalf("expected the minted token to redeem to the minting agent/user, got %+v", redeemed)
	}

	_, ok, err = tokens.RedeemTerminal(ctx, tok)
	if err != nil {
		t.Fatalf("RedeemTerminal (second) failed: %v", err)
	}
	if ok {
		t.Error("expected a terminal token to be redeemable only once")
	}
}

func TestMintDoesNotCapConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	reg := registry.New(st, newTestLogger(t), 16, time.Second)
	tokens := store.NewMemoryTokenStore()
	b := New(reg, tokens, newTestLogger(t), 100*time.Millisecond, time.Second)

	agentID := registerAgent(t, reg)

	// Minting never checks an existing-session cap (unlike the stream
	// broker); two tokens for the same connected agent should both succeed.
	tok1, _, err := b.Mint(ctx, "user-1", MintRequest{AgentID: agentID})
	if err != nil {
		t.Fatalf("first Mint failed: %v", err)
	}
	tok2, _, err := b.Mint(ctx, "user-2", MintRequest{AgentID: agentID})
	if err != nil {
		t.Fatalf("second Mint failed: %v", err)
	}
	if tok1 == tok2 {
		t.Error("expected distinct tokens across mints")
	}
}
