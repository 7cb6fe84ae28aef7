package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStoreCreateAndGetAgent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	agent := &Agent{
		AgentID:   "agent-1",
		OwnerID:   "owner-1",
		Hostname:  "host-a",
		MachineID: "machine-a",
	}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	got, err := s.GetAgentByID(ctx, "agent-1")
	if err != nil {
		t.Fatalf("GetAgentByID failed: %v", err)
	}
	if got == nil {
		t.Fatal("expected agent, got nil")
	}
	if got.CreatedAt.IsZero() || got.LastSeenAt.IsZero() {
		t.Error("expected CreatedAt/LastSeenAt to be stamped on create")
	}

	byFP, err := s.GetAgentByFingerprint(ctx, "owner-1", "host-a", "machine-a")
	if err != nil {
		t.Fatalf("GetAgentByFingerprint failed: %v", err)
	}
	if byFP == nil || byFP.AgentID != "agent-1" {
		t.Error("expected fingerprint lookup to find the agent")
	}
}

func TestMemoryStoreGetAgentByLicenseUUID(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	license := "lic-123"
	agent := &Agent{AgentID: "agent-1", OwnerID: "owner-1", LicenseUUID: &license}
	if err := s.CreateAgent(ctx, agent); err != nil {
		t.Fatalf("CreateAgent failed: %v", err)
	}

	got, err := s.GetAgentByLicenseUUID(ctx, license)
	if err != nil {
		t.Fatalf("GetAgentByLicenseUUID failed: %v", err)
	}
	if got == nil || got.AgentID != "agent-1" {
		t.Fatal("expected to find agent by license uuid")
	}

	miss, err := s.GetAgentByLicenseUUID(ctx, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if miss != nil {
		t.Error("expected nil for empty license uuid")
	}
}

func TestMemoryStoreUpdateAgentUnknown(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	err := s.UpdateAgent(ctx, &Agent{AgentID: "does-not-exist"})
	if err == nil {
		t.Fatal("expected an error updating an unknown agent")
	}
}

func TestMemoryStoreListAgentsByOwner(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	_ = s.CreateAgent(ctx, &Agent{AgentID: "a1", OwnerID: "owner-1", MachineID: "m1"})
	_ = s.CreateAgent(ctx, &Agent{AgentID: "a2", OwnerID: "owner-1", MachineID: "m2"})
	_ = s.CreateAgent(ctx, &Agent{AgentID: "a3", OwnerID: "owner-2", MachineID: "m3"})

	agents, err := s.ListAgentsByOwner(ctx, "owner-1")
	if err != nil {
		t.Fatalf("ListAgentsByOwner failed: %v", err)
	}
	if len(agents) != 2 {
		t.Errorf("expected 2 agents for owner-1, got %d", len(agents))
	}
}

func TestMemoryStoreFileTransferLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	ft := &FileTransfer{TransferID: "t1", SourceAgentID: "a1", DestAgentID: "a2", Status: TransferPending}
	if err := s.CreateFileTransfer(ctx, ft); err != nil {
		t.Fatalf("CreateFileTransfer failed: %v", err)
	}

	ft.Status = TransferCompleted
	if err := s.UpdateFileTransfer(ctx, ft); err != nil {
		t.Fatalf("UpdateFileTransfer failed: %v", err)
	}

	got, err := s.GetFileTransfer(ctx, "t1")
	if err != nil {
		t.Fatalf("GetFileTransfer failed: %v", err)
	}
	if got == nil || got.Status != TransferCompleted {
		t.Fatalf("expected transfer status COMPLETED, got %+v", got)
	}

	if err := s.UpdateFileTransfer(ctx, &FileTransfer{TransferID: "missing"}); err == nil {
		t.Error("expected error updating a nonexistent transfer")
	}
}

func TestMemoryStoreToolCapabilities(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()

	if err := s.SetAgentToolCapabilities(ctx, "a1", []string{"shell_exec", "fs_read"}); err != nil {
		t.Fatalf("SetAgentToolCapabilities failed: %v", err)
	}
	caps, err := s.GetAgentToolCapabilities(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgentToolCapabilities failed: %v", err)
	}
	if len(caps) != 2 {
		t.Errorf("expected 2 capabilities, got %d", len(caps))
	}
}

func TestMemoryStoreAgentBuild(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	s.SeedBuild(&AgentBuild{OSType: "linux", Arch: "amd64", Version: "1.2.3"})

	build, err := s.GetAgentBuild(ctx, "linux", "amd64")
	if err != nil {
		t.Fatalf("GetAgentBuild failed: %v", err)
	}
	if build == nil || build.Version != "1.2.3" {
		t.Fatalf("expected seeded build, got %+v", build)
	}

	miss, err := s.GetAgentBuild(ctx, "windows", "arm64")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if miss != nil {
		t.Error("expected nil for unknown platform")
	}
}

func TestMemoryTokenStoreRedeemIsOneShot(t *testing.T) {
	ctx := context.Background()
	ts := NewMemoryTokenStore()

	tok := &StreamSessionToken{Token: "tok-1", AgentID: "a1", ExpiresAt: time.Now().Add(time.Minute)}
	if err := ts.MintStream(ctx, tok); err != nil {
		t.Fatalf("MintStream failed: %v", err)
	}

	got, ok, err := ts.RedeemStream(ctx, "tok-1")
	if err != nil {
		t.Fatalf("RedeemStream failed: %v", err)
	}
	if !ok || got.AgentID != "a1" {
		t.Fatal("expected first redeem to succeed")
	}

	_, ok, err = ts.RedeemStream(ctx, "tok-1")
	if err != nil {
		t.Fatalf("RedeemStream (second) failed: %v", err)
	}
	if ok {
		t.Error("expected second redeem of the same token to fail")
	}
}

func TestMemoryTokenStoreRedeemExpired(t *testing.T) {
	ctx := context.Background()
	ts := NewMemoryTokenStore()

	tok := &TerminalSessionToken{Token: "tok-expired", AgentID: "a1", ExpiresAt: time.Now().Add(-time.Minute)}
	if err := ts.MintTerminal(ctx, tok); err != nil {
		t.Fatalf("MintTerminal failed: %v", err)
	}

	_, ok, err := ts.RedeemTerminal(ctx, "tok-expired")
	if err != nil {
		t.Fatalf("RedeemTerminal failed: %v", err)
	}
	if ok {
		t.Error("expected redeem of an expired token to report not-found")
	}
}

func TestMemoryTokenStoreRedeemUnknownIndistinguishableFromExpired(t *testing.T) {
	ctx := context.Background()
	ts := NewMemoryTokenStore()

	_, ok, err := ts.RedeemStream(ctx, "never-existed")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected redeem of an unknown token to report not-found, same as expired")
	}
}

func TestMemoryTokenStoreSweep(t *testing.T) {
	ctx := context.Background()
	ts := NewMemoryTokenStore()

	_ = ts.MintStream(ctx, &StreamSessionToken{Token: "live", ExpiresAt: time.Now().Add(time.Hour)})
	_ = ts.MintStream(ctx, &StreamSessionToken{Token: "dead", ExpiresAt: time.Now().Add(-time.Hour)})

	if err := ts.Sweep(ctx); err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}

	ts.mu.Lock()
	_, liveOK := ts.streams["live"]
	_, deadOK := ts.streams["dead"]
	ts.mu.Unlock()

	if !liveOK {
		t.Error("expected live token to survive sweep")
	}
	if deadOK {
		t.Error("expected expired token to be removed by sweep")
	}
}
