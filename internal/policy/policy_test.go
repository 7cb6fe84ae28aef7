package policy

import (
	"context"
	"testing"

	"github.com/kandev/controlplane/internal/store"
)

func TestEvaluatePendingLicenseWithoutUUID(t *testing.T) {
	ctx := context.Background()
	e := New(store.NewMemoryStore())

	agent := &store.Agent{AgentID: "a1", OSType: "linux", Arch: "amd64"}
	result, err := e.Evaluate(ctx, agent)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.LicenseStatus != "pending" {
		t.Errorf("expected pending license status, got %q", result.LicenseStatus)
	}
	if result.LicenseChanged {
		t.Error("first evaluation should never report a change")
	}
}

func TestEvaluateLicenseChangeDetection(t *testing.T) {
	ctx := context.Background()
	e := New(store.NewMemoryStore())
	license := "lic-1"
	agent := &store.Agent{AgentID: "a1", LicenseUUID: &license, LicenseState: "active"}

	first, err := e.Evaluate(ctx, agent)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if first.LicenseChanged {
		t.Error("first evaluation should not report a change")
	}

	agent.LicenseState = "blocked"
	second, err := e.Evaluate(ctx, agent)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !second.LicenseChanged {
		t.Error("expected license status change to be detected")
	}
	if second.LicenseStatus != "blocked" {
		t.Errorf("expected blocked status, got %q", second.LicenseStatus)
	}

	third, err := e.Evaluate(ctx, agent)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if third.LicenseChanged {
		t.Error("repeating the same status should not report a change")
	}
}

func TestEvaluatePermissionsMirrorAgentFlags(t *testing.T) {
	ctx := context.Background()
	e := New(store.NewMemoryStore())
	agent := &store.Agent{
		AgentID:             "a1",
		MasterModeEnabled:   true,
		FileTransferEnabled: true,
		LocalSettingsLocked: true,
	}
	result, err := e.Evaluate(ctx, agent)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if !result.Permissions.MasterMode || !result.Permissions.FileTransfer || !result.Permissions.LocalSettingsLocked {
		t.Errorf("expected permissions to mirror agent flags, got %+v", result.Permissions)
	}
}

func TestEvaluateDefaultBrowserOnlyReportedOnChange(t *testing.T) {
	ctx := context.Background()
	e := New(store.NewMemoryStore())
	agent := &store.Agent{AgentID: "a1", DefaultBrowser: "chrome"}

	first, err := e.Evaluate(ctx, agent)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if first.DefaultBrowser != "chrome" {
		t.Errorf("expected first-seen browser to be reported, got %q", first.DefaultBrowser)
	}

	second, err := e.Evaluate(ctx, agent)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if second.DefaultBrowser != "" {
		t.Errorf("expected unchanged browser to be omitted, got %q", second.DefaultBrowser)
	}

	agent.DefaultBrowser = "firefox"
	third, err := e.Evaluate(ctx, agent)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if third.DefaultBrowser != "firefox" {
		t.Errorf("expected changed browser to be reported, got %q", third.DefaultBrowser)
	}
}

func TestEvaluateUpdateFlag(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.SeedBuild(&store.AgentBuild{OSType: "linux", Arch: "amd64", Version: "2.0.0", Forced: false})
	e := New(st)

	agent := &store.Agent{AgentID: "a1", OSType: "linux", Arch: "amd64", AgentVersion: "1.0.0"}
	result, err := e.Evaluate(ctx, agent)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.UpdateFlag != UpdateOptional {
		t.Errorf("expected UpdateOptional, got %d", result.UpdateFlag)
	}

	agent.AgentVersion = "2.0.0"
	result, err = e.Evaluate(ctx, agent)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.UpdateFlag != UpdateNone {
		t.Errorf("expected UpdateNone when version matches the latest build, got %d", result.UpdateFlag)
	}
}

func TestEvaluateForcedUpdateFlag(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	st.SeedBuild(&store.AgentBuild{OSType: "linux", Arch: "amd64", Version: "3.0.0", Forced: true})
	e := New(st)

	agent := &store.Agent{AgentID: "a1", OSType: "linux", Arch: "amd64", AgentVersion: "1.0.0"}
	result, err := e.Evaluate(ctx, agent)
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if result.UpdateFlag != UpdateForced {
		t.Errorf("expected UpdateForced, got %d", result.UpdateFlag)
	}
}
