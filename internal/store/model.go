// Package store defines the control plane's persistent data model and the
// Store interface every component depends on, plus a Postgres-backed and
// an in-memory implementation.
package store

import "time"

// Agent is the durable record of a machine that has ever registered, one
// row per physical/virtual machine regardless of how many times it
// reconnects.
type Agent struct {
	AgentID             string
	OwnerID             string
	LicenseUUID         *string
	LicenseState        string // pending, active, expired, blocked
	OSType              string
	Arch                string
	AgentVersion        string
	Hostname            string
	DisplayName         string
	HasDisplay          bool
	MasterModeEnabled   bool
	FileTransferEnabled bool
	LocalSettingsLocked bool
	DefaultBrowser      string
	MachineID           string
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastSeenAt          time.Time
}

// StreamSessionToken is a one-shot, short-lived credential minted by the
// HTTP connect endpoint and redeemed exactly once by a viewer socket.
type StreamSessionToken struct {
	Token        string
	AgentID      string
	UserID       string
	DisplayID    int
	Quality      int
	MaxFPS       int
	RemoteAddr   string
	ExpiresAt    time.Time
}

// TerminalSessionToken is the terminal broker's equivalent of
// StreamSessionToken.
type TerminalSessionToken struct {
	Token      string
	AgentID    string
	UserID     string
	RemoteAddr string
	ExpiresAt  time.Time
}

// TransferStatus is FileTransfer.Status's domain.
type TransferStatus string

const (
	TransferPending      TransferStatus = "PENDING"
	TransferTransferring TransferStatus = "TRANSFERRING"
	TransferCompleted    TransferStatus = "COMPLETED"
	TransferFailed       TransferStatus = "FAILED"
	TransferCancelled    TransferStatus = "CANCELLED"
)

// FileTransfer is the durable record of one agent-to-agent file copy.
type FileTransfer struct {
	TransferID      string
	SourceAgentID   string
	DestAgentID     string
	InitiatorUserID string
	SourcePath      string
	DestPath        string
	FileName        string
	FileSize        int64
	BytesTransferred int64
	Status          TransferStatus
	ErrorMessage    string
	CreatedAt       time.Time
	CompletedAt     *time.Time
}

// ToolPlatformVariant is one OS-specific rendition of a tool definition.
type ToolPlatformVariant struct {
	OSType          string
	Description     string
	InputSchema     []byte // raw JSON schema, passed through verbatim
	IsAvailable     bool
	RequiresDisplay bool
}

// ToolDefinition is a server-known tool, with one variant per supported
// platform.
type ToolDefinition struct {
	Name     string
	Category string
	Variants map[string]ToolPlatformVariant // keyed by OSType
	Enabled  bool
}

// AgentToolCapability records that an agent reported supporting a named
// tool, either at registration or via a tools_changed notification.
type AgentToolCapability struct {
	AgentID  string
	ToolName string
}

// AgentBuild is one published build of the agent binary for a given
// (os, arch) pair.
type AgentBuild struct {
	OSType  string
	Arch    string
	Version string
	Forced  bool // rolling upgrade-floor: updateFlag=2 when a connected agent is older
}
