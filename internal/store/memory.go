package store

import (
	"context"
	"sync"
	"time"

	"github.com/kandev/controlplane/internal/apperr"
)

// MemoryStore is an in-process Store used by tests; it is not used in
// production, where PostgresStore backs the control plane.
type MemoryStore struct {
	mu              sync.RWMutex
	agentsByID      map[string]*Agent
	agentsByLicense map[string]string // licenseUUID -> agentID
	agentsByFP      map[string]string // ownerID|hostname|machineID -> agentID

	transfers map[string]*FileTransfer

	toolDefs map[string]*ToolDefinition
	agentCaps map[string][]string

	builds map[string]*AgentBuild // osType|arch -> build
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agentsByID:      make(map[string]*Agent),
		agentsByLicense: make(map[string]string),
		agentsByFP:      make(map[string]string),
		transfers:       make(map[string]*FileTransfer),
		toolDefs:        make(map[string]*ToolDefinition),
		agentCaps:       make(map[string][]string),
		builds:          make(map[string]*AgentBuild),
	}
}

func fpKey(ownerID, hostname, machineID string) string {
	return ownerID + "|" + hostname + "|" + machineID
}

func (m *MemoryStore) GetAgentByID(_ context.Context, agentID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agentsByID[agentID]
	if !ok {
		return nil, nil
	}
	cp := *a
	return &cp, nil
}

func (m *MemoryStore) GetAgentByLicenseUUID(_ context.Context, licenseUUID string) (*Agent, error) {
	if licenseUUID == "" {
		return nil, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.agentsByLicense[licenseUUID]
	if !ok {
		return nil, nil
	}
	cp := *m.agentsByID[id]
	return &cp, nil
}

func (m *MemoryStore) GetAgentByFingerprint(_ context.Context, ownerID, hostname, machineID string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.agentsByFP[fpKey(ownerID, hostname, machineID)]
	if !ok {
		return nil, nil
	}
	cp := *m.agentsByID[id]
	return &cp, nil
}

func (m *MemoryStore) CreateAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	agent.CreatedAt, agent.UpdatedAt, agent.LastSeenAt = now, now, now
	cp := *agent
	m.agentsByID[agent.AgentID] = &cp
	if agent.LicenseUUID != nil && *agent.LicenseUUID != "" {
		m.agentsByLicense[*agent.LicenseUUID] = agent.AgentID
	}
	m.agentsByFP[fpKey(agent.OwnerID, agent.Hostname, agent.MachineID)] = agent.AgentID
	return nil
}

func (m *MemoryStore) UpdateAgent(_ context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.agentsByID[agent.AgentID]
	if !ok {
		return apperr.New(apperr.Internal, "agent not found: "+agent.AgentID)
	}
	agent.CreatedAt = existing.CreatedAt
	agent.UpdatedAt = time.Now()
	cp := *agent
	m.agentsByID[agent.AgentID] = &cp
	return nil
}

func (m *MemoryStore) TouchLastSeen(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agentsByID[agentID]
	if !ok {
		return nil
	}
	a.LastSeenAt = time.Now()
	return nil
}

func (m *MemoryStore) ListAgentsByOwner(_ context.Context, ownerID string) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Agent
	for _, a := range m.agentsByID {
		if a.OwnerID == ownerID {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *MemoryStore) CreateFileTransfer(_ context.Context, ft *FileTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ft.CreatedAt = time.Now()
	cp := *ft
	m.transfers[ft.TransferID] = &cp
	return nil
}

func (m *MemoryStore) UpdateFileTransfer(_ context.Context, ft *FileTransfer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transfers[ft.TransferID]; !ok {
		return apperr.New(apperr.Internal, "transfer not found: "+ft.TransferID)
	}
	cp := *ft
	m.transfers[ft.TransferID] = &cp
	return nil
}

func (m *MemoryStore) GetFileTransfer(_ context.Context, transferID string) (*FileTransfer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ft, ok := m.transfers[transferID]
	if !ok {
		return nil, nil
	}
	cp := *ft
	return &cp, nil
}

func (m *MemoryStore) ListToolDefinitions(_ context.Context) ([]*ToolDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ToolDefinition, 0, len(m.toolDefs))
	for _, t := range m.toolDefs {
		out = append(out, t)
	}
	return out, nil
}

// SeedToolDefinition is a test/bootstrap helper, not part of the Store
// interface.
func (m *MemoryStore) SeedToolDefinition(t *ToolDefinition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolDefs[t.Name] = t
}

func (m *MemoryStore) GetAgentToolCapabilities(_ context.Context, agentID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.agentCaps[agentID]...), nil
}

func (m *MemoryStore) SetAgentToolCapabilities(_ context.Context, agentID string, toolNames []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agentCaps[agentID] = append([]string(nil), toolNames...)
	return nil
}

func (m *MemoryStore) GetAgentBuild(_ context.Context, osType, arch string) (*AgentBuild, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.builds[osType+"|"+arch]
	if !ok {
		return nil, nil
	}
	cp := *b
	return &cp, nil
}

// SeedBuild is a test/bootstrap helper, not part of the Store interface.
func (m *MemoryStore) SeedBuild(b *AgentBuild) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.builds[b.OSType+"|"+b.Arch] = b
}

// MemoryTokenStore is an in-process TokenStore, used by tests and by the
// control plane when no Redis token store is configured.
type MemoryTokenStore struct {
	mu        sync.Mutex
	streams   map[string]*StreamSessionToken
	terminals map[string]*TerminalSessionToken
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{
		streams:   make(map[string]*StreamSessionToken),
		terminals: make(map[string]*TerminalSessionToken),
	}
}

func (m *MemoryTokenStore) MintStream(_ context.Context, tok *StreamSessionToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.streams[tok.Token] = &cp
	return nil
}

func (m *MemoryTokenStore) RedeemStream(_ context.Context, token string) (*StreamSessionToken, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.streams[token]
	if !ok {
		return nil, false, nil
	}
	delete(m.streams, token)
	if time.Now().After(tok.ExpiresAt) {
		return nil, false, nil
	}
	return tok, true, nil
}

func (m *MemoryTokenStore) MintTerminal(_ context.Context, tok *TerminalSessionToken) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *tok
	m.terminals[tok.Token] = &cp
	return nil
}

func (m *MemoryTokenStore) RedeemTerminal(_ context.Context, token string) (*TerminalSessionToken, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.terminals[token]
	if !ok {
		return nil, false, nil
	}
	delete(m.terminals, token)
	if time.Now().After(tok.ExpiresAt) {
		return nil, false, nil
	}
	return tok, true, nil
}

func (m *MemoryTokenStore) Sweep(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for k, v := range m.streams {
		if now.After(v.ExpiresAt) {
			delete(m.streams, k)
		}
	}
	for k, v := range m.terminals {
		if now.After(v.ExpiresAt) {
			delete(m.terminals, k)
		}
	}
	return nil
}
