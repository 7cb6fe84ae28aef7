package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kandev/controlplane/internal/common/database"
)

// PostgresStore is the production Store, backed by the shared pgxpool
// wrapper in internal/common/database.
type PostgresStore struct {
	db *database.DB
}

// NewPostgresStore wraps an already-connected DB.
func NewPostgresStore(db *database.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(&a.AgentID, &a.OwnerID, &a.LicenseUUID, &a.LicenseState, &a.OSType, &a.Arch,
		&a.AgentVersion, &a.Hostname, &a.DisplayName, &a.HasDisplay, &a.MasterModeEnabled,
		&a.FileTransferEnabled, &a.LocalSettingsLocked, &a.DefaultBrowser, &a.MachineID,
		&a.CreatedAt, &a.UpdatedAt, &a.LastSeenAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

const agentColumns = `agent_id, owner_id, license_uuid, license_state, os_type, arch,
	agent_version, hostname, display_name, has_display, master_mode_enabled,
	file_transfer_enabled, local_settings_locked, default_browser, machine_id,
	created_at, updated_at, last_seen_at`

func (p *PostgresStore) GetAgentByID(ctx context.Context, agentID string) (*Agent, error) {
	row := p.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = $1`, agentID)
	return scanAgent(row)
}

func (p *PostgresStore) GetAgentByLicenseUUID(ctx context.Context, licenseUUID string) (*Agent, error) {
	if licenseUUID == "" {
		return nil, nil
	}
	row := p.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE license_uuid = $1`, licenseUUID)
	return scanAgent(row)
}

func (p *PostgresStore) GetAgentByFingerprint(ctx context.Context, ownerID, hostname, machineID string) (*Agent, error) {
	row := p.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents
		WHERE owner_id = $1 AND hostname = $2 AND machine_id = $3`, ownerID, hostname, machineID)
	return scanAgent(row)
}

func (p *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	now := time.Now()
	agent.CreatedAt, agent.UpdatedAt, agent.LastSeenAt = now, now, now
	_, err := p.db.Exec(ctx, `INSERT INTO agents (`+agentColumns+`) VALUES
		($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		agent.AgentID, agent.OwnerID, agent.LicenseUUID, agent.LicenseState, agent.OSType, agent.Arch,
		agent.AgentVersion, agent.Hostname, agent.DisplayName, agent.HasDisplay, agent.MasterModeEnabled,
		agent.FileTransferEnabled, agent.LocalSettingsLocked, agent.DefaultBrowser, agent.MachineID,
		agent.CreatedAt, agent.UpdatedAt, agent.LastSeenAt)
	return err
}

func (p *PostgresStore) UpdateAgent(ctx context.Context, agent *Agent) error {
	agent.UpdatedAt = time.Now()
	_, err := p.db.Exec(ctx, `UPDATE agents SET
		license_uuid=$2, license_state=$3, os_type=$4, arch=$5, agent_version=$6, hostname=$7,
		display_name=$8, has_display=$9, master_mode_enabled=$10, file_transfer_enabled=$11,
		local_settings_locked=$12, default_browser=$13, updated_at=$14
		WHERE agent_id=$1`,
		agent.AgentID, agent.LicenseUUID, agent.LicenseState, agent.OSType, agent.Arch,
		agent.AgentVersion, agent.Hostname, agent.DisplayName, agent.HasDisplay, agent.MasterModeEnabled,
		agent.FileTransferEnabled, agent.LocalSettingsLocked, agent.DefaultBrowser, agent.UpdatedAt)
	return err
}

func (p *PostgresStore) TouchLastSeen(ctx context.Context, agentID string) error {
	_, err := p.db.Exec(ctx, `UPDATE agents SET last_seen_at = $2 WHERE agent_id = $1`, agentID, time.Now())
	return err
}

func (p *PostgresStore) ListAgentsByOwner(ctx context.Context, ownerID string) ([]*Agent, error) {
	rows, err := p.db.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE owner_id = $1`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *PostgresStore) CreateFileTransfer(ctx context.Context, ft *FileTransfer) error {
	ft.CreatedAt = time.Now()
	_, err := p.db.Exec(ctx, `INSERT INTO file_transfers
		(transfer_id, source_agent_id, dest_agent_id, initiator_user_id, source_path, dest_path,
		 file_name, file_size, bytes_transferred, status, error_message, created_at, completed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		ft.TransferID, ft.SourceAgentID, ft.DestAgentID, ft.InitiatorUserID, ft.SourcePath, ft.DestPath,
		ft.FileName, ft.FileSize, ft.BytesTransferred, ft.Status, ft.ErrorMessage, ft.CreatedAt, ft.CompletedAt)
	return err
}

func (p *PostgresStore) UpdateFileTransfer(ctx context.Context, ft *FileTransfer) error {
	_, err := p.db.Exec(ctx, `UPDATE file_transfers SET
		bytes_transferred=$2, status=$3, error_message=$4, completed_at=$5
		WHERE transfer_id=$1`,
		ft.TransferID, ft.BytesTransferred, ft.Status, ft.ErrorMessage, ft.CompletedAt)
	return err
}

func (p *PostgresStore) GetFileTransfer(ctx context.Context, transferID string) (*FileTransfer, error) {
	row := p.db.QueryRow(ctx, `SELECT transfer_id, source_agent_id, dest_agent_id, initiator_user_id,
		source_path, dest_path, file_name, file_size, bytes_transferred, status, error_message,
		created_at, completed_at FROM file_transfers WHERE transfer_id = $1`, transferID)
	var ft FileTransfer
	err := row.Scan(&ft.TransferID, &ft.SourceAgentID, &ft.DestAgentID, &ft.InitiatorUserID,
		&ft.SourcePath, &ft.DestPath, &ft.FileName, &ft.FileSize, &ft.BytesTransferred, &ft.Status,
		&ft.ErrorMessage, &ft.CreatedAt, &ft.CompletedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &ft, nil
}

func (p *PostgresStore) ListToolDefinitions(ctx context.Context) ([]*ToolDefinition, error) {
	rows, err := p.db.Query(ctx, `SELECT name, category, enabled FROM tool_definitions WHERE enabled = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	defs := make(map[string]*ToolDefinition)
	var names []string
	for rows.Next() {
		var name, category string
		var enabled bool
		if err := rows.Scan(&name, &category, &enabled); err != nil {
			return nil, err
		}
		defs[name] = &ToolDefinition{Name: name, Category: category, Enabled: enabled, Variants: make(map[string]ToolPlatformVariant)}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	variantRows, err := p.db.Query(ctx, `SELECT tool_name, os_type, description, input_schema,
		is_available, requires_display FROM tool_platform_variants WHERE tool_name = ANY($1)`, names)
	if err != nil {
		return nil, err
	}
	defer variantRows.Close()
	for variantRows.Next() {
		var toolName, osType, description string
		var schema []byte
		var isAvailable, requiresDisplay bool
		if err := variantRows.Scan(&toolName, &osType, &description, &schema, &isAvailable, &requiresDisplay); err != nil {
			return nil, err
		}
		if def, ok := defs[toolName]; ok {
			def.Variants[osType] = ToolPlatformVariant{
				OSType: osType, Description: description, InputSchema: schema,
				IsAvailable: isAvailable, RequiresDisplay: requiresDisplay,
			}
		}
	}

	out := make([]*ToolDefinition, 0, len(defs))
	for _, name := range names {
		out = append(out, defs[name])
	}
	return out, variantRows.Err()
}

func (p *PostgresStore) GetAgentToolCapabilities(ctx context.Context, agentID string) ([]string, error) {
	rows, err := p.db.Query(ctx, `SELECT tool_name FROM agent_tool_capabilities WHERE agent_id = $1`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (p *PostgresStore) SetAgentToolCapabilities(ctx context.Context, agentID string, toolNames []string) error {
	return p.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM agent_tool_capabilities WHERE agent_id = $1`, agentID); err != nil {
			return err
		}
		for _, name := range toolNames {
			// Unknown tool names are logged by the caller, not rejected here;
			// this table has no foreign key to tool_definitions by design.
			if _, err := tx.Exec(ctx, `INSERT INTO agent_tool_capabilities (agent_id, tool_name) VALUES ($1,$2)`,
				agentID, name); err != nil {
				return err
			}
		}
		return nil
	})
}

func (p *PostgresStore) GetAgentBuild(ctx context.Context, osType, arch string) (*AgentBuild, error) {
	row := p.db.QueryRow(ctx, `SELECT os_type, arch, version, forced FROM agent_builds
		WHERE os_type = $1 AND arch = $2 ORDER BY version DESC LIMIT 1`, osType, arch)
	var b AgentBuild
	err := row.Scan(&b.OSType, &b.Arch, &b.Version, &b.Forced)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}
