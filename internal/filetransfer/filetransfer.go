// Package filetransfer implements the File Transfer Manager: chunked
// agent-to-agent file copy over the existing command-correlation
// channel, with checksum verification and a whole-transfer timeout.
package filetransfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kandev/controlplane/internal/apperr"
	"github.com/kandev/controlplane/internal/common/logger"
	"github.com/kandev/controlplane/internal/registry"
	"github.com/kandev/controlplane/internal/store"
	"github.com/kandev/controlplane/pkg/agentproto"
	"go.uber.org/zap"
)

// inflight tracks the mutable progress of one active transfer; its
// presence in Manager.active is itself the cancellation signal the
// copy loop checks between chunks.
type inflight struct {
	transferID  string
	totalChunks int
	checksum    string
	cancelled   bool
	mu          sync.Mutex
}

// Manager is the File Transfer Manager component.
type Manager struct {
	reg   *registry.Registry
	st    store.Store
	log   *logger.Logger

	chunkSize      int
	maxFileSize    int64
	transferTimeout time.Duration
	cmdTimeout     time.Duration

	mu     sync.Mutex
	active map[string]*inflight
}

// New constructs a Manager.
func New(reg *registry.Registry, st store.Store, log *logger.Logger, chunkSize int, maxFileSize int64, transferTimeout, cmdTimeout time.Duration) *Manager {
	return &Manager{
		reg: reg, st: st, log: log.WithFields(zap.String("component", "filetransfer")),
		chunkSize: chunkSize, maxFileSize: maxFileSize,
		transferTimeout: transferTimeout, cmdTimeout: cmdTimeout,
		active: make(map[string]*inflight),
	}
}

// StartRequest is the HTTP /api/files/transfers request body.
type StartRequest struct {
	SourceAgentID   string `json:"sourceAgentId"`
	DestAgentID     string `json:"destAgentId"`
	InitiatorUserID string `json:"initiatorUserId"`
	SourcePath      string `json:"sourcePath"`
	DestPath        string `json:"destPath"`
	FileName        string `json:"fileName"`
}

type filesInfoResult struct {
	Size     int64  `json:"size"`
	Checksum string `json:"checksum"`
}

// Start validates preconditions, creates the durable FileTransfer record,
// and launches the copy loop in the background. It returns as soon as the
// record exists; callers poll GetFileTransfer for progress.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*store.FileTransfer, error) {
	srcAgent, err := m.st.GetAgentByID(ctx, req.SourceAgentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	dstAgent, err := m.st.GetAgentByID(ctx, req.DestAgentID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	if srcAgent == nil || dstAgent == nil {
		return nil, apperr.New(apperr.NotConnected, "unknown agent")
	}
	if !srcAgent.FileTransferEnabled || !dstAgent.FileTransferEnabled {
		return nil, apperr.New(apperr.PolicyDenied, "file transfer is not enabled for one of the agents")
	}
	srcConn, ok := m.reg.PreferredConnection(req.SourceAgentID)
	if !ok {
		return nil, apperr.New(apperr.NotConnected, "source agent is not connected")
	}
	dstConn, ok := m.reg.PreferredConnection(req.DestAgentID)
	if !ok {
		return nil, apperr.New(apperr.NotConnected, "destination agent is not connected")
	}

	ft := &store.FileTransfer{
		TransferID: uuid.New().String(), SourceAgentID: req.SourceAgentID, DestAgentID: req.DestAgentID,
		InitiatorUserID: req.InitiatorUserID, SourcePath: req.SourcePath, DestPath: req.DestPath,
		FileName: req.FileName, Status: store.TransferPending,
	}
	if err := m.st.CreateFileTransfer(ctx, ft); err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}

	inf := &inflight{transferID: ft.TransferID}
	m.mu.Lock()
	m.active[ft.TransferID] = inf
	m.mu.Unlock()

	go m.run(ft, srcConn.ConnectionID, dstConn.ConnectionID, inf)

	return ft, nil
}

func (m *Manager) run(ft *store.FileTransfer, srcConn, dstConn string, inf *inflight) {
	ctx, cancel := context.WithTimeout(context.Background(), m.transferTimeout)
	defer cancel()
	defer func() {
		m.mu.Lock()
		delete(m.active, ft.TransferID)
		m.mu.Unlock()
	}()

	// Best-effort destination directory creation; failure is ignored per
	// the spec's preconditions — the subsequent write_chunk call is the
	// authoritative failure point if the directory truly doesn't exist.
	_, _ = m.reg.SendCommand(ctx, dstConn, agentproto.MethodFsMkdir,
		map[string]string{"path": ft.DestPath}, m.cmdTimeout)

	infoResult, err := m.reg.SendCommand(ctx, srcConn, agentproto.MethodFilesInfo,
		map[string]string{"path": ft.SourcePath}, m.cmdTimeout)
	if err != nil {
		m.fail(ctx, ft, peerErrorMessage(err))
		return
	}
	var info filesInfoResult
	if json.Unmarshal(infoResult, &info) != nil {
		m.fail(ctx, ft, "malformed files_info response from source agent")
		return
	}
	if info.Size > m.maxFileSize {
		m.fail(ctx, ft, "file exceeds the maximum transfer size")
		return
	}

	ft.FileSize = info.Size
	ft.Status = store.TransferTransferring
	_ = m.st.UpdateFileTransfer(ctx, ft)

	totalChunks := int((info.Size + int64(m.chunkSize) - 1) / int64(m.chunkSize))
	inf.mu.Lock()
	inf.totalChunks = totalChunks
	inf.checksum = info.Checksum
	inf.mu.Unlock()

	for i := 0; i < totalChunks; i++ {
		if m.isCancelled(ft.TransferID) {
			ft.Status = store.TransferCancelled
			_ = m.st.UpdateFileTransfer(ctx, ft)
			return
		}

		readResult, err := m.reg.SendCommand(ctx, srcConn, agentproto.MethodFilesReadChunk,
			map[string]interface{}{"path": ft.SourcePath, "chunkIndex": i, "chunkSize": m.chunkSize}, m.cmdTimeout)
		if err != nil {
			m.fail(ctx, ft, peerErrorMessage(err))
			return
		}
		var chunk struct {
			Data string `json:"data"`
		}
		if json.Unmarshal(readResult, &chunk) != nil {
			m.fail(ctx, ft, "malformed files_read_chunk response from source agent")
			return
		}

		_, err = m.reg.SendCommand(ctx, dstConn, agentproto.MethodFilesWriteChunk, map[string]interface{}{
			"path": ft.DestPath, "chunkIndex": i, "data": chunk.Data, "isFinal": i == totalChunks-1,
		}, m.cmdTimeout)
		if err != nil {
			m.fail(ctx, ft, peerErrorMessage(err))
			return
		}

		decoded, _ := base64.StdEncoding.DecodeString(chunk.Data)
		ft.BytesTransferred += int64(len(decoded))
		_ = m.st.UpdateFileTransfer(ctx, ft)
	}

	if info.Checksum != "" {
		destInfoResult, err := m.reg.SendCommand(ctx, dstConn, agentproto.MethodFilesInfo,
			map[string]string{"path": ft.DestPath}, m.cmdTimeout)
		if err != nil {
			m.fail(ctx, ft, peerErrorMessage(err))
			return
		}
		var destInfo filesInfoResult
		if json.Unmarshal(destInfoResult, &destInfo) != nil || destInfo.Checksum != info.Checksum {
			ft.Status = store.TransferFailed
			ft.ErrorMessage = string(apperr.ChecksumMismatch)
			_ = m.st.UpdateFileTransfer(ctx, ft)
			return
		}
	}

	now := time.Now()
	ft.Status = store.TransferCompleted
	ft.CompletedAt = &now
	_ = m.st.UpdateFileTransfer(ctx, ft)
}

func peerErrorMessage(err error) string {
	if apperr.KindOf(err) == apperr.Timeout {
		return "chunk request timed out"
	}
	return err.Error()
}

func (m *Manager) fail(ctx context.Context, ft *store.FileTransfer, reason string) {
	ft.Status = store.TransferFailed
	ft.ErrorMessage = reason
	// Partial destination files are intentionally left in place for
	// forensics; only the durable record is updated.
	if err := m.st.UpdateFileTransfer(ctx, ft); err != nil {
		m.log.Error("failed to persist transfer failure", zap.Error(err))
	}
}

func (m *Manager) isCancelled(transferID string) bool {
	m.mu.Lock()
	inf, ok := m.active[transferID]
	m.mu.Unlock()
	if !ok {
		return true
	}
	inf.mu.Lock()
	defer inf.mu.Unlock()
	return inf.cancelled
}

// Cancel flips a transfer to CANCELLED; the in-flight loop observes it on
// its next chunk boundary and stops.
func (m *Manager) Cancel(ctx context.Context, transferID string) error {
	m.mu.Lock()
	inf, ok := m.active[transferID]
	m.mu.Unlock()
	if !ok {
		return apperr.New(apperr.NotConnected, "transfer is not active")
	}
	inf.mu.Lock()
	inf.cancelled = true
	inf.mu.Unlock()
	return nil
}

// Get returns the durable transfer record.
func (m *Manager) Get(ctx context.Context, transferID string) (*store.FileTransfer, error) {
	ft, err := m.st.GetFileTransfer(ctx, transferID)
	if err != nil {
		return nil, apperr.Wrap(apperr.Internal, err)
	}
	return ft, nil
}
