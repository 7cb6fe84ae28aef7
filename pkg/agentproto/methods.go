package agentproto

// Method names carried in RequestMessage.Method / RelayRequestMessage.Method.
// These are the vocabulary the Command Dispatcher classifies and routes.
const (
	MethodNoop = "noop"

	// GUI/agent-only: always forwarded to the agent, never served locally.
	MethodScreenshot  = "screenshot"
	MethodMouseClick  = "mouse_click"
	MethodMouseMove   = "mouse_move"
	MethodKeyPress    = "key_press"
	MethodBrowserOpen = "browser_open"
	MethodBrowserNav  = "browser_navigate"

	// Filesystem/shell/system-info: server-servable when the server is
	// co-located with the agent host, forwarded otherwise.
	MethodShellExec    = "shell_exec"
	MethodFsRead       = "fs_read"
	MethodFsWrite      = "fs_write"
	MethodFsMkdir      = "fs_mkdir"
	MethodSystemInfo   = "system_info"
	MethodMachineLock  = "machine_lock"
	MethodMachineUnlock = "machine_unlock"
	MethodMachineInfo  = "machine_info"

	// File transfer chunk protocol (assumed agent-side support per §9(b)).
	MethodFilesInfo       = "files_info"
	MethodFilesReadChunk  = "files_read_chunk"
	MethodFilesWriteChunk = "files_write_chunk"

	// Terminal broker aliases, mapped from terminal_* viewer messages.
	MethodTerminalStart  = "terminal_start"
	MethodTerminalInput  = "terminal_input"
	MethodTerminalOutput = "terminal_output"
	MethodTerminalStop   = "terminal_stop"
	MethodTerminalResize = "terminal_resize"
)

// MethodCategory classifies a forwarded/served method for the Command
// Dispatcher.
type MethodCategory int

const (
	// CategoryAgentOnly methods are always forwarded to the agent peer.
	CategoryAgentOnly MethodCategory = iota
	// CategoryServable methods may be served locally when the server runs
	// co-located with the agent host, and are forwarded otherwise.
	CategoryServable
	// CategoryPrivileged methods (machine lock/unlock/info) are handled
	// in-place only in a privileged co-located context.
	CategoryPrivileged
)

// guiOnlyMethods are always forwarded; extend only by adding to this list.
var guiOnlyMethods = map[string]bool{
	MethodScreenshot:  true,
	MethodMouseClick:  true,
	MethodMouseMove:   true,
	MethodKeyPress:    true,
	MethodBrowserOpen: true,
	MethodBrowserNav:  true,
}

// servableMethods may be served locally by a co-located server instance.
var servableMethods = map[string]bool{
	MethodShellExec:  true,
	MethodFsRead:     true,
	MethodFsWrite:    true,
	MethodFsMkdir:    true,
	MethodSystemInfo: true,
}

// privilegedMethods are handled in-place only when co-located and
// privileged; forwarded otherwise.
var privilegedMethods = map[string]bool{
	MethodMachineLock:   true,
	MethodMachineUnlock: true,
	MethodMachineInfo:   true,
}

// Categorize classifies method per the Command Dispatcher's fixed table.
func Categorize(method string) MethodCategory {
	if privilegedMethods[method] {
		return CategoryPrivileged
	}
	if servableMethods[method] {
		return CategoryServable
	}
	_ = guiOnlyMethods // always forwarded: CategoryAgentOnly is the default
	return CategoryAgentOnly
}
