package security

import (
	"fmt"
	"os"
	"runtime"
)

// ProcessSecurityState captures the security state of the current process.
type ProcessSecurityState struct {
	// Process identity
	PID         int    `json:"pid"`
	UID         int    `json:"uid"`
	EUID        int    `json:"euid"`
	GID         int    `json:"gid"`
	EGID        int    `json:"egid"`
	IsRoot      bool   `json:"is_root"`
	Username    string `json:"username,omitempty"`

	// Environment
	Platform    string `json:"platform"`
	Arch        string `json:"arch"`
	Hostname    string `json:"hostname,omitempty"`

	// Security state
	Debugger    bool   `json:"debugger_attached"`
	Sandboxed   bool   `json:"sandboxed"`
	Capabilities []string `json:"capabilities,omitempty"`

	// Warnings
	Warnings    []string `json:"warnings,omitempty"`
}

// CaptureProcessSecurityState captures the current process security state.
func CaptureProcessSecurityState() *ProcessSecurityState {
	state := &ProcessSecurityState{
		PID:      os.Getpid(),
		UID:      os.Getuid(),
		EUID:     os.Geteuid(),
		GID:      os.Getgid(),
		EGID:     os.Getegid(),
		IsRoot:   os.Geteuid() == 0,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
	}

	// Get hostname (non-critical)
	if hostname, err := os.Hostname(); err == nil {
		state.Hostname = hostname
	}

	// Platform-specific checks
	checkDebugger(state)
	checkSandbox(state)

	// Add warnings
	if state.IsRoot {
		state.Warnings = append(state.Warnings, "Running as root - consider dropping privileges")
	}

	if state.Debugger {
		state.Warnings = append(state.Warnings, "Debugger attached - secrets may be exposed")
	}

	return state
}

// DropPrivileges drops the coordinator's own root privileges to the given
// unprivileged uid/gid once it has finished whatever privileged setup it
// needed root for (starting the supervised enclave binary). It is a no-op
// if the process is not running as root.
func DropPrivileges(uid, gid int) error {
	if runtime.GOOS == "windows" {
		return fmt.Errorf("privilege dropping not supported on Windows")
	}

	if os.Geteuid() != 0 {
		return nil // Already non-root
	}

	return dropPrivilegesUnix(uid, gid)
}

// ResourceLimits defines process resource limits.
type ResourceLimits struct {
	MaxFileSize    uint64 // Maximum file size (bytes)
	MaxMemory      uint64 // Maximum memory usage (bytes)
	MaxCPUTime     uint64 // Maximum CPU time (seconds)
	MaxOpenFiles   uint64 // Maximum number of open files
	MaxProcesses   uint64 // Maximum number of processes
	CoreDumpSize   uint64 // Core dump size (0 = disabled)
}

// DefaultResourceLimits returns conservative resource limits.
func DefaultResourceLimits() *ResourceLimits {
	return &ResourceLimits{
		MaxFileSize:  1 << 30,        // 1GB
		MaxMemory:    2 << 30,        // 2GB
		MaxCPUTime:   3600,           // 1 hour
		MaxOpenFiles: 1024,
		MaxProcesses: 128,
		CoreDumpSize: 0, // Disable core dumps (may contain secrets)
	}
}

// ApplyResourceLimits applies the resource limits to the current process.
func ApplyResourceLimits(limits *ResourceLimits) error {
	return applyResourceLimits(limits)
}

// PreflightChecklist is the result of RunPreflightChecklist: the hardening
// checks an enclave or coordinator process runs against itself before
// joining a track, so a misconfigured host is caught as a warning in the
// log rather than as a silent attack-surface increase.
type PreflightChecklist struct {
	Items []PreflightCheck
}

// PreflightCheck is a single preflight hardening check.
type PreflightCheck struct {
	Name        string
	Description string
	Passed      bool
	Warning     string
}

// RunPreflightChecklist runs the enclave/coordinator startup hardening
// checks. component names the process this checklist is running in
// ("enclaved" or "coordinatord") for the check descriptions.
func RunPreflightChecklist(component string) *PreflightChecklist {
	checklist := &PreflightChecklist{}

	checklist.Items = append(checklist.Items, PreflightCheck{
		Name:        "non_root",
		Description: fmt.Sprintf("%s is not running as root", component),
		Passed:      os.Geteuid() != 0,
		Warning:     fmt.Sprintf("%s is running as root, increasing attack surface on the track secret", component),
	})

	state := CaptureProcessSecurityState()
	checklist.Items = append(checklist.Items, PreflightCheck{
		Name:        "no_debugger",
		Description: fmt.Sprintf("no debugger is attached to %s", component),
		Passed:      !state.Debugger,
		Warning:     fmt.Sprintf("debugger attached to %s, the track secret may be exposed", component),
	})

	currentUmask := getCurrentUmask()
	checklist.Items = append(checklist.Items, PreflightCheck{
		Name:        "secure_umask",
		Description: fmt.Sprintf("%s's umask is restrictive (077 or stricter)", component),
		Passed:      currentUmask&0077 == 0077,
		Warning:     fmt.Sprintf("%s's umask %04o allows group/other access to crash dumps and logs", component, currentUmask),
	})

	coreEnabled := areCoreEnabled()
	checklist.Items = append(checklist.Items, PreflightCheck{
		Name:        "core_disabled",
		Description: fmt.Sprintf("core dumps are disabled for %s", component),
		Passed:      !coreEnabled,
		Warning:     fmt.Sprintf("core dumps are enabled for %s, which could write the track secret to disk on crash", component),
	})

	return checklist
}

// AllPassed returns true if every preflight check passed.
func (c *PreflightChecklist) AllPassed() bool {
	for _, item := range c.Items {
		if !item.Passed {
			return false
		}
	}
	return true
}

// Warnings returns the warning messages from every failed check.
func (c *PreflightChecklist) Warnings() []string {
	var warnings []string
	for _, item := range c.Items {
		if !item.Passed && item.Warning != "" {
			warnings = append(warnings, item.Warning)
		}
	}
	return warnings
}
