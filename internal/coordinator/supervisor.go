package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"time"

	"github.com/privmsg/enclave-notify/internal/security"
)

// Supervisor starts, waits on, and stops the enclave this coordinator is
// responsible for. In production this models the Nitro CLI's enclave
// lifecycle (`nitro-cli run-enclave` / `terminate-enclave`), not a child
// process in the ordinary os/exec sense; it is an interface so tests can
// substitute an in-process fake enclave.Service instead of real Nitro
// hardware.
type Supervisor interface {
	// Start launches the enclave and returns once it is running.
	Start(ctx context.Context) error
	// Wait blocks until the enclave exits and returns its exit error, if
	// any. Start must be called before Wait.
	Wait() error
	// Stop terminates the enclave if still running.
	Stop(ctx context.Context) error
}

// ProcessSupervisor runs the enclave as a local subprocess, applying
// resource limits before exec and, if configured, dropping the
// coordinator's own root privileges once the enclave binary is running.
// This stands in for the Nitro CLI enclave lifecycle in environments
// without Nitro hardware (e.g. local development, CI).
type ProcessSupervisor struct {
	binaryPath string
	args       []string
	runAsUID   int
	runAsGID   int

	mu   sync.Mutex
	cmd  *exec.Cmd
	done chan error
}

// NewProcessSupervisor builds a Supervisor that execs binaryPath.
func NewProcessSupervisor(binaryPath string, args ...string) *ProcessSupervisor {
	return &ProcessSupervisor{binaryPath: binaryPath, args: args}
}

// WithPrivilegeDrop configures Start to drop the coordinator's own
// privileges to uid/gid immediately after the enclave binary is running.
// A zero uid and gid (the default) leaves the process's privileges alone.
func (s *ProcessSupervisor) WithPrivilegeDrop(uid, gid int) *ProcessSupervisor {
	s.runAsUID = uid
	s.runAsGID = gid
	return s
}

func (s *ProcessSupervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := security.ApplyResourceLimits(security.DefaultResourceLimits()); err != nil {
		return fmt.Errorf("coordinator: apply resource limits: %w", err)
	}

	cmd := exec.CommandContext(ctx, s.binaryPath, s.args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("coordinator: start enclave binary: %w", err)
	}
	s.cmd = cmd

	s.done = make(chan error, 1)
	go func() { s.done <- cmd.Wait() }()

	if s.runAsUID != 0 && s.runAsGID != 0 {
		if err := security.DropPrivileges(s.runAsUID, s.runAsGID); err != nil {
			return fmt.Errorf("coordinator: drop privileges: %w", err)
		}
	}

	return nil
}

func (s *ProcessSupervisor) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return fmt.Errorf("coordinator: supervisor not started")
	}
	return <-done
}

func (s *ProcessSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	s.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// nitroRunOutput mirrors the relevant fields of `nitro-cli run-enclave`'s
// JSON output.
type nitroRunOutput struct {
	EnclaveID string `json:"EnclaveID"`
}

// nitroDescribeOutput mirrors one entry of `nitro-cli describe-enclaves`'s
// JSON array output.
type nitroDescribeOutput struct {
	EnclaveID string `json:"EnclaveID"`
	State     string `json:"State"`
}

// NitroSupervisor drives an enclave's lifecycle through the Nitro CLI
// (`nitro-cli run-enclave` / `describe-enclaves` / `terminate-enclave`)
// rather than treating it as an ordinary child process: a Nitro Enclave is
// a separate VM the Nitro hypervisor schedules, not a fork/exec of this
// process, so Wait polls `describe-enclaves` for the assigned enclave ID
// to disappear instead of waiting on a *exec.Cmd.
type NitroSupervisor struct {
	eifPath   string
	cpuCount  int
	memoryMiB int
	enclaveCID uint32
	pollEvery time.Duration

	mu        sync.Mutex
	enclaveID string
}

// NewNitroSupervisor builds a NitroSupervisor for the enclave image at
// eifPath, using conservative default resource allocations.
func NewNitroSupervisor(eifPath string) *NitroSupervisor {
	return &NitroSupervisor{
		eifPath:   eifPath,
		cpuCount:  2,
		memoryMiB: 512,
		pollEvery: 2 * time.Second,
	}
}

func (s *NitroSupervisor) Start(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "nitro-cli", "run-enclave",
		"--eif-path", s.eifPath,
		"--cpu-count", fmt.Sprint(s.cpuCount),
		"--memory", fmt.Sprint(s.memoryMiB),
	).Output()
	if err != nil {
		return fmt.Errorf("coordinator: nitro-cli run-enclave: %w", err)
	}

	var result nitroRunOutput
	if err := json.Unmarshal(out, &result); err != nil {
		return fmt.Errorf("coordinator: parse run-enclave output: %w", err)
	}
	if result.EnclaveID == "" {
		return fmt.Errorf("coordinator: run-enclave returned no enclave ID")
	}

	s.mu.Lock()
	s.enclaveID = result.EnclaveID
	s.mu.Unlock()
	return nil
}

func (s *NitroSupervisor) Wait() error {
	s.mu.Lock()
	id := s.enclaveID
	s.mu.Unlock()
	if id == "" {
		return fmt.Errorf("coordinator: nitro supervisor not started")
	}

	ticker := time.NewTicker(s.pollEvery)
	defer ticker.Stop()

	for range ticker.C {
		running, err := s.isRunning(id)
		if err != nil {
			return err
		}
		if !running {
			return nil
		}
	}
	return nil
}

func (s *NitroSupervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	id := s.enclaveID
	s.mu.Unlock()
	if id == "" {
		return nil
	}
	return exec.CommandContext(ctx, "nitro-cli", "terminate-enclave", "--enclave-id", id).Run()
}

func (s *NitroSupervisor) isRunning(id string) (bool, error) {
	out, err := exec.Command("nitro-cli", "describe-enclaves").Output()
	if err != nil {
		return false, fmt.Errorf("coordinator: nitro-cli describe-enclaves: %w", err)
	}

	var enclaves []nitroDescribeOutput
	if err := json.Unmarshal(out, &enclaves); err != nil {
		return false, fmt.Errorf("coordinator: parse describe-enclaves output: %w", err)
	}

	for _, e := range enclaves {
		if e.EnclaveID == id {
			return true, nil
		}
	}
	return false, nil
}
