// Package config handles configuration loading and validation for the
// enclave and Parent Coordinator binaries.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/privmsg/enclave-notify/internal/security"
)

// EnclaveConfig holds the enclaved process configuration.
type EnclaveConfig struct {
	// TrackName identifies the push-notification track this enclave
	// instance participates in.
	TrackName string `toml:"track_name"`

	// VsockPort is the AF_VSOCK port the enclave listens on for RPCs from
	// its Parent Coordinator and from peer enclaves during key exchange.
	VsockPort uint32 `toml:"vsock_port"`

	// RequiredPCRs lists the hex-encoded PCR measurements every peer
	// attestation document must match, keyed by PCR index. Deployments
	// extend this set (e.g. to bind a specific instance ID) without a
	// code change.
	RequiredPCRs map[int]string `toml:"required_pcrs"`

	// AttestationMaxAge bounds how old an attestation document's
	// timestamp may be before it is rejected as Expired.
	AttestationMaxAge time.Duration `toml:"attestation_max_age"`

	// PeerRPCTimeout bounds a single RPC call to a peer enclave.
	PeerRPCTimeout time.Duration `toml:"peer_rpc_timeout"`

	// PushTimeout bounds a single push-provider delivery attempt.
	PushTimeout time.Duration `toml:"push_timeout"`

	// PushMaxRetries bounds retry attempts for a transient push failure.
	PushMaxRetries int `toml:"push_max_retries"`

	// MaxConcurrentDeliveries bounds the errgroup fan-out width for a
	// single send_notification batch.
	MaxConcurrentDeliveries int `toml:"max_concurrent_deliveries"`

	// PeerJoinAttemptLimit bounds how many addresses from the coordinator's
	// published peer list this enclave will dial during the join protocol
	// before giving up, independent of how many the registry lists.
	PeerJoinAttemptLimit int `toml:"peer_join_attempt_limit"`

	// AttestationFailureBackoffBase, AttestationFailureBackoffMax,
	// AttestationMaxFailures, and AttestationLockDuration configure the
	// FailureLimiter guarding export_keys against repeated bad-attestation
	// probing from a single peer identity.
	AttestationFailureBackoffBase time.Duration `toml:"attestation_failure_backoff_base"`
	AttestationFailureBackoffMax  time.Duration `toml:"attestation_failure_backoff_max"`
	AttestationMaxFailures        int           `toml:"attestation_max_failures"`
	AttestationLockDuration       time.Duration `toml:"attestation_lock_duration"`

	// TunnelProxyCID and TunnelProxyPort address the parent EC2 host's
	// vsock-to-TCP proxy that forwards push-provider traffic out of the
	// enclave. TunnelProxyCID is conventionally 3 (the parent instance),
	// per AWS's Nitro Enclave CID numbering.
	TunnelProxyCID  uint32 `toml:"tunnel_proxy_cid"`
	TunnelProxyPort uint32 `toml:"tunnel_proxy_port"`

	// PushHost is both the TLS ServerName and the HTTP Host header sent to
	// the push provider.
	PushHost string `toml:"push_host"`
	// PushPath is the push provider's delivery endpoint.
	PushPath string `toml:"push_path"`
	// PushAuthToken is sent as "Authorization: Bearer <token>".
	PushAuthToken string `toml:"push_auth_token"`

	LogPath string `toml:"log_path"`
	// LogLevel is "debug", "info", "warn", or "error". Watch picks up
	// changes to this field without a restart.
	LogLevel string `toml:"log_level"`
}

// CoordinatorConfig holds the coordinatord process configuration.
type CoordinatorConfig struct {
	// TrackName identifies the push-notification track this Parent
	// Coordinator manages.
	TrackName string `toml:"track_name"`

	// StoreAddr is the address of the Redis coordination store.
	StoreAddr     string `toml:"store_addr"`
	StorePassword string `toml:"store_password"`
	StoreDB       int    `toml:"store_db"`

	// GenesisLeaseTTL bounds how long the genesis-election lock is held
	// before it must be renewed or expires.
	GenesisLeaseTTL time.Duration `toml:"genesis_lease_ttl"`

	// PeerRegistryTTL bounds how long a peer's registry entry survives
	// without a heartbeat renewal.
	PeerRegistryTTL time.Duration `toml:"peer_registry_ttl"`

	// JoinBackoffBase and JoinBackoffMax bound the exponential backoff
	// used while polling the peer registry during the join protocol.
	JoinBackoffBase time.Duration `toml:"join_backoff_base"`
	JoinBackoffMax  time.Duration `toml:"join_backoff_max"`
	MaxJoinAttempts int           `toml:"max_join_attempts"`

	// EnclaveCID and EnclaveVsockPort address the supervised enclave over
	// AF_VSOCK.
	EnclaveCID      uint32 `toml:"enclave_cid"`
	EnclaveVsockPort uint32 `toml:"enclave_vsock_port"`

	// SelfHost is the address this coordinator's enclave is reachable at
	// from a joining peer's coordinator (e.g. the host's private DNS
	// name or EC2 instance IP), published to the peer registry.
	SelfHost string `toml:"self_host"`

	// EnclaveBinaryPath is the Nitro enclave image file the coordinator
	// instructs the Nitro CLI to run.
	EnclaveBinaryPath string `toml:"enclave_binary_path"`

	// RunAsUID and RunAsGID, if nonzero, are the unprivileged identity the
	// coordinator drops to immediately after starting the supervised
	// enclave process, if it was launched as root. Zero means don't drop.
	RunAsUID int `toml:"run_as_uid"`
	RunAsGID int `toml:"run_as_gid"`

	LogPath string `toml:"log_path"`
	// LogLevel is "debug", "info", "warn", or "error". Watch picks up
	// changes to this field without a restart.
	LogLevel string `toml:"log_level"`
}

// DefaultEnclaveConfig returns sensible defaults, matching the values
// decided for spec.md's open questions on timeout and retry constants.
func DefaultEnclaveConfig() *EnclaveConfig {
	return &EnclaveConfig{
		VsockPort: 5005,
		RequiredPCRs: map[int]string{
			0: "",
			1: "",
			2: "",
		},
		AttestationMaxAge:       5 * time.Minute,
		PeerRPCTimeout:          10 * time.Second,
		PushTimeout:             15 * time.Second,
		PushMaxRetries:          3,
		MaxConcurrentDeliveries: 16,
		PeerJoinAttemptLimit:    5,
		AttestationFailureBackoffBase: 500 * time.Millisecond,
		AttestationFailureBackoffMax:  30 * time.Second,
		AttestationMaxFailures:        5,
		AttestationLockDuration:       5 * time.Minute,
		TunnelProxyCID:          3,
		TunnelProxyPort:         1024,
		LogPath:                 filepath.Join(baseDir(), "enclaved.log"),
		LogLevel:                "info",
	}
}

// DefaultCoordinatorConfig returns sensible defaults.
func DefaultCoordinatorConfig() *CoordinatorConfig {
	return &CoordinatorConfig{
		StoreAddr:        "127.0.0.1:6379",
		StoreDB:          0,
		GenesisLeaseTTL:  30 * time.Second,
		PeerRegistryTTL:  60 * time.Second,
		JoinBackoffBase:  500 * time.Millisecond,
		JoinBackoffMax:   10 * time.Second,
		MaxJoinAttempts:  5,
		EnclaveVsockPort: 5005,
		LogPath:          filepath.Join(baseDir(), "coordinatord.log"),
		LogLevel:         "info",
	}
}

// LoadEnclaveConfig reads enclaved configuration from path, overlaying it
// on DefaultEnclaveConfig. A missing file is not an error; the caller runs
// with defaults.
func LoadEnclaveConfig(path string) (*EnclaveConfig, error) {
	cfg := DefaultEnclaveConfig()

	// enclaved.toml carries PushAuthToken in the clear, so it is read
	// through security.ReadSecureFile rather than os.ReadFile: a config
	// file group- or world-readable on the host is rejected outright
	// instead of silently leaking the push provider's bearer token.
	data, err := security.ReadSecureFile(path, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// LoadCoordinatorConfig reads coordinatord configuration from path,
// overlaying it on DefaultCoordinatorConfig.
func LoadCoordinatorConfig(path string) (*CoordinatorConfig, error) {
	cfg := DefaultCoordinatorConfig()

	// coordinatord.toml carries StorePassword in the clear, so it gets the
	// same permission-checked read as enclaved.toml.
	data, err := security.ReadSecureFile(path, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return cfg, nil
}

// Validate checks the enclave configuration for internal consistency.
func (c *EnclaveConfig) Validate() error {
	var errs ValidationErrors

	if c.TrackName == "" {
		errs = append(errs, ValidationError{Field: "track_name", Message: "must not be empty"})
	}
	if c.VsockPort == 0 {
		errs = append(errs, ValidationError{Field: "vsock_port", Message: "must be nonzero"})
	}
	if len(c.RequiredPCRs) == 0 {
		errs = append(errs, ValidationError{Field: "required_pcrs", Message: "must specify at least one required PCR"})
	}
	if c.AttestationMaxAge <= 0 {
		errs = append(errs, ValidationError{Field: "attestation_max_age", Message: "must be positive"})
	}
	if c.PeerRPCTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "peer_rpc_timeout", Message: "must be positive"})
	}
	if c.PushTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "push_timeout", Message: "must be positive"})
	}
	if c.MaxConcurrentDeliveries < 1 {
		errs = append(errs, ValidationError{Field: "max_concurrent_deliveries", Message: "must be at least 1"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Validate checks the coordinator configuration for internal consistency.
func (c *CoordinatorConfig) Validate() error {
	var errs ValidationErrors

	if c.TrackName == "" {
		errs = append(errs, ValidationError{Field: "track_name", Message: "must not be empty"})
	}
	if c.StoreAddr == "" {
		errs = append(errs, ValidationError{Field: "store_addr", Message: "must not be empty"})
	}
	if c.GenesisLeaseTTL <= 0 {
		errs = append(errs, ValidationError{Field: "genesis_lease_ttl", Message: "must be positive"})
	}
	if c.MaxJoinAttempts < 1 {
		errs = append(errs, ValidationError{Field: "max_join_attempts", Message: "must be at least 1"})
	}
	if c.EnclaveVsockPort == 0 {
		errs = append(errs, ValidationError{Field: "enclave_vsock_port", Message: "must be nonzero"})
	}
	if (c.RunAsUID == 0) != (c.RunAsGID == 0) {
		errs = append(errs, ValidationError{Field: "run_as_uid", Message: "run_as_uid and run_as_gid must both be set or both left at zero"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func baseDir() string {
	if dir := os.Getenv("ENCLAVE_NOTIFY_DIR"); dir != "" {
		return dir
	}
	return "/var/lib/enclave-notify"
}
