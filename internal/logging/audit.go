package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/privmsg/enclave-notify/internal/security"
)

// AuditEventType represents the type of audit event.
type AuditEventType string

// Audit event types.
const (
	AuditEventStartup             AuditEventType = "startup"
	AuditEventShutdown            AuditEventType = "shutdown"
	AuditEventEnclaveInitialized  AuditEventType = "enclave_initialized"
	AuditEventPeerJoinAccepted    AuditEventType = "peer_join_accepted"
	AuditEventPeerJoinRejected    AuditEventType = "peer_join_rejected"
	AuditEventAttestationRejected AuditEventType = "attestation_rejected"
	AuditEventNotificationResult  AuditEventType = "notification_result"
	AuditEventError               AuditEventType = "error"
)

// AuditEvent represents a security-relevant event. It never carries a
// decrypted push identifier, track secret, or ephemeral key as a field
// value; identifiers are opaque tokens or peer IDs only.
type AuditEvent struct {
	Timestamp  time.Time              `json:"timestamp"`
	EventType  AuditEventType         `json:"event_type"`
	Component  string                 `json:"component"`
	TrackName  string                 `json:"track_name,omitempty"`
	PeerID     string                 `json:"peer_id,omitempty"`
	Action     string                 `json:"action"`
	Result     string                 `json:"result"` // "success", "failure", "denied"
	Details    map[string]interface{} `json:"details,omitempty"`
	SourceFile string                 `json:"source_file,omitempty"`
	SourceLine int                    `json:"source_line,omitempty"`
	Error      string                 `json:"error,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
}

// AuditLoggerConfig holds configuration for the audit logger.
type AuditLoggerConfig struct {
	// FilePath is the path to the audit log file.
	FilePath string

	// MaxSize is the maximum size in MB before rotation.
	MaxSize int64

	// MaxAge is the maximum age in days before deletion.
	MaxAge int

	// MaxBackups is the maximum number of rotated files to keep.
	MaxBackups int

	// Compress determines if rotated logs should be compressed.
	Compress bool

	// Component is the component name for audit events.
	Component string
}

// DefaultAuditConfig returns default audit logger configuration.
func DefaultAuditConfig() *AuditLoggerConfig {
	return &AuditLoggerConfig{
		FilePath:   defaultAuditLogPath(),
		MaxSize:    50, // 50 MB
		MaxAge:     90, // 90 days
		MaxBackups: 10,
		Compress:   true,
		Component:  "enclave-notify",
	}
}

// defaultAuditLogPath returns the default audit log path. Both processes
// this package serves (the enclave and its Parent Coordinator) run on
// Linux only.
func defaultAuditLogPath() string {
	stateHome := os.Getenv("XDG_STATE_HOME")
	if stateHome == "" {
		homeDir, _ := os.UserHomeDir()
		stateHome = filepath.Join(homeDir, ".local", "state")
	}
	return filepath.Join(stateHome, "enclave-notify", "audit.log")
}

// AuditLogger handles security audit logging: enclave lifecycle, peer
// join decisions, attestation rejections, and notification delivery
// outcomes.
type AuditLogger struct {
	config  *AuditLoggerConfig
	rotator *FileRotator
	mu      sync.Mutex
}

var (
	defaultAuditLogger *AuditLogger
	auditLoggerOnce    sync.Once
)

// DefaultAuditLogger returns the default global audit logger.
func DefaultAuditLogger() *AuditLogger {
	auditLoggerOnce.Do(func() {
		var err error
		defaultAuditLogger, err = NewAuditLogger(DefaultAuditConfig())
		if err != nil {
			defaultAuditLogger = &AuditLogger{config: DefaultAuditConfig()}
		}
	})
	return defaultAuditLogger
}

// SetDefaultAuditLogger sets the default global audit logger.
func SetDefaultAuditLogger(l *AuditLogger) {
	defaultAuditLogger = l
}

// NewAuditLogger creates a new AuditLogger.
func NewAuditLogger(cfg *AuditLoggerConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotatorCfg := &Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
		Format:     FormatJSON,
		Level:      LevelInfo,
	}

	rotator, err := NewFileRotator(rotatorCfg)
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{
		config:  cfg,
		rotator: rotator,
	}, nil
}

// Log writes an audit event.
func (a *AuditLogger) Log(ctx context.Context, event AuditEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" && a.config != nil {
		event.Component = a.config.Component
	}
	if event.RequestID == "" {
		event.RequestID = RequestIDFromContext(ctx)
	}
	if event.SourceFile == "" {
		if _, file, line, ok := runtime.Caller(1); ok {
			event.SourceFile = file
			event.SourceLine = line
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')

	if a.rotator == nil {
		return nil
	}
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogStartup logs a process startup event.
func (a *AuditLogger) LogStartup(ctx context.Context, version string, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	details["version"] = version
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventStartup,
		Action:    "process_started",
		Result:    "success",
		Details:   details,
	})
}

// LogShutdown logs a process shutdown event.
func (a *AuditLogger) LogShutdown(ctx context.Context, reason string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventShutdown,
		Action:    "process_stopped",
		Result:    "success",
		Details:   map[string]interface{}{"reason": reason},
	})
}

// LogEnclaveInitialized logs a successful genesis or join, recording
// which role this instance took ("genesis" or "joined").
func (a *AuditLogger) LogEnclaveInitialized(ctx context.Context, trackName, role string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventEnclaveInitialized,
		TrackName: trackName,
		Action:    "initialize",
		Result:    "success",
		Details:   map[string]interface{}{"role": role},
	})
}

// LogPeerJoinAccepted logs that a peer's attestation passed verification
// and it received a sealed copy of the track secret.
func (a *AuditLogger) LogPeerJoinAccepted(ctx context.Context, trackName, peerID string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventPeerJoinAccepted,
		TrackName: trackName,
		PeerID:    peerID,
		Action:    "export_keys",
		Result:    "success",
	})
}

// LogPeerJoinRejected logs that a peer's join attempt was rejected and
// why, using a stable enclaveerr code rather than a raw error string so
// the audit trail never carries attacker-influenced free text.
func (a *AuditLogger) LogPeerJoinRejected(ctx context.Context, trackName, peerID, reasonCode string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventPeerJoinRejected,
		TrackName: trackName,
		PeerID:    peerID,
		Action:    "export_keys",
		Result:    "denied",
		Error:     reasonCode,
	})
}

// LogAttestationRejected logs an attestation document that failed
// verification, measurement, or freshness checks.
func (a *AuditLogger) LogAttestationRejected(ctx context.Context, peerID, reasonCode string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventAttestationRejected,
		PeerID:    peerID,
		Action:    "verify_attestation",
		Result:    "denied",
		Error:     reasonCode,
	})
}

// LogNotificationResult logs the outcome of one push delivery attempt,
// identified only by its opaque recipient token.
func (a *AuditLogger) LogNotificationResult(ctx context.Context, trackName, recipientToken, status string) error {
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventNotificationResult,
		TrackName: trackName,
		Action:    "send_notification",
		Result:    status,
		Details:   map[string]interface{}{"recipient_token": recipientToken},
	})
}

// LogError logs an error event. The error text comes from arbitrary
// callers (push-provider HTTP errors, peer RPC failures) that may embed a
// bearer token or key material they never meant to surface, so it is
// passed through SanitizeLogOutput before being written to the audit
// trail.
func (a *AuditLogger) LogError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	if details == nil {
		details = make(map[string]interface{})
	}
	return a.Log(ctx, AuditEvent{
		EventType: AuditEventError,
		Action:    operation,
		Result:    "failure",
		Error:     security.SanitizeLogOutput(err.Error()),
		Details:   details,
	})
}

// Close closes the audit logger.
func (a *AuditLogger) Close() error {
	if a.rotator != nil {
		return a.rotator.Close()
	}
	return nil
}

// Sync flushes any buffered audit events.
func (a *AuditLogger) Sync() error {
	if a.rotator != nil {
		return a.rotator.Sync()
	}
	return nil
}

// Convenience functions for the default audit logger.

// Audit logs an audit event using the default audit logger.
func Audit(ctx context.Context, event AuditEvent) error {
	return DefaultAuditLogger().Log(ctx, event)
}

// AuditEnclaveInitialized logs enclave initialization using the default
// audit logger.
func AuditEnclaveInitialized(ctx context.Context, trackName, role string) error {
	return DefaultAuditLogger().LogEnclaveInitialized(ctx, trackName, role)
}

// AuditNotificationResult logs a notification delivery outcome using the
// default audit logger.
func AuditNotificationResult(ctx context.Context, trackName, recipientToken, status string) error {
	return DefaultAuditLogger().LogNotificationResult(ctx, trackName, recipientToken, status)
}

// AuditError logs an error using the default audit logger.
func AuditError(ctx context.Context, operation string, err error, details map[string]interface{}) error {
	return DefaultAuditLogger().LogError(ctx, operation, err, details)
}
