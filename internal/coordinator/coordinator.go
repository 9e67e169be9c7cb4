// Package coordinator implements the Parent Coordinator: the host-side
// process that supervises an enclave binary, elects genesis-vs-join at
// startup against a shared coordination store, and keeps the peer
// registry fresh for the lifetime of the track. It never sees the track
// SecretKey; it only relays opaque attestation/key-exchange bytes between
// enclaves and drives the four host-to-enclave RPCs.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/privmsg/enclave-notify/internal/config"
	"github.com/privmsg/enclave-notify/internal/enclaveerr"
	"github.com/privmsg/enclave-notify/internal/ipc"
	"github.com/privmsg/enclave-notify/internal/logging"
	"github.com/privmsg/enclave-notify/internal/security"
	"github.com/privmsg/enclave-notify/internal/store"
)

// ExitCode is the coordinator's process exit code, per spec.md §6.
type ExitCode int

const (
	ExitSuccess          ExitCode = 0
	ExitMisconfiguration ExitCode = 2
	ExitJoinFailed       ExitCode = 3
	ExitEnclaveExited    ExitCode = 4
	ExitStoreUnavailable ExitCode = 5
)

func (c ExitCode) String() string {
	switch c {
	case ExitSuccess:
		return "success"
	case ExitMisconfiguration:
		return "misconfiguration"
	case ExitJoinFailed:
		return "join_failed"
	case ExitEnclaveExited:
		return "enclave_exited"
	case ExitStoreUnavailable:
		return "store_unavailable"
	default:
		return fmt.Sprintf("exit(%d)", int(c))
	}
}

// EnclaveDialer opens a connection to the coordinator's own supervised
// enclave over AF_VSOCK. Production wiring dials the enclave's CID and
// VsockPort; tests substitute an in-memory net.Pipe paired with a real
// internal/enclave.Service wrapped in an ipc.Server.
type EnclaveDialer func(ctx context.Context) (net.Conn, error)

// Coordinator drives the genesis/join protocol and peer-registry
// heartbeat for one track.
type Coordinator struct {
	cfg         *config.CoordinatorConfig
	st          store.Store
	supervisor  Supervisor
	dialEnclave EnclaveDialer
	failures    *security.FailureLimiter
	logger      *logging.Logger
	audit       *logging.AuditLogger

	selfID string
}

// New builds a Coordinator. logger and audit may be nil.
func New(cfg *config.CoordinatorConfig, st store.Store, supervisor Supervisor, dialEnclave EnclaveDialer, logger *logging.Logger, audit *logging.AuditLogger) *Coordinator {
	return &Coordinator{
		cfg:         cfg,
		st:          st,
		supervisor:  supervisor,
		dialEnclave: dialEnclave,
		failures:    security.NewFailureLimiter(cfg.JoinBackoffBase, cfg.JoinBackoffMax, 5*time.Minute, cfg.MaxJoinAttempts, 0),
		logger:      logger,
		audit:       audit,
		selfID:      newPeerID(),
	}
}

// Run executes the full startup protocol (spec.md §4.D steps 1-4),
// supervises the enclave binary, and heartbeats the peer registry (step
// 5) until ctx is cancelled or the enclave exits. It returns the exit
// code the caller (cmd/coordinatord) should pass to os.Exit.
func (c *Coordinator) Run(ctx context.Context) (ExitCode, error) {
	if err := c.preflight(); err != nil {
		return ExitMisconfiguration, err
	}

	if err := c.supervisor.Start(ctx); err != nil {
		c.supervisor.Stop(ctx)
		return ExitMisconfiguration, fmt.Errorf("coordinator: start enclave: %w", err)
	}

	code, err := c.bootstrap(ctx)
	if err != nil {
		c.supervisor.Stop(ctx)
		return code, err
	}

	return c.supervise(ctx)
}

// preflight runs the coordinator's startup hardening checks before handing
// control to the protocol, per SPEC_FULL.md's §4.D expansion.
func (c *Coordinator) preflight() error {
	checklist := security.RunPreflightChecklist("coordinatord")
	for _, w := range checklist.Warnings() {
		c.logWarn("preflight check failed", "warning", w)
	}
	return nil
}

// bootstrap implements spec.md §4.D steps 1-4: acquire the genesis lock,
// then either command Genesis or poll the peer registry and command Join.
func (c *Coordinator) bootstrap(ctx context.Context) (ExitCode, error) {
	c.logInfo("bootstrap starting", "track", c.cfg.TrackName)

	err := c.st.AcquireLock(ctx, lockKey(c.cfg.TrackName), c.selfID, c.cfg.GenesisLeaseTTL)
	switch {
	case err == nil:
		return c.bootstrapGenesis(ctx)
	case errors.Is(err, store.ErrLockHeld):
		return c.bootstrapJoin(ctx)
	default:
		return ExitStoreUnavailable, fmt.Errorf("coordinator: acquire genesis lock: %w", err)
	}
}

func (c *Coordinator) bootstrapGenesis(ctx context.Context) (ExitCode, error) {
	defer c.st.ReleaseLock(ctx, lockKey(c.cfg.TrackName), c.selfID)

	resp, err := c.callInitialize(ctx, nil)
	if err != nil {
		return ExitMisconfiguration, fmt.Errorf("coordinator: genesis initialize: %w", err)
	}

	if err := c.registerSelf(ctx, resp.PublicKey); err != nil {
		return ExitStoreUnavailable, fmt.Errorf("coordinator: register genesis peer: %w", err)
	}

	c.logAuditInit(ctx, resp.Role)
	c.logInfo("genesis complete", "track", c.cfg.TrackName, "role", resp.Role)
	return ExitSuccess, nil
}

func (c *Coordinator) bootstrapJoin(ctx context.Context) (ExitCode, error) {
	var lastErr error

	for attempt := 1; attempt <= c.cfg.MaxJoinAttempts; attempt++ {
		peers, err := c.listPeers(ctx)
		if err != nil {
			return ExitStoreUnavailable, fmt.Errorf("coordinator: read peer registry: %w", err)
		}

		if len(peers) == 0 {
			lastErr = fmt.Errorf("coordinator: no live peers for track %q", c.cfg.TrackName)
			if !c.sleepBackoff(ctx, attempt) {
				return ExitJoinFailed, ctx.Err()
			}
			continue
		}

		peer := peers[rand.Intn(len(peers))]
		resp, err := c.callInitialize(ctx, []string{peerAddr(peer)})
		if err == nil {
			if regErr := c.registerSelf(ctx, resp.PublicKey); regErr != nil {
				return ExitStoreUnavailable, fmt.Errorf("coordinator: register joined peer: %w", regErr)
			}
			c.logAuditInit(ctx, resp.Role)
			c.logInfo("join complete", "track", c.cfg.TrackName, "peer", peerAddr(peer), "attempt", attempt)
			return ExitSuccess, nil
		}

		lastErr = err
		if isFatalJoinError(err) {
			c.logError("join rejected fatally, not retrying", "peer", peerAddr(peer), "error", err)
			return ExitMisconfiguration, err
		}

		c.logWarn("join attempt failed, will retry", "peer", peerAddr(peer), "attempt", attempt, "error", err)
		if !c.sleepBackoff(ctx, attempt) {
			return ExitJoinFailed, ctx.Err()
		}
	}

	return ExitJoinFailed, fmt.Errorf("coordinator: join failed after %d attempts: %w", c.cfg.MaxJoinAttempts, lastErr)
}

// isFatalJoinError mirrors spec.md §4.D step 4's classification: a
// version/measurement mismatch is fatal and must not be retried with
// another peer, while an unreachable peer is retried.
func isFatalJoinError(err error) bool {
	return errors.Is(err, enclaveerr.PeerAttestationInvalid) || errors.Is(err, enclaveerr.MeasurementMismatch)
}

func (c *Coordinator) sleepBackoff(ctx context.Context, attempt int) bool {
	delay := c.failures.RecordFailure(c.cfg.TrackName)
	select {
	case <-time.After(delay):
		return true
	case <-ctx.Done():
		return false
	}
}

// supervise runs the heartbeat loop (step 5) and blocks until the
// supervised enclave exits or ctx is cancelled.
func (c *Coordinator) supervise(ctx context.Context) (ExitCode, error) {
	heartbeat := time.NewTicker(c.cfg.PeerRegistryTTL / 2)
	defer heartbeat.Stop()

	exited := make(chan error, 1)
	go func() { exited <- c.supervisor.Wait() }()

	for {
		select {
		case <-ctx.Done():
			c.supervisor.Stop(context.Background())
			return ExitSuccess, nil

		case err := <-exited:
			c.logError("enclave process exited", "error", err)
			return ExitEnclaveExited, err

		case <-heartbeat.C:
			if err := c.heartbeatSelf(ctx); err != nil {
				c.logWarn("peer registry heartbeat failed", "error", err)
			}
		}
	}
}

// enclaveRPCTimeout bounds a coordinator-to-own-enclave RPC call, separate
// from PeerRPCTimeout (enclave-to-peer-enclave, during join) and
// GenesisLeaseTTL (store lock duration).
const enclaveRPCTimeout = 30 * time.Second

func (c *Coordinator) callInitialize(ctx context.Context, peerAddrs []string) (*ipc.InitializeResponse, error) {
	conn, err := c.dialEnclave(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: dial enclave: %v", enclaveerr.PeerUnreachable, err)
	}
	client := ipc.RequestClient(conn, enclaveRPCTimeout)
	defer client.Close()

	if _, err := client.Handshake("coordinatord"); err != nil {
		return nil, fmt.Errorf("%w: enclave handshake: %v", enclaveerr.PeerUnreachable, err)
	}

	var resp ipc.InitializeResponse
	req := &ipc.InitializeRequest{TrackName: c.cfg.TrackName, PeerAddrs: peerAddrs}
	if err := client.Call(ipc.MsgInitialize, req, &resp); err != nil {
		return nil, translateRemoteErr(err)
	}
	return &resp, nil
}

func translateRemoteErr(err error) error {
	var remote *ipc.RemoteError
	if errors.As(err, &remote) {
		if sentinel := enclaveerr.FromCode(remote.Code); sentinel != nil {
			return fmt.Errorf("%w: %s", sentinel, remote.Message)
		}
	}
	return fmt.Errorf("%w: %v", enclaveerr.PeerUnreachable, err)
}

func (c *Coordinator) logAuditInit(ctx context.Context, role string) {
	if c.audit != nil {
		c.audit.LogEnclaveInitialized(ctx, c.cfg.TrackName, role)
	}
}

func (c *Coordinator) logInfo(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Info(msg, args...)
	}
}

func (c *Coordinator) logWarn(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Warn(msg, args...)
	}
}

func (c *Coordinator) logError(msg string, args ...any) {
	if c.logger != nil {
		c.logger.Error(msg, args...)
	}
}

func newPeerID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}
