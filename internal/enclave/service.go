package enclave

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/privmsg/enclave-notify/internal/attestation"
	"github.com/privmsg/enclave-notify/internal/config"
	"github.com/privmsg/enclave-notify/internal/enclavecrypto"
	"github.com/privmsg/enclave-notify/internal/enclaveerr"
	"github.com/privmsg/enclave-notify/internal/ipc"
	"github.com/privmsg/enclave-notify/internal/logging"
	"github.com/privmsg/enclave-notify/internal/security"
)

// secretSealLabel domain-separates the track secret's HKDF derivation from
// pushIDLabel's, so the two sealed-payload wire formats can never be
// confused for one another even though they share the same AEAD framing.
const (
	secretSealLabel = "enclave-notify:track-secret"
	pushIDLabel     = "enclave-notify:push-id"
)

// ErrNotInitialized is returned by PublicKey, ExportKeys, and
// SendNotification when called before Initialize has completed. It is not
// part of enclaveerr's closed taxonomy because it signals a caller
// sequencing bug rather than a condition the coordinator retries around.
var ErrNotInitialized = errors.New("enclave: not initialized")

// Service implements the four enclave RPCs against a single in-memory
// EnclaveState, guarded by one mutex so initialize strictly happens-before
// every other operation and reinitialization is rejected outright.
type Service struct {
	cfg *config.EnclaveConfig

	attester attestation.Attester
	verifier attestation.Verifier
	dialer   Dialer
	notifier Notifier

	failures *security.FailureLimiter

	logger *logging.Logger
	audit  *logging.AuditLogger

	mu sync.Mutex
	st state
}

// NewService builds a Service. failures may be nil to disable per-peer
// attestation-attempt rate limiting (tests only; production always supplies
// one).
func NewService(cfg *config.EnclaveConfig, attester attestation.Attester, verifier attestation.Verifier, dialer Dialer, notifier Notifier, failures *security.FailureLimiter, logger *logging.Logger, audit *logging.AuditLogger) *Service {
	return &Service{
		cfg:      cfg,
		attester: attester,
		verifier: verifier,
		dialer:   dialer,
		notifier: notifier,
		failures: failures,
		logger:   logger,
		audit:    audit,
	}
}

// Initialize runs the genesis-or-join protocol named by req. An empty
// PeerAddrs means this instance generates the track secret itself (genesis);
// a nonempty one means it fetches the secret from a peer, trying the
// addresses in turn (at most cfg.PeerJoinAttemptLimit of them) until one
// succeeds. A PeerAttestationInvalid or MeasurementMismatch from a peer ends
// the join without trying the remaining addresses.
func (s *Service) Initialize(ctx context.Context, req *ipc.InitializeRequest) (*ipc.InitializeResponse, error) {
	s.mu.Lock()
	if s.st.initialized {
		s.mu.Unlock()
		return nil, enclaveerr.AlreadyInitialized
	}
	s.mu.Unlock()

	if len(req.PeerAddrs) == 0 {
		return s.initializeGenesis(ctx, req.TrackName)
	}
	return s.initializeJoin(ctx, req.TrackName, req.PeerAddrs)
}

func (s *Service) initializeGenesis(ctx context.Context, trackName string) (*ipc.InitializeResponse, error) {
	secret, err := enclavecrypto.GenerateSecretKey()
	if err != nil {
		return nil, err
	}
	public, err := enclavecrypto.PublicKeyFromSecret(secret)
	if err != nil {
		enclavecrypto.Wipe(secret[:])
		return nil, err
	}

	s.mu.Lock()
	if s.st.initialized {
		s.mu.Unlock()
		enclavecrypto.Wipe(secret[:])
		return nil, enclaveerr.AlreadyInitialized
	}
	s.st = state{initialized: true, trackName: trackName, role: RoleGenesis, secret: secret, public: public}
	s.mu.Unlock()

	s.logInfo("genesis complete", "track_name", trackName)
	if s.audit != nil {
		s.audit.LogEnclaveInitialized(ctx, trackName, string(RoleGenesis))
	}

	return &ipc.InitializeResponse{Role: string(RoleGenesis), PublicKey: public[:]}, nil
}

func (s *Service) initializeJoin(ctx context.Context, trackName string, peerAddrs []string) (*ipc.InitializeResponse, error) {
	var lastErr error

	// The coordinator may publish a peer registry larger than the number of
	// peers worth trying; PeerJoinAttemptLimit caps how many addresses this
	// instance will actually dial before giving up, independent of how many
	// the registry happens to list.
	if limit := s.cfg.PeerJoinAttemptLimit; limit > 0 && limit < len(peerAddrs) {
		peerAddrs = peerAddrs[:limit]
	}

	for _, addr := range peerAddrs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		secret, public, err := s.joinPeer(ctx, addr)
		if err != nil {
			lastErr = err
			if errors.Is(err, enclaveerr.PeerAttestationInvalid) || errors.Is(err, enclaveerr.MeasurementMismatch) {
				// Fatal misconfiguration: retrying against a different peer
				// would not change the outcome.
				s.logError("join rejected", err, "peer_addr", addr)
				return nil, err
			}
			s.logError("join attempt failed, trying next peer", err, "peer_addr", addr)
			continue
		}

		s.mu.Lock()
		if s.st.initialized {
			s.mu.Unlock()
			enclavecrypto.Wipe(secret[:])
			return nil, enclaveerr.AlreadyInitialized
		}
		s.st = state{initialized: true, trackName: trackName, role: RoleJoined, secret: secret, public: public}
		s.mu.Unlock()

		s.logInfo("join complete", "track_name", trackName, "peer_addr", addr)
		if s.audit != nil {
			s.audit.LogEnclaveInitialized(ctx, trackName, string(RoleJoined))
		}

		return &ipc.InitializeResponse{Role: string(RoleJoined), PublicKey: public[:]}, nil
	}

	if lastErr == nil {
		lastErr = enclaveerr.PeerUnreachable
	}
	return nil, lastErr
}

// joinPeer attempts one export_keys round trip against addr: attest a fresh
// ephemeral keypair, dial the peer, call export_keys, verify its reply, and
// open the sealed track secret.
func (s *Service) joinPeer(ctx context.Context, addr string) (enclavecrypto.SecretKey, enclavecrypto.PublicKey, error) {
	var zeroSecret enclavecrypto.SecretKey
	var zeroPublic enclavecrypto.PublicKey

	ephemeral, err := enclavecrypto.GenerateEphemeralKeypair()
	if err != nil {
		return zeroSecret, zeroPublic, err
	}
	defer ephemeral.Destroy()

	nonce, err := randomBytes(32)
	if err != nil {
		return zeroSecret, zeroPublic, err
	}

	doc, err := s.attester.Attest(ephemeral.Public[:], nonce)
	if err != nil {
		return zeroSecret, zeroPublic, fmt.Errorf("%w: %v", enclaveerr.HardwareUnavailable, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.PeerRPCTimeout)
	defer cancel()

	conn, err := s.dialer(dialCtx, addr)
	if err != nil {
		return zeroSecret, zeroPublic, fmt.Errorf("%w: %v", enclaveerr.PeerUnreachable, err)
	}
	defer conn.Close()

	client := ipc.RequestClient(conn, s.cfg.PeerRPCTimeout)
	defer client.Close()

	if _, err := client.Handshake("enclave-notify/" + string(RoleJoined)); err != nil {
		return zeroSecret, zeroPublic, fmt.Errorf("%w: handshake: %v", enclaveerr.PeerUnreachable, err)
	}

	var resp ipc.ExportKeysResponse
	if err := client.Call(ipc.MsgExportKeys, &ipc.ExportKeysRequest{PeerAttestation: doc.Raw}, &resp); err != nil {
		var remote *ipc.RemoteError
		if errors.As(err, &remote) {
			if sentinel := enclaveerr.FromCode(remote.Code); sentinel != nil {
				return zeroSecret, zeroPublic, fmt.Errorf("%w: %s", sentinel, remote.Message)
			}
			return zeroSecret, zeroPublic, fmt.Errorf("%w: %s", enclaveerr.PeerUnreachable, remote.Message)
		}
		return zeroSecret, zeroPublic, fmt.Errorf("%w: %v", enclaveerr.PeerUnreachable, err)
	}

	peerDoc, err := s.verifier.Verify(resp.Attestation)
	if err != nil {
		return zeroSecret, zeroPublic, fmt.Errorf("%w: %v", enclaveerr.PeerAttestationInvalid, err)
	}
	if err := attestation.CheckMeasurements(peerDoc, s.cfg.RequiredPCRs); err != nil {
		return zeroSecret, zeroPublic, fmt.Errorf("%w: %v", enclaveerr.MeasurementMismatch, err)
	}
	if err := attestation.CheckFreshness(peerDoc, time.Now(), s.cfg.AttestationMaxAge); err != nil {
		return zeroSecret, zeroPublic, fmt.Errorf("%w: %v", enclaveerr.Expired, err)
	}

	secret, err := enclavecrypto.OpenSecret(resp.SealedSecret, ephemeral, secretSealLabel)
	if err != nil {
		return zeroSecret, zeroPublic, err
	}

	public, err := enclavecrypto.PublicKeyFromSecret(secret)
	if err != nil {
		enclavecrypto.Wipe(secret[:])
		return zeroSecret, zeroPublic, err
	}

	return secret, public, nil
}

// PublicKey returns the track's public key together with a fresh
// attestation document binding it to nonce.
func (s *Service) PublicKey(ctx context.Context, nonce []byte) (*ipc.PublicKeyResponse, error) {
	s.mu.Lock()
	if !s.st.initialized {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	public := s.st.public
	s.mu.Unlock()

	doc, err := s.attester.Attest(public[:], nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", enclaveerr.HardwareUnavailable, err)
	}
	return &ipc.PublicKeyResponse{PublicKey: public[:], Attestation: doc.Raw}, nil
}

// ExportKeys serves a joining peer's request: verify its attestation, rate
// limit repeated bad attempts from the same peer, and seal the track secret
// to the peer's attested public key.
func (s *Service) ExportKeys(ctx context.Context, peerAttestationRaw []byte) (*ipc.ExportKeysResponse, error) {
	peerKey := peerIdentityFromRaw(peerAttestationRaw)

	if s.failures != nil && s.failures.IsLocked(peerKey) {
		return nil, fmt.Errorf("%w: peer locked out after repeated failed attestation", enclaveerr.PeerAttestationInvalid)
	}

	peerDoc, err := s.verifier.Verify(peerAttestationRaw)
	if err != nil {
		s.recordAttestationFailure(ctx, peerKey)
		return nil, fmt.Errorf("%w: %v", enclaveerr.PeerAttestationInvalid, err)
	}
	peerKey = peerIdentity(peerDoc)

	s.mu.Lock()
	if !s.st.initialized {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	trackName := s.st.trackName
	secret := s.st.secret
	public := s.st.public
	s.mu.Unlock()

	if err := attestation.CheckMeasurements(peerDoc, s.cfg.RequiredPCRs); err != nil {
		s.recordAttestationFailure(ctx, peerKey)
		if s.audit != nil {
			s.audit.LogPeerJoinRejected(ctx, trackName, peerKey, "measurement_mismatch")
		}
		return nil, fmt.Errorf("%w: %v", enclaveerr.MeasurementMismatch, err)
	}
	if err := attestation.CheckFreshness(peerDoc, time.Now(), s.cfg.AttestationMaxAge); err != nil {
		s.recordAttestationFailure(ctx, peerKey)
		if s.audit != nil {
			s.audit.LogPeerJoinRejected(ctx, trackName, peerKey, "expired")
		}
		return nil, fmt.Errorf("%w: %v", enclaveerr.Expired, err)
	}

	var peerPublic enclavecrypto.PublicKey
	copy(peerPublic[:], peerDoc.PublicKey)

	sealed, err := enclavecrypto.SealSecret(secret, peerPublic, secretSealLabel)
	if err != nil {
		return nil, err
	}

	nonce, err := randomBytes(32)
	if err != nil {
		return nil, err
	}
	selfDoc, err := s.attester.Attest(public[:], nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", enclaveerr.HardwareUnavailable, err)
	}

	if s.failures != nil {
		s.failures.RecordSuccess(peerKey)
	}
	if s.audit != nil {
		s.audit.LogPeerJoinAccepted(ctx, trackName, peerKey)
	}

	return &ipc.ExportKeysResponse{SealedSecret: sealed, Attestation: selfDoc.Raw}, nil
}

func (s *Service) recordAttestationFailure(ctx context.Context, peerKey string) {
	if s.failures != nil {
		s.failures.RecordFailure(peerKey)
	}
	if s.audit != nil {
		s.audit.LogAttestationRejected(ctx, peerKey, "verification_failed")
	}
}

// SendNotification decrypts and delivers each recipient in req, dispatching
// deliveries concurrently up to cfg.MaxConcurrentDeliveries. A
// PushAuthFailure on any recipient halts dispatch of recipients not yet
// started; recipients already dispatched run to completion and are not
// rolled back. The response's Delivered/Failed counts are the wire contract
// (spec.md §6); Results is carried alongside for audit logging only.
func (s *Service) SendNotification(ctx context.Context, req *ipc.SendNotificationRequest) (*ipc.SendNotificationResponse, error) {
	s.mu.Lock()
	if !s.st.initialized {
		s.mu.Unlock()
		return nil, ErrNotInitialized
	}
	secret := s.st.secret
	trackName := s.st.trackName
	s.mu.Unlock()

	results := make([]ipc.NotificationResult, len(req.Recipients))
	var delivered, failed atomic.Uint64
	var aborted atomic.Bool

	var g errgroup.Group
	g.SetLimit(s.cfg.MaxConcurrentDeliveries)

	for i, recipient := range req.Recipients {
		i, recipient := i, recipient
		g.Go(func() error {
			if aborted.Load() {
				results[i] = ipc.NotificationResult{
					Index:  i,
					Status: "failed_transient",
					Error:  "batch aborted after push provider auth failure",
				}
				failed.Add(1)
				return nil
			}

			pushID, err := enclavecrypto.HybridDecrypt(recipient, secret, pushIDLabel)
			if err != nil {
				results[i] = ipc.NotificationResult{
					Index:  i,
					Status: "failed_permanent",
					Error:  "push identifier decryption failed",
				}
				failed.Add(1)
				s.logNotificationResult(ctx, trackName, i, "failed_permanent")
				return nil
			}

			job := ipc.NotificationJob{
				Topic:      req.Topic,
				SenderHMAC: req.SenderHMAC,
				Recipient:  recipient,
				Payload:    req.Payload,
			}
			err = s.notifier.Deliver(ctx, job, pushID)
			status := classifyDeliveryResult(err)
			result := ipc.NotificationResult{Index: i, Status: status}
			if err != nil {
				result.Error = err.Error()
			}
			results[i] = result
			if status == "delivered" {
				delivered.Add(1)
			} else {
				failed.Add(1)
			}
			s.logNotificationResult(ctx, trackName, i, status)

			if errors.Is(err, enclaveerr.PushAuthFailure) {
				aborted.Store(true)
			}
			return nil
		})
	}

	// Every goroutine above always returns nil; per-recipient outcomes are
	// recorded in results, not propagated as a group error.
	g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &ipc.SendNotificationResponse{
		Delivered: delivered.Load(),
		Failed:    failed.Load(),
		Results:   results,
	}, nil
}

func (s *Service) logNotificationResult(ctx context.Context, trackName string, index int, status string) {
	if s.audit != nil {
		s.audit.LogNotificationResult(ctx, trackName, strconv.Itoa(index), status)
	}
}

func classifyDeliveryResult(err error) string {
	if err == nil {
		return "delivered"
	}
	if errors.Is(err, enclaveerr.PushTransient) {
		return "failed_transient"
	}
	// PushAuthFailure and PushPermanent are both non-retryable from this
	// recipient's perspective; PushAuthFailure additionally halts the batch.
	return "failed_permanent"
}

func peerIdentity(doc *attestation.Document) string {
	if doc.ModuleID != "" {
		return doc.ModuleID
	}
	return hex.EncodeToString(doc.PublicKey)
}

// peerIdentityFromRaw is used only when verification itself fails, so there
// is no parsed Document to key the failure limiter on; the raw bytes still
// give a stable (if coarse) identity for repeated garbage from the same
// misbehaving sender.
func peerIdentityFromRaw(raw []byte) string {
	sum := security.HashDomainSeparated("peer-identity-fallback", raw)
	return hex.EncodeToString(sum[:])
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("enclave: generate random bytes: %w", err)
	}
	return b, nil
}

func (s *Service) logInfo(msg string, args ...any) {
	if s.logger != nil {
		s.logger.Info(msg, args...)
	}
}

func (s *Service) logError(msg string, err error, args ...any) {
	if s.logger != nil {
		s.logger.Error(msg, append([]any{"error", err}, args...)...)
	}
}
