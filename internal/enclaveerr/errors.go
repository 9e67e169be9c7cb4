// Package enclaveerr defines the closed set of sentinel errors returned
// across the enclave/coordinator boundary. Callers match them with
// errors.Is; RPC responses carry the sentinel's name in ErrorResponse.Code
// so a remote caller can reconstruct the same classification without
// sharing this package.
package enclaveerr

import "errors"

var (
	// AlreadyInitialized is returned by Initialize when the enclave has
	// already completed genesis or join.
	AlreadyInitialized = errors.New("enclave: already initialized")

	// HardwareUnavailable is returned when the NSM device or vsock
	// transport required for attestation or networking is not reachable.
	HardwareUnavailable = errors.New("enclave: attestation hardware unavailable")

	// PeerUnreachable is returned when a peer enclave does not respond
	// within the configured RPC timeout during join or key export.
	PeerUnreachable = errors.New("enclave: peer unreachable")

	// PeerAttestationInvalid is returned when a peer's attestation
	// document fails signature or structural verification.
	PeerAttestationInvalid = errors.New("enclave: peer attestation invalid")

	// MeasurementMismatch is returned when a peer's PCR measurements do
	// not match the track's required measurement set.
	MeasurementMismatch = errors.New("enclave: measurement mismatch")

	// Expired is returned when an attestation document's timestamp falls
	// outside the configured freshness window.
	Expired = errors.New("enclave: attestation expired")

	// DecryptionFailed is returned when a push identifier fails to
	// decrypt or authenticate under the track secret.
	DecryptionFailed = errors.New("enclave: decryption failed")

	// PushTransient classifies a push delivery failure as retryable
	// (5xx, timeout, connection reset).
	PushTransient = errors.New("enclave: push delivery failed transiently")

	// PushPermanent classifies a push delivery failure as non-retryable
	// (4xx other than 401/403, malformed response).
	PushPermanent = errors.New("enclave: push delivery failed permanently")

	// PushAuthFailure classifies a push delivery failure as a provider
	// credential rejection (401/403).
	PushAuthFailure = errors.New("enclave: push provider rejected credentials")
)

// names maps each sentinel to the stable wire code used in
// ipc.ErrorResponse.Code.
var names = map[error]string{
	AlreadyInitialized:     "already_initialized",
	HardwareUnavailable:    "hardware_unavailable",
	PeerUnreachable:        "peer_unreachable",
	PeerAttestationInvalid: "peer_attestation_invalid",
	MeasurementMismatch:    "measurement_mismatch",
	Expired:                "expired",
	DecryptionFailed:       "decryption_failed",
	PushTransient:          "push_transient",
	PushPermanent:          "push_permanent",
	PushAuthFailure:        "push_auth_failure",
}

// Code returns the stable wire code for a sentinel error, or "internal_error"
// if err does not wrap one of this package's sentinels.
func Code(err error) string {
	for sentinel, code := range names {
		if errors.Is(err, sentinel) {
			return code
		}
	}
	return "internal_error"
}

// codes is the reverse of names, built once at init so FromCode doesn't
// walk the map on every call.
var codes = func() map[string]error {
	m := make(map[string]error, len(names))
	for sentinel, code := range names {
		m[code] = sentinel
	}
	return m
}()

// FromCode reconstructs the sentinel error matching a wire code produced by
// Code, so a caller receiving an ipc.RemoteError can classify it with
// errors.Is against this package's sentinels instead of comparing strings.
// Returns nil for "internal_error" or any unrecognized code.
func FromCode(code string) error {
	return codes[code]
}
