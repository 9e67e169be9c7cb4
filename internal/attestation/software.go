package attestation

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"
)

// softwareDocumentBody is the JSON-serializable body signed by
// encodeSoftwareDocument. PCR indices are carried as decimal strings since
// JSON object keys must be strings.
type softwareDocumentBody struct {
	ModuleID  string            `json:"module_id"`
	PublicKey []byte            `json:"public_key"`
	Nonce     []byte            `json:"nonce"`
	PCRs      map[string][]byte `json:"pcrs"`
	Timestamp time.Time         `json:"timestamp"`
}

// softwareAttester simulates attestation for tests and local development,
// mirroring the teacher's SoftwareProvider TPM double: it produces a
// deterministic, self-consistent "document" with no real hardware root of
// trust. WARNING: provides no actual security guarantees.
type softwareAttester struct {
	moduleID string
	pcrs     map[int][]byte
	key      []byte // HMAC key standing in for the (absent) signing key
}

// NewSoftwareAttester returns an Attester that signs documents with an
// HMAC instead of the NSM hardware key. pcrs fixes the simulated PCR
// measurement vector the resulting documents report.
func NewSoftwareAttester(moduleID string, pcrs map[int][]byte) *softwareAttester {
	return &softwareAttester{
		moduleID: moduleID,
		pcrs:     pcrs,
		key:      []byte("software-attester-fixed-test-key"),
	}
}

func (a *softwareAttester) Available() bool { return true }

func (a *softwareAttester) Close() error { return nil }

func (a *softwareAttester) Attest(publicKey, nonce []byte) (*Document, error) {
	now := time.Now().UTC()
	raw := encodeSoftwareDocument(a.moduleID, publicKey, nonce, a.pcrs, now, a.key)

	return &Document{
		Raw:       raw,
		PublicKey: publicKey,
		Nonce:     nonce,
		PCRs:      a.pcrs,
		Timestamp: now,
		ModuleID:  a.moduleID,
	}, nil
}

// stubVerifier verifies softwareAttester documents using the same fixed
// HMAC key, standing in for nitriteVerifier in tests.
type stubVerifier struct {
	key []byte
}

// NewStubVerifier returns a Verifier matched to NewSoftwareAttester's fixed
// key.
func NewStubVerifier() *stubVerifier {
	return &stubVerifier{key: []byte("software-attester-fixed-test-key")}
}

func (v *stubVerifier) Verify(raw []byte) (*Document, error) {
	return decodeSoftwareDocument(raw, v.key)
}

// encodeSoftwareDocument and decodeSoftwareDocument implement a tiny
// JSON-body-plus-HMAC-trailer encoding good enough to exercise the
// Attester/Verifier contract end to end without a real COSE/CBOR stack.
func encodeSoftwareDocument(moduleID string, publicKey, nonce []byte, pcrs map[int][]byte, ts time.Time, key []byte) []byte {
	strPCRs := make(map[string][]byte, len(pcrs))
	for idx, v := range pcrs {
		strPCRs[fmt.Sprintf("%d", idx)] = v
	}

	body, err := json.Marshal(softwareDocumentBody{
		ModuleID:  moduleID,
		PublicKey: publicKey,
		Nonce:     nonce,
		PCRs:      strPCRs,
		Timestamp: ts,
	})
	if err != nil {
		// json.Marshal only fails on unsupported types; none are in play
		// here, so this indicates a programming error, not a runtime one.
		panic(fmt.Sprintf("attestation: encode software document: %v", err))
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	sig := mac.Sum(nil)

	out := make([]byte, 0, len(body)+1+len(sig))
	out = append(out, body...)
	out = append(out, '\n')
	out = append(out, sig...)
	return out
}

func decodeSoftwareDocument(raw []byte, key []byte) (*Document, error) {
	sep := len(raw) - sha256.Size - 1
	if sep < 0 || raw[sep] != '\n' {
		return nil, fmt.Errorf("attestation: malformed software document")
	}
	body := raw[:sep]
	sig := raw[sep+1:]

	mac := hmac.New(sha256.New, key)
	mac.Write(body)
	expected := mac.Sum(nil)
	if !hmac.Equal(sig, expected) {
		return nil, fmt.Errorf("attestation: software document signature invalid")
	}

	var parsed softwareDocumentBody
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("attestation: decode software document: %w", err)
	}

	pcrs := make(map[int][]byte, len(parsed.PCRs))
	for idxStr, v := range parsed.PCRs {
		var idx int
		if _, err := fmt.Sscanf(idxStr, "%d", &idx); err != nil {
			return nil, fmt.Errorf("attestation: invalid PCR index %q: %w", idxStr, err)
		}
		pcrs[idx] = v
	}

	return &Document{
		Raw:       raw,
		PublicKey: parsed.PublicKey,
		Nonce:     parsed.Nonce,
		PCRs:      pcrs,
		Timestamp: parsed.Timestamp,
		ModuleID:  parsed.ModuleID,
	}, nil
}
