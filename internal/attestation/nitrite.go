package attestation

import (
	"fmt"
	"time"

	"github.com/hf/nitrite"
)

// nitriteVerifier verifies Nitro attestation documents against AWS's
// published root of trust using github.com/hf/nitrite.
type nitriteVerifier struct {
	// AllowSelfSigned permits self-signed root certificates, used only by
	// local development deployments that run enclave binaries outside of
	// real Nitro hardware against a locally-issued certificate chain.
	AllowSelfSigned bool
}

// NewNitriteVerifier builds the production Verifier. allowSelfSigned
// should only be set for local development deployments that run enclave
// binaries outside of real Nitro hardware against a locally-issued
// certificate chain.
func NewNitriteVerifier(allowSelfSigned bool) *nitriteVerifier {
	return &nitriteVerifier{AllowSelfSigned: allowSelfSigned}
}

func (v *nitriteVerifier) Verify(raw []byte) (*Document, error) {
	res, err := nitrite.Verify(raw, nitrite.VerifyOptions{
		CurrentTime:         time.Now(),
		AllowSelfSignedCert: v.AllowSelfSigned,
	})
	if err != nil {
		return nil, fmt.Errorf("attestation: signature verification failed: %w", err)
	}

	pcrs := make(map[int][]byte, len(res.Document.PCRs))
	for idx, value := range res.Document.PCRs {
		pcrs[int(idx)] = value
	}

	return &Document{
		Raw:       raw,
		PublicKey: res.Document.PublicKey,
		Nonce:     res.Document.Nonce,
		PCRs:      pcrs,
		Timestamp: time.UnixMilli(int64(res.Document.Timestamp)).UTC(),
		ModuleID:  res.Document.ModuleID,
	}, nil
}
