package attestation

import (
	"fmt"
	"sync"
	"time"

	"github.com/hf/nsm"
	"github.com/hf/nsm/request"
)

// nsmAttester produces attestation documents via the AWS Nitro Security
// Module device (/dev/nsm). It is the only Attester used outside of tests.
type nsmAttester struct {
	mu      sync.Mutex
	session *nsm.Session
}

// NewNSMAttester opens a session against the NSM device. A failed open does
// not fail construction: Available() then reports false and Attest returns
// an error, so a caller can surface HardwareUnavailable at the point of use
// instead of at startup.
func NewNSMAttester() *nsmAttester {
	session, err := nsm.OpenDefaultSession()
	if err != nil {
		return &nsmAttester{session: nil}
	}
	return &nsmAttester{session: session}
}

func (a *nsmAttester) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.session != nil
}

func (a *nsmAttester) Attest(publicKey, nonce []byte) (*Document, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.session == nil {
		return nil, fmt.Errorf("attestation: nsm device not available")
	}

	res, err := a.session.Send(&request.Attestation{
		PublicKey: publicKey,
		Nonce:     nonce,
	})
	if err != nil {
		return nil, fmt.Errorf("attestation: nsm request failed: %w", err)
	}
	if res.Attestation == nil || res.Attestation.Document == nil {
		return nil, fmt.Errorf("attestation: nsm returned no document")
	}

	raw := res.Attestation.Document

	// The raw response is the CBOR-encoded COSE_Sign1 structure; parsing
	// its claims back out goes through the same verifier used for peer
	// documents, so that both attesting and verifying agree on the
	// document's shape.
	doc, err := (&nitriteVerifier{}).Verify(raw)
	if err != nil {
		return nil, fmt.Errorf("attestation: parse own document: %w", err)
	}
	doc.Timestamp = time.Now().UTC()
	return doc, nil
}

func (a *nsmAttester) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	a.session.Close()
	a.session = nil
	return nil
}
