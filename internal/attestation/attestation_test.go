package attestation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testPCRs() map[int][]byte {
	return map[int][]byte{
		0: {0x01, 0x02, 0x03},
		1: {0x04, 0x05, 0x06},
		2: {0x07, 0x08, 0x09},
	}
}

func TestSoftwareAttestVerifyRoundTrip(t *testing.T) {
	attester := NewSoftwareAttester("i-test-module", testPCRs())
	verifier := NewStubVerifier()

	pub := []byte("fake-public-key-bytes")
	nonce := []byte("fake-nonce-bytes")

	doc, err := attester.Attest(pub, nonce)
	require.NoError(t, err)

	verified, err := verifier.Verify(doc.Raw)
	require.NoError(t, err)

	require.Equal(t, pub, verified.PublicKey)
	require.Equal(t, nonce, verified.Nonce)
	require.Equal(t, "i-test-module", verified.ModuleID)
	require.Equal(t, testPCRs(), verified.PCRs)
}

func TestVerifyRejectsTamperedDocument(t *testing.T) {
	attester := NewSoftwareAttester("i-test-module", testPCRs())
	verifier := NewStubVerifier()

	doc, err := attester.Attest([]byte("pub"), []byte("nonce"))
	require.NoError(t, err)

	tampered := append([]byte{}, doc.Raw...)
	tampered[0] ^= 0xFF

	_, err = verifier.Verify(tampered)
	require.Error(t, err)
}

func TestCheckMeasurementsMismatch(t *testing.T) {
	doc := &Document{PCRs: testPCRs()}

	require.NoError(t, CheckMeasurements(doc, map[int]string{
		0: "010203",
		1: "040506",
		2: "070809",
	}))

	err := CheckMeasurements(doc, map[int]string{0: "ffffff"})
	require.Error(t, err)

	err = CheckMeasurements(doc, map[int]string{9: "anything"})
	require.Error(t, err)
}

func TestCheckFreshness(t *testing.T) {
	now := time.Now()
	doc := &Document{Timestamp: now.Add(-2 * time.Minute)}

	require.NoError(t, CheckFreshness(doc, now, 5*time.Minute))
	require.Error(t, CheckFreshness(doc, now, time.Minute))
}
