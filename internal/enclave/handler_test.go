package enclave

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/privmsg/enclave-notify/internal/attestation"
	"github.com/privmsg/enclave-notify/internal/ipc"
)

func TestHandlerDispatchesInitializeAndPublicKey(t *testing.T) {
	cfg := testConfig(t)
	attester := attestation.NewSoftwareAttester("m", testPCRs())
	verifier := attestation.NewStubVerifier()
	svc := NewService(cfg, attester, verifier, nil, nil, nil, nil, nil)
	h := NewHandler(svc)

	initMsg, err := ipc.NewJSONMessage(ipc.MsgInitialize, 1, &ipc.InitializeRequest{TrackName: cfg.TrackName})
	require.NoError(t, err)

	resp, err := h.HandleMessage(context.Background(), nil, initMsg)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgInitializeResp, resp.Header.Type)

	var initResp ipc.InitializeResponse
	require.NoError(t, resp.Decode(&initResp))
	require.Equal(t, string(RoleGenesis), initResp.Role)

	pkMsg, err := ipc.NewJSONMessage(ipc.MsgPublicKey, 2, &ipc.PublicKeyRequest{Nonce: []byte("nonce")})
	require.NoError(t, err)

	resp, err = h.HandleMessage(context.Background(), nil, pkMsg)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgPublicKeyResp, resp.Header.Type)
}

func TestHandlerReturnsErrorMessageOnAlreadyInitialized(t *testing.T) {
	cfg := testConfig(t)
	attester := attestation.NewSoftwareAttester("m", testPCRs())
	verifier := attestation.NewStubVerifier()
	svc := NewService(cfg, attester, verifier, nil, nil, nil, nil, nil)
	h := NewHandler(svc)

	initMsg, err := ipc.NewJSONMessage(ipc.MsgInitialize, 1, &ipc.InitializeRequest{TrackName: cfg.TrackName})
	require.NoError(t, err)

	_, err = h.HandleMessage(context.Background(), nil, initMsg)
	require.NoError(t, err)

	initMsg2, err := ipc.NewJSONMessage(ipc.MsgInitialize, 2, &ipc.InitializeRequest{TrackName: cfg.TrackName})
	require.NoError(t, err)

	resp, err := h.HandleMessage(context.Background(), nil, initMsg2)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgError, resp.Header.Type)

	var errResp ipc.ErrorResponse
	require.NoError(t, resp.Decode(&errResp))
	require.Equal(t, "already_initialized", errResp.Code)
}

func TestHandlerUnknownMessageType(t *testing.T) {
	cfg := testConfig(t)
	attester := attestation.NewSoftwareAttester("m", testPCRs())
	verifier := attestation.NewStubVerifier()
	svc := NewService(cfg, attester, verifier, nil, nil, nil, nil, nil)
	h := NewHandler(svc)

	msg := ipc.NewMessage(ipc.MsgShutdown, 1, nil)
	resp, err := h.HandleMessage(context.Background(), nil, msg)
	require.NoError(t, err)
	require.Equal(t, ipc.MsgError, resp.Header.Type)
}
