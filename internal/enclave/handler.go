package enclave

import (
	"context"
	"fmt"

	"github.com/privmsg/enclave-notify/internal/enclaveerr"
	"github.com/privmsg/enclave-notify/internal/ipc"
)

// Handler adapts a Service to ipc.Handler, dispatching the Parent
// Coordinator's four enclave RPCs to the matching Service method and
// translating Go errors into ipc's wire ErrorResponse via enclaveerr.Code.
type Handler struct {
	svc *Service
}

// NewHandler wraps svc for use as an ipc.Server's Handler.
func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// HandleMessage implements ipc.Handler.
func (h *Handler) HandleMessage(ctx context.Context, client *ipc.Client, msg *ipc.Message) (*ipc.Message, error) {
	switch msg.Header.Type {
	case ipc.MsgInitialize:
		return h.handleInitialize(ctx, msg)
	case ipc.MsgPublicKey:
		return h.handlePublicKey(ctx, msg)
	case ipc.MsgExportKeys:
		return h.handleExportKeys(ctx, msg)
	case ipc.MsgSendNotification:
		return h.handleSendNotification(ctx, msg)
	default:
		return ipc.NewErrorMessage(msg.Header.RequestID, "invalid_request",
			fmt.Sprintf("unknown message type: %d", msg.Header.Type)), nil
	}
}

func (h *Handler) handleInitialize(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	var req ipc.InitializeRequest
	if err := msg.Decode(&req); err != nil {
		return ipc.NewErrorMessage(msg.Header.RequestID, "invalid_request", "malformed initialize request"), nil
	}

	resp, err := h.svc.Initialize(ctx, &req)
	if err != nil {
		return h.errorMessage(msg.Header.RequestID, err), nil
	}
	return ipc.NewResponse(ipc.MsgInitializeResp, msg.Header.RequestID, resp)
}

func (h *Handler) handlePublicKey(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	var req ipc.PublicKeyRequest
	if err := msg.Decode(&req); err != nil {
		return ipc.NewErrorMessage(msg.Header.RequestID, "invalid_request", "malformed public_key request"), nil
	}

	resp, err := h.svc.PublicKey(ctx, req.Nonce)
	if err != nil {
		return h.errorMessage(msg.Header.RequestID, err), nil
	}
	return ipc.NewResponse(ipc.MsgPublicKeyResp, msg.Header.RequestID, resp)
}

func (h *Handler) handleExportKeys(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	var req ipc.ExportKeysRequest
	if err := msg.Decode(&req); err != nil {
		return ipc.NewErrorMessage(msg.Header.RequestID, "invalid_request", "malformed export_keys request"), nil
	}

	resp, err := h.svc.ExportKeys(ctx, req.PeerAttestation)
	if err != nil {
		return h.errorMessage(msg.Header.RequestID, err), nil
	}
	return ipc.NewResponse(ipc.MsgExportKeysResp, msg.Header.RequestID, resp)
}

func (h *Handler) handleSendNotification(ctx context.Context, msg *ipc.Message) (*ipc.Message, error) {
	var req ipc.SendNotificationRequest
	if err := msg.Decode(&req); err != nil {
		return ipc.NewErrorMessage(msg.Header.RequestID, "invalid_request", "malformed send_notification request"), nil
	}

	resp, err := h.svc.SendNotification(ctx, &req)
	if err != nil {
		return h.errorMessage(msg.Header.RequestID, err), nil
	}
	return ipc.NewResponse(ipc.MsgSendNotificationResp, msg.Header.RequestID, resp)
}

func (h *Handler) errorMessage(requestID uint32, err error) *ipc.Message {
	return ipc.NewErrorMessage(requestID, enclaveerr.Code(err), err.Error())
}
