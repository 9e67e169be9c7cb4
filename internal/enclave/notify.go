package enclave

import (
	"context"

	"github.com/privmsg/enclave-notify/internal/ipc"
)

// Notifier delivers a single decrypted push notification to the provider
// network. Implemented by internal/notify; kept as a narrow interface here
// so this package never imports the transport/provider details it doesn't
// need to classify delivery outcomes.
//
// Deliver returns nil on success, or an error wrapping one of
// enclaveerr.PushTransient, enclaveerr.PushPermanent, or
// enclaveerr.PushAuthFailure so Service.SendNotification can classify and,
// for PushAuthFailure, abort the remaining batch.
type Notifier interface {
	Deliver(ctx context.Context, job ipc.NotificationJob, pushID []byte) error
}
