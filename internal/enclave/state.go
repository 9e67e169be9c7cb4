// Package enclave implements the in-TEE Enclave Service: the single-
// instance request/response server that owns the track secret key and
// services initialize, public_key, export_keys, and send_notification.
package enclave

import (
	"github.com/privmsg/enclave-notify/internal/enclavecrypto"
)

// Role distinguishes how this instance came to hold the track secret.
type Role string

const (
	// RoleGenesis means this instance generated the track secret itself.
	RoleGenesis Role = "genesis"
	// RoleJoined means this instance received the track secret from a peer.
	RoleJoined Role = "joined"
)

// state holds the enclave's mutable lifecycle data behind Service's single
// mutex gate. The zero value is Uninitialized.
type state struct {
	initialized bool
	trackName   string
	role        Role
	secret      enclavecrypto.SecretKey
	public      enclavecrypto.PublicKey
}

func (s *state) destroy() {
	enclavecrypto.Wipe(s.secret[:])
}
