package enclave

import (
	"context"
	"net"
)

// Dialer opens a connection to a peer enclave during the join protocol.
// Production wiring dials AF_VSOCK (mdlayher/vsock); tests use an in-memory
// net.Pipe so the join flow can be exercised without real enclave hardware.
type Dialer func(ctx context.Context, addr string) (net.Conn, error)
