package coordinator

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/privmsg/enclave-notify/internal/attestation"
	"github.com/privmsg/enclave-notify/internal/config"
	"github.com/privmsg/enclave-notify/internal/enclave"
	"github.com/privmsg/enclave-notify/internal/ipc"
	"github.com/privmsg/enclave-notify/internal/store"
)

// fakeListener implements net.Listener over a channel of pre-dialed
// connections, letting tests wire an ipc.Server to an in-memory net.Pipe
// rather than a real AF_VSOCK or TCP socket.
type fakeListener struct {
	conns  chan net.Conn
	closed chan struct{}
}

func newFakeListener() *fakeListener {
	return &fakeListener{conns: make(chan net.Conn, 8), closed: make(chan struct{})}
}

func (l *fakeListener) Accept() (net.Conn, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *fakeListener) Close() error {
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
	return nil
}

func (l *fakeListener) Addr() net.Addr { return fakeAddr{} }

type fakeAddr struct{}

func (fakeAddr) Network() string { return "vsock" }
func (fakeAddr) String() string  { return "vsock:fake" }

// serveEnclave wires svc behind an ipc.Server over a fakeListener and
// returns an EnclaveDialer (or enclave.Dialer, they share a signature)
// that opens a fresh net.Pipe into it per call.
func serveEnclave(t *testing.T, svc *enclave.Service) func(ctx context.Context, addr string) (net.Conn, error) {
	t.Helper()

	listener := newFakeListener()
	server := ipc.NewServer(listener, ipc.DefaultServerConfig(), enclave.NewHandler(svc))
	require.NoError(t, server.Start())
	t.Cleanup(func() { server.Stop() })

	return func(ctx context.Context, addr string) (net.Conn, error) {
		client, serverSide := net.Pipe()
		listener.conns <- serverSide
		return client, nil
	}
}

func testEnclaveConfig(track string, pcrs map[int]string) *config.EnclaveConfig {
	return &config.EnclaveConfig{
		TrackName:               track,
		RequiredPCRs:            pcrs,
		AttestationMaxAge:       time.Minute,
		PeerRPCTimeout:          2 * time.Second,
		MaxConcurrentDeliveries: 4,
	}
}

func testCoordinatorConfig(track string) *config.CoordinatorConfig {
	return &config.CoordinatorConfig{
		TrackName:        track,
		GenesisLeaseTTL:  5 * time.Second,
		PeerRegistryTTL:  5 * time.Second,
		JoinBackoffBase:  time.Millisecond,
		JoinBackoffMax:   10 * time.Millisecond,
		MaxJoinAttempts:  3,
		SelfHost:         "127.0.0.1",
		EnclaveVsockPort: 5005,
	}
}

// fakeSupervisor never exits on its own; Stop signals Wait to return.
type fakeSupervisor struct {
	exit chan error
}

func newFakeSupervisor() *fakeSupervisor { return &fakeSupervisor{exit: make(chan error, 1)} }

func (s *fakeSupervisor) Start(ctx context.Context) error { return nil }
func (s *fakeSupervisor) Wait() error                     { return <-s.exit }
func (s *fakeSupervisor) Stop(ctx context.Context) error {
	select {
	case s.exit <- nil:
	default:
	}
	return nil
}

func TestBootstrapGenesisAcquiresLockAndRegistersSelf(t *testing.T) {
	track := "T1"
	pcrs := map[int]string{0: "aa", 1: "bb", 2: "cc"}
	rawPCRs := map[int][]byte{0: {0xaa}, 1: {0xbb}, 2: {0xcc}}

	attester := attestation.NewSoftwareAttester("genesis-module", rawPCRs)
	verifier := attestation.NewStubVerifier()
	svc := enclave.NewService(testEnclaveConfig(track, pcrs), attester, verifier, nil, nil, nil, nil, nil)
	enclaveDialer := serveEnclave(t, svc)

	st := store.NewMemStore()
	coordCfg := testCoordinatorConfig(track)
	c := New(coordCfg, st, newFakeSupervisor(), func(ctx context.Context) (net.Conn, error) {
		return enclaveDialer(ctx, "")
	}, nil, nil)

	code, err := c.bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, code)

	held := st.AcquireLock(context.Background(), lockKey(track), "someone-else", time.Second)
	require.NoError(t, held, "genesis coordinator must release the lock after bootstrap")

	entries, err := c.readRegistry(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, coordCfg.SelfHost, entries[0].Host)
}

func TestBootstrapJoinSuccessWhenLockHeld(t *testing.T) {
	track := "T2"
	pcrs := map[int]string{0: "aa", 1: "bb", 2: "cc"}
	rawPCRs := map[int][]byte{0: {0xaa}, 1: {0xbb}, 2: {0xcc}}
	verifier := attestation.NewStubVerifier()

	// E1: a genesis peer the joining enclave (E2) will reach directly.
	attester1 := attestation.NewSoftwareAttester("e1-module", rawPCRs)
	svc1 := enclave.NewService(testEnclaveConfig(track, pcrs), attester1, verifier, nil, nil, nil, nil, nil)
	_, err := svc1.Initialize(context.Background(), &ipc.InitializeRequest{TrackName: track})
	require.NoError(t, err)
	peerDialerForE2 := serveEnclave(t, svc1)

	// E2: the coordinator's own supervised enclave, uninitialized, wired
	// to dial E1 as a peer during join.
	attester2 := attestation.NewSoftwareAttester("e2-module", rawPCRs)
	svc2 := enclave.NewService(testEnclaveConfig(track, pcrs), attester2, verifier, enclave.Dialer(peerDialerForE2), nil, nil, nil, nil)
	coordinatorDialer := serveEnclave(t, svc2)

	st := store.NewMemStore()
	require.NoError(t, st.AcquireLock(context.Background(), lockKey(track), "other-coordinator", time.Minute))
	require.NoError(t, st.Write(context.Background(), peersKey(track),
		[]byte(`[{"peer_id":"e1","host":"10.0.0.1","port":5005,"last_seen":"`+time.Now().Format(time.RFC3339)+`"}]`), time.Minute))

	coordCfg := testCoordinatorConfig(track)
	c := New(coordCfg, st, newFakeSupervisor(), func(ctx context.Context) (net.Conn, error) {
		return coordinatorDialer(ctx, "")
	}, nil, nil)

	code, err := c.bootstrap(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, code)
}

func TestBootstrapJoinFatalOnMeasurementMismatch(t *testing.T) {
	track := "T3"
	rawPCRs := map[int][]byte{0: {0xaa}, 1: {0xbb}, 2: {0xcc}}
	verifier := attestation.NewStubVerifier()

	attester1 := attestation.NewSoftwareAttester("e1-module", rawPCRs)
	svc1 := enclave.NewService(testEnclaveConfig(track, map[int]string{0: "aa", 1: "bb", 2: "cc"}), attester1, verifier, nil, nil, nil, nil, nil)
	_, err := svc1.Initialize(context.Background(), &ipc.InitializeRequest{TrackName: track})
	require.NoError(t, err)
	peerDialerForE2 := serveEnclave(t, svc1)

	attester2 := attestation.NewSoftwareAttester("e2-module", rawPCRs)
	// E2 requires a PCR0 value that does not match E1's actual measurement.
	svc2 := enclave.NewService(testEnclaveConfig(track, map[int]string{0: "ff", 1: "bb", 2: "cc"}), attester2, verifier, enclave.Dialer(peerDialerForE2), nil, nil, nil, nil)
	coordinatorDialer := serveEnclave(t, svc2)

	st := store.NewMemStore()
	require.NoError(t, st.AcquireLock(context.Background(), lockKey(track), "other-coordinator", time.Minute))
	require.NoError(t, st.Write(context.Background(), peersKey(track),
		[]byte(`[{"peer_id":"e1","host":"10.0.0.1","port":5005,"last_seen":"`+time.Now().Format(time.RFC3339)+`"}]`), time.Minute))

	coordCfg := testCoordinatorConfig(track)
	c := New(coordCfg, st, newFakeSupervisor(), func(ctx context.Context) (net.Conn, error) {
		return coordinatorDialer(ctx, "")
	}, nil, nil)

	code, err := c.bootstrap(context.Background())
	require.Error(t, err)
	require.Equal(t, ExitMisconfiguration, code)
}

func TestBootstrapJoinFailsAfterExhaustingAttemptsWithNoPeers(t *testing.T) {
	track := "T4"
	pcrs := map[int]string{0: "aa", 1: "bb", 2: "cc"}
	rawPCRs := map[int][]byte{0: {0xaa}, 1: {0xbb}, 2: {0xcc}}

	attester := attestation.NewSoftwareAttester("e2-module", rawPCRs)
	verifier := attestation.NewStubVerifier()
	svc := enclave.NewService(testEnclaveConfig(track, pcrs), attester, verifier, nil, nil, nil, nil, nil)
	coordinatorDialer := serveEnclave(t, svc)

	st := store.NewMemStore()
	require.NoError(t, st.AcquireLock(context.Background(), lockKey(track), "other-coordinator", time.Minute))
	// No peer registry entry is ever written, so every poll finds no live peer.

	coordCfg := testCoordinatorConfig(track)
	c := New(coordCfg, st, newFakeSupervisor(), func(ctx context.Context) (net.Conn, error) {
		return coordinatorDialer(ctx, "")
	}, nil, nil)

	code, err := c.bootstrap(context.Background())
	require.Error(t, err)
	require.Equal(t, ExitJoinFailed, code)
}

func TestRunStopsOnContextCancellation(t *testing.T) {
	track := "T5"
	pcrs := map[int]string{0: "aa", 1: "bb", 2: "cc"}
	rawPCRs := map[int][]byte{0: {0xaa}, 1: {0xbb}, 2: {0xcc}}

	attester := attestation.NewSoftwareAttester("genesis-module", rawPCRs)
	verifier := attestation.NewStubVerifier()
	svc := enclave.NewService(testEnclaveConfig(track, pcrs), attester, verifier, nil, nil, nil, nil, nil)
	enclaveDialer := serveEnclave(t, svc)

	st := store.NewMemStore()
	coordCfg := testCoordinatorConfig(track)
	coordCfg.PeerRegistryTTL = 20 * time.Millisecond
	c := New(coordCfg, st, newFakeSupervisor(), func(ctx context.Context) (net.Conn, error) {
		return enclaveDialer(ctx, "")
	}, nil, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	code, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, ExitSuccess, code)
}
