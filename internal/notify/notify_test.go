package notify

import (
	"bufio"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/privmsg/enclave-notify/internal/enclaveerr"
	"github.com/privmsg/enclave-notify/internal/ipc"
)

// fakeProvider accepts one TLS connection over conn, reads (and discards)
// the hand-built HTTP request, and writes back a fixed status line for
// each call in statusLines, in order.
func fakeProvider(t *testing.T, conn net.Conn, cert tls.Certificate, statusLines []string) {
	t.Helper()
	defer conn.Close()

	tlsConn := tls.Server(conn, &tls.Config{Certificates: []tls.Certificate{cert}})
	defer tlsConn.Close()

	if err := tlsConn.Handshake(); err != nil {
		return
	}

	r := bufio.NewReader(tlsConn)
	for _, status := range statusLines {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		if _, err := tlsConn.Write([]byte(status + "\r\n\r\n")); err != nil {
			return
		}
	}
}

// selfSignedCert generates an ephemeral self-signed certificate, the same
// approach the nitriding reference code uses for an enclave's own HTTPS
// certificate, here standing in for the fake provider's.
func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"enclave-notify test"}},
		DNSNames:              []string{"push.example.internal"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	require.NoError(t, err)

	cert := tls.Certificate{
		Certificate: [][]byte{der},
		PrivateKey:  priv,
	}
	return cert
}

func pipeTunnel(t *testing.T, statusLines []string) TunnelDialer {
	cert := selfSignedCert(t)
	return func(ctx context.Context) (net.Conn, error) {
		client, server := net.Pipe()
		go fakeProvider(t, server, cert, statusLines)
		return client, nil
	}
}

func testTLSConfig() *tls.Config {
	return &tls.Config{ServerName: "push.example.internal", InsecureSkipVerify: true}
}

func TestDeliverSuccess(t *testing.T) {
	cfg := Config{
		Host:       "push.example.internal",
		Path:       "/v1/push",
		AuthToken:  "test-token",
		DialTunnel: pipeTunnel(t, []string{"HTTP/1.1 200 OK"}),
		TLSConfig:  testTLSConfig(),
		Timeout:    2 * time.Second,
	}
	n := New(cfg, nil)

	err := n.Deliver(context.Background(), ipc.NotificationJob{Topic: "topic-0"}, []byte("decrypted-push-id"))
	require.NoError(t, err)
}

func TestDeliverAuthFailureNotRetried(t *testing.T) {
	tunnel := pipeTunnel(t, []string{"HTTP/1.1 401 Unauthorized"})
	dials := 0
	cfg := Config{
		Host:      "push.example.internal",
		Path:      "/v1/push",
		AuthToken: "bad-token",
		DialTunnel: func(ctx context.Context) (net.Conn, error) {
			dials++
			return tunnel(ctx)
		},
		TLSConfig:  testTLSConfig(),
		Timeout:    2 * time.Second,
		MaxRetries: 3,
	}
	n := New(cfg, nil)

	err := n.Deliver(context.Background(), ipc.NotificationJob{Topic: "topic-0"}, []byte("decrypted-push-id"))
	require.Error(t, err)
	require.True(t, errors.Is(err, enclaveerr.PushAuthFailure))
	require.Equal(t, 1, dials)
}

func TestDeliverTransientExhaustsRetries(t *testing.T) {
	tunnel := pipeTunnel(t, []string{"HTTP/1.1 503 Service Unavailable", "HTTP/1.1 503 Service Unavailable"})
	dials := 0
	cfg := Config{
		Host:      "push.example.internal",
		Path:      "/v1/push",
		AuthToken: "test-token",
		DialTunnel: func(ctx context.Context) (net.Conn, error) {
			dials++
			return tunnel(ctx)
		},
		TLSConfig:      testTLSConfig(),
		Timeout:        2 * time.Second,
		MaxRetries:     1,
		RetryBaseDelay: time.Millisecond,
	}
	n := New(cfg, nil)

	err := n.Deliver(context.Background(), ipc.NotificationJob{Topic: "topic-0"}, []byte("decrypted-push-id"))
	require.Error(t, err)
	require.True(t, errors.Is(err, enclaveerr.PushTransient))
	// MaxRetries 1: the first attempt and one retry.
	require.Equal(t, 2, dials)
}

func TestClassifyStatus(t *testing.T) {
	require.NoError(t, classifyStatus(204))
	require.True(t, errors.Is(classifyStatus(403), enclaveerr.PushAuthFailure))
	require.True(t, errors.Is(classifyStatus(404), enclaveerr.PushPermanent))
	require.True(t, errors.Is(classifyStatus(500), enclaveerr.PushTransient))
}
