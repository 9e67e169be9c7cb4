// Package notify implements the enclave's outbound leg: decrypting a push
// identifier is internal/enclavecrypto's job, but turning the result into a
// delivered push notification means reaching the provider's HTTPS endpoint
// from inside a Nitro enclave, which has no routable network interface of
// its own. Every byte on the wire here is written by hand rather than
// through net/http, since the only path out is a single AF_VSOCK tunnel to
// a vsock-to-TCP proxy process on the parent EC2 host, not a
// general-purpose network stack.
package notify

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/privmsg/enclave-notify/internal/enclaveerr"
	"github.com/privmsg/enclave-notify/internal/ipc"
	"github.com/privmsg/enclave-notify/internal/logging"
)

// TunnelDialer opens a raw connection to the push provider, tunneled
// through the parent EC2 host's vsock-to-TCP proxy. Production wiring
// dials AF_VSOCK to that proxy's CID and port; tests substitute an
// in-memory net.Pipe paired with a fake provider.
type TunnelDialer func(ctx context.Context) (net.Conn, error)

// Config configures a Notifier.
type Config struct {
	// Host is both the TLS ServerName and the HTTP Host header.
	Host string
	// Path is the provider's push endpoint, e.g. "/v1/push".
	Path string
	// AuthToken is sent as "Authorization: Bearer <token>".
	AuthToken string

	DialTunnel TunnelDialer

	// TLSConfig overrides the default tls.Config (ServerName: Host, a
	// minimum of TLS 1.2). Tests use this to accept a self-signed fake
	// provider's certificate instead of verifying against the real public
	// CA roots.
	TLSConfig *tls.Config

	// Timeout bounds one delivery attempt, covering dial, TLS handshake,
	// write, and response read.
	Timeout time.Duration
	// MaxRetries bounds retry attempts for a PushTransient outcome.
	MaxRetries int
	// RetryBaseDelay is the first retry backoff; it doubles each attempt.
	RetryBaseDelay time.Duration

	// RateLimit and RateBurst pace outbound calls to the provider across
	// the whole batch, independent of per-job retry backoff.
	RateLimit rate.Limit
	RateBurst int
}

// pushRequestBody is the JSON body sent to the provider. PushID is the
// decrypted, opaque identifier the provider actually delivers to; it never
// touches a log line or audit event.
type pushRequestBody struct {
	PushID  string `json:"push_id"`
	Topic   string `json:"topic"`
	Payload []byte `json:"payload"`
}

// Notifier implements enclave.Notifier against a real push provider.
type Notifier struct {
	cfg     Config
	limiter *rate.Limiter
	logger  *logging.Logger
}

// New builds a Notifier. logger may be nil.
func New(cfg Config, logger *logging.Logger) *Notifier {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 50
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 10
	}

	return &Notifier{
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:  logger,
	}
}

// Deliver sends one push notification, retrying PushTransient outcomes up
// to cfg.MaxRetries with doubling backoff. PushPermanent and PushAuthFailure
// are not retried.
func (n *Notifier) Deliver(ctx context.Context, job ipc.NotificationJob, pushID []byte) error {
	var lastErr error

	for attempt := 0; attempt <= n.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := n.cfg.RetryBaseDelay << uint(attempt-1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := n.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%w: rate limiter: %v", enclaveerr.PushTransient, err)
		}

		err := n.deliverOnce(ctx, job, pushID)
		if err == nil {
			return nil
		}
		lastErr = err

		if !errors.Is(err, enclaveerr.PushTransient) {
			return err
		}
		n.logWarn("push delivery attempt failed, retrying", "topic", job.Topic, "attempt", attempt, "error", err)
	}

	return lastErr
}

func (n *Notifier) deliverOnce(ctx context.Context, job ipc.NotificationJob, pushID []byte) error {
	deadline := time.Now().Add(n.cfg.Timeout)
	dialCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	conn, err := n.cfg.DialTunnel(dialCtx)
	if err != nil {
		return fmt.Errorf("%w: dial provider tunnel: %v", enclaveerr.PushTransient, err)
	}
	defer conn.Close()
	conn.SetDeadline(deadline)

	tlsConfig := n.cfg.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{ServerName: n.cfg.Host, MinVersion: tls.VersionTLS12}
	}
	tlsConn := tls.Client(conn, tlsConfig)
	defer tlsConn.Close()
	if err := tlsConn.HandshakeContext(dialCtx); err != nil {
		return fmt.Errorf("%w: tls handshake: %v", enclaveerr.PushTransient, err)
	}

	body, err := json.Marshal(pushRequestBody{
		PushID:  base64.StdEncoding.EncodeToString(pushID),
		Topic:   job.Topic,
		Payload: job.Payload,
	})
	if err != nil {
		return fmt.Errorf("%w: marshal request: %v", enclaveerr.PushPermanent, err)
	}

	if _, err := tlsConn.Write(n.buildRequest(body)); err != nil {
		return fmt.Errorf("%w: write request: %v", enclaveerr.PushTransient, err)
	}

	status, err := readStatusLine(tlsConn)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", enclaveerr.PushTransient, err)
	}

	return classifyStatus(status)
}

func (n *Notifier) buildRequest(body []byte) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "POST %s HTTP/1.1\r\n", n.cfg.Path)
	fmt.Fprintf(&b, "Host: %s\r\n", n.cfg.Host)
	fmt.Fprintf(&b, "Authorization: Bearer %s\r\n", n.cfg.AuthToken)
	b.WriteString("Content-Type: application/json\r\n")
	fmt.Fprintf(&b, "Content-Length: %d\r\n", len(body))
	b.WriteString("Connection: close\r\n\r\n")
	b.Write(body)
	return []byte(b.String())
}

// readStatusLine reads "HTTP/1.1 <code> <reason>\r\n" and returns <code>.
// It does not parse headers or a body; the caller closes the connection
// immediately after, matching the "Connection: close" request above.
func readStatusLine(conn net.Conn) (int, error) {
	r := bufio.NewReader(conn)
	line, err := r.ReadString('\n')
	if err != nil {
		return 0, err
	}

	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 {
		return 0, fmt.Errorf("notify: malformed status line %q", line)
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("notify: malformed status code %q: %w", parts[1], err)
	}
	return code, nil
}

func classifyStatus(code int) error {
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == 401 || code == 403:
		return fmt.Errorf("%w: provider returned %d", enclaveerr.PushAuthFailure, code)
	case code >= 400 && code < 500:
		return fmt.Errorf("%w: provider returned %d", enclaveerr.PushPermanent, code)
	default:
		return fmt.Errorf("%w: provider returned %d", enclaveerr.PushTransient, code)
	}
}

func (n *Notifier) logWarn(msg string, args ...any) {
	if n.logger != nil {
		n.logger.Warn(msg, args...)
	}
}
