// enclaved runs inside an AWS Nitro Enclave. It holds the track SecretKey,
// serves the four enclave RPCs (initialize, public_key, export_keys,
// send_notification) to its Parent Coordinator and to peer enclaves over
// AF_VSOCK, and delivers decrypted push notifications through the parent
// EC2 host's vsock-to-TCP proxy. It has no direct network interface and no
// interactive operator.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/privmsg/enclave-notify/internal/attestation"
	"github.com/privmsg/enclave-notify/internal/config"
	"github.com/privmsg/enclave-notify/internal/enclave"
	"github.com/privmsg/enclave-notify/internal/ipc"
	"github.com/privmsg/enclave-notify/internal/logging"
	"github.com/privmsg/enclave-notify/internal/notify"
	"github.com/privmsg/enclave-notify/internal/security"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

const banner = `
░█▀▀░█▀▀▄░█▀▀░█░░░█▀▀▄░█░█░█▀▀░█▀▀▄
░█▀▀░█░▒█░█░░░█░░░█▄▄█░▀▄▀░█▀▀░█░▒█
░▀▀▀░▀░░▀░▀▀▀░▀▀▀░▀░░▀░░▀░░▀▀▀░▀▀░▀
`

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe()
	case "help", "-h", "--help":
		usage()
	case "version", "-v", "--version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(banner)
	fmt.Println(`enclaved - Secure Enclave Core for privacy-preserving push delivery

USAGE:
    enclaved <command> [options]

COMMANDS:
    serve               Run the enclave RPC server (blocks until killed)
    help                Show this help message
    version             Show version information`)
}

func printVersion() {
	fmt.Print(banner)
	fmt.Printf("enclaved %s\n", Version)
	fmt.Printf("  Build:    %s\n", BuildTime)
	fmt.Printf("  Commit:   %s\n", Commit)
	fmt.Printf("  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
}

func cmdServe() {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "/etc/enclave-notify/enclaved.toml", "path to enclaved config file")
	fs.Parse(os.Args[2:])

	cfg, err := config.LoadEnclaveConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enclaved: load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "enclaved: invalid config: %v\n", err)
		os.Exit(1)
	}

	logLevel, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		logLevel = logging.LevelInfo
	}
	logger, err := logging.New(&logging.Config{
		Level:      logLevel,
		Format:     logging.FormatJSON,
		Output:     "file",
		FilePath:   cfg.LogPath,
		MaxSize:    100,
		MaxAge:     30,
		MaxBackups: 5,
		Compress:   true,
		Component:  "enclaved",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "enclaved: init logger: %v\n", err)
		os.Exit(1)
	}

	watcher, err := config.WatchEnclaveConfig(*configPath, func(updated *config.EnclaveConfig) {
		if lvl, err := logging.ParseLevel(updated.LogLevel); err == nil {
			logger.SetLevel(lvl)
			logger.Info("log level reloaded from config", "log_level", updated.LogLevel)
		}
	}, func(err error) {
		logger.Warn("config watch error", "error", err)
	})
	if err != nil {
		logger.Warn("config hot-reload unavailable, continuing without it", "error", err)
	} else {
		defer watcher.Close()
	}

	audit, err := logging.NewAuditLogger(&logging.AuditLoggerConfig{
		FilePath:   strings.TrimSuffix(cfg.LogPath, ".log") + "-audit.log",
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "enclaved",
	})
	if err != nil {
		logger.Warn("failed to open audit log, continuing without one", "error", err)
		audit = nil
	}

	if checklist := security.RunPreflightChecklist("enclaved"); !checklist.AllPassed() {
		for _, w := range checklist.Warnings() {
			logger.Warn("preflight check failed", "warning", w)
		}
	}

	attester := attestation.NewNSMAttester()
	defer attester.Close()
	if !attester.Available() {
		logger.Warn("NSM device unavailable at startup; genesis/join attestation will fail until it is")
	}
	verifier := attestation.NewNitriteVerifier(false)

	dialer := enclave.Dialer(vsockPeerDialer)
	notifier := notify.New(notify.Config{
		Host:       cfg.PushHost,
		Path:       cfg.PushPath,
		AuthToken:  cfg.PushAuthToken,
		DialTunnel: vsockTunnelDialer(cfg.TunnelProxyCID, cfg.TunnelProxyPort),
		Timeout:    cfg.PushTimeout,
		MaxRetries: cfg.PushMaxRetries,
	}, logger)

	failures := security.NewFailureLimiter(
		cfg.AttestationFailureBackoffBase,
		cfg.AttestationFailureBackoffMax,
		5*time.Minute,
		cfg.AttestationMaxFailures,
		cfg.AttestationLockDuration,
	)

	svc := enclave.NewService(cfg, attester, verifier, dialer, notifier, failures, logger, audit)
	handler := enclave.NewHandler(svc)

	listener, err := vsock.Listen(cfg.VsockPort, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enclaved: listen on vsock port %d: %v\n", cfg.VsockPort, err)
		os.Exit(1)
	}

	serverCfg := ipc.DefaultServerConfig()
	serverCfg.Version = Version
	server := ipc.NewServer(listener, serverCfg, handler)
	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "enclaved: start server: %v\n", err)
		os.Exit(1)
	}

	if audit != nil {
		audit.LogStartup(context.Background(), Version, map[string]interface{}{"track": cfg.TrackName})
	}
	logger.Info("enclaved listening", "vsock_port", cfg.VsockPort, "track", cfg.TrackName)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("enclaved shutting down")
	server.Stop()
	if audit != nil {
		audit.LogShutdown(context.Background(), "signal")
	}
}

// vsockPeerDialer dials a peer enclave during the join protocol. addr is
// "cid:port", the coordinator-published form of a peer's registry entry.
func vsockPeerDialer(ctx context.Context, addr string) (net.Conn, error) {
	cid, port, err := parseVsockAddr(addr)
	if err != nil {
		return nil, err
	}
	return vsock.Dial(cid, port, nil)
}

// vsockTunnelDialer opens a connection to the parent host's vsock-to-TCP
// proxy that forwards push-provider traffic out of the enclave.
func vsockTunnelDialer(cid, port uint32) notify.TunnelDialer {
	return func(ctx context.Context) (net.Conn, error) {
		return vsock.Dial(cid, port, nil)
	}
}

func parseVsockAddr(addr string) (cid, port uint32, err error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, 0, fmt.Errorf("enclaved: malformed peer address %q: %w", addr, err)
	}
	cid64, err := strconv.ParseUint(host, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("enclaved: malformed peer CID %q: %w", host, err)
	}
	port64, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("enclaved: malformed peer port %q: %w", portStr, err)
	}
	return uint32(cid64), uint32(port64), nil
}
