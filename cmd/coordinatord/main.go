// coordinatord is the Parent Coordinator: the host-side process that
// supervises one enclaved instance, elects genesis-vs-join against the
// shared Redis coordination store, and keeps the peer registry fresh for
// the lifetime of the track. It never sees the track SecretKey.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/mdlayher/vsock"

	"github.com/privmsg/enclave-notify/internal/config"
	"github.com/privmsg/enclave-notify/internal/coordinator"
	"github.com/privmsg/enclave-notify/internal/logging"
	"github.com/privmsg/enclave-notify/internal/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

const banner = `
░█▀▀░█▀▀█░█▀▀█░█▀▀█░█▀▀▄░░▀░░█▀▀▄░█▀▀▄░▀█▀░█▀▀█░█▀▀▄░█▀▀▄
░█░░░█░░█░█░░█░█▄▄▀░█░▒█░░█░░█░▒█░█▄▄█░░█░░█░░█░█▄▄▀░█░▒█
░▀▀▀░▀▀▀▀░▀▀▀▀░▀░▀▀░▀▀▀░░▀▀▀░▀░░▀░▀░░▀░░▀░░▀▀▀▀░▀░▀▀░▀▀▀░
`

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "run":
		os.Exit(int(cmdRun()))
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
	fmt.Println(`coordinatord - Parent Coordinator for the Secure Enclave Core

USAGE:
    coordinatord <command> [options]

COMMANDS:
    run                 Supervise the enclave and run the coordination protocol
    help                Show this help message
    version             Show version information

EXIT CODES:
    0  success (peer registry heartbeat loop was cancelled cleanly)
    2  misconfiguration or unrecoverable protocol error
    3  join protocol exhausted its retry budget
    4  supervised enclave process exited
    5  coordination store unavailable`)
}

func printVersion() {
	fmt.Print(banner)
	fmt.Printf("coordinatord %s\n", Version)
	fmt.Printf("  Build:    %s\n", BuildTime)
	fmt.Printf("  Commit:   %s\n", Commit)
	fmt.Printf("  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
}

func cmdRun() coordinator.ExitCode {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "/etc/enclave-notify/coordinatord.toml", "path to coordinatord config file")
	useNitro := fs.Bool("nitro", false, "supervise the enclave via the Nitro CLI instead of a local subprocess")
	fs.Parse(os.Args[2:])

	cfg, err := config.LoadCoordinatorConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: load config: %v\n", err)
		return coordinator.ExitMisconfiguration
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: invalid config: %v\n", err)
		return coordinator.ExitMisconfiguration
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
		Component:  "coordinatord",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "coordinatord: init logger: %v\n", err)
		return coordinator.ExitMisconfiguration
	}

	watcher, err := config.WatchCoordinatorConfig(*configPath, func(updated *config.CoordinatorConfig) {
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
		FilePath:   trimLogExt(cfg.LogPath) + "-audit.log",
		MaxSize:    50,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "coordinatord",
	})
	if err != nil {
		logger.Warn("failed to open audit log, continuing without one", "error", err)
		audit = nil
	}

	st, err := store.NewRedisStore(cfg.StoreAddr, cfg.StorePassword, cfg.StoreDB)
	if err != nil {
		logger.Error("coordination store unavailable", "error", err)
		return coordinator.ExitStoreUnavailable
	}
	defer st.Close()

	var supervisor coordinator.Supervisor
	if *useNitro {
		supervisor = coordinator.NewNitroSupervisor(cfg.EnclaveBinaryPath)
	} else {
		supervisor = coordinator.NewProcessSupervisor(cfg.EnclaveBinaryPath).
			WithPrivilegeDrop(cfg.RunAsUID, cfg.RunAsGID)
	}

	dialEnclave := func(ctx context.Context) (net.Conn, error) {
		return vsock.Dial(cfg.EnclaveCID, cfg.EnclaveVsockPort, nil)
	}

	c := coordinator.New(cfg, st, supervisor, dialEnclave, logger, audit)

	crash := logging.NewCrashHandler(&logging.CrashHandlerConfig{
		CrashDir:  logging.DefaultCrashDir(),
		Version:   Version,
		Component: "coordinatord",
	})
	crash.SetTrackName(cfg.TrackName)

	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("coordinatord received shutdown signal")
		cancel()
	}()

	if audit != nil {
		audit.LogStartup(context.Background(), Version, map[string]interface{}{"track": cfg.TrackName})
	}

	var (
		code    coordinator.ExitCode
		runErr  error
	)
	crash.Recover(func() {
		code, runErr = c.Run(ctx)
	})
	if runErr != nil {
		logger.Error("coordinator run ended with error", "error", runErr, "exit_code", code.String())
	}

	if audit != nil {
		audit.LogShutdown(context.Background(), code.String())
	}

	return code
}

func trimLogExt(path string) string {
	if len(path) > 4 && path[len(path)-4:] == ".log" {
		return path[:len(path)-4]
	}
	return path
}
