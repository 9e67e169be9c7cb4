// enclavectl is the operator control CLI for enclaved/coordinatord: it
// queries a running enclave's public key and attestation, and inspects the
// Redis coordination store's peer registry and genesis lock, without ever
// touching the track SecretKey.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/mdlayher/vsock"

	"github.com/privmsg/enclave-notify/internal/ipc"
	"github.com/privmsg/enclave-notify/internal/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	Commit    = "unknown"
)

var (
	noColor     = flag.Bool("no-color", false, "disable colored output")
	showVersion = flag.Bool("version", false, "show version information")
	quiet       = flag.Bool("q", false, "suppress banner")
)

type colors struct {
	Reset, Bold, Dim, Red, Green, Yellow, Cyan string
}

var c colors

func initColors() {
	if *noColor || os.Getenv("NO_COLOR") != "" || !isTerminal() {
		c = colors{}
		return
	}
	c = colors{
		Reset: "\033[0m", Bold: "\033[1m", Dim: "\033[2m",
		Red: "\033[31m", Green: "\033[32m", Yellow: "\033[33m", Cyan: "\033[36m",
	}
}

func isTerminal() bool {
	fi, err := os.Stdout.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

const banner = `enclavectl - Secure Enclave Core operator CLI`

func main() {
	flag.Usage = usage
	flag.Parse()
	initColors()

	if *showVersion {
		printVersion()
		return
	}
	if !*quiet {
		fmt.Printf("%s%s%s\n", c.Dim, banner, c.Reset)
	}

	args := flag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	var err error
	switch args[0] {
	case "status":
		err = cmdStatus(args[1:])
	case "peers":
		err = cmdPeers(args[1:])
	case "lock":
		err = cmdLock(args[1:])
	case "help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", args[0])
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "%senclavectl: %v%s\n", c.Red, err, c.Reset)
		os.Exit(1)
	}
}

func usage() {
	fmt.Print(banner + "\n\n")
	fmt.Println(`USAGE:
    enclavectl <command> [options]

COMMANDS:
    status -cid <cid> -port <port>      Query an enclave's public key and attestation
    peers -store <addr> -track <name>   List a track's peer registry entries
    lock -store <addr> -track <name>    Show the genesis-lock holder, if any
    help                                Show this help message

FLAGS:
    -no-color    disable colored output
    -version     show version information
    -q           suppress banner`)
}

func printVersion() {
	fmt.Printf("enclavectl %s\n", Version)
	fmt.Printf("  Build:    %s\n", BuildTime)
	fmt.Printf("  Commit:   %s\n", Commit)
	fmt.Printf("  Platform: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
}

func cmdStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	cid := fs.Uint("cid", 0, "enclave vsock CID (16 for the coordinator's own supervised enclave)")
	port := fs.Uint("port", 5005, "enclave vsock port")
	timeout := fs.Duration("timeout", 10*time.Second, "RPC timeout")
	fs.Parse(args)

	conn, err := vsock.Dial(uint32(*cid), uint32(*port), nil)
	if err != nil {
		return fmt.Errorf("dial enclave: %w", err)
	}

	client := ipc.RequestClient(conn, *timeout)
	defer client.Close()

	if _, err := client.Handshake("enclavectl"); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}

	var resp ipc.PublicKeyResponse
	if err := client.Call(ipc.MsgPublicKey, &ipc.PublicKeyRequest{Nonce: nonce}, &resp); err != nil {
		return fmt.Errorf("public_key: %w", err)
	}

	fmt.Printf("%sPublic key:%s  %s\n", c.Bold, c.Reset, hex.EncodeToString(resp.PublicKey))
	fmt.Printf("%sAttestation:%s %d bytes\n", c.Bold, c.Reset, len(resp.Attestation))
	return nil
}

type peerEntryView struct {
	PeerID   string    `json:"peer_id"`
	Host     string    `json:"host"`
	Port     uint32    `json:"port"`
	LastSeen time.Time `json:"last_seen"`
}

func cmdPeers(args []string) error {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	storeAddr := fs.String("store", "", "coordination store address")
	track := fs.String("track", "", "track name")
	fs.Parse(args)
	if *storeAddr == "" || *track == "" {
		return fmt.Errorf("-store and -track are required")
	}

	st, err := store.NewRedisStore(*storeAddr, "", 0)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	raw, err := st.Read(ctx, "enclave/peers/"+*track)
	if err != nil {
		if err == store.ErrNotFound {
			fmt.Println("(no peer registry entries)")
			return nil
		}
		return fmt.Errorf("read peer registry: %w", err)
	}

	var entries []peerEntryView
	if err := json.Unmarshal(raw, &entries); err != nil {
		return fmt.Errorf("decode peer registry: %w", err)
	}

	for _, e := range entries {
		age := time.Since(e.LastSeen).Round(time.Second)
		fmt.Printf("%s%-16s%s %s:%d  %slast seen %s ago%s\n",
			c.Cyan, e.PeerID, c.Reset, e.Host, e.Port, c.Dim, age, c.Reset)
	}
	return nil
}

func cmdLock(args []string) error {
	fs := flag.NewFlagSet("lock", flag.ExitOnError)
	storeAddr := fs.String("store", "", "coordination store address")
	track := fs.String("track", "", "track name")
	fs.Parse(args)
	if *storeAddr == "" || *track == "" {
		return fmt.Errorf("-store and -track are required")
	}

	st, err := store.NewRedisStore(*storeAddr, "", 0)
	if err != nil {
		return fmt.Errorf("connect to store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Probing AcquireLock with a throwaway token and a zero TTL would
	// mutate state; instead attempt acquisition with a very short TTL and
	// release immediately if it succeeds, reporting "free" in that case.
	probeToken := "enclavectl-probe"
	err = st.AcquireLock(ctx, "enclave/genesis-lock/"+*track, probeToken, time.Second)
	if err == nil {
		st.ReleaseLock(ctx, "enclave/genesis-lock/"+*track, probeToken)
		fmt.Println("genesis lock: free")
		return nil
	}
	if err == store.ErrLockHeld {
		fmt.Println("genesis lock: held")
		return nil
	}
	return fmt.Errorf("check genesis lock: %w", err)
}
