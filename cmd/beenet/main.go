// Package main implements the backup core's host process: a thin CLI
// that derives a peer identity from a mnemonic, starts the Agent, and
// exposes its control API over a local TCP listener. Any real UI talks
// to the control API rather than this binary directly; building one is
// out of scope here.
package main

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/WebFirstLanguage/beenet/pkg/agent"
	"github.com/WebFirstLanguage/beenet/pkg/control"
	"github.com/WebFirstLanguage/beenet/pkg/crypto"
	"github.com/WebFirstLanguage/beenet/pkg/log"
)

var (
	version    = "dev"
	buildTime  = "unknown"
	commitHash = "unknown"
)

var mainLog = log.Component("main")

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	switch command {
	case "version", "--version", "-v":
		printVersion()
	case "help", "--help", "-h":
		printUsage()
	case "new-mnemonic":
		runNewMnemonic()
	case "start":
		runStart(os.Args[2:])
	default:
		fmt.Printf("Unknown command: %s\n\n", command)
		printUsage()
		os.Exit(1)
	}
}

func runNewMnemonic() {
	mnemonic, err := crypto.NewMnemonic()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate mnemonic: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(mnemonic)
}

// runStart derives the peer identity from a mnemonic read on stdin,
// starts the Agent, and serves the control API until interrupted.
func runStart(args []string) {
	dataDir := "."
	listenAddr := ""
	controlAddr := "127.0.0.1:27420"
	matchmakerURL := ""

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--data-dir":
			i++
			if i < len(args) {
				dataDir = args[i]
			}
		case "--listen":
			i++
			if i < len(args) {
				listenAddr = args[i]
			}
		case "--control":
			i++
			if i < len(args) {
				controlAddr = args[i]
			}
		case "--matchmaker":
			i++
			if i < len(args) {
				matchmakerURL = args[i]
			}
		}
	}

	fmt.Fprintln(os.Stderr, "Enter mnemonic:")
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read mnemonic: %v\n", err)
		os.Exit(1)
	}
	mnemonic := strings.TrimSpace(line)

	master, err := crypto.DeriveMaster(mnemonic)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid mnemonic: %v\n", err)
		os.Exit(1)
	}

	cfg := agent.DefaultConfig()
	cfg.DataDir = dataDir
	cfg.ListenAddr = listenAddr
	cfg.MatchmakerURL = matchmakerURL

	ag, err := agent.New(master, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to construct agent: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup := agent.NewSupervisor(ag)
	if err := sup.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start agent: %v\n", err)
		os.Exit(1)
	}

	go func() {
		for ev := range ag.Events() {
			mainLog.WithField("event", string(ev.Type)).Info("agent event")
		}
	}()

	listener, err := net.Listen("tcp", controlAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to listen on control address: %v\n", err)
		os.Exit(1)
	}

	server := control.NewServer(ag)
	fmt.Printf("beenet node %s listening on control %s\n", ag.BID(), controlAddr)

	if err := server.Serve(ctx, listener); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "control server error: %v\n", err)
	}

	stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelStop()
	_ = sup.Stop(stopCtx)
}

func printVersion() {
	fmt.Printf("Beenet %s\n", version)
	fmt.Printf("Built: %s\n", buildTime)
	fmt.Printf("Commit: %s\n", commitHash)
}

func printUsage() {
	fmt.Printf(`Beenet v%s - peer-to-peer encrypted backup

Usage:
  beenet <command> [options]

Commands:
  start          Derive identity from a mnemonic (read on stdin) and run
                 the backup core, serving its control API
                   --data-dir <path>     local object store directory (default ".")
                   --listen <addr>       address to accept peer sessions on (default off)
                   --control <addr>      control API listen address (default 127.0.0.1:27420)
                   --matchmaker <url>    matchmaker endpoint to register with
  new-mnemonic   Print a freshly generated BIP-39 mnemonic
  version        Show version information
  help           Show this help message

The control API accepts GetConfig/SetConfig/StartBackup/StartRestore as
newline-delimited JSON requests; no UI is implemented here.

For more information, visit: https://github.com/WebFirstLanguage/beenet

`, version)
}
