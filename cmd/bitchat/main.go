package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/permissionlesstech/bitchat-core/internal/bus"
	"github.com/permissionlesstech/bitchat-core/internal/core"
	"github.com/permissionlesstech/bitchat-core/internal/trust"
	"github.com/permissionlesstech/bitchat-core/pkg/utils"
)

const AppVersion = "0.2.0"

// Config holds the command-line configuration.
type Config struct {
	DeviceName string
	DataDir    string
	Debug      bool
}

// AppState is the CLI's local view of the session: channel membership,
// blocked peers, and nickname↔peer_id mapping learned from /w peer listings.
type AppState struct {
	Config         *Config
	Node           *core.Node
	CurrentChannel string
	NicknameToPeer map[string][8]byte
	BlockedPeers   map[[8]byte]bool
	Running        bool
}

func main() {
	config := &Config{}
	flag.StringVar(&config.DeviceName, "name", "", "device name (generated if unset)")
	flag.StringVar(&config.DataDir, "data", "", "directory for persistent data (default: ~/.bitchat)")
	flag.BoolVar(&config.Debug, "debug", false, "enable debug logging")
	flag.Parse()

	if config.DataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			fmt.Println("error resolving home directory:", err)
			os.Exit(1)
		}
		config.DataDir = filepath.Join(homeDir, ".bitchat")
	}
	if err := os.MkdirAll(config.DataDir, 0700); err != nil {
		fmt.Println("error creating data directory:", err)
		os.Exit(1)
	}
	if config.DeviceName == "" {
		config.DeviceName = fmt.Sprintf("user-%x", utils.GenerateRandomID(4))
	}

	node, err := core.New(core.Config{
		DeviceName:     config.DeviceName,
		Nickname:       config.DeviceName,
		TrustStorePath: filepath.Join(config.DataDir, "trust.db"),
	})
	if err != nil {
		fmt.Println("error initializing node:", err)
		os.Exit(1)
	}

	appState := &AppState{
		Config:         config,
		Node:           node,
		NicknameToPeer: make(map[string][8]byte),
		BlockedPeers:   make(map[[8]byte]bool),
		Running:        true,
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := node.Start(ctx); err != nil {
		fmt.Println("error starting node:", err)
		os.Exit(1)
	}

	fmt.Println("Bitchat", AppVersion)
	fmt.Println("device name:", config.DeviceName)
	fmt.Println("peer_id:", fmt.Sprintf("%x", node.SelfID()))
	fmt.Println("data directory:", config.DataDir)
	fmt.Println("type /help for commands")

	go eventLoop(appState)
	go inputLoop(appState)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nshutting down...")
	appState.Running = false
	cancel()
	_ = node.Stop()
	fmt.Println("bitchat stopped")
}

// eventLoop renders events published to the node's bus.
func eventLoop(appState *AppState) {
	for ev := range appState.Node.Bus().Events() {
		switch ev.Kind {
		case bus.EventMessageReceived:
			if appState.BlockedPeers[ev.From] {
				continue
			}
			if ev.Channel != "" {
				if ev.Channel == appState.CurrentChannel {
					fmt.Printf("[%s] %x: %s\n", ev.Channel, ev.From, ev.Content)
				}
			} else {
				fmt.Printf("[broadcast] %x: %s\n", ev.From, ev.Content)
			}
		case bus.EventPeerAuthenticated:
			fmt.Printf("peer authenticated: %x\n", ev.PeerID)
		case bus.EventPeerLost:
			fmt.Printf("peer lost: %x\n", ev.PeerID)
		case bus.EventDeliveryAck:
			if appState.Config.Debug {
				fmt.Printf("delivery ack %x: status=%d\n", ev.MessageID, ev.Status)
			}
		case bus.EventReassemblyFailed:
			if appState.Config.Debug {
				fmt.Printf("reassembly failed for message %x\n", ev.MessageID)
			}
		case bus.EventHandshakeFailed:
			if appState.Config.Debug {
				fmt.Printf("handshake failed with %x\n", ev.PeerID)
			}
		}
	}
}

func inputLoop(appState *AppState) {
	scanner := bufio.NewScanner(os.Stdin)
	for appState.Running && scanner.Scan() {
		processUserInput(scanner.Text(), appState)
	}
}

func processUserInput(input string, appState *AppState) {
	if strings.TrimSpace(input) == "" {
		return
	}
	if strings.HasPrefix(input, "/") {
		parts := strings.SplitN(input, " ", 2)
		args := ""
		if len(parts) > 1 {
			args = parts[1]
		}
		processCommand(parts[0], args, appState)
		return
	}

	if appState.CurrentChannel == "" {
		fmt.Println("you are not in a channel. Use /j #channel to join one.")
		return
	}
	result := appState.Node.Bus().Submit(bus.Command{Kind: bus.CmdSendBroadcast, Content: input})
	if result != bus.Accepted {
		fmt.Println("message not accepted:", result)
	}
}

func processCommand(command, args string, appState *AppState) {
	switch command {
	case "/j", "/join":
		if args == "" || !strings.HasPrefix(args, "#") {
			fmt.Println("usage: /j #channel")
			return
		}
		appState.CurrentChannel = args
		fmt.Printf("joined channel %s\n", args)

	case "/m", "/msg":
		parts := strings.SplitN(args, " ", 2)
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "@") {
			fmt.Println("usage: /m @user message")
			return
		}
		nickname := parts[0][1:]
		peerID, ok := appState.NicknameToPeer[nickname]
		if !ok {
			fmt.Printf("user %s not found\n", nickname)
			return
		}
		result := appState.Node.Bus().Submit(bus.Command{Kind: bus.CmdSendDirect, PeerID: peerID, Content: parts[1]})
		switch result {
		case bus.Accepted:
			fmt.Printf("[private to %s]: %s\n", nickname, parts[1])
		default:
			fmt.Println("handshake in progress with", nickname, "- resend shortly")
		}

	case "/w", "/who":
		fmt.Println("known peers:")
		peers := appState.Node.Peers()
		if len(peers) == 0 {
			fmt.Println("  none")
		}
		for _, p := range peers {
			fmt.Printf("  %x  %s  %s\n", p.PeerID, p.Nickname, p.Liveness)
			if p.Nickname != "" {
				appState.NicknameToPeer[p.Nickname] = p.PeerID
			}
		}

	case "/channels":
		if appState.CurrentChannel == "" {
			fmt.Println("no active channel")
		} else {
			fmt.Println("current channel:", appState.CurrentChannel)
		}

	case "/block":
		peerID, ok := appState.NicknameToPeer[strings.TrimPrefix(strings.TrimSpace(args), "@")]
		if !ok {
			fmt.Println("unknown user:", args)
			return
		}
		appState.BlockedPeers[peerID] = true
		fmt.Println("blocked", args)

	case "/unblock":
		peerID, ok := appState.NicknameToPeer[strings.TrimPrefix(strings.TrimSpace(args), "@")]
		if !ok {
			fmt.Println("unknown user:", args)
			return
		}
		delete(appState.BlockedPeers, peerID)
		fmt.Println("unblocked", args)

	case "/trust":
		// /trust @user yes|no
		parts := strings.SplitN(args, " ", 2)
		if len(parts) < 2 || !strings.HasPrefix(parts[0], "@") {
			fmt.Println("usage: /trust @user yes|no")
			return
		}
		nickname := parts[0][1:]
		peerID, ok := appState.NicknameToPeer[nickname]
		if !ok {
			fmt.Println("unknown user:", nickname)
			return
		}
		store := appState.Node.TrustStore()
		if store == nil {
			fmt.Println("no trust store configured")
			return
		}
		var fingerprint [32]byte
		for _, p := range appState.Node.Peers() {
			if p.PeerID == peerID {
				fingerprint = p.Fingerprint
				break
			}
		}
		trusted := strings.TrimSpace(parts[1]) == "yes"
		if err := store.Set(fingerprint, trust.Label{Trusted: trusted, Nickname: nickname, UpdatedAt: time.Now()}); err != nil {
			fmt.Println("error saving trust label:", err)
			return
		}
		fmt.Println("trust label saved for", nickname)

	case "/clear":
		appState.CurrentChannel = ""
		fmt.Println("left channel")

	case "/panic":
		appState.Node.Panic()
		fmt.Println("panic: all sessions and peer state wiped")

	case "/help":
		printHelp()

	case "/quit", "/exit":
		appState.Running = false
		_ = syscall.Kill(syscall.Getpid(), syscall.SIGTERM)

	default:
		fmt.Println("unknown command, type /help")
	}
}

func printHelp() {
	fmt.Println(`commands:
  /j #channel        join a channel
  /m @user msg       send a private message
  /w                 list known peers
  /channels          show current channel
  /block @user       block a peer
  /unblock @user     unblock a peer
  /trust @user yes|no   record a persisted trust label for a peer
  /clear             leave the current channel
  /panic             wipe all session and peer state immediately
  /help              show this message
  /quit              exit`)
}
