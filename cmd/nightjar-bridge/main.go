// Command nightjar-bridge drives a Relay Bridge (spec §4.5) from an edge
// app's point of view: it reads lines from stdin and forwards each as a
// local CRDT update, logging the bridge's state changes. A real
// caller would plug in its actual CRDT engine in place of
// internal/demoadapter, which this command uses purely to exercise the
// bridge end to end.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nightjar-mesh/relaymesh/internal/bridge"
	"github.com/nightjar-mesh/relaymesh/internal/config"
	"github.com/nightjar-mesh/relaymesh/internal/demoadapter"
	"github.com/nightjar-mesh/relaymesh/internal/lifecycle"
)

func main() {
	relayURL := flag.String("relay", "", "relay base URL, e.g. ws://127.0.0.1:8787 (overrides config)")
	room := flag.String("room", "", "room id to join (overrides config)")
	auth := flag.String("auth", "", "auth token, if the room requires one")
	socks := flag.String("socks", "", "optional SOCKS5 proxy address")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: nightjar-bridge <peer-directory> -relay <url> -room <id>")
		os.Exit(1)
	}

	absDir, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		log.Fatalf("invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "nightjar.json")
	cfg, _, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if lvl, err := logging.LevelFromString(cfg.Log.Level); err == nil {
		logging.SetAllLoggers(lvl)
	}

	url := cfg.Bridge.RelayURL
	if *relayURL != "" {
		url = *relayURL
	}
	roomID := cfg.Bridge.Room
	if *room != "" {
		roomID = *room
	}
	token := cfg.Bridge.AuthToken
	if *auth != "" {
		token = *auth
	}
	proxy := cfg.Bridge.SOCKSAddr
	if *socks != "" {
		proxy = *socks
	}
	if url == "" || roomID == "" {
		fmt.Fprintln(os.Stderr, "Error: -relay and -room are required (or set bridge.relay_url / bridge.room in nightjar.json)")
		os.Exit(1)
	}
	roomURL := strings.TrimRight(url, "/") + "/" + roomID

	shutdown := lifecycle.NewShutdownGroup(10 * time.Second)
	shutdown.NotifyOnSignal()

	doc := demoadapter.New()
	rb := bridge.New(bridge.Config{
		URL:       roomURL,
		Room:      roomID,
		AuthToken: token,
		SOCKSAddr: proxy,
		CRDT:      doc,
	})
	shutdown.Register(func(ctx context.Context) { rb.Disconnect() })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-shutdown.Done()
		cancel()
	}()

	fmt.Printf("connecting to %s ...\n", roomURL)
	rb.Connect(ctx)

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		last := bridge.State("")
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if s := rb.State(); s != last {
					log.Printf("bridge state: %s", s)
					last = s
				}
			}
		}
	}()

	fmt.Println("Type a line and press Enter to send it as a local update (Ctrl+D or Ctrl+C to quit).")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		doc.PushLocalUpdate([]byte(line))
	}

	shutdown.Shutdown()
	<-shutdown.Done()
	log.Println("bridge stopped")
}
