// Command nightjar-relay runs a Signaling/Relay Server (spec §4.4) with an
// embedded Mesh Participant (spec §4.3), matching the teacher's
// "peer directory holds a JSON config" CLI shape but with the relay/mesh
// domain in place of the teacher's content-serving one.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/nightjar-mesh/relaymesh/internal/config"
	"github.com/nightjar-mesh/relaymesh/internal/lifecycle"
	"github.com/nightjar-mesh/relaymesh/internal/mesh"
	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
	"github.com/nightjar-mesh/relaymesh/internal/relayserver"
	"github.com/nightjar-mesh/relaymesh/internal/store"
	"github.com/nightjar-mesh/relaymesh/internal/util"
)

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

var (
	showHelp = flag.Bool("h", false, "Show help")
	version  = flag.Bool("version", false, "Show version")
)

func main() {
	flag.Parse()

	if *version {
		fmt.Printf("nightjar-relay v%s\n", appVersion)
		return
	}
	if *showHelp || flag.NArg() < 1 {
		fmt.Println("Usage: nightjar-relay <peer-directory>")
		fmt.Println()
		fmt.Println("Environment:")
		fmt.Println("  NIGHTJAR_MODE            host | relay | private (default host)")
		fmt.Println("  PUBLIC_URL               wss:// endpoint announced on the mesh")
		fmt.Println("  MAX_PEERS_PER_ROOM       per-room subscriber cap (default 100)")
		fmt.Println("  NIGHTJAR_LISTEN_ADDR     WebSocket listen address (default :8787)")
		fmt.Println("  NIGHTJAR_DATA_DIR        data directory for the sqlite store")
		fmt.Println("  NIGHTJAR_LOG_LEVEL       ipfs/go-log level (default info)")
		if flag.NArg() < 1 {
			os.Exit(1)
		}
		return
	}

	absDir, err := filepath.Abs(flag.Arg(0))
	if err != nil {
		log.Fatalf("invalid peer directory: %v", err)
	}
	if err := os.MkdirAll(absDir, 0o755); err != nil {
		log.Fatalf("create peer directory: %v", err)
	}

	cfgPath := filepath.Join(absDir, "nightjar.json")
	cfg, created, err := config.Ensure(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if created {
		log.Printf("wrote default config to %s", cfgPath)
	}

	if lvl, err := logging.LevelFromString(cfg.Log.Level); err == nil {
		logging.SetAllLoggers(lvl)
	}

	printRelayBanner(absDir, cfgPath, cfg)

	shutdown := lifecycle.NewShutdownGroup(30 * time.Second)
	shutdown.NotifyOnSignal()

	dataDir := util.ResolvePath(absDir, cfg.Mesh.DataDir)
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		log.Fatalf("create data dir: %v", err)
	}

	var db *store.DB
	if cfg.Server.Mode != meshproto.ModePrivate {
		db, err = store.Open(filepath.Join(dataDir, "relay.sqlite"))
		if err != nil {
			log.Fatalf("open store: %v", err)
		}
	}

	var participant *mesh.Participant
	if cfg.Server.Mode != meshproto.ModePrivate {
		participant = mesh.New(mesh.Config{
			Enabled:            cfg.Mesh.Enabled,
			RelayMode:          true,
			PublicURL:          cfg.Server.PublicURL,
			AnnounceWorkspaces: true,
			Version:            appVersion,
			MaxPeers:           cfg.Server.MaxPeersPerRoom,
			ListenPort:         cfg.Mesh.ListenPort,
			MdnsTag:            cfg.Mesh.MdnsTag,
			KeyFile:            util.ResolvePath(absDir, cfg.Identity.KeyFile),
			DB:                 db,
		})
		if err := participant.Start(context.Background()); err != nil {
			log.Fatalf("mesh participant start: %v", err)
		}
		shutdown.Register(func(ctx context.Context) {
			participant.Stop()
			select {
			case <-participant.Stopped():
			case <-ctx.Done():
			}
		})
	}

	srv := relayserver.NewServer(relayserver.Config{
		Mode:     cfg.Server.Mode,
		MaxPeers: cfg.Server.MaxPeersPerRoom,
		Mesh:     participant,
		DB:       db,
		Shutdown: shutdown,
	})

	httpSrv := &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: srv,
	}

	go func() {
		<-shutdown.Done()
		_ = httpSrv.Close()
	}()

	log.Printf("listening on %s (mode=%s)", cfg.Server.ListenAddr, cfg.Server.Mode)
	if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("relay server: %v", err)
	}
	<-shutdown.Done()
	if db != nil {
		db.Close()
	}
	log.Println("relay server stopped")
}

func printRelayBanner(peerDir, cfgPath string, cfg config.Config) {
	fmt.Println("╔════════════════════════════════════════════════════════╗")
	fmt.Println("║                 Nightjar Relay Mesh Node                ║")
	fmt.Println("╚════════════════════════════════════════════════════════╝")
	fmt.Println()
	fmt.Printf("Peer Directory: %s\n", peerDir)
	fmt.Printf("Config File:    %s\n", cfgPath)
	fmt.Printf("Mode:           %s\n", cfg.Server.Mode)
	if cfg.Server.PublicURL != "" {
		fmt.Printf("Public URL:     %s\n", cfg.Server.PublicURL)
	}
	fmt.Printf("Listen Addr:    %s\n", cfg.Server.ListenAddr)
	fmt.Println()
	fmt.Println("Starting relay... (Press Ctrl+C to stop)")
	fmt.Println("────────────────────────────────────────────────────────")
	fmt.Println()
}
