// internal/config/config.go
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/nightjar-mesh/relaymesh/internal/meshproto"
	"github.com/nightjar-mesh/relaymesh/internal/util"
)

// Config is the full configuration surface for both the Signaling/Relay
// Server (cmd/nightjar-relay) and the Relay Bridge CLI (cmd/nightjar-bridge).
type Config struct {
	Identity Identity `json:"identity"`
	Mesh     Mesh     `json:"mesh"`
	Server   Server   `json:"server"`
	Bridge   Bridge   `json:"bridge"`
	Log      Log      `json:"log"`
}

type Identity struct {
	KeyFile string `json:"key_file"`
}

type Mesh struct {
	Enabled    bool   `json:"enabled"`
	ListenPort int    `json:"listen_port"`
	MdnsTag    string `json:"mdns_tag"`
	DataDir    string `json:"data_dir"`
}

// Server holds the Signaling/Relay Server's own configuration. Field names
// mirror the NIGHTJAR_* env vars from spec §6 verbatim.
type Server struct {
	Mode           string `json:"mode"` // host | relay | private
	PublicURL      string `json:"public_url"`
	ListenAddr     string `json:"listen_addr"`
	MaxPeersPerRoom int   `json:"max_peers_per_room"`
}

type Bridge struct {
	RelayURL  string `json:"relay_url"`
	Room      string `json:"room"`
	AuthToken string `json:"auth_token"`
	SOCKSAddr string `json:"socks_addr"`
}

type Log struct {
	Level string `json:"level"`
}

func Default() Config {
	return Config{
		Identity: Identity{KeyFile: "data/identity.key"},
		Mesh: Mesh{
			Enabled:    true,
			ListenPort: 0,
			MdnsTag:    "nightjar-mdns",
			DataDir:    "data",
		},
		Server: Server{
			Mode:            meshproto.ModeHost,
			PublicURL:       "",
			ListenAddr:      ":8787",
			MaxPeersPerRoom: meshproto.DefaultMaxPeers,
		},
		Bridge: Bridge{},
		Log:    Log{Level: "info"},
	}
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.Identity.KeyFile) == "" {
		return errors.New("identity.key_file is required")
	}

	if c.Mesh.ListenPort < 0 || c.Mesh.ListenPort > 65535 {
		return errors.New("mesh.listen_port must be 0..65535")
	}
	if strings.TrimSpace(c.Mesh.MdnsTag) == "" {
		return errors.New("mesh.mdns_tag is required")
	}

	switch c.Server.Mode {
	case meshproto.ModeHost, meshproto.ModeRelay, meshproto.ModePrivate:
	default:
		return fmt.Errorf("server.mode must be one of host|relay|private, got %q", c.Server.Mode)
	}

	if c.Server.Mode != meshproto.ModePrivate && strings.TrimSpace(c.Server.PublicURL) != "" {
		if err := validatePublicURL(c.Server.PublicURL); err != nil {
			return fmt.Errorf("server.public_url: %w", err)
		}
	}

	if c.Server.MaxPeersPerRoom <= 0 {
		return errors.New("server.max_peers_per_room must be > 0")
	}

	return nil
}

func validatePublicURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("invalid url: %v", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return errors.New("scheme must be ws or wss")
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return errors.New("invalid port")
		}
	}
	return nil
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	cfg := Default()
	if err := json.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func Save(path string, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return util.WriteJSONFile(path, cfg)
}

// Ensure loads config if it exists; otherwise creates a default config file.
// Returns (cfg, createdNew, err).
func Ensure(path string) (Config, bool, error) {
	if _, err := os.Stat(path); err == nil {
		cfg, err := Load(path)
		return cfg, false, err
	} else if !os.IsNotExist(err) {
		return Config{}, false, err
	}

	cfg := Default()
	if err := Save(path, cfg); err != nil {
		return Config{}, false, fmt.Errorf("create default config: %w", err)
	}
	return cfg, true, nil
}

// applyEnvOverrides layers the CLI/env surface from spec §6 on top of a
// file-loaded config, so NIGHTJAR_MODE etc. always take precedence.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("NIGHTJAR_MODE"); v != "" {
		cfg.Server.Mode = v
	}
	if v := os.Getenv("PUBLIC_URL"); v != "" {
		cfg.Server.PublicURL = v
	}
	if v := os.Getenv("MAX_PEERS_PER_ROOM"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Server.MaxPeersPerRoom = n
		}
	}
	if v := os.Getenv("NIGHTJAR_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("NIGHTJAR_DATA_DIR"); v != "" {
		cfg.Mesh.DataDir = v
	}
	if v := os.Getenv("NIGHTJAR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}
