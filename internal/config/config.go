// Package config holds the voxlink configuration: the YAML file, its
// defaults and validation.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/voxlink/internal/secure"
	"github.com/1ureka/voxlink/internal/transport"
	"github.com/1ureka/voxlink/internal/util"
)

// Role represents the side this process plays (server or client).
type Role string

const (
	RoleServer Role = "server"
	RoleClient Role = "client"
)

// Network selects the datagram socket.
type Network string

const (
	NetworkUDP    Network = "udp"
	NetworkWebRTC Network = "webrtc"
)

// Config stores every parameter of a voxlink process. Flags override file
// values field by field.
type Config struct {
	Role     Role    `yaml:"role"`
	Network  Network `yaml:"network"`
	LogLevel string  `yaml:"log_level"`

	Listen    string `yaml:"listen"`    // server: UDP address to bind
	Server    string `yaml:"server"`    // client: UDP address of the server
	Signaling string `yaml:"signaling"` // webrtc: server listen address, or client ws:// URL
	Monitor   string `yaml:"monitor"`   // server: /metrics and /events address, empty disables

	PrivateKey string `yaml:"private_key"` // server long-term key, "p…"
	ServerKey  string `yaml:"server_key"`  // client pin of the server key, "P…"
	Token      string `yaml:"token"`       // client bearer token

	Auth      AuthConfig          `yaml:"auth"`
	World     WorldConfig         `yaml:"world"`
	Transport transport.Options   `yaml:"transport"`
	RTC       transport.RTCConfig `yaml:"rtc"`
}

// AuthConfig lists the token verifiers a server consults, in order.
type AuthConfig struct {
	StaticTokens map[string]string `yaml:"static_tokens,omitempty"` // token → subject
	JWTSecret    string            `yaml:"jwt_secret"`
	JWTIssuer    string            `yaml:"jwt_issuer"`
	PostgresDSN  string            `yaml:"postgres_dsn"`
}

// Enabled reports whether any verifier is configured.
func (a AuthConfig) Enabled() bool {
	return len(a.StaticTokens) > 0 || a.JWTSecret != "" || a.PostgresDSN != ""
}

// WorldConfig tunes the chunk store served by getchunk.
type WorldConfig struct {
	Seed           uint64 `yaml:"seed"`
	ChunkCacheSize int    `yaml:"chunk_cache_size"`
}

// Default returns a Config with every default applied.
func Default() *Config {
	return &Config{
		Network:  NetworkUDP,
		LogLevel: "info",
		Listen:   ":24454",
		Server:   "127.0.0.1:24454",
		World: WorldConfig{
			Seed:           1,
			ChunkCacheSize: 1024,
		},
		Transport: transport.DefaultOptions(),
		RTC:       transport.DefaultRTCConfig(),
	}
}

// DefaultPath returns the default config file path: ~/.voxlink/config.yaml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".voxlink", "config.yaml")
	}
	return filepath.Join(home, ".voxlink", "config.yaml")
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns the defaults with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	// Check permissions before reading: warn if the config file is
	// readable by others, since it may contain tokens and private keys.
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		util.LogWarning("config file %s has permissions %04o, expected 0600: tokens and keys may be exposed to other users", path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Transport = cfg.Transport.WithDefaults()
	cfg.RTC = cfg.RTC.WithDefaults()

	return cfg, nil
}

// Save writes cfg to path with owner-only permissions.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks the fields the configured role needs.
func (c *Config) Validate() error {
	var errs []error

	switch c.Network {
	case NetworkUDP, NetworkWebRTC:
	default:
		errs = append(errs, fmt.Errorf("unknown network %q", c.Network))
	}
	if err := util.SetLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	switch c.Role {
	case RoleServer:
		if c.Network == NetworkWebRTC && c.Signaling == "" {
			errs = append(errs, errors.New("webrtc server needs a signaling address"))
		}
		if c.Network == NetworkUDP && c.Listen == "" {
			errs = append(errs, errors.New("server needs a listen address"))
		}
		if !c.Auth.Enabled() {
			errs = append(errs, errors.New("server needs at least one token verifier (static_tokens, jwt_secret or postgres_dsn)"))
		}
		if c.PrivateKey != "" {
			if _, err := secure.ParsePrivateKey(c.PrivateKey); err != nil {
				errs = append(errs, fmt.Errorf("private_key: %w", err))
			}
		}
		if c.World.ChunkCacheSize < 1 {
			errs = append(errs, errors.New("chunk cache size must be at least 1"))
		}
	case RoleClient:
		if c.Network == NetworkWebRTC && c.Signaling == "" {
			errs = append(errs, errors.New("webrtc client needs a signaling URL"))
		}
		if c.Network == NetworkUDP {
			if _, err := c.ServerAddr(); err != nil {
				errs = append(errs, err)
			}
		}
		if c.Token == "" {
			errs = append(errs, errors.New("client needs a token"))
		}
		if c.ServerKey != "" {
			if _, err := secure.ParsePublicKey(c.ServerKey); err != nil {
				errs = append(errs, fmt.Errorf("server_key: %w", err))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("unknown role %q", c.Role))
	}

	if err := c.Transport.WithDefaults().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	return errors.Join(errs...)
}

// ServerAddr resolves the client's server address.
func (c *Config) ServerAddr() (netip.AddrPort, error) {
	ap, err := netip.ParseAddrPort(c.Server)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("server address %q: %w", c.Server, err)
	}
	return ap, nil
}
