package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/1ureka/voxlink/internal/secure"
	"github.com/1ureka/voxlink/internal/transport"
	"github.com/1ureka/voxlink/internal/util"
)

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
	require.Equal(t, transport.DefaultOptions(), cfg.Transport)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
role: server
listen: ":9999"
auth:
  static_tokens:
    secret-1: alice
rtc:
  ice_servers: ["stun:stun.example.org:3478"]
transport:
  retry_interval: 300ms
  max_attempts: 7
  handshake_timeout: 10s
world:
  seed: 42
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, RoleServer, cfg.Role)
	require.Equal(t, ":9999", cfg.Listen)
	require.Equal(t, NetworkUDP, cfg.Network)
	require.Equal(t, "alice", cfg.Auth.StaticTokens["secret-1"])
	require.Equal(t, 300*time.Millisecond, cfg.Transport.RetryInterval)
	require.Equal(t, 7, cfg.Transport.MaxAttempts)
	require.Equal(t, 10*time.Second, cfg.Transport.HandshakeTimeout)
	require.Equal(t, 1200, cfg.Transport.FragmentThreshold)
	require.Equal(t, []string{"stun:stun.example.org:3478"}, cfg.RTC.ICEServers)
	require.Equal(t, transport.DefaultRTCConfig().FailedTimeout, cfg.RTC.FailedTimeout)
	require.EqualValues(t, 42, cfg.World.Seed)
	require.Equal(t, 1024, cfg.World.ChunkCacheSize)
	require.NoError(t, cfg.Validate())
}

func TestLoadWarnsOnOpenPermissions(t *testing.T) {
	var buf bytes.Buffer
	util.SetOutput(&buf)
	t.Cleanup(func() { util.SetOutput(os.Stderr) })

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("role: client\n"), 0o644))

	_, err := Load(path)
	require.NoError(t, err)
	require.Contains(t, buf.String(), "permissions")
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: [oops"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := Default()
	cfg.Role = RoleClient
	cfg.Token = "tok"
	require.NoError(t, Save(path, cfg))

	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, got)
}

func TestValidate(t *testing.T) {
	priv, pub, err := secure.GenerateKeyPair()
	require.NoError(t, err)

	server := func() *Config {
		c := Default()
		c.Role = RoleServer
		c.PrivateKey = priv.String()
		c.Auth.JWTSecret = "s3cret"
		return c
	}
	client := func() *Config {
		c := Default()
		c.Role = RoleClient
		c.Token = "tok"
		c.ServerKey = pub.String()
		return c
	}

	testCases := []struct {
		name    string
		cfg     func() *Config
		wantErr bool
	}{
		{"server ok", server, false},
		{"client ok", client, false},
		{"no role", Default, true},
		{"server without verifier", func() *Config { c := server(); c.Auth = AuthConfig{}; return c }, true},
		{"server bad key", func() *Config { c := server(); c.PrivateKey = "nonsense"; return c }, true},
		{"webrtc server without signaling", func() *Config { c := server(); c.Network = NetworkWebRTC; return c }, true},
		{"webrtc server", func() *Config { c := server(); c.Network = NetworkWebRTC; c.Signaling = ":8080"; return c }, false},
		{"client without token", func() *Config { c := client(); c.Token = ""; return c }, true},
		{"client bad server", func() *Config { c := client(); c.Server = "example"; return c }, true},
		{"client bad pin", func() *Config { c := client(); c.ServerKey = priv.String(); return c }, true},
		{"unknown network", func() *Config { c := client(); c.Network = "tcp"; return c }, true},
		{"bad log level", func() *Config { c := client(); c.LogLevel = "loud"; return c }, true},
		{"bad transport", func() *Config { c := client(); c.Transport.MaxAttempts = -1; return c }, true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.cfg().Validate()
			if tc.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
