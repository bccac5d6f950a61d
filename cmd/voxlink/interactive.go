package main

import (
	"context"
	"os"
	"strings"

	"github.com/pterm/pterm"

	"github.com/1ureka/voxlink/internal/config"
	"github.com/1ureka/voxlink/internal/util"
)

// runInteractive asks for the role and whatever the config file leaves
// unset, then runs that side.
func runInteractive(ctx context.Context) error {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"Server  — Host a world", "Client  — Connect to a server"}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()

	if strings.HasPrefix(role, "Server") {
		if !cfg.Auth.Enabled() {
			token := ask("Token players must present")
			subject := ask("Subject name for that token")
			cfg.Auth.StaticTokens = map[string]string{token: subject}
		}
		return runServe(ctx, cfg)
	}

	switch cfg.Network {
	case config.NetworkWebRTC:
		if cfg.Signaling == "" {
			cfg.Signaling = askURL()
		}
	default:
		cfg.Server = askServer(cfg.Server)
	}
	if cfg.Token == "" {
		cfg.Token = ask("Token")
	}
	return runConnect(ctx, cfg, nil, os.Stdin)
}

// ask prompts until a non-empty answer is entered.
func ask(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()

		if v := strings.TrimSpace(raw); v != "" {
			pterm.Println()
			return v
		}
		util.LogWarning("a value is required")
		pterm.Println()
	}
}

// askServer prompts for the server's host:port, offering the configured one.
func askServer(def string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Server address (host:port)").
			WithDefaultValue(def).
			Show()

		c := config.Config{Server: strings.TrimSpace(raw)}
		if _, err := c.ServerAddr(); err == nil {
			pterm.Println()
			return c.Server
		}
		util.LogWarning("invalid address: expected ip:port, e.g. 192.168.1.20:24454")
		pterm.Println()
	}
}

// askURL prompts for a valid signaling URL.
func askURL() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Signaling URL (e.g. ws://192.168.1.20:8080)").
			Show()

		wsURL, err := normalizeWSURL(raw)
		if err == nil {
			pterm.Println()
			return wsURL
		}

		pterm.Println()
		util.LogWarning("invalid input: please enter a valid host or URL")
	}
}
