package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/netip"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/voxlink/internal/commands"
	"github.com/1ureka/voxlink/internal/config"
	"github.com/1ureka/voxlink/internal/dispatch"
	"github.com/1ureka/voxlink/internal/secure"
	"github.com/1ureka/voxlink/internal/signaling"
	"github.com/1ureka/voxlink/internal/transport"
	"github.com/1ureka/voxlink/internal/util"
)

// commandTimeout bounds a single command round trip from the prompt.
const commandTimeout = 10 * time.Second

var connectFlags struct {
	server    string
	signaling string
	token     string
	serverKey string
	exec      []string
}

var connectCmd = &cobra.Command{
	Use:   "connect",
	Short: "Connect to a voxlink server and send commands",
	Long: `Connect to a voxlink server, authenticate with the configured token and
read commands from standard input, one per line. Use --exec to run
commands non-interactively and exit.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if connectFlags.server != "" {
			cfg.Server = connectFlags.server
		}
		if connectFlags.signaling != "" {
			cfg.Signaling = connectFlags.signaling
		}
		if connectFlags.token != "" {
			cfg.Token = connectFlags.token
		}
		if connectFlags.serverKey != "" {
			cfg.ServerKey = connectFlags.serverKey
		}
		return runConnect(cmd.Context(), cfg, connectFlags.exec, os.Stdin)
	},
}

func init() {
	connectCmd.Flags().StringVar(&connectFlags.server, "server", "", "server UDP address (udp network)")
	connectCmd.Flags().StringVar(&connectFlags.signaling, "signaling", "", "signaling URL, e.g. ws://host:8080 (webrtc network)")
	connectCmd.Flags().StringVar(&connectFlags.token, "token", "", "authentication token")
	connectCmd.Flags().StringVar(&connectFlags.serverKey, "server-key", "", "pin the server public key (P...)")
	connectCmd.Flags().StringArrayVarP(&connectFlags.exec, "exec", "e", nil, "run a command and exit (repeatable)")
	rootCmd.AddCommand(connectCmd)
}

// runConnect connects to the server, then runs the exec commands, or the
// commands read from in when exec is empty.
func runConnect(ctx context.Context, cfg *config.Config, exec []string, in io.Reader) error {
	cfg.Role = config.RoleClient
	if err := cfg.Validate(); err != nil {
		return err
	}

	var pin *secure.PublicKey
	if cfg.ServerKey != "" {
		pub, err := secure.ParsePublicKey(cfg.ServerKey)
		if err != nil {
			return err
		}
		pin = &pub
	}

	sock, server, err := dialServer(ctx, cfg)
	if err != nil {
		return err
	}

	cli, err := transport.NewClient(sock, transport.ClientConfig{
		Server:    server,
		Token:     []byte(cfg.Token),
		ServerKey: pin,
		Options:   cfg.Transport,
	})
	if err != nil {
		sock.Close()
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lost := make(chan struct{})
	var lostOnce sync.Once
	cli.Events().Subscribe(dispatch.ConnectionLost, func(dispatch.Event) {
		lostOnce.Do(func() { close(lost) })
	})
	cli.Events().Subscribe(dispatch.DataReceived, func(ev dispatch.Event) {
		pterm.Info.Printfln("data from server: %q", ev.Data)
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return cli.Run(gctx)
	})
	g.Go(func() error {
		defer cli.Shutdown()
		if err := cli.Connect(gctx); err != nil {
			return err
		}
		if len(exec) > 0 {
			for _, line := range exec {
				if err := runLine(gctx, cli, line); err != nil {
					return err
				}
			}
			cli.Disconnect(server)
			return nil
		}
		return repl(gctx, cli, in, lost)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// dialServer opens the client socket and resolves the server address on it.
func dialServer(ctx context.Context, cfg *config.Config) (transport.Socket, netip.AddrPort, error) {
	if cfg.Network == config.NetworkWebRTC {
		wsURL, err := normalizeWSURL(cfg.Signaling)
		if err != nil {
			return nil, netip.AddrPort{}, err
		}
		rtc := transport.NewRTCSocket(cfg.RTC)
		server, err := signaling.Dial(ctx, wsURL, rtc)
		if err != nil {
			rtc.Close()
			return nil, netip.AddrPort{}, fmt.Errorf("failed to establish DataChannel: %w", err)
		}
		return rtc, server, nil
	}

	server, err := cfg.ServerAddr()
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	local := ":0"
	if server.Addr().Is4() {
		local = "0.0.0.0:0"
	}
	udp, err := transport.ListenUDP(local)
	if err != nil {
		return nil, netip.AddrPort{}, err
	}
	return udp, server, nil
}

// repl reads commands from in until EOF, "quit", a lost connection or ctx.
func repl(ctx context.Context, cli *transport.Endpoint, in io.Reader, lost <-chan struct{}) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	pterm.Info.Printfln("type a command (echo, ping, who, getchunk X Z DIM) or quit")
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				cli.Disconnect(cli.Server())
				return nil
			}
			line = strings.TrimSpace(line)
			switch line {
			case "":
				continue
			case "quit", "exit":
				cli.Disconnect(cli.Server())
				return nil
			}
			if err := runLine(ctx, cli, line); err != nil {
				if errors.Is(err, transport.ErrNotConnected) {
					return err
				}
				util.LogWarning("%v", err)
			}
		case <-lost:
			return transport.ErrNotConnected
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runLine sends one command and prints its response.
func runLine(ctx context.Context, cli *transport.Endpoint, line string) error {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	body, err := cli.Command(ctx, line)
	if err != nil {
		return err
	}

	if strings.HasPrefix(line, "getchunk") {
		chunk, err := commands.DecodeChunk(body)
		if err != nil {
			return err
		}
		pterm.Success.Printfln("chunk: %d bytes (%d compressed)", len(chunk), len(body))
		return nil
	}
	pterm.Println(string(body))
	return nil
}

// normalizeWSURL validates a signaling URL and points it at /ws. A bare host
// defaults to wss.
func normalizeWSURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if !strings.Contains(raw, "://") {
		raw = "wss://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid signaling URL: %s", raw)
	}
	scheme := "wss"
	if u.Scheme == "ws" || u.Scheme == "wss" {
		scheme = u.Scheme
	}
	return fmt.Sprintf("%s://%s/ws", scheme, u.Host), nil
}
