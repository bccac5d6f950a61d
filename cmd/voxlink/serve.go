package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/1ureka/voxlink/internal/auth"
	"github.com/1ureka/voxlink/internal/commands"
	"github.com/1ureka/voxlink/internal/config"
	"github.com/1ureka/voxlink/internal/dispatch"
	"github.com/1ureka/voxlink/internal/monitor"
	"github.com/1ureka/voxlink/internal/secure"
	"github.com/1ureka/voxlink/internal/signaling"
	"github.com/1ureka/voxlink/internal/transport"
	"github.com/1ureka/voxlink/internal/util"
	"github.com/1ureka/voxlink/internal/world"
)

// reportInterval paces the traffic summary in the log.
const reportInterval = 5 * time.Second

var serveFlags struct {
	listen    string
	signaling string
	monitor   string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a voxlink server",
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveFlags.listen != "" {
			cfg.Listen = serveFlags.listen
		}
		if serveFlags.signaling != "" {
			cfg.Signaling = serveFlags.signaling
		}
		if serveFlags.monitor != "" {
			cfg.Monitor = serveFlags.monitor
		}
		return runServe(cmd.Context(), cfg)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveFlags.listen, "listen", "", "UDP address to bind (udp network)")
	serveCmd.Flags().StringVar(&serveFlags.signaling, "signaling", "", "signaling listen address (webrtc network)")
	serveCmd.Flags().StringVar(&serveFlags.monitor, "monitor", "", "address for /metrics and /events, empty disables")
	rootCmd.AddCommand(serveCmd)
}

// runServe runs the server side until ctx is cancelled or the socket fails.
func runServe(ctx context.Context, cfg *config.Config) error {
	cfg.Role = config.RoleServer
	if err := cfg.Validate(); err != nil {
		return err
	}

	key, err := serverKey(cfg)
	if err != nil {
		return err
	}

	verifier, closeVerifier, err := buildVerifier(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	defer closeVerifier()

	store, err := world.NewStore(cfg.World.Seed, cfg.World.ChunkCacheSize)
	if err != nil {
		return err
	}

	var (
		sock   transport.Socket
		sigSrv *signaling.Server
	)
	switch cfg.Network {
	case config.NetworkWebRTC:
		rtc := transport.NewRTCSocket(cfg.RTC)
		sigSrv = signaling.NewServer(rtc)
		sock = rtc
	default:
		udp, err := transport.ListenUDP(cfg.Listen)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.Listen, err)
		}
		sock = udp
	}

	handlers := dispatch.NewRegistry()
	srv, err := transport.NewServer(sock, transport.ServerConfig{
		Key:      key,
		Verifier: verifier,
		Handlers: handlers,
		Options:  cfg.Transport,
	})
	if err != nil {
		sock.Close()
		return err
	}
	if err := commands.Register(handlers, store, srv.Sessions()); err != nil {
		sock.Close()
		return err
	}
	logServerEvents(srv.Events())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		return srv.Run(gctx)
	})
	if sigSrv != nil {
		g.Go(func() error { return sigSrv.Serve(gctx, cfg.Signaling) })
	}
	if cfg.Monitor != "" {
		mon, err := monitor.New(srv.Stats(), srv.Events())
		if err != nil {
			srv.Shutdown()
			return err
		}
		g.Go(func() error { return mon.Serve(gctx, cfg.Monitor) })
	}

	srv.Stats().StartReporter(gctx, reportInterval)
	if cfg.Network == config.NetworkUDP {
		util.LogSuccess("voxlink server listening on %s", srv.LocalAddr())
	}
	util.LogInfo("server key %s, commands: %v", key.Public(), handlers.Names())

	if err := g.Wait(); err != nil {
		return err
	}
	util.LogInfo("server stopped")
	return nil
}

// serverKey parses the configured long-term key. Without one an ephemeral
// key is generated, which clients cannot pin across restarts.
func serverKey(cfg *config.Config) (secure.PrivateKey, error) {
	if cfg.PrivateKey != "" {
		return secure.ParsePrivateKey(cfg.PrivateKey)
	}
	priv, _, err := secure.GenerateKeyPair()
	if err != nil {
		return secure.PrivateKey{}, err
	}
	util.LogWarning("no private_key configured, using an ephemeral key (run voxlink keygen --save)")
	return priv, nil
}

// buildVerifier chains the configured verifiers: static tokens first, then
// JWT, then the Postgres token table.
func buildVerifier(ctx context.Context, ac config.AuthConfig) (auth.Verifier, func(), error) {
	var chain auth.Chain
	closer := func() {}

	if len(ac.StaticTokens) > 0 {
		chain = append(chain, auth.StaticVerifier(ac.StaticTokens))
	}
	if ac.JWTSecret != "" {
		chain = append(chain, auth.NewJWTVerifier([]byte(ac.JWTSecret), ac.JWTIssuer))
	}
	if ac.PostgresDSN != "" {
		pg, err := auth.OpenPostgres(ctx, ac.PostgresDSN)
		if err != nil {
			return nil, closer, fmt.Errorf("token database: %w", err)
		}
		chain = append(chain, pg)
		closer = func() { pg.Close() }
	}

	if len(chain) == 1 {
		return chain[0], closer, nil
	}
	return chain, closer, nil
}

// logServerEvents traces commands and unsolicited data at debug level.
// Joins and leaves are already logged by the endpoint.
func logServerEvents(bus *dispatch.Bus) {
	bus.Subscribe(dispatch.CommandReceived, func(ev dispatch.Event) {
		util.LogDebug("%s ran %s", ev.Subject, ev.Command)
	})
	bus.Subscribe(dispatch.DataReceived, func(ev dispatch.Event) {
		util.LogDebug("%d bytes of data from %s", len(ev.Data), ev.Subject)
	})
}
