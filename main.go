// Command toolgate starts the session-isolated tool server.
//
// It supports three commands:
//  1. "serve" (default) runs the HTTP server exposing the REST API, the
//     lifecycle WebSocket stream and an /mcp HTTP endpoint
//  2. "stdio" runs an MCP stdio server, optionally with the REST API alongside
//  3. "config" prints the effective configuration
//
// Configuration comes from defaults, an optional config file, TOOLGATE_*
// environment variables (a .env file is loaded first) and flags, in
// increasing order of precedence. On SIGINT or SIGTERM the server stops
// admitting calls, waits for in-flight sessions up to the shutdown timeout
// and then force-times-out the rest.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"github.com/wricardo/mcp-training/toolgate/api"
	"github.com/wricardo/mcp-training/toolgate/core/config"
	"github.com/wricardo/mcp-training/toolgate/core/lifecycle"
	"github.com/wricardo/mcp-training/toolgate/core/logging"
	"github.com/wricardo/mcp-training/toolgate/core/manager"
	"github.com/wricardo/mcp-training/toolgate/core/service"
	"github.com/wricardo/mcp-training/toolgate/transport/mcp"
	"github.com/wricardo/mcp-training/toolgate/transport/websocket"
	"golang.ngrok.com/ngrok"
	ngrokConfig "golang.ngrok.com/ngrok/config"
	"golang.org/x/sync/errgroup"
)

// Version information
const (
	Version = "1.0.0"
	AppName = "toolgate"
)

// Grace period for open HTTP connections after the session drain
const httpShutdownTimeout = 5 * time.Second

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "Warning: Error loading .env file: %v\n", err)
	}

	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", AppName, err)
		os.Exit(1)
	}
}

// newCommand builds the CLI. Flags are declared on the root and inherited
// by every subcommand.
func newCommand() *cli.Command {
	return &cli.Command{
		Name:    AppName,
		Usage:   "session-isolated tool server with MCP, REST and WebSocket transports",
		Version: Version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML, JSON or TOML config file",
				Sources: cli.EnvVars("TOOLGATE_CONFIG"),
			},
			&cli.StringFlag{Name: "host", Usage: "HTTP server host"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "HTTP server port"},
			&cli.StringFlag{Name: "model", Usage: "execution model: thread or task"},
			&cli.IntFlag{Name: "max-concurrent", Usage: "maximum resident sessions before calls are rejected"},
			&cli.DurationFlag{Name: "default-timeout", Usage: "per-call timeout when the caller sets none"},
			&cli.DurationFlag{Name: "shutdown-timeout", Usage: "how long shutdown waits for in-flight calls"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error"},
			&cli.StringFlag{Name: "log-format", Usage: "console or json"},
			&cli.BoolFlag{Name: "debug", Usage: "shorthand for --log-level debug"},
			&cli.BoolFlag{
				Name:    "ngrok",
				Usage:   "expose the server through an ngrok tunnel",
				Sources: cli.EnvVars("NGROK_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "ngrok-auth",
				Usage:   "ngrok auth token",
				Sources: cli.EnvVars("NGROK_AUTHTOKEN", "NGROK_AUTH_TOKEN"),
			},
			&cli.StringFlag{
				Name:    "ngrok-domain",
				Usage:   "custom ngrok domain",
				Sources: cli.EnvVars("NGROK_DOMAIN"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:    "serve",
				Aliases: []string{"server", "http"},
				Usage:   "run the HTTP server with REST API, WebSocket and MCP endpoint",
				Action:  serveAction,
			},
			{
				Name:    "stdio",
				Aliases: []string{"mcp", "stdio-mcp"},
				Usage:   "run an MCP stdio server",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "http", Usage: "also serve the REST API and WebSocket stream"},
				},
				Action: stdioAction,
			},
			{
				Name:   "config",
				Usage:  "print the effective configuration as JSON",
				Action: configAction,
			},
		},
		Action: serveAction,
	}
}

// loadConfig layers flags over the file and environment configuration
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	v := config.New()
	if file := cmd.String("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", file, err)
		}
	}

	if cmd.IsSet("host") {
		v.Set("server.host", cmd.String("host"))
	}
	if cmd.IsSet("port") {
		v.Set("server.port", cmd.Int("port"))
	}
	if cmd.IsSet("model") {
		v.Set("sessions.model", cmd.String("model"))
	}
	if cmd.IsSet("max-concurrent") {
		v.Set("sessions.max_concurrent", cmd.Int("max-concurrent"))
	}
	if cmd.IsSet("default-timeout") {
		v.Set("sessions.default_timeout", cmd.Duration("default-timeout"))
	}
	if cmd.IsSet("shutdown-timeout") {
		v.Set("sessions.shutdown_timeout", cmd.Duration("shutdown-timeout"))
	}
	if cmd.IsSet("log-level") {
		v.Set("logging.level", cmd.String("log-level"))
	}
	if cmd.Bool("debug") {
		v.Set("logging.level", "debug")
	}
	if cmd.IsSet("log-format") {
		v.Set("logging.format", cmd.String("log-format"))
	}
	if cmd.IsSet("ngrok") {
		v.Set("ngrok.enabled", cmd.Bool("ngrok"))
	}
	if cmd.IsSet("ngrok-auth") {
		v.Set("ngrok.auth_token", cmd.String("ngrok-auth"))
	}
	if cmd.IsSet("ngrok-domain") {
		v.Set("ngrok.domain", cmd.String("ngrok-domain"))
	}

	return config.FromViper(v)
}

// app holds the wired components shared by every command
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	events  *lifecycle.Logger
	hub     *websocket.Hub
	manager *manager.Manager
	service service.ToolService
	api     *api.Server
	mcp     *mcp.Server
}

// newApp wires the lifecycle logger, session manager, tool service and
// transports. The WebSocket hub observes every lifecycle event.
func newApp(cfg *config.Config, log zerolog.Logger) (*app, error) {
	hub := websocket.NewHub(log)
	events := lifecycle.NewLogger(cfg.LifecycleConfig(), log, hub, lifecycle.NewLogObserver(log))

	mgr, err := manager.New(manager.Model(cfg.Sessions.Model), cfg.ManagerConfig(), events, log)
	if err != nil {
		events.Close()
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	svc := service.NewToolService(mgr, service.DefaultRegistry(), log)
	mcpServer := mcp.NewServer(svc, log)
	apiServer := api.NewServer(svc, hub, log)
	apiServer.Mount("/mcp", mcpServer)

	return &app{
		cfg:     cfg,
		log:     log,
		events:  events,
		hub:     hub,
		manager: mgr,
		service: svc,
		api:     apiServer,
		mcp:     mcpServer,
	}, nil
}

// drain stops admission, waits for in-flight sessions and flushes the
// lifecycle observers.
func (a *app) drain() manager.ShutdownResult {
	result := a.manager.Shutdown(a.cfg.Sessions.ShutdownTimeout)
	a.hub.BroadcastEvent(websocket.AllSessions, websocket.EventShutdown, result)
	a.events.Close()
	return result
}

func (a *app) httpServer() *http.Server {
	return &http.Server{
		Addr:        a.cfg.Server.Addr(),
		Handler:     a.api,
		ReadTimeout: 15 * time.Second,
		// Responses wait for the tool call
		WriteTimeout: a.cfg.Sessions.DefaultTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func setup(cmd *cli.Command) (*app, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	// Always stderr: stdout carries the MCP stdio protocol
	log, err := logging.New(cfg.Logging, os.Stderr)
	if err != nil {
		return nil, err
	}
	return newApp(cfg, log)
}

func serveAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	return a.serve(ctx)
}

// serve runs the HTTP server (and the ngrok tunnel when enabled) until ctx
// is done or a server fails, then drains.
func (a *app) serve(ctx context.Context) error {
	httpServer := a.httpServer()
	g, gctx := errgroup.WithContext(ctx)

	// The hub outlives the drain so subscribers see the shutdown event
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	g.Go(func() error {
		a.hub.Run(hubCtx)
		return nil
	})
	g.Go(func() error {
		a.events.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.log.Info().
			Str("addr", httpServer.Addr).
			Str("model", a.cfg.Sessions.Model).
			Int("max_concurrent", a.cfg.Sessions.MaxConcurrent).
			Msg("HTTP server listening (REST /api, WebSocket /ws, MCP /mcp)")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
		return nil
	})
	if a.cfg.Ngrok.Enabled {
		g.Go(func() error {
			a.serveNgrok(gctx)
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		a.log.Info().Msg("shutting down")

		// Drain sessions first so in-flight calls can still write responses
		a.drain()
		stopHub()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			a.log.Warn().Err(err).Msg("HTTP server shutdown error")
		}
		return nil
	})

	err := g.Wait()
	a.log.Info().Msg("server stopped")
	return err
}

// serveNgrok serves the API through an ngrok tunnel until ctx is done.
// Tunnel failures are logged and do not stop the server.
func (a *app) serveNgrok(ctx context.Context) {
	cfg := a.cfg.Ngrok

	var tunnel ngrokConfig.Tunnel
	if cfg.Domain != "" {
		tunnel = ngrokConfig.HTTPEndpoint(ngrokConfig.WithDomain(cfg.Domain))
	} else {
		tunnel = ngrokConfig.HTTPEndpoint()
	}

	tun, err := ngrok.Listen(ctx, tunnel, ngrok.WithAuthtoken(cfg.AuthToken))
	if err != nil {
		a.log.Error().Err(err).Msg("failed to start ngrok tunnel")
		return
	}
	go func() {
		<-ctx.Done()
		if err := tun.Close(); err != nil {
			a.log.Warn().Err(err).Msg("failed to close ngrok tunnel")
		}
	}()

	a.log.Info().Str("url", tun.URL()).Msg("ngrok tunnel established")
	if err := http.Serve(tun, a.api); err != nil && ctx.Err() == nil {
		a.log.Warn().Err(err).Msg("ngrok server error")
	}
	a.log.Info().Msg("ngrok tunnel closed")
}

func stdioAction(ctx context.Context, cmd *cli.Command) error {
	a, err := setup(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.events.Run(ctx)

	if cmd.Bool("http") {
		go a.hub.Run(ctx)
		httpServer := a.httpServer()
		go func() {
			a.log.Info().Str("addr", httpServer.Addr).Msg("REST API listening alongside MCP stdio")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error().Err(err).Msg("HTTP server failed")
			}
		}()
		defer httpServer.Close()
	}

	a.log.Info().Str("model", a.cfg.Sessions.Model).Msg("MCP stdio server ready")
	serveErr := a.mcp.ServeStdio()

	a.drain()
	if serveErr != nil && !errors.Is(serveErr, context.Canceled) {
		return fmt.Errorf("MCP stdio server error: %w", serveErr)
	}
	return nil
}

func configAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	redacted := *cfg
	if redacted.Ngrok.AuthToken != "" {
		redacted.Ngrok.AuthToken = "****"
	}

	data, err := json.MarshalIndent(redacted, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.Root().Writer, string(data))
	return err
}
