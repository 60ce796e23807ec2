package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexjbarnes/relay-chat/internal/auth"
	"github.com/alexjbarnes/relay-chat/internal/client"
	"github.com/alexjbarnes/relay-chat/internal/config"
	"github.com/alexjbarnes/relay-chat/internal/logging"
	"github.com/alexjbarnes/relay-chat/internal/mcpserver"
	"github.com/alexjbarnes/relay-chat/internal/server"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"
)

var Version = "dev"

func main() {
	// Handle hash-key subcommand before config loading.
	if len(os.Args) > 1 && os.Args[1] == "hash-key" {
		hashKey()
		return
	}

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func hashKey() {
	fmt.Fprint(os.Stderr, "Enter API key: ")
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		fmt.Fprintln(os.Stderr, "no input")
		os.Exit(1)
	}
	key := scanner.Text()
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(hash))
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment, cfg.LogLevel)
	logger.Info("relay-chat starting",
		slog.String("version", Version),
		slog.String("relay", cfg.WSURL),
		slog.Bool("console", cfg.EnableConsole),
		slog.Bool("mcp", cfg.EnableMCP),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	con := newConsole(os.Stdin, os.Stdout)

	c, err := client.New(cfg, con.options(), logger)
	if err != nil {
		return err
	}
	defer c.Close()

	con.attach(c)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.Run(gctx)
	})

	if cfg.EnableConsole {
		g.Go(func() error {
			err := con.Run(gctx)
			if errors.Is(err, errQuit) {
				stop()
				return nil
			}

			return err
		})
	}

	if cfg.EnableMCP {
		g.Go(func() error {
			return runMCP(gctx, cfg, c, logger)
		})
	}

	return g.Wait()
}

// runMCP starts the MCP HTTP server.
func runMCP(ctx context.Context, cfg *config.Config, c *client.Client, logger *slog.Logger) error {
	entries, err := cfg.ParseMCPAPIKeys()
	if err != nil {
		return fmt.Errorf("parsing MCP API keys: %w", err)
	}

	mcpLogger := logger.With(slog.String("service", "mcp"))

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "relay-chat", Version: Version},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, c.Chat(), c.Calls())

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	keys := auth.NewKeys(entries)

	srv := server.NewServer(cfg.MCPListenAddr, server.NewMux(server.MuxConfig{
		Keys:       keys,
		MCPHandler: mcpHandler,
		Status:     c,
		Logger:     mcpLogger,
	}))

	mcpLogger.Info("starting MCP server",
		slog.String("listen", cfg.MCPListenAddr),
		slog.Int("keys", keys.Len()),
	)

	// Shutdown when context is cancelled.
	go func() {
		<-ctx.Done()
		mcpLogger.Info("shutting down MCP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("MCP server error: %w", err)
	}

	return nil
}
