// ABOUTME: Entry point for the mailagent tool server
// ABOUTME: Serves the MCP endpoint, runs the send sweep, and hosts CLI subcommands

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/inboxkit/mailagent/internal/auth"
	"github.com/inboxkit/mailagent/internal/config"
	"github.com/inboxkit/mailagent/internal/mailconn"
	"github.com/inboxkit/mailagent/internal/mcp"
	"github.com/inboxkit/mailagent/internal/outbound"
	"github.com/inboxkit/mailagent/internal/ratelimit"
	"github.com/inboxkit/mailagent/internal/scheduler"
	"github.com/inboxkit/mailagent/internal/store"
	"github.com/inboxkit/mailagent/internal/tools"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                 _ _                        _
 _ __ ___   __ _(_) | __ _  __ _  ___ _ __ | |_
| '_ ' _ \ / _' | | |/ _' |/ _' |/ _ \ '_ \| __|
| | | | | | (_| | | | (_| | (_| |  __/ | | | |_
|_| |_| |_|\__,_|_|_|\__,_|\__, |\___|_| |_|\__|
                           |___/
`

// getConfigPath returns the path to the mailagent config file.
// Priority: MAILAGENT_CONFIG env var > XDG_CONFIG_HOME/mailagent/config.yaml > ~/.config/mailagent/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MAILAGENT_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mailagent", "config.yaml")
}

func main() {
	cmd := "serve"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch cmd {
	case "serve":
		err = runServe(ctx)
	case "token":
		err = runToken()
	case "test":
		err = runTest(ctx)
	case "health":
		err = runHealth(ctx)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: mailagent [command]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                    Start the tool server (default)")
	fmt.Println("  token --sub NAME         Mint a JWT for an agent")
	fmt.Println("  test                     Test every configured account connection")
	fmt.Println("  health                   Check server health")
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)
	slog.SetDefault(logger)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:   %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:     %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database: %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Accounts: %d\n", len(cfg.Accounts))
	fmt.Println()

	logger.Info("starting mailagent",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"accounts", len(cfg.Accounts),
	)

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimit.Capacity, cfg.RateLimit.Window)
	conns := mailconn.NewManager(cfg)
	submitter := outbound.NewSubmitter(cfg, conns, limiter)
	mirror := outbound.NewDraftMirror(cfg, conns)
	sched := scheduler.New(st, submitter, mirror, cfg.Scheduler.MaxAttempts, cfg.Scheduler.StaleClaimAfter)

	registry := tools.NewRegistry()
	if err := tools.RegisterEmailPack(registry, cfg, sched, submitter, conns); err != nil {
		st.Close()
		return fmt.Errorf("registering tools: %w", err)
	}

	var verifier auth.TokenVerifier
	if cfg.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	mcpServer, err := mcp.NewServer(mcp.Config{
		Registry:      registry,
		Logger:        logger.With("component", "mcp"),
		TokenVerifier: verifier,
		RequireAuth:   cfg.Auth.Require,
	})
	if err != nil {
		st.Close()
		return fmt.Errorf("creating MCP server: %w", err)
	}

	mux := http.NewServeMux()
	mcpServer.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: mux,
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		runSweeper(sweepCtx, sched, cfg.Scheduler.SweepInterval, logger)
	}()

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		logger.Error("HTTP server failed", "error", err)
	}

	// Shutdown order: stop accepting requests, stop the sweep, then release
	// connections and the store.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown failed", "error", err)
	}

	stopSweep()
	wg.Wait()

	if err := conns.CloseAll(); err != nil {
		logger.Warn("closing connections", "error", err)
	}
	if err := st.Close(); err != nil {
		logger.Warn("closing store", "error", err)
	}

	logger.Info("mailagent stopped")
	return nil
}

// runSweeper invokes the send sweep at the configured interval. Sweeps run
// synchronously in this loop, so two can never overlap; a slow sweep simply
// delays the next tick (time.Ticker drops missed ticks).
func runSweeper(ctx context.Context, sched *scheduler.Scheduler, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.Info("sweep loop started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			logger.Info("sweep loop stopped")
			return
		case <-ticker.C:
			result, err := sched.CheckAndSend(ctx)
			if err != nil {
				logger.Error("sweep failed", "error", err)
				continue
			}
			if result.Sent > 0 || result.Failed > 0 {
				logger.Info("sweep results", "sent", result.Sent, "failed", result.Failed, "errors", len(result.Errors))
			}
		}
	}
}

func runToken() error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	sub := fs.String("sub", "", "principal ID to embed in the token (required)")
	ttl := fs.Duration("ttl", 30*24*time.Hour, "token lifetime")
	if err := fs.Parse(os.Args[2:]); err != nil {
		return err
	}
	if *sub == "" {
		return errors.New("--sub is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	token, err := verifier.Generate(*sub, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}

	color.New(color.FgGreen).Printf("Token for %s (valid %s):\n", *sub, *ttl)
	fmt.Println(token)
	return nil
}

func runTest(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Keep diagnostic noise out of the report.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn})))

	conns := mailconn.NewManager(cfg)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)
	gray := color.New(color.FgHiBlack)

	failures := 0
	for _, acct := range cfg.Accounts {
		fmt.Printf("%s <%s>\n", acct.Name, acct.Address)
		for _, role := range []mailconn.Role{mailconn.RoleRetrieval, mailconn.RoleSubmission} {
			probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			diag, err := conns.TestConnection(probeCtx, acct.Name, role)
			cancel()

			if err != nil {
				red.Printf("  ✗ %-10s ", role)
				fmt.Println(err)
				failures++
				continue
			}

			green.Printf("  ✓ %-10s ", role)
			fmt.Printf("%dms", diag.Latency.Milliseconds())
			if diag.Stats != nil {
				gray.Printf("  (%d folders, %d messages in INBOX, %d unseen)",
					diag.Stats.Folders, diag.Stats.InboxMessages, diag.Stats.InboxUnseen)
			}
			fmt.Println()
		}
	}

	if failures > 0 {
		return fmt.Errorf("%d connection(s) failed", failures)
	}
	return nil
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	addr := cfg.Server.HTTPAddr
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	url := fmt.Sprintf("http://%s/health", addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}
