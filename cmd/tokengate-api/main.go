package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ollamaverse/tokengate/internal/api"
	"github.com/ollamaverse/tokengate/internal/config"
	"github.com/ollamaverse/tokengate/internal/core"
	"github.com/ollamaverse/tokengate/internal/db"
	"github.com/ollamaverse/tokengate/internal/logging"
	"github.com/ollamaverse/tokengate/internal/metrics"
)

func main() {
	if len(os.Args) >= 2 && os.Args[1] == "create-token" {
		createToken(os.Args[2:])
		return
	}

	migrateFlag := flag.Bool("migrate", false, "Run database migrations before starting")
	migrateDirFlag := flag.String("migrate-dir", "migrations/core", "Migration files directory")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg)

	if *migrateFlag {
		logger.Info().Str("dir", *migrateDirFlag).Msg("running database migrations")
		if err := db.RunMigrations(cfg.DatabaseURL, *migrateDirFlag); err != nil {
			logger.Fatal().Err(err).Msg("migration failed")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer pool.Close()
	metrics.RegisterPgxPoolMetrics(pool)

	srv, err := api.NewServer(logger, pool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build server")
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTPListenAddr,
		Handler:      srv,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	metricsServer := metrics.NewServer(cfg.MetricsListenAddr)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPListenAddr).Msg("starting token gateway API")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.MetricsListenAddr).Msg("starting metrics server")
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)
	metricsServer.Shutdown(shutdownCtx)

	// Flush queued usage records before the pool closes.
	srv.Services().Close()

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("server failed")
	}
}

// createToken issues a token from the command line, bypassing HTTP. Used to
// bootstrap a first token before any owner has one.
func createToken(args []string) {
	fs := flag.NewFlagSet("create-token", flag.ExitOnError)
	owner := fs.String("owner", "", "Owner identity for the token (required)")
	name := fs.String("name", "", "Name for the token (required)")
	scopes := fs.String("scopes", "chat,models", "Comma-separated scopes")
	rateLimit := fs.Int("rate-limit", 0, "Requests per minute (0 = service default)")
	ttlDays := fs.Int("ttl-days", 0, "Days until expiry (0 = no expiry)")
	fs.Parse(args)

	if *owner == "" || *name == "" {
		fmt.Fprintln(os.Stderr, "error: --owner and --name are required")
		fmt.Fprintln(os.Stderr, "usage: tokengate-api create-token --owner <identity> --name <name> [--scopes chat,models] [--rate-limit n] [--ttl-days n]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to load config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "error: invalid config: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger := logging.NewLogger(cfg)
	svc := core.NewTokenService(pool, logger, core.TokenServiceConfig{
		PrefixLength:              cfg.TokenPrefixLength,
		BcryptCost:                cfg.BcryptCost,
		MaxTokensPerOwner:         cfg.MaxTokensPerOwner,
		DefaultRateLimitPerMinute: cfg.DefaultRateLimitPerMinute,
		StoreTimeout:              cfg.StoreTimeout,
	})

	var scopeList []string
	for _, s := range strings.Split(*scopes, ",") {
		if s = strings.TrimSpace(s); s != "" {
			scopeList = append(scopeList, s)
		}
	}

	token, rawSecret, err := svc.Issue(ctx, *owner, *name, scopeList, *rateLimit, *ttlDays)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: failed to issue token: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Token issued for %s\n", token.OwnerIdentity)
	fmt.Printf("  ID:     %s\n", token.ID)
	fmt.Printf("  Scopes: %s\n", strings.Join(token.Scopes, ", "))
	fmt.Printf("  Secret: %s\n", rawSecret)
	fmt.Println("Store the secret now; it cannot be retrieved again.")
}
