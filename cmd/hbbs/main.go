package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ljhlovehui/rustdesk-server/internal/auth"
	"github.com/ljhlovehui/rustdesk-server/internal/config"
	"github.com/ljhlovehui/rustdesk-server/internal/directory"
	"github.com/ljhlovehui/rustdesk-server/internal/relay"
	"github.com/ljhlovehui/rustdesk-server/internal/security"
	"github.com/ljhlovehui/rustdesk-server/internal/server"
	"github.com/ljhlovehui/rustdesk-server/internal/session"
	"github.com/ljhlovehui/rustdesk-server/internal/storage"
)

func main() {
	// --- 1. Configuration Loading ---
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("FATAL: Error loading configuration: %v", err)
	}

	log.Printf("INFO: Configuration loaded successfully from %s", *configPath)
	log.Printf("INFO: Base port %d (udp+tcp), NAT probe %d, websocket %d", cfg.Port, cfg.NATPort(), cfg.WSPort())
	if cfg.LicenseEnabled() {
		log.Println("INFO: License key check is enabled")
	}
	if cfg.AlwaysUseRelay {
		log.Println("INFO: Relay-only mode: direct addresses are never disclosed")
	}

	// --- 2. Server Initialization ---
	log.Println("INFO: Server initialization sequence starting...")

	var db *storage.DB
	if cfg.DatabasePath != "" {
		db, err = storage.Open(cfg.DatabasePath)
		if err != nil {
			log.Fatalf("FATAL: Could not open database %s: %v", cfg.DatabasePath, err)
		}
		defer db.Close()
		log.Printf("INFO: Device database: %s", cfg.DatabasePath)
	} else {
		log.Println("INFO: No database configured; running memory-only")
	}

	authMgr := auth.NewManager(cfg.JWTSecret)
	if db != nil {
		if pw := os.Getenv("ADMIN_PASSWORD"); pw != "" {
			hash, err := authMgr.HashPassword(pw)
			if err != nil {
				log.Fatalf("FATAL: Could not hash admin password: %v", err)
			}
			if err := db.EnsureDefaultAdmin(context.Background(), uuid.NewString(), "admin", hash); err != nil {
				log.Fatalf("FATAL: Could not seed admin account: %v", err)
			}
		}
	}

	dir := directory.New(directory.WithRetention(cfg.PeerRetention()))
	if cfg.PeerRetention() > 0 {
		log.Printf("INFO: Idle peers are evicted after %s", cfg.PeerRetention())
	}

	pool := relay.NewPool(cfg.RelayServerList())
	if pool.Size() > 0 {
		log.Printf("INFO: Relay pool: %v", pool.Addrs())
	}

	var store server.Store
	var userStore session.UserStore
	if db != nil {
		store = db
		userStore = db
	}
	sessions := session.NewTracker(authMgr, userStore, cfg.AuthSessionTimeout(), cfg.AnonSessionTimeout())
	srv := server.New(cfg, dir, pool, security.NewGuard(), store, sessions)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sessions.Run(ctx)
	}()

	metricsSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port+3),
		Handler:           metricsMux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("INFO: Metrics endpoint on :%d/metrics", cfg.Port+3)
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("ERROR: Metrics server failed: %v", err)
		}
	}()

	runErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		runErr <- srv.Run(ctx)
	}()

	// --- 3. Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	log.Println("INFO: Rendezvous server is running. Press CTRL+C to exit.")

	select {
	case <-shutdownChan:
		log.Println("INFO: Shutdown signal received.")
	case err := <-runErr:
		if err != nil {
			log.Printf("ERROR: Server stopped: %v", err)
		}
	}

	// --- 4. Cleanup ---
	log.Println("INFO: Initiating graceful shutdown...")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		log.Printf("WARN: Metrics server shutdown: %v", err)
	}
	wg.Wait()

	log.Println("INFO: Shutdown complete. Goodbye.")
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}
