package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fleetglass/fleetglass/control_plane/auth"
	"github.com/fleetglass/fleetglass/control_plane/connmgr"
	"github.com/fleetglass/fleetglass/control_plane/middleware"
	"github.com/fleetglass/fleetglass/control_plane/policy"
	"github.com/fleetglass/fleetglass/control_plane/store"
	"github.com/fleetglass/fleetglass/control_plane/vault"
	"github.com/fleetglass/fleetglass/control_plane/webhook"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Vault: derive the encryption key once, fail fast on a weak key.
	v, err := vault.New(cfg.MasterKey, cfg.VaultSalt)
	if err != nil {
		log.Fatalf("vault: %v", err)
	}

	// 2. Durable store: Postgres in production, memory for dev.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("postgres: %v", err)
		}
		defer pg.Close()
		st = pg
		log.Println("Using Postgres store")
	} else {
		st = store.NewMemoryStore()
		log.Println("Using in-memory store (ephemeral, dev only)")
	}

	// 3. Redis cache: optional fast path for snapshots and idempotency.
	var cache *store.RedisCache
	if cfg.RedisAddr != "" {
		cache, err = store.NewRedisCache(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0)
		if err != nil {
			log.Fatalf("redis: %v", err)
		}
		defer cache.Close()
		log.Println("Using Redis snapshot cache")
	} else {
		log.Println("No Redis configured; snapshot cache and idempotency disabled")
	}

	tokens, err := auth.NewTokenService(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	// 4. Policy gate: bad patterns fail startup, not first use.
	gate, err := policy.NewGate(cfg.Policy)
	if err != nil {
		log.Fatalf("policy: %v", err)
	}

	// 5. Connection manager over SSH, credentials resolved through the vault.
	creds := newCredentialSource(st, v)
	manager := connmgr.NewManager(connmgr.NewSSHDialer(cfg.Conn.ConnectTimeout), creds, cfg.Conn)

	dispatcher := webhook.NewDispatcher(st, cfg.Webhook)
	if err := dispatcher.Start(ctx); err != nil {
		log.Fatalf("webhook dispatcher: %v", err)
	}
	defer dispatcher.Stop()

	// 6. Register known servers and start the pollers.
	servers, err := st.ListServers(ctx)
	if err != nil {
		log.Fatalf("list servers: %v", err)
	}
	for _, s := range servers {
		manager.Add(s)
	}

	aggregator := NewAggregator(st, cache, manager, dispatcher, cfg.PollInterval)
	if err := aggregator.Start(ctx); err != nil {
		log.Fatalf("aggregator: %v", err)
	}

	hub := NewBroadcastHub(cfg.PollInterval, aggregator.SerializeState)
	go hub.Run(ctx)

	terminals := NewTerminalManager(tokens, manager, cfg.TerminalIdleTimeout)
	tasks := NewTaskService(st, gate, manager, dispatcher, cfg.Conn.ExecTimeout)

	api := NewAPI(st, v, manager, aggregator, tasks, dispatcher, hub, terminals, tokens, cache, cfg.IssueKey)

	handler := middleware.CORS(api.routes())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Fleetglass control plane listening on %s", cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	<-ctx.Done()
	log.Println("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	terminals.CloseAll()
	aggregator.Wait()
	manager.Shutdown(shutdownCtx)
	log.Println("Shutdown complete")
}
