package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/xiaot623/gogo/finassist/internal/adapter/notify"
	"github.com/xiaot623/gogo/finassist/internal/config"
	"github.com/xiaot623/gogo/finassist/internal/eventbus"
	"github.com/xiaot623/gogo/finassist/internal/hub"
	"github.com/xiaot623/gogo/finassist/internal/intent"
	"github.com/xiaot623/gogo/finassist/internal/plan"
	"github.com/xiaot623/gogo/finassist/internal/repository"
	"github.com/xiaot623/gogo/finassist/internal/review"
	"github.com/xiaot623/gogo/finassist/internal/service"
	"github.com/xiaot623/gogo/finassist/internal/tools"
	httpserver "github.com/xiaot623/gogo/finassist/internal/transport/http"
	"github.com/xiaot623/gogo/finassist/internal/transport/rpc"
	"github.com/xiaot623/gogo/finassist/internal/transport/ws"
	"github.com/xiaot623/gogo/finassist/policy"
)

func main() {
	// Load configuration
	cfg := config.Load()
	if cfg.LogLevel == "debug" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	log.Printf("Starting finassist...")
	log.Printf("HTTP Port: %d", cfg.HTTPPort)
	log.Printf("RPC Port: %d", cfg.RPCPort)
	log.Printf("Database: %s", cfg.DatabaseURL)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Initialize store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Event bus and adapters
	bus := eventbus.New()
	registry := tools.NewRegistry(tools.NewEmitter(bus))
	if err := tools.RegisterBuiltins(registry, tools.Options{Latency: cfg.AdapterLatency}); err != nil {
		log.Fatalf("Failed to register adapters: %v", err)
	}

	// Plans
	catalog, err := loadCatalog(ctx, cfg.PlanFile)
	if err != nil {
		log.Fatalf("Failed to load plans: %v", err)
	}
	for _, name := range catalog.Adapters() {
		if _, ok := registry.Lookup(name); !ok {
			log.Printf("WARN: plans reference unregistered adapter %q", name)
		}
	}

	// Initialize policy engine
	policyEngine, err := loadPolicy(ctx, cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize service
	svc := service.New(service.Deps{
		Store:   db,
		Bus:     bus,
		Tools:   registry,
		Plans:   catalog,
		Parser:  intent.NewRuleParser(),
		Reviews: review.NewRegistry(),
		Policy:  policyEngine,
		Config:  cfg,
	})
	defer svc.Close()
	go svc.RunSuspensionExpiryMonitor(ctx)

	// Live fan-out
	wsHub := hub.NewHub(cfg.WSSendBuffer)
	go wsHub.Run(ctx)
	detachHub := bus.SubscribeAll(wsHub.Publish)
	defer detachHub()

	notifier := notify.NewClient(cfg.NotifyAddr, cfg.NotifyQueueSize, cfg.NotifyTimeout)
	detachNotifier := notifier.Attach(bus)
	defer func() {
		detachNotifier()
		notifier.Close()
	}()
	if cfg.NotifyAddr != "" {
		log.Printf("Toasts forwarded to %s", cfg.NotifyAddr)
	}

	// Servers
	wsServer := ws.NewServer(cfg, wsHub, svc)
	httpServer := httpserver.NewServer(svc, bus, wsServer.HandleWebSocket)

	rpcServer, err := rpc.NewServer(svc)
	if err != nil {
		log.Fatalf("Failed to initialize RPC server: %v", err)
	}
	if err := rpcServer.Listen(fmt.Sprintf(":%d", cfg.RPCPort)); err != nil {
		log.Fatalf("Failed to listen for RPC: %v", err)
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start HTTP server: %v", err)
		}
	}()

	go func() {
		if err := rpcServer.Serve(); err != nil {
			log.Fatalf("Failed to serve RPC: %v", err)
		}
	}()

	log.Printf("HTTP API started on port %d", cfg.HTTPPort)
	log.Printf("RPC API started on port %d", cfg.RPCPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down finassist...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown HTTP server gracefully: %v", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown RPC server gracefully: %v", err)
	}
	stop()

	log.Println("finassist stopped")
}

// loadCatalog returns the embedded plans, or the plans in path kept in sync
// with the file when path is set.
func loadCatalog(ctx context.Context, path string) (*plan.Catalog, error) {
	if path == "" {
		return plan.NewDefaultCatalog()
	}
	plans, err := plan.LoadFile(path)
	if err != nil {
		return nil, err
	}
	catalog := plan.NewCatalog(plans)
	if err := plan.Watch(ctx, path, catalog, nil); err != nil {
		return nil, err
	}
	log.Printf("Plans loaded from %s (watching for changes)", path)
	return catalog, nil
}

func loadPolicy(ctx context.Context, path string) (*policy.Engine, error) {
	content := policy.DefaultPolicy
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read policy file: %w", err)
		}
		content = string(data)
		log.Printf("Policy loaded from %s", path)
	}
	return policy.NewEngine(ctx, content)
}
