// main implements the CLI for the mcp-gateway control and data plane: the
// /adapters and /tools REST surface and the session-routing reverse proxy,
// behind one listener. The bare /mcp route proxies to the standalone
// tool-gateway router workload (cmd/toolgateway) rather than mounting one
// in this process. Follows the cmd/mcp-broker-router/main.go flag/logger/
// shutdown skeleton.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/cors"

	"github.com/microsoft/mcp-gateway/internal/authz"
	"github.com/microsoft/mcp-gateway/internal/config"
	"github.com/microsoft/mcp-gateway/internal/deploy"
	"github.com/microsoft/mcp-gateway/internal/httpapi"
	"github.com/microsoft/mcp-gateway/internal/identity"
	"github.com/microsoft/mcp-gateway/internal/k8sclient"
	"github.com/microsoft/mcp-gateway/internal/metrics"
	"github.com/microsoft/mcp-gateway/internal/models"
	"github.com/microsoft/mcp-gateway/internal/nodeinfo"
	"github.com/microsoft/mcp-gateway/internal/proxy"
	"github.com/microsoft/mcp-gateway/internal/services"
	"github.com/microsoft/mcp-gateway/internal/sessionstore"
	"github.com/microsoft/mcp-gateway/internal/store"
)

// mcpPort is the fixed container port every adapter/tool listens on, per the
// MCP streamable-HTTP convention this gateway serves (spec.md §6.4).
const mcpPort = 8443

func main() {
	var (
		addr       string
		configFile string
		kubeconfig string
		loglevel   int
		logFormat  string
	)
	flag.StringVar(&addr, "address", "0.0.0.0:8080", "listen address for the gateway HTTP server")
	flag.StringVar(&configFile, "config", "./config/gateway/config.yaml", "path to the gateway configuration file")
	flag.StringVar(&kubeconfig, "kubeconfig", "", "path to a kubeconfig file; empty means in-cluster")
	flag.IntVar(&loglevel, "log-level", int(slog.LevelInfo), "set the log level 0=info, 4=warn, 8=error, -4=debug")
	flag.StringVar(&logFormat, "log-format", "txt", "switch to json logs with --log-format=json")
	flag.Parse()

	slog.SetLogLoggerLevel(slog.Level(loglevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if logFormat == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	watcher, err := config.NewWatcher(configFile, logger)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg := watcher.Current()

	kubeClient, err := k8sclient.New(kubeconfig)
	if err != nil {
		log.Fatalf("build kube client: %v", err)
	}

	reg := prometheus.NewRegistry()
	resourceMetrics := metrics.NewResource(reg)

	deployMgr := deploy.New(kubeClient, cfg.Orchestrator.Namespace, cfg.ContainerRegistry.Endpoint, logger)
	nodes := nodeinfo.New(kubeClient, cfg.Orchestrator.Namespace, mcpPort)
	eval := authz.New()

	// The three properties SPEC_FULL A2 documents as reloadable are held
	// behind a live indirection (store.Dynamic, sessionstore.Dynamic,
	// proxy.Handler.SetToolGatewayWorkload, an atomic.Bool) and rewired by
	// watcher.OnChange below, so a config-file edit takes effect without a
	// restart.
	adapterStore := store.NewDynamic[models.AdapterRecord](newAdapterStore(cfg.ResourceStore, logger))
	toolStore := store.NewDynamic[models.ToolRecord](newToolStore(cfg.ResourceStore, logger))
	sessions := sessionstore.NewDynamic(newSessionStore(cfg.SessionStore, logger))

	adapterSvc := services.NewAdapterService(adapterStore, eval, deployMgr, resourceMetrics, logger)
	// No ToolRouter: this process proxies MCP traffic to the standalone
	// toolgateway workload rather than decoding it itself, so nothing here
	// mounts a Router.MCPServer() for Sync calls to matter to.
	toolSvc := services.NewToolService(toolStore, eval, deployMgr, resourceMetrics, nil, logger)

	proxyHandler := proxy.New(nodes, sessions, adapterSvc, cfg.ToolGatewayWorkloadName, logger)

	var devMode atomic.Bool
	devMode.Store(cfg.Development.Mode)

	watcher.OnChange(func(r config.Reloadable) {
		adapterStore.Swap(newAdapterStore(r.ResourceStore, logger))
		toolStore.Swap(newToolStore(r.ResourceStore, logger))
		sessions.Swap(newSessionStore(r.SessionStore, logger))
		proxyHandler.SetToolGatewayWorkload(r.ToolGatewayWorkloadName)
		devMode.Store(r.Development.Mode)
		logger.Info("applied reloadable config change",
			"toolGatewayWorkloadName", r.ToolGatewayWorkloadName,
			"development.mode", r.Development.Mode)
	})

	mux := http.NewServeMux()
	httpapi.NewAdapterHandlers(adapterSvc, logger).Register(mux)
	httpapi.NewToolHandlers(toolSvc, logger).Register(mux)
	mux.HandleFunc("POST /adapters/{name}/mcp", proxyHandler.ServeAdapter)
	mux.HandleFunc("POST /adapters/{name}/mcp/{rest...}", proxyHandler.ServeAdapter)
	mux.HandleFunc("POST /mcp", proxyHandler.ServeToolGateway)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{cfg.PublicOrigin},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowedHeaders: []string{"*"},
	})

	handler := identity.Middleware(noopVerifier{}, &devMode, corsHandler.Handler(mux))

	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // streamable-HTTP connections can run long
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	go func() {
		logger.Info("starting mcp-gateway", "listening", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("gateway server failed: %v", err)
		}
	}()

	<-stop
	logger.Info("shutting down mcp-gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}

func newAdapterStore(cfg config.ResourceStore, logger *slog.Logger) store.Store[models.AdapterRecord] {
	if cfg.Kind != "distributed-cache" {
		return store.NewInMemory[models.AdapterRecord]()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info("resource store backed by redis", "addr", cfg.RedisAddr, "kind", "adapters")
	return store.NewRedis[models.AdapterRecord](client, "adapters")
}

func newToolStore(cfg config.ResourceStore, logger *slog.Logger) store.Store[models.ToolRecord] {
	if cfg.Kind != "distributed-cache" {
		return store.NewInMemory[models.ToolRecord]()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info("resource store backed by redis", "addr", cfg.RedisAddr, "kind", "tools")
	return store.NewRedis[models.ToolRecord](client, "tools")
}

func newSessionStore(cfg config.SessionStore, logger *slog.Logger) sessionstore.Store {
	if cfg.Kind != "distributed-cache" {
		return sessionstore.NewInMemory()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info("session store backed by redis", "addr", cfg.RedisAddr)
	return sessionstore.NewRedis(client)
}

// noopVerifier rejects every request; a real deployment supplies an
// identity.Verifier wired to identityProvider.{issuer,audience,tenantId,
// clientId} (spec.md §1 non-goal: the token verification handshake itself).
type noopVerifier struct{}

func (noopVerifier) Verify(*http.Request) (models.Principal, error) {
	return models.Principal{}, http.ErrNotSupported
}
