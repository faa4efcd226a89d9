// main implements the CLI for the standalone tool-gateway router workload:
// the fixed "toolgateway" backend the gateway's bare /mcp route proxies to.
// Mounts an *mcp-go server.MCPServer on a streamable-HTTP /mcp endpoint the
// same way cmd/mcp-broker-router/main.go's setUpBroker does. Runs
// toolgateway.Router.Run for the life of the process so the server's tool
// set is hydrated from the resource store at startup and kept converged on
// it, since this process receives no direct Sync calls from a Resource
// Service.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/mark3labs/mcp-go/server"
	"github.com/redis/go-redis/v9"

	"github.com/microsoft/mcp-gateway/internal/authz"
	"github.com/microsoft/mcp-gateway/internal/config"
	"github.com/microsoft/mcp-gateway/internal/identity"
	"github.com/microsoft/mcp-gateway/internal/models"
	"github.com/microsoft/mcp-gateway/internal/store"
	"github.com/microsoft/mcp-gateway/internal/toolgateway"
)

func main() {
	var (
		addr       string
		configFile string
		loglevel   int
		logFormat  string
	)
	flag.StringVar(&addr, "address", "0.0.0.0:8443", "listen address for the tool-gateway router")
	flag.StringVar(&configFile, "config", "./config/gateway/config.yaml", "path to the gateway configuration file")
	flag.IntVar(&loglevel, "log-level", int(slog.LevelInfo), "set the log level 0=info, 4=warn, 8=error, -4=debug")
	flag.StringVar(&logFormat, "log-format", "txt", "switch to json logs with --log-format=json")
	flag.Parse()

	slog.SetLogLoggerLevel(slog.Level(loglevel))
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if logFormat == "json" {
		logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	toolStore := newToolStore(cfg.ResourceStore, logger)
	router := toolgateway.New(toolStore, authz.New(), cfg.Orchestrator.Namespace, logger)

	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go router.Run(runCtx)

	mux := http.NewServeMux()
	httpSrv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0,
	}
	streamableHTTPServer := server.NewStreamableHTTPServer(
		router.MCPServer(),
		server.WithStreamableHTTPServer(httpSrv),
	)
	mux.Handle("/mcp", identity.FromHeadersMiddleware(streamableHTTPServer))

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	go func() {
		logger.Info("starting tool-gateway router", "listening", addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("tool-gateway router failed: %v", err)
		}
	}()

	<-stop
	logger.Info("shutting down tool-gateway router")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("shutdown error: %v", err)
	}
}

func newToolStore(cfg config.ResourceStore, logger *slog.Logger) store.Store[models.ToolRecord] {
	if cfg.Kind != "distributed-cache" {
		return store.NewInMemory[models.ToolRecord]()
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	logger.Info("resource store backed by redis", "addr", cfg.RedisAddr, "kind", "tools")
	return store.NewRedis[models.ToolRecord](client, "tools")
}
