// Package main API Server 入口
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"appdeploy/internal/apiserver/auth"
	"appdeploy/internal/apiserver/server"
	"appdeploy/internal/config"
	"appdeploy/internal/shared/infra"
	"appdeploy/pkg/logging"
)

func main() {
	configDir := flag.String("config", "", "配置文件目录（包含 {env}.yaml）")
	flag.Parse()
	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	log.Printf("Starting API Server... [env=%s]", cfg.Env)
	log.Printf("Config: %s", cfg.String())

	logger := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    "stdout",
		Component: "api-server",
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	inf, err := infra.New(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to initialize infrastructure: %v", err)
	}
	defer inf.Close()
	log.Printf("Infrastructure ready [store=%s]", cfg.DatabaseDriver)

	registry := server.NewRegistry()
	orch := infra.NewOrchestrator(cfg, inf, registry, logger)

	h, err := server.NewHandler(server.Options{
		Store:           inf.Store,
		EventBus:        inf.EventBus,
		Runner:          orch,
		BroadcastEvents: cfg.Provision.BroadcastEvents,
		Auth:            auth.FromAppConfig(cfg.Auth),
		CORSOrigins:     cfg.APIServer.CORSOrigins,
		Registry:        registry,
	})
	if err != nil {
		log.Fatalf("Failed to create handler: %v", err)
	}
	if !cfg.AuthEnabled() {
		log.Println("WARNING: JWT_SECRET not set, API authentication disabled")
	}

	// 部署请求同步执行到流水线结束，不设置写超时
	srv := &http.Server{
		Addr:              ":" + cfg.APIServer.Port,
		Handler:           h.Router(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          newServerErrorLog(cfg.TLSEnabled()),
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Server shutdown error: %v", err)
		}
	}()

	if err := serve(srv, cfg); !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("Server error: %v", err)
	}

	fmt.Println("Server stopped")
}

func serve(srv *http.Server, cfg *config.Config) error {
	if !cfg.TLSEnabled() {
		log.Printf("API Server listening on :%s", cfg.APIServer.Port)
		return srv.ListenAndServe()
	}

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	log.Printf("API Server listening on :%s (https)", cfg.APIServer.Port)
	return srv.ServeTLS(&redirectingListener{Listener: ln}, cfg.APIServer.TLSCertFile, cfg.APIServer.TLSKeyFile)
}
