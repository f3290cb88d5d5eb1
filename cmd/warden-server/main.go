package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	internalhttp "github.com/wardenhq/warden/internal/api/http"
	"github.com/wardenhq/warden/internal/cert"
	"github.com/wardenhq/warden/internal/console"
	"github.com/wardenhq/warden/internal/db"
	"github.com/wardenhq/warden/internal/protocol"
	"github.com/wardenhq/warden/internal/server"
	"github.com/wardenhq/warden/internal/token"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Warden Server", "version", AppVersion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.Open(ctx, config.DB.Path)
	if err != nil {
		slog.Error("Failed to open token database", "error", err)
		os.Exit(1)
	}
	defer database.Close()

	tokens := token.NewManager(token.NewSQLStore(database))

	certService, err := cert.New(
		config.TLS.CAFile,
		config.TLS.CAKeyFile,
		config.TLS.CertFile,
		config.TLS.KeyFile,
		&cert.Options{
			DomainNames: ParseCommaSeparated(config.TLS.DomainNames),
			IPAddresses: parseIPs(config.TLS.IPAddresses),
		},
	)
	if err != nil {
		slog.Error("Failed to set up TLS certificates", "error", err)
		os.Exit(1)
	}

	tlsConf, err := certService.ServerTLSConfig()
	if err != nil {
		slog.Error("Failed to load server TLS configuration", "error", err)
		os.Exit(1)
	}

	registry := server.NewRegistry(config.Listener.ResponseTimeout)
	listener := server.NewListener(config.Listener.Addr, tlsConf, tokens, registry, protocol.NewCodec(0))

	services := &internalhttp.Services{
		Tokens:   tokens,
		Registry: registry,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"PUT", "PATCH", "GET", "POST", "DELETE"},
		AllowHeaders:     []string{"Origin", "Content-Length", "Content-Type", "Authorization", "X-API-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	engine.Use(gin.Recovery())
	internalhttp.SetupRoute(engine, services, config.Http.AdminAPIKey)

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Http.Port),
		Handler: engine,
	}

	errChan := make(chan error, 2)
	go func() {
		slog.Info("Starting admin HTTP server", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	go func() {
		if err := listener.Start(); err != nil {
			errChan <- fmt.Errorf("agent listener error: %w", err)
		}
	}()

	// The operator console is the interactive surface; the server shuts down
	// when the operator exits it.
	consoleDone := make(chan struct{})
	go func() {
		defer close(consoleDone)
		op := console.New(tokens, registry, os.Stdin, os.Stdout)
		if err := op.Run(ctx); err != nil {
			slog.Error("Console error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		slog.Error("Server error", "error", err)
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case <-consoleDone:
	}

	slog.Info("Shutting down servers...")
	cancel()

	var wg sync.WaitGroup
	shutdownTimeout := 10 * time.Second

	wg.Add(1)
	go func() {
		defer wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			slog.Error("HTTP server shutdown error", "error", err)
		} else {
			slog.Info("HTTP server stopped")
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		listener.Stop()
	}()

	wg.Wait()
	slog.Info("Shutdown complete")
}

func parseIPs(input string) []net.IP {
	var ips []net.IP
	for _, s := range ParseCommaSeparated(input) {
		if ip := net.ParseIP(s); ip != nil {
			ips = append(ips, ip)
		} else {
			slog.Warn("Ignoring invalid IP address in TLS config", "value", s)
		}
	}
	return ips
}
