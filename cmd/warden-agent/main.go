package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/wardenhq/warden/internal/agent"
	"github.com/wardenhq/warden/internal/cert"
)

var AppVersion string

func main() {
	InitConfig()

	slog.Info("Warden Agent", "version", AppVersion, "hostname", config.Agent.Hostname, "server", config.Server.Addr)

	tlsConf, err := cert.ClientTLSConfig(config.Server.CAFile, config.Server.ServerName, config.Server.Insecure)
	if err != nil {
		slog.Error("Failed to build TLS configuration", "error", err)
		os.Exit(1)
	}

	client := agent.NewClient(agent.Config{
		ServerAddr:     config.Server.Addr,
		Hostname:       config.Agent.Hostname,
		TokenPath:      config.Agent.TokenPath,
		PollInterval:   config.Agent.PollInterval,
		ReconnectDelay: config.Agent.ReconnectDelay,
	}, tlsConf, agent.NewExecutor(config.Executor.Timeout))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = client.Run(ctx)
	switch {
	case errors.Is(err, agent.ErrDenied):
		slog.Error("Token request was denied by the operator, giving up")
		os.Exit(1)
	case errors.Is(err, context.Canceled):
		slog.Info("Shutdown complete")
	case err != nil:
		slog.Error("Agent stopped", "error", err)
		os.Exit(1)
	}
}
