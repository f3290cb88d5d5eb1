// Package metrics exposes the server's Prometheus instrumentation. Collectors
// are registered on the default registry and served by the admin HTTP API.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	AuthAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_auth_attempts_total",
		Help: "Agent authentication attempts by outcome.",
	}, []string{"result"})

	TokenTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_token_transitions_total",
		Help: "Token lifecycle transitions by operation.",
	}, []string{"op"})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "warden_sessions_active",
		Help: "Currently registered agent sessions.",
	})

	Commands = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_commands_total",
		Help: "Dispatched commands by outcome.",
	}, []string{"outcome"})
)
