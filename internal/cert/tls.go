package cert

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"os"
)

// ServerTLSConfig loads the server certificate for the agent listener.
func (s *Service) ServerTLSConfig() (*tls.Config, error) {
	keyPair, err := tls.LoadX509KeyPair(s.ServerCertPath, s.ServerKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key pair: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{keyPair},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// ClientTLSConfig builds the agent-side TLS configuration. With a CA path the
// server certificate is verified against that CA only; with insecure set the
// certificate is accepted unverified, which leaves the channel encrypted but
// unauthenticated.
func ClientTLSConfig(caCertPath, serverName string, insecure bool) (*tls.Config, error) {
	if insecure {
		slog.Warn("Server certificate verification disabled")
		return &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		}, nil
	}

	caBytes, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("no certificates found in %s", caCertPath)
	}

	return &tls.Config{
		RootCAs:    pool,
		ServerName: serverName,
		MinVersion: tls.VersionTLS12,
	}, nil
}
