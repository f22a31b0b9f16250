// Package transport provides HTTP client factories with explicit TLS and
// HTTP/2 tuning for an LLM provider that may sit behind cleartext HTTP/2
// (h2c, common for in-cluster sidecars) or TLS with optional mTLS. The LLM
// Port and cmd/agentd do not import this package; its only callers are its
// own tests.
package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"net/http"
	"os"

	"golang.org/x/net/http2"
)

// TLSConfig holds paths to TLS certificates for the LLM provider client.
// If CACertFile is empty, h2c (cleartext HTTP/2) is used instead.
type TLSConfig struct {
	CACertFile string // Path to CA certificate (enables TLS when set)
	CertFile   string // Path to client certificate (for mTLS, optional)
	KeyFile    string // Path to client key (for mTLS, optional)
}

// TLSConfigFromEnv reads TLS config from environment variables.
func TLSConfigFromEnv() TLSConfig {
	return TLSConfig{
		CACertFile: os.Getenv("LLM_TLS_CA"),
		CertFile:   os.Getenv("LLM_TLS_CERT"),
		KeyFile:    os.Getenv("LLM_TLS_KEY"),
	}
}

// NewProviderClient creates an HTTP client tuned for the LLM provider
// connection. If tlsCfg has a CACertFile, uses TLS, otherwise h2c.
func NewProviderClient(tlsCfg TLSConfig) (*http.Client, error) {
	if tlsCfg.CACertFile == "" {
		return newH2CClient(), nil
	}
	return newTLSClient(tlsCfg)
}

func newH2CClient() *http.Client {
	return &http.Client{
		Transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
				return (&net.Dialer{}).DialContext(ctx, network, addr)
			},
		},
	}
}

func newTLSClient(cfg TLSConfig) (*http.Client, error) {
	caCert, err := os.ReadFile(cfg.CACertFile)
	if err != nil {
		return nil, fmt.Errorf("read CA cert %s: %w", cfg.CACertFile, err)
	}

	caPool := x509.NewCertPool()
	if !caPool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to parse CA cert %s", cfg.CACertFile)
	}

	tlsConfig := &tls.Config{
		RootCAs:    caPool,
		MinVersion: tls.VersionTLS12,
	}

	if cfg.CertFile != "" && cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client cert: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	return &http.Client{
		Transport: &http2.Transport{
			TLSClientConfig: tlsConfig,
		},
	}, nil
}
