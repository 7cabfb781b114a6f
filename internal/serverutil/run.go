// Package serverutil runs the publisher's ops HTTP server: liveness checks
// and the metrics exposition.
package serverutil

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultShutdownTimeout bounds graceful shutdown when the context is cancelled.
const DefaultShutdownTimeout = 10 * time.Second

// TLSConfig names a certificate and key pair. Both or neither must be set.
type TLSConfig struct {
	CertFile string
	KeyFile  string
}

func (t TLSConfig) enabled() bool {
	return t.CertFile != ""
}

type Config struct {
	Server          *http.Server
	TLS             TLSConfig
	ShutdownTimeout time.Duration
	// Ready is closed once the listener is bound.
	Ready chan<- struct{}
	// OnListen receives the bound address, which differs from Server.Addr
	// when it names port 0.
	OnListen func(net.Addr)
	Logger   *slog.Logger
}

func (cfg Config) validate() error {
	if cfg.Server == nil {
		return errors.New("server is required")
	}
	if (cfg.TLS.CertFile == "") != (cfg.TLS.KeyFile == "") {
		return errors.New("both TLS cert file and key file must be provided")
	}
	return nil
}

// Run binds cfg.Server and serves until ctx is cancelled or serving fails.
// Cancellation drains in-flight requests for up to ShutdownTimeout. A bind
// failure is returned before Ready is closed.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.validate(); err != nil {
		return err
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = DefaultShutdownTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := listen(cfg.Server, cfg.TLS)
	if err != nil {
		return err
	}
	addr := ln.Addr()
	logger.Info("ops server listening", "addr", addr.String(), "tls", cfg.TLS.enabled())
	if cfg.OnListen != nil {
		cfg.OnListen(addr)
	}
	if cfg.Ready != nil {
		close(cfg.Ready)
	}

	served := make(chan struct{})
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		defer close(served)
		if err := cfg.Server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve ops: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		select {
		case <-served:
			return nil
		case <-groupCtx.Done():
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		if err := cfg.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown ops server: %w", err)
		}
		return nil
	})

	err = group.Wait()
	logger.Info("ops server stopped", "addr", addr.String())
	return err
}

// listen binds server.Addr, wrapping the listener in TLS when a key pair is
// configured. The server's TLSConfig is updated so Shutdown and handlers see
// the certificate in use.
func listen(server *http.Server, cfg TLSConfig) (net.Listener, error) {
	ln, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", server.Addr, err)
	}
	if !cfg.enabled() {
		return ln, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("load ops TLS key pair: %w", err)
	}
	tlsCfg := &tls.Config{MinVersion: tls.VersionTLS12}
	if server.TLSConfig != nil {
		tlsCfg = server.TLSConfig.Clone()
	}
	tlsCfg.Certificates = append([]tls.Certificate{cert}, tlsCfg.Certificates...)
	server.TLSConfig = tlsCfg
	return tls.NewListener(ln, tlsCfg), nil
}
