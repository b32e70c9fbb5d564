package cmd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/localca/internal/bundle"
	"github.com/blockadesystems/localca/internal/ca"
	"github.com/blockadesystems/localca/internal/config"
	"github.com/blockadesystems/localca/internal/issuance"
	"github.com/blockadesystems/localca/internal/server"
	"github.com/blockadesystems/localca/internal/validation"
)

// newIssuanceService wires validation, signing and bundling for authority.
func newIssuanceService(cfg *config.Config, authority ca.CertificateAuthority, resolver validation.Resolver) (*issuance.Service, error) {
	cipher, err := bundle.ParseCipher(cfg.PKCS12Cipher)
	if err != nil {
		return nil, err
	}
	validator := validation.NewValidator(resolver, cfg.DNSTimeout)
	return issuance.NewService(authority, validator, bundle.NewExporter(cipher), cfg.PKCS12Password), nil
}

// newRouters returns the HTTP and HTTPS Echo instances with middleware and routes applied.
func newRouters(cfg *config.Config, svc *issuance.Service) (*echo.Echo, *echo.Echo) {
	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, cfg, svc, logger)
	server.ApplyCommonMiddleware(httpsInstance, cfg, svc, logger)
	server.SetupRouter(httpInstance, httpsInstance)
	return httpInstance, httpsInstance
}

type listener struct {
	name   string
	e      *echo.Echo
	server *http.Server
}

func plainListener(name, addr string, e *echo.Echo) listener {
	return listener{name: name, e: e, server: &http.Server{
		Addr:              addr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}}
}

func tlsListener(name, addr string, e *echo.Echo, cert *tls.Certificate) listener {
	l := plainListener(name, addr, e)
	l.server.TLSConfig = &tls.Config{
		Certificates: []tls.Certificate{*cert},
		MinVersion:   tls.VersionTLS12,
	}
	return l
}

// runListeners serves until SIGINT/SIGTERM or until one listener fails, then shuts all of them down.
func runListeners(listeners ...listener) error {
	done := make(chan error, len(listeners))
	for _, l := range listeners {
		go func(l listener) {
			logger.Info("listening on address", zap.String("listener", l.name), zap.String("address", l.server.Addr), zap.Bool("tls", l.server.TLSConfig != nil))
			if err := l.e.StartServer(l.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
				done <- fmt.Errorf("%s server failed: %w", l.name, err)
				return
			}
			done <- nil
		}(l)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case sig := <-quit:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case runErr = <-done:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, l := range listeners {
		if err := l.server.Shutdown(ctx); err != nil {
			logger.Warn("listener shutdown failed", zap.String("listener", l.name), zap.Error(err))
		}
	}
	return runErr
}
