// internal/testutils/server_test_helper.go
package testutils

import (
	"context"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap/zaptest"

	"github.com/blockadesystems/localca/internal/bundle"
	"github.com/blockadesystems/localca/internal/ca"
	"github.com/blockadesystems/localca/internal/config"
	"github.com/blockadesystems/localca/internal/issuance"
	"github.com/blockadesystems/localca/internal/server"
	"github.com/blockadesystems/localca/internal/storage"
	"github.com/blockadesystems/localca/internal/validation"
)

// TestDomain is the domain the test CA is bound to.
const TestDomain = "ca.test"

// TestServer bundles everything a handler test needs.
type TestServer struct {
	HTTP      *echo.Echo
	HTTPS     *echo.Echo
	Config    *config.Config
	Authority *ca.Authority
	Resolver  *validation.StaticResolver
	Store     *storage.MemoryStorage
	Service   *issuance.Service
}

// SetupTestServer builds a CA on in-memory storage, a validator backed by a static resolver,
// and both Echo instances with all routes registered. Tests control DNS through Resolver.
func SetupTestServer(t *testing.T) *TestServer {
	t.Helper()

	testLogger := zaptest.NewLogger(t)

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("Failed to load base config for test: %v", err)
	}
	cfg.StorageType = "memory"
	cfg.CADomain = TestDomain
	cfg.TrustProxyHeaders = false

	store := storage.NewMemoryStorage()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	authority, err := ca.Initialize(ctx, ca.Options{
		Domain: cfg.CADomain,
		Subject: ca.SubjectOptions{
			Country:            cfg.Country,
			Locality:           cfg.Locality,
			Organization:       cfg.Organization,
			OrganizationalUnit: cfg.OrganizationalUnit,
		},
		Store: store,
	})
	if err != nil {
		t.Fatalf("Failed to initialize CA for test: %v", err)
	}

	resolver := validation.NewStaticResolver(nil)
	validator := validation.NewValidator(resolver, time.Second)

	cipher, err := bundle.ParseCipher(cfg.PKCS12Cipher)
	if err != nil {
		t.Fatalf("Invalid PKCS#12 cipher in test config: %v", err)
	}
	svc := issuance.NewService(authority, validator, bundle.NewExporter(cipher), cfg.PKCS12Password)

	httpInstance := echo.New()
	httpsInstance := echo.New()
	server.ApplyCommonMiddleware(httpInstance, cfg, svc, testLogger)
	server.ApplyCommonMiddleware(httpsInstance, cfg, svc, testLogger)
	server.SetupRouter(httpInstance, httpsInstance)

	return &TestServer{
		HTTP:      httpInstance,
		HTTPS:     httpsInstance,
		Config:    cfg,
		Authority: authority,
		Resolver:  resolver,
		Store:     store,
		Service:   svc,
	}
}
