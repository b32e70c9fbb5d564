package server

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/blockadesystems/localca/internal/api"
	"github.com/blockadesystems/localca/internal/config"
	"github.com/blockadesystems/localca/internal/issuance"
	"github.com/blockadesystems/localca/internal/management"
)

// ApplyCommonMiddleware applies essential middleware to an Echo instance.
// It injects dependencies into the context.
func ApplyCommonMiddleware(e *echo.Echo, cfg *config.Config, service *issuance.Service, baseLogger *zap.Logger) {
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return uuid.NewString() },
	}))

	// The validated address is the direct peer unless a proxy in front is trusted.
	if cfg.TrustProxyHeaders {
		e.IPExtractor = echo.ExtractIPFromXFFHeader()
	} else {
		e.IPExtractor = echo.ExtractIPDirect()
	}

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			reqID := c.Response().Header().Get(echo.HeaderXRequestID)
			reqLogger := baseLogger.With(zap.String("request_id", reqID))

			c.Set("issuer", service)
			c.Set("caService", service.Authority())
			c.Set("cfg", cfg)
			c.Set("logger", reqLogger)
			return next(c)
		}
	})
}

// SetupRouter defines all HTTP and HTTPS routes for the application.
func SetupRouter(httpInstance, httpsInstance *echo.Echo) {
	// --- HTTP: CA distribution only ---
	httpInstance.GET("/", api.HandleCACertificate)
	httpInstance.GET("/ca.pem", api.HandleCACertificate)
	httpInstance.GET("/ca.crt", management.HandleCADER)

	// --- HTTPS ---
	httpsInstance.GET("/", api.HandleRoot)
	httpsInstance.GET("/healthz", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	})
	httpsInstance.GET("/certificates", api.HandleGetCertificate)
	httpsInstance.POST("/certificates", api.HandlePostCertificate)
	httpsInstance.POST(api.CSRPath, api.HandleSubmitCSR)

	apiGroup := httpsInstance.Group("/api/v1")
	apiGroup.GET("/ca", management.HandleCAInfo)
}
