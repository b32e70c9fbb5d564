package management

import (
	"net/http"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/blockadesystems/localca/internal/ca"
	"github.com/blockadesystems/localca/internal/model"
)

// HandleCAInfo returns the identity and serial state of the running CA.
func HandleCAInfo(c echo.Context) error {
	authority := c.Get("caService").(ca.CertificateAuthority)
	reqLogger := c.Get("logger").(*zap.Logger).With(zap.String("handler", "HandleCAInfo"))

	cert := authority.Certificate()
	if cert == nil {
		reqLogger.Error("CA has no certificate loaded")
		return echo.NewHTTPError(http.StatusInternalServerError, "CA not initialized")
	}

	return c.JSON(http.StatusOK, model.CAInfo{
		Domain:    authority.Domain(),
		Subject:   authority.Subject().String(),
		Serial:    ca.FormatSerial(authority.Serial()),
		NotBefore: cert.NotBefore,
		NotAfter:  cert.NotAfter,
		Origin:    authority.Origin().String(),
	})
}

// HandleCADER returns the CA certificate in DER form, for clients that import a .crt file.
func HandleCADER(c echo.Context) error {
	authority := c.Get("caService").(ca.CertificateAuthority)
	c.Response().Header().Set(echo.HeaderContentDisposition, `attachment; filename="ca.crt"`)
	return c.Blob(http.StatusOK, "application/pkix-cert", authority.Certificate().Raw)
}
