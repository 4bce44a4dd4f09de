package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires all route handlers onto the Echo instance.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler, health *HealthHandler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	e.GET("/", proxy.Root)

	probe := []string{http.MethodGet, http.MethodHead}
	e.Match(probe, "/v2", proxy.Probe)
	e.Match(probe, "/v2/", proxy.Probe)

	e.GET("/v2/auth", proxy.Token)
	e.GET("/v2/token", proxy.Token)

	e.Any("/v2/*", proxy.Forward)

	// Anything else is not part of the registry API.
	e.Any("/*", proxy.NotRegistry)
}
