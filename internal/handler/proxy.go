package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"

	"github.com/turbidsoul/fast-docker-proxy/internal/model"
	"github.com/turbidsoul/fast-docker-proxy/internal/registry"
	"github.com/turbidsoul/fast-docker-proxy/internal/service"
)

// ProxyHandler exposes the registry relay endpoints over Echo.
type ProxyHandler struct {
	service *service.Proxy
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.Proxy, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Probe handles GET/HEAD /v2/, the registry version check that starts the
// auth handshake.
func (h *ProxyHandler) Probe(c echo.Context) error {
	resp, err := h.service.Probe(proxyRequest(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return h.stream(c, resp)
}

// Token handles GET /v2/auth and its /v2/token alias, relaying the client's
// token request to the upstream's real token service.
func (h *ProxyHandler) Token(c echo.Context) error {
	resp, err := h.service.Token(proxyRequest(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return h.stream(c, resp)
}

// Forward handles every other /v2/ API call: manifests, blobs, tag lists.
func (h *ProxyHandler) Forward(c echo.Context) error {
	resp, err := h.service.Forward(proxyRequest(c))
	if err != nil {
		return h.mapError(c, err)
	}
	return h.stream(c, resp)
}

// Root redirects / to /v2/ on the same host, where registry clients start.
func (h *ProxyHandler) Root(c echo.Context) error {
	return c.Redirect(http.StatusMovedPermanently, "/v2/")
}

// NotRegistry rejects paths outside the /v2/ API surface.
func (h *ProxyHandler) NotRegistry(c echo.Context) error {
	return h.mapError(c, service.ErrMalformedPath)
}

func proxyRequest(c echo.Context) *model.ProxyRequest {
	req := c.Request()
	return &model.ProxyRequest{
		Ctx:    req.Context(),
		Method: req.Method,
		Host:   req.Host,
		Path:   req.URL.Path,
		Query:  req.URL.Query(),
		Header: req.Header,
		Body:   req.Body,
	}
}

// stream writes the upstream response to the client without buffering the
// body. If io.Copy fails mid-stream (e.g. client disconnect, network error),
// the status has already been sent, so the client receives a truncated
// response with the original status; we log the error for observability.
func (h *ProxyHandler) stream(c echo.Context, resp *model.ProxyResponse) error {
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"path", c.Request().URL.Path,
		)
	}

	return nil
}

func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	h.logger.Error("proxy error",
		"err", err,
		"host", c.Request().Host,
		"path", c.Request().URL.Path,
	)

	if errors.Is(err, registry.ErrUnknownHost) {
		return c.JSON(http.StatusNotFound, map[string]any{
			"error":  "no upstream registry for this host",
			"routes": h.service.RoutableHosts(),
		})
	}

	if errors.Is(err, service.ErrMalformedPath) {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "not a registry v2 API path",
		})
	}

	if errors.Is(err, service.ErrRedirectDepth) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream redirect chain too deep",
		})
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	// Transport-level timeouts (awaiting response headers) surface as net
	// errors with Timeout set, not as context.DeadlineExceeded.
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.JSON(http.StatusGatewayTimeout, map[string]string{
			"error": "upstream request timed out",
		})
	}

	if errors.Is(err, context.Canceled) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "client disconnected",
		})
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream host unreachable",
		})
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.JSON(http.StatusBadGateway, map[string]string{
			"error": "upstream connection failed",
		})
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error": "upstream request failed",
	})
}
