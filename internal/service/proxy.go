// Package service implements the registry relay: host resolution, the auth
// handshake endpoints, and streaming forwarding with server-side blob
// redirect following.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/turbidsoul/fast-docker-proxy/internal/client"
	"github.com/turbidsoul/fast-docker-proxy/internal/config"
	"github.com/turbidsoul/fast-docker-proxy/internal/metrics"
	"github.com/turbidsoul/fast-docker-proxy/internal/model"
	"github.com/turbidsoul/fast-docker-proxy/internal/registry"
)

// ErrRedirectDepth is returned when an upstream redirect chain exceeds the
// single extra hop allowed for blob downloads.
var ErrRedirectDepth = errors.New("upstream redirect chain too deep")

// ErrMalformedPath is returned for requests outside the /v2/ API surface.
var ErrMalformedPath = errors.New("path is not a registry v2 API path")

// hopByHopHeaders are never forwarded in either direction. Host is rebuilt by
// the HTTP client from the outbound URL.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
}

const userAgent = "fast-docker-proxy/1.0"

// redirectStatuses are the upstream statuses the forwarder follows itself.
var redirectStatuses = map[int]bool{
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// Proxy relays registry v2 requests to the upstream chosen by hostname.
// Everything it touches after construction is read-only, so a single Proxy
// serves all requests concurrently.
type Proxy struct {
	client  *client.UpstreamClient
	table   *registry.Table
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxy creates a Proxy. The metrics parameter is optional.
func NewProxy(c *client.UpstreamClient, table *registry.Table, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *Proxy {
	return &Proxy{
		client:  c,
		table:   table,
		cfg:     cfg,
		logger:  logger.With("component", "proxy_service"),
		metrics: m,
	}
}

// RoutableHosts returns the hostnames the proxy routes, for diagnostics.
func (p *Proxy) RoutableHosts() []string {
	return p.table.Hosts()
}

// Probe relays the /v2/ version check. A 401 response gets its
// WWW-Authenticate realm rewritten to this proxy's own token endpoint on the
// inbound host, so the client's token fetch loops back through the proxy.
// Everything else about the response passes through untouched.
func (p *Proxy) Probe(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	res, err := p.table.Resolve(pr.Host)
	if err != nil {
		return nil, err
	}

	upstreamURL := p.buildUpstreamURL(res.Entry.BaseURL, "/v2/", nil)
	header := filterHeaders(pr.Header)

	resp, err := p.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, nil, res.Entry.Prefix)
	if err != nil {
		return nil, fmt.Errorf("probe upstream: %w", err)
	}

	resp.Header = filterHeaders(resp.Header)
	if resp.StatusCode == http.StatusUnauthorized {
		p.rewriteChallenge(resp.Header, pr.Host)
	}
	return resp, nil
}

// Token relays a token request to the upstream's real token issuance URL.
// The realm is a fixed property of the upstream entry when known (Docker
// Hub); otherwise it is discovered from the upstream's own /v2/ challenge.
// The inbound query is forwarded as-is except for the Docker Hub library/
// scope shortcut; the response passes through verbatim.
func (p *Proxy) Token(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	res, err := p.table.Resolve(pr.Host)
	if err != nil {
		return nil, err
	}

	realm := ""
	if res.Entry.TokenRealm != nil {
		realm = res.Entry.TokenRealm.String()
	} else {
		realm, err = p.discoverRealm(pr, res)
		if err != nil {
			return nil, err
		}
	}

	query := make(url.Values, len(pr.Query))
	for k, v := range pr.Query {
		query[k] = v
	}
	if scope := query.Get("scope"); scope != "" {
		query.Set("scope", registry.NormalizeScope(scope, res.Entry.IsDockerHub))
	}

	tokenURL := realm
	if enc := query.Encode(); enc != "" {
		tokenURL += "?" + enc
	}

	header := make(http.Header)
	if auth := pr.Header.Get("Authorization"); auth != "" {
		header.Set("Authorization", auth)
	}
	header.Set("User-Agent", userAgent)

	resp, err := p.client.DoStream(pr.Ctx, http.MethodGet, tokenURL, header, nil, res.Entry.Prefix)
	if err != nil {
		return nil, fmt.Errorf("fetch token: %w", err)
	}

	resp.Header = filterHeaders(resp.Header)
	return resp, nil
}

// discoverRealm probes the upstream's /v2/ endpoint and extracts the realm
// from its Bearer challenge.
func (p *Proxy) discoverRealm(pr *model.ProxyRequest, res registry.Resolved) (string, error) {
	probeURL := p.buildUpstreamURL(res.Entry.BaseURL, "/v2/", nil)
	resp, err := p.client.DoStream(pr.Ctx, http.MethodGet, probeURL, nil, nil, res.Entry.Prefix)
	if err != nil {
		return "", fmt.Errorf("discover token realm: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusUnauthorized {
		return "", fmt.Errorf("discover token realm: upstream %s returned %d, want 401", res.Entry.Prefix, resp.StatusCode)
	}
	ch, err := registry.ParseChallenge(resp.Header.Get("WWW-Authenticate"))
	if err != nil {
		return "", fmt.Errorf("discover token realm: %w", err)
	}
	return ch.Realm(), nil
}

// Forward relays a registry API call to the resolved upstream and streams the
// response back. Redirect responses are followed server-side: one fresh GET
// to the Location target, whose response is what the client sees. A second
// redirect in the chain fails with ErrRedirectDepth.
func (p *Proxy) Forward(pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	res, err := p.table.Resolve(pr.Host)
	if err != nil {
		return nil, err
	}

	path := registry.NormalizePath(pr.Path, res.Entry.IsDockerHub)
	upstreamURL := p.buildUpstreamURL(res.Entry.BaseURL, path, pr.Query)
	header := filterHeaders(pr.Header)

	p.logger.Debug("forwarding request",
		"method", pr.Method,
		"upstream", res.Entry.Prefix,
		"path", path,
	)

	resp, err := p.client.DoStream(pr.Ctx, pr.Method, upstreamURL, header, pr.Body, res.Entry.Prefix)
	if err != nil {
		return nil, fmt.Errorf("forward to upstream: %w", err)
	}

	if redirectStatuses[resp.StatusCode] {
		resp, err = p.followRedirect(pr, res, resp)
		if err != nil {
			return nil, err
		}
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Header = filterHeaders(resp.Header)
		p.rewriteChallenge(resp.Header, pr.Host)
		return resp, nil
	}

	resp.Header = filterHeaders(resp.Header)
	return resp, nil
}

// redirectHopHeaders are the client headers re-sent on a followed redirect.
// Range keeps resumed pulls partial; Authorization must stay behind because
// redirect targets are pre-signed CDN URLs that reject foreign credentials.
var redirectHopHeaders = []string{"Range", "Accept", "If-Range"}

// followRedirect fetches the Location target of a redirect response and
// returns that response instead. Blob redirects are always GET-compatible, so
// the original body is dropped. At most one hop is followed.
func (p *Proxy) followRedirect(pr *model.ProxyRequest, res registry.Resolved, redirect *model.ProxyResponse) (*model.ProxyResponse, error) {
	location := redirect.Header.Get("Location")
	_ = redirect.Body.Close()
	if location == "" {
		return nil, fmt.Errorf("upstream redirect %d without Location", redirect.StatusCode)
	}

	p.logger.Debug("following blob redirect",
		"upstream", res.Entry.Prefix,
		"status", redirect.StatusCode,
	)
	if p.metrics != nil {
		p.metrics.RedirectsFollowed.WithLabelValues(res.Entry.Prefix).Inc()
	}

	header := make(http.Header)
	for _, key := range redirectHopHeaders {
		if vals := pr.Header.Values(key); len(vals) > 0 {
			header[http.CanonicalHeaderKey(key)] = vals
		}
	}

	resp, err := p.client.DoStream(pr.Ctx, http.MethodGet, location, header, nil, res.Entry.Prefix)
	if err != nil {
		return nil, fmt.Errorf("follow redirect: %w", err)
	}

	if redirectStatuses[resp.StatusCode] {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %d -> %d", ErrRedirectDepth, redirect.StatusCode, resp.StatusCode)
	}
	return resp, nil
}

// rewriteChallenge points the Bearer challenge realm at this proxy's own
// token endpoint on the inbound host, preserving service and scope. A header
// that does not parse as a Bearer challenge is left alone.
func (p *Proxy) rewriteChallenge(header http.Header, host string) {
	raw := header.Get("WWW-Authenticate")
	if raw == "" {
		return
	}
	ch, err := registry.ParseChallenge(raw)
	if err != nil {
		p.logger.Warn("unparseable WWW-Authenticate challenge, passing through",
			"err", err,
		)
		return
	}
	realm := fmt.Sprintf("%s://%s/v2/auth", p.scheme(), host)
	header.Set("WWW-Authenticate", ch.WithRealm(realm).String())
}

// scheme is the scheme clients use to reach the proxy: https in prod behind
// the TLS frontend, http in debug mode for local testing.
func (p *Proxy) scheme() string {
	if p.cfg.Proxy.DebugMode() {
		return "http"
	}
	return "https"
}

func (p *Proxy) buildUpstreamURL(base *url.URL, path string, query url.Values) string {
	u := *base
	u.Path = path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// filterHeaders copies a header set minus the hop-by-hop headers. Everything
// else, Authorization and Accept and Range included, passes through so
// upstream and client see each other's headers unmodified.
func filterHeaders(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for key, vals := range src {
		if isHopByHop(key) {
			continue
		}
		dst[http.CanonicalHeaderKey(key)] = vals
	}
	return dst
}

func isHopByHop(key string) bool {
	for _, h := range hopByHopHeaders {
		if strings.EqualFold(key, h) {
			return true
		}
	}
	return false
}
