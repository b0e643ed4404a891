package naim

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// Transport constants.
const (
	// DefaultPort is the Naim HTTP API port.
	DefaultPort = 15081

	// DefaultTimeout bounds every request end to end.
	DefaultTimeout = 10 * time.Second

	// DefaultUserAgent is sent when TransportOptions.UserAgent is empty.
	DefaultUserAgent = "gray-logic-naim/1.0"

	// prefixPath is the alternate API base used by some firmware.
	prefixPath = "/naim"

	// maxBodySize caps how much of a response is read.
	maxBodySize = 1 << 20

	dialTimeout     = 5 * time.Second
	keepAlive       = 30 * time.Second
	idleConnTimeout = 90 * time.Second
	retryWaitMin    = 250 * time.Millisecond
	retryWaitMax    = 2 * time.Second
)

// Markers that identify a firmware redirect page pointing at /naim.
var prefixMarkers = []string{"naim/index.fcgi", "naim/"}

// probePaths re-validate a detected /naim prefix, in order.
var probePaths = []string{"/nowplaying", "/system", "/inputs"}

// Logger is the structured logging interface used throughout the package.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Endpoint is the resolved address of a device API.
type Endpoint struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	BasePath string `json:"base_path"`
}

// HostPort returns "host:port".
func (e Endpoint) HostPort() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// BaseURL returns the HTTP URL requests are resolved against.
func (e Endpoint) BaseURL() string {
	return "http://" + e.HostPort() + e.BasePath
}

// Response is a decoded device reply.
type Response struct {
	// Data is the decoded JSON object. Empty for redirect pages and
	// empty bodies.
	Data map[string]any

	// Raw is the response body as text.
	Raw string

	// Redirect is true when the body was a firmware redirect page.
	Redirect bool

	// JSON is true when Data was decoded from a JSON body.
	JSON bool

	StatusCode int
}

// TransportOptions configures a Transport.
type TransportOptions struct {
	Host string
	Port int

	// Timeout bounds each attempt. Zero means DefaultTimeout.
	Timeout time.Duration

	// Retries is how many times an idempotent GET is re-issued after a
	// connection error. Zero disables retries.
	Retries int

	UserAgent string
	Logger    Logger
}

// Transport issues requests to a single device over its own HTTP session.
//
// Thread Safety: All methods are safe for concurrent use.
type Transport struct {
	host      string
	port      int
	userAgent string

	retry *retryablehttp.Client
	plain *http.Client
	conns *http.Transport

	basePath string
	baseMu   sync.RWMutex

	logger Logger
}

// NewTransport creates a Transport for one device.
func NewTransport(opts TransportOptions) *Transport {
	port := opts.Port
	if port == 0 {
		port = DefaultPort
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}
	var logger Logger = noopLogger{}
	if opts.Logger != nil {
		logger = opts.Logger
	}

	conns := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: keepAlive,
		}).DialContext,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     idleConnTimeout,
	}
	plain := &http.Client{
		Timeout:   timeout,
		Transport: conns,
		// Redirects are surfaced to the caller rather than followed.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	retry := retryablehttp.NewClient()
	retry.RetryMax = opts.Retries
	retry.RetryWaitMin = retryWaitMin
	retry.RetryWaitMax = retryWaitMax
	retry.Logger = nil
	retry.HTTPClient = plain
	retry.CheckRetry = retryOnConnectionError
	retry.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &Transport{
		host:      opts.Host,
		port:      port,
		userAgent: ua,
		retry:     retry,
		plain:     plain,
		conns:     conns,
		logger:    logger,
	}
}

// retryOnConnectionError retries only when no response was received.
// HTTP error statuses are never retried.
func retryOnConnectionError(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return err != nil && resp == nil, nil
}

// Endpoint returns the currently resolved endpoint.
func (t *Transport) Endpoint() Endpoint {
	t.baseMu.RLock()
	defer t.baseMu.RUnlock()
	return Endpoint{Host: t.host, Port: t.port, BasePath: t.basePath}
}

func (t *Transport) setBasePath(p string) {
	t.baseMu.Lock()
	t.basePath = p
	t.baseMu.Unlock()
}

// Get issues a GET request.
func (t *Transport) Get(ctx context.Context, path string, query url.Values) (*Response, error) {
	return t.Request(ctx, http.MethodGet, path, query, nil)
}

// Put issues a PUT request.
func (t *Transport) Put(ctx context.Context, path string, query url.Values, body any) (*Response, error) {
	return t.Request(ctx, http.MethodPut, path, query, body)
}

// Request sends one request and classifies the outcome.
//
// Parameters:
//   - method: http.MethodGet or http.MethodPut
//   - path: API path relative to the resolved base, e.g. "/nowplaying"
//   - query: optional query parameters
//   - body: optional value sent as JSON
//
// Returns:
//   - *Response: decoded reply on any 2xx status. A 2xx text body that is
//     neither JSON nor a redirect page is returned alongside ErrMalformed.
//   - error: ErrUnreachable, *HTTPError, ErrMalformed or ErrInvalidArgument
func (t *Transport) Request(ctx context.Context, method, path string, query url.Values, body any) (*Response, error) {
	if method != http.MethodGet && method != http.MethodPut {
		return nil, fmt.Errorf("%w: method %s", ErrInvalidArgument, method)
	}

	target := t.Endpoint().BaseURL() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%w: encoding body: %v", ErrInvalidArgument, err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, target, payload)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrInvalidArgument, err)
	}
	req.Header.Set("User-Agent", t.userAgent)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	t.logger.Debug("naim request", "method", method, "url", target)

	var resp *http.Response
	if method == http.MethodGet {
		resp, err = t.retry.Do(req)
	} else {
		resp, err = t.plain.Do(req.Request)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %w", ErrUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %w", ErrUnreachable, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Method: method, Path: path}
	}

	return decodeBody(resp.StatusCode, resp.Header.Get("Content-Type"), data, path)
}

// decodeBody turns a 2xx body into a Response.
func decodeBody(status int, contentType string, data []byte, path string) (*Response, error) {
	out := &Response{StatusCode: status, Raw: string(data), Data: map[string]any{}}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return out, nil
	}

	looksJSON := strings.Contains(strings.ToLower(contentType), "json") || trimmed[0] == '{'
	if looksJSON {
		if err := json.Unmarshal(trimmed, &out.Data); err == nil {
			if out.Data == nil {
				out.Data = map[string]any{}
			}
			out.JSON = true
			return out, nil
		} else if trimmed[0] == '{' || trimmed[0] == '[' {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, path, err)
		}
	}

	if isRedirectPage(out.Raw) {
		out.Redirect = true
		return out, nil
	}

	// The raw text is kept so the root probe can still inspect the page.
	return out, fmt.Errorf("%w: %s: unexpected %q body", ErrMalformed, path, contentType)
}

// isRedirectPage reports whether text is a firmware meta-refresh page.
func isRedirectPage(text string) bool {
	lower := strings.ToLower(text)
	return strings.Contains(lower, "refresh") && strings.Contains(lower, "naim")
}

// Negotiate probes the device root and selects the API base path.
//
// Any 2xx answer from the root counts as reachable, whatever the body. If
// a non-JSON root page names the /naim prefix, the base switches to /naim
// and is confirmed against /nowplaying, /system and /inputs in turn. If
// none of those succeed the base reverts to the root. Only a failure of the
// root probe itself is returned.
func (t *Transport) Negotiate(ctx context.Context) error {
	t.setBasePath("")

	root, err := t.Get(ctx, "/", nil)
	if err != nil && (root == nil || !errors.Is(err, ErrMalformed)) {
		return fmt.Errorf("root probe: %w", err)
	}
	if root.JSON || !hasPrefixMarker(root.Raw) {
		return nil
	}

	t.setBasePath(prefixPath)
	t.logger.Info("naim api prefix detected", "host", t.host, "prefix", prefixPath)

	for _, p := range probePaths {
		if _, err := t.Get(ctx, p, nil); err == nil {
			t.logger.Info("naim api prefix confirmed", "host", t.host, "probe", p)
			return nil
		} else if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			t.setBasePath("")
			return fmt.Errorf("prefix probe: %w", err)
		}
	}

	t.logger.Warn("naim api prefix probes failed, using root", "host", t.host)
	t.setBasePath("")
	return nil
}

func hasPrefixMarker(text string) bool {
	for _, m := range prefixMarkers {
		if strings.Contains(text, m) {
			return true
		}
	}
	return false
}

// Close releases idle connections.
func (t *Transport) Close() {
	t.conns.CloseIdleConnections()
}
