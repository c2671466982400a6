package rest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/cloudshelf/adlsfs-go/internal/model"
)

// Namespace selects which URL namespace an operation lives under
// (spec.md §4.3's registry table: "v1" or "ext").
type Namespace int

const (
	NamespaceV1 Namespace = iota
	NamespaceExt
)

const (
	v1Prefix  = "/webhdfs/v1"
	extPrefix = "/WebHdfsExt"

	defaultAPIVersion = "2018-09-01"
	defaultUserAgent  = "adlsfs-go/0.1"

	// defaultTimeout is the per-attempt connect+read timeout
	// (spec.md §4.3 "Timeouts"). Enumeration and concat operations scale
	// this up; callers set Request.Timeout per call.
	defaultTimeout = 60 * time.Second
)

// Request describes one Request Engine invocation (spec.md §4.3).
// BodyFactory is called fresh on every attempt so retries always resend
// the full payload, without requiring the caller's data to be held in a
// seekable reader (mirrors the teacher's rewindBody, generalized).
type Request struct {
	Operation   string // query-string op= value, e.g. "OPEN", "CREATE", "APPEND"
	Method      string
	Namespace   Namespace
	Path        string // absolute, unencoded
	Query       url.Values
	BodyFactory func() (io.Reader, error)
	BodyLength  int64 // -1 for chunked/unknown length
	ReturnsJSON bool
	Stream      bool // Open: hand the body back unbuffered instead of reading it
	Policy      Policy
	Timeout     time.Duration // 0 uses the client's default
}

// Client is the Request Engine: the single entry point composing token
// acquisition, URL building, retry, HTTP execution, response parsing,
// latency piggybacking, and the structured error model (spec.md §4.3).
// Modeled directly on the teacher's graph.Client.
type Client struct {
	scheme      string
	accountFQDN string
	apiVersion  string
	pathPrefix  model.Prefix // validated, no trailing slash, zero value for none

	httpClient *http.Client
	tokens     TokenSource
	logger     *slog.Logger
	ledger     *LatencyLedger

	userAgent             string
	throwRemoteExceptions bool
	clientInstanceID      string
	defaultTimeout        time.Duration
}

// NewClient constructs a Client against accountFQDN (e.g.
// "myaccount.azuredatalakestore.net"). insecureTransport switches the
// scheme to http for test use only (spec.md §6).
func NewClient(
	accountFQDN string, tokens TokenSource, httpClient *http.Client, logger *slog.Logger, insecureTransport bool,
) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = &http.Client{}
	}

	scheme := "https"
	if insecureTransport {
		scheme = "http"
	}

	return &Client{
		scheme:           scheme,
		accountFQDN:      accountFQDN,
		apiVersion:       defaultAPIVersion,
		httpClient:       httpClient,
		tokens:           tokens,
		logger:           logger,
		ledger:           NewLatencyLedger(),
		userAgent:        defaultUserAgent,
		clientInstanceID: uuid.NewString(),
		defaultTimeout:   defaultTimeout,
	}
}

// WithDefaultTimeout overrides the per-attempt connect+read timeout used
// when a Request doesn't set its own (spec.md §6 default_timeout_ms).
func (c *Client) WithDefaultTimeout(d time.Duration) {
	if d > 0 {
		c.defaultTimeout = d
	}
}

// WithPathPrefix sets the path prefix prepended to every request path
// (spec.md §6 file_path_prefix). Rejects prefixes containing "//" per
// §4.3's URL-encoding rule.
func (c *Client) WithPathPrefix(prefix string) error {
	pfx, err := model.NewPrefix(strings.TrimSuffix(prefix, "/"))
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidArgument, err)
	}

	c.pathPrefix = pfx

	return nil
}

// WithUserAgentSuffix appends suffix to the client's built-in User-Agent.
func (c *Client) WithUserAgentSuffix(suffix string) {
	if suffix == "" {
		return
	}

	c.userAgent = defaultUserAgent + " " + suffix
}

// WithThrowRemoteExceptions enables surfacing the remote javaClassName as
// the error's effective type (spec.md §4.4, §6).
func (c *Client) WithThrowRemoteExceptions(enabled bool) {
	c.throwRemoteExceptions = enabled
}

// WithAPIVersion overrides the default api-version query parameter.
func (c *Client) WithAPIVersion(version string) {
	if version != "" {
		c.apiVersion = version
	}
}

// Ledger exposes the client's Latency Ledger so callers may Disable() it.
func (c *Client) Ledger() *LatencyLedger {
	return c.ledger
}

// ThrowsRemoteExceptions reports whether the client is configured to
// surface remote class names as typed errors (used by operations.go to
// decide how to wrap a RemoteException).
func (c *Client) ThrowsRemoteExceptions() bool {
	return c.throwRemoteExceptions
}

// Invoke runs the nine-step invocation pipeline from spec.md §4.3,
// looping under req.Policy until it returns false.
func (c *Client) Invoke(ctx context.Context, req Request) (*Response, error) {
	baseRequestID := uuid.NewString()

	resp := &Response{}

	var (
		errHistory error
		attempt    int
	)

	for {
		clientRequestID := baseRequestID
		if attempt > 0 {
			clientRequestID = fmt.Sprintf("%s.retry_%d", baseRequestID, attempt)
		}

		start := time.Now()

		httpStatus, attemptErr := c.doOnce(ctx, req, clientRequestID, resp)

		latencyMs := time.Since(start).Milliseconds()
		resp.LastCallLatencyMs = latencyMs
		resp.NumRetries = attempt

		desc := ""
		if attemptErr != nil {
			desc = attemptErr.Error()
			errHistory = multierr.Append(errHistory, attemptErr)
			resp.ExceptionHistory = append(resp.ExceptionHistory, desc)
		}

		c.ledger.Write(clientLatencyRecord(
			baseRequestID, attempt, latencyMs, desc, req.Operation, req.BodyLength, c.clientInstanceID,
		))

		if httpStatus >= http.StatusOK && httpStatus < http.StatusMultipleChoices && attemptErr == nil {
			resp.Successful = true
			resp.HTTPStatus = httpStatus

			return resp, nil
		}

		if req.Policy.ShouldRetry(ctx, httpStatus, attemptErr) {
			attempt++

			continue
		}

		return resp, c.terminalError(resp, httpStatus, attempt, multierr.Errors(errHistory))
	}
}

// doOnce executes a single attempt: build the URL, attach headers, send
// the body, and populate resp with whatever the server returned. Returns
// the HTTP status observed (0 if the request never got a response) and a
// non-nil error on any failure kind.
func (c *Client) doOnce(ctx context.Context, req Request, clientRequestID string, resp *Response) (int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrAuthentication, err)
	}

	reqURL := c.buildURL(req)

	var body io.Reader

	if req.BodyFactory != nil {
		body, err = req.BodyFactory()
		if err != nil {
			return 0, fmt.Errorf("rest: preparing request body: %w", err)
		}
	}

	timeout := req.Timeout
	if timeout == 0 {
		timeout = c.defaultTimeout
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, reqURL, body)
	if err != nil {
		return 0, fmt.Errorf("rest: building request: %w", err)
	}

	httpReq.Header.Set("Authorization", "Bearer "+token)
	httpReq.Header.Set("User-Agent", c.userAgent)
	httpReq.Header.Set("Client-Request-Id", clientRequestID)

	if req.BodyLength >= 0 {
		httpReq.ContentLength = req.BodyLength
	}

	if latency := c.ledger.Drain(); latency != "" {
		httpReq.Header.Set("Client-Latency", latency)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.logger.Debug("rest: transport failure",
			slog.String("operation", req.Operation), slog.String("error", err.Error()))

		return 0, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	return c.handleResponse(httpResp, req, resp)
}

// handleResponse consumes the server's response, populating resp per the
// §4.3 step 5-7 rules, and returns the observed status plus a
// classification error for non-2xx responses.
func (c *Client) handleResponse(httpResp *http.Response, req Request, resp *Response) (int, error) {
	resp.ServerRequestID = httpResp.Header.Get("x-ms-request-id")
	resp.Chunked = len(httpResp.TransferEncoding) > 0
	resp.ContentLength = httpResp.ContentLength

	status := httpResp.StatusCode

	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		if req.Stream {
			resp.BodyStream = httpResp.Body

			return status, nil
		}

		defer httpResp.Body.Close()

		body, err := io.ReadAll(httpResp.Body)
		if err != nil {
			return status, fmt.Errorf("%w: reading response body: %w", ErrTransport, err)
		}

		resp.Body = body

		if req.ReturnsJSON && len(body) == 0 && resp.Chunked && resp.ContentLength == 0 {
			return status, fmt.Errorf("%w: empty body for json-returning operation %s", ErrProtocolInvariant, req.Operation)
		}

		return status, nil
	}

	defer httpResp.Body.Close()

	body, _ := io.ReadAll(httpResp.Body)
	resp.Body = body

	var exception, message, class string

	if parsed, ok := model.DecodeRemoteException(body); ok {
		exception = parsed.Exception
		message = parsed.Message
		class = parsed.JavaClassName

		resp.RemoteExceptionName = exception
		resp.RemoteExceptionMessage = message
		resp.RemoteExceptionClassName = class
	}

	return status, c.classifyFailure(status, exception, message, class)
}

// classifyFailure returns a sentinel-wrapped error describing a non-2xx
// response (spec.md §4.3 step 7, §4.4). When the client is configured to
// throw remote exceptions and the remote javaClassName denotes an I/O
// error, the remote class is surfaced as the error's effective type
// (ErrRemoteIOException) instead of the generic HTTP-status sentinel.
func (c *Client) classifyFailure(status int, exception, message, class string) error {
	sentinel := classifyStatus(status)
	if sentinel == nil {
		sentinel = ErrServerError
	}

	if c.throwRemoteExceptions && IsIOExceptionClass(class) {
		sentinel = ErrRemoteIOException
	}

	if exception == "" {
		return fmt.Errorf("%w: HTTP %d", sentinel, status)
	}

	return fmt.Errorf("%w: %s: %s", sentinel, exception, message)
}

// terminalError builds the final *RemoteError returned to the caller after
// retries have exhausted or the policy declined to retry.
func (c *Client) terminalError(resp *Response, status, retries int, history []error) *RemoteError {
	msg := "request failed"
	if len(history) > 0 {
		msg = history[len(history)-1].Error()
	}

	sentinel := classifyStatus(status)
	if sentinel == nil {
		sentinel = ErrServerError
	}

	// A failure that never got an HTTP response keeps the kind its last
	// attempt error carried.
	if status == 0 && len(history) > 0 {
		switch last := history[len(history)-1]; {
		case errors.Is(last, ErrAuthentication):
			sentinel = ErrAuthentication
		case errors.Is(last, ErrTransport):
			sentinel = ErrTransport
		}
	}

	if c.throwRemoteExceptions && IsIOExceptionClass(resp.RemoteExceptionClassName) {
		sentinel = ErrRemoteIOException
	}

	return &RemoteError{
		Message:                  msg,
		HTTPStatus:               status,
		ServerRequestID:          resp.ServerRequestID,
		NumRetries:               retries,
		LastLatencyMs:            resp.LastCallLatencyMs,
		ContentLength:            resp.ContentLength,
		RemoteExceptionName:      resp.RemoteExceptionName,
		RemoteExceptionMessage:   resp.RemoteExceptionMessage,
		RemoteExceptionClassName: resp.RemoteExceptionClassName,
		Err:                      sentinel,
	}
}

// buildURL composes the absolute request URL per spec.md §4.3 step 2:
// {scheme}://{account-fqdn}{namespace-prefix}{path-prefix}{encoded-path}?op={name}&api-version=…&{params}.
func (c *Client) buildURL(req Request) string {
	namespacePrefix := v1Prefix
	if req.Namespace == NamespaceExt {
		namespacePrefix = extPrefix
	}

	query := url.Values{}
	for k, v := range req.Query {
		query[k] = v
	}

	if req.Operation != "" {
		query.Set("op", req.Operation)
	}

	query.Set("api-version", c.apiVersion)

	// wirePath joins the configured prefix with req.Path via model.Path/
	// model.Prefix when req.Path parses as a valid Path, falling back to raw
	// concatenation when NewPath rejects it (e.g. a relative path or one
	// with empty segments).
	wirePath := c.pathPrefix.String() + req.Path
	if p, perr := model.NewPath(req.Path); perr == nil {
		wirePath = c.pathPrefix.Join(p)
	}

	u := url.URL{
		Scheme:   c.scheme,
		Host:     c.accountFQDN,
		Path:     namespacePrefix + wirePath,
		RawPath:  namespacePrefix + c.pathPrefix.String() + encodePathSegments(req.Path),
		RawQuery: query.Encode(),
	}

	return u.String()
}

// encodePathSegments percent-encodes each path segment per RFC 3986
// without ever substituting "+" for space (spec.md §4.3's URL-encoding
// rule).
func encodePathSegments(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}

	return strings.Join(segments, "/")
}

// bytesBodyFactory wraps a fixed byte slice as a BodyFactory, recreating a
// fresh *bytes.Reader on every attempt so retries always resend the full
// payload.
func bytesBodyFactory(data []byte) func() (io.Reader, error) {
	return func() (io.Reader, error) {
		return bytes.NewReader(data), nil
	}
}
