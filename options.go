package adlsfs

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cloudshelf/adlsfs-go/internal/rest"
)

// SSLChannelMode selects the TLS transport collaborator (spec.md §6
// ssl_channel_mode). Go has one native TLS stack, so every mode uses
// crypto/tls: OpenSSL and DefaultJse get a dedicated http.Transport that
// requires TLS 1.2 or later, and Default uses a plain http.Client with the
// standard library's default transport. The three-valued enum is preserved
// because it is part of the recognized configuration surface other ports
// of this client expose.
type SSLChannelMode int

const (
	SSLChannelDefault SSLChannelMode = iota
	SSLChannelOpenSSL
	SSLChannelDefaultJSE
)

type config struct {
	accountFQDN string
	tokens      rest.TokenSource
	httpClient  *http.Client
	logger      *slog.Logger

	pathPrefix            string
	insecureTransport     bool
	throwRemoteExceptions bool
	userAgentSuffix       string
	readAheadQueueDepth   int
	defaultTimeout        time.Duration
	sslChannelMode        SSLChannelMode
	backoff               *rest.BackoffConfig
}

// Option configures a Client at construction (spec.md §6 "Configuration").
type Option func(*config) error

// WithPathPrefix prepends prefix to every path this client issues. Must be
// absolute with no empty segments; "//" is rejected (spec.md §6
// file_path_prefix).
func WithPathPrefix(prefix string) Option {
	return func(c *config) error {
		c.pathPrefix = prefix

		return nil
	}
}

// WithInsecureTransport switches the scheme to http — test use only
// (spec.md §6 insecure_transport).
func WithInsecureTransport() Option {
	return func(c *config) error {
		c.insecureTransport = true

		return nil
	}
}

// WithThrowRemoteExceptions surfaces the remote class name as the error's
// effective type when it denotes an I/O error (spec.md §6
// throw_remote_exceptions, §4.4).
func WithThrowRemoteExceptions() Option {
	return func(c *config) error {
		c.throwRemoteExceptions = true

		return nil
	}
}

// WithUserAgentSuffix appends suffix to the built-in User-Agent header
// (spec.md §6 user_agent_suffix).
func WithUserAgentSuffix(suffix string) Option {
	return func(c *config) error {
		c.userAgentSuffix = suffix

		return nil
	}
}

// WithReadAheadQueueDepth sets how many look-ahead blocks an input stream
// queues per fill; 0 disables prefetch entirely (spec.md §6
// read_ahead_queue_depth).
func WithReadAheadQueueDepth(depth int) Option {
	return func(c *config) error {
		if depth < 0 {
			return fmt.Errorf("adlsfs: read-ahead queue depth must be >= 0, got %d", depth)
		}

		c.readAheadQueueDepth = depth

		return nil
	}
}

// WithDefaultTimeout overrides the per-attempt connect+read timeout
// (spec.md §6 default_timeout_ms).
func WithDefaultTimeout(d time.Duration) Option {
	return func(c *config) error {
		if d <= 0 {
			return fmt.Errorf("adlsfs: default timeout must be positive, got %s", d)
		}

		c.defaultTimeout = d

		return nil
	}
}

// WithSSLChannelMode selects the TLS transport collaborator (spec.md §6
// ssl_channel_mode).
func WithSSLChannelMode(mode SSLChannelMode) Option {
	return func(c *config) error {
		c.sslChannelMode = mode

		return nil
	}
}

// WithExponentialBackoff overrides the default idempotent retry policy's
// bounds (spec.md §6 exponential_backoff(max_retries, initial_interval_ms,
// factor)).
func WithExponentialBackoff(maxRetries int, initialInterval time.Duration, factor float64) Option {
	return func(c *config) error {
		if maxRetries < 0 {
			return fmt.Errorf("adlsfs: max retries must be >= 0, got %d", maxRetries)
		}

		if initialInterval <= 0 {
			return fmt.Errorf("adlsfs: initial interval must be positive, got %s", initialInterval)
		}

		if factor <= 1 {
			return fmt.Errorf("adlsfs: backoff factor must be > 1, got %f", factor)
		}

		c.backoff = &rest.BackoffConfig{MaxRetries: maxRetries, InitialInterval: initialInterval, Factor: factor}

		return nil
	}
}

// WithHTTPClient overrides the underlying *http.Client (e.g. for custom
// transport pooling or a mock RoundTripper in tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) error {
		c.httpClient = hc

		return nil
	}
}

// WithLogger overrides the client's slog.Logger; nil falls back to
// slog.Default() throughout every collaborator.
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) error {
		c.logger = logger

		return nil
	}
}

// transportFor builds the *http.Client this SSLChannelMode implies, when
// the caller hasn't supplied their own via WithHTTPClient.
func (m SSLChannelMode) transportFor() *http.Client {
	switch m {
	case SSLChannelOpenSSL, SSLChannelDefaultJSE:
		return &http.Client{Transport: &http.Transport{TLSClientConfig: &tls.Config{MinVersion: tls.VersionTLS12}}}
	default:
		return &http.Client{}
	}
}
