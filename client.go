package adlsfs

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/cloudshelf/adlsfs-go/internal/model"
	"github.com/cloudshelf/adlsfs-go/internal/prefetch"
	"github.com/cloudshelf/adlsfs-go/internal/rest"
	"github.com/cloudshelf/adlsfs-go/internal/stream"
	"github.com/cloudshelf/adlsfs-go/internal/traverse"
)

// Client is the facade binding the request engine, the shared prefetcher,
// the buffered streams, and the content summarizer behind one type
// (spec.md §1-§2).
type Client struct {
	rest *rest.Client
	pf   *prefetch.Prefetcher

	readAheadQueueDepth int
	speculativeDisabled bool
	backoff             *rest.BackoffConfig

	logger *slog.Logger
}

// New constructs a Client against accountFQDN (e.g.
// "myaccount.azuredatalakestore.net"), authenticating via tokens.
func New(accountFQDN string, tokens rest.TokenSource, opts ...Option) (*Client, error) {
	cfg := &config{
		accountFQDN:         accountFQDN,
		tokens:              tokens,
		readAheadQueueDepth: 1,
		sslChannelMode:      SSLChannelDefault,
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}

	if cfg.httpClient == nil {
		cfg.httpClient = cfg.sslChannelMode.transportFor()
	}

	restClient := rest.NewClient(cfg.accountFQDN, cfg.tokens, cfg.httpClient, cfg.logger, cfg.insecureTransport)

	if cfg.defaultTimeout > 0 {
		restClient.WithDefaultTimeout(cfg.defaultTimeout)
	}

	if cfg.pathPrefix != "" {
		if err := restClient.WithPathPrefix(cfg.pathPrefix); err != nil {
			return nil, err
		}
	}

	if cfg.userAgentSuffix != "" {
		restClient.WithUserAgentSuffix(cfg.userAgentSuffix)
	}

	if cfg.throwRemoteExceptions {
		restClient.WithThrowRemoteExceptions(true)
	}

	return &Client{
		rest:                restClient,
		pf:                  prefetch.New(cfg.logger),
		readAheadQueueDepth: cfg.readAheadQueueDepth,
		backoff:             cfg.backoff,
		logger:              cfg.logger,
	}, nil
}

// Close stops the client's prefetcher workers. Safe to call once.
func (c *Client) Close() {
	c.pf.Close()
}

// DisableLatencyTelemetry turns off the client's Latency Ledger: no
// further attempt latencies are recorded, and any already-queued entries
// are purged. One-way — there is no corresponding Enable (spec.md §4.5,
// §5 "disabling telemetry is one-way; re-enabling is not a contract").
func (c *Client) DisableLatencyTelemetry() {
	c.rest.Ledger().Disable()
}

// readPolicy returns a fresh instance of the default idempotent retry
// policy — every Invoke needs its own, mutable-counter instance
// (spec.md §4.2). Honors WithExponentialBackoff if the caller overrode it.
func (c *Client) readPolicy() rest.Policy {
	if c.backoff != nil {
		return rest.NewExponentialBackoffPolicyWithConfig(c.backoff.MaxRetries, c.backoff.InitialInterval, c.backoff.Factor)
	}

	return rest.NewExponentialBackoffPolicy()
}

// writePolicy returns a fresh instance of the non-idempotent policy for
// operations that must not be blindly replayed (spec.md §4.2).
func (c *Client) writePolicy() rest.Policy {
	return rest.NewNonIdempotentPolicy()
}

// handle adapts *Client to the narrow Reader interface stream.InputStream
// needs, tagging each open with a unique prefetcher stream id.
type handle struct {
	client *Client
}

func (h *handle) Open(ctx context.Context, path string, offset, length int64, policy rest.Policy) (*rest.Response, error) {
	return h.client.rest.Open(ctx, path, offset, length, policy)
}

// OpenRead opens path for buffered reading (spec.md §4.6). The file's
// length is snapshotted at open time via GetFileStatus.
func (c *Client) OpenRead(ctx context.Context, path string) (*stream.InputStream, error) {
	entry, _, err := c.rest.GetFileStatus(ctx, path, c.readPolicy())
	if err != nil {
		return nil, err
	}

	if entry.IsDirectory() {
		return nil, fmt.Errorf("%w: %s is a directory", rest.ErrInvalidArgument, path)
	}

	depth := c.readAheadQueueDepth
	if c.speculativeDisabled {
		depth = 0
	}

	return stream.NewInputStream(&handle{c}, c.pf, path, entry.Length, depth, uuid.NewString(), &c.speculativeDisabled), nil
}

// OpenWriteCreate opens path for buffered writing in create mode: the
// first flush issues a Create, overwriting any existing file (spec.md
// §4.8).
func (c *Client) OpenWriteCreate(path string) *stream.OutputStream {
	return stream.NewOutputStreamCreate(c.rest, path)
}

// OpenWriteAppend opens an existing file for buffered appending. The
// current remote length is learned via GetFileStatus before the stream is
// constructed (spec.md §4.8).
func (c *Client) OpenWriteAppend(ctx context.Context, path string) (*stream.OutputStream, error) {
	entry, _, err := c.rest.GetFileStatus(ctx, path, c.readPolicy())
	if err != nil {
		return nil, err
	}

	return stream.NewOutputStreamAppend(c.rest, path, entry.Length), nil
}

// GetFileStatus fetches file/directory metadata for path.
func (c *Client) GetFileStatus(ctx context.Context, path string) (model.DirectoryEntry, error) {
	entry, _, err := c.rest.GetFileStatus(ctx, path, c.readPolicy())

	return entry, err
}

// ListStatus enumerates one page of path's children, paged by startAfter.
// pageSize <= 0 uses the server default (4000 per spec.md §6).
func (c *Client) ListStatus(ctx context.Context, path, startAfter string, pageSize int) ([]model.DirectoryEntry, error) {
	entries, _, err := c.rest.ListStatus(ctx, path, startAfter, pageSize, c.readPolicy())

	return entries, err
}

// ListAll pages through every child of path, following startAfter until a
// short page signals the end.
func (c *Client) ListAll(ctx context.Context, path string) ([]model.DirectoryEntry, error) {
	const defaultPageSize = 4000

	var all []model.DirectoryEntry

	startAfter := ""

	for {
		page, _, err := c.rest.ListStatus(ctx, path, startAfter, defaultPageSize, c.readPolicy())
		if err != nil {
			return nil, err
		}

		all = append(all, page...)

		if len(page) < defaultPageSize {
			return all, nil
		}

		startAfter = page[len(page)-1].Name
	}
}

// GetContentSummary fetches the server-computed aggregate for path's
// subtree. For very large trees, Summarize performs the equivalent
// computation client-side in parallel (spec.md §4.9).
func (c *Client) GetContentSummary(ctx context.Context, path string) (model.ContentSummary, error) {
	cs, _, err := c.rest.GetContentSummary(ctx, path, c.readPolicy())

	return cs, err
}

// Summarize walks path's subtree client-side via the parallel content
// summarizer (spec.md §4.9).
func (c *Client) Summarize(ctx context.Context, path string) (model.ContentSummary, error) {
	return traverse.New(c.rest, c.readPolicy()).Summarize(ctx, path)
}

// GetFileChecksum fetches the server's opaque content checksum for path.
func (c *Client) GetFileChecksum(ctx context.Context, path string) (string, error) {
	checksum, _, err := c.rest.GetFileChecksum(ctx, path, c.readPolicy())

	return checksum, err
}

// GetAclStatus fetches the ACL entries and POSIX permission bits for path.
func (c *Client) GetAclStatus(ctx context.Context, path string) (model.AclStatus, error) {
	status, _, err := c.rest.GetAclStatus(ctx, path, c.readPolicy())

	return status, err
}

// CheckAccess reports whether the bearer identity holds the requested rwx
// bits (e.g. "rwx", "r--") on path.
func (c *Client) CheckAccess(ctx context.Context, path, fsaction string) error {
	_, err := c.rest.CheckAccess(ctx, path, fsaction, c.readPolicy())

	return err
}

// Mkdirs creates path and any missing ancestors with the given octal
// permission ("" uses the server default).
func (c *Client) Mkdirs(ctx context.Context, path, permission string) error {
	_, err := c.rest.Mkdirs(ctx, path, permission, c.writePolicy())

	return err
}

// Rename moves path to destination.
func (c *Client) Rename(ctx context.Context, path, destination string) error {
	_, err := c.rest.Rename(ctx, path, destination, c.writePolicy())

	return err
}

// Delete removes path, recursively if requested. Deleting "/" is rejected
// client-side (spec.md §6).
func (c *Client) Delete(ctx context.Context, path string, recursive bool) error {
	_, err := c.rest.Delete(ctx, path, recursive, c.writePolicy())

	return err
}

// SetOwner sets owner and/or group on path. Either may be empty to leave
// unchanged.
func (c *Client) SetOwner(ctx context.Context, path, owner, group string) error {
	_, err := c.rest.SetOwner(ctx, path, owner, group, c.writePolicy())

	return err
}

// SetPermission sets path's octal POSIX permission bits.
func (c *Client) SetPermission(ctx context.Context, path, octal string) error {
	_, err := c.rest.SetPermission(ctx, path, octal, c.writePolicy())

	return err
}

// SetTimes sets path's access and modification times. Use
// model.FormatMillis to render a time.Time, or "-1" to leave a field
// unchanged.
func (c *Client) SetTimes(ctx context.Context, path, accessTime, modificationTime string) error {
	_, err := c.rest.SetTimes(ctx, path, accessTime, modificationTime, c.writePolicy())

	return err
}

// SetExpiry sets or clears path's expiration time (vendor extension).
func (c *Client) SetExpiry(ctx context.Context, path string, expireTimeMs int64) error {
	_, err := c.rest.SetExpiry(ctx, path, expireTimeMs, c.writePolicy())

	return err
}

// ModifyAclEntries merges entries into path's existing ACL.
func (c *Client) ModifyAclEntries(ctx context.Context, path, aclSpec string) error {
	_, err := c.rest.ModifyAclEntries(ctx, path, aclSpec, c.writePolicy())

	return err
}

// RemoveAclEntries removes the named entries from path's ACL.
func (c *Client) RemoveAclEntries(ctx context.Context, path, aclSpec string) error {
	_, err := c.rest.RemoveAclEntries(ctx, path, aclSpec, c.writePolicy())

	return err
}

// RemoveDefaultAcl removes path's default ACL entirely.
func (c *Client) RemoveDefaultAcl(ctx context.Context, path string) error {
	_, err := c.rest.RemoveDefaultAcl(ctx, path, c.writePolicy())

	return err
}

// RemoveAcl removes path's entire ACL, access and default.
func (c *Client) RemoveAcl(ctx context.Context, path string) error {
	_, err := c.rest.RemoveAcl(ctx, path, c.writePolicy())

	return err
}

// SetAcl replaces path's ACL wholesale with aclSpec.
func (c *Client) SetAcl(ctx context.Context, path, aclSpec string) error {
	_, err := c.rest.SetAcl(ctx, path, aclSpec, c.writePolicy())

	return err
}

// Concat concatenates sources into path, deleting the sources.
func (c *Client) Concat(ctx context.Context, path string, sources []string) error {
	_, err := c.rest.Concat(ctx, path, sources, c.writePolicy())

	return err
}

// MsConcat concatenates sources into path via the JSON-bodied variant.
func (c *Client) MsConcat(ctx context.Context, path string, sources []string, deleteSourceDirectory bool) error {
	_, err := c.rest.MsConcat(ctx, path, sources, deleteSourceDirectory, c.writePolicy())

	return err
}
