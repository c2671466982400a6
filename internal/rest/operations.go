package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cloudshelf/adlsfs-go/internal/model"
)

// enumerationTimeoutFactor and concatPerSourceMs implement the per-operation
// timeout scaling named in spec.md §4.3 ("enumeration is 2x that;
// concatenation scales with list length, ~500ms per source").
const (
	enumerationTimeoutFactor = 2
	concatPerSourceMs        = 500
)

// Open issues the Open (read) operation, handing the response body back
// to the caller unbuffered (spec.md §4.3 registry, step 6 "for Open, hand
// the body stream to the caller without buffering"). Callers are
// responsible for closing resp.BodyStream.
func (c *Client) Open(ctx context.Context, path string, offset, length int64, policy Policy) (*Response, error) {
	query := url.Values{}
	query.Set("offset", strconv.FormatInt(offset, 10))

	if length >= 0 {
		query.Set("length", strconv.FormatInt(length, 10))
	}

	return c.Invoke(ctx, Request{
		Operation: "OPEN",
		Method:    "GET",
		Namespace: NamespaceV1,
		Path:      path,
		Query:     query,
		Stream:    true,
		Policy:    policy,
	})
}

// GetFileStatus fetches file/directory metadata for path.
func (c *Client) GetFileStatus(ctx context.Context, path string, policy Policy) (model.DirectoryEntry, *Response, error) {
	resp, err := c.Invoke(ctx, Request{
		Operation:   "GETFILESTATUS",
		Method:      "GET",
		Namespace:   NamespaceV1,
		Path:        path,
		ReturnsJSON: true,
		Policy:      policy,
	})
	if err != nil {
		return model.DirectoryEntry{}, resp, err
	}

	entry, decodeErr := model.DecodeFileStatus(resp.Body, path)

	return entry, resp, decodeErr
}

// ListStatus enumerates one page of path's children, paged by startAfter
// (spec.md §6: "client-paged ... with startAfter carrying the last seen
// name; enumeration stops when a page is empty or shorter than the page
// size").
func (c *Client) ListStatus(
	ctx context.Context, path, startAfter string, pageSize int, policy Policy,
) ([]model.DirectoryEntry, *Response, error) {
	query := url.Values{}
	if startAfter != "" {
		query.Set("startAfter", startAfter)
	}

	if pageSize > 0 {
		query.Set("listSize", strconv.Itoa(pageSize))
	}

	resp, err := c.Invoke(ctx, Request{
		Operation:   "LISTSTATUS",
		Method:      "GET",
		Namespace:   NamespaceV1,
		Path:        path,
		Query:       query,
		ReturnsJSON: true,
		Timeout:     enumerationTimeoutFactor * c.defaultTimeout,
		Policy:      policy,
	})
	if err != nil {
		return nil, resp, err
	}

	entries, _, decodeErr := model.DecodeFileStatuses(resp.Body, path)

	return entries, resp, decodeErr
}

// GetContentSummary fetches the server-computed aggregate for a subtree —
// used opportunistically by the facade; the Content Summarizer (§4.9)
// remains the primary client-side aggregation path for large trees.
func (c *Client) GetContentSummary(ctx context.Context, path string, policy Policy) (model.ContentSummary, *Response, error) {
	resp, err := c.Invoke(ctx, Request{
		Operation:   "GETCONTENTSUMMARY",
		Method:      "GET",
		Namespace:   NamespaceV1,
		Path:        path,
		ReturnsJSON: true,
		Policy:      policy,
	})
	if err != nil {
		return model.ContentSummary{}, resp, err
	}

	var wire struct {
		ContentSummary struct {
			Length         int64 `json:"length"`
			FileCount      int64 `json:"fileCount"`
			DirectoryCount int64 `json:"directoryCount"`
		} `json:"ContentSummary"`
	}

	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return model.ContentSummary{}, resp, err
	}

	cs := model.NewContentSummary(wire.ContentSummary.Length, wire.ContentSummary.FileCount, wire.ContentSummary.DirectoryCount)

	return cs, resp, nil
}

// GetFileChecksum fetches the server's content checksum (opaque — no
// vendor-specific hash algorithm is implemented client-side).
func (c *Client) GetFileChecksum(ctx context.Context, path string, policy Policy) (string, *Response, error) {
	resp, err := c.Invoke(ctx, Request{
		Operation:   "GETFILECHECKSUM",
		Method:      "GET",
		Namespace:   NamespaceV1,
		Path:        path,
		ReturnsJSON: true,
		Policy:      policy,
	})
	if err != nil {
		return "", resp, err
	}

	var wire struct {
		FileChecksum struct {
			Bytes string `json:"bytes"`
		} `json:"FileChecksum"`
	}

	if err := json.Unmarshal(resp.Body, &wire); err != nil {
		return "", resp, err
	}

	return wire.FileChecksum.Bytes, resp, nil
}

// GetAclStatus fetches the ACL entries and POSIX permission bits for path.
func (c *Client) GetAclStatus(ctx context.Context, path string, policy Policy) (model.AclStatus, *Response, error) {
	resp, err := c.Invoke(ctx, Request{
		Operation:   "MSGETACLSTATUS",
		Method:      "GET",
		Namespace:   NamespaceV1,
		Path:        path,
		ReturnsJSON: true,
		Policy:      policy,
	})
	if err != nil {
		return model.AclStatus{}, resp, err
	}

	status, decodeErr := model.DecodeAclStatus(resp.Body, c.logger)

	return status, resp, decodeErr
}

// CheckAccess reports whether the bearer identity holds the requested
// rwx bits on path (spec.md's supplemental CheckAccess semantics: success
// is a bare 2xx with no body to parse).
func (c *Client) CheckAccess(ctx context.Context, path, fsaction string, policy Policy) (*Response, error) {
	query := url.Values{}
	query.Set("fsaction", fsaction)

	return c.Invoke(ctx, Request{
		Operation: "CHECKACCESS",
		Method:    "GET",
		Namespace: NamespaceV1,
		Path:      path,
		Query:     query,
		Policy:    policy,
	})
}

// CreateOptions configures the Create operation (spec.md §6).
type CreateOptions struct {
	Overwrite     bool
	Permission    string // octal, e.g. "644"; "" uses the server default
	CreateParent  bool
	LeaseID       string
	SessionID     string
	SyncFlag      string // "" , "DATA", "METADATA", "CLOSE"
}

// Create uploads data as a new file at path. A 403 with remote name
// containing "FileAlreadyExistsException" while overwrite is true is
// treated as success (spec.md §6: server-side race tolerance).
func (c *Client) Create(ctx context.Context, path string, data []byte, opts CreateOptions, policy Policy) (*Response, error) {
	query := url.Values{}
	query.Set("overwrite", strconv.FormatBool(opts.Overwrite))
	query.Set("createparent", strconv.FormatBool(opts.CreateParent))

	if opts.Permission != "" {
		query.Set("permission", opts.Permission)
	}

	if opts.LeaseID != "" {
		query.Set("leaseid", opts.LeaseID)
	}

	if opts.SessionID != "" {
		query.Set("sessionid", opts.SessionID)
	}

	if opts.SyncFlag != "" {
		query.Set("syncFlag", opts.SyncFlag)
	}

	resp, err := c.Invoke(ctx, Request{
		Operation:   "CREATE",
		Method:      "PUT",
		Namespace:   NamespaceV1,
		Path:        path,
		Query:       query,
		BodyFactory: bytesBodyFactory(data),
		BodyLength:  int64(len(data)),
		Policy:      policy,
	})

	var remoteErr *RemoteError
	if errors.As(err, &remoteErr) && opts.Overwrite && remoteErr.HTTPStatus == 403 &&
		strings.Contains(remoteErr.RemoteExceptionName, "FileAlreadyExistsException") {
		resp.Successful = true

		return resp, nil
	}

	return resp, err
}

// CreateNonRecursive is Create with createParent forced false — the parent
// directory must already exist.
func (c *Client) CreateNonRecursive(ctx context.Context, path string, data []byte, opts CreateOptions, policy Policy) (*Response, error) {
	opts.CreateParent = false

	return c.Create(ctx, path, data, opts, policy)
}

// Mkdirs creates path and any missing ancestors.
func (c *Client) Mkdirs(ctx context.Context, path, permission string, policy Policy) (*Response, error) {
	query := url.Values{}
	if permission != "" {
		query.Set("permission", permission)
	}

	return c.Invoke(ctx, Request{
		Operation: "MKDIRS",
		Method:    "PUT",
		Namespace: NamespaceV1,
		Path:      path,
		Query:     query,
		Policy:    policy,
	})
}

// Rename moves path to destination. The server's JSON boolean result is
// not decoded: it is left in resp.Body, and a false result is not reported
// as an error.
func (c *Client) Rename(ctx context.Context, path, destination string, policy Policy) (*Response, error) {
	query := url.Values{}
	query.Set("destination", destination)

	return c.Invoke(ctx, Request{
		Operation:   "RENAME",
		Method:      "PUT",
		Namespace:   NamespaceV1,
		Path:        path,
		Query:       query,
		ReturnsJSON: true,
		Policy:      policy,
	})
}

// Delete removes path (optionally recursively). Deleting "/" is rejected
// client-side before any request is issued (spec.md §6).
func (c *Client) Delete(ctx context.Context, path string, recursive bool, policy Policy) (*Response, error) {
	if path == "/" {
		return nil, ErrInvalidArgument
	}

	query := url.Values{}
	query.Set("recursive", strconv.FormatBool(recursive))

	return c.Invoke(ctx, Request{
		Operation:   "DELETE",
		Method:      "DELETE",
		Namespace:   NamespaceV1,
		Path:        path,
		Query:       query,
		ReturnsJSON: true,
		Policy:      policy,
	})
}

// SetOwner sets owner and/or group on path. Either may be empty to leave
// unchanged.
func (c *Client) SetOwner(ctx context.Context, path, owner, group string, policy Policy) (*Response, error) {
	query := url.Values{}
	if owner != "" {
		query.Set("owner", owner)
	}

	if group != "" {
		query.Set("group", group)
	}

	return c.Invoke(ctx, Request{
		Operation: "SETOWNER",
		Method:    "PUT",
		Namespace: NamespaceV1,
		Path:      path,
		Query:     query,
		Policy:    policy,
	})
}

// SetPermission sets path's octal POSIX permission bits.
func (c *Client) SetPermission(ctx context.Context, path, octal string, policy Policy) (*Response, error) {
	query := url.Values{}
	query.Set("permission", octal)

	return c.Invoke(ctx, Request{
		Operation: "SETPERMISSION",
		Method:    "PUT",
		Namespace: NamespaceV1,
		Path:      path,
		Query:     query,
		Policy:    policy,
	})
}

// SetTimes sets path's access and modification times (millisecond Unix
// timestamps; use model.FormatMillis to render a time.Time, or "-1" to
// leave a field unchanged).
func (c *Client) SetTimes(ctx context.Context, path, accessTime, modificationTime string, policy Policy) (*Response, error) {
	query := url.Values{}
	query.Set("accesstime", accessTime)
	query.Set("modificationtime", modificationTime)

	return c.Invoke(ctx, Request{
		Operation: "SETTIMES",
		Method:    "PUT",
		Namespace: NamespaceV1,
		Path:      path,
		Query:     query,
		Policy:    policy,
	})
}

// SetExpiry sets or clears path's expiration time (ext namespace).
func (c *Client) SetExpiry(ctx context.Context, path string, expireTimeMs int64, policy Policy) (*Response, error) {
	query := url.Values{}
	query.Set("expiryOption", "Absolute")
	query.Set("expireTime", strconv.FormatInt(expireTimeMs, 10))

	return c.Invoke(ctx, Request{
		Operation: "SETEXPIRY",
		Method:    "PUT",
		Namespace: NamespaceExt,
		Path:      path,
		Query:     query,
		Policy:    policy,
	})
}

// GetFileInfo is the ext-namespace alias of GetFileStatus for stores
// exposing a legacy vendor path (SPEC_FULL.md supplemental feature note).
func (c *Client) GetFileInfo(ctx context.Context, path string, policy Policy) (model.DirectoryEntry, *Response, error) {
	resp, err := c.Invoke(ctx, Request{
		Operation:   "GETFILEINFO",
		Method:      "GET",
		Namespace:   NamespaceExt,
		Path:        path,
		ReturnsJSON: true,
		Policy:      policy,
	})
	if err != nil {
		return model.DirectoryEntry{}, resp, err
	}

	entry, decodeErr := model.DecodeFileStatus(resp.Body, path)

	return entry, resp, decodeErr
}

// ModifyAclEntries merges entries into path's existing ACL.
func (c *Client) ModifyAclEntries(ctx context.Context, path, aclSpec string, policy Policy) (*Response, error) {
	return c.aclMutation(ctx, "MODIFYACLENTRIES", path, aclSpec, policy)
}

// RemoveAclEntries removes the named entries from path's ACL.
func (c *Client) RemoveAclEntries(ctx context.Context, path, aclSpec string, policy Policy) (*Response, error) {
	return c.aclMutation(ctx, "REMOVEACLENTRIES", path, aclSpec, policy)
}

// RemoveDefaultAcl removes path's default ACL entirely.
func (c *Client) RemoveDefaultAcl(ctx context.Context, path string, policy Policy) (*Response, error) {
	return c.Invoke(ctx, Request{Operation: "REMOVEDEFAULTACL", Method: "PUT", Namespace: NamespaceV1, Path: path, Policy: policy})
}

// RemoveAcl removes path's entire ACL, access and default.
func (c *Client) RemoveAcl(ctx context.Context, path string, policy Policy) (*Response, error) {
	return c.Invoke(ctx, Request{Operation: "REMOVEACL", Method: "PUT", Namespace: NamespaceV1, Path: path, Policy: policy})
}

// SetAcl replaces path's ACL wholesale with aclSpec.
func (c *Client) SetAcl(ctx context.Context, path, aclSpec string, policy Policy) (*Response, error) {
	return c.aclMutation(ctx, "SETACL", path, aclSpec, policy)
}

func (c *Client) aclMutation(ctx context.Context, op, path, aclSpec string, policy Policy) (*Response, error) {
	query := url.Values{}
	query.Set("aclSpec", aclSpec)

	return c.Invoke(ctx, Request{
		Operation: op,
		Method:    "PUT",
		Namespace: NamespaceV1,
		Path:      path,
		Query:     query,
		Policy:    policy,
	})
}

// AppendOptions configures one Append call (spec.md §4.8, §6).
type AppendOptions struct {
	Offset    int64
	LeaseID   string
	SessionID string
	SyncFlag  string // "DATA", "METADATA", "CLOSE"
}

// Append sends data at opts.Offset. A zero-length data slice with
// SyncFlag "METADATA" is the probe append used for offset-mismatch
// recovery (spec.md §4.8).
func (c *Client) Append(ctx context.Context, path string, data []byte, opts AppendOptions, policy Policy) (*Response, error) {
	query := url.Values{}
	query.Set("offset", strconv.FormatInt(opts.Offset, 10))
	query.Set("leaseid", opts.LeaseID)
	query.Set("sessionid", opts.SessionID)

	if opts.SyncFlag != "" {
		query.Set("syncFlag", opts.SyncFlag)
	}

	return c.Invoke(ctx, Request{
		Operation:   "APPEND",
		Method:      "POST",
		Namespace:   NamespaceV1,
		Path:        path,
		Query:       query,
		BodyFactory: bytesBodyFactory(data),
		BodyLength:  int64(len(data)),
		Policy:      policy,
	})
}

// ConcurrentAppend appends without lease coordination (ext namespace). Out
// of the single-writer stream's normal use; exposed for callers managing
// their own multi-writer coordination (SPEC_FULL.md supplemental note).
func (c *Client) ConcurrentAppend(ctx context.Context, path string, data []byte, policy Policy) (*Response, error) {
	return c.Invoke(ctx, Request{
		Operation:   "CONCURRENTAPPEND",
		Method:      "POST",
		Namespace:   NamespaceExt,
		Path:        path,
		BodyFactory: bytesBodyFactory(data),
		BodyLength:  int64(len(data)),
		Policy:      policy,
	})
}

// Concat concatenates sources into path, deleting the sources, using
// URL-encoded form sources.
func (c *Client) Concat(ctx context.Context, path string, sources []string, policy Policy) (*Response, error) {
	query := url.Values{}
	query.Set("sources", joinComma(sources))

	return c.Invoke(ctx, Request{
		Operation: "CONCAT",
		Method:    "POST",
		Namespace: NamespaceV1,
		Path:      path,
		Query:     query,
		Timeout:   c.concatTimeout(len(sources)),
		Policy:    policy,
	})
}

// MsConcat concatenates sources into path via a JSON request body (spec.md
// §6: "MsConcat uses JSON").
func (c *Client) MsConcat(ctx context.Context, path string, sources []string, deleteSourceDirectory bool, policy Policy) (*Response, error) {
	body, err := json.Marshal(struct {
		Sources               []string `json:"sources"`
		DeleteSourceDirectory bool     `json:"deleteSourceDirectory"`
	}{Sources: sources, DeleteSourceDirectory: deleteSourceDirectory})
	if err != nil {
		return nil, err
	}

	return c.Invoke(ctx, Request{
		Operation:   "MSCONCAT",
		Method:      "POST",
		Namespace:   NamespaceV1,
		Path:        path,
		BodyFactory: bytesBodyFactory(body),
		BodyLength:  int64(len(body)),
		Timeout:     c.concatTimeout(len(sources)),
		Policy:      policy,
	})
}

// concatTimeout scales the per-attempt timeout with the number of sources
// being concatenated (spec.md §4.3 "concatenation scales with list length,
// ~500ms per source").
func (c *Client) concatTimeout(numSources int) time.Duration {
	return c.defaultTimeout + time.Duration(numSources)*concatPerSourceMs*time.Millisecond
}

func joinComma(items []string) string {
	return strings.Join(items, ",")
}
