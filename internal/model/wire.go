package model

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/cloudshelf/adlsfs-go/pkg/aclperm"
)

// FileStatusWire mirrors the server's FileStatus JSON shape exactly
// (spec.md §6). Field names are unexported in spirit but the type itself
// is exported so the request engine (a sibling package) can decode
// directly into it without a shim type in internal/rest.
type FileStatusWire struct {
	Length             int64  `json:"length"`
	PathSuffix         string `json:"pathSuffix"`
	Type               string `json:"type"` // "FILE" or "DIRECTORY"
	BlockSize          int64  `json:"blockSize"`
	AccessTime         int64  `json:"accessTime"`
	ModificationTime   int64  `json:"modificationTime"`
	Replication        int    `json:"replication"`
	Permission         string `json:"permission"`
	Owner              string `json:"owner"`
	Group              string `json:"group"`
	AclBit             bool   `json:"aclBit"`
	ExpireTime         int64  `json:"expireTime"`
	MsExpirationTime   int64  `json:"msExpirationTime"`
}

// fileStatusEnvelope wraps a single FileStatus under the "FileStatus" key,
// as GetFileStatus responses do.
type fileStatusEnvelope struct {
	FileStatus FileStatusWire `json:"FileStatus"`
}

// FileStatusesWire wraps the list returned by ListStatus. Newer API
// versions additionally carry a continuation token.
type FileStatusesWire struct {
	FileStatuses struct {
		FileStatus []FileStatusWire `json:"FileStatus"`
	} `json:"FileStatuses"`
	ContinuationToken string `json:"continuationToken"`
}

// aclStatusEnvelope wraps a GetAclStatus response; each entry is one POSIX
// ACL string.
type aclStatusEnvelope struct {
	AclStatus struct {
		Entries    []string `json:"entries"`
		Owner      string   `json:"owner"`
		Group      string   `json:"group"`
		Permission string   `json:"permission"`
		StickyBit  bool     `json:"stickyBit"`
	} `json:"AclStatus"`
}

// RemoteExceptionWire mirrors the server's structured error envelope. The
// java class name is stored verbatim and only ever inspected to decide
// exception *type* — never executed (spec.md §6).
type RemoteExceptionWire struct {
	Exception     string `json:"exception"`
	Message       string `json:"message"`
	JavaClassName string `json:"javaClassName"`
}

type remoteExceptionEnvelope struct {
	RemoteException RemoteExceptionWire `json:"RemoteException"`
}

// msToUTC converts a server millisecond Unix timestamp to a UTC time.Time.
// Non-positive timestamps map to the zero time; no upper bound is applied.
func msToUTC(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms).UTC()
}

// DecodeFileStatus parses a GetFileStatus response body into a
// DirectoryEntry. fullPath is supplied by the caller (the request path),
// since FileStatus itself carries only the leaf name via pathSuffix in
// list responses — GetFileStatus omits pathSuffix entirely, so fullPath
// always comes from the request, never from the body.
func DecodeFileStatus(body []byte, fullPath string) (DirectoryEntry, error) {
	var env fileStatusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return DirectoryEntry{}, fmt.Errorf("model: decoding FileStatus: %w", err)
	}

	return env.FileStatus.toDirectoryEntry(fullPath), nil
}

// DecodeFileStatuses parses a ListStatus response body into DirectoryEntry
// values, resolving each entry's full path against parentPath, plus the
// continuation token for paged enumeration (if the server supplied one).
func DecodeFileStatuses(body []byte, parentPath string) ([]DirectoryEntry, string, error) {
	var env FileStatusesWire
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, "", fmt.Errorf("model: decoding FileStatuses: %w", err)
	}

	entries := make([]DirectoryEntry, 0, len(env.FileStatuses.FileStatus))

	for _, fs := range env.FileStatuses.FileStatus {
		full := strings.TrimRight(parentPath, "/") + "/" + fs.PathSuffix
		entries = append(entries, fs.toDirectoryEntry(full))
	}

	return entries, env.ContinuationToken, nil
}

// toDirectoryEntry normalizes a wire FileStatus into the immutable
// DirectoryEntry the rest of the package consumes. fullPath is supplied by
// the caller since it is never the wire body's responsibility to know its
// own absolute position in the tree.
func (fs FileStatusWire) toDirectoryEntry(fullPath string) DirectoryEntry {
	entryType := File
	if strings.EqualFold(fs.Type, "DIRECTORY") {
		entryType = Directory
	}

	name := fs.PathSuffix
	if name == "" {
		name = lastSegment(fullPath)
	}

	blockSize := fs.BlockSize
	replication := fs.Replication

	if entryType == Directory {
		blockSize = 0
		replication = 0
	} else {
		if blockSize == 0 {
			blockSize = blockSizeBytes
		}

		if replication == 0 {
			replication = fileReplicationFactor
		}
	}

	var expiry *time.Time

	expireMs := fs.ExpireTime
	if expireMs == 0 {
		expireMs = fs.MsExpirationTime
	}

	if entryType == File && expireMs > 0 {
		t := msToUTC(expireMs)
		expiry = &t
	}

	return DirectoryEntry{
		Name:              name,
		FullPath:          fullPath,
		Length:            fs.Length,
		Type:              entryType,
		Owner:             fs.Owner,
		Group:             fs.Group,
		LastAccessTime:    msToUTC(fs.AccessTime),
		LastModifiedTime:  msToUTC(fs.ModificationTime),
		Permission:        fs.Permission,
		BlockSize:         blockSize,
		ReplicationFactor: replication,
		AclBit:            fs.AclBit,
		ExpiryTime:        expiry,
	}
}

func lastSegment(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}

	return path[idx+1:]
}

// AclStatus is the normalized AclStatus response: the parsed entries plus
// the path's owner, group, permission, and sticky bit.
type AclStatus struct {
	Entries    []aclperm.Entry
	Owner      string
	Group      string
	Permission string
	StickyBit  bool
}

// DecodeAclStatus parses a GetAclStatus response body, parsing each POSIX
// ACL string via pkg/aclperm. A malformed individual entry string does not
// fail the whole decode — it is skipped (and logged when logger is
// non-nil), since
// one vendor-specific entry format quirk should not block reading the rest
// of a large ACL.
func DecodeAclStatus(body []byte, logger *slog.Logger) (AclStatus, error) {
	var env aclStatusEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return AclStatus{}, fmt.Errorf("model: decoding AclStatus: %w", err)
	}

	status := AclStatus{
		Owner:      env.AclStatus.Owner,
		Group:      env.AclStatus.Group,
		Permission: env.AclStatus.Permission,
		StickyBit:  env.AclStatus.StickyBit,
	}

	for _, raw := range env.AclStatus.Entries {
		entry, err := aclperm.Parse(raw)
		if err != nil {
			if logger != nil {
				logger.Warn("model: skipping malformed ACL entry", slog.String("raw", raw), slog.String("error", err.Error()))
			}

			continue
		}

		status.Entries = append(status.Entries, entry)
	}

	return status, nil
}

// DecodeRemoteException attempts to parse a non-2xx response body as a
// RemoteException envelope. Returns false if the body isn't a recognizable
// envelope (e.g. plain text error pages from an intermediate proxy).
func DecodeRemoteException(body []byte) (RemoteExceptionWire, bool) {
	var env remoteExceptionEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.RemoteException.Exception == "" {
		return RemoteExceptionWire{}, false
	}

	return env.RemoteException, true
}

// FormatMillis renders a time.Time as the millisecond Unix timestamp the
// wire protocol expects (e.g. for SetTimes / SetExpiry query parameters).
func FormatMillis(t time.Time) string {
	if t.IsZero() {
		return "-1"
	}

	return strconv.FormatInt(t.UnixMilli(), 10)
}
