package stream

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cloudshelf/adlsfs-go/internal/rest"
)

// Sync flags for the Append state machine (spec.md §4.8).
const (
	syncData     = "DATA"
	syncMetadata = "METADATA"
	syncClose    = "CLOSE"
)

// Appender is the subset of *rest.Client an OutputStream needs.
type Appender interface {
	Create(ctx context.Context, path string, data []byte, opts rest.CreateOptions, policy rest.Policy) (*rest.Response, error)
	Append(ctx context.Context, path string, data []byte, opts rest.AppendOptions, policy rest.Policy) (*rest.Response, error)
}

// OutputStream is a single-threaded buffered appender (spec.md §4.8). Not
// safe for concurrent use.
type OutputStream struct {
	client  Appender
	path    string
	leaseID string

	buf          []byte
	bufLen       int
	remoteCursor int64 // bytes the server has committed so far
	appended     bool  // append mode: true from construction; create mode: true once a Create/Append has succeeded

	closed           bool
	suppressNoOpSync bool
}

// NewOutputStreamCreate opens path in create mode: the first operation
// will be a Create call carrying data.
func NewOutputStreamCreate(client Appender, path string) *OutputStream {
	return &OutputStream{
		client:  client,
		path:    path,
		leaseID: uuid.NewString(),
		buf:     make([]byte, blockSize),
	}
}

// NewOutputStreamAppend opens an existing file for appending. remoteLength
// is the file's current length, learned by the facade via GetFileStatus
// before construction — mirroring spec.md §4.8's "constructor issues a
// zero-length append with metadata-sync flag to learn the current file
// length" except the length lookup itself is done by the caller so this
// type stays free of a GetFileStatus dependency.
func NewOutputStreamAppend(client Appender, path string, remoteLength int64) *OutputStream {
	return &OutputStream{
		client:       client,
		path:         path,
		leaseID:      uuid.NewString(),
		buf:          make([]byte, blockSize),
		remoteCursor: remoteLength,
		appended:     true, // file already exists; every flush is an Append
	}
}

// Write accepts bytes into the internal buffer, splitting at block_size
// boundaries and flushing each aligned segment with sync flag Data (spec.md
// §4.8 "Write algorithm"). Writes never exceed one upload chunk per server
// call.
func (s *OutputStream) Write(ctx context.Context, p []byte) (int, error) {
	if s.closed {
		return 0, fmt.Errorf("stream: write after close")
	}

	written := 0

	for len(p) > 0 {
		room := len(s.buf) - s.bufLen
		n := len(p)

		if n > room {
			n = room
		}

		copy(s.buf[s.bufLen:], p[:n])
		s.bufLen += n
		p = p[n:]
		written += n

		if s.bufLen == len(s.buf) {
			if err := s.flushSegment(ctx, syncData); err != nil {
				return written, err
			}
		}
	}

	s.suppressNoOpSync = false

	return written, nil
}

// Flush performs a user-initiated metadata sync (spec.md §4.8: "user-
// initiated flush() selects Metadata"). A no-op if the previous flush was
// already a non-Data sync and no data has been buffered since.
func (s *OutputStream) Flush(ctx context.Context) error {
	if s.closed {
		return fmt.Errorf("stream: flush after close")
	}

	if s.bufLen == 0 && s.suppressNoOpSync {
		return nil
	}

	return s.flushSegment(ctx, syncMetadata)
}

// Close flushes any remaining buffered data with sync flag Close, releasing
// the lease. Idempotent: additional calls after the first are silent
// no-ops (spec.md §4.8 "close() is idempotent").
func (s *OutputStream) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}

	s.closed = true

	return s.flushSegment(ctx, syncClose)
}

// SetBufferSize flushes current data with Data before resizing. n <= 0 is
// rejected (spec.md §4.8 "set_buffer_size").
func (s *OutputStream) SetBufferSize(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("stream: buffer size must be positive, got %d", n)
	}

	if s.bufLen > 0 {
		if err := s.flushSegment(ctx, syncData); err != nil {
			return err
		}
	}

	newBuf := make([]byte, n)
	s.buf = newBuf

	return nil
}

// flushSegment sends the currently buffered bytes (possibly zero-length,
// for a pure sync flush) with the given sync flag, handling the
// create-vs-append dispatch and offset-mismatch recovery.
func (s *OutputStream) flushSegment(ctx context.Context, syncFlag string) error {
	data := s.buf[:s.bufLen]

	var resp *rest.Response
	var err error

	if s.remoteCursor == 0 && !s.everAppended() {
		resp, err = s.client.Create(ctx, s.path, data, rest.CreateOptions{
			Overwrite: true,
			LeaseID:   s.leaseID,
			SessionID: s.leaseID,
			SyncFlag:  syncFlag,
		}, rest.NewExponentialBackoffPolicy())
	} else {
		resp, err = s.client.Append(ctx, s.path, data, rest.AppendOptions{
			Offset:    s.remoteCursor,
			LeaseID:   s.leaseID,
			SessionID: s.leaseID,
			SyncFlag:  syncFlag,
		}, rest.NewExponentialBackoffPolicy())
	}

	if err != nil {
		if recovered := s.recoverOffsetMismatch(ctx, resp, err); recovered {
			s.bufLen = 0
			s.markAppended()

			if syncFlag != syncData {
				s.suppressNoOpSync = true
			}

			return nil
		}

		return err
	}

	s.remoteCursor += int64(len(data))
	s.bufLen = 0
	s.markAppended()

	if syncFlag != syncData {
		s.suppressNoOpSync = true
	}

	return nil
}

// everAppended reports whether the file is known to exist on the server
// (an append-mode stream, or a create-mode stream after its first
// successful Create/Append), so a stream whose remoteCursor is still 0
// (an empty existing file, or a zero-length first flush) issues Append
// rather than another Create.
func (s *OutputStream) everAppended() bool {
	return s.appended
}

func (s *OutputStream) markAppended() {
	s.appended = true
}

// recoverOffsetMismatch implements spec.md §4.8's offset-mismatch
// recovery: detects a retried request whose payload actually reached the
// server, probed via a zero-length Metadata append at remote_cursor +
// len(buffered data).
func (s *OutputStream) recoverOffsetMismatch(ctx context.Context, resp *rest.Response, err error) bool {
	var remoteErr *rest.RemoteError
	if !errors.As(err, &remoteErr) {
		return false
	}

	if resp == nil || resp.NumRetries == 0 {
		return false
	}

	if remoteErr.HTTPStatus != 400 || remoteErr.RemoteExceptionName != "BadOffsetException" {
		return false
	}

	probeOffset := s.remoteCursor + int64(s.bufLen)

	probeResp, probeErr := s.client.Append(ctx, s.path, nil, rest.AppendOptions{
		Offset:    probeOffset,
		LeaseID:   s.leaseID,
		SessionID: s.leaseID,
		SyncFlag:  syncMetadata,
	}, rest.NewNonIdempotentPolicy())
	if probeErr != nil || probeResp == nil || !probeResp.Successful {
		return false
	}

	s.remoteCursor = probeOffset

	return true
}
