// Package stream implements the two single-threaded, per-file-handle
// streams built on top of internal/rest and internal/prefetch: a buffered
// reader (spec.md §4.6) and a buffered appender (spec.md §4.8).
package stream

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/cloudshelf/adlsfs-go/internal/prefetch"
	"github.com/cloudshelf/adlsfs-go/internal/rest"
)

// blockSize is the default page buffer / upload chunk size shared by both
// streams (spec.md §4.6, §4.8).
const blockSize = 4 * 1024 * 1024

// fillRetries bounds the small-file slurp retry loop on short reads
// (spec.md §4.6 "retry up to 10 times if the server returns short reads").
const fillRetries = 10

// Reader is the subset of *rest.Client an InputStream needs, named so
// tests can substitute a fake (SPEC_FULL.md ambient test-tooling note).
type Reader interface {
	Open(ctx context.Context, path string, offset, length int64, policy rest.Policy) (*rest.Response, error)
}

// InputStream is a single-threaded buffered reader over one remote file
// (spec.md §4.6). Not safe for concurrent use.
type InputStream struct {
	client Reader
	pf     *prefetch.Prefetcher
	path   string

	// length is an immutable snapshot of the file's size taken at open
	// time; later appends by other writers are not reflected.
	length int64

	readAheadDepth int
	streamID       string

	buf          []byte
	fileCursor   int64 // file offset at the start of the next server fetch
	bufferCursor int   // index of next byte to deliver from buf
	limit        int   // end of valid bytes in buf

	firstRead          bool
	speculativeDisabled *bool // shared across every stream for one client
}

// NewInputStream opens path for buffered reading. length is the file's
// size at open time (the facade fetches it via GetFileStatus before
// constructing the stream). streamID uniquely identifies this handle to
// the shared prefetcher's overlap/eviction bookkeeping.
func NewInputStream(
	client Reader, pf *prefetch.Prefetcher, path string, length int64, readAheadDepth int, streamID string, speculativeDisabled *bool,
) *InputStream {
	return &InputStream{
		client:              client,
		pf:                  pf,
		path:                path,
		length:              length,
		readAheadDepth:      readAheadDepth,
		streamID:            streamID,
		buf:                 make([]byte, blockSize),
		firstRead:           true,
		speculativeDisabled: speculativeDisabled,
	}
}

// StreamID implements prefetch.Source.
func (s *InputStream) StreamID() string { return s.streamID }

// ReadAt implements prefetch.Source: the remote-read routine workers
// invoke, always with the no-retry (speculative) policy disabled per
// spec.md §4.7 "Worker protocol" — workers use the stream's positioned,
// retrying remote read, never the speculative one.
func (s *InputStream) ReadAt(ctx context.Context, offset int64, dst []byte) (int, error) {
	return s.remoteRead(ctx, offset, dst, rest.NewExponentialBackoffPolicy())
}

// Length returns the immutable snapshot of the file's length taken at
// open time.
func (s *InputStream) Length() int64 { return s.length }

// Available reports how many buffered bytes remain undelivered.
func (s *InputStream) Available() int {
	return s.limit - s.bufferCursor
}

// Read fills dst from the buffer, refilling from the server or prefetch
// cache first if the buffer is empty (spec.md §4.6 read contract). Returns
// (0, io.EOF) at end of file, matching io.Reader.
func (s *InputStream) Read(ctx context.Context, dst []byte) (int, error) {
	if s.bufferCursor == s.limit {
		if err := s.fill(ctx); err != nil {
			return 0, err
		}

		if s.limit == 0 {
			return 0, io.EOF
		}
	}

	n := copy(dst, s.buf[s.bufferCursor:s.limit])
	s.bufferCursor += n

	return n, nil
}

// ReadAtPosition is the positioned read contract (spec.md §4.6
// "read_at"): it never mutates the stream's cursors and never touches the
// stream's own buffer. Positioned reads always go to the server with the
// exponential-backoff policy and bypass the prefetch cache (spec.md §4.6
// "Positioned reads").
func (s *InputStream) ReadAtPosition(ctx context.Context, pos int64, dst []byte) (int, error) {
	if pos < 0 || pos >= s.length {
		return 0, io.EOF
	}

	want := int64(len(dst))
	if pos+want > s.length {
		want = s.length - pos
	}

	return s.remoteRead(ctx, pos, dst[:want], rest.NewExponentialBackoffPolicy())
}

// Seek implements spec.md §4.6's seek contract: fails on an out-of-range
// position; adjusts only buffer_cursor if pos lies within the currently
// valid buffer window, otherwise invalidates the buffer.
func (s *InputStream) Seek(pos int64) error {
	if pos < 0 || pos > s.length {
		return fmt.Errorf("stream: seek position %d out of range [0, %d]", pos, s.length)
	}

	windowStart := s.fileCursor - int64(s.limit)

	if pos >= windowStart && pos <= s.fileCursor {
		s.bufferCursor = int(pos - windowStart)

		return nil
	}

	s.unbufferTo(pos)

	return nil
}

// Skip clamps n to [0, length-pos] and delegates to Seek.
func (s *InputStream) Skip(n int64) error {
	pos := s.position() + n
	if pos < 0 {
		pos = 0
	}

	if pos > s.length {
		pos = s.length
	}

	return s.Seek(pos)
}

// Unbuffer invalidates the buffer without changing the logical position.
func (s *InputStream) Unbuffer() {
	s.unbufferTo(s.position())
}

func (s *InputStream) position() int64 {
	return s.fileCursor - int64(s.limit) + int64(s.bufferCursor)
}

func (s *InputStream) unbufferTo(pos int64) {
	s.fileCursor = pos
	s.bufferCursor = 0
	s.limit = 0
}

// fill implements spec.md §4.6's fill algorithm.
func (s *InputStream) fill(ctx context.Context) error {
	if s.length <= blockSize {
		return s.slurpWhole(ctx)
	}

	if s.firstRead {
		if handled, err := s.trySpeculativeDisable(ctx); handled {
			return err
		}

		return s.fillSynchronous(ctx)
	}

	if s.readAheadDepth > 0 && !s.speculationDisabled() {
		s.queueReadahead()

		if n, ok := s.pf.GetBlock(s, s.fileCursor, s.buf); ok {
			s.bufferCursor = 0
			s.limit = n
			s.fileCursor += int64(n)

			return nil
		}
	}

	return s.fillSynchronous(ctx)
}

// slurpWhole reads the entire small file from offset 0 in one attempt,
// retrying up to fillRetries times on short reads.
func (s *InputStream) slurpWhole(ctx context.Context) error {
	pos := s.position()
	if pos >= s.length {
		s.bufferCursor = 0
		s.limit = 0
		s.fileCursor = pos

		return nil
	}

	want := int(s.length)
	got := 0

	for attempt := 0; attempt < fillRetries && got < want; attempt++ {
		n, err := s.remoteRead(ctx, int64(got), s.buf[got:want], rest.NewExponentialBackoffPolicy())
		if err != nil {
			return err
		}

		got += n
	}

	// Deliver from the logical position, which a Seek or Unbuffer may have
	// moved past offset 0.
	s.bufferCursor = int(pos)
	if s.bufferCursor > got {
		s.bufferCursor = got
	}

	s.limit = got
	s.fileCursor = int64(got)

	return nil
}

func (s *InputStream) fillSynchronous(ctx context.Context) error {
	remaining := s.length - s.fileCursor
	if remaining <= 0 {
		s.bufferCursor = 0
		s.limit = 0

		return nil
	}

	want := int64(blockSize)
	if remaining < want {
		want = remaining
	}

	n, err := s.remoteRead(ctx, s.fileCursor, s.buf[:want], rest.NewExponentialBackoffPolicy())
	if err != nil {
		return err
	}

	s.bufferCursor = 0
	s.limit = n
	s.fileCursor += int64(n)

	return nil
}

// queueReadahead requests readAheadDepth look-ahead blocks, aligned at
// block boundaries, starting at the current file cursor.
func (s *InputStream) queueReadahead() {
	aligned := (s.fileCursor / blockSize) * blockSize

	for i := 0; i < s.readAheadDepth; i++ {
		offset := aligned + int64(i)*blockSize
		if offset >= s.length {
			break
		}

		length := blockSize
		if remaining := s.length - offset; remaining < int64(length) {
			length = int(remaining)
		}

		s.pf.QueueReadahead(s, offset, length)
	}
}

// trySpeculativeDisable issues the very first read as a speculative,
// no-retry request (spec.md §4.6 "Speculative first read"). If the server
// rejects it with SpeculativeReadNotSupported, prefetch is disabled for
// the lifetime of the owning client and handled is false so the caller
// falls back to a synchronous fill for this attempt. Otherwise handled is
// true: either the speculative read's bytes already populate the buffer
// (err == nil), or err carries a real failure the caller should surface
// rather than silently re-reading the same range.
func (s *InputStream) trySpeculativeDisable(ctx context.Context) (handled bool, err error) {
	s.firstRead = false

	want := blockSize
	if remaining := s.length - s.fileCursor; remaining < int64(want) {
		want = int(remaining)
	}

	n, readErr := s.remoteRead(ctx, s.fileCursor, s.buf[:want], rest.NewNoRetryPolicy())

	var remoteErr *rest.RemoteError
	if errors.As(readErr, &remoteErr) && remoteErr.HTTPStatus == 400 && remoteErr.RemoteExceptionName == "SpeculativeReadNotSupported" {
		if s.speculativeDisabled != nil {
			*s.speculativeDisabled = true
		}

		return false, nil
	}

	if readErr != nil {
		return true, readErr
	}

	s.bufferCursor = 0
	s.limit = n
	s.fileCursor += int64(n)

	return true, nil
}

func (s *InputStream) speculationDisabled() bool {
	return s.speculativeDisabled != nil && *s.speculativeDisabled
}

// remoteRead issues one Open call at offset, copying the returned body
// into dst and closing the response stream.
func (s *InputStream) remoteRead(ctx context.Context, offset int64, dst []byte, policy rest.Policy) (int, error) {
	resp, err := s.client.Open(ctx, s.path, offset, int64(len(dst)), policy)
	if err != nil {
		return 0, err
	}

	if resp.BodyStream == nil {
		n := copy(dst, resp.Body)

		return n, nil
	}

	defer resp.BodyStream.Close()

	rc, ok := resp.BodyStream.(io.Reader)
	if !ok {
		return 0, fmt.Errorf("stream: response body stream does not implement io.Reader")
	}

	// A short read near EOF is expected, not an error: the store may
	// return fewer bytes than requested when offset+length runs past the
	// file's end. Loop until dst is full or the stream is exhausted.
	total := 0

	for total < len(dst) {
		n, err := rc.Read(dst[total:])
		total += n

		if err != nil {
			if err == io.EOF {
				break
			}

			return total, err
		}
	}

	return total, nil
}
