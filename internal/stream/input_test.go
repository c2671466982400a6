package stream

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudshelf/adlsfs-go/internal/rest"
)

// fakeReader is an in-memory Reader: Open serves a slice of a fixed byte
// array, tracking call offsets/lengths for assertions.
type fakeReader struct {
	data  []byte
	calls []fakeCall
}

type fakeCall struct {
	offset, length int64
	policy         string
}

func (f *fakeReader) Open(_ context.Context, _ string, offset, length int64, policy rest.Policy) (*rest.Response, error) {
	policyName := "unknown"

	switch policy.(type) {
	case *rest.NoRetryPolicy:
		policyName = "noretry"
	case *rest.ExponentialBackoffPolicy:
		policyName = "exponential"
	}

	f.calls = append(f.calls, fakeCall{offset, length, policyName})

	end := offset + length
	if end > int64(len(f.data)) || length < 0 {
		end = int64(len(f.data))
	}

	if offset > int64(len(f.data)) {
		offset = int64(len(f.data))
	}

	body := f.data[offset:end]

	return &rest.Response{
		Successful: true,
		HTTPStatus: 200,
		BodyStream: io.NopCloser(strings.NewReader(string(body))),
	}, nil
}

func TestInputStream_SmallFileSlurp(t *testing.T) {
	data := []byte("hello world")
	reader := &fakeReader{data: data}

	s := NewInputStream(reader, nil, "/foo", int64(len(data)), 0, "stream-1", nil)

	dst := make([]byte, len(data))
	n, err := s.Read(context.Background(), dst)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, dst)

	// One slurp call, offset 0, full length.
	require.Len(t, reader.calls, 1)
	assert.Equal(t, int64(0), reader.calls[0].offset)
}

func TestInputStream_ReadReturnsEOFAtEnd(t *testing.T) {
	data := []byte("abc")
	reader := &fakeReader{data: data}
	s := NewInputStream(reader, nil, "/foo", int64(len(data)), 0, "stream-1", nil)

	dst := make([]byte, 3)
	n, err := s.Read(context.Background(), dst)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = s.Read(context.Background(), dst)
	assert.Equal(t, 0, n)
	assert.Equal(t, io.EOF, err)
}

func TestInputStream_SeekWithinBufferWindowAdjustsCursorOnly(t *testing.T) {
	data := []byte("0123456789")
	reader := &fakeReader{data: data}
	s := NewInputStream(reader, nil, "/foo", int64(len(data)), 0, "stream-1", nil)

	dst := make([]byte, len(data))
	_, err := s.Read(context.Background(), dst)
	require.NoError(t, err)
	require.Len(t, reader.calls, 1)

	require.NoError(t, s.Seek(2))

	dst2 := make([]byte, 3)
	n, err := s.Read(context.Background(), dst2)
	require.NoError(t, err)
	assert.Equal(t, []byte("234"), dst2[:n])

	// No additional server call: the seek landed inside the already
	// buffered window.
	assert.Len(t, reader.calls, 1)
}

func TestInputStream_SeekOutOfRangeFails(t *testing.T) {
	data := []byte("abc")
	reader := &fakeReader{data: data}
	s := NewInputStream(reader, nil, "/foo", int64(len(data)), 0, "stream-1", nil)

	assert.Error(t, s.Seek(-1))
	assert.Error(t, s.Seek(100))
}

func TestInputStream_ReadAtPositionDoesNotMutateCursor(t *testing.T) {
	data := []byte("0123456789")
	reader := &fakeReader{data: data}
	s := NewInputStream(reader, nil, "/foo", int64(len(data)), 0, "stream-1", nil)

	dst := make([]byte, 3)
	n, err := s.Read(context.Background(), dst)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	posBefore := s.position()

	probe := make([]byte, 2)
	n, err = s.ReadAtPosition(context.Background(), 7, probe)
	require.NoError(t, err)
	assert.Equal(t, []byte("78"), probe[:n])

	assert.Equal(t, posBefore, s.position())
}

// TestInputStream_SpeculativeFirstReadServesFromFetchedBytes ensures a
// speculative first read that the server accepts (the common case) fills
// the buffer from that single response instead of discarding it and
// reissuing an identical Open call for the same offset.
func TestInputStream_SpeculativeFirstReadServesFromFetchedBytes(t *testing.T) {
	data := make([]byte, blockSize*3)
	for i := range data {
		data[i] = byte(i)
	}

	reader := &fakeReader{data: data}
	s := NewInputStream(reader, nil, "/foo", int64(len(data)), 1, "stream-1", new(bool))

	dst := make([]byte, 10)
	n, err := s.Read(context.Background(), dst)
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, data[:10], dst)

	require.Len(t, reader.calls, 1, "speculative first read must not be re-fetched")
	assert.Equal(t, int64(0), reader.calls[0].offset)
	assert.Equal(t, "noretry", reader.calls[0].policy)
}

func TestInputStream_SpeculativeFirstReadDisablesPrefetchOnSignal(t *testing.T) {
	data := make([]byte, blockSize*3)
	reader := &speculativeRejectingReader{data: data}

	disabled := new(bool)
	s := NewInputStream(reader, nil, "/foo", int64(len(data)), 1, "stream-1", disabled)

	dst := make([]byte, 10)
	_, err := s.Read(context.Background(), dst)
	require.NoError(t, err)

	assert.True(t, *disabled)
}

// speculativeRejectingReader rejects exactly the first Open call with
// SpeculativeReadNotSupported, then serves normally.
type speculativeRejectingReader struct {
	data    []byte
	calls   int
}

func (r *speculativeRejectingReader) Open(_ context.Context, _ string, offset, length int64, _ rest.Policy) (*rest.Response, error) {
	r.calls++

	if r.calls == 1 {
		return nil, &rest.RemoteError{HTTPStatus: 400, RemoteExceptionName: "SpeculativeReadNotSupported", Err: rest.ErrBadRequest}
	}

	end := offset + length
	if end > int64(len(r.data)) {
		end = int64(len(r.data))
	}

	return &rest.Response{
		Successful: true,
		HTTPStatus: 200,
		BodyStream: io.NopCloser(strings.NewReader(string(r.data[offset:end]))),
	}, nil
}
