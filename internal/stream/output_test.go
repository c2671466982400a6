package stream

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudshelf/adlsfs-go/internal/rest"
)

// staticToken is a fixed-value rest.TokenSource for tests.
type staticToken string

func (t staticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// fakeAppender records every Create/Append call and lets tests script
// canned responses/errors per call index.
type fakeAppender struct {
	creates []fakeWrite
	appends []fakeWrite

	appendResponses []scriptedResponse
	appendCall      int
}

type fakeWrite struct {
	data     []byte
	syncFlag string
	offset   int64
}

type scriptedResponse struct {
	resp *rest.Response
	err  error
}

func (f *fakeAppender) Create(_ context.Context, _ string, data []byte, opts rest.CreateOptions, _ rest.Policy) (*rest.Response, error) {
	f.creates = append(f.creates, fakeWrite{data: append([]byte(nil), data...), syncFlag: opts.SyncFlag})

	return &rest.Response{Successful: true, HTTPStatus: 201}, nil
}

func (f *fakeAppender) Append(_ context.Context, _ string, data []byte, opts rest.AppendOptions, _ rest.Policy) (*rest.Response, error) {
	f.appends = append(f.appends, fakeWrite{data: append([]byte(nil), data...), syncFlag: opts.SyncFlag, offset: opts.Offset})

	if f.appendCall < len(f.appendResponses) {
		scripted := f.appendResponses[f.appendCall]
		f.appendCall++

		return scripted.resp, scripted.err
	}

	f.appendCall++

	return &rest.Response{Successful: true, HTTPStatus: 200}, nil
}

func TestOutputStream_CreateModeFirstFlushIsCreate(t *testing.T) {
	appender := &fakeAppender{}
	s := NewOutputStreamCreate(appender, "/foo")

	n, err := s.Write(context.Background(), []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	require.NoError(t, s.Close(context.Background()))

	require.Len(t, appender.creates, 1)
	assert.Equal(t, []byte("hello"), appender.creates[0].data)
	assert.Equal(t, syncClose, appender.creates[0].syncFlag)
	assert.Empty(t, appender.appends)
}

func TestOutputStream_WriteSplitsAtBlockBoundaries(t *testing.T) {
	appender := &fakeAppender{}
	s := NewOutputStreamCreate(appender, "/foo")

	payload := make([]byte, blockSize+100)
	for i := range payload {
		payload[i] = byte(i)
	}

	n, err := s.Write(context.Background(), payload)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)

	// The first full block triggers one flush (Create, since it's the
	// first segment); the remaining 100 bytes stay buffered until Close.
	require.Len(t, appender.creates, 1)
	assert.Len(t, appender.creates[0].data, blockSize)

	require.NoError(t, s.Close(context.Background()))
	require.Len(t, appender.appends, 1)
	assert.Len(t, appender.appends[0].data, 100)
	assert.Equal(t, int64(blockSize), appender.appends[0].offset)
}

func TestOutputStream_AppendModeUsesRemoteCursorAsOffset(t *testing.T) {
	appender := &fakeAppender{}
	s := NewOutputStreamAppend(appender, "/foo", 42)

	_, err := s.Write(context.Background(), []byte("xyz"))
	require.NoError(t, err)
	require.NoError(t, s.Close(context.Background()))

	require.Len(t, appender.appends, 1)
	assert.Equal(t, int64(42), appender.appends[0].offset)
	assert.Equal(t, syncClose, appender.appends[0].syncFlag)
}

func TestOutputStream_CloseIsIdempotent(t *testing.T) {
	appender := &fakeAppender{}
	s := NewOutputStreamCreate(appender, "/foo")

	require.NoError(t, s.Close(context.Background()))
	require.NoError(t, s.Close(context.Background()))

	assert.Len(t, appender.creates, 1)
}

func TestOutputStream_WriteAfterCloseFails(t *testing.T) {
	appender := &fakeAppender{}
	s := NewOutputStreamCreate(appender, "/foo")

	require.NoError(t, s.Close(context.Background()))

	_, err := s.Write(context.Background(), []byte("a"))
	assert.Error(t, err)
}

func TestOutputStream_FlushSuppressesNoOpAfterNonDataSync(t *testing.T) {
	appender := &fakeAppender{}
	s := NewOutputStreamAppend(appender, "/foo", 0)

	require.NoError(t, s.Flush(context.Background()))
	require.Len(t, appender.appends, 1)

	// A second flush with nothing buffered since is suppressed.
	require.NoError(t, s.Flush(context.Background()))
	assert.Len(t, appender.appends, 1)
}

func TestOutputStream_OffsetMismatchRecoveryAdvancesCursor(t *testing.T) {
	appender := &fakeAppender{
		appendResponses: []scriptedResponse{
			{
				resp: &rest.Response{Successful: false, HTTPStatus: 400, NumRetries: 2},
				err: &rest.RemoteError{
					HTTPStatus:          400,
					RemoteExceptionName: "BadOffsetException",
					NumRetries:          2,
					Err:                 rest.ErrBadRequest,
				},
			},
			{resp: &rest.Response{Successful: true, HTTPStatus: 200}},
		},
	}

	s := NewOutputStreamAppend(appender, "/foo", 100)

	_, err := s.Write(context.Background(), []byte("data"))
	require.NoError(t, err)

	err = s.Flush(context.Background())
	require.NoError(t, err)

	// The original append (failed) + the probe append (succeeded).
	require.Len(t, appender.appends, 2)
	assert.Equal(t, int64(104), appender.appends[1].offset)
	assert.Equal(t, syncMetadata, appender.appends[1].syncFlag)

	// remoteCursor advanced past the recovered write.
	assert.Equal(t, int64(104), s.remoteCursor)
}

func TestOutputStream_SetBufferSizeRejectsNonPositive(t *testing.T) {
	appender := &fakeAppender{}
	s := NewOutputStreamCreate(appender, "/foo")

	assert.Error(t, s.SetBufferSize(context.Background(), 0))
	assert.Error(t, s.SetBufferSize(context.Background(), -1))
}

// TestOutputStream_AppendRetriesOn500ThenSucceeds exercises the real
// rest.Client (not the fake) end to end: a transient 500 on the append
// must be retried and recovered transparently, so close() never surfaces
// an error for it (spec.md §8.2). This only holds if flushSegment issues
// Append under the idempotent exponential-backoff policy rather than the
// non-idempotent one, since offset-addressed appends are retry-safe.
func TestOutputStream_AppendRetriesOn500ThenSucceeds(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	restClient := rest.NewClient(u.Host, staticToken("test-token"), http.DefaultClient, nil, true)

	s := NewOutputStreamAppend(restClient, "/foo", 0)

	_, err = s.Write(context.Background(), []byte("data"))
	require.NoError(t, err)

	require.NoError(t, s.Close(context.Background()))
	assert.Equal(t, 2, calls)
}

func TestOutputStream_SetBufferSizeFlushesFirst(t *testing.T) {
	appender := &fakeAppender{}
	s := NewOutputStreamCreate(appender, "/foo")

	_, err := s.Write(context.Background(), []byte("buffered"))
	require.NoError(t, err)

	require.NoError(t, s.SetBufferSize(context.Background(), 1024))

	require.Len(t, appender.creates, 1)
	assert.Equal(t, []byte("buffered"), appender.creates[0].data)
}
