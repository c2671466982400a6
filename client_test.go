package adlsfs

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// staticToken is a fixed-value rest.TokenSource for tests.
type staticToken string

func (t staticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// newTestClient builds a Client pointed at srv, matching the teacher's
// insecure-transport-plus-Host test pattern.
func newTestClient(t *testing.T, srv *httptest.Server, opts ...Option) *Client {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	allOpts := append([]Option{WithInsecureTransport()}, opts...)

	c, err := New(u.Host, staticToken("test-token"), allOpts...)
	require.NoError(t, err)

	t.Cleanup(c.Close)

	return c
}

func TestNew_RejectsInvalidReadAheadQueueDepth(t *testing.T) {
	_, err := New("account.example.net", staticToken("t"), WithReadAheadQueueDepth(-1))
	assert.Error(t, err)
}

func TestNew_RejectsInvalidPathPrefix(t *testing.T) {
	_, err := New("account.example.net", staticToken("t"), WithPathPrefix("//bad"))
	assert.Error(t, err)
}

func TestNew_RejectsNonPositiveDefaultTimeout(t *testing.T) {
	_, err := New("account.example.net", staticToken("t"), WithDefaultTimeout(0))
	assert.Error(t, err)
}

func TestNew_RejectsInvalidBackoffFactor(t *testing.T) {
	_, err := New("account.example.net", staticToken("t"), func() Option {
		return WithExponentialBackoff(3, time.Second, 1)
	}())
	assert.Error(t, err)
}

func TestGetFileStatus_RoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "GETFILESTATUS", r.URL.Query().Get("op"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"FileStatus":{"length":42,"type":"FILE","pathSuffix":""}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	entry, err := c.GetFileStatus(context.Background(), "/foo/bar.txt")
	require.NoError(t, err)
	assert.Equal(t, int64(42), entry.Length)
	assert.False(t, entry.IsDirectory())
}

func TestOpenRead_RejectsDirectory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"FileStatus":{"length":0,"type":"DIRECTORY"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	_, err := c.OpenRead(context.Background(), "/adir")
	assert.Error(t, err)
}

func TestOpenRead_ReturnsUsableStream(t *testing.T) {
	const content = "hello world"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("op") {
		case "GETFILESTATUS":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"FileStatus":{"length":11,"type":"FILE"}}`))
		case "OPEN":
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(content))
		default:
			t.Fatalf("unexpected op %q", r.URL.Query().Get("op"))
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	in, err := c.OpenRead(context.Background(), "/greeting.txt")
	require.NoError(t, err)

	buf := make([]byte, len(content))
	n, err := in.Read(context.Background(), buf)
	require.NoError(t, err)
	assert.Equal(t, content, string(buf[:n]))
}

func TestListAll_FollowsShortPageToEnd(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"FileStatuses":{"FileStatus":[{"pathSuffix":"a","type":"FILE","length":1}]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	entries, err := c.ListAll(context.Background(), "/dir")
	require.NoError(t, err)
	assert.Len(t, entries, 1)
	assert.Equal(t, 1, calls)
}

func TestMkdirs_SendsMkdirsOperation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "MKDIRS", r.URL.Query().Get("op"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"boolean":true}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	err := c.Mkdirs(context.Background(), "/new/dir", "755")
	assert.NoError(t, err)
}

func TestGetAclStatus_ParsesOwnerAndEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"AclStatus":{"entries":["user::rwx"],"owner":"alice","permission":"750"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	status, err := c.GetAclStatus(context.Background(), "/foo")
	require.NoError(t, err)
	assert.Equal(t, "alice", status.Owner)
	require.Len(t, status.Entries, 1)
	assert.Equal(t, "user::rwx", status.Entries[0].String())
}

func TestSummarize_AggregatesSinglePage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "LISTSTATUS", r.URL.Query().Get("op"))

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"FileStatuses":{"FileStatus":[` +
			`{"pathSuffix":"a.txt","type":"FILE","length":5},` +
			`{"pathSuffix":"b.txt","type":"FILE","length":7}]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	summary, err := c.Summarize(context.Background(), "/tree")
	require.NoError(t, err)
	assert.Equal(t, int64(2), summary.FileCount)
	assert.Equal(t, int64(12), summary.SpaceConsumed)
}
