package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// noopSleep returns immediately, letting retry-path tests run at full speed.
func noopSleep(_ context.Context, _ time.Duration) error {
	return nil
}

// staticToken is a fixed-value TokenSource for tests.
type staticToken string

func (t staticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// failingToken always errors, for exercising the authentication-failure path.
type failingToken struct{}

func (failingToken) Token(context.Context) (string, error) {
	return "", errors.New("token error")
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()

	u, err := url.Parse(serverURL)
	require.NoError(t, err)

	return NewClient(u.Host, staticToken("test-token"), http.DefaultClient, nil, true)
}

func TestInvoke_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/webhdfs/v1/foo/bar.txt", r.URL.Path)
		assert.Equal(t, "GETFILESTATUS", r.URL.Query().Get("op"))
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("Client-Request-Id"))

		w.Header().Set("x-ms-request-id", "server-req-1")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"FileStatus":{"length":10,"type":"FILE"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	resp, err := c.Invoke(context.Background(), Request{
		Operation:   "GETFILESTATUS",
		Method:      http.MethodGet,
		Path:        "/foo/bar.txt",
		Query:       url.Values{},
		ReturnsJSON: true,
		Policy:      NewExponentialBackoffPolicy(),
	})

	require.NoError(t, err)
	assert.True(t, resp.Successful)
	assert.Equal(t, http.StatusOK, resp.HTTPStatus)
	assert.Equal(t, "server-req-1", resp.ServerRequestID)
	assert.Equal(t, 0, resp.NumRetries)
	assert.Contains(t, string(resp.Body), "FileStatus")
}

func TestInvoke_RetriesOn503ThenSucceeds(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"RemoteException":{"exception":"ServerBusy","message":"try again","javaClassName":"java.io.IOException"}}`))

			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	policy := NewExponentialBackoffPolicy()
	policy.sleep = noopSleep

	resp, err := c.Invoke(context.Background(), Request{
		Operation:   "GETFILESTATUS",
		Method:      http.MethodGet,
		Path:        "/foo",
		ReturnsJSON: true,
		Policy:      policy,
	})

	require.NoError(t, err)
	assert.True(t, resp.Successful)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, resp.NumRetries)
	require.Len(t, resp.ExceptionHistory, 1)
}

func TestInvoke_NonRetryableStatusSurfacesRemoteException(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"RemoteException":{"exception":"FileNotFoundException","message":"no such path","javaClassName":"java.io.FileNotFoundException"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	_, err := c.Invoke(context.Background(), Request{
		Operation:   "GETFILESTATUS",
		Method:      http.MethodGet,
		Path:        "/missing",
		ReturnsJSON: true,
		Policy:      NewExponentialBackoffPolicy(),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)

	var remoteErr *RemoteError
	require.ErrorAs(t, err, &remoteErr)
	assert.Equal(t, "FileNotFoundException", remoteErr.RemoteExceptionName)
	assert.Equal(t, http.StatusNotFound, remoteErr.HTTPStatus)
}

func TestInvoke_NoRetryPolicyRetriesOnceOn401(t *testing.T) {
	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusUnauthorized)

			return
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	policy := NewNoRetryPolicy()
	policy.sleep = noopSleep

	resp, err := c.Invoke(context.Background(), Request{
		Operation: "GETFILESTATUS",
		Method:    http.MethodGet,
		Path:      "/foo",
		Policy:    policy,
	})

	require.NoError(t, err)
	assert.True(t, resp.Successful)
	assert.Equal(t, 2, calls)
}

func TestInvoke_AuthenticationFailureIsNotRetried(t *testing.T) {
	c := NewClient("example.invalid", failingToken{}, http.DefaultClient, nil, true)

	_, err := c.Invoke(context.Background(), Request{
		Operation: "GETFILESTATUS",
		Method:    http.MethodGet,
		Path:      "/foo",
		Policy:    NewExponentialBackoffPolicy(),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrAuthentication)
}

func TestBuildURL_EncodesPathSegmentsAndSetsAPIVersion(t *testing.T) {
	c := NewClient("account.example.net", staticToken("t"), http.DefaultClient, nil, false)

	built := c.buildURL(Request{
		Operation: "OPEN",
		Path:      "/a dir/file name.txt",
		Query:     url.Values{"length": []string{"10"}},
	})

	require.True(t, strings.HasPrefix(built, "https://account.example.net/webhdfs/v1/"))
	assert.Contains(t, built, "a%20dir/file%20name.txt")
	assert.Contains(t, built, "op=OPEN")
	assert.Contains(t, built, "api-version="+defaultAPIVersion)
	assert.Contains(t, built, "length=10")
}

func TestWithPathPrefix_RejectsDoubleSlash(t *testing.T) {
	c := NewClient("account.example.net", staticToken("t"), http.DefaultClient, nil, false)

	err := c.WithPathPrefix("/foo//bar")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestWithPathPrefix_AppliedToBuiltURL(t *testing.T) {
	c := NewClient("account.example.net", staticToken("t"), http.DefaultClient, nil, false)
	require.NoError(t, c.WithPathPrefix("/prefix"))

	built := c.buildURL(Request{Operation: "OPEN", Path: "/foo"})
	assert.Contains(t, built, "/webhdfs/v1/prefix/foo")
}

func TestLatencyLedger_DrainAppearsOnSubsequentRequest(t *testing.T) {
	var secondCallHeader string

	var calls int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 2 {
			secondCallHeader = r.Header.Get("Client-Latency")
		}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)

	for i := 0; i < 2; i++ {
		_, err := c.Invoke(context.Background(), Request{
			Operation: "GETFILESTATUS",
			Method:    http.MethodGet,
			Path:      "/foo",
			Policy:    NewExponentialBackoffPolicy(),
		})
		require.NoError(t, err)
	}

	assert.NotEmpty(t, secondCallHeader)
}

func TestInvoke_ThrowRemoteExceptionsSurfacesIOExceptionClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"RemoteException":{"exception":"RuntimeException","message":"disk failure","javaClassName":"java.io.IOException"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.WithThrowRemoteExceptions(true)

	_, err := c.Invoke(context.Background(), Request{
		Operation:   "GETFILESTATUS",
		Method:      http.MethodGet,
		Path:        "/foo",
		ReturnsJSON: true,
		Policy:      NewNoRetryPolicy(),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRemoteIOException)
}

func TestInvoke_ThrowRemoteExceptionsIgnoresNonIOClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"RemoteException":{"exception":"IllegalArgumentException","message":"bad path","javaClassName":"java.lang.IllegalArgumentException"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	c.WithThrowRemoteExceptions(true)

	_, err := c.Invoke(context.Background(), Request{
		Operation:   "GETFILESTATUS",
		Method:      http.MethodGet,
		Path:        "/missing",
		ReturnsJSON: true,
		Policy:      NewNoRetryPolicy(),
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrRemoteIOException)
}
