package backend

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/and161185/offline-keeper/internal/errs"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(srv.URL, "tok", WithRegisterBackoff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}))
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadURL(t *testing.T) {
	t.Parallel()
	_, err := New("not a url", "")
	require.ErrorIs(t, err, errs.ErrInvalid)
}

func TestStreamURL_ResolvesRelative(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/stream/t 1", r.URL.Path)
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"url":"/media/t1?token=abc"}`)
	}))
	u, err := c.StreamURL(context.Background(), "t 1")
	require.NoError(t, err)
	require.Contains(t, u, "/media/t1?token=abc")
	require.Contains(t, u, "http://127.0.0.1")
}

func TestStreamURL_ErrorKinds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		code int
		want error
	}{
		{http.StatusUnauthorized, errs.ErrUnauthorized},
		{http.StatusForbidden, errs.ErrForbidden},
		{http.StatusNotFound, errs.ErrNotFound},
		{http.StatusInternalServerError, errs.ErrNetwork},
	}
	for _, tc := range cases {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.code)
			_, _ = io.WriteString(w, `{"error":"nope"}`)
		}))
		_, err := c.StreamURL(context.Background(), "t1")
		require.ErrorIs(t, err, tc.want, "status %d", tc.code)
	}

	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	_, err := c.StreamURL(context.Background(), "t1")
	require.ErrorIs(t, err, errs.ErrNetwork)
}

func TestStreamURL_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	c, err := New(base, "")
	require.NoError(t, err)
	_, err = c.StreamURL(context.Background(), "t1")
	require.ErrorIs(t, err, errs.ErrNetwork)
}

func TestFetchBytes_ProgressAndStatus(t *testing.T) {
	t.Parallel()
	payload := make([]byte, 100_000)
	for i := range payload {
		payload[i] = byte(i)
	}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Empty(t, r.Header.Get("Authorization"))
		if r.URL.Path == "/gone" {
			http.Error(w, "expired", http.StatusForbidden)
			return
		}
		_, _ = w.Write(payload)
	}))

	var last int64
	got, err := c.FetchBytes(context.Background(), c.endpoint("/media/t1", nil), func(read, total int64) {
		require.GreaterOrEqual(t, read, last)
		last = read
	})
	require.NoError(t, err)
	require.Equal(t, payload, got)
	require.Equal(t, int64(len(payload)), last)

	_, err = c.FetchBytes(context.Background(), c.endpoint("/gone", nil), nil)
	require.ErrorIs(t, err, errs.ErrForbidden)
}

// rawServer answers every connection with resp verbatim, ignoring the request.
func rawServer(t *testing.T, resp string) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				_, _ = bufio.NewReader(conn).ReadString('\n')
				_, _ = io.WriteString(conn, resp)
			}()
		}
	}()
	return "http://" + ln.Addr().String()
}

func TestFetchBytes_AnnouncedLengthAbuse(t *testing.T) {
	t.Parallel()
	c, err := New("http://example.invalid", "")
	require.NoError(t, err)

	huge := rawServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 4611686018427387904\r\n\r\nabc")
	_, err = c.FetchBytes(context.Background(), huge+"/media/t1", nil)
	require.ErrorIs(t, err, errs.ErrNetwork)

	short := rawServer(t, "HTTP/1.1 200 OK\r\nContent-Length: 10\r\nConnection: close\r\n\r\nabc")
	_, err = c.FetchBytes(context.Background(), short+"/media/t1", nil)
	require.ErrorIs(t, err, errs.ErrNetwork)
}

func TestFetchBytes_LimitWithoutLength(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for range 10 {
			_, _ = w.Write(make([]byte, 10))
			w.(http.Flusher).Flush()
		}
	}))
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, "", WithMaxAudioBytes(50))
	require.NoError(t, err)
	_, err = c.FetchBytes(context.Background(), srv.URL+"/media/t1", nil)
	require.ErrorIs(t, err, errs.ErrNetwork)

	c, err = New(srv.URL, "", WithMaxAudioBytes(100))
	require.NoError(t, err)
	got, err := c.FetchBytes(context.Background(), srv.URL+"/media/t1", nil)
	require.NoError(t, err)
	require.Len(t, got, 100)
}

func TestRegisterPairing_RetriesTransient(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/offline/register", r.URL.Path)
		var body registerRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		require.Equal(t, "t1", body.TrackID)
		require.Equal(t, "hash", body.DeviceFingerprintHash)
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = io.WriteString(w, `{"success":true}`)
	}))
	require.NoError(t, c.RegisterPairing(context.Background(), "t1", "hash"))
	require.Equal(t, int32(3), calls.Load())
}

func TestRegisterPairing_PermanentOnAuth(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	err := c.RegisterPairing(context.Background(), "t1", "hash")
	require.ErrorIs(t, err, errs.ErrUnauthorized)
	require.Equal(t, int32(1), calls.Load())

	require.ErrorIs(t, c.RegisterPairing(context.Background(), "", "hash"), errs.ErrInvalid)
}

func TestValidatePairing(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/offline/validate", r.URL.Path)
		switch r.URL.Query().Get("trackId") {
		case "ok":
			require.Equal(t, "h", r.URL.Query().Get("deviceFingerprintHash"))
			_, _ = io.WriteString(w, `{"allowed":true}`)
		case "no":
			_, _ = io.WriteString(w, `{"allowed":false}`)
		case "junk":
			_, _ = io.WriteString(w, `{"allowed":"yes"}`)
		default:
			w.WriteHeader(http.StatusServiceUnavailable)
		}
	}))
	ctx := context.Background()

	ok, err := c.ValidatePairing(ctx, "ok", "h")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = c.ValidatePairing(ctx, "no", "h")
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = c.ValidatePairing(ctx, "junk", "h")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = c.ValidatePairing(ctx, "down", "h")
	require.ErrorIs(t, err, errs.ErrNetwork)
}

func TestProbe_CachesResult(t *testing.T) {
	t.Parallel()
	var hits atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		hits.Add(1)
	}))
	p := c.NewProbe(time.Second, time.Hour)
	require.True(t, p.Online(context.Background()))
	require.True(t, p.Online(context.Background()))
	require.Equal(t, int32(1), hits.Load())
}

func TestProbe_Unreachable(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()
	c, err := New(base, "")
	require.NoError(t, err)
	require.False(t, c.NewProbe(200*time.Millisecond, 0).Online(context.Background()))
}

func TestTrack(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/tracks/t1", r.URL.Path)
		_, _ = io.WriteString(w, `{"id":"t1","title":"Song","creatorName":"Band","duration":12.5,"fileSize":99}`)
	}))
	m, err := c.Track(context.Background(), "t1")
	require.NoError(t, err)
	require.Equal(t, "Song", m.Title)
	require.Equal(t, 12.5, m.Duration)
	require.Equal(t, int64(99), m.FileSize)

	_, err = c.Track(context.Background(), "")
	require.ErrorIs(t, err, errs.ErrInvalid)
}

func TestTrack_BadBody(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `[1,2`)
	}))
	_, err := c.Track(context.Background(), "t1")
	require.ErrorIs(t, err, errs.ErrNetwork)
}
