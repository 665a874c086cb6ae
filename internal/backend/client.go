// Package backend is the client for the streaming/pairing backend.
//
// Every transport failure, timeout, or non-2xx answer is reported as errs.ErrNetwork
// (or errs.ErrUnauthorized/ErrForbidden/ErrNotFound where the status says so) so callers
// resolve to "download failed" or "not authorized" instead of hanging.
package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/model"
)

// Defaults
var (
	DefaultTimeout         = 15 * time.Second
	DefaultRegisterTimeout = 30 * time.Second
	DefaultFetchTimeout    = 10 * time.Minute
	maxErrorBody           = int64(4 << 10)

	// DefaultMaxAudioBytes caps a single audio download.
	DefaultMaxAudioBytes = int64(512 << 20)
)

// Client talks to the backend over HTTP/JSON with a bearer token.
type Client struct {
	base       *url.URL
	token      string
	userAgent  string
	maxAudio   int64
	http       *http.Client
	registerBO func() backoff.BackOff
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// WithMaxAudioBytes caps how many bytes FetchBytes accepts.
func WithMaxAudioBytes(n int64) Option { return func(c *Client) { c.maxAudio = n } }

// WithUserAgent sets the User-Agent header on every request.
func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

// WithRegisterBackoff replaces the retry policy used for pairing registration.
func WithRegisterBackoff(f func() backoff.BackOff) Option { return func(c *Client) { c.registerBO = f } }

// New constructs a Client for baseURL.
func New(baseURL, token string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("backend url %q: %w", baseURL, errs.ErrInvalid)
	}
	c := &Client{
		base:       u,
		token:      token,
		http:       &http.Client{Timeout: DefaultTimeout},
		registerBO: defaultRegisterBackoff,
		maxAudio:   DefaultMaxAudioBytes,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

func defaultRegisterBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = DefaultRegisterTimeout
	return b
}

// endpoint joins already-escaped path segments onto the base URL.
func (c *Client) endpoint(p string, q url.Values) string {
	u := c.base.JoinPath(strings.Split(strings.TrimPrefix(p, "/"), "/")...)
	if q != nil {
		u.RawQuery = q.Encode()
	}
	return u.String()
}

func (c *Client) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", errs.ErrNetwork, err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do runs req and returns the body of a 2xx response.
func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := req.Context().Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrNetwork, ctxErr)
		}
		return nil, fmt.Errorf("%w: %s %s: %v", errs.ErrNetwork, req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(req, resp.StatusCode, msg)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", errs.ErrNetwork, req.URL.Path, err)
	}
	return b, nil
}

func statusError(req *http.Request, code int, body []byte) error {
	kind := errs.ErrNetwork
	switch code {
	case http.StatusBadRequest:
		kind = errs.ErrInvalid
	case http.StatusUnauthorized:
		kind = errs.ErrUnauthorized
	case http.StatusForbidden:
		kind = errs.ErrForbidden
	case http.StatusNotFound:
		kind = errs.ErrNotFound
	}
	detail := gjson.GetBytes(body, "error").String()
	if detail == "" {
		detail = http.StatusText(code)
	}
	return fmt.Errorf("%w: %s %s: %d %s", kind, req.Method, req.URL.Path, code, detail)
}

// Track fetches the metadata snapshot of a track the caller can stream.
func (c *Client) Track(ctx context.Context, trackID string) (model.TrackMetadata, error) {
	if trackID == "" {
		return model.TrackMetadata{}, fmt.Errorf("track: %w", errs.ErrInvalid)
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/tracks/"+url.PathEscape(trackID), nil), nil)
	if err != nil {
		return model.TrackMetadata{}, err
	}
	b, err := c.do(req)
	if err != nil {
		return model.TrackMetadata{}, err
	}
	var m model.TrackMetadata
	if err := json.Unmarshal(b, &m); err != nil {
		return model.TrackMetadata{}, fmt.Errorf("%w: decode track: %v", errs.ErrNetwork, err)
	}
	if m.ID == "" {
		m.ID = trackID
	}
	return m, nil
}

// StreamURL asks for a time-limited signed URL of the track's raw audio.
func (c *Client) StreamURL(ctx context.Context, trackID string) (string, error) {
	if trackID == "" {
		return "", fmt.Errorf("stream url: %w", errs.ErrInvalid)
	}
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/stream/"+url.PathEscape(trackID), nil), nil)
	if err != nil {
		return "", err
	}
	b, err := c.do(req)
	if err != nil {
		return "", err
	}
	u := gjson.GetBytes(b, "url")
	if u.Type != gjson.String || u.String() == "" {
		return "", fmt.Errorf("%w: stream url missing in response", errs.ErrNetwork)
	}
	return c.resolve(u.String())
}

// resolve makes a relative signed URL absolute against the backend base.
func (c *Client) resolve(raw string) (string, error) {
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: bad stream url: %v", errs.ErrNetwork, err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

// FetchBytes downloads the raw audio behind a signed URL. onChunk, when set, receives
// the running byte count and the announced total (-1 when unknown).
func (c *Client) FetchBytes(ctx context.Context, signedURL string, onChunk func(read, total int64)) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, signedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", errs.ErrNetwork, err)
	}
	// signed URLs carry their own authorization; no bearer token here
	h := &http.Client{Transport: c.http.Transport, Timeout: DefaultFetchTimeout}
	resp, err := h.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: fetch audio: %v", errs.ErrNetwork, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, statusError(req, resp.StatusCode, msg)
	}

	if resp.ContentLength > c.maxAudio {
		return nil, fmt.Errorf("%w: audio of %d bytes exceeds limit %d", errs.ErrNetwork, resp.ContentLength, c.maxAudio)
	}
	var buf bytes.Buffer
	if resp.ContentLength > 0 {
		buf.Grow(int(resp.ContentLength))
	}
	var r io.Reader = io.LimitReader(resp.Body, c.maxAudio+1)
	if onChunk != nil {
		r = &progressReader{r: r, total: resp.ContentLength, fn: onChunk}
	}
	if _, err := io.Copy(&buf, r); err != nil {
		return nil, fmt.Errorf("%w: read audio: %v", errs.ErrNetwork, err)
	}
	if int64(buf.Len()) > c.maxAudio {
		return nil, fmt.Errorf("%w: audio exceeds limit %d", errs.ErrNetwork, c.maxAudio)
	}
	if resp.ContentLength > 0 && int64(buf.Len()) != resp.ContentLength {
		return nil, fmt.Errorf("%w: short audio body %d/%d", errs.ErrNetwork, buf.Len(), resp.ContentLength)
	}
	return buf.Bytes(), nil
}

type progressReader struct {
	r     io.Reader
	read  int64
	total int64
	fn    func(read, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.read += int64(n)
		p.fn(p.read, p.total)
	}
	return n, err
}

type registerRequest struct {
	TrackID               string `json:"trackId"`
	DeviceFingerprintHash string `json:"deviceFingerprintHash"`
}

// RegisterPairing records (caller, track, fingerprint hash). Transient failures are retried
// with exponential backoff; auth and validation answers are permanent.
func (c *Client) RegisterPairing(ctx context.Context, trackID, fingerprintHash string) error {
	if trackID == "" || fingerprintHash == "" {
		return fmt.Errorf("register pairing: %w", errs.ErrInvalid)
	}
	body, err := json.Marshal(registerRequest{TrackID: trackID, DeviceFingerprintHash: fingerprintHash})
	if err != nil {
		return err
	}
	op := func() error {
		req, err := c.newRequest(ctx, http.MethodPost, c.endpoint("/offline/register", nil), bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		b, err := c.do(req)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		if ok := gjson.GetBytes(b, "success"); ok.Exists() && !ok.Bool() {
			return backoff.Permanent(fmt.Errorf("%w: register rejected", errs.ErrNotAuthorized))
		}
		return nil
	}
	return backoff.Retry(op, backoff.WithContext(c.registerBO(), ctx))
}

func isPermanent(err error) bool {
	return errors.Is(err, errs.ErrUnauthorized) ||
		errors.Is(err, errs.ErrForbidden) ||
		errors.Is(err, errs.ErrNotFound) ||
		errors.Is(err, errs.ErrInvalid)
}

// ValidatePairing asks whether (caller, track, fingerprint hash) may play offline.
// Any unusable answer is treated as not allowed.
func (c *Client) ValidatePairing(ctx context.Context, trackID, fingerprintHash string) (bool, error) {
	q := url.Values{}
	q.Set("trackId", trackID)
	q.Set("deviceFingerprintHash", fingerprintHash)
	req, err := c.newRequest(ctx, http.MethodGet, c.endpoint("/offline/validate", q), nil)
	if err != nil {
		return false, err
	}
	b, err := c.do(req)
	if err != nil {
		return false, err
	}
	allowed := gjson.GetBytes(b, "allowed")
	return allowed.Type == gjson.True, nil
}
