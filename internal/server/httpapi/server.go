// Package httpapi exposes the backend HTTP API: stream URLs, media, pairing register/validate.
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/goccy/go-json"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/and161185/offline-keeper/internal/convert"
	"github.com/and161185/offline-keeper/internal/errs"
	"github.com/and161185/offline-keeper/internal/limiter"
	"github.com/and161185/offline-keeper/internal/service"
)

const maxBody = 1 << 16

// Pinger reports backend dependency health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds handler dependencies.
type Config struct {
	Stream  service.StreamService
	Pairing service.PairingService
	Catalog service.CatalogService
	SignKey []byte // bearer JWT key
	Limiter limiter.Limiter
	DB      Pinger
	Log     *zap.Logger
}

type server struct {
	stream  service.StreamService
	pairing service.PairingService
	catalog service.CatalogService
	db      Pinger
	log     *zap.Logger
}

// New builds the API handler with logging and recovery applied.
func New(cfg Config) http.Handler {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	lim := cfg.Limiter
	if lim == nil {
		lim = limiter.Nop{}
	}
	s := &server{stream: cfg.Stream, pairing: cfg.Pairing, catalog: cfg.Catalog, db: cfg.DB, log: log}
	a := &authenticator{signKey: cfg.SignKey, limit: lim, log: log}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("HEAD /healthz", s.handleHealth)
	mux.HandleFunc("GET /tracks/{trackId}", a.require(s.handleTrack, rejectJSON))
	mux.HandleFunc("GET /stream/{trackId}", a.require(s.handleStream, rejectJSON))
	mux.HandleFunc("GET /media/{trackId}", s.handleMedia)
	mux.HandleFunc("POST /offline/register", a.require(s.handleRegister, rejectJSON))
	mux.HandleFunc("GET /offline/validate", a.require(s.handleValidate, rejectNotAllowed))

	return Recover(log, Logging(log, mux))
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.Ping(r.Context()); err != nil {
			s.log.Warn("health: db ping", zap.Error(err))
			writeError(w, http.StatusServiceUnavailable, "db unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *server) handleTrack(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromCtx(r.Context())
	t, err := s.catalog.Track(r.Context(), uid, r.PathValue("trackId"))
	if err != nil {
		s.fail(w, "track", err)
		return
	}
	writeJSON(w, http.StatusOK, convert.ToTrackMetadata(t))
}

type streamResponse struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expiresAt"`
}

func (s *server) handleStream(w http.ResponseWriter, r *http.Request) {
	uid, _ := UserIDFromCtx(r.Context())
	u, exp, err := s.stream.StreamURL(r.Context(), uid, r.PathValue("trackId"))
	if err != nil {
		s.fail(w, "stream url", err)
		return
	}
	writeJSON(w, http.StatusOK, streamResponse{URL: u, ExpiresAt: exp.Unix()})
}

// handleMedia needs no bearer token: the signed URL is the credential.
func (s *server) handleMedia(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("trackId")
	p, err := s.stream.Resolve(r.Context(), id, r.URL.Query().Get("token"))
	if err != nil {
		s.fail(w, "media", err)
		return
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		s.fail(w, "media open", err)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil || st.IsDir() {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	w.Header().Set("Cache-Control", "private, no-store")
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

// handleRegister accepts camelCase and snake_case keys.
func (s *server) handleRegister(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil || !gjson.ValidBytes(body) {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	trackID := firstString(body, "trackId", "track_id")
	hash := firstString(body, "deviceFingerprintHash", "device_fingerprint_hash")
	if trackID == "" || hash == "" {
		writeError(w, http.StatusBadRequest, "trackId and deviceFingerprintHash are required")
		return
	}
	uid, _ := UserIDFromCtx(r.Context())
	if err := s.pairing.Register(r.Context(), uid, trackID, hash); err != nil {
		s.fail(w, "register pairing", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

type validateResponse struct {
	Allowed bool `json:"allowed"`
}

// handleValidate always answers 200; any failure is {allowed:false}.
func (s *server) handleValidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	trackID := q.Get("trackId")
	hash := q.Get("deviceFingerprintHash")
	uid, _ := UserIDFromCtx(r.Context())
	ok, err := s.pairing.Validate(r.Context(), uid, trackID, hash)
	if err != nil {
		s.log.Warn("validate pairing", zap.Error(err))
		ok = false
	}
	writeJSON(w, http.StatusOK, validateResponse{Allowed: ok})
}

func (s *server) fail(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code >= 500 {
		s.log.Error(op, zap.Error(err))
		writeError(w, code, "internal")
		return
	}
	writeError(w, code, http.StatusText(code))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, errs.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, errs.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, errs.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, errs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func firstString(body []byte, keys ...string) string {
	for _, k := range keys {
		if v := gjson.GetBytes(body, k); v.Type == gjson.String && v.Str != "" {
			return v.Str
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func rejectJSON(w http.ResponseWriter, code int) {
	writeError(w, code, http.StatusText(code))
}

func rejectNotAllowed(w http.ResponseWriter, _ int) {
	writeJSON(w, http.StatusOK, validateResponse{Allowed: false})
}
