package httpapi

import (
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/offline-keeper/internal/auth"
	"github.com/and161185/offline-keeper/internal/limiter"
)

type statusWriter struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Logging logs one line per request: method, path, status, duration, peer. No bodies, no queries.
func Logging(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		if sw.status == 0 {
			sw.status = http.StatusOK
		}
		lvl := zap.InfoLevel
		if sw.status >= 500 {
			lvl = zap.ErrorLevel
		}
		log.Log(lvl, "http",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sw.status),
			zap.Int64("bytes", sw.bytes),
			zap.Duration("dur", time.Since(start)),
			zap.String("peer", r.RemoteAddr),
		)
	})
}

// Recover turns handler panics into 500s.
func Recover(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("panic",
					zap.Any("reason", rec),
					zap.ByteString("stack", debug.Stack()),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, "internal")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// authenticator checks bearer tokens and locks out clients that keep failing.
type authenticator struct {
	signKey []byte
	limit   limiter.Limiter
	log     *zap.Logger
}

// require wraps next so it only runs with a verified user id in the context.
// onFail writes the rejection; it lets /offline/validate answer {allowed:false} instead of 401.
func (a *authenticator) require(next http.HandlerFunc, onFail func(http.ResponseWriter, int)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := limiter.HashClient(clientIP(r))
		ok, retry, err := a.limit.Allow(r.Context(), client)
		if err != nil {
			a.log.Warn("limiter unavailable", zap.Error(err))
		} else if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(retry.Seconds())+1))
			onFail(w, http.StatusTooManyRequests)
			return
		}

		tok, found := bearer(r)
		if !found {
			onFail(w, http.StatusUnauthorized)
			return
		}
		uid, err := auth.Verify(a.signKey, tok)
		if err != nil {
			if blocked, _, lerr := a.limit.Failure(r.Context(), client); lerr != nil {
				a.log.Warn("limiter failure record", zap.Error(lerr))
			} else if blocked {
				a.log.Warn("client blocked after repeated bad tokens", zap.String("peer", r.RemoteAddr))
			}
			onFail(w, http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(WithUserID(r.Context(), uid)))
	}
}

func bearer(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		t := strings.TrimSpace(h[7:])
		return t, t != ""
	}
	return "", false
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
