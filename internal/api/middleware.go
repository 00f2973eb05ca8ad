package api

import (
	"bytes"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/shohag/driprelay/internal/signing"
)

const maxBodySize = 256 * 1024

// AuthMiddleware accepts a key from X-API-Key or an Authorization bearer
// token. With no keys configured every request passes.
func AuthMiddleware(keys []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(keys) == 0 {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get("X-API-Key")
			if key == "" {
				auth := r.Header.Get("Authorization")
				if auth == "" {
					writeError(w, http.StatusUnauthorized, "missing api key")
					return
				}
				key = strings.TrimPrefix(auth, "Bearer ")
				if key == auth {
					writeError(w, http.StatusUnauthorized, "invalid authorization format, use: Bearer <api_key>")
					return
				}
			}

			for _, k := range keys {
				if subtle.ConstantTimeCompare([]byte(k), []byte(key)) == 1 {
					next.ServeHTTP(w, r)
					return
				}
			}
			writeError(w, http.StatusUnauthorized, "invalid api key")
		})
	}
}

// SignatureMiddleware verifies webhook signatures when a secret is set and
// hands the buffered body on to the next handler.
func SignatureMiddleware(secret string, skew time.Duration) func(http.Handler) http.Handler {
	if skew <= 0 {
		skew = 5 * time.Minute
	}
	return func(next http.Handler) http.Handler {
		if secret == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
			if err != nil {
				writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
				return
			}

			err = signing.Verify(secret,
				r.Header.Get(signing.HeaderTimestamp), body,
				r.Header.Get(signing.HeaderSignature), time.Now(), skew)
			switch {
			case err == nil:
			case errors.Is(err, signing.ErrMissing):
				writeError(w, http.StatusUnauthorized, "missing webhook signature")
				return
			default:
				writeError(w, http.StatusUnauthorized, "invalid webhook signature: "+err.Error())
				return
			}

			r.Body = io.NopCloser(bytes.NewReader(body))
			next.ServeHTTP(w, r)
		})
	}
}

func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(ww, r)

			ev := log.Info()
			if ww.statusCode >= http.StatusInternalServerError {
				ev = log.Error()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", ww.statusCode).
				Dur("duration", time.Since(start)).
				Msg("request")
		})
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
