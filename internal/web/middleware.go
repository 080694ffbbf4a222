package web

import (
	"net/http"
	"time"

	"github.com/Shugur-Network/courier/internal/logger"
	"go.uber.org/zap"
)

// SecurityHeaders defines the headers applied to API responses.
type SecurityHeaders struct {
	CSP                 string
	XContentTypeOptions string
	XFrameOptions       string
	ReferrerPolicy      string
}

// APISecurityHeaders returns headers for the local JSON API. The API serves
// no markup, so the CSP denies everything.
func APISecurityHeaders() *SecurityHeaders {
	return &SecurityHeaders{
		CSP:                 "default-src 'none'; frame-ancestors 'none'",
		XContentTypeOptions: "nosniff",
		XFrameOptions:       "DENY",
		ReferrerPolicy:      "no-referrer",
	}
}

// SecurityMiddleware wraps a handler with the security headers.
func SecurityMiddleware(headers *SecurityHeaders) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if headers.CSP != "" {
				w.Header().Set("Content-Security-Policy", headers.CSP)
			}
			if headers.XContentTypeOptions != "" {
				w.Header().Set("X-Content-Type-Options", headers.XContentTypeOptions)
			}
			if headers.XFrameOptions != "" {
				w.Header().Set("X-Frame-Options", headers.XFrameOptions)
			}
			if headers.ReferrerPolicy != "" {
				w.Header().Set("Referrer-Policy", headers.ReferrerPolicy)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// LoggingMiddleware logs each API request with its status and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	log := logger.New("web")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		log.Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(started)))
	})
}
