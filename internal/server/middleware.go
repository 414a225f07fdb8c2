package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const bearerPrefix = "Bearer "

// requireAuth enforces the static bearer keys from API_KEYS. With no keys
// configured authentication is disabled and every request passes.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.AuthEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		header := r.Header.Get("Authorization")
		if header == "" {
			s.unauthorized(w, "missing Authorization header")
			return
		}
		if !strings.HasPrefix(header, bearerPrefix) {
			s.unauthorized(w, "authorization must use the Bearer scheme")
			return
		}

		if !s.validKey(strings.TrimPrefix(header, bearerPrefix)) {
			s.logger.WithField("remote", r.RemoteAddr).Warn("Rejected request with invalid API key")
			s.unauthorized(w, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) validKey(key string) bool {
	valid := false
	for _, candidate := range s.cfg.APIKeys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			valid = true
		}
	}
	return valid
}

func (s *Server) unauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	s.writeError(w, http.StatusUnauthorized, message)
}

// statusRecorder captures the response status for request logging.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rec, r)

		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).Round(time.Millisecond).String(),
			"remote":   r.RemoteAddr,
		}).Info("Request handled")
	})
}
