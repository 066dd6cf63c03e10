// Package middleware holds HTTP middleware shared by the service routes.
package middleware

import (
	"net/http"
	"strings"

	"github.com/examstutor/model-quantizer/pkg/logging"
)

const (
	allowedMethods = "GET, POST"
	allowedHeaders = "Content-Type, Authorization"
)

// CORS returns middleware allowing browser calls from origins. A single
// "*" allows any origin. With no origins it returns next unchanged.
//
// Requests carrying an Origin that is not allowed are rejected with 403
// unless they are OPTIONS requests, which fall through to the router so
// that it answers with 404 or 405.
func CORS(log logging.Logger, origins []string, next http.Handler) http.Handler {
	allowed := normalizeOrigins(origins)
	if len(allowed) == 0 {
		return next
	}
	_, allowAll := allowed["*"]
	if allowAll {
		log.Warn("CORS allows any origin")
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" {
			next.ServeHTTP(w, r)
			return
		}
		_, ok := allowed[origin]
		ok = ok || allowAll

		if r.Method == http.MethodOptions {
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", allowedMethods)
			w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
			w.Header().Set("Access-Control-Max-Age", "600")
			w.Header().Add("Vary", "Origin")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		if !ok {
			log.Warnf("Rejected %s %s from origin %s", r.Method, r.URL.Path, logging.SanitizeForLog(origin))
			http.Error(w, "origin not allowed", http.StatusForbidden)
			return
		}
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
		next.ServeHTTP(w, r)
	})
}

// normalizeOrigins trims the configured origins and drops empty entries
// and trailing slashes.
func normalizeOrigins(origins []string) map[string]struct{} {
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		o = strings.TrimRight(strings.TrimSpace(o), "/")
		if o != "" {
			set[o] = struct{}{}
		}
	}
	return set
}
