package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name        string
		origins     []string
		method      string
		origin      string
		wantStatus  int
		wantHeaders map[string]string
	}{
		{
			name:        "allow all",
			origins:     []string{"*"},
			method:      http.MethodGet,
			origin:      "http://example.com",
			wantStatus:  http.StatusOK,
			wantHeaders: map[string]string{"Access-Control-Allow-Origin": "http://example.com"},
		},
		{
			name:        "allowed origin",
			origins:     []string{"http://foo.com/"},
			method:      http.MethodPost,
			origin:      "http://foo.com",
			wantStatus:  http.StatusOK,
			wantHeaders: map[string]string{"Access-Control-Allow-Origin": "http://foo.com"},
		},
		{
			name:        "rejected origin",
			origins:     []string{"http://foo.com"},
			method:      http.MethodPost,
			origin:      "http://bar.com",
			wantStatus:  http.StatusForbidden,
			wantHeaders: map[string]string{"Access-Control-Allow-Origin": ""},
		},
		{
			name:       "preflight",
			origins:    []string{"http://foo.com"},
			method:     http.MethodOptions,
			origin:     "http://foo.com",
			wantStatus: http.StatusNoContent,
			wantHeaders: map[string]string{
				"Access-Control-Allow-Origin":  "http://foo.com",
				"Access-Control-Allow-Methods": "GET, POST",
			},
		},
		{
			name:        "preflight from rejected origin reaches router",
			origins:     []string{"http://foo.com"},
			method:      http.MethodOptions,
			origin:      "http://bar.com",
			wantStatus:  http.StatusOK,
			wantHeaders: map[string]string{"Access-Control-Allow-Methods": ""},
		},
		{
			name:        "no origin header",
			origins:     []string{"http://foo.com"},
			method:      http.MethodGet,
			wantStatus:  http.StatusOK,
			wantHeaders: map[string]string{"Access-Control-Allow-Origin": ""},
		},
		{
			name:        "disabled",
			origins:     []string{" ", ""},
			method:      http.MethodGet,
			origin:      "http://foo.com",
			wantStatus:  http.StatusOK,
			wantHeaders: map[string]string{"Access-Control-Allow-Origin": ""},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := CORS(testLogger(), tt.origins, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			req := httptest.NewRequest(tt.method, "/quantize", nil)
			if tt.origin != "" {
				req.Header.Set("Origin", tt.origin)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			for k, v := range tt.wantHeaders {
				assert.Equal(t, v, rec.Header().Get(k), k)
			}
		})
	}
}
