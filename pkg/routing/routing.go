package routing

import (
	"net/http"
	"path"
	"strings"
)

// NormalizedServeMux is a ServeMux that cleans request paths before routing,
// so "//jobs//{id}" and "/jobs/{id}/" reach the same handler as
// "/jobs/{id}".
type NormalizedServeMux struct {
	*http.ServeMux
}

func NewNormalizedServeMux() *NormalizedServeMux {
	return &NormalizedServeMux{http.NewServeMux()}
}

// Mount registers handler for every pattern.
func (nm *NormalizedServeMux) Mount(handler http.Handler, patterns ...string) {
	for _, pattern := range patterns {
		nm.Handle(pattern, handler)
	}
}

func (nm *NormalizedServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if p := r.URL.Path; p != "/" && (strings.Contains(p, "//") || strings.HasSuffix(p, "/")) {
		r.URL.Path = path.Clean(p)
		r.URL.RawPath = ""
	}

	nm.ServeMux.ServeHTTP(w, r)
}
