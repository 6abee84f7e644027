package http

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/davidbz/tollgate/internal/domain"
	"github.com/davidbz/tollgate/internal/observability"
)

// adminAuth requires the X-Admin-Key header to match key. With an empty key
// every admin request is refused.
func adminAuth(key string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			given := r.Header.Get("X-Admin-Key")
			if key == "" || subtle.ConstantTimeCompare([]byte(given), []byte(key)) != 1 {
				observability.FromContext(r.Context()).Warn("admin request rejected",
					observability.String("path", r.URL.Path))
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: domain.CallError{
					Kind:    "Unauthorized",
					Message: fmt.Sprintf("missing or invalid X-Admin-Key for %s", r.URL.Path),
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
