// Package httpmw holds the httprouter.Handle wrappers shared by every C9
// endpoint: API-key auth, CORS, and request logging, adapted from the
// teacher's middleware package.
package httpmw

import (
	"net/http"

	"github.com/julienschmidt/httprouter"

	"github.com/frameforge/pipeline/internal/apierr"
)

// RequireAPIKey rejects requests whose X-API-Key header doesn't match
// apiKey. spec.md §4.9 names this header rather than the teacher's
// Authorization/Bearer scheme, but the wrapper shape is otherwise identical
// to the teacher's middleware.IsAuthorized.
func RequireAPIKey(apiKey string, next httprouter.Handle) httprouter.Handle {
	return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
		got := r.Header.Get("X-API-Key")
		if got == "" {
			apierr.WriteHTTPUnauthorized(w, "missing X-API-Key header", nil)
			return
		}
		if got != apiKey {
			apierr.WriteHTTPUnauthorized(w, "invalid API key", nil)
			return
		}
		next(w, r, ps)
	}
}
