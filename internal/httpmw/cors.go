package httpmw

import (
	"net/http"

	"github.com/julienschmidt/httprouter"
)

// AllowCORS is carried over from the teacher's middleware.AllowCORS
// unchanged: a status dashboard polling /status/{jobId} from a browser is a
// plausible C9 consumer even though spec.md doesn't require one.
func AllowCORS() func(httprouter.Handle) httprouter.Handle {
	return func(next httprouter.Handle) httprouter.Handle {
		return func(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				origin = "*"
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
			w.Header().Set("Access-Control-Allow-Methods", "GET, HEAD, POST, PUT, DELETE, OPTIONS")

			if r.Method == http.MethodOptions {
				w.Header().Set("allow", "GET, HEAD, POST, OPTIONS")
				w.Header().Set("content-length", "0")
				w.WriteHeader(http.StatusOK)
				return
			}

			next(w, r, ps)
		}
	}
}
