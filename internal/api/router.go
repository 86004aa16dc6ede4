package api

import (
	"github.com/julienschmidt/httprouter"

	"github.com/frameforge/pipeline/internal/httpmw"
)

// NewRouter wires the C9 endpoints behind the standard middleware stack
// (request logging, then CORS, then API-key auth where required), the same
// layering order as the teacher's cmd/http-server.go router construction.
func NewRouter(s *Server, apiKey string) *httprouter.Router {
	router := httprouter.New()

	authed := func(h httprouter.Handle) httprouter.Handle {
		return httpmw.LogRequest()(httpmw.AllowCORS()(httpmw.RequireAPIKey(apiKey, h)))
	}
	open := func(h httprouter.Handle) httprouter.Handle {
		return httpmw.LogRequest()(httpmw.AllowCORS()(h))
	}

	router.POST("/process", authed(s.Process()))
	router.GET("/status/:jobId", authed(s.Status()))
	router.GET("/jobs/:jobId", authed(s.JobDetail()))
	router.GET("/health", open(s.Health()))

	return router
}
