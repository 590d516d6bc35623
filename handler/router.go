package handler

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"restaurant-agent/internal/usecase"
)

// NewRouter wraps the handler's routes in CORS for browser clients.
func NewRouter(h *Handler, allowedOrigins []string) http.Handler {
	r := mux.NewRouter()
	h.RegisterRoutes(r)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		writeResult(w, correlationID(req.Header.Get), errorResult(http.StatusNotFound, string(usecase.ErrorNotFound), "unknown_route"))
	})

	if len(allowedOrigins) == 0 {
		return cors.Default().Handler(r)
	}
	return cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", headerCorrelationID},
		ExposedHeaders: []string{headerCorrelationID},
	}).Handler(r)
}
