package apis

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// BuildRelayRouter define the relay HTTP routes under a path prefix
func BuildRelayRouter(h APIRestRelayHandler, pathPrefix string) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	mainRouter := RegisterPathPrefix(router, pathPrefix, nil)

	// The socket must reach the raw writer to hijack it, so no request logging wrapper
	_ = RegisterPathPrefix(mainRouter, "/v1/socket", MethodHandlers{
		"get": h.ConnectSocketHandler(),
	})

	courseRouter := RegisterPathPrefix(mainRouter, "/v1/course/{courseID}", nil)
	_ = RegisterPathPrefix(courseRouter, "/notification", MethodHandlers{
		"post": h.LoggingMiddleware(h.PublishNotificationHandler()),
	})
	_ = RegisterPathPrefix(courseRouter, "/subscriber", MethodHandlers{
		"get": h.LoggingMiddleware(h.GetCourseSubscribersHandler()),
	})

	_ = RegisterPathPrefix(mainRouter, "/v1/stats", MethodHandlers{
		"get": h.LoggingMiddleware(h.GetStatsHandler()),
	})

	// Health check
	_ = RegisterPathPrefix(mainRouter, "/v1/alive", MethodHandlers{
		"get": h.LoggingMiddleware(h.AliveHandler()),
	})
	_ = RegisterPathPrefix(mainRouter, "/v1/ready", MethodHandlers{
		"get": h.LoggingMiddleware(h.ReadyHandler()),
	})

	return router
}
