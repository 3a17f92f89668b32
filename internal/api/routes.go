package api

import (
	"net/http"

	"juttled/internal/bundle"
	"juttled/internal/endpoint"
	"juttled/internal/health"
	"juttled/internal/job"
	"juttled/internal/observability"
	"juttled/internal/observer"
	"juttled/internal/topic"
)

// Prefix is the base path of the job API.
const Prefix = "/api/v0"

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Jobs          *job.Manager
	Observers     *observer.Manager
	Topics        *topic.Notifier
	Bundler       *bundle.Bundler
	HealthChecker *health.Checker
	Metrics       *observability.Metrics
	Endpoint      endpoint.Config
	ImplicitSink  string
	APIKey        string
	RateLimit     float64 // job submissions per second, 0 disables
	RateBurst     int
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	h := &Handler{
		jobs:         cfg.Jobs,
		observers:    cfg.Observers,
		topics:       cfg.Topics,
		bundler:      cfg.Bundler,
		health:       cfg.HealthChecker,
		sockets:      newSocketServer(cfg.Endpoint),
		implicitSink: cfg.ImplicitSink,
	}

	mux := http.NewServeMux()

	// Probes - no auth required
	mux.HandleFunc("GET /livez", h.Livez)
	mux.HandleFunc("GET /readyz", h.Readyz)

	auth := AuthMiddleware(cfg.APIKey)
	limit := RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst)
	api := func(pattern string, fn http.HandlerFunc) {
		mux.Handle(pattern, auth(fn))
	}

	mux.Handle("POST "+Prefix+"/jobs", auth(limit(ContentTypeMiddleware()(http.HandlerFunc(h.CreateJob)))))
	api("GET "+Prefix+"/jobs", h.ListJobs)
	api("GET "+Prefix+"/jobs/{job_id}", h.GetJob)
	api("DELETE "+Prefix+"/jobs/{job_id}", h.DeleteJob)
	api("GET "+Prefix+"/observers", h.ListObservers)
	api("GET "+Prefix+"/observers/{$}", h.ListObservers)
	api("GET "+Prefix+"/observers/{observer_id}", h.SubscribeObserver)
	api("GET "+Prefix+"/paths/{path...}", h.GetPath)
	mux.Handle("POST "+Prefix+"/prepare", auth(ContentTypeMiddleware()(http.HandlerFunc(h.Prepare))))
	api("GET /rendezvous/{topic}", h.Rendezvous)

	// Apply middleware chain (order matters: outermost first)
	var handler http.Handler = mux
	handler = CORSMiddleware()(handler)
	if cfg.Metrics != nil {
		handler = MetricsMiddleware(cfg.Metrics)(handler)
	}
	handler = LoggingMiddleware()(handler)
	handler = RecoveryMiddleware()(handler)

	return handler
}
