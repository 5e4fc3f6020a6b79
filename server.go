package offline

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	// APIPathPrefix is where the worker exposes the backend origin.
	APIPathPrefix = "/api"
	// StatusPath serves the worker Status as JSON.
	StatusPath = "/sw/status"

	maxGoroutines = 2000
)

// Handler serves the tab hub, health and metrics endpoints, and proxies
// every other request through the interceptor: paths under APIPathPrefix
// go to the backend origin, the rest to the app origin.
func (w *Worker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(w.cfg.Worker.SWURL, w.hub)
	mux.HandleFunc(StatusPath, w.serveStatus)
	mux.Handle("/healthz/", http.StripPrefix("/healthz", w.healthHandler()))
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/", w.proxy())
	return mux
}

func (w *Worker) healthHandler() healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(maxGoroutines))
	health.AddReadinessCheck("lifecycle", func() error {
		if state := w.lifecycle.State(); state != StateActive {
			return fmt.Errorf("worker is %s", state)
		}
		return nil
	})
	return health
}

func (w *Worker) serveStatus(rw http.ResponseWriter, r *http.Request) {
	status, err := w.Status(r.Context())
	rw.Header().Set("Content-Type", "application/json")
	if err != nil {
		rw.WriteHeader(http.StatusInternalServerError)
		json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
		return
	}
	json.NewEncoder(rw).Encode(status)
}

func (w *Worker) proxy() http.Handler {
	app, _ := url.Parse(w.cfg.Worker.AppOrigin)
	api, _ := url.Parse(w.cfg.Worker.APIOrigin)
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			target, path := app, pr.In.URL.Path
			if rest, ok := strings.CutPrefix(path, APIPathPrefix); ok && (rest == "" || rest[0] == '/') {
				target, path = api, rest
				if path == "" {
					path = "/"
				}
			}
			pr.SetURL(target)
			pr.Out.URL.Path = path
			pr.Out.URL.RawPath = ""
			pr.SetXForwarded()
		},
		Transport: w.interceptor,
		ErrorHandler: func(rw http.ResponseWriter, r *http.Request, err error) {
			status := http.StatusBadGateway
			if errors.Is(err, r.Context().Err()) {
				status = http.StatusGatewayTimeout
			}
			w.logger.Infow("proxy request failed", "url", r.URL.String(), "error", err)
			rw.Header().Set("Content-Type", "application/json")
			rw.WriteHeader(status)
			json.NewEncoder(rw).Encode(map[string]string{"error": err.Error()})
		},
	}
}
