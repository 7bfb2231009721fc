package bin

import (
	"fmt"
	"net/http"
	"time"

	"github.com/alwitt/vidvault/common"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// buildMetricsCollectionServer helper function for defining the Prometheus metrics
// collection HTTP server
func buildMetricsCollectionServer(
	config common.MetricsConfig, registry *prometheus.Registry,
) *http.Server {
	router := mux.NewRouter()
	router.
		Path(config.MetricsEndpoint).
		Methods("GET").
		Handler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	router.
		Path("/alive").
		Methods("GET").
		HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})

	serverListen := fmt.Sprintf("%s:%d", config.Server.ListenOn, config.Server.Port)
	return &http.Server{
		Addr:         serverListen,
		WriteTimeout: time.Second * time.Duration(config.Server.Timeouts.WriteTimeout),
		ReadTimeout:  time.Second * time.Duration(config.Server.Timeouts.ReadTimeout),
		IdleTimeout:  time.Second * time.Duration(config.Server.Timeouts.IdleTimeout),
		Handler:      router,
	}
}

// buildMetricsRegistry helper function for defining the node metrics registry
func buildMetricsRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}
