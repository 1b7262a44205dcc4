// Package metrics exposes operation and transfer counters over a
// Prometheus endpoint.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Collector tracks filesystem operation outcomes, transferred bytes,
// and sync deltas, and serves them over HTTP. A disabled collector is
// a no-op on every method, so callers never need nil checks around an
// instance they hold.
type Collector struct {
	config   Config
	registry *prometheus.Registry

	operationCounter *prometheus.CounterVec
	bytesRead        prometheus.Counter
	bytesWritten     prometheus.Counter
	syncDeltas       *prometheus.CounterVec

	server *http.Server
}

// NewCollector creates a collector. A disabled config returns a
// collector whose methods do nothing.
func NewCollector(config Config) *Collector {
	if config.Path == "" {
		config.Path = "/metrics"
	}
	c := &Collector{config: config}
	if !config.Enabled {
		return c
	}

	c.registry = prometheus.NewRegistry()
	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drivefs",
		Name:      "operations_total",
		Help:      "Filesystem operations by name and outcome.",
	}, []string{"operation", "status"})
	c.bytesRead = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drivefs",
		Name:      "read_bytes_total",
		Help:      "Bytes served to read calls.",
	})
	c.bytesWritten = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "drivefs",
		Name:      "written_bytes_total",
		Help:      "Bytes accepted from write calls.",
	})
	c.syncDeltas = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drivefs",
		Name:      "sync_deltas_total",
		Help:      "Cache records changed by sync, by delta kind.",
	}, []string{"kind"})

	c.registry.MustRegister(c.operationCounter, c.bytesRead, c.bytesWritten, c.syncDeltas)
	return c
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start() error {
	if !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()
	return nil
}

// Stop shuts the metrics server down.
func (c *Collector) Stop(ctx context.Context) error {
	if c.server != nil {
		return c.server.Shutdown(ctx)
	}
	return nil
}

// RecordOperation counts one filesystem operation outcome.
func (c *Collector) RecordOperation(operation string, errno syscall.Errno) {
	if !c.config.Enabled {
		return
	}
	status := "success"
	if errno != 0 {
		status = errno.Error()
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
}

// RecordBytesRead counts bytes served to read calls.
func (c *Collector) RecordBytesRead(n int) {
	if !c.config.Enabled {
		return
	}
	c.bytesRead.Add(float64(n))
}

// RecordBytesWritten counts bytes accepted from write calls.
func (c *Collector) RecordBytesWritten(n int) {
	if !c.config.Enabled {
		return
	}
	c.bytesWritten.Add(float64(n))
}

// RecordSyncDeltas counts the record changes one reconcile pass
// applied.
func (c *Collector) RecordSyncDeltas(inserted, updated, deleted int) {
	if !c.config.Enabled {
		return
	}
	c.syncDeltas.WithLabelValues("inserted").Add(float64(inserted))
	c.syncDeltas.WithLabelValues("updated").Add(float64(updated))
	c.syncDeltas.WithLabelValues("deleted").Add(float64(deleted))
}
