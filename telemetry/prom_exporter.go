/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package telemetry

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// DefaultScrapeInterval is how often ListenAndServe refreshes the registry
// from the in-process Stats snapshot.
const DefaultScrapeInterval = time.Second

// PrometheusExporter republishes Stats counters as a Prometheus registry
// served over HTTP, scraped directly from process memory rather than a
// second process's socket.
type PrometheusExporter struct {
	registry   *prometheus.Registry
	stats      *Stats
	listenPort int
	interval   time.Duration
	log        logrus.FieldLogger

	gauges map[string]prometheus.Gauge
}

// NewPrometheusExporter creates an exporter that will serve stats counters
// on listenPort under /metrics.
func NewPrometheusExporter(stats *Stats, listenPort int, log logrus.FieldLogger) *PrometheusExporter {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PrometheusExporter{
		registry:   prometheus.NewRegistry(),
		stats:      stats,
		listenPort: listenPort,
		interval:   DefaultScrapeInterval,
		log:        log,
		gauges:     map[string]prometheus.Gauge{},
	}
}

// Scrape copies the current Stats snapshot into the Prometheus registry,
// registering any counter seen for the first time.
func (e *PrometheusExporter) Scrape() {
	for key, val := range e.stats.Get() {
		g, ok := e.gauges[key]
		if !ok {
			g = prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "gpsgm_" + key,
				Help: key,
			})
			if err := e.registry.Register(g); err != nil {
				e.log.WithError(err).WithField("counter", key).Error("failed to register prometheus gauge")
				continue
			}
			e.gauges[key] = g
		}
		g.Set(float64(val))
	}
}

// Handler returns the promhttp handler for the exporter's registry, for
// callers that already own an http.ServeMux.
func (e *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ListenAndServe blocks, serving /metrics on listenPort and refreshing the
// registry from Stats every interval in the background.
func (e *PrometheusExporter) ListenAndServe() error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()
	go func() {
		for range ticker.C {
			e.Scrape()
		}
	}()

	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	mux.Handle("/status.json", e.stats)
	return http.ListenAndServe(fmt.Sprintf(":%d", e.listenPort), mux)
}
