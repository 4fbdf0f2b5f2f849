/*
Copyright 2026 The Knative Authors

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

package metrics

import (
	"fmt"

	"contrib.go.opencensus.io/exporter/prometheus"
	"go.opencensus.io/stats/view"
)

// PrometheusNamespace prefixes every exported metric name.
const PrometheusNamespace = "socketio_relay"

// NewPrometheusExporter registers a Prometheus exporter for the relay views.
// The exporter is an http.Handler serving the scrape endpoint; pass it to
// UnregisterExporter when it is no longer served.
func NewPrometheusExporter() (*prometheus.Exporter, error) {
	e, err := prometheus.NewExporter(prometheus.Options{Namespace: PrometheusNamespace})
	if err != nil {
		return nil, fmt.Errorf("unable to create Prometheus exporter: %w", err)
	}
	view.RegisterExporter(e)
	return e, nil
}

// UnregisterExporter stops feeding e.
func UnregisterExporter(e *prometheus.Exporter) {
	view.UnregisterExporter(e)
}
