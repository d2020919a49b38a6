// Package metrics exposes the harvester's Prometheus metrics.
// All metrics are defined in their respective packages (client, search,
// pagination, enrich, scheduler, store, cache, ratelimit) via promauto and
// land in the default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry is the default Prometheus registry used by the harvester.
var Registry = prometheus.DefaultRegisterer

// Gatherer is the gatherer served by Handler.
var Gatherer = prometheus.DefaultGatherer

// Handler serves all registered metrics in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Metrics Documentation
//
// Transport Metrics (pkg/client):
//   - harvest_http_requests_total{endpoint, status} (Counter): Requests by endpoint and HTTP status
//   - harvest_http_request_duration_seconds{endpoint} (Histogram): Request duration
//   - harvest_transport_retries_total{error_class} (Counter): Transport retry attempts
//   - harvest_transport_retry_backoff_seconds{error_class} (Histogram): Linear retry waits
//   - harvest_transport_retry_exhausted_total{error_class} (Counter): Requests that ran out of retries
//
// Rate Limit Metrics (pkg/ratelimit):
//   - harvest_rate_limit_hits_total{scope} (Counter): 429 responses by scope (search, enrich)
//   - harvest_rate_limit_wait_seconds{scope} (Histogram): Backoff waits
//
// Harvest Metrics (pkg/search, pkg/pagination):
//   - harvest_pages_total{outcome} (Counter): Page outcomes (data, end_of_results, rate_limited, error)
//   - harvest_records_total (Counter): Records accumulated by completed harvests
//   - harvest_harvests_total{result} (Counter): Harvests by result (completed, failed)
//   - harvest_duration_seconds (Histogram): Harvest wall time
//   - harvest_in_flight_fetches (Gauge): Page fetches in flight
//
// Run Metrics (pkg/scheduler, pkg/store/postgres):
//   - harvest_partitions_total{status} (Counter): Partitions by status (completed, skipped, failed)
//   - harvest_store_operations_total{operation, result} (Counter): Table store operations
//   - harvest_store_rows_written_total (Counter): Rows written by table replacements
//
// Enrichment Metrics (pkg/enrich, pkg/cache):
//   - harvest_enrich_lookups_total{outcome} (Counter): Lookups by outcome (found, not_found, cached, failed)
//   - harvest_enrich_duration_seconds (Histogram): Table enrichment wall time
//   - harvest_cache_hits_total{namespace} (Counter): Lookup cache hits
//   - harvest_cache_misses_total{namespace} (Counter): Lookup cache misses
//   - harvest_cache_errors_total{operation} (Counter): Cache operation errors
//
// Example Prometheus Queries:
//
//   # Rate limit pressure
//   sum by (scope) (rate(harvest_rate_limit_hits_total[5m]))
//
//   # Failed partitions in the last day
//   increase(harvest_partitions_total{status="failed"}[1d])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(harvest_http_request_duration_seconds_bucket[5m]))
//
//   # Lookup cache hit rate
//   sum(rate(harvest_cache_hits_total[5m])) /
//   (sum(rate(harvest_cache_hits_total[5m])) + sum(rate(harvest_cache_misses_total[5m])))
