// Package metrics exposes operational counters for the ingest worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// IngestCycles counts poll cycles by result: ok, error, disabled.
	IngestCycles = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketdesk_ingest_cycles_total",
		Help: "Email ingest poll cycles by result.",
	}, []string{"result"})

	// IngestMessages counts processed messages by outcome: created, appended,
	// skipped_not_allowlisted, duplicate.
	IngestMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ticketdesk_ingest_messages_total",
		Help: "Inbound email messages by processing outcome.",
	}, []string{"action"})
)

// Handler serves the default registry for the optional /metrics listener.
func Handler() http.Handler {
	return promhttp.Handler()
}
