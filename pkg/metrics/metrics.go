// Package metrics holds the server's prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ReportsAccepted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportd_reports_accepted_total",
		Help: "Reports that passed the verification gate, by kind.",
	}, []string{"kind"})

	ReportsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportd_reports_rejected_total",
		Help: "Reports rejected by the verification gate, by kind and reason.",
	}, []string{"kind", "reason"})

	SinkAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportd_sink_appended_total",
		Help: "Records appended to an open segment, by stream.",
	}, []string{"stream"})

	SinkDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportd_sink_dropped_total",
		Help: "Records dropped on serialization or append failure, by stream.",
	}, []string{"stream"})

	SegmentsSealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportd_segments_sealed_total",
		Help: "Segments sealed and handed to the shipper, by stream.",
	}, []string{"stream"})

	UploadAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportd_upload_attempts_total",
		Help: "Upload attempts against the remote store, by stream.",
	}, []string{"stream"})

	UploadsConfirmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportd_uploads_confirmed_total",
		Help: "Segments acknowledged by the remote store and deleted locally.",
	}, []string{"stream"})

	UploadsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reportd_uploads_failed_total",
		Help: "Upload rounds that exhausted their retry budget.",
	}, []string{"stream"})

	PendingSegments = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reportd_pending_segments",
		Help: "Sealed segments waiting for upload, by stream.",
	}, []string{"stream"})

	PendingBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "reportd_pending_bytes",
		Help: "Bytes of sealed segments waiting for upload, by stream.",
	}, []string{"stream"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reportd_http_request_duration_seconds",
		Help:    "HTTP request latency by route and status.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "status"})
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Middleware records request durations per route. Register it on the
// router with Use so the matched route is in the request context; the
// label is the route template, never the raw path, keeping the series
// count bounded.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		requestDuration.WithLabelValues(routeLabel(r), strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
