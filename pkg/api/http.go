// Package api exposes the HTTP submission surface: one POST route per
// report kind, each running the same verify -> identify -> enqueue
// pipeline over the report interface.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"

	"reportd/pkg/logger"
	"reportd/pkg/metrics"
	"reportd/pkg/report"
	"reportd/pkg/sink"
	"reportd/pkg/verify"
)

// Server wires the verification gate to the per-stream sinks.
type Server struct {
	gate  *verify.Gate
	sinks map[report.Kind]*sink.Sink

	mu     sync.Mutex
	lastMs map[report.Kind]int64
}

// New builds the submission server. Kinds without a sink entry are not
// routed.
func New(gate *verify.Gate, sinks map[report.Kind]*sink.Sink) *Server {
	return &Server{gate: gate, sinks: sinks, lastMs: make(map[report.Kind]int64)}
}

// Routes registers the submit endpoints on r.
func (s *Server) Routes(r *mux.Router) {
	register := func(kind report.Kind, fresh func() report.Report) {
		if _, ok := s.sinks[kind]; !ok {
			return
		}
		r.HandleFunc("/v1/report/"+string(kind), s.submit(fresh)).Methods(http.MethodPost)
	}
	register(report.KindBeacon, func() report.Report { return &report.Beacon{} })
	register(report.KindWitness, func() report.Report { return &report.Witness{} })
	register(report.KindHeartbeat, func() report.Report { return &report.Heartbeat{} })
	register(report.KindSpeedtest, func() report.Report { return &report.Speedtest{} })
}

// receivedAt assigns the receive timestamp: wall clock in unix ms, forced
// monotonic per sink instance.
func (s *Server) receivedAt(kind report.Kind) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := time.Now().UnixMilli()
	if last := s.lastMs[kind]; ms <= last {
		ms = last + 1
	}
	s.lastMs[kind] = ms
	return time.UnixMilli(ms)
}

// submit is the shared handler. The response carries the event id as soon
// as verification succeeds; enqueueing applies backpressure but its
// failures are the server's problem, not the submitter's.
func (s *Server) submit(fresh func() report.Report) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rep := fresh()
		kind := rep.Kind()
		w.Header().Set("Content-Type", "application/json")

		if err := json.NewDecoder(r.Body).Decode(rep); err != nil {
			metrics.ReportsRejected.WithLabelValues(string(kind), "invalid_argument").Inc()
			writeError(w, http.StatusBadRequest, "invalid_argument")
			return
		}
		if _, err := s.gate.Verify(rep); err != nil {
			reason := verify.Reason(err)
			metrics.ReportsRejected.WithLabelValues(string(kind), reason).Inc()
			writeError(w, http.StatusBadRequest, reason)
			return
		}
		if err := rep.Validate(); err != nil {
			metrics.ReportsRejected.WithLabelValues(string(kind), "invalid_argument").Inc()
			writeError(w, http.StatusBadRequest, "invalid_argument")
			return
		}
		metrics.ReportsAccepted.WithLabelValues(string(kind)).Inc()

		received := s.receivedAt(kind)
		payload, err := rep.SignedBytes()
		if err != nil {
			// Verify already serialized these bytes once; treat a failure
			// here as a server bug, not client input.
			logger.Error("canonical_bytes_failed", "kind", kind, "error", err)
			writeError(w, http.StatusInternalServerError, "internal")
			return
		}
		id := report.EventID(payload, received, rep.PubKey())

		s.enqueue(r, report.Ingest{
			ReceivedTimestamp: received.UnixMilli(),
			Kind:              kind,
			Report:            rep,
		})

		_ = json.NewEncoder(w).Encode(map[string]string{"id": report.EventIDString(id)})
	}
}

// enqueue hands the accepted report to its sink. The submitter already
// has its id; a failure here is logged and counted, never surfaced.
func (s *Server) enqueue(r *http.Request, in report.Ingest) {
	rec, err := in.Encode()
	if err != nil {
		logger.Error("encode_ingest_failed", "kind", in.Kind, "error", err)
		metrics.SinkDropped.WithLabelValues(string(in.Kind)).Inc()
		return
	}
	if err := s.sinks[in.Kind].Write(r.Context(), rec); err != nil {
		if errors.Is(err, sink.ErrSinkClosed) {
			logger.Warn("sink_closed_during_submit", "kind", in.Kind)
		} else {
			logger.Error("sink_write_failed", "kind", in.Kind, "error", err)
		}
	}
}

func writeError(w http.ResponseWriter, status int, code string) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}
