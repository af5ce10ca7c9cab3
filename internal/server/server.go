// Package server exposes the live call graph and the profiler controls over
// HTTP for the browser front end.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/VladMinzatu/yaca/internal/callgraph"
	"github.com/VladMinzatu/yaca/internal/exporter"
	"github.com/VladMinzatu/yaca/internal/pprof"
	"github.com/VladMinzatu/yaca/internal/profiler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/proto"
)

const maxBodyBytes = 1 << 20

// Controller is the part of the profiler the HTTP API drives.
type Controller interface {
	Status() profiler.Status
	SetProcessID(value string) error
	SetAllow(pattern string) error
	SetDeny(pattern string) error
	Reset()
}

type Options struct {
	Graph         *callgraph.Graph
	Control       Controller
	Samples       *exporter.SampleSet
	Gatherer      prometheus.Gatherer
	Interval      time.Duration
	AllowedOrigin string
	Shutdown      func()
	Logger        *logrus.Logger
}

type Server struct {
	graph    *callgraph.Graph
	control  Controller
	samples  *exporter.SampleSet
	gatherer prometheus.Gatherer
	interval time.Duration
	origin   string
	shutdown func()
	logger   *logrus.Logger
	started  time.Time

	mu      sync.Mutex
	options json.RawMessage
}

func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetLevel(logrus.WarnLevel)
	}
	if opts.Samples == nil {
		opts.Samples = exporter.NewSampleSet(0)
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.NewRegistry()
	}
	if opts.AllowedOrigin == "" {
		opts.AllowedOrigin = "*"
	}
	return &Server{
		graph:    opts.Graph,
		control:  opts.Control,
		samples:  opts.Samples,
		gatherer: opts.Gatherer,
		interval: opts.Interval,
		origin:   opts.AllowedOrigin,
		shutdown: opts.Shutdown,
		logger:   opts.Logger,
		started:  time.Now(),
		options:  json.RawMessage("{}"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.HealthHandler)
	mux.HandleFunc("/process/", s.SnapshotHandler)
	mux.HandleFunc("/process/ids", s.StatusHandler)
	mux.HandleFunc("/process/id", s.ProcessIDHandler)
	mux.HandleFunc("/filterWhite", s.filterHandler(s.control.SetAllow))
	mux.HandleFunc("/filterBlack", s.filterHandler(s.control.SetDeny))
	mux.HandleFunc("/tasks", s.TasksHandler)
	mux.HandleFunc("/analyzer", s.AnalyzerHandler)
	mux.HandleFunc("/analyzer/options", s.OptionsHandler)
	mux.HandleFunc("/export/folded", s.FoldedHandler)
	mux.HandleFunc("/export/pprof", s.PprofHandler)
	mux.HandleFunc("/export/otlp", s.OtlpHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return Cors(s.origin, mux)
}

type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Service   string `json:"service"`
	Uptime    string `json:"uptime,omitempty"`
}

func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Service:   "yaca",
		Uptime:    time.Since(s.started).String(),
	}, false)
}

// SnapshotHandler renders the graph and rearms its counters, so every call
// reports the activity since the previous one.
func (s *Server) SnapshotHandler(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/process/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := s.control.Status()
	snap, stats := s.graph.RenderStats()
	s.logger.WithFields(logrus.Fields{
		"pid":       status.Active,
		"clusters":  stats.Clusters,
		"nodes":     stats.Nodes,
		"links":     stats.Links,
		"maxCount":  stats.MaxCount,
		"connected": status.Connected,
	}).Info("Snapshot")
	s.writeJSON(w, snap, r.URL.Query().Get("pretty") == "true")
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, s.control.Status(), r.URL.Query().Get("pretty") == "true")
}

func (s *Server) ProcessIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, ok := s.readBody(w, r)
	if !ok {
		return
	}
	if err := s.control.SetProcessID(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.writeJSON(w, s.control.Status(), false)
}

func (s *Server) filterHandler(set func(string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var pattern string
		switch r.Method {
		case http.MethodPut:
			body, ok := s.readBody(w, r)
			if !ok {
				return
			}
			pattern = body
		case http.MethodDelete:
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if err := set(pattern); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.writeJSON(w, s.control.Status(), false)
	}
}

func (s *Server) TasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.control.Reset()
	s.samples.Drain()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) AnalyzerHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.shutdown == nil {
		http.Error(w, "shutdown not supported", http.StatusNotImplemented)
		return
	}
	s.logger.Info("Shutdown requested")
	w.WriteHeader(http.StatusAccepted)
	go s.shutdown()
}

// OptionsHandler stores the front end's settings as an opaque JSON document.
func (s *Server) OptionsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		opts := s.options
		s.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(opts)
	case http.MethodPut:
		body, ok := s.readBody(w, r)
		if !ok {
			return
		}
		if !json.Valid([]byte(body)) {
			http.Error(w, "options must be a JSON document", http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.options = json.RawMessage(body)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) FoldedHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if err := exporter.WriteFoldedStacks(w, exporter.BuildFoldedStacks(s.samples.Samples())); err != nil {
		s.logger.WithError(err).Warn("Failed to write folded stacks")
	}
}

func (s *Server) PprofHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	p, err := pprof.BuildPprofProfile(s.samples.Samples(), "samples", "count", s.interval.Nanoseconds())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="yaca.pb.gz"`)
	if err := pprof.WriteProfileGzip(p, w); err != nil {
		s.logger.WithError(err).Warn("Failed to write pprof profile")
	}
}

func (s *Server) OtlpHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	data := exporter.BuildOtlpProfile(s.samples.Samples(), func() uint64 { return uint64(time.Now().UnixNano()) })
	b, err := proto.Marshal(data)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	_, _ = w.Write(b)
}

func (s *Server) readBody(w http.ResponseWriter, r *http.Request) (string, bool) {
	b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		} else {
			http.Error(w, "failed to read request body", http.StatusBadRequest)
		}
		return "", false
	}
	return strings.TrimSpace(string(b)), true
}

func (s *Server) writeJSON(w http.ResponseWriter, v any, pretty bool) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	if pretty {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(v); err != nil {
		s.logger.WithError(err).Warn("Failed to encode response")
	}
}
