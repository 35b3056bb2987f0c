package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Session metrics
	SessionsClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetime_sessions_closed_total",
			Help: "Total tracked sessions closed",
		},
		[]string{"reason"},
	)

	ActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "voicetime_active_sessions",
			Help: "Number of open sessions in tracked channels",
		},
	)

	EventsDispatched = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicetime_presence_events_total",
			Help: "Total presence transitions submitted for processing",
		},
	)

	// Accumulation metrics
	SecondsAccumulated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicetime_seconds_accumulated_total",
			Help: "Total seconds written to the weekly tier",
		},
	)

	AccumulationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetime_accumulation_failures_total",
			Help: "Accumulations that could not be persisted",
		},
		[]string{"stage"},
	)

	StoreOperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "voicetime_store_operation_duration_seconds",
			Help:    "Time store operation duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 5},
		},
		[]string{"operation"},
	)

	// Rollup metrics
	RollupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetime_rollups_total",
			Help: "Maintenance passes by outcome",
		},
		[]string{"outcome"},
	)

	RollupRowsMerged = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetime_rollup_rows_merged_total",
			Help: "Weekly rows merged into a longer horizon",
		},
		[]string{"tier"},
	)

	// Report metrics
	ReportsGenerated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "voicetime_reports_generated_total",
			Help: "Total reports generated",
		},
		[]string{"horizon"},
	)

	// Member cache metrics
	MemberCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicetime_member_cache_hits_total",
			Help: "Member cache hits",
		},
	)

	MemberCacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "voicetime_member_cache_misses_total",
			Help: "Member cache misses",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		SessionsClosed,
		ActiveSessions,
		EventsDispatched,
		SecondsAccumulated,
		AccumulationFailures,
		StoreOperationDuration,
		RollupsTotal,
		RollupRowsMerged,
		ReportsGenerated,
		MemberCacheHits,
		MemberCacheMisses,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: Handler(),
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
