package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"obd2relay/internal/metrics"
	"obd2relay/internal/models"
	"obd2relay/internal/state"
)

// DefaultReadingsWindow is how far back /readings reaches.
const DefaultReadingsWindow = 5 * time.Minute

// SampleReader is the read side of the time series.
type SampleReader interface {
	QueryWindow(d time.Duration) []models.TelemetrySample
	Len() int
	Clear()
}

// AggregateState is the shared device state and new-reading flag.
type AggregateState interface {
	Device() state.Device
	SpareTankLevel() (float64, bool)
	HasNewReading() bool
	ConsumeNewReading() bool
}

// LevelsService records and reads the tank levels log.
type LevelsService interface {
	Record(ctx context.Context, l models.TankLevels) (models.TankLevels, error)
	LatestNormalized(ctx context.Context) (models.NormalizedLevels, error)
	History(ctx context.Context, limit int) ([]models.TankLevels, error)
}

// PreferenceStore is the durable key/value store.
type PreferenceStore interface {
	GetPreference(ctx context.Context, key string) (string, error)
	SetPreference(ctx context.Context, key, value string) error
	ListPreferences(ctx context.Context) (map[string]string, error)
	GetStats(ctx context.Context) (map[string]interface{}, error)
	Ping(ctx context.Context) error
}

// Deps are the collaborators of the server. Stream and Gatherer may be nil.
type Deps struct {
	Samples  SampleReader
	State    AggregateState
	Levels   LevelsService
	Prefs    PreferenceStore
	Stream   http.Handler
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger
	Window   time.Duration
}

// Server represents the API server
type Server struct {
	samples SampleReader
	state   AggregateState
	levels  LevelsService
	prefs   PreferenceStore
	stream  http.Handler

	gatherer prometheus.Gatherer
	metrics  *metrics.Metrics
	logger   zerolog.Logger
	window   time.Duration
	started  time.Time

	router *mux.Router
}

// NewServer creates a new API server
func NewServer(d Deps) *Server {
	if d.Window <= 0 {
		d.Window = DefaultReadingsWindow
	}
	s := &Server{
		samples:  d.Samples,
		state:    d.State,
		levels:   d.Levels,
		prefs:    d.Prefs,
		stream:   d.Stream,
		gatherer: d.Gatherer,
		metrics:  d.Metrics,
		logger:   d.Logger.With().Str("component", "api").Logger(),
		window:   d.Window,
		started:  time.Now(),
		router:   mux.NewRouter(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Polling client endpoints
	s.router.HandleFunc("/readings", s.handleReadings).Methods("GET")
	s.router.HandleFunc("/readings", s.handleClearReadings).Methods("DELETE")
	s.router.HandleFunc("/levels", s.handleGetLevels).Methods("GET")
	s.router.HandleFunc("/levels", s.handleRecordLevels).Methods("POST")
	s.router.HandleFunc("/levels/history", s.handleLevelsHistory).Methods("GET")
	s.router.HandleFunc("/has_new_reading", s.handleHasNewReading).Methods("GET")
	s.router.HandleFunc("/consume_new_reading", s.handleConsumeNewReading).Methods("GET")

	// Preferences
	s.router.HandleFunc("/preferences", s.handleListPreferences).Methods("GET")
	s.router.HandleFunc("/preferences/{key}", s.handleGetPreference).Methods("GET")
	s.router.HandleFunc("/preferences/{key}", s.handleSetPreference).Methods("PUT")

	// Operations
	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.HandleFunc("/stats", s.handleStats).Methods("GET")
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
	if s.stream != nil {
		s.router.Handle("/ws", s.stream).Methods("GET")
	}

	// Add middleware
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.metricsMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}
