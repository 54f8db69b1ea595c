// Package store keeps the in-memory time series of telemetry samples.
//
// Samples are exposed newest first. Internally they are held oldest first in
// an append-only slice that is published through an atomic pointer after
// every write, so readers never take a lock and never see a partially
// written sample. There is a single writer (the poller); writes are still
// serialized by a mutex so a misbehaving second writer cannot corrupt the
// series.
package store

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"obd2relay/internal/metrics"
	"obd2relay/internal/models"
)

// Store is an unbounded, append-only series of samples.
type Store struct {
	mu      sync.Mutex
	samples atomic.Pointer[[]models.TelemetrySample]

	logger  zerolog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New returns an empty store.
func New(logger zerolog.Logger, m *metrics.Metrics) *Store {
	s := &Store{
		logger:  logger.With().Str("component", "store").Logger(),
		metrics: m,
		now:     time.Now,
	}
	s.samples.Store(&[]models.TelemetrySample{})
	return s
}

// Append adds sample as the newest element. A sample captured strictly
// before the current newest one is dropped and Append returns false.
func (s *Store) Append(sample models.TelemetrySample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := *s.samples.Load()
	if n := len(cur); n > 0 && sample.CaptureTime.Before(cur[n-1].CaptureTime) {
		s.logger.Warn().
			Time("capture_time", sample.CaptureTime).
			Time("newest", cur[n-1].CaptureTime).
			Msg("dropping out-of-order sample")
		s.metrics.SamplesRejected.Inc()
		return false
	}

	// Readers hold headers no longer than cur, so writing past len(cur) in a
	// shared backing array is never observed by them.
	next := append(cur, sample)
	s.samples.Store(&next)
	s.metrics.StoreSize.Set(float64(len(next)))
	return true
}

// QueryWindow returns, newest first, every sample captured within d of now.
// The scan stops at the first older sample. The result is never nil.
func (s *Store) QueryWindow(d time.Duration) []models.TelemetrySample {
	cutoff := s.now().Add(-d)
	snap := *s.samples.Load()

	out := make([]models.TelemetrySample, 0)
	for i := len(snap) - 1; i >= 0; i-- {
		if snap[i].CaptureTime.Before(cutoff) {
			break
		}
		out = append(out, snap[i])
	}
	return out
}

// Latest returns the newest sample, if any.
func (s *Store) Latest() (models.TelemetrySample, bool) {
	snap := *s.samples.Load()
	if len(snap) == 0 {
		return models.TelemetrySample{}, false
	}
	return snap[len(snap)-1], true
}

// Len reports the number of stored samples.
func (s *Store) Len() int {
	return len(*s.samples.Load())
}

// Clear drops every sample.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples.Store(&[]models.TelemetrySample{})
	s.metrics.StoreSize.Set(0)
	s.logger.Info().Msg("store cleared")
}
