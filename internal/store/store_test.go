package store

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"obd2relay/internal/metrics"
	"obd2relay/internal/models"
)

var epoch = time.Date(2024, 4, 5, 10, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T, now time.Time) (*Store, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	s := New(zerolog.Nop(), m)
	s.now = func() time.Time { return now }
	return s, m
}

func sampleAt(sec int) models.TelemetrySample {
	return models.NewTelemetrySample(models.SampleInput{
		CaptureTime: epoch.Add(time.Duration(sec) * time.Second),
		EngineRPM:   models.Int(800 + sec),
	})
}

func TestAppendRejectsOlderSample(t *testing.T) {
	t.Parallel()

	s, m := newTestStore(t, epoch.Add(time.Minute))

	if !s.Append(sampleAt(10)) {
		t.Fatal("first append rejected")
	}
	if s.Append(sampleAt(5)) {
		t.Fatal("older sample accepted")
	}
	if got := s.Len(); got != 1 {
		t.Fatalf("len = %d, want 1", got)
	}
	latest, ok := s.Latest()
	if !ok || !latest.CaptureTime.Equal(epoch.Add(10*time.Second)) {
		t.Fatalf("latest = %v, want t=10", latest.CaptureTime)
	}
	if got := testutil.ToFloat64(m.SamplesRejected); got != 1 {
		t.Fatalf("rejected counter = %v, want 1", got)
	}
}

func TestAppendAcceptsEqualTimestamp(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, epoch.Add(time.Minute))
	s.Append(sampleAt(10))
	if !s.Append(sampleAt(10)) {
		t.Fatal("sample with equal capture time rejected")
	}
	if s.Len() != 2 {
		t.Fatalf("len = %d, want 2", s.Len())
	}
}

func TestQueryWindowIsNewestFirst(t *testing.T) {
	t.Parallel()

	s, m := newTestStore(t, epoch.Add(100*time.Second))
	for _, sec := range []int{1, 2, 2, 5, 9, 40} {
		s.Append(sampleAt(sec))
	}

	got := s.QueryWindow(time.Hour)
	if len(got) != 6 {
		t.Fatalf("got %d samples, want 6", len(got))
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].CaptureTime.Before(got[i].CaptureTime) {
			t.Fatalf("sample %d newer than sample %d", i, i-1)
		}
	}
	if got := testutil.ToFloat64(m.StoreSize); got != 6 {
		t.Fatalf("store size gauge = %v, want 6", got)
	}
}

func TestQueryWindowPrefix(t *testing.T) {
	t.Parallel()

	now := epoch.Add(10 * time.Minute)
	s, _ := newTestStore(t, now)

	// 7m, 6m, 4m, 2m, 30s ago.
	for _, ago := range []time.Duration{7 * time.Minute, 6 * time.Minute, 4 * time.Minute, 2 * time.Minute, 30 * time.Second} {
		s.Append(models.NewTelemetrySample(models.SampleInput{CaptureTime: now.Add(-ago)}))
	}

	got := s.QueryWindow(5 * time.Minute)
	if len(got) != 3 {
		t.Fatalf("got %d samples, want 3", len(got))
	}
	want := []time.Time{now.Add(-30 * time.Second), now.Add(-2 * time.Minute), now.Add(-4 * time.Minute)}
	for i := range want {
		if !got[i].CaptureTime.Equal(want[i]) {
			t.Fatalf("sample %d at %v, want %v", i, got[i].CaptureTime, want[i])
		}
	}

	// The window includes a sample captured exactly at the cutoff.
	if n := len(s.QueryWindow(4 * time.Minute)); n != 3 {
		t.Fatalf("boundary window: got %d samples, want 3", n)
	}
}

func TestQueryWindowEmptyStore(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, epoch)
	got := s.QueryWindow(5 * time.Minute)
	if got == nil {
		t.Fatal("expected empty non-nil slice")
	}
	if len(got) != 0 {
		t.Fatalf("got %d samples, want 0", len(got))
	}
	if _, ok := s.Latest(); ok {
		t.Fatal("Latest on empty store reported a sample")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	s, m := newTestStore(t, epoch.Add(time.Minute))
	s.Append(sampleAt(1))
	s.Append(sampleAt(2))

	held := s.QueryWindow(time.Hour)
	s.Clear()

	if s.Len() != 0 {
		t.Fatalf("len after clear = %d", s.Len())
	}
	if len(held) != 2 {
		t.Fatalf("previously returned window changed: %d samples", len(held))
	}
	if got := testutil.ToFloat64(m.StoreSize); got != 0 {
		t.Fatalf("store size gauge = %v, want 0", got)
	}

	// An older sample is accepted again once the series is empty.
	if !s.Append(sampleAt(0)) {
		t.Fatal("append after clear rejected")
	}
}

func TestConcurrentReadersDuringAppend(t *testing.T) {
	t.Parallel()

	s, _ := newTestStore(t, epoch.Add(time.Hour))

	const writes = 2000
	done := make(chan struct{})
	var wg sync.WaitGroup

	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				window := s.QueryWindow(2 * time.Hour)
				for i := 1; i < len(window); i++ {
					if window[i-1].CaptureTime.Before(window[i].CaptureTime) {
						t.Error("window out of order")
						return
					}
				}
				for _, smp := range window {
					// Every sample was built with rpm = 800 + offset seconds.
					want := 800 + int(smp.CaptureTime.Sub(epoch)/time.Millisecond)
					if smp.EngineRPM == nil || *smp.EngineRPM != want {
						t.Error("torn sample observed")
						return
					}
				}
			}
		}()
	}

	for i := 0; i < writes; i++ {
		s.Append(models.NewTelemetrySample(models.SampleInput{
			CaptureTime: epoch.Add(time.Duration(i) * time.Millisecond),
			EngineRPM:   models.Int(800 + i),
		}))
	}
	close(done)
	wg.Wait()

	if s.Len() != writes {
		t.Fatalf("len = %d, want %d", s.Len(), writes)
	}
}
