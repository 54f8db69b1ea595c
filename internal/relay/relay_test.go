package relay

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"obd2relay/internal/metrics"
)

type recordingDelegate struct {
	mu     sync.Mutex
	values []float64
}

func (d *recordingDelegate) SetSpareTankLevel(v float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values = append(d.values, v)
}

func (d *recordingDelegate) snapshot() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.values...)
}

type staticURL string

func (s staticURL) RelayURL(context.Context) (string, error) {
	return string(s), nil
}

// upstream is a redirecting public host in front of an authenticating
// local host.
type upstream struct {
	public, local *httptest.Server

	publicHits    atomic.Int32
	localHits     atomic.Int32
	publicAuthHit atomic.Bool

	mu   sync.Mutex
	body string

	// gate, when set, blocks the local host until closed.
	gate chan struct{}
}

func newUpstream(t *testing.T, body string, gate chan struct{}) *upstream {
	t.Helper()
	u := &upstream{body: body, gate: gate}

	u.local = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.localHits.Add(1)
		if u.gate != nil {
			<-u.gate
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "admin" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		u.mu.Lock()
		defer u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, u.body)
	}))
	t.Cleanup(u.local.Close)

	u.public = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.publicHits.Add(1)
		if r.Header.Get("Authorization") != "" {
			u.publicAuthHit.Store(true)
		}
		http.Redirect(w, r, u.local.URL+r.URL.Path, http.StatusTemporaryRedirect)
	}))
	t.Cleanup(u.public.Close)

	return u
}

func (u *upstream) setBody(b string) {
	u.mu.Lock()
	u.body = b
	u.mu.Unlock()
}

func newTestRelay(t *testing.T, url string, timeout time.Duration) (*Relay, *recordingDelegate, *metrics.Metrics) {
	t.Helper()
	m := metrics.New(prometheus.NewRegistry())
	d := &recordingDelegate{}
	r := New(Config{
		URL:      url,
		Username: "admin",
		Password: "secret",
		Timeout:  timeout,
	}, d, nil, zerolog.Nop(), m)
	return r, d, m
}

func TestFetchFollowsRedirectWithCredentials(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, `{"LL":{"value":"31.0 Liter"}}`, nil)
	r, d, m := newTestRelay(t, u.public.URL+"/jdev/sps/io/SpareTank", time.Second)

	if !r.TryFetch(context.Background()) {
		t.Fatal("attempt skipped")
	}

	got := d.snapshot()
	if len(got) != 1 || got[0] != 31.0 {
		t.Fatalf("delegate values = %v, want [31]", got)
	}
	if u.publicHits.Load() != 1 || u.localHits.Load() != 1 {
		t.Fatalf("hits public=%d local=%d", u.publicHits.Load(), u.localHits.Load())
	}
	if u.publicAuthHit.Load() {
		t.Fatal("credentials sent to the redirecting host")
	}
	if v := testutil.ToFloat64(m.RelayAttempts.WithLabelValues(metrics.RelayOK)); v != 1 {
		t.Fatalf("ok attempts = %v", v)
	}
	if v := testutil.ToFloat64(m.RelayLastValue); v != 31 {
		t.Fatalf("last value gauge = %v", v)
	}
}

func TestMalformedPayloadKeepsLastValue(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, `{"LL":{"value":"31.0 Liter"}}`, nil)
	r, d, m := newTestRelay(t, u.public.URL, time.Second)

	r.TryFetch(context.Background())

	for _, body := range []string{
		`{"LL":{"value":"unknown"}}`,
		`not json`,
		`{"other":{}}`,
		`{"LL":{"value":"NaN Liter"}}`,
		`{"LL":{"value":"Inf Liter"}}`,
		`{"LL":{"value":"-Infinity Liter"}}`,
	} {
		u.setBody(body)
		if !r.TryFetch(context.Background()) {
			t.Fatalf("attempt with body %q skipped", body)
		}
	}

	if got := d.snapshot(); len(got) != 1 || got[0] != 31 {
		t.Fatalf("delegate values = %v, want [31]", got)
	}
	if v := testutil.ToFloat64(m.RelayAttempts.WithLabelValues(metrics.RelayBadBody)); v != 6 {
		t.Fatalf("bad payload attempts = %v, want 6", v)
	}
	if v := testutil.ToFloat64(m.RelayLastValue); v != 31 {
		t.Fatalf("last value gauge = %v, want 31", v)
	}
}

func TestRedirectWithoutCredentialsSendsNoAuth(t *testing.T) {
	t.Parallel()

	var authSeen atomic.Bool
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			authSeen.Store(true)
		}
		fmt.Fprint(w, `{"LL":{"value":"8.5 Liter"}}`)
	}))
	t.Cleanup(local.Close)
	public := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, local.URL, http.StatusFound)
	}))
	t.Cleanup(public.Close)

	d := &recordingDelegate{}
	r := New(Config{URL: public.URL, Timeout: time.Second}, d, nil, zerolog.Nop(), metrics.New(prometheus.NewRegistry()))
	if !r.TryFetch(context.Background()) {
		t.Fatal("attempt skipped")
	}
	if got := d.snapshot(); len(got) != 1 || got[0] != 8.5 {
		t.Fatalf("delegate values = %v, want [8.5]", got)
	}
	if authSeen.Load() {
		t.Fatal("authorization header sent without configured credentials")
	}
}

func TestConcurrentAttemptIsSkipped(t *testing.T) {
	t.Parallel()

	gate := make(chan struct{})
	u := newUpstream(t, `{"LL":{"value":"12.5 Liter"}}`, gate)
	r, d, m := newTestRelay(t, u.public.URL, 5*time.Second)

	first := make(chan bool)
	go func() { first <- r.TryFetch(context.Background()) }()

	deadline := time.Now().Add(3 * time.Second)
	for u.localHits.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first attempt never reached the local host")
		}
		time.Sleep(time.Millisecond)
	}

	if r.TryFetch(context.Background()) {
		t.Fatal("second attempt ran while the first was outstanding")
	}
	close(gate)

	if !<-first {
		t.Fatal("first attempt reported skipped")
	}
	if got := d.snapshot(); len(got) != 1 || got[0] != 12.5 {
		t.Fatalf("delegate values = %v", got)
	}
	if u.publicHits.Load() != 1 {
		t.Fatalf("public host hit %d times, want 1", u.publicHits.Load())
	}
	if v := testutil.ToFloat64(m.RelayAttempts.WithLabelValues(metrics.RelaySkipped)); v != 1 {
		t.Fatalf("skipped attempts = %v", v)
	}

	// The guard is released once the attempt finishes.
	if !r.TryFetch(context.Background()) {
		t.Fatal("attempt after completion skipped")
	}
}

func TestDirectOKIsAccepted(t *testing.T) {
	t.Parallel()

	var sawAuth atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			sawAuth.Store(true)
		}
		fmt.Fprint(w, `{"LL":{"value":"7 Liter"}}`)
	}))
	defer srv.Close()

	r, d, _ := newTestRelay(t, srv.URL, time.Second)
	r.TryFetch(context.Background())

	if got := d.snapshot(); len(got) != 1 || got[0] != 7 {
		t.Fatalf("delegate values = %v", got)
	}
	if sawAuth.Load() {
		t.Fatal("credentials sent without a redirect")
	}
}

func TestFetchErrors(t *testing.T) {
	t.Parallel()

	noLocation := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusFound)
	}))
	defer noLocation.Close()

	unauthorized := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer unauthorized.Close()

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	tests := []struct {
		name    string
		url     string
		wantErr error
	}{
		{name: "redirect without location", url: noLocation.URL, wantErr: ErrNoRedirect},
		{name: "unauthorized", url: unauthorized.URL, wantErr: ErrUnexpectedStatus},
		{name: "timeout", url: slow.URL, wantErr: context.DeadlineExceeded},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, d, m := newTestRelay(t, tc.url, 50*time.Millisecond)
			_, err := r.fetch(context.Background(), tc.url)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("err = %v, want %v", err, tc.wantErr)
			}

			r.TryFetch(context.Background())
			if len(d.snapshot()) != 0 {
				t.Fatal("delegate called on failure")
			}
			if v := testutil.ToFloat64(m.RelayAttempts.WithLabelValues(metrics.RelayHTTPError)); v != 1 {
				t.Fatalf("http error attempts = %v", v)
			}
		})
	}
}

func TestURLSourceOverridesConfig(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, `{"LL":{"value":"5.5 Liter"}}`, nil)
	m := metrics.New(prometheus.NewRegistry())
	d := &recordingDelegate{}
	r := New(Config{URL: "http://127.0.0.1:1/unused", Username: "admin", Password: "secret", Timeout: time.Second},
		d, staticURL(u.public.URL), zerolog.Nop(), m)

	r.TryFetch(context.Background())
	if got := d.snapshot(); len(got) != 1 || got[0] != 5.5 {
		t.Fatalf("delegate values = %v", got)
	}
}

func TestDisabledWithoutURL(t *testing.T) {
	t.Parallel()

	r, d, _ := newTestRelay(t, "", time.Second)
	if r.TryFetch(context.Background()) {
		t.Fatal("attempt ran without a URL")
	}
	if len(d.snapshot()) != 0 {
		t.Fatal("delegate called")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	u := newUpstream(t, `{"LL":{"value":"1 Liter"}}`, nil)
	m := metrics.New(prometheus.NewRegistry())
	d := &recordingDelegate{}
	r := New(Config{URL: u.public.URL, Username: "admin", Password: "secret",
		Interval: 10 * time.Millisecond, Timeout: time.Second}, d, nil, zerolog.Nop(), m)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx)
	}()

	deadline := time.Now().Add(3 * time.Second)
	for len(d.snapshot()) < 2 {
		if time.Now().After(deadline) {
			t.Fatal("relay did not fetch repeatedly")
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
