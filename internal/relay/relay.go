// Package relay fetches the spare tank level from the home-automation
// controller.
//
// The controller's public address answers with a redirect to the unit on the
// local network; only that second host is sent credentials. Attempts are
// single-flight: one started while another is outstanding is skipped, not
// queued.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"obd2relay/internal/metrics"
	"obd2relay/internal/parser"
)

var (
	// ErrNoRedirect is returned when the first host answers with a redirect
	// that carries no usable Location.
	ErrNoRedirect = errors.New("redirect without location")
	// ErrUnexpectedStatus is returned for any other non-200 answer.
	ErrUnexpectedStatus = errors.New("unexpected status")
	// ErrBadPayload is returned when the body cannot be decoded.
	ErrBadPayload = errors.New("malformed payload")
)

const maxBodyBytes = 64 << 10

// Defaults
const (
	DefaultInterval    = 30 * time.Second
	DefaultTimeout     = 10 * time.Second
	DefaultValueSuffix = " Liter"
)

// Config describes the upstream endpoint.
type Config struct {
	URL         string
	Username    string
	Password    string
	Interval    time.Duration
	Timeout     time.Duration
	ValueSuffix string
}

// Delegate receives every successfully parsed value. Calls are serialized.
type Delegate interface {
	SetSpareTankLevel(liters float64)
}

// Publisher is told about every successfully parsed value after the
// delegate.
type Publisher interface {
	PublishRelayValue(liters float64)
}

// URLSource overrides Config.URL when it returns a non-empty URL.
type URLSource interface {
	RelayURL(ctx context.Context) (string, error)
}

// gaugeResponse is the controller's answer for a single input.
type gaugeResponse struct {
	LL struct {
		Value string `json:"value"`
	} `json:"LL"`
}

// Relay polls the upstream controller.
type Relay struct {
	cfg        Config
	client     *http.Client
	delegate   Delegate
	urls       URLSource
	publishers []Publisher
	logger     zerolog.Logger
	metrics    *metrics.Metrics

	fetching   atomic.Bool
	delegateMu sync.Mutex
}

// New builds a relay. urls may be nil.
func New(cfg Config, delegate Delegate, urls URLSource, logger zerolog.Logger, m *metrics.Metrics, publishers ...Publisher) *Relay {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ValueSuffix == "" {
		cfg.ValueSuffix = DefaultValueSuffix
	}

	t := &http.Transport{
		MaxIdleConns:        4,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 5 * time.Second,
	}

	// Each attempt is bounded by its own context deadline (see fetch).
	return &Relay{
		cfg: cfg,
		client: &http.Client{
			Transport: t,
			// Redirects are followed by hand so credentials reach only the
			// redirect target.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		delegate:   delegate,
		urls:       urls,
		publishers: publishers,
		logger:     logger.With().Str("component", "relay").Logger(),
		metrics:    m,
	}
}

// Run attempts a fetch immediately and then on every tick until ctx is done.
// A tick that fires while an attempt is still outstanding is skipped.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	defer wg.Wait()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	attempt := func() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.TryFetch(ctx)
		}()
	}

	attempt()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			attempt()
		}
	}
}

// TryFetch performs one attempt. It returns false when the attempt was
// skipped because another one is outstanding or no URL is configured.
func (r *Relay) TryFetch(ctx context.Context) bool {
	if !r.fetching.CompareAndSwap(false, true) {
		r.metrics.RelayAttempts.WithLabelValues(metrics.RelaySkipped).Inc()
		r.logger.Debug().Msg("relay fetch already in flight, skipping")
		return false
	}
	defer r.fetching.Store(false)

	url := r.url(ctx)
	if url == "" {
		return false
	}

	value, err := r.fetch(ctx, url)
	if err != nil {
		outcome := metrics.RelayHTTPError
		if errors.Is(err, ErrBadPayload) {
			outcome = metrics.RelayBadBody
		}
		r.metrics.RelayAttempts.WithLabelValues(outcome).Inc()
		r.logger.Warn().Err(err).Str("url", url).Msg("relay fetch failed, keeping last value")
		return true
	}

	r.delegateMu.Lock()
	r.delegate.SetSpareTankLevel(value)
	r.delegateMu.Unlock()

	for _, p := range r.publishers {
		p.PublishRelayValue(value)
	}

	r.metrics.RelayAttempts.WithLabelValues(metrics.RelayOK).Inc()
	r.metrics.RelayLastValue.Set(value)
	r.logger.Info().Float64("spare_tank_l", value).Msg("relay value received")
	return true
}

func (r *Relay) url(ctx context.Context) string {
	if r.urls != nil {
		u, err := r.urls.RelayURL(ctx)
		if err == nil && u != "" {
			return u
		}
	}
	return r.cfg.URL
}

// fetch requests url without credentials and, on a redirect, requests the
// target with basic auth.
func (r *Relay) fetch(ctx context.Context, url string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request %s: %w", url, err)
	}

	if isRedirect(resp.StatusCode) {
		loc, err := resp.Location()
		drain(resp)
		if err != nil {
			return 0, fmt.Errorf("%w: status %d", ErrNoRedirect, resp.StatusCode)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.String(), nil)
		if err != nil {
			return 0, fmt.Errorf("build redirected request: %w", err)
		}
		if r.cfg.Username != "" || r.cfg.Password != "" {
			req.SetBasicAuth(r.cfg.Username, r.cfg.Password)
		}

		resp, err = r.client.Do(req)
		if err != nil {
			return 0, fmt.Errorf("request %s: %w", loc.Redacted(), err)
		}
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: %d from %s", ErrUnexpectedStatus, resp.StatusCode, resp.Request.URL.Redacted())
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, fmt.Errorf("read body: %w", err)
	}
	return r.decode(body)
}

func (r *Relay) decode(body []byte) (float64, error) {
	var g gaugeResponse
	if err := json.Unmarshal(body, &g); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	v, err := parser.ParseGaugeValue(g.LL.Value, r.cfg.ValueSuffix)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	return v, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	resp.Body.Close()
}
