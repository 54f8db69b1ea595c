package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"obd2relay/internal/adapter"
	"obd2relay/internal/adapter/sim"
	"obd2relay/internal/api"
	"obd2relay/internal/config"
	"obd2relay/internal/hub"
	"obd2relay/internal/levels"
	"obd2relay/internal/metrics"
	"obd2relay/internal/models"
	"obd2relay/internal/mqtt"
	"obd2relay/internal/poller"
	"obd2relay/internal/relay"
	"obd2relay/internal/state"
	"obd2relay/internal/store"
)

const shutdownTimeout = 5 * time.Second

// serveCmd starts the poller, the relay and the HTTP API
func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the telemetry service",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx)
		},
	}

	f := cmd.Flags()
	f.String("addr", ":8080", "HTTP listen address")
	f.Duration("interval", poller.DefaultInterval, "Adapter poll interval")
	f.String("relay-url", "", "Upstream gauge URL (redirecting)")
	f.String("mqtt-broker", "", "MQTT broker URL, empty to disable")
	bindFlag("server.addr", f.Lookup("addr"))
	bindFlag("poll.interval", f.Lookup("interval"))
	bindFlag("relay.url", f.Lookup("relay-url"))
	bindFlag("mqtt.broker", f.Lookup("mqtt-broker"))
	return cmd
}

func serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := initDB(); err != nil {
		return fmt.Errorf("database error: %w", err)
	}
	defer database.Close()

	m := metrics.New(prometheus.DefaultRegisterer)
	samples := store.New(logger, m)
	agg := state.New()
	stream := hub.New(logger, m)

	samplePubs := []poller.SamplePublisher{stream}
	levelPubs := []levels.Publisher{stream}
	relayPubs := []relay.Publisher{stream}

	var wg sync.WaitGroup
	spawn := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	if cfg.MQTT.Broker != "" {
		pub, err := mqtt.Connect(mqtt.Config{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
		}, logger, m)
		if err != nil {
			return fmt.Errorf("mqtt error: %w", err)
		}
		pub.Start(ctx)
		defer pub.Stop()
		samplePubs = append(samplePubs, pub)
		levelPubs = append(levelPubs, pub)
		relayPubs = append(relayPubs, pub)
	}

	a, err := newAdapter(cfg.Adapter)
	if err != nil {
		return err
	}

	p := poller.New(a, samples, agg, database, poller.NewLastKnownLocation(fixedLocation(cfg.Location)),
		poller.Config{Interval: cfg.Poll.Interval, FetchTimeout: cfg.Poll.FetchTimeout},
		logger, m, samplePubs...)

	// The relay stays idle until relay.url or the relay_url preference is set.
	r := relay.New(relay.Config{
		URL:         cfg.Relay.URL,
		Username:    cfg.Relay.Username,
		Password:    cfg.Relay.Password,
		Interval:    cfg.Relay.Interval,
		Timeout:     cfg.Relay.Timeout,
		ValueSuffix: cfg.Relay.ValueSuffix,
	}, agg, database, logger, m, relayPubs...)

	server := api.NewServer(api.Deps{
		Samples:  samples,
		State:    agg,
		Levels:   levels.NewService(database, agg, logger, levelPubs...),
		Prefs:    database,
		Stream:   stream,
		Gatherer: prometheus.DefaultGatherer,
		Metrics:  m,
		Logger:   logger,
		Window:   cfg.Readings.Window,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	fmt.Printf("🚗 OBD2 Relay\n")
	fmt.Printf("   Listening on http://localhost%s\n", cfg.Server.Addr)
	fmt.Printf("   Database: %s\n\n", cfg.DB.Path)
	fmt.Println("Available endpoints:")
	fmt.Println("  GET    /readings")
	fmt.Println("  DELETE /readings")
	fmt.Println("  GET  /levels")
	fmt.Println("  POST /levels")
	fmt.Println("  GET  /levels/history")
	fmt.Println("  GET  /has_new_reading")
	fmt.Println("  GET  /consume_new_reading")
	fmt.Println("  GET  /preferences")
	fmt.Println("  GET  /preferences/{key}")
	fmt.Println("  PUT  /preferences/{key}")
	fmt.Println("  GET  /health")
	fmt.Println("  GET  /stats")
	fmt.Println("  GET  /metrics")
	fmt.Println("  GET  /ws")
	fmt.Println()

	spawn(stream.Run)
	spawn(p.Run)
	spawn(r.Run)

	if err := a.Connect(ctx); err != nil {
		logger.Error().Err(err).Msg("adapter connect failed")
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	logger.Info().Str("addr", cfg.Server.Addr).Msg("http server started")

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
	case err = <-serveErr:
		logger.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("http shutdown")
	}
	if derr := a.Disconnect(); derr != nil {
		logger.Warn().Err(derr).Msg("adapter disconnect")
	}
	cancel()
	wg.Wait()

	return err
}

// newAdapter builds the adapter named by adapter.kind.
func newAdapter(ac config.AdapterConfig) (adapter.Adapter, error) {
	switch ac.Kind {
	case config.AdapterSim:
		return sim.New(sim.Config{}), nil
	default:
		return nil, fmt.Errorf("adapter kind %q is not supported", ac.Kind)
	}
}

// fixedLocation turns the location section into an initial fix, or nil.
func fixedLocation(lc config.LocationConfig) *models.Location {
	if lc.Latitude == nil || lc.Longitude == nil {
		return nil
	}
	return &models.Location{
		Latitude:  *lc.Latitude,
		Longitude: *lc.Longitude,
		Elevation: lc.Elevation,
	}
}
