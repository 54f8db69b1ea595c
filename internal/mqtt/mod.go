// Package mqtt pushes samples and tank values to the home-automation broker.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"obd2relay/internal/metrics"
	"obd2relay/internal/models"
)

// Topic suffixes, appended to the configured base topic.
const (
	SampleTopic    = "sample"
	LevelsTopic    = "levels"
	SpareTankTopic = "spare_tank"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 3 * time.Second
	queueSize      = 128
)

// Config describes the broker connection.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
}

// client is the part of paho.Client the publisher uses.
type client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token
	Disconnect(quiesce uint)
}

type message struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// Publisher queues messages and publishes them from a single worker, so
// callers never wait on the broker.
type Publisher struct {
	client  client
	topic   string
	queue   chan message
	logger  zerolog.Logger
	metrics *metrics.Metrics

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Connect dials the broker and returns a publisher that is not yet started.
func Connect(cfg Config, logger zerolog.Logger, m *metrics.Metrics) (*Publisher, error) {
	logger = logger.With().Str("component", "mqtt").Logger()

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(paho.Client) {
			logger.Info().Str("broker", cfg.Broker).Msg("connected to MQTT broker")
		}).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			logger.Warn().Err(err).Msg("MQTT connection lost, reconnecting")
		})

	c := paho.NewClient(opts)
	token := c.Connect()
	if ok := token.WaitTimeout(connectTimeout); !ok {
		return nil, fmt.Errorf("MQTT connect to %s timed out", cfg.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("MQTT connect failed: %w", err)
	}

	return newPublisher(c, cfg.Topic, logger, m), nil
}

func newPublisher(c client, topic string, logger zerolog.Logger, m *metrics.Metrics) *Publisher {
	return &Publisher{
		client:  c,
		topic:   topic,
		queue:   make(chan message, queueSize),
		logger:  logger,
		metrics: m,
	}
}

// Start launches the publish worker.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case msg := <-p.queue:
				p.send(msg)
			}
		}
	}()
}

// Stop halts the worker and disconnects from the broker.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	p.client.Disconnect(250)
}

func (p *Publisher) PublishSample(s models.TelemetrySample) {
	p.enqueue(SampleTopic, 0, false, s)
}

func (p *Publisher) PublishLevels(l models.NormalizedLevels) {
	p.enqueue(LevelsTopic, 1, true, l)
}

func (p *Publisher) PublishRelayValue(liters float64) {
	p.enqueue(SpareTankTopic, 1, true, map[string]float64{"spare_tank_level": liters})
}

func (p *Publisher) enqueue(suffix string, qos byte, retained bool, v interface{}) {
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.Error().Err(err).Str("topic", suffix).Msg("failed to marshal message")
		return
	}

	msg := message{topic: p.topic + "/" + suffix, qos: qos, retained: retained, payload: payload}
	select {
	case p.queue <- msg:
	default:
		p.metrics.MQTTPublishFails.Inc()
		p.logger.Warn().Str("topic", msg.topic).Msg("publish queue full, message dropped")
	}
}

func (p *Publisher) send(msg message) {
	token := p.client.Publish(msg.topic, msg.qos, msg.retained, msg.payload)
	if ok := token.WaitTimeout(publishTimeout); !ok {
		p.metrics.MQTTPublishFails.Inc()
		p.logger.Warn().Str("topic", msg.topic).Msg("publish timed out")
		return
	}
	if err := token.Error(); err != nil {
		p.metrics.MQTTPublishFails.Inc()
		p.logger.Error().Err(err).Str("topic", msg.topic).Msg("publish failed")
		return
	}
	p.logger.Debug().Str("topic", msg.topic).Msg("published")
}
