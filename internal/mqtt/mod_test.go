package mqtt

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"

	"obd2relay/internal/metrics"
	"obd2relay/internal/models"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

type fakeClient struct {
	mu           sync.Mutex
	msgs         []published
	err          error
	disconnected bool
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, published{topic, qos, retained, payload.([]byte)})
	return newToken(c.err)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func waitCount(t *testing.T, c *fakeClient, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.count() < n {
		if time.Now().After(deadline) {
			t.Fatalf("published %d messages, want %d", c.count(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPublishesToTopics(t *testing.T) {
	t.Parallel()

	c := &fakeClient{}
	p := newPublisher(c, "car", zerolog.Nop(), metrics.New(prometheus.NewRegistry()))
	p.Start(context.Background())

	p.PublishSample(models.NewTelemetrySample(models.SampleInput{
		CaptureTime: time.Date(2024, 4, 5, 10, 30, 0, 0, time.UTC),
		EngineRPM:   models.Int(900),
	}))
	p.PublishLevels(models.NormalizedLevels{MainTankLevelLiters: 37.85})
	p.PublishRelayValue(31)

	waitCount(t, c, 3)
	p.Stop()

	if !c.disconnected {
		t.Fatal("client not disconnected on stop")
	}

	want := []struct {
		topic    string
		qos      byte
		retained bool
	}{
		{"car/sample", 0, false},
		{"car/levels", 1, true},
		{"car/spare_tank", 1, true},
	}
	for i, w := range want {
		got := c.msgs[i]
		if got.topic != w.topic || got.qos != w.qos || got.retained != w.retained {
			t.Fatalf("message %d = %s qos=%d retained=%v, want %+v", i, got.topic, got.qos, got.retained, w)
		}
		if !json.Valid(got.payload) {
			t.Fatalf("message %d payload not JSON: %s", i, got.payload)
		}
	}

	var sample map[string]interface{}
	if err := json.Unmarshal(c.msgs[0].payload, &sample); err != nil {
		t.Fatalf("decode sample: %v", err)
	}
	if sample["rpm"] != 900.0 {
		t.Fatalf("sample payload = %v", sample)
	}
}

func TestPublishFailuresAreCounted(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	c := &fakeClient{err: errors.New("not connected")}
	p := newPublisher(c, "car", zerolog.Nop(), m)
	p.Start(context.Background())
	defer p.Stop()

	p.PublishRelayValue(1)
	p.PublishRelayValue(2)
	waitCount(t, c, 2)

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.MQTTPublishFails) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("publish failures = %v, want 2", testutil.ToFloat64(m.MQTTPublishFails))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	t.Parallel()

	m := metrics.New(prometheus.NewRegistry())
	p := newPublisher(&fakeClient{}, "car", zerolog.Nop(), m)

	// Not started, so nothing drains the queue.
	for i := 0; i < queueSize+5; i++ {
		p.PublishRelayValue(float64(i))
	}
	if got := testutil.ToFloat64(m.MQTTPublishFails); got != 5 {
		t.Fatalf("dropped = %v, want 5", got)
	}
}
