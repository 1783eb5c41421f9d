package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
)

var testTopics = Topics{
	Prefix:          "noisemeter",
	DiscoveryPrefix: "homeassistant",
	DeviceID:        "noisemeter_001",
	DeviceName:      "Noise Meter",
}

func sampleResult() types.AnalysisResult {
	return types.AnalysisResult{
		MinDB:     -42.04,
		MaxDB:     -20.06,
		AvgDB:     -25.55,
		MedianDB:  -30,
		Overruns:  3,
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTopics(t *testing.T) {
	assert.Equal(t, "noisemeter/noisemeter_001/status", testTopics.Status())
	assert.Equal(t, "noisemeter/noisemeter_001/avg_db", testTopics.State("avg_db"))
	assert.Equal(t, "homeassistant/sensor/noisemeter_001_avg_db/config", testTopics.Discovery("avg_db"))
}

func TestStateMessages(t *testing.T) {
	msgs := testTopics.StateMessages(sampleResult())

	got := map[string]string{}
	for _, m := range msgs {
		assert.False(t, m.Retained)
		got[m.Topic] = m.Payload
	}
	assert.Equal(t, map[string]string{
		"noisemeter/noisemeter_001/min_db":    "-42.0",
		"noisemeter/noisemeter_001/max_db":    "-20.1",
		"noisemeter/noisemeter_001/avg_db":    "-25.6",
		"noisemeter/noisemeter_001/median_db": "-30.0",
		"noisemeter/noisemeter_001/overruns":  "3",
	}, got)
}

func TestDiscoveryMessages(t *testing.T) {
	msgs, err := testTopics.DiscoveryMessages()
	require.NoError(t, err)
	require.Len(t, msgs, len(Sensors))

	msg := msgs[0]
	assert.True(t, msg.Retained)
	assert.Equal(t, "homeassistant/sensor/noisemeter_001_min_db/config", msg.Topic)

	var cfg map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &cfg))
	assert.Equal(t, "Noise Meter Minimum dB", cfg["name"])
	assert.Equal(t, "noisemeter_001_min_db", cfg["unique_id"])
	assert.Equal(t, "noisemeter/noisemeter_001/min_db", cfg["state_topic"])
	assert.Equal(t, "noisemeter/noisemeter_001/status", cfg["availability_topic"])
	assert.Equal(t, "dB", cfg["unit_of_measurement"])
	assert.Equal(t, "sound_pressure", cfg["device_class"])
	assert.Equal(t, "mdi:volume-low", cfg["icon"])

	device, ok := cfg["device"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, []any{"noisemeter_001"}, device["identifiers"])
	assert.Equal(t, "MQTT Noise Meter", device["model"])
	assert.Equal(t, "Custom", device["manufacturer"])
}

// mockPublisher is a testify mock of Publisher.
type mockPublisher struct {
	mock.Mock
	name string
}

func (m *mockPublisher) Name() string { return m.name }

func (m *mockPublisher) Publish(ctx context.Context, result types.AnalysisResult) error {
	return m.Called(ctx, result).Error(0)
}

func (m *mockPublisher) Close() error {
	return m.Called().Error(0)
}

func TestMultiPublish(t *testing.T) {
	ctx := context.Background()
	result := sampleResult()

	failing := &mockPublisher{name: "mqtt"}
	failing.On("Publish", ctx, result).Return(ErrNotConnected)
	failing.On("Close").Return(nil)

	ok := &mockPublisher{name: "amqp"}
	ok.On("Publish", ctx, result).Return(nil)
	ok.On("Close").Return(errors.New("boom"))

	multi := Multi{failing, ok}
	err := multi.Publish(ctx, result)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Contains(t, err.Error(), "mqtt:")

	err = multi.Close()
	assert.EqualError(t, err, "amqp: boom")

	failing.AssertExpectations(t)
	ok.AssertExpectations(t)
}

// fakeChannel records AMQP publications.
type fakeChannel struct {
	declared   []string
	published  []amqp.Publishing
	publishErr error
	closed     bool
}

func (c *fakeChannel) QueueDeclare(name string, durable, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if !durable {
		return amqp.Queue{}, errors.New("queue must be durable")
	}
	c.declared = append(c.declared, name)
	return amqp.Queue{Name: name}, nil
}

func (c *fakeChannel) Publish(_, key string, _, _ bool, msg amqp.Publishing) error {
	if c.publishErr != nil {
		return c.publishErr
	}
	c.published = append(c.published, msg)
	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func TestAMQPPublish(t *testing.T) {
	ch := &fakeChannel{}
	dials := 0
	a := NewAMQP(config.AMQPConfig{URL: "amqp://localhost", QueueName: "noise"},
		config.DeviceConfig{ID: "noisemeter_001", Name: "Noise Meter"})
	a.dial = func(string) (io.Closer, amqpChannel, error) {
		dials++
		return nopCloser{}, ch, nil
	}

	require.NoError(t, a.Publish(context.Background(), sampleResult()))
	require.NoError(t, a.Publish(context.Background(), sampleResult()))
	assert.Equal(t, 1, dials, "connection is reused")
	assert.Equal(t, []string{"noise"}, ch.declared)
	require.Len(t, ch.published, 2)

	msg := ch.published[0]
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)

	var body map[string]any
	require.NoError(t, json.Unmarshal(msg.Body, &body))
	assert.Equal(t, "noisemeter_001", body["device_id"])
	assert.InDelta(t, -25.55, body["avg_db"], 1e-9)
	assert.InDelta(t, 3, body["overruns"], 1e-9)

	require.NoError(t, a.Close())
	assert.True(t, ch.closed)
}

func TestAMQPReconnectsAfterFailure(t *testing.T) {
	first := &fakeChannel{publishErr: errors.New("channel closed")}
	second := &fakeChannel{}
	channels := []*fakeChannel{first, second}

	a := NewAMQP(config.AMQPConfig{URL: "amqp://localhost", QueueName: "noise"}, config.DeviceConfig{ID: "x", Name: "x"})
	a.dial = func(string) (io.Closer, amqpChannel, error) {
		ch := channels[0]
		channels = channels[1:]
		return nopCloser{}, ch, nil
	}

	err := a.Publish(context.Background(), sampleResult())
	assert.ErrorContains(t, err, "channel closed")
	assert.True(t, first.closed)

	require.NoError(t, a.Publish(context.Background(), sampleResult()))
	assert.Len(t, second.published, 1)
}

func TestAMQPDialFailure(t *testing.T) {
	a := NewAMQP(config.AMQPConfig{URL: "amqp://localhost", QueueName: "noise"}, config.DeviceConfig{ID: "x", Name: "x"})
	a.dial = func(string) (io.Closer, amqpChannel, error) {
		return nil, nil, errors.New("connection refused")
	}
	assert.ErrorContains(t, a.Publish(context.Background(), sampleResult()), "connection refused")
}
