package publish

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

const (
	mqttQoS            = 1
	mqttConnectTimeout = 10 * time.Second
	mqttPublishTimeout = 5 * time.Second
	mqttQuiesceMs      = 250

	statusOnline  = "online"
	statusOffline = "offline"
)

// Sensor describes one Home Assistant sensor published by the meter.
type Sensor struct {
	Key  string
	Name string
	Icon string
}

// Sensors lists the decibel sensors in publication order.
var Sensors = []Sensor{
	{Key: "min_db", Name: "Minimum dB", Icon: "mdi:volume-low"},
	{Key: "max_db", Name: "Maximum dB", Icon: "mdi:volume-high"},
	{Key: "avg_db", Name: "Average dB", Icon: "mdi:volume-medium"},
	{Key: "median_db", Name: "Median dB", Icon: "mdi:volume-medium"},
}

// Message is a single MQTT publication.
type Message struct {
	Topic    string
	Payload  string
	Retained bool
}

// Topics builds the MQTT topic layout for one device.
type Topics struct {
	Prefix          string
	DiscoveryPrefix string
	DeviceID        string
	DeviceName      string
}

// Status returns the availability topic.
func (t Topics) Status() string {
	return fmt.Sprintf("%s/%s/status", t.Prefix, t.DeviceID)
}

// State returns the state topic of a sensor.
func (t Topics) State(sensor string) string {
	return fmt.Sprintf("%s/%s/%s", t.Prefix, t.DeviceID, sensor)
}

// Discovery returns the Home Assistant discovery topic of a sensor.
func (t Topics) Discovery(sensor string) string {
	return fmt.Sprintf("%s/sensor/%s_%s/config", t.DiscoveryPrefix, t.DeviceID, sensor)
}

// discoveryDevice groups all sensors under one device in Home Assistant.
type discoveryDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Model        string   `json:"model"`
	Manufacturer string   `json:"manufacturer"`
}

// discoveryConfig is the Home Assistant MQTT discovery payload.
type discoveryConfig struct {
	Name              string          `json:"name"`
	UniqueID          string          `json:"unique_id"`
	StateTopic        string          `json:"state_topic"`
	AvailabilityTopic string          `json:"availability_topic"`
	UnitOfMeasurement string          `json:"unit_of_measurement"`
	DeviceClass       string          `json:"device_class"`
	StateClass        string          `json:"state_class"`
	Icon              string          `json:"icon"`
	Device            discoveryDevice `json:"device"`
}

// DiscoveryMessages returns the retained discovery configs for all sensors.
func (t Topics) DiscoveryMessages() ([]Message, error) {
	device := discoveryDevice{
		Identifiers:  []string{t.DeviceID},
		Name:         t.DeviceName,
		Model:        "MQTT Noise Meter",
		Manufacturer: "Custom",
	}

	msgs := make([]Message, 0, len(Sensors))
	for _, s := range Sensors {
		payload, err := json.Marshal(discoveryConfig{
			Name:              t.DeviceName + " " + s.Name,
			UniqueID:          t.DeviceID + "_" + s.Key,
			StateTopic:        t.State(s.Key),
			AvailabilityTopic: t.Status(),
			UnitOfMeasurement: "dB",
			DeviceClass:       "sound_pressure",
			StateClass:        "measurement",
			Icon:              s.Icon,
			Device:            device,
		})
		if err != nil {
			return nil, util.WrapError("marshal discovery config", err)
		}
		msgs = append(msgs, Message{Topic: t.Discovery(s.Key), Payload: string(payload), Retained: true})
	}
	return msgs, nil
}

// StateMessages returns the sensor states for result.
func (t Topics) StateMessages(result types.AnalysisResult) []Message {
	values := map[string]float64{
		"min_db":    result.MinDB,
		"max_db":    result.MaxDB,
		"avg_db":    result.AvgDB,
		"median_db": result.MedianDB,
	}

	msgs := make([]Message, 0, len(Sensors)+1)
	for _, s := range Sensors {
		msgs = append(msgs, Message{
			Topic:   t.State(s.Key),
			Payload: strconv.FormatFloat(values[s.Key], 'f', 1, 64),
		})
	}
	msgs = append(msgs, Message{
		Topic:   t.State("overruns"),
		Payload: strconv.FormatUint(result.Overruns, 10),
	})
	return msgs
}

// MQTT publishes results as per-sensor state topics.
type MQTT struct {
	client    mqtt.Client
	topics    Topics
	discovery bool
}

// NewMQTT connects to the broker described by cfg. The connection is
// retried in the background when the broker is not reachable yet.
func NewMQTT(cfg config.MQTTConfig, device config.DeviceConfig) (*MQTT, error) {
	m := &MQTT{
		topics: Topics{
			Prefix:          cfg.TopicPrefix,
			DiscoveryPrefix: cfg.DiscoveryPrefix,
			DeviceID:        device.ID,
			DeviceName:      device.Name,
		},
		discovery: cfg.Discovery,
	}

	broker := "tcp://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(device.ID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetWill(m.topics.Status(), statusOffline, mqttQoS, true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(types.InitialRetryDelay).
		SetMaxReconnectInterval(types.MaxRetryDelay).
		SetOnConnectHandler(m.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("mqtt connection lost", "broker", broker, "error", err)
		})

	m.client = mqtt.NewClient(opts)
	token := m.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		slog.Warn("mqtt broker not reachable yet, retrying in background", "broker", broker)
		return m, nil
	}
	if err := token.Error(); err != nil {
		return nil, util.WrapError("connect to mqtt broker", err)
	}
	return m, nil
}

// onConnect announces availability and discovery on every (re)connect.
func (m *MQTT) onConnect(client mqtt.Client) {
	slog.Info("mqtt connected", "status_topic", m.topics.Status())

	msgs := []Message{{Topic: m.topics.Status(), Payload: statusOnline, Retained: true}}
	if m.discovery {
		discovery, err := m.topics.DiscoveryMessages()
		if err != nil {
			slog.Error("failed to build discovery configs", "error", err)
		}
		msgs = append(msgs, discovery...)
	}

	// Handlers run on the client goroutine, so waiting here would deadlock.
	for _, msg := range msgs {
		client.Publish(msg.Topic, mqttQoS, msg.Retained, msg.Payload)
	}
}

// Name implements Publisher.
func (m *MQTT) Name() string { return "mqtt" }

// Publish sends the sensor states of result.
func (m *MQTT) Publish(ctx context.Context, result types.AnalysisResult) error {
	if !m.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	for _, msg := range m.topics.StateMessages(result) {
		if err := m.send(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (m *MQTT) send(ctx context.Context, msg Message) error {
	token := m.client.Publish(msg.Topic, mqttQoS, msg.Retained, msg.Payload)
	timer := time.NewTimer(mqttPublishTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish %s: %w", msg.Topic, err)
		}
		return nil
	case <-timer.C:
		return fmt.Errorf("publish %s: timed out", msg.Topic)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the device offline and disconnects.
func (m *MQTT) Close() error {
	if m.client.IsConnectionOpen() {
		token := m.client.Publish(m.topics.Status(), mqttQoS, true, statusOffline)
		token.WaitTimeout(mqttPublishTimeout)
	}
	m.client.Disconnect(mqttQuiesceMs)
	return nil
}
