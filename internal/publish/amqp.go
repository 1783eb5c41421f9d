package publish

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/streadway/amqp"

	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// amqpChannel is the subset of *amqp.Channel used by the publisher.
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// amqpDialer opens a connection and a channel on it.
type amqpDialer func(url string) (io.Closer, amqpChannel, error)

func dialAMQP(url string) (io.Closer, amqpChannel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, util.WrapError("connect to amqp server", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, util.WrapError("open amqp channel", err)
	}
	return conn, ch, nil
}

// AMQP publishes results as JSON messages on a durable queue. A failed
// publish drops the connection; the next publish reconnects.
type AMQP struct {
	url    string
	queue  string
	device config.DeviceConfig
	dial   amqpDialer

	mu      sync.Mutex
	conn    io.Closer
	channel amqpChannel
}

// NewAMQP returns an AMQP publisher. The connection is opened lazily.
func NewAMQP(cfg config.AMQPConfig, device config.DeviceConfig) *AMQP {
	return &AMQP{
		url:    cfg.URL,
		queue:  cfg.QueueName,
		device: device,
		dial:   dialAMQP,
	}
}

// Name implements Publisher.
func (a *AMQP) Name() string { return "amqp" }

// connect opens the connection and declares the queue. Caller holds a.mu.
func (a *AMQP) connect() error {
	if a.channel != nil {
		return nil
	}

	conn, ch, err := a.dial(a.url)
	if err != nil {
		return err
	}

	queue, err := ch.QueueDeclare(
		a.queue,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return util.WrapError("declare amqp queue", err)
	}

	slog.Info("amqp connected", "queue", queue.Name, "messages", queue.Messages, "consumers", queue.Consumers)
	a.conn = conn
	a.channel = ch
	return nil
}

// reset closes the current connection. Caller holds a.mu.
func (a *AMQP) reset() {
	if a.channel != nil {
		_ = a.channel.Close()
	}
	if a.conn != nil {
		_ = a.conn.Close()
	}
	a.channel = nil
	a.conn = nil
}

// Publish sends result as a persistent JSON message.
func (a *AMQP) Publish(ctx context.Context, result types.AnalysisResult) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(Measurement{
		DeviceID:       a.device.ID,
		DeviceName:     a.device.Name,
		AnalysisResult: result,
	})
	if err != nil {
		return util.WrapError("marshal measurement", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if err := a.connect(); err != nil {
		return err
	}

	err = a.channel.Publish(
		"",      // default exchange
		a.queue, // routing key
		false,   // mandatory
		false,   // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
			Body:         body,
		},
	)
	if err != nil {
		a.reset()
		return util.WrapError("publish to amqp", err)
	}
	return nil
}

// Close closes the connection.
func (a *AMQP) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reset()
	return nil
}
