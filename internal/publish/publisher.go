// Package publish delivers analysis results to MQTT and AMQP brokers.
package publish

import (
	"context"
	"errors"
	"fmt"

	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
)

// ErrNotConnected is returned when a broker connection is not available.
var ErrNotConnected = errors.New("not connected")

// Publisher delivers analysis results to an external system.
type Publisher interface {
	Name() string
	Publish(ctx context.Context, result types.AnalysisResult) error
	Close() error
}

// Measurement is the message body published for one analysis result.
type Measurement struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	types.AnalysisResult
}

// Multi fans a result out to several publishers.
type Multi []Publisher

// Name implements Publisher.
func (m Multi) Name() string { return "multi" }

// Publish sends result to every publisher. A failing publisher does not
// prevent delivery to the others.
func (m Multi) Publish(ctx context.Context, result types.AnalysisResult) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, result); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// Close closes every publisher.
func (m Multi) Close() error {
	var errs []error
	for _, p := range m {
		if err := p.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name(), err))
		}
	}
	return errors.Join(errs...)
}
