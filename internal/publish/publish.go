// Package publish forwards spectra to external stores
package publish

import (
	"context"
	"errors"

	"github.com/speters/rgad/rga"
)

// Sink receives every recorded spectrum, complete or not
type Sink interface {
	Publish(ctx context.Context, device string, sp *rga.Spectrum) error
	Close() error
}

// Message is the JSON document published for a spectrum
type Message struct {
	Device   string        `json:"device"`
	Spectrum *rga.Spectrum `json:"spectrum"`
}

// Multi publishes to every sink and joins the errors
type Multi []Sink

func (m Multi) Publish(ctx context.Context, device string, sp *rga.Spectrum) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, device, sp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		errs = append(errs, s.Close())
	}
	return errors.Join(errs...)
}
