// Package audit durably records ledger updates before they leave the process.
package audit

import (
	"context"
	"errors"
	"io"

	"github.com/JonasMelin/tradingpalavanza/internal/signal"
)

// Sink stores one ledger update.
type Sink interface {
	Write(ctx context.Context, update signal.LedgerUpdate) error
}

// Multi fans an update out to every sink. All sinks are attempted.
type Multi []Sink

// Write implements Sink.
func (m Multi) Write(ctx context.Context, update signal.LedgerUpdate) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, update); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every sink that holds resources.
func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if c, ok := s.(io.Closer); ok {
			errs = append(errs, c.Close())
		}
	}
	return errors.Join(errs...)
}
