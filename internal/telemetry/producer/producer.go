// Package producer defines the durable transport boundary for telemetry
// entries (e.g. Kafka, an OTel collector).
package producer

import (
	"context"

	"officemate/backend/internal/telemetry/domain"
)

// Producer emits telemetry entries to a durable transport. Callers use it
// best-effort: log and ignore errors, never retry, never surface the
// failure to the original telemetry caller.
type Producer interface {
	// Emit sends a single entry. Implementations may block briefly;
	// call from a goroutine if needed.
	Emit(ctx context.Context, e domain.Entry) error
	// Close releases resources. Safe to call if already closed.
	Close() error
}

// Noop is a Producer that discards everything. Used when no transport is
// configured.
type Noop struct{}

func (Noop) Emit(context.Context, domain.Entry) error { return nil }
func (Noop) Close() error                             { return nil }

// Fanout emits to every wrapped producer. The transport set is selected
// once at construction; a failure in one producer does not stop the others
// and the first error is returned.
type Fanout struct {
	producers []Producer
}

// NewFanout returns a producer that forwards to all of ps, skipping nils.
func NewFanout(ps ...Producer) *Fanout {
	out := &Fanout{}
	for _, p := range ps {
		if p != nil {
			out.producers = append(out.producers, p)
		}
	}
	return out
}

func (f *Fanout) Emit(ctx context.Context, e domain.Entry) error {
	var firstErr error
	for _, p := range f.producers {
		if err := p.Emit(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Fanout) Close() error {
	var firstErr error
	for _, p := range f.producers {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
