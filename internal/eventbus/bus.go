// Package eventbus provides a generic in-process publish/subscribe bus.
// It knows nothing about telemetry semantics; the telemetry sink is just
// one subscriber among others.
package eventbus

import (
	"context"
	"fmt"
	"sync"
)

// Handler receives an emitted payload. Handlers are expected to be fast,
// fire-and-forget consumers; a slow handler delays later listeners because
// delivery within one Emit call is sequential.
type Handler func(ctx context.Context, payload any) error

// FilterFunc inspects a payload before delivery. Returning false skips the
// listener without counting as a failure.
type FilterFunc func(payload any) bool

// ErrorReporter receives handler failures during dispatch. Set after
// construction (the telemetry sink implements it), never called while the
// bus lock is held.
type ErrorReporter interface {
	ReportHandlerError(event string, err error)
}

// Stats holds dispatch counters for the lifetime of the bus.
type Stats struct {
	Emitted         uint64
	Delivered       uint64
	Skipped         uint64
	HandlerFailures uint64
}

type subscription struct {
	id       int64
	event    string
	handler  Handler
	once     bool
	claimed  bool // set under the bus lock when a once listener is consumed
	filter   FilterFunc
	userID   string
	deviceID string
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscription)

// WithFilter skips delivery when fn returns false for the payload.
func WithFilter(fn FilterFunc) SubscribeOption {
	return func(s *subscription) { s.filter = fn }
}

// Once removes the listener after its first invocation, whether the
// handler succeeded or failed.
func Once() SubscribeOption {
	return func(s *subscription) { s.once = true }
}

// WithUserID scopes the listener to a user: it is skipped only when an emit
// carries a different, non-empty user id.
func WithUserID(id string) SubscribeOption {
	return func(s *subscription) { s.userID = id }
}

// WithDeviceID scopes the listener to a device, with the same matching rule
// as WithUserID.
func WithDeviceID(id string) SubscribeOption {
	return func(s *subscription) { s.deviceID = id }
}

type emitOptions struct {
	userID   string
	deviceID string
}

// EmitOption attaches identity to an emit call for scope filtering.
type EmitOption func(*emitOptions)

// EmitForUser marks the emitted payload as belonging to the given user.
func EmitForUser(id string) EmitOption {
	return func(o *emitOptions) { o.userID = id }
}

// EmitForDevice marks the emitted payload as belonging to the given device.
func EmitForDevice(id string) EmitOption {
	return func(o *emitOptions) { o.deviceID = id }
}

// Bus is a thread-safe named-event pub/sub bus. The zero value is not
// usable; call New.
type Bus struct {
	mu       sync.Mutex
	nextID   int64
	subs     map[string][]*subscription
	byID     map[int64]*subscription
	stats    Stats
	reporter ErrorReporter
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[string][]*subscription),
		byID: make(map[int64]*subscription),
	}
}

// SetErrorReporter installs the sink that receives handler failures.
// Called once by the composition root after the sink exists; resolves the
// bus/sink construction cycle without runtime probing.
func (b *Bus) SetErrorReporter(r ErrorReporter) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reporter = r
}

// Subscribe registers handler for event and returns the listener id.
// Ids are unique for the lifetime of the process and never reused.
// Returns a *ValidationError before any state mutation if event is empty
// or handler is nil.
func (b *Bus) Subscribe(event string, handler Handler, opts ...SubscribeOption) (int64, error) {
	if event == "" {
		return 0, &ValidationError{Field: "event", Reason: "must be a non-empty string"}
	}
	if handler == nil {
		return 0, &ValidationError{Field: "handler", Reason: "must not be nil"}
	}
	sub := &subscription{event: event, handler: handler}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub.id = b.nextID
	b.subs[event] = append(b.subs[event], sub)
	b.byID[sub.id] = sub
	return sub.id, nil
}

// Emit delivers payload to every listener of event, sequentially and in
// subscription order. The listener slice is copied first, so a handler that
// unsubscribes itself or others mid-dispatch cannot corrupt iteration.
// Handler errors and panics are isolated: they are forwarded to the error
// reporter and never stop delivery to remaining listeners or propagate to
// the caller. Emitting to an event with no listeners is a cheap no-op.
func (b *Bus) Emit(ctx context.Context, event string, payload any, opts ...EmitOption) {
	var o emitOptions
	for _, opt := range opts {
		opt(&o)
	}

	b.mu.Lock()
	b.stats.Emitted++
	listeners := make([]*subscription, len(b.subs[event]))
	copy(listeners, b.subs[event])
	b.mu.Unlock()

	for _, sub := range listeners {
		if !b.stillLive(sub) {
			continue
		}
		if !scopeMatches(sub.userID, o.userID) || !scopeMatches(sub.deviceID, o.deviceID) {
			b.countSkip()
			continue
		}
		if sub.filter != nil && !sub.filter(payload) {
			b.countSkip()
			continue
		}
		if sub.once && !b.claimOnce(sub) {
			continue
		}
		err := b.invoke(ctx, sub, payload)
		if sub.once {
			b.Unsubscribe(sub.id)
		}
		if err != nil {
			b.countFailure()
			if r := b.currentReporter(); r != nil {
				r.ReportHandlerError(event, err)
			}
		} else {
			b.countDelivery()
		}
	}
}

// invoke runs a single handler, converting a panic into an error.
func (b *Bus) invoke(ctx context.Context, sub *subscription, payload any) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return sub.handler(ctx, payload)
}

// Unsubscribe removes the listener with the given id. Returns false when
// the id is unknown (or already removed), without error.
func (b *Bus) Unsubscribe(id int64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)
	list := b.subs[sub.event]
	for i, s := range list {
		if s.id == id {
			b.subs[sub.event] = append(list[:i:i], list[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.event]) == 0 {
		delete(b.subs, sub.event)
	}
	return true
}

// Clear removes all subscriptions. Ids are not reused afterwards.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string][]*subscription)
	b.byID = make(map[int64]*subscription)
}

// Stats returns a snapshot of dispatch counters.
func (b *Bus) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// stillLive reports whether the subscription has not been removed since the
// listener slice was copied (e.g. by an earlier handler in the same emit).
func (b *Bus) stillLive(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.byID[sub.id]
	return ok
}

// claimOnce marks a once subscription as consumed. Returns false when a
// concurrent or earlier emit already claimed it.
func (b *Bus) claimOnce(sub *subscription) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub.claimed {
		return false
	}
	sub.claimed = true
	return true
}

func (b *Bus) currentReporter() ErrorReporter {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reporter
}

func (b *Bus) countDelivery() {
	b.mu.Lock()
	b.stats.Delivered++
	b.mu.Unlock()
}

func (b *Bus) countSkip() {
	b.mu.Lock()
	b.stats.Skipped++
	b.mu.Unlock()
}

func (b *Bus) countFailure() {
	b.mu.Lock()
	b.stats.HandlerFailures++
	b.mu.Unlock()
}

// scopeMatches implements the identity rule: a listener is skipped only
// when both sides carry a non-empty id for the same field and they differ.
func scopeMatches(listenerID, emitID string) bool {
	if listenerID == "" || emitID == "" {
		return true
	}
	return listenerID == emitID
}
