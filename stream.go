package stepstream

import "context"

// Source is an abstraction of a single SSE stream body. Open is called once
// per HTTP request and must start an independent timeline each time: nothing
// is shared between two opened channels.
//
// The returned channel is closed by the source when the stream is complete or
// when ctx is cancelled, whichever comes first. The source must stop producing
// promptly after ctx is cancelled.
type Source interface {
	Open(ctx context.Context) <-chan *Event
}

// SourceFunc is an adapter to allow the use of ordinary functions as Source.
type SourceFunc func(ctx context.Context) <-chan *Event

// Open calls f(ctx).
func (f SourceFunc) Open(ctx context.Context) <-chan *Event {
	return f(ctx)
}

// FilterFn is a callback function used to observe or mutate event stream for
// individual subscriptions. This function will be invoked for each event
// before sending it to the client, result of this function will be sent
// instead of original event. If this function returns `nil` event will be
// omitted.
//
// Original event passed to this function should NOT be mutated. If event
// needs to be altered fresh copy needs to be returned.
type FilterFn func(e *Event) *Event

// applyChanFilter passes every event of source through f and forwards the
// result. Nil filter returns source unchanged. Returned channel is closed after
// source is closed.
func applyChanFilter(source <-chan *Event, f FilterFn) <-chan *Event {
	if f == nil {
		return source
	}

	sink := make(chan *Event)
	go func() {
		defer close(sink)
		for event := range source {
			if filtered := f(event); filtered != nil {
				sink <- filtered
			}
		}
	}()
	return sink
}
