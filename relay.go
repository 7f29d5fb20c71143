package stepstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/r3labs/sse/v2"
	"github.com/sirupsen/logrus"
	"gopkg.in/cenkalti/backoff.v1"
)

// ErrUpstreamIncomplete is returned by Relay.Run if the upstream stream ended
// before the sentinel event.
var ErrUpstreamIncomplete = errors.New("upstream stream ended before sentinel")

// ErrorEvent is the event type of the record a relay writes when the upstream
// stream fails. Its data is the error text.
const ErrorEvent = "error"

// Relay is a Source that subscribes to an upstream SSE endpoint on behalf of
// each client and forwards the upstream payloads along with their event type.
// Every Open makes its own upstream connection; nothing is shared or replayed
// between clients.
//
// Upstream connection is never retried. Stream ends after the sentinel is
// forwarded, when the upstream closes, or when the client goes away.
type Relay struct {
	URL      string
	Sentinel string
	Client   *http.Client       // optional, defaults to a client without timeout
	Log      logrus.FieldLogger // defaults to logrus standard logger
}

var _ Source = (*Relay)(nil)

// NewRelay creates a relay forwarding step streams served at url.
func NewRelay(url string, log logrus.FieldLogger) *Relay {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Relay{
		URL:      url,
		Sentinel: Sentinel,
		Log:      log,
	}
}

// Open subscribes to the upstream in a separate goroutine and returns the
// forwarded events. If the upstream fails, one ErrorEvent record is emitted
// before the channel is closed.
func (r *Relay) Open(ctx context.Context) <-chan *Event {
	sink := make(chan *Event)
	go func() {
		defer close(sink)

		err := r.Run(ctx, sink)
		if err == nil || ctx.Err() != nil {
			return
		}

		r.logger().WithFields(logrus.Fields{
			"stream_id": StreamID(ctx),
			"upstream":  r.URL,
		}).WithError(err).Warn("relay upstream failed")

		select {
		case sink <- &Event{Event: ErrorEvent, Data: err.Error()}:
		case <-ctx.Done():
		}
	}()
	return sink
}

// Run forwards upstream events to sink until the sentinel has been forwarded.
// Unlike Open it does not close sink. It returns ctx.Err() if ctx was
// cancelled first.
func (r *Relay) Run(ctx context.Context, sink chan<- *Event) error {
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	client := sse.NewClient(r.URL)
	if r.Client != nil {
		client.Connection = r.Client
	}
	if id := StreamID(ctx); id != "" {
		client.Headers[RequestIDHeader] = id
	}
	client.ReconnectStrategy = backoff.WithContext(&backoff.StopBackOff{}, subCtx)

	var finished bool
	err := client.SubscribeRawWithContext(subCtx, func(msg *sse.Event) {
		// id-only and event-only records carry nothing to forward
		if finished || len(msg.Data) == 0 {
			return
		}

		payload := string(msg.Data)
		select {
		case sink <- &Event{Event: string(msg.Event), Data: payload}:
		case <-subCtx.Done():
			return
		}

		if payload == r.Sentinel {
			finished = true
			cancel()
		}
	})

	switch {
	case finished:
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case err == nil, errors.Is(err, io.EOF):
		return ErrUpstreamIncomplete
	}
	return fmt.Errorf("relay %s: %w", r.URL, err)
}

func (r *Relay) logger() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}
