package stepstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Config holds SSE response configuration. Single Config instance can be safely
// used in multiple go routines (http request handlers) simultaneously without
// locking.
type Config struct {
	// Reconnect is a time duration before successive reconnects, it is
	// passed as a recommendation for SSE clients. Setting Reconnect to zero
	// disables sending a reconnect hint and client will use its default
	// value.
	Reconnect time.Duration

	// KeepAlive sets how often SSE stream should include a dummy keep alive
	// message. Setting KeepAlive to zero disables sending keep alive
	// messages. It is recommended to keep this value lower than 60 seconds
	// if nginx proxy is used. By default nginx will timeout the request if
	// there is more than 60 seconds gap between two successive reads.
	KeepAlive time.Duration

	// Lifetime is a maximum amount of time connection is allowed to stay
	// open. Setting Lifetime to zero allows SSE connections to be open
	// until the source is drained.
	Lifetime time.Duration
}

// Event holds data for single event in SSE stream.
type Event struct {
	ID    string
	Event string
	Data  string // written verbatim, one data line per line of text
}

// StepConfig writes nothing but the events themselves: no reconnect hint, no
// keep alive comments and no forced close. Step streams are short and finite.
var StepConfig = Config{}

// DefaultConfig is a recommended configuration for open-ended streams, such as
// relayed ones, where the upstream might go quiet for a while.
var DefaultConfig = Config{
	KeepAlive: 30 * time.Second,
	Lifetime:  5 * time.Minute,
}

// ErrStreamingUnsupported is returned by Respond if the response writer can not
// be flushed. Nothing is written to the response in that case.
var ErrStreamingUnsupported = errors.New("http.ResponseWriter does not implement http.Flusher interface")

// Outcome tells why Respond stopped writing the stream.
type Outcome int

const (
	// OutcomeDrained means source channel was closed, all events are sent.
	OutcomeDrained Outcome = iota
	// OutcomeExpired means Config.Lifetime was reached.
	OutcomeExpired
	// OutcomeStopped means stop channel was closed or received a value.
	OutcomeStopped
	// OutcomeDisconnected means the request context ended, usually because
	// the client went away.
	OutcomeDisconnected
	// OutcomeFailed means the stream could not be written.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDrained:
		return "drained"
	case OutcomeExpired:
		return "expired"
	case OutcomeStopped:
		return "stopped"
	case OutcomeDisconnected:
		return "disconnected"
	case OutcomeFailed:
		return "failed"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// drain reads and discards all data from source channel in a separate go
// routine
func drain(source <-chan *Event) {
	go func() {
		for range source {
		}
	}()
}

// Respond reads Events from a channel and writes SSE HTTP response. This
// function uses SSE configuration stored in cfg, if nil is passed StepConfig
// is used.
//
// Stop is an optional channel for stopping SSE stream, if this channel is
// closed or a value is received on it SSE stream will close. Context is
// normally the request context, its cancellation is treated as client
// disconnect.
//
// Error is returned only if the stream could not be written, the Outcome tells
// why the stream ended in every case.
//
// Note! After passing source channel to Respond it cannot be reused. This
// function will start a new goroutine to drain source channel on exit.
func Respond(ctx context.Context, w http.ResponseWriter, source <-chan *Event, cfg *Config, stop <-chan struct{}) (Outcome, error) {
	return respond(ctx, w, source, cfg, stop, nil)
}

// respond is Respond with an optional written callback. It is called after
// each event has been written and flushed, never for events discarded by
// drain.
func respond(ctx context.Context, w http.ResponseWriter, source <-chan *Event, cfg *Config, stop <-chan struct{}, written func(*Event)) (Outcome, error) {
	// Draining the source stream can help protect against resource leaks if
	// producer is stuck on trying to send more data.
	defer drain(source)

	if cfg == nil {
		c := StepConfig
		cfg = &c
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return OutcomeFailed, ErrStreamingUnsupported
	}

	// Long-lived response must not be cut by server WriteTimeout. Writers
	// that do not support deadlines are fine as they have none.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	var timeoutChan <-chan time.Time
	if cfg.Lifetime > 0 {
		timer := time.NewTimer(cfg.Lifetime)
		defer timer.Stop()
		timeoutChan = timer.C
	}

	var keepaliveChan <-chan time.Time
	if cfg.KeepAlive > 0 {
		ticker := time.NewTicker(cfg.KeepAlive)
		defer ticker.Stop()
		keepaliveChan = ticker.C
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	if cfg.Reconnect != 0 {
		if _, err := fmt.Fprintf(w, "retry: %d\n\n", cfg.Reconnect/time.Millisecond); err != nil {
			return OutcomeFailed, fmt.Errorf("write retry: %w", err)
		}
	}
	flusher.Flush()

	for {
		select {
		case <-timeoutChan:
			return OutcomeExpired, nil
		case <-stop:
			return OutcomeStopped, nil
		case <-ctx.Done():
			return OutcomeDisconnected, nil
		case <-keepaliveChan:
			if _, err := io.WriteString(w, ":keep-alive\n\n"); err != nil {
				return OutcomeFailed, fmt.Errorf("write keep-alive: %w", err)
			}
			flusher.Flush()
		case event, ok := <-source:
			if !ok {
				// Sources close their channel on cancellation too.
				if ctx.Err() != nil {
					return OutcomeDisconnected, nil
				}
				return OutcomeDrained, nil
			}
			if err := write(w, event); err != nil {
				return OutcomeFailed, fmt.Errorf("write event: %w", err)
			}
			flusher.Flush()
			if written != nil {
				written(event)
			}
		}
	}
}

// write dumps single event in SSE wire format. Multi-line data is split into
// several data lines, a client joins them back with "\n". Flushing should be
// performed by the caller.
func write(w io.Writer, e *Event) error {
	var b strings.Builder

	if e.ID != "" {
		b.WriteString("id: ")
		b.WriteString(e.ID)
		b.WriteByte('\n')
	}

	if e.Event != "" {
		b.WriteString("event: ")
		b.WriteString(e.Event)
		b.WriteByte('\n')
	}

	for _, line := range strings.Split(e.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(strings.TrimSuffix(line, "\r"))
		b.WriteByte('\n')
	}
	b.WriteByte('\n')

	_, err := io.WriteString(w, b.String())
	return err
}
