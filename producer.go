package stepstream

import (
	"context"
	"time"
)

// Steps are the progress messages every step stream emits, in this order.
var Steps = []string{
	"Step 1: Data loading complete...",
	"Step 2: Preprocessing data...",
	"Step 3: Model inference started...",
	"Step 4: Calculating results...",
	"Step 5: Postprocessing results...",
	"Step 6: Analysis complete.",
}

// Sentinel is the payload of the last event of a step stream. Clients close
// the connection once they see it.
const Sentinel = "FINISHED"

// DefaultStepDelay is a pause before each event of a step stream, sentinel
// included.
const DefaultStepDelay = time.Second

// Producer is a Source of step events. Zero value is not usable, create one
// with NewProducer.
type Producer struct {
	Steps    []string
	Sentinel string
	Delay    time.Duration
}

var _ Source = (*Producer)(nil)

// NewProducer creates a producer emitting Steps followed by Sentinel, each
// preceded by DefaultStepDelay.
func NewProducer() *Producer {
	return &Producer{
		Steps:    Steps,
		Sentinel: Sentinel,
		Delay:    DefaultStepDelay,
	}
}

// Payloads returns the complete ordered list of payloads a single stream
// carries.
func (p *Producer) Payloads() []string {
	payloads := make([]string, 0, len(p.Steps)+1)
	payloads = append(payloads, p.Steps...)
	return append(payloads, p.Sentinel)
}

// Open starts a new timeline in a separate goroutine and returns its events.
// Channel is closed after the sentinel or on ctx cancellation.
func (p *Producer) Open(ctx context.Context) <-chan *Event {
	sink := make(chan *Event)
	go func() {
		_ = p.Run(ctx, sink)
	}()
	return sink
}

// Run emits all payloads to sink, waiting Delay before each one, and closes
// sink when done. It returns ctx.Err() if it was cancelled before the
// sentinel was delivered, nil otherwise.
func (p *Producer) Run(ctx context.Context, sink chan<- *Event) error {
	defer close(sink)

	timer := time.NewTimer(p.Delay)
	defer timer.Stop()

	for i, payload := range p.Payloads() {
		if i > 0 {
			timer.Reset(p.Delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case sink <- &Event{Data: payload}:
		}
	}
	return nil
}
