package stepstream

import (
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// Stream states recorded by Tracker.
const (
	StateStreaming    = "streaming"
	StateFinished     = "finished"
	StateDisconnected = "disconnected"
	StateDropped      = "dropped"
	StateExpired      = "expired"
	StateFailed       = "failed"
)

// StreamInfo is a snapshot of a single stream as seen by the Tracker.
type StreamInfo struct {
	ID         string     `json:"id"`
	Route      string     `json:"route"`
	RemoteAddr string     `json:"remote_addr,omitempty"`
	State      string     `json:"state"`
	Sent       int        `json:"sent"`
	Last       string     `json:"last,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

// Tracker keeps a record of recently served streams. Records of streams that
// are still open never expire, records of ended streams are evicted after the
// retention period. All methods are safe for concurrent use.
type Tracker struct {
	mu    sync.Mutex // serializes read-modify-write of records
	items *cache.Cache
}

// DefaultRetention is how long a record of an ended stream is kept.
const DefaultRetention = 5 * time.Minute

// NewTracker creates a tracker keeping ended streams for retention and
// sweeping expired records every cleanup interval.
func NewTracker(retention, cleanup time.Duration) *Tracker {
	return &Tracker{
		items: cache.New(retention, cleanup),
	}
}

// Begin records a new open stream.
func (t *Tracker) Begin(id, route, remoteAddr string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.items.Set(id, StreamInfo{
		ID:         id,
		Route:      route,
		RemoteAddr: remoteAddr,
		State:      StateStreaming,
		StartedAt:  time.Now(),
	}, cache.NoExpiration)
}

// Sent counts one more event delivered to the stream. Unknown ids and ended
// streams are ignored, so an ended record keeps its expiration.
func (t *Tracker) Sent(id, payload string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.items.Get(id)
	if !ok {
		return
	}
	info := v.(StreamInfo)
	if info.EndedAt != nil {
		return
	}
	info.Sent++
	info.Last = payload
	t.items.Set(id, info, cache.NoExpiration)
}

// End marks the stream as ended and starts its retention period.
func (t *Tracker) End(id string, outcome Outcome) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.items.Get(id)
	if !ok {
		return
	}
	now := time.Now()
	info := v.(StreamInfo)
	info.State = stateOf(outcome)
	info.EndedAt = &now
	t.items.Set(id, info, cache.DefaultExpiration)
}

// Get returns a record of the stream with the given id.
func (t *Tracker) Get(id string) (StreamInfo, bool) {
	v, ok := t.items.Get(id)
	if !ok {
		return StreamInfo{}, false
	}
	return v.(StreamInfo), true
}

// List returns all known streams, oldest first.
func (t *Tracker) List() []StreamInfo {
	items := t.items.Items()
	res := make([]StreamInfo, 0, len(items))
	for _, item := range items {
		res = append(res, item.Object.(StreamInfo))
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].StartedAt.Equal(res[j].StartedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].StartedAt.Before(res[j].StartedAt)
	})
	return res
}

// Active returns a number of streams that are still open.
func (t *Tracker) Active() int {
	var n int
	for _, item := range t.items.Items() {
		if item.Object.(StreamInfo).State == StateStreaming {
			n++
		}
	}
	return n
}

func stateOf(outcome Outcome) string {
	switch outcome {
	case OutcomeDrained:
		return StateFinished
	case OutcomeDisconnected:
		return StateDisconnected
	case OutcomeStopped:
		return StateDropped
	case OutcomeExpired:
		return StateExpired
	}
	return StateFailed
}
