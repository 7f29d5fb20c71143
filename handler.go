package stepstream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader carries the id used to correlate a stream across logs,
// tracker records and the client.
const RequestIDHeader = "X-Request-ID"

// Handler serves one independent SSE stream per GET request. Every request
// opens Source with a context that ends when the client goes away, so an
// abandoned stream stops producing right away.
type Handler struct {
	Source  Source
	Config  Config
	Route   string             // used for logs, metrics and tracker records
	Tracker *Tracker           // optional
	Log     logrus.FieldLogger // defaults to logrus standard logger

	// Filter is an optional per-stream event filter, see FilterFn.
	Filter FilterFn

	stopOnce     sync.Once
	responseStop chan struct{}
	initOnce     sync.Once
}

// NewHandler creates a handler serving src on route.
func NewHandler(route string, src Source, cfg Config, tracker *Tracker, log logrus.FieldLogger) *Handler {
	h := &Handler{
		Source:  src,
		Config:  cfg,
		Route:   route,
		Tracker: tracker,
		Log:     log,
	}
	h.init()
	return h
}

func (h *Handler) init() {
	h.initOnce.Do(func() {
		h.responseStop = make(chan struct{})
		if h.Log == nil {
			h.Log = logrus.StandardLogger()
		}
	})
}

// DropSubscribers ends all currently open streams and makes new ones end
// immediately. Safe to call more than once.
//
// This function is useful in implementing graceful application shutdown, it
// should be called when web server is not accepting any new connections and
// all that is left is terminating already connected ones.
func (h *Handler) DropSubscribers() {
	h.init()
	h.stopOnce.Do(func() {
		close(h.responseStop)
	})
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.init()

	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	if _, ok := w.(http.Flusher); !ok {
		h.Log.WithField("route", h.Route).WithError(ErrStreamingUnsupported).Error("stream could not be started")
		writeJSONError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	id := r.Header.Get(RequestIDHeader)
	if id == "" {
		id = uuid.NewString()
	}
	w.Header().Set(RequestIDHeader, id)

	log := h.Log.WithFields(logrus.Fields{
		"stream_id":   id,
		"route":       h.Route,
		"remote_addr": r.RemoteAddr,
	})
	log.Info("client connected to stream")

	if h.Tracker != nil {
		h.Tracker.Begin(id, h.Route, r.RemoteAddr)
	}
	streamsActive.WithLabelValues(h.Route).Inc()
	start := time.Now()

	// Cancelling on return releases the source even if the response ended
	// for a reason the source can not see, e.g. lifetime or shutdown.
	ctx, cancel := context.WithCancel(WithStreamID(r.Context(), id))
	defer cancel()

	source := applyChanFilter(h.Source.Open(ctx), h.Filter)

	// Only events that reached the client are counted; whatever the source
	// still yields after respond returns is drained silently.
	outcome, err := respond(ctx, w, source, &h.Config, h.responseStop, func(e *Event) {
		eventsSent.WithLabelValues(h.Route).Inc()
		if h.Tracker != nil {
			h.Tracker.Sent(id, e.Data)
		}
		log.WithField("payload", e.Data).Info("sent event")
	})

	streamsActive.WithLabelValues(h.Route).Dec()
	streamsTotal.WithLabelValues(h.Route, outcome.String()).Inc()
	streamDuration.WithLabelValues(h.Route).Observe(time.Since(start).Seconds())
	if h.Tracker != nil {
		h.Tracker.End(id, outcome)
	}

	log = log.WithFields(logrus.Fields{
		"outcome":  outcome.String(),
		"duration": time.Since(start).String(),
	})
	switch {
	case err != nil:
		log.WithError(err).Warn("stream aborted")
	case outcome == OutcomeDisconnected:
		log.Info("client disconnected from stream")
	default:
		log.Info("stream finished")
	}
}

type streamIDKey struct{}

// WithStreamID returns a copy of ctx carrying the stream id. Handler sets it on
// the context passed to Source.Open.
func WithStreamID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, streamIDKey{}, id)
}

// StreamID returns the stream id stored in ctx, or an empty string.
func StreamID(ctx context.Context) string {
	id, _ := ctx.Value(streamIDKey{}).(string)
	return id
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
