package stepstream

import (
	"bufio"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const expectedBody = "data: Step 1: Data loading complete...\n\n" +
	"data: Step 2: Preprocessing data...\n\n" +
	"data: Step 3: Model inference started...\n\n" +
	"data: Step 4: Calculating results...\n\n" +
	"data: Step 5: Postprocessing results...\n\n" +
	"data: Step 6: Analysis complete.\n\n" +
	"data: FINISHED\n\n"

func quietLogger() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func newTestServer(t *testing.T, src Source, tracker *Tracker) (*httptest.Server, *Handler) {
	h := NewHandler("/stream", src, StepConfig, tracker, quietLogger())
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv, h
}

func TestHandlerBody(t *testing.T) {
	tracker := NewTracker(time.Minute, time.Minute)
	srv, _ := newTestServer(t, newTestProducer(), tracker)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "req-1")

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "req-1", resp.Header.Get(RequestIDHeader))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, expectedBody, string(body))
	assert.GreaterOrEqual(t, time.Since(start), 7*testDelay)

	assert.Eventually(t, func() bool {
		info, ok := tracker.Get("req-1")
		return ok && info.State == StateFinished && info.Sent == 7 && info.Last == Sentinel
	}, time.Second, 5*time.Millisecond)
}

// TestHandlerIncrementalDelivery checks that every event reaches the client
// as soon as it is produced and not before the delay.
func TestHandlerIncrementalDelivery(t *testing.T) {
	p := newTestProducer()
	p.Delay = 50 * time.Millisecond
	srv, _ := newTestServer(t, p, nil)

	start := time.Now()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	for i, payload := range p.Payloads() {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		elapsed := time.Since(start)

		assert.Equal(t, "data: "+payload+"\n", line)
		assert.GreaterOrEqual(t, elapsed, time.Duration(i+1)*p.Delay, "event %d arrived too early", i)
		assert.Less(t, elapsed, time.Duration(i+1)*p.Delay+time.Second, "event %d was held back", i)

		blank, err := reader.ReadString('\n')
		require.NoError(t, err)
		assert.Equal(t, "\n", blank)
	}

	// nothing follows the sentinel
	_, err = reader.ReadByte()
	assert.ErrorIs(t, err, io.EOF)
}

func TestHandlerConcurrentClients(t *testing.T) {
	p := newTestProducer()
	p.Delay = 50 * time.Millisecond
	srv, _ := newTestServer(t, p, nil)

	const clients = 2
	bodies := make([]string, clients)

	var wg sync.WaitGroup
	start := time.Now()
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, err := http.Get(srv.URL)
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			assert.NoError(t, err)
			bodies[i] = string(body)
		}(i)
	}
	wg.Wait()

	for i := range bodies {
		assert.Equal(t, expectedBody, bodies[i], "client %d", i)
	}
	assert.Less(t, time.Since(start), 2*7*p.Delay, "one client's delays must not stall another")
}

func TestHandlerClientDisconnect(t *testing.T) {
	p := newTestProducer()
	p.Delay = 30 * time.Millisecond

	opened := make(chan context.Context, 1)
	src := SourceFunc(func(ctx context.Context) <-chan *Event {
		opened <- ctx
		return p.Open(ctx)
	})

	tracker := NewTracker(time.Minute, time.Minute)
	srv, _ := newTestServer(t, src, tracker)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "gone")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "data: "+Steps[0]+"\n", line)

	cancel()
	resp.Body.Close()

	srcCtx := <-opened
	select {
	case <-srcCtx.Done():
	case <-time.After(time.Second):
		t.Fatal("source context was not cancelled after client disconnect")
	}

	assert.Eventually(t, func() bool {
		info, ok := tracker.Get("gone")
		return ok && info.State == StateDisconnected && info.Sent < 7
	}, time.Second, 5*time.Millisecond)
}

func TestHandlerDropSubscribers(t *testing.T) {
	p := newTestProducer()
	p.Delay = time.Second

	tracker := NewTracker(time.Minute, time.Minute)
	srv, h := newTestServer(t, p, tracker)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "dropped")

	time.AfterFunc(50*time.Millisecond, h.DropSubscribers)

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.Less(t, time.Since(start), 500*time.Millisecond)

	info, ok := tracker.Get("dropped")
	require.True(t, ok)
	assert.Equal(t, StateDropped, info.State)

	// calling it again must not panic
	h.DropSubscribers()
}

func TestHandlerMethodNotAllowed(t *testing.T) {
	srv, _ := newTestServer(t, newTestProducer(), nil)

	resp, err := http.Post(srv.URL, "text/plain", strings.NewReader("x"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
	assert.Equal(t, http.MethodGet, resp.Header.Get("Allow"))
}

type recorderNotFlusher struct {
	header http.Header
	code   int
	body   strings.Builder
}

func (w *recorderNotFlusher) Header() http.Header         { return w.header }
func (w *recorderNotFlusher) Write(b []byte) (int, error) { return w.body.Write(b) }
func (w *recorderNotFlusher) WriteHeader(code int)        { w.code = code }

func TestHandlerWithoutFlusher(t *testing.T) {
	h := NewHandler("/stream", newTestProducer(), StepConfig, nil, quietLogger())

	w := &recorderNotFlusher{header: make(http.Header)}
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream", nil))

	assert.Equal(t, http.StatusInternalServerError, w.code)
	assert.JSONEq(t, `{"error":"streaming not supported"}`, w.body.String())
}

func TestHandlerZeroValue(t *testing.T) {
	h := &Handler{Source: newTestProducer(), Route: "/stream"}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/stream", nil))

	assert.Equal(t, expectedBody, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(RequestIDHeader))
}

func TestStreamID(t *testing.T) {
	assert.Empty(t, StreamID(context.Background()))
	assert.Equal(t, "abc", StreamID(WithStreamID(context.Background(), "abc")))
}

// TestHandlerLateEventNotCounted checks that an event the source yields after
// the response has ended is neither counted nor keeps the record alive.
func TestHandlerLateEventNotCounted(t *testing.T) {
	tracker := NewTracker(200*time.Millisecond, 10*time.Millisecond)

	served := make(chan struct{})
	delivered := make(chan struct{})
	src := SourceFunc(func(ctx context.Context) <-chan *Event {
		events := make(chan *Event)
		go func() {
			defer close(events)
			<-served
			events <- &Event{Data: "late"}
			close(delivered)
		}()
		return events
	})

	h := NewHandler("/stream", src, StepConfig, tracker, quietLogger())
	h.DropSubscribers()

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set(RequestIDHeader, "late")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	close(served)

	select {
	case <-delivered:
	case <-time.After(time.Second):
		t.Fatal("late event was not drained")
	}

	assert.Empty(t, w.Body.String())
	info, ok := tracker.Get("late")
	require.True(t, ok)
	assert.Equal(t, StateDropped, info.State)
	assert.Equal(t, 0, info.Sent)
	assert.Empty(t, info.Last)

	assert.Eventually(t, func() bool {
		_, ok := tracker.Get("late")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "ended record must expire")
}

// TestHandlerSentMatchesBody checks that a stream dropped mid-way records
// exactly the events the client received.
func TestHandlerSentMatchesBody(t *testing.T) {
	p := newTestProducer()
	tracker := NewTracker(200*time.Millisecond, 10*time.Millisecond)
	srv, h := newTestServer(t, p, tracker)

	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "partial")

	time.AfterFunc(3*testDelay+testDelay/2, h.DropSubscribers)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	records := strings.Count(string(body), "data: ")
	assert.Less(t, records, 7)

	info, ok := tracker.Get("partial")
	require.True(t, ok)
	assert.Equal(t, StateDropped, info.State)
	assert.Equal(t, records, info.Sent)

	assert.Eventually(t, func() bool {
		_, ok := tracker.Get("partial")
		return !ok
	}, 2*time.Second, 10*time.Millisecond, "ended record must expire")
}

func TestHandlerFilter(t *testing.T) {
	tracker := NewTracker(time.Minute, time.Minute)
	h := NewHandler("/stream", newTestProducer(), StepConfig, tracker, quietLogger())
	h.Filter = func(e *Event) *Event {
		if e.Data == Sentinel {
			return nil
		}
		return &Event{Data: strings.ToUpper(e.Data)}
	}

	req := httptest.NewRequest(http.MethodGet, "/stream", nil)
	req.Header.Set(RequestIDHeader, "filtered")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, 6, strings.Count(w.Body.String(), "data: "))
	assert.Contains(t, w.Body.String(), "data: STEP 1: DATA LOADING COMPLETE...\n\n")
	assert.NotContains(t, w.Body.String(), Sentinel)

	info, ok := tracker.Get("filtered")
	require.True(t, ok)
	assert.Equal(t, 6, info.Sent)
	assert.Equal(t, strings.ToUpper(Steps[5]), info.Last)
}
