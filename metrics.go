package stepstream

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	streamsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "stepstream_streams_active",
		Help: "Number of SSE streams currently open",
	}, []string{"route"})

	streamsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepstream_streams_total",
		Help: "Total SSE streams served grouped by outcome",
	}, []string{"route", "outcome"})

	eventsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stepstream_events_sent_total",
		Help: "Total SSE events handed to clients",
	}, []string{"route"})

	streamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "stepstream_stream_duration_seconds",
		Help:    "Duration of SSE streams from connect to close",
		Buckets: []float64{0.5, 1, 2, 5, 7.5, 10, 30, 60, 300},
	}, []string{"route"})
)
