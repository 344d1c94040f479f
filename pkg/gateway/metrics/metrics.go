// Package metrics registers the gateway's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus metric the voice gateway exports.
type Metrics struct {
	// Connection metrics
	ActiveSessions  prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionsClosed  prometheus.Counter
	AuthRejections  *prometheus.CounterVec

	// Audio metrics
	AudioBytesIn  prometheus.Counter
	AudioBytesOut prometheus.Counter

	// Speech-to-text metrics
	Transcripts     *prometheus.CounterVec
	STTReconnects   prometheus.Counter
	STTFailures     prometheus.Counter
	UtteranceLength prometheus.Histogram

	// Text-to-speech metrics
	SynthesisRequests prometheus.Counter
	SynthesisFailures prometheus.Counter

	// Reply routing
	RepliesRouted  prometheus.Counter
	RepliesDropped prometheus.Counter
}

// New creates and registers the gateway metrics on reg. Pass
// prometheus.DefaultRegisterer outside tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "hearth_voice_active_sessions",
			Help: "Number of currently connected voice sessions",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_voice_sessions_started_total",
			Help: "Total number of voice sessions accepted",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_voice_sessions_closed_total",
			Help: "Total number of voice sessions closed",
		}),
		AuthRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_voice_auth_rejections_total",
			Help: "Upgrade requests rejected before the handshake",
		}, []string{"reason"}),
		AudioBytesIn: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_voice_audio_bytes_in_total",
			Help: "Raw audio bytes received from clients",
		}),
		AudioBytesOut: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_voice_audio_bytes_out_total",
			Help: "Synthesized audio bytes sent to clients",
		}),
		Transcripts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "hearth_voice_transcripts_total",
			Help: "Transcript results forwarded to clients",
		}, []string{"final"}),
		STTReconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_voice_stt_reconnects_total",
			Help: "Reconnect attempts against the speech-to-text upstream",
		}),
		STTFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_voice_stt_failures_total",
			Help: "Speech-to-text streams terminated after exhausting retries",
		}),
		UtteranceLength: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "hearth_voice_utterance_length_chars",
			Help:    "Length of finalized utterances in characters",
			Buckets: []float64{10, 25, 50, 100, 200, 400, 800},
		}),
		SynthesisRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_voice_synthesis_requests_total",
			Help: "Text segments submitted for speech synthesis",
		}),
		SynthesisFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_voice_synthesis_failures_total",
			Help: "Speech synthesis streams that ended with an error",
		}),
		RepliesRouted: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_voice_replies_routed_total",
			Help: "Assistant replies delivered to a local session",
		}),
		RepliesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "hearth_voice_replies_dropped_total",
			Help: "Assistant replies for sessions this process does not hold",
		}),
	}
}
