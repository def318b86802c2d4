// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Skip reasons used as the "reason" label of TracksSkipped.
const (
	SkipBudget      = "budget"
	SkipMetadata    = "metadata_error"
	SkipAuth        = "auth"
	SkipNoPreview   = "no_preview"
	SkipDownload    = "download_error"
	SkipContentType = "content_type"
)

// Message outcomes used as the "outcome" label of MessagesHandled.
const (
	OutcomeReplied      = "replied"
	OutcomeEmpty        = "no_attachments"
	OutcomeReplyFailed  = "reply_failed"
	OutcomeIneligible   = "ineligible"
	OutcomeAlreadyReply = "already_handled"
)

var (
	once sync.Once

	// Counters
	MessagesHandled  *prometheus.CounterVec
	TracksSkipped    *prometheus.CounterVec
	TokenExchanges   *prometheus.CounterVec
	TokenRetries     prometheus.Counter
	PreviewsAttached prometheus.Counter

	// Histograms
	MessageDuration prometheus.Observer
	PreviewBytes    prometheus.Observer

	// Gauges
	HandledSetSize prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		MessagesHandled = promauto.NewCounterVec(prometheus.CounterOpts{Name: "preview_messages_total", Help: "Messages that reached the pipeline, by outcome"}, []string{"outcome"})
		TracksSkipped = promauto.NewCounterVec(prometheus.CounterOpts{Name: "preview_tracks_skipped_total", Help: "Track candidates that produced no attachment, by reason"}, []string{"reason"})
		TokenExchanges = promauto.NewCounterVec(prometheus.CounterOpts{Name: "spotify_token_exchanges_total", Help: "Client-credentials exchanges, by result"}, []string{"result"})
		TokenRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "spotify_token_retries_total", Help: "Track lookups retried after a 401"})
		PreviewsAttached = promauto.NewCounter(prometheus.CounterOpts{Name: "preview_attachments_total", Help: "Preview files attached to replies"})
		MessageDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "preview_message_duration_seconds", Help: "Time spent resolving previews for one message", Buckets: prometheus.DefBuckets})
		PreviewBytes = promauto.NewHistogram(prometheus.HistogramOpts{Name: "preview_download_bytes", Help: "Size of downloaded preview files", Buckets: prometheus.ExponentialBuckets(32*1024, 2, 10)})
		HandledSetSize = promauto.NewGauge(prometheus.GaugeOpts{Name: "preview_handled_messages", Help: "Message ids currently remembered as replied"})
	})
}

// RecordMessage counts a pipeline outcome.
func RecordMessage(outcome string) {
	if MessagesHandled != nil {
		MessagesHandled.WithLabelValues(outcome).Inc()
	}
}

// RecordSkip counts a skipped track candidate.
func RecordSkip(reason string) {
	if TracksSkipped != nil {
		TracksSkipped.WithLabelValues(reason).Inc()
	}
}

// RecordTokenExchange counts an exchange attempt as ok or error.
func RecordTokenExchange(err error) {
	if TokenExchanges == nil {
		return
	}
	if err != nil {
		TokenExchanges.WithLabelValues("error").Inc()
		return
	}
	TokenExchanges.WithLabelValues("ok").Inc()
}

// RecordTokenRetry counts a 401-triggered retry.
func RecordTokenRetry() {
	if TokenRetries != nil {
		TokenRetries.Inc()
	}
}

// RecordAttachment counts an attached preview and its size.
func RecordAttachment(size int) {
	if PreviewsAttached != nil {
		PreviewsAttached.Inc()
	}
	if PreviewBytes != nil {
		PreviewBytes.Observe(float64(size))
	}
}

// SetHandledSetSize records how many message ids are remembered.
func SetHandledSetSize(n int) {
	if HandledSetSize != nil {
		HandledSetSize.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
