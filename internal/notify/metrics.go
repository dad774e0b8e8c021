package notify

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/cropalert/backend/internal/model"
)

const namespace = "cropalert"

var (
	notificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "sent_total",
			Help:      "Channel sends by outcome",
		},
		[]string{"channel", "status"},
	)

	notificationSendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "notifications",
			Name:      "send_duration_seconds",
			Help:      "Time to send a notification on one channel",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)
)

func recordSend(channel model.Channel, result model.AttemptResult, duration time.Duration) {
	notificationsSent.WithLabelValues(string(channel), string(result)).Inc()
	if result != model.ResultSkipped {
		notificationSendDuration.WithLabelValues(string(channel)).Observe(duration.Seconds())
	}
}
