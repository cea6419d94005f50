// Package metrics registers the portal's prometheus collectors and exposes
// the scrape handler for the companion daemon.
package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Backend API calls
	apiRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_api_requests_total",
			Help: "Total number of calls made to the REST backend",
		},
		[]string{"operation", "status_code"},
	)

	apiRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "portal_api_request_duration_seconds",
			Help:    "Duration of calls made to the REST backend",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// OTP gate transitions
	gateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_otp_gate_transitions_total",
			Help: "OTP gate state transitions by target state and outcome",
		},
		[]string{"to", "outcome"},
	)

	// Notification feed
	feedUnread = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portal_notification_unread",
			Help: "Unread notifications per loaded feed",
		},
		[]string{"recipient_type"},
	)

	feedIngestedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_notification_ingested_total",
			Help: "Notifications accepted from broadcast batches",
		},
	)

	// Polling
	pollTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_poll_ticks_total",
			Help: "Poll ticks by poller and result",
		},
		[]string{"poller", "result"},
	)
)

func init() {
	prometheus.MustRegister(
		apiRequestsTotal,
		apiRequestDuration,
		gateTransitionsTotal,
		feedUnread,
		feedIngestedTotal,
		pollTicksTotal,
	)
}

// RecordAPIRequest records one backend call. statusCode is 0 for transport
// failures.
func RecordAPIRequest(operation string, statusCode int, duration time.Duration) {
	apiRequestsTotal.WithLabelValues(operation, strconv.Itoa(statusCode)).Inc()
	apiRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func RecordGateTransition(to, outcome string) {
	gateTransitionsTotal.WithLabelValues(to, outcome).Inc()
}

func SetFeedUnread(recipientType string, n int) {
	feedUnread.WithLabelValues(recipientType).Set(float64(n))
}

func AddIngested(n int) {
	feedIngestedTotal.Add(float64(n))
}

// RecordPollTick records a poll outcome: "applied", "stale" or "error".
func RecordPollTick(poller, result string) {
	pollTicksTotal.WithLabelValues(poller, result).Inc()
}

// Handler returns the echo handler serving the prometheus scrape endpoint.
func Handler() echo.HandlerFunc {
	h := promhttp.Handler()
	return func(c echo.Context) error {
		h.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}
