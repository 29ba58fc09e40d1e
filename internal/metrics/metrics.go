package metrics

import "github.com/prometheus/client_golang/prometheus"

// BookingMetrics exposes counters/histograms for the booking, cancellation
// and payment reconciliation flows. A nil *BookingMetrics is a no-op.
type BookingMetrics struct {
	bookingsTotal      *prometheus.CounterVec
	bookingLatency     *prometheus.HistogramVec
	checkoutFailures   prometheus.Counter
	cancellationsTotal *prometheus.CounterVec
	webhookTotal       *prometheus.CounterVec
	slotReleasesTotal  *prometheus.CounterVec
}

func NewBookingMetrics(reg prometheus.Registerer) *BookingMetrics {
	m := &BookingMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appointments",
			Subsystem: "booking",
			Name:      "attempts_total",
			Help:      "Booking attempts by flow and outcome",
		}, []string{"flow", "outcome"}),
		bookingLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "appointments",
			Subsystem: "booking",
			Name:      "latency_seconds",
			Help:      "Latency of the booking transaction including the slot lock",
			Buckets:   prometheus.DefBuckets,
		}, []string{"flow"}),
		checkoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "appointments",
			Subsystem: "booking",
			Name:      "checkout_failures_total",
			Help:      "Checkout sessions that could not be created after a committed booking",
		}),
		cancellationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appointments",
			Subsystem: "booking",
			Name:      "cancellations_total",
			Help:      "Cancellation attempts by outcome",
		}, []string{"outcome"}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appointments",
			Subsystem: "payments",
			Name:      "webhook_events_total",
			Help:      "Gateway webhook events by type and reconciliation outcome",
		}, []string{"event_type", "outcome"}),
		slotReleasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "appointments",
			Subsystem: "ledger",
			Name:      "slot_releases_total",
			Help:      "Slots returned to the ledger by reason",
		}, []string{"reason"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.bookingsTotal,
		m.bookingLatency,
		m.checkoutFailures,
		m.cancellationsTotal,
		m.webhookTotal,
		m.slotReleasesTotal,
	)
	return m
}

func (m *BookingMetrics) ObserveBooking(flow, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(flow, outcome).Inc()
	m.bookingLatency.WithLabelValues(flow).Observe(seconds)
}

func (m *BookingMetrics) ObserveCheckoutFailure() {
	if m == nil {
		return
	}
	m.checkoutFailures.Inc()
}

func (m *BookingMetrics) ObserveCancellation(outcome string) {
	if m == nil {
		return
	}
	m.cancellationsTotal.WithLabelValues(outcome).Inc()
}

func (m *BookingMetrics) ObserveWebhook(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(eventType, outcome).Inc()
}

func (m *BookingMetrics) ObserveSlotRelease(reason string) {
	if m == nil {
		return
	}
	m.slotReleasesTotal.WithLabelValues(reason).Inc()
}
