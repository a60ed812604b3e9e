package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PhaseTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hike_phase_transitions_total",
			Help: "Phase transitions attempted, by target phase and outcome",
		},
		[]string{"phase", "outcome"},
	)

	AllocationOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hike_allocation_requests_total",
			Help: "Transport requests allocated when entering waiver, by kind and resulting state",
		},
		[]string{"kind", "state"},
	)

	WaitlistPromotions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hike_waitlist_promotions_total",
			Help: "Waitlisted requests promoted to confirmed",
		},
		[]string{"trigger"},
	)

	CampaignsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hike_campaigns_started_total",
			Help: "Notification campaigns created",
		},
		[]string{"phase", "resend"},
	)

	NotificationsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hike_notifications_sent_total",
			Help: "Notifications delivered",
		},
		[]string{"phase"},
	)

	NotificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hike_notifications_failed_total",
			Help: "Notifications that exhausted their attempts",
		},
		[]string{"phase"},
	)

	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hike_delivery_attempts_total",
			Help: "Delivery attempts, by outcome",
		},
		[]string{"outcome"},
	)

	BatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hike_dispatch_batch_duration_seconds",
			Help:    "Duration of one dispatch batch including session setup",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		},
		[]string{"phase"},
	)

	CampaignsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hike_dispatch_campaigns_active",
			Help: "Campaigns currently being dispatched",
		},
	)

	MemberActions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hike_member_actions_total",
			Help: "Votes, signups and cancellations submitted through access tokens, by outcome",
		},
		[]string{"action", "outcome"},
	)
)
