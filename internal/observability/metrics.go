package observability

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes coordinator metrics: change feed fan-out, subscription
// lifecycle, cache reconciliation, reaction toggles, notification decisions,
// view outboxes, and checkout polls. One Collector satisfies the recorder
// interfaces of the feed, cache, realtime, and services packages.
type Collector struct {
	feedPublished   *prometheus.CounterVec
	feedOverflow    *prometheus.CounterVec
	subscriptions   *prometheus.GaugeVec
	eventsRouted    *prometheus.CounterVec
	eventsDropped   *prometheus.CounterVec
	resubscribes    *prometheus.CounterVec
	cacheStale      *prometheus.CounterVec
	reactionToggles *prometheus.CounterVec
	notifications   *prometheus.CounterVec
	outboxDropped   *prometheus.CounterVec
	viewsOpen       prometheus.Gauge
	checkoutPolls   *prometheus.CounterVec
}

// NewCollector creates the collectors and registers them on reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		feedPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_feed_events_total",
			Help: "Row events published into the change feed broker.",
		}, []string{"table"}),
		feedOverflow: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_feed_overflow_total",
			Help: "Row events dropped because a channel buffer was full.",
		}, []string{"table"}),
		subscriptions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "coordinator_subscriptions_active",
			Help: "Active change feed subscriptions by entity type.",
		}, []string{"entity"}),
		eventsRouted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_events_routed_total",
			Help: "Feed events routed to a downstream handler.",
		}, []string{"table", "route"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_events_dropped_total",
			Help: "Feed events dropped because their subscription was no longer active.",
		}, []string{"table"}),
		resubscribes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_resubscribe_total",
			Help: "Resubscribe attempts after a channel error by outcome.",
		}, []string{"ok"}),
		cacheStale: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_cache_stale_dropped_total",
			Help: "Remote rows dropped by the last-writer-wins merge.",
		}, []string{"entity"}),
		reactionToggles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_reaction_toggles_total",
			Help: "Reaction toggles by transition and outcome.",
		}, []string{"transition", "outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_notification_decisions_total",
			Help: "Notification dispatcher decisions by event kind and action.",
		}, []string{"kind", "action"}),
		outboxDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_outbox_dropped_total",
			Help: "View outbox events dropped because the outbox was full.",
		}, []string{"event"}),
		viewsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "coordinator_views_open",
			Help: "Currently open client views.",
		}),
		checkoutPolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "coordinator_checkout_polls_total",
			Help: "Finished checkout poll tasks by outcome.",
		}, []string{"outcome"}),
	}

	reg.MustRegister(
		c.feedPublished,
		c.feedOverflow,
		c.subscriptions,
		c.eventsRouted,
		c.eventsDropped,
		c.resubscribes,
		c.cacheStale,
		c.reactionToggles,
		c.notifications,
		c.outboxDropped,
		c.viewsOpen,
		c.checkoutPolls,
	)
	return c
}

func (c *Collector) FeedPublished(table string) { c.feedPublished.WithLabelValues(table).Inc() }
func (c *Collector) FeedOverflow(table string)  { c.feedOverflow.WithLabelValues(table).Inc() }

func (c *Collector) SubscriptionOpened(entity string) { c.subscriptions.WithLabelValues(entity).Inc() }
func (c *Collector) SubscriptionClosed(entity string) { c.subscriptions.WithLabelValues(entity).Dec() }

func (c *Collector) EventRouted(table, route string) {
	c.eventsRouted.WithLabelValues(table, route).Inc()
}

func (c *Collector) EventDropped(table string) { c.eventsDropped.WithLabelValues(table).Inc() }

func (c *Collector) Resubscribed(ok bool) {
	c.resubscribes.WithLabelValues(strconv.FormatBool(ok)).Inc()
}

func (c *Collector) CacheStaleDropped(entity string) { c.cacheStale.WithLabelValues(entity).Inc() }

func (c *Collector) ReactionToggled(transition, outcome string) {
	c.reactionToggles.WithLabelValues(transition, outcome).Inc()
}

func (c *Collector) NotificationDecided(kind, action string) {
	c.notifications.WithLabelValues(kind, action).Inc()
}

func (c *Collector) OutboxDropped(event string) { c.outboxDropped.WithLabelValues(event).Inc() }

func (c *Collector) ViewOpened() { c.viewsOpen.Inc() }
func (c *Collector) ViewClosed() { c.viewsOpen.Dec() }

func (c *Collector) CheckoutPollFinished(outcome string) {
	c.checkoutPolls.WithLabelValues(outcome).Inc()
}
