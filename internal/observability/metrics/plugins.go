package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"PluginRuntime/pkg/hook"
	"PluginRuntime/pkg/plugin"
)

// WatchHooks counts every plugin.* action and every permission denial
// published on bus. The returned function removes the subscription.
func (r *Registry) WatchHooks(bus *hook.Bus) (stop func()) {
	channel := "plugin." + hook.Wildcard
	id := bus.AddAction(channel, func(args ...any) error {
		event, _ := bus.CurrentChannel()
		r.lifecycle.WithLabelValues(event).Inc()
		if event == plugin.ActionPermissionDenied && len(args) >= 2 {
			r.denials.WithLabelValues(fmt.Sprint(args[0]), fmt.Sprint(args[1])).Inc()
		}
		return nil
	}, hook.WithArity(2), hook.WithPriority(1000))
	return func() { bus.RemoveAction(channel, id) }
}

// PluginSource is the part of the runtime read at scrape time.
type PluginSource interface {
	List() []plugin.Entry
	Hooks() *hook.Bus
	Meter() *plugin.Meter
}

// RuntimeCollector reads plugin states, hook bus counters and the meter
// health on every scrape.
type RuntimeCollector struct {
	source PluginSource

	plugins        *prometheus.Desc
	hookDispatched *prometheus.Desc
	hookInvoked    *prometheus.Desc
	hookErrors     *prometheus.Desc
	hookUnmatched  *prometheus.Desc
	ownerErrors    *prometheus.Desc
	meterDegraded  *prometheus.Desc
}

// NewRuntimeCollector builds a collector over source.
func NewRuntimeCollector(source PluginSource) *RuntimeCollector {
	return &RuntimeCollector{
		source: source,
		plugins: prometheus.NewDesc(namespace+"_plugins",
			"Indexed plugins by lifecycle state.", []string{"state"}, nil),
		hookDispatched: prometheus.NewDesc(namespace+"_hook_dispatched_total",
			"Hook publishes per channel.", []string{"channel"}, nil),
		hookInvoked: prometheus.NewDesc(namespace+"_hook_invocations_total",
			"Hook subscriber invocations per channel.", []string{"channel"}, nil),
		hookErrors: prometheus.NewDesc(namespace+"_hook_errors_total",
			"Failed hook subscriber invocations per channel.", []string{"channel"}, nil),
		hookUnmatched: prometheus.NewDesc(namespace+"_hook_unmatched_total",
			"Hook publishes that had no matching subscriber.", nil, nil),
		ownerErrors: prometheus.NewDesc(namespace+"_hook_owner_errors_total",
			"Failed hook subscriber invocations per owning plugin.", []string{"owner"}, nil),
		meterDegraded: prometheus.NewDesc(namespace+"_permission_meter_degraded",
			"1 while permission metering runs on the in-memory fallback.", nil, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *RuntimeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.plugins
	ch <- c.hookDispatched
	ch <- c.hookInvoked
	ch <- c.hookErrors
	ch <- c.hookUnmatched
	ch <- c.ownerErrors
	ch <- c.meterDegraded
}

// Collect implements prometheus.Collector.
func (c *RuntimeCollector) Collect(ch chan<- prometheus.Metric) {
	states := map[plugin.State]int{
		plugin.StateDiscovered:   0,
		plugin.StateInstantiated: 0,
		plugin.StateActivated:    0,
		plugin.StateDeactivated:  0,
		plugin.StateUninstalled:  0,
	}
	for _, e := range c.source.List() {
		states[e.State]++
	}
	for state, n := range states {
		ch <- prometheus.MustNewConstMetric(c.plugins, prometheus.GaugeValue, float64(n), string(state))
	}

	stats := c.source.Hooks().Stats()
	for name, cs := range stats.Channels {
		ch <- prometheus.MustNewConstMetric(c.hookDispatched, prometheus.CounterValue, float64(cs.Dispatched), name)
		ch <- prometheus.MustNewConstMetric(c.hookInvoked, prometheus.CounterValue, float64(cs.Invoked), name)
		ch <- prometheus.MustNewConstMetric(c.hookErrors, prometheus.CounterValue, float64(cs.Errors), name)
	}
	ch <- prometheus.MustNewConstMetric(c.hookUnmatched, prometheus.CounterValue, float64(stats.Unmatched))
	for owner, n := range stats.ErrorsByOwner {
		ch <- prometheus.MustNewConstMetric(c.ownerErrors, prometheus.CounterValue, float64(n), owner)
	}

	degraded := 0.0
	if c.source.Meter().Degraded() {
		degraded = 1
	}
	ch <- prometheus.MustNewConstMetric(c.meterDegraded, prometheus.GaugeValue, degraded)
}
