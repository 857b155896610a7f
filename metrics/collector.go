// Package metrics exposes a Prometheus Collector over a running
// LocalNode, grounded on chotki's pebble_collector.go: a set of const
// Desc values built once, then filled in on every Collect() call
// rather than kept as live updated gauges.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rdumusc/collage/buf"
	"github.com/rdumusc/collage/node"
)

// NodeCollector reports LocalNode-wide operational gauges: dispatcher
// pending-list depth (§4.5.7 back-pressure), buffer-cache size classes,
// send-token queue depth, and peer count. It carries no per-object
// metric — ObjectStore is deliberately unobserved, matching §1
// Non-goals' exclusion of an outer observability layer for the core.
type NodeCollector struct {
	ln    *node.LocalNode
	cache *buf.Cache

	pendingDesc   *prometheus.Desc
	peersDesc     *prometheus.Desc
	tokenHeldDesc *prometheus.Desc
	tokenWaitDesc *prometheus.Desc
	bufClassDesc  *prometheus.Desc
}

// NewNodeCollector wraps ln (and the buffer cache it draws from) for
// Prometheus registration. cache may be nil if the caller doesn't want
// buffer-class gauges.
func NewNodeCollector(ln *node.LocalNode, cache *buf.Cache) *NodeCollector {
	return &NodeCollector{
		ln:    ln,
		cache: cache,
		pendingDesc: prometheus.NewDesc(
			"collage_dispatcher_pending_commands",
			"Commands currently in the dispatcher's pending-retry list.",
			nil, nil,
		),
		peersDesc: prometheus.NewDesc(
			"collage_node_peers",
			"Number of peers this LocalNode currently has a Node entry for.",
			nil, nil,
		),
		tokenHeldDesc: prometheus.NewDesc(
			"collage_send_token_held",
			"1 if this node's send token is currently held by anyone, 0 if free.",
			nil, nil,
		),
		tokenWaitDesc: prometheus.NewDesc(
			"collage_send_token_waiters",
			"FIFO queue depth of send-token requesters waiting on this node.",
			nil, nil,
		),
		bufClassDesc: prometheus.NewDesc(
			"collage_buffer_cache_class_bytes",
			"Byte capacity of each buffer-cache size class.",
			[]string{"class"}, nil,
		),
	}
}

func (c *NodeCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pendingDesc
	ch <- c.peersDesc
	ch <- c.tokenHeldDesc
	ch <- c.tokenWaitDesc
	if c.cache != nil {
		ch <- c.bufClassDesc
	}
}

func (c *NodeCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.pendingDesc, prometheus.GaugeValue, float64(c.ln.Dispatcher().PendingLen()))
	ch <- prometheus.MustNewConstMetric(c.peersDesc, prometheus.GaugeValue, float64(len(c.ln.Peers())))

	tokens := c.ln.Tokens()
	held := 0.0
	if !tokens.Holder().IsZero() {
		held = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.tokenHeldDesc, prometheus.GaugeValue, held)
	ch <- prometheus.MustNewConstMetric(c.tokenWaitDesc, prometheus.GaugeValue, float64(tokens.WaiterCount()))

	if c.cache != nil {
		classNames := []string{"small", "medium", "large"}
		for i, size := range c.cache.Stats() {
			name := "oversized"
			if i < len(classNames) {
				name = classNames[i]
			}
			ch <- prometheus.MustNewConstMetric(c.bufClassDesc, prometheus.GaugeValue, float64(size), name)
		}
	}
}
