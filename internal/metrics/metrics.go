package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/flowpbx/calltrack/internal/database/models"
	"github.com/flowpbx/calltrack/internal/ingest"
)

// IngestTotalsProvider exposes per event type ingestion counters.
type IngestTotalsProvider interface {
	Totals() map[models.EventType]ingest.Counts
}

// OpenSessionCounter returns the number of sessions that have not ended.
type OpenSessionCounter interface {
	CountOpen(ctx context.Context) (int64, error)
}

// CallbackStatusCounter returns callback request counts grouped by status.
type CallbackStatusCounter interface {
	CountByStatus(ctx context.Context) (map[models.CallbackStatus]int64, error)
}

// LiveClientsProvider exposes the number of connected dashboard clients.
type LiveClientsProvider interface {
	ClientCount() int
}

// DirectorySizeProvider exposes the number of configured queues and users.
type DirectorySizeProvider interface {
	Len() (queues, users int)
}

// RejectionCounter exposes how many ingest requests were rate limited.
type RejectionCounter interface {
	Rejected() int64
}

// Providers groups the metric sources. Any provider may be nil if unavailable.
type Providers struct {
	Ingest    IngestTotalsProvider
	Sessions  OpenSessionCounter
	Callbacks CallbackStatusCounter
	Live      LiveClientsProvider
	Directory DirectorySizeProvider
	Limiter   RejectionCounter
}

// Collector is a prometheus.Collector that gathers calltrack metrics at scrape time.
type Collector struct {
	p         Providers
	startTime time.Time

	// Metric descriptors.
	eventsDesc       *prometheus.Desc
	openSessionsDesc *prometheus.Desc
	callbacksDesc    *prometheus.Desc
	liveClientsDesc  *prometheus.Desc
	directoryDesc    *prometheus.Desc
	rateLimitedDesc  *prometheus.Desc
	uptimeDesc       *prometheus.Desc
}

// NewCollector creates a new metrics collector.
func NewCollector(p Providers, startTime time.Time) *Collector {
	return &Collector{
		p:         p,
		startTime: startTime,

		eventsDesc: prometheus.NewDesc(
			"calltrack_events_total",
			"Ingested events by type and result (processed, skipped, failed)",
			[]string{"event_type", "result"}, nil,
		),
		openSessionsDesc: prometheus.NewDesc(
			"calltrack_open_sessions",
			"Number of call sessions that have not ended",
			nil, nil,
		),
		callbacksDesc: prometheus.NewDesc(
			"calltrack_callbacks",
			"Callback requests by status",
			[]string{"status"}, nil,
		),
		liveClientsDesc: prometheus.NewDesc(
			"calltrack_live_clients",
			"Number of connected live dashboard clients",
			nil, nil,
		),
		directoryDesc: prometheus.NewDesc(
			"calltrack_directory_entries",
			"Configured directory entries by kind",
			[]string{"kind"}, nil,
		),
		rateLimitedDesc: prometheus.NewDesc(
			"calltrack_ingest_rate_limited_total",
			"Ingest requests refused by the per-client rate limit",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"calltrack_uptime_seconds",
			"Seconds since the calltrack process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.eventsDesc
	ch <- c.openSessionsDesc
	ch <- c.callbacksDesc
	ch <- c.liveClientsDesc
	ch <- c.directoryDesc
	ch <- c.rateLimitedDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.p.Ingest != nil {
		for typ, counts := range c.p.Ingest.Totals() {
			for _, r := range []struct {
				name string
				n    int64
			}{
				{"processed", counts.Processed},
				{"skipped", counts.Skipped},
				{"failed", counts.Failed},
			} {
				ch <- prometheus.MustNewConstMetric(
					c.eventsDesc, prometheus.CounterValue,
					float64(r.n), string(typ), r.name,
				)
			}
		}
	}

	if c.p.Sessions != nil {
		n, err := c.p.Sessions.CountOpen(ctx)
		if err != nil {
			slog.Error("metrics: failed to count open sessions", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.openSessionsDesc, prometheus.GaugeValue, float64(n),
			)
		}
	}

	// One series per status, including statuses with no requests.
	if c.p.Callbacks != nil {
		counts, err := c.p.Callbacks.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count callbacks by status", "error", err)
		} else {
			for _, s := range []models.CallbackStatus{
				models.CallbackPending, models.CallbackScheduled,
				models.CallbackAttempting, models.CallbackDone,
			} {
				ch <- prometheus.MustNewConstMetric(
					c.callbacksDesc, prometheus.GaugeValue,
					float64(counts[s]), string(s),
				)
			}
		}
	}

	if c.p.Live != nil {
		ch <- prometheus.MustNewConstMetric(
			c.liveClientsDesc, prometheus.GaugeValue,
			float64(c.p.Live.ClientCount()),
		)
	}

	if c.p.Directory != nil {
		queues, users := c.p.Directory.Len()
		ch <- prometheus.MustNewConstMetric(
			c.directoryDesc, prometheus.GaugeValue, float64(queues), "queue",
		)
		ch <- prometheus.MustNewConstMetric(
			c.directoryDesc, prometheus.GaugeValue, float64(users), "user",
		)
	}

	if c.p.Limiter != nil {
		ch <- prometheus.MustNewConstMetric(
			c.rateLimitedDesc, prometheus.CounterValue, float64(c.p.Limiter.Rejected()),
		)
	}

	// Uptime.
	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
