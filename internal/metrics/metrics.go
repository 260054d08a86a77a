package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SessionCounter returns session counts grouped by status.
type SessionCounter interface {
	CountByStatus(ctx context.Context) (map[string]int64, error)
}

// InviteCounter returns the number of currently active invites.
type InviteCounter interface {
	CountActive(ctx context.Context) (int64, error)
}

// MirrorSizer exposes the size of the in-memory bridge mirror.
type MirrorSizer interface {
	Len() int
}

// Collector is a prometheus.Collector that gathers callbridge metrics at
// scrape time.
type Collector struct {
	sessions  SessionCounter
	invites   InviteCounter
	mirror    MirrorSizer
	startTime time.Time

	// Metric descriptors.
	sessionsDesc      *prometheus.Desc
	activeInvitesDesc *prometheus.Desc
	mirrorDesc        *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if
// unavailable.
func NewCollector(sessions SessionCounter, invites InviteCounter, mirror MirrorSizer, startTime time.Time) *Collector {
	return &Collector{
		sessions:  sessions,
		invites:   invites,
		mirror:    mirror,
		startTime: startTime,

		sessionsDesc: prometheus.NewDesc(
			"callbridge_sessions",
			"Number of call sessions by status",
			[]string{"status"}, nil,
		),
		activeInvitesDesc: prometheus.NewDesc(
			"callbridge_invites_active",
			"Number of currently active invites",
			nil, nil,
		),
		mirrorDesc: prometheus.NewDesc(
			"callbridge_bridge_mirror_entries",
			"Number of bridges cached in the in-memory mirror",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"callbridge_uptime_seconds",
			"Seconds since the callbridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.activeInvitesDesc
	ch <- c.mirrorDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		counts, err := c.sessions.CountByStatus(ctx)
		if err != nil {
			slog.Error("metrics: failed to count sessions by status", "error", err)
		} else {
			for _, status := range []string{"pending", "active", "completed", "failed", "terminated"} {
				ch <- prometheus.MustNewConstMetric(
					c.sessionsDesc, prometheus.GaugeValue,
					float64(counts[status]), status,
				)
			}
		}
	}

	if c.invites != nil {
		count, err := c.invites.CountActive(ctx)
		if err != nil {
			slog.Error("metrics: failed to count active invites", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.activeInvitesDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	if c.mirror != nil {
		ch <- prometheus.MustNewConstMetric(
			c.mirrorDesc, prometheus.GaugeValue,
			float64(c.mirror.Len()),
		)
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
