// Package metrics exposes AceBridge runtime state as Prometheus metrics.
// All values are gathered at scrape time from provider interfaces so the
// collector holds no state of its own.
package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ActiveSessionsProvider exposes the number of live media sessions.
type ActiveSessionsProvider interface {
	ActiveCalls() int
}

// ConnectionsProvider exposes signaling connection counts.
type ConnectionsProvider interface {
	Count() int
	RegisteredExtensions() int
}

// RegistrarProvider exposes the number of upstream SIP registrations.
type RegistrarProvider interface {
	Count() int
}

// DialogsProvider exposes the number of active SIP dialogs.
type DialogsProvider interface {
	Count() int
}

// VoicemailProvider exposes the number of voicemail flows in progress.
type VoicemailProvider interface {
	ActiveFlows() int
}

// RecordingCounter returns the total number of stored recordings.
type RecordingCounter interface {
	Count(ctx context.Context) (int, error)
}

// Collector is a prometheus.Collector that gathers AceBridge metrics at scrape time.
type Collector struct {
	sessions    ActiveSessionsProvider
	connections ConnectionsProvider
	registrar   RegistrarProvider
	dialogs     DialogsProvider
	voicemail   VoicemailProvider
	recordings  RecordingCounter
	startTime   time.Time

	// Metric descriptors.
	sessionsDesc      *prometheus.Desc
	connectionsDesc   *prometheus.Desc
	extensionsDesc    *prometheus.Desc
	registrationsDesc *prometheus.Desc
	dialogsDesc       *prometheus.Desc
	voicemailDesc     *prometheus.Desc
	recordingsDesc    *prometheus.Desc
	uptimeDesc        *prometheus.Desc
}

// NewCollector creates a new metrics collector. Any provider may be nil if unavailable.
func NewCollector(
	sessions ActiveSessionsProvider,
	connections ConnectionsProvider,
	registrar RegistrarProvider,
	dialogs DialogsProvider,
	voicemail VoicemailProvider,
	recordings RecordingCounter,
	startTime time.Time,
) *Collector {
	return &Collector{
		sessions:    sessions,
		connections: connections,
		registrar:   registrar,
		dialogs:     dialogs,
		voicemail:   voicemail,
		recordings:  recordings,
		startTime:   startTime,

		sessionsDesc: prometheus.NewDesc(
			"acebridge_active_sessions",
			"Number of currently active media sessions",
			nil, nil,
		),
		connectionsDesc: prometheus.NewDesc(
			"acebridge_signal_connections",
			"Number of open signaling connections",
			nil, nil,
		),
		extensionsDesc: prometheus.NewDesc(
			"acebridge_registered_extensions",
			"Number of extensions bound to a signaling connection",
			nil, nil,
		),
		registrationsDesc: prometheus.NewDesc(
			"acebridge_sip_registrations",
			"Number of active upstream SIP registrations",
			nil, nil,
		),
		dialogsDesc: prometheus.NewDesc(
			"acebridge_sip_dialogs",
			"Number of established SIP dialogs",
			nil, nil,
		),
		voicemailDesc: prometheus.NewDesc(
			"acebridge_voicemail_flows",
			"Number of voicemail flows in progress",
			nil, nil,
		),
		recordingsDesc: prometheus.NewDesc(
			"acebridge_recordings",
			"Total number of stored call recordings",
			nil, nil,
		),
		uptimeDesc: prometheus.NewDesc(
			"acebridge_uptime_seconds",
			"Seconds since the AceBridge process started",
			nil, nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessionsDesc
	ch <- c.connectionsDesc
	ch <- c.extensionsDesc
	ch <- c.registrationsDesc
	ch <- c.dialogsDesc
	ch <- c.voicemailDesc
	ch <- c.recordingsDesc
	ch <- c.uptimeDesc
}

// Collect implements prometheus.Collector. It queries all providers at scrape time.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if c.sessions != nil {
		ch <- prometheus.MustNewConstMetric(
			c.sessionsDesc, prometheus.GaugeValue,
			float64(c.sessions.ActiveCalls()),
		)
	}

	if c.connections != nil {
		ch <- prometheus.MustNewConstMetric(
			c.connectionsDesc, prometheus.GaugeValue,
			float64(c.connections.Count()),
		)
		ch <- prometheus.MustNewConstMetric(
			c.extensionsDesc, prometheus.GaugeValue,
			float64(c.connections.RegisteredExtensions()),
		)
	}

	if c.registrar != nil {
		ch <- prometheus.MustNewConstMetric(
			c.registrationsDesc, prometheus.GaugeValue,
			float64(c.registrar.Count()),
		)
	}

	if c.dialogs != nil {
		ch <- prometheus.MustNewConstMetric(
			c.dialogsDesc, prometheus.GaugeValue,
			float64(c.dialogs.Count()),
		)
	}

	if c.voicemail != nil {
		ch <- prometheus.MustNewConstMetric(
			c.voicemailDesc, prometheus.GaugeValue,
			float64(c.voicemail.ActiveFlows()),
		)
	}

	if c.recordings != nil {
		count, err := c.recordings.Count(ctx)
		if err != nil {
			slog.Error("metrics: failed to count recordings", "error", err)
		} else {
			ch <- prometheus.MustNewConstMetric(
				c.recordingsDesc, prometheus.GaugeValue,
				float64(count),
			)
		}
	}

	ch <- prometheus.MustNewConstMetric(
		c.uptimeDesc, prometheus.GaugeValue,
		time.Since(c.startTime).Seconds(),
	)
}
