// Package metrics exposes Prometheus collectors for the relay plane.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ConnectedDevices tracks currently registered device sockets.
	ConnectedDevices = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brewlink_connected_devices",
		Help: "Number of devices with an open relay connection.",
	})

	// ConnectedClients tracks currently registered client sockets.
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brewlink_connected_clients",
		Help: "Number of clients with an open proxy connection.",
	})

	// DeviceMessages counts messages decoded from device frames.
	DeviceMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brewlink_device_messages_total",
		Help: "Total messages received from devices.",
	})

	// ClientMessages counts client frames forwarded or handled.
	ClientMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brewlink_client_messages_total",
		Help: "Total messages received from clients.",
	})

	// QueuedMessages tracks pending offline-queue entries across devices.
	QueuedMessages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "brewlink_queued_messages",
		Help: "Messages buffered for offline devices.",
	})

	// DeviceReplacements counts connections closed in favor of a newer
	// socket for the same device id.
	DeviceReplacements = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brewlink_device_replacements_total",
		Help: "Device connections replaced by a newer connection.",
	})

	// StaleDevicesReconciled counts persisted online flags corrected by
	// the reconciliation sweep.
	StaleDevicesReconciled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "brewlink_stale_devices_reconciled_total",
		Help: "Persisted online flags cleared by reconciliation.",
	})
)
