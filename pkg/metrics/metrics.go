package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	SyncPasses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_sync_passes_total",
		Help: "Total full sync passes started.",
	})
	SyncPages = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_sync_pages_total",
		Help: "Total message pages fetched from the remote service.",
	})
	MessagesMerged = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_messages_merged_total",
		Help: "Total messages upserted into the local store.",
	})
	UnreadReconciled = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_unread_reconciled_total",
		Help: "Total unread counts overwritten with the server value.",
	})
	SyncErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_sync_errors_total",
		Help: "Total sync passes that ended in an error.",
	})

	NotifySignals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_notify_signals_total",
		Help: "Total notify frames received on the notification channel.",
	})
	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnect_attempts_total",
		Help: "Total notification channel connect attempts.",
	})
	ChannelConnected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_channel_connected",
		Help: "Whether the notification channel is currently connected (0/1).",
	})
)

func Register() {
	prometheus.MustRegister(
		SyncPasses, SyncPages, MessagesMerged, UnreadReconciled, SyncErrors,
		NotifySignals, ReconnectAttempts, ChannelConnected,
	)
}
