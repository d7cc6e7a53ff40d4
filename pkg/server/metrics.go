package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP control connections accepted
	ActiveConnections atomic.Int64 // current active control connections
	FailedAuths       atomic.Int64 // failed authentication attempts
	SuccessfulAuths   atomic.Int64 // successful authentication attempts
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)

	// Chat counters
	ChatMessagesSent    atomic.Int64 // channel messages fanned out
	PrivateMessagesSent atomic.Int64 // direct messages delivered or stored
	FramesDropped       atomic.Int64 // frames dropped on full outbound queues
	StorageFailures     atomic.Int64 // persistence errors surfaced to clients

	// Channel counters
	ChannelsCreated atomic.Int64
	ChannelsDeleted atomic.Int64

	// Moderation counters
	KickCount  atomic.Int64
	BlockCount atomic.Int64

	// Voice counters
	VoicePacketsIn      atomic.Int64 // UDP voice packets received
	VoicePacketsOut     atomic.Int64 // UDP voice packets forwarded
	VoicePacketsDropped atomic.Int64 // malformed or unroutable packets
	VoiceBytesIn        atomic.Int64
	VoiceBytesOut       atomic.Int64
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`

	ChatMessagesSent    int64 `json:"chat_messages_sent"`
	PrivateMessagesSent int64 `json:"private_messages_sent"`
	FramesDropped       int64 `json:"frames_dropped"`
	StorageFailures     int64 `json:"storage_failures"`

	ChannelsCreated int64 `json:"channels_created"`
	ChannelsDeleted int64 `json:"channels_deleted"`

	KickCount  int64 `json:"kick_count"`
	BlockCount int64 `json:"block_count"`

	VoicePacketsIn      int64 `json:"voice_packets_in"`
	VoicePacketsOut     int64 `json:"voice_packets_out"`
	VoicePacketsDropped int64 `json:"voice_packets_dropped"`
	VoiceBytesIn        int64 `json:"voice_bytes_in"`
	VoiceBytesOut       int64 `json:"voice_bytes_out"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalConnections:    m.TotalConnections.Load(),
		SuccessfulAuths:     m.SuccessfulAuths.Load(),
		FailedAuths:         m.FailedAuths.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		ChatMessagesSent:    m.ChatMessagesSent.Load(),
		PrivateMessagesSent: m.PrivateMessagesSent.Load(),
		FramesDropped:       m.FramesDropped.Load(),
		StorageFailures:     m.StorageFailures.Load(),
		ChannelsCreated:     m.ChannelsCreated.Load(),
		ChannelsDeleted:     m.ChannelsDeleted.Load(),
		KickCount:           m.KickCount.Load(),
		BlockCount:          m.BlockCount.Load(),
		VoicePacketsIn:      m.VoicePacketsIn.Load(),
		VoicePacketsOut:     m.VoicePacketsOut.Load(),
		VoicePacketsDropped: m.VoicePacketsDropped.Load(),
		VoiceBytesIn:        m.VoiceBytesIn.Load(),
		VoiceBytesOut:       m.VoiceBytesOut.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"chat_msgs", s.ChatMessagesSent,
		"private_msgs", s.PrivateMessagesSent,
		"frames_dropped", s.FramesDropped,
		"voice_pkts_in", s.VoicePacketsIn,
		"voice_pkts_out", s.VoicePacketsOut,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
