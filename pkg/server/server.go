// Package server implements the Parley chat server: control plane
// sessions, channel broadcast, presence, and the UDP voice relay.
package server

import (
	"context"
	"net"

	"github.com/parley-chat/parley/pkg/datastore"
)

// Config holds server configuration.
type Config struct {
	ControlAddr  string // TCP bind address for the control plane (e.g. ":9700")
	VoiceAddr    string // UDP bind address for the voice relay (e.g. ":9701")
	MetricsAddr  string // HTTP bind address for /metrics (empty = disabled)
	DBPath       string // SQLite database path
	ChannelsFile string // YAML file defining channels to create on startup
	MaxSessions  int    // worker pool bound; saturation queues accepts

	// CLI-only actions (run and exit)
	ExportUsers    bool // export all users as YAML and exit
	ExportChannels bool // export all channels as YAML and exit
}

// Dependencies holds external collaborators for the server.
// Server assumes ownership of Store and closes it on shutdown.
type Dependencies struct {
	Store datastore.DataProviderFactory
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ControlAddr: ":9700",
		VoiceAddr:   ":9701",
		MetricsAddr: ":9702",
		DBPath:      "parley.db",
		MaxSessions: 256,
	}
}

// Server is the main Parley server.
type Server struct {
	cfg       Config
	registry  *Registry
	metrics   *Metrics
	store     datastore.DataProviderFactory
	controlLn net.Listener
	voiceConn *net.UDPConn
	voice     *VoiceRelay
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a new Server instance.
func New(cfg Config, deps Dependencies) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	metrics := NewMetrics()
	return &Server{
		cfg:      cfg,
		registry: NewRegistry(),
		metrics:  metrics,
		store:    deps.Store,
		voice:    NewVoiceRelay(metrics),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Registry returns the session/channel registry.
func (s *Server) Registry() *Registry {
	return s.registry
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}

// Voice returns the UDP voice relay.
func (s *Server) Voice() *VoiceRelay {
	return s.voice
}
