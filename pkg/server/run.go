package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parley-chat/parley/pkg/model"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	st := s.store
	defer func() { _ = st.Close() }()

	if err := s.seed(); err != nil {
		return err
	}

	// Load channels from YAML config if provided
	if s.cfg.ChannelsFile != "" {
		if err := LoadChannelsFromYAML(s.cfg.ChannelsFile, st.NonTx()); err != nil {
			slog.Error("failed to load channels config", "err", err)
		}
	}

	// Start listeners
	if err := s.StartControl(); err != nil {
		return err
	}
	if err := s.StartVoice(); err != nil {
		return err
	}

	slog.Info("Parley server running",
		"control", s.cfg.ControlAddr,
		"voice", s.cfg.VoiceAddr,
	)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// seed ensures the rows every fresh deployment needs: the default
// server, the protected Admin role, and the default text channel.
func (s *Server) seed() error {
	st := s.store.NonTx()

	srvRow, err := st.GetServer(model.DefaultServerID)
	if err != nil {
		return fmt.Errorf("server: lookup default server: %w", err)
	}
	if srvRow == nil {
		if err := st.CreateServer(&model.Server{Name: model.DefaultServerName}); err != nil {
			return fmt.Errorf("server: create default server: %w", err)
		}
		slog.Info("created default server", "name", model.DefaultServerName)
	}

	admin, err := st.GetRole(model.AdminRoleName)
	if err != nil {
		return fmt.Errorf("server: lookup admin role: %w", err)
	}
	if admin == nil {
		role := model.AdminRole()
		if err := st.CreateRole(&role); err != nil {
			return fmt.Errorf("server: create admin role: %w", err)
		}
		slog.Info("created Admin role")
	}

	general, err := st.GetChannelByNameAndServer(model.ChannelDefaultName, model.DefaultServerID)
	if err != nil {
		return fmt.Errorf("server: lookup default channel: %w", err)
	}
	if general == nil {
		if err := st.CreateChannel(model.NewChannel(model.ChannelDefaultName)); err != nil {
			return fmt.Errorf("server: create default channel: %w", err)
		}
		slog.Info("created default channel", "name", model.ChannelDefaultName)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() {
	s.cancel()
	if s.controlLn != nil {
		_ = s.controlLn.Close()
	}
	if s.voiceConn != nil {
		_ = s.voiceConn.Close()
	}
	for _, sess := range s.registry.Sessions() {
		sess.Close("server shutting down")
	}
}
