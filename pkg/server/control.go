package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
)

// StartControl binds the TCP control listener and serves sessions until
// the listener is closed. A semaphore caps concurrently served
// connections; connection attempts beyond the cap queue in the accept
// backlog instead of being refused.
func (srv *Server) StartControl() error {
	ln, err := net.Listen("tcp", srv.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("control listen on %s: %w", srv.cfg.ControlAddr, err)
	}
	srv.controlLn = ln
	slog.Info("control listener up", "addr", ln.Addr().String())

	go srv.acceptLoop(ln)
	return nil
}

func (srv *Server) acceptLoop(ln net.Listener) {
	sem := make(chan struct{}, srv.cfg.MaxSessions)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("accept failed", "err", err)
			continue
		}

		select {
		case sem <- struct{}{}:
		case <-srv.ctx.Done():
			conn.Close()
			return
		}

		srv.metrics.TotalConnections.Add(1)
		srv.metrics.ActiveConnections.Add(1)
		go func() {
			defer func() { <-sem }()
			newSession(srv, conn).run()
		}()
	}
}
