package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/parley-chat/parley/pkg/protocol"
)

// udpWriter is the outbound half of the relay's socket. Separated out so
// packet handling is testable without a real network.
type udpWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// VoiceRelay forwards audio datagrams between endpoints that joined the
// same voice room. It carries no authentication and no session state; an
// endpoint is identified purely by its source address.
type VoiceRelay struct {
	metrics *Metrics

	mu        sync.RWMutex
	channels  map[string]map[string]*net.UDPAddr // room -> addr string -> addr
	endpoints map[string]string                  // addr string -> room
}

func NewVoiceRelay(metrics *Metrics) *VoiceRelay {
	return &VoiceRelay{
		metrics:   metrics,
		channels:  make(map[string]map[string]*net.UDPAddr),
		endpoints: make(map[string]string),
	}
}

// HandlePacket processes one datagram from src and writes any forwarded
// copies through w. Malformed packets are dropped silently.
func (r *VoiceRelay) HandlePacket(w udpWriter, data []byte, src *net.UDPAddr) {
	r.metrics.VoicePacketsIn.Add(1)
	r.metrics.VoiceBytesIn.Add(int64(len(data)))

	pkt, err := protocol.UnmarshalVoicePacket(data)
	if err != nil {
		r.metrics.VoicePacketsDropped.Add(1)
		return
	}

	switch pkt.Type {
	case protocol.VoiceJoin:
		r.join(string(pkt.Payload), src)
	case protocol.VoiceLeave:
		r.leave(src)
	case protocol.VoiceAudio, protocol.VoiceTalk:
		r.forward(w, data, src)
	}
}

// join moves src into the named room, leaving any previous one. Joining
// the current room again is a no-op.
func (r *VoiceRelay) join(room string, src *net.UDPAddr) {
	key := src.String()
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.endpoints[key]; ok {
		if prev == room {
			return
		}
		r.dropLocked(prev, key)
	}
	members, ok := r.channels[room]
	if !ok {
		members = make(map[string]*net.UDPAddr)
		r.channels[room] = members
	}
	members[key] = src
	r.endpoints[key] = room
	slog.Debug("voice join", "room", room, "endpoint", key)
}

func (r *VoiceRelay) leave(src *net.UDPAddr) {
	key := src.String()
	r.mu.Lock()
	defer r.mu.Unlock()

	room, ok := r.endpoints[key]
	if !ok {
		return
	}
	r.dropLocked(room, key)
	slog.Debug("voice leave", "room", room, "endpoint", key)
}

func (r *VoiceRelay) dropLocked(room, key string) {
	delete(r.endpoints, key)
	if members, ok := r.channels[room]; ok {
		delete(members, key)
		if len(members) == 0 {
			delete(r.channels, room)
		}
	}
}

// forward relays the raw datagram to every other endpoint in the
// sender's room. Packets from unjoined endpoints are dropped.
func (r *VoiceRelay) forward(w udpWriter, data []byte, src *net.UDPAddr) {
	key := src.String()

	r.mu.RLock()
	room, joined := r.endpoints[key]
	if !joined {
		r.mu.RUnlock()
		r.metrics.VoicePacketsDropped.Add(1)
		return
	}
	members := r.channels[room]
	targets := make([]*net.UDPAddr, 0, len(members))
	for addrKey, addr := range members {
		if addrKey == key {
			continue
		}
		targets = append(targets, addr)
	}
	r.mu.RUnlock()

	for _, addr := range targets {
		if _, err := w.WriteToUDP(data, addr); err != nil {
			slog.Debug("voice forward failed", "to", addr.String(), "err", err)
			continue
		}
		r.metrics.VoicePacketsOut.Add(1)
		r.metrics.VoiceBytesOut.Add(int64(len(data)))
	}
}

// RoomOf reports the room src currently occupies, if any.
func (r *VoiceRelay) RoomOf(src *net.UDPAddr) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.endpoints[src.String()]
	return room, ok
}

// StartVoice binds the UDP voice socket and runs the relay read loop
// until the socket is closed.
func (srv *Server) StartVoice() error {
	addr, err := net.ResolveUDPAddr("udp", srv.cfg.VoiceAddr)
	if err != nil {
		return fmt.Errorf("voice addr %s: %w", srv.cfg.VoiceAddr, err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("voice listen on %s: %w", srv.cfg.VoiceAddr, err)
	}
	srv.voiceConn = conn
	slog.Info("voice relay up", "addr", conn.LocalAddr().String())

	go srv.voiceLoop(conn)
	return nil
}

func (srv *Server) voiceLoop(conn *net.UDPConn) {
	buf := make([]byte, protocol.MaxVoicePayload+1)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Warn("voice read failed", "err", err)
			continue
		}
		srv.voice.HandlePacket(conn, buf[:n], src)
	}
}
