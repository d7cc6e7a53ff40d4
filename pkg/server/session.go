package server

import (
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/parley-chat/parley/pkg/crypto"
	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/protocol"
	"github.com/parley-chat/parley/pkg/rbac"
)

// sessionState tracks the per-connection protocol state machine.
type sessionState int

const (
	stateUnauthenticated sessionState = iota
	stateAuthenticating
	stateAuthenticated
	stateRejected
	stateDisconnected
)

// outboundQueueSize bounds each session's outbound frame queue so one
// slow reader cannot stall delivery to the rest of its channel. A full
// queue drops the frame for that member only.
const outboundQueueSize = 64

// Session is the server-side state bound to one client connection.
type Session struct {
	srv  *Server
	conn net.Conn

	user       *model.User // set once authenticated
	registered bool        // true after the registry accepted this session

	mu    sync.Mutex
	state sessionState

	wmu       sync.Mutex // serializes writes to conn
	out       chan *protocol.Message
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(srv *Server, conn net.Conn) *Session {
	return &Session{
		srv:  srv,
		conn: conn,
		out:  make(chan *protocol.Message, outboundQueueSize),
		done: make(chan struct{}),
	}
}

// Username returns the authenticated username, or "" before auth.
func (s *Session) Username() string {
	if s.user == nil {
		return ""
	}
	return s.user.Username
}

func (s *Session) setState(st sessionState) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// State returns the current protocol state.
func (s *Session) State() sessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// run drives the session lifecycle: handshake, then command dispatch,
// until the transport fails or the session is closed.
func (s *Session) run() {
	defer s.cleanup()
	go s.writePump()

	s.send(&protocol.Message{
		Kind:      model.KindSystem,
		Content:   "authentication required: send password:LOGIN or password:REGISTER",
		Timestamp: time.Now().Unix(),
	})

	for {
		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			return
		}
		s.setState(stateAuthenticating)
		ok, terminal := s.handleAuth(msg)
		if terminal {
			s.setState(stateRejected)
			return
		}
		if ok {
			s.setState(stateAuthenticated)
			break
		}
		s.setState(stateUnauthenticated)
	}

	s.bootstrap()

	for {
		select {
		case <-s.srv.ctx.Done():
			return
		default:
		}

		msg, err := protocol.ReadMessage(s.conn)
		if err != nil {
			if err != io.EOF && !isClosedErr(err) {
				slog.Debug("session read error", "user", s.Username(), "err", err)
			}
			return
		}
		s.dispatch(msg)
	}
}

// handleAuth validates one handshake attempt. Exactly one outcome is sent
// per attempt. terminal=true closes the connection (duplicate login,
// blocked account).
func (s *Session) handleAuth(msg *protocol.Message) (ok, terminal bool) {
	username := strings.TrimSpace(msg.Username)
	idx := strings.LastIndex(msg.Content, ":")
	if idx < 0 {
		s.rejectAuth("malformed credentials, expected password:LOGIN or password:REGISTER")
		return false, false
	}
	password := msg.Content[:idx]
	mode := strings.ToUpper(strings.TrimSpace(msg.Content[idx+1:]))

	if err := model.ValidateUsername(username); err != nil {
		s.rejectAuth(err.Error())
		return false, false
	}
	if s.srv.registry.Online(username) {
		s.rejectAuth("already logged in from another connection")
		return false, true
	}

	st := s.srv.store.NonTx()
	switch mode {
	case protocol.AuthModeRegister:
		exists, err := st.UserExists(username)
		if err != nil {
			s.srv.metrics.StorageFailures.Add(1)
			slog.Error("auth storage failure", "err", err)
			s.rejectAuth("server error, try again")
			return false, false
		}
		if exists {
			s.rejectAuth("account already exists")
			return false, false
		}
		credential, err := crypto.HashPassword(password)
		if err != nil {
			slog.Error("hash password", "err", err)
			s.rejectAuth("server error, try again")
			return false, false
		}
		tag, err := crypto.NewTag()
		if err != nil {
			slog.Error("generate tag", "err", err)
			s.rejectAuth("server error, try again")
			return false, false
		}
		user, err := st.CreateUser(username, credential, tag)
		if err != nil {
			s.srv.metrics.StorageFailures.Add(1)
			slog.Error("create user", "user", username, "err", err)
			s.rejectAuth("server error, try again")
			return false, false
		}
		s.user = user

	case protocol.AuthModeLogin:
		user, err := st.GetUserByUsername(username)
		if err != nil {
			s.srv.metrics.StorageFailures.Add(1)
			slog.Error("auth storage failure", "err", err)
			s.rejectAuth("server error, try again")
			return false, false
		}
		if user == nil {
			s.rejectAuth("unknown account")
			return false, false
		}
		match, err := crypto.VerifyPassword(password, user.Credential)
		if err != nil || !match {
			s.rejectAuth("invalid credentials")
			return false, false
		}
		if user.Blocked {
			s.rejectAuth("account is blocked")
			return false, true
		}
		s.user = user

	default:
		s.rejectAuth("unknown auth mode " + mode)
		return false, false
	}

	if !s.srv.registry.AddSession(s) {
		s.user = nil
		s.rejectAuth("already logged in from another connection")
		return false, true
	}
	s.registered = true

	s.send(&protocol.Message{
		Username:  s.user.Username,
		Channel:   protocol.AuthChannelOK,
		Kind:      model.KindUserInfo,
		Content:   s.user.Handle(),
		Timestamp: time.Now().Unix(),
	})
	s.srv.metrics.SuccessfulAuths.Add(1)
	return true, false
}

func (s *Session) rejectAuth(reason string) {
	s.srv.metrics.FailedAuths.Add(1)
	s.send(&protocol.Message{
		Kind:      model.KindSystem,
		Content:   "auth rejected: " + reason,
		Timestamp: time.Now().Unix(),
	})
}

// bootstrap runs once after a successful handshake: loopback auto-admin,
// default channel join, and state pushes to everyone.
func (s *Session) bootstrap() {
	s.maybeGrantLoopbackAdmin()
	s.joinChannel(model.ChannelDefaultName)
	s.srv.broadcastChannelList()
	s.srv.broadcastUserList()
	s.srv.pushFriendLists(s.user.Username)
	slog.Info("client authenticated", "user", s.user.Username, "remote", s.conn.RemoteAddr())
}

// maybeGrantLoopbackAdmin assigns the Admin role to loopback connections
// that do not already hold manage-roles.
func (s *Session) maybeGrantLoopbackAdmin() {
	host, _, err := net.SplitHostPort(s.conn.RemoteAddr().String())
	if err != nil {
		return
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return
	}
	st := s.srv.store.NonTx()
	roles, err := st.RolesOf(s.user.Username)
	if err != nil {
		slog.Error("roles lookup", "user", s.user.Username, "err", err)
		return
	}
	if rbac.HasPermission(s.user, roles, model.CapManageRoles) {
		return
	}
	if err := st.AssignRole(s.user.Username, model.AdminRoleName); err != nil {
		slog.Error("loopback admin grant", "user", s.user.Username, "err", err)
		return
	}
	slog.Info("granted Admin to loopback connection", "user", s.user.Username)
}

// joinChannel moves the session into a channel, persisting the channel on
// first reference, replaying its recent history to the joiner only, and
// pushing membership updates to affected channels.
func (s *Session) joinChannel(name string) {
	if err := model.ValidateChannelName(name); err != nil {
		s.sysReply(err.Error())
		return
	}
	st := s.srv.store.NonTx()
	ch, err := st.GetChannelByNameAndServer(name, model.DefaultServerID)
	if err != nil {
		s.storageFail("join", err)
		return
	}
	if ch == nil {
		ch = model.NewChannel(name)
		if err := st.CreateChannel(ch); err != nil {
			// A concurrent join may have created it; re-read before failing.
			if again, rerr := st.GetChannelByNameAndServer(name, model.DefaultServerID); rerr == nil && again != nil {
				ch = again
			} else {
				s.storageFail("join", err)
				return
			}
		} else {
			s.srv.metrics.ChannelsCreated.Add(1)
			s.srv.broadcastChannelList()
		}
	}

	prev := s.srv.registry.Join(s, name)

	history, err := st.LastMessages(model.ChannelKey(model.DefaultServerID, name), historyReplayCount)
	if err != nil {
		s.storageFail("history", err)
	}
	for i := range history {
		m := &history[i]
		s.send(&protocol.Message{
			Username:  m.Author,
			Content:   m.Body,
			FileName:  m.FileName,
			FileBytes: m.FileBytes,
			Channel:   name,
			Timestamp: m.CreatedAt.Unix(),
			Kind:      m.Kind,
		})
	}

	if prev != "" && prev != name {
		s.srv.pushChannelUsers(prev)
	}
	s.srv.pushChannelUsers(name)
}

// send enqueues a frame on the bounded outbound queue. Delivery is
// best-effort and at-most-once; a full queue drops the frame.
func (s *Session) send(msg *protocol.Message) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.out <- msg:
		return true
	default:
		s.srv.metrics.FramesDropped.Add(1)
		return false
	}
}

// sysReply sends a SYSTEM frame to this session only.
func (s *Session) sysReply(content string) {
	s.send(&protocol.Message{
		Kind:      model.KindSystem,
		Content:   content,
		Timestamp: time.Now().Unix(),
	})
}

// storageFail surfaces a persistence error to the client as an explicit
// SYSTEM failure instead of silently dropping the operation.
func (s *Session) storageFail(op string, err error) {
	s.srv.metrics.StorageFailures.Add(1)
	slog.Error("storage failure", "op", op, "user", s.Username(), "err", err)
	s.sysReply("storage failure: " + op + " was not applied")
}

// writePump drains the outbound queue onto the connection. A write error
// is terminal for the session.
func (s *Session) writePump() {
	for {
		select {
		case <-s.done:
			return
		case msg := <-s.out:
			s.wmu.Lock()
			err := protocol.WriteMessage(s.conn, msg)
			s.wmu.Unlock()
			if err != nil {
				s.Close("")
				return
			}
		}
	}
}

// Close terminates the session, optionally sending a final SYSTEM frame
// (kick/block reason) first. Idempotent.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		if reason != "" {
			s.wmu.Lock()
			_ = protocol.WriteMessage(s.conn, &protocol.Message{
				Kind:      model.KindSystem,
				Content:   reason,
				Timestamp: time.Now().Unix(),
			})
			s.wmu.Unlock()
		}
		close(s.done)
		_ = s.conn.Close()
	})
}

// cleanup releases all session resources and notifies the rest of the
// server. Runs exactly once, when run() returns.
func (s *Session) cleanup() {
	s.Close("")
	s.setState(stateDisconnected)
	s.srv.metrics.ActiveConnections.Add(-1)
	s.srv.metrics.TotalDisconnects.Add(1)

	if !s.registered || s.user == nil {
		return
	}
	prev := s.srv.registry.ChannelOf(s.user.Username)
	s.srv.registry.RemoveSession(s)
	slog.Info("client disconnected", "user", s.user.Username)

	if prev != "" {
		s.srv.pushChannelUsers(prev)
	}
	s.srv.broadcastUserList()
	s.srv.pushFriendLists(s.user.Username)
}

func isClosedErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}

// sanitizeText strips control characters (except newline) from
// user-supplied text to prevent terminal escape injection.
func sanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
}
