package server

import (
	"sort"
	"sync"
)

// Registry tracks live sessions and live channel membership. It is the
// sole source of truth for "who is connected now"; nothing here is
// persisted. One Registry is constructed per Server and injected into
// each Session.
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session            // username -> live session
	channels  map[string]map[string]*Session // channel name -> members by username
	channelOf map[string]string              // username -> current channel
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		channels:  make(map[string]map[string]*Session),
		channelOf: make(map[string]string),
	}
}

// AddSession registers an authenticated session. Returns false if the
// username already has a live session (duplicate login).
func (r *Registry) AddSession(sess *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sessions[sess.Username()]; exists {
		return false
	}
	r.sessions[sess.Username()] = sess
	return true
}

// RemoveSession deregisters a session and removes it from any channel.
// Only the exact session pointer is removed, so a stale cleanup cannot
// evict a newer login under the same name.
func (r *Registry) RemoveSession(sess *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := sess.Username()
	if current, ok := r.sessions[name]; !ok || current != sess {
		return
	}
	delete(r.sessions, name)
	r.leaveLocked(name)
}

// Session returns the live session for a username, if any.
func (r *Registry) Session(username string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[username]
	return s, ok
}

// Sessions returns a snapshot of all live sessions.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// OnlineUsers returns the usernames of all live sessions, sorted.
func (r *Registry) OnlineUsers() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.sessions))
	for name := range r.sessions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Online reports whether a username has a live session.
func (r *Registry) Online(username string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.sessions[username]
	return ok
}

// Join moves a session into a channel, leaving any previous one first.
// A session is a member of at most one channel at a time. The channel's
// live entry is created on first reference.
func (r *Registry) Join(sess *Session, channel string) (prev string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := sess.Username()
	prev = r.leaveLocked(name)
	members, ok := r.channels[channel]
	if !ok {
		members = make(map[string]*Session)
		r.channels[channel] = members
	}
	members[name] = sess
	r.channelOf[name] = channel
	return prev
}

// Leave removes a session from its current channel, returning the
// channel name or "" if it was not in one.
func (r *Registry) Leave(sess *Session) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(sess.Username())
}

func (r *Registry) leaveLocked(username string) string {
	channel, ok := r.channelOf[username]
	if !ok {
		return ""
	}
	delete(r.channelOf, username)
	if members, ok := r.channels[channel]; ok {
		delete(members, username)
		if len(members) == 0 {
			delete(r.channels, channel)
		}
	}
	return channel
}

// ChannelOf returns the channel a session is currently in, or "".
func (r *Registry) ChannelOf(username string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.channelOf[username]
}

// Members returns a snapshot of the sessions in a channel. Broadcast
// iterates the snapshot, so joins and leaves may race a fan-out; losing
// a frame to that race is acceptable, corrupting the set is not.
func (r *Registry) Members(channel string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.channels[channel]
	out := make([]*Session, 0, len(members))
	for _, s := range members {
		out = append(out, s)
	}
	return out
}

// MemberNames returns the usernames in a channel, sorted.
func (r *Registry) MemberNames(channel string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members := r.channels[channel]
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RenameChannel moves a live member set to a new name.
func (r *Registry) RenameChannel(oldName, newName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	members, ok := r.channels[oldName]
	if !ok {
		return
	}
	delete(r.channels, oldName)
	r.channels[newName] = members
	for name := range members {
		r.channelOf[name] = newName
	}
}

// DropChannel removes a live channel entry, returning its members so the
// caller can relocate them.
func (r *Registry) DropChannel(channel string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	members := r.channels[channel]
	out := make([]*Session, 0, len(members))
	for name, s := range members {
		delete(r.channelOf, name)
		out = append(out, s)
	}
	delete(r.channels, channel)
	return out
}
