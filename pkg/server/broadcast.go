package server

import (
	"sort"
	"strings"
	"time"

	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/protocol"
)

// historyReplayCount is how many stored messages a joiner or /dm_history
// caller receives.
const historyReplayCount = 50

// Broadcast persists the frame when its kind is durable and then fans it
// out to every member of the channel. Persistence failures abort delivery
// so readers never see a message history will not contain.
func (srv *Server) Broadcast(channel string, msg *protocol.Message) error {
	if msg.Kind.Persistent() {
		stored := &model.Message{
			ChannelKey: model.ChannelKey(model.DefaultServerID, channel),
			Author:     msg.Username,
			Kind:       msg.Kind,
			Body:       msg.Content,
			FileName:   msg.FileName,
			FileBytes:  msg.FileBytes,
		}
		if err := srv.store.NonTx().AppendMessage(stored); err != nil {
			return err
		}
	}
	for _, sess := range srv.registry.Members(channel) {
		sess.send(msg)
	}
	if msg.Kind == model.KindChat {
		srv.metrics.ChatMessagesSent.Add(1)
	}
	return nil
}

// broadcastChannelList pushes the "name:kind" csv of all persisted
// channels to every session.
func (srv *Server) broadcastChannelList() {
	channels, err := srv.store.NonTx().ListChannels(model.DefaultServerID)
	if err != nil {
		return
	}
	entries := make([]string, len(channels))
	for i, ch := range channels {
		entries[i] = ch.Name + ":" + string(ch.Kind)
	}
	sort.Strings(entries)
	frame := &protocol.Message{
		Kind:      model.KindChannelList,
		Content:   strings.Join(entries, ","),
		Timestamp: time.Now().Unix(),
	}
	for _, sess := range srv.registry.Sessions() {
		sess.send(frame)
	}
}

// broadcastUserList pushes the csv of online usernames to every session.
func (srv *Server) broadcastUserList() {
	names := srv.registry.OnlineUsers()
	sort.Strings(names)
	frame := &protocol.Message{
		Kind:      model.KindUserList,
		Content:   strings.Join(names, ","),
		Timestamp: time.Now().Unix(),
	}
	for _, sess := range srv.registry.Sessions() {
		sess.send(frame)
	}
}

// pushChannelUsers refreshes the member roster of one channel for its
// current members.
func (srv *Server) pushChannelUsers(channel string) {
	if channel == "" {
		return
	}
	members := srv.registry.Members(channel)
	names := make([]string, len(members))
	for i, m := range members {
		names[i] = m.Username()
	}
	sort.Strings(names)
	frame := &protocol.Message{
		Kind:      model.KindChannelUsers,
		Channel:   channel,
		Content:   strings.Join(names, ","),
		Timestamp: time.Now().Unix(),
	}
	for _, m := range members {
		m.send(frame)
	}
}
