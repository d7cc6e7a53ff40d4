package server

import (
	"sort"
	"strings"
	"time"

	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/protocol"
)

// friendListFor builds the "name:Online|Offline" csv for one user from
// accepted friendships and live registry state.
func (srv *Server) friendListFor(username string) (string, error) {
	friends, err := srv.store.NonTx().FriendsOf(username)
	if err != nil {
		return "", err
	}
	entries := make([]string, 0, len(friends))
	for _, name := range friends {
		state := "Offline"
		if srv.registry.Online(name) {
			state = "Online"
		}
		entries = append(entries, name+":"+state)
	}
	sort.Strings(entries)
	return strings.Join(entries, ","), nil
}

// sendFriendList pushes one session its current friend list.
func (srv *Server) sendFriendList(sess *Session) {
	list, err := srv.friendListFor(sess.Username())
	if err != nil {
		sess.storageFail("friend list", err)
		return
	}
	sess.send(&protocol.Message{
		Kind:      model.KindFriendList,
		Content:   list,
		Timestamp: time.Now().Unix(),
	})
}

// pushFriendLists refreshes the named user's friend list and, because
// their presence just changed, the lists of all their online friends.
func (srv *Server) pushFriendLists(username string) {
	if sess, ok := srv.registry.Session(username); ok {
		srv.sendFriendList(sess)
	}
	friends, err := srv.store.NonTx().FriendsOf(username)
	if err != nil {
		return
	}
	for _, name := range friends {
		if sess, ok := srv.registry.Session(name); ok {
			srv.sendFriendList(sess)
		}
	}
}
