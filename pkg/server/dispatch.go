package server

import (
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/parley-chat/parley/pkg/crypto"
	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/protocol"
	"github.com/parley-chat/parley/pkg/rbac"
)

// dispatch routes one post-auth frame. Content starting with "/" is a
// command; file frames and plain text broadcast to the current channel.
func (s *Session) dispatch(msg *protocol.Message) {
	if msg.Kind == model.KindFile || (msg.FileName != "" && len(msg.FileBytes) > 0) {
		s.handleFile(msg)
		return
	}

	content := strings.TrimSpace(sanitizeText(msg.Content))
	if content == "" {
		return
	}
	if strings.HasPrefix(content, "/") {
		s.handleCommand(content)
		return
	}
	s.handleChat(content)
}

func (s *Session) handleCommand(content string) {
	fields := strings.Fields(content)
	cmd := strings.ToLower(strings.TrimPrefix(fields[0], "/"))
	args := fields[1:]

	switch cmd {
	case "join":
		if len(args) != 1 {
			s.sysReply("usage: /join <channel>")
			return
		}
		s.joinChannel(args[0])

	case "create":
		s.cmdCreateChannel(args)

	case "deletechannel":
		s.cmdDeleteChannel(args)

	case "renamechannel":
		s.cmdRenameChannel(args)

	case "createrole":
		s.cmdCreateRole(args)

	case "deleterole":
		s.cmdDeleteRole(args)

	case "assignrole":
		s.cmdAssignRole(args)

	case "block":
		s.cmdBlock(args)

	case "kick":
		s.cmdKick(args)

	case "msg":
		s.cmdPrivateMessage(content, args)

	case "dm_history":
		s.cmdDMHistory(args)

	case "friend":
		s.cmdFriend(args)

	case "status":
		s.cmdStatus(content)

	case "passwd":
		s.cmdPasswd(args)

	default:
		// Unknown commands never leak into chat.
		s.sysReply("unknown command: /" + cmd)
	}
}

// requirePermission resolves the session user's roles and checks a
// capability. Denial sends a local SYSTEM reply and returns false; the
// connection stays open and nothing is mutated.
func (s *Session) requirePermission(cap model.Capability) bool {
	roles, err := s.srv.store.NonTx().RolesOf(s.user.Username)
	if err != nil {
		s.storageFail("permission check", err)
		return false
	}
	if msg := rbac.RequirePermission(s.user, roles, cap); msg != "" {
		s.sysReply(msg)
		return false
	}
	return true
}

func (s *Session) handleChat(content string) {
	channel := s.srv.registry.ChannelOf(s.user.Username)
	if channel == "" {
		s.sysReply("join a channel first")
		return
	}
	if err := s.srv.Broadcast(channel, &protocol.Message{
		Username:  s.user.Username,
		Content:   content,
		Channel:   channel,
		Timestamp: time.Now().Unix(),
		Kind:      model.KindChat,
	}); err != nil {
		s.storageFail("message", err)
	}
}

func (s *Session) handleFile(msg *protocol.Message) {
	channel := s.srv.registry.ChannelOf(s.user.Username)
	if channel == "" {
		s.sysReply("join a channel first")
		return
	}
	if len(msg.FileBytes) > model.MessageMaxFileBytes {
		s.sysReply("file too large")
		return
	}
	if err := s.srv.Broadcast(channel, &protocol.Message{
		Username:  s.user.Username,
		FileName:  sanitizeText(msg.FileName),
		FileBytes: msg.FileBytes,
		Channel:   channel,
		Timestamp: time.Now().Unix(),
		Kind:      model.KindFile,
	}); err != nil {
		s.storageFail("file", err)
	}
}

func (s *Session) cmdCreateChannel(args []string) {
	if len(args) < 1 {
		s.sysReply("usage: /create <name> [TEXT|VOICE]")
		return
	}
	if !s.requirePermission(model.CapCreateChannel) {
		return
	}
	if err := model.ValidateChannelName(args[0]); err != nil {
		s.sysReply(err.Error())
		return
	}
	ch := model.NewChannel(args[0])
	if len(args) > 1 {
		ch.Kind = model.ParseChannelKind(args[1])
	}
	if err := s.srv.store.NonTx().CreateChannel(ch); err != nil {
		s.storageFail("create channel", err)
		return
	}
	s.srv.metrics.ChannelsCreated.Add(1)
	slog.Info("channel created", "name", ch.Name, "kind", ch.Kind, "by", s.user.Username)
	s.srv.broadcastChannelList()
}

func (s *Session) cmdDeleteChannel(args []string) {
	if len(args) != 1 {
		s.sysReply("usage: /deletechannel <name>")
		return
	}
	if !s.requirePermission(model.CapCreateChannel) {
		return
	}
	name := args[0]
	if name == model.ChannelDefaultName {
		s.sysReply("the default channel cannot be deleted")
		return
	}

	// Channel row and history go together; run both in one transaction.
	tx, err := s.srv.store.Tx(s.srv.ctx)
	if err != nil {
		s.storageFail("delete channel", err)
		return
	}
	if err := tx.DeleteChannel(model.DefaultServerID, name); err != nil {
		_ = tx.Rollback()
		s.storageFail("delete channel", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.storageFail("delete channel", err)
		return
	}

	// Relocate live members to the default channel.
	for _, member := range s.srv.registry.DropChannel(name) {
		member.sysReply("channel " + name + " was deleted")
		member.joinChannel(model.ChannelDefaultName)
	}

	s.srv.metrics.ChannelsDeleted.Add(1)
	slog.Info("channel deleted", "name", name, "by", s.user.Username)
	s.srv.broadcastChannelList()
}

func (s *Session) cmdRenameChannel(args []string) {
	if len(args) != 2 {
		s.sysReply("usage: /renamechannel <old> <new>")
		return
	}
	if !s.requirePermission(model.CapCreateChannel) {
		return
	}
	oldName, newName := args[0], args[1]
	if err := model.ValidateChannelName(newName); err != nil {
		s.sysReply(err.Error())
		return
	}

	// Channel row and history keys move together; run both in one
	// transaction.
	tx, err := s.srv.store.Tx(s.srv.ctx)
	if err != nil {
		s.storageFail("rename channel", err)
		return
	}
	if err := tx.RenameChannel(model.DefaultServerID, oldName, newName); err != nil {
		_ = tx.Rollback()
		s.storageFail("rename channel", err)
		return
	}
	if err := tx.Commit(); err != nil {
		s.storageFail("rename channel", err)
		return
	}
	s.srv.registry.RenameChannel(oldName, newName)
	slog.Info("channel renamed", "old", oldName, "new", newName, "by", s.user.Username)
	s.srv.broadcastChannelList()
	s.srv.pushChannelUsers(newName)
}

func (s *Session) cmdCreateRole(args []string) {
	if len(args) < 1 {
		s.sysReply("usage: /createrole <name> [cap,cap,...]")
		return
	}
	if !s.requirePermission(model.CapManageRoles) {
		return
	}
	role := &model.Role{Name: args[0]}
	if len(args) > 1 {
		for _, part := range strings.Split(args[1], ",") {
			cap := model.ParseCapability(part)
			if cap == 0 {
				s.sysReply("unknown capability: " + part)
				return
			}
			role.Caps |= cap
		}
	}
	if err := s.srv.store.NonTx().CreateRole(role); err != nil {
		s.storageFail("create role", err)
		return
	}
	slog.Info("role created", "name", role.Name, "caps", role.Caps, "by", s.user.Username)
	s.sendRolesList()
}

func (s *Session) cmdDeleteRole(args []string) {
	if len(args) != 1 {
		s.sysReply("usage: /deleterole <name>")
		return
	}
	if !s.requirePermission(model.CapManageRoles) {
		return
	}
	if args[0] == model.AdminRoleName {
		s.sysReply("the Admin role cannot be deleted")
		return
	}
	if err := s.srv.store.NonTx().DeleteRole(args[0]); err != nil {
		s.storageFail("delete role", err)
		return
	}
	slog.Info("role deleted", "name", args[0], "by", s.user.Username)
	s.sendRolesList()
}

func (s *Session) cmdAssignRole(args []string) {
	if len(args) != 2 {
		s.sysReply("usage: /assignrole <user> <role>")
		return
	}
	if !s.requirePermission(model.CapManageRoles) {
		return
	}
	if err := s.srv.store.NonTx().AssignRole(args[0], args[1]); err != nil {
		s.storageFail("assign role", err)
		return
	}
	slog.Info("role assigned", "user", args[0], "role", args[1], "by", s.user.Username)
	s.sysReply("assigned role " + args[1] + " to " + args[0])
	if target, ok := s.srv.registry.Session(args[0]); ok {
		target.sysReply("you were assigned role " + args[1])
	}
}

// sendRolesList replies with the csv of all role names.
func (s *Session) sendRolesList() {
	roles, err := s.srv.store.NonTx().ListRoles()
	if err != nil {
		s.storageFail("list roles", err)
		return
	}
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.Name
	}
	s.send(&protocol.Message{
		Kind:      model.KindRolesList,
		Content:   strings.Join(names, ","),
		Timestamp: time.Now().Unix(),
	})
}

func (s *Session) cmdBlock(args []string) {
	if len(args) != 1 {
		s.sysReply("usage: /block <user>")
		return
	}
	if !s.requirePermission(model.CapModerate) {
		return
	}
	target := args[0]
	if target == s.user.Username {
		s.sysReply("cannot block yourself")
		return
	}
	if err := s.srv.store.NonTx().SetUserBlocked(target, true); err != nil {
		s.storageFail("block", err)
		return
	}
	s.srv.metrics.BlockCount.Add(1)
	slog.Info("user blocked", "target", target, "by", s.user.Username)
	if sess, ok := s.srv.registry.Session(target); ok {
		sess.Close("you have been blocked")
	}
	s.sysReply("blocked " + target)
}

func (s *Session) cmdKick(args []string) {
	if len(args) != 1 {
		s.sysReply("usage: /kick <user>")
		return
	}
	if !s.requirePermission(model.CapModerate) {
		return
	}
	target := args[0]
	if target == s.user.Username {
		s.sysReply("cannot kick yourself")
		return
	}
	sess, ok := s.srv.registry.Session(target)
	if !ok {
		s.sysReply("user not online: " + target)
		return
	}
	s.srv.metrics.KickCount.Add(1)
	slog.Info("user kicked", "target", target, "by", s.user.Username)
	sess.Close("you have been kicked")
	s.sysReply("kicked " + target)
}

// cmdPrivateMessage persists the DM under the canonical two-party key,
// delivers it to the target if online, and echoes it to the sender.
func (s *Session) cmdPrivateMessage(raw string, args []string) {
	if len(args) < 2 {
		s.sysReply("usage: /msg <user> <text>")
		return
	}
	target := args[0]
	// Text is everything after the target token, interior whitespace
	// preserved. The command token is skipped first so a target that is a
	// substring of it cannot shift the slice.
	rest := strings.TrimLeftFunc(raw[strings.IndexFunc(raw, unicode.IsSpace):], unicode.IsSpace)
	text := strings.TrimSpace(rest[len(target):])
	if text == "" {
		s.sysReply("usage: /msg <user> <text>")
		return
	}

	st := s.srv.store.NonTx()
	exists, err := st.UserExists(target)
	if err != nil {
		s.storageFail("private message", err)
		return
	}
	if !exists {
		s.sysReply("unknown user: " + target)
		return
	}

	key := model.DirectKey(s.user.Username, target)
	stored := &model.Message{
		ChannelKey: key,
		Author:     s.user.Username,
		Kind:       model.KindPrivate,
		Body:       text,
	}
	if err := st.AppendMessage(stored); err != nil {
		s.storageFail("private message", err)
		return
	}

	frame := &protocol.Message{
		Username:  s.user.Username,
		Content:   text,
		Channel:   key,
		Timestamp: time.Now().Unix(),
		Kind:      model.KindPrivate,
	}
	if sess, ok := s.srv.registry.Session(target); ok {
		sess.send(frame)
	}
	s.send(frame)
	s.srv.metrics.PrivateMessagesSent.Add(1)
}

// cmdDMHistory replays the last persisted direct messages with a user.
func (s *Session) cmdDMHistory(args []string) {
	if len(args) != 1 {
		s.sysReply("usage: /dm_history <user>")
		return
	}
	key := model.DirectKey(s.user.Username, args[0])
	history, err := s.srv.store.NonTx().LastMessages(key, historyReplayCount)
	if err != nil {
		s.storageFail("dm history", err)
		return
	}
	for i := range history {
		m := &history[i]
		s.send(&protocol.Message{
			Username:  m.Author,
			Content:   m.Body,
			Channel:   key,
			Timestamp: m.CreatedAt.Unix(),
			Kind:      model.KindPrivate,
		})
	}
}

func (s *Session) cmdFriend(args []string) {
	if len(args) < 1 {
		s.sysReply("usage: /friend add <user>#<tag> | /friend list | /friend accept <user>")
		return
	}
	switch strings.ToLower(args[0]) {
	case "add":
		if len(args) != 2 {
			s.sysReply("usage: /friend add <user>#<tag>")
			return
		}
		s.friendAdd(args[1])
	case "list":
		s.srv.sendFriendList(s)
	case "accept":
		if len(args) != 2 {
			s.sysReply("usage: /friend accept <user>")
			return
		}
		s.friendAccept(args[1])
	default:
		s.sysReply("unknown friend subcommand: " + args[0])
	}
}

// friendAdd creates a tag-verified, auto-accepted friendship. A wrong tag
// creates no edge.
func (s *Session) friendAdd(handle string) {
	idx := strings.LastIndex(handle, "#")
	if idx < 0 {
		s.sysReply("usage: /friend add <user>#<tag>")
		return
	}
	name, tag := handle[:idx], handle[idx+1:]
	if name == s.user.Username {
		s.sysReply("cannot friend yourself")
		return
	}

	st := s.srv.store.NonTx()
	target, err := st.GetUserByUsername(name)
	if err != nil {
		s.storageFail("friend add", err)
		return
	}
	if target == nil || target.Tag != tag {
		s.sysReply("no such user: " + handle)
		return
	}
	if err := st.UpsertFriendEdge(s.user.Username, name, model.FriendAccepted); err != nil {
		s.storageFail("friend add", err)
		return
	}
	slog.Info("friendship created", "requester", s.user.Username, "target", name)

	// Refresh both parties' presence views.
	s.srv.pushFriendLists(s.user.Username)
	s.srv.pushFriendLists(name)
}

func (s *Session) friendAccept(name string) {
	st := s.srv.store.NonTx()
	if err := st.PromoteFriendEdge(name, s.user.Username); err != nil {
		s.sysReply("no pending request from " + name)
		return
	}
	s.srv.pushFriendLists(s.user.Username)
	s.srv.pushFriendLists(name)
}

// cmdStatus broadcasts an unpersisted presence status to all sessions.
func (s *Session) cmdStatus(raw string) {
	value := ""
	if i := strings.IndexFunc(raw, unicode.IsSpace); i >= 0 {
		value = strings.TrimSpace(raw[i:])
	}
	if value == "" {
		s.sysReply("usage: /status <value>")
		return
	}
	frame := &protocol.Message{
		Username:  s.user.Username,
		Content:   value,
		Timestamp: time.Now().Unix(),
		Kind:      model.KindStatusUpdate,
	}
	for _, sess := range s.srv.registry.Sessions() {
		sess.send(frame)
	}
}

func (s *Session) cmdPasswd(args []string) {
	if len(args) != 1 {
		s.sysReply("usage: /passwd <new-password>")
		return
	}
	credential, err := crypto.HashPassword(args[0])
	if err != nil {
		slog.Error("hash password", "err", err)
		s.sysReply("password update failed")
		return
	}
	if err := s.srv.store.NonTx().UpdateUserPassword(s.user.Username, credential); err != nil {
		s.storageFail("passwd", err)
		return
	}
	s.sysReply("password updated")
}
