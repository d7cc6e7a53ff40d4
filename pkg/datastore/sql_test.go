package datastore_test

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/parley-chat/parley/pkg/crypto"
	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/model"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

func NewTestSqlConn(t *testing.T) (*datastore.ProviderFactory, error) {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		return nil, fmt.Errorf("sql_test: failed to open db: %w", err)
	}

	t.Cleanup(func() {
		if err := st.Close(); err != nil {
			fmt.Printf("Error closing database: %v\n", err)
		}
	})

	return st, nil
}

func seedUser(t *testing.T, st datastore.DataStore, username string) *model.User {
	t.Helper()
	credential, err := crypto.HashPassword("secret")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	u, err := st.CreateUser(username, credential, "0042")
	if err != nil {
		t.Fatalf("CreateUser: failed to seed %q: %v", username, err)
	}
	return u
}

func TestCreateUser(t *testing.T) {
	t.Parallel()

	type tcase struct {
		username  string
		tag       string
		expectErr bool
	}

	tcases := map[string]tcase{
		"minimum_required_fields": {
			username:  "johndoe",
			tag:       "0001",
			expectErr: false,
		},
		"injection_username": { // invalid chars (quotes, spaces, equals)
			username:  "' OR '1'='1",
			tag:       "0001",
			expectErr: true,
		},
		"empty_username": {
			username:  "",
			tag:       "0001",
			expectErr: true,
		},
		"too_long_username": { // 33 characters exceeds the limit
			username:  "244332520805424681091903292885483",
			tag:       "0001",
			expectErr: true,
		},
		"bad_tag": {
			username:  "janedoe",
			tag:       "12",
			expectErr: true,
		},
	}

	fn := func(tc tcase) func(*testing.T) {
		return func(t *testing.T) {
			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}

			got, err := store.NonTx().CreateUser(tc.username, "argon2id$x$y", tc.tag)
			if tc.expectErr {
				if err == nil {
					t.Fatalf("CreateUser: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("CreateUser: unexpected error: %v", err)
			}

			want := &model.User{
				Username:   tc.username,
				Credential: "argon2id$x$y",
				Tag:        tc.tag,
			}

			if diff := cmp.Diff(want, got, cmpopts.IgnoreFields(model.User{}, "ID", "CreatedAt")); diff != "" {
				t.Errorf("store.NonTx().CreateUser mismatch (-want +got):\n%s", diff)
			}
		}
	}

	for name, tc := range tcases {
		t.Run(name, fn(tc))
	}
}

func TestCreateUserDuplicate(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	seedUser(t, st, "johndoe")
	if _, err := st.CreateUser("johndoe", "argon2id$x$y", "9999"); err == nil {
		t.Fatal("CreateUser: expected error for duplicate username, got nil")
	}
}

func TestGetUserByUsername(t *testing.T) {
	t.Parallel()

	type tcase struct {
		username   string
		seedUser   bool
		expectUser bool
	}

	tests := map[string]tcase{
		"minimum_required_fields": {
			username:   "johndoe",
			seedUser:   true,
			expectUser: true,
		},
		"no_user_exists": {
			username:   "janedoe",
			seedUser:   false,
			expectUser: false,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}
			st := store.NonTx()

			var seeded *model.User
			if tc.seedUser {
				seeded = seedUser(t, st, tc.username)
			}

			got, err := st.GetUserByUsername(tc.username)
			if err != nil {
				t.Fatalf("GetUserByUsername: unexpected error: %v", err)
			}
			if !tc.expectUser {
				if got != nil {
					t.Fatalf("GetUserByUsername: expected nil, got user")
				}
				return
			}
			if got == nil {
				t.Fatalf("GetUserByUsername: expected user, got nil")
			}
			if got.ID != seeded.ID || got.Username != seeded.Username {
				t.Fatalf("GetUserByUsername mismatch: want %+v got %+v", seeded, got)
			}
		})
	}
}

func TestUpdateUserPassword(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	seedUser(t, st, "johndoe")

	newCredential, err := crypto.HashPassword("rotated")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if err := st.UpdateUserPassword("johndoe", newCredential); err != nil {
		t.Fatalf("UpdateUserPassword: unexpected error: %v", err)
	}

	got, err := st.GetUserByUsername("johndoe")
	if err != nil {
		t.Fatalf("GetUserByUsername: unexpected error: %v", err)
	}

	ok, err := crypto.VerifyPassword("rotated", got.Credential)
	if err != nil {
		t.Fatalf("VerifyPassword: unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("UpdateUserPassword: new password does not verify")
	}
}

func TestSetUserBlocked(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	seedUser(t, st, "johndoe")

	if err := st.SetUserBlocked("johndoe", true); err != nil {
		t.Fatalf("SetUserBlocked: unexpected error: %v", err)
	}
	got, err := st.GetUserByUsername("johndoe")
	if err != nil {
		t.Fatalf("GetUserByUsername: unexpected error: %v", err)
	}
	if !got.Blocked {
		t.Fatal("SetUserBlocked: expected blocked=true")
	}

	if err := st.SetUserBlocked("johndoe", false); err != nil {
		t.Fatalf("SetUserBlocked: unexpected error: %v", err)
	}
	got, err = st.GetUserByUsername("johndoe")
	if err != nil {
		t.Fatalf("GetUserByUsername: unexpected error: %v", err)
	}
	if got.Blocked {
		t.Fatal("SetUserBlocked: expected blocked=false after clear")
	}
}

func TestListUsers(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	names := []string{"johndoe", "janedoe", "babydoe"}
	for _, name := range names {
		seedUser(t, st, name)
	}

	users, err := st.ListUsers()
	if err != nil {
		t.Fatalf("ListUsers: unexpected error: %v", err)
	}
	if len(users) != len(names) {
		t.Fatalf("ListUsers: length mismatch got=%d want=%d", len(users), len(names))
	}
	for i, name := range names {
		if users[i].Username != name {
			t.Errorf("ListUsers[%d]: got %q want %q", i, users[i].Username, name)
		}
	}
}

func TestRolesLifecycle(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	role := &model.Role{Name: "mods", Caps: model.CapModerate | model.CapDeleteMessage}
	if err := st.CreateRole(role); err != nil {
		t.Fatalf("CreateRole: unexpected error: %v", err)
	}
	if role.ID == 0 {
		t.Fatal("CreateRole: expected non-zero ID")
	}

	got, err := st.GetRole("mods")
	if err != nil {
		t.Fatalf("GetRole: unexpected error: %v", err)
	}
	if diff := cmp.Diff(role, got); diff != "" {
		t.Fatalf("GetRole mismatch (-want +got):\n%s", diff)
	}

	missing, err := st.GetRole("nope")
	if err != nil {
		t.Fatalf("GetRole: unexpected error: %v", err)
	}
	if missing != nil {
		t.Fatalf("GetRole: expected nil for missing role, got %+v", missing)
	}

	if err := st.DeleteRole("mods"); err != nil {
		t.Fatalf("DeleteRole: unexpected error: %v", err)
	}
	got, err = st.GetRole("mods")
	if err != nil {
		t.Fatalf("GetRole: unexpected error: %v", err)
	}
	if got != nil {
		t.Fatal("DeleteRole: role still present after delete")
	}
}

func TestDeleteRoleProtectsAdmin(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	admin := model.AdminRole()
	if err := st.CreateRole(&admin); err != nil {
		t.Fatalf("CreateRole: unexpected error: %v", err)
	}

	if err := st.DeleteRole(model.AdminRoleName); err == nil {
		t.Fatal("DeleteRole: expected error deleting Admin, got nil")
	}
}

func TestAssignRole(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	seedUser(t, st, "johndoe")
	role := &model.Role{Name: "mods", Caps: model.CapModerate}
	if err := st.CreateRole(role); err != nil {
		t.Fatalf("CreateRole: unexpected error: %v", err)
	}

	if err := st.AssignRole("johndoe", "mods"); err != nil {
		t.Fatalf("AssignRole: unexpected error: %v", err)
	}
	// Idempotent
	if err := st.AssignRole("johndoe", "mods"); err != nil {
		t.Fatalf("AssignRole: repeat assignment errored: %v", err)
	}

	roles, err := st.RolesOf("johndoe")
	if err != nil {
		t.Fatalf("RolesOf: unexpected error: %v", err)
	}
	if len(roles) != 1 || roles[0].Name != "mods" {
		t.Fatalf("RolesOf: expected [mods], got %+v", roles)
	}

	if err := st.AssignRole("nobody", "mods"); err == nil {
		t.Fatal("AssignRole: expected error for unknown user, got nil")
	}
	if err := st.AssignRole("johndoe", "ghosts"); err == nil {
		t.Fatal("AssignRole: expected error for unknown role, got nil")
	}

	if err := st.UnassignRole("johndoe", "mods"); err != nil {
		t.Fatalf("UnassignRole: unexpected error: %v", err)
	}
	roles, err = st.RolesOf("johndoe")
	if err != nil {
		t.Fatalf("RolesOf: unexpected error: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("UnassignRole: expected no roles, got %+v", roles)
	}
}

func TestDeleteUserCascadesRoles(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	seedUser(t, st, "johndoe")
	role := &model.Role{Name: "mods", Caps: model.CapModerate}
	if err := st.CreateRole(role); err != nil {
		t.Fatalf("CreateRole: unexpected error: %v", err)
	}
	if err := st.AssignRole("johndoe", "mods"); err != nil {
		t.Fatalf("AssignRole: unexpected error: %v", err)
	}

	if err := st.DeleteUser("johndoe"); err != nil {
		t.Fatalf("DeleteUser: unexpected error: %v", err)
	}

	roles, err := st.RolesOf("johndoe")
	if err != nil {
		t.Fatalf("RolesOf: unexpected error: %v", err)
	}
	if len(roles) != 0 {
		t.Fatalf("DeleteUser: role assignments survived: %+v", roles)
	}
}

func TestChannelLifecycle(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	ch := model.NewChannel("general")
	if err := st.CreateChannel(ch); err != nil {
		t.Fatalf("CreateChannel: unexpected error: %v", err)
	}
	if ch.ID == 0 {
		t.Fatal("CreateChannel: expected non-zero ID")
	}

	// Duplicate (name, server) pair is rejected.
	if err := st.CreateChannel(model.NewChannel("general")); err == nil {
		t.Fatal("CreateChannel: expected error for duplicate channel, got nil")
	}

	got, err := st.GetChannelByNameAndServer("general", model.DefaultServerID)
	if err != nil {
		t.Fatalf("GetChannelByNameAndServer: unexpected error: %v", err)
	}
	if diff := cmp.Diff(ch, got, cmpopts.IgnoreFields(model.Channel{}, "CreatedAt")); diff != "" {
		t.Fatalf("GetChannelByNameAndServer mismatch (-want +got):\n%s", diff)
	}

	missing, err := st.GetChannelByNameAndServer("nope", model.DefaultServerID)
	if err != nil {
		t.Fatalf("GetChannelByNameAndServer: unexpected error: %v", err)
	}
	if missing != nil {
		t.Fatalf("GetChannelByNameAndServer: expected nil, got %+v", missing)
	}

	voice := model.NewChannel("lounge")
	voice.Kind = model.ChannelVoice
	if err := st.CreateChannel(voice); err != nil {
		t.Fatalf("CreateChannel: unexpected error: %v", err)
	}

	channels, err := st.ListChannels(model.DefaultServerID)
	if err != nil {
		t.Fatalf("ListChannels: unexpected error: %v", err)
	}
	if len(channels) != 2 {
		t.Fatalf("ListChannels: expected 2 channels, got %d", len(channels))
	}

	if err := st.DeleteChannel(model.DefaultServerID, "lounge"); err != nil {
		t.Fatalf("DeleteChannel: unexpected error: %v", err)
	}
	channels, err = st.ListChannels(model.DefaultServerID)
	if err != nil {
		t.Fatalf("ListChannels: unexpected error: %v", err)
	}
	if len(channels) != 1 {
		t.Fatalf("DeleteChannel: expected 1 channel left, got %d", len(channels))
	}
}

func TestRenameChannelCarriesHistory(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	if err := st.CreateChannel(model.NewChannel("old")); err != nil {
		t.Fatalf("CreateChannel: unexpected error: %v", err)
	}
	msg := &model.Message{
		ChannelKey: model.ChannelKey(model.DefaultServerID, "old"),
		Author:     "alice",
		Kind:       model.KindChat,
		Body:       "before rename",
	}
	if err := st.AppendMessage(msg); err != nil {
		t.Fatalf("AppendMessage: unexpected error: %v", err)
	}

	if err := st.RenameChannel(model.DefaultServerID, "old", "new"); err != nil {
		t.Fatalf("RenameChannel: unexpected error: %v", err)
	}

	history, err := st.LastMessages(model.ChannelKey(model.DefaultServerID, "new"), 10)
	if err != nil {
		t.Fatalf("LastMessages: unexpected error: %v", err)
	}
	if len(history) != 1 || history[0].Body != "before rename" {
		t.Fatalf("RenameChannel: history not carried over, got %+v", history)
	}

	if err := st.RenameChannel(model.DefaultServerID, "ghost", "whatever"); err == nil {
		t.Fatal("RenameChannel: expected error for missing channel, got nil")
	}
}

func TestDeleteChannelRemovesHistory(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	if err := st.CreateChannel(model.NewChannel("doomed")); err != nil {
		t.Fatalf("CreateChannel: unexpected error: %v", err)
	}
	key := model.ChannelKey(model.DefaultServerID, "doomed")
	if err := st.AppendMessage(&model.Message{ChannelKey: key, Author: "alice", Kind: model.KindChat, Body: "bye"}); err != nil {
		t.Fatalf("AppendMessage: unexpected error: %v", err)
	}

	if err := st.DeleteChannel(model.DefaultServerID, "doomed"); err != nil {
		t.Fatalf("DeleteChannel: unexpected error: %v", err)
	}

	history, err := st.LastMessages(key, 10)
	if err != nil {
		t.Fatalf("LastMessages: unexpected error: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("DeleteChannel: history survived, got %+v", history)
	}
}

func TestAppendMessage(t *testing.T) {
	t.Parallel()

	type tcase struct {
		message   *model.Message
		expectErr bool
	}

	tests := map[string]tcase{
		"valid_chat": {
			message: &model.Message{
				ChannelKey: "general",
				Author:     "alice",
				Kind:       model.KindChat,
				Body:       "Hello, world!",
			},
			expectErr: false,
		},
		"valid_private": {
			message: &model.Message{
				ChannelKey: model.DirectKey("alice", "bob"),
				Author:     "alice",
				Kind:       model.KindPrivate,
				Body:       "psst",
			},
			expectErr: false,
		},
		"valid_file": {
			message: &model.Message{
				ChannelKey: "general",
				Author:     "alice",
				Kind:       model.KindFile,
				FileName:   "cat.png",
				FileBytes:  []byte{1, 2, 3},
			},
			expectErr: false,
		},
		"empty_body": {
			message: &model.Message{
				ChannelKey: "general",
				Author:     "alice",
				Kind:       model.KindChat,
				Body:       "",
			},
			expectErr: true,
		},
		"ephemeral_kind": {
			message: &model.Message{
				ChannelKey: "general",
				Kind:       model.KindUserList,
				Body:       "alice,bob",
			},
			expectErr: true,
		},
		"system_kind": {
			message: &model.Message{
				ChannelKey: "general",
				Kind:       model.KindSystem,
				Body:       "server notice",
			},
			expectErr: true,
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store, err := NewTestSqlConn(t)
			if err != nil {
				t.Fatalf("failed to open test connection: %v", err)
			}

			err = store.NonTx().AppendMessage(tc.message)
			if tc.expectErr {
				if err == nil {
					t.Fatalf("AppendMessage: expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("AppendMessage: unexpected error: %v", err)
			}
			if tc.message.ID == 0 {
				t.Fatalf("AppendMessage: expected non-zero ID")
			}
		})
	}
}

func TestLastMessagesOrderAndLimit(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	for i := range 10 {
		msg := &model.Message{
			ChannelKey: "general",
			Author:     "alice",
			Kind:       model.KindChat,
			Body:       fmt.Sprintf("msg %d", i),
		}
		if err := st.AppendMessage(msg); err != nil {
			t.Fatalf("AppendMessage[%d]: unexpected error: %v", i, err)
		}
	}
	// A message on another key must not leak in.
	if err := st.AppendMessage(&model.Message{ChannelKey: "other", Author: "bob", Kind: model.KindChat, Body: "elsewhere"}); err != nil {
		t.Fatalf("AppendMessage: unexpected error: %v", err)
	}

	got, err := st.LastMessages("general", 4)
	if err != nil {
		t.Fatalf("LastMessages: unexpected error: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("LastMessages: expected 4 messages, got %d", len(got))
	}
	// The last 4 of 10, oldest first.
	for i, m := range got {
		want := fmt.Sprintf("msg %d", 6+i)
		if m.Body != want {
			t.Errorf("LastMessages[%d]: got %q want %q", i, m.Body, want)
		}
	}
}

func TestDeleteMessage(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	msg := &model.Message{ChannelKey: "general", Author: "alice", Kind: model.KindChat, Body: "to be deleted"}
	if err := st.AppendMessage(msg); err != nil {
		t.Fatalf("AppendMessage: unexpected error: %v", err)
	}

	if err := st.DeleteMessage(msg.ID); err != nil {
		t.Fatalf("DeleteMessage: unexpected error: %v", err)
	}

	got, err := st.LastMessages("general", 10)
	if err != nil {
		t.Fatalf("LastMessages: unexpected error: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("DeleteMessage: expected 0 messages after delete, got %d", len(got))
	}
}

func TestFriendEdges(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	if err := st.UpsertFriendEdge("alice", "bob", model.FriendAccepted); err != nil {
		t.Fatalf("UpsertFriendEdge: unexpected error: %v", err)
	}
	// Reverse orientation must not create a second edge.
	if err := st.UpsertFriendEdge("bob", "alice", model.FriendAccepted); err != nil {
		t.Fatalf("UpsertFriendEdge: reverse orientation errored: %v", err)
	}

	edge, err := st.FriendEdgeBetween("bob", "alice")
	if err != nil {
		t.Fatalf("FriendEdgeBetween: unexpected error: %v", err)
	}
	if edge == nil {
		t.Fatal("FriendEdgeBetween: expected edge, got nil")
	}
	if !edge.Involves("alice", "bob") {
		t.Fatalf("FriendEdgeBetween: wrong edge %+v", edge)
	}

	friendsOfAlice, err := st.FriendsOf("alice")
	if err != nil {
		t.Fatalf("FriendsOf: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"bob"}, friendsOfAlice); diff != "" {
		t.Fatalf("FriendsOf(alice) mismatch (-want +got):\n%s", diff)
	}
	friendsOfBob, err := st.FriendsOf("bob")
	if err != nil {
		t.Fatalf("FriendsOf: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"alice"}, friendsOfBob); diff != "" {
		t.Fatalf("FriendsOf(bob) mismatch (-want +got):\n%s", diff)
	}
}

func TestPromoteFriendEdge(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	if err := st.UpsertFriendEdge("alice", "bob", model.FriendPending); err != nil {
		t.Fatalf("UpsertFriendEdge: unexpected error: %v", err)
	}

	pending, err := st.PendingRequestsFor("bob")
	if err != nil {
		t.Fatalf("PendingRequestsFor: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"alice"}, pending); diff != "" {
		t.Fatalf("PendingRequestsFor mismatch (-want +got):\n%s", diff)
	}

	// Pending edges are not friendships yet.
	friends, err := st.FriendsOf("bob")
	if err != nil {
		t.Fatalf("FriendsOf: unexpected error: %v", err)
	}
	if len(friends) != 0 {
		t.Fatalf("FriendsOf: pending edge counted as friend: %+v", friends)
	}

	if err := st.PromoteFriendEdge("alice", "bob"); err != nil {
		t.Fatalf("PromoteFriendEdge: unexpected error: %v", err)
	}
	friends, err = st.FriendsOf("bob")
	if err != nil {
		t.Fatalf("FriendsOf: unexpected error: %v", err)
	}
	if diff := cmp.Diff([]string{"alice"}, friends); diff != "" {
		t.Fatalf("FriendsOf after promote mismatch (-want +got):\n%s", diff)
	}

	if err := st.PromoteFriendEdge("carol", "bob"); err == nil {
		t.Fatal("PromoteFriendEdge: expected error with no pending request, got nil")
	}
}

func TestServers(t *testing.T) {
	t.Parallel()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	srv := &model.Server{Name: "main"}
	if err := st.CreateServer(srv); err != nil {
		t.Fatalf("CreateServer: unexpected error: %v", err)
	}
	if srv.ID == 0 {
		t.Fatal("CreateServer: expected non-zero ID")
	}

	got, err := st.GetServer(srv.ID)
	if err != nil {
		t.Fatalf("GetServer: unexpected error: %v", err)
	}
	if got == nil || got.Name != "main" {
		t.Fatalf("GetServer: got %+v", got)
	}

	missing, err := st.GetServer(99)
	if err != nil {
		t.Fatalf("GetServer: unexpected error: %v", err)
	}
	if missing != nil {
		t.Fatalf("GetServer: expected nil, got %+v", missing)
	}

	servers, err := st.ListServers()
	if err != nil {
		t.Fatalf("ListServers: unexpected error: %v", err)
	}
	if len(servers) != 1 {
		t.Fatalf("ListServers: expected 1 server, got %d", len(servers))
	}
}

func TestDeleteServerCascade(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	srv := &model.Server{Name: "main"}
	if err := st.CreateServer(srv); err != nil {
		t.Fatalf("CreateServer: unexpected error: %v", err)
	}

	ch := &model.Channel{Name: "general", ServerID: srv.ID, Kind: model.ChannelText}
	if err := st.CreateChannel(ch); err != nil {
		t.Fatalf("CreateChannel: unexpected error: %v", err)
	}
	key := model.ChannelKey(srv.ID, "general")
	if err := st.AppendMessage(&model.Message{ChannelKey: key, Author: "alice", Kind: model.KindChat, Body: "hi"}); err != nil {
		t.Fatalf("AppendMessage: unexpected error: %v", err)
	}

	tx, err := store.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if err := tx.DeleteServerCascade(srv.ID); err != nil {
		_ = tx.Rollback()
		t.Fatalf("DeleteServerCascade: unexpected error: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	gone, err := st.GetServer(srv.ID)
	if err != nil {
		t.Fatalf("GetServer: unexpected error: %v", err)
	}
	if gone != nil {
		t.Fatal("DeleteServerCascade: server row survived")
	}
	channels, err := st.ListChannels(srv.ID)
	if err != nil {
		t.Fatalf("ListChannels: unexpected error: %v", err)
	}
	if len(channels) != 0 {
		t.Fatalf("DeleteServerCascade: channels survived: %+v", channels)
	}
	history, err := st.LastMessages(key, 10)
	if err != nil {
		t.Fatalf("LastMessages: unexpected error: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("DeleteServerCascade: history survived: %+v", history)
	}
}

func TestTxRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}

	tx, err := store.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if err := tx.CreateChannel(model.NewChannel("phantom")); err != nil {
		t.Fatalf("CreateChannel in tx: unexpected error: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	got, err := store.NonTx().GetChannelByNameAndServer("phantom", model.DefaultServerID)
	if err != nil {
		t.Fatalf("GetChannelByNameAndServer: unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("Rollback: channel persisted anyway: %+v", got)
	}
}

func TestRenameChannelTxRollback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store, err := NewTestSqlConn(t)
	if err != nil {
		t.Fatalf("failed to open test connection: %v", err)
	}
	st := store.NonTx()

	if err := st.CreateChannel(model.NewChannel("old")); err != nil {
		t.Fatalf("CreateChannel: unexpected error: %v", err)
	}
	msg := &model.Message{
		ChannelKey: model.ChannelKey(model.DefaultServerID, "old"),
		Author:     "alice",
		Kind:       model.KindChat,
		Body:       "before rename",
	}
	if err := st.AppendMessage(msg); err != nil {
		t.Fatalf("AppendMessage: unexpected error: %v", err)
	}

	tx, err := store.Tx(ctx)
	if err != nil {
		t.Fatalf("Tx: %v", err)
	}
	if err := tx.RenameChannel(model.DefaultServerID, "old", "new"); err != nil {
		t.Fatalf("RenameChannel in tx: unexpected error: %v", err)
	}
	if err := tx.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}

	// Neither the channel row nor its history moved.
	ch, err := st.GetChannelByNameAndServer("old", model.DefaultServerID)
	if err != nil {
		t.Fatalf("GetChannelByNameAndServer: unexpected error: %v", err)
	}
	if ch == nil {
		t.Fatal("Rollback: channel rename applied anyway")
	}
	history, err := st.LastMessages(model.ChannelKey(model.DefaultServerID, "old"), 10)
	if err != nil {
		t.Fatalf("LastMessages: unexpected error: %v", err)
	}
	if len(history) != 1 || history[0].Body != "before rename" {
		t.Fatalf("Rollback: history moved anyway, got %+v", history)
	}
}

func TestProviderFactoryClose(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := datastore.NewProviderFactory(dbPath)
	if err != nil {
		t.Fatalf("NewProviderFactory: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := st.NonTx().GetUserByUsername("alice"); err == nil {
		t.Fatal("expected error querying a closed store, got nil")
	}
}
