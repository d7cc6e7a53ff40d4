package datastore

import (
	"context"

	"github.com/parley-chat/parley/pkg/model"
)

// DataProviderFactory hands out plain and transactional store views.
// Close releases the underlying database handle.
type DataProviderFactory interface {
	NonTx() DataStore
	Tx(context.Context) (DataStoreTx, error)
	Close() error
}

// DataStoreTx is a DataStore bound to a transaction. Multi-step mutations
// (e.g. deleting a server and its channels) run here so failure leaves no
// partial application.
type DataStoreTx interface {
	DataStore
	ServerCascadeProvider
	Rollback() error
	Commit() error
}

// DataStore defines the persistence contract for all Parley entities.
// Every operation is synchronous and individually atomic. Lookups return
// (nil, nil) when the entity does not exist.
type DataStore interface {
	ConfigProvider

	UserReadProvider
	UserWriteProvider

	RoleReadProvider
	RoleWriteProvider

	ChannelReadProvider
	ChannelWriteProvider

	MessageReadProvider
	MessageWriteProvider

	FriendReadProvider
	FriendWriteProvider

	ServerReadProvider
	ServerWriteProvider
}

// Compile-time check: the SQLite factory satisfies the contract.
var _ DataProviderFactory = (*ProviderFactory)(nil)

type ConfigProvider interface {
	Close() error
}

type UserReadProvider interface {
	GetUserByUsername(username string) (*model.User, error)
	UserExists(username string) (bool, error)
	ListUsers() ([]model.User, error)
}

type UserWriteProvider interface {
	CreateUser(username, credential, tag string) (*model.User, error)
	UpdateUserPassword(username, credential string) error
	SetUserBlocked(username string, blocked bool) error
	SetUserCanCreateChannel(username string, allowed bool) error
	DeleteUser(username string) error
}

type RoleReadProvider interface {
	GetRole(name string) (*model.Role, error)
	ListRoles() ([]model.Role, error)
	RolesOf(username string) ([]model.Role, error)
}

type RoleWriteProvider interface {
	CreateRole(role *model.Role) error
	DeleteRole(name string) error
	AssignRole(username, roleName string) error
	UnassignRole(username, roleName string) error
}

type ChannelReadProvider interface {
	GetChannelByNameAndServer(name string, serverID int64) (*model.Channel, error)
	ListChannels(serverID int64) ([]model.Channel, error)
}

type ChannelWriteProvider interface {
	CreateChannel(channel *model.Channel) error
	RenameChannel(serverID int64, oldName, newName string) error
	DeleteChannel(serverID int64, name string) error
}

type MessageReadProvider interface {
	// LastMessages returns up to n persisted messages for a channel key,
	// ordered oldest-first.
	LastMessages(channelKey string, n int) ([]model.Message, error)
}

type MessageWriteProvider interface {
	AppendMessage(message *model.Message) error
	DeleteMessage(messageID int64) error
}

type FriendReadProvider interface {
	// FriendEdgeBetween looks up the edge in either orientation.
	FriendEdgeBetween(a, b string) (*model.FriendEdge, error)
	// FriendsOf returns usernames with an accepted edge to the user.
	FriendsOf(username string) ([]string, error)
	PendingRequestsFor(username string) ([]string, error)
}

type FriendWriteProvider interface {
	// UpsertFriendEdge creates the edge unless one already exists in
	// either orientation.
	UpsertFriendEdge(requester, target string, status model.FriendStatus) error
	PromoteFriendEdge(requester, target string) error
}

type ServerReadProvider interface {
	GetServer(id int64) (*model.Server, error)
	ListServers() ([]model.Server, error)
}

type ServerWriteProvider interface {
	CreateServer(server *model.Server) error
}

type ServerCascadeProvider interface {
	// DeleteServerCascade removes a server, its channels, and their
	// history. Only available inside a transaction.
	DeleteServerCascade(serverID int64) error
}
