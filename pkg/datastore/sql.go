// Package datastore provides SQLite-backed persistence for Parley.
package datastore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/parley-chat/parley/pkg/model"
)

const dbTimeLayout = "2006-01-02 15:04:05"

type DB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type baseProvider struct {
	DB
}

func (p *baseProvider) Close() error {
	return nil
}

type nonTxProvider struct {
	baseProvider
}

type txProvider struct {
	baseProvider
	tx *sql.Tx
}

func (c *txProvider) Rollback() error {
	return c.tx.Rollback()
}

func (c *txProvider) Commit() error {
	return c.tx.Commit()
}

// ProviderFactory provides database access for all Parley entities.
type ProviderFactory struct {
	DB *sql.DB
}

func (sf *ProviderFactory) NonTx() DataStore {
	return &nonTxProvider{
		baseProvider: baseProvider{
			DB: sf.DB,
		},
	}
}

func (sf *ProviderFactory) Tx(ctx context.Context) (DataStoreTx, error) {
	tx, err := sf.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}

	return &txProvider{
		baseProvider: baseProvider{
			DB: tx,
		},
		tx: tx,
	}, nil
}

// NewProviderFactory opens (or creates) a SQLite database and runs migrations.
func NewProviderFactory(dbPath string) (*ProviderFactory, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("datastore: open DB: %w", err)
	}

	ctx := context.Background()

	// WAL for better concurrent read performance
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: enable FK: %w", err)
	}
	// Avoid "database is locked" under concurrency
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: set busy_timeout: %w", err)
	}

	s := &ProviderFactory{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("datastore: migrate: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (sf *ProviderFactory) Close() error {
	return sf.DB.Close()
}

func (sf *ProviderFactory) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS servers (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT    NOT NULL UNIQUE,
		created_at TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS users (
		id                 INTEGER PRIMARY KEY AUTOINCREMENT,
		username           TEXT    NOT NULL UNIQUE CHECK(length(username) > 0 AND length(username) <= 32),
		credential         TEXT    NOT NULL,
		tag                TEXT    NOT NULL CHECK(length(tag) = 4),
		blocked            INTEGER NOT NULL DEFAULT 0,
		can_create_channel INTEGER NOT NULL DEFAULT 0,
		created_at         TEXT    NOT NULL DEFAULT (datetime('now'))
	);

	CREATE TABLE IF NOT EXISTS roles (
		id   INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT    NOT NULL UNIQUE,
		caps INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS user_roles (
		user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		role_id INTEGER NOT NULL REFERENCES roles(id) ON DELETE CASCADE,
		PRIMARY KEY (user_id, role_id)
	);

	CREATE TABLE IF NOT EXISTS channels (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT    NOT NULL,
		server_id  INTEGER NOT NULL DEFAULT 1,
		kind       TEXT    NOT NULL DEFAULT 'TEXT',
		created_at TEXT    NOT NULL DEFAULT (datetime('now')),
		UNIQUE(name, server_id)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		channel_key TEXT    NOT NULL,
		author      TEXT    NOT NULL DEFAULT '',
		kind        TEXT    NOT NULL DEFAULT 'CHAT',
		body        TEXT    NOT NULL DEFAULT '',
		file_name   TEXT    NOT NULL DEFAULT '',
		file_bytes  BLOB,
		created_at  TEXT    NOT NULL DEFAULT (datetime('now'))
	);
	CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(channel_key, id);

	CREATE TABLE IF NOT EXISTS friends (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		requester  TEXT    NOT NULL,
		target     TEXT    NOT NULL,
		status     TEXT    NOT NULL DEFAULT 'pending',
		created_at TEXT    NOT NULL DEFAULT (datetime('now')),
		UNIQUE(requester, target)
	);
	`
	ctx := context.Background()
	if err := sf.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := sf.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	migrations := []struct {
		version    int
		statements []string
	}{
		{
			version:    1,
			statements: []string{schema},
		},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements {
			if _, err := sf.DB.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("datastore: migrate v%d: %w", m.version, err)
			}
		}
		if err := sf.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

func (sf *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := sf.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := sf.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := sf.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (sf *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := sf.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (sf *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := sf.DB.ExecContext(ctx, "UPDATE schema_migrations SET version = ?", version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func parseDBTime(value string) (time.Time, error) {
	return time.ParseInLocation(dbTimeLayout, value, time.UTC)
}

// ---- Users ----

// CreateUser inserts a new user. The credential must already be hashed.
func (s *baseProvider) CreateUser(username, credential, tag string) (*model.User, error) {
	if err := model.ValidateUsername(username); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	if err := model.ValidateTag(tag); err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	res, err := s.ExecContext(context.Background(),
		"INSERT INTO users (username, credential, tag) VALUES (?, ?, ?)",
		username, credential, tag)
	if err != nil {
		return nil, fmt.Errorf("datastore: create user: %w", err)
	}
	id, _ := res.LastInsertId()
	return &model.User{
		ID:         id,
		Username:   username,
		Credential: credential,
		Tag:        tag,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (s *baseProvider) scanUser(row *sql.Row) (*model.User, error) {
	u := &model.User{}
	var blockedInt, canCreateInt int
	var createdAt string
	err := row.Scan(&u.ID, &u.Username, &u.Credential, &u.Tag, &blockedInt, &canCreateInt, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.Blocked = blockedInt != 0
	u.CanCreateChannel = canCreateInt != 0
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get user: %w", err)
	}
	u.CreatedAt = parsed
	return u, nil
}

// GetUserByUsername retrieves a user. Returns (nil, nil) if not found.
func (s *baseProvider) GetUserByUsername(username string) (*model.User, error) {
	row := s.QueryRowContext(context.Background(),
		"SELECT id, username, credential, tag, blocked, can_create_channel, created_at FROM users WHERE username = ?",
		username)
	return s.scanUser(row)
}

// UserExists reports whether a username is registered.
func (s *baseProvider) UserExists(username string) (bool, error) {
	var count int
	err := s.QueryRowContext(context.Background(),
		"SELECT COUNT(*) FROM users WHERE username = ?", username).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("datastore: user exists: %w", err)
	}
	return count > 0, nil
}

// UpdateUserPassword replaces a user's stored credential.
func (s *baseProvider) UpdateUserPassword(username, credential string) error {
	_, err := s.ExecContext(context.Background(),
		"UPDATE users SET credential = ? WHERE username = ?", credential, username)
	if err != nil {
		return fmt.Errorf("datastore: update password: %w", err)
	}
	return nil
}

// SetUserBlocked sets or clears a user's blocked flag.
func (s *baseProvider) SetUserBlocked(username string, blocked bool) error {
	v := 0
	if blocked {
		v = 1
	}
	_, err := s.ExecContext(context.Background(),
		"UPDATE users SET blocked = ? WHERE username = ?", v, username)
	if err != nil {
		return fmt.Errorf("datastore: set blocked: %w", err)
	}
	return nil
}

// SetUserCanCreateChannel sets the legacy per-user create-channel override.
func (s *baseProvider) SetUserCanCreateChannel(username string, allowed bool) error {
	v := 0
	if allowed {
		v = 1
	}
	_, err := s.ExecContext(context.Background(),
		"UPDATE users SET can_create_channel = ? WHERE username = ?", v, username)
	if err != nil {
		return fmt.Errorf("datastore: set can_create_channel: %w", err)
	}
	return nil
}

// DeleteUser removes a user row. Role assignments cascade.
func (s *baseProvider) DeleteUser(username string) error {
	_, err := s.ExecContext(context.Background(), "DELETE FROM users WHERE username = ?", username)
	if err != nil {
		return fmt.Errorf("datastore: delete user: %w", err)
	}
	return nil
}

// ListUsers returns all users ordered by ID.
func (s *baseProvider) ListUsers() ([]model.User, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT id, username, credential, tag, blocked, can_create_channel, created_at FROM users ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list users: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var users []model.User
	for rows.Next() {
		var u model.User
		var blockedInt, canCreateInt int
		var createdAt string
		if err := rows.Scan(&u.ID, &u.Username, &u.Credential, &u.Tag, &blockedInt, &canCreateInt, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		u.Blocked = blockedInt != 0
		u.CanCreateChannel = canCreateInt != 0
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan user: %w", err)
		}
		u.CreatedAt = parsed
		users = append(users, u)
	}
	return users, rows.Err()
}

// ---- Roles ----

// CreateRole inserts a role.
func (s *baseProvider) CreateRole(role *model.Role) error {
	if err := role.Validate(); err != nil {
		return fmt.Errorf("datastore: create role: %w", err)
	}
	res, err := s.ExecContext(context.Background(),
		"INSERT INTO roles (name, caps) VALUES (?, ?)", role.Name, int(role.Caps))
	if err != nil {
		return fmt.Errorf("datastore: create role: %w", err)
	}
	role.ID, _ = res.LastInsertId()
	return nil
}

// GetRole retrieves a role by name. Returns (nil, nil) if not found.
func (s *baseProvider) GetRole(name string) (*model.Role, error) {
	r := &model.Role{}
	var caps int
	err := s.QueryRowContext(context.Background(),
		"SELECT id, name, caps FROM roles WHERE name = ?", name).Scan(&r.ID, &r.Name, &caps)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get role: %w", err)
	}
	r.Caps = model.Capability(caps) //nolint:gosec // caps column is bounded by the bitfield width
	return r, nil
}

// DeleteRole removes a role. The Admin role is protected.
func (s *baseProvider) DeleteRole(name string) error {
	if name == model.AdminRoleName {
		return fmt.Errorf("datastore: delete role: %w", model.ErrRoleProtected)
	}
	_, err := s.ExecContext(context.Background(), "DELETE FROM roles WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("datastore: delete role: %w", err)
	}
	return nil
}

// ListRoles returns all roles ordered by name.
func (s *baseProvider) ListRoles() ([]model.Role, error) {
	rows, err := s.QueryContext(context.Background(), "SELECT id, name, caps FROM roles ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("datastore: list roles: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []model.Role
	for rows.Next() {
		var r model.Role
		var caps int
		if err := rows.Scan(&r.ID, &r.Name, &caps); err != nil {
			return nil, fmt.Errorf("datastore: scan role: %w", err)
		}
		r.Caps = model.Capability(caps) //nolint:gosec // caps column is bounded by the bitfield width
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// AssignRole links a user to a role. Idempotent.
func (s *baseProvider) AssignRole(username, roleName string) error {
	res, err := s.ExecContext(context.Background(),
		`INSERT OR IGNORE INTO user_roles (user_id, role_id)
		 SELECT u.id, r.id FROM users u, roles r WHERE u.username = ? AND r.name = ?`,
		username, roleName)
	if err != nil {
		return fmt.Errorf("datastore: assign role: %w", err)
	}
	// INSERT..SELECT over missing rows inserts nothing; distinguish
	// "already assigned" (fine) from "no such user/role".
	if n, _ := res.RowsAffected(); n == 0 {
		var count int
		err := s.QueryRowContext(context.Background(),
			`SELECT COUNT(*) FROM user_roles ur
			 JOIN users u ON u.id = ur.user_id
			 JOIN roles r ON r.id = ur.role_id
			 WHERE u.username = ? AND r.name = ?`, username, roleName).Scan(&count)
		if err != nil {
			return fmt.Errorf("datastore: assign role: %w", err)
		}
		if count == 0 {
			return fmt.Errorf("datastore: assign role: unknown user or role")
		}
	}
	return nil
}

// UnassignRole removes a user-role link. Admin assignments cannot be removed
// this way for the Admin role's own integrity; callers enforce policy.
func (s *baseProvider) UnassignRole(username, roleName string) error {
	_, err := s.ExecContext(context.Background(),
		`DELETE FROM user_roles WHERE user_id IN (SELECT id FROM users WHERE username = ?)
		 AND role_id IN (SELECT id FROM roles WHERE name = ?)`,
		username, roleName)
	if err != nil {
		return fmt.Errorf("datastore: unassign role: %w", err)
	}
	return nil
}

// RolesOf returns the roles assigned to a user.
func (s *baseProvider) RolesOf(username string) ([]model.Role, error) {
	rows, err := s.QueryContext(context.Background(),
		`SELECT r.id, r.name, r.caps FROM roles r
		 JOIN user_roles ur ON ur.role_id = r.id
		 JOIN users u ON u.id = ur.user_id
		 WHERE u.username = ? ORDER BY r.name`, username)
	if err != nil {
		return nil, fmt.Errorf("datastore: roles of: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var roles []model.Role
	for rows.Next() {
		var r model.Role
		var caps int
		if err := rows.Scan(&r.ID, &r.Name, &caps); err != nil {
			return nil, fmt.Errorf("datastore: scan role: %w", err)
		}
		r.Caps = model.Capability(caps) //nolint:gosec // caps column is bounded by the bitfield width
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

// ---- Channels ----

// CreateChannel inserts a channel row.
func (s *baseProvider) CreateChannel(channel *model.Channel) error {
	if err := channel.Validate(); err != nil {
		return fmt.Errorf("datastore: create channel: %w", err)
	}
	res, err := s.ExecContext(context.Background(),
		"INSERT INTO channels (name, server_id, kind) VALUES (?, ?, ?)",
		channel.Name, channel.ServerID, string(channel.Kind))
	if err != nil {
		return fmt.Errorf("datastore: create channel: %w", err)
	}
	channel.ID, _ = res.LastInsertId()
	channel.CreatedAt = time.Now().UTC()
	return nil
}

// GetChannelByNameAndServer retrieves a channel. Returns (nil, nil) if not found.
func (s *baseProvider) GetChannelByNameAndServer(name string, serverID int64) (*model.Channel, error) {
	ch := &model.Channel{}
	var kind, createdAt string
	err := s.QueryRowContext(context.Background(),
		"SELECT id, name, server_id, kind, created_at FROM channels WHERE name = ? AND server_id = ?",
		name, serverID).Scan(&ch.ID, &ch.Name, &ch.ServerID, &kind, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get channel: %w", err)
	}
	ch.Kind = model.ChannelKind(kind)
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get channel: %w", err)
	}
	ch.CreatedAt = parsed
	return ch, nil
}

// RenameChannel changes a channel's name, carrying its history over to the
// new key.
func (s *baseProvider) RenameChannel(serverID int64, oldName, newName string) error {
	if err := (&model.Channel{Name: newName, Kind: model.ChannelText}).Validate(); err != nil {
		return fmt.Errorf("datastore: rename channel: %w", err)
	}
	ctx := context.Background()
	res, err := s.ExecContext(ctx,
		"UPDATE channels SET name = ? WHERE name = ? AND server_id = ?",
		newName, oldName, serverID)
	if err != nil {
		return fmt.Errorf("datastore: rename channel: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: rename channel: no such channel %q", oldName)
	}
	_, err = s.ExecContext(ctx,
		"UPDATE messages SET channel_key = ? WHERE channel_key = ?",
		model.ChannelKey(serverID, newName), model.ChannelKey(serverID, oldName))
	if err != nil {
		return fmt.Errorf("datastore: rename channel history: %w", err)
	}
	return nil
}

// DeleteChannel removes a channel and its history.
func (s *baseProvider) DeleteChannel(serverID int64, name string) error {
	ctx := context.Background()
	if _, err := s.ExecContext(ctx,
		"DELETE FROM messages WHERE channel_key = ?", model.ChannelKey(serverID, name)); err != nil {
		return fmt.Errorf("datastore: delete channel history: %w", err)
	}
	if _, err := s.ExecContext(ctx,
		"DELETE FROM channels WHERE name = ? AND server_id = ?", name, serverID); err != nil {
		return fmt.Errorf("datastore: delete channel: %w", err)
	}
	return nil
}

// ListChannels returns all channels on a server ordered by ID.
func (s *baseProvider) ListChannels(serverID int64) ([]model.Channel, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT id, name, server_id, kind, created_at FROM channels WHERE server_id = ? ORDER BY id", serverID)
	if err != nil {
		return nil, fmt.Errorf("datastore: list channels: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var channels []model.Channel
	for rows.Next() {
		var ch model.Channel
		var kind, createdAt string
		if err := rows.Scan(&ch.ID, &ch.Name, &ch.ServerID, &kind, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan channel: %w", err)
		}
		ch.Kind = model.ChannelKind(kind)
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan channel: %w", err)
		}
		ch.CreatedAt = parsed
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// ---- Messages ----

// AppendMessage persists a message. Ephemeral kinds are rejected.
func (s *baseProvider) AppendMessage(message *model.Message) error {
	if !message.Kind.Persistent() {
		return fmt.Errorf("datastore: append message: kind %s is not persisted", message.Kind)
	}
	if err := message.Validate(); err != nil {
		return fmt.Errorf("datastore: append message: %w", err)
	}
	res, err := s.ExecContext(context.Background(),
		"INSERT INTO messages (channel_key, author, kind, body, file_name, file_bytes) VALUES (?, ?, ?, ?, ?, ?)",
		message.ChannelKey, message.Author, string(message.Kind), message.Body, message.FileName, message.FileBytes)
	if err != nil {
		return fmt.Errorf("datastore: append message: %w", err)
	}
	message.ID, _ = res.LastInsertId()
	message.CreatedAt = time.Now().UTC()
	return nil
}

// LastMessages returns up to n messages for a channel key, oldest first.
func (s *baseProvider) LastMessages(channelKey string, n int) ([]model.Message, error) {
	rows, err := s.QueryContext(context.Background(),
		`SELECT id, channel_key, author, kind, body, file_name, file_bytes, created_at
		 FROM messages WHERE channel_key = ? ORDER BY id DESC LIMIT ?`,
		channelKey, n)
	if err != nil {
		return nil, fmt.Errorf("datastore: last messages: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var messages []model.Message
	for rows.Next() {
		var m model.Message
		var kind, createdAt string
		if err := rows.Scan(&m.ID, &m.ChannelKey, &m.Author, &kind, &m.Body, &m.FileName, &m.FileBytes, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.Kind = model.MessageKind(kind)
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan message: %w", err)
		}
		m.CreatedAt = parsed
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Query returned newest-first; callers want oldest-first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// DeleteMessage removes a single message.
func (s *baseProvider) DeleteMessage(messageID int64) error {
	_, err := s.ExecContext(context.Background(), "DELETE FROM messages WHERE id = ?", messageID)
	if err != nil {
		return fmt.Errorf("datastore: delete message: %w", err)
	}
	return nil
}

// ---- Friends ----

// UpsertFriendEdge inserts an edge unless one exists in either orientation.
func (s *baseProvider) UpsertFriendEdge(requester, target string, status model.FriendStatus) error {
	existing, err := s.FriendEdgeBetween(requester, target)
	if err != nil {
		return err
	}
	if existing != nil {
		if existing.Status == status {
			return nil
		}
		_, err := s.ExecContext(context.Background(),
			"UPDATE friends SET status = ? WHERE id = ?", string(status), existing.ID)
		if err != nil {
			return fmt.Errorf("datastore: update friend edge: %w", err)
		}
		return nil
	}
	_, err = s.ExecContext(context.Background(),
		"INSERT INTO friends (requester, target, status) VALUES (?, ?, ?)",
		requester, target, string(status))
	if err != nil {
		return fmt.Errorf("datastore: create friend edge: %w", err)
	}
	return nil
}

// FriendEdgeBetween looks up the edge in either orientation.
// Returns (nil, nil) if absent.
func (s *baseProvider) FriendEdgeBetween(a, b string) (*model.FriendEdge, error) {
	e := &model.FriendEdge{}
	var status, createdAt string
	err := s.QueryRowContext(context.Background(),
		`SELECT id, requester, target, status, created_at FROM friends
		 WHERE (requester = ? AND target = ?) OR (requester = ? AND target = ?)`,
		a, b, b, a).Scan(&e.ID, &e.Requester, &e.Target, &status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: friend edge: %w", err)
	}
	e.Status = model.FriendStatus(status)
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: friend edge: %w", err)
	}
	e.CreatedAt = parsed
	return e, nil
}

// PromoteFriendEdge marks the pending edge between two users accepted.
func (s *baseProvider) PromoteFriendEdge(requester, target string) error {
	res, err := s.ExecContext(context.Background(),
		`UPDATE friends SET status = ? WHERE status = ?
		 AND ((requester = ? AND target = ?) OR (requester = ? AND target = ?))`,
		string(model.FriendAccepted), string(model.FriendPending),
		requester, target, target, requester)
	if err != nil {
		return fmt.Errorf("datastore: promote friend edge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("datastore: promote friend edge: no pending request")
	}
	return nil
}

// FriendsOf returns usernames with an accepted edge to the user.
func (s *baseProvider) FriendsOf(username string) ([]string, error) {
	rows, err := s.QueryContext(context.Background(),
		`SELECT target FROM friends WHERE requester = ? AND status = ?
		 UNION
		 SELECT requester FROM friends WHERE target = ? AND status = ?
		 ORDER BY 1`,
		username, string(model.FriendAccepted), username, string(model.FriendAccepted))
	if err != nil {
		return nil, fmt.Errorf("datastore: friends of: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var friends []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("datastore: scan friend: %w", err)
		}
		friends = append(friends, name)
	}
	return friends, rows.Err()
}

// PendingRequestsFor returns usernames with a pending request to the user.
func (s *baseProvider) PendingRequestsFor(username string) ([]string, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT requester FROM friends WHERE target = ? AND status = ? ORDER BY requester",
		username, string(model.FriendPending))
	if err != nil {
		return nil, fmt.Errorf("datastore: pending requests: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("datastore: scan request: %w", err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// ---- Servers ----

// CreateServer inserts a server (workspace) row.
func (s *baseProvider) CreateServer(server *model.Server) error {
	if err := server.Validate(); err != nil {
		return fmt.Errorf("datastore: create server: %w", err)
	}
	res, err := s.ExecContext(context.Background(),
		"INSERT INTO servers (name) VALUES (?)", server.Name)
	if err != nil {
		return fmt.Errorf("datastore: create server: %w", err)
	}
	server.ID, _ = res.LastInsertId()
	server.CreatedAt = time.Now().UTC()
	return nil
}

// GetServer retrieves a server by ID. Returns (nil, nil) if not found.
func (s *baseProvider) GetServer(id int64) (*model.Server, error) {
	srv := &model.Server{}
	var createdAt string
	err := s.QueryRowContext(context.Background(),
		"SELECT id, name, created_at FROM servers WHERE id = ?", id).
		Scan(&srv.ID, &srv.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("datastore: get server: %w", err)
	}
	parsed, err := parseDBTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("datastore: get server: %w", err)
	}
	srv.CreatedAt = parsed
	return srv, nil
}

// ListServers returns all servers ordered by ID.
func (s *baseProvider) ListServers() ([]model.Server, error) {
	rows, err := s.QueryContext(context.Background(),
		"SELECT id, name, created_at FROM servers ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("datastore: list servers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var servers []model.Server
	for rows.Next() {
		var srv model.Server
		var createdAt string
		if err := rows.Scan(&srv.ID, &srv.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("datastore: scan server: %w", err)
		}
		parsed, err := parseDBTime(createdAt)
		if err != nil {
			return nil, fmt.Errorf("datastore: scan server: %w", err)
		}
		srv.CreatedAt = parsed
		servers = append(servers, srv)
	}
	return servers, rows.Err()
}

// DeleteServerCascade removes a server, its channels, and their history.
// Transaction-only so a failure leaves nothing half-deleted.
func (s *txProvider) DeleteServerCascade(serverID int64) error {
	ctx := context.Background()
	channels, err := s.ListChannels(serverID)
	if err != nil {
		return err
	}
	for _, ch := range channels {
		if _, err := s.ExecContext(ctx,
			"DELETE FROM messages WHERE channel_key = ?", model.ChannelKey(serverID, ch.Name)); err != nil {
			return fmt.Errorf("datastore: cascade messages: %w", err)
		}
	}
	if _, err := s.ExecContext(ctx, "DELETE FROM channels WHERE server_id = ?", serverID); err != nil {
		return fmt.Errorf("datastore: cascade channels: %w", err)
	}
	if _, err := s.ExecContext(ctx, "DELETE FROM servers WHERE id = ?", serverID); err != nil {
		return fmt.Errorf("datastore: delete server: %w", err)
	}
	return nil
}
