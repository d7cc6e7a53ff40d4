package server

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/model"
	"gopkg.in/yaml.v3"
)

// ChannelYAML represents a channel in YAML config.
type ChannelYAML struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind,omitempty"`
}

// ChannelsConfig is the top-level YAML config for channels.
type ChannelsConfig struct {
	Channels []ChannelYAML `yaml:"channels"`
}

// UserYAML represents a user in YAML export.
type UserYAML struct {
	ID        int64    `yaml:"id"`
	Username  string   `yaml:"username"`
	Tag       string   `yaml:"tag"`
	Roles     []string `yaml:"roles,omitempty"`
	Blocked   bool     `yaml:"blocked,omitempty"`
	CreatedAt string   `yaml:"created_at"`
}

// UsersExport is the top-level YAML for user export.
type UsersExport struct {
	Users []UserYAML `yaml:"users"`
}

// LoadChannelsFromYAML reads a channels YAML file and creates missing
// channels in the store.
func LoadChannelsFromYAML(path string, st datastore.DataStore) error {
	data, err := os.ReadFile(path) //nolint:gosec // path from user-provided CLI config
	if err != nil {
		return fmt.Errorf("read channels config: %w", err)
	}
	return ImportChannelsFromYAML(data, st)
}

// ImportChannelsFromYAML parses YAML data and creates missing channels.
// Existing channels of the same name are left untouched.
func ImportChannelsFromYAML(data []byte, st datastore.DataStore) error {
	var cfg ChannelsConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse channels config: %w", err)
	}

	for _, entry := range cfg.Channels {
		if err := ensureChannel(st, entry); err != nil {
			slog.Error("failed to create channel from config", "name", entry.Name, "err", err)
		}
	}

	slog.Info("imported channels from YAML", "count", len(cfg.Channels))
	return nil
}

func ensureChannel(st datastore.DataStore, entry ChannelYAML) error {
	existing, err := st.GetChannelByNameAndServer(entry.Name, model.DefaultServerID)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	ch := model.NewChannel(entry.Name)
	if entry.Kind != "" {
		ch.Kind = model.ParseChannelKind(entry.Kind)
	}
	if err := st.CreateChannel(ch); err != nil {
		return err
	}
	slog.Debug("created channel from config", "name", ch.Name, "kind", ch.Kind)
	return nil
}

// ExportChannelsYAML exports all channels as YAML.
func ExportChannelsYAML(st datastore.DataStore) ([]byte, error) {
	channels, err := st.ListChannels(model.DefaultServerID)
	if err != nil {
		return nil, err
	}

	cfg := ChannelsConfig{}
	for _, ch := range channels {
		cfg.Channels = append(cfg.Channels, ChannelYAML{
			Name: ch.Name,
			Kind: string(ch.Kind),
		})
	}
	return yaml.Marshal(&cfg)
}

// ExportUsersYAML exports all users, with their roles, as YAML.
func ExportUsersYAML(st datastore.DataStore) ([]byte, error) {
	users, err := st.ListUsers()
	if err != nil {
		return nil, err
	}

	export := UsersExport{}
	for _, u := range users {
		roles, err := st.RolesOf(u.Username)
		if err != nil {
			return nil, err
		}
		names := make([]string, 0, len(roles))
		for _, r := range roles {
			names = append(names, r.Name)
		}
		export.Users = append(export.Users, UserYAML{
			ID:        u.ID,
			Username:  u.Username,
			Tag:       u.Tag,
			Roles:     names,
			Blocked:   u.Blocked,
			CreatedAt: u.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return yaml.Marshal(&export)
}
