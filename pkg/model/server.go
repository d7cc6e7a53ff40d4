package model

import (
	"errors"
	"strings"
	"time"
)

// DefaultServerID is the workspace every channel belongs to unless
// explicitly scoped elsewhere.
const DefaultServerID int64 = 1

const DefaultServerName = "main"

var ErrServerNameEmpty = errors.New("server name must not be empty")

// Server is a workspace grouping channels. Deleting a server removes its
// channels and their history in one transaction.
type Server struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks server fields before persistence.
func (s *Server) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ErrServerNameEmpty
	}
	return nil
}
