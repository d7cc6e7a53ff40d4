package model

import "time"

// FriendStatus is the lifecycle state of a friendship edge.
type FriendStatus string

const (
	FriendPending  FriendStatus = "pending"
	FriendAccepted FriendStatus = "accepted"
)

// FriendEdge is an ordered (requester, target) pair. Lookups must check
// both orientations; the same unordered pair is never stored twice.
type FriendEdge struct {
	ID        int64        `json:"id"`
	Requester string       `json:"requester"`
	Target    string       `json:"target"`
	Status    FriendStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`
}

// Involves reports whether the edge connects the two given users in
// either orientation.
func (e *FriendEdge) Involves(a, b string) bool {
	return (e.Requester == a && e.Target == b) || (e.Requester == b && e.Target == a)
}

// Other returns the peer of the given user on this edge.
func (e *FriendEdge) Other(user string) string {
	if e.Requester == user {
		return e.Target
	}
	return e.Requester
}
