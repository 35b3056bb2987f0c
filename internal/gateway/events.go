// Package gateway defines the presence events delivered by the chat platform
// and a reader for newline-delimited JSON captures of them.
package gateway

import "time"

// PresenceTransition reports a member moving between channels. An empty
// Before or After means the member was not in any channel (initial connect
// or final disconnect).
type PresenceTransition struct {
	UserID    string    `json:"user_id"`
	Before    string    `json:"before_channel_id,omitempty"`
	After     string    `json:"after_channel_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Moved reports whether the transition changes channel at all.
func (p PresenceTransition) Moved() bool {
	return p.Before != p.After
}
