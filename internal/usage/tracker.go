package usage

import (
	"sort"
	"sync"

	"github.com/coder/quartz"
	"github.com/goodtune/voicetime/internal/gateway"
	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/rs/zerolog"
)

// Tracker turns presence transitions into closed sessions
type Tracker struct {
	tracked map[string]struct{}
	users   map[string]userState
	clock   quartz.Clock
	logger  zerolog.Logger
	mu      sync.Mutex
}

// NewTracker creates a tracker for the given channel set
func NewTracker(tracked map[string]struct{}, clock quartz.Clock, logger zerolog.Logger) *Tracker {
	set := make(map[string]struct{}, len(tracked))
	for ch := range tracked {
		set[ch] = struct{}{}
	}

	return &Tracker{
		tracked: set,
		users:   make(map[string]userState),
		clock:   clock,
		logger:  logger.With().Str("component", "session-tracker").Logger(),
	}
}

// IsTracked reports whether time in channelID is accumulated
func (t *Tracker) IsTracked(channelID string) bool {
	_, ok := t.tracked[channelID]
	return ok
}

// Handle applies one transition and returns the sessions it closed. Events
// without a timestamp are stamped with the tracker's clock.
func (t *Tracker) Handle(ev gateway.PresenceTransition) []ClosedSession {
	at := ev.Timestamp
	if at.IsZero() {
		at = t.clock.Now()
	}

	t.mu.Lock()
	cur := t.users[ev.UserID]
	st, closed := next(cur, ev, at, t.IsTracked)
	if st.state == StateIdle {
		delete(t.users, ev.UserID)
	} else {
		t.users[ev.UserID] = st
	}
	active := len(t.users)
	t.mu.Unlock()

	metrics.ActiveSessions.Set(float64(active))

	if st.state == StateActive && (cur.state != StateActive || cur.session != st.session) {
		t.logger.Debug().
			Str("user_id", ev.UserID).
			Str("channel_id", st.session.ChannelID).
			Time("start", st.session.Start).
			Msg("Session opened")
	}

	for _, cs := range closed {
		reason := "leave"
		if cs.Implicit {
			reason = "switch"
		}
		metrics.SessionsClosed.WithLabelValues(reason).Inc()

		t.logger.Debug().
			Str("user_id", cs.UserID).
			Str("channel_id", cs.ChannelID).
			Float64("seconds", cs.Seconds).
			Str("reason", reason).
			Msg("Session closed")
	}

	return closed
}

// State returns the member's current state and open session, if any
func (t *Tracker) State(userID string) (State, *Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st, ok := t.users[userID]
	if !ok {
		return StateIdle, nil
	}
	s := st.session
	return st.state, &s
}

// Active returns all open sessions ordered by user
func (t *Tracker) Active() []Session {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions := make([]Session, 0, len(t.users))
	for _, st := range t.users {
		sessions = append(sessions, st.session)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UserID < sessions[j].UserID
	})
	return sessions
}
