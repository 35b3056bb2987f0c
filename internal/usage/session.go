package usage

import (
	"fmt"
	"math"
	"time"

	"github.com/goodtune/voicetime/internal/gateway"
)

// State is a member's tracking state.
type State int

const (
	StateIdle State = iota
	StateActive
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	default:
		return "idle"
	}
}

// Session is an open stay in a tracked channel.
type Session struct {
	UserID    string
	ChannelID string
	Start     time.Time
}

// ClosedSession is a finished stay ready to be accumulated.
type ClosedSession struct {
	UserID    string
	ChannelID string
	Start     time.Time
	End       time.Time
	Seconds   float64

	// Implicit is set when the session was closed by entering another
	// tracked channel rather than by leaving.
	Implicit bool
}

// ID identifies the session across retries of its accumulation.
func (cs ClosedSession) ID() string {
	return fmt.Sprintf("%s:%s:%d:%d", cs.UserID, cs.ChannelID, cs.Start.UnixNano(), cs.End.UnixNano())
}

type userState struct {
	state   State
	session Session
}

// next applies ev at time at to cur. Leaving a tracked channel always yields
// a ClosedSession for that channel, with zero seconds when nothing was open.
func next(cur userState, ev gateway.PresenceTransition, at time.Time, tracked func(string) bool) (userState, []ClosedSession) {
	if !ev.Moved() {
		return cur, nil
	}

	var closed []ClosedSession
	st := cur

	if ev.Before != "" && tracked(ev.Before) {
		cs := ClosedSession{UserID: ev.UserID, ChannelID: ev.Before, Start: at, End: at}
		if st.state == StateActive {
			cs.Start = st.session.Start
			cs.Seconds = elapsed(st.session.Start, at)
		}
		closed = append(closed, cs)
		st = userState{state: StateIdle}
	}

	if ev.After != "" && tracked(ev.After) {
		if st.state == StateActive && st.session.ChannelID != ev.After {
			closed = append(closed, ClosedSession{
				UserID:    ev.UserID,
				ChannelID: st.session.ChannelID,
				Start:     st.session.Start,
				End:       at,
				Seconds:   elapsed(st.session.Start, at),
				Implicit:  true,
			})
		}
		st = userState{
			state:   StateActive,
			session: Session{UserID: ev.UserID, ChannelID: ev.After, Start: at},
		}
	}

	return st, closed
}

// elapsed returns end-start in seconds at centisecond resolution, never
// negative.
func elapsed(start, end time.Time) float64 {
	secs := end.Sub(start).Seconds()
	if secs <= 0 {
		return 0
	}
	return math.Round(secs*100) / 100
}
