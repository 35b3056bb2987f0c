package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// Tier is one of the time horizons.
type Tier string

const (
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
	TierAllTime Tier = "alltime"
)

// ParseTier normalizes s to a known tier.
func ParseTier(s string) (Tier, error) {
	switch t := Tier(strings.ToLower(strings.TrimSpace(s))); t {
	case TierWeekly, TierMonthly, TierAllTime:
		return t, nil
	case "all-time", "all_time":
		return TierAllTime, nil
	default:
		return "", fmt.Errorf("invalid tier: %s (must be weekly, monthly or alltime)", s)
	}
}

// UnmarshalJSON implements json.Unmarshaler to normalize the tier name.
func (t *Tier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseTier(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// Key identifies a row. Month is only meaningful for TierMonthly and is a
// calendar month in 1..12.
type Key struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	Month     int    `json:"month,omitempty"`
}

// Validate checks that key is usable for tier.
func (k Key) Validate(tier Tier) error {
	if k.UserID == "" || k.ChannelID == "" {
		return fmt.Errorf("key requires user and channel: %+v", k)
	}
	switch tier {
	case TierMonthly:
		if k.Month < 1 || k.Month > 12 {
			return fmt.Errorf("invalid month %d", k.Month)
		}
	case TierWeekly, TierAllTime:
	default:
		return fmt.Errorf("unknown tier %q", tier)
	}
	return nil
}

// TimeRecord is one persisted row of a tier.
type TimeRecord struct {
	Tier      Tier    `json:"tier"`
	UserID    string  `json:"user_id"`
	ChannelID string  `json:"channel_id"`
	Month     int     `json:"month,omitempty"`
	Seconds   float64 `json:"time_spent_seconds"`
}

// Filter selects rows in Read. Zero fields match everything.
type Filter struct {
	UserID string
	Months []int
}

// Match reports whether r satisfies the filter.
func (f Filter) Match(r TimeRecord) bool {
	if f.UserID != "" && r.UserID != f.UserID {
		return false
	}
	if len(f.Months) == 0 || r.Tier != TierMonthly {
		return true
	}
	for _, m := range f.Months {
		if r.Month == m {
			return true
		}
	}
	return false
}

// LastUpdated records the UTC date of the last maintenance pass. Year is zero
// for markers written before the year was stored.
type LastUpdated struct {
	Day   int `json:"day"`
	Month int `json:"month"`
	Year  int `json:"year,omitempty"`
}

// Is reports whether the pass already ran on day/month/year. A marker without
// a year matches any year.
func (l *LastUpdated) Is(day, month, year int) bool {
	if l == nil || l.Day != day || l.Month != month {
		return false
	}
	return l.Year == 0 || l.Year == year
}

// RollupPlan describes one maintenance pass.
type RollupPlan struct {
	Day   int
	Month int
	Year  int

	// Weekly merges Weekly into Monthly[Month] and wipes Weekly.
	Weekly bool

	// Monthly merges Weekly into AllTime, wipes Weekly and deletes Monthly rows
	// whose month is not in RetainMonths.
	Monthly      bool
	RetainMonths []int
}

// Validate rejects plans a backend must not start applying.
func (p RollupPlan) Validate() error {
	if p.Day < 1 || p.Day > 31 {
		return fmt.Errorf("invalid day %d", p.Day)
	}
	if p.Month < 1 || p.Month > 12 {
		return fmt.Errorf("invalid month %d", p.Month)
	}
	if p.Year < 1 {
		return fmt.Errorf("invalid year %d", p.Year)
	}
	if p.Monthly && len(p.RetainMonths) == 0 {
		return fmt.Errorf("monthly rollup requires retained months")
	}
	for _, m := range p.RetainMonths {
		if m < 1 || m > 12 {
			return fmt.Errorf("invalid retained month %d", m)
		}
	}
	return nil
}

// Retains reports whether month survives the retention step.
func (p RollupPlan) Retains(month int) bool {
	for _, m := range p.RetainMonths {
		if m == month {
			return true
		}
	}
	return false
}

// RollupResult summarizes what a Rollup call did.
type RollupResult struct {
	Skipped          bool `json:"skipped"`
	WeeklyMerged     int  `json:"weekly_merged"`
	AllTimeMerged    int  `json:"alltime_merged"`
	MonthlyDeleted   int  `json:"monthly_deleted"`
	WeeklyWiped      bool `json:"weekly_wiped"`
	LastUpdatedDay   int  `json:"last_updated_day"`
	LastUpdatedMonth int  `json:"last_updated_month"`
	LastUpdatedYear  int  `json:"last_updated_year"`
}

// Marker returns the LastUpdated the plan writes.
func (p RollupPlan) Marker() LastUpdated {
	return LastUpdated{Day: p.Day, Month: p.Month, Year: p.Year}
}

// ValidDelta reports whether seconds may be added to a tier.
func ValidDelta(seconds float64) error {
	if seconds < 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidDelta, seconds)
	}
	return nil
}
