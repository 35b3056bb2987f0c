// Package report builds role-filtered, per-horizon time reports from the
// stored tiers.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/goodtune/voicetime/internal/members"
	"github.com/goodtune/voicetime/internal/metrics"
	"github.com/goodtune/voicetime/internal/storage"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	AllTimePageSize = 25
	WeeklyPageSize  = 15
	MonthlyPageSize = 15

	// MonthlyWindow is how many calendar months the monthly report covers.
	MonthlyWindow = 3

	NoData = "No data available"

	secondsPerHour = 3600
	lookupLimit    = 8
)

// Request selects the members a report covers. An empty RoleID covers every
// resolvable member.
type Request struct {
	GuildID  string
	RoleID   string
	RoleName string
}

func (r Request) role() string {
	switch {
	case r.RoleName != "":
		return r.RoleName
	case r.RoleID != "":
		return r.RoleID
	default:
		return "Everyone"
	}
}

// Page is one rendered report page.
type Page struct {
	Title  string   `json:"title"`
	Lines  []string `json:"lines"`
	Footer string   `json:"footer"`
}

// Entry is one member's total within a report.
type Entry struct {
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Seconds     float64 `json:"seconds"`
}

// Engine answers report queries. It never writes to the store.
type Engine struct {
	times   storage.TimeStore
	members members.Resolver
	clock   quartz.Clock
	logger  zerolog.Logger
}

// NewEngine creates a report engine
func NewEngine(times storage.TimeStore, resolver members.Resolver, clock quartz.Clock, logger zerolog.Logger) *Engine {
	return &Engine{
		times:   times,
		members: resolver,
		clock:   clock,
		logger:  logger.With().Str("component", "report").Logger(),
	}
}

// AllTime reports totals across every tier.
func (e *Engine) AllTime(ctx context.Context, req Request) ([]Page, error) {
	tiers := []storage.Tier{storage.TierAllTime, storage.TierWeekly, storage.TierMonthly}
	snapshot, err := e.times.ReadTiers(ctx, tiers, storage.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read tiers: %w", err)
	}

	sets := make([][]storage.TimeRecord, 0, len(tiers))
	for _, tier := range tiers {
		sets = append(sets, snapshot[tier])
	}

	entries, err := e.Rank(ctx, req, storage.TotalsByUser(storage.Combine(sets...)))
	if err != nil {
		return nil, err
	}

	metrics.ReportsGenerated.WithLabelValues(string(storage.TierAllTime)).Inc()
	return paginate(entries, AllTimePageSize, AllTimeLine,
		"All Time Voice Stats - "+req.role(), "All Time Stats"), nil
}

// Weekly reports totals from the live weekly tier.
func (e *Engine) Weekly(ctx context.Context, req Request) ([]Page, error) {
	records, err := e.times.Read(ctx, storage.TierWeekly, storage.Filter{})
	if err != nil {
		return nil, fmt.Errorf("failed to read weekly tier: %w", err)
	}

	entries, err := e.Rank(ctx, req, storage.TotalsByUser(records))
	if err != nil {
		return nil, err
	}

	metrics.ReportsGenerated.WithLabelValues(string(storage.TierWeekly)).Inc()
	return paginate(entries, WeeklyPageSize, Line,
		"Weekly Voice Stats - "+req.role(), "Weekly Stats"), nil
}

// Monthly reports the current and two preceding calendar months. The current
// month includes the weekly tier not yet merged into it.
func (e *Engine) Monthly(ctx context.Context, req Request) ([]Page, error) {
	current := int(e.clock.Now().UTC().Month())
	months := storage.RecentMonths(current, MonthlyWindow)

	snapshot, err := e.times.ReadTiers(ctx,
		[]storage.Tier{storage.TierWeekly, storage.TierMonthly},
		storage.Filter{Months: months})
	if err != nil {
		return nil, fmt.Errorf("failed to read tiers: %w", err)
	}

	byMonth := make(map[int][]storage.TimeRecord, len(months))
	for _, r := range snapshot[storage.TierMonthly] {
		byMonth[r.Month] = append(byMonth[r.Month], r)
	}

	var pages []Page
	for _, month := range months {
		totals := storage.TotalsByUser(byMonth[month])
		if month == current {
			for user, secs := range storage.TotalsByUser(snapshot[storage.TierWeekly]) {
				totals[user] += secs
			}
		}

		entries, err := e.Rank(ctx, req, totals)
		if err != nil {
			return nil, err
		}

		name := time.Month(month).String()
		pages = append(pages, paginate(entries, MonthlyPageSize, Line,
			"Monthly Voice Stats - "+req.role(), name)...)
	}

	metrics.ReportsGenerated.WithLabelValues(string(storage.TierMonthly)).Inc()
	return pages, nil
}

// Rank resolves the members behind totals, drops non-members, members without
// the requested role and zero totals, and orders the rest by descending total
// then display name.
func (e *Engine) Rank(ctx context.Context, req Request, totals map[string]float64) ([]Entry, error) {
	var (
		mu      sync.Mutex
		entries = make([]Entry, 0, len(totals))
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupLimit)

	for user, secs := range totals {
		if secs <= 0 {
			continue
		}
		g.Go(func() error {
			m, err := e.members.ResolveMember(gctx, req.GuildID, user)
			if errors.Is(err, members.ErrNotFound) {
				e.logger.Debug().Str("user_id", user).Msg("Skipping user no longer in guild")
				return nil
			}
			if err != nil {
				return fmt.Errorf("failed to resolve member %s: %w", user, err)
			}
			if !m.HasRole(req.RoleID) {
				return nil
			}

			mu.Lock()
			entries = append(entries, Entry{UserID: user, DisplayName: m.DisplayName, Seconds: secs})
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Seconds != entries[j].Seconds {
			return entries[i].Seconds > entries[j].Seconds
		}
		if entries[i].DisplayName != entries[j].DisplayName {
			return entries[i].DisplayName < entries[j].DisplayName
		}
		return entries[i].UserID < entries[j].UserID
	})
	return entries, nil
}

// FormatHours renders whole hours, dropping the remainder.
func FormatHours(seconds float64) string {
	return fmt.Sprintf("%d hours.", int64(seconds/secondsPerHour))
}

// Line renders one weekly or monthly report entry.
func Line(e Entry) string {
	return fmt.Sprintf("**User: %s**, Time: %s", e.DisplayName, FormatHours(e.Seconds))
}

// AllTimeLine renders one all-time entry as a name heading over its total.
func AllTimeLine(e Entry) string {
	return fmt.Sprintf("User ID: %s\n**Total Play Time:** %s", e.DisplayName, FormatHours(e.Seconds))
}

// paginate renders entries with at least one hour into pages of size lines,
// or a single no-data page.
func paginate(entries []Entry, size int, line func(Entry) string, title, footer string) []Page {
	var lines []string
	for _, e := range entries {
		if e.Seconds < secondsPerHour {
			continue
		}
		lines = append(lines, line(e))
	}

	if len(lines) == 0 {
		return []Page{{Title: title, Lines: []string{NoData}, Footer: footer}}
	}

	pages := make([]Page, 0, (len(lines)+size-1)/size)
	for start := 0; start < len(lines); start += size {
		end := min(start+size, len(lines))
		pages = append(pages, Page{Title: title, Lines: lines[start:end], Footer: footer})
	}
	return pages
}
