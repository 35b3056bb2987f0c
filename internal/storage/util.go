package storage

import (
	"os"
	"sort"
)

// EnsureDir ensures a directory exists with default permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0755)
}

// Combine unions record sets, summing Seconds per (user, channel). The result
// carries TierAllTime and is ordered by user then channel.
func Combine(sets ...[]TimeRecord) []TimeRecord {
	type pair struct{ user, channel string }
	totals := make(map[pair]float64)
	for _, set := range sets {
		for _, r := range set {
			totals[pair{r.UserID, r.ChannelID}] += r.Seconds
		}
	}

	out := make([]TimeRecord, 0, len(totals))
	for p, secs := range totals {
		out = append(out, TimeRecord{
			Tier:      TierAllTime,
			UserID:    p.user,
			ChannelID: p.channel,
			Seconds:   secs,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].ChannelID < out[j].ChannelID
	})
	return out
}

// TotalsByUser collapses records to per-user sums across channels.
func TotalsByUser(records []TimeRecord) map[string]float64 {
	totals := make(map[string]float64)
	for _, r := range records {
		totals[r.UserID] += r.Seconds
	}
	return totals
}

// RecentMonths returns month followed by the n-1 calendar months before it,
// wrapping across the year boundary. Months are 1..12.
func RecentMonths(month, n int) []int {
	out := make([]int, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, ((month-1-i)%12+12)%12+1)
	}
	return out
}
