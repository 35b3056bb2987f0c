package redis

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/goodtune/voicetime/internal/storage"
)

const keyPrefix = "voicetime"

var (
	weeklyKey      = keyPrefix + ":weekly"
	allTimeKey     = keyPrefix + ":alltime"
	lastUpdatedKey = keyPrefix + ":last_updated"
)

func opKey(opID string) string {
	return keyPrefix + ":op:" + opID
}

func monthlyKey(month int) string {
	return fmt.Sprintf("%s:monthly:%d", keyPrefix, month)
}

// monthlyKeys returns the twelve monthly hashes, January first.
func monthlyKeys() []string {
	keys := make([]string, 12)
	for m := 1; m <= 12; m++ {
		keys[m-1] = monthlyKey(m)
	}
	return keys
}

func tierKey(tier storage.Tier, month int) (string, error) {
	switch tier {
	case storage.TierWeekly:
		return weeklyKey, nil
	case storage.TierAllTime:
		return allTimeKey, nil
	case storage.TierMonthly:
		return monthlyKey(month), nil
	default:
		return "", fmt.Errorf("unknown tier %q", tier)
	}
}

// field encodes a (user, channel) pair as a hash field
func field(key storage.Key) (string, error) {
	if strings.Contains(key.UserID, ":") || strings.Contains(key.ChannelID, ":") {
		return "", fmt.Errorf("ids must not contain ':': %+v", key)
	}
	return key.UserID + ":" + key.ChannelID, nil
}

// parseHash converts a tier hash to time records
func parseHash(tier storage.Tier, month int, data map[string]string, filter storage.Filter) ([]storage.TimeRecord, error) {
	records := make([]storage.TimeRecord, 0, len(data))
	for f, v := range data {
		user, channel, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("malformed field %q in %s", f, tier)
		}
		secs, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse time spent for %q: %w", f, err)
		}
		r := storage.TimeRecord{
			Tier:      tier,
			UserID:    user,
			ChannelID: channel,
			Month:     month,
			Seconds:   secs,
		}
		if filter.Match(r) {
			records = append(records, r)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].UserID != records[j].UserID {
			return records[i].UserID < records[j].UserID
		}
		if records[i].ChannelID != records[j].ChannelID {
			return records[i].ChannelID < records[j].ChannelID
		}
		return records[i].Month < records[j].Month
	})
	return records, nil
}

// parseLastUpdated converts HMGET day/month/year replies. A missing year is
// left at zero.
func parseLastUpdated(values []interface{}) (*storage.LastUpdated, error) {
	if len(values) != 3 || values[0] == nil || values[1] == nil {
		return nil, storage.ErrNotFound
	}

	day, err := strconv.Atoi(fmt.Sprint(values[0]))
	if err != nil {
		return nil, fmt.Errorf("failed to parse day: %w", err)
	}

	month, err := strconv.Atoi(fmt.Sprint(values[1]))
	if err != nil {
		return nil, fmt.Errorf("failed to parse month: %w", err)
	}

	last := &storage.LastUpdated{Day: day, Month: month}
	if values[2] != nil {
		if last.Year, err = strconv.Atoi(fmt.Sprint(values[2])); err != nil {
			return nil, fmt.Errorf("failed to parse year: %w", err)
		}
	}
	return last, nil
}
