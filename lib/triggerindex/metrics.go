// Copyright 2026 The DollhouseMCP Authors
// SPDX-License-Identifier: Apache-2.0

package triggerindex

import "time"

// dayFormat keys the daily usage buckets. ISO dates compare
// chronologically as strings, which pruning relies on.
const dayFormat = "2006-01-02"

// retentionDays bounds the daily usage history. Buckets strictly
// older than this are pruned on every usage update.
const retentionDays = 30

// trendWindowDays is the width of each trend comparison window.
const trendWindowDays = 7

// trendTolerance is the relative band around the previous window's
// mean that still counts as stable.
const trendTolerance = 0.10

// Trend classifies recent usage against the preceding window.
type Trend string

const (
	TrendIncreasing Trend = "increasing"
	TrendStable     Trend = "stable"
	TrendDecreasing Trend = "decreasing"
)

// Metric is one trigger's usage summary as returned by
// [Index.Metrics].
type Metric struct {
	// Trigger is the token.
	Trigger string

	// Candidates are the elements currently declaring the trigger.
	// Empty for demand-only entries (queried but never served).
	Candidates []Candidate

	// UsageCount is the lifetime query count.
	UsageCount int64

	// FirstUsed and LastUsed bound the trigger's query history. Zero
	// if the trigger has never been queried.
	FirstUsed time.Time
	LastUsed  time.Time

	// DailyAverage is total usage across tracked days divided by the
	// number of tracked days (at most the retention window).
	DailyAverage float64

	// Trend compares the most recent seven days against the seven
	// before that.
	Trend Trend
}

// pruneDaily drops buckets older than retentionDays.
func pruneDaily(daily map[string]int64, now time.Time) {
	cutoff := now.AddDate(0, 0, -retentionDays).Format(dayFormat)
	for day := range daily {
		if day < cutoff {
			delete(daily, day)
		}
	}
}

func dailyAverage(daily map[string]int64) float64 {
	if len(daily) == 0 {
		return 0
	}
	var total int64
	for _, n := range daily {
		total += n
	}
	return float64(total) / float64(len(daily))
}

// classifyTrend compares the mean of the most recent trendWindowDays
// buckets against the mean of the window before it. A previous window
// of zero makes any recent usage increasing; two quiet windows are
// stable.
func classifyTrend(daily map[string]int64, now time.Time) Trend {
	recentMean := float64(windowTotal(daily, now, 0)) / trendWindowDays
	previousMean := float64(windowTotal(daily, now, trendWindowDays)) / trendWindowDays

	if previousMean == 0 {
		if recentMean > 0 {
			return TrendIncreasing
		}
		return TrendStable
	}
	switch {
	case recentMean > previousMean*(1+trendTolerance):
		return TrendIncreasing
	case recentMean < previousMean*(1-trendTolerance):
		return TrendDecreasing
	default:
		return TrendStable
	}
}

// windowTotal sums the trendWindowDays buckets ending offset days
// before now; offset 0 is the window ending today.
func windowTotal(daily map[string]int64, now time.Time, offset int) int64 {
	var total int64
	for i := 0; i < trendWindowDays; i++ {
		total += daily[now.AddDate(0, 0, -(offset+i)).Format(dayFormat)]
	}
	return total
}
