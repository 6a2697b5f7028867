// Package partition computes the (configuration, week) keys that
// address physical storage partitions.
package partition

import (
	"fmt"
	"time"
)

// WeekStart returns the Monday 00:00:00 UTC beginning the ISO week
// containing the given unix timestamp.
func WeekStart(ts int64) time.Time {
	u := time.Unix(ts, 0).UTC()
	back := (int(u.Weekday()) + 6) % 7
	return time.Date(u.Year(), u.Month(), u.Day()-back, 0, 0, 0, 0, time.UTC)
}

// SameWeek reports whether two unix timestamps fall in the same weekly
// bucket, i.e. address the same partition.
func SameWeek(a, b int64) bool {
	return WeekStart(a).Equal(WeekStart(b))
}

// Suffix returns the partition table suffix for a configuration and
// instant, e.g. "p12_20260831".
func Suffix(configurationID int64, ts int64) string {
	return fmt.Sprintf("p%d_%s", configurationID, WeekStart(ts).Format("20060102"))
}
