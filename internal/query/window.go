// Package query implements the bucketed time-series engine (C10):
// spec.md §4.9's three fixed windows, a normative in-memory
// aggregator, and an SQL-pushdown variant sharing the same bucket
// index arithmetic so the two stay point-for-point identical.
package query

import (
	"fmt"
	"time"
)

// Window is one of the three fixed query windows spec.md §4.9
// defines.
type Window struct {
	Key      string
	Duration time.Duration
	Bucket   time.Duration
	Label    string
}

var (
	Window24h = Window{Key: "24h", Duration: 24 * time.Hour, Bucket: 5 * time.Minute, Label: "pt5m"}
	Window7d  = Window{Key: "7d", Duration: 7 * 24 * time.Hour, Bucket: 30 * time.Minute, Label: "pt30m"}
	Window30d = Window{Key: "30d", Duration: 30 * 24 * time.Hour, Bucket: 120 * time.Minute, Label: "pt120m"}
)

var windowsByKey = map[string]Window{
	Window24h.Key: Window24h,
	Window7d.Key:  Window7d,
	Window30d.Key: Window30d,
}

// ErrUnknownWindow is returned by Lookup for any key outside {24h, 7d,
// 30d}.
var ErrUnknownWindow = fmt.Errorf("query: unknown window")

// Lookup resolves a window key from the API surface (?window=24h) to
// its Window definition.
func Lookup(key string) (Window, error) {
	w, ok := windowsByKey[key]
	if !ok {
		return Window{}, fmt.Errorf("%w: %q", ErrUnknownWindow, key)
	}
	return w, nil
}

// BucketCount is duration / bucket, always an exact integer for the
// three fixed windows above.
func (w Window) BucketCount() int {
	return int(w.Duration / w.Bucket)
}

// BucketIndex computes ⌊(t − start) / bucket⌋ for the in-memory
// aggregator; SQLAggregator evaluates the same expression in SQL.
// Returns ok=false when t falls outside [start, start+duration).
func (w Window) BucketIndex(t, start time.Time) (idx int, ok bool) {
	delta := t.Sub(start)
	if delta < 0 {
		return 0, false
	}
	idx = int(delta / w.Bucket)
	if idx < 0 || idx >= w.BucketCount() {
		return 0, false
	}
	return idx, true
}

// BucketStart returns the bucket-aligned timestamp for index i,
// start_utc + i·bucket.
func (w Window) BucketStart(start time.Time, i int) time.Time {
	return start.Add(time.Duration(i) * w.Bucket)
}
