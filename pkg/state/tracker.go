package state

import (
	"time"
)

// watermarkLayouts are tried in order when comparing watermark values as
// points in time. Salesforce datetimes arrive as RFC3339 with milliseconds
// and a numeric offset; dates arrive bare.
var watermarkLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02",
}

// Tracker accumulates the maximum watermark value observed across the rows
// of one run. It starts from the previous run's watermark, so a run that
// fetches zero rows leaves the watermark unchanged.
type Tracker struct {
	field string
	max   string
}

// NewTracker creates a tracker for the given watermark field, seeded with
// the previous run's value (empty for a first run).
func NewTracker(field, previous string) *Tracker {
	return &Tracker{field: field, max: previous}
}

// Field returns the watermark field name.
func (t *Tracker) Field() string { return t.field }

// Watermark returns the maximum value observed so far.
func (t *Tracker) Watermark() string { return t.max }

// Observe folds one row's watermark value into the running maximum.
// Rows where the field is absent or not a string are skipped. Values are
// normalized before storing, so the persisted watermark is usable as a SOQL
// literal on the next run.
func (t *Tracker) Observe(row map[string]interface{}) {
	if t.field == "" {
		return
	}
	v, ok := row[t.field].(string)
	if !ok || v == "" {
		return
	}
	t.max = MaxWatermark(t.max, NormalizeWatermark(v))
}

// NormalizeWatermark rewrites a timestamp watermark as an RFC3339 UTC
// literal, the only dateTime form SOQL accepts in comparisons. The API
// returns datetimes as `2024-03-05T00:00:00.000+0000`, which SOQL itself
// rejects with MALFORMED_QUERY. Bare dates are already valid date literals
// and values that do not parse are returned unchanged.
func NormalizeWatermark(v string) string {
	for _, layout := range watermarkLayouts {
		t, err := time.Parse(layout, v)
		if err != nil {
			continue
		}
		if layout == "2006-01-02" {
			return v
		}
		return t.UTC().Format(time.RFC3339)
	}
	return v
}

// MaxWatermark returns the later of two watermark values. Values that parse
// as timestamps are compared as points in time; otherwise the comparison
// falls back to lexicographic order, which is correct for ISO-8601 strings
// sharing a zone.
func MaxWatermark(a, b string) string {
	if a == "" {
		return b
	}
	if b == "" {
		return a
	}

	ta, okA := parseWatermark(a)
	tb, okB := parseWatermark(b)
	if okA && okB {
		if tb.After(ta) {
			return b
		}
		return a
	}

	if b > a {
		return b
	}
	return a
}

func parseWatermark(v string) (time.Time, bool) {
	for _, layout := range watermarkLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
