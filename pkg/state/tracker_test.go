package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaxWatermark(t *testing.T) {
	tests := []struct {
		name string
		a, b string
		want string
	}{
		{"empty seed", "", "2024-01-02T00:00:00Z", "2024-01-02T00:00:00Z"},
		{"empty candidate", "2024-01-02T00:00:00Z", "", "2024-01-02T00:00:00Z"},
		{"later wins", "2024-01-01T00:00:00Z", "2024-06-01T00:00:00Z", "2024-06-01T00:00:00Z"},
		{"earlier kept", "2024-06-01T00:00:00Z", "2024-01-01T00:00:00Z", "2024-06-01T00:00:00Z"},
		{
			"salesforce datetime format",
			"2024-01-01T00:00:00.000+0000",
			"2024-03-05T12:30:00.000+0000",
			"2024-03-05T12:30:00.000+0000",
		},
		{
			"mixed zones compare as instants",
			"2024-01-01T12:00:00+02:00",
			"2024-01-01T11:00:00Z",
			"2024-01-01T11:00:00Z",
		},
		{"bare dates", "2024-01-15", "2024-02-01", "2024-02-01"},
		{"lexicographic fallback", "abc", "abd", "abd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MaxWatermark(tt.a, tt.b))
		})
	}
}

func TestNormalizeWatermark(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"salesforce datetime to utc", "2024-03-05T00:00:00.000+0000", "2024-03-05T00:00:00Z"},
		{"offset converted to utc", "2024-01-01T12:00:00+02:00", "2024-01-01T10:00:00Z"},
		{"already rfc3339 utc", "2024-03-05T00:00:00Z", "2024-03-05T00:00:00Z"},
		{"bare date unchanged", "2024-03-05", "2024-03-05"},
		{"unparseable unchanged", "not-a-time", "not-a-time"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeWatermark(tt.in))
		})
	}
}

func TestTrackerObserveNormalizesSalesforceFormat(t *testing.T) {
	tr := NewTracker("LastModifiedDate", "")

	tr.Observe(map[string]interface{}{"LastModifiedDate": "2024-03-05T00:00:00.000+0000"})

	// The stored maximum must be a literal SOQL accepts in a comparison
	assert.Equal(t, "2024-03-05T00:00:00Z", tr.Watermark())
}

func TestTrackerObserve(t *testing.T) {
	tr := NewTracker("LastModifiedDate", "2024-01-01T00:00:00Z")

	tr.Observe(map[string]interface{}{"LastModifiedDate": "2024-02-01T00:00:00Z"})
	tr.Observe(map[string]interface{}{"LastModifiedDate": "2024-01-15T00:00:00Z"})

	assert.Equal(t, "2024-02-01T00:00:00Z", tr.Watermark())
}

func TestTrackerSkipsMissingAndNonString(t *testing.T) {
	tr := NewTracker("LastModifiedDate", "2024-01-01T00:00:00Z")

	tr.Observe(map[string]interface{}{"Id": "001"})
	tr.Observe(map[string]interface{}{"LastModifiedDate": nil})
	tr.Observe(map[string]interface{}{"LastModifiedDate": 42.0})

	assert.Equal(t, "2024-01-01T00:00:00Z", tr.Watermark())
}

func TestTrackerZeroRowsKeepsPrevious(t *testing.T) {
	tr := NewTracker("LastModifiedDate", "2024-01-01T00:00:00Z")
	assert.Equal(t, "2024-01-01T00:00:00Z", tr.Watermark())
}

func TestTrackerNoFieldIsInert(t *testing.T) {
	tr := NewTracker("", "")
	tr.Observe(map[string]interface{}{"LastModifiedDate": "2024-02-01T00:00:00Z"})
	assert.Equal(t, "", tr.Watermark())
}
