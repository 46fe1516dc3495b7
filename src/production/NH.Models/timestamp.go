package nhmodels

import (
	"bytes"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// maxEpochMillis is the last instant that still encodes as RFC3339
var maxEpochMillis = time.Date(9999, 12, 31, 23, 59, 59, 999e6, time.UTC).UnixMilli()

// Timestamp accepts the formats devices are known to send: RFC3339 strings,
// plain dates and epoch milliseconds. Anything else decodes to the zero time
// and the caller substitutes the receive time.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		t.Time = ParseTimestamp(s)
		return nil
	}
	ms, err := strconv.ParseFloat(string(data), 64)
	if err != nil || !(ms > 0 && ms <= float64(maxEpochMillis)) {
		return nil
	}
	t.Time = time.UnixMilli(int64(ms)).UTC()
	return nil
}

// ParseTimestamp returns the zero time when s matches no known layout
func ParseTimestamp(s string) time.Time {
	for _, layout := range timestampLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC()
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil && ms > 0 && ms <= maxEpochMillis {
		return time.UnixMilli(ms).UTC()
	}
	return time.Time{}
}
