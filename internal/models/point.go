package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ErrMalformedPoint is returned by ParsePoint when a payload cannot be read
// as a single observation.
var ErrMalformedPoint = errors.New("malformed point")

// Point is one timestamped OHLCV observation. Prices are nullable; volume
// defaults to zero.
type Point struct {
	Time   time.Time `json:"time"`
	Open   *float64  `json:"open,omitempty"`
	High   *float64  `json:"high,omitempty"`
	Low    *float64  `json:"low,omitempty"`
	Close  *float64  `json:"close,omitempty"`
	Volume float64   `json:"volume"`
}

type PriceSeries struct {
	Ticker string  `json:"ticker"`
	Points []Point `json:"points"`
}

// wirePoint accepts the field spellings the upstream API has used over time.
type wirePoint struct {
	Time      json.RawMessage `json:"time"`
	Date      json.RawMessage `json:"date"`
	Timestamp json.RawMessage `json:"timestamp"`
	Open      *float64        `json:"open"`
	High      *float64        `json:"high"`
	Low       *float64        `json:"low"`
	Close     *float64        `json:"close"`
	Volume    *float64        `json:"volume"`
}

// ParsePoint decodes one JSON payload into a Point. Any failure wraps
// ErrMalformedPoint.
func ParsePoint(raw []byte) (Point, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return Point{}, fmt.Errorf("%w: not a JSON object", ErrMalformedPoint)
	}

	var w wirePoint
	if err := json.Unmarshal(raw, &w); err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrMalformedPoint, err)
	}

	ts := w.Time
	if isEmptyJSON(ts) {
		ts = w.Date
	}
	if isEmptyJSON(ts) {
		ts = w.Timestamp
	}
	if isEmptyJSON(ts) {
		return Point{}, fmt.Errorf("%w: missing time", ErrMalformedPoint)
	}

	t, err := parseTime(ts)
	if err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrMalformedPoint, err)
	}

	p := Point{Time: t, Open: w.Open, High: w.High, Low: w.Low, Close: w.Close}
	if w.Volume != nil {
		p.Volume = *w.Volume
	}
	return p, nil
}

// UnmarshalJSON lets Point decode any accepted wire shape.
func (p *Point) UnmarshalJSON(b []byte) error {
	parsed, err := ParsePoint(b)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

func isEmptyJSON(raw json.RawMessage) bool {
	s := strings.TrimSpace(string(raw))
	return s == "" || s == "null" || s == `""`
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
}

const epochMillisFloor = 100_000_000_000

func parseTime(raw json.RawMessage) (time.Time, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		n, nerr := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
		if nerr != nil || n <= 0 {
			return time.Time{}, fmt.Errorf("unsupported time value %s", string(raw))
		}
		// Epoch numbers below 1e11 are seconds (1e11 ms is March 1973).
		if n < epochMillisFloor {
			return time.Unix(n, 0).UTC(), nil
		}
		return time.UnixMilli(n).UTC(), nil
	}

	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable time %q", s)
}

// Float is a small helper for building points in code and tests.
func Float(v float64) *float64 { return &v }
