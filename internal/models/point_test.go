package models

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestParsePoint_RFC3339(t *testing.T) {
	p, err := ParsePoint([]byte(`{"time":"2024-03-01T14:30:00Z","open":1,"high":2,"low":0.5,"close":1.5,"volume":1200}`))
	if err != nil {
		t.Fatalf("ParsePoint: %v", err)
	}
	want := time.Date(2024, 3, 1, 14, 30, 0, 0, time.UTC)
	if !p.Time.Equal(want) {
		t.Fatalf("time: got %s, want %s", p.Time, want)
	}
	if p.Close == nil || *p.Close != 1.5 {
		t.Fatalf("close mismatch: %+v", p.Close)
	}
	if p.Volume != 1200 {
		t.Fatalf("volume: got %f", p.Volume)
	}
}

func TestParsePoint_DateFieldAndNullPrices(t *testing.T) {
	p, err := ParsePoint([]byte(`{"date":"2024-03-01","close":null}`))
	if err != nil {
		t.Fatalf("ParsePoint: %v", err)
	}
	if p.Close != nil || p.Open != nil {
		t.Fatal("expected nil prices")
	}
	if p.Volume != 0 {
		t.Fatalf("volume should default to 0, got %f", p.Volume)
	}
	if p.Time.Format("2006-01-02") != "2024-03-01" {
		t.Fatalf("date mismatch: %s", p.Time)
	}
}

func TestParsePoint_UnixMillis(t *testing.T) {
	p, err := ParsePoint([]byte(`{"timestamp":1709303400000,"close":10}`))
	if err != nil {
		t.Fatalf("ParsePoint: %v", err)
	}
	if p.Time.UnixMilli() != 1709303400000 {
		t.Fatalf("millis mismatch: %d", p.Time.UnixMilli())
	}
}

func TestParsePoint_UnixSeconds(t *testing.T) {
	p, err := ParsePoint([]byte(`{"time":1700000000,"close":10}`))
	if err != nil {
		t.Fatalf("ParsePoint: %v", err)
	}
	if want := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC); !p.Time.Equal(want) {
		t.Fatalf("time: got %s, want %s", p.Time, want)
	}
}

func TestParsePoint_Malformed(t *testing.T) {
	bad := []string{
		``,
		`not json`,
		`[1,2,3]`,
		`{"open":1}`,
		`{"time":"yesterday"}`,
		`{"time":true}`,
		`{"time":0}`,
		`{"time":-1700000000}`,
		`{"time":"2024-03-01","close":"abc"}`,
	}
	for _, raw := range bad {
		if _, err := ParsePoint([]byte(raw)); !errors.Is(err, ErrMalformedPoint) {
			t.Fatalf("ParsePoint(%q): expected ErrMalformedPoint, got %v", raw, err)
		}
	}
}

func TestPriceSeries_Decode(t *testing.T) {
	body := `{"ticker":"AAPL","points":[{"date":"2024-03-01","close":1},{"date":"2024-03-02","close":2}]}`
	var s PriceSeries
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if s.Ticker != "AAPL" || len(s.Points) != 2 {
		t.Fatalf("unexpected series: %+v", s)
	}
}
