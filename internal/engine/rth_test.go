package engine

import (
	"testing"
	"time"

	"quant-sandbox/internal/series"
)

func intradayBar(t time.Time) series.Bar {
	return series.Bar{T: t, Open: 1, High: 1, Low: 1, Close: 1, Volume: 1}
}

func TestFilterRTHIntraday(t *testing.T) {
	// January 15 2025, Eastern standard time (UTC-5): the cash session
	// 09:30-16:00 ET is 14:30-21:00 UTC.
	day := time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC)
	bars := []series.Bar{
		intradayBar(day.Add(13 * time.Hour)),                  // 08:00 ET, pre-market
		intradayBar(day.Add(14*time.Hour + 30*time.Minute)),   // 09:30 ET, open
		intradayBar(day.Add(18 * time.Hour)),                  // 13:00 ET
		intradayBar(day.Add(20*time.Hour + 30*time.Minute)),   // 15:30 ET, last half hour
		intradayBar(day.Add(21 * time.Hour)),                  // 16:00 ET, after close
	}
	got, warn := filterRTH(bars, "SMART", "30 mins")
	if warn != "" {
		t.Fatalf("warn = %q", warn)
	}
	if len(got) != 3 {
		t.Fatalf("kept %d bars, want 3", len(got))
	}
	if !got[0].T.Equal(bars[1].T) || !got[2].T.Equal(bars[3].T) {
		t.Errorf("kept wrong bars: %v", got)
	}
}

func TestFilterRTHDailyPassThrough(t *testing.T) {
	bars := []series.Bar{intradayBar(utc(2025, 1, 15))}
	got, warn := filterRTH(bars, "SMART", "1 day")
	if warn != "" || len(got) != 1 {
		t.Fatalf("daily bars must pass through, got %d (%q)", len(got), warn)
	}
}

func TestFilterRTHUnknownExchange(t *testing.T) {
	bars := []series.Bar{intradayBar(time.Date(2025, 1, 15, 3, 0, 0, 0, time.UTC))}
	got, warn := filterRTH(bars, "MOEX", "30 mins")
	if warn == "" {
		t.Fatal("unknown exchange should warn")
	}
	if len(got) != 1 {
		t.Fatalf("unknown exchange must pass bars through, got %d", len(got))
	}
}
