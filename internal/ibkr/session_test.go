package ibkr

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"quant-sandbox/internal/config"
	"quant-sandbox/internal/errs"
)

func sessionFor(t *testing.T, handler http.Handler) *Session {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	cfg := config.Default()
	cfg.GatewayHost = u.Hostname()
	cfg.GatewayPort, _ = strconv.Atoi(u.Port())

	s := NewSession(cfg)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSession_FetchBarsTrimsAndSorts(t *testing.T) {
	rangeStart := time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)
	rangeEnd := rangeStart.AddDate(0, 0, 3)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/api/iserver/marketdata/history", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("conid") != "42" {
			t.Errorf("conid = %s", r.URL.Query().Get("conid"))
		}
		// Out of order, with one bar before the range and one at End.
		fmt.Fprintf(w, `{"data":[
			{"t":%d,"o":2,"h":2,"l":2,"c":2,"v":10},
			{"t":%d,"o":1,"h":1,"l":1,"c":1,"v":10},
			{"t":%d,"o":9,"h":9,"l":9,"c":9,"v":10},
			{"t":%d,"o":8,"h":8,"l":8,"c":8,"v":10}]}`,
			rangeStart.AddDate(0, 0, 1).UnixMilli(),
			rangeStart.UnixMilli(),
			rangeStart.AddDate(0, 0, -1).UnixMilli(),
			rangeEnd.UnixMilli())
	})
	s := sessionFor(t, mux)

	bars, err := s.FetchBars(context.Background(), BarRequest{
		Contract: Contract{ConID: 42, Symbol: "SPY", SecType: "STK"},
		BarSize:  "1 day",
		RTH:      true,
		Range:    Range{Start: rangeStart, End: rangeEnd},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2 inside the half-open range", len(bars))
	}
	if bars[0].Close != 1 || bars[1].Close != 2 {
		t.Errorf("bars not sorted by time: %+v", bars)
	}
}

func TestSession_ErrorClassification(t *testing.T) {
	cases := []struct {
		status int
		body   string
		kind   errs.Kind
	}{
		{429, "max rate exceeded", errs.PacingViolation},
		{401, "not authenticated", errs.AuthRejected},
		{500, "internal error", errs.UpstreamUnavailable},
		{503, "HMDS connection is inactive", errs.NoDataFarm},
		{400, "invalid conid", errs.UnknownRoot},
	}
	for _, c := range cases {
		status, body := c.status, c.body
		mux := http.NewServeMux()
		mux.HandleFunc("GET /v1/api/iserver/marketdata/history", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(status)
			fmt.Fprint(w, body)
		})
		s := sessionFor(t, mux)
		_, err := s.FetchBars(context.Background(), dayReq(0, 3).WithRange(dayRange(0, 3)))
		if errs.KindOf(err) != c.kind {
			t.Errorf("status %d: kind = %s, want %s (err %v)", c.status, errs.KindOf(err), c.kind, err)
		}
	}
}

func TestSession_FarmDownInBody(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/api/iserver/marketdata/history", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[],"text":"Historical data farm is unavailable"}`)
	})
	s := sessionFor(t, mux)
	_, err := s.FetchBars(context.Background(), dayReq(0, 3))
	if errs.KindOf(err) != errs.NoDataFarm {
		t.Fatalf("kind = %s, err = %v", errs.KindOf(err), err)
	}
}

func TestSession_FuturesChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/api/trsrv/futures", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("symbols") != "ES" {
			t.Errorf("symbols = %s", r.URL.Query().Get("symbols"))
		}
		fmt.Fprint(w, `{"ES":[
			{"conid":2,"symbol":"ES","localSymbol":"ESZ6","expirationDate":20261218,"ltd":20261217},
			{"conid":1,"symbol":"ES","localSymbol":"ESU6","expirationDate":20260918,"ltd":20260917}]}`)
	})
	s := sessionFor(t, mux)

	got, err := s.SearchContracts(context.Background(), "ES", "FUT")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("contracts = %d", len(got))
	}
	// Sorted by last trading day.
	if got[0].LocalSymbol != "ESU6" || got[1].LocalSymbol != "ESZ6" {
		t.Errorf("order = %s, %s", got[0].LocalSymbol, got[1].LocalSymbol)
	}
	want := time.Date(2026, 9, 17, 0, 0, 0, 0, time.UTC)
	if !got[0].LastTradingDay.Equal(want) {
		t.Errorf("ltd = %s", got[0].LastTradingDay)
	}
}

func TestSession_UnknownRootOnEmptyChain(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/api/trsrv/futures", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	})
	s := sessionFor(t, mux)
	_, err := s.SearchContracts(context.Background(), "BOGUS", "FUT")
	if errs.KindOf(err) != errs.UnknownRoot {
		t.Fatalf("kind = %s", errs.KindOf(err))
	}
}

func TestSession_ConnectRequiresAuthenticatedGateway(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/api/iserver/auth/status", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"authenticated":false,"connected":true}`)
	})
	s := sessionFor(t, mux)
	err := s.Connect(context.Background())
	if errs.KindOf(err) != errs.AuthRejected {
		t.Fatalf("kind = %s, err = %v", errs.KindOf(err), err)
	}
}
