package ibkr

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"quant-sandbox/internal/config"
	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/logger"
	"quant-sandbox/internal/series"
)

// keepaliveInterval keeps the gateway session warm; the gateway drops
// sessions idle for about a minute.
const keepaliveInterval = 55 * time.Second

// Session is the raw Client Portal gateway client. One per process;
// all pacing and dedup lives in the Coordinator above it.
type Session struct {
	baseURL  string
	wsURL    string
	clientID int
	http     *http.Client

	mu     sync.Mutex
	ws     *websocket.Conn
	done   chan struct{}
	closed bool
}

// NewSession builds a session client from the gateway settings. The
// gateway terminates TLS itself locally, so plain HTTP to localhost is
// the normal deployment.
func NewSession(cfg *config.Config) *Session {
	host := fmt.Sprintf("%s:%d", cfg.GatewayHost, cfg.GatewayPort)
	return &Session{
		baseURL:  fmt.Sprintf("http://%s/v1/api", host),
		wsURL:    fmt.Sprintf("ws://%s/v1/api/ws", host),
		clientID: cfg.ClientID,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		done:     make(chan struct{}),
	}
}

// Connect verifies the gateway holds an authenticated brokerage session
// and starts the websocket keepalive.
func (s *Session) Connect(ctx context.Context) error {
	var status struct {
		Authenticated bool `json:"authenticated"`
		Connected     bool `json:"connected"`
	}
	if err := s.getJSON(ctx, "/iserver/auth/status", &status); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, err, "gateway unreachable")
	}
	if !status.Connected {
		return errs.New(errs.UpstreamUnavailable, "gateway is not connected to the upstream")
	}
	if !status.Authenticated {
		return errs.New(errs.AuthRejected, "gateway session is not authenticated; log in to the gateway first")
	}
	go s.keepalive()
	logger.Success("SESSION", fmt.Sprintf("gateway session up (client id %d)", s.clientID))
	return nil
}

// Close stops the keepalive and drops the websocket.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)
	if s.ws != nil {
		s.ws.Close()
		s.ws = nil
	}
	return nil
}

// keepalive pings the session over the websocket, reconnecting with
// backoff when the gateway drops it. Failures here never fail requests;
// the request path re-authenticates on demand.
func (s *Session) keepalive() {
	backoff := time.Second
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		ws := s.ws
		s.mu.Unlock()
		if ws == nil {
			conn, _, err := websocket.DefaultDialer.Dial(s.wsURL, nil)
			if err != nil {
				logger.Warn("SESSION", fmt.Sprintf("keepalive dial failed: %v (retry in %s)", err, backoff))
				time.Sleep(backoff)
				if backoff < 30*time.Second {
					backoff *= 2
				}
				continue
			}
			backoff = time.Second
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				conn.Close()
				return
			}
			s.ws = conn
			ws = conn
			s.mu.Unlock()
			logger.Debug("SESSION", "keepalive websocket connected")
		}
		if err := ws.WriteMessage(websocket.TextMessage, []byte("tic")); err != nil {
			logger.Warn("SESSION", fmt.Sprintf("keepalive write failed: %v", err))
			s.mu.Lock()
			if s.ws == ws {
				s.ws = nil
			}
			s.mu.Unlock()
			ws.Close()
		}
	}
}

// historyResponse is the gateway's market data history payload.
type historyResponse struct {
	Data []struct {
		T int64   `json:"t"` // ms since epoch, bar open
		O float64 `json:"o"`
		H float64 `json:"h"`
		L float64 `json:"l"`
		C float64 `json:"c"`
		V float64 `json:"v"`
	} `json:"data"`
	Text string `json:"text"`
}

// FetchBars pulls history for one contract segment. The gateway takes a
// lookback period rather than a start/end pair, so the session requests
// a covering period and trims to the half-open range.
func (s *Session) FetchBars(ctx context.Context, req BarRequest) ([]series.Bar, error) {
	if req.Range.Empty() {
		return nil, errs.New(errs.EmptyRange, "empty bar range")
	}
	if req.Contract.ConID == 0 {
		return nil, errs.New(errs.Invariant, "fetch without resolved conid for %s", req.Contract.Symbol)
	}

	path := fmt.Sprintf("/iserver/marketdata/history?conid=%d&period=%s&bar=%s&outsideRth=%t&startTime=%s",
		req.Contract.ConID,
		periodParam(req.Range),
		barParam(req.BarSize),
		!req.RTH,
		req.Range.End.UTC().Format("20060102-15:04:05"))

	var hist historyResponse
	if err := s.getJSON(ctx, path, &hist); err != nil {
		return nil, err
	}
	if farmDown(hist.Text) {
		return nil, errs.New(errs.NoDataFarm, "historical data farm unavailable: %s", hist.Text)
	}

	bars := make([]series.Bar, 0, len(hist.Data))
	for _, d := range hist.Data {
		t := time.UnixMilli(d.T).UTC()
		if t.Before(req.Range.Start) || !t.Before(req.Range.End) {
			continue
		}
		bars = append(bars, series.Bar{T: t, Open: d.O, High: d.H, Low: d.L, Close: d.C, Volume: d.V})
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].T.Before(bars[j].T) })
	return bars, nil
}

// secdefResult is one row of the gateway's symbol search.
type secdefResult struct {
	ConID       json.Number `json:"conid"`
	Symbol      string      `json:"symbol"`
	CompanyName string      `json:"companyName"`
	Description string      `json:"description"`
	Sections    []struct {
		SecType  string `json:"secType"`
		Exchange string `json:"exchange"`
	} `json:"sections"`
}

// futuresRow is one contract in the gateway's futures chain listing.
type futuresRow struct {
	ConID          int64  `json:"conid"`
	Symbol         string `json:"symbol"`
	LocalSymbol    string `json:"localSymbol"`
	ExpirationDate int    `json:"expirationDate"` // yyyymmdd
	LTD            int    `json:"ltd"`            // last trading day, yyyymmdd
}

// SearchContracts enumerates contracts for a symbol. FUT roots use the
// futures chain endpoint so listing and last-trading dates come back;
// everything else goes through secdef search.
func (s *Session) SearchContracts(ctx context.Context, symbol, secType string) ([]Contract, error) {
	if secType == "FUT" {
		return s.futuresChain(ctx, symbol)
	}

	body := fmt.Sprintf(`{"symbol":%q,"secType":%q}`, symbol, secType)
	var rows []secdefResult
	if err := s.postJSON(ctx, "/iserver/secdef/search", body, &rows); err != nil {
		return nil, err
	}
	var out []Contract
	for _, r := range rows {
		conid, _ := r.ConID.Int64()
		if conid == 0 {
			continue
		}
		c := Contract{ConID: conid, Symbol: r.Symbol, SecType: secType}
		for _, sec := range r.Sections {
			if sec.SecType == secType {
				c.Exchange = sec.Exchange
				break
			}
		}
		out = append(out, c)
	}
	if len(out) == 0 {
		return nil, errs.New(errs.UnknownRoot, "gateway knows no %s contract for %q", secType, symbol)
	}
	return out, nil
}

func (s *Session) futuresChain(ctx context.Context, root string) ([]Contract, error) {
	var payload map[string][]futuresRow
	if err := s.getJSON(ctx, "/trsrv/futures?symbols="+root, &payload); err != nil {
		return nil, err
	}
	rows := payload[root]
	if len(rows) == 0 {
		return nil, errs.New(errs.UnknownRoot, "no futures chain for root %q", root)
	}
	out := make([]Contract, 0, len(rows))
	for _, r := range rows {
		out = append(out, Contract{
			ConID:          r.ConID,
			Symbol:         r.Symbol,
			LocalSymbol:    r.LocalSymbol,
			SecType:        "FUT",
			LastTradingDay: yyyymmdd(r.LTD),
			ListingDate:    yyyymmdd(r.ExpirationDate).AddDate(-3, 0, 0), // gateway omits listing; assume 3y life
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTradingDay.Before(out[j].LastTradingDay) })
	return out, nil
}

func yyyymmdd(n int) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Date(n/10000, time.Month(n/100%100), n%100, 0, 0, 0, 0, time.UTC)
}

func (s *Session) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return errs.Wrap(errs.Invariant, err, "build request")
	}
	return s.do(req, dst)
}

func (s *Session) postJSON(ctx context.Context, path, body string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+path, strings.NewReader(body))
	if err != nil {
		return errs.Wrap(errs.Invariant, err, "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	return s.do(req, dst)
}

func (s *Session) do(req *http.Request, dst any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := s.http.Do(req)
	if err != nil {
		if req.Context().Err() != nil {
			return errs.Wrap(errs.Timeout, err, "gateway call")
		}
		return errs.Wrap(errs.UpstreamUnavailable, err, "gateway call")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return classifyStatus(resp.StatusCode, string(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return errs.Wrap(errs.UpstreamUnavailable, err, "decode gateway response")
	}
	return nil
}

// classifyStatus maps a gateway HTTP failure onto the error taxonomy.
func classifyStatus(status int, body string) error {
	msg := strings.TrimSpace(body)
	if len(msg) > 200 {
		msg = msg[:200]
	}
	switch {
	case status == http.StatusTooManyRequests:
		return errs.New(errs.PacingViolation, "gateway pacing limit hit: %s", msg)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(errs.AuthRejected, "gateway rejected the session (%d): %s", status, msg)
	case status >= 500:
		if farmDown(msg) {
			return errs.New(errs.NoDataFarm, "historical data farm unavailable: %s", msg)
		}
		return errs.New(errs.UpstreamUnavailable, "gateway error %d: %s", status, msg)
	default:
		return errs.New(errs.UnknownRoot, "gateway rejected request (%d): %s", status, msg)
	}
}

// farmDown spots the upstream's transient "historical data farm"
// messages, which deserve a retry rather than a hard failure.
func farmDown(text string) bool {
	t := strings.ToLower(text)
	return strings.Contains(t, "hmds") ||
		(strings.Contains(t, "farm") && (strings.Contains(t, "inactive") || strings.Contains(t, "unavailable") || strings.Contains(t, "broken")))
}

// periodParam converts a half-open range into the gateway's lookback
// period string, rounded up so the range is fully covered.
func periodParam(rg Range) string {
	days := int(rg.End.Sub(rg.Start).Hours()/24) + 1
	switch {
	case days <= 30:
		return fmt.Sprintf("%dd", days)
	case days <= 370:
		return fmt.Sprintf("%dw", (days+6)/7)
	default:
		return fmt.Sprintf("%dy", (days+364)/365)
	}
}

// barParam maps the request bar size onto the gateway's bar tokens.
func barParam(barSize string) string {
	switch strings.ToLower(strings.TrimSpace(barSize)) {
	case "1 min":
		return "1min"
	case "5 mins":
		return "5min"
	case "15 mins":
		return "15min"
	case "30 mins":
		return "30min"
	case "1 hour":
		return "1h"
	case "4 hours":
		return "4h"
	case "1 week":
		return "1w"
	case "1 month":
		return "1m"
	default:
		return "1d"
	}
}
