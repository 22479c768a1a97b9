package api

import (
	"bytes"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"quant-sandbox/internal/engine"
	"quant-sandbox/internal/errs"
	"quant-sandbox/internal/expr"
	"quant-sandbox/internal/indicators"
	"quant-sandbox/internal/seasonality"
	"quant-sandbox/internal/series"
)

// exprRequest carries the fields shared by every expression endpoint.
type exprRequest struct {
	Expr        string   `json:"expr"`
	Duration    string   `json:"duration"`
	BarSize     string   `json:"bar_size"`
	UseRTH      bool     `json:"use_rth"`
	Norm        *float64 `json:"norm"`
	IncludeGaps *bool    `json:"include_gaps"`
	Intersect   bool     `json:"intersect"`
	Ccy         string   `json:"ccy"`
}

// eval converts the wire request into an engine request. Endpoints
// differ only in their gap default: raw series endpoints drop gaps,
// chart and indicator endpoints keep them so lines break correctly.
func (q exprRequest) eval(defaultGaps bool) engine.EvalRequest {
	gaps := defaultGaps
	if q.IncludeGaps != nil {
		gaps = *q.IncludeGaps
	}
	return engine.EvalRequest{
		Expr:        q.Expr,
		Duration:    q.Duration,
		BarSize:     q.BarSize,
		UseRTH:      q.UseRTH,
		Norm:        q.Norm,
		IncludeGaps: gaps,
		Intersect:   q.Intersect,
		Ccy:         q.Ccy,
	}
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.eval.EvalExpression(r.Context(), req.eval(false))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, chartFromEval(res))
}

func (s *Server) handleChart(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.eval.EvalExpression(r.Context(), req.eval(true))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, chartFromEval(res))
}

// handleClose serves the close series of exactly one instrument; a
// composite expression belongs on /expr/series.
func (s *Server) handleClose(w http.ResponseWriter, r *http.Request) {
	var req exprRequest
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	parsed, err := expr.Parse(req.Expr)
	if err != nil {
		writeError(w, err)
		return
	}
	if !parsed.IsSingleLeaf() {
		writeError(w, errs.New(errs.UnsupportedParameter, "close endpoint takes a single symbol, got %q", req.Expr))
		return
	}
	res, err := s.eval.EvalExpression(r.Context(), req.eval(false))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, chartFromEval(res))
}

// evalGrid evaluates the base with gaps preserved; indicator math needs
// the full grid regardless of what the response keeps.
func (s *Server) evalGrid(r *http.Request, req exprRequest) (engine.EvalResult, error) {
	er := req.eval(true)
	er.IncludeGaps = true
	return s.eval.EvalExpression(r.Context(), er)
}

func (s *Server) handleMA(w http.ResponseWriter, r *http.Request) {
	var req struct {
		exprRequest
		MA     string `json:"ma"`
		Window int    `json:"window"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Window < 1 {
		req.Window = 20
	}
	res, err := s.evalGrid(r, req.exprRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	var ma series.Series
	switch req.MA {
	case "", "sma":
		ma = indicators.SMA(res.Series, req.Window)
	case "ema":
		ma = indicators.EMA(res.Series, req.Window)
	default:
		writeError(w, errs.New(errs.UnsupportedParameter, "unknown ma %q (use sma|ema)", req.MA))
		return
	}
	writeJSON(w, chartFromEval(res, ma))
}

func (s *Server) handleBollinger(w http.ResponseWriter, r *http.Request) {
	var req struct {
		exprRequest
		Period int     `json:"period"`
		Sigma  float64 `json:"sigma"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Period < 1 {
		req.Period = 20
	}
	if req.Sigma <= 0 {
		req.Sigma = 2
	}
	res, err := s.evalGrid(r, req.exprRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	bands := indicators.Bollinger(res.Series, req.Period, req.Sigma)
	writeJSON(w, chartFromEval(res, bands.Mid, bands.Upper, bands.Lower))
}

func (s *Server) handleRSI(w http.ResponseWriter, r *http.Request) {
	var req struct {
		exprRequest
		Period int       `json:"period"`
		Bands  string    `json:"bands"`
		Levels []float64 `json:"levels"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Period < 1 {
		req.Period = 14
	}
	levels, err := indicators.RSILevels(req.Bands, req.Levels)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.evalGrid(r, req.exprRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	rsi, err := indicators.RSI(res.Series, req.Period)
	if err != nil {
		writeError(w, err)
		return
	}
	extra := []series.Series{rsi}
	for _, lv := range levels {
		label := "oversold"
		if lv >= 50 {
			label = "overbought"
		}
		extra = append(extra, series.Constant(label, res.Series.Times(), lv, series.UnitIndex))
	}
	out := chartFromEval(res, extra...)
	out.Meta.Levels = levels
	out.Meta.Last = lastDefined(rsi)
	writeJSON(w, out)
}

func (s *Server) handleDrawdown(w http.ResponseWriter, r *http.Request) {
	var req struct {
		exprRequest
		Mode          string `json:"mode"`
		RollingWindow int    `json:"rolling_window"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	res, err := s.evalGrid(r, req.exprRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	var dd series.Series
	switch req.Mode {
	case "", "point":
		dd = indicators.Drawdown(res.Series)
	case "rolling":
		win := req.RollingWindow
		if win < 1 {
			win = 252
		}
		dd = indicators.RollingDrawdown(res.Series, win)
	default:
		writeError(w, errs.New(errs.UnsupportedParameter, "unknown drawdown mode %q (use point|rolling)", req.Mode))
		return
	}
	writeJSON(w, chartFromEval(res, dd))
}

func (s *Server) handleSharpe(w http.ResponseWriter, r *http.Request) {
	var req struct {
		exprRequest
		Window int `json:"window"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Window < 1 {
		req.Window = 63
	}
	res, err := s.evalGrid(r, req.exprRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	sharpe := indicators.RollingSharpe(res.Series, req.Window, engine.AnnualizationFactor(res.BarSize))
	writeJSON(w, chartFromEval(res, sharpe))
}

func (s *Server) handleZScore(w http.ResponseWriter, r *http.Request) {
	var req struct {
		exprRequest
		Window int       `json:"window"`
		Levels []float64 `json:"levels"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Window < 1 {
		req.Window = 63
	}
	res, err := s.evalGrid(r, req.exprRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	z := indicators.ZScore(res.Series, req.Window)
	extra := []series.Series{z}
	for _, lv := range req.Levels {
		extra = append(extra, series.Constant(levelLabel(lv), res.Series.Times(), lv, series.UnitZScore))
	}
	out := chartFromEval(res, extra...)
	out.Meta.Levels = req.Levels
	writeJSON(w, out)
}

func levelLabel(v float64) string {
	if v < 0 {
		return "lower"
	}
	return "upper"
}

func (s *Server) handleCorr(w http.ResponseWriter, r *http.Request) {
	var req struct {
		exprRequest
		A          string `json:"a"`
		B          string `json:"b"`
		RetHorizon int    `json:"ret_horizon"`
		Window     int    `json:"window"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.A == "" || req.B == "" {
		writeError(w, errs.New(errs.UnsupportedParameter, "corr needs both a and b expressions"))
		return
	}
	if req.RetHorizon < 1 {
		req.RetHorizon = 1
	}
	if req.Window < 1 {
		req.Window = 63
	}

	qa, qb := req.exprRequest, req.exprRequest
	qa.Expr, qb.Expr = req.A, req.B
	resA, err := s.evalGrid(r, qa)
	if err != nil {
		writeError(w, err)
		return
	}
	resB, err := s.evalGrid(r, qb)
	if err != nil {
		writeError(w, err)
		return
	}

	frame := series.Align(map[string]series.Series{"a": resA.Series, "b": resB.Series},
		series.JoinUnion, series.FillPolicy{ForwardFill: true, Cap: s.cfg.FillCap})
	a := frame.ToSeries("a", resA.Series.Label, resA.Series.Unit)
	b := frame.ToSeries("b", resB.Series.Label, resB.Series.Unit)
	corr := indicators.Correlation(a, b, req.RetHorizon, req.Window)

	out := chartFromEval(resA, b, corr)
	out.Label = req.A + " ~ " + req.B
	writeJSON(w, out)
}

func (s *Server) handleSeasonalityYears(w http.ResponseWriter, r *http.Request) {
	var req struct {
		exprRequest
		Years            []int  `json:"years"`
		Rebase           *bool  `json:"rebase"`
		SeasonNorm       string `json:"season_norm"` // pct|index|raw, overrides rebase
		MinPointsPerYear int    `json:"min_points_per_year"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	norm := seasonality.NormPct
	if req.Rebase != nil && !*req.Rebase {
		norm = seasonality.NormRaw
	}
	if req.SeasonNorm != "" {
		norm = seasonality.Norm(req.SeasonNorm)
	}

	res, err := s.evalGrid(r, req.exprRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := seasonality.Years(res.Series, seasonality.YearsOptions{
		Years:     req.Years,
		Norm:      norm,
		MinPoints: req.MinPointsPerYear,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	var ss []series.Series
	yearsTable := make([]map[string]any, 0, len(out.Years))
	for _, y := range out.Years {
		ss = append(ss, y.Curve)
		yearsTable = append(yearsTable, map[string]any{
			"year": y.Year, "count": y.Count, "included": y.Included,
		})
	}
	ss = append(ss, out.Bands.Low, out.Bands.Mid, out.Bands.High, out.Bands.Mean)

	resp := chartResponse{
		Label: res.Series.Label,
		Expr:  res.Expr,
		Meta: chartMeta{
			BarSize: res.BarSize, UseRTH: res.UseRTH,
			Range: toChartRange(res.Range), Adjust: res.Adjust, Warnings: res.Warnings,
		},
		Series: toChartSeries(ss...),
		Tables: map[string]any{"years": yearsTable, "norm": string(norm)},
	}
	writeJSON(w, resp)
}

func (s *Server) handleSeasonalityHeatmap(w http.ResponseWriter, r *http.Request) {
	var req struct {
		exprRequest
		Bucket    string `json:"bucket"`
		Years     []int  `json:"years"`
		MinPoints int    `json:"min_points"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	bucket := seasonality.BucketMonth
	switch req.Bucket {
	case "", "month":
	case "week":
		bucket = seasonality.BucketWeek
	default:
		writeError(w, errs.New(errs.UnsupportedParameter, "unknown bucket %q (use month|week)", req.Bucket))
		return
	}

	res, err := s.evalGrid(r, req.exprRequest)
	if err != nil {
		writeError(w, err)
		return
	}
	out, err := seasonality.Heatmap(res.Series, seasonality.HeatmapOptions{
		Bucket: bucket, Years: req.Years, MinPoints: req.MinPoints,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	rows := make([]map[string]any, 0, len(out.Rows))
	for _, row := range out.Rows {
		rows = append(rows, map[string]any{
			"year": row.Year, "bucket": row.Bucket,
			"return_pct": jsonFloat(row.ReturnPct),
			"count":      row.Count, "included": row.Included,
		})
	}
	stats := make([]map[string]any, 0, len(out.Stats))
	for _, st := range out.Stats {
		stats = append(stats, map[string]any{
			"bucket": st.Bucket, "years": st.Years,
			"mean": jsonFloat(st.Mean), "median": jsonFloat(st.Median),
			"min": jsonFloat(st.Min), "max": jsonFloat(st.Max),
			"stdev": jsonFloat(st.Stdev),
			"frac_pos": jsonFloat(st.FracPos), "frac_neg": jsonFloat(st.FracNeg),
		})
	}

	resp := chartResponse{
		Label: res.Series.Label,
		Expr:  res.Expr,
		Meta: chartMeta{
			BarSize: res.BarSize, UseRTH: res.UseRTH,
			Range: toChartRange(res.Range), Adjust: res.Adjust, Warnings: res.Warnings,
		},
		Series: []chartSeries{},
		Tables: map[string]any{"bucket": string(out.Bucket), "rows": rows, "stats": stats},
	}
	writeJSON(w, resp)
}

// jsonFloat turns NaN into nil so the encoder emits null instead of
// failing.
func jsonFloat(v float64) any {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return v
}

func (s *Server) handleOHLCV(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Symbol        string `json:"symbol"`
		Resolution    string `json:"resolution"` // bar size, e.g. "1 day"
		Range         string `json:"range"`      // duration token, e.g. "6 M"
		UseRTH        bool   `json:"use_rth"`
		IncludeVolume *bool  `json:"include_volume"`
		TZ            string `json:"tz"`
		MaxBars       int    `json:"max_bars"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TZ != "" {
		if _, err := time.LoadLocation(req.TZ); err != nil {
			writeError(w, errs.New(errs.UnsupportedParameter, "unknown tz %q", req.TZ))
			return
		}
	}
	res, err := s.eval.FetchOHLCV(r.Context(), engine.OHLCVRequest{
		Symbol:   req.Symbol,
		Duration: req.Range,
		BarSize:  req.Resolution,
		UseRTH:   req.UseRTH,
		MaxBars:  req.MaxBars,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	n := len(res.Bars)
	ts := make([]int64, n)
	opens := make([]float64, n)
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	vols := make([]float64, n)
	for i, b := range res.Bars {
		ts[i] = msec(b.T)
		opens[i], highs[i], lows[i], closes[i], vols[i] = b.Open, b.High, b.Low, b.Close, b.Volume
	}
	tables := map[string]any{"t": ts, "open": opens, "high": highs, "low": lows, "close": closes}
	if req.IncludeVolume == nil || *req.IncludeVolume {
		tables["volume"] = vols
	}

	resp := chartResponse{
		Label: res.Symbol,
		Expr:  res.Symbol,
		Meta: chartMeta{
			BarSize: res.BarSize, UseRTH: res.UseRTH,
			Range: toChartRange(res.Range), Adjust: res.Adjust, Warnings: res.Warnings,
		},
		Series: toChartSeries(series.Closes(res.Symbol, res.Bars)),
		Tables: tables,
	}
	writeJSON(w, resp)
}

// packBase accepts the base either as a bare expression string
// ("base":"EQ:SPY") or as a full request object.
func packBase(raw json.RawMessage) (exprRequest, error) {
	var base exprRequest
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return base, errs.New(errs.ParseError, "pack base is required")
	}
	if trimmed[0] == '"' {
		if err := json.Unmarshal(trimmed, &base.Expr); err != nil {
			return base, errs.Wrap(errs.ParseError, err, "invalid pack base")
		}
		return base, nil
	}
	if err := json.Unmarshal(trimmed, &base); err != nil {
		return base, errs.Wrap(errs.ParseError, err, "invalid pack base")
	}
	return base, nil
}

func (s *Server) handlePack(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Base     json.RawMessage        `json:"base"`
		Overlays []engine.CompanionSpec `json:"overlays"`
		Panels   []engine.CompanionSpec `json:"panels"`
	}
	if err := decode(r, &req); err != nil {
		writeError(w, err)
		return
	}
	base, err := packBase(req.Base)
	if err != nil {
		writeError(w, err)
		return
	}
	res, err := s.eval.EvalPack(r.Context(), base.eval(true), req.Overlays, req.Panels)
	if err != nil {
		writeError(w, err)
		return
	}

	type companionResponse struct {
		Name    string         `json:"name"`
		Status  string         `json:"status"`
		Error   string         `json:"error,omitempty"`
		Kind    string         `json:"kind,omitempty"`
		Warning string         `json:"warning,omitempty"`
		Series  []chartSeries  `json:"series,omitempty"`
		Tables  map[string]any `json:"tables,omitempty"`
	}
	companions := make([]companionResponse, 0, len(res.Companions))
	for _, c := range res.Companions {
		companions = append(companions, companionResponse{
			Name:    c.Name,
			Status:  c.Status,
			Error:   c.Error,
			Kind:    string(c.Kind),
			Warning: c.Warning,
			Series:  toChartSeries(c.Series...),
			Tables:  c.Tables,
		})
	}

	out := chartFromEval(res.Base)
	writeJSON(w, map[string]any{
		"label":      out.Label,
		"expr":       out.Expr,
		"meta":       out.Meta,
		"series":     out.Series,
		"companions": companions,
	})
}
