package symbols

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Namespace is the asset-class prefix of a canonical token.
type Namespace string

const (
	NSEquity Namespace = "EQ"
	NSFX     Namespace = "FX"
	NSIndex  Namespace = "IX"
)

// Kind discriminates what an IX body refers to once parsed.
type Kind int

const (
	KindEquity     Kind = iota // EQ:SPY, EQ:SAP.GY, EQ:SAP@IBIS
	KindFX                     // FX:EURUSD
	KindCashIndex              // IX:SPX, IX:HHI.HK
	KindContinuous             // IX:ES.A  (back-adjusted, stitched)
	KindPositional             // IX:ES1 .. IX:ES9
	KindContract               // IX:ESU26 (explicit contract)
)

func (k Kind) String() string {
	switch k {
	case KindEquity:
		return "equity"
	case KindFX:
		return "fx"
	case KindCashIndex:
		return "index"
	case KindContinuous:
		return "continuous"
	case KindPositional:
		return "positional"
	case KindContract:
		return "contract"
	}
	return "unknown"
}

// MonthCodes maps futures month letters to month numbers (F=Jan .. Z=Dec).
var MonthCodes = map[byte]int{
	'F': 1, 'G': 2, 'H': 3, 'J': 4, 'K': 5, 'M': 6,
	'N': 7, 'Q': 8, 'U': 9, 'V': 10, 'X': 11, 'Z': 12,
}

// MonthLetter is the inverse of MonthCodes.
func MonthLetter(month int) (byte, bool) {
	for l, m := range MonthCodes {
		if m == month {
			return l, true
		}
	}
	return 0, false
}

// Symbol is the parsed form of a canonical token like EQ:SPY, FX:EURUSD,
// IX:ES.A, IX:ES1 or IX:ESU26. Parse followed by String round-trips the
// original token.
type Symbol struct {
	Namespace Namespace
	Ticker    string // ticker, FX pair, index name or futures root
	Region    string // two-letter EQ region suffix ("" means US)
	Venue     string // explicit @VENUE exchange override (may contain dots)
	Kind      Kind
	Position  int  // positional selector, 1 = front month
	Month     byte // contract month letter for KindContract
	Year      int  // full contract year for KindContract (e.g. 2026)
}

var (
	tokenRe  = regexp.MustCompile(`^(EQ|FX|IX):([A-Za-z0-9]+(?:[@.][A-Za-z0-9.]+)*)$`)
	regionRe = regexp.MustCompile(`^[A-Za-z]{2}$`)
	alphaRe  = regexp.MustCompile(`^[A-Za-z]+$`)
)

// Parse parses a canonical symbol token. The token grammar is
// NAMESPACE:BODY with NAMESPACE one of EQ, FX, IX.
func Parse(token string) (Symbol, error) {
	t := strings.TrimSpace(token)
	m := tokenRe.FindStringSubmatch(strings.ToUpper(t))
	if m == nil {
		return Symbol{}, fmt.Errorf("%w: %q (expected like EQ:SPY, FX:EURUSD, IX:ES.A)", ErrMalformedToken, token)
	}
	ns := Namespace(m[1])
	body := m[2]

	switch ns {
	case NSEquity:
		return parseEquity(body)
	case NSFX:
		return parseFX(body)
	case NSIndex:
		return parseIndex(body)
	}
	return Symbol{}, fmt.Errorf("%w: unsupported namespace in %q", ErrMalformedToken, token)
}

func parseEquity(body string) (Symbol, error) {
	s := Symbol{Namespace: NSEquity, Kind: KindEquity}

	// Exchange override: EQ:SAP@IBIS.
	if at := strings.IndexByte(body, '@'); at >= 0 {
		s.Ticker, s.Venue = body[:at], body[at+1:]
		if s.Ticker == "" || s.Venue == "" {
			return Symbol{}, fmt.Errorf("%w: bad EQ exchange override %q", ErrMalformedToken, body)
		}
		return s, nil
	}

	// Region suffix: EQ:SAP.GY, EQ:700.HK.
	if dot := strings.IndexByte(body, '.'); dot >= 0 {
		s.Ticker, s.Region = body[:dot], body[dot+1:]
		if !regionRe.MatchString(s.Region) {
			return Symbol{}, fmt.Errorf("%w: bad region suffix %q (use a 2-letter suffix like .HK, .GY, .LN)", ErrMalformedToken, s.Region)
		}
		return s, nil
	}

	s.Ticker = body
	return s, nil
}

func parseFX(body string) (Symbol, error) {
	if len(body) != 6 || !alphaRe.MatchString(body) {
		return Symbol{}, fmt.Errorf("%w: FX pair must be six letters like EURUSD, got %q", ErrMalformedToken, body)
	}
	return Symbol{Namespace: NSFX, Kind: KindFX, Ticker: body}, nil
}

func parseIndex(body string) (Symbol, error) {
	s := Symbol{Namespace: NSIndex}

	// Venue override first; the venue itself may contain dots (OSE.JPN),
	// so a trailing .A / .N selector is split off the venue, not the symbol.
	if at := strings.IndexByte(body, '@'); at >= 0 {
		s.Ticker, s.Venue = body[:at], body[at+1:]
		if s.Ticker == "" || s.Venue == "" {
			return Symbol{}, fmt.Errorf("%w: bad IX exchange override %q", ErrMalformedToken, body)
		}
		if sel, rest, ok := splitSelector(s.Venue); ok {
			s.Venue = rest
			applySelector(&s, sel)
		} else {
			s.Kind = KindCashIndex
		}
		return s, nil
	}

	if sel, rest, ok := splitSelector(body); ok {
		s.Ticker = rest
		applySelector(&s, sel)
		return s, nil
	}

	// Dotted body without a selector suffix is a dotted cash index (IX:HHI.HK).
	if strings.ContainsRune(body, '.') {
		s.Ticker = body
		s.Kind = KindCashIndex
		return s, nil
	}

	// Explicit contract code: alphabetic root + month letter + two digits.
	if len(body) >= 4 {
		root, code, yy := body[:len(body)-3], body[len(body)-3], body[len(body)-2:]
		if _, ok := MonthCodes[code]; ok && alphaRe.MatchString(root) && isDigits(yy) {
			y, _ := strconv.Atoi(yy)
			s.Ticker = root
			s.Kind = KindContract
			s.Month = code
			s.Year = expandYear(y)
			return s, nil
		}
	}

	// Positional selector: alphabetic root + single digit 1..9. Requiring a
	// purely alphabetic root keeps names like N225 parsing as cash indices.
	if len(body) >= 2 {
		root, last := body[:len(body)-1], body[len(body)-1]
		if last >= '1' && last <= '9' && alphaRe.MatchString(root) {
			s.Ticker = root
			s.Kind = KindPositional
			s.Position = int(last - '0')
			return s, nil
		}
	}

	s.Ticker = body
	s.Kind = KindCashIndex
	return s, nil
}

// splitSelector splits a trailing continuous/positional selector (".A" or
// ".<1-9>") off a body or venue string.
func splitSelector(v string) (sel string, rest string, ok bool) {
	dot := strings.LastIndexByte(v, '.')
	if dot < 1 || dot != len(v)-2 {
		return "", v, false
	}
	suf := v[dot+1:]
	if suf == "A" || (suf[0] >= '1' && suf[0] <= '9') {
		return suf, v[:dot], true
	}
	return "", v, false
}

func applySelector(s *Symbol, sel string) {
	if sel == "A" {
		s.Kind = KindContinuous
		return
	}
	s.Kind = KindPositional
	s.Position = int(sel[0] - '0')
}

// String renders the symbol back into its canonical token form.
func (s Symbol) String() string {
	var b strings.Builder
	b.WriteString(string(s.Namespace))
	b.WriteByte(':')
	b.WriteString(s.Ticker)
	if s.Region != "" {
		b.WriteByte('.')
		b.WriteString(s.Region)
	}
	if s.Venue != "" {
		b.WriteByte('@')
		b.WriteString(s.Venue)
	}
	switch s.Kind {
	case KindContinuous:
		b.WriteString(".A")
	case KindPositional:
		// Canonical positional form is IX:ES1; the dotted form is only
		// needed after a venue override to keep the digit unambiguous.
		if s.Venue != "" {
			b.WriteByte('.')
		}
		b.WriteByte(byte('0' + s.Position))
	case KindContract:
		b.WriteByte(s.Month)
		fmt.Fprintf(&b, "%02d", s.Year%100)
	}
	return b.String()
}

// IsFuture reports whether the symbol needs chain resolution against the
// futures expiry calendar.
func (s Symbol) IsFuture() bool {
	return s.Kind == KindContinuous || s.Kind == KindPositional || s.Kind == KindContract
}

func isDigits(v string) bool {
	for i := 0; i < len(v); i++ {
		if v[i] < '0' || v[i] > '9' {
			return false
		}
	}
	return len(v) > 0
}

// Two-digit years pivot at 70: 26 -> 2026, 99 -> 1999.
func expandYear(yy int) int {
	if yy < 70 {
		return 2000 + yy
	}
	return 1900 + yy
}
