package symbols

import (
	"errors"
	"testing"
)

func TestParse_Equity(t *testing.T) {
	s, err := Parse("EQ:SPY")
	if err != nil {
		t.Fatalf("Parse(EQ:SPY) error: %v", err)
	}
	if s.Kind != KindEquity || s.Ticker != "SPY" || s.Region != "" {
		t.Errorf("Parse(EQ:SPY) = %+v", s)
	}

	s, err = Parse("EQ:700.HK")
	if err != nil {
		t.Fatalf("Parse(EQ:700.HK) error: %v", err)
	}
	if s.Ticker != "700" || s.Region != "HK" {
		t.Errorf("Parse(EQ:700.HK) = %+v", s)
	}

	s, err = Parse("EQ:SAP@IBIS")
	if err != nil {
		t.Fatalf("Parse(EQ:SAP@IBIS) error: %v", err)
	}
	if s.Ticker != "SAP" || s.Venue != "IBIS" {
		t.Errorf("Parse(EQ:SAP@IBIS) = %+v", s)
	}
}

func TestParse_FX(t *testing.T) {
	s, err := Parse("FX:EURUSD")
	if err != nil {
		t.Fatalf("Parse(FX:EURUSD) error: %v", err)
	}
	if s.Kind != KindFX || s.Ticker != "EURUSD" {
		t.Errorf("Parse(FX:EURUSD) = %+v", s)
	}
	if _, err := Parse("FX:EUR"); !errors.Is(err, ErrMalformedToken) {
		t.Errorf("Parse(FX:EUR) err = %v, want malformed token", err)
	}
	if _, err := Parse("FX:EUR123"); !errors.Is(err, ErrMalformedToken) {
		t.Errorf("Parse(FX:EUR123) err = %v, want malformed token", err)
	}
}

func TestParse_IndexForms(t *testing.T) {
	cases := []struct {
		token string
		kind  Kind
		tick  string
		pos   int
		month byte
		year  int
	}{
		{"IX:SPX", KindCashIndex, "SPX", 0, 0, 0},
		{"IX:N225", KindCashIndex, "N225", 0, 0, 0}, // digits in name, not a selector
		{"IX:HHI.HK", KindCashIndex, "HHI.HK", 0, 0, 0},
		{"IX:ES.A", KindContinuous, "ES", 0, 0, 0},
		{"IX:ES1", KindPositional, "ES", 1, 0, 0},
		{"IX:MNQ2", KindPositional, "MNQ", 2, 0, 0},
		{"IX:DAX.1", KindPositional, "DAX", 1, 0, 0},
		{"IX:ESU26", KindContract, "ES", 0, 'U', 2026},
		{"IX:CLZ99", KindContract, "CL", 0, 'Z', 1999},
	}
	for _, c := range cases {
		s, err := Parse(c.token)
		if err != nil {
			t.Errorf("Parse(%s) error: %v", c.token, err)
			continue
		}
		if s.Kind != c.kind || s.Ticker != c.tick || s.Position != c.pos || s.Month != c.month || s.Year != c.year {
			t.Errorf("Parse(%s) = %+v, want kind=%v tick=%s pos=%d month=%c year=%d",
				c.token, s, c.kind, c.tick, c.pos, c.month, c.year)
		}
	}
}

func TestParse_VenueWithSelector(t *testing.T) {
	s, err := Parse("IX:DAX@EUREX.1")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if s.Kind != KindPositional || s.Venue != "EUREX" || s.Position != 1 {
		t.Errorf("Parse(IX:DAX@EUREX.1) = %+v", s)
	}

	s, err = Parse("IX:N225@OSE.JPN")
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if s.Kind != KindCashIndex || s.Venue != "OSE.JPN" || s.Ticker != "N225" {
		t.Errorf("Parse(IX:N225@OSE.JPN) = %+v", s)
	}
}

// Canonical tokens must survive a Parse/String round trip byte for byte.
func TestRoundTrip(t *testing.T) {
	tokens := []string{
		"EQ:SPY", "EQ:700.HK", "EQ:SAP@IBIS",
		"FX:EURUSD",
		"IX:SPX", "IX:N225", "IX:HHI.HK",
		"IX:ES.A", "IX:ES1", "IX:MNQ2", "IX:ESU26",
	}
	for _, tok := range tokens {
		s, err := Parse(tok)
		if err != nil {
			t.Errorf("Parse(%s) error: %v", tok, err)
			continue
		}
		if got := s.String(); got != tok {
			t.Errorf("round trip %s -> %s", tok, got)
		}
	}
}

func TestParse_Malformed(t *testing.T) {
	bad := []string{"", "SPY", "EQ:", "ZZ:SPY", "EQ:SAP.TOOLONG"}
	for _, tok := range bad {
		if _, err := Parse(tok); err == nil {
			t.Errorf("Parse(%s) succeeded, want error", tok)
		}
	}
}
