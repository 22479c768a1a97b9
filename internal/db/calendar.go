package db

import (
	"database/sql"
	"fmt"
	"time"

	"quant-sandbox/internal/ibkr"
)

const dateFormat = "2006-01-02"

// LoadChain reads a root's persisted expiry calendar, ordered by last
// trading day, along with its refresh stamp. A root never seen returns
// an empty chain and a zero time, not an error.
func (d *DB) LoadChain(root string) ([]ibkr.Contract, time.Time, error) {
	var refreshed time.Time
	var stamp string
	err := d.sql.QueryRow("SELECT refreshed_at FROM expiry_calendar_meta WHERE root = ?", root).Scan(&stamp)
	switch {
	case err == sql.ErrNoRows:
		return nil, time.Time{}, nil
	case err != nil:
		return nil, time.Time{}, fmt.Errorf("load calendar meta %s: %w", root, err)
	}
	refreshed, err = time.Parse(time.RFC3339, stamp)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("bad refresh stamp for %s: %w", root, err)
	}

	rows, err := d.sql.Query(`
		SELECT conid, local_symbol, symbol, exchange, currency, multiplier, listing_date, last_trading_day
		FROM expiry_calendar WHERE root = ? ORDER BY last_trading_day`, root)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("load calendar %s: %w", root, err)
	}
	defer rows.Close()

	var out []ibkr.Contract
	for rows.Next() {
		var c ibkr.Contract
		var exchange, currency, listing, ltd sql.NullString
		var mult sql.NullFloat64
		if err := rows.Scan(&c.ConID, &c.LocalSymbol, &c.Symbol, &exchange, &currency, &mult, &listing, &ltd); err != nil {
			return nil, time.Time{}, fmt.Errorf("scan calendar row: %w", err)
		}
		c.SecType = "FUT"
		c.Exchange = exchange.String
		c.Currency = currency.String
		c.Multiplier = mult.Float64
		if listing.Valid && listing.String != "" {
			c.ListingDate, _ = time.Parse(dateFormat, listing.String)
		}
		if ltd.Valid && ltd.String != "" {
			c.LastTradingDay, _ = time.Parse(dateFormat, ltd.String)
		}
		out = append(out, c)
	}
	return out, refreshed, rows.Err()
}

// SaveChain replaces a root's persisted calendar in one transaction.
func (d *DB) SaveChain(root string, contracts []ibkr.Contract, refreshedAt time.Time) error {
	tx, err := d.sql.Begin()
	if err != nil {
		return fmt.Errorf("save calendar %s: %w", root, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM expiry_calendar WHERE root = ?", root); err != nil {
		return fmt.Errorf("clear calendar %s: %w", root, err)
	}
	for _, c := range contracts {
		listing := ""
		if !c.ListingDate.IsZero() {
			listing = c.ListingDate.Format(dateFormat)
		}
		_, err := tx.Exec(`
			INSERT INTO expiry_calendar
				(root, conid, local_symbol, symbol, exchange, currency, multiplier, listing_date, last_trading_day)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			root, c.ConID, c.LocalSymbol, c.Symbol, c.Exchange, c.Currency, c.Multiplier,
			listing, c.LastTradingDay.Format(dateFormat))
		if err != nil {
			return fmt.Errorf("insert calendar row %s/%s: %w", root, c.LocalSymbol, err)
		}
	}
	_, err = tx.Exec(`
		INSERT INTO expiry_calendar_meta (root, refreshed_at) VALUES (?, ?)
		ON CONFLICT(root) DO UPDATE SET refreshed_at = excluded.refreshed_at`,
		root, refreshedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("stamp calendar %s: %w", root, err)
	}
	return tx.Commit()
}
