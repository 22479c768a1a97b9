package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Product is a futures root discovered from the upstream at runtime,
// persisted so later runs resolve it without re-discovery.
type Product struct {
	Root         string
	Symbol       string
	TradingClass string
	Exchange     string
	Currency     string
	Multiplier   float64
}

// LoadProduct looks up a discovered futures product by root.
func (d *DB) LoadProduct(root string) (Product, bool, error) {
	var p Product
	var tradingClass, currency sql.NullString
	var mult sql.NullFloat64
	err := d.sql.QueryRow(`
		SELECT root, symbol, trading_class, exchange, currency, multiplier
		FROM discovered_products WHERE root = ?`, root).
		Scan(&p.Root, &p.Symbol, &tradingClass, &p.Exchange, &currency, &mult)
	switch {
	case err == sql.ErrNoRows:
		return Product{}, false, nil
	case err != nil:
		return Product{}, false, fmt.Errorf("load product %s: %w", root, err)
	}
	p.TradingClass = tradingClass.String
	p.Currency = currency.String
	p.Multiplier = mult.Float64
	return p, true, nil
}

// SaveProduct upserts a discovered product.
func (d *DB) SaveProduct(p Product) error {
	_, err := d.sql.Exec(`
		INSERT INTO discovered_products (root, symbol, trading_class, exchange, currency, multiplier, discovered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(root) DO UPDATE SET
			symbol = excluded.symbol,
			trading_class = excluded.trading_class,
			exchange = excluded.exchange,
			currency = excluded.currency,
			multiplier = excluded.multiplier,
			discovered_at = excluded.discovered_at`,
		p.Root, p.Symbol, p.TradingClass, p.Exchange, p.Currency, p.Multiplier,
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("save product %s: %w", p.Root, err)
	}
	return nil
}
