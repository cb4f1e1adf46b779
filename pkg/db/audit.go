package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// InsertAudit appends one execution audit row. Rows are never updated.
func (d *Database) InsertAudit(ctx context.Context, a AuditRow) error {
	if a.UserID == "" {
		return ErrUserIDRequired
	}
	if a.ID == "" {
		return errors.New("audit id is required")
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	if a.PrecheckJSON == "" {
		a.PrecheckJSON = "{}"
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO execution_audit (
			id, user_id, connection_id, source, exchange, market_type, symbol, side, order_type,
			quantity, quote_amount, client_order_id, status, reason_code, error_message,
			exchange_order_id, precheck_json, verify_json, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.UserID, a.ConnectionID, a.Source, a.Exchange, a.MarketType, a.Symbol, a.Side, a.OrderType,
		a.Quantity, a.QuoteAmount, a.ClientOrderID, a.Status, a.ReasonCode, a.ErrorMessage,
		a.ExchangeOrderID, a.PrecheckJSON, a.VerifyJSON, toMs(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// ListAudit returns audit rows newest first.
func (d *Database) ListAudit(ctx context.Context, f AuditFilter) ([]AuditRow, error) {
	var (
		where []string
		args  []any
	)
	if f.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, f.UserID)
	}
	if f.ConnectionID != "" {
		where = append(where, "connection_id = ?")
		args = append(args, f.ConnectionID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}

	query := `
		SELECT id, user_id, connection_id, source, exchange, market_type, symbol, side, order_type,
		       quantity, quote_amount, client_order_id, status, reason_code, error_message,
		       exchange_order_id, precheck_json, verify_json, created_at
		FROM execution_audit`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id LIMIT ?"
	args = append(args, f.Limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit: %w", err)
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var (
			a  AuditRow
			at int64
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.ConnectionID, &a.Source, &a.Exchange, &a.MarketType, &a.Symbol, &a.Side, &a.OrderType,
			&a.Quantity, &a.QuoteAmount, &a.ClientOrderID, &a.Status, &a.ReasonCode, &a.ErrorMessage,
			&a.ExchangeOrderID, &a.PrecheckJSON, &a.VerifyJSON, &at); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		a.CreatedAt = fromMs(at)
		out = append(out, a)
	}
	return out, rows.Err()
}

// CountAudit returns the number of rows for userID.
func (d *Database) CountAudit(ctx context.Context, userID string) (int, error) {
	var n int
	if err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM execution_audit WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}
