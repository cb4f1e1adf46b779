package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestInsertAuditWrapsDriverError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer conn.Close()

	boom := errors.New("disk I/O error")
	mock.ExpectExec("INSERT INTO execution_audit").WillReturnError(boom)

	d := Wrap(conn)
	err = d.InsertAudit(context.Background(), AuditRow{ID: "a1", UserID: "u1", Status: AuditPlaced})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped driver error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestAcquireLockUsesRowsAffected(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer conn.Close()

	mock.ExpectExec("INSERT INTO strategy_locks").
		WithArgs("r1", "o", "h", sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now()
	ok, err := Wrap(conn).AcquireLock(context.Background(), "r1", "o", "h", now, now.Add(time.Minute))
	if err != nil || ok {
		t.Fatalf("expected not acquired, got %v, %v", ok, err)
	}
}

func TestUpdateRiskStateRollsBackOnMutationError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer conn.Close()

	cols := []string{"user_id", "day", "realized_pnl_usdt", "trades_count", "consecutive_losses", "is_paused",
		"paused_reason", "paused_until", "last_trade_at", "updated_at"}
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT (.+) FROM strategy_risk_state").
		WillReturnRows(sqlmock.NewRows(cols).AddRow("u1", "2026-01-01", -10.0, 2, 1, 0, "", 0, 0, 0))
	mock.ExpectRollback()

	stop := errors.New("stop")
	_, err = Wrap(conn).UpdateRiskState(context.Background(), "u1", "2026-01-01", func(*RiskState, *RiskState) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("expected mutation error, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
