package db

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
)

type testModel struct {
	ID   int
	Name string `gorm:"uniqueIndex"`
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	conn, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{
		SkipDefaultTransaction: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := conn.AutoMigrate(&testModel{}); err != nil {
		t.Fatalf("failed to migrate sqlite: %v", err)
	}
	return conn
}

func TestWithTx_CommitsAndRollbacks(t *testing.T) {
	conn := newTestDB(t)
	client := NewFromGorm(conn)

	ctx := context.Background()
	if err := client.WithTx(ctx, func(tx *gorm.DB) error {
		return tx.Create(&testModel{Name: "committed"}).Error
	}); err != nil {
		t.Fatalf("WithTx commit failed: %v", err)
	}

	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&testModel{Name: "rolled"}).Error; err != nil {
			return err
		}
		return errors.New("boom")
	})
	if err == nil {
		t.Fatal("expected WithTx to return an error")
	}

	var count int64
	if err := conn.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed after rollback: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected rollback to leave 1 record, got %d", count)
	}
}

func TestIsUniqueViolation_SQLite(t *testing.T) {
	conn := newTestDB(t)
	if err := conn.Create(&testModel{Name: "dup"}).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}
	err := conn.Create(&testModel{Name: "dup"}).Error
	if !IsUniqueViolation(err, "") {
		t.Fatalf("expected unique violation, got %v", err)
	}
	if !IsUniqueViolation(err, "test_models.name") {
		t.Fatalf("expected column-qualified match, got %v", err)
	}
	if IsUniqueViolation(errors.New("other"), "") {
		t.Fatal("plain errors are not unique violations")
	}
}

func TestNew_RejectsUnknownDriver(t *testing.T) {
	_, err := New(context.Background(), config.DBConfig{DSN: "x", Driver: "oracle"}, nil)
	if err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestPing(t *testing.T) {
	client := NewFromGorm(newTestDB(t))
	if err := client.Ping(context.Background()); err != nil {
		t.Fatalf("unexpected ping error: %v", err)
	}
	if client.Dialect() != DriverSQLite {
		t.Fatalf("expected sqlite dialect, got %s", client.Dialect())
	}
}

func TestWithTx_RerunsOnSerializationFailure(t *testing.T) {
	conn := newTestDB(t)
	client := NewFromGorm(conn)

	calls := 0
	err := client.WithTx(context.Background(), func(tx *gorm.DB) error {
		calls++
		if err := tx.Create(&testModel{Name: fmt.Sprintf("attempt-%d", calls)}).Error; err != nil {
			return err
		}
		if calls == 1 {
			return fmt.Errorf("update order: %w", &pgconn.PgError{Code: "40001"})
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}

	var names []string
	if err := conn.Model(&testModel{}).Pluck("name", &names).Error; err != nil {
		t.Fatalf("pluck: %v", err)
	}
	if len(names) != 1 || names[0] != "attempt-2" {
		t.Fatalf("expected only the second attempt to commit, got %v", names)
	}
}

func TestWithTx_DoesNotRerunOrdinaryErrors(t *testing.T) {
	client := NewFromGorm(newTestDB(t))
	boom := errors.New("boom")

	calls := 0
	err := client.WithTx(context.Background(), func(*gorm.DB) error {
		calls++
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected a single attempt, got %d", calls)
	}
}

func TestWithTx_GivesUpAfterAttemptBudget(t *testing.T) {
	client := NewFromGorm(newTestDB(t))
	client.txAttempts = 2

	calls := 0
	err := client.WithTx(context.Background(), func(*gorm.DB) error {
		calls++
		return &pgconn.PgError{Code: "40P01"}
	})
	if !IsTxConflict(err) {
		t.Fatalf("expected deadlock error to surface, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 attempts, got %d", calls)
	}
}

func TestWithTx_RollsBackOnPanic(t *testing.T) {
	conn := newTestDB(t)
	client := NewFromGorm(conn)

	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("expected panic to propagate")
			}
		}()
		_ = client.WithTx(context.Background(), func(tx *gorm.DB) error {
			tx.Create(&testModel{Name: "panicked"})
			panic("boom")
		})
	}()

	var count int64
	if err := conn.Model(&testModel{}).Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d rows", count)
	}
}

func TestQueryLoggerWarnsOnSlowStatements(t *testing.T) {
	var buf bytes.Buffer
	logg := logger.New(logger.Options{ServiceName: "test", Output: &buf})
	q := newQueryLogger(logg, 10*time.Millisecond)

	trace := func() (string, int64) { return "SELECT 1", 1 }
	q.Trace(context.Background(), time.Now(), trace, nil)
	if buf.Len() != 0 {
		t.Fatalf("fast query should not log, got %s", buf.String())
	}

	q.Trace(context.Background(), time.Now().Add(-time.Second), trace, nil)
	out := buf.String()
	if !strings.Contains(out, "db.query.slow") || !strings.Contains(out, "SELECT 1") {
		t.Fatalf("expected slow query warning, got %s", out)
	}

	buf.Reset()
	q.Trace(context.Background(), time.Now(), trace, gorm.ErrRecordNotFound)
	if buf.Len() != 0 {
		t.Fatalf("record not found should not log, got %s", buf.String())
	}
}

func TestNew_RequiresDSN(t *testing.T) {
	if _, err := New(context.Background(), config.DBConfig{DSN: "  "}, nil); !errors.Is(err, errDSNRequired) {
		t.Fatalf("expected dsn error, got %v", err)
	}
}
