package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

func TestDumpExtractsPostgresCheckViolation(t *testing.T) {
	pgErr := &pgconn.PgError{
		Code:           "23514",
		ConstraintName: "chk_products_stock_nonnegative",
		TableName:      "products",
		Message:        "new row violates check constraint",
	}
	err := Wrap(CodeInsufficientStock, fmt.Errorf("decrement stock: %w", pgErr), "out of stock")

	d := Dump(err)
	if d.Code != CodeInsufficientStock {
		t.Fatalf("unexpected code %s", d.Code)
	}
	if d.Kind != "check_violation" {
		t.Fatalf("unexpected kind %q", d.Kind)
	}
	if d.PGConstraint != "chk_products_stock_nonnegative" || d.PGTable != "products" {
		t.Fatalf("pg fields not extracted: %+v", d)
	}
	if len(d.Chain) != 3 {
		t.Fatalf("expected 3 chain entries, got %d", len(d.Chain))
	}
	if d.Fields()["pg_code"] != "23514" {
		t.Fatalf("expected pg_code in log fields")
	}
}

func TestDumpClassifiesGormSentinels(t *testing.T) {
	d := Dump(fmt.Errorf("load order: %w", gorm.ErrRecordNotFound))
	if d.Kind != "record_not_found" {
		t.Fatalf("unexpected kind %q", d.Kind)
	}
	if _, ok := d.Fields()["pg_code"]; ok {
		t.Fatalf("pg fields should be omitted when no driver error is present")
	}
}

func TestDumpCapsChainDepth(t *testing.T) {
	err := stdErrors.New("root")
	for i := 0; i < 20; i++ {
		err = fmt.Errorf("layer %d: %w", i, err)
	}
	if got := len(Dump(err).Chain); got != maxChainDepth {
		t.Fatalf("expected chain capped at %d, got %d", maxChainDepth, got)
	}
}

func TestDumpNil(t *testing.T) {
	if d := Dump(nil); d.TopMessage != "" || d.Chain != nil {
		t.Fatalf("expected zero dump, got %+v", d)
	}
}
