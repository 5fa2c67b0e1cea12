package validators

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	pkgerrors "github.com/angelmondragon/crumb-backend/pkg/errors"
)

type depositRequest struct {
	Percentage int    `json:"percentage" validate:"required,min=10,max=90"`
	Note       string `json:"note,omitempty" validate:"omitempty,max=5"`
}

func TestDecodeJSONBodyValidates(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"percentage":95}`))
	var dest depositRequest
	err := DecodeJSONBody(req, &dest)
	typed := pkgerrors.As(err)
	if typed == nil || typed.Code() != pkgerrors.CodeValidation {
		t.Fatalf("expected validation error, got %v", err)
	}
	details, ok := typed.Details().(map[string]string)
	if !ok || details["percentage"] != "must be at most 90" {
		t.Fatalf("unexpected details %v", typed.Details())
	}
}

func TestDecodeJSONBodyRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"percentage":50,"extra":true}`))
	var dest depositRequest
	if err := DecodeJSONBody(req, &dest); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDecodeOptionalJSONBodyAcceptsEmpty(t *testing.T) {
	type reason struct {
		Reason string `json:"reason" validate:"max=10"`
	}
	var dest reason
	req := httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	if err := DecodeOptionalJSONBody(req, &dest); err != nil {
		t.Fatalf("expected empty body to pass, got %v", err)
	}
	req = httptest.NewRequest(http.MethodPost, "/", http.NoBody)
	if err := DecodeJSONBody(req, &dest); err == nil {
		t.Fatal("expected empty body to fail when required")
	}
}

func TestParseUUIDParam(t *testing.T) {
	withParam := func(value string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rc := chi.NewRouteContext()
		rc.URLParams.Add("orderId", value)
		return req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rc))
	}

	if _, err := ParseUUIDParam(withParam("not-a-uuid"), "orderId"); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := ParseUUIDParam(withParam(""), "orderId"); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	id, err := ParseUUIDParam(withParam("6f1c1c8e-1b7a-4b0e-9f62-0d7f3b0c2a11"), "orderId")
	if err != nil || id.String() != "6f1c1c8e-1b7a-4b0e-9f62-0d7f3b0c2a11" {
		t.Fatalf("unexpected result %s %v", id, err)
	}
}

func TestDecodeJSONBodyRejectsTrailingData(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"percentage":50}{"percentage":60}`))
	var dest depositRequest
	if err := DecodeJSONBody(req, &dest); !pkgerrors.IsCode(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error for trailing object, got %v", err)
	}
}

func TestSanitizeStringDropsControlCharacters(t *testing.T) {
	if got := SanitizeString("late\x00 pickup\r\nplease", 0); got != "late pickup\nplease" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestSanitizeStringIsRuneSafe(t *testing.T) {
	if got := SanitizeString("  crème brûlée  ", 5); got != "crème" {
		t.Fatalf("unexpected %q", got)
	}
	if got := SanitizeString(" ok ", 0); got != "ok" {
		t.Fatalf("unexpected %q", got)
	}
}
