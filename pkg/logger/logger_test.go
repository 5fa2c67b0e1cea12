package logger

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestLoggerErrorIncludesContextFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf})

	ctx := log.WithRequestID(context.Background(), "req-123")
	ctx = log.WithOrderID(ctx, "order-1")
	ctx = log.WithActor(ctx, "bot")

	log.Error(ctx, "capture failed", errors.New("boom"))

	for _, field := range []string{`"request_id":"req-123"`, `"order_id":"order-1"`, `"actor":"bot"`, `"stack"`} {
		if !bytes.Contains(buf.Bytes(), []byte(field)) {
			t.Fatalf("expected %s in entry=%s", field, buf.String())
		}
	}
}

func TestLoggerWarnStackToggle(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Level: ParseLevel("debug"), Output: buf, WarnStack: true})
	log.Warn(context.Background(), "low stock")
	if !bytes.Contains(buf.Bytes(), []byte(`"stack"`)) {
		t.Fatalf("expected stack when warn stack enabled; entry=%s", buf.String())
	}
}

func TestParseLevelDefaults(t *testing.T) {
	if lvl := ParseLevel(""); lvl != zerolog.InfoLevel {
		t.Fatalf("expected default info level, got %v", lvl)
	}
	if lvl := ParseLevel("invalid"); lvl != zerolog.InfoLevel {
		t.Fatalf("invalid level should fallback to info, got %v", lvl)
	}
	if lvl := ParseLevel(" WARN "); lvl != zerolog.WarnLevel {
		t.Fatalf("expected warn level, got %v", lvl)
	}
}

func TestWithFieldsRedactsSensitiveKeys(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf})

	ctx := log.WithFields(context.Background(), map[string]any{
		"bot_token":        "123:abc",
		"stripe_signature": "t=1,v1=deadbeef",
		"order_number":     "CRB-7",
	})
	log.Info(ctx, "callback received")

	out := buf.String()
	for _, secret := range []string{"123:abc", "deadbeef"} {
		if strings.Contains(out, secret) {
			t.Fatalf("secret %q leaked into entry=%s", secret, out)
		}
	}
	if !strings.Contains(out, `"order_number":"CRB-7"`) {
		t.Fatalf("expected order_number in entry=%s", out)
	}
}

func TestConsoleOption(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{ServiceName: "test", Output: buf, Console: true})
	log.Info(context.Background(), "hello")
	if strings.HasPrefix(strings.TrimSpace(buf.String()), "{") {
		t.Fatalf("expected console output, got json: %s", buf.String())
	}
}

func TestNopDiscards(t *testing.T) {
	log := Nop()
	ctx := log.WithOrderID(context.Background(), "order-1")
	log.Error(ctx, "ignored", errors.New("boom"))
}
