package routes

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/crumb-backend/internal/approvals"
	internalorders "github.com/angelmondragon/crumb-backend/internal/orders"
	stripewebhook "github.com/angelmondragon/crumb-backend/internal/webhooks/stripe"
	"github.com/angelmondragon/crumb-backend/pkg/auth"
	"github.com/angelmondragon/crumb-backend/pkg/config"
	"github.com/angelmondragon/crumb-backend/pkg/enums"
	"github.com/angelmondragon/crumb-backend/pkg/logger"
	"github.com/angelmondragon/crumb-backend/pkg/redis"
)

type stubPinger struct {
	err error
}

func (s stubPinger) Ping(context.Context) error {
	return s.err
}

type stubOrders struct {
	creates int
}

func (s *stubOrders) CreateOrder(_ context.Context, input internalorders.CreateOrderInput) (*internalorders.OrderDTO, error) {
	s.creates++
	return &internalorders.OrderDTO{ID: uuid.New(), OrderNumber: "CRB-1", Status: enums.OrderStatusPending, CustomerName: input.Customer.Name}, nil
}

func (s *stubOrders) Get(_ context.Context, orderID uuid.UUID) (*internalorders.OrderDTO, error) {
	return &internalorders.OrderDTO{ID: orderID, Status: enums.OrderStatusPending}, nil
}

func (s *stubOrders) StartCheckout(_ context.Context, orderID uuid.UUID) (*internalorders.CheckoutDTO, error) {
	return &internalorders.CheckoutDTO{OrderID: orderID, Leg: enums.PaymentLegFull}, nil
}

func (s *stubOrders) Cancel(_ context.Context, orderID uuid.UUID, _ enums.Actor, _, _ string) (*internalorders.ChangeResult, error) {
	return &internalorders.ChangeResult{Order: &internalorders.OrderDTO{ID: orderID, Status: enums.OrderStatusCancelled}, Applied: true}, nil
}

func (s *stubOrders) Transition(_ context.Context, input internalorders.TransitionInput) (*internalorders.ChangeResult, error) {
	return &internalorders.ChangeResult{Order: &internalorders.OrderDTO{ID: input.OrderID, Status: input.Target}, Applied: true}, nil
}

func (s *stubOrders) Refund(_ context.Context, input internalorders.RefundInput) (*internalorders.ChangeResult, error) {
	return &internalorders.ChangeResult{Order: &internalorders.OrderDTO{ID: input.OrderID}, Applied: true}, nil
}

type stubDeposits struct{}

func (stubDeposits) CreateDeposit(_ context.Context, orderID uuid.UUID, _ int) (*internalorders.OrderDTO, error) {
	return &internalorders.OrderDTO{ID: orderID, DepositSplit: true}, nil
}

func (stubDeposits) CheckoutDeposit(_ context.Context, orderID uuid.UUID) (*internalorders.CheckoutDTO, error) {
	return &internalorders.CheckoutDTO{OrderID: orderID, Leg: enums.PaymentLegDeposit}, nil
}

func (stubDeposits) CheckoutRemaining(_ context.Context, orderID uuid.UUID) (*internalorders.CheckoutDTO, error) {
	return &internalorders.CheckoutDTO{OrderID: orderID, Leg: enums.PaymentLegRemaining}, nil
}

type stubApprovals struct {
	actors []string
}

func (s *stubApprovals) Approve(_ context.Context, orderID uuid.UUID, actor enums.Actor, actorID string) (*approvals.Result, error) {
	s.actors = append(s.actors, string(actor)+"|"+actorID)
	return &approvals.Result{Order: &internalorders.OrderDTO{ID: orderID, OrderNumber: "CRB-9", Status: enums.OrderStatusConfirmed}, Applied: true}, nil
}

func (s *stubApprovals) Reject(_ context.Context, orderID uuid.UUID, actor enums.Actor, actorID, _ string) (*approvals.Result, error) {
	s.actors = append(s.actors, string(actor)+"|"+actorID)
	return &approvals.Result{Order: &internalorders.OrderDTO{ID: orderID, OrderNumber: "CRB-9", Status: enums.OrderStatusCancelled}, Applied: true}, nil
}

type stubReconciler struct {
	outcome stripewebhook.Outcome
}

func (s stubReconciler) Handle(context.Context, []byte, string) (stripewebhook.Outcome, error) {
	return s.outcome, nil
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{Env: "test"},
		JWT: config.JWTConfig{Secret: "router-secret", Issuer: "crumb-test"},
		Bot: config.BotConfig{
			SecretToken:    "bot-secret",
			AllowedChatIDs: []string{"42"},
			RateLimit:      5,
			RateWindow:     time.Minute,
		},
	}
}

type harness struct {
	handler   http.Handler
	cfg       *config.Config
	orders    *stubOrders
	approvals *stubApprovals
}

func newHarness(t *testing.T, withRedis bool) *harness {
	t.Helper()
	cfg := testConfig()
	h := &harness{cfg: cfg, orders: &stubOrders{}, approvals: &stubApprovals{}}
	tokens, err := auth.NewVerifier(cfg.JWT)
	if err != nil {
		t.Fatalf("verifier: %v", err)
	}
	deps := Dependencies{
		Config:     cfg,
		Logger:     logger.Nop(),
		DB:         stubPinger{},
		Gatherer:   prometheus.NewRegistry(),
		Tokens:     tokens,
		Orders:     h.orders,
		Deposits:   stubDeposits{},
		Approvals:  h.approvals,
		Reconciler: stubReconciler{outcome: stripewebhook.OutcomeApplied},
	}
	if withRedis {
		server := miniredis.RunT(t)
		client, err := redis.New(context.Background(), config.RedisConfig{URL: "redis://" + server.Addr()}, nil)
		if err != nil {
			t.Fatalf("redis client: %v", err)
		}
		t.Cleanup(func() { _ = client.Close() })
		deps.Redis = client
	}
	h.handler = NewRouter(deps)
	return h
}

func (h *harness) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	h.handler.ServeHTTP(resp, req)
	return resp
}

func (h *harness) adminToken(t *testing.T, role string) string {
	t.Helper()
	token, err := auth.MintAdminToken(h.cfg.JWT, time.Now(), time.Hour, auth.AdminTokenPayload{Subject: "admin-1", Role: role})
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return token
}

func TestHealthRoutes(t *testing.T) {
	h := newHarness(t, true)

	live := h.do(httptest.NewRequest(http.MethodGet, "/health/live", nil))
	if live.Code != http.StatusOK {
		t.Fatalf("expected live 200, got %d", live.Code)
	}
	ready := h.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if ready.Code != http.StatusOK {
		t.Fatalf("expected ready 200, got %d: %s", ready.Code, ready.Body.String())
	}
	if !strings.Contains(ready.Body.String(), `"redis":"ok"`) {
		t.Fatalf("expected redis check in body, got %s", ready.Body.String())
	}
}

func TestReadyFailsWhenDatabaseDown(t *testing.T) {
	cfg := testConfig()
	handler := NewRouter(Dependencies{Config: cfg, Logger: logger.Nop(), DB: stubPinger{err: errors.New("connection refused")}})

	resp := httptest.NewRecorder()
	handler.ServeHTTP(resp, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	if resp.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", resp.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	h := newHarness(t, false)
	resp := h.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestUnknownRouteReturnsEnvelope(t *testing.T) {
	h := newHarness(t, false)
	resp := h.do(httptest.NewRequest(http.MethodGet, "/api/v1/nope", nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"NOT_FOUND"`) {
		t.Fatalf("expected error envelope, got %s", resp.Body.String())
	}
}

func TestCreateOrderRequiresIdempotencyKey(t *testing.T) {
	h := newHarness(t, true)
	body := `{"customer":{"name":"Ada","email":"ada@example.com"},"lines":[{"variant_id":"` + uuid.NewString() + `","quantity":1}]}`

	missing := h.do(httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body)))
	if missing.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without key, got %d", missing.Code)
	}

	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/orders", strings.NewReader(body))
		req.Header.Set("Idempotency-Key", "order-key-1")
		return h.do(req)
	}
	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	replay := send()
	if replay.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", replay.Code)
	}
	if replay.Header().Get("Idempotent-Replayed") != "true" {
		t.Fatalf("expected replay header")
	}
	if replay.Body.String() != first.Body.String() {
		t.Fatalf("expected identical body on replay")
	}
	if h.orders.creates != 1 {
		t.Fatalf("expected one create, got %d", h.orders.creates)
	}
}

func TestAdminRoutesRequireAdminToken(t *testing.T) {
	h := newHarness(t, false)
	path := "/api/admin/v1/orders/" + uuid.NewString() + "/approve"

	anon := h.do(httptest.NewRequest(http.MethodPost, path, nil))
	if anon.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", anon.Code)
	}

	wrongRole := httptest.NewRequest(http.MethodPost, path, nil)
	wrongRole.Header.Set("Authorization", "Bearer "+h.adminToken(t, "baker"))
	if resp := h.do(wrongRole); resp.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.Code)
	}

	ok := httptest.NewRequest(http.MethodPost, path, nil)
	ok.Header.Set("Authorization", "Bearer "+h.adminToken(t, auth.RoleAdmin))
	resp := h.do(ok)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if len(h.approvals.actors) != 1 || h.approvals.actors[0] != "admin|admin-1" {
		t.Fatalf("unexpected actors: %v", h.approvals.actors)
	}
}

func TestBotCallbackRoute(t *testing.T) {
	h := newHarness(t, true)
	orderID := uuid.NewString()
	update := map[string]any{
		"update_id": 1,
		"callback_query": map[string]any{
			"id":      "cb-1",
			"data":    "approve:" + orderID,
			"from":    map[string]any{"id": 7},
			"message": map[string]any{"chat": map[string]any{"id": 42}},
		},
	}
	payload, _ := json.Marshal(update)

	unsigned := h.do(httptest.NewRequest(http.MethodPost, "/api/bot/v1/callbacks", strings.NewReader(string(payload))))
	if unsigned.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", unsigned.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/bot/v1/callbacks", strings.NewReader(string(payload)))
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "bot-secret")
	resp := h.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if !strings.Contains(resp.Body.String(), "approved CRB-9") {
		t.Fatalf("expected reply text, got %s", resp.Body.String())
	}
	if len(h.approvals.actors) != 1 || !strings.HasPrefix(h.approvals.actors[0], "bot|chat:42") {
		t.Fatalf("unexpected actors: %v", h.approvals.actors)
	}
}

func TestStripeWebhookRoute(t *testing.T) {
	h := newHarness(t, false)

	unsigned := h.do(httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{}`)))
	if unsigned.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without signature, got %d", unsigned.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=abc")
	resp := h.do(req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), `"outcome":"applied"`) {
		t.Fatalf("expected outcome in ack, got %s", resp.Body.String())
	}
}
