package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	authdomain "github.com/smallbiznis/tierline/internal/auth/domain"
	"github.com/smallbiznis/tierline/internal/auth/otp"
	authservice "github.com/smallbiznis/tierline/internal/auth/service"
	"github.com/smallbiznis/tierline/internal/auth/token"
	"github.com/smallbiznis/tierline/internal/authorization"
	"github.com/smallbiznis/tierline/internal/observability"
	"github.com/smallbiznis/tierline/internal/payment/adapters"
	paymentdomain "github.com/smallbiznis/tierline/internal/payment/domain"
	"github.com/smallbiznis/tierline/internal/payment/paymenttest"
	paymentrepository "github.com/smallbiznis/tierline/internal/payment/repository"
	"github.com/smallbiznis/tierline/internal/payment/webhook"
	planservice "github.com/smallbiznis/tierline/internal/plan/service"
	"github.com/smallbiznis/tierline/internal/ratelimit"
	"github.com/smallbiznis/tierline/internal/renewal"
	settingsdomain "github.com/smallbiznis/tierline/internal/settings/domain"
	settingsrepository "github.com/smallbiznis/tierline/internal/settings/repository"
	settingsservice "github.com/smallbiznis/tierline/internal/settings/service"
	subscriptiondomain "github.com/smallbiznis/tierline/internal/subscription/domain"
	"github.com/smallbiznis/tierline/internal/testkit"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	env    *testkit.Env
	server *Server
	tokens *token.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	env := testkit.New(t)
	require.NoError(t, env.DB.AutoMigrate(&settingsdomain.UserSettings{}))

	tokens := token.New("test-secret", "tierline", env.Clock, map[authdomain.TokenType]time.Duration{
		authdomain.TokenAccess:  15 * time.Minute,
		authdomain.TokenRefresh: 24 * time.Hour,
	})
	authSvc := authservice.New(authservice.ServiceParam{
		Log:       env.Log,
		Cfg:       env.Cfg,
		Repo:      env.Users,
		TokenRepo: env.Tokens,
		GenID:     env.Node,
		Clock:     env.Clock,
		Tokens:    tokens,
		OTP:       otp.New(otp.NewMemoryStore(env.Clock), env.Clock, 10*time.Minute, 5),
		Limiter:   ratelimit.NewLocalLimiter(1, 5),
		Notifier:  env.Notifier,
	})

	enforcer, err := authorization.NewEnforcer(env.DB)
	require.NoError(t, err)
	authzSvc := authorization.NewService(authorization.Params{DB: env.DB, Log: env.Log, Enforcer: enforcer})

	webhookSvc := webhook.NewService(webhook.Params{
		DB:            env.DB,
		Log:           env.Log,
		GenID:         env.Node,
		Clock:         env.Clock,
		Adapters:      adapters.NewRegistry(env.Gateway),
		Repo:          paymentrepository.Provide(),
		PaymentSvc:    env.Payments,
		Subscriptions: env.Subscriptions,
		Users:         env.Users,
	})

	srv := NewServer(ServerParams{
		Gin:      NewEngine(observability.Config{Environment: "test"}),
		Cfg:      env.Cfg,
		DB:       env.DB,
		Log:      env.Log,
		GenID:    env.Node,
		Authsvc:  authSvc,
		AuthzSvc: authzSvc,
		PlanSvc: planservice.NewService(planservice.ServiceParam{
			DB: env.DB, Log: env.Log, Cfg: env.Cfg, Repo: env.Plans,
		}),
		SubscriptionSvc: env.Subscriptions,
		PaymentSvc:      env.Payments,
		WebhookSvc:      webhookSvc,
		SettingsSvc: settingsservice.New(settingsservice.ServiceParam{
			DB: env.DB, Log: env.Log, GenID: env.Node, Clock: env.Clock,
			Repo: settingsrepository.Provide(), UserRepo: env.Users,
		}),
	})

	return &testServer{env: env, server: srv, tokens: tokens}
}

func (ts *testServer) accessToken(t *testing.T, user *authdomain.User) string {
	t.Helper()
	raw, _, err := ts.tokens.Issue(authdomain.TokenAccess, *user)
	require.NoError(t, err)
	return raw
}

func (ts *testServer) do(t *testing.T, method, path, bearer string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		require.NoError(t, err)
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorPayload {
	t.Helper()
	var resp struct {
		Error struct {
			Type    string            `json:"type"`
			Message string            `json:"message"`
			Errors  []ValidationError `json:"errors"`
			Detail  map[string]any    `json:"detail"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return errorPayload{
		Type:    resp.Error.Type,
		Message: resp.Error.Message,
		Errors:  resp.Error.Errors,
		Detail:  resp.Error.Detail,
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestListPlansIsPublic(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/plans", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Data []struct {
			Code string `json:"code"`
		} `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Data, 3)
}

func TestAPIRequiresBearerToken(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/api/subscriptions/current", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthorized", decodeError(t, rec).Type)

	rec = ts.do(t, http.MethodGet, "/api/subscriptions/current", "not-a-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestFreePlanDocumentQuota(t *testing.T) {
	ts := newTestServer(t)
	user := ts.env.CreateUser(t)
	bearer := ts.accessToken(t, user)

	rec := ts.do(t, http.MethodPost, "/api/subscriptions/activate-free", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	for i := 0; i < 3; i++ {
		rec = ts.do(t, http.MethodPost, "/api/usage/documents", bearer, nil)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}

	rec = ts.do(t, http.MethodPost, "/api/usage/documents", bearer, nil)
	require.Equal(t, http.StatusForbidden, rec.Code)
	payload := decodeError(t, rec)
	require.Equal(t, "entitlement_exceeded", payload.Type)
	detail, ok := payload.Detail.(map[string]any)
	require.True(t, ok)
	require.EqualValues(t, 3, detail["current"])
	require.EqualValues(t, 3, detail["limit"])

	rec = ts.do(t, http.MethodGet, "/api/usage/documents", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUsageWithoutSubscriptionIsForbidden(t *testing.T) {
	ts := newTestServer(t)
	user := ts.env.CreateUser(t)
	bearer := ts.accessToken(t, user)

	rec := ts.do(t, http.MethodPost, "/api/usage/queries", bearer, nil)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	require.Equal(t, subscriptiondomain.ErrNoActiveSubscription.Error(), decodeError(t, rec).Message)

	rec = ts.do(t, http.MethodGet, "/api/subscriptions/entitlements", bearer, nil)
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
}

func TestDeclinedPurchaseMapsToBadGateway(t *testing.T) {
	ts := newTestServer(t)
	user := ts.env.CreateUser(t)
	ts.env.CreateCustomer(t, user.ID, "pm_card")
	ts.env.Gateway.ChargeErrors = []error{&paymentdomain.GatewayError{
		Op: "charge_off_session", Code: "card_declined", Message: "declined", Declined: true,
	}}

	rec := ts.do(t, http.MethodPost, "/api/subscriptions/purchase", ts.accessToken(t, user), gin.H{
		"plan_id": ts.env.Solo.ID.String(),
	})
	require.Equal(t, http.StatusBadGateway, rec.Code)
	payload := decodeError(t, rec)
	require.Equal(t, "payment_declined", payload.Type)
	detail, ok := payload.Detail.(map[string]any)
	require.True(t, ok)
	require.Equal(t, "card_declined", detail["code"])
	require.Empty(t, ts.env.ActiveSubscriptions(t, user.ID))
}

func TestUserCannotRequestImmediateCancel(t *testing.T) {
	ts := newTestServer(t)
	user := ts.env.CreateUser(t)
	ts.env.Subscribe(t, user.ID, "pi_1", "pm_1")

	rec := ts.do(t, http.MethodPost, "/api/subscriptions/cancel", ts.accessToken(t, user), gin.H{"immediate": true})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Len(t, ts.env.ActiveSubscriptions(t, user.ID), 1)
}

func TestAdminRoutesRejectRegularUsers(t *testing.T) {
	ts := newTestServer(t)
	user := ts.env.CreateUser(t)

	rec := ts.do(t, http.MethodPost, "/admin/subscriptions/activate", ts.accessToken(t, user), gin.H{
		"user_id": user.ID.String(),
		"plan_id": ts.env.Solo.ID.String(),
	})
	require.Equal(t, http.StatusForbidden, rec.Code)
	require.Empty(t, ts.env.ActiveSubscriptions(t, user.ID))
}

func TestAdminActivatesAndCancels(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.env.CreateUser(t)
	require.NoError(t, ts.env.Users.UpdateFields(t.Context(), admin.ID, map[string]any{"role": authdomain.RoleAdmin}))
	admin = ts.env.User(t, admin.ID)
	customer := ts.env.CreateUser(t)
	bearer := ts.accessToken(t, admin)

	rec := ts.do(t, http.MethodPost, "/admin/subscriptions/activate", bearer, gin.H{
		"user_id":       customer.ID.String(),
		"plan_id":       ts.env.Team.ID.String(),
		"billing_cycle": "yearly",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	active := ts.env.ActiveSubscriptions(t, customer.ID)
	require.Len(t, active, 1)
	require.Equal(t, ts.env.Team.ID, active[0].PlanID)

	rec = ts.do(t, http.MethodPost, "/admin/subscriptions/"+customer.ID.String()+"/cancel", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Empty(t, ts.env.ActiveSubscriptions(t, customer.ID))

	rec = ts.do(t, http.MethodPost, "/admin/renewals/run", bearer, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

type stubRenewer struct {
	summary *renewal.Summary
	err     error
	calls   int
}

func (s *stubRenewer) Run(context.Context) (*renewal.Summary, error) {
	s.calls++
	return s.summary, s.err
}

func TestAdminRunRenewals(t *testing.T) {
	ts := newTestServer(t)
	admin := ts.env.CreateUser(t)
	require.NoError(t, ts.env.Users.UpdateFields(t.Context(), admin.ID, map[string]any{"role": authdomain.RoleAdmin}))
	bearer := ts.accessToken(t, ts.env.User(t, admin.ID))

	renewer := &stubRenewer{summary: &renewal.Summary{Candidates: 2, Renewed: 1, Failed: 1}}
	ts.server.renewer = renewer

	rec := ts.do(t, http.MethodPost, "/admin/renewals/run", bearer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Data renewal.Summary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Data.Candidates)
	require.Equal(t, 1, resp.Data.Renewed)
	require.Equal(t, 1, resp.Data.Failed)

	renewer.summary, renewer.err = nil, renewal.ErrRunInProgress
	rec = ts.do(t, http.MethodPost, "/admin/renewals/run", bearer, nil)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	require.Equal(t, "conflict", decodeError(t, rec).Type)
	require.Equal(t, 2, renewer.calls)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/fake", bytes.NewBufferString(`{"id":"evt_1"}`))
	req.Header.Set("Stripe-Signature", "forged")
	rec := httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/webhooks/fake", bytes.NewBufferString(`{"id":"evt_1","type":"ignored.event"}`))
	req.Header.Set("Stripe-Signature", paymenttest.ValidSignature)
	rec = httptest.NewRecorder()
	ts.server.Engine().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestUnknownRouteIsNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/nope", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}
