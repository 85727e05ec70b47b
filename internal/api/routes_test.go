package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"dream_analyzer_go_backend/internal/auth"
	"dream_analyzer_go_backend/internal/models"
	"dream_analyzer_go_backend/internal/services"
	"dream_analyzer_go_backend/internal/testutil"
	"dream_analyzer_go_backend/internal/utils/broker"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/api/androidpublisher/v3"
	"gorm.io/gorm"
)

type MockCompleter struct {
	mock.Mock
}

func (m *MockCompleter) Complete(ctx context.Context, messages []services.Message) (*services.Completion, error) {
	args := m.Called(ctx, messages)
	if c, ok := args.Get(0).(*services.Completion); ok {
		return c, args.Error(1)
	}
	return nil, args.Error(1)
}

type MockPlayBilling struct {
	mock.Mock
}

func (m *MockPlayBilling) GetProduct(ctx context.Context, productID, token string) (*androidpublisher.ProductPurchase, error) {
	args := m.Called(ctx, productID, token)
	if p, ok := args.Get(0).(*androidpublisher.ProductPurchase); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlayBilling) AcknowledgeProduct(ctx context.Context, productID, token string) error {
	return m.Called(ctx, productID, token).Error(0)
}

func (m *MockPlayBilling) GetSubscription(ctx context.Context, productID, token string) (*androidpublisher.SubscriptionPurchase, error) {
	args := m.Called(ctx, productID, token)
	if p, ok := args.Get(0).(*androidpublisher.SubscriptionPurchase); ok {
		return p, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockPlayBilling) AcknowledgeSubscription(ctx context.Context, productID, token string) error {
	return m.Called(ctx, productID, token).Error(0)
}

type testEnv struct {
	router    *gin.Engine
	db        *gorm.DB
	tokens    *auth.TokenService
	completer *MockCompleter
	billing   *MockPlayBilling
	broker    *broker.Broker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := testutil.NewTestDB(t)
	sqlDB, err := db.DB()
	require.NoError(t, err)

	env := &testEnv{
		db:        db,
		completer: &MockCompleter{},
		billing:   &MockPlayBilling{},
		broker:    broker.NewBroker(),
	}
	env.tokens = auth.NewTokenService(db, auth.NewDBRevocationStore(db), auth.TokenConfig{
		Secret:     "test-secret",
		AccessTTL:  time.Hour,
		RefreshTTL: 24 * time.Hour,
		SessionTTL: 24 * time.Hour,
	})

	env.router = gin.New()
	SetupRoutes(env.router, Services{
		DB:            sqlDB,
		Tokens:        env.tokens,
		Users:         services.NewUserService(db, bcrypt.MinCost),
		Dreams:        services.NewDreamService(db, env.completer, env.broker, 0.000002),
		Purchases:     services.NewPurchaseService(db, env.billing, env.broker),
		Subscriptions: services.NewSubscriptionService(db),
	})
	return env
}

func (e *testEnv) login(t *testing.T, username string, credits int) (*models.User, string) {
	t.Helper()
	u := &models.User{
		Email:    username + "@example.com",
		Username: username,
		IsActive: true,
		Credits:  credits,
	}
	require.NoError(t, u.SetPassword("secret1", bcrypt.MinCost))
	require.NoError(t, e.db.Create(u).Error)
	pair, err := e.tokens.IssueTokens(context.Background(), u, "", "")
	require.NoError(t, err)
	return u, pair.AccessToken
}

func (e *testEnv) do(method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestOperationalEndpoints(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "Dream Analyzer API", body["message"])
	assert.Equal(t, "running", body["status"])
	assert.Equal(t, Version, body["version"])
	assert.Equal(t, "/api/health", body["health_check"])

	w = env.do(http.MethodGet, "/api/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "healthy", decode(t, w)["status"])

	w = env.do(http.MethodGet, "/nowhere", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Resource not found", decode(t, w)["message"])

	w = env.do(http.MethodGet, "/api/dreams", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthReportsDatabaseOutage(t *testing.T) {
	gin.SetMode(gin.TestMode)
	db, sqlMock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()

	r := gin.New()
	r.GET("/api/health", healthHandler(db))

	sqlMock.ExpectPing()
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	sqlMock.ExpectPing().WillReturnError(errors.New("connection refused"))
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "unhealthy", decode(t, w)["status"])

	assert.NoError(t, sqlMock.ExpectationsWereMet())
}

func TestAnalyzeDream(t *testing.T) {
	env := newTestEnv(t)
	user, token := env.login(t, "dreamer", 1)

	events := env.broker.Subscribe(broker.AccountTopic(user.ID.String()))
	defer env.broker.Unsubscribe(broker.AccountTopic(user.ID.String()), events)

	env.completer.On("Complete", mock.Anything, mock.Anything).Return(&services.Completion{
		Text:       "الماء يرمز إلى المشاعر.\nالنصائح: دوّن أحلامك كل صباح.",
		TokensUsed: 120,
	}, nil).Once()

	w := env.do(http.MethodPost, "/api/dreams/analyze", token, gin.H{
		"dreamText":   "رأيت بحرا هادئا",
		"mood_before": "calm",
		"tags":        []string{"water"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.NotEmpty(t, body["dream_id"])
	assert.Equal(t, "رأيت بحرا هادئا", body["dream_text"])
	assert.Equal(t, "الماء يرمز إلى المشاعر.", body["analysis"])
	assert.Equal(t, "دوّن أحلامك كل صباح.", body["advice"])
	assert.EqualValues(t, 0, body["credits_remaining"])
	assert.NotEmpty(t, body["timestamp"])

	select {
	case ev := <-events:
		assert.Equal(t, broker.EventCreditUpdate, ev.Type)
		assert.Equal(t, 0, ev.Credits)
	default:
		t.Fatal("expected a credit update event")
	}

	t.Run("no credits left", func(t *testing.T) {
		w := env.do(http.MethodPost, "/api/dreams/analyze", token, gin.H{"dreamText": "حلم آخر"})
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
	})

	t.Run("empty dream", func(t *testing.T) {
		w := env.do(http.MethodPost, "/api/dreams/analyze", token, gin.H{"dreamText": "   "})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("provider failure keeps the debit", func(t *testing.T) {
		_, token := env.login(t, "unlucky", 3)
		env.completer.On("Complete", mock.Anything, mock.Anything).Return(nil, errors.New("upstream timeout")).Once()

		w := env.do(http.MethodPost, "/api/dreams/analyze", token, gin.H{"dreamText": "حلم"})
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		body := decode(t, w)
		assert.Equal(t, "Analysis failed", body["message"])
		assert.Equal(t, "upstream timeout", body["error"])

		var credits int
		require.NoError(t, env.db.Model(&models.User{}).Where("username = ?", "unlucky").Pluck("credits", &credits).Error)
		assert.Equal(t, 2, credits)
	})

	env.completer.AssertExpectations(t)
}

func TestDreamHistory(t *testing.T) {
	env := newTestEnv(t)
	user, token := env.login(t, "dreamer", 0)

	base := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		d := &models.DreamAnalysis{
			UserID:    user.ID,
			DreamText: "dream",
			Analysis:  "analysis",
			Advice:    "advice",
			IsPrivate: true,
			CreatedAt: base.Add(time.Duration(i) * time.Hour),
		}
		require.NoError(t, d.SetTags(nil))
		require.NoError(t, env.db.Create(d).Error)
	}

	w := env.do(http.MethodGet, "/api/dreams?page=1&per_page=2", token, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.EqualValues(t, 3, body["total"])
	assert.EqualValues(t, 2, body["pages"])
	assert.EqualValues(t, 1, body["current_page"])
	assert.EqualValues(t, 2, body["per_page"])

	dreams := body["dreams"].([]interface{})
	require.Len(t, dreams, 2)
	first := dreams[0].(map[string]interface{})
	assert.Equal(t, models.FormatTime(base.Add(2*time.Hour)), first["created_at"])
	assert.Equal(t, []interface{}{}, first["tags"])

	w = env.do(http.MethodGet, "/api/dreams?page=2&per_page=2", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["dreams"].([]interface{}), 1)
}

func TestVerifyPurchase(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.login(t, "buyer", 1)

	env.billing.On("GetProduct", mock.Anything, "pack_10_dreams", "tok-1").Return(&androidpublisher.ProductPurchase{
		PurchaseState: 0,
		OrderId:       "GPA.1",
	}, nil).Once()
	env.billing.On("AcknowledgeProduct", mock.Anything, "pack_10_dreams", "tok-1").Return(nil).Once()

	req := gin.H{"productId": "pack_10_dreams", "purchaseToken": "tok-1"}
	w := env.do(http.MethodPost, "/api/purchases/verify", token, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "success", body["status"])
	assert.EqualValues(t, 10, body["creditsAdded"])
	assert.EqualValues(t, 11, body["totalCredits"])

	w = env.do(http.MethodPost, "/api/purchases/verify", token, req)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "already_processed", body["status"])
	assert.EqualValues(t, 0, body["creditsAdded"])
	assert.EqualValues(t, 11, body["totalCredits"])

	w = env.do(http.MethodPost, "/api/purchases/verify", token, gin.H{"productId": "pack_99", "purchaseToken": "tok-2"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid product ID", decode(t, w)["message"])

	env.billing.On("GetProduct", mock.Anything, "pack_30_dreams", "tok-3").Return(nil, errors.New("404 purchase not found")).Once()
	w = env.do(http.MethodPost, "/api/purchases/verify", token, gin.H{"productId": "pack_30_dreams", "purchaseToken": "tok-3"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Failed to verify purchase with Google Play", decode(t, w)["message"])

	env.billing.AssertExpectations(t)
}

func TestSubscriptionEndpoints(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.login(t, "subscriber", 0)

	paid := int64(1)
	expiry := time.Now().Add(30 * 24 * time.Hour).UnixMilli()
	env.billing.On("GetSubscription", mock.Anything, "pack_30_dreams", "sub-1").Return(&androidpublisher.SubscriptionPurchase{
		OrderId:              "GPA.2",
		PaymentState:         &paid,
		AcknowledgementState: 1,
		AutoRenewing:         true,
		StartTimeMillis:      time.Now().UnixMilli(),
		ExpiryTimeMillis:     expiry,
	}, nil).Once()

	w := env.do(http.MethodPost, "/api/subscriptions/verify", token, gin.H{"productId": "pack_30_dreams", "purchaseToken": "sub-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode(t, w)
	assert.Equal(t, "success", body["status"])
	assert.EqualValues(t, 30, body["credits_added"])
	assert.EqualValues(t, 30, body["total_credits"])
	assert.Equal(t, models.SubscriptionActive, body["subscription_status"])
	assert.Equal(t, "pack_30_dreams", body["subscription_type"])
	assert.Equal(t, models.FormatTime(time.UnixMilli(expiry)), body["subscription_end_date"])

	w = env.do(http.MethodGet, "/api/subscriptions/status", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, models.SubscriptionActive, body["subscription_status"])
	assert.Equal(t, true, body["is_active"])
	assert.Equal(t, true, body["subscription_auto_renew"])
	assert.EqualValues(t, 30, body["credits"])

	w = env.do(http.MethodPost, "/api/subscriptions/cancel", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body = decode(t, w)
	assert.Equal(t, "success", body["status"])
	assert.Equal(t, "Subscription will not auto-renew", body["message"])
	assert.Equal(t, models.SubscriptionActive, body["subscription_status"])

	w = env.do(http.MethodGet, "/api/subscriptions/status", token, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, decode(t, w)["subscription_auto_renew"])

	env.billing.AssertExpectations(t)
}
