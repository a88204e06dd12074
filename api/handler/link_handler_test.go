package handler_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"botlink/api/handler"
	"botlink/api/middleware"
	"botlink/api/routes"
	"botlink/internal/entity"
	"botlink/internal/ratelimit"
	"botlink/internal/repository"
	"botlink/internal/service"
	"botlink/internal/utils"

	"github.com/glebarez/sqlite"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	testBotSecret  = "bot-shared-secret"
	testJWTSecret  = "jwt-signing-secret"
	testHashSecret = "0123456789abcdef0123456789abcdef"
)

type apiHarness struct {
	echo *echo.Echo
	jwt  *utils.JWTManager
}

func newAPIHarness(t *testing.T) *apiHarness {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&entity.LinkToken{},
		&entity.AccountLink{},
		&entity.AuditEvent{},
		&entity.RateLimitCounter{},
		&entity.FailureStreak{},
	))

	jwtManager := &utils.JWTManager{
		Secret:     []byte(testJWTSecret),
		Issuer:     "botlink-test",
		SessionTTL: 15 * time.Minute,
	}

	deepLinks, err := service.NewDeepLinkBuilder(
		"https://shop.example.com",
		"exampleshopbot",
		[]string{"shop.example.com"},
	)
	require.NoError(t, err)

	svc := service.NewLinkService(
		repository.NewLinkTokenRepository(db),
		repository.NewAccountLinkRepository(db),
		repository.NewAuditEventRepository(db),
		ratelimit.NewLimiter(ratelimit.NewMemoryStore(), time.Second, time.Minute),
		service.JWTSessionMinter{Manager: jwtManager},
		nil,
		deepLinks,
		[]byte(testHashSecret),
		service.RealClock{},
		service.LinkConfig{
			LinkTokenTTL:        3 * time.Minute,
			LoginTokenTTL:       2 * time.Minute,
			UserAttemptsPerHour: 100,
			IPAttemptsPerHour:   100,
			UserTokensPerDay:    100,
		},
		nil,
	)

	validate := validator.New()
	e := echo.New()
	router := routes.NewRouter(
		e,
		handler.NewLinkHandler(svc, validate),
		handler.NewBotHandler(svc, validate),
		middleware.SessionAuth{JWT: jwtManager},
		middleware.BotAuth{Secret: testBotSecret},
	)
	router.RegisterRoutes()

	return &apiHarness{echo: e, jwt: jwtManager}
}

func (h *apiHarness) sessionFor(t *testing.T, webUserID uuid.UUID) string {
	t.Helper()
	token, _, err := h.jwt.IssueSessionToken(webUserID.String())
	require.NoError(t, err)
	return token
}

func (h *apiHarness) do(method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for key, value := range headers {
		req.Header.Set(key, value)
	}
	rec := httptest.NewRecorder()
	h.echo.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, target any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), target))
}

func TestHealthz(t *testing.T) {
	h := newAPIHarness(t)
	rec := h.do(http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestLink_RequiresSession(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/link/request", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/link/request", nil, map[string]string{
		"Authorization": "Bearer not-a-jwt",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRequestLink_ReturnsDeepLink(t *testing.T) {
	h := newAPIHarness(t)
	webUserID := uuid.New()

	rec := h.do(http.MethodPost, "/link/request", nil, map[string]string{
		"Authorization": "Bearer " + h.sessionFor(t, webUserID),
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		DeepLink  string `json:"deep_link"`
		ExpiresIn int64  `json:"expires_in"`
	}
	decodeBody(t, rec, &resp)
	assert.Contains(t, resp.DeepLink, "https://t.me/exampleshopbot?start=")
	assert.Greater(t, resp.ExpiresIn, int64(0))
	assert.LessOrEqual(t, resp.ExpiresIn, int64(180))
}

func TestBotSurface_RequiresSharedSecret(t *testing.T) {
	h := newAPIHarness(t)

	body := map[string]any{"token": "x.y", "messaging_user_id": 1}
	rec := h.do(http.MethodPost, "/bot/link/verify", body, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = h.do(http.MethodPost, "/bot/link/verify", body, map[string]string{
		"X-Bot-Token": "wrong-secret",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestLinkAndLoginRoundTrip(t *testing.T) {
	h := newAPIHarness(t)
	webUserID := uuid.New()
	session := h.sessionFor(t, webUserID)
	botHeaders := map[string]string{"X-Bot-Token": testBotSecret}

	// Web user asks for a link token.
	rec := h.do(http.MethodPost, "/link/request", nil, map[string]string{
		"Authorization": "Bearer " + session,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var grant struct {
		DeepLink string `json:"deep_link"`
	}
	decodeBody(t, rec, &grant)
	bearer := grant.DeepLink[len("https://t.me/exampleshopbot?start="):]

	// Bot redeems it for the messaging user.
	rec = h.do(http.MethodPost, "/bot/link/verify", map[string]any{
		"token":             bearer,
		"messaging_user_id": 424242,
		"display_name":      "maria",
	}, botHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	var verified struct {
		WebUserID string `json:"web_user_id"`
	}
	decodeBody(t, rec, &verified)
	assert.Equal(t, webUserID.String(), verified.WebUserID)

	// The web surface now reports the link.
	rec = h.do(http.MethodGet, "/link", nil, map[string]string{
		"Authorization": "Bearer " + session,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var status struct {
		Linked               bool   `json:"linked"`
		MessagingDisplayName string `json:"messaging_display_name"`
	}
	decodeBody(t, rec, &status)
	assert.True(t, status.Linked)
	assert.Equal(t, "maria", status.MessagingDisplayName)

	// Bot asks for a login token for the linked messaging user.
	rec = h.do(http.MethodPost, "/bot/login/request", map[string]any{
		"messaging_user_id": 424242,
	}, botHeaders)
	require.Equal(t, http.StatusOK, rec.Code)
	var login struct {
		DeepLink string `json:"deep_link"`
	}
	decodeBody(t, rec, &login)
	loginBearer := login.DeepLink[len("https://shop.example.com/link?token="):]

	// The web surface redeems it for a session credential.
	rec = h.do(http.MethodPost, "/login/verify", map[string]any{
		"token":        loginBearer,
		"redirect_uri": "https://shop.example.com/orders",
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var minted struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
		RedirectURI string `json:"redirect_uri"`
	}
	decodeBody(t, rec, &minted)
	assert.Equal(t, "https://shop.example.com/orders", minted.RedirectURI)
	assert.Equal(t, int64(900), minted.ExpiresIn)

	claims, err := h.jwt.ParseSessionToken(minted.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, webUserID.String(), claims.WebUserID)
}

func TestVerifyWebLogin_RejectsForeignRedirect(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/login/verify", map[string]any{
		"token":        fmt.Sprintf("%s.%s", uuid.New(), "secret"),
		"redirect_uri": "https://evil.example.org/",
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyWebLogin_MissingRedirectIsBadRequest(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/login/verify", map[string]any{
		"token": fmt.Sprintf("%s.%s", uuid.New(), "secret"),
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestVerifyWebLogin_UnknownTokenIsUnauthorized(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/login/verify", map[string]any{
		"token":        fmt.Sprintf("%s.%s", uuid.New(), "secret"),
		"redirect_uri": "https://shop.example.com/",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestVerifyWebLogin_RejectsUnknownFields(t *testing.T) {
	h := newAPIHarness(t)

	rec := h.do(http.MethodPost, "/login/verify", map[string]any{
		"token":        "a.b",
		"redirect_uri": "https://shop.example.com/",
		"extra":        true,
	}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUnlink_IsIdempotentOverHTTP(t *testing.T) {
	h := newAPIHarness(t)
	session := h.sessionFor(t, uuid.New())
	headers := map[string]string{"Authorization": "Bearer " + session}

	rec := h.do(http.MethodDelete, "/link", nil, headers)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = h.do(http.MethodDelete, "/link", nil, headers)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}
