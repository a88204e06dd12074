package service

import (
	"context"
	"strings"
	"testing"
	"time"

	"botlink/internal/entity"
	"botlink/internal/ratelimit"
	"botlink/internal/repository"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// stepClock is a manually advanced clock so expiry is driven by the test,
// not by the wall clock.
type stepClock struct {
	now time.Time
}

func (c *stepClock) Now() time.Time {
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

type flowHarness struct {
	svc     *LinkService
	db      *gorm.DB
	clock   *stepClock
	minter  *fakeMinter
	gateway *fakeGateway
}

func newFlowHarness(t *testing.T, cfg LinkConfig) *flowHarness {
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

	if cfg.LinkTokenTTL == 0 {
		cfg.LinkTokenTTL = 3 * time.Minute
	}
	if cfg.LoginTokenTTL == 0 {
		cfg.LoginTokenTTL = 2 * time.Minute
	}
	if cfg.UserAttemptsPerHour == 0 {
		cfg.UserAttemptsPerHour = 100
	}
	if cfg.IPAttemptsPerHour == 0 {
		cfg.IPAttemptsPerHour = 100
	}
	if cfg.UserTokensPerDay == 0 {
		cfg.UserTokensPerDay = 100
	}

	deepLinks, err := NewDeepLinkBuilder(
		"https://shop.example.com",
		"exampleshopbot",
		[]string{"shop.example.com"},
	)
	require.NoError(t, err)

	h := &flowHarness{
		db:      db,
		clock:   &stepClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)},
		minter:  &fakeMinter{},
		gateway: &fakeGateway{},
	}
	h.svc = NewLinkService(
		repository.NewLinkTokenRepository(db),
		repository.NewAccountLinkRepository(db),
		repository.NewAuditEventRepository(db),
		ratelimit.NewLimiter(ratelimit.NewMemoryStore(), 2*time.Second, time.Minute),
		h.minter,
		h.gateway,
		deepLinks,
		[]byte(testHashSecret),
		h.clock,
		cfg,
		nil,
	)
	return h
}

func (h *flowHarness) auditEvents(t *testing.T) []entity.AuditEvent {
	t.Helper()
	var events []entity.AuditEvent
	require.NoError(t, h.db.Order("rowid").Find(&events).Error)
	return events
}

func TestFlow_LinkThenStatus(t *testing.T) {
	h := newFlowHarness(t, LinkConfig{})
	ctx := context.Background()
	webUserID := uuid.New()

	grant, err := h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(grant.DeepLink, "https://t.me/exampleshopbot?start="))

	h.clock.Advance(30 * time.Second)

	linkedID, err := h.svc.VerifyLink(ctx, grant.BearerToken, 424242, "maria", "10.0.0.2")
	require.NoError(t, err)
	assert.Equal(t, webUserID, linkedID)

	link, err := h.svc.GetLinkStatus(ctx, webUserID)
	require.NoError(t, err)
	require.NotNil(t, link)
	assert.Equal(t, int64(424242), link.MessagingUserID)
	assert.Equal(t, "maria", link.MessagingDisplayName)
	assert.True(t, link.LinkedAt.Equal(h.clock.now))
}

func TestFlow_ReplayedTokenIsRejectedGenerically(t *testing.T) {
	h := newFlowHarness(t, LinkConfig{})
	ctx := context.Background()
	webUserID := uuid.New()

	grant, err := h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
	require.NoError(t, err)

	_, err = h.svc.VerifyLink(ctx, grant.BearerToken, 424242, "maria", "10.0.0.2")
	require.NoError(t, err)

	// Replaying from a different messaging account must fail with the
	// generic token error while the audit trail keeps the real reason.
	_, err = h.svc.VerifyLink(ctx, grant.BearerToken, 555555, "mallory", "10.0.0.3")
	assert.ErrorIs(t, err, ErrInvalidLinkToken)

	events := h.auditEvents(t)
	last := events[len(events)-1]
	assert.Equal(t, entity.LinkFailed, last.EventType)
	assert.Equal(t, entity.ReasonAlreadyUsed, last.ReasonCode)
}

func TestFlow_ExpiredTokenIsRejected(t *testing.T) {
	h := newFlowHarness(t, LinkConfig{LinkTokenTTL: 3 * time.Minute})
	ctx := context.Background()
	webUserID := uuid.New()

	grant, err := h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
	require.NoError(t, err)

	h.clock.Advance(3*time.Minute + time.Second)

	_, err = h.svc.VerifyLink(ctx, grant.BearerToken, 424242, "", "10.0.0.2")
	assert.ErrorIs(t, err, ErrInvalidLinkToken)

	events := h.auditEvents(t)
	last := events[len(events)-1]
	assert.Equal(t, entity.ReasonExpired, last.ReasonCode)

	link, err := h.svc.GetLinkStatus(ctx, webUserID)
	require.NoError(t, err)
	assert.Nil(t, link)
}

func TestFlow_BotLoginMintsSession(t *testing.T) {
	h := newFlowHarness(t, LinkConfig{})
	ctx := context.Background()
	webUserID := uuid.New()

	grant, err := h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
	require.NoError(t, err)
	_, err = h.svc.VerifyLink(ctx, grant.BearerToken, 424242, "maria", "10.0.0.2")
	require.NoError(t, err)

	login, err := h.svc.RequestWebLogin(ctx, 424242, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(login.DeepLink, "https://shop.example.com/link?token="))
	assert.Equal(t, login.DeepLink, h.gateway.sent[424242])

	session, err := h.svc.VerifyWebLogin(ctx, login.BearerToken, "10.0.0.4", "https://shop.example.com/orders")
	require.NoError(t, err)
	assert.Equal(t, webUserID, session.WebUserID)
	assert.Equal(t, "session-credential", session.Credential)
	assert.Equal(t, "https://shop.example.com/orders", session.RedirectURI)
	assert.Equal(t, []uuid.UUID{webUserID}, h.minter.minted)

	link, err := h.svc.GetLinkStatus(ctx, webUserID)
	require.NoError(t, err)
	require.NotNil(t, link)
	require.NotNil(t, link.LastUsedAt)
	assert.True(t, link.LastUsedAt.Equal(h.clock.now))
}

func TestFlow_LoginTokenRefusedOnBotAudience(t *testing.T) {
	h := newFlowHarness(t, LinkConfig{})
	ctx := context.Background()
	webUserID := uuid.New()

	grant, err := h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
	require.NoError(t, err)
	_, err = h.svc.VerifyLink(ctx, grant.BearerToken, 424242, "", "10.0.0.2")
	require.NoError(t, err)

	login, err := h.svc.RequestWebLogin(ctx, 424242, "10.0.0.2")
	require.NoError(t, err)

	// A login token presented back on the bot surface must not link and
	// must stay redeemable for its intended audience.
	_, err = h.svc.VerifyLink(ctx, login.BearerToken, 777777, "", "10.0.0.5")
	assert.ErrorIs(t, err, ErrInvalidLinkToken)

	events := h.auditEvents(t)
	last := events[len(events)-1]
	assert.Equal(t, entity.ReasonAudienceMismatch, last.ReasonCode)

	h.clock.Advance(3 * time.Second)

	session, err := h.svc.VerifyWebLogin(ctx, login.BearerToken, "10.0.0.4", "https://shop.example.com/")
	require.NoError(t, err)
	assert.Equal(t, webUserID, session.WebUserID)
}

func TestFlow_UnlinkThenLoginRefused(t *testing.T) {
	h := newFlowHarness(t, LinkConfig{})
	ctx := context.Background()
	webUserID := uuid.New()

	grant, err := h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
	require.NoError(t, err)
	_, err = h.svc.VerifyLink(ctx, grant.BearerToken, 424242, "", "10.0.0.2")
	require.NoError(t, err)

	require.NoError(t, h.svc.Unlink(ctx, webUserID, "10.0.0.1"))

	_, err = h.svc.RequestWebLogin(ctx, 424242, "10.0.0.2")
	assert.ErrorIs(t, err, ErrNotLinked)

	// Relinking after unlink is allowed.
	grant, err = h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
	require.NoError(t, err)
	_, err = h.svc.VerifyLink(ctx, grant.BearerToken, 424242, "", "10.0.0.2")
	assert.NoError(t, err)
}

func TestFlow_IssueRateLimitAcrossRequests(t *testing.T) {
	h := newFlowHarness(t, LinkConfig{UserAttemptsPerHour: 3})
	ctx := context.Background()
	webUserID := uuid.New()

	for i := 0; i < 3; i++ {
		_, err := h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
		require.NoError(t, err)
	}

	_, err := h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
	assert.ErrorIs(t, err, ErrRateLimited)

	// An unrelated user is not affected.
	_, err = h.svc.RequestLink(ctx, uuid.New(), "10.0.0.9")
	assert.NoError(t, err)
}

func TestFlow_WebLoginVerifyApprovalsMatchConfiguredLimit(t *testing.T) {
	h := newFlowHarness(t, LinkConfig{UserAttemptsPerHour: 4, IPAttemptsPerHour: 4})
	ctx := context.Background()
	webUserID := uuid.New()

	grant, err := h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
	require.NoError(t, err)
	_, err = h.svc.VerifyLink(ctx, grant.BearerToken, 424242, "", "10.0.0.2")
	require.NoError(t, err)

	// With the verify limit at 4, all four valid redemptions from the same
	// IP must be approved.
	for i := 0; i < 4; i++ {
		login, err := h.svc.RequestWebLogin(ctx, 424242, "10.0.0.2")
		require.NoError(t, err)
		_, err = h.svc.VerifyWebLogin(ctx, login.BearerToken, "10.0.0.4", "https://shop.example.com/")
		require.NoError(t, err, "verify attempt %d", i+1)
	}

	// The fifth attempt from that IP is throttled before the token store
	// is consulted.
	_, err = h.svc.VerifyWebLogin(ctx, uuid.New().String()+".secret", "10.0.0.4", "https://shop.example.com/")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFlow_HourlyAndDailyIssueLimitsIndependentAtMidnight(t *testing.T) {
	h := newFlowHarness(t, LinkConfig{UserAttemptsPerHour: 3, UserTokensPerDay: 5})
	ctx := context.Background()
	webUserID := uuid.New()

	// At midnight UTC the hourly and daily windows begin together; the
	// hourly budget must still allow all three attempts.
	h.clock.now = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
		require.NoError(t, err, "request %d", i+1)
	}

	_, err := h.svc.RequestLink(ctx, webUserID, "10.0.0.1")
	assert.ErrorIs(t, err, ErrRateLimited)
}

func TestFlow_ReapRemovesExpiredTokens(t *testing.T) {
	h := newFlowHarness(t, LinkConfig{LinkTokenTTL: 3 * time.Minute})
	ctx := context.Background()

	_, err := h.svc.RequestLink(ctx, uuid.New(), "10.0.0.1")
	require.NoError(t, err)
	_, err = h.svc.RequestLink(ctx, uuid.New(), "10.0.0.1")
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)

	reaped, err := h.svc.Reap(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), reaped)

	var remaining int64
	require.NoError(t, h.db.Model(&entity.LinkToken{}).Count(&remaining).Error)
	assert.Zero(t, remaining)
}
