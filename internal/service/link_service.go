package service

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"botlink/internal/entity"
	"botlink/internal/ratelimit"
	"botlink/internal/repository"
	"botlink/internal/utils"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"
)

const (
	minTokenTTL = 2 * time.Minute
	maxTokenTTL = 5 * time.Minute
)

// LinkService drives both linking flows: web account -> messaging identity,
// and messaging identity -> fresh web session. It owns the token lifecycle;
// sessions themselves come from the injected SessionMinter.
type LinkService struct {
	tokens  repository.LinkTokenRepository
	links   repository.AccountLinkRepository
	audits  repository.AuditEventRepository
	limiter *ratelimit.Limiter

	minter    SessionMinter
	gateway   MessagingGateway
	deepLinks *DeepLinkBuilder

	hashSecret []byte
	clock      Clock
	config     LinkConfig
	log        logrus.FieldLogger
}

func NewLinkService(
	tokens repository.LinkTokenRepository,
	links repository.AccountLinkRepository,
	audits repository.AuditEventRepository,
	limiter *ratelimit.Limiter,
	minter SessionMinter,
	gateway MessagingGateway,
	deepLinks *DeepLinkBuilder,
	hashSecret []byte,
	clock Clock,
	config LinkConfig,
	log logrus.FieldLogger,
) *LinkService {
	return &LinkService{
		tokens:     tokens,
		links:      links,
		audits:     audits,
		limiter:    limiter,
		minter:     minter,
		gateway:    gateway,
		deepLinks:  deepLinks,
		hashSecret: hashSecret,
		clock:      clock,
		config:     config,
		log:        log,
	}
}

// RequestLink starts the web->bot flow for an already-authenticated web user.
// The returned deep link is the only place the bearer value ever appears.
func (s *LinkService) RequestLink(ctx context.Context, webUserID uuid.UUID, clientIP string) (*LinkGrant, error) {
	if webUserID == uuid.Nil {
		return nil, ErrInvalidInput
	}
	now := s.now()
	ipHash := s.hashIP(clientIP)
	userKey := ratelimit.UserKey(webUserID.String())

	if err := s.checkIssueLimits(ctx, userKey, ipHash, entity.WebToBot, now); err != nil {
		if errors.Is(err, ErrRateLimited) {
			s.audit(ctx, entity.LinkFailed, &webUserID, nil, ipHash, entity.ReasonRateLimited, nil)
		}
		return nil, err
	}

	var existing *entity.AccountLink
	err := s.withRetry(func() error {
		var lookupErr error
		existing, lookupErr = s.links.GetByWebUser(ctx, webUserID)
		return lookupErr
	})
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.audit(ctx, entity.LinkFailed, &webUserID, nil, ipHash, entity.ReasonAlreadyLinked, nil)
		return nil, ErrAlreadyLinked
	}

	token, bearer, err := s.issueToken(ctx, entity.LinkToken{
		TokenType:        entity.WebToBot,
		Audience:         entity.AudienceBot,
		SubjectWebUserID: &webUserID,
		IssuedAt:         now,
		ExpiresAt:        now.Add(s.linkTokenTTL()),
		IssuerIPHash:     ipHash,
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, entity.LinkRequested, &webUserID, nil, ipHash, "", nil)

	return &LinkGrant{
		BearerToken: bearer,
		DeepLink:    s.deepLinks.BotDeepLink(bearer),
		ExpiresAt:   token.ExpiresAt,
	}, nil
}

// VerifyLink redeems a web->bot token from the messaging side and creates the
// account link. Token failures collapse to a generic error; only
// already-linked is disclosed, since the token itself proved valid.
func (s *LinkService) VerifyLink(
	ctx context.Context,
	bearerToken string,
	messagingUserID int64,
	displayName string,
	clientIP string,
) (uuid.UUID, error) {
	if messagingUserID == 0 {
		return uuid.Nil, ErrInvalidInput
	}
	now := s.now()
	ipHash := s.hashIP(clientIP)
	subjectKey := ratelimit.MessagingUserKey(messagingUserID)

	if err := s.checkVerifyLimits(ctx, subjectKey, ipHash, entity.WebToBot, now); err != nil {
		if errors.Is(err, ErrRateLimited) {
			s.audit(ctx, entity.LinkFailed, nil, &messagingUserID, ipHash, entity.ReasonRateLimited, nil)
		}
		return uuid.Nil, err
	}

	token, reason, err := s.consumeToken(ctx, bearerToken, entity.AudienceBot, now)
	if err != nil {
		return uuid.Nil, err
	}
	if reason != "" {
		s.audit(ctx, entity.LinkFailed, nil, &messagingUserID, ipHash, reason, nil)
		s.recordFailure(ctx, subjectKey, now)
		return uuid.Nil, ErrInvalidLinkToken
	}
	if token.SubjectWebUserID == nil {
		s.audit(ctx, entity.LinkFailed, nil, &messagingUserID, ipHash, entity.ReasonNotFound, nil)
		return uuid.Nil, ErrInvalidLinkToken
	}
	webUserID := *token.SubjectWebUserID

	link := &entity.AccountLink{
		WebUserID:            webUserID,
		MessagingUserID:      messagingUserID,
		MessagingDisplayName: displayName,
		LinkedAt:             now,
	}
	err = s.withRetry(func() error {
		createErr := s.links.CreateLink(ctx, link)
		if errors.Is(createErr, repository.ErrLinkExists) {
			return ErrAlreadyLinked
		}
		return createErr
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyLinked) {
			s.audit(ctx, entity.LinkFailed, &webUserID, &messagingUserID, ipHash, entity.ReasonAlreadyLinked, nil)
		}
		return uuid.Nil, err
	}

	s.resetFailures(ctx, subjectKey)
	s.audit(ctx, entity.LinkVerified, &webUserID, &messagingUserID, ipHash, "", map[string]any{
		"display_name": displayName,
	})
	return webUserID, nil
}

// RequestWebLogin starts the bot->web flow for an already-linked messaging
// user. The deep link is also pushed through the messaging gateway when one
// is configured.
func (s *LinkService) RequestWebLogin(ctx context.Context, messagingUserID int64, clientIP string) (*LinkGrant, error) {
	if messagingUserID == 0 {
		return nil, ErrInvalidInput
	}
	now := s.now()
	ipHash := s.hashIP(clientIP)

	var link *entity.AccountLink
	err := s.withRetry(func() error {
		var lookupErr error
		link, lookupErr = s.links.GetByMessagingUser(ctx, messagingUserID)
		return lookupErr
	})
	if err != nil {
		return nil, err
	}
	if link == nil {
		s.audit(ctx, entity.LoginFailed, nil, &messagingUserID, ipHash, entity.ReasonNotLinked, nil)
		return nil, ErrNotLinked
	}
	webUserID := link.WebUserID

	userKey := ratelimit.UserKey(webUserID.String())
	if err := s.checkIssueLimits(ctx, userKey, ipHash, entity.BotToWeb, now); err != nil {
		if errors.Is(err, ErrRateLimited) {
			s.audit(ctx, entity.LoginFailed, &webUserID, &messagingUserID, ipHash, entity.ReasonRateLimited, nil)
		}
		return nil, err
	}

	token, bearer, err := s.issueToken(ctx, entity.LinkToken{
		TokenType:              entity.BotToWeb,
		Audience:               entity.AudienceWeb,
		SubjectWebUserID:       &webUserID,
		SubjectMessagingUserID: &messagingUserID,
		IssuedAt:               now,
		ExpiresAt:              now.Add(s.loginTokenTTL()),
		IssuerIPHash:           ipHash,
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, entity.LoginRequested, &webUserID, &messagingUserID, ipHash, "", nil)

	grant := &LinkGrant{
		BearerToken: bearer,
		DeepLink:    s.deepLinks.WebDeepLink(bearer),
		ExpiresAt:   token.ExpiresAt,
	}

	if s.gateway != nil {
		if sendErr := s.gateway.SendDeepLink(ctx, messagingUserID, grant.DeepLink); sendErr != nil {
			s.logError(sendErr, "send deep link")
		}
	}
	return grant, nil
}

// VerifyWebLogin redeems a bot->web token on the web side and mints an
// ordinary session for the linked user. The redirect allowlist check comes
// first; the minter is never invoked for a rejected redirect.
func (s *LinkService) VerifyWebLogin(ctx context.Context, bearerToken string, clientIP string, redirectURI string) (*SessionGrant, error) {
	now := s.now()
	ipHash := s.hashIP(clientIP)

	if err := s.deepLinks.ValidateRedirect(redirectURI); err != nil {
		s.audit(ctx, entity.LoginFailed, nil, nil, ipHash, entity.ReasonInvalidRedirect, nil)
		return nil, ErrInvalidRedirect
	}

	subjectKey := ratelimit.IPKey(s.ipKeyValue(ipHash))
	if err := s.checkVerifyLimits(ctx, subjectKey, ipHash, entity.BotToWeb, now); err != nil {
		if errors.Is(err, ErrRateLimited) {
			s.audit(ctx, entity.LoginFailed, nil, nil, ipHash, entity.ReasonRateLimited, nil)
		}
		return nil, err
	}

	token, reason, err := s.consumeToken(ctx, bearerToken, entity.AudienceWeb, now)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		s.audit(ctx, entity.LoginFailed, nil, nil, ipHash, reason, nil)
		s.recordFailure(ctx, subjectKey, now)
		return nil, ErrInvalidLinkToken
	}
	if token.SubjectWebUserID == nil {
		s.audit(ctx, entity.LoginFailed, nil, nil, ipHash, entity.ReasonNotFound, nil)
		return nil, ErrInvalidLinkToken
	}
	webUserID := *token.SubjectWebUserID

	credential, expiresIn, err := s.minter.Mint(ctx, webUserID)
	if err != nil {
		s.logError(err, "mint session")
		return nil, ErrTemporarilyUnavailable
	}

	if touchErr := s.links.TouchLastUsed(ctx, webUserID, now); touchErr != nil {
		s.logError(touchErr, "touch last used")
	}

	s.resetFailures(ctx, subjectKey)
	s.audit(ctx, entity.LoginVerified, &webUserID, token.SubjectMessagingUserID, ipHash, "", nil)

	return &SessionGrant{
		WebUserID:   webUserID,
		Credential:  credential,
		ExpiresIn:   expiresIn,
		RedirectURI: redirectURI,
	}, nil
}

// Unlink removes the account link. Idempotent: the audit event is written
// whether or not a link existed.
func (s *LinkService) Unlink(ctx context.Context, webUserID uuid.UUID, clientIP string) error {
	if webUserID == uuid.Nil {
		return ErrInvalidInput
	}
	ipHash := s.hashIP(clientIP)

	err := s.withRetry(func() error {
		return s.links.RemoveLink(ctx, webUserID)
	})
	if err != nil {
		return err
	}

	s.audit(ctx, entity.Unlinked, &webUserID, nil, ipHash, "", nil)
	return nil
}

func (s *LinkService) GetLinkStatus(ctx context.Context, webUserID uuid.UUID) (*entity.AccountLink, error) {
	if webUserID == uuid.Nil {
		return nil, ErrInvalidInput
	}
	var link *entity.AccountLink
	err := s.withRetry(func() error {
		var lookupErr error
		link, lookupErr = s.links.GetByWebUser(ctx, webUserID)
		return lookupErr
	})
	if err != nil {
		return nil, err
	}
	return link, nil
}

// Reap removes expired tokens and stale counters. Safe to run concurrently
// with redemption; consume checks expiry itself.
func (s *LinkService) Reap(ctx context.Context) (int64, error) {
	now := s.now()
	reaped, err := s.tokens.Reap(ctx, now)
	if err != nil {
		return 0, err
	}
	if cleanupErr := s.limiter.Cleanup(ctx, now.Add(-24*time.Hour)); cleanupErr != nil {
		s.logError(cleanupErr, "cleanup counters")
	}
	return reaped, nil
}

func (s *LinkService) issueToken(ctx context.Context, template entity.LinkToken) (*entity.LinkToken, string, error) {
	// A hash collision means the generator produced a value another live
	// token already uses; regenerate once rather than assume it cannot
	// happen.
	for attempt := 0; attempt < 2; attempt++ {
		secret, err := utils.GenerateRandomToken(32)
		if err != nil {
			return nil, "", err
		}
		nonce, err := utils.GenerateRandomToken(16)
		if err != nil {
			return nil, "", err
		}

		token := template
		token.ID = uuid.New()
		token.Nonce = nonce
		token.TokenHash = utils.HashBearerSecret(s.hashSecret, nonce, secret)

		err = s.withRetry(func() error {
			return s.tokens.Create(ctx, &token)
		})
		if errors.Is(err, repository.ErrDuplicateTokenHash) {
			continue
		}
		if err != nil {
			return nil, "", err
		}
		return &token, utils.BuildBearerToken(token.ID, secret), nil
	}
	return nil, "", ErrTemporarilyUnavailable
}

// consumeToken resolves and atomically consumes a presented bearer value.
// A non-empty reason means a terminal, auditable rejection; err is reserved
// for infrastructure failures.
func (s *LinkService) consumeToken(
	ctx context.Context,
	bearerToken string,
	audience entity.Audience,
	now time.Time,
) (*entity.LinkToken, string, error) {

	id, secret, parseErr := utils.ParseBearerToken(bearerToken)
	if parseErr != nil {
		return nil, entity.ReasonNotFound, nil
	}

	var stored *entity.LinkToken
	err := s.withRetry(func() error {
		var lookupErr error
		stored, lookupErr = s.tokens.FindByID(ctx, id)
		return lookupErr
	})
	if err != nil {
		return nil, "", err
	}
	if stored == nil {
		return nil, entity.ReasonNotFound, nil
	}

	if !utils.VerifyBearerSecret(s.hashSecret, stored.Nonce, secret, stored.TokenHash) {
		return nil, entity.ReasonNotFound, nil
	}

	token, consumeErr := s.tokens.ConsumeIfValid(ctx, id, audience, now)
	switch {
	case consumeErr == nil:
		return token, "", nil
	case errors.Is(consumeErr, repository.ErrTokenExpired):
		return nil, entity.ReasonExpired, nil
	case errors.Is(consumeErr, repository.ErrTokenAlreadyUsed):
		return nil, entity.ReasonAlreadyUsed, nil
	case errors.Is(consumeErr, repository.ErrTokenAudienceMismatch):
		return nil, entity.ReasonAudienceMismatch, nil
	case errors.Is(consumeErr, repository.ErrTokenNotFound):
		return nil, entity.ReasonNotFound, nil
	default:
		return nil, "", ErrTemporarilyUnavailable
	}
}

func (s *LinkService) checkIssueLimits(ctx context.Context, userKey string, ipHash *string, tokenType entity.TokenType, now time.Time) error {
	if err := s.checkLimit(ctx, userKey, tokenType, s.config.UserAttemptsPerHour, time.Hour, now); err != nil {
		return err
	}
	if err := s.checkLimit(ctx, userKey, tokenType, s.config.UserTokensPerDay, 24*time.Hour, now); err != nil {
		return err
	}
	if ipHash != nil {
		return s.checkLimit(ctx, ratelimit.IPKey(*ipHash), tokenType, s.config.IPAttemptsPerHour, time.Hour, now)
	}
	return nil
}

func (s *LinkService) checkVerifyLimits(ctx context.Context, subjectKey string, ipHash *string, tokenType entity.TokenType, now time.Time) error {
	wait, err := s.limiter.RetryAfter(ctx, subjectKey, now)
	if err != nil {
		return ErrTemporarilyUnavailable
	}
	if wait > 0 {
		return ErrRateLimited
	}

	// On the web verify path the caller is anonymous and the subject key
	// already is the IP key. It gets the IP limit, and the separate IP
	// check is skipped so the same attempt is never counted twice.
	subjectIsIP := ipHash != nil && ratelimit.IPKey(*ipHash) == subjectKey
	subjectLimit := s.config.UserAttemptsPerHour
	if subjectIsIP {
		subjectLimit = s.config.IPAttemptsPerHour
	}
	if err := s.checkLimit(ctx, subjectKey, tokenType, subjectLimit, time.Hour, now); err != nil {
		return err
	}
	if ipHash != nil && !subjectIsIP {
		return s.checkLimit(ctx, ratelimit.IPKey(*ipHash), tokenType, s.config.IPAttemptsPerHour, time.Hour, now)
	}
	return nil
}

func (s *LinkService) checkLimit(ctx context.Context, subjectKey string, tokenType entity.TokenType, limit int64, window time.Duration, now time.Time) error {
	err := s.limiter.CheckAndIncrement(ctx, subjectKey, tokenType, limit, window, now)
	if errors.Is(err, ratelimit.ErrRateLimited) {
		return ErrRateLimited
	}
	if err != nil {
		return ErrTemporarilyUnavailable
	}
	return nil
}

func (s *LinkService) recordFailure(ctx context.Context, subjectKey string, now time.Time) {
	if err := s.limiter.RecordFailure(ctx, subjectKey, now); err != nil {
		s.logError(err, "record failure")
	}
}

func (s *LinkService) resetFailures(ctx context.Context, subjectKey string) {
	if err := s.limiter.ResetFailures(ctx, subjectKey); err != nil {
		s.logError(err, "reset failures")
	}
}

// withRetry retries a storage call once on infrastructure failure. Terminal
// rejections pass through untouched and are never retried.
func (s *LinkService) withRetry(fn func() error) error {
	err := fn()
	if err == nil || isTerminal(err) {
		return err
	}
	s.logError(err, "storage call failed, retrying once")
	err = fn()
	if err == nil || isTerminal(err) {
		return err
	}
	s.logError(err, "storage call failed after retry")
	return ErrTemporarilyUnavailable
}

func isTerminal(err error) bool {
	return errors.Is(err, ErrAlreadyLinked) ||
		errors.Is(err, ErrNotLinked) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrInvalidLinkToken) ||
		errors.Is(err, ErrInvalidRedirect) ||
		errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, repository.ErrDuplicateTokenHash) ||
		errors.Is(err, repository.ErrLinkExists)
}

func (s *LinkService) audit(
	ctx context.Context,
	eventType entity.AuditEventType,
	webUserID *uuid.UUID,
	messagingUserID *int64,
	ipHash *string,
	reasonCode string,
	metadata map[string]any,
) {
	var payload datatypes.JSON
	if metadata != nil {
		data, err := json.Marshal(metadata)
		if err != nil {
			s.logError(err, "marshal audit metadata")
		} else {
			payload = datatypes.JSON(data)
		}
	}

	event := &entity.AuditEvent{
		EventType:            eventType,
		ActorWebUserID:       webUserID,
		ActorMessagingUserID: messagingUserID,
		IPHash:               ipHash,
		ReasonCode:           reasonCode,
		Metadata:             payload,
	}
	if err := s.audits.Log(ctx, event); err != nil {
		s.logError(err, "write audit event")
	}
}

func (s *LinkService) hashIP(clientIP string) *string {
	if clientIP == "" {
		return nil
	}
	hash := utils.HashIP(s.hashSecret, clientIP)
	return &hash
}

func (s *LinkService) ipKeyValue(ipHash *string) string {
	if ipHash == nil {
		return "unknown"
	}
	return *ipHash
}

func (s *LinkService) logError(err error, message string) {
	if s.log == nil {
		return
	}
	s.log.WithError(err).Error(message)
}

func (s *LinkService) now() time.Time {
	if s.clock == nil {
		return time.Now()
	}
	return s.clock.Now()
}

func (s *LinkService) linkTokenTTL() time.Duration {
	return clampTTL(s.config.LinkTokenTTL)
}

func (s *LinkService) loginTokenTTL() time.Duration {
	return clampTTL(s.config.LoginTokenTTL)
}

func clampTTL(ttl time.Duration) time.Duration {
	if ttl < minTokenTTL {
		return minTokenTTL
	}
	if ttl > maxTokenTTL {
		return maxTokenTTL
	}
	return ttl
}
