package service

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type LinkConfig struct {
	LinkTokenTTL  time.Duration
	LoginTokenTTL time.Duration

	UserAttemptsPerHour int64
	IPAttemptsPerHour   int64
	UserTokensPerDay    int64
}

// SessionMinter issues the platform's ordinary session credential for an
// already-verified identity. This service never builds sessions itself.
type SessionMinter interface {
	Mint(ctx context.Context, webUserID uuid.UUID) (credential string, expiresIn time.Duration, err error)
}

// MessagingGateway is the only capability this service needs from the bot
// platform: push a deep link to a verified messaging user.
type MessagingGateway interface {
	SendDeepLink(ctx context.Context, messagingUserID int64, url string) error
}

type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time {
	return time.Now()
}

// LinkGrant is the result of a Request* operation. BearerToken is shown to
// the user exactly once through the deep link and never persisted.
type LinkGrant struct {
	BearerToken string
	DeepLink    string
	ExpiresAt   time.Time
}

type SessionGrant struct {
	WebUserID   uuid.UUID
	Credential  string
	ExpiresIn   time.Duration
	RedirectURI string
}
