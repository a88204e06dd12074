package service

import (
	"context"
	"time"

	"botlink/internal/utils"

	"github.com/google/uuid"
)

// JWTSessionMinter is the default SessionMinter. Deployments that mint
// sessions elsewhere swap in their own implementation.
type JWTSessionMinter struct {
	Manager *utils.JWTManager
}

func (m JWTSessionMinter) Mint(ctx context.Context, webUserID uuid.UUID) (string, time.Duration, error) {
	if m.Manager == nil {
		return "", 0, utils.ErrInvalidToken
	}
	return m.Manager.IssueSessionToken(webUserID.String())
}
