package dto

import (
	"time"

	"botlink/internal/entity"
)

type LinkGrantResponse struct {
	DeepLink  string `json:"deep_link"`
	ExpiresIn int64  `json:"expires_in"`
}

type LinkStatusResponse struct {
	Linked               bool       `json:"linked"`
	MessagingDisplayName string     `json:"messaging_display_name,omitempty"`
	LinkedAt             *time.Time `json:"linked_at,omitempty"`
	LastUsedAt           *time.Time `json:"last_used_at,omitempty"`
}

func LinkStatusFromEntity(link *entity.AccountLink) LinkStatusResponse {
	if link == nil {
		return LinkStatusResponse{Linked: false}
	}
	linkedAt := link.LinkedAt
	return LinkStatusResponse{
		Linked:               true,
		MessagingDisplayName: link.MessagingDisplayName,
		LinkedAt:             &linkedAt,
		LastUsedAt:           link.LastUsedAt,
	}
}

type BotVerifyLinkRequest struct {
	Token           string `json:"token" validate:"required"`
	MessagingUserID int64  `json:"messaging_user_id" validate:"required"`
	DisplayName     string `json:"display_name" validate:"omitempty,max=128"`
}

type BotVerifyLinkResponse struct {
	WebUserID string `json:"web_user_id"`
}

type BotLoginRequest struct {
	MessagingUserID int64 `json:"messaging_user_id" validate:"required"`
}

// RedirectURI is deliberately not validated here. Every redirect rejection,
// missing and malformed included, must go through the allowlist check so it
// lands in the audit trail.
type WebLoginVerifyRequest struct {
	Token       string `json:"token" validate:"required"`
	RedirectURI string `json:"redirect_uri"`
}

type WebLoginVerifyResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	RedirectURI string `json:"redirect_uri"`
}
