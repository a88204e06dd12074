package service

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// DeepLinkBuilder renders the deep links handed back to callers and guards
// the domain/redirect allowlists. A token is never embedded in a link whose
// destination is not allowlisted.
type DeepLinkBuilder struct {
	webBaseURL     *url.URL
	botUsername    string
	allowedDomains map[string]struct{}
}

func NewDeepLinkBuilder(webBaseURL string, botUsername string, allowedDomains []string) (*DeepLinkBuilder, error) {
	allowed := make(map[string]struct{}, len(allowedDomains))
	for _, domain := range allowedDomains {
		domain = strings.ToLower(strings.TrimSpace(domain))
		if domain != "" {
			allowed[domain] = struct{}{}
		}
	}

	base, err := url.Parse(strings.TrimRight(webBaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse web base url: %w", err)
	}
	if base.Scheme != "https" {
		return nil, errors.New("web base url must use https")
	}
	if _, ok := allowed[strings.ToLower(base.Hostname())]; !ok {
		return nil, fmt.Errorf("web base url host %q is not allowlisted", base.Hostname())
	}
	if strings.TrimSpace(botUsername) == "" {
		return nil, errors.New("bot username is required")
	}

	return &DeepLinkBuilder{
		webBaseURL:     base,
		botUsername:    strings.TrimSpace(botUsername),
		allowedDomains: allowed,
	}, nil
}

// BotDeepLink carries a web-to-bot linking token into the messaging client
// via the platform start parameter.
func (b *DeepLinkBuilder) BotDeepLink(bearerToken string) string {
	return fmt.Sprintf("https://t.me/%s?start=%s", b.botUsername, url.QueryEscape(bearerToken))
}

// WebDeepLink carries a bot-to-web login token into the browser.
func (b *DeepLinkBuilder) WebDeepLink(bearerToken string) string {
	link := *b.webBaseURL
	link.Path = strings.TrimRight(link.Path, "/") + "/link"
	query := link.Query()
	query.Set("token", bearerToken)
	link.RawQuery = query.Encode()
	return link.String()
}

// ValidateRedirect accepts only https URLs on allowlisted hosts. A missing or
// foreign redirect is a hard failure, mirroring the OAuth redirect_uri guard.
func (b *DeepLinkBuilder) ValidateRedirect(redirectURI string) error {
	if strings.TrimSpace(redirectURI) == "" {
		return ErrInvalidRedirect
	}
	parsed, err := url.Parse(redirectURI)
	if err != nil {
		return ErrInvalidRedirect
	}
	if parsed.Scheme != "https" || parsed.Hostname() == "" {
		return ErrInvalidRedirect
	}
	if _, ok := b.allowedDomains[strings.ToLower(parsed.Hostname())]; !ok {
		return ErrInvalidRedirect
	}
	return nil
}
