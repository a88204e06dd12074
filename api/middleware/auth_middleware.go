package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"botlink/internal/utils"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// SessionAuth authenticates the ordinary web session presented by callers of
// the web surface. Issuing those sessions is the platform's concern; this
// service only verifies them.
type SessionAuth struct {
	JWT *utils.JWTManager
}

func (m SessionAuth) RequireSession(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if m.JWT == nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		token := extractBearerToken(c.Request())
		if token == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		claims, err := m.JWT.ParseSessionToken(token)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		webUserID, err := uuid.Parse(claims.WebUserID)
		if err != nil {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		SetWebUserID(c, webUserID)
		return next(c)
	}
}

// BotAuth guards the bot surface with a shared secret. The bot process is
// the only legitimate caller and vouches for the messaging user ids it
// forwards.
type BotAuth struct {
	Secret string
}

func (m BotAuth) RequireBotToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		presented := c.Request().Header.Get("X-Bot-Token")
		if m.Secret == "" || presented == "" {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(m.Secret)) != 1 {
			return echo.NewHTTPError(http.StatusUnauthorized, "unauthorized")
		}
		return next(c)
	}
}

func extractBearerToken(r *http.Request) string {
	authorization := r.Header.Get("Authorization")
	if authorization == "" {
		return ""
	}
	parts := strings.SplitN(authorization, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
