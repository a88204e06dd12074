package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const contextWebUserIDKey = "web_user_id"

func SetWebUserID(c echo.Context, webUserID uuid.UUID) {
	c.Set(contextWebUserIDKey, webUserID)
}

func WebUserIDFromContext(c echo.Context) (uuid.UUID, bool) {
	value := c.Get(contextWebUserIDKey)
	webUserID, ok := value.(uuid.UUID)
	return webUserID, ok
}
