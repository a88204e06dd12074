package handler

import (
	"net/http"

	"botlink/internal/dto"
	"botlink/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// BotHandler serves the bot process. Requests here already carry a
// platform-verified messaging user id, vouched for by the shared-secret
// middleware on this surface.
type BotHandler struct {
	Service  *service.LinkService
	Validate *validator.Validate
}

func NewBotHandler(svc *service.LinkService, validate *validator.Validate) *BotHandler {
	return &BotHandler{Service: svc, Validate: validate}
}

func (h *BotHandler) VerifyLink(c echo.Context) error {
	var req dto.BotVerifyLinkRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := h.validate(req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	webUserID, err := h.Service.VerifyLink(
		c.Request().Context(),
		req.Token,
		req.MessagingUserID,
		req.DisplayName,
		c.RealIP(),
	)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, dto.BotVerifyLinkResponse{WebUserID: webUserID.String()})
}

func (h *BotHandler) RequestWebLogin(c echo.Context) error {
	var req dto.BotLoginRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := h.validate(req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	grant, err := h.Service.RequestWebLogin(c.Request().Context(), req.MessagingUserID, c.RealIP())
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, grantResponse(grant))
}

func (h *BotHandler) validate(payload any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(payload)
}
