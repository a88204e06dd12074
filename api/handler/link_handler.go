package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"botlink/api/middleware"
	"botlink/internal/dto"
	"botlink/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"
)

// LinkHandler serves the web surface: requesting a link, reading link
// status, unlinking, and redeeming bot-issued login tokens.
type LinkHandler struct {
	Service  *service.LinkService
	Validate *validator.Validate
}

func NewLinkHandler(svc *service.LinkService, validate *validator.Validate) *LinkHandler {
	return &LinkHandler{Service: svc, Validate: validate}
}

func (h *LinkHandler) RequestLink(c echo.Context) error {
	webUserID, ok := middleware.WebUserIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	grant, err := h.Service.RequestLink(c.Request().Context(), webUserID, c.RealIP())
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, grantResponse(grant))
}

func (h *LinkHandler) LinkStatus(c echo.Context) error {
	webUserID, ok := middleware.WebUserIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	link, err := h.Service.GetLinkStatus(c.Request().Context(), webUserID)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, dto.LinkStatusFromEntity(link))
}

func (h *LinkHandler) Unlink(c echo.Context) error {
	webUserID, ok := middleware.WebUserIDFromContext(c)
	if !ok {
		return writeError(c, http.StatusUnauthorized, errors.New("unauthorized"))
	}
	if err := h.Service.Unlink(c.Request().Context(), webUserID, c.RealIP()); err != nil {
		return writeServiceError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *LinkHandler) VerifyWebLogin(c echo.Context) error {
	var req dto.WebLoginVerifyRequest
	if err := decodeJSON(c, &req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	if err := h.validate(req); err != nil {
		return writeError(c, http.StatusBadRequest, err)
	}
	grant, err := h.Service.VerifyWebLogin(c.Request().Context(), req.Token, c.RealIP(), req.RedirectURI)
	if err != nil {
		return writeServiceError(c, err)
	}
	return c.JSON(http.StatusOK, dto.WebLoginVerifyResponse{
		AccessToken: grant.Credential,
		ExpiresIn:   int64(grant.ExpiresIn.Seconds()),
		RedirectURI: grant.RedirectURI,
	})
}

func (h *LinkHandler) validate(payload any) error {
	if h.Validate == nil {
		return nil
	}
	return h.Validate.Struct(payload)
}

func grantResponse(grant *service.LinkGrant) dto.LinkGrantResponse {
	expiresIn := int64(time.Until(grant.ExpiresAt).Seconds())
	if expiresIn < 0 {
		expiresIn = 0
	}
	return dto.LinkGrantResponse{
		DeepLink:  grant.DeepLink,
		ExpiresIn: expiresIn,
	}
}

func decodeJSON(c echo.Context, target any) error {
	decoder := json.NewDecoder(c.Request().Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(target)
}

func writeError(c echo.Context, status int, err error) error {
	return c.JSON(status, map[string]string{"message": err.Error()})
}

func writeServiceError(c echo.Context, err error) error {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrInvalidLinkToken):
		status = http.StatusUnauthorized
	case errors.Is(err, service.ErrAlreadyLinked):
		status = http.StatusConflict
	case errors.Is(err, service.ErrNotLinked):
		status = http.StatusPreconditionFailed
	case errors.Is(err, service.ErrInvalidRedirect):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrRateLimited):
		status = http.StatusTooManyRequests
	case errors.Is(err, service.ErrTemporarilyUnavailable):
		status = http.StatusServiceUnavailable
	}
	return writeError(c, status, err)
}
