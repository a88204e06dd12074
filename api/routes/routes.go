package routes

import (
	"time"

	"botlink/api/handler"
	"botlink/api/middleware"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"
)

type Router struct {
	Echo        *echo.Echo
	Link        *handler.LinkHandler
	Bot         *handler.BotHandler
	SessionAuth middleware.SessionAuth
	BotAuth     middleware.BotAuth
	RequestRate *middleware.IPRateLimiter
	VerifyRate  *middleware.IPRateLimiter
}

func NewRouter(
	e *echo.Echo,
	linkHandler *handler.LinkHandler,
	botHandler *handler.BotHandler,
	sessionAuth middleware.SessionAuth,
	botAuth middleware.BotAuth,
) *Router {
	return &Router{
		Echo:        e,
		Link:        linkHandler,
		Bot:         botHandler,
		SessionAuth: sessionAuth,
		BotAuth:     botAuth,
		RequestRate: middleware.NewIPRateLimiter(rate.Limit(2), 5, 10*time.Minute),
		VerifyRate:  middleware.NewIPRateLimiter(rate.Limit(1), 3, 10*time.Minute),
	}
}

func (r *Router) RegisterRoutes() {
	e := r.Echo

	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(200)
	})

	e.POST("/link/request", r.Link.RequestLink, r.SessionAuth.RequireSession, r.RequestRate.Middleware())
	e.GET("/link", r.Link.LinkStatus, r.SessionAuth.RequireSession)
	e.DELETE("/link", r.Link.Unlink, r.SessionAuth.RequireSession)
	e.POST("/login/verify", r.Link.VerifyWebLogin, r.VerifyRate.Middleware())

	bot := e.Group("/bot", r.BotAuth.RequireBotToken)
	bot.POST("/link/verify", r.Bot.VerifyLink)
	bot.POST("/login/request", r.Bot.RequestWebLogin)
}
