package http

import (
	"context"
	"time"

	"github.com/dkeye/callconsole/internal/app/events"
	"github.com/dkeye/callconsole/internal/app/orch"
	"github.com/dkeye/callconsole/internal/core"
	"github.com/dkeye/callconsole/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

// Console is the part of the orchestrator the UI shell drives.
type Console interface {
	PlaceCall(raw string, format orch.Formatter) (orch.CallView, error)
	ActiveCall(format orch.Formatter, live bool) (orch.CallView, bool)
	Hangup() error
	SetMuted(muted bool) error
	CallHistory(limit int) ([]core.CallLogEntry, core.CallStats)
	SoftphoneStatus() domain.DeviceStatus
	ResetSoftphone(ctx context.Context) error
	ServiceStatus(ctx context.Context) orch.ServiceStatus
	Agent(ctx context.Context) (core.Agent, error)
	Subscribe(h events.Handler) (unsubscribe func())
}

type Options struct {
	Mode       string
	Secret     string
	StaticPath string
	// DialLimit calls per DialWindow and client; zero disables the limit.
	DialLimit  int
	DialWindow time.Duration
	Format     orch.Formatter
	Gatherer   prometheus.Gatherer
}

func genClientToken() string {
	return uuid.NewString()
}

func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token, _ := c.Cookie("ct")
		if token == "" {
			token = genClientToken()
			c.SetCookie("ct", token, 3600*24*7, "/", "", false, true)
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(console Console, opts Options) *gin.Engine {
	if opts.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if opts.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(opts.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("CallConsole", store))
	r.Use(ClientTokenMiddleware())

	if opts.StaticPath != "" {
		r.Static("/static", opts.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(opts.StaticPath + "/index.html")
		})
	}

	h := &handlers{console: console, format: opts.Format}

	r.GET("/healthz", h.health)
	if opts.Gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	api := r.Group("/api")

	dial := []gin.HandlerFunc{h.placeCall}
	if opts.DialLimit > 0 {
		dial = append([]gin.HandlerFunc{NewDialRateLimiter(opts.DialLimit, opts.DialWindow).Middleware()}, dial...)
	}
	api.POST("/calls", dial...)
	api.GET("/calls/active", h.activeCall)
	api.DELETE("/calls/active", h.hangup)
	api.POST("/calls/active/mute", h.mute)
	api.GET("/calls/last", h.lastCall)
	api.GET("/calls/history", h.history)

	api.GET("/softphone", h.softphone)
	api.POST("/softphone/reset", h.resetSoftphone)
	api.GET("/service", h.service)
	api.GET("/agent", h.agent)
	api.GET("/events", h.events)

	log.Info().Str("module", "adapters.http").Str("static", opts.StaticPath).Msg("router setup")
	return r
}
