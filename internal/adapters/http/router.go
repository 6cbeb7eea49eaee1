// Package http wires the boundary surface: websocket and long-poll
// signaling endpoints, the health probe, the self-test trigger and static
// asset serving. Everything interesting happens behind it.
package http

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/openjamlab/jamlink/internal/adapters/signal"
	"github.com/openjamlab/jamlink/internal/app"
	"github.com/openjamlab/jamlink/internal/config"
	"github.com/openjamlab/jamlink/internal/domain"
	"github.com/openjamlab/jamlink/internal/selftest"
)

const selfTestTimeout = 15 * time.Second

// Deps is everything the router needs from the composition root.
type Deps struct {
	Registry    *app.Registry
	Controller  *signal.Controller
	Polls       *signal.PollManager
	SelfTestURL string // ws endpoint the self-test peers dial
}

func corsMiddleware(origin string) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", origin)
		if origin != "*" {
			c.Header("Access-Control-Allow-Credentials", "true")
			c.Header("Vary", "Origin")
		}
		if c.Request.Method == http.MethodOptions {
			c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type")
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// profileFrom reads the remembered display metadata out of the cookie
// session; a fresh client gets empty defaults (the registry applies the
// fixed placeholders).
func profileFrom(c *gin.Context) signal.Profile {
	sess := sessions.Default(c)
	p := signal.Profile{}
	if v, ok := sess.Get("username").(string); ok {
		p.Username = v
	}
	if v, ok := sess.Get("instrument").(string); ok {
		p.Instrument = v
	}
	return p
}

func SetupRouter(cfg *config.Config, deps Deps) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.AllowedOrigin))

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("JamlinkSession", store))

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	r.GET("/healthz", func(c *gin.Context) {
		rooms, participants, perRoom := deps.Registry.Stats()
		c.JSON(http.StatusOK, gin.H{
			"status":       "ok",
			"rooms":        rooms,
			"participants": participants,
			"perRoom":      perRoom,
		})
	})

	api := r.Group("/api")

	api.GET("/ws", func(c *gin.Context) {
		deps.Controller.ServeWS(c.Writer, c.Request, profileFrom(c))
	})

	api.GET("/profile", func(c *gin.Context) {
		c.JSON(http.StatusOK, profileFrom(c))
	})
	api.POST("/profile", func(c *gin.Context) {
		var p signal.Profile
		if err := c.ShouldBindJSON(&p); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid profile"})
			return
		}
		sess := sessions.Default(c)
		sess.Set("username", p.Username)
		sess.Set("instrument", p.Instrument)
		if err := sess.Save(); err != nil {
			log.Error().Err(err).Str("module", "adapters.http").Msg("session save")
			c.Status(http.StatusInternalServerError)
			return
		}
		c.JSON(http.StatusOK, p)
	})

	api.POST("/poll", func(c *gin.Context) {
		id := deps.Polls.Open(profileFrom(c))
		c.JSON(http.StatusCreated, gin.H{"sid": id})
	})
	api.GET("/poll/:sid", func(c *gin.Context) {
		id := domain.ClientID(c.Param("sid"))
		events, alive := deps.Polls.Poll(c.Request.Context(), id)
		raw := make([]json.RawMessage, 0, len(events))
		for _, e := range events {
			raw = append(raw, json.RawMessage(e))
		}
		c.JSON(http.StatusOK, gin.H{"alive": alive, "events": raw})
	})
	api.POST("/poll/:sid", func(c *gin.Context) {
		id := domain.ClientID(c.Param("sid"))
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, cfg.ReadLimit))
		if err != nil {
			c.Status(http.StatusBadRequest)
			return
		}
		if !deps.Polls.Push(id, body) {
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusAccepted)
	})
	api.DELETE("/poll/:sid", func(c *gin.Context) {
		if !deps.Polls.Shutdown(domain.ClientID(c.Param("sid"))) {
			c.Status(http.StatusNotFound)
			return
		}
		c.Status(http.StatusNoContent)
	})

	api.POST("/selftest", func(c *gin.Context) {
		report := selftest.Run(c.Request.Context(), deps.SelfTestURL, selfTestTimeout)
		status := http.StatusOK
		if !report.OK {
			status = http.StatusBadGateway
		}
		c.JSON(status, report)
	})

	return r
}
