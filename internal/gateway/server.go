package gateway

import (
	"context"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/db"
	"github.com/rawblock/rps-arena/internal/lobby"
	"github.com/rawblock/rps-arena/internal/match"
	"github.com/rawblock/rps-arena/internal/protocol"
)

// Server is one listener: the public one verifies payments, the admin
// one trusts pseudo tx hashes and exposes the bot and dev endpoints. Both
// share the same hub, so a player may connect through either.
type Server struct {
	store    *db.Store
	lobbies  *lobby.Manager
	matches  *match.Manager
	alerts   *alerts.Manager
	deferred *db.DeferredQueue
	hub      *Hub

	profile     protocol.PortProfile
	lobbyCount  int
	connLimiter *ConnLimiter

	http *http.Server
}

// NewServer builds a listener for one profile. The hub and connection
// limiter are shared across both listeners.
func NewServer(store *db.Store, lobbies *lobby.Manager, matches *match.Manager, am *alerts.Manager,
	deferred *db.DeferredQueue, hub *Hub, cl *ConnLimiter, profile protocol.PortProfile, lobbyCount int) *Server {
	return &Server{
		store:       store,
		lobbies:     lobbies,
		matches:     matches,
		alerts:      am,
		deferred:    deferred,
		hub:         hub,
		profile:     profile,
		lobbyCount:  lobbyCount,
		connLimiter: cl,
	}
}

// Hub exposes the shared hub for wiring into the lobby and match layers.
func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) router() *gin.Engine {
	r := gin.Default()
	r.Use(corsMiddleware())

	r.GET("/ws", s.handleWS)

	api := r.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/lobbies", s.handleLobbies)
		api.POST("/auth/nonce", s.handleAuthNonce)
		api.POST("/auth", s.handleAuth)
		api.POST("/logout", s.handleLogout)
	}

	if s.profile == protocol.ProfileAdmin {
		admin := r.Group("/api")
		{
			admin.POST("/bot/add", s.handleBotAdd)
			admin.POST("/bot/fill", s.handleBotFill)
			admin.POST("/bot/remove", s.handleBotRemove)
			admin.POST("/dev/reset", s.handleDevReset)
			admin.GET("/alerts", s.handleAlerts)
		}
	}
	return r
}

// Run serves until the context is canceled, then drains with a grace
// period.
func (s *Server) Run(ctx context.Context, port string) error {
	s.http = &http.Server{
		Addr:    ":" + port,
		Handler: s.router(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("[Gateway] %s listener on :%s", s.profile, port)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutCtx)
	}
}

// corsMiddleware mirrors ALLOWED_ORIGINS; empty means wide open, which is
// only sane behind a local proxy.
func corsMiddleware() gin.HandlerFunc {
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Accept, Origin")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
