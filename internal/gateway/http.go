package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/rawblock/rps-arena/internal/lobby"
	"github.com/rawblock/rps-arena/internal/protocol"
)

// handleHealth reports liveness of the pieces /api/health callers page on:
// the database, the deferred write backlog, and every live match's tick
// age.
func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbOK := s.store.Ping(ctx) == nil
	status := "operational"
	code := http.StatusOK
	if !dbOK {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status":        status,
		"dbConnected":   dbOK,
		"connections":   s.hub.Count(),
		"activeMatches": s.matches.ActiveCount(),
		"tickAges":      s.matches.TickAges(),
		"deferredQueue": s.deferred.Len(),
	})
}

// handleLobbies is the REST view of the lobby list, same payload as the
// LOBBY_LIST frame.
func (s *Server) handleLobbies(c *gin.Context) {
	summaries, err := s.lobbies.Summaries(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list lobbies"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"lobbies": summaries})
}

// handleBotAdd seats one bot in a lobby.
// POST /api/bot/add { "lobbyId": 1 }
func (s *Server) handleBotAdd(c *gin.Context) {
	var req struct {
		LobbyID int `json:"lobbyId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lobbyId required"})
		return
	}
	wallet, err := s.seatBot(c.Request.Context(), req.LobbyID)
	if err != nil {
		botError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "seated", "lobbyId": req.LobbyID, "wallet": wallet})
}

// handleBotFill seats bots until the lobby is full (and the match
// starts).
// POST /api/bot/fill { "lobbyId": 1 }
func (s *Server) handleBotFill(c *gin.Context) {
	var req struct {
		LobbyID int `json:"lobbyId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lobbyId required"})
		return
	}

	var seated []string
	for i := 0; i < 3; i++ {
		wallet, err := s.seatBot(c.Request.Context(), req.LobbyID)
		if err != nil {
			var le *lobby.Error
			if errors.As(err, &le) {
				break // full or already starting
			}
			botError(c, err)
			return
		}
		seated = append(seated, wallet)
	}
	c.JSON(http.StatusOK, gin.H{"status": "filled", "lobbyId": req.LobbyID, "seated": seated})
}

// handleBotRemove unseats one bot from a lobby.
// POST /api/bot/remove { "lobbyId": 1 }
func (s *Server) handleBotRemove(c *gin.Context) {
	var req struct {
		LobbyID int `json:"lobbyId"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lobbyId required"})
		return
	}
	wallet, err := s.lobbies.RemoveBot(c.Request.Context(), req.LobbyID)
	if err != nil {
		botError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "removed", "lobbyId": req.LobbyID, "wallet": wallet})
}

// seatBot creates a throwaway bot identity and admits it through the
// trusted join with a pseudo tx hash.
func (s *Server) seatBot(ctx context.Context, lobbyID int) (string, error) {
	suffix := make([]byte, 6)
	if _, err := rand.Read(suffix); err != nil {
		return "", err
	}
	wallet := "bot:" + hex.EncodeToString(suffix)

	user, err := s.store.GetOrCreateUser(ctx, wallet)
	if err != nil {
		return "", err
	}
	txHash := fmt.Sprintf("0xbot_tx_%s", hex.EncodeToString(suffix))
	if _, _, err := s.lobbies.JoinTrusted(ctx, user.ID, lobbyID, txHash); err != nil {
		return "", err
	}
	log.Printf("[Gateway] seated bot %s in lobby %d", wallet, lobbyID)
	return wallet, nil
}

func botError(c *gin.Context, err error) {
	var le *lobby.Error
	if errors.As(err, &le) {
		c.JSON(http.StatusConflict, gin.H{"error": le.Message, "code": le.Code})
		return
	}
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}

// handleDevReset refunds every lobby and drops all connections with the
// admin reset close code. Dev environments only; it is not reachable on
// the public listener.
// POST /api/dev/reset
func (s *Server) handleDevReset(c *gin.Context) {
	for id := 1; id <= s.lobbyCount; id++ {
		if err := s.lobbies.RefundAll(c.Request.Context(), id, "dev_reset"); err != nil {
			log.Printf("[Gateway] dev reset lobby %d: %v", id, err)
		}
	}
	s.hub.CloseAll(protocol.CloseAdminReset, "dev reset")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// handleAlerts returns recent operational alerts for the admin dashboard.
func (s *Server) handleAlerts(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"alerts": s.alerts.Recent()})
}
