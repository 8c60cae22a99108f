package gateway

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
)

// Session and nonce lifetimes. The nonce is single use and short lived;
// the session outlives websocket connections so reconnects do not need a
// new signature.
const (
	sessionTTL = 24 * time.Hour
	nonceTTL   = 5 * time.Minute
)

var walletRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// handleAuthNonce issues the login challenge for a wallet.
// POST /api/auth/nonce { "wallet": "0x..." }
func (s *Server) handleAuthNonce(c *gin.Context) {
	var req struct {
		Wallet string `json:"wallet"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !walletRe.MatchString(req.Wallet) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet must be a 0x address"})
		return
	}
	wallet := strings.ToLower(req.Wallet)

	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "nonce generation failed"})
		return
	}
	nonce := fmt.Sprintf("rps-arena login %s %s", wallet, hex.EncodeToString(buf))

	if err := s.store.UpsertAuthNonce(c.Request.Context(), wallet, nonce, nonceTTL); err != nil {
		log.Printf("[Gateway] store nonce for %s: %v", wallet, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"nonce": nonce, "expiresIn": int(nonceTTL.Seconds())})
}

// handleAuth verifies a personal_sign signature over the issued nonce and
// returns a bearer session token.
// POST /api/auth { "wallet": "0x...", "signature": "0x..." }
func (s *Server) handleAuth(c *gin.Context) {
	var req struct {
		Wallet    string `json:"wallet"`
		Signature string `json:"signature"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || !walletRe.MatchString(req.Wallet) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "wallet and signature required"})
		return
	}
	wallet := strings.ToLower(req.Wallet)

	nonce, err := s.store.ConsumeAuthNonce(c.Request.Context(), wallet)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "no pending nonce; request one first"})
		return
	}

	recovered, err := recoverSigner(nonce, req.Signature)
	if err != nil || !strings.EqualFold(recovered.Hex(), wallet) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature does not match wallet"})
		return
	}

	user, err := s.store.GetOrCreateUser(c.Request.Context(), wallet)
	if err != nil {
		log.Printf("[Gateway] create user %s: %v", wallet, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	sess, err := s.store.CreateSession(c.Request.Context(), user.ID, sessionTTL)
	if err != nil {
		log.Printf("[Gateway] create session for %s: %v", wallet, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"userId":       user.ID,
		"wallet":       user.Wallet,
		"sessionToken": sess.Token,
		"expiresAt":    sess.ExpiresAt,
	})
}

// handleLogout invalidates the bearer session.
// POST /api/logout, Authorization: Bearer <token>
func (s *Server) handleLogout(c *gin.Context) {
	token := bearerToken(c)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
		return
	}
	sess, err := s.store.GetSessionByToken(c.Request.Context(), token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
		return
	}
	if err := s.store.DeleteSession(c.Request.Context(), sess.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "logged_out"})
}

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return ""
	}
	return parts[1]
}

// recoverSigner recovers the address from an EIP-191 personal_sign
// signature over msg.
func recoverSigner(msg, sigHex string) (common.Address, error) {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("decode signature: %w", err)
	}
	if len(sig) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes", crypto.SignatureLength)
	}
	// Wallets emit V as 27/28; go-ethereum expects 0/1.
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	digest := crypto.Keccak256([]byte(fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(msg), msg)))
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("recover pubkey: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}
