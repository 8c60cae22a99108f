package match

import (
	"context"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/internal/db"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/pkg/models"
)

// Settlement timing. The linger keeps the match addressable while clients
// consume the MATCH_END frame; settleTimeout bounds the whole on-chain
// conversation.
const (
	settleTimeout = 5 * time.Minute
	settleLinger  = 5 * time.Second
)

// endLocked is the single terminal transition. It flips the ending flag,
// stops the tick loop, and hands off to the settlement goroutine. Callers
// hold m.mu. Idempotent: the first caller wins.
func (m *Match) endLocked(winner *Player, reason string) {
	if m.ending {
		return
	}
	m.ending = true
	if m.cancel != nil {
		m.cancel()
	}

	var winnerID string
	if winner != nil {
		winnerID = winner.UserID.String()
	}
	log.Printf("[Match] %s ending: reason=%s winner=%s tick=%d", m.ID, reason, winnerID, m.tick)
	m.logEvent(m.tick, "end", map[string]any{"reason": reason, "winner": winnerID})

	go m.settle(winner, reason)
}

// settle runs the post-game money movement on its own goroutine, off the
// tick path.
func (m *Match) settle(winner *Player, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()

	if winner == nil {
		m.voidAndRefund(ctx, reason)
	} else {
		m.payWinner(ctx, winner, reason)
	}

	if err := m.mgr.store.DeleteMatchState(ctx, m.ID); err != nil {
		log.Printf("[Match] %s delete state: %v", m.ID, err)
	}

	time.Sleep(settleLinger)
	m.mgr.remove(m)
}

// voidAndRefund records the void and returns every escrowed buy-in. The
// void is written before any send so a crash mid-refund is recoverable
// from the payout_attempts audit trail.
func (m *Match) voidAndRefund(ctx context.Context, reason string) {
	if err := m.mgr.store.MarkMatchVoid(ctx, m.ID, reason); err != nil {
		log.Printf("[Match] %s mark void: %v", m.ID, err)
		m.mgr.alerts.Emit(alerts.SeverityCritical, "settlement_failed",
			"Void write failed",
			"Match could not be marked void; escrow is still held.",
			map[string]any{"matchId": m.ID.String(), "lobbyId": m.LobbyID, "reason": reason, "error": err.Error()})
		return
	}

	m.mu.Lock()
	m.status = models.MatchVoid
	m.mu.Unlock()

	m.broadcast(protocol.Marshal(protocol.TypeMatchEnd, map[string]any{
		"matchId":  m.ID.String(),
		"winnerId": nil,
		"reason":   reason,
		"payout":   0,
	}))

	if err := m.mgr.wallets.RefundAll(ctx, m.LobbyID, reason); err != nil {
		log.Printf("[Match] %s refund after void: %v", m.ID, err)
		m.mgr.alerts.Emit(alerts.SeverityWarning, "refund_incomplete",
			"Void refunds incomplete",
			"One or more buy-ins could not be returned after a voided match.",
			map[string]any{"matchId": m.ID.String(), "lobbyId": m.LobbyID, "reason": reason, "error": err.Error()})
		return
	}

	m.mgr.alerts.Emit(alerts.SeverityWarning, "match_voided",
		"Match voided",
		"Match ended without a winner; all buy-ins refunded.",
		map[string]any{"matchId": m.ID.String(), "lobbyId": m.LobbyID, "reason": reason})
}

// payWinner settles a decided match: one transfer of the winner payout
// from the lobby wallet, then the atomic finalize that closes the seats
// and resets the lobby.
func (m *Match) payWinner(ctx context.Context, winner *Player, reason string) {
	// A payout hash on the row means a previous settlement run already
	// moved the money; only the announcement is repeated.
	if rec, err := m.mgr.store.GetMatch(ctx, m.ID); err == nil && rec.PayoutTxHash != "" {
		log.Printf("[Match] %s already settled with payout %s", m.ID, rec.PayoutTxHash)
		m.announceEnd(winner, reason, m.cfg.WinnerPayout, rec.PayoutTxHash)
		return
	}

	// Bot wins keep the pot in escrow; the sweep moves it to treasury.
	if winner.IsBot {
		if err := m.mgr.store.FinalizeMatch(ctx, m.LobbyID, m.ID, winner.UserID, reason, 0, ""); err != nil {
			log.Printf("[Match] %s finalize bot win: %v", m.ID, err)
			return
		}
		m.finishLocked()
		m.recordStats(winner)
		m.announceEnd(winner, reason, 0, "")
		log.Printf("[Match] %s won by bot %s, no payout", m.ID, winner.UserID)
		return
	}

	wallet := m.mgr.wallets.Wallet(m.LobbyID)
	payout := big.NewInt(m.cfg.WinnerPayout)

	bal, err := m.mgr.chain.TokenBalance(ctx, wallet.Address)
	if err != nil {
		log.Printf("[Match] %s balance check: %v", m.ID, err)
		m.mgr.alerts.Emit(alerts.SeverityCritical, "settlement_failed",
			"Payout balance check failed",
			"Could not read the lobby wallet balance before paying out.",
			map[string]any{"matchId": m.ID.String(), "lobbyId": m.LobbyID, "error": err.Error()})
		m.voidAndRefund(ctx, "settlement_error")
		return
	}
	if bal.Cmp(payout) < 0 {
		m.mgr.alerts.Emit(alerts.SeverityCritical, "escrow_shortfall",
			"Lobby wallet cannot cover payout",
			"The escrow balance is below the winner payout; voiding and refunding.",
			map[string]any{"matchId": m.ID.String(), "lobbyId": m.LobbyID,
				"balance": bal.String(), "payout": payout.String()})
		m.voidAndRefund(ctx, "insufficient_balance")
		return
	}

	attempt := &models.PayoutAttempt{
		ID:           uuid.New(),
		MatchID:      &m.ID,
		LobbyID:      m.LobbyID,
		Recipient:    winner.Wallet,
		Amount:       m.cfg.WinnerPayout,
		Status:       models.PayoutPending,
		SourceWallet: "lobby",
	}
	if err := m.mgr.store.CreatePayoutAttempt(ctx, attempt); err != nil {
		log.Printf("[Match] %s create payout attempt: %v", m.ID, err)
		m.voidAndRefund(ctx, "settlement_error")
		return
	}

	hash, err := m.mgr.chain.SendToken(ctx, wallet, common.HexToAddress(winner.Wallet), payout)
	if err != nil {
		if rerr := m.mgr.store.ResolvePayoutAttempt(ctx, attempt.ID, models.PayoutFailed, "", err.Error(), chain.Classify(err).String()); rerr != nil {
			log.Printf("[Match] %s resolve failed attempt: %v", m.ID, rerr)
		}
		m.mgr.alerts.Emit(alerts.SeverityCritical, "payout_failed",
			"Winner payout failed",
			"The payout transfer did not confirm; voiding and refunding.",
			map[string]any{"matchId": m.ID.String(), "lobbyId": m.LobbyID,
				"winner": winner.Wallet, "error": err.Error()})
		m.voidAndRefund(ctx, "payout_failed")
		return
	}

	txHash := hash.Hex()
	if err := m.mgr.store.ResolvePayoutAttempt(ctx, attempt.ID, models.PayoutSuccess, txHash, "", ""); err != nil {
		log.Printf("[Match] %s resolve payout attempt: %v", m.ID, err)
	}
	if err := m.mgr.store.FinalizeMatch(ctx, m.LobbyID, m.ID, winner.UserID, reason, m.cfg.WinnerPayout, txHash); err != nil {
		// The money already moved. The payout attempt row carries the
		// hash, so recovery can reconcile; flag it loudly.
		log.Printf("[Match] %s finalize after payout: %v", m.ID, err)
		m.mgr.alerts.Emit(alerts.SeverityCritical, "settlement_failed",
			"Finalize failed after payout",
			"The payout confirmed on chain but the match row could not be finalized.",
			map[string]any{"matchId": m.ID.String(), "lobbyId": m.LobbyID, "txHash": txHash})
		return
	}

	m.finishLocked()
	m.recordStats(winner)
	m.announceEnd(winner, reason, m.cfg.WinnerPayout, txHash)
	m.mgr.alerts.Emit(alerts.SeverityInfo, "match_completed",
		"Match settled",
		"Winner paid out.",
		map[string]any{"matchId": m.ID.String(), "lobbyId": m.LobbyID,
			"winner": winner.Wallet, "payout": m.cfg.WinnerPayout, "txHash": txHash})
	log.Printf("[Match] %s settled: %s paid %d (%s)", m.ID, winner.Wallet, m.cfg.WinnerPayout, txHash)
}

func (m *Match) finishLocked() {
	m.mu.Lock()
	m.status = models.MatchFinished
	m.mu.Unlock()
}

func (m *Match) announceEnd(winner *Player, reason string, payout int64, txHash string) {
	payload := map[string]any{
		"matchId":  m.ID.String(),
		"winnerId": winner.UserID.String(),
		"reason":   reason,
		"payout":   payout,
	}
	if txHash != "" {
		payload["payoutTxHash"] = txHash
	}
	m.broadcast(protocol.Marshal(protocol.TypeMatchEnd, payload))
}

// recordStats queues the per-wallet aggregate updates. Bot wallets are
// excluded; the leaderboard is human-only.
func (m *Match) recordStats(winner *Player) {
	for _, p := range m.players {
		if p.IsBot {
			continue
		}
		wallet := p.Wallet
		won := p == winner
		var earnings int64
		if won && !winner.IsBot {
			earnings = m.cfg.WinnerPayout
		}
		spent := m.cfg.BuyIn
		op := db.DeferredOp{
			Name: "stats:" + wallet,
			Fn: func(ctx context.Context) error {
				return m.mgr.store.RecordMatchResult(ctx, wallet, won, earnings, spent)
			},
		}
		if !m.mgr.deferrer.Enqueue(op) {
			if err := op.Fn(context.Background()); err != nil {
				log.Printf("[Match] %s record stats for %s: %v", m.ID, wallet, err)
			}
		}
	}
}
