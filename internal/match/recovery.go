package match

import (
	"context"
	"log"
	"strings"

	"github.com/google/uuid"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/pkg/models"
)

// RecoverInterrupted reconciles matches the previous process left behind.
// It must complete before any traffic is accepted.
//
// Live matches are never resumed. For each interrupted match the chain is
// the source of truth: if the lobby wallet already paid the winner amount
// to a seated player, the match finalizes as won; otherwise it voids and
// every buy-in is refunded. Refunds only happen after a successful
// reconciliation scan so a payout that already landed can never be paid
// twice.
func (mg *Manager) RecoverInterrupted(ctx context.Context) error {
	interrupted, err := mg.store.GetInterruptedMatches(ctx)
	if err != nil {
		return err
	}
	for _, rec := range interrupted {
		mg.recoverMatch(ctx, rec)
	}

	// Lobbies stuck in_progress without a live match have their escrow
	// released too. Covers crashes between seat consumption and match
	// creation, and finalize failures after a void.
	lobbies, err := mg.store.ListLobbies(ctx)
	if err != nil {
		return err
	}
	for _, lb := range lobbies {
		if lb.Status != models.LobbyInProgress {
			continue
		}
		if lb.CurrentMatchID != nil && mg.matchStillOpen(ctx, *lb.CurrentMatchID) {
			continue
		}
		log.Printf("[Recovery] lobby %d in_progress with no open match, refunding", lb.ID)
		if err := mg.wallets.RefundAll(ctx, lb.ID, "server_restart"); err != nil {
			log.Printf("[Recovery] lobby %d refund: %v", lb.ID, err)
		}
	}
	return nil
}

func (mg *Manager) matchStillOpen(ctx context.Context, matchID uuid.UUID) bool {
	rec, err := mg.store.GetMatch(ctx, matchID)
	if err != nil {
		return false
	}
	return rec.Status == models.MatchCountdown || rec.Status == models.MatchRunning
}

func (mg *Manager) recoverMatch(ctx context.Context, rec *models.Match) {
	log.Printf("[Recovery] match %s (lobby %d, status %s) interrupted", rec.ID, rec.LobbyID, rec.Status)

	since := rec.CountdownAt
	if rec.RunningAt != nil {
		since = *rec.RunningAt
	}

	players, err := mg.store.GetMatchPlayers(ctx, rec.ID)
	if err != nil {
		log.Printf("[Recovery] match %s load players: %v", rec.ID, err)
		mg.alerts.Emit(alerts.SeverityCritical, "recovery_failed",
			"Recovery could not load match players",
			"The interrupted match is left untouched; operator review required.",
			map[string]any{"matchId": rec.ID.String(), "lobbyId": rec.LobbyID, "error": err.Error()})
		return
	}

	wallet := mg.wallets.Wallet(rec.LobbyID)
	transfers, err := mg.chain.TransfersFromSince(ctx, wallet.Address, since)
	if err != nil {
		// Refunding without knowing what left the wallet risks paying
		// twice. Leave the match for the operator.
		log.Printf("[Recovery] match %s reconcile scan: %v", rec.ID, err)
		mg.alerts.Emit(alerts.SeverityCritical, "recovery_failed",
			"Recovery reconciliation scan failed",
			"Outbound transfers could not be read; the match is left untouched.",
			map[string]any{"matchId": rec.ID.String(), "lobbyId": rec.LobbyID, "error": err.Error()})
		return
	}

	// A payout-sized transfer to a seated player means the previous
	// process settled but died before finalizing.
	for _, tr := range transfers {
		if !tr.Amount.IsInt64() || tr.Amount.Int64() != mg.cfg.WinnerPayout {
			continue
		}
		to := strings.ToLower(tr.To.Hex())
		for _, p := range players {
			if strings.ToLower(p.Wallet) != to {
				continue
			}
			log.Printf("[Recovery] match %s: found payout %s to %s, finalizing", rec.ID, tr.TxHash.Hex(), p.Wallet)
			if err := mg.store.FinalizeMatch(ctx, rec.LobbyID, rec.ID, p.UserID, "recovered_payout", mg.cfg.WinnerPayout, tr.TxHash.Hex()); err != nil {
				log.Printf("[Recovery] match %s finalize: %v", rec.ID, err)
				return
			}
			mg.recoverStats(ctx, players, p.UserID)
			if err := mg.store.DeleteMatchState(ctx, rec.ID); err != nil {
				log.Printf("[Recovery] match %s delete state: %v", rec.ID, err)
			}
			mg.alerts.Emit(alerts.SeverityInfo, "match_recovered",
				"Interrupted match finalized from chain",
				"A payout found on chain completed an interrupted match.",
				map[string]any{"matchId": rec.ID.String(), "lobbyId": rec.LobbyID,
					"winner": p.Wallet, "txHash": tr.TxHash.Hex()})
			return
		}
	}

	// No payout left the wallet: void and return the buy-ins.
	if err := mg.store.MarkMatchVoid(ctx, rec.ID, "server_restart"); err != nil {
		log.Printf("[Recovery] match %s void: %v", rec.ID, err)
		return
	}
	if err := mg.store.DeleteMatchState(ctx, rec.ID); err != nil {
		log.Printf("[Recovery] match %s delete state: %v", rec.ID, err)
	}
	if err := mg.wallets.RefundAll(ctx, rec.LobbyID, "server_restart"); err != nil {
		log.Printf("[Recovery] match %s refunds: %v", rec.ID, err)
	}
	mg.alerts.Emit(alerts.SeverityWarning, "match_recovered",
		"Interrupted match voided",
		"No payout was found on chain; the match was voided and buy-ins refunded.",
		map[string]any{"matchId": rec.ID.String(), "lobbyId": rec.LobbyID})
}

// recoverStats replays the aggregate updates for a finalize done during
// recovery, synchronously since the deferred queue may not be running yet.
func (mg *Manager) recoverStats(ctx context.Context, players []*models.MatchPlayer, winnerID uuid.UUID) {
	for _, p := range players {
		if p.IsBot {
			continue
		}
		won := p.UserID == winnerID
		var earnings int64
		if won {
			earnings = mg.cfg.WinnerPayout
		}
		if err := mg.store.RecordMatchResult(ctx, p.Wallet, won, earnings, mg.cfg.BuyIn); err != nil {
			log.Printf("[Recovery] record stats for %s: %v", p.Wallet, err)
		}
	}
}
