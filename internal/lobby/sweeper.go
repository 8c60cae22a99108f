package lobby

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/pkg/models"
)

// Sweeper runs the periodic lobby housekeeping:
//   - timeout refunds: lobbies that never filled get their escrow back
//   - stuck detection: lobbies holding escrow with no forward progress
//   - treasury sweep: idle lobby wallets get drained to the treasury
//   - gas watch: lobby wallets too poor to pay for a refund are paged
const (
	sweepInterval      = time.Minute
	treasurySweepEvery = time.Hour
	stuckThreshold     = 2 * time.Hour
	reAlertWindow      = 24 * time.Hour
)

type Sweeper struct {
	store   Store
	chain   Chain
	alerts  *alerts.Manager
	manager *Manager

	minGasWei *big.Int
	lastSweep time.Time
}

// NewSweeper builds the housekeeping loop.
func NewSweeper(store Store, ch Chain, am *alerts.Manager, manager *Manager, minGasWei *big.Int) *Sweeper {
	return &Sweeper{
		store:     store,
		chain:     ch,
		alerts:    am,
		manager:   manager,
		minGasWei: minGasWei,
	}
}

// Run ticks until the context is canceled.
func (sw *Sweeper) Run(ctx context.Context) {
	log.Println("[Sweeper] started")
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Sweeper] stopped")
			return
		case <-ticker.C:
			sw.sweepOnce(ctx)
		}
	}
}

func (sw *Sweeper) sweepOnce(ctx context.Context) {
	lobbies, err := sw.store.ListLobbies(ctx)
	if err != nil {
		log.Printf("[Sweeper] list lobbies: %v", err)
		return
	}

	now := time.Now().UTC()
	sweepTreasury := now.Sub(sw.lastSweep) >= treasurySweepEvery
	if sweepTreasury {
		sw.lastSweep = now
	}

	for _, lb := range lobbies {
		sw.checkTimeout(ctx, lb, now)
		sw.checkStuck(ctx, lb, now)
		sw.checkGas(ctx, lb)
		if sweepTreasury {
			sw.sweepToTreasury(ctx, lb)
		}
	}
}

// checkTimeout refunds every seat of a lobby whose wait window expired
// before three players paid in.
func (sw *Sweeper) checkTimeout(ctx context.Context, lb *models.Lobby, now time.Time) {
	if lb.Status != models.LobbyEmpty && lb.Status != models.LobbyWaiting {
		return
	}
	if lb.TimeoutAt == nil || lb.TimeoutAt.After(now) {
		return
	}
	log.Printf("[Sweeper] lobby %d timed out, refunding seats", lb.ID)
	if err := sw.manager.RefundAll(ctx, lb.ID, "lobby_timeout"); err != nil {
		log.Printf("[Sweeper] lobby %d timeout refund: %v", lb.ID, err)
	}
}

// checkStuck pages the operator when a lobby claims a match that is not
// actually running. Recovery normally clears these at startup; anything
// seen here survived recovery and needs a human.
func (sw *Sweeper) checkStuck(ctx context.Context, lb *models.Lobby, now time.Time) {
	stuck := false
	detail := ""
	switch lb.Status {
	case models.LobbyWaiting:
		if lb.FirstJoinAt != nil && now.Sub(*lb.FirstJoinAt) >= stuckThreshold {
			stuck = true
			detail = fmt.Sprintf("waiting since %s with escrow held", lb.FirstJoinAt.Format(time.RFC3339))
		}
	case models.LobbyInProgress:
		if lb.CurrentMatchID == nil {
			stuck = true
			detail = "in_progress with no current match"
		} else if eng := sw.manager.getEngine(); eng != nil && !eng.HasActiveMatch(*lb.CurrentMatchID) {
			if lb.FirstJoinAt == nil || now.Sub(*lb.FirstJoinAt) >= stuckThreshold {
				stuck = true
				detail = fmt.Sprintf("match %s is not live in this process", lb.CurrentMatchID)
			}
		}
	}
	if !stuck {
		return
	}

	sw.alerts.EmitRateLimited(
		fmt.Sprintf("stuck_lobby:%d", lb.ID), reAlertWindow,
		alerts.SeverityCritical, "stuck_lobby",
		fmt.Sprintf("Lobby %d appears stuck", lb.ID), detail,
		map[string]any{"lobby": lb.ID, "status": string(lb.Status)})
}

// checkGas warns when a lobby wallet cannot afford the gas for its own
// refunds or payout.
func (sw *Sweeper) checkGas(ctx context.Context, lb *models.Lobby) {
	if sw.minGasWei == nil || sw.minGasWei.Sign() <= 0 {
		return
	}
	w := sw.manager.Wallet(lb.ID)
	if w == nil {
		return
	}
	bal, err := sw.chain.NativeBalance(ctx, w.Address)
	if err != nil {
		log.Printf("[Sweeper] lobby %d gas balance: %v", lb.ID, err)
		return
	}
	if bal.Cmp(sw.minGasWei) >= 0 {
		return
	}
	sw.alerts.EmitRateLimited(
		fmt.Sprintf("low_gas:%d", lb.ID), reAlertWindow,
		alerts.SeverityWarning, "low_gas",
		fmt.Sprintf("Lobby %d wallet low on gas", lb.ID),
		fmt.Sprintf("wallet %s holds %s wei, minimum is %s", w.Address, bal, sw.minGasWei),
		map[string]any{"lobby": lb.ID, "wallet": w.Address.Hex()})
}

// sweepToTreasury drains an idle lobby wallet's token balance to the
// treasury. Only empty lobbies are swept: any other status may hold escrow.
func (sw *Sweeper) sweepToTreasury(ctx context.Context, lb *models.Lobby) {
	treasury := sw.manager.Treasury()
	if treasury == nil || lb.Status != models.LobbyEmpty {
		return
	}
	w := sw.manager.Wallet(lb.ID)
	if w == nil {
		return
	}

	bal, err := sw.chain.TokenBalance(ctx, w.Address)
	if err != nil {
		log.Printf("[Sweeper] lobby %d token balance: %v", lb.ID, err)
		return
	}
	if bal.Sign() <= 0 {
		return
	}

	hash, err := sw.chain.SendToken(ctx, w, treasury.Address, bal)
	if err != nil {
		log.Printf("[Sweeper] lobby %d treasury sweep of %s failed: %v", lb.ID, bal, err)
		return
	}
	log.Printf("[Sweeper] lobby %d swept %s to treasury, tx %s", lb.ID, bal, hash.Hex())
	sw.alerts.Emit(alerts.SeverityInfo, "treasury_sweep",
		fmt.Sprintf("Lobby %d swept to treasury", lb.ID),
		fmt.Sprintf("%s tokens moved to %s", bal, treasury.Address),
		map[string]any{"lobby": lb.ID, "tx": hash.Hex()})
}
