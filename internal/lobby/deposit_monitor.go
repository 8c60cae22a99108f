package lobby

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/rawblock/rps-arena/internal/db"
	"github.com/rawblock/rps-arena/pkg/models"
)

// DepositMonitor scans the token's Transfer events into each lobby's
// deposit address and seats players who paid directly on chain without
// sending JOIN_LOBBY. Only exact buy-in amounts from known wallets count;
// anything else stays in the wallet until the operator looks at it.
//
// Scans run in bounded block windows so a long outage never turns into one
// giant eth_getLogs call.

const (
	depositScanInterval = 30 * time.Second
	depositScanWindow   = 10 // blocks per lobby per cycle
)

type DepositMonitor struct {
	store   Store
	chain   Chain
	manager *Manager

	minConfirms uint64
	cursors     map[int]uint64 // lobbyID → last scanned block
}

// NewDepositMonitor builds the monitor. Scanning starts at the head seen on
// the first cycle; deposits from before startup are handled by the normal
// JOIN_LOBBY path.
func NewDepositMonitor(store Store, ch Chain, manager *Manager, minConfirms uint64) *DepositMonitor {
	return &DepositMonitor{
		store:       store,
		chain:       ch,
		manager:     manager,
		minConfirms: minConfirms,
		cursors:     make(map[int]uint64),
	}
}

// Run polls until the context is canceled.
func (dm *DepositMonitor) Run(ctx context.Context) {
	log.Println("[DepositMonitor] started")
	ticker := time.NewTicker(depositScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[DepositMonitor] stopped")
			return
		case <-ticker.C:
			if err := dm.scanOnce(ctx); err != nil {
				log.Printf("[DepositMonitor] scan cycle failed: %v", err)
			}
		}
	}
}

func (dm *DepositMonitor) scanOnce(ctx context.Context) error {
	head, err := dm.chain.LatestBlock(ctx)
	if err != nil {
		return err
	}
	// Only blocks with enough confirmations are scanned, so an admitted
	// deposit can never reorg out from under a seated player.
	if head < dm.minConfirms {
		return nil
	}
	ceiling := head - dm.minConfirms + 1

	lobbies, err := dm.store.ListLobbies(ctx)
	if err != nil {
		return err
	}
	for _, lb := range lobbies {
		if lb.Status != models.LobbyEmpty && lb.Status != models.LobbyWaiting {
			dm.cursors[lb.ID] = ceiling // skip, but keep the cursor moving
			continue
		}
		dm.scanLobby(ctx, lb, ceiling)
	}
	return nil
}

func (dm *DepositMonitor) scanLobby(ctx context.Context, lb *models.Lobby, ceiling uint64) {
	cursor, ok := dm.cursors[lb.ID]
	if !ok {
		dm.cursors[lb.ID] = ceiling
		return
	}
	if cursor >= ceiling {
		return
	}

	from := cursor + 1
	to := ceiling
	if to-from+1 > depositScanWindow {
		to = from + depositScanWindow - 1
	}

	transfers, err := dm.chain.TransfersTo(ctx, common.HexToAddress(lb.DepositAddress), from, to)
	if err != nil {
		log.Printf("[DepositMonitor] lobby %d scan [%d,%d]: %v", lb.ID, from, to, err)
		return
	}
	dm.cursors[lb.ID] = to

	for _, tr := range transfers {
		dm.admit(ctx, lb.ID, tr.From.Hex(), tr.TxHash.Hex(), tr.Amount.Int64(), tr.Amount.IsInt64())
	}
}

func (dm *DepositMonitor) admit(ctx context.Context, lobbyID int, sender, txHash string, amount int64, amountFits bool) {
	if !amountFits || amount != dm.manager.BuyIn() {
		log.Printf("[DepositMonitor] lobby %d: ignoring transfer %s with amount %d (buy-in is %d)",
			lobbyID, txHash, amount, dm.manager.BuyIn())
		return
	}

	user, err := dm.store.GetUserByWallet(ctx, strings.ToLower(sender))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			log.Printf("[DepositMonitor] lobby %d: deposit %s from unknown wallet %s", lobbyID, txHash, sender)
		} else {
			log.Printf("[DepositMonitor] lobby %d: resolve wallet %s: %v", lobbyID, sender, err)
		}
		return
	}

	// The transfer is already confirmed by the scan window, so the
	// per-receipt verification is skipped.
	_, _, err = dm.manager.JoinTrusted(ctx, user.ID, lobbyID, strings.ToLower(txHash))
	if err != nil {
		var le *Error
		if errors.As(err, &le) {
			// Duplicate hash, full lobby, already seated: all expected
			// when the player also sent JOIN_LOBBY.
			log.Printf("[DepositMonitor] lobby %d: deposit %s not seated: %s", lobbyID, txHash, le.Message)
			return
		}
		log.Printf("[DepositMonitor] lobby %d: seat deposit %s: %v", lobbyID, txHash, err)
		return
	}
	log.Printf("[DepositMonitor] lobby %d: seated %s via on-chain deposit %s", lobbyID, sender, txHash)
}
