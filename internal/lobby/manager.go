package lobby

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/internal/db"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/pkg/models"
)

// Grace between the third paid join and match start. Gives the clients a
// moment to render LOBBY_UPDATE before the countdown begins.
const startGrace = 100 * time.Millisecond

// Refund failure cutoff: after this many failed sends to one recipient
// inside the window, the lobby stops retrying and pages the operator.
const (
	refundFailureLimit  = 5
	refundFailureWindow = time.Hour
)

// Store is the durable state the lobby layer needs. Satisfied by *db.Store.
type Store interface {
	EnsureLobby(ctx context.Context, id int, depositAddress string, encryptedKey []byte) error
	GetLobby(ctx context.Context, id int) (*models.Lobby, error)
	ListLobbies(ctx context.Context) ([]*models.Lobby, error)
	SetLobbyStatus(ctx context.Context, id int, status models.LobbyStatus) error
	MarkFirstJoin(ctx context.Context, id int, timeout time.Duration) error
	ClearLobby(ctx context.Context, id int) error

	InsertLobbyPlayer(ctx context.Context, p *models.LobbyPlayer) error
	ActiveLobbyPlayers(ctx context.Context, lobbyID int) ([]*models.LobbyPlayer, error)
	FindActiveLobbyForUser(ctx context.Context, userID uuid.UUID) (int, error)
	PaymentTxHashExists(ctx context.Context, txHash string) (bool, error)
	MarkPlayerRefunded(ctx context.Context, playerID uuid.UUID, reason, txHash string) error

	GetUser(ctx context.Context, id uuid.UUID) (*models.User, error)
	GetUserByWallet(ctx context.Context, wallet string) (*models.User, error)
	UpsertPaidWallet(ctx context.Context, wallet string) error

	CreatePayoutAttempt(ctx context.Context, a *models.PayoutAttempt) error
	ResolvePayoutAttempt(ctx context.Context, id uuid.UUID, status models.PayoutAttemptStatus, txHash, errMsg, errType string) error
	CountRecentRefundFailures(ctx context.Context, lobbyID int, recipient string, window time.Duration) (int, error)
}

// Chain is the slice of chain.Chain the lobby layer uses.
type Chain interface {
	VerifyDeposit(ctx context.Context, txHash common.Hash, sender, recipient common.Address, amount *big.Int) error
	TokenBalance(ctx context.Context, account common.Address) (*big.Int, error)
	NativeBalance(ctx context.Context, account common.Address) (*big.Int, error)
	SendToken(ctx context.Context, from *chain.Wallet, to common.Address, amount *big.Int) (common.Hash, error)
	TransfersTo(ctx context.Context, recipient common.Address, fromBlock, toBlock uint64) ([]chain.TokenTransfer, error)
	LatestBlock(ctx context.Context) (uint64, error)
}

// Engine starts matches. Implemented by the match manager; injected after
// construction to break the lobby/match dependency cycle.
type Engine interface {
	StartMatch(ctx context.Context, lobby *models.Lobby, players []*models.LobbyPlayer) error
	HasActiveMatch(matchID uuid.UUID) bool
}

// Notifier pushes lobby state to connected clients. Implemented by the
// gateway hub; a nil notifier is valid (tests, early startup).
type Notifier interface {
	BroadcastLobby(lobby *models.Lobby, playerCount int)
	NotifyUser(userID uuid.UUID, frame []byte)
}

// Error is a player-visible lobby failure with its protocol code.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("lobby error %d: %s", e.Code, e.Message) }

func codedErr(code int, msg string) *Error { return &Error{Code: code, Message: msg} }

// ErrManualIntervention means refunds for a seat are suspended until an
// operator steps in.
var ErrManualIntervention = errors.New("refund suspended pending manual intervention")

// Config holds the lobby-layer tunables.
type Config struct {
	LobbyCount   int
	BuyIn        int64 // minor units
	LobbyTimeout time.Duration
}

/// Manager owns the lobby state machines: paid joins, refunds, timeouts and
// the handoff into a match. One mutex per lobby serializes its transitions;
// cross-lobby operations never hold two locks.
type Manager struct {
	store    Store
	chain    Chain
	alerts   *alerts.Manager
	cfg      Config
	notifier Notifier

	engineMu sync.RWMutex
	engine   Engine

	locks []sync.Mutex // index lobbyID-1

	wallets  map[int]*chain.Wallet
	treasury *chain.Wallet
}

// NewManager derives the custodial wallets, seals them into the lobby rows
// and returns the manager. Deposit addresses are stable across restarts.
func NewManager(ctx context.Context, store Store, ch Chain, am *alerts.Manager, cfg Config,
	walletSeed []byte, walletPassphrase, treasuryMnemonic string) (*Manager, error) {

	m := &Manager{
		store:   store,
		chain:   ch,
		alerts:  am,
		cfg:     cfg,
		locks:   make([]sync.Mutex, cfg.LobbyCount),
		wallets: make(map[int]*chain.Wallet, cfg.LobbyCount),
	}

	for id := 1; id <= cfg.LobbyCount; id++ {
		w, err := chain.DeriveLobbyWallet(walletSeed, id)
		if err != nil {
			return nil, err
		}
		sealed, err := chain.SealKey(w.Key(), walletPassphrase)
		if err != nil {
			return nil, fmt.Errorf("seal lobby %d key: %w", id, err)
		}
		if err := store.EnsureLobby(ctx, id, strings.ToLower(w.Address.Hex()), sealed); err != nil {
			return nil, err
		}
		m.wallets[id] = w
	}

	if treasuryMnemonic != "" {
		t, err := chain.DeriveTreasuryWallet(treasuryMnemonic)
		if err != nil {
			return nil, err
		}
		m.treasury = t
	}

	log.Printf("[Lobby] initialized %d lobbies", cfg.LobbyCount)
	return m, nil
}

// SetEngine wires the match engine in after both managers exist.
func (m *Manager) SetEngine(e Engine) {
	m.engineMu.Lock()
	m.engine = e
	m.engineMu.Unlock()
}

// SetNotifier wires the gateway hub in.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

func (m *Manager) getEngine() Engine {
	m.engineMu.RLock()
	defer m.engineMu.RUnlock()
	return m.engine
}

// Wallet returns the custodial wallet for a lobby. Settlement pays out of it.
func (m *Manager) Wallet(lobbyID int) *chain.Wallet { return m.wallets[lobbyID] }

// Treasury returns the treasury wallet, or nil when sweeping is disabled.
func (m *Manager) Treasury() *chain.Wallet { return m.treasury }

// BuyIn returns the buy-in in minor units.
func (m *Manager) BuyIn() int64 { return m.cfg.BuyIn }

func (m *Manager) lock(lobbyID int) *sync.Mutex { return &m.locks[lobbyID-1] }

// Join admits a paid player after verifying the buy-in on chain.
// All precondition checks run under the lobby lock; the UNIQUE constraint
// on payment_tx_hash is the final barrier against a double-spent hash.
func (m *Manager) Join(ctx context.Context, userID uuid.UUID, lobbyID int, txHash string) (*models.Lobby, []*models.LobbyPlayer, error) {
	return m.join(ctx, userID, lobbyID, txHash, true)
}

// JoinTrusted admits a player without per-tx receipt verification. Two
// callers: the deposit monitor (the confirmed Transfer event is the
// evidence) and the admin listener (payments bypassed for bots/dev).
func (m *Manager) JoinTrusted(ctx context.Context, userID uuid.UUID, lobbyID int, txHash string) (*models.Lobby, []*models.LobbyPlayer, error) {
	return m.join(ctx, userID, lobbyID, txHash, false)
}

func (m *Manager) join(ctx context.Context, userID uuid.UUID, lobbyID int, txHash string, verify bool) (*models.Lobby, []*models.LobbyPlayer, error) {
	if lobbyID < 1 || lobbyID > m.cfg.LobbyCount {
		return nil, nil, codedErr(protocol.CodeLobbyNotFound, "no such lobby")
	}
	txHash = strings.ToLower(txHash)

	mu := m.lock(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	lb, err := m.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, nil, fmt.Errorf("load lobby %d: %w", lobbyID, err)
	}
	if lb.Status == models.LobbyReady || lb.Status == models.LobbyInProgress {
		return nil, nil, codedErr(protocol.CodeLobbyFull, "lobby is full")
	}

	if existing, err := m.store.FindActiveLobbyForUser(ctx, userID); err == nil {
		return nil, nil, codedErr(protocol.CodeAlreadyInLobby,
			fmt.Sprintf("already seated in lobby %d", existing))
	} else if !errors.Is(err, db.ErrNotFound) {
		return nil, nil, fmt.Errorf("check existing seat: %w", err)
	}

	players, err := m.store.ActiveLobbyPlayers(ctx, lobbyID)
	if err != nil {
		return nil, nil, fmt.Errorf("load seats: %w", err)
	}
	if len(players) >= 3 {
		return nil, nil, codedErr(protocol.CodeLobbyFull, "lobby is full")
	}

	// Fast-path duplicate check. Cheap, but racy: the UNIQUE constraint
	// below is what actually decides ties.
	if used, err := m.store.PaymentTxHashExists(ctx, txHash); err != nil {
		return nil, nil, fmt.Errorf("check payment hash: %w", err)
	} else if used {
		return nil, nil, codedErr(protocol.CodePaymentNotConfirmed, "payment already used")
	}

	user, err := m.store.GetUser(ctx, userID)
	if err != nil {
		return nil, nil, fmt.Errorf("load user: %w", err)
	}

	if verify {
		err := m.chain.VerifyDeposit(ctx, common.HexToHash(txHash),
			common.HexToAddress(user.Wallet), m.wallets[lobbyID].Address,
			big.NewInt(m.cfg.BuyIn))
		if err != nil {
			return nil, nil, mapDepositError(err)
		}
	}

	seat := &models.LobbyPlayer{
		ID:            uuid.New(),
		LobbyID:       lobbyID,
		UserID:        userID,
		Wallet:        user.Wallet,
		PaymentTxHash: txHash,
		JoinedAt:      time.Now().UTC(),
	}
	if err := m.store.InsertLobbyPlayer(ctx, seat); err != nil {
		if db.IsUniqueViolation(err, "payment_tx_hash") {
			return nil, nil, codedErr(protocol.CodePaymentNotConfirmed, "payment already used")
		}
		return nil, nil, fmt.Errorf("seat player: %w", err)
	}
	if err := m.store.UpsertPaidWallet(ctx, user.Wallet); err != nil {
		log.Printf("[Lobby] record paid wallet %s: %v", user.Wallet, err)
	}

	players = append(players, seat)
	switch len(players) {
	case 1:
		if err := m.store.MarkFirstJoin(ctx, lobbyID, m.cfg.LobbyTimeout); err != nil {
			return nil, nil, fmt.Errorf("mark first join: %w", err)
		}
	case 3:
		if err := m.store.SetLobbyStatus(ctx, lobbyID, models.LobbyReady); err != nil {
			return nil, nil, fmt.Errorf("mark ready: %w", err)
		}
		go m.startWhenReady(lobbyID)
	}

	lb, err = m.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return nil, nil, fmt.Errorf("reload lobby %d: %w", lobbyID, err)
	}
	log.Printf("[Lobby] lobby %d: %s joined with tx %s (%d/3)", lobbyID, user.Wallet, txHash, len(players))
	m.broadcast(lb, len(players))
	return lb, players, nil
}

func mapDepositError(err error) error {
	switch {
	case errors.Is(err, chain.ErrTxNotFound), errors.Is(err, chain.ErrNotEnoughConfirms):
		return codedErr(protocol.CodePaymentNotConfirmed, "payment not yet confirmed")
	case errors.Is(err, chain.ErrTxFailed), errors.Is(err, chain.ErrTransferMismatch),
		errors.Is(err, chain.ErrTxTooOld):
		return codedErr(protocol.CodePaymentFailed, "payment verification failed: "+err.Error())
	default:
		return fmt.Errorf("verify deposit: %w", err)
	}
}

// startWhenReady runs after the third join: short grace, re-check under
// lock, escrow balance check, then hand off to the match engine.
func (m *Manager) startWhenReady(lobbyID int) {
	time.Sleep(startGrace)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	mu := m.lock(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	lb, err := m.store.GetLobby(ctx, lobbyID)
	if err != nil {
		log.Printf("[Lobby] start lobby %d: %v", lobbyID, err)
		return
	}
	if lb.Status != models.LobbyReady {
		return // refunded or reset during the grace window
	}
	players, err := m.store.ActiveLobbyPlayers(ctx, lobbyID)
	if err != nil || len(players) != 3 {
		log.Printf("[Lobby] start lobby %d: %d active seats, err=%v", lobbyID, len(players), err)
		return
	}

	// Escrow sanity: the deposit wallet must actually hold the pot before
	// a winner can be promised 2.4 units out of it.
	pot := big.NewInt(3 * m.cfg.BuyIn)
	bal, err := m.chain.TokenBalance(ctx, m.wallets[lobbyID].Address)
	if err != nil {
		log.Printf("[Lobby] lobby %d balance check failed, starting anyway: %v", lobbyID, err)
	} else if bal.Cmp(pot) < 0 {
		m.alerts.Emit(alerts.SeverityCritical, "escrow_shortfall",
			fmt.Sprintf("Lobby %d escrow shortfall", lobbyID),
			fmt.Sprintf("deposit wallet holds %s, pot requires %s; refunding all seats", bal, pot),
			map[string]any{"lobby": lobbyID})
		m.refundAllLocked(ctx, lb, players, "escrow_shortfall")
		return
	}

	eng := m.getEngine()
	if eng == nil {
		log.Printf("[Lobby] lobby %d ready but no match engine wired", lobbyID)
		return
	}
	if err := eng.StartMatch(ctx, lb, players); err != nil {
		log.Printf("[Lobby] lobby %d match start failed: %v", lobbyID, err)
		m.alerts.Emit(alerts.SeverityCritical, "match_start_failed",
			fmt.Sprintf("Lobby %d match start failed", lobbyID), err.Error(),
			map[string]any{"lobby": lobbyID})
		m.refundAllLocked(ctx, lb, players, "match_start_failed")
	}
}

// RemoveBot unseats the most recently added bot. Bots pay with a pseudo
// hash, so the seat is released without a chain refund.
func (m *Manager) RemoveBot(ctx context.Context, lobbyID int) (string, error) {
	if lobbyID < 1 || lobbyID > m.cfg.LobbyCount {
		return "", codedErr(protocol.CodeLobbyNotFound, "no such lobby")
	}

	mu := m.lock(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	lb, err := m.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return "", fmt.Errorf("load lobby %d: %w", lobbyID, err)
	}
	if lb.Status == models.LobbyReady || lb.Status == models.LobbyInProgress {
		return "", codedErr(protocol.CodeRefundNotAvailable, "lobby is locked for match start")
	}

	players, err := m.store.ActiveLobbyPlayers(ctx, lobbyID)
	if err != nil {
		return "", fmt.Errorf("load seats: %w", err)
	}
	var bot *models.LobbyPlayer
	for _, p := range players {
		if strings.HasPrefix(p.Wallet, "bot:") {
			bot = p
		}
	}
	if bot == nil {
		return "", codedErr(protocol.CodeNotInLobby, "no bot seated in this lobby")
	}

	if err := m.store.MarkPlayerRefunded(ctx, bot.ID, "bot_removed", ""); err != nil {
		return "", fmt.Errorf("release bot seat: %w", err)
	}
	if len(players) == 1 {
		if err := m.store.ClearLobby(ctx, lobbyID); err != nil {
			return "", fmt.Errorf("reset lobby %d: %w", lobbyID, err)
		}
	}

	lb, err = m.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return "", fmt.Errorf("reload lobby %d: %w", lobbyID, err)
	}
	log.Printf("[Lobby] lobby %d: removed bot %s", lobbyID, bot.Wallet)
	m.broadcast(lb, len(players)-1)
	return bot.Wallet, nil
}

// RequestRefund handles REQUEST_REFUND: the caller's lobby is resolved
// from their seat, and the refund is only available once the wait window
// expired. It refunds every active seat, not just the caller's.
func (m *Manager) RequestRefund(ctx context.Context, userID uuid.UUID) error {
	lobbyID, err := m.store.FindActiveLobbyForUser(ctx, userID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return codedErr(protocol.CodeNotInLobby, "no active seat")
		}
		return fmt.Errorf("resolve seat: %w", err)
	}

	mu := m.lock(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	lb, err := m.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("load lobby %d: %w", lobbyID, err)
	}
	if lb.Status != models.LobbyEmpty && lb.Status != models.LobbyWaiting {
		return codedErr(protocol.CodeRefundNotAvailable, "lobby is locked for match start")
	}
	if lb.TimeoutAt == nil || lb.TimeoutAt.After(time.Now().UTC()) {
		return codedErr(protocol.CodeRefundNotAvailable, "lobby has not timed out yet")
	}

	players, err := m.store.ActiveLobbyPlayers(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("load seats: %w", err)
	}
	found := false
	for _, p := range players {
		if p.UserID == userID {
			found = true
			break
		}
	}
	if !found {
		return codedErr(protocol.CodeNotInLobby, "no active seat in this lobby")
	}

	m.refundAllLocked(ctx, lb, players, "lobby_timeout")
	return nil
}

// RefundAll refunds every active seat and resets the lobby. Used by the
// timeout sweeper and the match void path.
func (m *Manager) RefundAll(ctx context.Context, lobbyID int, reason string) error {
	mu := m.lock(lobbyID)
	mu.Lock()
	defer mu.Unlock()

	lb, err := m.store.GetLobby(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("load lobby %d: %w", lobbyID, err)
	}
	players, err := m.store.ActiveLobbyPlayers(ctx, lobbyID)
	if err != nil {
		return fmt.Errorf("load seats: %w", err)
	}
	m.refundAllLocked(ctx, lb, players, reason)
	return nil
}

// refundAllLocked refunds each seat independently: one failed send never
// blocks the others. The lobby resets only when every seat cleared.
func (m *Manager) refundAllLocked(ctx context.Context, lb *models.Lobby, players []*models.LobbyPlayer, reason string) {
	allClear := true
	for _, p := range players {
		if err := m.refundSeat(ctx, lb, p, reason); err != nil {
			allClear = false
			log.Printf("[Lobby] lobby %d refund to %s failed: %v", lb.ID, p.Wallet, err)
		}
	}
	if !allClear {
		return
	}
	if err := m.store.ClearLobby(ctx, lb.ID); err != nil {
		log.Printf("[Lobby] clear lobby %d: %v", lb.ID, err)
		return
	}
	lb.Status = models.LobbyEmpty
	m.broadcast(lb, 0)
}

// refundSeat returns one buy-in from the lobby wallet. Every attempt is
// audited in payout_attempts; repeated failures trip the manual cutoff.
func (m *Manager) refundSeat(ctx context.Context, lb *models.Lobby, seat *models.LobbyPlayer, reason string) error {
	// Bot seats hold no real deposit; release them without a chain send.
	if strings.HasPrefix(seat.Wallet, "bot:") {
		if err := m.store.MarkPlayerRefunded(ctx, seat.ID, reason, ""); err != nil {
			return fmt.Errorf("mark refunded: %w", err)
		}
		return nil
	}

	failures, err := m.store.CountRecentRefundFailures(ctx, lb.ID, seat.Wallet, refundFailureWindow)
	if err != nil {
		return fmt.Errorf("count refund failures: %w", err)
	}
	if failures >= refundFailureLimit {
		m.alerts.EmitRateLimited(
			fmt.Sprintf("refund_exhausted:%d:%s", lb.ID, seat.Wallet), refundFailureWindow,
			alerts.SeverityCritical, "refund_exhausted",
			fmt.Sprintf("Lobby %d refund to %s suspended", lb.ID, seat.Wallet),
			fmt.Sprintf("%d failed attempts in %s; manual intervention required", failures, refundFailureWindow),
			map[string]any{"lobby": lb.ID, "wallet": seat.Wallet, "tx": seat.PaymentTxHash})
		return ErrManualIntervention
	}

	attempt := &models.PayoutAttempt{
		ID:            uuid.New(),
		LobbyID:       lb.ID,
		Recipient:     seat.Wallet,
		Amount:        m.cfg.BuyIn,
		AttemptNumber: failures + 1,
		Status:        models.PayoutPending,
		SourceWallet:  "lobby",
	}
	if err := m.store.CreatePayoutAttempt(ctx, attempt); err != nil {
		return err
	}

	hash, err := m.chain.SendToken(ctx, m.wallets[lb.ID],
		common.HexToAddress(seat.Wallet), big.NewInt(m.cfg.BuyIn))
	if err != nil {
		class := chain.Classify(err)
		if rerr := m.store.ResolvePayoutAttempt(ctx, attempt.ID, models.PayoutFailed, "", err.Error(), class.String()); rerr != nil {
			log.Printf("[Lobby] resolve failed attempt %s: %v", attempt.ID, rerr)
		}
		m.alerts.Emit(alerts.SeverityWarning, "refund_failed",
			fmt.Sprintf("Lobby %d refund to %s failed", lb.ID, seat.Wallet),
			err.Error(), map[string]any{"lobby": lb.ID, "class": class.String()})
		return err
	}

	txHex := strings.ToLower(hash.Hex())
	if err := m.store.ResolvePayoutAttempt(ctx, attempt.ID, models.PayoutSuccess, txHex, "", ""); err != nil {
		log.Printf("[Lobby] resolve attempt %s: %v", attempt.ID, err)
	}
	if err := m.store.MarkPlayerRefunded(ctx, seat.ID, reason, txHex); err != nil {
		return fmt.Errorf("mark refunded: %w", err)
	}

	log.Printf("[Lobby] lobby %d refunded %s (%s) tx %s", lb.ID, seat.Wallet, reason, txHex)
	if m.notifier != nil {
		frame := protocol.Marshal(protocol.TypeRefundProcessed, map[string]any{
			"lobbyId": lb.ID,
			"amount":  m.cfg.BuyIn,
			"txHash":  txHex,
			"reason":  reason,
		})
		m.notifier.NotifyUser(seat.UserID, frame)
	}
	return nil
}

// Summaries returns the lobby list for LOBBY_LIST frames.
func (m *Manager) Summaries(ctx context.Context) ([]protocol.LobbySummary, error) {
	lbs, err := m.store.ListLobbies(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]protocol.LobbySummary, 0, len(lbs))
	for _, lb := range lbs {
		players, err := m.store.ActiveLobbyPlayers(ctx, lb.ID)
		if err != nil {
			return nil, err
		}
		s := protocol.LobbySummary{
			ID:             lb.ID,
			Status:         string(lb.Status),
			DepositAddress: lb.DepositAddress,
			PlayerCount:    len(players),
		}
		for _, p := range players {
			s.Players = append(s.Players, p.Wallet)
		}
		if lb.TimeoutAt != nil {
			s.TimeoutAt = lb.TimeoutAt.Unix()
		}
		out = append(out, s)
	}
	return out, nil
}

func (m *Manager) broadcast(lb *models.Lobby, playerCount int) {
	if m.notifier != nil {
		m.notifier.BroadcastLobby(lb, playerCount)
	}
}
