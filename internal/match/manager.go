package match

import (
	"context"
	"crypto/rand"
	"encoding/binary"
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
	"github.com/rawblock/rps-arena/internal/physics"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/pkg/models"
)

// Store is the durable state the match engine touches. Satisfied by
// *db.Store.
type Store interface {
	CreateMatch(ctx context.Context, m *models.Match, players []*models.MatchPlayer) error
	GetMatch(ctx context.Context, id uuid.UUID) (*models.Match, error)
	MarkMatchRunning(ctx context.Context, id uuid.UUID) error
	FinalizeMatch(ctx context.Context, lobbyID int, matchID, winnerID uuid.UUID, reason string, payoutAmount int64, payoutTxHash string) error
	MarkMatchVoid(ctx context.Context, matchID uuid.UUID, reason string) error
	GetMatchPlayers(ctx context.Context, matchID uuid.UUID) ([]*models.MatchPlayer, error)
	MarkPlayerEliminated(ctx context.Context, matchID, userID uuid.UUID, by *uuid.UUID, x, y float64) error
	AppendMatchEvent(ctx context.Context, matchID uuid.UUID, tick int64, eventType string, payload []byte) error
	SaveMatchState(ctx context.Context, matchID uuid.UUID, tick int64, status models.MatchStatus, stateJSON []byte) error
	GetMatchState(ctx context.Context, matchID uuid.UUID) (*models.MatchState, error)
	DeleteMatchState(ctx context.Context, matchID uuid.UUID) error
	GetInterruptedMatches(ctx context.Context) ([]*models.Match, error)
	ListLobbies(ctx context.Context) ([]*models.Lobby, error)
	RecordMatchResult(ctx context.Context, wallet string, won bool, earnings, spent int64) error
	CreatePayoutAttempt(ctx context.Context, a *models.PayoutAttempt) error
	ResolvePayoutAttempt(ctx context.Context, id uuid.UUID, status models.PayoutAttemptStatus, txHash, errMsg, errType string) error
}

// Chain is the slice of chain.Chain settlement and recovery use.
type Chain interface {
	TokenBalance(ctx context.Context, account common.Address) (*big.Int, error)
	SendToken(ctx context.Context, from *chain.Wallet, to common.Address, amount *big.Int) (common.Hash, error)
	TransfersFromSince(ctx context.Context, sender common.Address, since time.Time) ([]chain.TokenTransfer, error)
}

// Wallets exposes the custodial funds side of the lobby layer. Satisfied by
// *lobby.Manager.
type Wallets interface {
	Wallet(lobbyID int) *chain.Wallet
	RefundAll(ctx context.Context, lobbyID int, reason string) error
}

// Broadcaster fans frames out to connected players. Satisfied by the
// gateway hub.
type Broadcaster interface {
	SendToUser(userID uuid.UUID, frame []byte)
	IsConnected(userID uuid.UUID) bool
}

// Deferrer queues non-critical writes. Satisfied by *db.DeferredQueue.
type Deferrer interface {
	Enqueue(op db.DeferredOp) bool
}

// Config holds the match-layer tunables.
type Config struct {
	Physics          physics.Config
	CountdownSeconds int
	ReconnectGrace   time.Duration
	BuyIn            int64
	WinnerPayout     int64
	PersistEvery     int // ticks between MatchState upserts
	SnapshotRate     int // snapshot broadcasts per second
}

// DefaultConfig fills the standard intervals around a physics config.
func DefaultConfig(phys physics.Config) Config {
	return Config{
		Physics:          phys,
		CountdownSeconds: 3,
		ReconnectGrace:   30 * time.Second,
		PersistEvery:     5,
		SnapshotRate:     phys.TickRate,
	}
}

// Manager owns every live match in this process. It implements the lobby
// layer's Engine interface; the in-memory map is process-local by design,
// durability comes from the MatchState snapshots.
type Manager struct {
	store    Store
	chain    Chain
	wallets  Wallets
	alerts   *alerts.Manager
	bcast    Broadcaster
	deferrer Deferrer
	cfg      Config

	mu     sync.RWMutex
	active map[uuid.UUID]*Match
	byUser map[uuid.UUID]*Match
}

// NewManager builds the match manager.
func NewManager(store Store, ch Chain, wallets Wallets, am *alerts.Manager, bcast Broadcaster, deferrer Deferrer, cfg Config) *Manager {
	if cfg.PersistEvery <= 0 {
		cfg.PersistEvery = 5
	}
	if cfg.SnapshotRate <= 0 {
		cfg.SnapshotRate = cfg.Physics.TickRate
	}
	return &Manager{
		store:    store,
		chain:    ch,
		wallets:  wallets,
		alerts:   am,
		bcast:    bcast,
		deferrer: deferrer,
		cfg:      cfg,
		active:   make(map[uuid.UUID]*Match),
		byUser:   make(map[uuid.UUID]*Match),
	}
}

// sampleSeed draws the cryptographic 64-bit match seed. Only the seeding
// source is cryptographic; the in-match stream is the deterministic LCG.
func sampleSeed() (int64, error) {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return 0, fmt.Errorf("sample match seed: %w", err)
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

// StartMatch creates a match for three paid seats and launches its
// lifecycle. Called by the lobby layer with the lobby lock held; everything
// long-running happens on the match's own goroutine.
func (mg *Manager) StartMatch(ctx context.Context, lb *models.Lobby, seats []*models.LobbyPlayer) error {
	if len(seats) != 3 {
		return fmt.Errorf("match requires 3 players, got %d", len(seats))
	}

	seed, err := sampleSeed()
	if err != nil {
		return err
	}
	spawnRNG := physics.NewLCG(seed)
	spawns := mg.cfg.Physics.SpawnPoints(spawnRNG)
	roles := physics.ShuffleRoles(seed)

	rec := &models.Match{
		ID:          uuid.New(),
		LobbyID:     lb.ID,
		Status:      models.MatchCountdown,
		RNGSeed:     seed,
		CountdownAt: time.Now().UTC(),
	}

	players := make([]*Player, 3)
	rows := make([]*models.MatchPlayer, 3)
	for i, seat := range seats {
		isBot := strings.HasPrefix(seat.Wallet, "bot:")
		players[i] = &Player{
			UserID:    seat.UserID,
			Wallet:    seat.Wallet,
			Role:      roles[i],
			IsBot:     isBot,
			Pos:       spawns[i],
			Prev:      spawns[i],
			Alive:     true,
			Connected: isBot || mg.bcast.IsConnected(seat.UserID),
			lastSeq:   -1,
		}
		rows[i] = &models.MatchPlayer{
			MatchID: rec.ID,
			UserID:  seat.UserID,
			Wallet:  seat.Wallet,
			Role:    roles[i],
			SpawnX:  spawns[i].X,
			SpawnY:  spawns[i].Y,
			IsBot:   isBot,
		}
	}

	if err := mg.store.CreateMatch(ctx, rec, rows); err != nil {
		return fmt.Errorf("create match: %w", err)
	}

	mt := newMatch(mg, rec.ID, lb.ID, seed, players)

	mg.mu.Lock()
	mg.active[mt.ID] = mt
	for _, p := range players {
		if !p.IsBot {
			mg.byUser[p.UserID] = mt
		}
	}
	mg.mu.Unlock()

	runCtx, cancel := context.WithCancel(context.Background())
	mt.cancel = cancel
	go mt.run(runCtx)

	log.Printf("[Match] %s started in lobby %d (seed %d)", mt.ID, lb.ID, seed)
	return nil
}

// HasActiveMatch reports whether the match is live in this process.
func (mg *Manager) HasActiveMatch(matchID uuid.UUID) bool {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	_, ok := mg.active[matchID]
	return ok
}

// MatchForUser returns the live match a user plays in, or nil.
func (mg *Manager) MatchForUser(userID uuid.UUID) *Match {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	return mg.byUser[userID]
}

// HandleInput routes one INPUT frame into the user's match.
func (mg *Manager) HandleInput(userID uuid.UUID, in *protocol.Input) {
	if mt := mg.MatchForUser(userID); mt != nil {
		mt.ApplyInput(userID, in)
	}
}

// HandleDisconnect marks the player disconnected and starts their grace.
func (mg *Manager) HandleDisconnect(userID uuid.UUID) {
	if mt := mg.MatchForUser(userID); mt != nil {
		mt.Disconnect(userID)
	}
}

// HandleReconnect restores connectivity and returns the RECONNECT_STATE
// frame, or nil when the user has no live match.
func (mg *Manager) HandleReconnect(userID uuid.UUID) []byte {
	if mt := mg.MatchForUser(userID); mt != nil {
		return mt.Reconnect(userID)
	}
	return nil
}

// matches snapshots the active set.
func (mg *Manager) matches() []*Match {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	out := make([]*Match, 0, len(mg.active))
	for _, mt := range mg.active {
		out = append(out, mt)
	}
	return out
}

// ActiveCount reports the number of live matches for /api/health.
func (mg *Manager) ActiveCount() int {
	mg.mu.RLock()
	defer mg.mu.RUnlock()
	return len(mg.active)
}

// TickAges reports seconds since each live match's last successful tick.
func (mg *Manager) TickAges() map[string]float64 {
	out := make(map[string]float64)
	for _, mt := range mg.matches() {
		out[mt.ID.String()] = mt.TickAge().Seconds()
	}
	return out
}

// remove drops a settled match from the in-memory maps.
func (mg *Manager) remove(mt *Match) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	delete(mg.active, mt.ID)
	for userID, m := range mg.byUser {
		if m == mt {
			delete(mg.byUser, userID)
		}
	}
}

// Shutdown voids every live match with reason server_restart. Refunds are
// deliberately left to the next startup's recovery pass so a slow chain
// cannot stall process exit.
func (mg *Manager) Shutdown(ctx context.Context) {
	for _, mt := range mg.matches() {
		mt.mu.Lock()
		stopped := mt.ending
		mt.ending = true
		if mt.cancel != nil {
			mt.cancel()
		}
		mt.mu.Unlock()
		if stopped {
			continue // settlement already owns this match
		}

		if err := mg.store.MarkMatchVoid(ctx, mt.ID, "server_restart"); err != nil {
			log.Printf("[Match] shutdown void %s: %v", mt.ID, err)
			continue
		}
		if err := mg.store.DeleteMatchState(ctx, mt.ID); err != nil {
			log.Printf("[Match] shutdown delete state %s: %v", mt.ID, err)
		}
		log.Printf("[Match] %s voided for shutdown", mt.ID)
	}
}
