package match

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/internal/db"
	"github.com/rawblock/rps-arena/internal/physics"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/pkg/models"
)

type fakeStore struct {
	mu sync.Mutex

	created     *models.Match
	createdRows []*models.MatchPlayer
	finalized   bool
	finalReason string
	finalPayout int64
	finalTx     string
	finalWinner uuid.UUID
	voided      bool
	voidReason  string
	events      []string
	savedStates int
	stateGone   bool
	attempts    []*models.PayoutAttempt
	resolved    map[uuid.UUID]models.PayoutAttemptStatus
	stats       map[string]bool // wallet → won

	interrupted []*models.Match
	players     []*models.MatchPlayer
	lobbies     []*models.Lobby
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		resolved: make(map[uuid.UUID]models.PayoutAttemptStatus),
		stats:    make(map[string]bool),
	}
}

func (f *fakeStore) CreateMatch(_ context.Context, m *models.Match, players []*models.MatchPlayer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = m
	f.createdRows = players
	return nil
}

func (f *fakeStore) GetMatch(_ context.Context, id uuid.UUID) (*models.Match, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.created != nil && f.created.ID == id {
		return f.created, nil
	}
	for _, m := range f.interrupted {
		if m.ID == id {
			return m, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) MarkMatchRunning(context.Context, uuid.UUID) error { return nil }

func (f *fakeStore) FinalizeMatch(_ context.Context, _ int, _ uuid.UUID, winnerID uuid.UUID, reason string, payout int64, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = true
	f.finalWinner = winnerID
	f.finalReason = reason
	f.finalPayout = payout
	f.finalTx = txHash
	return nil
}

func (f *fakeStore) MarkMatchVoid(_ context.Context, _ uuid.UUID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.voided = true
	f.voidReason = reason
	return nil
}

func (f *fakeStore) GetMatchPlayers(context.Context, uuid.UUID) ([]*models.MatchPlayer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.players, nil
}

func (f *fakeStore) MarkPlayerEliminated(context.Context, uuid.UUID, uuid.UUID, *uuid.UUID, float64, float64) error {
	return nil
}

func (f *fakeStore) AppendMatchEvent(_ context.Context, _ uuid.UUID, _ int64, eventType string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, eventType)
	return nil
}

func (f *fakeStore) SaveMatchState(context.Context, uuid.UUID, int64, models.MatchStatus, []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.savedStates++
	return nil
}

func (f *fakeStore) GetMatchState(context.Context, uuid.UUID) (*models.MatchState, error) {
	return nil, db.ErrNotFound
}

func (f *fakeStore) DeleteMatchState(context.Context, uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stateGone = true
	return nil
}

func (f *fakeStore) GetInterruptedMatches(context.Context) ([]*models.Match, error) {
	return f.interrupted, nil
}

func (f *fakeStore) ListLobbies(context.Context) ([]*models.Lobby, error) {
	return f.lobbies, nil
}

func (f *fakeStore) RecordMatchResult(_ context.Context, wallet string, won bool, _, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stats[wallet] = won
	return nil
}

func (f *fakeStore) CreatePayoutAttempt(_ context.Context, a *models.PayoutAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attempts = append(f.attempts, a)
	return nil
}

func (f *fakeStore) ResolvePayoutAttempt(_ context.Context, id uuid.UUID, status models.PayoutAttemptStatus, _, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved[id] = status
	return nil
}

func (f *fakeStore) wasVoided() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.voided, f.voidReason
}

type fakeChain struct {
	mu        sync.Mutex
	tokenBal  *big.Int
	sendErr   error
	sent      []common.Address
	transfers []chain.TokenTransfer
	scanErr   error
}

func (f *fakeChain) TokenBalance(context.Context, common.Address) (*big.Int, error) {
	if f.tokenBal == nil {
		return big.NewInt(0), nil
	}
	return f.tokenBal, nil
}

func (f *fakeChain) SendToken(_ context.Context, _ *chain.Wallet, to common.Address, _ *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.sent = append(f.sent, to)
	return common.HexToHash("0xabc123"), nil
}

func (f *fakeChain) TransfersFromSince(context.Context, common.Address, time.Time) ([]chain.TokenTransfer, error) {
	if f.scanErr != nil {
		return nil, f.scanErr
	}
	return f.transfers, nil
}

func (f *fakeChain) sendCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type fakeWallets struct {
	mu       sync.Mutex
	refunded []string // reasons, in order
}

func (f *fakeWallets) Wallet(int) *chain.Wallet {
	return &chain.Wallet{Address: common.HexToAddress("0x00000000000000000000000000000000000000aa")}
}

func (f *fakeWallets) RefundAll(_ context.Context, _ int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refunded = append(f.refunded, reason)
	return nil
}

func (f *fakeWallets) refundReasons() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.refunded))
	copy(out, f.refunded)
	return out
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	frames map[uuid.UUID][][]byte
}

func newFakeBroadcaster() *fakeBroadcaster {
	return &fakeBroadcaster{frames: make(map[uuid.UUID][][]byte)}
}

func (f *fakeBroadcaster) SendToUser(userID uuid.UUID, frame []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames[userID] = append(f.frames[userID], frame)
}

func (f *fakeBroadcaster) IsConnected(uuid.UUID) bool { return true }

// typesFor decodes the type tag of every frame sent to one user.
func (f *fakeBroadcaster) typesFor(userID uuid.UUID) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, frame := range f.frames[userID] {
		var env struct {
			Type string `json:"type"`
		}
		if json.Unmarshal(frame, &env) == nil {
			out = append(out, env.Type)
		}
	}
	return out
}

// syncDeferrer runs every op inline so tests observe writes immediately.
type syncDeferrer struct{}

func (syncDeferrer) Enqueue(op db.DeferredOp) bool {
	_ = op.Fn(context.Background())
	return true
}

func testConfig() Config {
	return Config{
		Physics:          physics.DefaultConfig(),
		CountdownSeconds: 0,
		ReconnectGrace:   30 * time.Second,
		BuyIn:            1_000_000,
		WinnerPayout:     2_400_000,
		PersistEvery:     5,
		SnapshotRate:     30,
	}
}

func testManager(store *fakeStore, ch *fakeChain, wallets *fakeWallets, bcast *fakeBroadcaster) *Manager {
	return NewManager(store, ch, wallets, alerts.NewManager(nil), bcast, syncDeferrer{}, testConfig())
}

// testMatch builds a running match with explicit roles and positions,
// bypassing the countdown.
func testMatch(t *testing.T, mgr *Manager, roles [3]models.Role, positions [3]physics.Vec) (*Match, [3]*Player) {
	t.Helper()
	var players [3]*Player
	for i := range players {
		players[i] = &Player{
			UserID:    uuid.New(),
			Wallet:    "0x000000000000000000000000000000000000000" + string(rune('1'+i)),
			Role:      roles[i],
			Pos:       positions[i],
			Prev:      positions[i],
			Alive:     true,
			Connected: true,
			lastSeq:   -1,
		}
	}
	m := newMatch(mgr, uuid.New(), 1, 42, players[:])
	m.status = models.MatchRunning
	_, m.cancel = context.WithCancel(context.Background())
	mgr.mu.Lock()
	mgr.active[m.ID] = m
	for _, p := range players {
		mgr.byUser[p.UserID] = m
	}
	mgr.mu.Unlock()
	return m, players
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func TestCollisionEliminatesAndOpensShowdown(t *testing.T) {
	store := newFakeStore()
	bcast := newFakeBroadcaster()
	mgr := testManager(store, &fakeChain{}, &fakeWallets{}, bcast)

	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RoleScissors, models.RolePaper},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 210, Y: 200}, {X: 1400, Y: 800}})

	require.NoError(t, m.doTick(context.Background()))

	assert.True(t, players[0].Alive, "rock survives")
	assert.False(t, players[1].Alive, "scissors eliminated by rock")
	assert.True(t, players[2].Alive)
	require.NotNil(t, m.showdown, "two alive opens the showdown")
	assert.True(t, m.showdown.frozen(m.tick))

	types := bcast.typesFor(players[0].UserID)
	assert.True(t, contains(types, protocol.TypeElimination))
	assert.True(t, contains(types, protocol.TypeShowdownStart))
}

func TestSameRoleCollisionBounces(t *testing.T) {
	store := newFakeStore()
	bcast := newFakeBroadcaster()
	mgr := testManager(store, &fakeChain{}, &fakeWallets{}, bcast)

	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RoleRock, models.RolePaper},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 205, Y: 200}, {X: 1400, Y: 800}})

	require.NoError(t, m.doTick(context.Background()))

	assert.True(t, players[0].Alive)
	assert.True(t, players[1].Alive)
	assert.True(t, contains(bcast.typesFor(players[0].UserID), protocol.TypeBounce))
}

func TestInputSequencesMustIncrease(t *testing.T) {
	mgr := testManager(newFakeStore(), &fakeChain{}, &fakeWallets{}, newFakeBroadcaster())
	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 800, Y: 450}, {X: 1400, Y: 700}})

	one := 1
	zero := 0
	m.ApplyInput(players[0].UserID, &protocol.Input{Sequence: 5, DirX: &one, DirY: &zero})
	assert.Equal(t, 1, players[0].dirX)

	minusOne := -1
	m.ApplyInput(players[0].UserID, &protocol.Input{Sequence: 3, DirX: &minusOne, DirY: &zero})
	assert.Equal(t, 1, players[0].dirX, "stale sequence ignored")

	m.ApplyInput(players[0].UserID, &protocol.Input{Sequence: 6, DirX: &minusOne, DirY: &zero})
	assert.Equal(t, -1, players[0].dirX)
}

func TestGraceExpiryEliminates(t *testing.T) {
	store := newFakeStore()
	mgr := testManager(store, &fakeChain{}, &fakeWallets{}, newFakeBroadcaster())
	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 800, Y: 450}, {X: 1400, Y: 700}})

	players[1].Connected = false
	players[1].DisconnectedAt = time.Now().Add(-m.cfg.ReconnectGrace - time.Second)

	require.NoError(t, m.doTick(context.Background()))
	assert.False(t, players[1].Alive)
	require.NotNil(t, m.showdown)
}

func TestMassDisconnectVoidsMatch(t *testing.T) {
	store := newFakeStore()
	wallets := &fakeWallets{}
	mgr := testManager(store, &fakeChain{}, wallets, newFakeBroadcaster())
	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 800, Y: 450}, {X: 1400, Y: 700}})

	for _, p := range players {
		p.Connected = false
		p.DisconnectedAt = time.Now()
	}

	require.NoError(t, m.doTick(context.Background()))

	require.Eventually(t, func() bool {
		voided, reason := store.wasVoided()
		return voided && reason == "mass_disconnect"
	}, 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return contains(wallets.refundReasons(), "mass_disconnect")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestShowdownCaptureToTwoHeartsWins(t *testing.T) {
	store := newFakeStore()
	ch := &fakeChain{tokenBal: big.NewInt(3_000_000)}
	wallets := &fakeWallets{}
	bcast := newFakeBroadcaster()
	mgr := testManager(store, ch, wallets, bcast)

	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors},
		[3]physics.Vec{{X: 400, Y: 400}, {X: 420, Y: 400}, {X: 1400, Y: 700}})
	players[2].Alive = false

	// Two hearts directly under player 0, one far away for player 1.
	m.showdown = &showdown{
		hearts: []physics.Heart{
			{ID: 0, Pos: physics.Vec{X: 400, Y: 400}},
			{ID: 1, Pos: physics.Vec{X: 405, Y: 400}},
			{ID: 2, Pos: physics.Vec{X: 1200, Y: 200}},
		},
		revealed: true,
		toWin:    heartsToWin,
	}

	require.NoError(t, m.doTick(context.Background()))

	assert.Equal(t, 2, players[0].hearts)
	assert.True(t, m.ending)

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.finalized
	}, 3*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	assert.Equal(t, players[0].UserID, store.finalWinner)
	assert.Equal(t, "showdown_winner", store.finalReason)
	assert.Equal(t, int64(2_400_000), store.finalPayout)
	store.mu.Unlock()
	assert.Equal(t, 1, ch.sendCount())
}

func TestPayoutFailureVoidsAndRefunds(t *testing.T) {
	store := newFakeStore()
	ch := &fakeChain{tokenBal: big.NewInt(3_000_000), sendErr: errors.New("insufficient funds for gas")}
	wallets := &fakeWallets{}
	mgr := testManager(store, ch, wallets, newFakeBroadcaster())

	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 800, Y: 450}, {X: 1400, Y: 700}})

	m.payWinner(context.Background(), players[0], "last_standing")

	voided, reason := store.wasVoided()
	assert.True(t, voided)
	assert.Equal(t, "payout_failed", reason)
	assert.Equal(t, []string{"payout_failed"}, wallets.refundReasons())

	store.mu.Lock()
	require.Len(t, store.attempts, 1)
	assert.Equal(t, models.PayoutFailed, store.resolved[store.attempts[0].ID])
	store.mu.Unlock()
}

func TestInsufficientEscrowVoidsWithoutSend(t *testing.T) {
	store := newFakeStore()
	ch := &fakeChain{tokenBal: big.NewInt(100)}
	wallets := &fakeWallets{}
	mgr := testManager(store, ch, wallets, newFakeBroadcaster())

	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 800, Y: 450}, {X: 1400, Y: 700}})

	m.payWinner(context.Background(), players[0], "last_standing")

	voided, reason := store.wasVoided()
	assert.True(t, voided)
	assert.Equal(t, "insufficient_balance", reason)
	assert.Equal(t, 0, ch.sendCount())
}

func TestBotWinnerGetsNoPayout(t *testing.T) {
	store := newFakeStore()
	ch := &fakeChain{tokenBal: big.NewInt(3_000_000)}
	mgr := testManager(store, ch, &fakeWallets{}, newFakeBroadcaster())

	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 800, Y: 450}, {X: 1400, Y: 700}})
	players[0].IsBot = true
	players[0].Wallet = "bot:alpha"

	m.payWinner(context.Background(), players[0], "last_standing")

	assert.Equal(t, 0, ch.sendCount())
	store.mu.Lock()
	assert.True(t, store.finalized)
	assert.Equal(t, int64(0), store.finalPayout)
	assert.Empty(t, store.finalTx)
	_, botInStats := store.stats["bot:alpha"]
	assert.False(t, botInStats, "bots stay off the leaderboard")
	store.mu.Unlock()
}

func TestSettledMatchIsNotPaidTwice(t *testing.T) {
	store := newFakeStore()
	ch := &fakeChain{tokenBal: big.NewInt(3_000_000)}
	mgr := testManager(store, ch, &fakeWallets{}, newFakeBroadcaster())

	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 800, Y: 450}, {X: 1400, Y: 700}})

	store.mu.Lock()
	store.created = &models.Match{ID: m.ID, PayoutTxHash: "0xdeadbeef"}
	store.mu.Unlock()

	m.payWinner(context.Background(), players[0], "last_standing")
	assert.Equal(t, 0, ch.sendCount())
}

func TestSnapshotCadenceFollowsAccumulator(t *testing.T) {
	store := newFakeStore()
	bcast := newFakeBroadcaster()
	mgr := testManager(store, &fakeChain{}, &fakeWallets{}, bcast)
	mgr.cfg.SnapshotRate = 15 // half the tick rate

	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 800, Y: 450}, {X: 1400, Y: 700}})
	m.cfg.SnapshotRate = 15

	for i := 0; i < 10; i++ {
		require.NoError(t, m.doTick(context.Background()))
	}

	snaps := 0
	for _, tp := range bcast.typesFor(players[0].UserID) {
		if tp == protocol.TypeSnapshot {
			snaps++
		}
	}
	assert.Equal(t, 5, snaps, "half-rate snapshots over 10 ticks")

	store.mu.Lock()
	assert.Equal(t, 2, store.savedStates, "state persisted every 5 ticks")
	store.mu.Unlock()
}

func TestRecoveryFinalizesWhenPayoutFoundOnChain(t *testing.T) {
	winner := uuid.New()
	matchID := uuid.New()
	store := newFakeStore()
	store.interrupted = []*models.Match{{
		ID:          matchID,
		LobbyID:     1,
		Status:      models.MatchRunning,
		CountdownAt: time.Now().Add(-time.Minute),
	}}
	store.players = []*models.MatchPlayer{
		{MatchID: matchID, UserID: winner, Wallet: "0x00000000000000000000000000000000000000b1"},
		{MatchID: matchID, UserID: uuid.New(), Wallet: "0x00000000000000000000000000000000000000b2"},
		{MatchID: matchID, UserID: uuid.New(), Wallet: "0x00000000000000000000000000000000000000b3"},
	}
	ch := &fakeChain{transfers: []chain.TokenTransfer{{
		TxHash: common.HexToHash("0xfeed"),
		To:     common.HexToAddress("0x00000000000000000000000000000000000000b1"),
		Amount: big.NewInt(2_400_000),
	}}}
	wallets := &fakeWallets{}
	mgr := testManager(store, ch, wallets, newFakeBroadcaster())

	require.NoError(t, mgr.RecoverInterrupted(context.Background()))

	store.mu.Lock()
	assert.True(t, store.finalized)
	assert.Equal(t, winner, store.finalWinner)
	assert.Equal(t, "recovered_payout", store.finalReason)
	voided := store.voided
	store.mu.Unlock()
	assert.False(t, voided)
	assert.Empty(t, wallets.refundReasons(), "a found payout must never also refund")
}

func TestRecoveryVoidsAndRefundsWhenNoPayoutFound(t *testing.T) {
	matchID := uuid.New()
	store := newFakeStore()
	store.interrupted = []*models.Match{{
		ID:          matchID,
		LobbyID:     1,
		Status:      models.MatchCountdown,
		CountdownAt: time.Now().Add(-time.Minute),
	}}
	store.players = []*models.MatchPlayer{
		{MatchID: matchID, UserID: uuid.New(), Wallet: "0x00000000000000000000000000000000000000c1"},
	}
	wallets := &fakeWallets{}
	mgr := testManager(store, &fakeChain{}, wallets, newFakeBroadcaster())

	require.NoError(t, mgr.RecoverInterrupted(context.Background()))

	voided, reason := store.wasVoided()
	assert.True(t, voided)
	assert.Equal(t, "server_restart", reason)
	assert.Equal(t, []string{"server_restart"}, wallets.refundReasons())
	store.mu.Lock()
	assert.True(t, store.stateGone)
	store.mu.Unlock()
}

func TestRecoveryLeavesMatchWhenScanFails(t *testing.T) {
	matchID := uuid.New()
	store := newFakeStore()
	store.interrupted = []*models.Match{{
		ID:          matchID,
		LobbyID:     1,
		Status:      models.MatchRunning,
		CountdownAt: time.Now().Add(-time.Minute),
	}}
	store.players = []*models.MatchPlayer{
		{MatchID: matchID, UserID: uuid.New(), Wallet: "0x00000000000000000000000000000000000000d1"},
	}
	wallets := &fakeWallets{}
	mgr := testManager(store, &fakeChain{scanErr: errors.New("rpc: connection refused")}, wallets, newFakeBroadcaster())

	require.NoError(t, mgr.RecoverInterrupted(context.Background()))

	voided, _ := store.wasVoided()
	assert.False(t, voided, "unreconciled match must not be voided")
	store.mu.Lock()
	assert.False(t, store.finalized)
	store.mu.Unlock()
	assert.Empty(t, wallets.refundReasons())
}

func TestRecoveryRefundsOrphanedInProgressLobby(t *testing.T) {
	store := newFakeStore()
	store.lobbies = []*models.Lobby{
		{ID: 1, Status: models.LobbyInProgress},
		{ID: 2, Status: models.LobbyEmpty},
	}
	wallets := &fakeWallets{}
	mgr := testManager(store, &fakeChain{}, wallets, newFakeBroadcaster())

	require.NoError(t, mgr.RecoverInterrupted(context.Background()))
	assert.Equal(t, []string{"server_restart"}, wallets.refundReasons())
}

func TestReconnectReturnsFullState(t *testing.T) {
	mgr := testManager(newFakeStore(), &fakeChain{}, &fakeWallets{}, newFakeBroadcaster())
	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 800, Y: 450}, {X: 1400, Y: 700}})

	m.Disconnect(players[0].UserID)
	assert.False(t, players[0].Connected)

	frame := mgr.HandleReconnect(players[0].UserID)
	require.NotNil(t, frame)
	assert.True(t, players[0].Connected)

	var decoded struct {
		Type    string `json:"type"`
		Tick    int64  `json:"tick"`
		Status  string `json:"status"`
		Players []struct {
			ID string `json:"id"`
		} `json:"players"`
	}
	require.NoError(t, json.Unmarshal(frame, &decoded))
	assert.Equal(t, protocol.TypeReconnectState, decoded.Type)
	assert.Equal(t, "running", decoded.Status)
	assert.Len(t, decoded.Players, 3)
}

func TestPersistedStateRoundTrips(t *testing.T) {
	mgr := testManager(newFakeStore(), &fakeChain{}, &fakeWallets{}, newFakeBroadcaster())
	m, players := testMatch(t, mgr,
		[3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors},
		[3]physics.Vec{{X: 200, Y: 200}, {X: 800, Y: 450}, {X: 1400, Y: 700}})
	m.tick = 77
	players[2].Alive = false
	m.showdown = &showdown{
		hearts:      m.cfg.Physics.SpawnHearts(m.seed),
		freezeUntil: 167,
		revealed:    true,
		toWin:       heartsToWin,
	}

	raw, err := m.stateJSONLocked()
	require.NoError(t, err)

	var st persistedState
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, int64(77), st.Tick)
	require.Len(t, st.Players, 3)
	assert.False(t, st.Players[2].Alive)
	require.NotNil(t, st.Showdown)
	assert.Equal(t, int64(167), st.Showdown.FreezeUntil)
	assert.Len(t, st.Showdown.Hearts, physics.HeartCount)
}
