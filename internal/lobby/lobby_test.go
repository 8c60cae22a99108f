package lobby

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/rawblock/rps-arena/internal/alerts"
	"github.com/rawblock/rps-arena/internal/chain"
	"github.com/rawblock/rps-arena/internal/db"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/pkg/models"
)

// ---- fakes ----

type fakeStore struct {
	mu       sync.Mutex
	lobbies  map[int]*models.Lobby
	players  []*models.LobbyPlayer
	users    map[uuid.UUID]*models.User
	attempts []*models.PayoutAttempt
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lobbies: make(map[int]*models.Lobby),
		users:   make(map[uuid.UUID]*models.User),
	}
}

func (f *fakeStore) addUser(wallet string) *models.User {
	f.mu.Lock()
	defer f.mu.Unlock()
	u := &models.User{ID: uuid.New(), Wallet: strings.ToLower(wallet), CreatedAt: time.Now()}
	f.users[u.ID] = u
	return u
}

func (f *fakeStore) EnsureLobby(_ context.Context, id int, addr string, key []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if lb, ok := f.lobbies[id]; ok {
		lb.DepositAddress = addr
		lb.EncryptedKey = key
		return nil
	}
	f.lobbies[id] = &models.Lobby{ID: id, Status: models.LobbyEmpty, DepositAddress: addr, EncryptedKey: key}
	return nil
}

func (f *fakeStore) GetLobby(_ context.Context, id int) (*models.Lobby, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lb, ok := f.lobbies[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	cp := *lb
	return &cp, nil
}

func (f *fakeStore) ListLobbies(_ context.Context) ([]*models.Lobby, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.Lobby
	for i := 1; i <= len(f.lobbies); i++ {
		cp := *f.lobbies[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (f *fakeStore) SetLobbyStatus(_ context.Context, id int, status models.LobbyStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lobbies[id].Status = status
	return nil
}

func (f *fakeStore) MarkFirstJoin(_ context.Context, id int, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lb := f.lobbies[id]
	if lb.FirstJoinAt != nil {
		return nil
	}
	now := time.Now().UTC()
	end := now.Add(timeout)
	lb.Status = models.LobbyWaiting
	lb.FirstJoinAt = &now
	lb.TimeoutAt = &end
	return nil
}

func (f *fakeStore) ClearLobby(_ context.Context, id int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	lb := f.lobbies[id]
	lb.Status = models.LobbyEmpty
	lb.FirstJoinAt = nil
	lb.TimeoutAt = nil
	lb.CurrentMatchID = nil
	return nil
}

func (f *fakeStore) InsertLobbyPlayer(_ context.Context, p *models.LobbyPlayer) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.players {
		if existing.PaymentTxHash == p.PaymentTxHash {
			return &pgconn.PgError{Code: "23505", ConstraintName: "lobby_players_payment_tx_hash_key"}
		}
	}
	cp := *p
	f.players = append(f.players, &cp)
	return nil
}

func (f *fakeStore) ActiveLobbyPlayers(_ context.Context, lobbyID int) ([]*models.LobbyPlayer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*models.LobbyPlayer
	for _, p := range f.players {
		if p.LobbyID == lobbyID && p.RefundedAt == nil {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeStore) FindActiveLobbyForUser(_ context.Context, userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.players {
		if p.UserID == userID && p.RefundedAt == nil {
			return p.LobbyID, nil
		}
	}
	return 0, db.ErrNotFound
}

func (f *fakeStore) PaymentTxHashExists(_ context.Context, txHash string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.players {
		if p.PaymentTxHash == txHash {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) MarkPlayerRefunded(_ context.Context, playerID uuid.UUID, reason, txHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.players {
		if p.ID == playerID && p.RefundedAt == nil {
			now := time.Now().UTC()
			p.RefundedAt = &now
			p.RefundReason = reason
			p.RefundTxHash = txHash
		}
	}
	return nil
}

func (f *fakeStore) GetUser(_ context.Context, id uuid.UUID) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return u, nil
}

func (f *fakeStore) GetUserByWallet(_ context.Context, wallet string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.Wallet == wallet {
			return u, nil
		}
	}
	return nil, db.ErrNotFound
}

func (f *fakeStore) UpsertPaidWallet(context.Context, string) error { return nil }

func (f *fakeStore) CreatePayoutAttempt(_ context.Context, a *models.PayoutAttempt) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *a
	f.attempts = append(f.attempts, &cp)
	return nil
}

func (f *fakeStore) ResolvePayoutAttempt(_ context.Context, id uuid.UUID, status models.PayoutAttemptStatus, txHash, errMsg, errType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, a := range f.attempts {
		if a.ID == id {
			a.Status = status
			a.TxHash = txHash
			a.Error = errMsg
			a.ErrorType = errType
		}
	}
	return nil
}

func (f *fakeStore) CountRecentRefundFailures(_ context.Context, lobbyID int, recipient string, _ time.Duration) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, a := range f.attempts {
		if a.LobbyID == lobbyID && a.Recipient == recipient && a.Status == models.PayoutFailed {
			n++
		}
	}
	return n, nil
}

type fakeChain struct {
	mu        sync.Mutex
	verifyErr error
	tokenBal  *big.Int
	nativeBal *big.Int
	sendErr   error
	sent      int
	transfers []chain.TokenTransfer
	head      uint64
}

func (f *fakeChain) VerifyDeposit(context.Context, common.Hash, common.Address, common.Address, *big.Int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.verifyErr
}

func (f *fakeChain) TokenBalance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.tokenBal == nil {
		return big.NewInt(0), nil
	}
	return new(big.Int).Set(f.tokenBal), nil
}

func (f *fakeChain) NativeBalance(context.Context, common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nativeBal == nil {
		return big.NewInt(1e18), nil
	}
	return new(big.Int).Set(f.nativeBal), nil
}

func (f *fakeChain) SendToken(context.Context, *chain.Wallet, common.Address, *big.Int) (common.Hash, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return common.Hash{}, f.sendErr
	}
	f.sent++
	return common.HexToHash(fmt.Sprintf("0x%064x", f.sent)), nil
}

func (f *fakeChain) TransfersTo(context.Context, common.Address, uint64, uint64) ([]chain.TokenTransfer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transfers, nil
}

func (f *fakeChain) LatestBlock(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.head, nil
}

type fakeEngine struct {
	started chan int // lobby ids
	active  bool
}

func (f *fakeEngine) StartMatch(_ context.Context, lb *models.Lobby, _ []*models.LobbyPlayer) error {
	f.started <- lb.ID
	return nil
}

func (f *fakeEngine) HasActiveMatch(uuid.UUID) bool { return f.active }

// ---- harness ----

func newTestManager(t *testing.T, fc *fakeChain) (*Manager, *fakeStore, *fakeEngine) {
	t.Helper()
	fs := newFakeStore()
	eng := &fakeEngine{started: make(chan int, 4)}

	m, err := NewManager(context.Background(), fs, fc, alerts.NewManager(nil),
		Config{LobbyCount: 2, BuyIn: 1_000_000, LobbyTimeout: 15 * time.Minute},
		[]byte("test-seed-material"), "test-passphrase", "")
	require.NoError(t, err)
	m.SetEngine(eng)
	return m, fs, eng
}

func txHash(n int) string { return fmt.Sprintf("0x%064x", 0xabc0+n) }

// ---- tests ----

func TestJoinFillsLobbyAndStartsMatch(t *testing.T) {
	fc := &fakeChain{tokenBal: big.NewInt(3_000_000)}
	m, fs, eng := newTestManager(t, fc)
	ctx := context.Background()

	u1 := fs.addUser("0x1000000000000000000000000000000000000001")
	u2 := fs.addUser("0x1000000000000000000000000000000000000002")
	u3 := fs.addUser("0x1000000000000000000000000000000000000003")

	lb, players, err := m.Join(ctx, u1.ID, 1, txHash(1))
	require.NoError(t, err)
	require.Equal(t, models.LobbyWaiting, lb.Status)
	require.Len(t, players, 1)
	require.NotNil(t, lb.TimeoutAt)

	_, players, err = m.Join(ctx, u2.ID, 1, txHash(2))
	require.NoError(t, err)
	require.Len(t, players, 2)

	lb, players, err = m.Join(ctx, u3.ID, 1, txHash(3))
	require.NoError(t, err)
	require.Len(t, players, 3)
	require.Equal(t, models.LobbyReady, lb.Status)

	select {
	case id := <-eng.started:
		require.Equal(t, 1, id)
	case <-time.After(2 * time.Second):
		t.Fatal("match never started after third join")
	}
}

func TestJoinRejectsDuplicateTxHash(t *testing.T) {
	fc := &fakeChain{}
	m, fs, _ := newTestManager(t, fc)
	ctx := context.Background()

	u1 := fs.addUser("0x1000000000000000000000000000000000000001")
	u2 := fs.addUser("0x1000000000000000000000000000000000000002")

	_, _, err := m.Join(ctx, u1.ID, 1, txHash(1))
	require.NoError(t, err)

	_, _, err = m.Join(ctx, u2.ID, 1, txHash(1))
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, protocol.CodePaymentNotConfirmed, le.Code)
}

func TestJoinRejectsSecondSeat(t *testing.T) {
	fc := &fakeChain{}
	m, fs, _ := newTestManager(t, fc)
	ctx := context.Background()

	u1 := fs.addUser("0x1000000000000000000000000000000000000001")
	_, _, err := m.Join(ctx, u1.ID, 1, txHash(1))
	require.NoError(t, err)

	_, _, err = m.Join(ctx, u1.ID, 2, txHash(2))
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, protocol.CodeAlreadyInLobby, le.Code)
}

func TestJoinRejectsUnconfirmedDeposit(t *testing.T) {
	fc := &fakeChain{verifyErr: chain.ErrNotEnoughConfirms}
	m, fs, _ := newTestManager(t, fc)

	u1 := fs.addUser("0x1000000000000000000000000000000000000001")
	_, _, err := m.Join(context.Background(), u1.ID, 1, txHash(1))
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, protocol.CodePaymentNotConfirmed, le.Code)

	players, _ := fs.ActiveLobbyPlayers(context.Background(), 1)
	require.Empty(t, players)
}

func TestJoinRejectsUnknownLobby(t *testing.T) {
	m, fs, _ := newTestManager(t, &fakeChain{})
	u1 := fs.addUser("0x1000000000000000000000000000000000000001")

	_, _, err := m.Join(context.Background(), u1.ID, 99, txHash(1))
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, protocol.CodeLobbyNotFound, le.Code)
}

func forceTimeout(fs *fakeStore, lobbyID int) {
	fs.mu.Lock()
	past := time.Now().UTC().Add(-time.Minute)
	fs.lobbies[lobbyID].TimeoutAt = &past
	fs.mu.Unlock()
}

func TestRequestRefundAfterTimeoutClearsLobby(t *testing.T) {
	fc := &fakeChain{}
	m, fs, _ := newTestManager(t, fc)
	ctx := context.Background()

	u1 := fs.addUser("0x1000000000000000000000000000000000000001")
	u2 := fs.addUser("0x1000000000000000000000000000000000000002")
	_, _, err := m.Join(ctx, u1.ID, 1, txHash(1))
	require.NoError(t, err)
	_, _, err = m.Join(ctx, u2.ID, 1, txHash(2))
	require.NoError(t, err)

	forceTimeout(fs, 1)
	require.NoError(t, m.RequestRefund(ctx, u1.ID))

	lb, err := fs.GetLobby(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.LobbyEmpty, lb.Status)
	require.Nil(t, lb.TimeoutAt)

	players, _ := fs.ActiveLobbyPlayers(ctx, 1)
	require.Empty(t, players, "every seat is refunded, not just the caller's")
	require.Equal(t, 2, fc.sent)

	// Second request: the seat is gone.
	err = m.RequestRefund(ctx, u1.ID)
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, protocol.CodeNotInLobby, le.Code)
}

func TestRefundSkipsChainForBotSeats(t *testing.T) {
	fc := &fakeChain{}
	m, fs, _ := newTestManager(t, fc)
	ctx := context.Background()

	human := fs.addUser("0x1000000000000000000000000000000000000001")
	bot := fs.addUser("bot:deadbe")
	_, _, err := m.Join(ctx, human.ID, 1, txHash(1))
	require.NoError(t, err)
	_, _, err = m.JoinTrusted(ctx, bot.ID, 1, "0xbot_tx_deadbe")
	require.NoError(t, err)

	forceTimeout(fs, 1)
	require.NoError(t, m.RequestRefund(ctx, human.ID))

	require.Equal(t, 1, fc.sent, "only the human seat may be refunded on-chain")

	players, _ := fs.ActiveLobbyPlayers(ctx, 1)
	require.Empty(t, players, "bot seat released alongside the human's")

	fs.mu.Lock()
	for _, p := range fs.players {
		if strings.HasPrefix(p.Wallet, "bot:") {
			require.NotNil(t, p.RefundedAt)
			require.Empty(t, p.RefundTxHash, "bot release carries no refund tx")
		}
	}
	fs.mu.Unlock()

	lb, err := fs.GetLobby(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.LobbyEmpty, lb.Status)
}

func TestRequestRefundDeniedBeforeTimeout(t *testing.T) {
	fc := &fakeChain{}
	m, fs, _ := newTestManager(t, fc)
	ctx := context.Background()

	u1 := fs.addUser("0x1000000000000000000000000000000000000001")
	_, _, err := m.Join(ctx, u1.ID, 1, txHash(1))
	require.NoError(t, err)

	err = m.RequestRefund(ctx, u1.ID)
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, protocol.CodeRefundNotAvailable, le.Code)
	require.Equal(t, 0, fc.sent)
}

func TestRequestRefundDeniedOnceReady(t *testing.T) {
	fc := &fakeChain{tokenBal: big.NewInt(3_000_000)}
	m, fs, _ := newTestManager(t, fc)
	ctx := context.Background()

	var last *models.User
	for i := 1; i <= 3; i++ {
		u := fs.addUser(fmt.Sprintf("0x10000000000000000000000000000000000000%02d", i))
		_, _, err := m.Join(ctx, u.ID, 1, txHash(i))
		require.NoError(t, err)
		last = u
	}
	forceTimeout(fs, 1)

	err := m.RequestRefund(ctx, last.ID)
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, protocol.CodeRefundNotAvailable, le.Code)
}

func TestRequestRefundRequiresSeat(t *testing.T) {
	m, fs, _ := newTestManager(t, &fakeChain{})
	ctx := context.Background()

	seated := fs.addUser("0x1000000000000000000000000000000000000001")
	outsider := fs.addUser("0x1000000000000000000000000000000000000002")
	_, _, err := m.Join(ctx, seated.ID, 1, txHash(1))
	require.NoError(t, err)

	err = m.RequestRefund(ctx, outsider.ID)
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, protocol.CodeNotInLobby, le.Code)
}

func TestRefundFailureCutoff(t *testing.T) {
	fc := &fakeChain{}
	m, fs, _ := newTestManager(t, fc)
	ctx := context.Background()

	u1 := fs.addUser("0x1000000000000000000000000000000000000001")
	_, _, err := m.Join(ctx, u1.ID, 1, txHash(1))
	require.NoError(t, err)

	// Seed the audit log at the failure limit.
	for i := 0; i < refundFailureLimit; i++ {
		require.NoError(t, fs.CreatePayoutAttempt(ctx, &models.PayoutAttempt{
			ID: uuid.New(), LobbyID: 1, Recipient: u1.Wallet,
			Status: models.PayoutFailed,
		}))
	}

	forceTimeout(fs, 1)
	require.NoError(t, m.RequestRefund(ctx, u1.ID))
	require.Equal(t, 0, fc.sent, "suspended refund must not touch the chain")

	// The seat stays active for the operator to reconcile.
	players, _ := fs.ActiveLobbyPlayers(ctx, 1)
	require.Len(t, players, 1)
}

func TestRemoveBotFreesSeat(t *testing.T) {
	fc := &fakeChain{}
	m, fs, _ := newTestManager(t, fc)
	ctx := context.Background()

	human := fs.addUser("0x1000000000000000000000000000000000000001")
	bot := fs.addUser("bot:abc123")

	_, _, err := m.Join(ctx, human.ID, 1, txHash(1))
	require.NoError(t, err)
	_, _, err = m.JoinTrusted(ctx, bot.ID, 1, "0xbot_tx_abc123")
	require.NoError(t, err)

	wallet, err := m.RemoveBot(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, "bot:abc123", wallet)
	require.Equal(t, 0, fc.sent, "bot seats release without a chain refund")

	players, _ := fs.ActiveLobbyPlayers(ctx, 1)
	require.Len(t, players, 1)
	require.Equal(t, human.ID, players[0].UserID)

	_, err = m.RemoveBot(ctx, 1)
	var le *Error
	require.ErrorAs(t, err, &le)
	require.Equal(t, protocol.CodeNotInLobby, le.Code)
}

func TestSweeperRefundsTimedOutLobby(t *testing.T) {
	fc := &fakeChain{}
	m, fs, _ := newTestManager(t, fc)
	ctx := context.Background()

	u1 := fs.addUser("0x1000000000000000000000000000000000000001")
	_, _, err := m.Join(ctx, u1.ID, 1, txHash(1))
	require.NoError(t, err)

	forceTimeout(fs, 1)

	sw := NewSweeper(fs, fc, alerts.NewManager(nil), m, nil)
	sw.sweepOnce(ctx)

	lb, err := fs.GetLobby(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, models.LobbyEmpty, lb.Status)

	players, _ := fs.ActiveLobbyPlayers(ctx, 1)
	require.Empty(t, players)
	require.Equal(t, 1, fc.sent)
}

func TestDepositMonitorSeatsExactPayment(t *testing.T) {
	fc := &fakeChain{head: 100}
	m, fs, _ := newTestManager(t, fc)
	ctx := context.Background()

	payer := fs.addUser("0x2000000000000000000000000000000000000001")

	dm := NewDepositMonitor(fs, fc, m, 3)
	require.NoError(t, dm.scanOnce(ctx)) // first cycle only sets cursors

	fc.mu.Lock()
	fc.head = 110
	fc.transfers = []chain.TokenTransfer{
		{
			TxHash: common.HexToHash(txHash(7)),
			From:   common.HexToAddress(payer.Wallet),
			Amount: big.NewInt(1_000_000),
		},
		{
			// Wrong amount: must be ignored.
			TxHash: common.HexToHash(txHash(8)),
			From:   common.HexToAddress(payer.Wallet),
			Amount: big.NewInt(500_000),
		},
	}
	fc.mu.Unlock()

	require.NoError(t, dm.scanOnce(ctx))

	players, err := fs.ActiveLobbyPlayers(ctx, 1)
	require.NoError(t, err)
	require.Len(t, players, 1)
	require.Equal(t, payer.ID, players[0].UserID)
	require.Equal(t, txHash(7), players[0].PaymentTxHash)
}
