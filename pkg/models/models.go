package models

import (
	"time"

	"github.com/google/uuid"
)

// Monetary amounts throughout are integer minor units of the stablecoin
// (6 decimals), never floats.

// Role is a player's assigned hand for the match.
type Role string

const (
	RoleRock     Role = "rock"
	RolePaper    Role = "paper"
	RoleScissors Role = "scissors"
)

// LobbyStatus is the lobby state machine position.
type LobbyStatus string

const (
	LobbyEmpty      LobbyStatus = "empty"
	LobbyWaiting    LobbyStatus = "waiting"
	LobbyReady      LobbyStatus = "ready"
	LobbyInProgress LobbyStatus = "in_progress"
)

// MatchStatus is the match state machine position. "ending" is an in-memory
// transition flag and never persisted.
type MatchStatus string

const (
	MatchCountdown MatchStatus = "countdown"
	MatchRunning   MatchStatus = "running"
	MatchFinished  MatchStatus = "finished"
	MatchVoid      MatchStatus = "void"
)

// User is created on first authenticated wallet login.
type User struct {
	ID          uuid.UUID `json:"id"`
	Wallet      string    `json:"wallet"` // lowercased 0x hex address
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Session is an opaque bearer token tied to a user. Sessions outlive
// websocket connections and rotate on reconnect.
type Session struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"userId"`
	Token     string    `json:"-"` // 32 random bytes, hex
	ExpiresAt time.Time `json:"expiresAt"`
	CreatedAt time.Time `json:"createdAt"`
}

// Lobby is one of the fixed set of escrow rooms created at startup.
type Lobby struct {
	ID              int         `json:"id"` // 1..N, fixed
	Status          LobbyStatus `json:"status"`
	DepositAddress  string      `json:"depositAddress"`
	EncryptedKey    []byte      `json:"-"` // deposit key, AES-GCM sealed
	FirstJoinAt     *time.Time  `json:"firstJoinAt,omitempty"`
	TimeoutAt       *time.Time  `json:"timeoutAt,omitempty"`
	CurrentMatchID  *uuid.UUID  `json:"currentMatchId,omitempty"`
	StuckAlertedAt  *time.Time  `json:"-"`
	LowGasAlertedAt *time.Time  `json:"-"`
}

// LobbyPlayer is a paid seat. The UNIQUE constraint on PaymentTxHash is the
// serverwide race barrier for duplicate admits.
type LobbyPlayer struct {
	ID            uuid.UUID  `json:"id"`
	LobbyID       int        `json:"lobbyId"`
	UserID        uuid.UUID  `json:"userId"`
	Wallet        string     `json:"wallet"`
	PaymentTxHash string     `json:"paymentTxHash"`
	JoinedAt      time.Time  `json:"joinedAt"`
	RefundedAt    *time.Time `json:"refundedAt,omitempty"`
	RefundReason  string     `json:"refundReason,omitempty"`
	RefundTxHash  string     `json:"refundTxHash,omitempty"`
}

// Active reports whether the seat still holds escrowed funds.
func (p *LobbyPlayer) Active() bool { return p.RefundedAt == nil }

// Match is a single three-player game. Terminal states are immutable.
type Match struct {
	ID           uuid.UUID   `json:"id"`
	LobbyID      int         `json:"lobbyId"`
	Status       MatchStatus `json:"status"`
	RNGSeed      int64       `json:"-"` // cryptographically sampled 64-bit seed
	CountdownAt  time.Time   `json:"countdownAt"`
	RunningAt    *time.Time  `json:"runningAt,omitempty"`
	EndedAt      *time.Time  `json:"endedAt,omitempty"`
	EndReason    string      `json:"endReason,omitempty"`
	WinnerID     *uuid.UUID  `json:"winnerId,omitempty"`
	PayoutAmount *int64      `json:"payoutAmount,omitempty"`
	PayoutTxHash string      `json:"payoutTxHash,omitempty"`
}

// MatchPlayer records a player's role, spawn and fate for one match.
type MatchPlayer struct {
	MatchID      uuid.UUID  `json:"matchId"`
	UserID       uuid.UUID  `json:"userId"`
	Wallet       string     `json:"wallet"`
	Role         Role       `json:"role"`
	SpawnX       float64    `json:"spawnX"`
	SpawnY       float64    `json:"spawnY"`
	EliminatedAt *time.Time `json:"eliminatedAt,omitempty"`
	EliminatedBy *uuid.UUID `json:"eliminatedBy,omitempty"`
	FinalX       float64    `json:"finalX"`
	FinalY       float64    `json:"finalY"`
	IsBot        bool       `json:"isBot"`
}

// MatchEvent is one row of the append-only event log.
type MatchEvent struct {
	ID      int64     `json:"id"`
	MatchID uuid.UUID `json:"matchId"`
	Tick    int64     `json:"tick"`
	Type    string    `json:"type"` // start/elimination/bounce/disconnect/end/...
	Payload []byte    `json:"payload"`
}

// MatchState is the recovery-authoritative snapshot of a live match,
// upserted every persistence interval and deleted on terminal states.
type MatchState struct {
	MatchID   uuid.UUID   `json:"matchId"`
	Version   int         `json:"version"`
	Tick      int64       `json:"tick"`
	Status    MatchStatus `json:"status"`
	StateJSON []byte      `json:"stateJson"`
	UpdatedAt time.Time   `json:"updatedAt"`
}

// PayoutAttemptStatus tracks one send attempt's outcome.
type PayoutAttemptStatus string

const (
	PayoutPending PayoutAttemptStatus = "pending"
	PayoutSuccess PayoutAttemptStatus = "success"
	PayoutFailed  PayoutAttemptStatus = "failed"
)

// PayoutAttempt is an audit row for every payout or refund send.
type PayoutAttempt struct {
	ID            uuid.UUID           `json:"id"`
	MatchID       *uuid.UUID          `json:"matchId,omitempty"`
	LobbyID       int                 `json:"lobbyId"`
	Recipient     string              `json:"recipient"`
	Amount        int64               `json:"amount"`
	AttemptNumber int                 `json:"attemptNumber"`
	Status        PayoutAttemptStatus `json:"status"`
	SourceWallet  string              `json:"sourceWallet"` // lobby|treasury
	TxHash        string              `json:"txHash,omitempty"`
	Error         string              `json:"error,omitempty"`
	ErrorType     string              `json:"errorType,omitempty"`
	CreatedAt     time.Time           `json:"createdAt"`
}

// PlayerStats is the per-wallet aggregate, maintained in-DB so concurrent
// match ends cannot race the streak math.
type PlayerStats struct {
	Wallet         string     `json:"wallet"`
	MatchesPlayed  int        `json:"matchesPlayed"`
	Wins           int        `json:"wins"`
	Losses         int        `json:"losses"`
	TotalEarnings  int64      `json:"totalEarnings"`
	TotalSpent     int64      `json:"totalSpent"`
	CurrentStreak  int        `json:"currentStreak"`
	BestStreak     int        `json:"bestStreak"`
	FirstMatchAt   *time.Time `json:"firstMatchAt,omitempty"`
	LastMatchAt    *time.Time `json:"lastMatchAt,omitempty"`
}

// PaidWallet tracks wallets that have completed at least one paid join.
type PaidWallet struct {
	Wallet         string    `json:"wallet"`
	FirstPaymentAt time.Time `json:"firstPaymentAt"`
	TotalPayments  int       `json:"totalPayments"`
	LastPaymentAt  time.Time `json:"lastPaymentAt"`
}
