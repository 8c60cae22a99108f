package protocol

import (
	"encoding/json"
	"log"
	"math"
)

// Server → client message types.
const (
	TypeWelcome          = "WELCOME"
	TypeLobbyList        = "LOBBY_LIST"
	TypeLobbyUpdate      = "LOBBY_UPDATE"
	TypeRefundProcessed  = "REFUND_PROCESSED"
	TypeMatchStarting    = "MATCH_STARTING"
	TypeRoleAssignment   = "ROLE_ASSIGNMENT"
	TypeCountdown        = "COUNTDOWN"
	TypeSnapshot         = "SNAPSHOT"
	TypeElimination      = "ELIMINATION"
	TypeBounce           = "BOUNCE"
	TypeMatchEnd         = "MATCH_END"
	TypePong             = "PONG"
	TypeError            = "ERROR"
	TypePlayerDisconnect = "PLAYER_DISCONNECT"
	TypePlayerReconnect  = "PLAYER_RECONNECT"
	TypeReconnectState   = "RECONNECT_STATE"
	TypeTokenUpdate      = "TOKEN_UPDATE"
	TypeShowdownStart    = "SHOWDOWN_START"
	TypeShowdownReady    = "SHOWDOWN_READY"
	TypeHeartCaptured    = "HEART_CAPTURED"
)

// SnapshotPlayer is one player's authoritative state in a SNAPSHOT frame.
// Positions are rounded to two decimals to keep frames compact.
type SnapshotPlayer struct {
	ID    string  `json:"id"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Alive bool    `json:"alive"`
	Role  string  `json:"role"`
}

// HeartView is a heart's public state during showdown.
type HeartView struct {
	ID       int     `json:"id"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Captured bool    `json:"captured"`
}

// LobbySummary is the public view of one lobby in LOBBY_LIST/LOBBY_UPDATE.
type LobbySummary struct {
	ID             int      `json:"id"`
	Status         string   `json:"status"`
	DepositAddress string   `json:"depositAddress"`
	PlayerCount    int      `json:"playerCount"`
	Players        []string `json:"players,omitempty"` // wallets
	TimeoutAt      int64    `json:"timeoutAt,omitempty"`
}

// Round2 rounds to two decimal places, the snapshot wire precision.
func Round2(v float64) float64 { return math.Round(v*100) / 100 }

// Marshal wraps a payload with its type tag and serializes it. Marshal
// failures indicate a programming error; they are logged and yield nil so
// the send path drops the frame instead of panicking mid-tick.
func Marshal(msgType string, payload map[string]any) []byte {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["type"] = msgType
	out, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[Protocol] marshal %s failed: %v", msgType, err)
		return nil
	}
	return out
}

// ErrorFrame builds an ERROR frame with the numeric code from errors.go.
func ErrorFrame(code int, message string) []byte {
	return Marshal(TypeError, map[string]any{
		"code":    code,
		"message": message,
	})
}

// SnapshotFrame builds a SNAPSHOT with rounded positions.
func SnapshotFrame(tick int64, players []SnapshotPlayer, hearts []HeartView) []byte {
	rounded := make([]SnapshotPlayer, len(players))
	for i, p := range players {
		p.X = Round2(p.X)
		p.Y = Round2(p.Y)
		rounded[i] = p
	}
	payload := map[string]any{
		"tick":    tick,
		"players": rounded,
	}
	if hearts != nil {
		hv := make([]HeartView, len(hearts))
		for i, h := range hearts {
			h.X = Round2(h.X)
			h.Y = Round2(h.Y)
			hv[i] = h
		}
		payload["hearts"] = hv
	}
	return Marshal(TypeSnapshot, payload)
}
