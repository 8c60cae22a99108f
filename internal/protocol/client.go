package protocol

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
)

// Client → server message types.
const (
	TypeHello         = "HELLO"
	TypeJoinLobby     = "JOIN_LOBBY"
	TypeRequestRefund = "REQUEST_REFUND"
	TypePing          = "PING"
	TypeInput         = "INPUT"
)

// PortProfile distinguishes the two listeners. The admin profile skips
// payment verification and accepts pseudo tx hashes for bots and dev flows.
type PortProfile int

const (
	ProfilePublic PortProfile = iota
	ProfileAdmin
)

func (p PortProfile) String() string {
	if p == ProfileAdmin {
		return "admin"
	}
	return "public"
}

var (
	realTxHashRe   = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	pseudoTxHashRe = regexp.MustCompile(`^0x(dev_|bot_tx_)[A-Za-z0-9_]+$`)
)

// ValidTxHash reports whether the hash is acceptable on the given profile.
func ValidTxHash(hash string, profile PortProfile) bool {
	if realTxHashRe.MatchString(hash) {
		return true
	}
	return profile == ProfileAdmin && pseudoTxHashRe.MatchString(hash)
}

// ClientMessage is the sealed set of inbound frames. Decode returns exactly
// one of the concrete types below.
type ClientMessage interface {
	clientMessage()
}

// Hello must be the first frame on every connection.
type Hello struct {
	SessionToken string `json:"sessionToken"`
}

// JoinLobby requests a paid seat in a lobby.
type JoinLobby struct {
	LobbyID       int    `json:"lobbyId"`
	PaymentTxHash string `json:"paymentTxHash"`
}

// RequestRefund asks for the timeout refund of the caller's lobby.
type RequestRefund struct{}

// Ping carries an optional client timestamp for latency sampling.
type Ping struct {
	ClientTime *float64 `json:"clientTime,omitempty"`
}

// Input is one movement command. Humans send a direction, bots send a
// target; exactly one of the two forms must be present.
type Input struct {
	Sequence int64    `json:"sequence"`
	DirX     *int     `json:"dirX,omitempty"`
	DirY     *int     `json:"dirY,omitempty"`
	TargetX  *float64 `json:"targetX,omitempty"`
	TargetY  *float64 `json:"targetY,omitempty"`
	Frozen   *bool    `json:"frozen,omitempty"`
}

func (Hello) clientMessage()         {}
func (JoinLobby) clientMessage()     {}
func (RequestRefund) clientMessage() {}
func (Ping) clientMessage()          {}
func (Input) clientMessage()         {}

// HasDirection reports the human input form.
func (in *Input) HasDirection() bool { return in.DirX != nil && in.DirY != nil }

// HasTarget reports the bot/target input form.
func (in *Input) HasTarget() bool { return in.TargetX != nil && in.TargetY != nil }

type envelope struct {
	Type string `json:"type"`
}

// DecodeError carries the numeric code to surface in the ERROR frame.
type DecodeError struct {
	Code    int
	Message string
}

func (e *DecodeError) Error() string { return e.Message }

func decodeErr(code int, format string, args ...any) error {
	return &DecodeError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Decode parses and validates one inbound text frame. Unknown types and
// schema violations are rejected; validation depends on the listener's
// profile only for the tx hash shape.
func Decode(raw []byte, maxLobbyID int, profile PortProfile) (ClientMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, decodeErr(CodeInternalError, "malformed frame: %v", err)
	}

	switch env.Type {
	case TypeHello:
		var m Hello
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, decodeErr(CodeInvalidSession, "malformed HELLO")
		}
		if m.SessionToken == "" {
			return nil, decodeErr(CodeInvalidSession, "HELLO requires sessionToken")
		}
		return m, nil

	case TypeJoinLobby:
		var m JoinLobby
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, decodeErr(CodeLobbyNotFound, "malformed JOIN_LOBBY")
		}
		if m.LobbyID < 1 || m.LobbyID > maxLobbyID {
			return nil, decodeErr(CodeLobbyNotFound, "lobbyId out of range: %d", m.LobbyID)
		}
		if !ValidTxHash(m.PaymentTxHash, profile) {
			return nil, decodeErr(CodePaymentNotConfirmed, "invalid paymentTxHash")
		}
		return m, nil

	case TypeRequestRefund:
		return RequestRefund{}, nil

	case TypePing:
		var m Ping
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, decodeErr(CodeInternalError, "malformed PING")
		}
		return m, nil

	case TypeInput:
		var m Input
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, decodeErr(CodeInternalError, "malformed INPUT")
		}
		if err := m.validate(); err != nil {
			return nil, err
		}
		return m, nil

	default:
		return nil, decodeErr(CodeInternalError, "unknown message type %q", env.Type)
	}
}

func (in Input) validate() error {
	if in.Sequence < 0 {
		return decodeErr(CodeInternalError, "INPUT sequence must be >= 0")
	}
	switch {
	case in.HasDirection():
		if !validDir(*in.DirX) || !validDir(*in.DirY) {
			return decodeErr(CodeInternalError, "INPUT direction components must be -1, 0 or 1")
		}
	case in.HasTarget():
		if !isFinite(*in.TargetX) || !isFinite(*in.TargetY) {
			return decodeErr(CodeInternalError, "INPUT target must be finite")
		}
	default:
		return decodeErr(CodeInternalError, "INPUT requires dirX/dirY or targetX/targetY")
	}
	return nil
}

func validDir(d int) bool { return d >= -1 && d <= 1 }

func isFinite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }
