package protocol

import (
	"encoding/json"
	"testing"
)

const maxLobby = 8

func TestDecodeHello(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"HELLO","sessionToken":"abc123"}`), maxLobby, ProfilePublic)
	if err != nil {
		t.Fatalf("Decode() error: %v", err)
	}
	hello, ok := msg.(Hello)
	if !ok {
		t.Fatalf("expected Hello, got %T", msg)
	}
	if hello.SessionToken != "abc123" {
		t.Errorf("SessionToken = %q", hello.SessionToken)
	}
}

func TestDecodeRejections(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		profile  PortProfile
		wantCode int
	}{
		{"unknown type", `{"type":"NOPE"}`, ProfilePublic, CodeInternalError},
		{"empty hello token", `{"type":"HELLO","sessionToken":""}`, ProfilePublic, CodeInvalidSession},
		{"lobby id zero", `{"type":"JOIN_LOBBY","lobbyId":0,"paymentTxHash":"0x` + hex64() + `"}`, ProfilePublic, CodeLobbyNotFound},
		{"lobby id too high", `{"type":"JOIN_LOBBY","lobbyId":99,"paymentTxHash":"0x` + hex64() + `"}`, ProfilePublic, CodeLobbyNotFound},
		{"bad tx hash", `{"type":"JOIN_LOBBY","lobbyId":1,"paymentTxHash":"0x1234"}`, ProfilePublic, CodePaymentNotConfirmed},
		{"pseudo hash on public port", `{"type":"JOIN_LOBBY","lobbyId":1,"paymentTxHash":"0xbot_tx_7"}`, ProfilePublic, CodePaymentNotConfirmed},
		{"negative sequence", `{"type":"INPUT","sequence":-1,"dirX":0,"dirY":0}`, ProfilePublic, CodeInternalError},
		{"dir out of range", `{"type":"INPUT","sequence":1,"dirX":2,"dirY":0}`, ProfilePublic, CodeInternalError},
		{"input without form", `{"type":"INPUT","sequence":1}`, ProfilePublic, CodeInternalError},
		{"not json", `{{{`, ProfilePublic, CodeInternalError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw), maxLobby, tt.profile)
			if err == nil {
				t.Fatal("expected rejection")
			}
			de, ok := err.(*DecodeError)
			if !ok {
				t.Fatalf("expected *DecodeError, got %T", err)
			}
			if de.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", de.Code, tt.wantCode)
			}
		})
	}
}

func TestDecodeInputForms(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"INPUT","sequence":5,"dirX":-1,"dirY":1}`), maxLobby, ProfilePublic)
	if err != nil {
		t.Fatalf("direction input rejected: %v", err)
	}
	in := msg.(Input)
	if !in.HasDirection() || in.HasTarget() {
		t.Error("expected direction form")
	}

	msg, err = Decode([]byte(`{"type":"INPUT","sequence":6,"targetX":100.5,"targetY":200}`), maxLobby, ProfileAdmin)
	if err != nil {
		t.Fatalf("target input rejected: %v", err)
	}
	in = msg.(Input)
	if !in.HasTarget() {
		t.Error("expected target form")
	}

	if _, err := Decode([]byte(`{"type":"INPUT","sequence":6,"targetX":1e999,"targetY":0}`), maxLobby, ProfileAdmin); err == nil {
		t.Error("non-finite target must be rejected")
	}
}

func TestPseudoHashAllowedOnAdmin(t *testing.T) {
	for _, hash := range []string{"0xdev_alpha", "0xbot_tx_42"} {
		raw := `{"type":"JOIN_LOBBY","lobbyId":2,"paymentTxHash":"` + hash + `"}`
		if _, err := Decode([]byte(raw), maxLobby, ProfileAdmin); err != nil {
			t.Errorf("admin profile rejected %q: %v", hash, err)
		}
	}
}

func TestSnapshotFrameRounding(t *testing.T) {
	frame := SnapshotFrame(42, []SnapshotPlayer{
		{ID: "p1", X: 100.123456, Y: 200.987654, Alive: true, Role: "rock"},
	}, nil)

	var decoded struct {
		Type    string           `json:"type"`
		Tick    int64            `json:"tick"`
		Players []SnapshotPlayer `json:"players"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("snapshot frame not valid JSON: %v", err)
	}
	if decoded.Type != TypeSnapshot || decoded.Tick != 42 {
		t.Errorf("envelope wrong: %+v", decoded)
	}
	if decoded.Players[0].X != 100.12 || decoded.Players[0].Y != 200.99 {
		t.Errorf("positions not rounded to 2 decimals: %+v", decoded.Players[0])
	}
}

func TestErrorFrameRoundTrip(t *testing.T) {
	frame := ErrorFrame(CodeLobbyFull, "lobby is full")
	var decoded struct {
		Type    string `json:"type"`
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.Type != TypeError || decoded.Code != CodeLobbyFull || decoded.Message != "lobby is full" {
		t.Errorf("round trip mismatch: %+v", decoded)
	}
}

func hex64() string {
	out := make([]byte, 64)
	for i := range out {
		out[i] = "0123456789abcdef"[i%16]
	}
	return string(out)
}
