package match

import (
	"github.com/rawblock/rps-arena/internal/physics"
	"github.com/rawblock/rps-arena/internal/protocol"
)

// Showdown tunables. The freeze gives both players time to see the
// transition before the hearts appear.
const (
	showdownFreezeSeconds = 3
	heartsToWin           = 2
)

// showdown is the two-player endgame. Roles stop mattering; the first
// player to capture two hearts wins the match.
type showdown struct {
	hearts      []physics.Heart
	freezeUntil int64 // tick at which movement resumes and hearts reveal
	revealed    bool
	toWin       int
}

// frozen reports whether all movement is suspended at the given tick.
func (s *showdown) frozen(tick int64) bool {
	return tick < s.freezeUntil
}

func (s *showdown) heartViews() []protocol.HeartView {
	out := make([]protocol.HeartView, len(s.hearts))
	for i, h := range s.hearts {
		out[i] = protocol.HeartView{
			ID:       h.ID,
			X:        h.Pos.X,
			Y:        h.Pos.Y,
			Captured: h.Captured,
		}
	}
	return out
}

// beginShowdownLocked transitions the match into the endgame. Heart
// placement derives from the match seed, so a replay of the same seed
// produces the same layout.
func (m *Match) beginShowdownLocked() {
	alive := m.alivePlayersLocked()
	ids := make([]string, len(alive))
	for i, p := range alive {
		ids[i] = p.UserID.String()
		p.hearts = 0
		p.target = nil
		p.dirX, p.dirY = 0, 0
	}

	m.showdown = &showdown{
		hearts:      m.cfg.Physics.SpawnHearts(m.seed),
		freezeUntil: m.tick + int64(showdownFreezeSeconds*m.cfg.Physics.TickRate),
		toWin:       heartsToWin,
	}

	m.broadcast(protocol.Marshal(protocol.TypeShowdownStart, map[string]any{
		"matchId":       m.ID.String(),
		"tick":          m.tick,
		"players":       ids,
		"freezeSeconds": showdownFreezeSeconds,
		"heartsToWin":   heartsToWin,
	}))
	m.logEvent(m.tick, "showdown_start", map[string]any{"players": ids})
}

// tickShowdownLocked runs the endgame portion of one tick: reveal the
// hearts when the freeze elapses, then test captures and the win
// threshold.
func (m *Match) tickShowdownLocked() {
	s := m.showdown

	if !s.revealed {
		if s.frozen(m.tick) {
			return
		}
		s.revealed = true
		m.broadcast(protocol.Marshal(protocol.TypeShowdownReady, map[string]any{
			"matchId": m.ID.String(),
			"tick":    m.tick,
			"hearts":  s.heartViews(),
		}))
		m.logEvent(m.tick, "showdown_ready", nil)
		return
	}

	for _, p := range m.alivePlayersLocked() {
		// The aim point sharpens the capture test for target-seeking
		// movement; directional movers test against their position.
		aim := p.Pos
		if p.target != nil {
			aim = *p.target
		}
		for i := range s.hearts {
			h := &s.hearts[i]
			if !m.cfg.Physics.CanCapture(p.Prev, p.Pos, aim, *h) {
				continue
			}
			h.Captured = true
			p.hearts++
			m.broadcast(protocol.Marshal(protocol.TypeHeartCaptured, map[string]any{
				"matchId": m.ID.String(),
				"tick":    m.tick,
				"heartId": h.ID,
				"userId":  p.UserID.String(),
				"hearts":  p.hearts,
			}))
			m.logEvent(m.tick, "heart_captured", map[string]any{
				"heartId": h.ID,
				"userId":  p.UserID.String(),
				"hearts":  p.hearts,
			})
		}
	}

	var leaders []*Player
	for _, p := range m.alivePlayersLocked() {
		if p.hearts >= s.toWin {
			leaders = append(leaders, p)
		}
	}
	switch len(leaders) {
	case 0:
		return
	case 1:
		m.endLocked(leaders[0], "showdown_winner")
	default:
		// Both crossed the threshold on the same tick. The match RNG
		// breaks the tie so the outcome is reproducible from the seed.
		winner := leaders[m.rng.IntN(len(leaders))]
		m.logEvent(m.tick, "showdown_tiebreak", map[string]any{
			"winner": winner.UserID.String(),
		})
		m.endLocked(winner, "showdown_winner_tiebreak")
	}
}
