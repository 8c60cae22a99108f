package match

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/rps-arena/internal/db"
	"github.com/rawblock/rps-arena/internal/physics"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/pkg/models"
)

// maxConsecutiveTickErrors is the transient-error budget before the match
// is voided.
const maxConsecutiveTickErrors = 3

// safeTick is the per-tick error boundary: panics become critical errors,
// transient errors are counted and tolerated, anything else voids the
// match.
func (m *Match) safeTick(ctx context.Context) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("tick panic: %v", r)
			}
		}()
		return m.doTick(ctx)
	}()

	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		m.consecErrs = 0
		return
	}

	if transientTickError(err) {
		m.consecErrs++
		log.Printf("[Match] %s transient tick error (%d/%d): %v", m.ID, m.consecErrs, maxConsecutiveTickErrors, err)
		if m.consecErrs < maxConsecutiveTickErrors {
			return
		}
	} else {
		log.Printf("[Match] %s critical tick error: %v", m.ID, err)
	}
	m.endLocked(nil, "tick_error")
}

// transientTickError separates infrastructure hiccups from corrupt-state
// failures. Panics and anything unrecognized are treated as critical.
func transientTickError(err error) bool {
	s := strings.ToLower(err.Error())
	if strings.Contains(s, "panic") {
		return false
	}
	for _, marker := range []string{
		"timeout", "deadline exceeded", "connection", "busy",
		"deadlock", "temporarily unavailable", "too many clients",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

// doTick executes exactly one simulation step under the match mutex.
func (m *Match) doTick(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.ending || m.status != models.MatchRunning {
		return nil
	}
	m.tick++

	// 1. Grace expirations, checked on the simulation clock.
	now := time.Now()
	for _, p := range m.players {
		if p.Alive && !p.IsBot && !p.Connected && !p.DisconnectedAt.IsZero() &&
			now.Sub(p.DisconnectedAt) >= m.cfg.ReconnectGrace {
			m.eliminateLocked(p, nil, "grace_expired")
			if m.ending {
				return nil
			}
		}
	}

	// Mass disconnect: a match nobody is watching cannot continue.
	if len(m.alivePlayersLocked()) >= 2 && m.connectedAliveLocked() == 0 {
		m.endLocked(nil, "mass_disconnect")
		return nil
	}

	// 2. Early win check (grace eliminations above may have settled it).
	if m.showdown == nil && m.checkEliminationWinLocked() {
		return nil
	}

	// 3. Movement. Bots steer first so their target reflects this tick's
	// world; then every alive player advances from its saved prev.
	frozenAll := m.showdown != nil && m.showdown.frozen(m.tick)
	for _, p := range m.players {
		if p.Alive && p.IsBot {
			t := m.botTargetLocked(p)
			p.target = &t
		}
	}
	for _, p := range m.players {
		if !p.Alive {
			continue
		}
		p.Prev = p.Pos
		if p.frozen || frozenAll {
			continue
		}
		if p.target != nil {
			p.Pos = m.cfg.Physics.MoveToward(p.Pos, *p.target)
		} else {
			p.Pos = m.cfg.Physics.MoveHuman(p.Pos, p.dirX, p.dirY)
		}
	}

	// 4. Collisions on unordered pairs, insertion order, i<j.
	m.processCollisionsLocked()
	if m.ending {
		return nil
	}

	if m.showdown != nil {
		// 5. Showdown captures and threshold test.
		m.tickShowdownLocked()
		if m.ending {
			return nil
		}
	} else {
		// 6. Elimination win check.
		if m.checkEliminationWinLocked() {
			return nil
		}
	}

	// 7. Snapshot cadence is independent of tick rate; the accumulator
	// carries the fractional remainder across ticks.
	m.snapAcc += float64(m.cfg.SnapshotRate) / float64(m.cfg.Physics.TickRate)
	if m.snapAcc >= 1 {
		m.snapAcc--
		m.broadcastSnapshotLocked()
	}

	if m.tick%int64(m.cfg.PersistEvery) == 0 {
		state, err := m.stateJSONLocked()
		if err != nil {
			return fmt.Errorf("serialize state: %w", err)
		}
		if err := m.mgr.store.SaveMatchState(ctx, m.ID, m.tick, m.status, state); err != nil {
			return fmt.Errorf("persist state: %w", err)
		}
	}

	m.lastTick = time.Now()
	return nil
}

// processCollisionsLocked resolves every colliding pair. In showdown mode
// every collision bounces; otherwise the role table decides.
func (m *Match) processCollisionsLocked() {
	showdownMode := m.showdown != nil
	for i := 0; i < len(m.players); i++ {
		a := m.players[i]
		if !a.Alive {
			continue
		}
		for j := i + 1; j < len(m.players); j++ {
			b := m.players[j]
			if !b.Alive {
				continue
			}
			if !m.cfg.Physics.Collides(a.Prev, a.Pos, b.Prev, b.Pos) {
				continue
			}
			switch {
			case showdownMode || a.Role == b.Role:
				m.bounceLocked(a, b)
			case physics.Beats(a.Role, b.Role):
				m.eliminateLocked(b, a, "collision")
			case physics.Beats(b.Role, a.Role):
				m.eliminateLocked(a, b, "collision")
			default:
				m.bounceLocked(a, b)
			}
			if m.ending {
				return
			}
		}
	}
}

func (m *Match) bounceLocked(a, b *Player) {
	a.Pos, b.Pos = m.cfg.Physics.BounceApart(a.Pos, b.Pos, m.rng)
	m.broadcast(protocol.Marshal(protocol.TypeBounce, map[string]any{
		"matchId": m.ID.String(),
		"tick":    m.tick,
		"players": []string{a.UserID.String(), b.UserID.String()},
	}))
	m.logEvent(m.tick, "bounce", map[string]any{
		"a": a.UserID.String(), "b": b.UserID.String(),
	})
}

// eliminateLocked marks a player dead, records it, and opens the showdown
// when exactly two remain.
func (m *Match) eliminateLocked(loser *Player, by *Player, cause string) {
	loser.Alive = false

	fields := map[string]any{
		"userId": loser.UserID.String(),
		"cause":  cause,
		"x":      protocol.Round2(loser.Pos.X),
		"y":      protocol.Round2(loser.Pos.Y),
	}
	payload := map[string]any{
		"matchId": m.ID.String(),
		"tick":    m.tick,
		"userId":  loser.UserID.String(),
		"cause":   cause,
	}
	var byID *Player
	if by != nil {
		byID = by
		fields["by"] = by.UserID.String()
		payload["by"] = by.UserID.String()
	}
	m.broadcast(protocol.Marshal(protocol.TypeElimination, payload))
	m.logEvent(m.tick, "elimination", fields)

	// The player row update is durable but not tick-critical.
	matchID, userID := m.ID, loser.UserID
	x, y := loser.Pos.X, loser.Pos.Y
	var byUser *uuid.UUID
	if byID != nil {
		v := byID.UserID
		byUser = &v
	}
	op := db.DeferredOp{
		Name: "eliminate:" + userID.String(),
		Fn: func(ctx context.Context) error {
			return m.mgr.store.MarkPlayerEliminated(ctx, matchID, userID, byUser, x, y)
		},
	}
	if !m.mgr.deferrer.Enqueue(op) {
		if err := op.Fn(context.Background()); err != nil {
			log.Printf("[Match] %s record elimination: %v", m.ID, err)
		}
	}

	if m.showdown == nil && len(m.alivePlayersLocked()) == 2 {
		m.beginShowdownLocked()
	}
}

// checkEliminationWinLocked ends the match when at most one player is
// alive. Returns true when the match ended.
func (m *Match) checkEliminationWinLocked() bool {
	alive := m.alivePlayersLocked()
	switch len(alive) {
	case 0:
		m.endLocked(nil, "no_survivors")
		return true
	case 1:
		m.endLocked(alive[0], "last_standing")
		return true
	}
	return false
}

func (m *Match) broadcastSnapshotLocked() {
	players := make([]protocol.SnapshotPlayer, len(m.players))
	for i, p := range m.players {
		players[i] = protocol.SnapshotPlayer{
			ID:    p.UserID.String(),
			X:     p.Pos.X,
			Y:     p.Pos.Y,
			Alive: p.Alive,
			Role:  string(p.Role),
		}
	}
	var hearts []protocol.HeartView
	if m.showdown != nil && m.showdown.revealed {
		hearts = m.showdown.heartViews()
	}
	m.broadcast(protocol.SnapshotFrame(m.tick, players, hearts))
}
