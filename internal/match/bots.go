package match

import (
	"github.com/rawblock/rps-arena/internal/physics"
)

// botTargetLocked picks the bot's aim point for this tick. The policy is
// deterministic and reads only current state, so it never touches the
// match RNG stream: chase the nearest prey, otherwise flee the predator,
// and during showdown race for the nearest uncaptured heart.
func (m *Match) botTargetLocked(bot *Player) physics.Vec {
	if m.showdown != nil {
		if m.showdown.revealed {
			if h := m.nearestHeartLocked(bot.Pos); h != nil {
				return h.Pos
			}
		}
		return bot.Pos
	}

	var prey, predator *Player
	preyDist, predDist := 0.0, 0.0
	for _, p := range m.players {
		if p == bot || !p.Alive {
			continue
		}
		d := physics.Dist(bot.Pos, p.Pos)
		if physics.Beats(bot.Role, p.Role) {
			if prey == nil || d < preyDist {
				prey, preyDist = p, d
			}
		} else if physics.Beats(p.Role, bot.Role) {
			if predator == nil || d < predDist {
				predator, predDist = p, d
			}
		}
	}

	if prey != nil {
		return prey.Pos
	}
	if predator != nil {
		// Flee along the line away from the predator. Clamp keeps the
		// point inside the arena, which naturally routes bots along walls.
		away := bot.Pos.Sub(predator.Pos)
		if away.Len() < 1e-9 {
			away = physics.Vec{X: 1}
		}
		return m.cfg.Physics.Clamp(bot.Pos.Add(away.Scale(200 / away.Len())))
	}
	return bot.Pos
}

func (m *Match) nearestHeartLocked(from physics.Vec) *physics.Heart {
	var best *physics.Heart
	bestDist := 0.0
	for i := range m.showdown.hearts {
		h := &m.showdown.hearts[i]
		if h.Captured {
			continue
		}
		d := physics.Dist(from, h.Pos)
		if best == nil || d < bestDist {
			best, bestDist = h, d
		}
	}
	return best
}
