package physics

// Heart placement constants for the two-player showdown.
const (
	HeartCount       = 3
	heartPadding     = 80.0
	minHeartSpacing  = 50.0
	heartAttempts    = 100
)

// Heart is a capturable pickup in the showdown sub-game.
type Heart struct {
	ID       int  `json:"id"`
	Pos      Vec  `json:"pos"`
	Captured bool `json:"captured"`
}

// SpawnHearts places three hearts with minimum pairwise spacing, padded
// from the arena edges. Uses a distinct sub-seed from the spawn stream.
func (c Config) SpawnHearts(seed int64) []Heart {
	rng := NewLCG(seed ^ heartLayoutSalt)
	w := c.ArenaWidth - 2*heartPadding
	h := c.ArenaHeight - 2*heartPadding

	pts := make([]Vec, HeartCount)
	for attempt := 0; attempt < heartAttempts; attempt++ {
		for i := range pts {
			pts[i] = Vec{
				X: heartPadding + rng.Float64()*w,
				Y: heartPadding + rng.Float64()*h,
			}
		}
		if pairwiseAtLeast(pts, minHeartSpacing) {
			break
		}
	}

	hearts := make([]Heart, HeartCount)
	for i, p := range pts {
		hearts[i] = Heart{ID: i, Pos: p}
	}
	return hearts
}

// CanCapture reports whether a player's tick of motion reaches an
// uncaptured heart. Three tests, any of which suffices:
//
//  1. current position within contact range;
//  2. the player is steering at the heart and it is within one reachable
//     step of the current position;
//  3. the closest point on the prev→current segment is within range
//     (covers fast pass-bys).
func (c Config) CanCapture(prev, cur, target Vec, h Heart) bool {
	if h.Captured {
		return false
	}
	contact := c.PlayerRadius + c.HeartRadius

	if Dist(cur, h.Pos) <= contact {
		return true
	}
	if Dist(target, h.Pos) <= contact && Dist(cur, h.Pos) <= contact+c.MaxStep() {
		return true
	}
	closest := ClosestPointOnSegment(prev, cur, h.Pos)
	return Dist(closest, h.Pos) <= contact
}
