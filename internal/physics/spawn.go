package physics

import (
	"math"

	"github.com/rawblock/rps-arena/pkg/models"
)

// Spawn layout constants.
const (
	spawnPadding     = 100.0 // inner margin from arena edges
	minSpawnDist     = 150.0 // minimum pairwise spacing between spawns
	spawnAttempts    = 100
	fallbackRadius   = 150.0 // equilateral triangle radius when sampling fails
	roleShuffleSalt  = 0x524F4C45 // "ROLE"
	heartLayoutSalt  = 0x48454152 // "HEAR"
)

// SpawnPoints samples three spawn positions inside the padded arena with
// rejection sampling on the minimum pairwise distance. If sampling fails it
// falls back to an equilateral triangle around the center, rotated by a
// random angle so the fallback is not visibly static.
func (c Config) SpawnPoints(rng *LCG) [3]Vec {
	w := c.ArenaWidth - 2*spawnPadding
	h := c.ArenaHeight - 2*spawnPadding

	var pts [3]Vec
	for attempt := 0; attempt < spawnAttempts; attempt++ {
		for i := range pts {
			pts[i] = Vec{
				X: spawnPadding + rng.Float64()*w,
				Y: spawnPadding + rng.Float64()*h,
			}
		}
		if pairwiseAtLeast(pts[:], minSpawnDist) {
			return pts
		}
	}

	// Fallback: equilateral triangle around the arena center.
	center := Vec{c.ArenaWidth / 2, c.ArenaHeight / 2}
	base := rng.Float64() * 2 * math.Pi
	for i := range pts {
		angle := base + float64(i)*2*math.Pi/3
		pts[i] = c.Clamp(Vec{
			X: center.X + fallbackRadius*math.Cos(angle),
			Y: center.Y + fallbackRadius*math.Sin(angle),
		})
	}
	return pts
}

// ShuffleRoles deals a permutation of {rock, paper, scissors} with a
// Fisher-Yates pass. The shuffle consumes a distinct sub-seed so role
// assignment is independent of the spawn stream.
func ShuffleRoles(seed int64) [3]models.Role {
	rng := NewLCG(seed ^ roleShuffleSalt)
	roles := [3]models.Role{models.RoleRock, models.RolePaper, models.RoleScissors}
	for i := len(roles) - 1; i > 0; i-- {
		j := rng.IntN(i + 1)
		roles[i], roles[j] = roles[j], roles[i]
	}
	return roles
}

func pairwiseAtLeast(pts []Vec, min float64) bool {
	for i := 0; i < len(pts); i++ {
		for j := i + 1; j < len(pts); j++ {
			if Dist(pts[i], pts[j]) < min {
				return false
			}
		}
	}
	return true
}
