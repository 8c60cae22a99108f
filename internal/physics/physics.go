package physics

import (
	"math"

	"github.com/rawblock/rps-arena/pkg/models"
)

// Config holds the simulation constants. All of them are overridable from
// the environment but every running match keeps the values it started with.
type Config struct {
	ArenaWidth   float64
	ArenaHeight  float64
	PlayerRadius float64
	MaxSpeed     float64 // units per second
	TickRate     int     // simulation Hz
	HeartRadius  float64
}

// DefaultConfig returns the production constants.
func DefaultConfig() Config {
	return Config{
		ArenaWidth:   1600,
		ArenaHeight:  900,
		PlayerRadius: 22,
		MaxSpeed:     450,
		TickRate:     30,
		HeartRadius:  16,
	}
}

// MaxStep is the farthest a player can travel in one tick.
func (c Config) MaxStep() float64 {
	return c.MaxSpeed / float64(c.TickRate)
}

// Vec is a 2D point or displacement.
type Vec struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

func (v Vec) Sub(o Vec) Vec      { return Vec{v.X - o.X, v.Y - o.Y} }
func (v Vec) Add(o Vec) Vec      { return Vec{v.X + o.X, v.Y + o.Y} }
func (v Vec) Scale(s float64) Vec { return Vec{v.X * s, v.Y * s} }
func (v Vec) Dot(o Vec) float64  { return v.X*o.X + v.Y*o.Y }
func (v Vec) Len() float64       { return math.Sqrt(v.X*v.X + v.Y*v.Y) }

// Dist returns the euclidean distance between two points.
func Dist(a, b Vec) float64 { return a.Sub(b).Len() }

// Clamp keeps a center position inside the playable rectangle
// [r, W-r] x [r, H-r].
func (c Config) Clamp(p Vec) Vec {
	r := c.PlayerRadius
	return Vec{
		X: math.Min(math.Max(p.X, r), c.ArenaWidth-r),
		Y: math.Min(math.Max(p.Y, r), c.ArenaHeight-r),
	}
}

// MoveHuman advances a position by one tick of directional input. Each axis
// moves by dir*maxStep, so diagonal movement is intentionally faster than
// single-axis movement.
func (c Config) MoveHuman(p Vec, dirX, dirY int) Vec {
	step := c.MaxStep()
	return c.Clamp(Vec{p.X + float64(dirX)*step, p.Y + float64(dirY)*step})
}

// MoveToward advances a position at most maxStep toward a target point.
// Used for bots and any target-seeking input.
func (c Config) MoveToward(p, target Vec) Vec {
	step := c.MaxStep()
	d := target.Sub(p)
	l := d.Len()
	if l <= step {
		return c.Clamp(target)
	}
	return c.Clamp(p.Add(d.Scale(step / l)))
}

// Beats reports whether role a eliminates role b on contact.
func Beats(a, b models.Role) bool {
	switch a {
	case models.RoleRock:
		return b == models.RoleScissors
	case models.RoleScissors:
		return b == models.RolePaper
	case models.RolePaper:
		return b == models.RoleRock
	}
	return false
}

// Collides detects contact between two players over one tick of motion.
// Endpoint overlap is checked first; the swept test catches two fast
// players passing through each other between ticks.
func (c Config) Collides(aPrev, a, bPrev, b Vec) bool {
	if Dist(a, b) <= 2*c.PlayerRadius {
		return true
	}
	return sweptCircles(aPrev, a, bPrev, b, 2*c.PlayerRadius)
}

// sweptCircles solves the quadratic in t over [0,1] for the squared
// relative distance of two moving circles against contactDist².
func sweptCircles(aPrev, a, bPrev, b Vec, contactDist float64) bool {
	d0 := bPrev.Sub(aPrev)               // relative position at t=0
	dv := b.Sub(bPrev).Sub(a.Sub(aPrev)) // relative displacement over the tick

	qa := dv.Dot(dv)
	qb := 2 * d0.Dot(dv)
	qc := d0.Dot(d0) - contactDist*contactDist

	if qc <= 0 {
		// Already touching at the start of the tick.
		return true
	}
	if qa < 1e-12 {
		// No relative motion; endpoint checks were sufficient.
		return false
	}

	disc := qb*qb - 4*qa*qc
	if disc < 0 {
		return false
	}
	sqrtDisc := math.Sqrt(disc)
	t1 := (-qb - sqrtDisc) / (2 * qa)
	t2 := (-qb + sqrtDisc) / (2 * qa)
	return (t1 >= 0 && t1 <= 1) || (t2 >= 0 && t2 <= 1)
}

// Bounce distances. The retry escalation handles players shoved into a wall
// by the first push.
const (
	BounceDist      = 10.0
	LargeBounceDist = 25.0
	bounceRetries   = 2
)

// BounceApart separates two overlapping players by pushing each radially
// outward from their center of mass. Coincident players get a uniform
// random direction from the match RNG stream so replays stay identical.
// Returns the two resolved positions.
func (c Config) BounceApart(a, b Vec, rng *LCG) (Vec, Vec) {
	dist := BounceDist
	for attempt := 0; attempt <= bounceRetries; attempt++ {
		if attempt > 0 {
			dist = LargeBounceDist
		}
		mid := Vec{(a.X + b.X) / 2, (a.Y + b.Y) / 2}

		dirA := a.Sub(mid)
		if dirA.Len() < 1e-9 {
			angle := rng.Float64() * 2 * math.Pi
			dirA = Vec{math.Cos(angle), math.Sin(angle)}
		}
		dirA = dirA.Scale(1 / dirA.Len())
		dirB := dirA.Scale(-1)

		na := c.Clamp(a.Add(dirA.Scale(dist)))
		nb := c.Clamp(b.Add(dirB.Scale(dist)))
		if Dist(na, nb) > 2*c.PlayerRadius {
			return na, nb
		}
		a, b = na, nb
	}
	return a, b
}

// ClosestPointOnSegment projects p onto the segment ab.
func ClosestPointOnSegment(a, b, p Vec) Vec {
	ab := b.Sub(a)
	lenSq := ab.Dot(ab)
	if lenSq < 1e-12 {
		return a
	}
	t := p.Sub(a).Dot(ab) / lenSq
	t = math.Min(math.Max(t, 0), 1)
	return a.Add(ab.Scale(t))
}
