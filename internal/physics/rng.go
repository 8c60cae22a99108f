package physics

// LCG is the fixed linear congruential generator used for every in-match
// random decision (spawn layout, role shuffle, heart placement, bounce
// angles, showdown tiebreaks). Matches replay bit-identically only if this
// exact recurrence is preserved:
//
//	state = (state*1103515245 + 12345) & 0x7fffffff
//
// The seed itself is sampled from crypto/rand when the match is created;
// only the in-match stream is pseudo-random.
type LCG struct {
	state int64
}

// NewLCG seeds a generator. The seed is masked into the 31-bit state space.
func NewLCG(seed int64) *LCG {
	return &LCG{state: seed & 0x7fffffff}
}

// Next advances the generator and returns the new 31-bit state.
func (r *LCG) Next() int64 {
	r.state = (r.state*1103515245 + 12345) & 0x7fffffff
	return r.state
}

// Float64 returns a value in [0, 1).
func (r *LCG) Float64() float64 {
	return float64(r.Next()) / float64(1<<31)
}

// IntN returns a value in [0, n). n must be positive.
func (r *LCG) IntN(n int) int {
	return int(r.Next() % int64(n))
}
