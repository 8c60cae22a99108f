package match

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/rps-arena/internal/db"
	"github.com/rawblock/rps-arena/internal/physics"
	"github.com/rawblock/rps-arena/internal/protocol"
	"github.com/rawblock/rps-arena/pkg/models"
)

// Player is the in-memory simulation state of one seat. The match goroutine
// exclusively owns these; the gateway reaches them only through the match's
// exported methods, which take the match mutex.
type Player struct {
	UserID uuid.UUID
	Wallet string
	Role   models.Role
	IsBot  bool

	Prev  physics.Vec
	Pos   physics.Vec
	Alive bool

	Connected      bool
	DisconnectedAt time.Time // zero while connected

	lastSeq int64
	dirX    int
	dirY    int
	target  *physics.Vec
	frozen  bool
	hearts  int
}

// Match is one live three-player game: countdown, tick loop, showdown and
// settlement. Insertion order of players fixes the pairwise collision
// iteration order, which determinism depends on.
type Match struct {
	ID      uuid.UUID
	LobbyID int

	mgr  *Manager
	cfg  Config
	seed int64

	mu         sync.Mutex
	status     models.MatchStatus
	ending     bool // in-memory transition flag, never persisted
	tick       int64
	players    []*Player
	rng        *physics.LCG // bounce angles and showdown tiebreaks
	showdown   *showdown
	snapAcc    float64
	consecErrs int
	lastTick   time.Time
	runningAt  time.Time
	cancel     context.CancelFunc
}

func newMatch(mg *Manager, id uuid.UUID, lobbyID int, seed int64, players []*Player) *Match {
	return &Match{
		ID:       id,
		LobbyID:  lobbyID,
		mgr:      mg,
		cfg:      mg.cfg,
		seed:     seed,
		status:   models.MatchCountdown,
		players:  players,
		rng:      physics.NewLCG(seed),
		lastTick: time.Now(),
	}
}

// run drives the countdown and then the fixed-rate tick loop. One goroutine
// per match; the context is canceled by settlement, the stall monitor or
// shutdown.
func (m *Match) run(ctx context.Context) {
	m.announceStart()

	for i := m.cfg.CountdownSeconds; i >= 1; i-- {
		m.broadcast(protocol.Marshal(protocol.TypeCountdown, map[string]any{
			"matchId": m.ID.String(),
			"seconds": i,
		}))
		select {
		case <-time.After(time.Second):
		case <-ctx.Done():
			return
		}
	}

	if !m.beginRunning(ctx) {
		return
	}

	interval := time.Second / time.Duration(m.cfg.Physics.TickRate)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.safeTick(ctx)
		}
	}
}

// announceStart sends MATCH_STARTING to everyone and the role assignments
// point-to-point; a player only ever learns their own role before t=0.
func (m *Match) announceStart() {
	m.mu.Lock()
	roster := make([]map[string]any, len(m.players))
	for i, p := range m.players {
		roster[i] = map[string]any{
			"id":     p.UserID.String(),
			"wallet": p.Wallet,
			"x":      protocol.Round2(p.Pos.X),
			"y":      protocol.Round2(p.Pos.Y),
			"isBot":  p.IsBot,
		}
	}
	players := make([]*Player, len(m.players))
	copy(players, m.players)
	m.mu.Unlock()

	m.broadcast(protocol.Marshal(protocol.TypeMatchStarting, map[string]any{
		"matchId": m.ID.String(),
		"lobbyId": m.LobbyID,
		"players": roster,
	}))
	for _, p := range players {
		if p.IsBot {
			continue
		}
		m.mgr.bcast.SendToUser(p.UserID, protocol.Marshal(protocol.TypeRoleAssignment, map[string]any{
			"matchId": m.ID.String(),
			"role":    string(p.Role),
			"x":       protocol.Round2(p.Pos.X),
			"y":       protocol.Round2(p.Pos.Y),
		}))
	}
	m.logEvent(0, "start", map[string]any{"lobbyId": m.LobbyID})
}

// beginRunning flips countdown→running. Players who never connected are
// dead at t=0; the first tick's win check settles whatever that leaves.
func (m *Match) beginRunning(ctx context.Context) bool {
	m.mu.Lock()
	if m.ending {
		m.mu.Unlock()
		return false
	}
	for _, p := range m.players {
		if p.Alive && !p.IsBot && !p.Connected {
			p.Alive = false
			m.logEvent(0, "absent_at_start", map[string]any{"userId": p.UserID.String()})
		}
	}
	m.status = models.MatchRunning
	m.runningAt = time.Now()
	m.lastTick = time.Now()
	m.mu.Unlock()

	if err := m.mgr.store.MarkMatchRunning(ctx, m.ID); err != nil {
		log.Printf("[Match] %s mark running: %v", m.ID, err)
	}
	return true
}

// ApplyInput ingests one movement command. Sequences must strictly
// increase; the last accepted input wins, there is no buffering.
func (m *Match) ApplyInput(userID uuid.UUID, in *protocol.Input) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p := m.playerLocked(userID)
	if p == nil || !p.Alive || m.ending {
		return
	}
	if in.Sequence <= p.lastSeq {
		return
	}
	p.lastSeq = in.Sequence

	if in.Frozen != nil {
		p.frozen = *in.Frozen
	}
	switch {
	case in.HasTarget():
		t := m.cfg.Physics.Clamp(physics.Vec{X: *in.TargetX, Y: *in.TargetY})
		p.target = &t
	case in.HasDirection():
		p.dirX, p.dirY = *in.DirX, *in.DirY
		p.target = nil
	}
}

// Disconnect starts the reconnect grace for an alive player. Elimination
// happens inside the tick so timing aligns with the simulation clock.
func (m *Match) Disconnect(userID uuid.UUID) {
	m.mu.Lock()
	p := m.playerLocked(userID)
	if p == nil || p.IsBot || !p.Connected {
		m.mu.Unlock()
		return
	}
	p.Connected = false
	p.DisconnectedAt = time.Now()
	tick := m.tick
	alive := p.Alive
	m.mu.Unlock()

	if alive {
		m.broadcast(protocol.Marshal(protocol.TypePlayerDisconnect, map[string]any{
			"matchId":        m.ID.String(),
			"userId":         userID.String(),
			"graceRemaining": int(m.cfg.ReconnectGrace.Seconds()),
		}))
	}
	m.logEvent(tick, "disconnect", map[string]any{"userId": userID.String()})
}

// Reconnect restores connectivity and returns the RECONNECT_STATE frame
// carrying the full current state.
func (m *Match) Reconnect(userID uuid.UUID) []byte {
	m.mu.Lock()
	p := m.playerLocked(userID)
	if p == nil {
		m.mu.Unlock()
		return nil
	}
	p.Connected = true
	p.DisconnectedAt = time.Time{}
	frame := m.reconnectFrameLocked()
	tick := m.tick
	m.mu.Unlock()

	m.broadcast(protocol.Marshal(protocol.TypePlayerReconnect, map[string]any{
		"matchId": m.ID.String(),
		"userId":  userID.String(),
	}))
	m.logEvent(tick, "reconnect", map[string]any{"userId": userID.String()})
	return frame
}

func (m *Match) reconnectFrameLocked() []byte {
	players := make([]map[string]any, len(m.players))
	for i, p := range m.players {
		players[i] = map[string]any{
			"id":    p.UserID.String(),
			"x":     protocol.Round2(p.Pos.X),
			"y":     protocol.Round2(p.Pos.Y),
			"alive": p.Alive,
			"role":  string(p.Role),
		}
	}
	payload := map[string]any{
		"matchId": m.ID.String(),
		"tick":    m.tick,
		"status":  string(m.status),
		"players": players,
	}
	if m.showdown != nil && m.showdown.revealed {
		payload["hearts"] = m.showdown.heartViews()
	}
	return protocol.Marshal(protocol.TypeReconnectState, payload)
}

func (m *Match) playerLocked(userID uuid.UUID) *Player {
	for _, p := range m.players {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

func (m *Match) alivePlayersLocked() []*Player {
	out := make([]*Player, 0, len(m.players))
	for _, p := range m.players {
		if p.Alive {
			out = append(out, p)
		}
	}
	return out
}

func (m *Match) connectedAliveLocked() int {
	n := 0
	for _, p := range m.players {
		if p.Alive && (p.IsBot || p.Connected) {
			n++
		}
	}
	return n
}

// broadcast fans a frame out to every human seat, alive or eliminated.
func (m *Match) broadcast(frame []byte) {
	if frame == nil {
		return
	}
	for _, p := range m.players {
		if !p.IsBot {
			m.mgr.bcast.SendToUser(p.UserID, frame)
		}
	}
}

// logEvent appends to the match event log through the deferred queue,
// falling back to a synchronous write when the queue is full.
func (m *Match) logEvent(tick int64, eventType string, fields map[string]any) {
	payload, err := json.Marshal(fields)
	if err != nil {
		log.Printf("[Match] %s marshal %s event: %v", m.ID, eventType, err)
		payload = []byte("{}")
	}
	op := db.DeferredOp{
		Name: fmt.Sprintf("match_event:%s:%s", m.ID, eventType),
		Fn: func(ctx context.Context) error {
			return m.mgr.store.AppendMatchEvent(ctx, m.ID, tick, eventType, payload)
		},
	}
	if !m.mgr.deferrer.Enqueue(op) {
		if err := op.Fn(context.Background()); err != nil {
			log.Printf("[Match] %s sync event write failed: %v", m.ID, err)
		}
	}
}

// TickAge reports the time since the last successful tick.
func (m *Match) TickAge() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return time.Since(m.lastTick)
}

// Stalled reports whether the stall monitor should void this match.
func (m *Match) Stalled(limit time.Duration) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == models.MatchRunning && !m.ending && time.Since(m.lastTick) > limit
}

// Abort ends the match with no winner. Used by the stall monitor.
func (m *Match) Abort(reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.endLocked(nil, reason)
}

// Tick returns the current tick for admin inspection.
func (m *Match) Tick() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tick
}

// persistedState is the versioned MatchState layout.
type persistedState struct {
	Tick     int64             `json:"tick"`
	SnapAcc  float64           `json:"snapAcc"`
	Players  []persistedPlayer `json:"players"`
	Showdown *persistedShowdown `json:"showdown,omitempty"`
}

type persistedPlayer struct {
	UserID  uuid.UUID   `json:"userId"`
	Role    models.Role `json:"role"`
	Pos     physics.Vec `json:"pos"`
	Alive   bool        `json:"alive"`
	Hearts  int         `json:"hearts"`
	LastSeq int64       `json:"lastSeq"`
}

type persistedShowdown struct {
	Hearts      []physics.Heart `json:"hearts"`
	FreezeUntil int64           `json:"freezeUntil"`
	Revealed    bool            `json:"revealed"`
}

func (m *Match) stateJSONLocked() ([]byte, error) {
	st := persistedState{
		Tick:    m.tick,
		SnapAcc: m.snapAcc,
		Players: make([]persistedPlayer, len(m.players)),
	}
	for i, p := range m.players {
		st.Players[i] = persistedPlayer{
			UserID:  p.UserID,
			Role:    p.Role,
			Pos:     p.Pos,
			Alive:   p.Alive,
			Hearts:  p.hearts,
			LastSeq: p.lastSeq,
		}
	}
	if m.showdown != nil {
		st.Showdown = &persistedShowdown{
			Hearts:      m.showdown.hearts,
			FreezeUntil: m.showdown.freezeUntil,
			Revealed:    m.showdown.revealed,
		}
	}
	return json.Marshal(st)
}
