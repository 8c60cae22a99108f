package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/rps-arena/pkg/models"
)

// CreateMatch inserts the match, its players, and flips the lobby to
// in_progress in one transaction. This is the lobby→match handoff point.
func (s *Store) CreateMatch(ctx context.Context, m *models.Match, players []*models.MatchPlayer) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO matches (id, lobby_id, status, rng_seed, countdown_at)
			VALUES ($1, $2, $3, $4, $5)`,
			m.ID, m.LobbyID, m.Status, m.RNGSeed, m.CountdownAt)
		if err != nil {
			return fmt.Errorf("insert match: %w", err)
		}
		for _, p := range players {
			_, err := tx.Exec(ctx, `
				INSERT INTO match_players (match_id, user_id, wallet, role, spawn_x, spawn_y, is_bot)
				VALUES ($1, $2, $3, $4, $5, $6, $7)`,
				p.MatchID, p.UserID, p.Wallet, p.Role, p.SpawnX, p.SpawnY, p.IsBot)
			if err != nil {
				return fmt.Errorf("insert match player: %w", err)
			}
		}
		return s.SetCurrentMatch(ctx, tx, m.LobbyID, m.ID)
	})
}

const matchColumns = `id, lobby_id, status, rng_seed, countdown_at, running_at,
	ended_at, COALESCE(end_reason, ''), winner_id, payout_amount, COALESCE(payout_tx_hash, '')`

func scanMatch(row pgx.Row) (*models.Match, error) {
	m := &models.Match{}
	err := row.Scan(&m.ID, &m.LobbyID, &m.Status, &m.RNGSeed, &m.CountdownAt,
		&m.RunningAt, &m.EndedAt, &m.EndReason, &m.WinnerID, &m.PayoutAmount, &m.PayoutTxHash)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return m, nil
}

// GetMatch fetches one match.
func (s *Store) GetMatch(ctx context.Context, id uuid.UUID) (*models.Match, error) {
	return scanMatch(s.pool.QueryRow(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE id = $1`, id))
}

// MarkMatchRunning stamps the countdown→running transition.
func (s *Store) MarkMatchRunning(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE matches SET status = 'running', running_at = NOW()
		WHERE id = $1 AND status = 'countdown'`, id)
	return err
}

// FinishMatch writes the terminal finished state with the payout evidence.
// Terminal states are immutable: the guard refuses to overwrite them.
func (s *Store) FinishMatch(ctx context.Context, tx pgx.Tx, id uuid.UUID, winnerID uuid.UUID, reason string, payoutAmount int64, payoutTxHash string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE matches
		SET status = 'finished', ended_at = NOW(), end_reason = $1,
		    winner_id = $2, payout_amount = $3, payout_tx_hash = $4
		WHERE id = $5 AND status NOT IN ('finished', 'void')`,
		reason, winnerID, payoutAmount, payoutTxHash, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("match %s already terminal", id)
	}
	return nil
}

// VoidMatch writes the terminal void state.
func (s *Store) VoidMatch(ctx context.Context, tx pgx.Tx, id uuid.UUID, reason string) error {
	_, err := tx.Exec(ctx, `
		UPDATE matches
		SET status = 'void', ended_at = NOW(), end_reason = $1
		WHERE id = $2 AND status NOT IN ('finished', 'void')`,
		reason, id)
	return err
}

// FinalizeMatch writes the finished state, closes out the escrow seats and
// resets the lobby, atomically. This is the settlement commit point: after
// it returns the pot is spent and the lobby is open again.
func (s *Store) FinalizeMatch(ctx context.Context, lobbyID int, matchID, winnerID uuid.UUID, reason string, payoutAmount int64, payoutTxHash string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.FinishMatch(ctx, tx, matchID, winnerID, reason, payoutAmount, payoutTxHash); err != nil {
			return err
		}
		// Seats are consumed, not refunded: the pot went to the winner.
		_, err := tx.Exec(ctx, `
			UPDATE lobby_players
			SET refunded_at = NOW(), refund_reason = 'match_settled'
			WHERE lobby_id = $1 AND refunded_at IS NULL`, lobbyID)
		if err != nil {
			return err
		}
		return s.ResetLobby(ctx, tx, lobbyID)
	})
}

// MarkMatchVoid writes the void state in its own transaction. The lobby is
// reset separately, after refunds clear.
func (s *Store) MarkMatchVoid(ctx context.Context, matchID uuid.UUID, reason string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.VoidMatch(ctx, tx, matchID, reason)
	})
}

// GetMatchPlayers returns the three seats of a match.
func (s *Store) GetMatchPlayers(ctx context.Context, matchID uuid.UUID) ([]*models.MatchPlayer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT match_id, user_id, wallet, role, spawn_x, spawn_y,
		       eliminated_at, eliminated_by, final_x, final_y, is_bot
		FROM match_players WHERE match_id = $1`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.MatchPlayer
	for rows.Next() {
		p := &models.MatchPlayer{}
		if err := rows.Scan(&p.MatchID, &p.UserID, &p.Wallet, &p.Role, &p.SpawnX, &p.SpawnY,
			&p.EliminatedAt, &p.EliminatedBy, &p.FinalX, &p.FinalY, &p.IsBot); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// MarkPlayerEliminated records the elimination on the player row.
func (s *Store) MarkPlayerEliminated(ctx context.Context, matchID, userID uuid.UUID, by *uuid.UUID, x, y float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE match_players
		SET eliminated_at = NOW(), eliminated_by = $1, final_x = $2, final_y = $3
		WHERE match_id = $4 AND user_id = $5`,
		by, x, y, matchID, userID)
	return err
}

// AppendMatchEvent writes one row of the append-only event log.
func (s *Store) AppendMatchEvent(ctx context.Context, matchID uuid.UUID, tick int64, eventType string, payload []byte) error {
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO match_events (match_id, tick, event_type, payload)
		VALUES ($1, $2, $3, $4)`,
		matchID, tick, eventType, payload)
	return err
}

// Snapshot layout version, stamped on every save. Recovery settles from
// chain evidence and never loads a snapshot back, so the version exists
// for audit only.
const CurrentStateVersion = 1

// SaveMatchState upserts the recovery snapshot. Idempotent: re-saving the
// same arguments leaves an identical row.
func (s *Store) SaveMatchState(ctx context.Context, matchID uuid.UUID, tick int64, status models.MatchStatus, stateJSON []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO match_state (match_id, version, tick, status, state_json, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (match_id) DO UPDATE
		SET version = EXCLUDED.version, tick = EXCLUDED.tick,
		    status = EXCLUDED.status, state_json = EXCLUDED.state_json,
		    updated_at = NOW()`,
		matchID, CurrentStateVersion, tick, status, stateJSON)
	return err
}

// GetMatchState loads the persisted snapshot for one match.
func (s *Store) GetMatchState(ctx context.Context, matchID uuid.UUID) (*models.MatchState, error) {
	st := &models.MatchState{}
	err := s.pool.QueryRow(ctx, `
		SELECT match_id, version, tick, status, state_json, updated_at
		FROM match_state WHERE match_id = $1`, matchID,
	).Scan(&st.MatchID, &st.Version, &st.Tick, &st.Status, &st.StateJSON, &st.UpdatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return st, nil
}

// DeleteMatchState removes the snapshot once the match is terminal.
func (s *Store) DeleteMatchState(ctx context.Context, matchID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM match_state WHERE match_id = $1`, matchID)
	return err
}

// GetInterruptedMatches returns matches the previous process left in
// countdown or running. Called once at startup before accepting traffic.
func (s *Store) GetInterruptedMatches(ctx context.Context) ([]*models.Match, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+matchColumns+` FROM matches WHERE status IN ('countdown', 'running')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Match
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
