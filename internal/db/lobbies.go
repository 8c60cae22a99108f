package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/rawblock/rps-arena/pkg/models"
)

// EnsureLobby creates the fixed lobby row if missing. Deposit addresses are
// deterministic, so restart never changes them; the upsert only backfills.
func (s *Store) EnsureLobby(ctx context.Context, id int, depositAddress string, encryptedKey []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lobbies (id, status, deposit_address, encrypted_deposit_key)
		VALUES ($1, 'empty', $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET deposit_address = EXCLUDED.deposit_address,
		    encrypted_deposit_key = EXCLUDED.encrypted_deposit_key`,
		id, depositAddress, encryptedKey)
	if err != nil {
		return fmt.Errorf("ensure lobby %d: %w", id, err)
	}
	return nil
}

const lobbyColumns = `id, status, deposit_address, encrypted_deposit_key,
	first_join_at, timeout_at, current_match_id`

func scanLobby(row pgx.Row) (*models.Lobby, error) {
	l := &models.Lobby{}
	err := row.Scan(&l.ID, &l.Status, &l.DepositAddress, &l.EncryptedKey,
		&l.FirstJoinAt, &l.TimeoutAt, &l.CurrentMatchID)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return l, nil
}

// GetLobby fetches one lobby.
func (s *Store) GetLobby(ctx context.Context, id int) (*models.Lobby, error) {
	return scanLobby(s.pool.QueryRow(ctx,
		`SELECT `+lobbyColumns+` FROM lobbies WHERE id = $1`, id))
}

// ListLobbies returns all lobbies ordered by id.
func (s *Store) ListLobbies(ctx context.Context) ([]*models.Lobby, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+lobbyColumns+` FROM lobbies ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Lobby
	for rows.Next() {
		l, err := scanLobby(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// SetLobbyStatus moves the lobby state machine. firstJoinAt/timeoutAt are
// only touched when non-nil so the waiting→ready transition keeps them.
func (s *Store) SetLobbyStatus(ctx context.Context, id int, status models.LobbyStatus) error {
	_, err := s.pool.Exec(ctx, `UPDATE lobbies SET status = $1 WHERE id = $2`, status, id)
	return err
}

// MarkFirstJoin stamps first_join_at and timeout_at on the first paid seat.
func (s *Store) MarkFirstJoin(ctx context.Context, id int, timeout time.Duration) error {
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		UPDATE lobbies
		SET status = 'waiting', first_join_at = $1, timeout_at = $2
		WHERE id = $3 AND first_join_at IS NULL`,
		now, now.Add(timeout), id)
	return err
}

// ResetLobby returns a lobby to empty after a match ends or refunds clear
// it. Active seats must already be refunded or consumed by the match.
func (s *Store) ResetLobby(ctx context.Context, tx pgx.Tx, id int) error {
	_, err := tx.Exec(ctx, `
		UPDATE lobbies
		SET status = 'empty', first_join_at = NULL, timeout_at = NULL, current_match_id = NULL
		WHERE id = $1`, id)
	return err
}

// ClearLobby runs ResetLobby in its own transaction. Convenience for the
// timeout sweeper and refund paths that have no surrounding tx.
func (s *Store) ClearLobby(ctx context.Context, id int) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		return s.ResetLobby(ctx, tx, id)
	})
}

// InsertLobbyPlayer seats a paid player. A unique violation on
// payment_tx_hash means the payment was already consumed.
func (s *Store) InsertLobbyPlayer(ctx context.Context, p *models.LobbyPlayer) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO lobby_players (id, lobby_id, user_id, payment_tx_hash, joined_at)
		VALUES ($1, $2, $3, $4, $5)`,
		p.ID, p.LobbyID, p.UserID, p.PaymentTxHash, p.JoinedAt)
	return err
}

// ActiveLobbyPlayers returns the non-refunded seats of a lobby, oldest first.
func (s *Store) ActiveLobbyPlayers(ctx context.Context, lobbyID int) ([]*models.LobbyPlayer, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT lp.id, lp.lobby_id, lp.user_id, u.wallet, lp.payment_tx_hash, lp.joined_at
		FROM lobby_players lp
		JOIN users u ON u.id = lp.user_id
		WHERE lp.lobby_id = $1 AND lp.refunded_at IS NULL
		ORDER BY lp.joined_at`, lobbyID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.LobbyPlayer
	for rows.Next() {
		p := &models.LobbyPlayer{}
		if err := rows.Scan(&p.ID, &p.LobbyID, &p.UserID, &p.Wallet, &p.PaymentTxHash, &p.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindActiveLobbyForUser returns the lobby id the user currently occupies,
// or ErrNotFound.
func (s *Store) FindActiveLobbyForUser(ctx context.Context, userID uuid.UUID) (int, error) {
	var lobbyID int
	err := s.pool.QueryRow(ctx, `
		SELECT lobby_id FROM lobby_players
		WHERE user_id = $1 AND refunded_at IS NULL
		LIMIT 1`, userID).Scan(&lobbyID)
	if err != nil {
		return 0, mapNoRows(err)
	}
	return lobbyID, nil
}

// PaymentTxHashExists is the fast-path duplicate check before chain
// verification; the UNIQUE constraint remains the final barrier.
func (s *Store) PaymentTxHashExists(ctx context.Context, txHash string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM lobby_players WHERE payment_tx_hash = $1)`,
		txHash).Scan(&exists)
	return exists, err
}

// MarkPlayerRefunded finalizes one seat's refund.
func (s *Store) MarkPlayerRefunded(ctx context.Context, playerID uuid.UUID, reason, txHash string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE lobby_players
		SET refunded_at = NOW(), refund_reason = $1, refund_tx_hash = $2
		WHERE id = $3 AND refunded_at IS NULL`,
		reason, txHash, playerID)
	return err
}

// SetCurrentMatch atomically flips the lobby to in_progress with its match.
func (s *Store) SetCurrentMatch(ctx context.Context, tx pgx.Tx, lobbyID int, matchID uuid.UUID) error {
	_, err := tx.Exec(ctx, `
		UPDATE lobbies SET status = 'in_progress', current_match_id = $1
		WHERE id = $2`, matchID, lobbyID)
	return err
}
