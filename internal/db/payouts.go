package db

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/rps-arena/pkg/models"
)

// CreatePayoutAttempt logs a pending send before the chain call. Never
// deferred: the audit row must exist before funds can move.
func (s *Store) CreatePayoutAttempt(ctx context.Context, a *models.PayoutAttempt) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	if a.SourceWallet == "" {
		a.SourceWallet = "lobby"
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO payout_attempts
			(id, match_id, lobby_id, recipient, amount, attempt_number, status, source_wallet)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		a.ID, a.MatchID, a.LobbyID, a.Recipient, a.Amount, a.AttemptNumber, a.Status, a.SourceWallet)
	if err != nil {
		return fmt.Errorf("create payout attempt: %w", err)
	}
	return nil
}

// ResolvePayoutAttempt finalizes a pending attempt as success or failed.
func (s *Store) ResolvePayoutAttempt(ctx context.Context, id uuid.UUID, status models.PayoutAttemptStatus, txHash, errMsg, errType string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE payout_attempts
		SET status = $1, tx_hash = $2, error = $3, error_type = $4
		WHERE id = $5`,
		status, txHash, errMsg, errType, id)
	return err
}

// CountRecentRefundFailures counts failed refund attempts for one
// (lobby, recipient) pair inside the rolling window. Drives the
// manual-intervention cutoff.
func (s *Store) CountRecentRefundFailures(ctx context.Context, lobbyID int, recipient string, window time.Duration) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM payout_attempts
		WHERE lobby_id = $1 AND recipient = $2 AND status = 'failed'
		  AND created_at > NOW() - $3::interval`,
		lobbyID, recipient, window.String()).Scan(&n)
	return n, err
}

// ExpireSuccessfulAttempts prunes old successful audit rows. Failed rows
// are retained indefinitely for the operator.
func (s *Store) ExpireSuccessfulAttempts(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM payout_attempts
		WHERE status = 'success' AND created_at < NOW() - $1::interval`,
		olderThan.String())
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SuccessfulRefundExists reports whether a player already has a refund row
// for the given match context (used by the terminal-state invariants).
func (s *Store) SuccessfulRefundExists(ctx context.Context, lobbyID int, recipient string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM payout_attempts
			WHERE lobby_id = $1 AND recipient = $2 AND status = 'success')`,
		lobbyID, recipient).Scan(&exists)
	return exists, err
}
