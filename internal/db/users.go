package db

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/rawblock/rps-arena/pkg/models"
)

const sessionTokenBytes = 32

// GetOrCreateUser looks a wallet up and creates the user row on first
// login. The wallet must already be lowercased by the caller.
func (s *Store) GetOrCreateUser(ctx context.Context, wallet string) (*models.User, error) {
	u := &models.User{}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, wallet)
		VALUES ($1, $2)
		ON CONFLICT (wallet) DO UPDATE SET wallet = EXCLUDED.wallet
		RETURNING id, wallet, COALESCE(display_name, ''), created_at`,
		uuid.New(), wallet,
	).Scan(&u.ID, &u.Wallet, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create user: %w", err)
	}
	return u, nil
}

// GetUser fetches a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (*models.User, error) {
	u := &models.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, wallet, COALESCE(display_name, ''), created_at
		FROM users WHERE id = $1`, id,
	).Scan(&u.ID, &u.Wallet, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return u, nil
}

// GetUserByWallet fetches a user by lowercased wallet address.
func (s *Store) GetUserByWallet(ctx context.Context, wallet string) (*models.User, error) {
	u := &models.User{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, wallet, COALESCE(display_name, ''), created_at
		FROM users WHERE wallet = $1`, wallet,
	).Scan(&u.ID, &u.Wallet, &u.DisplayName, &u.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return u, nil
}

// NewSessionToken samples an opaque 32-byte token.
func NewSessionToken() (string, error) {
	buf := make([]byte, sessionTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("sample session token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// CreateSession issues a fresh session for a user.
func (s *Store) CreateSession(ctx context.Context, userID uuid.UUID, ttl time.Duration) (*models.Session, error) {
	token, err := NewSessionToken()
	if err != nil {
		return nil, err
	}
	sess := &models.Session{
		ID:        uuid.New(),
		UserID:    userID,
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO sessions (id, user_id, token, expires_at)
		VALUES ($1, $2, $3, $4)`,
		sess.ID, sess.UserID, sess.Token, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// GetSessionByToken resolves a bearer token to a live session. Expired
// sessions resolve to ErrNotFound.
func (s *Store) GetSessionByToken(ctx context.Context, token string) (*models.Session, error) {
	sess := &models.Session{Token: token}
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, expires_at, created_at
		FROM sessions WHERE token = $1 AND expires_at > NOW()`, token,
	).Scan(&sess.ID, &sess.UserID, &sess.ExpiresAt, &sess.CreatedAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return sess, nil
}

// RotateSession swaps the token on an existing session. The old token is
// invalid the moment this returns; reconnects depend on that.
func (s *Store) RotateSession(ctx context.Context, sessionID uuid.UUID) (string, error) {
	token, err := NewSessionToken()
	if err != nil {
		return "", err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET token = $1 WHERE id = $2`, token, sessionID)
	if err != nil {
		return "", fmt.Errorf("rotate session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrNotFound
	}
	return token, nil
}

// DeleteSession invalidates a session (logout).
func (s *Store) DeleteSession(ctx context.Context, sessionID uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, sessionID)
	return err
}

// DeleteExpiredSessions is run by the hourly cleanup task.
func (s *Store) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// UpsertAuthNonce stores the single-use login nonce for a wallet.
func (s *Store) UpsertAuthNonce(ctx context.Context, wallet, nonce string, ttl time.Duration) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO auth_nonces (wallet, nonce, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (wallet) DO UPDATE
		SET nonce = EXCLUDED.nonce, expires_at = EXCLUDED.expires_at`,
		wallet, nonce, time.Now().UTC().Add(ttl))
	return err
}

// ConsumeAuthNonce returns and deletes the wallet's nonce if still valid.
func (s *Store) ConsumeAuthNonce(ctx context.Context, wallet string) (string, error) {
	var nonce string
	err := s.pool.QueryRow(ctx, `
		DELETE FROM auth_nonces
		WHERE wallet = $1 AND expires_at > NOW()
		RETURNING nonce`, wallet,
	).Scan(&nonce)
	if err != nil {
		return "", mapNoRows(err)
	}
	return nonce, nil
}

// UpsertPaidWallet records a successful paid join for the wallet.
func (s *Store) UpsertPaidWallet(ctx context.Context, wallet string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO paid_wallets (wallet, total_payments)
		VALUES ($1, 1)
		ON CONFLICT (wallet) DO UPDATE
		SET total_payments = paid_wallets.total_payments + 1,
		    last_payment_at = NOW()`, wallet)
	return err
}
