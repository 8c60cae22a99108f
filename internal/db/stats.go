package db

import (
	"context"
	"fmt"

	"github.com/rawblock/rps-arena/pkg/models"
)

// RecordMatchResult applies one finished match to a wallet's stats in a
// single statement. Streaks are computed inside the upsert so two matches
// ending at the same instant cannot race the read-modify-write.
func (s *Store) RecordMatchResult(ctx context.Context, wallet string, won bool, earnings, spent int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO player_stats
			(wallet, matches_played, wins, losses, total_earnings, total_spent,
			 current_streak, best_streak, first_match_at, last_match_at)
		VALUES ($1, 1, ($2)::int, (NOT $2)::int, $3, $4,
			CASE WHEN $2 THEN 1 ELSE 0 END,
			CASE WHEN $2 THEN 1 ELSE 0 END,
			NOW(), NOW())
		ON CONFLICT (wallet) DO UPDATE SET
			matches_played = player_stats.matches_played + 1,
			wins = player_stats.wins + ($2)::int,
			losses = player_stats.losses + (NOT $2)::int,
			total_earnings = player_stats.total_earnings + $3,
			total_spent = player_stats.total_spent + $4,
			current_streak = CASE WHEN $2 THEN player_stats.current_streak + 1 ELSE 0 END,
			best_streak = GREATEST(player_stats.best_streak,
				CASE WHEN $2 THEN player_stats.current_streak + 1 ELSE 0 END),
			last_match_at = NOW()`,
		wallet, won, earnings, spent)
	if err != nil {
		return fmt.Errorf("record match result for %s: %w", wallet, err)
	}
	return nil
}

// GetPlayerStats fetches one wallet's aggregate.
func (s *Store) GetPlayerStats(ctx context.Context, wallet string) (*models.PlayerStats, error) {
	st := &models.PlayerStats{}
	err := s.pool.QueryRow(ctx, `
		SELECT wallet, matches_played, wins, losses, total_earnings, total_spent,
		       current_streak, best_streak, first_match_at, last_match_at
		FROM player_stats WHERE wallet = $1`, wallet,
	).Scan(&st.Wallet, &st.MatchesPlayed, &st.Wins, &st.Losses, &st.TotalEarnings,
		&st.TotalSpent, &st.CurrentStreak, &st.BestStreak, &st.FirstMatchAt, &st.LastMatchAt)
	if err != nil {
		return nil, mapNoRows(err)
	}
	return st, nil
}

// RebuildPlayerStats recomputes a wallet's row from match history. The
// result must equal the incrementally maintained row; the admin surface
// uses it to reconcile after manual interventions.
func (s *Store) RebuildPlayerStats(ctx context.Context, wallet string, buyIn, winnerPayout int64) error {
	_, err := s.pool.Exec(ctx, `
		WITH history AS (
			SELECT m.ended_at,
			       (m.winner_id = mp.user_id) AS won
			FROM match_players mp
			JOIN matches m ON m.id = mp.match_id
			WHERE mp.wallet = $1 AND m.status = 'finished'
			ORDER BY m.ended_at
		),
		numbered AS (
			SELECT ended_at, won,
			       ROW_NUMBER() OVER (ORDER BY ended_at) AS rn,
			       ROW_NUMBER() OVER (ORDER BY ended_at)
			         - ROW_NUMBER() OVER (PARTITION BY won ORDER BY ended_at) AS grp
			FROM history
		),
		streaks AS (
			SELECT COUNT(*) AS len, MAX(rn) AS last_rn
			FROM numbered WHERE won GROUP BY grp
		),
		agg AS (
			SELECT COUNT(*) AS played,
			       COUNT(*) FILTER (WHERE won) AS wins,
			       COUNT(*) FILTER (WHERE NOT won) AS losses,
			       MIN(ended_at) AS first_at,
			       MAX(ended_at) AS last_at
			FROM history
		)
		INSERT INTO player_stats
			(wallet, matches_played, wins, losses, total_earnings, total_spent,
			 current_streak, best_streak, first_match_at, last_match_at)
		SELECT $1, agg.played, agg.wins, agg.losses,
		       agg.wins * $3,
		       agg.played * $2,
		       COALESCE((SELECT len FROM streaks
		                 WHERE last_rn = (SELECT MAX(rn) FROM numbered)), 0),
		       COALESCE((SELECT MAX(len) FROM streaks), 0),
		       agg.first_at, agg.last_at
		FROM agg
		ON CONFLICT (wallet) DO UPDATE SET
			matches_played = EXCLUDED.matches_played,
			wins = EXCLUDED.wins,
			losses = EXCLUDED.losses,
			total_earnings = EXCLUDED.total_earnings,
			total_spent = EXCLUDED.total_spent,
			current_streak = EXCLUDED.current_streak,
			best_streak = EXCLUDED.best_streak,
			first_match_at = EXCLUDED.first_match_at,
			last_match_at = EXCLUDED.last_match_at`,
		wallet, buyIn, winnerPayout)
	if err != nil {
		return fmt.Errorf("rebuild stats for %s: %w", wallet, err)
	}
	return nil
}
