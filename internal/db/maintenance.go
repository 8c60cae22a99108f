package db

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Periodic maintenance: explicit WAL checkpoints and logical backups.
// Backups are JSON dumps of the durable tables, timestamped into
// backupDir, keeping the newest maxBackups.
const maxBackups = 24

var backupTables = []string{
	"users", "lobbies", "lobby_players", "matches", "match_players",
	"payout_attempts", "player_stats", "paid_wallets",
}

// Checkpoint forces a WAL checkpoint so crash recovery replays stay short.
func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "CHECKPOINT")
	return err
}

// RunMaintenance runs the checkpoint and backup loops until ctx cancels.
func (s *Store) RunMaintenance(ctx context.Context, checkpointEvery, backupEvery time.Duration, backupDir string) {
	checkpointTicker := time.NewTicker(checkpointEvery)
	defer checkpointTicker.Stop()
	backupTicker := time.NewTicker(backupEvery)
	defer backupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-checkpointTicker.C:
			if err := s.Checkpoint(ctx); err != nil {
				log.Printf("[Store] checkpoint failed: %v", err)
			}
		case <-backupTicker.C:
			if backupDir == "" {
				continue
			}
			if err := s.Backup(ctx, backupDir); err != nil {
				log.Printf("[Store] backup failed: %v", err)
			}
		}
	}
}

// Backup writes one timestamped logical snapshot and prunes old ones.
func (s *Store) Backup(ctx context.Context, backupDir string) error {
	dir := filepath.Join(backupDir, "backup-"+time.Now().UTC().Format("20060102-150405"))
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create backup dir: %w", err)
	}

	for _, table := range backupTables {
		if err := s.dumpTable(ctx, table, filepath.Join(dir, table+".json")); err != nil {
			return fmt.Errorf("dump %s: %w", table, err)
		}
	}
	log.Printf("[Store] backup written to %s", dir)
	return s.pruneBackups(backupDir)
}

// dumpTable serializes every row of a fixed, known table name. The table
// list is static, never user input.
func (s *Store) dumpTable(ctx context.Context, table, path string) error {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		"SELECT COALESCE(json_agg(t), '[]'::json) FROM %s t", table))
	if err != nil {
		return err
	}
	defer rows.Close()

	var payload json.RawMessage
	if rows.Next() {
		if err := rows.Scan(&payload); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	return os.WriteFile(path, payload, 0o640)
}

func (s *Store) pruneBackups(backupDir string) error {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return err
	}
	var backups []string
	for _, e := range entries {
		if e.IsDir() && len(e.Name()) > 7 && e.Name()[:7] == "backup-" {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) <= maxBackups {
		return nil
	}
	sort.Strings(backups) // timestamped names sort chronologically
	for _, name := range backups[:len(backups)-maxBackups] {
		if err := os.RemoveAll(filepath.Join(backupDir, name)); err != nil {
			log.Printf("[Store] prune %s failed: %v", name, err)
		}
	}
	return nil
}
