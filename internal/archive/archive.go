package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"miner-pulse/internal/core/fleet"
)

// Archive is the optional durable mirror of the in-memory fleet store.
// Writes are best-effort: callers log failures and carry on, so a bad disk
// never blocks ingestion.
type Archive struct {
	db        *sql.DB
	mu        sync.Mutex
	maxPoints int
}

type Config struct {
	DBPath    string
	MaxPoints int // per-miner history rows kept; <=0 falls back to the store default
}

func Open(cfg Config) (*Archive, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("archive: db path is empty")
	}
	if cfg.MaxPoints <= 0 {
		cfg.MaxPoints = fleet.DefaultMaxPoints
	}
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("archive dir: %w", err)
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("archive open: %w", err)
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("archive schema: %w", err)
	}
	return &Archive{db: db, maxPoints: cfg.MaxPoints}, nil
}

func initSchema(db *sql.DB) error {
	_, err := db.Exec(`
        CREATE TABLE IF NOT EXISTS miners (
            id      TEXT PRIMARY KEY,
            name    TEXT NOT NULL,
            coin    TEXT NOT NULL,
            last_ts INTEGER NOT NULL,
            metrics TEXT NOT NULL
        );
        CREATE TABLE IF NOT EXISTS history (
            seq      INTEGER PRIMARY KEY AUTOINCREMENT,
            miner_id TEXT NOT NULL,
            ts       INTEGER NOT NULL,
            metrics  TEXT NOT NULL
        );
        CREATE INDEX IF NOT EXISTS history_miner ON history(miner_id, seq);
    `)
	return err
}

// StoreSnapshot mirrors the latest snapshot, replacing any previous row.
func (a *Archive) StoreSnapshot(ctx context.Context, snap fleet.Snapshot) error {
	metrics, err := json.Marshal(snap.Metrics)
	if err != nil {
		return fmt.Errorf("archive snapshot encode: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	_, err = a.db.ExecContext(ctx, `
        INSERT INTO miners (id, name, coin, last_ts, metrics)
        VALUES (?, ?, ?, ?, ?)
        ON CONFLICT(id) DO UPDATE SET
            name = excluded.name,
            coin = excluded.coin,
            last_ts = excluded.last_ts,
            metrics = excluded.metrics
    `, snap.ID, snap.Name, snap.Coin, snap.LastTS, string(metrics))
	if err != nil {
		return fmt.Errorf("archive snapshot write: %w", err)
	}
	return nil
}

// StorePoint appends one history row and prunes rows past the retention cap.
func (a *Archive) StorePoint(ctx context.Context, minerID string, p fleet.HistoryPoint) error {
	metrics, err := json.Marshal(p.Metrics)
	if err != nil {
		return fmt.Errorf("archive point encode: %w", err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.db.ExecContext(ctx,
		`INSERT INTO history (miner_id, ts, metrics) VALUES (?, ?, ?)`,
		minerID, p.TS, string(metrics)); err != nil {
		return fmt.Errorf("archive point write: %w", err)
	}

	_, err = a.db.ExecContext(ctx, `
        DELETE FROM history
        WHERE miner_id = ?
          AND seq <= COALESCE((
            SELECT seq FROM history WHERE miner_id = ?
            ORDER BY seq DESC LIMIT 1 OFFSET ?
          ), 0)
    `, minerID, minerID, a.maxPoints)
	if err != nil {
		return fmt.Errorf("archive prune: %w", err)
	}
	return nil
}

// Restore replays archived snapshots and history into a fresh store, so a
// restart does not come up with an empty dashboard.
func (a *Archive) Restore(ctx context.Context, store *fleet.Store) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	rows, err := a.db.QueryContext(ctx, `SELECT id, name, coin, last_ts, metrics FROM miners`)
	if err != nil {
		return fmt.Errorf("archive restore query: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var snap fleet.Snapshot
		var metrics string
		if err := rows.Scan(&snap.ID, &snap.Name, &snap.Coin, &snap.LastTS, &metrics); err != nil {
			return fmt.Errorf("archive restore scan: %w", err)
		}
		if err := json.Unmarshal([]byte(metrics), &snap.Metrics); err != nil {
			continue
		}
		store.UpsertSnapshot(snap)
		ids = append(ids, snap.ID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("archive restore rows: %w", err)
	}

	for _, id := range ids {
		points, err := a.historyLocked(ctx, id)
		if err != nil {
			return err
		}
		for _, p := range points {
			store.AppendHistory(id, p)
		}
	}
	return nil
}

// historyLocked returns the trailing retained points in ascending order.
func (a *Archive) historyLocked(ctx context.Context, minerID string) ([]fleet.HistoryPoint, error) {
	rows, err := a.db.QueryContext(ctx, `
        SELECT ts, metrics FROM history
        WHERE miner_id = ?
        ORDER BY seq DESC
        LIMIT ?
    `, minerID, a.maxPoints)
	if err != nil {
		return nil, fmt.Errorf("archive history query: %w", err)
	}
	defer rows.Close()

	var out []fleet.HistoryPoint
	for rows.Next() {
		var p fleet.HistoryPoint
		var metrics string
		if err := rows.Scan(&p.TS, &metrics); err != nil {
			return nil, fmt.Errorf("archive history scan: %w", err)
		}
		if err := json.Unmarshal([]byte(metrics), &p.Metrics); err != nil {
			continue
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("archive history rows: %w", err)
	}

	// rows come newest-first; flip to arrival order
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Clear drops every archived row. Mirrors the in-memory clear-all hook.
func (a *Archive) Clear(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, err := a.db.ExecContext(ctx, `DELETE FROM miners`); err != nil {
		return fmt.Errorf("archive clear miners: %w", err)
	}
	if _, err := a.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("archive clear history: %w", err)
	}
	return nil
}

func (a *Archive) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.db.Close()
}
