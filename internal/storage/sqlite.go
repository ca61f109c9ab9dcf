package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "pewcast/pkg/logx"
)

//go:embed migrations.sql
var migrations string

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.ExecContext(ctx, fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.ExecContext(ctx, "PRAGMA journal_mode = WAL")
	_, _ = db.ExecContext(ctx, "PRAGMA synchronous = NORMAL")

	if _, err := db.ExecContext(ctx, migrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return st, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor, action, generation, targets, ok, fail, skip, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.Format(time.RFC3339Nano), nullStr(e.Actor), e.Action, nullStr(e.Generation),
		e.Targets, e.OK, e.Fail, e.Skip, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func (s *sqliteStore) SaveDeliveries(ctx context.Context, g Generation) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO ledger_generation(singleton, id, started_at) VALUES(1,?,?)
		 ON CONFLICT(singleton) DO UPDATE SET id=excluded.id, started_at=excluded.started_at`,
		g.ID, g.StartedAt.Format(time.RFC3339Nano),
	); err != nil {
		return err
	}
	for i, d := range g.Records {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO ledger(target_key, message_id, seq) VALUES(?,?,?)
			 ON CONFLICT(target_key) DO UPDATE SET message_id=excluded.message_id, seq=excluded.seq`,
			d.TargetKey, d.MessageID, i,
		); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) LoadDeliveries(ctx context.Context) (Generation, error) {
	if s == nil || s.db == nil {
		return Generation{}, ErrDisabled
	}
	var (
		g       Generation
		started string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, started_at FROM ledger_generation WHERE singleton = 1`).Scan(&g.ID, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return Generation{}, nil
	}
	if err != nil {
		return Generation{}, err
	}
	if t, perr := time.Parse(time.RFC3339Nano, started); perr == nil {
		g.StartedAt = t
	}

	rows, err := s.db.QueryContext(ctx, `SELECT target_key, message_id FROM ledger ORDER BY seq`)
	if err != nil {
		return Generation{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var d Delivery
		if err := rows.Scan(&d.TargetKey, &d.MessageID); err != nil {
			return Generation{}, err
		}
		g.Records = append(g.Records, d)
	}
	return g, rows.Err()
}

func (s *sqliteStore) ClearDeliveries(ctx context.Context) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_generation`); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) IsBlocked(ctx context.Context, key string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM blocked_target WHERE target_key = ?`, strings.TrimSpace(key)).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) SetBlocked(ctx context.Context, key string, blocked bool) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	var err error
	if blocked {
		_, err = s.db.ExecContext(ctx,
			`INSERT INTO blocked_target(target_key, since) VALUES(?,?) ON CONFLICT(target_key) DO NOTHING`,
			key, time.Now().Format(time.RFC3339Nano))
	} else {
		_, err = s.db.ExecContext(ctx, `DELETE FROM blocked_target WHERE target_key = ?`, key)
	}
	return err
}

func (s *sqliteStore) BlockedKeys(ctx context.Context) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx, `SELECT target_key FROM blocked_target ORDER BY target_key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
