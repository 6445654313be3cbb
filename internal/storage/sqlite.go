package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "daymail/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "./daymail.db"
	}
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

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Records ----

func (s *sqliteStore) CreateRecord(ctx context.Context, r Record) (int64, error) {
	now := time.Now().UTC()
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO records(kind, record_date, code, payload, created_at, updated_at)
		 VALUES(?,?,?,?,?,?)`,
		r.Kind, r.Date, r.Code, nullStr(r.Payload),
		r.CreatedAt.Format(time.RFC3339Nano), r.UpdatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (s *sqliteStore) UpdateRecord(ctx context.Context, r Record) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE records SET record_date=?, code=?, payload=?, updated_at=?
		 WHERE id=? AND kind=?`,
		r.Date, r.Code, nullStr(r.Payload), time.Now().UTC().Format(time.RFC3339Nano),
		r.ID, r.Kind,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *sqliteStore) DeleteRecord(ctx context.Context, kind string, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id=? AND kind=?`, id, kind)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *sqliteStore) ListRecords(ctx context.Context, kind string) ([]Record, error) {
	return s.queryRecords(ctx,
		`SELECT id, kind, record_date, code, payload, created_at, updated_at
		 FROM records WHERE kind=? ORDER BY record_date, id`, kind)
}

func (s *sqliteStore) FindByKindAndDate(ctx context.Context, kind, day string) ([]Record, error) {
	return s.queryRecords(ctx,
		`SELECT id, kind, record_date, code, payload, created_at, updated_at
		 FROM records WHERE kind=? AND record_date=? ORDER BY id`, kind, day)
}

func (s *sqliteStore) queryRecords(ctx context.Context, q string, args ...any) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var (
			r        Record
			payload  sql.NullString
			created  string
			updated  string
		)
		if err := rows.Scan(&r.ID, &r.Kind, &r.Date, &r.Code, &payload, &created, &updated); err != nil {
			return nil, err
		}
		r.Payload = payload.String
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		r.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---- Legend ----

func (s *sqliteStore) UpsertLegend(ctx context.Context, e LegendEntry) error {
	abbr := strings.ToUpper(strings.TrimSpace(e.Abbr))
	if abbr == "" {
		return errors.New("legend abbr is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO legend(abbr, description, category) VALUES(?,?,?)
		 ON CONFLICT(abbr) DO UPDATE SET description=excluded.description, category=excluded.category`,
		abbr, e.Description, e.Category,
	)
	return err
}

func (s *sqliteStore) GetLegend(ctx context.Context, abbr string) (LegendEntry, error) {
	abbr = strings.ToUpper(strings.TrimSpace(abbr))
	var (
		e    LegendEntry
		last sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT abbr, description, category, usage_count, last_used FROM legend WHERE abbr=?`, abbr,
	).Scan(&e.Abbr, &e.Description, &e.Category, &e.UsageCount, &last)
	if errors.Is(err, sql.ErrNoRows) {
		return LegendEntry{}, ErrNotFound
	}
	if err != nil {
		return LegendEntry{}, err
	}
	if last.Valid {
		e.LastUsed, _ = time.Parse(time.RFC3339Nano, last.String)
	}
	return e, nil
}

func (s *sqliteStore) ListLegend(ctx context.Context) ([]LegendEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT abbr, description, category, usage_count, last_used FROM legend ORDER BY abbr`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LegendEntry
	for rows.Next() {
		var (
			e    LegendEntry
			last sql.NullString
		)
		if err := rows.Scan(&e.Abbr, &e.Description, &e.Category, &e.UsageCount, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			e.LastUsed, _ = time.Parse(time.RFC3339Nano, last.String)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *sqliteStore) DeleteLegend(ctx context.Context, abbr string) error {
	abbr = strings.ToUpper(strings.TrimSpace(abbr))
	res, err := s.db.ExecContext(ctx, `DELETE FROM legend WHERE abbr=?`, abbr)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

func (s *sqliteStore) TouchLegendUsage(ctx context.Context, abbr string) error {
	abbr = strings.ToUpper(strings.TrimSpace(abbr))
	res, err := s.db.ExecContext(ctx,
		`UPDATE legend SET usage_count = usage_count + 1, last_used = ? WHERE abbr = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), abbr,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// ---- Settings ----

func (s *sqliteStore) GetSettings(ctx context.Context) (Settings, error) {
	var (
		st      Settings
		enabled int
		updated string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT sender_address, sender_credential, target_address, notify_time, timezone, enabled, updated_at
		 FROM settings WHERE id = 1`,
	).Scan(&st.SenderAddress, &st.SenderCredential, &st.TargetAddress, &st.NotifyTime, &st.Timezone, &enabled, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Settings{}, ErrNotFound
	}
	if err != nil {
		return Settings{}, err
	}
	st.Enabled = enabled != 0
	st.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return st, nil
}

// PutSettings replaces the whole singleton row.
func (s *sqliteStore) PutSettings(ctx context.Context, st Settings) error {
	enabled := 0
	if st.Enabled {
		enabled = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(id, sender_address, sender_credential, target_address, notify_time, timezone, enabled, updated_at)
		 VALUES(1,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   sender_address=excluded.sender_address,
		   sender_credential=excluded.sender_credential,
		   target_address=excluded.target_address,
		   notify_time=excluded.notify_time,
		   timezone=excluded.timezone,
		   enabled=excluded.enabled,
		   updated_at=excluded.updated_at`,
		st.SenderAddress, st.SenderCredential, st.TargetAddress, st.NotifyTime, st.Timezone,
		enabled, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
