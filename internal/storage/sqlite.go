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

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"patchwatch/internal/post"
	logx "patchwatch/pkg/logx"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
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
	// SQLite prefers a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	busy := cfg.BusyTimeout
	if busy <= 0 {
		busy = 5 * time.Second
	}
	_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", busy.Milliseconds()))
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log}
	version, err := st.migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Info("sqlite storage opened", logx.String("path", path), logx.Uint64("schema", uint64(version)))
	return st, nil
}

// migrate applies the embedded migrations and returns the schema version.
// The migrate instance is not closed: that would close db as well.
func (s *sqliteStore) migrate() (uint, error) {
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("create sqlite migrate driver: %w", err)
	}
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("create iofs source: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	if dirty {
		return version, fmt.Errorf("schema version %d is dirty", version)
	}
	return version, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) LoadRecipients(ctx context.Context) (Recipients, error) {
	out := emptyRecipients()
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, channel_id, thread_id, mention FROM group_targets`)
	if err != nil {
		return out, err
	}
	for rows.Next() {
		var g GroupRecord
		var mention sql.NullString
		if err := rows.Scan(&g.GroupID, &g.ChannelID, &g.ThreadID, &mention); err != nil {
			_ = rows.Close()
			return out, err
		}
		g.MentionID = mention.String
		out.Groups[g.GroupID] = g
	}
	if err := rows.Close(); err != nil {
		return out, err
	}
	if err := rows.Err(); err != nil {
		return out, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT user_id, enabled FROM direct_targets`)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		var d DirectRecord
		if err := rows.Scan(&d.UserID, &d.Enabled); err != nil {
			return out, err
		}
		out.Direct[d.UserID] = d
	}
	return out, rows.Err()
}

func (s *sqliteStore) PutGroup(ctx context.Context, g GroupRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO group_targets(group_id, channel_id, thread_id, mention, updated_at) VALUES(?,?,?,?,?)
		 ON CONFLICT(group_id) DO UPDATE SET channel_id=excluded.channel_id, thread_id=excluded.thread_id,
		   mention=excluded.mention, updated_at=excluded.updated_at`,
		g.GroupID, g.ChannelID, g.ThreadID, nullStr(g.MentionID), now(),
	)
	return err
}

func (s *sqliteStore) DeleteGroup(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM group_targets WHERE group_id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) PutDirect(ctx context.Context, d DirectRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO direct_targets(user_id, enabled, updated_at) VALUES(?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET enabled=excluded.enabled, updated_at=excluded.updated_at`,
		d.UserID, d.Enabled, now(),
	)
	return err
}

func (s *sqliteStore) DeleteDirect(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM direct_targets WHERE user_id = ?`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) LoadPost(ctx context.Context) (*post.Artifact, error) {
	var art post.Artifact
	var media sql.NullString
	var builtAt string
	err := s.db.QueryRowContext(ctx,
		`SELECT source_url, display_text, media_ref, built_at FROM last_post WHERE slot = 1`,
	).Scan(&art.SourceURL, &art.DisplayText, &media, &builtAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	art.MediaRef = media.String
	if t, err := time.Parse(time.RFC3339Nano, builtAt); err == nil {
		art.BuiltAt = t
	}
	return &art, nil
}

func (s *sqliteStore) SavePost(ctx context.Context, art *post.Artifact) error {
	if art == nil {
		return nil
	}
	builtAt := art.BuiltAt
	if builtAt.IsZero() {
		builtAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO last_post(slot, source_url, display_text, media_ref, built_at) VALUES(1,?,?,?,?)
		 ON CONFLICT(slot) DO UPDATE SET source_url=excluded.source_url, display_text=excluded.display_text,
		   media_ref=excluded.media_ref, built_at=excluded.built_at`,
		art.SourceURL.String(), art.DisplayText, nullStr(art.MediaRef), builtAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, chat_id, thread_id, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.ActorID, nullStr(e.ActorUsername), e.ChatID, e.ThreadID,
		e.Action, nullStr(e.Target), e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	return err
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
