package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Directory backed by a SQLite database file.
type SQLiteStore struct {
	db   *sql.DB
	opts Options
}

var _ Directory = (*SQLiteStore)(nil)

const sessionColumns = `id, project_id, user_id, dev_env_id, status, num_cols, num_rows, gateway_id,
	agent_name, provider, model, linked_card_id, ai_chat_enabled,
	created_at, last_activity_at, updated_at, expires_at`

// OpenSQLite opens (creating if needed) the directory database at path and
// migrates it. ":memory:" gives a private database for tests.
func OpenSQLite(ctx context.Context, path string, opts Options) (*SQLiteStore, error) {
	dsn := "file::memory:?_pragma=busy_timeout(5000)"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := applyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	return &SQLiteStore{db: db, opts: opts.withDefaults()}, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Save(ctx context.Context, sess *Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("save session: id is required")
	}
	now := s.opts.Now()
	created := sess.CreatedAt
	if created.IsZero() {
		created = now
	}
	lastActivity := sess.LastActivityAt
	if lastActivity.IsZero() {
		lastActivity = now
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO sessions(`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
	project_id=excluded.project_id,
	user_id=excluded.user_id,
	dev_env_id=excluded.dev_env_id,
	status=excluded.status,
	num_cols=excluded.num_cols,
	num_rows=excluded.num_rows,
	gateway_id=excluded.gateway_id,
	agent_name=excluded.agent_name,
	provider=excluded.provider,
	model=excluded.model,
	linked_card_id=excluded.linked_card_id,
	ai_chat_enabled=excluded.ai_chat_enabled,
	created_at=excluded.created_at,
	last_activity_at=excluded.last_activity_at,
	updated_at=excluded.updated_at,
	expires_at=excluded.expires_at
`, sess.ID, sess.ProjectID, sess.UserID, sess.DevEnvID, string(sess.Status), sess.Cols, sess.Rows, sess.GatewayID,
		sess.AgentName, sess.Provider, sess.Model, sess.LinkedCardID, boolToInt(sess.AIChatEnabled),
		ms(created), ms(lastActivity), ms(now), ms(now.Add(s.opts.TTL)))
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return nil
}

// Update issues a single UPDATE naming only the patched columns.
func (s *SQLiteStore) Update(ctx context.Context, id string, patch Patch) error {
	now := s.opts.Now()
	sets := []string{"updated_at = ?", "expires_at = ?"}
	args := []any{ms(now), ms(now.Add(s.opts.TTL))}
	add := func(col string, v any) {
		sets = append(sets, col+" = ?")
		args = append(args, v)
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Cols != nil {
		add("num_cols", *patch.Cols)
	}
	if patch.Rows != nil {
		add("num_rows", *patch.Rows)
	}
	if patch.GatewayID != nil {
		add("gateway_id", *patch.GatewayID)
	}
	if patch.LastActivityAt != nil {
		add("last_activity_at", ms(*patch.LastActivityAt))
	}
	if patch.AgentName != nil {
		add("agent_name", *patch.AgentName)
	}
	if patch.Provider != nil {
		add("provider", *patch.Provider)
	}
	if patch.Model != nil {
		add("model", *patch.Model)
	}
	if patch.LinkedCardID != nil {
		add("linked_card_id", *patch.LinkedCardID)
	}
	if patch.AIChatEnabled != nil {
		add("ai_chat_enabled", boolToInt(*patch.AIChatEnabled))
	}

	args = append(args, id, ms(now))
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET `+strings.Join(sets, ", ")+` WHERE id = ? AND expires_at > ?`, args...)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update session %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ? AND expires_at > ?`, id, ms(s.opts.Now()))
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *SQLiteStore) ListByProject(ctx context.Context, projectID string) ([]*Session, error) {
	return s.list(ctx, `project_id = ?`, projectID)
}

func (s *SQLiteStore) ListByUser(ctx context.Context, userID string) ([]*Session, error) {
	return s.list(ctx, `user_id = ?`, userID)
}

func (s *SQLiteStore) ListStale(ctx context.Context, before time.Time) ([]*Session, error) {
	return s.list(ctx, `status = 'active' AND updated_at < ?`, ms(before))
}

func (s *SQLiteStore) PurgeExpired(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, ms(s.opts.Now()))
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired sessions: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) list(ctx context.Context, where string, args ...any) ([]*Session, error) {
	args = append(args, ms(s.opts.Now()))
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE `+where+` AND expires_at > ? ORDER BY created_at, id`, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := make([]*Session, 0)
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var (
		sess                                     Session
		status                                   string
		aiEnabled                                int
		createdAt, lastActivity, updated, expiry int64
	)
	err := row.Scan(&sess.ID, &sess.ProjectID, &sess.UserID, &sess.DevEnvID, &status, &sess.Cols, &sess.Rows, &sess.GatewayID,
		&sess.AgentName, &sess.Provider, &sess.Model, &sess.LinkedCardID, &aiEnabled,
		&createdAt, &lastActivity, &updated, &expiry)
	if err != nil {
		return nil, err
	}
	sess.Status = Status(status)
	sess.AIChatEnabled = aiEnabled != 0
	sess.CreatedAt = fromMS(createdAt)
	sess.LastActivityAt = fromMS(lastActivity)
	sess.UpdatedAt = fromMS(updated)
	sess.ExpiresAt = fromMS(expiry)
	return &sess, nil
}

func ms(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMS(v int64) time.Time {
	return time.UnixMilli(v).UTC()
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
