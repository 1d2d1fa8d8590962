package schedule

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Run statuses.
const (
	RunStatusRunning     = "running"
	RunStatusSuccess     = "success"
	RunStatusRetrying    = "retrying"
	RunStatusFailed      = "failed"
	RunStatusRateLimited = "rate_limited"
)

const (
	defaultMaxRetries = 3

	maxResultChars = 5000
	maxErrorChars  = 1000
)

// Action is a stored scheduled action. Permissions lists the tool permission
// tags its runs are scoped to; the set never widens at execution time.
type Action struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Prompt      string   `json:"prompt"`
	CronExpr    string   `json:"cron_expr"`
	Permissions []string `json:"permissions,omitempty"`
	Enabled     bool     `json:"enabled"`
	MaxRetries  int      `json:"max_retries"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
	LastRunAtUnixMs int64 `json:"last_run_at_unix_ms,omitempty"`
}

// Run is one execution record. A retried run keeps its row; Attempt counts
// the tries consumed so far. Rate-limited skips are stored with Attempt 0.
type Run struct {
	ID               int64  `json:"id"`
	ActionID         string `json:"action_id"`
	ConversationID   string `json:"conversation_id,omitempty"`
	Status           string `json:"status"`
	Attempt          int    `json:"attempt"`
	StartedAtUnixMs  int64  `json:"started_at_unix_ms"`
	FinishedAtUnixMs int64  `json:"finished_at_unix_ms,omitempty"`
	Result           string `json:"result,omitempty"`
	Error            string `json:"error,omitempty"`
}

type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) CreateAction(ctx context.Context, a Action) (Action, error) {
	if s == nil || s.db == nil {
		return Action{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.Name = strings.TrimSpace(a.Name)
	a.Prompt = strings.TrimSpace(a.Prompt)
	a.CronExpr = strings.TrimSpace(a.CronExpr)
	if a.Name == "" || a.Prompt == "" {
		return Action{}, errors.New("action needs a name and a prompt")
	}
	if err := ValidateCron(a.CronExpr); err != nil {
		return Action{}, err
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = defaultMaxRetries
	}

	now := time.Now().UnixMilli()
	if a.CreatedAtUnixMs <= 0 {
		a.CreatedAtUnixMs = now
	}
	if a.UpdatedAtUnixMs <= 0 {
		a.UpdatedAtUnixMs = a.CreatedAtUnixMs
	}

	perms, err := marshalPermissions(a.Permissions)
	if err != nil {
		return Action{}, err
	}

	_, err = s.db.ExecContext(ctx, `
INSERT INTO scheduled_actions(
  id, name, description, prompt, cron_expr, permissions,
  enabled, max_retries,
  created_at_unix_ms, updated_at_unix_ms, last_run_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		a.ID,
		a.Name,
		strings.TrimSpace(a.Description),
		a.Prompt,
		a.CronExpr,
		perms,
		boolToInt(a.Enabled),
		a.MaxRetries,
		a.CreatedAtUnixMs,
		a.UpdatedAtUnixMs,
		a.LastRunAtUnixMs,
	)
	if err != nil {
		return Action{}, err
	}
	return a, nil
}

// UpdateAction replaces the mutable fields of an existing action.
func (s *Store) UpdateAction(ctx context.Context, a Action) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	a.ID = strings.TrimSpace(a.ID)
	a.Name = strings.TrimSpace(a.Name)
	a.Prompt = strings.TrimSpace(a.Prompt)
	a.CronExpr = strings.TrimSpace(a.CronExpr)
	if a.ID == "" || a.Name == "" || a.Prompt == "" {
		return errors.New("invalid action")
	}
	if err := ValidateCron(a.CronExpr); err != nil {
		return err
	}
	if a.MaxRetries <= 0 {
		a.MaxRetries = defaultMaxRetries
	}
	perms, err := marshalPermissions(a.Permissions)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_actions
SET name = ?, description = ?, prompt = ?, cron_expr = ?, permissions = ?,
    enabled = ?, max_retries = ?, updated_at_unix_ms = ?
WHERE id = ?
`,
		a.Name,
		strings.TrimSpace(a.Description),
		a.Prompt,
		a.CronExpr,
		perms,
		boolToInt(a.Enabled),
		a.MaxRetries,
		time.Now().UnixMilli(),
		a.ID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) SetActionEnabled(ctx context.Context, id string, enabled bool) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_actions SET enabled = ?, updated_at_unix_ms = ? WHERE id = ?
`, boolToInt(enabled), time.Now().UnixMilli(), strings.TrimSpace(id))
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *Store) DeleteAction(ctx context.Context, id string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	id = strings.TrimSpace(id)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM scheduled_runs WHERE action_id = ?`, id); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM scheduled_actions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return tx.Commit()
}

func (s *Store) GetAction(ctx context.Context, id string) (Action, error) {
	return s.getAction(ctx, `WHERE id = ?`, strings.TrimSpace(id))
}

func (s *Store) GetActionByName(ctx context.Context, name string) (Action, error) {
	return s.getAction(ctx, `WHERE name = ?`, strings.TrimSpace(name))
}

func (s *Store) getAction(ctx context.Context, where string, arg string) (Action, error) {
	if s == nil || s.db == nil {
		return Action{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if arg == "" {
		return Action{}, errors.New("missing action key")
	}
	row := s.db.QueryRowContext(ctx, `
SELECT id, name, description, prompt, cron_expr, permissions,
       enabled, max_retries,
       created_at_unix_ms, updated_at_unix_ms, last_run_at_unix_ms
FROM scheduled_actions
`+where, arg)
	return scanAction(row)
}

// ListActions returns actions by name. With onlyEnabled it filters to those
// the scheduler should fire.
func (s *Store) ListActions(ctx context.Context, onlyEnabled bool) ([]Action, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	query := `
SELECT id, name, description, prompt, cron_expr, permissions,
       enabled, max_retries,
       created_at_unix_ms, updated_at_unix_ms, last_run_at_unix_ms
FROM scheduled_actions
`
	if onlyEnabled {
		query += `WHERE enabled = 1
`
	}
	query += `ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (Action, error) {
	var a Action
	var perms string
	var enabled int
	if err := row.Scan(
		&a.ID, &a.Name, &a.Description, &a.Prompt, &a.CronExpr, &perms,
		&enabled, &a.MaxRetries,
		&a.CreatedAtUnixMs, &a.UpdatedAtUnixMs, &a.LastRunAtUnixMs,
	); err != nil {
		return Action{}, err
	}
	a.Enabled = enabled != 0
	if strings.TrimSpace(perms) != "" {
		if err := json.Unmarshal([]byte(perms), &a.Permissions); err != nil {
			return Action{}, fmt.Errorf("action %s: bad permissions payload: %w", a.ID, err)
		}
	}
	return a, nil
}

// StartRun opens a run row in the running state (attempt 1) and stamps the
// action's last-run time.
func (s *Store) StartRun(ctx context.Context, actionID string, conversationID string, startedAt time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	actionID = strings.TrimSpace(actionID)
	if actionID == "" {
		return 0, errors.New("missing action id")
	}
	startedMs := startedAt.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
INSERT INTO scheduled_runs(action_id, conversation_id, status, attempt, started_at_unix_ms)
VALUES(?, ?, ?, 1, ?)
`, actionID, strings.TrimSpace(conversationID), RunStatusRunning, startedMs)
	if err != nil {
		return 0, err
	}
	runID, _ := res.LastInsertId()

	if _, err := tx.ExecContext(ctx, `
UPDATE scheduled_actions SET last_run_at_unix_ms = ? WHERE id = ?
`, startedMs, actionID); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return runID, nil
}

// MarkRunRetrying records a failed attempt that will be retried. The run
// keeps its row; only the attempt counter and error change.
func (s *Store) MarkRunRetrying(ctx context.Context, runID int64, attempt int, errMsg string) error {
	return s.updateRun(ctx, runID, RunStatusRetrying, attempt, 0, "", errMsg)
}

// AttachRunConversation links a run to the conversation its attempt created.
func (s *Store) AttachRunConversation(ctx context.Context, runID int64, conversationID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		return errors.New("missing conversation id")
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_runs SET conversation_id = ? WHERE id = ?
`, conversationID, runID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// FinishRun closes a run as success or failed.
func (s *Store) FinishRun(ctx context.Context, runID int64, status string, attempt int, result string, errMsg string, finishedAt time.Time) error {
	if status != RunStatusSuccess && status != RunStatusFailed {
		return fmt.Errorf("invalid terminal run status %q", status)
	}
	return s.updateRun(ctx, runID, status, attempt, finishedAt.UnixMilli(), result, errMsg)
}

func (s *Store) updateRun(ctx context.Context, runID int64, status string, attempt int, finishedMs int64, result string, errMsg string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_runs
SET status = ?, attempt = ?, finished_at_unix_ms = ?, result = ?, error = ?
WHERE id = ?
`,
		status,
		attempt,
		finishedMs,
		truncateChars(result, maxResultChars),
		truncateChars(errMsg, maxErrorChars),
		runID,
	)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// RecordRateLimited inserts a skip marker for an action that was due but
// over the hourly budget. These rows never count toward the budget.
func (s *Store) RecordRateLimited(ctx context.Context, actionID string, at time.Time) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_runs(action_id, conversation_id, status, attempt, started_at_unix_ms, finished_at_unix_ms)
VALUES(?, '', ?, 0, ?, ?)
`, strings.TrimSpace(actionID), RunStatusRateLimited, at.UnixMilli(), at.UnixMilli())
	return err
}

// CountRunsStartedSince counts executions started in the window, excluding
// rate-limited skip markers.
func (s *Store) CountRunsStartedSince(ctx context.Context, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(1)
FROM scheduled_runs
WHERE started_at_unix_ms >= ? AND status != ?
`, since.UnixMilli(), RunStatusRateLimited).Scan(&n)
	return n, err
}

// ListRuns returns an action's runs, most recent first. An empty actionID
// lists runs across all actions.
func (s *Store) ListRuns(ctx context.Context, actionID string, limit int) ([]Run, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `
SELECT id, action_id, conversation_id, status, attempt,
       started_at_unix_ms, finished_at_unix_ms, result, error
FROM scheduled_runs
`
	args := []any{}
	if actionID = strings.TrimSpace(actionID); actionID != "" {
		query += `WHERE action_id = ?
`
		args = append(args, actionID)
	}
	query += `ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var r Run
		if err := rows.Scan(&r.ID, &r.ActionID, &r.ConversationID, &r.Status, &r.Attempt,
			&r.StartedAtUnixMs, &r.FinishedAtUnixMs, &r.Result, &r.Error); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) GetRun(ctx context.Context, runID int64) (Run, error) {
	if s == nil || s.db == nil {
		return Run{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	var r Run
	err := s.db.QueryRowContext(ctx, `
SELECT id, action_id, conversation_id, status, attempt,
       started_at_unix_ms, finished_at_unix_ms, result, error
FROM scheduled_runs
WHERE id = ?
`, runID).Scan(&r.ID, &r.ActionID, &r.ConversationID, &r.Status, &r.Attempt,
		&r.StartedAtUnixMs, &r.FinishedAtUnixMs, &r.Result, &r.Error)
	return r, err
}

func marshalPermissions(perms []string) (string, error) {
	if len(perms) == 0 {
		return "[]", nil
	}
	out := make([]string, 0, len(perms))
	for _, p := range perms {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	b, err := json.Marshal(out)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func truncateChars(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut]
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS scheduled_actions (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  description TEXT NOT NULL DEFAULT '',
  prompt TEXT NOT NULL,
  cron_expr TEXT NOT NULL,
  permissions TEXT NOT NULL DEFAULT '[]',
  enabled INTEGER NOT NULL DEFAULT 1,
  max_retries INTEGER NOT NULL DEFAULT 3,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_run_at_unix_ms INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS scheduled_runs (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  action_id TEXT NOT NULL,
  conversation_id TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL,
  attempt INTEGER NOT NULL DEFAULT 1,
  started_at_unix_ms INTEGER NOT NULL,
  finished_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  result TEXT NOT NULL DEFAULT '',
  error TEXT NOT NULL DEFAULT '',
  FOREIGN KEY(action_id) REFERENCES scheduled_actions(id)
);
CREATE INDEX IF NOT EXISTS idx_scheduled_runs_action ON scheduled_runs(action_id, id DESC);
CREATE INDEX IF NOT EXISTS idx_scheduled_runs_started ON scheduled_runs(started_at_unix_ms);
`); err != nil {
		return err
	}
	return tx.Commit()
}
