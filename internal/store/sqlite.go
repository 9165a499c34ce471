package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modelfetch/internal/logging"

	_ "modernc.org/sqlite"
)

// Download represents a row in the downloads table.
type Download struct {
	ID           int64     `json:"id"`
	SessionID    string    `json:"session_id"`
	ModelName    string    `json:"model_name"`
	ModelType    string    `json:"model_type"`
	ModelURL     string    `json:"model_url"`
	Path         string    `json:"path,omitempty"`
	SHA256       string    `json:"sha256,omitempty"`
	Status       string    `json:"status"`
	Progress     float64   `json:"progress"`
	ErrorMessage string    `json:"error_message,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Store wraps an sql.DB and provides typed helpers.
type Store struct {
	db *sql.DB
}

// Open opens or creates a SQLite database at the given path and ensures schema.
func Open(path string) (*Store, error) {
	// Pragmas: busy timeout and WAL for better concurrency.
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_journal_mode=WAL", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// Conservative limits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func initSchema(db *sql.DB) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS downloads (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL,
    model_name TEXT,
    model_type TEXT,
    model_url TEXT NOT NULL,
    status TEXT,
    progress REAL,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_downloads_status ON downloads(status);
CREATE INDEX IF NOT EXISTS idx_downloads_created_at ON downloads(created_at);
CREATE INDEX IF NOT EXISTS idx_downloads_session ON downloads(session_id);
`
	if _, err := db.Exec(ddl); err != nil {
		return err
	}

	// Upgrade older ledger files that predate these columns.
	for _, col := range []struct{ name, typ string }{
		{"path", "TEXT"},
		{"sha256", "TEXT"},
		{"error_message", "TEXT"},
	} {
		if err := ensureColumn(db, "downloads", col.name, col.typ); err != nil {
			return err
		}
	}
	return nil
}

func ensureColumn(db *sql.DB, table, column, colType string) error {
	hasCol, err := hasColumn(db, table, column)
	if err != nil {
		return err
	}
	if hasCol {
		return nil
	}

	_, err = db.Exec(fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s`, table, column, colType))
	return err
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf(`PRAGMA table_info(%s)`, table))
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid       int
			name      string
			colType   string
			notNull   int
			dfltValue sql.NullString
			pk        int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return false, err
		}
		if strings.EqualFold(name, column) {
			return true, nil
		}
	}
	return false, rows.Err()
}

// Close closes the underlying DB.
func (s *Store) Close() error { return s.db.Close() }

// CreateDownload inserts a new pending row for one download stream and
// returns its ID.
func (s *Store) CreateDownload(ctx context.Context, sessionID, modelName, modelType, modelURL string) (int64, error) {
	if strings.TrimSpace(modelURL) == "" {
		return 0, ErrEmptyURL
	}
	const st = "pending"
	res, err := s.db.ExecContext(ctx, `
INSERT INTO downloads (session_id, model_name, model_type, model_url, status, progress)
VALUES (?, ?, ?, ?, ?, 0)`, sessionID, modelName, modelType, modelURL, st)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get insert id: %w", err)
	}
	logging.LogDBCreate(id, sessionID, modelName, modelURL, st)
	return id, nil
}

// UpdateProgress sets progress, moves a pending row to downloading and
// bumps updated_at. Finished rows are left alone.
func (s *Store) UpdateProgress(ctx context.Context, id int64, progress float64) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE downloads
SET progress = ?,
    status = CASE WHEN status = 'pending' THEN 'downloading' ELSE status END,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ? AND status IN ('pending', 'downloading')`, progress, id)
	if err != nil {
		return err
	}
	if err := s.requireRow(ctx, res, id); err != nil {
		return err
	}
	logging.LogDBUpdate("update_progress", id, map[string]any{"progress": progress})
	return nil
}

// MarkCompleted records the saved model path and its checksum.
func (s *Store) MarkCompleted(ctx context.Context, id int64, path, sha256 string) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE downloads
SET status = 'completed', progress = 100, path = ?, sha256 = ?, error_message = NULL, updated_at = CURRENT_TIMESTAMP
WHERE id = ?`, path, sha256, id)
	if err != nil {
		return err
	}
	if err := s.requireRow(ctx, res, id); err != nil {
		return err
	}
	logging.LogDBUpdate("mark_completed", id, map[string]any{"status": "completed", "path": path})
	return nil
}

// MarkFailed sets the error status. An empty message clears error_message.
func (s *Store) MarkFailed(ctx context.Context, id int64, msg string) error {
	var errMsg any
	if trimmed := strings.TrimSpace(msg); trimmed != "" {
		errMsg = trimmed
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE downloads
SET status = 'error', error_message = ?, updated_at = CURRENT_TIMESTAMP
WHERE id = ?`, errMsg, id)
	if err != nil {
		return err
	}
	if err := s.requireRow(ctx, res, id); err != nil {
		return err
	}
	logging.LogDBUpdate("mark_failed", id, map[string]any{"status": "error", "error_message": msg})
	return nil
}

// requireRow turns a zero-row update into ErrNotFound when the row is
// missing. A row that exists but did not match the status guard is fine.
func (s *Store) requireRow(ctx context.Context, res sql.Result, id int64) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected > 0 {
		return nil
	}
	if _, err := s.GetDownload(ctx, id); err != nil {
		return err
	}
	return nil
}

const selectColumns = `SELECT id, session_id, model_name, model_type, model_url, path, sha256, status, progress, error_message, created_at, updated_at FROM downloads`

type scanner interface {
	Scan(dest ...any) error
}

func scanDownload(row scanner) (Download, error) {
	var d Download
	var name, typ, path, sum, errorMessage sql.NullString
	if err := row.Scan(&d.ID, &d.SessionID, &name, &typ, &d.ModelURL, &path, &sum, &d.Status, &d.Progress, &errorMessage, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return Download{}, err
	}
	d.ModelName = name.String
	d.ModelType = typ.String
	d.Path = path.String
	d.SHA256 = sum.String
	d.ErrorMessage = errorMessage.String
	return d, nil
}

// GetDownload returns a single download by ID.
func (s *Store) GetDownload(ctx context.Context, id int64) (Download, error) {
	d, err := scanDownload(s.db.QueryRowContext(ctx, selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Download{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err != nil {
		return Download{}, err
	}
	return d, nil
}

// ListFilter narrows and orders ListDownloads.
type ListFilter struct {
	Status    string // optional: pending|downloading|completed|error
	ModelType string // optional, case-insensitive
	SessionID string // optional
	Sort      string // created_at|model_name|status
	Order     string // asc|desc
	Limit     int    // optional
	Offset    int    // optional
}

// ListDownloads returns downloads filtered and sorted.
func (s *Store) ListDownloads(ctx context.Context, f ListFilter) ([]Download, error) {
	sortCol := "created_at"
	switch strings.ToLower(f.Sort) {
	case "name", "model_name":
		sortCol = "model_name"
	case "status":
		sortCol = "status"
	}
	order := "DESC"
	if strings.ToLower(f.Order) == "asc" {
		order = "ASC"
	}

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, normalizeStatus(f.Status))
	}
	if f.ModelType != "" {
		where = append(where, "LOWER(model_type) = ?")
		args = append(args, strings.ToLower(f.ModelType))
	}
	if f.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, f.SessionID)
	}

	sb := strings.Builder{}
	sb.WriteString(selectColumns)
	if len(where) > 0 {
		sb.WriteString(" WHERE ")
		sb.WriteString(strings.Join(where, " AND "))
	}
	sb.WriteString(" ORDER BY ")
	sb.WriteString(sortCol)
	sb.WriteByte(' ')
	sb.WriteString(order)
	sb.WriteString(", id ")
	sb.WriteString(order)
	if f.Limit > 0 {
		sb.WriteString(" LIMIT ?")
		args = append(args, f.Limit)
		if f.Offset > 0 {
			sb.WriteString(" OFFSET ?")
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		sb.WriteString(" LIMIT -1 OFFSET ?")
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]Download, 0, 64)
	for rows.Next() {
		d, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// CountDownloadsByStatus returns the count of downloads by status
func (s *Store) CountDownloadsByStatus(ctx context.Context, status string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM downloads WHERE status = ?`, normalizeStatus(status)).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}

func normalizeStatus(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "queued":
		return "pending"
	case "downloading", "completed", "pending":
		return s
	case "failed", "error":
		return "error"
	default:
		return "pending"
	}
}
