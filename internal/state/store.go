// Package state persists export progress, collected attachment references,
// the activity log and the cached access token in a local SQLite database.
package state

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/shineum/pdfzip/internal/attachment"
)

// MaxLogEntries is the number of activity log entries retained.
const MaxLogEntries = 500

// Phase is the stage of the current run.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseSearching   Phase = "searching"
	PhaseReady       Phase = "ready"
	PhaseDownloading Phase = "downloading"
	PhaseDone        Phase = "done"
)

// Activity log levels.
const (
	LevelInfo  = "info"
	LevelOK    = "ok"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Progress is a snapshot of the current run.
type Progress struct {
	RunID             string `db:"run_id" json:"runId"`
	Phase             Phase  `db:"phase" json:"phase"`
	Query             string `db:"query" json:"query"`
	NameFilter        string `db:"name_filter" json:"nameFilter"`
	MessagesProcessed int    `db:"messages_processed" json:"messagesProcessed"`
	TotalMessages     int    `db:"total_messages" json:"totalMessages"`
	PDFFound          int    `db:"pdf_found" json:"pdfFound"`
	PDFDownloaded     int    `db:"pdf_downloaded" json:"pdfDownloaded"`
	Canceled          bool   `db:"canceled" json:"canceled"`
	Email             string `db:"email" json:"email"`
	UpdatedAt         int64  `db:"updated_at" json:"updatedAt"`
}

// LogEntry is one line of the activity log.
type LogEntry struct {
	Seq   int64     `json:"seq"`
	Time  time.Time `json:"time"`
	Level string    `json:"level"`
	Text  string    `json:"text"`
}

type logRow struct {
	Seq       int64  `db:"seq"`
	CreatedAt int64  `db:"created_at"`
	Level     string `db:"level"`
	Text      string `db:"text"`
}

// Store is the SQLite-backed state store.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// Open opens (or creates) the state database at path, enables WAL mode,
// and runs any pending schema migrations.
func Open(path string) (*Store, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite db: %w", err)
	}

	// One connection keeps ":memory:" databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// runMigrations checks the current schema version and applies any
// outstanding migrations in order.
func (s *Store) runMigrations() error {
	currentVersion := 0

	var tableCount int
	err := s.db.Get(
		&tableCount,
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	)
	if err != nil {
		return fmt.Errorf("checking schema_version table: %w", err)
	}

	if tableCount > 0 {
		err = s.db.Get(&currentVersion, "SELECT COALESCE(MAX(version), 0) FROM schema_version")
		if err != nil {
			return fmt.Errorf("reading schema version: %w", err)
		}
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("applying migration v%d: %w", m.version, err)
		}
	}

	return nil
}

// Progress returns the current run snapshot.
func (s *Store) Progress(ctx context.Context) (*Progress, error) {
	var p Progress
	err := s.db.GetContext(ctx, &p, `
		SELECT run_id, phase, query, name_filter, messages_processed, total_messages,
		       pdf_found, pdf_downloaded, canceled, email, updated_at
		FROM progress WHERE id = 1`)
	if err != nil {
		return nil, fmt.Errorf("reading progress: %w", err)
	}
	return &p, nil
}

// BeginRun starts a new search: it clears the references of any previous
// run, zeroes the counters, clears the canceled flag and assigns a fresh
// run ID, which it returns.
func (s *Store) BeginRun(ctx context.Context, query, nameFilter string) (string, error) {
	runID := uuid.NewString()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM attachment_refs"); err != nil {
		return "", fmt.Errorf("clearing attachment refs: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE progress SET
			run_id = ?, phase = ?, query = ?, name_filter = ?,
			messages_processed = 0, total_messages = 0,
			pdf_found = 0, pdf_downloaded = 0, canceled = 0,
			updated_at = ?
		WHERE id = 1`,
		runID, string(PhaseSearching), query, nameFilter, s.stamp())
	if err != nil {
		return "", fmt.Errorf("starting run: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("committing run start: %w", err)
	}
	return runID, nil
}

// BeginDownload clears the canceled flag and the download counter and moves
// the run into the downloading phase.
func (s *Store) BeginDownload(ctx context.Context) error {
	return s.update(ctx, "starting download",
		"phase = ?, canceled = 0, pdf_downloaded = 0", string(PhaseDownloading))
}

// SetPhase records the run phase.
func (s *Store) SetPhase(ctx context.Context, phase Phase) error {
	return s.update(ctx, "setting phase", "phase = ?", string(phase))
}

// SetTotalMessages records the number of messages found so far.
func (s *Store) SetTotalMessages(ctx context.Context, n int) error {
	return s.update(ctx, "setting total messages", "total_messages = ?", n)
}

// SetDownloaded records the number of attachments fetched so far.
func (s *Store) SetDownloaded(ctx context.Context, n int) error {
	return s.update(ctx, "setting downloaded count", "pdf_downloaded = ?", n)
}

// SetCanceled sets or clears the cancellation request.
func (s *Store) SetCanceled(ctx context.Context, canceled bool) error {
	return s.update(ctx, "setting canceled flag", "canceled = ?", canceled)
}

// Canceled reports whether cancellation has been requested.
func (s *Store) Canceled(ctx context.Context) (bool, error) {
	var canceled bool
	if err := s.db.GetContext(ctx, &canceled, "SELECT canceled FROM progress WHERE id = 1"); err != nil {
		return false, fmt.Errorf("reading canceled flag: %w", err)
	}
	return canceled, nil
}

// SetEmail records the connected account address.
func (s *Store) SetEmail(ctx context.Context, email string) error {
	return s.update(ctx, "setting email", "email = ?", email)
}

// RecordMessage stores the references found in one processed message and
// advances the processed and found counters in a single transaction.
func (s *Store) RecordMessage(ctx context.Context, refs []attachment.Ref) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if len(refs) > 0 {
		stmt, err := tx.PreparexContext(ctx,
			"INSERT INTO attachment_refs (message_id, attachment_id, filename) VALUES (?, ?, ?)")
		if err != nil {
			return fmt.Errorf("preparing insert statement: %w", err)
		}
		defer stmt.Close()

		for _, r := range refs {
			if _, err := stmt.ExecContext(ctx, r.MessageID, r.AttachmentID, r.Filename); err != nil {
				return fmt.Errorf("inserting ref %s/%s: %w", r.MessageID, r.AttachmentID, err)
			}
		}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE progress SET
			messages_processed = messages_processed + 1,
			pdf_found = pdf_found + ?,
			updated_at = ?
		WHERE id = 1`, len(refs), s.stamp())
	if err != nil {
		return fmt.Errorf("advancing counters: %w", err)
	}

	return tx.Commit()
}

// Refs returns the stored references in discovery order.
func (s *Store) Refs(ctx context.Context) ([]attachment.Ref, error) {
	var refs []attachment.Ref
	err := s.db.SelectContext(ctx, &refs,
		"SELECT message_id, attachment_id, filename FROM attachment_refs ORDER BY position")
	if err != nil {
		return nil, fmt.Errorf("listing attachment refs: %w", err)
	}
	return refs, nil
}

// RefCount returns the number of stored references.
func (s *Store) RefCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, "SELECT COUNT(*) FROM attachment_refs"); err != nil {
		return 0, fmt.Errorf("counting attachment refs: %w", err)
	}
	return n, nil
}

// AppendLog adds an entry to the activity log and trims it to the most
// recent MaxLogEntries. Sequence numbers keep increasing across trims
// and resets.
func (s *Store) AppendLog(ctx context.Context, level, text string) (LogEntry, error) {
	now := s.now()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return LogEntry{}, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO activity_log (created_at, level, text) VALUES (?, ?, ?)",
		now.UnixMilli(), level, text)
	if err != nil {
		return LogEntry{}, fmt.Errorf("appending log entry: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return LogEntry{}, fmt.Errorf("reading log sequence: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM activity_log WHERE seq <= ?", seq-MaxLogEntries); err != nil {
		return LogEntry{}, fmt.Errorf("trimming activity log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return LogEntry{}, fmt.Errorf("committing log entry: %w", err)
	}

	return LogEntry{Seq: seq, Time: time.UnixMilli(now.UnixMilli()), Level: level, Text: text}, nil
}

// Log returns the retained entries with a sequence number above afterSeq,
// oldest first.
func (s *Store) Log(ctx context.Context, afterSeq int64) ([]LogEntry, error) {
	var rows []logRow
	err := s.db.SelectContext(ctx, &rows,
		"SELECT seq, created_at, level, text FROM activity_log WHERE seq > ? ORDER BY seq", afterSeq)
	if err != nil {
		return nil, fmt.Errorf("reading activity log: %w", err)
	}

	entries := make([]LogEntry, 0, len(rows))
	for _, r := range rows {
		entries = append(entries, LogEntry{
			Seq:   r.Seq,
			Time:  time.UnixMilli(r.CreatedAt),
			Level: r.Level,
			Text:  r.Text,
		})
	}
	return entries, nil
}

// Reset wipes progress, references and the activity log. The cached access
// token and the account email survive.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		"DELETE FROM attachment_refs",
		"DELETE FROM activity_log",
	} {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("resetting state: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE progress SET
			run_id = '', phase = ?, query = '', name_filter = '',
			messages_processed = 0, total_messages = 0,
			pdf_found = 0, pdf_downloaded = 0, canceled = 0,
			updated_at = ?
		WHERE id = 1`, string(PhaseIdle), s.stamp())
	if err != nil {
		return fmt.Errorf("resetting progress: %w", err)
	}

	return tx.Commit()
}

// CachedToken returns the cached access token and its expiry. An empty
// token means nothing is cached.
func (s *Store) CachedToken(ctx context.Context) (string, time.Time, error) {
	var row struct {
		Token     string `db:"access_token"`
		ExpiresAt int64  `db:"token_expires_at"`
	}
	err := s.db.GetContext(ctx, &row,
		"SELECT access_token, token_expires_at FROM progress WHERE id = 1")
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reading cached token: %w", err)
	}
	if row.Token == "" {
		return "", time.Time{}, nil
	}
	return row.Token, time.UnixMilli(row.ExpiresAt), nil
}

// SaveToken caches an access token until expiresAt.
func (s *Store) SaveToken(ctx context.Context, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE progress SET access_token = ?, token_expires_at = ? WHERE id = 1",
		token, expiresAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("caching token: %w", err)
	}
	return nil
}

// ClearToken drops the cached access token.
func (s *Store) ClearToken(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE progress SET access_token = '', token_expires_at = 0 WHERE id = 1")
	if err != nil {
		return fmt.Errorf("clearing cached token: %w", err)
	}
	return nil
}

// update applies a SET clause to the progress row and bumps updated_at.
func (s *Store) update(ctx context.Context, what, set string, args ...any) error {
	args = append(args, s.stamp())
	_, err := s.db.ExecContext(ctx,
		"UPDATE progress SET "+set+", updated_at = ? WHERE id = 1", args...)
	if err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

func (s *Store) stamp() int64 {
	return s.now().UnixMilli()
}
