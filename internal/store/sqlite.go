// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Persists users, conversations, message links and the audit log with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// execer is satisfied by both *sql.DB and *sql.Tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite has a single writer; one connection also keeps ":memory:" databases shared
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			user_id    INTEGER PRIMARY KEY,
			username   TEXT,
			first_name TEXT,
			last_name  TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS conversations (
			user_id    INTEGER PRIMARY KEY,
			topic_id   INTEGER NOT NULL,
			active     INTEGER NOT NULL DEFAULT 1,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_conversations_topic_id
			ON conversations(topic_id);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_conversations_active_topic
			ON conversations(topic_id) WHERE active = 1;

		CREATE TABLE IF NOT EXISTS message_links (
			link_id           TEXT PRIMARY KEY,
			user_id           INTEGER NOT NULL,
			source_chat_id    INTEGER NOT NULL,
			source_message_id INTEGER NOT NULL,
			target_chat_id    INTEGER NOT NULL,
			target_message_id INTEGER NOT NULL,
			created_at        TEXT NOT NULL,

			UNIQUE (source_chat_id, source_message_id, target_chat_id)
		);

		CREATE INDEX IF NOT EXISTS idx_message_links_user
			ON message_links(user_id);

		CREATE TABLE IF NOT EXISTS messages (
			id           TEXT PRIMARY KEY,
			user_id      INTEGER NOT NULL,
			direction    TEXT NOT NULL,
			chat_id      INTEGER NOT NULL,
			message_id   INTEGER NOT NULL,
			content_type TEXT NOT NULL,
			text         TEXT,
			caption      TEXT,
			file_id      TEXT,
			payload_json TEXT,
			created_at   TEXT NOT NULL,

			CHECK (direction IN ('user', 'operator')),
			FOREIGN KEY (user_id) REFERENCES users(user_id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_messages_user_created
			ON messages(user_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times.
func (s *SQLiteStore) runMigrations() error {
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM sqlite_master WHERE type = 'index' AND name = 'idx_messages_chat_message'`).Scan(&exists)
	if err == nil {
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("checking messages index: %w", err)
	}

	// Older databases logged duplicate deliveries; keep the first copy of each
	res, err := s.db.Exec(`
		DELETE FROM messages
		WHERE rowid NOT IN (
			SELECT MIN(rowid) FROM messages GROUP BY chat_id, message_id
		)
	`)
	if err != nil {
		return fmt.Errorf("removing duplicate messages: %w", err)
	}
	if _, err := s.db.Exec(`CREATE UNIQUE INDEX idx_messages_chat_message ON messages(chat_id, message_id)`); err != nil {
		return fmt.Errorf("creating messages unique index: %w", err)
	}

	removed, _ := res.RowsAffected()
	s.logger.Info("applied migration", "index", "idx_messages_chat_message", "duplicates_removed", removed)
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// Ping checks that the database answers a trivial query
func (s *SQLiteStore) Ping(ctx context.Context) error {
	var one int
	if err := s.db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("pinging database: %w", err)
	}
	return nil
}

// WithTx runs fn in a transaction, rolling back if fn returns an error or panics.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqliteTx{tx: sqlTx}); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// sqliteTx adapts *sql.Tx to the Tx interface
type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) UpsertUser(ctx context.Context, user *User) error {
	return upsertUser(ctx, t.tx, user)
}

func (t *sqliteTx) SaveConversation(ctx context.Context, conv *Conversation) error {
	return saveConversation(ctx, t.tx, conv)
}

func (t *sqliteTx) InsertLink(ctx context.Context, link *MessageLink) error {
	return insertLink(ctx, t.tx, link)
}

func (t *sqliteTx) InsertMessage(ctx context.Context, rec *MessageRecord) (bool, error) {
	return insertMessage(ctx, t.tx, rec)
}

func upsertUser(ctx context.Context, ex execer, user *User) error {
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	if user.UpdatedAt.IsZero() {
		user.UpdatedAt = now
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO users (user_id, username, first_name, last_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			username = excluded.username,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			updated_at = excluded.updated_at
	`,
		user.ID,
		nullString(user.Username),
		nullString(user.FirstName),
		nullString(user.LastName),
		formatTime(user.CreatedAt),
		formatTime(user.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upserting user: %w", err)
	}
	return nil
}

func saveConversation(ctx context.Context, ex execer, conv *Conversation) error {
	now := time.Now().UTC()
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.UpdatedAt.IsZero() {
		conv.UpdatedAt = now
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO conversations (user_id, topic_id, active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			topic_id = excluded.topic_id,
			active = excluded.active,
			updated_at = excluded.updated_at
	`,
		conv.UserID,
		conv.TopicID,
		boolToInt(conv.Active),
		formatTime(conv.CreatedAt),
		formatTime(conv.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving conversation: %w", err)
	}
	return nil
}

func insertLink(ctx context.Context, ex execer, link *MessageLink) error {
	if link.ID == "" {
		link.ID = uuid.New().String()
	}
	if link.CreatedAt.IsZero() {
		link.CreatedAt = time.Now().UTC()
	}

	_, err := ex.ExecContext(ctx, `
		INSERT INTO message_links (
			link_id, user_id, source_chat_id, source_message_id,
			target_chat_id, target_message_id, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_chat_id, source_message_id, target_chat_id) DO NOTHING
	`,
		link.ID,
		link.UserID,
		link.SourceChatID,
		link.SourceMessageID,
		link.TargetChatID,
		link.TargetMessageID,
		formatTime(link.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting message link: %w", err)
	}
	return nil
}

func insertMessage(ctx context.Context, ex execer, rec *MessageRecord) (bool, error) {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	res, err := ex.ExecContext(ctx, `
		INSERT INTO messages (
			id, user_id, direction, chat_id, message_id, content_type,
			text, caption, file_id, payload_json, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO NOTHING
	`,
		rec.ID,
		rec.UserID,
		rec.Direction,
		rec.ChatID,
		rec.MessageID,
		rec.ContentType,
		nullString(rec.Text),
		nullString(rec.Caption),
		nullString(rec.FileID),
		nullString(rec.PayloadJSON),
		formatTime(rec.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("inserting message: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking inserted rows: %w", err)
	}
	return n > 0, nil
}

// GetUser retrieves a user by ID.
// Returns ErrNotFound if the user doesn't exist.
func (s *SQLiteStore) GetUser(ctx context.Context, userID int64) (*User, error) {
	var user User
	var username, firstName, lastName sql.NullString
	var createdAtStr, updatedAtStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, first_name, last_name, created_at, updated_at
		FROM users
		WHERE user_id = ?
	`, userID).Scan(&user.ID, &username, &firstName, &lastName, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying user: %w", err)
	}

	user.Username = username.String
	user.FirstName = firstName.String
	user.LastName = lastName.String
	if user.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if user.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}
	return &user, nil
}

// GetActiveConversation returns the user's active conversation or ErrNotFound.
func (s *SQLiteStore) GetActiveConversation(ctx context.Context, userID int64) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, topic_id, active, created_at, updated_at
		FROM conversations
		WHERE user_id = ? AND active = 1
	`, userID)
	return scanConversation(row)
}

// GetConversationByTopic returns the active conversation bound to topicID or ErrNotFound.
func (s *SQLiteStore) GetConversationByTopic(ctx context.Context, topicID int) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, topic_id, active, created_at, updated_at
		FROM conversations
		WHERE topic_id = ? AND active = 1
	`, topicID)
	return scanConversation(row)
}

// DeactivateConversation marks the conversation inactive if it is still bound to topicID.
func (s *SQLiteStore) DeactivateConversation(ctx context.Context, userID int64, topicID int) (bool, error) {
	query := `UPDATE conversations SET active = 0, updated_at = ? WHERE user_id = ? AND active = 1`
	args := []any{formatTime(time.Now().UTC()), userID}
	if topicID != 0 {
		query += ` AND topic_id = ?`
		args = append(args, topicID)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("deactivating conversation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking deactivated rows: %w", err)
	}

	if n > 0 {
		s.logger.Debug("deactivated conversation", "user_id", userID, "topic_id", topicID)
	}
	return n > 0, nil
}

// ListConversations retrieves conversations ordered by most recent update.
func (s *SQLiteStore) ListConversations(ctx context.Context, activeOnly bool, limit int) ([]*Conversation, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT user_id, topic_id, active, created_at, updated_at FROM conversations`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY updated_at DESC, user_id ASC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("querying conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		convs = append(convs, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating conversations: %w", err)
	}
	return convs, nil
}

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (*Conversation, error) {
	var conv Conversation
	var active int
	var createdAtStr, updatedAtStr string

	err := row.Scan(&conv.UserID, &conv.TopicID, &active, &createdAtStr, &updatedAtStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning conversation: %w", err)
	}

	conv.Active = active == 1
	if conv.CreatedAt, err = parseTime(createdAtStr); err != nil {
		return nil, err
	}
	if conv.UpdatedAt, err = parseTime(updatedAtStr); err != nil {
		return nil, err
	}
	return &conv, nil
}

// SaveLinkPair writes the forward link and its mirror atomically.
func (s *SQLiteStore) SaveLinkPair(ctx context.Context, pair LinkPair) error {
	return s.WithTx(ctx, func(tx Tx) error {
		forward := pair.Forward
		if err := tx.InsertLink(ctx, &forward); err != nil {
			return err
		}
		mirror := pair.Mirror()
		return tx.InsertLink(ctx, &mirror)
	})
}

// FindLinkedMessage resolves a source message to its copy in targetChatID.
func (s *SQLiteStore) FindLinkedMessage(ctx context.Context, sourceChatID int64, sourceMessageID int, targetChatID int64) (int, error) {
	var targetMessageID int
	err := s.db.QueryRowContext(ctx, `
		SELECT target_message_id
		FROM message_links
		WHERE source_chat_id = ? AND source_message_id = ? AND target_chat_id = ?
	`, sourceChatID, sourceMessageID, targetChatID).Scan(&targetMessageID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("querying message link: %w", err)
	}
	return targetMessageID, nil
}

// LogUserMessage upserts the sender and appends the record in one transaction.
func (s *SQLiteStore) LogUserMessage(ctx context.Context, user *User, rec *MessageRecord) (bool, error) {
	var inserted bool
	err := s.WithTx(ctx, func(tx Tx) error {
		if err := tx.UpsertUser(ctx, user); err != nil {
			return err
		}
		var err error
		inserted, err = tx.InsertMessage(ctx, rec)
		return err
	})
	return inserted, err
}

// LogMessage appends a record for a user that already exists.
func (s *SQLiteStore) LogMessage(ctx context.Context, rec *MessageRecord) (bool, error) {
	return insertMessage(ctx, s.db, rec)
}

// ListMessages returns a user's audit records, oldest first.
func (s *SQLiteStore) ListMessages(ctx context.Context, userID int64, limit int) ([]*MessageRecord, error) {
	if limit <= 0 {
		limit = 100
	}

	// Select the newest N, then re-sort ascending
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, direction, chat_id, message_id, content_type,
		       text, caption, file_id, payload_json, created_at
		FROM (
			SELECT *, rowid AS rid FROM messages
			WHERE user_id = ?
			ORDER BY created_at DESC, rid DESC
			LIMIT ?
		)
		ORDER BY created_at ASC, rid ASC
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var records []*MessageRecord
	for rows.Next() {
		var rec MessageRecord
		var text, caption, fileID, payload sql.NullString
		var createdAtStr string

		if err := rows.Scan(
			&rec.ID, &rec.UserID, &rec.Direction, &rec.ChatID, &rec.MessageID, &rec.ContentType,
			&text, &caption, &fileID, &payload, &createdAtStr,
		); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}

		rec.Text = text.String
		rec.Caption = caption.String
		rec.FileID = fileID.String
		rec.PayloadJSON = payload.String
		if rec.CreatedAt, err = parseTime(createdAtStr); err != nil {
			return nil, err
		}
		records = append(records, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating messages: %w", err)
	}
	return records, nil
}

// nullString converts empty strings to SQL NULL
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// timeLayout is fixed-width so stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing timestamp %q: %w", s, err)
	}
	return t, nil
}
