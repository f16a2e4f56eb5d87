package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

var ErrNotFound = errors.New("session not found")

type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(dataSourceName string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows a single writer; serializing avoids "database is locked".
	db.SetMaxOpenConns(1)
	if err = db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err = store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    CREATE TABLE IF NOT EXISTS chat_sessions (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        user_id TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_chat_sessions_user ON chat_sessions (user_id);

    CREATE TABLE IF NOT EXISTS chat_messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        chat_session_id INTEGER NOT NULL,
        sender TEXT NOT NULL CHECK (sender IN ('user', 'ai', 'system')),
        content TEXT NOT NULL,
        created_at DATETIME NOT NULL,
        FOREIGN KEY (chat_session_id) REFERENCES chat_sessions (id) ON DELETE CASCADE
    );
    CREATE INDEX IF NOT EXISTS idx_chat_messages_session ON chat_messages (chat_session_id);
    `
	_, err := s.db.Exec(schema)
	return err
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Session methods
func (s *SQLiteStore) ListSessions(ctx context.Context, userID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, user_id, title, created_at FROM chat_sessions WHERE user_id = ? ORDER BY created_at DESC, id DESC", userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSession returns the session with its messages, or ErrNotFound when it
// does not exist or belongs to another user.
func (s *SQLiteStore) GetSession(ctx context.Context, userID string, sessionID int64) (*Session, error) {
	return getSession(ctx, s.db, userID, sessionID)
}

func getSession(ctx context.Context, q querier, userID string, sessionID int64) (*Session, error) {
	var sess Session
	err := q.QueryRowContext(ctx, "SELECT id, user_id, title, created_at FROM chat_sessions WHERE id = ? AND user_id = ?", sessionID, userID).
		Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	sess.Messages, err = messages(ctx, q, sessionID)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

// GetMessages returns a session's messages in insertion order.
func (s *SQLiteStore) GetMessages(ctx context.Context, userID string, sessionID int64) ([]Message, error) {
	sess, err := s.GetSession(ctx, userID, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

func messages(ctx context.Context, q querier, sessionID int64) ([]Message, error) {
	rows, err := q.QueryContext(ctx, "SELECT id, chat_session_id, sender, content, created_at FROM chat_messages WHERE chat_session_id = ? ORDER BY id ASC", sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs := []Message{}
	for rows.Next() {
		var msg Message
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Sender, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan message row: %w", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// Exchange is one user message and the AI reply to it.
type Exchange struct {
	UserID string
	// SessionID is 0 to start a new session.
	SessionID int64
	UserText  string
	AIText    string
	// Title replaces the default title of a new session when set.
	Title string
}

// SaveExchange stores both messages of an exchange in one transaction,
// creating the session first when needed, and returns the updated session.
func (s *SQLiteStore) SaveExchange(ctx context.Context, ex Exchange) (*Session, error) {
	var sess *Session
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id := ex.SessionID
		if id == 0 {
			title := ex.Title
			if title == "" {
				title = DefaultTitle
			}
			var err error
			if id, err = createSession(ctx, tx, ex.UserID, title); err != nil {
				return err
			}
		} else if _, err := getSession(ctx, tx, ex.UserID, id); err != nil {
			return err
		}

		if err := createMessage(ctx, tx, id, SenderUser, ex.UserText); err != nil {
			return err
		}
		if err := createMessage(ctx, tx, id, SenderAI, ex.AIText); err != nil {
			return err
		}

		var err error
		sess, err = getSession(ctx, tx, ex.UserID, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// SeedSession creates a session whose history starts with the given messages,
// all in one transaction, and returns its id.
func (s *SQLiteStore) SeedSession(ctx context.Context, userID, title string, seed []Message) (int64, error) {
	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		if id, err = createSession(ctx, tx, userID, title); err != nil {
			return err
		}
		for _, m := range seed {
			if err := createMessage(ctx, tx, id, m.Sender, m.Content); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func createSession(ctx context.Context, q querier, userID, title string) (int64, error) {
	res, err := q.ExecContext(ctx, "INSERT INTO chat_sessions (user_id, title, created_at) VALUES (?, ?, ?)", userID, title, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to insert session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read session id: %w", err)
	}
	return id, nil
}

func createMessage(ctx context.Context, q querier, sessionID int64, sender, content string) error {
	_, err := q.ExecContext(ctx, "INSERT INTO chat_messages (chat_session_id, sender, content, created_at) VALUES (?, ?, ?, ?)",
		sessionID, sender, content, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return nil
}

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
