package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

type DB struct {
	conn *sql.DB
	now  func() time.Time
}

// User is a marketplace participant known to the reference server.
type User struct {
	ID        string
	FullName  string
	AvatarURL string
}

// Message is a persisted direct message.
type Message struct {
	ID          int64
	ClientMsgID string
	SenderID    string
	ReceiverID  string
	Content     string
	ContentType string
	CreatedAt   time.Time
	Sender      User
	Receiver    User
}

// Conversation is one partner row of GET /chats/{userId}.
type Conversation struct {
	Partner     User
	LastMessage string
	ContentType string
	CreatedAt   time.Time
	UnreadCount int
}

type Notification struct {
	ID          int64
	Sender      User
	Status      string
	Content     string
	ContentType string
	CreatedAt   time.Time
}

type File struct {
	UploaderID  string
	FileName    string
	FilePath    string
	FileSize    int64
	ContentType string
}

// Fixed width so stored timestamps sort as text.
const TimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL lets readers run while the hub writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA cache_size=-64000"); err != nil {
		return nil, fmt.Errorf("failed to set cache size: %w", err)
	}

	// In-memory databases exist per connection.
	if path == ":memory:" || strings.Contains(path, "mode=memory") {
		conn.SetMaxOpenConns(1)
	} else {
		conn.SetMaxOpenConns(25)
		conn.SetMaxIdleConns(5)
	}
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, now: time.Now}

	if err := db.migrate(); err != nil {
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		full_name TEXT NOT NULL DEFAULT '',
		avatar_url TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_message_id TEXT NOT NULL DEFAULT '',
		sender_id TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		content TEXT NOT NULL,
		content_type TEXT NOT NULL DEFAULT 'text',
		created_at TEXT NOT NULL,
		FOREIGN KEY (sender_id) REFERENCES users(id),
		FOREIGN KEY (receiver_id) REFERENCES users(id)
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		message_id INTEGER NOT NULL,
		user_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'unread',
		created_at TEXT NOT NULL,
		FOREIGN KEY (message_id) REFERENCES messages(id)
	);

	CREATE TABLE IF NOT EXISTS files (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		uploader_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		file_path TEXT NOT NULL,
		file_size INTEGER NOT NULL,
		content_type TEXT,
		created_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_client_id ON messages(sender_id, client_message_id) WHERE client_message_id != '';
	CREATE INDEX IF NOT EXISTS idx_messages_sender_receiver ON messages(sender_id, receiver_id);
	CREATE INDEX IF NOT EXISTS idx_messages_receiver ON messages(receiver_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, status);
	CREATE INDEX IF NOT EXISTS idx_notifications_user_sender ON notifications(user_id, sender_id);
	`

	_, err := db.conn.Exec(schema)
	return err
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) GetConn() *sql.DB {
	return db.conn
}

func (db *DB) stamp() string {
	return db.now().UTC().Format(TimeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// EnsureUser creates the user on first sight and fills in a missing name
// or avatar afterwards.
func (db *DB) EnsureUser(ctx context.Context, u User) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO users (id, full_name, avatar_url, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			full_name = CASE WHEN excluded.full_name != '' THEN excluded.full_name ELSE users.full_name END,
			avatar_url = CASE WHEN excluded.avatar_url != '' THEN excluded.avatar_url ELSE users.avatar_url END
	`, u.ID, u.FullName, u.AvatarURL, db.stamp())
	if err != nil {
		return fmt.Errorf("failed to save user: %w", err)
	}
	return nil
}

func (db *DB) GetUser(ctx context.Context, id string) (User, error) {
	u := User{ID: id}
	err := db.conn.QueryRowContext(ctx, "SELECT full_name, avatar_url FROM users WHERE id = ?", id).
		Scan(&u.FullName, &u.AvatarURL)
	if err != nil {
		return User{}, err
	}
	return u, nil
}

// SaveMessage persists m with a server timestamp and queues an unread
// notification for the receiver. A repeat of the same sender and client
// message id returns the stored row instead of inserting again.
func (db *DB) SaveMessage(ctx context.Context, m Message) (Message, error) {
	if m.ContentType == "" {
		m.ContentType = "text"
	}
	if err := db.EnsureUser(ctx, User{ID: m.SenderID}); err != nil {
		return Message{}, err
	}
	if err := db.EnsureUser(ctx, User{ID: m.ReceiverID}); err != nil {
		return Message{}, err
	}

	if m.ClientMsgID != "" {
		existing, err := db.messageByClientID(ctx, m.SenderID, m.ClientMsgID)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return Message{}, err
	}
	defer tx.Rollback()

	now := db.stamp()
	result, err := tx.ExecContext(ctx, `
		INSERT INTO messages (client_message_id, sender_id, receiver_id, content, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, m.ClientMsgID, m.SenderID, m.ReceiverID, m.Content, m.ContentType, now)
	if err != nil {
		return Message{}, fmt.Errorf("failed to save message: %w", err)
	}
	m.ID, _ = result.LastInsertId()
	m.CreatedAt = parseTime(now)

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO notifications (message_id, user_id, sender_id, status, created_at)
		VALUES (?, ?, ?, 'unread', ?)
	`, m.ID, m.ReceiverID, m.SenderID, now); err != nil {
		return Message{}, fmt.Errorf("failed to save notification: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Message{}, err
	}
	return m, nil
}

func (db *DB) messageByClientID(ctx context.Context, senderID, clientMsgID string) (Message, error) {
	m := Message{SenderID: senderID, ClientMsgID: clientMsgID}
	var created string
	err := db.conn.QueryRowContext(ctx, `
		SELECT id, receiver_id, content, content_type, created_at
		FROM messages WHERE sender_id = ? AND client_message_id = ?
	`, senderID, clientMsgID).Scan(&m.ID, &m.ReceiverID, &m.Content, &m.ContentType, &created)
	if err != nil {
		return Message{}, err
	}
	m.CreatedAt = parseTime(created)
	return m, nil
}

// History returns every message between a and b, oldest first.
func (db *DB) History(ctx context.Context, a, b string) ([]Message, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT m.id, m.client_message_id, m.sender_id, m.receiver_id, m.content, m.content_type, m.created_at,
			COALESCE(s.full_name, ''), COALESCE(s.avatar_url, ''),
			COALESCE(r.full_name, ''), COALESCE(r.avatar_url, '')
		FROM messages m
		LEFT JOIN users s ON s.id = m.sender_id
		LEFT JOIN users r ON r.id = m.receiver_id
		WHERE (m.sender_id = ? AND m.receiver_id = ?) OR (m.sender_id = ? AND m.receiver_id = ?)
		ORDER BY m.created_at ASC, m.id ASC
	`, a, b, b, a)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		var created string
		if err := rows.Scan(&m.ID, &m.ClientMsgID, &m.SenderID, &m.ReceiverID, &m.Content, &m.ContentType, &created,
			&m.Sender.FullName, &m.Sender.AvatarURL, &m.Receiver.FullName, &m.Receiver.AvatarURL); err != nil {
			return nil, err
		}
		m.Sender.ID = m.SenderID
		m.Receiver.ID = m.ReceiverID
		m.CreatedAt = parseTime(created)
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// Conversations lists each partner of userID with the latest message and
// the number of unread notifications from that partner, newest first.
func (db *DB) Conversations(ctx context.Context, userID string) ([]Conversation, error) {
	rows, err := db.conn.QueryContext(ctx, `
		WITH threads AS (
			SELECT CASE WHEN sender_id = ? THEN receiver_id ELSE sender_id END AS partner_id,
				MAX(id) AS last_id
			FROM messages
			WHERE sender_id = ? OR receiver_id = ?
			GROUP BY partner_id
		)
		SELECT t.partner_id, COALESCE(u.full_name, ''), COALESCE(u.avatar_url, ''),
			m.content, m.content_type, m.created_at,
			(SELECT COUNT(*) FROM notifications n
				WHERE n.user_id = ? AND n.sender_id = t.partner_id AND n.status = 'unread')
		FROM threads t
		JOIN messages m ON m.id = t.last_id
		LEFT JOIN users u ON u.id = t.partner_id
		ORDER BY m.created_at DESC, m.id DESC
	`, userID, userID, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		var created string
		if err := rows.Scan(&c.Partner.ID, &c.Partner.FullName, &c.Partner.AvatarURL,
			&c.LastMessage, &c.ContentType, &created, &c.UnreadCount); err != nil {
			return nil, err
		}
		c.CreatedAt = parseTime(created)
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// Notifications returns userID's notifications in insertion order.
func (db *DB) Notifications(ctx context.Context, userID string) ([]Notification, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT n.id, n.sender_id, COALESCE(u.full_name, ''), COALESCE(u.avatar_url, ''),
			n.status, m.content, m.content_type, n.created_at
		FROM notifications n
		JOIN messages m ON m.id = n.message_id
		LEFT JOIN users u ON u.id = n.sender_id
		WHERE n.user_id = ?
		ORDER BY n.id ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch notifications: %w", err)
	}
	defer rows.Close()

	var notifications []Notification
	for rows.Next() {
		var n Notification
		var created string
		if err := rows.Scan(&n.ID, &n.Sender.ID, &n.Sender.FullName, &n.Sender.AvatarURL,
			&n.Status, &n.Content, &n.ContentType, &created); err != nil {
			return nil, err
		}
		n.CreatedAt = parseTime(created)
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// MarkRead flips every unread notification from peerID to userID and
// returns how many changed.
func (db *DB) MarkRead(ctx context.Context, userID, peerID string) (int64, error) {
	result, err := db.conn.ExecContext(ctx, `
		UPDATE notifications SET status = 'read'
		WHERE user_id = ? AND sender_id = ? AND status = 'unread'
	`, userID, peerID)
	if err != nil {
		return 0, fmt.Errorf("failed to update notifications: %w", err)
	}
	return result.RowsAffected()
}

func (db *DB) SaveFile(ctx context.Context, f File) error {
	_, err := db.conn.ExecContext(ctx, `
		INSERT INTO files (uploader_id, file_name, file_path, file_size, content_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, f.UploaderID, f.FileName, f.FilePath, f.FileSize, f.ContentType, db.stamp())
	if err != nil {
		return fmt.Errorf("failed to save file record: %w", err)
	}
	return nil
}
